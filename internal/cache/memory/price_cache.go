// Package memory provides the in-process price cache shared between the
// price monitor's feed loops and the auction coordinator.
package memory

import (
	"sync"
	"time"

	"github.com/Najnomics/lvr-auction-avs/internal/domain"
)

// PriceCache holds the latest observation per (pair, source). Writers replace
// entries wholesale; readers never see partial updates. A single coarse
// RWMutex guards the map, which is fine at feed-poll frequencies.
type PriceCache struct {
	mu      sync.RWMutex
	entries map[string]map[string]domain.PriceObservation // pair key -> source -> obs
}

// NewPriceCache creates an empty PriceCache.
func NewPriceCache() *PriceCache {
	return &PriceCache{
		entries: make(map[string]map[string]domain.PriceObservation),
	}
}

// Put overwrites the observation for the pair and source unconditionally.
func (c *PriceCache) Put(obs domain.PriceObservation) {
	key := domain.PairKey(obs.Token0, obs.Token1)

	c.mu.Lock()
	defer c.mu.Unlock()

	bySource, ok := c.entries[key]
	if !ok {
		bySource = make(map[string]domain.PriceObservation)
		c.entries[key] = bySource
	}
	bySource[obs.Source] = obs
}

// Get returns the freshest observation for a pair across all sources.
func (c *PriceCache) Get(token0, token1 string) (domain.PriceObservation, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var (
		best  domain.PriceObservation
		found bool
	)
	for _, obs := range c.entries[domain.PairKey(token0, token1)] {
		if !found || obs.ObservedAt.After(best.ObservedAt) {
			best = obs
			found = true
		}
	}
	return best, found
}

// GetBySource returns the observation for a pair from a specific source.
func (c *PriceCache) GetBySource(token0, token1, source string) (domain.PriceObservation, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	obs, ok := c.entries[domain.PairKey(token0, token1)][source]
	return obs, ok
}

// Sources returns all current observations for a pair, one per source.
func (c *PriceCache) Sources(token0, token1 string) []domain.PriceObservation {
	c.mu.RLock()
	defer c.mu.RUnlock()

	bySource := c.entries[domain.PairKey(token0, token1)]
	out := make([]domain.PriceObservation, 0, len(bySource))
	for _, obs := range bySource {
		out = append(out, obs)
	}
	return out
}

// IsStale reports whether the pair's freshest observation is stale. A pair
// that was never observed counts as stale.
func (c *PriceCache) IsStale(token0, token1 string, now time.Time) bool {
	obs, ok := c.Get(token0, token1)
	if !ok {
		return true
	}
	return obs.StaleAt(now)
}

// EvictOlderThan removes every observation made strictly before the cutoff
// and returns the number of entries removed. Pairs left without any source
// are dropped entirely.
func (c *PriceCache) EvictOlderThan(cutoff time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	evicted := 0
	for key, bySource := range c.entries {
		for source, obs := range bySource {
			if obs.ObservedAt.Before(cutoff) {
				delete(bySource, source)
				evicted++
			}
		}
		if len(bySource) == 0 {
			delete(c.entries, key)
		}
	}
	return evicted
}

// Len returns the number of cached pairs.
func (c *PriceCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
