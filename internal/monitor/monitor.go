// Package monitor implements the price monitor: per-feed polling loops that
// keep the in-process price cache fresh, a periodic eviction sweep, and the
// discrepancy query the auction coordinator decides on.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Najnomics/lvr-auction-avs/internal/cache/memory"
	"github.com/Najnomics/lvr-auction-avs/internal/domain"
)

const (
	// evictInterval is how often the cache sweep runs.
	evictInterval = 5 * time.Minute
	// retention is how long observations are kept before eviction. Matches
	// the freshness window: anything older is unusable anyway.
	retention = domain.FreshnessWindow
)

// FeedSource fetches a single pair's price from one external source.
// Implemented by pricefeed.Client; tests provide fakes.
type FeedSource interface {
	Name() string
	FetchPrice(ctx context.Context, pair domain.TokenPair) (domain.PriceObservation, error)
}

// Feed couples a source with its polling schedule and pair set. Each feed
// polls on its own independent interval.
type Feed struct {
	Source   FeedSource
	Interval time.Duration
	Pairs    []domain.TokenPair
}

// Monitor owns the price cache and keeps it fresh from the configured feeds.
type Monitor struct {
	feeds  []Feed
	pools  map[string]domain.TokenPair // pool ID -> pair
	cache  *memory.PriceCache
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Monitor. pools maps on-chain pool identities to the trading
// pair whose price backs them.
func New(feeds []Feed, pools map[string]domain.TokenPair, cache *memory.PriceCache, logger *slog.Logger) *Monitor {
	return &Monitor{
		feeds:  feeds,
		pools:  pools,
		cache:  cache,
		logger: logger.With(slog.String("component", "price_monitor")),
		now:    time.Now,
	}
}

// Cache exposes the underlying price cache for streaming feeds that bypass
// the polling loops.
func (m *Monitor) Cache() *memory.PriceCache {
	return m.cache
}

// Run launches one polling goroutine per feed plus the eviction sweep and
// blocks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("starting price monitoring", slog.Int("feeds", len(m.feeds)))

	g, ctx := errgroup.WithContext(ctx)
	for _, feed := range m.feeds {
		g.Go(func() error {
			return m.pollFeed(ctx, feed)
		})
	}
	g.Go(func() error {
		return m.evictLoop(ctx)
	})
	return g.Wait()
}

// HandleObservation writes a streamed observation into the cache. Used as
// the WebSocket feed callback.
func (m *Monitor) HandleObservation(ctx context.Context, obs domain.PriceObservation) {
	m.cache.Put(obs)
	m.logger.DebugContext(ctx, "price streamed",
		slog.String("pair", domain.PairKey(obs.Token0, obs.Token1)),
		slog.String("source", obs.Source),
		slog.String("price", obs.Price.String()),
	)
}

// pollFeed polls one feed at its configured interval until ctx is cancelled.
func (m *Monitor) pollFeed(ctx context.Context, feed Feed) error {
	logger := m.logger.With(slog.String("feed", feed.Source.Name()))
	logger.Info("feed polling started", slog.Duration("interval", feed.Interval))

	ticker := time.NewTicker(feed.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.updateFeed(ctx, feed, logger)
		}
	}
}

// updateFeed fetches all active pairs for a feed sequentially. A failure for
// one pair is logged and skipped; it never aborts the loop.
func (m *Monitor) updateFeed(ctx context.Context, feed Feed, logger *slog.Logger) {
	for _, pair := range feed.Pairs {
		if !pair.IsActive {
			continue
		}

		obs, err := feed.Source.FetchPrice(ctx, pair)
		if err != nil {
			logger.Error("price fetch failed",
				slog.String("pair", pair.Symbol),
				slog.String("error", err.Error()),
			)
			continue
		}

		m.cache.Put(obs)
		logger.Debug("price updated",
			slog.String("pair", pair.Symbol),
			slog.String("source", obs.Source),
			slog.String("price", obs.Price.String()),
		)
	}
}

// evictLoop sweeps the cache on a fixed interval, dropping observations older
// than the retention window. This bounds memory over long uptimes.
func (m *Monitor) evictLoop(ctx context.Context) error {
	ticker := time.NewTicker(evictInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n := m.cache.EvictOlderThan(m.now().Add(-retention)); n > 0 {
				m.logger.Debug("evicted stale observations", slog.Int("count", n))
			}
		}
	}
}

// resolvePool maps a pool identity to its configured pair.
func (m *Monitor) resolvePool(poolID string) (domain.TokenPair, error) {
	pair, ok := m.pools[poolID]
	if !ok {
		return domain.TokenPair{}, fmt.Errorf("monitor: unknown pool %q: %w", poolID, domain.ErrNoPriceData)
	}
	return pair, nil
}

// GetPrice returns the freshest usable observation for the pool's pair.
// ErrNoPriceData means the pair was never observed (likely a configuration
// gap); ErrStalePrice means observed but beyond the freshness window — a
// data-quality signal the caller must treat differently.
func (m *Monitor) GetPrice(poolID string) (domain.PriceObservation, error) {
	pair, err := m.resolvePool(poolID)
	if err != nil {
		return domain.PriceObservation{}, err
	}

	obs, ok := m.cache.Get(pair.Token0, pair.Token1)
	if !ok {
		return domain.PriceObservation{}, fmt.Errorf("monitor: pair %s: %w", pair.Symbol, domain.ErrNoPriceData)
	}
	if obs.StaleAt(m.now()) {
		return domain.PriceObservation{}, fmt.Errorf("monitor: pair %s observed %s ago: %w",
			pair.Symbol, m.now().Sub(obs.ObservedAt).Truncate(time.Second), domain.ErrStalePrice)
	}
	return obs, nil
}

// Discrepancy returns the price divergence for the pool's pair in basis
// points, computed from the two freshest observations that come from
// distinct sources. A single source cannot detect CEX/DEX divergence, so
// fewer than two fresh independent sources is ErrInsufficientSources.
func (m *Monitor) Discrepancy(poolID string) (*big.Int, error) {
	pair, err := m.resolvePool(poolID)
	if err != nil {
		return nil, err
	}

	all := m.cache.Sources(pair.Token0, pair.Token1)
	now := m.now()

	fresh := all[:0]
	for _, obs := range all {
		if !obs.StaleAt(now) {
			fresh = append(fresh, obs)
		}
	}

	if len(fresh) == 0 {
		if len(all) > 0 {
			return nil, fmt.Errorf("monitor: pair %s: %w", pair.Symbol, domain.ErrStalePrice)
		}
		return nil, fmt.Errorf("monitor: pair %s: %w", pair.Symbol, domain.ErrNoPriceData)
	}
	if !hasTwoSources(fresh) {
		return nil, fmt.Errorf("monitor: pair %s: %w", pair.Symbol, domain.ErrInsufficientSources)
	}

	sort.Slice(fresh, func(i, j int) bool {
		return fresh[i].ObservedAt.After(fresh[j].ObservedAt)
	})

	primary := fresh[0]
	for _, obs := range fresh[1:] {
		if obs.Source != primary.Source {
			return domain.DiscrepancyBps(primary.Price, obs.Price)
		}
	}
	return nil, errors.New("monitor: no reference source")
}

func hasTwoSources(obs []domain.PriceObservation) bool {
	if len(obs) < 2 {
		return false
	}
	first := obs[0].Source
	for _, o := range obs[1:] {
		if o.Source != first {
			return true
		}
	}
	return false
}
