package memory

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Najnomics/lvr-auction-avs/internal/domain"
)

func obs(t0, t1, source string, price int64, at time.Time) domain.PriceObservation {
	return domain.PriceObservation{
		Token0:     t0,
		Token1:     t1,
		Price:      big.NewInt(price),
		Source:     source,
		ObservedAt: at,
	}
}

func TestGetIsCanonicalAcrossPairOrder(t *testing.T) {
	c := NewPriceCache()
	now := time.Now()

	c.Put(obs("0xAAA", "0xBBB", "binance", 100, now))

	forward, ok := c.Get("0xAAA", "0xBBB")
	require.True(t, ok)
	reversed, ok := c.Get("0xBBB", "0xAAA")
	require.True(t, ok)

	assert.Equal(t, forward, reversed)
	assert.Equal(t, 1, c.Len())
}

func TestPutOverwrites(t *testing.T) {
	c := NewPriceCache()
	now := time.Now()

	c.Put(obs("a", "b", "binance", 100, now.Add(-time.Minute)))
	c.Put(obs("a", "b", "binance", 200, now))

	got, ok := c.GetBySource("a", "b", "binance")
	require.True(t, ok)
	assert.EqualValues(t, 200, got.Price.Int64())
}

func TestGetPrefersFreshestSource(t *testing.T) {
	c := NewPriceCache()
	now := time.Now()

	c.Put(obs("a", "b", "binance", 100, now.Add(-10*time.Minute)))
	c.Put(obs("a", "b", "coinbase", 101, now))

	got, ok := c.Get("a", "b")
	require.True(t, ok)
	assert.Equal(t, "coinbase", got.Source)

	assert.Len(t, c.Sources("a", "b"), 2)
}

func TestIsStale(t *testing.T) {
	c := NewPriceCache()
	now := time.Now()

	// Never observed counts as stale.
	assert.True(t, c.IsStale("x", "y", now))

	c.Put(obs("x", "y", "binance", 100, now.Add(-domain.FreshnessWindow+time.Second)))
	assert.False(t, c.IsStale("x", "y", now))

	c.Put(obs("x", "y", "binance", 100, now.Add(-domain.FreshnessWindow-time.Second)))
	assert.True(t, c.IsStale("x", "y", now))
}

func TestEvictOlderThan(t *testing.T) {
	c := NewPriceCache()
	now := time.Now()

	c.Put(obs("a", "b", "binance", 100, now.Add(-2*time.Hour)))
	c.Put(obs("a", "b", "coinbase", 101, now))
	c.Put(obs("c", "d", "binance", 50, now.Add(-2*time.Hour)))

	evicted := c.EvictOlderThan(now.Add(-time.Hour))
	assert.Equal(t, 2, evicted)

	// a/b survives via its fresh source, c/d is gone entirely.
	_, ok := c.Get("a", "b")
	assert.True(t, ok)
	_, ok = c.Get("c", "d")
	assert.False(t, ok)
	assert.Equal(t, 1, c.Len())
}

func TestConcurrentAccess(t *testing.T) {
	c := NewPriceCache()
	now := time.Now()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			c.Put(obs("a", "b", "binance", int64(i), now))
		}
	}()
	for i := 0; i < 500; i++ {
		c.Get("a", "b")
		c.IsStale("a", "b", now)
	}
	<-done
}
