package monitor

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Najnomics/lvr-auction-avs/internal/cache/memory"
	"github.com/Najnomics/lvr-auction-avs/internal/domain"
)

var testPair = domain.TokenPair{
	Token0:   "0xaaa",
	Token1:   "0xbbb",
	Symbol:   "ETH-USDC",
	IsActive: true,
}

const testPool = "pool-1"

// fakeSource returns canned observations or errors per pair symbol.
type fakeSource struct {
	name string
	obs  map[string]domain.PriceObservation
	errs map[string]error
	seen []string
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) FetchPrice(ctx context.Context, pair domain.TokenPair) (domain.PriceObservation, error) {
	f.seen = append(f.seen, pair.Symbol)
	if err, ok := f.errs[pair.Symbol]; ok {
		return domain.PriceObservation{}, err
	}
	return f.obs[pair.Symbol], nil
}

func newTestMonitor(cache *memory.PriceCache) *Monitor {
	return New(nil, map[string]domain.TokenPair{testPool: testPair}, cache, slog.Default())
}

func price(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
}

func TestGetPriceDistinguishesMissingAndStale(t *testing.T) {
	cache := memory.NewPriceCache()
	m := newTestMonitor(cache)

	_, err := m.GetPrice(testPool)
	assert.ErrorIs(t, err, domain.ErrNoPriceData)

	cache.Put(domain.PriceObservation{
		Token0: testPair.Token0, Token1: testPair.Token1,
		Price: price(1000), Source: "binance",
		ObservedAt: time.Now().Add(-2 * time.Hour),
	})
	_, err = m.GetPrice(testPool)
	assert.ErrorIs(t, err, domain.ErrStalePrice)

	cache.Put(domain.PriceObservation{
		Token0: testPair.Token0, Token1: testPair.Token1,
		Price: price(1000), Source: "binance",
		ObservedAt: time.Now(),
	})
	obs, err := m.GetPrice(testPool)
	require.NoError(t, err)
	assert.Zero(t, price(1000).Cmp(obs.Price))
}

func TestGetPriceUnknownPool(t *testing.T) {
	m := newTestMonitor(memory.NewPriceCache())
	_, err := m.GetPrice("no-such-pool")
	assert.ErrorIs(t, err, domain.ErrNoPriceData)
}

func TestDiscrepancyRequiresTwoSources(t *testing.T) {
	cache := memory.NewPriceCache()
	m := newTestMonitor(cache)

	_, err := m.Discrepancy(testPool)
	assert.ErrorIs(t, err, domain.ErrNoPriceData)

	cache.Put(domain.PriceObservation{
		Token0: testPair.Token0, Token1: testPair.Token1,
		Price: price(1000), Source: "binance", ObservedAt: time.Now(),
	})
	_, err = m.Discrepancy(testPool)
	assert.ErrorIs(t, err, domain.ErrInsufficientSources)
}

func TestDiscrepancyComputesBps(t *testing.T) {
	cache := memory.NewPriceCache()
	m := newTestMonitor(cache)
	now := time.Now()

	cache.Put(domain.PriceObservation{
		Token0: testPair.Token0, Token1: testPair.Token1,
		Price: price(1000), Source: "binance", ObservedAt: now.Add(-time.Minute),
	})
	cache.Put(domain.PriceObservation{
		Token0: testPair.Token0, Token1: testPair.Token1,
		Price: price(1010), Source: "uniswap", ObservedAt: now,
	})

	bps, err := m.Discrepancy(testPool)
	require.NoError(t, err)
	assert.EqualValues(t, 100, bps.Int64())
}

func TestDiscrepancyIgnoresStaleSources(t *testing.T) {
	cache := memory.NewPriceCache()
	m := newTestMonitor(cache)
	now := time.Now()

	cache.Put(domain.PriceObservation{
		Token0: testPair.Token0, Token1: testPair.Token1,
		Price: price(1000), Source: "binance", ObservedAt: now,
	})
	cache.Put(domain.PriceObservation{
		Token0: testPair.Token0, Token1: testPair.Token1,
		Price: price(5000), Source: "uniswap", ObservedAt: now.Add(-2 * time.Hour),
	})

	_, err := m.Discrepancy(testPool)
	assert.ErrorIs(t, err, domain.ErrInsufficientSources)
}

func TestUpdateFeedSkipsFailuresAndInactivePairs(t *testing.T) {
	cache := memory.NewPriceCache()
	now := time.Now()

	okPair := testPair
	badPair := domain.TokenPair{Token0: "0xccc", Token1: "0xddd", Symbol: "BTC-USDC", IsActive: true}
	inactive := domain.TokenPair{Token0: "0xeee", Token1: "0xfff", Symbol: "SOL-USDC", IsActive: false}

	src := &fakeSource{
		name: "binance",
		obs: map[string]domain.PriceObservation{
			okPair.Symbol: {
				Token0: okPair.Token0, Token1: okPair.Token1,
				Price: price(1000), Source: "binance", ObservedAt: now,
			},
		},
		errs: map[string]error{badPair.Symbol: errors.New("boom")},
	}

	m := newTestMonitor(cache)
	feed := Feed{Source: src, Interval: time.Second, Pairs: []domain.TokenPair{badPair, okPair, inactive}}
	m.updateFeed(context.Background(), feed, slog.Default())

	// The failing pair did not abort the loop; the ok pair landed.
	_, ok := cache.Get(okPair.Token0, okPair.Token1)
	assert.True(t, ok)
	// The inactive pair was never fetched.
	assert.Equal(t, []string{badPair.Symbol, okPair.Symbol}, src.seen)
}

func TestRunStopsOnCancel(t *testing.T) {
	src := &fakeSource{name: "binance"}
	m := New(
		[]Feed{{Source: src, Interval: 10 * time.Millisecond, Pairs: []domain.TokenPair{testPair}}},
		map[string]domain.TokenPair{testPool: testPair},
		memory.NewPriceCache(),
		slog.Default(),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop after cancellation")
	}
}
