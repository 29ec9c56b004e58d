package coordinator

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Najnomics/lvr-auction-avs/internal/crypto"
	"github.com/Najnomics/lvr-auction-avs/internal/domain"
)

type fakePrices struct {
	bps *big.Int
	err error
}

func (f *fakePrices) Discrepancy(string) (*big.Int, error) {
	return f.bps, f.err
}

type fakeTaskSource struct {
	auction domain.Auction
	bids    []domain.Bid
}

func (f *fakeTaskSource) GetTask(context.Context, uint32) (domain.Task, error) {
	return domain.Task{}, domain.ErrNotFound
}

func (f *fakeTaskSource) PendingTasks(context.Context) ([]domain.Task, error) {
	return nil, nil
}

func (f *fakeTaskSource) IsTaskComplete(context.Context, uint32) (bool, error) {
	return false, nil
}

func (f *fakeTaskSource) GetAuction(context.Context, string) (domain.Auction, error) {
	return f.auction, nil
}

func (f *fakeTaskSource) RevealedBids(context.Context, string) ([]domain.Bid, error) {
	return f.bids, nil
}

func (f *fakeTaskSource) SubmitConsensusResult(context.Context, domain.ConsensusResult) error {
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCoordinator(t *testing.T, tasks domain.TaskSource, prices PriceSource, url string) *Coordinator {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)

	c := New(tasks, prices, crypto.NewSigner(key), Config{AggregatorURL: url}, testLogger())
	c.backoff = time.Millisecond
	return c
}

func testTask() domain.Task {
	return domain.Task{
		Index:     7,
		AuctionID: "0xauction",
		PoolID:    "pool-1",
		Deadline:  time.Now().Add(time.Minute),
	}
}

func bid(bidder string, amount int64, revealed bool, at time.Time) domain.Bid {
	return domain.Bid{
		Bidder:    bidder,
		Amount:    big.NewInt(amount),
		Revealed:  revealed,
		Timestamp: at,
	}
}

func TestEvaluateBelowThresholdIsSilent(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	tasks := &fakeTaskSource{bids: []domain.Bid{bid("0xa", 100, true, time.Now())}}
	c := newTestCoordinator(t, tasks, &fakePrices{bps: big.NewInt(49)}, srv.URL)

	err := c.ProcessTask(context.Background(), testTask())
	assert.ErrorIs(t, err, domain.ErrNoOpportunity)
	assert.Zero(t, hits.Load(), "no-opportunity must not reach the aggregator")
}

func TestEvaluateExpiredTaskReturnsDeadlineError(t *testing.T) {
	tasks := &fakeTaskSource{bids: []domain.Bid{bid("0xa", 100, true, time.Now())}}
	c := newTestCoordinator(t, tasks, &fakePrices{bps: big.NewInt(120)}, "http://unused")

	task := testTask()
	task.Deadline = time.Now().Add(-time.Second)

	_, err := c.Evaluate(context.Background(), task)
	require.ErrorIs(t, err, domain.ErrDeadlineExceeded)
}

func TestEvaluatePicksHighestRevealedBid(t *testing.T) {
	now := time.Now()
	tasks := &fakeTaskSource{
		auction: domain.Auction{TotalBids: 4},
		bids: []domain.Bid{
			bid("0xlow", 100, true, now),
			bid("0xhidden", 9_000, false, now),
			bid("0xhigh", 5_000, true, now.Add(time.Second)),
			bid("0xmid", 2_500, true, now),
		},
	}
	c := newTestCoordinator(t, tasks, &fakePrices{bps: big.NewInt(120)}, "http://unused")

	resp, err := c.Evaluate(context.Background(), testTask())
	require.NoError(t, err)
	assert.Equal(t, "0xhigh", resp.Winner)
	assert.Equal(t, big.NewInt(5_000), resp.WinningBid)
	assert.Equal(t, uint32(4), resp.TotalBids)
	assert.Equal(t, uint32(7), resp.TaskIndex)
}

func TestEvaluateTieBreaksOnEarlierReveal(t *testing.T) {
	now := time.Now()
	tasks := &fakeTaskSource{
		bids: []domain.Bid{
			bid("0xlater", 5_000, true, now.Add(time.Minute)),
			bid("0xearlier", 5_000, true, now),
		},
	}
	c := newTestCoordinator(t, tasks, &fakePrices{bps: big.NewInt(120)}, "http://unused")

	resp, err := c.Evaluate(context.Background(), testTask())
	require.NoError(t, err)
	assert.Equal(t, "0xearlier", resp.Winner)
}

func TestEvaluateNoRevealedBids(t *testing.T) {
	tasks := &fakeTaskSource{
		bids: []domain.Bid{bid("0xhidden", 9_000, false, time.Now())},
	}
	c := newTestCoordinator(t, tasks, &fakePrices{bps: big.NewInt(120)}, "http://unused")

	_, err := c.Evaluate(context.Background(), testTask())
	assert.ErrorIs(t, err, domain.ErrNoOpportunity)
}

func TestSubmitPostsVerifiableResponse(t *testing.T) {
	var got domain.SignedTaskResponse
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/submit-response", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tasks := &fakeTaskSource{
		auction: domain.Auction{TotalBids: 1},
		bids:    []domain.Bid{bid("0x1111111111111111111111111111111111111111", 1_000, true, time.Now())},
	}
	c := newTestCoordinator(t, tasks, &fakePrices{bps: big.NewInt(80)}, srv.URL)

	require.NoError(t, c.ProcessTask(context.Background(), testTask()))

	assert.Equal(t, uint32(7), got.ReferenceTaskIndex)
	assert.Equal(t, "0x1111111111111111111111111111111111111111", got.Winner)
	assert.Equal(t, big.NewInt(1_000), got.WinningBid)
	assert.NoError(t, crypto.VerifyResponse(got.Response(), got.BlsSignature))
}

func TestSubmitRetriesTransientFailures(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tasks := &fakeTaskSource{bids: []domain.Bid{bid("0xa", 100, true, time.Now())}}
	c := newTestCoordinator(t, tasks, &fakePrices{bps: big.NewInt(80)}, srv.URL)

	require.NoError(t, c.ProcessTask(context.Background(), testTask()))
	assert.Equal(t, int64(3), hits.Load())
}

func TestSubmitGivesUpAfterMaxAttempts(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	tasks := &fakeTaskSource{bids: []domain.Bid{bid("0xa", 100, true, time.Now())}}
	c := newTestCoordinator(t, tasks, &fakePrices{bps: big.NewInt(80)}, srv.URL)

	err := c.ProcessTask(context.Background(), testTask())
	assert.Error(t, err)
	assert.Equal(t, int64(maxSubmitAttempts), hits.Load())
}
