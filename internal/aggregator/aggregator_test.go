package aggregator

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Najnomics/lvr-auction-avs/internal/crypto"
	"github.com/Najnomics/lvr-auction-avs/internal/domain"
)

type fakeTasks struct {
	mu        sync.Mutex
	tasks     map[uint32]domain.Task
	settled   []domain.ConsensusResult
	settleErr error
}

func newFakeTasks() *fakeTasks {
	return &fakeTasks{tasks: make(map[uint32]domain.Task)}
}

func (f *fakeTasks) GetTask(_ context.Context, index uint32) (domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	task, ok := f.tasks[index]
	if !ok {
		return domain.Task{}, domain.ErrNotFound
	}
	return task, nil
}

func (f *fakeTasks) PendingTasks(context.Context) ([]domain.Task, error) { return nil, nil }

func (f *fakeTasks) IsTaskComplete(context.Context, uint32) (bool, error) { return false, nil }

func (f *fakeTasks) GetAuction(context.Context, string) (domain.Auction, error) {
	return domain.Auction{}, domain.ErrNotFound
}

func (f *fakeTasks) RevealedBids(context.Context, string) ([]domain.Bid, error) { return nil, nil }

func (f *fakeTasks) SubmitConsensusResult(_ context.Context, result domain.ConsensusResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.settleErr != nil {
		return f.settleErr
	}
	f.settled = append(f.settled, result)
	return nil
}

func (f *fakeTasks) settledCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.settled)
}

type operator struct {
	signer *crypto.Signer
}

func newOperator(t *testing.T) operator {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	return operator{signer: crypto.NewSigner(key)}
}

func (o operator) signedVote(t *testing.T, taskIndex uint32, winner string, bid int64, totalBids uint32) domain.SignedTaskResponse {
	t.Helper()
	resp := domain.TaskResponse{
		OperatorID: o.signer.Address().Hex(),
		TaskIndex:  taskIndex,
		AuctionID:  "0xauction",
		Winner:     winner,
		WinningBid: big.NewInt(bid),
		TotalBids:  totalBids,
		Timestamp:  time.Now(),
	}
	sig, err := o.signer.SignResponse(resp)
	require.NoError(t, err)

	return domain.SignedTaskResponse{
		ReferenceTaskIndex: resp.TaskIndex,
		AuctionID:          resp.AuctionID,
		Winner:             resp.Winner,
		WinningBid:         resp.WinningBid,
		TotalBids:          resp.TotalBids,
		Timestamp:          resp.Timestamp,
		BlsSignature:       sig,
		OperatorID:         resp.OperatorID,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const winnerAddr = "0x1111111111111111111111111111111111111111"

func newTestEngine(tasks *fakeTasks, collector *Collector, expected int) *Engine {
	return NewEngine(EngineDeps{Collector: collector, Tasks: tasks}, EngineConfig{
		QuorumPercent:     67,
		ExpectedOperators: expected,
	}, testLogger())
}

func TestQuorumThresholds(t *testing.T) {
	e := newTestEngine(newFakeTasks(), NewCollector(nil, testLogger()), 3)
	assert.Equal(t, 2, e.Quorum(), "67 percent of 3 operators is 2: one faulty operator is tolerated")

	e = newTestEngine(newFakeTasks(), NewCollector(nil, testLogger()), 4)
	assert.Equal(t, 2, e.Quorum())

	e = NewEngine(EngineDeps{}, EngineConfig{QuorumPercent: 50, ExpectedOperators: 4}, testLogger())
	assert.Equal(t, 2, e.Quorum())

	e = NewEngine(EngineDeps{}, EngineConfig{QuorumPercent: 100, ExpectedOperators: 3}, testLogger())
	assert.Equal(t, 3, e.Quorum())

	// Never below one, even when the percentage truncates to zero.
	e = NewEngine(EngineDeps{}, EngineConfig{QuorumPercent: 67, ExpectedOperators: 1}, testLogger())
	assert.Equal(t, 1, e.Quorum())
}

func TestTwoOfThreeVotesFinalizeAt67Percent(t *testing.T) {
	tasks := newFakeTasks()
	collector := NewCollector(nil, testLogger())
	engine := newTestEngine(tasks, collector, 3)

	for range 2 {
		op := newOperator(t)
		_, err := collector.Submit(context.Background(), op.signedVote(t, 9, winnerAddr, 100, 5))
		require.NoError(t, err)
	}

	engine.EvaluateOnce(context.Background())

	result, ok := engine.Result(9)
	require.True(t, ok, "two agreeing votes out of an expected set of three must finalize")
	assert.Equal(t, domain.TaskStatusFinalized, result.Status)
	assert.Equal(t, 2, result.Result.AgreeCount)
	assert.Equal(t, 1, tasks.settledCount())
}

func TestConsensusOnIdenticalVotes(t *testing.T) {
	tasks := newFakeTasks()
	collector := NewCollector(nil, testLogger())
	engine := NewEngine(EngineDeps{Collector: collector, Tasks: tasks}, EngineConfig{
		QuorumPercent:     67,
		ExpectedOperators: 3,
	}, testLogger())

	bid := big.NewInt(1_000_000_000_000_000_000) // 1e18
	for range 3 {
		op := newOperator(t)
		_, err := collector.Submit(context.Background(), op.signedVote(t, 1, winnerAddr, bid.Int64(), 5))
		require.NoError(t, err)
	}

	engine.EvaluateOnce(context.Background())

	result, ok := engine.Result(1)
	require.True(t, ok)
	assert.Equal(t, domain.TaskStatusFinalized, result.Status)
	assert.Equal(t, winnerAddr, result.Result.Winner)
	assert.Equal(t, bid, result.Result.WinningBid)
	assert.Equal(t, uint32(5), result.Result.TotalBids)
	assert.Equal(t, 3, result.Result.AgreeCount)
	assert.Equal(t, 1, tasks.settledCount())

	// Buffer is freed after finalization.
	assert.Empty(t, collector.Responses(1))
}

func TestSplitVotesBelowQuorumStayPending(t *testing.T) {
	tasks := newFakeTasks()
	tasks.tasks[2] = domain.Task{Index: 2, Deadline: time.Now().Add(time.Hour)}
	collector := NewCollector(nil, testLogger())
	engine := newTestEngine(tasks, collector, 4)

	a, b := newOperator(t), newOperator(t)
	_, err := collector.Submit(context.Background(), a.signedVote(t, 2, winnerAddr, 100, 5))
	require.NoError(t, err)
	_, err = collector.Submit(context.Background(), b.signedVote(t, 2, "0x2222222222222222222222222222222222222222", 200, 5))
	require.NoError(t, err)

	engine.EvaluateOnce(context.Background())

	_, ok := engine.Result(2)
	assert.False(t, ok)
	assert.Zero(t, tasks.settledCount())
	assert.Len(t, collector.Responses(2), 2)
}

func TestDuplicateOperatorCountsOnce(t *testing.T) {
	tasks := newFakeTasks()
	tasks.tasks[3] = domain.Task{Index: 3, Deadline: time.Now().Add(time.Hour)}
	collector := NewCollector(nil, testLogger())
	engine := newTestEngine(tasks, collector, 3)

	op := newOperator(t)
	for range 5 {
		_, err := collector.Submit(context.Background(), op.signedVote(t, 3, winnerAddr, 100, 5))
		require.NoError(t, err)
	}

	engine.EvaluateOnce(context.Background())

	_, ok := engine.Result(3)
	assert.False(t, ok, "one operator resubmitting must count once toward quorum")
}

func TestFirstSubmissionWinsPerOperator(t *testing.T) {
	tasks := newFakeTasks()
	collector := NewCollector(nil, testLogger())
	engine := NewEngine(EngineDeps{Collector: collector, Tasks: tasks}, EngineConfig{
		QuorumPercent:     67,
		ExpectedOperators: 2,
	}, testLogger())

	a, b := newOperator(t), newOperator(t)
	_, err := collector.Submit(context.Background(), a.signedVote(t, 4, winnerAddr, 100, 5))
	require.NoError(t, err)
	// Operator a flips its vote; the resubmission must not count.
	_, err = collector.Submit(context.Background(), a.signedVote(t, 4, "0x3333333333333333333333333333333333333333", 300, 5))
	require.NoError(t, err)
	_, err = collector.Submit(context.Background(), b.signedVote(t, 4, winnerAddr, 100, 5))
	require.NoError(t, err)

	engine.EvaluateOnce(context.Background())

	result, ok := engine.Result(4)
	require.True(t, ok)
	assert.Equal(t, winnerAddr, result.Result.Winner)
	assert.Equal(t, 2, result.Result.AgreeCount)
}

func TestFinalizedTaskIgnoresLateResponses(t *testing.T) {
	tasks := newFakeTasks()
	collector := NewCollector(nil, testLogger())
	engine := NewEngine(EngineDeps{Collector: collector, Tasks: tasks}, EngineConfig{
		QuorumPercent:     67,
		ExpectedOperators: 1,
	}, testLogger())

	op := newOperator(t)
	_, err := collector.Submit(context.Background(), op.signedVote(t, 5, winnerAddr, 100, 5))
	require.NoError(t, err)
	engine.EvaluateOnce(context.Background())
	require.Equal(t, 1, tasks.settledCount())

	late := newOperator(t)
	_, err = collector.Submit(context.Background(), late.signedVote(t, 5, "0x4444444444444444444444444444444444444444", 999, 5))
	require.NoError(t, err)
	engine.EvaluateOnce(context.Background())

	result, _ := engine.Result(5)
	assert.Equal(t, winnerAddr, result.Result.Winner)
	assert.Equal(t, 1, tasks.settledCount(), "a finalized task is settled exactly once")
	assert.Empty(t, collector.Responses(5))
}

func TestTieBreaksOnEarliestFirstSubmission(t *testing.T) {
	tasks := newFakeTasks()
	collector := NewCollector(nil, testLogger())
	engine := NewEngine(EngineDeps{Collector: collector, Tasks: tasks}, EngineConfig{
		QuorumPercent:     25,
		ExpectedOperators: 4,
	}, testLogger())

	base := time.Now()
	clock := base
	collector.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	// Two vote keys, one operator each, both clear the loose quorum of 1.
	first, second := newOperator(t), newOperator(t)
	_, err := collector.Submit(context.Background(), first.signedVote(t, 6, winnerAddr, 100, 5))
	require.NoError(t, err)
	_, err = collector.Submit(context.Background(), second.signedVote(t, 6, "0x5555555555555555555555555555555555555555", 200, 5))
	require.NoError(t, err)

	engine.EvaluateOnce(context.Background())

	result, ok := engine.Result(6)
	require.True(t, ok)
	assert.Equal(t, winnerAddr, result.Result.Winner)
}

func TestDeadlineWithoutQuorumFails(t *testing.T) {
	tasks := newFakeTasks()
	tasks.tasks[7] = domain.Task{Index: 7, Deadline: time.Now().Add(-time.Minute)}
	collector := NewCollector(nil, testLogger())
	engine := newTestEngine(tasks, collector, 3)

	op := newOperator(t)
	_, err := collector.Submit(context.Background(), op.signedVote(t, 7, winnerAddr, 100, 5))
	require.NoError(t, err)

	engine.EvaluateOnce(context.Background())

	result, ok := engine.Result(7)
	require.True(t, ok)
	assert.Equal(t, domain.TaskStatusFailed, result.Status)
	assert.Equal(t, 1, result.Result.AgreeCount)
	assert.Zero(t, tasks.settledCount())
	assert.Empty(t, collector.Responses(7))
}

func TestSettlementFailureRetriesNextTick(t *testing.T) {
	tasks := newFakeTasks()
	tasks.settleErr = assert.AnError
	collector := NewCollector(nil, testLogger())
	engine := NewEngine(EngineDeps{Collector: collector, Tasks: tasks}, EngineConfig{
		QuorumPercent:     67,
		ExpectedOperators: 1,
	}, testLogger())

	op := newOperator(t)
	_, err := collector.Submit(context.Background(), op.signedVote(t, 8, winnerAddr, 100, 5))
	require.NoError(t, err)

	engine.EvaluateOnce(context.Background())
	_, ok := engine.Result(8)
	assert.False(t, ok)
	assert.Len(t, collector.Responses(8), 1, "buffer stays intact for the retry")

	tasks.mu.Lock()
	tasks.settleErr = nil
	tasks.mu.Unlock()

	engine.EvaluateOnce(context.Background())
	result, ok := engine.Result(8)
	require.True(t, ok)
	assert.Equal(t, domain.TaskStatusFinalized, result.Status)
}

func TestCollectorRejectsBadSignature(t *testing.T) {
	collector := NewCollector(nil, testLogger())

	op := newOperator(t)
	signed := op.signedVote(t, 9, winnerAddr, 100, 5)
	signed.WinningBid = big.NewInt(999) // tamper after signing

	_, err := collector.Submit(context.Background(), signed)
	assert.ErrorIs(t, err, domain.ErrInvalidResponse)
	assert.Empty(t, collector.Responses(9))
}

func newTestServer(t *testing.T) (*Server, *Collector, *fakeTasks) {
	t.Helper()
	tasks := newFakeTasks()
	collector := NewCollector(nil, testLogger())
	engine := newTestEngine(tasks, collector, 3)
	return NewServer(ServerConfig{Port: 0}, collector, engine, testLogger()), collector, tasks
}

func TestSubmitEndpointAcceptsValidResponse(t *testing.T) {
	srv, collector, _ := newTestServer(t)

	op := newOperator(t)
	body, err := json.Marshal(op.signedVote(t, 10, winnerAddr, 100, 5))
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/submit-response", bytes.NewReader(body)))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "success", resp["status"])
	assert.NotEmpty(t, resp["submissionId"])
	assert.Len(t, collector.Responses(10), 1)
}

func TestSubmitEndpointRejectsMalformedJSON(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/submit-response", bytes.NewBufferString("{not json")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitEndpointRejectsNegativeBid(t *testing.T) {
	srv, collector, _ := newTestServer(t)

	op := newOperator(t)
	signed := op.signedVote(t, 11, winnerAddr, 100, 5)
	signed.WinningBid = big.NewInt(-1)
	body, err := json.Marshal(signed)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/submit-response", bytes.NewReader(body)))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, collector.Responses(11), "rejected responses never touch the buffer")
}

func TestSubmitEndpointConflictsOnFinalizedTask(t *testing.T) {
	tasks := newFakeTasks()
	collector := NewCollector(nil, testLogger())
	engine := NewEngine(EngineDeps{Collector: collector, Tasks: tasks}, EngineConfig{
		QuorumPercent:     67,
		ExpectedOperators: 1,
	}, testLogger())
	srv := NewServer(ServerConfig{Port: 0}, collector, engine, testLogger())

	op := newOperator(t)
	_, err := collector.Submit(context.Background(), op.signedVote(t, 14, winnerAddr, 100, 5))
	require.NoError(t, err)
	engine.EvaluateOnce(context.Background())
	require.Equal(t, 1, tasks.settledCount())

	late := newOperator(t)
	body, err := json.Marshal(late.signedVote(t, 14, winnerAddr, 100, 5))
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/submit-response", bytes.NewReader(body)))

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Empty(t, collector.Responses(14), "late responses never re-enter the buffer")
	assert.Equal(t, 1, tasks.settledCount())
}

func TestHealthEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp["status"])
	assert.NotEmpty(t, resp["timestamp"])
}

func TestConsensusEndpoint(t *testing.T) {
	tasks := newFakeTasks()
	collector := NewCollector(nil, testLogger())
	engine := NewEngine(EngineDeps{Collector: collector, Tasks: tasks}, EngineConfig{
		QuorumPercent:     67,
		ExpectedOperators: 1,
	}, testLogger())
	srv := NewServer(ServerConfig{Port: 0}, collector, engine, testLogger())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/consensus/12", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	op := newOperator(t)
	_, err := collector.Submit(context.Background(), op.signedVote(t, 12, winnerAddr, 100, 5))
	require.NoError(t, err)
	engine.EvaluateOnce(context.Background())

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/consensus/12", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var stored domain.StoredResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stored))
	assert.Equal(t, domain.TaskStatusFinalized, stored.Status)
	assert.Equal(t, winnerAddr, stored.Result.Winner)
}
