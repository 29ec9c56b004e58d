package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Najnomics/lvr-auction-avs/internal/domain"
)

const (
	// DefaultQuorumPercent of the expected operator set whose agreeing votes
	// finalize a result.
	DefaultQuorumPercent = 67

	defaultTick = 10 * time.Second
)

// Event channels published on the bus when a task reaches a terminal state.
const (
	EventConsensusFinalized = "consensus:finalized"
	EventConsensusFailed    = "consensus:failed"
)

// Notifier pushes human-facing alerts. Implemented by the notify package;
// nil disables alerting.
type Notifier interface {
	Notify(ctx context.Context, event, message string)
}

// EngineConfig carries the consensus engine's tunables.
type EngineConfig struct {
	// QuorumPercent of ExpectedOperators required to finalize. Zero means
	// DefaultQuorumPercent.
	QuorumPercent int
	// ExpectedOperators is the registered operator set size.
	ExpectedOperators int
	// Tick between consensus scans. Zero means 10s.
	Tick time.Duration
}

// EngineDeps are the engine's optional collaborators. Any may be nil except
// Collector and Tasks.
type EngineDeps struct {
	Collector *Collector
	Tasks     domain.TaskSource
	Store     domain.ConsensusStore
	Finalized domain.FinalizedCache
	Bus       domain.EventBus
	Notifier  Notifier
}

// Engine scans buffered responses on a fixed tick and finalizes tasks whose
// largest vote group clears quorum. Aggregation is order-independent: the
// result depends only on the response set, not arrival order.
type Engine struct {
	deps EngineDeps
	cfg  EngineConfig

	mu      sync.Mutex
	results map[uint32]domain.StoredResult

	logger *slog.Logger
	now    func() time.Time
}

// NewEngine creates an Engine.
func NewEngine(deps EngineDeps, cfg EngineConfig, logger *slog.Logger) *Engine {
	if cfg.QuorumPercent <= 0 {
		cfg.QuorumPercent = DefaultQuorumPercent
	}
	if cfg.Tick <= 0 {
		cfg.Tick = defaultTick
	}
	return &Engine{
		deps:    deps,
		cfg:     cfg,
		results: make(map[uint32]domain.StoredResult),
		logger:  logger.With(slog.String("component", "consensus_engine")),
		now:     time.Now,
	}
}

// Quorum returns the minimum distinct-operator count that finalizes a task.
// The threshold truncates: 67% of a 3-operator set is 2, so a set of three
// tolerates one missing or faulty operator.
func (e *Engine) Quorum() int {
	q := e.cfg.QuorumPercent * e.cfg.ExpectedOperators / 100
	if q < 1 {
		q = 1
	}
	return q
}

// Run drives the consensus tick until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("consensus engine started",
		slog.Int("quorum", e.Quorum()),
		slog.Int("expected_operators", e.cfg.ExpectedOperators),
		slog.Duration("tick", e.cfg.Tick),
	)

	ticker := time.NewTicker(e.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.EvaluateOnce(ctx)
		}
	}
}

// EvaluateOnce runs one consensus scan over all buffered tasks.
func (e *Engine) EvaluateOnce(ctx context.Context) {
	for _, index := range e.deps.Collector.TaskIndexes() {
		e.evaluateTask(ctx, index)
	}
}

// Result returns the terminal outcome recorded for a task, if any.
func (e *Engine) Result(taskIndex uint32) (domain.StoredResult, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	res, ok := e.results[taskIndex]
	return res, ok
}

// vote is one distinct operator's counted submission. First submission wins:
// an operator resubmitting, identically or not, never changes its vote.
type vote struct {
	response domain.SignedTaskResponse
	at       time.Time
}

// tally is one vote key's group.
type tally struct {
	count    int
	earliest time.Time
	sample   domain.SignedTaskResponse
}

func (e *Engine) evaluateTask(ctx context.Context, taskIndex uint32) {
	if e.isFinalized(ctx, taskIndex) {
		e.deps.Collector.Drop(taskIndex)
		return
	}

	responses := e.deps.Collector.Responses(taskIndex)
	if len(responses) == 0 {
		return
	}

	votes := firstVotePerOperator(responses)
	tallies := tallyVotes(votes)

	bestKey, best := largestGroup(tallies)
	if best.count >= e.Quorum() {
		e.finalize(ctx, taskIndex, best, len(responses))
		return
	}

	e.logger.Debug("quorum not reached",
		slog.Uint64("task", uint64(taskIndex)),
		slog.String("leading_vote", bestKey),
		slog.Int("agree_count", best.count),
		slog.Int("quorum", e.Quorum()),
	)
	e.checkDeadline(ctx, taskIndex, best, len(responses))
}

func firstVotePerOperator(responses []domain.ReceivedResponse) map[string]vote {
	votes := make(map[string]vote, len(responses))
	for _, rec := range responses {
		operator := strings.ToLower(rec.Response.OperatorID)
		if existing, ok := votes[operator]; ok && !existing.at.After(rec.ReceivedAt) {
			continue
		}
		votes[operator] = vote{response: rec.Response, at: rec.ReceivedAt}
	}
	return votes
}

func tallyVotes(votes map[string]vote) map[string]tally {
	tallies := make(map[string]tally)
	for _, v := range votes {
		key := v.response.Response().VoteKey()
		t, ok := tallies[key]
		if !ok {
			t = tally{earliest: v.at, sample: v.response}
		}
		t.count++
		if v.at.Before(t.earliest) {
			t.earliest = v.at
		}
		tallies[key] = t
	}
	return tallies
}

// largestGroup picks the biggest vote group; ties break to the group with
// the earliest first submission, which keeps the outcome deterministic and
// auditable.
func largestGroup(tallies map[string]tally) (string, tally) {
	var bestKey string
	var best tally
	for key, t := range tallies {
		switch {
		case best.count == 0,
			t.count > best.count,
			t.count == best.count && t.earliest.Before(best.earliest):
			bestKey, best = key, t
		}
	}
	return bestKey, best
}

// finalize forwards the consensus result for settlement and records the
// terminal state. A task is finalized exactly once: later responses are
// ignored and the buffer is freed.
func (e *Engine) finalize(ctx context.Context, taskIndex uint32, winning tally, totalResponses int) {
	result := domain.ConsensusResult{
		TaskIndex:      taskIndex,
		Winner:         winning.sample.Winner,
		WinningBid:     winning.sample.WinningBid,
		TotalBids:      winning.sample.TotalBids,
		AgreeCount:     winning.count,
		TotalResponses: totalResponses,
		DecidedAt:      e.now(),
	}

	if err := e.deps.Tasks.SubmitConsensusResult(ctx, result); err != nil {
		// Leave the buffer intact; the next tick retries settlement.
		e.logger.Error("consensus settlement failed",
			slog.Uint64("task", uint64(taskIndex)),
			slog.String("error", err.Error()),
		)
		return
	}

	e.logger.Info("consensus reached",
		slog.Uint64("task", uint64(taskIndex)),
		slog.String("winner", result.Winner),
		slog.Int("agree_count", result.AgreeCount),
		slog.Int("total_responses", result.TotalResponses),
	)

	e.recordTerminal(ctx, result, domain.TaskStatusFinalized, EventConsensusFinalized)
	if e.deps.Notifier != nil {
		e.deps.Notifier.Notify(ctx, "consensus_finalized",
			fmt.Sprintf("task %d finalized: winner %s with %d/%d votes",
				taskIndex, result.Winner, result.AgreeCount, result.TotalResponses))
	}
}

// checkDeadline fails a task whose deadline passed without quorum. This is a
// distinct terminal state: it may indicate operator unavailability or a
// liveness attack, so it is surfaced, never silently dropped.
func (e *Engine) checkDeadline(ctx context.Context, taskIndex uint32, best tally, totalResponses int) {
	task, err := e.deps.Tasks.GetTask(ctx, taskIndex)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			e.logger.Error("task lookup failed",
				slog.Uint64("task", uint64(taskIndex)),
				slog.String("error", err.Error()),
			)
		}
		return
	}
	if !task.Expired(e.now()) {
		return
	}

	result := domain.ConsensusResult{
		TaskIndex:      taskIndex,
		AgreeCount:     best.count,
		TotalResponses: totalResponses,
		DecidedAt:      e.now(),
	}

	e.logger.Error("task failed to reach consensus before deadline",
		slog.Uint64("task", uint64(taskIndex)),
		slog.Int("agree_count", best.count),
		slog.Int("quorum", e.Quorum()),
		slog.Int("total_responses", totalResponses),
	)

	e.recordTerminal(ctx, result, domain.TaskStatusFailed, EventConsensusFailed)
	if e.deps.Notifier != nil {
		e.deps.Notifier.Notify(ctx, "consensus_failed",
			fmt.Sprintf("task %d missed quorum before deadline: %d/%d votes",
				taskIndex, best.count, e.Quorum()))
	}
}

// recordTerminal persists, publishes, and caches a terminal outcome, then
// frees the buffer.
func (e *Engine) recordTerminal(ctx context.Context, result domain.ConsensusResult, status domain.TaskStatus, channel string) {
	stored := domain.StoredResult{Result: result, Status: status}

	e.mu.Lock()
	e.results[result.TaskIndex] = stored
	e.mu.Unlock()

	if e.deps.Store != nil {
		if err := e.deps.Store.Insert(ctx, result, status); err != nil {
			e.logger.Error("consensus persist failed",
				slog.Uint64("task", uint64(result.TaskIndex)),
				slog.String("error", err.Error()),
			)
		}
	}
	if e.deps.Bus != nil {
		if payload, err := json.Marshal(stored); err == nil {
			if err := e.deps.Bus.Publish(ctx, channel, payload); err != nil {
				e.logger.Warn("consensus event publish failed",
					slog.Uint64("task", uint64(result.TaskIndex)),
					slog.String("error", err.Error()),
				)
			}
		}
	}
	if e.deps.Finalized != nil {
		if err := e.deps.Finalized.MarkFinalized(ctx, result.TaskIndex, status); err != nil {
			e.logger.Warn("finalized cache update failed",
				slog.Uint64("task", uint64(result.TaskIndex)),
				slog.String("error", err.Error()),
			)
		}
	}

	e.deps.Collector.Drop(result.TaskIndex)
}

func (e *Engine) isFinalized(ctx context.Context, taskIndex uint32) bool {
	e.mu.Lock()
	_, ok := e.results[taskIndex]
	e.mu.Unlock()
	if ok {
		return true
	}

	if e.deps.Finalized != nil {
		done, err := e.deps.Finalized.IsFinalized(ctx, taskIndex)
		if err != nil {
			e.logger.Warn("finalized cache lookup failed",
				slog.Uint64("task", uint64(taskIndex)),
				slog.String("error", err.Error()),
			)
			return false
		}
		return done
	}
	return false
}
