// Package operator implements the operator runtime: lifecycle state machine,
// on-chain registration, and the task-poll loop that dispatches discovered
// tasks to the auction coordinator.
package operator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Najnomics/lvr-auction-avs/internal/domain"
)

const (
	defaultPollInterval = time.Second
	// shutdownGrace bounds how long Stop waits for in-flight task handlers.
	shutdownGrace = 2 * time.Second
)

// State is the runtime lifecycle state.
type State string

const (
	StateCreated     State = "created"
	StateRegistering State = "registering"
	StateRunning     State = "running"
	StateStopping    State = "stopping"
	StateStopped     State = "stopped"
)

// TaskHandler evaluates and submits one task. Implemented by
// coordinator.Coordinator.
type TaskHandler interface {
	ProcessTask(ctx context.Context, task domain.Task) error
}

// PriceRunner is the long-running price monitor. Implemented by
// monitor.Monitor.
type PriceRunner interface {
	Run(ctx context.Context) error
}

// Config carries the runtime's tunables.
type Config struct {
	// OperatorAddress is the operator's on-chain identity.
	OperatorAddress string
	// PollInterval between pending-task queries. Zero means 1s.
	PollInterval time.Duration
}

// Runtime owns the operator lifecycle. Each discovered task is dispatched to
// its own goroutine so a slow evaluation never delays the next poll cycle;
// deadlines bound the lifetime of dispatched work.
type Runtime struct {
	registry domain.OperatorRegistry
	tasks    domain.TaskSource
	handler  TaskHandler
	prices   PriceRunner
	cfg      Config
	logger   *slog.Logger

	mu         sync.Mutex
	state      State
	dispatched map[uint32]time.Time // task index -> deadline, pruned after expiry

	wg    sync.WaitGroup
	grace time.Duration
	now   func() time.Time
}

// New creates a Runtime in the Created state.
func New(registry domain.OperatorRegistry, tasks domain.TaskSource, handler TaskHandler, prices PriceRunner, cfg Config, logger *slog.Logger) *Runtime {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	return &Runtime{
		registry:   registry,
		tasks:      tasks,
		handler:    handler,
		prices:     prices,
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "operator_runtime")),
		state:      StateCreated,
		dispatched: make(map[uint32]time.Time),
		grace:      shutdownGrace,
		now:        time.Now,
	}
}

// State returns the current lifecycle state.
func (r *Runtime) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Runtime) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
	r.logger.Info("state changed", slog.String("state", string(s)))
}

// Run registers the operator and then drives the monitoring and polling
// loops until ctx is cancelled. Registration failure is fatal: an
// unregistered operator's responses would be rejected anyway.
func (r *Runtime) Run(ctx context.Context) error {
	r.setState(StateRegistering)
	if err := r.register(ctx); err != nil {
		r.setState(StateStopped)
		return err
	}

	r.setState(StateRunning)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.prices.Run(gctx)
	})
	g.Go(func() error {
		return r.pollLoop(gctx)
	})
	err := g.Wait()

	r.setState(StateStopping)
	r.waitForTasks()
	r.setState(StateStopped)

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// register verifies stake with the on-chain registry, registering first when
// no stake is present.
func (r *Runtime) register(ctx context.Context) error {
	stake, err := r.registry.OperatorStake(ctx, r.cfg.OperatorAddress)
	if err != nil {
		return fmt.Errorf("operator: stake query: %w", err)
	}

	if stake == nil || stake.Sign() == 0 {
		r.logger.Info("registering operator", slog.String("address", r.cfg.OperatorAddress))
		if err := r.registry.RegisterOperator(ctx); err != nil {
			return fmt.Errorf("operator: registration: %w", err)
		}
		stake, err = r.registry.OperatorStake(ctx, r.cfg.OperatorAddress)
		if err != nil {
			return fmt.Errorf("operator: stake query after registration: %w", err)
		}
	}

	if stake == nil || stake.Sign() == 0 {
		return fmt.Errorf("operator: %s has no stake: %w", r.cfg.OperatorAddress, domain.ErrNotRegistered)
	}

	r.logger.Info("operator registered",
		slog.String("address", r.cfg.OperatorAddress),
		slog.String("stake", stake.String()),
	)
	return nil
}

// pollLoop queries pending tasks on a fixed interval and dispatches new ones.
func (r *Runtime) pollLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.pollOnce(ctx)
		}
	}
}

func (r *Runtime) pollOnce(ctx context.Context) {
	pending, err := r.tasks.PendingTasks(ctx)
	if err != nil {
		r.logger.Error("pending task query failed", slog.String("error", err.Error()))
		return
	}

	for _, task := range pending {
		if !r.claim(task) {
			continue
		}

		r.wg.Add(1)
		go func(task domain.Task) {
			defer r.wg.Done()
			r.handleTask(ctx, task)
		}(task)
	}
	r.pruneDispatched()
}

// claim records a task as dispatched. Re-evaluating a task would be safe
// (the aggregator de-duplicates by operator), but dispatching once avoids
// pointless duplicate submissions while the task stays pending.
func (r *Runtime) claim(task domain.Task) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, seen := r.dispatched[task.Index]; seen {
		return false
	}
	r.dispatched[task.Index] = task.Deadline
	return true
}

func (r *Runtime) pruneDispatched() {
	now := r.now()
	r.mu.Lock()
	for index, deadline := range r.dispatched {
		if deadline.Before(now) {
			delete(r.dispatched, index)
		}
	}
	r.mu.Unlock()
}

func (r *Runtime) handleTask(ctx context.Context, task domain.Task) {
	logger := r.logger.With(slog.Uint64("task", uint64(task.Index)))
	logger.Info("task discovered", slog.String("auction", task.AuctionID))

	err := r.handler.ProcessTask(ctx, task)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrNoOpportunity):
		logger.Debug("no opportunity, staying silent")
	case errors.Is(err, domain.ErrDeadlineExceeded):
		logger.Debug("deadline passed before evaluation")
	case errors.Is(err, context.Canceled):
	default:
		// The task is missed for quorum purposes; consensus tolerates
		// missing operators up to the fault threshold.
		logger.Error("task handling failed", slog.String("error", err.Error()))
	}
}

// waitForTasks blocks until in-flight task handlers finish or the shutdown
// grace period elapses.
func (r *Runtime) waitForTasks() {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(r.grace):
		r.logger.Warn("shutdown grace period elapsed with tasks in flight")
	}
}
