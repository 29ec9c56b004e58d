package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Najnomics/lvr-auction-avs/internal/aggregator"
	"github.com/Najnomics/lvr-auction-avs/internal/coordinator"
	"github.com/Najnomics/lvr-auction-avs/internal/monitor"
	"github.com/Najnomics/lvr-auction-avs/internal/operator"
	"github.com/Najnomics/lvr-auction-avs/internal/pricefeed"
)

// shutdownTimeout bounds how long the HTTP server gets to drain on exit.
const shutdownTimeout = 10 * time.Second

// priceRunner runs the price monitor together with its streaming feeds as
// one unit. It satisfies operator.PriceRunner.
type priceRunner struct {
	monitor *monitor.Monitor
	streams []*pricefeed.WSFeed
}

func (p priceRunner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.monitor.Run(ctx)
	})
	for _, stream := range p.streams {
		stream := stream
		g.Go(func() error {
			defer stream.Close()
			return stream.Run(ctx)
		})
	}
	return g.Wait()
}

// OperatorMode runs the operator runtime: price monitoring, task polling,
// auction evaluation, and signed response submission.
func (a *App) OperatorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting operator mode",
		slog.String("operator", deps.OperatorAddress),
	)

	coord := coordinator.New(deps.Tasks, deps.Monitor, deps.Signer, coordinator.Config{
		AggregatorURL:     a.cfg.Aggregator.URL,
		MinDiscrepancyBps: a.cfg.Operator.MinDiscrepancyBps,
	}, a.logger)

	runtime := operator.New(deps.Tasks, deps.Tasks, coord,
		priceRunner{monitor: deps.Monitor, streams: deps.Streams},
		operator.Config{
			OperatorAddress: deps.OperatorAddress,
			PollInterval:    a.cfg.Operator.TaskPollInterval.Duration,
		}, a.logger)

	return runtime.Run(ctx)
}

// AggregatorMode runs the consensus side: the HTTP submission endpoint, the
// consensus engine, and the optional archive loop.
func (a *App) AggregatorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting aggregator mode",
		slog.Int("port", a.cfg.Aggregator.Port),
	)

	collector := aggregator.NewCollector(deps.ResponseStore, a.logger)

	engineDeps := aggregator.EngineDeps{
		Collector: collector,
		Tasks:     deps.Tasks,
		Store:     deps.ConsensusStore,
		Finalized: deps.Finalized,
		Bus:       deps.Bus,
	}
	if deps.Notifier != nil {
		engineDeps.Notifier = deps.Notifier
	}
	engine := aggregator.NewEngine(engineDeps, aggregator.EngineConfig{
		QuorumPercent:     a.cfg.Aggregator.QuorumPercent,
		ExpectedOperators: a.cfg.Aggregator.ExpectedOperators,
		Tick:              a.cfg.Aggregator.ConsensusTick.Duration,
	}, a.logger)

	server := aggregator.NewServer(aggregator.ServerConfig{
		Port: a.cfg.Aggregator.Port,
	}, collector, engine, a.logger)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return engine.Run(ctx)
	})
	g.Go(func() error {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("aggregator server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("server shutdown failed", slog.String("error", err.Error()))
		}
		return ctx.Err()
	})

	if deps.Archiver != nil {
		g.Go(func() error {
			return a.archiveLoop(ctx, deps)
		})
	}

	return g.Wait()
}

// MonitorMode runs the price monitor alone: no signing, no task handling.
// Useful for validating feed configuration before staking.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")
	return priceRunner{monitor: deps.Monitor, streams: deps.Streams}.Run(ctx)
}

// FullMode runs the operator and aggregator sides in one process. Intended
// for local development and single-operator test networks.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.OperatorMode(ctx, deps)
	})
	g.Go(func() error {
		return a.AggregatorMode(ctx, deps)
	})
	return g.Wait()
}

// archiveLoop periodically moves settled history older than the retention
// window to cold storage, then prunes the archived rows from the database.
func (a *App) archiveLoop(ctx context.Context, deps *Dependencies) error {
	interval := a.cfg.Archive.Interval.Duration
	if interval <= 0 {
		interval = 24 * time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			a.archiveOnce(ctx, deps)
		}
	}
}

// archiveOnce archives one retention cycle. Rows are deleted only after the
// corresponding archive upload succeeded.
func (a *App) archiveOnce(ctx context.Context, deps *Dependencies) {
	cutoff := time.Now().AddDate(0, 0, -a.cfg.Archive.RetentionDays)

	if n, err := deps.Archiver.ArchiveResults(ctx, cutoff); err != nil {
		a.logger.Error("archive results failed", slog.String("error", err.Error()))
	} else if n > 0 {
		if _, err := deps.ConsensusStore.DeleteBefore(ctx, cutoff); err != nil {
			a.logger.Error("prune results failed", slog.String("error", err.Error()))
		}
	}

	if n, err := deps.Archiver.ArchiveResponses(ctx, cutoff); err != nil {
		a.logger.Error("archive responses failed", slog.String("error", err.Error()))
	} else if n > 0 {
		if _, err := deps.ResponseStore.DeleteBefore(ctx, cutoff); err != nil {
			a.logger.Error("prune responses failed", slog.String("error", err.Error()))
		}
	}
}
