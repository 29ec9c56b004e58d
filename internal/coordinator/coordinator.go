// Package coordinator implements the operator-side auction coordinator: given
// a task it reads the pool's price discrepancy, validates the highest revealed
// bid, and submits a signed response to the aggregator.
package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/Najnomics/lvr-auction-avs/internal/crypto"
	"github.com/Najnomics/lvr-auction-avs/internal/domain"
)

const (
	// DefaultMinDiscrepancyBps matches the on-chain auction trigger threshold.
	DefaultMinDiscrepancyBps = 50

	// maxSubmitAttempts bounds submission retries. A task missed after the
	// final attempt is acceptable: consensus tolerates missing operators up
	// to the fault threshold.
	maxSubmitAttempts = 3

	submitTimeout = 10 * time.Second
)

// PriceSource is the discrepancy query the coordinator decides on.
// Implemented by monitor.Monitor.
type PriceSource interface {
	Discrepancy(poolID string) (*big.Int, error)
}

// Config carries the coordinator's tunables.
type Config struct {
	// AggregatorURL is the base URL of the aggregator HTTP endpoint.
	AggregatorURL string
	// MinDiscrepancyBps below which the operator stays silent. Zero means
	// DefaultMinDiscrepancyBps.
	MinDiscrepancyBps int64
}

// Coordinator evaluates tasks and submits signed responses.
type Coordinator struct {
	tasks  domain.TaskSource
	prices PriceSource
	signer *crypto.Signer
	cfg    Config
	minBps *big.Int
	client *http.Client
	logger *slog.Logger

	backoff time.Duration
	now     func() time.Time
}

// New creates a Coordinator.
func New(tasks domain.TaskSource, prices PriceSource, signer *crypto.Signer, cfg Config, logger *slog.Logger) *Coordinator {
	minBps := cfg.MinDiscrepancyBps
	if minBps <= 0 {
		minBps = DefaultMinDiscrepancyBps
	}
	return &Coordinator{
		tasks:   tasks,
		prices:  prices,
		signer:  signer,
		cfg:     cfg,
		minBps:  big.NewInt(minBps),
		client:  &http.Client{Timeout: submitTimeout},
		logger:  logger.With(slog.String("component", "auction_coordinator")),
		backoff: time.Second,
		now:     time.Now,
	}
}

// Evaluate decides the operator's vote for a task. A discrepancy below the
// minimum threshold is ErrNoOpportunity: the operator must not fabricate a
// winner and must not submit at all. Otherwise the winner is the address
// controlling the highest revealed bid for the task's auction.
func (c *Coordinator) Evaluate(ctx context.Context, task domain.Task) (domain.TaskResponse, error) {
	if task.Expired(c.now()) {
		return domain.TaskResponse{}, fmt.Errorf("coordinator: task %d: %w",
			task.Index, domain.ErrDeadlineExceeded)
	}

	bps, err := c.prices.Discrepancy(task.PoolID)
	if err != nil {
		return domain.TaskResponse{}, fmt.Errorf("coordinator: task %d discrepancy: %w", task.Index, err)
	}
	if bps.Cmp(c.minBps) < 0 {
		return domain.TaskResponse{}, fmt.Errorf("coordinator: task %d discrepancy %s bps below %s: %w",
			task.Index, bps, c.minBps, domain.ErrNoOpportunity)
	}

	auction, err := c.tasks.GetAuction(ctx, task.AuctionID)
	if err != nil {
		return domain.TaskResponse{}, fmt.Errorf("coordinator: task %d auction: %w", task.Index, err)
	}

	bids, err := c.tasks.RevealedBids(ctx, task.AuctionID)
	if err != nil {
		return domain.TaskResponse{}, fmt.Errorf("coordinator: task %d bids: %w", task.Index, err)
	}

	winner, winningBid, ok := highestRevealedBid(bids)
	if !ok {
		return domain.TaskResponse{}, fmt.Errorf("coordinator: task %d has no revealed bids: %w",
			task.Index, domain.ErrNoOpportunity)
	}

	c.logger.Info("auction evaluated",
		slog.Uint64("task", uint64(task.Index)),
		slog.String("discrepancy_bps", bps.String()),
		slog.String("winner", winner),
		slog.String("winning_bid", winningBid.String()),
	)

	return domain.TaskResponse{
		OperatorID: c.signer.Address().Hex(),
		TaskIndex:  task.Index,
		AuctionID:  task.AuctionID,
		Winner:     winner,
		WinningBid: winningBid,
		TotalBids:  uint32(auction.TotalBids),
		Timestamp:  c.now(),
	}, nil
}

// highestRevealedBid validates which address legitimately controls the
// highest revealed bid. Ties resolve to the earlier reveal.
func highestRevealedBid(bids []domain.Bid) (winner string, amount *big.Int, ok bool) {
	var best domain.Bid
	for _, bid := range bids {
		if !bid.Revealed || bid.Amount == nil || bid.Amount.Sign() <= 0 {
			continue
		}
		switch {
		case !ok, bid.Amount.Cmp(best.Amount) > 0:
			best, ok = bid, true
		case bid.Amount.Cmp(best.Amount) == 0 && bid.Timestamp.Before(best.Timestamp):
			best = bid
		}
	}
	if !ok {
		return "", nil, false
	}
	return best.Bidder, best.Amount, true
}

// Submit signs the response and POSTs it to the aggregator. Transport
// failures are retried with exponential backoff; the final failure is a
// task-scoped error, never fatal to the runtime.
func (c *Coordinator) Submit(ctx context.Context, resp domain.TaskResponse) error {
	sig, err := c.signer.SignResponse(resp)
	if err != nil {
		return fmt.Errorf("coordinator: task %d: %w", resp.TaskIndex, err)
	}

	signed := domain.SignedTaskResponse{
		ReferenceTaskIndex: resp.TaskIndex,
		AuctionID:          resp.AuctionID,
		Winner:             resp.Winner,
		WinningBid:         resp.WinningBid,
		TotalBids:          resp.TotalBids,
		Timestamp:          resp.Timestamp,
		BlsSignature:       sig,
		OperatorID:         resp.OperatorID,
	}
	body, err := json.Marshal(signed)
	if err != nil {
		return fmt.Errorf("coordinator: marshal response for task %d: %w", resp.TaskIndex, err)
	}

	url := c.cfg.AggregatorURL + "/submit-response"
	backoff := c.backoff
	var lastErr error
	for attempt := 1; attempt <= maxSubmitAttempts; attempt++ {
		lastErr = c.post(ctx, url, body)
		if lastErr == nil {
			c.logger.Info("response submitted",
				slog.Uint64("task", uint64(resp.TaskIndex)),
				slog.Int("attempt", attempt),
			)
			return nil
		}

		c.logger.Warn("response submission failed",
			slog.Uint64("task", uint64(resp.TaskIndex)),
			slog.Int("attempt", attempt),
			slog.String("error", lastErr.Error()),
		)
		if attempt == maxSubmitAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("coordinator: task %d submit: %w", resp.TaskIndex, ctx.Err())
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("coordinator: task %d submit after %d attempts: %w",
		resp.TaskIndex, maxSubmitAttempts, lastErr)
}

func (c *Coordinator) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 256))
		return fmt.Errorf("aggregator returned %d: %s", res.StatusCode, snippet)
	}
	return nil
}

// ProcessTask runs the evaluate+submit path for one discovered task. A
// no-opportunity outcome is intentional silence, not an error. The path is
// idempotent: the aggregator de-duplicates by operator and task.
func (c *Coordinator) ProcessTask(ctx context.Context, task domain.Task) error {
	resp, err := c.Evaluate(ctx, task)
	if err != nil {
		return err
	}
	return c.Submit(ctx, resp)
}
