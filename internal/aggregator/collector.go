// Package aggregator implements the aggregator side: the response collector
// that buffers signed operator submissions, the quorum consensus engine, and
// the HTTP server exposing the submission endpoint.
package aggregator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Najnomics/lvr-auction-avs/internal/crypto"
	"github.com/Najnomics/lvr-auction-avs/internal/domain"
)

// Collector buffers validated operator responses per task. A single coarse
// mutex guards the buffer: submission volume is operator-count bound, never
// hot enough to shard.
type Collector struct {
	mu     sync.Mutex
	buffer map[uint32][]domain.ReceivedResponse

	store  domain.ResponseStore // nil disables the audit trail
	logger *slog.Logger
	verify func(domain.TaskResponse, string) error
	now    func() time.Time
}

// NewCollector creates a Collector. store may be nil when no audit
// persistence is configured.
func NewCollector(store domain.ResponseStore, logger *slog.Logger) *Collector {
	return &Collector{
		buffer: make(map[uint32][]domain.ReceivedResponse),
		store:  store,
		logger: logger.With(slog.String("component", "response_collector")),
		verify: crypto.VerifyResponse,
		now:    time.Now,
	}
}

// Submit validates a signed response and buffers it. Rejected responses
// never touch the buffer. Duplicate and late well-formed responses are
// buffered as-is: de-duplication is the consensus engine's concern. The
// returned submission ID is the audit handle.
func (c *Collector) Submit(ctx context.Context, signed domain.SignedTaskResponse) (string, error) {
	if err := signed.Validate(); err != nil {
		return "", fmt.Errorf("aggregator: task %d: %w", signed.ReferenceTaskIndex, err)
	}
	if err := c.verify(signed.Response(), signed.BlsSignature); err != nil {
		return "", fmt.Errorf("aggregator: task %d: %w", signed.ReferenceTaskIndex, err)
	}

	rec := domain.ReceivedResponse{
		SubmissionID: uuid.NewString(),
		Response:     signed,
		ReceivedAt:   c.now(),
	}

	c.mu.Lock()
	c.buffer[signed.ReferenceTaskIndex] = append(c.buffer[signed.ReferenceTaskIndex], rec)
	c.mu.Unlock()

	if c.store != nil {
		// Audit failure must not reject an otherwise valid submission.
		if err := c.store.Insert(ctx, rec); err != nil {
			c.logger.Error("response audit insert failed",
				slog.String("submission", rec.SubmissionID),
				slog.String("error", err.Error()),
			)
		}
	}

	c.logger.Info("response accepted",
		slog.Uint64("task", uint64(signed.ReferenceTaskIndex)),
		slog.String("operator", signed.OperatorID),
		slog.String("submission", rec.SubmissionID),
	)
	return rec.SubmissionID, nil
}

// Responses returns a snapshot of buffered responses for a task.
func (c *Collector) Responses(taskIndex uint32) []domain.ReceivedResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.ReceivedResponse(nil), c.buffer[taskIndex]...)
}

// TaskIndexes returns the tasks with a non-empty buffer, ascending.
func (c *Collector) TaskIndexes() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	indexes := make([]uint32, 0, len(c.buffer))
	for index := range c.buffer {
		indexes = append(indexes, index)
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i] < indexes[j] })
	return indexes
}

// Drop frees the buffer for a task once it reaches a terminal state.
func (c *Collector) Drop(taskIndex uint32) {
	c.mu.Lock()
	delete(c.buffer, taskIndex)
	c.mu.Unlock()
}
