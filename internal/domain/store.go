package domain

import (
	"context"
	"time"
)

// StoredResult is a consensus outcome persisted for audit, including failed
// (no-quorum) terminal states.
type StoredResult struct {
	Result ConsensusResult `json:"result"`
	Status TaskStatus      `json:"status"`
}

// ConsensusStore persists terminal task outcomes.
type ConsensusStore interface {
	// Insert records a terminal outcome for a task.
	Insert(ctx context.Context, res ConsensusResult, status TaskStatus) error

	// Get returns the stored outcome for a task index, or ErrNotFound.
	Get(ctx context.Context, taskIndex uint32) (StoredResult, error)

	// ListRecent returns up to limit outcomes, newest first.
	ListRecent(ctx context.Context, limit int) ([]StoredResult, error)

	// ListBefore returns outcomes decided strictly before the cutoff.
	ListBefore(ctx context.Context, before time.Time) ([]StoredResult, error)

	// DeleteBefore removes outcomes decided strictly before the cutoff and
	// returns the number of rows removed.
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// ResponseStore persists every validated submission for audit.
type ResponseStore interface {
	Insert(ctx context.Context, rec ReceivedResponse) error
	ListByTask(ctx context.Context, taskIndex uint32) ([]ReceivedResponse, error)
	ListBefore(ctx context.Context, before time.Time) ([]ReceivedResponse, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}
