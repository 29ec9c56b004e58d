package postgres

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Najnomics/lvr-auction-avs/internal/domain"
)

// ResponseStore implements domain.ResponseStore using PostgreSQL.
type ResponseStore struct {
	pool *pgxpool.Pool
}

// NewResponseStore creates a ResponseStore backed by the given pool.
func NewResponseStore(pool *pgxpool.Pool) *ResponseStore {
	return &ResponseStore{pool: pool}
}

const responseSelectCols = `submission_id, task_index, operator_id, auction_id,
	winner, winning_bid::text, total_bids, response_timestamp, signature, received_at`

// Insert records a validated submission for audit.
func (s *ResponseStore) Insert(ctx context.Context, rec domain.ReceivedResponse) error {
	const query = `
		INSERT INTO task_responses (
			submission_id, task_index, operator_id, auction_id,
			winner, winning_bid, total_bids, response_timestamp, signature, received_at
		) VALUES ($1, $2, $3, $4, $5, $6::numeric, $7, $8, $9, $10)`

	bid := "0"
	if rec.Response.WinningBid != nil {
		bid = rec.Response.WinningBid.String()
	}

	_, err := s.pool.Exec(ctx, query,
		rec.SubmissionID, int64(rec.Response.ReferenceTaskIndex), rec.Response.OperatorID,
		rec.Response.AuctionID, rec.Response.Winner, bid, int32(rec.Response.TotalBids),
		rec.Response.Timestamp, rec.Response.BlsSignature, rec.ReceivedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert response %s: %w", rec.SubmissionID, err)
	}
	return nil
}

// ListByTask returns submissions for a task in arrival order.
func (s *ResponseStore) ListByTask(ctx context.Context, taskIndex uint32) ([]domain.ReceivedResponse, error) {
	query := `SELECT ` + responseSelectCols + ` FROM task_responses
		WHERE task_index = $1 ORDER BY received_at ASC`

	rows, err := s.pool.Query(ctx, query, int64(taskIndex))
	if err != nil {
		return nil, fmt.Errorf("postgres: list responses for task %d: %w", taskIndex, err)
	}
	defer rows.Close()
	return collectResponses(rows)
}

// ListBefore returns submissions received strictly before the cutoff, oldest
// first.
func (s *ResponseStore) ListBefore(ctx context.Context, before time.Time) ([]domain.ReceivedResponse, error) {
	query := `SELECT ` + responseSelectCols + ` FROM task_responses
		WHERE received_at < $1 ORDER BY received_at ASC`

	rows, err := s.pool.Query(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list responses before %s: %w", before, err)
	}
	defer rows.Close()
	return collectResponses(rows)
}

// DeleteBefore removes submissions received strictly before the cutoff.
func (s *ResponseStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM task_responses WHERE received_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete responses before %s: %w", before, err)
	}
	return tag.RowsAffected(), nil
}

func collectResponses(rows pgx.Rows) ([]domain.ReceivedResponse, error) {
	var records []domain.ReceivedResponse
	for rows.Next() {
		var (
			rec       domain.ReceivedResponse
			taskIndex int64
			totalBids int32
			bid       string
		)
		err := rows.Scan(
			&rec.SubmissionID, &taskIndex, &rec.Response.OperatorID, &rec.Response.AuctionID,
			&rec.Response.Winner, &bid, &totalBids, &rec.Response.Timestamp,
			&rec.Response.BlsSignature, &rec.ReceivedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan response: %w", err)
		}

		winningBid, ok := new(big.Int).SetString(bid, 10)
		if !ok {
			return nil, fmt.Errorf("postgres: malformed winning_bid %q", bid)
		}

		rec.Response.ReferenceTaskIndex = uint32(taskIndex)
		rec.Response.TotalBids = uint32(totalBids)
		rec.Response.WinningBid = winningBid
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate responses: %w", err)
	}
	return records, nil
}

var _ domain.ResponseStore = (*ResponseStore)(nil)
