package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Najnomics/lvr-auction-avs/internal/domain"
)

// ConsensusStore implements domain.ConsensusStore using PostgreSQL.
type ConsensusStore struct {
	pool *pgxpool.Pool
}

// NewConsensusStore creates a ConsensusStore backed by the given pool.
func NewConsensusStore(pool *pgxpool.Pool) *ConsensusStore {
	return &ConsensusStore{pool: pool}
}

const consensusSelectCols = `task_index, winner, winning_bid::text, total_bids,
	agree_count, total_responses, status, decided_at`

// Insert records a terminal outcome for a task. A task finalizes exactly
// once, so a conflicting insert keeps the existing row.
func (s *ConsensusStore) Insert(ctx context.Context, res domain.ConsensusResult, status domain.TaskStatus) error {
	const query = `
		INSERT INTO consensus_results (
			task_index, winner, winning_bid, total_bids,
			agree_count, total_responses, status, decided_at
		) VALUES ($1, $2, $3::numeric, $4, $5, $6, $7, $8)
		ON CONFLICT (task_index) DO NOTHING`

	bid := "0"
	if res.WinningBid != nil {
		bid = res.WinningBid.String()
	}

	_, err := s.pool.Exec(ctx, query,
		int64(res.TaskIndex), res.Winner, bid, int32(res.TotalBids),
		res.AgreeCount, res.TotalResponses, string(status), res.DecidedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert consensus result for task %d: %w", res.TaskIndex, err)
	}
	return nil
}

// Get returns the stored outcome for a task index.
func (s *ConsensusStore) Get(ctx context.Context, taskIndex uint32) (domain.StoredResult, error) {
	query := `SELECT ` + consensusSelectCols + ` FROM consensus_results WHERE task_index = $1`

	row := s.pool.QueryRow(ctx, query, int64(taskIndex))
	res, err := scanStoredResult(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.StoredResult{}, fmt.Errorf("postgres: task %d: %w", taskIndex, domain.ErrNotFound)
		}
		return domain.StoredResult{}, fmt.Errorf("postgres: get consensus result for task %d: %w", taskIndex, err)
	}
	return res, nil
}

// ListRecent returns up to limit outcomes, newest first.
func (s *ConsensusStore) ListRecent(ctx context.Context, limit int) ([]domain.StoredResult, error) {
	query := `SELECT ` + consensusSelectCols + ` FROM consensus_results
		ORDER BY decided_at DESC LIMIT $1`

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list recent consensus results: %w", err)
	}
	defer rows.Close()
	return collectStoredResults(rows)
}

// ListBefore returns outcomes decided strictly before the cutoff, oldest
// first, in archival order.
func (s *ConsensusStore) ListBefore(ctx context.Context, before time.Time) ([]domain.StoredResult, error) {
	query := `SELECT ` + consensusSelectCols + ` FROM consensus_results
		WHERE decided_at < $1 ORDER BY decided_at ASC`

	rows, err := s.pool.Query(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list consensus results before %s: %w", before, err)
	}
	defer rows.Close()
	return collectStoredResults(rows)
}

// DeleteBefore removes outcomes decided strictly before the cutoff.
func (s *ConsensusStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM consensus_results WHERE decided_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete consensus results before %s: %w", before, err)
	}
	return tag.RowsAffected(), nil
}

func scanStoredResult(row pgx.Row) (domain.StoredResult, error) {
	var (
		res       domain.StoredResult
		taskIndex int64
		totalBids int32
		bid       string
		status    string
	)
	err := row.Scan(
		&taskIndex, &res.Result.Winner, &bid, &totalBids,
		&res.Result.AgreeCount, &res.Result.TotalResponses, &status, &res.Result.DecidedAt,
	)
	if err != nil {
		return domain.StoredResult{}, err
	}

	winningBid, ok := new(big.Int).SetString(bid, 10)
	if !ok {
		return domain.StoredResult{}, fmt.Errorf("malformed winning_bid %q", bid)
	}

	res.Result.TaskIndex = uint32(taskIndex)
	res.Result.TotalBids = uint32(totalBids)
	res.Result.WinningBid = winningBid
	res.Status = domain.TaskStatus(status)
	return res, nil
}

func collectStoredResults(rows pgx.Rows) ([]domain.StoredResult, error) {
	var results []domain.StoredResult
	for rows.Next() {
		res, err := scanStoredResult(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan consensus result: %w", err)
		}
		results = append(results, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate consensus results: %w", err)
	}
	return results, nil
}

var _ domain.ConsensusStore = (*ConsensusStore)(nil)
