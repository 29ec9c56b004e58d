package domain

import (
	"fmt"
	"math/big"
	"strings"
	"time"
)

// Task is a unit of auction-validation work created by the on-chain Task
// Source. Indices are assigned monotonically by the contract; the off-chain
// core treats tasks as read-only.
type Task struct {
	Index        uint32    `json:"index"`
	AuctionID    string    `json:"auction_id"`
	PoolID       string    `json:"pool_id"`
	CreatedBlock uint64    `json:"created_block"`
	Deadline     time.Time `json:"deadline"`
	Completed    bool      `json:"completed"`
}

// Expired reports whether the task's response deadline has passed.
func (t Task) Expired(now time.Time) bool {
	return t.Deadline.Before(now)
}

// TaskResponse is one operator's answer to a task: the auction winner it
// validated and the bid it observed winning.
type TaskResponse struct {
	OperatorID string    `json:"operator_id"`
	TaskIndex  uint32    `json:"task_index"`
	AuctionID  string    `json:"auction_id"`
	Winner     string    `json:"winner"`
	WinningBid *big.Int  `json:"winning_bid"`
	TotalBids  uint32    `json:"total_bids"`
	Timestamp  time.Time `json:"timestamp"`
}

// VoteKey derives the canonical consensus grouping key. Two operators agree
// on a task iff their vote keys are identical.
func (r TaskResponse) VoteKey() string {
	bid := "0"
	if r.WinningBid != nil {
		bid = r.WinningBid.String()
	}
	return fmt.Sprintf("%s-%s-%d", strings.ToLower(r.Winner), bid, r.TotalBids)
}

// SignedTaskResponse is the wire format POSTed to the aggregator's
// /submit-response endpoint. The signature covers the canonical response
// digest; see the crypto package.
type SignedTaskResponse struct {
	ReferenceTaskIndex uint32    `json:"referenceTaskIndex"`
	AuctionID          string    `json:"auctionId"`
	Winner             string    `json:"winner"`
	WinningBid         *big.Int  `json:"winningBid"`
	TotalBids          uint32    `json:"totalBids"`
	Timestamp          time.Time `json:"timestamp"`
	BlsSignature       string    `json:"blsSignature"` // hex
	OperatorID         string    `json:"operatorId"`
}

// Response converts the wire form back into a TaskResponse.
func (s SignedTaskResponse) Response() TaskResponse {
	return TaskResponse{
		OperatorID: s.OperatorID,
		TaskIndex:  s.ReferenceTaskIndex,
		AuctionID:  s.AuctionID,
		Winner:     s.Winner,
		WinningBid: s.WinningBid,
		TotalBids:  s.TotalBids,
		Timestamp:  s.Timestamp,
	}
}

// Validate performs boundary validation of a submitted response. Rejected
// responses must never enter the aggregator's buffer.
func (s SignedTaskResponse) Validate() error {
	if strings.TrimSpace(s.OperatorID) == "" {
		return fmt.Errorf("%w: empty operator id", ErrInvalidResponse)
	}
	if strings.TrimSpace(s.Winner) == "" {
		return fmt.Errorf("%w: empty winner", ErrInvalidResponse)
	}
	if s.WinningBid == nil || s.WinningBid.Sign() < 0 {
		return fmt.Errorf("%w: winning bid must be non-negative", ErrInvalidResponse)
	}
	return nil
}

// TaskStatus is the aggregator-side terminal state of a task.
type TaskStatus string

const (
	// TaskStatusPending means responses are still being collected.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusFinalized means quorum consensus was reached and forwarded.
	TaskStatusFinalized TaskStatus = "finalized"
	// TaskStatusFailed means the deadline passed without quorum. This is a
	// distinct terminal state: it may indicate operator unavailability or a
	// liveness attack and is surfaced, never dropped.
	TaskStatusFailed TaskStatus = "failed"
)

// ConsensusResult is the quorum-agreed outcome for a task, handed off to the
// Task Source for settlement.
type ConsensusResult struct {
	TaskIndex      uint32    `json:"task_index"`
	Winner         string    `json:"winner"`
	WinningBid     *big.Int  `json:"winning_bid"`
	TotalBids      uint32    `json:"total_bids"`
	AgreeCount     int       `json:"agree_count"`
	TotalResponses int       `json:"total_responses"`
	DecidedAt      time.Time `json:"decided_at"`
}

// ReceivedResponse is a collector-side audit record: a validated submission
// stamped with a unique ID and arrival time.
type ReceivedResponse struct {
	SubmissionID string             `json:"submission_id"`
	Response     SignedTaskResponse `json:"response"`
	ReceivedAt   time.Time          `json:"received_at"`
}
