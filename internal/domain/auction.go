package domain

import (
	"math/big"
	"time"
)

// Auction is the on-chain auction state as read from the Task Source. The
// off-chain core never mutates it.
type Auction struct {
	ID         string    `json:"id"`
	PoolID     string    `json:"pool_id"`
	StartTime  time.Time `json:"start_time"`
	Duration   int64     `json:"duration"` // seconds
	IsActive   bool      `json:"is_active"`
	IsComplete bool      `json:"is_complete"`
	Winner     string    `json:"winner"`
	WinningBid *big.Int  `json:"winning_bid"`
	TotalBids  int       `json:"total_bids"`
}

// Bid is a sealed bid as revealed by the Task Source. Only revealed bids
// carry a usable amount; unrevealed commitments are opaque.
type Bid struct {
	Bidder     string    `json:"bidder"`
	Amount     *big.Int  `json:"amount"`
	Commitment string    `json:"commitment"`
	Revealed   bool      `json:"revealed"`
	Timestamp  time.Time `json:"timestamp"`
}
