package domain

import (
	"context"
	"math/big"
	"time"
)

// TaskSource is the contract-level interface the core consumes for tasks,
// auctions, and settlement. The on-chain hook implements it; tests provide
// fakes.
type TaskSource interface {
	// GetTask returns the task with the given index, or ErrNotFound.
	GetTask(ctx context.Context, index uint32) (Task, error)

	// PendingTasks returns tasks whose deadline has not passed and which are
	// not yet completed. The slice is a snapshot, re-queried per poll cycle.
	PendingTasks(ctx context.Context) ([]Task, error)

	// IsTaskComplete reports whether the task has been settled on-chain.
	IsTaskComplete(ctx context.Context, index uint32) (bool, error)

	// GetAuction returns the auction state, or ErrNotFound if unknown.
	GetAuction(ctx context.Context, auctionID string) (Auction, error)

	// RevealedBids returns the bids revealed so far for an auction.
	RevealedBids(ctx context.Context, auctionID string) ([]Bid, error)

	// SubmitConsensusResult forwards a quorum result for settlement.
	SubmitConsensusResult(ctx context.Context, result ConsensusResult) error
}

// OperatorRegistry is the staking-side contract surface used during operator
// registration.
type OperatorRegistry interface {
	// RegisterOperator registers the local operator with the AVS.
	RegisterOperator(ctx context.Context) error

	// OperatorStake returns the staked amount for an operator address.
	OperatorStake(ctx context.Context, operator string) (*big.Int, error)
}

// PriceOracle is the on-chain oracle surface. Prices are fixed-point with 18
// decimals, matching PriceObservation.
type PriceOracle interface {
	GetPrice(ctx context.Context, token0, token1 string) (*big.Int, error)
	IsStale(ctx context.Context, token0, token1 string) (bool, error)
	LastUpdateTime(ctx context.Context, token0, token1 string) (time.Time, error)
}
