package domain

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrNoPriceData         = errors.New("no price data")
	ErrInsufficientSources = errors.New("not enough independent price sources")
	ErrStalePrice          = errors.New("price data is stale")
	ErrNoOpportunity       = errors.New("no arbitrage opportunity")
	ErrPriceOutOfRange     = errors.New("price out of accepted range")
	ErrInvalidResponse     = errors.New("invalid task response")
	ErrNotRegistered       = errors.New("operator not registered")
	ErrSigningFailed       = errors.New("signing failed")
	ErrTaskFinalized       = errors.New("task already finalized")
	ErrDeadlineExceeded    = errors.New("task deadline exceeded")
)
