// Package domain defines the core types, sentinel errors, and infrastructure
// interfaces shared by the operator and aggregator sides of the AVS.
package domain

import (
	"fmt"
	"math/big"
	"strings"
	"time"
)

// PriceDecimals is the fixed-point precision every price is normalized to,
// regardless of how many decimals the source feed reports.
const PriceDecimals = 18

// FreshnessWindow is how long a price observation is considered usable.
// Observations older than this are stale and must not feed auction decisions.
const FreshnessWindow = 1 * time.Hour

var (
	// priceUnit is 10^18, one whole unit in normalized fixed point.
	priceUnit = new(big.Int).Exp(big.NewInt(10), big.NewInt(PriceDecimals), nil)

	// maxPriceUnits is the upper sanity bound of 1e30 whole units.
	maxPriceUnits = new(big.Int).Exp(big.NewInt(10), big.NewInt(30), nil)
)

// TokenPair identifies a trading pair on a price feed.
type TokenPair struct {
	Token0   string `toml:"token0" json:"token0"`
	Token1   string `toml:"token1" json:"token1"`
	Symbol   string `toml:"symbol" json:"symbol"`
	Decimals int    `toml:"decimals" json:"decimals"`
	IsActive bool   `toml:"is_active" json:"is_active"`
}

// Key returns the canonical cache key for the pair. See PairKey.
func (p TokenPair) Key() string {
	return PairKey(p.Token0, p.Token1)
}

// PairKey canonicalizes a token pair so that (A,B) and (B,A) map to the same
// key. Tokens are lowercased (addresses differ only in checksum casing) and
// joined in lexicographic order.
func PairKey(token0, token1 string) string {
	a := strings.ToLower(token0)
	b := strings.ToLower(token1)
	if a < b {
		return a + "_" + b
	}
	return b + "_" + a
}

// PriceObservation is one observed price for a pair from a single source.
// It is owned by the price cache and replaced wholesale on every fetch.
type PriceObservation struct {
	Token0     string    `json:"token0"`
	Token1     string    `json:"token1"`
	Price      *big.Int  `json:"price"` // normalized, 18 decimals
	Source     string    `json:"source"`
	ObservedAt time.Time `json:"observed_at"`
}

// StaleAt reports whether the observation is stale as of now. Staleness is a
// pure function of the observation timestamp; it is never trusted from a
// server-asserted flag, which would be subject to clock skew.
func (o PriceObservation) StaleAt(now time.Time) bool {
	return now.Sub(o.ObservedAt) > FreshnessWindow
}

// NormalizePrice converts a fixed-point price with the given source decimals
// into the canonical 18-decimal representation. Prices below one whole unit
// or above 1e30 whole units (measured pre-normalization) are rejected as
// invalid with ErrPriceOutOfRange.
func NormalizePrice(raw *big.Int, decimals int) (*big.Int, error) {
	if raw == nil || raw.Sign() <= 0 {
		return nil, fmt.Errorf("domain: normalize price: %w", ErrPriceOutOfRange)
	}
	if decimals < 0 || decimals > PriceDecimals {
		return nil, fmt.Errorf("domain: normalize price: unsupported source decimals %d", decimals)
	}

	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	units := new(big.Int).Quo(raw, scale)
	if units.Sign() < 1 || units.Cmp(maxPriceUnits) > 0 {
		return nil, fmt.Errorf("domain: price %s (decimals=%d): %w", raw, decimals, ErrPriceOutOfRange)
	}

	shift := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(PriceDecimals-decimals)), nil)
	return new(big.Int).Mul(raw, shift), nil
}

// ParsePrice parses a decimal price string (e.g. "3245.67") into the
// canonical 18-decimal fixed-point representation, applying the same range
// checks as NormalizePrice. A non-numeric string is an error.
func ParsePrice(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("domain: parse price: empty string")
	}

	whole, frac, _ := strings.Cut(s, ".")
	if len(frac) > PriceDecimals {
		frac = frac[:PriceDecimals]
	}
	digits := whole + frac + strings.Repeat("0", PriceDecimals-len(frac))

	price, ok := new(big.Int).SetString(digits, 10)
	if !ok {
		return nil, fmt.Errorf("domain: parse price: invalid number %q", s)
	}

	units := new(big.Int).Quo(price, priceUnit)
	if price.Sign() <= 0 || units.Sign() < 1 || units.Cmp(maxPriceUnits) > 0 {
		return nil, fmt.Errorf("domain: price %q: %w", s, ErrPriceOutOfRange)
	}
	return price, nil
}

// DiscrepancyBps returns the normalized price difference between two sources
// in basis points: abs(a-b) * 10000 / min(a,b).
func DiscrepancyBps(a, b *big.Int) (*big.Int, error) {
	if a == nil || b == nil || a.Sign() <= 0 || b.Sign() <= 0 {
		return nil, fmt.Errorf("domain: discrepancy requires two positive prices")
	}

	diff := new(big.Int).Sub(a, b)
	diff.Abs(diff)

	lo := a
	if b.Cmp(a) < 0 {
		lo = b
	}

	bps := new(big.Int).Mul(diff, big.NewInt(10000))
	return bps.Quo(bps, lo), nil
}
