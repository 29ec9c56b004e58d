package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"

	"github.com/Najnomics/lvr-auction-avs/internal/domain"
)

// priceOracleABI is the on-chain oracle surface. Prices come back as
// fixed-point uint256 with 18 decimals.
const priceOracleABI = `[
  {"type":"function","name":"getPrice","stateMutability":"view","inputs":[{"name":"token0","type":"address"},{"name":"token1","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"isPriceStale","stateMutability":"view","inputs":[{"name":"token0","type":"address"},{"name":"token1","type":"address"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"lastUpdateTime","stateMutability":"view","inputs":[{"name":"token0","type":"address"},{"name":"token1","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

// PriceOracle binds the deployed price oracle contract. It is a pure reader;
// there is no transacting surface.
type PriceOracle struct {
	contract *bind.BoundContract
}

// NewPriceOracle binds the oracle at addr.
func NewPriceOracle(client *Client, addr string) (*PriceOracle, error) {
	parsed, err := abi.JSON(strings.NewReader(priceOracleABI))
	if err != nil {
		return nil, fmt.Errorf("chain: parse price oracle abi: %w", err)
	}

	eth := client.Eth()
	return &PriceOracle{
		contract: bind.NewBoundContract(common.HexToAddress(addr), parsed, eth, eth, eth),
	}, nil
}

func (p *PriceOracle) call(ctx context.Context, out *[]interface{}, method string, token0, token1 string) error {
	ctx, cancel := callCtx(ctx)
	defer cancel()
	err := p.contract.Call(&bind.CallOpts{Context: ctx}, out, method,
		common.HexToAddress(token0), common.HexToAddress(token1))
	if err != nil {
		return fmt.Errorf("chain: %s: %w", method, err)
	}
	return nil
}

// GetPrice returns the oracle price for the pair, fixed-point with 18
// decimals. A zero price means the oracle has never been updated for the
// pair and maps to domain.ErrNoPriceData.
func (p *PriceOracle) GetPrice(ctx context.Context, token0, token1 string) (*big.Int, error) {
	var out []interface{}
	if err := p.call(ctx, &out, "getPrice", token0, token1); err != nil {
		return nil, err
	}
	price := out[0].(*big.Int)
	if price.Sign() == 0 {
		return nil, fmt.Errorf("chain: pair %s/%s: %w", token0, token1, domain.ErrNoPriceData)
	}
	return price, nil
}

// IsStale reports whether the oracle considers its price for the pair stale.
func (p *PriceOracle) IsStale(ctx context.Context, token0, token1 string) (bool, error) {
	var out []interface{}
	if err := p.call(ctx, &out, "isPriceStale", token0, token1); err != nil {
		return false, err
	}
	return out[0].(bool), nil
}

// LastUpdateTime returns the timestamp of the oracle's last update for the
// pair.
func (p *PriceOracle) LastUpdateTime(ctx context.Context, token0, token1 string) (time.Time, error) {
	var out []interface{}
	if err := p.call(ctx, &out, "lastUpdateTime", token0, token1); err != nil {
		return time.Time{}, err
	}
	return time.Unix(out[0].(*big.Int).Int64(), 0), nil
}

var _ domain.PriceOracle = (*PriceOracle)(nil)
