// Package chain binds the on-chain Task Source, operator registry, and price
// oracle contracts consumed by the off-chain core. All calls carry bounded
// timeouts; the package never retries on its own.
package chain

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
)

// callTimeout bounds every read-only contract call.
const callTimeout = 10 * time.Second

// Client wraps an ethclient connection shared by the contract bindings.
type Client struct {
	eth     *ethclient.Client
	chainID int64
}

// Dial connects to the chain RPC endpoint and verifies connectivity. A
// failure here is fatal at startup: no partial-running state is acceptable.
func Dial(ctx context.Context, rpcURL string, chainID int64) (*Client, error) {
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("chain: dial %s: %w", rpcURL, err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	if _, err := eth.ChainID(pingCtx); err != nil {
		eth.Close()
		return nil, fmt.Errorf("chain: chain id: %w", err)
	}

	return &Client{eth: eth, chainID: chainID}, nil
}

// Eth returns the underlying ethclient for the contract bindings.
func (c *Client) Eth() *ethclient.Client {
	return c.eth
}

// ChainID returns the configured chain ID used for transaction signing.
func (c *Client) ChainID() int64 {
	return c.chainID
}

// Close shuts down the RPC connection.
func (c *Client) Close() {
	c.eth.Close()
}

// callCtx derives a bounded context for a single contract call.
func callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, callTimeout)
}
