package chain

import (
	"context"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransactOptsCarryBoundedDeadline(t *testing.T) {
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	tm := &TaskManager{client: &Client{chainID: 31337}, key: key, now: time.Now}

	opts, cancel, err := tm.transactOpts(context.Background())
	require.NoError(t, err)
	defer cancel()

	deadline, ok := opts.Context.Deadline()
	require.True(t, ok, "a transaction context without a deadline can stall a consensus tick")
	assert.WithinDuration(t, time.Now().Add(transactTimeout), deadline, time.Second)
	assert.NotNil(t, opts.Signer)
}

func TestTransactOptsRequireKey(t *testing.T) {
	tm := &TaskManager{client: &Client{chainID: 1}}

	_, _, err := tm.transactOpts(context.Background())
	require.Error(t, err)
}
