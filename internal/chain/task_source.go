package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"

	"github.com/Najnomics/lvr-auction-avs/internal/domain"
)

// maxPendingScan bounds how far back from the latest task index the pending
// scan walks. Tasks older than this are past their deadline anyway.
const maxPendingScan = 64

// taskManagerABI is the service-manager surface the off-chain core consumes.
const taskManagerABI = `[
  {"type":"function","name":"latestTaskIndex","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint32"}]},
  {"type":"function","name":"getTask","stateMutability":"view","inputs":[{"name":"taskIndex","type":"uint32"}],"outputs":[{"name":"auctionId","type":"bytes32"},{"name":"poolId","type":"bytes32"},{"name":"createdBlock","type":"uint64"},{"name":"deadline","type":"uint64"},{"name":"completed","type":"bool"}]},
  {"type":"function","name":"isTaskComplete","stateMutability":"view","inputs":[{"name":"taskIndex","type":"uint32"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"getAuction","stateMutability":"view","inputs":[{"name":"auctionId","type":"bytes32"}],"outputs":[{"name":"poolId","type":"bytes32"},{"name":"startTime","type":"uint64"},{"name":"duration","type":"uint64"},{"name":"active","type":"bool"},{"name":"complete","type":"bool"},{"name":"winner","type":"address"},{"name":"winningBid","type":"uint256"},{"name":"totalBids","type":"uint32"}]},
  {"type":"function","name":"getRevealedBids","stateMutability":"view","inputs":[{"name":"auctionId","type":"bytes32"}],"outputs":[{"name":"","type":"tuple[]","components":[{"name":"bidder","type":"address"},{"name":"amount","type":"uint256"},{"name":"commitment","type":"bytes32"},{"name":"revealed","type":"bool"},{"name":"timestamp","type":"uint64"}]}]},
  {"type":"function","name":"respondToTask","stateMutability":"nonpayable","inputs":[{"name":"taskIndex","type":"uint32"},{"name":"winner","type":"address"},{"name":"winningBid","type":"uint256"},{"name":"totalBids","type":"uint32"}],"outputs":[]},
  {"type":"function","name":"registerOperator","stateMutability":"nonpayable","inputs":[],"outputs":[]},
  {"type":"function","name":"operatorStake","stateMutability":"view","inputs":[{"name":"operator","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
]`

// revealedBid mirrors the getRevealedBids tuple layout.
type revealedBid struct {
	Bidder     common.Address
	Amount     *big.Int
	Commitment [32]byte
	Revealed   bool
	Timestamp  uint64
}

// TaskManager implements domain.TaskSource and domain.OperatorRegistry over
// the deployed service-manager contract.
type TaskManager struct {
	client   *Client
	contract *bind.BoundContract
	key      *ecdsa.PrivateKey // nil for read-only consumers
	now      func() time.Time
}

// NewTaskManager binds the service manager at addr. key may be nil when the
// caller never transacts (operators submit via the aggregator, not on-chain).
func NewTaskManager(client *Client, addr string, key *ecdsa.PrivateKey) (*TaskManager, error) {
	parsed, err := abi.JSON(strings.NewReader(taskManagerABI))
	if err != nil {
		return nil, fmt.Errorf("chain: parse task manager abi: %w", err)
	}

	eth := client.Eth()
	return &TaskManager{
		client:   client,
		contract: bind.NewBoundContract(common.HexToAddress(addr), parsed, eth, eth, eth),
		key:      key,
		now:      time.Now,
	}, nil
}

func (t *TaskManager) call(ctx context.Context, out *[]interface{}, method string, args ...interface{}) error {
	ctx, cancel := callCtx(ctx)
	defer cancel()
	if err := t.contract.Call(&bind.CallOpts{Context: ctx}, out, method, args...); err != nil {
		return fmt.Errorf("chain: %s: %w", method, err)
	}
	return nil
}

// transactTimeout bounds transaction submission. Longer than callTimeout:
// sending includes nonce and gas-estimation round-trips.
const transactTimeout = 30 * time.Second

func (t *TaskManager) transactOpts(ctx context.Context) (*bind.TransactOpts, context.CancelFunc, error) {
	if t.key == nil {
		return nil, nil, fmt.Errorf("chain: no signing key configured")
	}
	opts, err := bind.NewKeyedTransactorWithChainID(t.key, big.NewInt(t.client.ChainID()))
	if err != nil {
		return nil, nil, fmt.Errorf("chain: transactor: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, transactTimeout)
	opts.Context = ctx
	return opts, cancel, nil
}

// GetTask returns the task at the given index, or domain.ErrNotFound when
// the contract has no such task.
func (t *TaskManager) GetTask(ctx context.Context, index uint32) (domain.Task, error) {
	var out []interface{}
	if err := t.call(ctx, &out, "getTask", index); err != nil {
		return domain.Task{}, err
	}

	auctionID := out[0].([32]byte)
	poolID := out[1].([32]byte)
	if auctionID == ([32]byte{}) {
		return domain.Task{}, fmt.Errorf("chain: task %d: %w", index, domain.ErrNotFound)
	}

	return domain.Task{
		Index:        index,
		AuctionID:    common.Hash(auctionID).Hex(),
		PoolID:       common.Hash(poolID).Hex(),
		CreatedBlock: out[2].(uint64),
		Deadline:     time.Unix(int64(out[3].(uint64)), 0),
		Completed:    out[4].(bool),
	}, nil
}

// PendingTasks walks back from the latest task index and returns tasks that
// are incomplete and still within their deadline. The scan is bounded; the
// snapshot is re-queried every poll cycle.
func (t *TaskManager) PendingTasks(ctx context.Context) ([]domain.Task, error) {
	var out []interface{}
	if err := t.call(ctx, &out, "latestTaskIndex"); err != nil {
		return nil, err
	}
	latest := out[0].(uint32)
	if latest == 0 {
		return nil, nil
	}

	lo := uint32(1)
	if latest > maxPendingScan {
		lo = latest - maxPendingScan + 1
	}

	now := t.now()
	var pending []domain.Task
	for index := lo; index <= latest; index++ {
		task, err := t.GetTask(ctx, index)
		if err != nil {
			return nil, err
		}
		if task.Completed || task.Expired(now) {
			continue
		}
		pending = append(pending, task)
	}
	return pending, nil
}

// IsTaskComplete reports whether the task has been settled on-chain.
func (t *TaskManager) IsTaskComplete(ctx context.Context, index uint32) (bool, error) {
	var out []interface{}
	if err := t.call(ctx, &out, "isTaskComplete", index); err != nil {
		return false, err
	}
	return out[0].(bool), nil
}

// GetAuction returns the auction state for the given ID.
func (t *TaskManager) GetAuction(ctx context.Context, auctionID string) (domain.Auction, error) {
	var out []interface{}
	if err := t.call(ctx, &out, "getAuction", common.HexToHash(auctionID)); err != nil {
		return domain.Auction{}, err
	}

	poolID := out[0].([32]byte)
	if poolID == ([32]byte{}) {
		return domain.Auction{}, fmt.Errorf("chain: auction %s: %w", auctionID, domain.ErrNotFound)
	}

	return domain.Auction{
		ID:         auctionID,
		PoolID:     common.Hash(poolID).Hex(),
		StartTime:  time.Unix(int64(out[1].(uint64)), 0),
		Duration:   int64(out[2].(uint64)),
		IsActive:   out[3].(bool),
		IsComplete: out[4].(bool),
		Winner:     out[5].(common.Address).Hex(),
		WinningBid: out[6].(*big.Int),
		TotalBids:  int(out[7].(uint32)),
	}, nil
}

// RevealedBids returns the bids revealed so far for an auction.
func (t *TaskManager) RevealedBids(ctx context.Context, auctionID string) ([]domain.Bid, error) {
	var out []interface{}
	if err := t.call(ctx, &out, "getRevealedBids", common.HexToHash(auctionID)); err != nil {
		return nil, err
	}

	raw := *abi.ConvertType(out[0], new([]revealedBid)).(*[]revealedBid)
	bids := make([]domain.Bid, 0, len(raw))
	for _, b := range raw {
		bids = append(bids, domain.Bid{
			Bidder:     b.Bidder.Hex(),
			Amount:     b.Amount,
			Commitment: common.Hash(b.Commitment).Hex(),
			Revealed:   b.Revealed,
			Timestamp:  time.Unix(int64(b.Timestamp), 0),
		})
	}
	return bids, nil
}

// SubmitConsensusResult forwards a quorum result for on-chain settlement.
func (t *TaskManager) SubmitConsensusResult(ctx context.Context, result domain.ConsensusResult) error {
	opts, cancel, err := t.transactOpts(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	_, err = t.contract.Transact(opts, "respondToTask",
		result.TaskIndex,
		common.HexToAddress(result.Winner),
		result.WinningBid,
		result.TotalBids,
	)
	if err != nil {
		return fmt.Errorf("chain: respond to task %d: %w", result.TaskIndex, err)
	}
	return nil
}

// RegisterOperator registers the local operator with the AVS.
func (t *TaskManager) RegisterOperator(ctx context.Context) error {
	opts, cancel, err := t.transactOpts(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	if _, err := t.contract.Transact(opts, "registerOperator"); err != nil {
		return fmt.Errorf("chain: register operator: %w", err)
	}
	return nil
}

// OperatorStake returns the staked amount for an operator address.
func (t *TaskManager) OperatorStake(ctx context.Context, operator string) (*big.Int, error) {
	var out []interface{}
	if err := t.call(ctx, &out, "operatorStake", common.HexToAddress(operator)); err != nil {
		return nil, err
	}
	return out[0].(*big.Int), nil
}

// Compile-time interface checks.
var (
	_ domain.TaskSource       = (*TaskManager)(nil)
	_ domain.OperatorRegistry = (*TaskManager)(nil)
)
