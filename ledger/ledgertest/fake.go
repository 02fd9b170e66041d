// Package ledgertest provides an in-memory ledger.Gateway for tests.
package ledgertest

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"

	"rootbot/assets"
	"rootbot/ledger"
)

// Gateway is a thread-safe fake. Balances and fees are configured up front;
// every submission is recorded and answered with the configured result.
type Gateway struct {
	mu sync.Mutex

	ChainID *big.Int

	balances   map[common.Address]map[assets.ID]*uint256.Int
	fees       map[ledger.ShapeKind]*uint256.Int
	feeErr     error
	balanceErr error
	submitErr  error
	result     *ledger.SubmitResult
	nonces     map[common.Address]uint64

	estimates   []ledger.Shape
	prepared    []ledger.Call
	submissions []*types.Transaction

	subs     map[common.Hash][]chan ledger.FinalityEvent
	subCount int
}

// New returns an empty fake gateway.
func New() *Gateway {
	return &Gateway{
		ChainID:  big.NewInt(7672),
		balances: make(map[common.Address]map[assets.ID]*uint256.Int),
		fees:     make(map[ledger.ShapeKind]*uint256.Int),
		nonces:   make(map[common.Address]uint64),
		subs:     make(map[common.Hash][]chan ledger.FinalityEvent),
	}
}

// SetBalance sets owner's balance of asset in base units.
func (g *Gateway) SetBalance(owner common.Address, asset assets.ID, v uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.balances[owner] == nil {
		g.balances[owner] = make(map[assets.ID]*uint256.Int)
	}
	g.balances[owner][asset] = uint256.NewInt(v)
}

// SetFee sets the fee returned for a transaction shape.
func (g *Gateway) SetFee(kind ledger.ShapeKind, v uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fees[kind] = uint256.NewInt(v)
}

// FailFees makes EstimateFee return err.
func (g *Gateway) FailFees(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.feeErr = err
}

// FailBalances makes QueryBalance return err.
func (g *Gateway) FailBalances(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.balanceErr = err
}

// FailSubmit makes Submit return err.
func (g *Gateway) FailSubmit(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.submitErr = err
}

// SetResult overrides the result returned by Submit. TxID is always the
// submitted transaction's hash.
func (g *Gateway) SetResult(res ledger.SubmitResult) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.result = &res
}

func (g *Gateway) QueryBalance(ctx context.Context, owner common.Address, asset assets.Asset) (*uint256.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.balanceErr != nil {
		return nil, g.balanceErr
	}
	if v, ok := g.balances[owner][asset.ID]; ok {
		return v.Clone(), nil
	}
	return uint256.NewInt(0), nil
}

func (g *Gateway) EstimateFee(ctx context.Context, shape ledger.Shape, from common.Address) (*uint256.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.estimates = append(g.estimates, shape)
	if g.feeErr != nil {
		return nil, g.feeErr
	}
	if v, ok := g.fees[shape.Kind]; ok {
		return v.Clone(), nil
	}
	return uint256.NewInt(0), nil
}

func (g *Gateway) Prepare(ctx context.Context, from common.Address, call ledger.Call) (*ledger.UnsignedTx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prepared = append(g.prepared, call)
	nonce := g.nonces[from]
	g.nonces[from] = nonce + 1
	value := new(big.Int)
	if call.Value != nil {
		value = call.Value.ToBig()
	}
	to := call.To
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   g.ChainID,
		Nonce:     nonce,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(2),
		Gas:       100000,
		To:        &to,
		Value:     value,
		Data:      call.Data,
	})
	return &ledger.UnsignedTx{Tx: tx, ChainID: new(big.Int).Set(g.ChainID)}, nil
}

func (g *Gateway) Submit(ctx context.Context, tx *types.Transaction) (ledger.SubmitResult, error) {
	if err := ctx.Err(); err != nil {
		return ledger.SubmitResult{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.submitErr != nil {
		return ledger.SubmitResult{}, g.submitErr
	}
	g.submissions = append(g.submissions, tx)
	res := ledger.SubmitResult{
		Status: ledger.StatusIncluded,
		Block:  ledger.BlockRef{Number: uint64(len(g.submissions))},
	}
	if g.result != nil {
		res = *g.result
	}
	res.TxID = tx.Hash()
	return res, nil
}

func (g *Gateway) SubscribeFinality(ctx context.Context, txID common.Hash) (*ledger.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan ledger.FinalityEvent, 1)
	g.mu.Lock()
	g.subs[txID] = append(g.subs[txID], ch)
	g.subCount++
	g.mu.Unlock()

	subCtx, cancel := context.WithCancel(ctx)
	go func() {
		<-subCtx.Done()
		g.detach(txID, ch)
	}()
	return ledger.NewSubscription(ch, cancel), nil
}

// Finalize delivers one event to every open subscription for txID and closes
// them. It reports how many subscribers were notified.
func (g *Gateway) Finalize(txID common.Hash, ev ledger.FinalityEvent) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	ev.TxID = txID
	chans := g.subs[txID]
	delete(g.subs, txID)
	for _, ch := range chans {
		ch <- ev
		close(ch)
	}
	return len(chans)
}

func (g *Gateway) detach(txID common.Hash, target chan ledger.FinalityEvent) {
	g.mu.Lock()
	defer g.mu.Unlock()
	chans := g.subs[txID]
	for i, ch := range chans {
		if ch == target {
			g.subs[txID] = append(chans[:i], chans[i+1:]...)
			if len(g.subs[txID]) == 0 {
				delete(g.subs, txID)
			}
			close(ch)
			return
		}
	}
}

// Submissions returns the transactions submitted so far.
func (g *Gateway) Submissions() []*types.Transaction {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*types.Transaction(nil), g.submissions...)
}

// Prepared returns the calls passed to Prepare so far.
func (g *Gateway) Prepared() []ledger.Call {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]ledger.Call(nil), g.prepared...)
}

// Estimates returns the shapes fee estimates were requested for.
func (g *Gateway) Estimates() []ledger.Shape {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]ledger.Shape(nil), g.estimates...)
}

// OpenSubscriptions reports the number of live finality subscriptions.
func (g *Gateway) OpenSubscriptions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, chans := range g.subs {
		n += len(chans)
	}
	return n
}

// SubscriptionsOpened reports how many subscriptions were ever created.
func (g *Gateway) SubscriptionsOpened() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.subCount
}

// String summarises the recorded traffic.
func (g *Gateway) String() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return fmt.Sprintf("ledgertest.Gateway{estimates:%d prepared:%d submitted:%d}", len(g.estimates), len(g.prepared), len(g.submissions))
}

var _ ledger.Gateway = (*Gateway)(nil)
