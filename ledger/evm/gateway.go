// Package evm implements ledger.Gateway over the Ethereum JSON-RPC API.
package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/holiman/uint256"

	"rootbot/assets"
	"rootbot/ledger"
)

const (
	// DefaultNativeDecimals is the precision of native value on the wire.
	DefaultNativeDecimals uint8 = 18

	defaultPollInterval     = 2 * time.Second
	defaultInclusionTimeout = 90 * time.Second
	defaultGasHeadroomPct   = 20
	missingReceiptLimit     = 3
)

var errInclusionTimeout = errors.New("evm: inclusion timeout")

// Gateway talks to an EVM-compatible ledger node.
type Gateway struct {
	client           Client
	registry         *assets.Registry
	calls            *Calls
	wireDecimals     uint8
	scale            *uint256.Int
	pollInterval     time.Duration
	inclusionTimeout time.Duration
	confirmations    uint64
	gasHeadroomPct   uint64
	logger           *slog.Logger
	clock            func() time.Time

	chainMu sync.Mutex
	chainID *big.Int
}

// Option customises the gateway.
type Option func(*Gateway)

// WithRegistry sets the asset registry used to scale native amounts and label contracts.
func WithRegistry(reg *assets.Registry) Option {
	return func(g *Gateway) { g.registry = reg }
}

// WithCalls overrides the call builder used to decode dispatch errors.
func WithCalls(calls *Calls) Option {
	return func(g *Gateway) { g.calls = calls }
}

// WithNativeDecimals sets the on-wire precision of native value.
func WithNativeDecimals(decimals uint8) Option {
	return func(g *Gateway) { g.wireDecimals = decimals }
}

// WithPollInterval configures how often receipts and finality are polled.
func WithPollInterval(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.pollInterval = d
		}
	}
}

// WithInclusionTimeout bounds how long Submit waits for a receipt.
func WithInclusionTimeout(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.inclusionTimeout = d
		}
	}
}

// WithConfirmations switches finality detection from the finalized block tag
// to a confirmation depth.
func WithConfirmations(n uint64) Option {
	return func(g *Gateway) { g.confirmations = n }
}

// WithGasHeadroom pads gas estimates by the given percentage.
func WithGasHeadroom(pct uint64) Option {
	return func(g *Gateway) { g.gasHeadroomPct = pct }
}

// WithLogger sets the logger used for polling diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithClock overrides the clock used to stamp finality events.
func WithClock(clock func() time.Time) Option {
	return func(g *Gateway) {
		if clock != nil {
			g.clock = clock
		}
	}
}

// New constructs a gateway backed by client.
func New(client Client, opts ...Option) (*Gateway, error) {
	if client == nil {
		return nil, fmt.Errorf("evm: client required")
	}
	g := &Gateway{
		client:           client,
		wireDecimals:     DefaultNativeDecimals,
		pollInterval:     defaultPollInterval,
		inclusionTimeout: defaultInclusionTimeout,
		gasHeadroomPct:   defaultGasHeadroomPct,
		logger:           slog.Default(),
		clock:            time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.registry == nil {
		g.registry = assets.Default()
	}
	if g.calls == nil {
		g.calls = NewCalls(g.registry, common.Address{}, common.Address{})
	}
	native := g.registry.Native()
	if g.wireDecimals < native.Decimals {
		return nil, fmt.Errorf("evm: native wire decimals %d below asset precision %d", g.wireDecimals, native.Decimals)
	}
	g.scale = new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(g.wireDecimals-native.Decimals)))
	return g, nil
}

// QueryBalance returns the owner's balance of asset in base units.
func (g *Gateway) QueryBalance(ctx context.Context, owner common.Address, asset assets.Asset) (*uint256.Int, error) {
	if asset.Native {
		wei, err := g.client.BalanceAt(ctx, owner, nil)
		if err != nil {
			return nil, g.wrap("balance", err)
		}
		return g.fromWei(wei, false)
	}
	data, err := erc20ABI.Pack("balanceOf", owner)
	if err != nil {
		return nil, fmt.Errorf("evm: pack balanceOf: %w", err)
	}
	token := tokenAddress(asset)
	out, err := g.client.CallContract(ctx, ethereum.CallMsg{From: owner, To: &token, Data: data}, nil)
	if err != nil {
		return nil, g.wrap("balanceOf", err)
	}
	values, err := erc20ABI.Unpack("balanceOf", out)
	if err != nil || len(values) != 1 {
		return nil, fmt.Errorf("%w: decode balanceOf %s: %v", ledger.ErrUnavailable, asset.Symbol, err)
	}
	raw, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected balanceOf result %T", ledger.ErrUnavailable, values[0])
	}
	balance, overflow := uint256.FromBig(raw)
	if overflow {
		return nil, fmt.Errorf("%w: balance overflow", ledger.ErrUnavailable)
	}
	return balance, nil
}

// EstimateFee returns the worst-case fee for shape in native base units,
// rounded up.
func (g *Gateway) EstimateFee(ctx context.Context, shape ledger.Shape, from common.Address) (*uint256.Int, error) {
	gas, err := g.estimateGas(ctx, from, shape.Call)
	if err != nil {
		return nil, err
	}
	_, feeCap, err := g.feeCaps(ctx)
	if err != nil {
		return nil, err
	}
	total := new(big.Int).Mul(new(big.Int).SetUint64(gas), feeCap)
	return g.fromWei(total, true)
}

// Prepare fills nonce, gas and fee caps for call.
func (g *Gateway) Prepare(ctx context.Context, from common.Address, call ledger.Call) (*ledger.UnsignedTx, error) {
	chainID, err := g.loadChainID(ctx)
	if err != nil {
		return nil, err
	}
	nonce, err := g.client.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, g.wrap("nonce", err)
	}
	gas, err := g.estimateGas(ctx, from, call)
	if err != nil {
		return nil, err
	}
	tip, feeCap, err := g.feeCaps(ctx)
	if err != nil {
		return nil, err
	}
	value, err := g.toWei(call.Value)
	if err != nil {
		return nil, err
	}
	to := call.To
	tx := gethtypes.NewTx(&gethtypes.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     value,
		Data:      call.Data,
	})
	return &ledger.UnsignedTx{Tx: tx, ChainID: new(big.Int).Set(chainID)}, nil
}

// Submit broadcasts tx and waits for its receipt.
func (g *Gateway) Submit(ctx context.Context, tx *gethtypes.Transaction) (ledger.SubmitResult, error) {
	if tx == nil {
		return ledger.SubmitResult{}, fmt.Errorf("evm: transaction required")
	}
	result := ledger.SubmitResult{TxID: tx.Hash()}
	if err := g.client.SendTransaction(ctx, tx); err != nil {
		var rpcErr rpc.Error
		if errors.As(err, &rpcErr) {
			result.Status = ledger.StatusInvalid
			result.Detail = rpcErr.Error()
			return result, nil
		}
		return result, g.wrap("send", err)
	}
	receipt, err := g.awaitReceipt(ctx, tx.Hash())
	if errors.Is(err, errInclusionTimeout) {
		result.Status = ledger.StatusDropped
		result.Detail = fmt.Sprintf("not included within %s", g.inclusionTimeout)
		return result, nil
	}
	if err != nil {
		return result, err
	}
	result.Block = blockRef(receipt)
	if receipt.Status == gethtypes.ReceiptStatusSuccessful {
		result.Status = ledger.StatusIncluded
		return result, nil
	}
	result.Status = ledger.StatusDispatchError
	result.Dispatch = g.decodeDispatch(ctx, tx, receipt)
	return result, nil
}

// SubscribeFinality polls until txID is finalized, reverted, or lost to a reorg.
func (g *Gateway) SubscribeFinality(ctx context.Context, txID common.Hash) (*ledger.Subscription, error) {
	subCtx, cancel := context.WithCancel(ctx)
	events := make(chan ledger.FinalityEvent, 1)
	go g.watchFinality(subCtx, txID, events)
	return ledger.NewSubscription(events, cancel), nil
}

func (g *Gateway) watchFinality(ctx context.Context, txID common.Hash, events chan<- ledger.FinalityEvent) {
	defer close(events)
	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()
	missing := 0
	for {
		event, done := g.checkFinality(ctx, txID, &missing)
		if done {
			select {
			case events <- event:
			case <-ctx.Done():
			}
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (g *Gateway) checkFinality(ctx context.Context, txID common.Hash, missing *int) (ledger.FinalityEvent, bool) {
	event := ledger.FinalityEvent{TxID: txID}
	receipt, err := g.client.TransactionReceipt(ctx, txID)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			*missing++
			if *missing >= missingReceiptLimit {
				event.Status = ledger.FinalityDropped
				event.At = g.clock()
				return event, true
			}
			return event, false
		}
		if ctx.Err() == nil {
			g.logger.Debug("finality poll failed", slog.String("tx", txID.Hex()), slog.Any("error", err))
		}
		return event, false
	}
	*missing = 0
	event.Block = blockRef(receipt)
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		event.Status = ledger.FinalityInvalid
		event.At = g.clock()
		return event, true
	}
	finalized, err := g.finalizedAt(ctx, receipt.BlockNumber)
	if err != nil {
		if ctx.Err() == nil {
			g.logger.Debug("finality head lookup failed", slog.String("tx", txID.Hex()), slog.Any("error", err))
		}
		return event, false
	}
	if !finalized {
		return event, false
	}
	event.Status = ledger.FinalityFinalized
	event.At = g.clock()
	return event, true
}

func (g *Gateway) finalizedAt(ctx context.Context, block *big.Int) (bool, error) {
	if block == nil {
		return false, fmt.Errorf("receipt block missing")
	}
	if g.confirmations > 0 {
		head, err := g.client.HeaderByNumber(ctx, nil)
		if err != nil {
			return false, err
		}
		if head == nil || head.Number == nil || head.Number.Cmp(block) < 0 {
			return false, nil
		}
		confirmed := new(big.Int).Sub(head.Number, block)
		confirmed.Add(confirmed, big.NewInt(1))
		return confirmed.Cmp(new(big.Int).SetUint64(g.confirmations)) >= 0, nil
	}
	header, err := g.client.HeaderByNumber(ctx, big.NewInt(int64(rpc.FinalizedBlockNumber)))
	if err != nil {
		return false, err
	}
	if header == nil || header.Number == nil {
		return false, nil
	}
	return header.Number.Cmp(block) >= 0, nil
}

func (g *Gateway) awaitReceipt(ctx context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	deadline := time.NewTimer(g.inclusionTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()
	for {
		receipt, err := g.client.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) && ctx.Err() == nil {
			g.logger.Debug("receipt poll failed", slog.String("tx", hash.Hex()), slog.Any("error", err))
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, errInclusionTimeout
		case <-ticker.C:
		}
	}
}

// decodeDispatch replays a reverted transaction against the parent block to
// recover the revert reason.
func (g *Gateway) decodeDispatch(ctx context.Context, tx *gethtypes.Transaction, receipt *gethtypes.Receipt) *ledger.DispatchError {
	dispatch := &ledger.DispatchError{
		Method: g.calls.Method(tx.Data()),
		Raw:    fmt.Sprintf("receipt status %d", receipt.Status),
	}
	if to := tx.To(); to != nil {
		dispatch.Module = g.calls.Label(*to)
	}
	from, err := gethtypes.Sender(gethtypes.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return dispatch
	}
	var at *big.Int
	if receipt.BlockNumber != nil && receipt.BlockNumber.Sign() > 0 {
		at = new(big.Int).Sub(receipt.BlockNumber, big.NewInt(1))
	}
	msg := ethereum.CallMsg{From: from, To: tx.To(), Gas: tx.Gas(), Value: tx.Value(), Data: tx.Data()}
	_, callErr := g.client.CallContract(ctx, msg, at)
	if callErr == nil {
		return dispatch
	}
	dispatch.Raw = callErr.Error()
	dispatch.Reason = revertReason(callErr)
	return dispatch
}

func revertReason(err error) string {
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if encoded, ok := dataErr.ErrorData().(string); ok {
			if data, decodeErr := hexutil.Decode(encoded); decodeErr == nil {
				if reason, unpackErr := abi.UnpackRevert(data); unpackErr == nil {
					return reason
				}
			}
		}
	}
	msg := err.Error()
	if idx := strings.Index(msg, "execution reverted: "); idx >= 0 {
		return strings.TrimSpace(msg[idx+len("execution reverted: "):])
	}
	return ""
}

func (g *Gateway) estimateGas(ctx context.Context, from common.Address, call ledger.Call) (uint64, error) {
	value, err := g.toWei(call.Value)
	if err != nil {
		return 0, err
	}
	to := call.To
	gas, err := g.client.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Value: value, Data: call.Data})
	if err != nil {
		return 0, g.wrap("estimate gas", err)
	}
	return gas + gas*g.gasHeadroomPct/100, nil
}

// feeCaps returns the priority tip and the fee cap used for both estimates and
// prepared transactions, so the balance check matches the signed worst case.
func (g *Gateway) feeCaps(ctx context.Context) (*big.Int, *big.Int, error) {
	head, err := g.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, g.wrap("head", err)
	}
	if head == nil || head.BaseFee == nil {
		price, err := g.client.SuggestGasPrice(ctx)
		if err != nil {
			return nil, nil, g.wrap("gas price", err)
		}
		return price, new(big.Int).Set(price), nil
	}
	tip, err := g.client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, g.wrap("gas tip", err)
	}
	feeCap := new(big.Int).Mul(head.BaseFee, big.NewInt(2))
	feeCap.Add(feeCap, tip)
	return tip, feeCap, nil
}

func (g *Gateway) loadChainID(ctx context.Context) (*big.Int, error) {
	g.chainMu.Lock()
	defer g.chainMu.Unlock()
	if g.chainID != nil {
		return g.chainID, nil
	}
	id, err := g.client.ChainID(ctx)
	if err != nil {
		return nil, g.wrap("chain id", err)
	}
	g.chainID = id
	return id, nil
}

func (g *Gateway) toWei(v *uint256.Int) (*big.Int, error) {
	if v == nil {
		return new(big.Int), nil
	}
	wei, overflow := new(uint256.Int).MulOverflow(v, g.scale)
	if overflow {
		return nil, fmt.Errorf("%w: native value overflow", ledger.ErrRejected)
	}
	return wei.ToBig(), nil
}

func (g *Gateway) fromWei(wei *big.Int, roundUp bool) (*uint256.Int, error) {
	if wei == nil || wei.Sign() < 0 {
		return nil, fmt.Errorf("%w: invalid native amount", ledger.ErrUnavailable)
	}
	scale := g.scale.ToBig()
	q, r := new(big.Int).QuoRem(wei, scale, new(big.Int))
	if roundUp && r.Sign() > 0 {
		q.Add(q, big.NewInt(1))
	}
	out, overflow := uint256.FromBig(q)
	if overflow {
		return nil, fmt.Errorf("%w: native amount overflow", ledger.ErrUnavailable)
	}
	return out, nil
}

func (g *Gateway) wrap(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("evm: %s: %w", op, err)
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) {
		return fmt.Errorf("%w: %s: %w", ledger.ErrRejected, op, err)
	}
	return fmt.Errorf("%w: %s: %w", ledger.ErrUnavailable, op, err)
}

func blockRef(receipt *gethtypes.Receipt) ledger.BlockRef {
	ref := ledger.BlockRef{Hash: receipt.BlockHash}
	if receipt.BlockNumber != nil {
		ref.Number = receipt.BlockNumber.Uint64()
	}
	return ref
}

var _ ledger.Gateway = (*Gateway)(nil)
