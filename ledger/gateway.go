// Package ledger defines the typed boundary through which the transaction
// flows query and mutate remote ledger state. Concrete transports live in
// subpackages; the flows only ever see Gateway.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"

	"rootbot/assets"
)

var (
	// ErrUnavailable marks transport failures talking to the ledger.
	ErrUnavailable = errors.New("ledger: gateway unavailable")
	// ErrRejected marks deterministic rejections (reverted estimates, invalid
	// parameters) that must not be retried.
	ErrRejected = errors.New("ledger: request rejected")
)

// ShapeKind identifies the transaction shape a fee estimate is requested for.
type ShapeKind string

const (
	ShapeTransfer ShapeKind = "transfer"
	ShapeBond     ShapeKind = "stake_bond"
	ShapeSwap     ShapeKind = "swap"
)

// Call is an unsigned ledger call. Value is denominated in base units of the
// native asset.
type Call struct {
	To    common.Address
	Data  []byte
	Value *uint256.Int
	// Module and Method label the call for diagnostics.
	Module string
	Method string
}

// Shape pairs a call with the kind of operation it performs.
type Shape struct {
	Kind ShapeKind
	Call Call
}

// UnsignedTx is a fully populated transaction awaiting a signature.
type UnsignedTx struct {
	Tx      *types.Transaction
	ChainID *big.Int
}

// BlockRef identifies the block a transaction landed in.
type BlockRef struct {
	Number uint64
	Hash   common.Hash
}

func (b BlockRef) String() string {
	if (b.Hash == common.Hash{}) {
		return fmt.Sprintf("#%d", b.Number)
	}
	return fmt.Sprintf("#%d (%s)", b.Number, b.Hash.Hex())
}

// InclusionStatus is the outcome of a submission as of inclusion time.
type InclusionStatus int

const (
	StatusIncluded InclusionStatus = iota + 1
	StatusInvalid
	StatusDropped
	StatusDispatchError
)

func (s InclusionStatus) String() string {
	switch s {
	case StatusIncluded:
		return "included"
	case StatusInvalid:
		return "invalid"
	case StatusDropped:
		return "dropped"
	case StatusDispatchError:
		return "dispatch_error"
	default:
		return "unknown"
	}
}

// DispatchError is a ledger-side rejection decoded into a module/method/reason
// triple. Raw carries the undecoded payload when decoding was not possible.
type DispatchError struct {
	Module string
	Method string
	Reason string
	Raw    string
}

func (e *DispatchError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Module == "" && e.Method == "" && e.Reason == "" {
		if e.Raw == "" {
			return "dispatch error"
		}
		return "dispatch error: " + e.Raw
	}
	parts := make([]string, 0, 3)
	for _, part := range []string{e.Module, e.Method} {
		if part != "" {
			parts = append(parts, part)
		}
	}
	label := strings.Join(parts, ".")
	if e.Reason == "" {
		return label + ": reverted"
	}
	if label == "" {
		return e.Reason
	}
	return label + ": " + e.Reason
}

// SubmitResult reports what the ledger said about a submitted transaction.
type SubmitResult struct {
	TxID     common.Hash
	Status   InclusionStatus
	Block    BlockRef
	Dispatch *DispatchError
	// Detail carries the node's explanation for Invalid and Dropped results.
	Detail string
}

// FinalityStatus is the terminal state reported on a finality subscription.
type FinalityStatus int

const (
	FinalityIncluded FinalityStatus = iota + 1
	FinalityFinalized
	FinalityInvalid
	FinalityDropped
)

func (s FinalityStatus) String() string {
	switch s {
	case FinalityIncluded:
		return "included"
	case FinalityFinalized:
		return "finalized"
	case FinalityInvalid:
		return "invalid"
	case FinalityDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// FinalityEvent is delivered at most once per subscription.
type FinalityEvent struct {
	TxID   common.Hash
	Block  BlockRef
	Status FinalityStatus
	At     time.Time
}

// Subscription streams finality events for one transaction.
type Subscription struct {
	events <-chan FinalityEvent
	once   sync.Once
	cancel func()
}

// NewSubscription wraps a producer channel and the function that releases it.
// The producer must close events when it stops.
func NewSubscription(events <-chan FinalityEvent, cancel func()) *Subscription {
	return &Subscription{events: events, cancel: cancel}
}

// Events yields at most one terminal event and is closed afterwards.
func (s *Subscription) Events() <-chan FinalityEvent { return s.events }

// Unsubscribe releases the subscription. It is safe to call repeatedly.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// Gateway is the set of typed ledger operations the flows depend on.
// Implementations must be safe for concurrent use by many flows.
type Gateway interface {
	QueryBalance(ctx context.Context, owner common.Address, asset assets.Asset) (*uint256.Int, error)
	EstimateFee(ctx context.Context, shape Shape, from common.Address) (*uint256.Int, error)
	Prepare(ctx context.Context, from common.Address, call Call) (*UnsignedTx, error)
	// Submit broadcasts a signed transaction and returns once the ledger has
	// included it (or refused to).
	Submit(ctx context.Context, tx *types.Transaction) (SubmitResult, error)
	SubscribeFinality(ctx context.Context, txID common.Hash) (*Subscription, error)
}

// CallBuilder constructs the ledger calls for each transaction shape.
type CallBuilder interface {
	Transfer(asset assets.Asset, to common.Address, amount *uint256.Int) (Call, error)
	Bond(asset assets.Asset, controller common.Address, amount *uint256.Int) (Call, error)
	Swap(in, out assets.Asset, amountIn, minOut *uint256.Int, to common.Address, deadline time.Time) (Call, error)
}
