// Package settlement signs, submits and follows confirmed transactions.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"

	"rootbot/assets"
	"rootbot/crypto"
	"rootbot/ledger"
	"rootbot/observability"
	"rootbot/observability/logging"
	"rootbot/session"
)

const (
	// DefaultFinalityTimeout bounds how long a finality subscription is held.
	DefaultFinalityTimeout = 5 * time.Minute

	claimRetention = time.Hour
)

var (
	// ErrAlreadySubmitted is returned when a pending transaction is executed twice.
	ErrAlreadySubmitted = errors.New("settlement: transaction already submitted")
	// ErrSignerMismatch is returned when the wallet key no longer matches the session owner.
	ErrSignerMismatch = errors.New("settlement: signer does not match session owner")
	// ErrShutdown is returned once the tracker has been shut down.
	ErrShutdown = errors.New("settlement: tracker shut down")
)

// PendingTransaction is a confirmed, fully validated transaction awaiting
// signature. It is consumed exactly once.
type PendingTransaction struct {
	Kind         session.Kind
	Token        uint64
	UserID       string
	Owner        common.Address
	Asset        assets.ID
	CounterAsset assets.ID
	Recipient    *common.Address
	Amount       *uint256.Int
	Fee          *uint256.Int
	Call         ledger.Call
	// MinOut and Deadline are set for swaps only.
	MinOut   *uint256.Int
	Deadline time.Time
	BuiltAt  time.Time
}

// Receipt reports how the ledger treated a submission.
type Receipt struct {
	TxID     common.Hash
	Status   ledger.InclusionStatus
	Block    ledger.BlockRef
	Dispatch *ledger.DispatchError
	Detail   string
}

// Succeeded reports whether the transaction was included without error.
func (r Receipt) Succeeded() bool { return r.Status == ledger.StatusIncluded }

// SignerSource yields a signer for a user immediately before signing.
type SignerSource interface {
	Signer(ctx context.Context, userID string) (crypto.Signer, error)
}

// Tracker executes pending transactions and follows them to finality.
type Tracker struct {
	gateway  ledger.Gateway
	signers  SignerSource
	notifier Notifier
	logger   *slog.Logger
	metrics  *observability.FlowdMetrics
	clock    func() time.Time
	timeout  time.Duration

	mu      sync.Mutex
	claimed map[uint64]time.Time
	closed  bool

	wg     sync.WaitGroup
	base   context.Context
	cancel context.CancelFunc
}

// Option customises the tracker.
type Option func(*Tracker)

// WithNotifier sets where finality events are delivered.
func WithNotifier(n Notifier) Option {
	return func(t *Tracker) {
		if n != nil {
			t.notifier = n
		}
	}
}

// WithFinalityTimeout overrides DefaultFinalityTimeout.
func WithFinalityTimeout(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// WithLogger sets the tracker logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithMetrics overrides the metrics registry.
func WithMetrics(m *observability.FlowdMetrics) Option {
	return func(t *Tracker) { t.metrics = m }
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(t *Tracker) {
		if clock != nil {
			t.clock = clock
		}
	}
}

// NewTracker constructs a tracker.
func NewTracker(gateway ledger.Gateway, signers SignerSource, opts ...Option) (*Tracker, error) {
	if gateway == nil {
		return nil, fmt.Errorf("settlement: gateway required")
	}
	if signers == nil {
		return nil, fmt.Errorf("settlement: signer source required")
	}
	base, cancel := context.WithCancel(context.Background())
	t := &Tracker{
		gateway:  gateway,
		signers:  signers,
		notifier: NotifierFunc(func(context.Context, Notification) {}),
		logger:   slog.Default(),
		metrics:  observability.Flowd(),
		clock:    time.Now,
		timeout:  DefaultFinalityTimeout,
		claimed:  make(map[uint64]time.Time),
		base:     base,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Execute signs and submits p, waiting for inclusion. Successful submissions
// are followed to finality in the background. Cancelling ctx does not abort a
// submission already under way.
func (t *Tracker) Execute(ctx context.Context, p PendingTransaction) (Receipt, error) {
	if err := t.claim(p.Token); err != nil {
		return Receipt{}, err
	}
	ctx = context.WithoutCancel(ctx)
	started := t.clock()
	logger := t.logger.With(
		slog.String("flow", string(p.Kind)),
		logging.MaskField("user", p.UserID),
		slog.Uint64("token", p.Token),
	)

	signer, err := t.signers.Signer(ctx, p.UserID)
	if err != nil {
		return Receipt{}, fmt.Errorf("settlement: obtain signer: %w", err)
	}
	signed, err := t.sign(ctx, signer, p)
	if err != nil {
		t.metrics.RecordSubmission(string(p.Kind), "unsigned", 0)
		logger.Warn("transaction not submitted", slog.Any("error", err))
		return Receipt{}, err
	}

	res, err := t.gateway.Submit(ctx, signed)
	if err != nil {
		t.metrics.RecordSubmission(string(p.Kind), "error", 0)
		logger.Error("submission failed", slog.String("tx", signed.Hash().Hex()), slog.Any("error", err))
		return Receipt{TxID: signed.Hash()}, fmt.Errorf("settlement: submit: %w", err)
	}
	receipt := Receipt{
		TxID:     res.TxID,
		Status:   res.Status,
		Block:    res.Block,
		Dispatch: res.Dispatch,
		Detail:   res.Detail,
	}
	t.metrics.RecordSubmission(string(p.Kind), res.Status.String(), t.clock().Sub(started))
	if !receipt.Succeeded() {
		attrs := []any{slog.String("tx", res.TxID.Hex()), slog.String("status", res.Status.String())}
		if res.Dispatch != nil {
			attrs = append(attrs, slog.String("reason", res.Dispatch.Error()))
		} else if res.Detail != "" {
			attrs = append(attrs, slog.String("reason", res.Detail))
		}
		logger.Warn("transaction failed", attrs...)
		return receipt, nil
	}
	logger.Info("transaction included", slog.String("tx", res.TxID.Hex()), slog.Uint64("block", res.Block.Number))
	t.TrackFinality(ctx, p.UserID, res.TxID, t.timeout)
	return receipt, nil
}

func (t *Tracker) sign(ctx context.Context, signer crypto.Signer, p PendingTransaction) (*types.Transaction, error) {
	defer signer.Close()
	if signer.Address() != p.Owner {
		return nil, ErrSignerMismatch
	}
	unsigned, err := t.gateway.Prepare(ctx, p.Owner, p.Call)
	if err != nil {
		return nil, fmt.Errorf("settlement: prepare: %w", err)
	}
	signed, err := signer.SignTx(unsigned.Tx, unsigned.ChainID)
	if err != nil {
		return nil, fmt.Errorf("settlement: sign: %w", err)
	}
	return signed, nil
}

// TrackFinality follows txID in its own goroutine and reports exactly one
// terminal event to the notifier, or nothing if timeout elapses first.
func (t *Tracker) TrackFinality(ctx context.Context, userID string, txID common.Hash, timeout time.Duration) {
	if timeout <= 0 {
		timeout = t.timeout
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.wg.Add(1)
	t.mu.Unlock()

	go func() {
		defer t.wg.Done()
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		stop := context.AfterFunc(t.base, cancel)
		defer stop()

		sub, err := t.gateway.SubscribeFinality(ctx, txID)
		if err != nil {
			t.metrics.RecordFinality("subscribe_failed")
			t.logger.Warn("finality subscription failed", slog.String("tx", txID.Hex()), slog.Any("error", err))
			return
		}
		defer sub.Unsubscribe()

		select {
		case ev, ok := <-sub.Events():
			if !ok {
				t.metrics.RecordFinality("timeout")
				return
			}
			t.metrics.RecordFinality(ev.Status.String())
			t.notifier.Notify(ctx, newNotification(userID, ev, t.clock()))
		case <-ctx.Done():
			t.metrics.RecordFinality("timeout")
			t.logger.Debug("finality tracking stopped", slog.String("tx", txID.Hex()), slog.Any("error", ctx.Err()))
		}
	}()
}

// Shutdown stops accepting work, cancels outstanding finality trackers and
// waits for them to exit or ctx to expire.
func (t *Tracker) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.cancel()

	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Tracker) claim(token uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrShutdown
	}
	now := t.clock()
	for tok, at := range t.claimed {
		if now.Sub(at) > claimRetention {
			delete(t.claimed, tok)
		}
	}
	if _, ok := t.claimed[token]; ok {
		return ErrAlreadySubmitted
	}
	t.claimed[token] = now
	return nil
}
