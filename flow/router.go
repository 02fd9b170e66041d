package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"golang.org/x/text/unicode/norm"

	"rootbot/amount"
	"rootbot/assets"
	"rootbot/crypto"
	"rootbot/ledger"
	"rootbot/observability"
	"rootbot/observability/logging"
	"rootbot/session"
	"rootbot/settlement"
	"rootbot/wallet"
)

const (
	// DefaultSlippageBps is the swap slippage tolerance (5%).
	DefaultSlippageBps uint32 = 500
	// DefaultSwapDeadline is how long a signed swap stays valid.
	DefaultSwapDeadline = 600 * time.Second
)

// Config holds the tunable flow parameters.
type Config struct {
	SlippageBps  uint32
	SwapDeadline time.Duration
}

// DefaultConfig returns the stock flow parameters.
func DefaultConfig() Config {
	return Config{SlippageBps: DefaultSlippageBps, SwapDeadline: DefaultSwapDeadline}
}

func (c Config) validate() error {
	if c.SlippageBps >= 10_000 {
		return fmt.Errorf("flow: slippage must be below 10000 bps")
	}
	if c.SwapDeadline <= 0 {
		return fmt.Errorf("flow: swap deadline must be positive")
	}
	return nil
}

// Wallets resolves the address a user signs with.
type Wallets interface {
	Address(ctx context.Context, userID string) (common.Address, error)
}

// Executor submits confirmed transactions.
type Executor interface {
	Execute(ctx context.Context, p settlement.PendingTransaction) (settlement.Receipt, error)
}

// Dependencies are the collaborators a Router needs.
type Dependencies struct {
	Store    *session.Store
	Registry *assets.Registry
	Gateway  ledger.Gateway
	Calls    ledger.CallBuilder
	Wallets  Wallets
	Executor Executor
}

// Router dispatches inbound events to the flow owning the user's session.
type Router struct {
	store    *session.Store
	registry *assets.Registry
	gateway  ledger.Gateway
	calls    ledger.CallBuilder
	wallets  Wallets
	exec     Executor
	defs     map[session.Kind]*definition

	cfg     Config
	clock   func() time.Time
	logger  *slog.Logger
	metrics *observability.FlowdMetrics
}

// Option customises the router.
type Option func(*Router)

// WithConfig overrides the flow parameters.
func WithConfig(cfg Config) Option {
	return func(r *Router) { r.cfg = cfg }
}

// WithClock overrides the time source used for swap deadlines.
func WithClock(clock func() time.Time) Option {
	return func(r *Router) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithLogger sets the router logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics overrides the metrics registry.
func WithMetrics(m *observability.FlowdMetrics) Option {
	return func(r *Router) { r.metrics = m }
}

// NewRouter validates deps and constructs a router.
func NewRouter(deps Dependencies, opts ...Option) (*Router, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("flow: session store required")
	case deps.Registry == nil:
		return nil, fmt.Errorf("flow: asset registry required")
	case deps.Gateway == nil:
		return nil, fmt.Errorf("flow: ledger gateway required")
	case deps.Calls == nil:
		return nil, fmt.Errorf("flow: call builder required")
	case deps.Wallets == nil:
		return nil, fmt.Errorf("flow: wallets required")
	case deps.Executor == nil:
		return nil, fmt.Errorf("flow: executor required")
	}
	r := &Router{
		store:    deps.Store,
		registry: deps.Registry,
		gateway:  deps.Gateway,
		calls:    deps.Calls,
		wallets:  deps.Wallets,
		exec:     deps.Executor,
		defs:     definitions(),
		cfg:      DefaultConfig(),
		clock:    time.Now,
		logger:   slog.Default(),
		metrics:  observability.Flowd(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.cfg.validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Registry exposes the asset registry used for prompts.
func (r *Router) Registry() *assets.Registry { return r.registry }

// RouteEvent handles one inbound message. A non-empty hint starts (or
// restarts) that flow and ignores text; otherwise text is input for the
// user's active session. Recoverable input errors return both a re-prompt and
// the error describing what was wrong.
func (r *Router) RouteEvent(ctx context.Context, userID string, hint session.Kind, text string) (Reply, error) {
	if strings.TrimSpace(userID) == "" {
		return Reply{}, fmt.Errorf("flow: user id required")
	}
	if hint != "" {
		return r.start(ctx, userID, hint)
	}

	var pending *settlement.PendingTransaction
	var from session.Step
	sess, err := r.store.Advance(userID, func(s *session.Session) error {
		from = s.Step
		p, err := r.step(ctx, s, normalizeInput(text))
		pending = p
		return err
	})
	if errors.Is(err, session.ErrNoSession) {
		r.metrics.RecordEvent("", "", "expired")
		return Reply{Notice: "There is no transaction in progress. Start a new one."}, ErrSessionExpired
	}
	if err != nil {
		r.metrics.RecordEvent(string(sess.Kind), string(from), "reprompt")
		r.logger.Debug("input rejected",
			slog.String("flow", string(sess.Kind)),
			slog.String("step", string(from)),
			slog.Any("error", err))
		reply := r.prompt(sess)
		reply.Notice = notice(err)
		return reply, err
	}

	switch sess.Step {
	case session.StepCancelled:
		r.metrics.RecordEvent(string(sess.Kind), string(from), "cancelled")
		return Reply{Flow: sess.Kind, Step: sess.Step, Result: &Result{Outcome: OutcomeCancelled}}, nil
	case session.StepExecuted:
		return r.execute(ctx, sess, *pending)
	}
	r.metrics.RecordEvent(string(sess.Kind), string(from), "advanced")
	return r.prompt(sess), nil
}

func (r *Router) start(ctx context.Context, userID string, kind session.Kind) (Reply, error) {
	if _, ok := r.defs[kind]; !ok {
		return Reply{}, fmt.Errorf("%w: %q", session.ErrUnknownKind, kind)
	}
	owner, err := r.wallets.Address(ctx, userID)
	if err != nil {
		if errors.Is(err, wallet.ErrNoWallet) {
			r.metrics.RecordEvent(string(kind), "", "no_wallet")
			return Reply{Flow: kind, Notice: "Create or import a wallet first."}, ErrNoWalletFound
		}
		return Reply{Flow: kind}, fmt.Errorf("flow: look up wallet: %w", err)
	}
	sess := r.store.Start(userID, kind, owner)
	r.metrics.RecordEvent(string(kind), "", "started")
	r.logger.Debug("flow started", slog.String("flow", string(kind)), logging.MaskField("user", userID))
	return r.prompt(sess), nil
}

// step applies input to s. It runs under the user's session lock.
func (r *Router) step(ctx context.Context, s *session.Session, input string) (*settlement.PendingTransaction, error) {
	def, ok := r.defs[s.Kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", session.ErrUnknownKind, s.Kind)
	}
	if strings.EqualFold(input, cancelWord) {
		s.Step = session.StepCancelled
		return nil, nil
	}
	switch s.Step {
	case session.StepSelectAsset:
		return nil, r.selectAsset(ctx, def, s, input)
	case session.StepSelectCounterAsset:
		return nil, r.selectCounterAsset(ctx, def, s, input)
	case session.StepEnterRecipient:
		return nil, r.enterRecipient(def, s, input)
	case session.StepEnterAmount:
		return nil, r.enterAmount(ctx, def, s, input)
	case session.StepConfirm:
		return r.confirm(def, s, input)
	}
	return nil, fmt.Errorf("flow: step %q accepts no input", s.Step)
}

func (r *Router) selectAsset(ctx context.Context, def *definition, s *session.Session, input string) error {
	asset, err := r.registry.Resolve(input)
	if err != nil {
		return fmt.Errorf("%w: %q is not a known asset", ErrInvalidAsset, input)
	}
	if !def.accepts(asset) {
		return fmt.Errorf("%w: %s cannot be used to %s", ErrInvalidAsset, asset.Symbol, def.verb)
	}
	balance, err := r.gateway.QueryBalance(ctx, s.Owner, asset)
	if err != nil {
		return fmt.Errorf("flow: query %s balance: %w", asset.Symbol, err)
	}
	nativeBalance := balance
	if !asset.Native {
		native := r.registry.Native()
		nativeBalance, err = r.gateway.QueryBalance(ctx, s.Owner, native)
		if err != nil {
			return fmt.Errorf("flow: query %s balance: %w", native.Symbol, err)
		}
	}
	s.Fields.Asset = asset.ID
	s.Fields.Balance = balance.Clone()
	s.Fields.NativeBalance = nativeBalance.Clone()
	s.Step = def.next(s.Step)
	return nil
}

func (r *Router) selectCounterAsset(ctx context.Context, def *definition, s *session.Session, input string) error {
	asset, err := r.registry.Resolve(input)
	if err != nil {
		return fmt.Errorf("%w: %q is not a known asset", ErrInvalidAsset, input)
	}
	if asset.ID == s.Fields.Asset {
		return fmt.Errorf("%w: choose an asset other than %s", ErrInvalidAsset, asset.Symbol)
	}
	balance := s.Fields.NativeBalance
	if !asset.Native || balance == nil {
		balance, err = r.gateway.QueryBalance(ctx, s.Owner, asset)
		if err != nil {
			return fmt.Errorf("flow: query %s balance: %w", asset.Symbol, err)
		}
	}
	s.Fields.CounterAsset = asset.ID
	s.Fields.CounterBalance = balance.Clone()
	s.Step = def.next(s.Step)
	return nil
}

func (r *Router) enterRecipient(def *definition, s *session.Session, input string) error {
	addr, err := crypto.ParseAddress(input)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, input)
	}
	s.Fields.Recipient = &addr
	s.Step = def.next(s.Step)
	return nil
}

func (r *Router) enterAmount(ctx context.Context, def *definition, s *session.Session, input string) error {
	asset, err := r.asset(s.Fields.Asset)
	if err != nil {
		return err
	}
	amt, err := amount.ToBaseUnits(input, asset.Decimals)
	if err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidAmount, input)
	}
	p, err := def.build(r, s, amt, r.clock())
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidAmount, err)
	}
	fee, err := r.gateway.EstimateFee(ctx, ledger.Shape{Kind: def.shape, Call: p.call}, s.Owner)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFeeEstimationFailed, err)
	}
	if err := checkFunds(asset, r.registry.Native(), amt, fee, orZero(s.Fields.Balance), orZero(s.Fields.NativeBalance)); err != nil {
		return err
	}
	s.Fields.Amount = amt
	s.Fields.HumanAmount = amount.ToHuman(amt, asset.Decimals)
	s.Fields.Fee = fee
	s.Step = def.next(s.Step)
	return nil
}

func (r *Router) confirm(def *definition, s *session.Session, input string) (*settlement.PendingTransaction, error) {
	if !strings.EqualFold(input, confirmWord) {
		return nil, fmt.Errorf("%w: reply %s or %s", ErrUnexpectedInput, confirmWord, cancelWord)
	}
	now := r.clock()
	p, err := def.build(r, s, s.Fields.Amount, now)
	if err != nil {
		return nil, err
	}
	pending := &settlement.PendingTransaction{
		Kind:         s.Kind,
		Token:        s.Token,
		UserID:       s.UserID,
		Owner:        s.Owner,
		Asset:        s.Fields.Asset,
		CounterAsset: s.Fields.CounterAsset,
		Recipient:    s.Fields.Recipient,
		Amount:       s.Fields.Amount,
		Fee:          s.Fields.Fee,
		Call:         p.call,
		MinOut:       p.minOut,
		Deadline:     p.deadline,
		BuiltAt:      now,
	}
	s.Step = session.StepExecuted
	return pending, nil
}

func (r *Router) execute(ctx context.Context, sess session.Session, p settlement.PendingTransaction) (Reply, error) {
	reply := Reply{Flow: sess.Kind, Step: session.StepExecuted}
	receipt, err := r.exec.Execute(ctx, p)
	if err != nil {
		if errors.Is(err, wallet.ErrNoWallet) {
			err = fmt.Errorf("%w: %w", ErrNoWalletFound, err)
		}
		r.metrics.RecordEvent(string(sess.Kind), string(session.StepConfirm), "failed")
		r.logger.Warn("execution failed",
			slog.String("flow", string(sess.Kind)),
			logging.MaskField("user", sess.UserID),
			slog.Any("error", err))
		reply.Step = session.StepFailed
		reply.Result = &Result{Outcome: OutcomeFailed, TxID: receipt.TxID, Detail: err.Error()}
		return reply, err
	}
	result := &Result{TxID: receipt.TxID, Block: receipt.Block, Dispatch: receipt.Dispatch, Detail: receipt.Detail}
	if receipt.Succeeded() {
		result.Outcome = OutcomeExecuted
		r.metrics.RecordEvent(string(sess.Kind), string(session.StepConfirm), "executed")
	} else {
		result.Outcome = OutcomeFailed
		reply.Step = session.StepFailed
		if receipt.Dispatch != nil {
			result.Detail = receipt.Dispatch.Error()
		} else if result.Detail == "" {
			result.Detail = receipt.Status.String()
		}
		r.metrics.RecordEvent(string(sess.Kind), string(session.StepConfirm), "failed")
	}
	reply.Result = result
	return reply, nil
}

func (r *Router) asset(id assets.ID) (assets.Asset, error) {
	asset, ok := r.registry.Lookup(id)
	if !ok {
		return assets.Asset{}, fmt.Errorf("%w: asset %s not registered", ErrInvalidAsset, id)
	}
	return asset, nil
}

// normalizeInput folds compatibility forms so fullwidth digits and letters
// typed on chat keyboards parse like their ASCII equivalents.
func normalizeInput(text string) string {
	return strings.TrimSpace(norm.NFKC.String(text))
}

func orZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v
}
