package ledger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"rootbot/assets"
	"rootbot/observability"
)

// RetryPolicy bounds how hard the gateway wrapper tries before surfacing an error.
type RetryPolicy struct {
	Attempts       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	CallTimeout    time.Duration
	SubmitTimeout  time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:       3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		CallTimeout:    10 * time.Second,
		SubmitTimeout:  2 * time.Minute,
	}
}

func (p RetryPolicy) normalised() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.Attempts <= 0 {
		p.Attempts = def.Attempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = def.InitialBackoff
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
	}
	if p.CallTimeout <= 0 {
		p.CallTimeout = def.CallTimeout
	}
	if p.SubmitTimeout <= 0 {
		p.SubmitTimeout = def.SubmitTimeout
	}
	return p
}

// Resilient decorates a Gateway with per-call timeouts, retries for the
// idempotent operations, tracing, and error metrics. Submit is never retried.
type Resilient struct {
	next    Gateway
	policy  RetryPolicy
	tracer  trace.Tracer
	metrics *observability.FlowdMetrics
	logger  *slog.Logger
}

// ResilientOption customises the wrapper.
type ResilientOption func(*Resilient)

// WithRetryPolicy overrides the default retry policy.
func WithRetryPolicy(policy RetryPolicy) ResilientOption {
	return func(r *Resilient) { r.policy = policy }
}

// WithGatewayMetrics overrides the metrics registry.
func WithGatewayMetrics(m *observability.FlowdMetrics) ResilientOption {
	return func(r *Resilient) { r.metrics = m }
}

// WithGatewayLogger sets the logger used for retry diagnostics.
func WithGatewayLogger(logger *slog.Logger) ResilientOption {
	return func(r *Resilient) { r.logger = logger }
}

// NewResilient wraps next.
func NewResilient(next Gateway, opts ...ResilientOption) *Resilient {
	r := &Resilient{
		next:    next,
		policy:  DefaultRetryPolicy(),
		tracer:  otel.Tracer("rootbot/ledger"),
		metrics: observability.Flowd(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.policy = r.policy.normalised()
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

func (r *Resilient) QueryBalance(ctx context.Context, owner common.Address, asset assets.Asset) (*uint256.Int, error) {
	var out *uint256.Int
	err := r.retry(ctx, "query_balance", func(ctx context.Context) error {
		v, err := r.next.QueryBalance(ctx, owner, asset)
		out = v
		return err
	}, attribute.String("ledger.asset", asset.Symbol))
	return out, err
}

func (r *Resilient) EstimateFee(ctx context.Context, shape Shape, from common.Address) (*uint256.Int, error) {
	var out *uint256.Int
	err := r.retry(ctx, "estimate_fee", func(ctx context.Context) error {
		v, err := r.next.EstimateFee(ctx, shape, from)
		out = v
		return err
	}, attribute.String("ledger.shape", string(shape.Kind)))
	return out, err
}

func (r *Resilient) Prepare(ctx context.Context, from common.Address, call Call) (*UnsignedTx, error) {
	var out *UnsignedTx
	err := r.retry(ctx, "prepare", func(ctx context.Context) error {
		v, err := r.next.Prepare(ctx, from, call)
		out = v
		return err
	}, attribute.String("ledger.method", call.Method))
	return out, err
}

func (r *Resilient) Submit(ctx context.Context, tx *types.Transaction) (SubmitResult, error) {
	ctx, span := r.tracer.Start(ctx, "ledger.submit", trace.WithAttributes(attribute.String("ledger.tx", tx.Hash().Hex())))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, r.policy.SubmitTimeout)
	defer cancel()
	res, err := r.next.Submit(ctx, tx)
	if err != nil {
		r.fail(span, "submit", err)
		return res, err
	}
	span.SetAttributes(attribute.String("ledger.inclusion", res.Status.String()))
	return res, nil
}

func (r *Resilient) SubscribeFinality(ctx context.Context, txID common.Hash) (*Subscription, error) {
	var out *Subscription
	err := r.retry(ctx, "subscribe_finality", func(callCtx context.Context) error {
		// The subscription outlives the attempt timeout, so hand it the caller's context.
		v, err := r.next.SubscribeFinality(ctx, txID)
		out = v
		return err
	}, attribute.String("ledger.tx", txID.Hex()))
	return out, err
}

func (r *Resilient) retry(ctx context.Context, op string, fn func(context.Context) error, attrs ...attribute.KeyValue) error {
	ctx, span := r.tracer.Start(ctx, "ledger."+op, trace.WithAttributes(attrs...))
	defer span.End()

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = r.policy.InitialBackoff
	expo.MaxInterval = r.policy.MaxBackoff
	expo.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(expo, uint64(r.policy.Attempts-1)), ctx)

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		callCtx, cancel := context.WithTimeout(ctx, r.policy.CallTimeout)
		defer cancel()
		err := fn(callCtx)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrRejected) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		r.logger.Debug("ledger call failed", slog.String("operation", op), slog.Int("attempt", attempts), slog.Any("error", err))
		return err
	}, policy)
	span.SetAttributes(attribute.Int("ledger.attempts", attempts))
	if err != nil {
		r.fail(span, op, err)
	}
	return err
}

func (r *Resilient) fail(span trace.Span, op string, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	r.metrics.RecordGatewayError(op)
}

var _ Gateway = (*Resilient)(nil)
