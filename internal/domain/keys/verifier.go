package keys

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/xenking/keygate/internal/domain/keys"

// VerifyRequest is a single verification attempt.
type VerifyRequest struct {
	Key        string
	APIID      string
	SourceAddr string
}

// VerifyResult is the outcome of Verify.
type VerifyResult struct {
	Verdict Verdict
	// Key is the resolved key after refill and decrement; nil when the key
	// could not be found.
	Key *Key
}

// Valid reports whether the key verified successfully.
func (r *VerifyResult) Valid() bool {
	return r.Verdict == VerdictValid
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithMeterProvider sets the meter provider used for verification counters.
func WithMeterProvider(mp metric.MeterProvider) VerifierOption {
	return func(v *Verifier) { v.meterProvider = mp }
}

// WithTracerProvider sets the tracer provider used for verification spans.
func WithTracerProvider(tp trace.TracerProvider) VerifierOption {
	return func(v *Verifier) { v.tracerProvider = tp }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) { v.now = now }
}

// Verifier resolves raw secrets into verdicts.
type Verifier struct {
	repo   Repository
	hasher *Hasher
	now    func() time.Time

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	tracer         trace.Tracer
	verifications  metric.Int64Counter
}

// NewVerifier creates a Verifier.
func NewVerifier(repo Repository, hasher *Hasher, opts ...VerifierOption) (*Verifier, error) {
	v := &Verifier{
		repo:           repo,
		hasher:         hasher,
		now:            time.Now,
		meterProvider:  metricnoop.NewMeterProvider(),
		tracerProvider: tracenoop.NewTracerProvider(),
	}
	for _, o := range opts {
		o(v)
	}

	v.tracer = v.tracerProvider.Tracer(instrumentationName)
	counter, err := v.meterProvider.Meter(instrumentationName).Int64Counter("keygate.verifications",
		metric.WithDescription("Key verifications by outcome"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create verifications counter")
	}
	v.verifications = counter
	return v, nil
}

// Verify hashes the secret, looks it up within the API's key-auth, applies a
// due refill, evaluates the policy and, for valid limited keys, consumes one
// use. Only infrastructure failures are returned as errors.
func (v *Verifier) Verify(ctx context.Context, req VerifyRequest) (*VerifyResult, error) {
	ctx, span := v.tracer.Start(ctx, "keys.Verify",
		trace.WithAttributes(attribute.String("keygate.api_id", req.APIID)),
	)
	defer span.End()

	res, err := v.verify(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.String("keygate.verdict", string(res.Verdict)))
	v.verifications.Add(ctx, 1, metric.WithAttributes(attribute.String("verdict", string(res.Verdict))))
	return res, nil
}

func (v *Verifier) verify(ctx context.Context, req VerifyRequest) (*VerifyResult, error) {
	notFound := &VerifyResult{Verdict: VerdictNotFound}
	if req.Key == "" || req.APIID == "" {
		return notFound, nil
	}

	auth, err := v.repo.FindKeyAuthByAPIID(ctx, req.APIID)
	if errors.Is(err, ErrNotFound) {
		return notFound, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "find key auth")
	}

	digest := v.hasher.Digest(req.Key)
	key, err := v.repo.FindByHash(ctx, auth.ID, digest)
	if errors.Is(err, ErrNotFound) {
		return notFound, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "find key")
	}
	if key.KeyAuthID != auth.ID || !v.hasher.Match(digest, key.Hash) {
		return notFound, nil
	}

	now := v.now()
	key, err = v.applyRefill(ctx, key, now)
	if errors.Is(err, ErrNotFound) {
		return notFound, nil
	}
	if err != nil {
		return nil, err
	}

	verdict := Evaluate(Subject{Key: key, Auth: auth, SourceAddr: req.SourceAddr, Now: now})
	if verdict != VerdictValid {
		return &VerifyResult{Verdict: verdict, Key: key}, nil
	}

	if key.Remaining == nil {
		if err := v.repo.TouchVerified(ctx, key.ID, now); err != nil {
			zctx.From(ctx).Warn("Touch last verified",
				zap.String("key_id", key.ID),
				zap.Error(err),
			)
		}
		return &VerifyResult{Verdict: VerdictValid, Key: key}, nil
	}

	var remaining int64
	err = retryConflict(ctx, func() error {
		var derr error
		remaining, derr = v.repo.DecrementRemaining(ctx, key.ID, 1, now)
		return derr
	})
	switch {
	case errors.Is(err, ErrInsufficientRemaining):
		return &VerifyResult{Verdict: VerdictUsageExceeded, Key: key}, nil
	case errors.Is(err, ErrNotFound):
		return notFound, nil
	case err != nil:
		return nil, errors.Wrap(err, "decrement remaining")
	}

	out := *key
	out.Remaining = &remaining
	out.LastVerifiedAt = &now
	return &VerifyResult{Verdict: VerdictValid, Key: &out}, nil
}

// applyRefill replenishes the counter when the refill window has elapsed.
// Losing the compare-and-set to a concurrent request is not an error: the
// key is reloaded with the winner's state.
func (v *Verifier) applyRefill(ctx context.Context, key *Key, now time.Time) (*Key, error) {
	if !RefillDue(now, key.LastRefillAt, key.CreatedAt, key.Refill) {
		return key, nil
	}

	var applied bool
	err := retryConflict(ctx, func() error {
		var aerr error
		applied, aerr = v.repo.ApplyRefill(ctx, key.ID, key.LastRefillAt, key.Refill.Amount, now)
		return aerr
	})
	if err != nil {
		return nil, errors.Wrap(err, "apply refill")
	}
	if applied {
		zctx.From(ctx).Debug("Refilled key",
			zap.String("key_id", key.ID),
			zap.Int64("remaining", key.Refill.Amount),
		)
		return refilled(key, now), nil
	}

	reloaded, err := v.repo.FindByID(ctx, key.ID)
	if err != nil {
		return nil, errors.Wrap(err, "reload refilled key")
	}
	return reloaded, nil
}
