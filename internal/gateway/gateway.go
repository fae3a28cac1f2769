// Package gateway executes named external operations with a per-attempt
// timeout, bounded retries with exponential backoff, and metrics.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	appErrors "github.com/unclebandit/broker-notify/internal/errors"
)

// Class selects the timeout budget of an operation.
type Class int

const (
	// ClassRead covers data lookups and roster reads.
	ClassRead Class = iota
	// ClassSend covers emails and provisioning.
	ClassSend
)

func (c Class) String() string {
	if c == ClassSend {
		return "send"
	}
	return "read"
}

// Call names one invocation.
type Call struct {
	Operation      string
	Class          Class
	IdempotencyKey string
}

// Policy bounds attempts and waits.
type Policy struct {
	ReadTimeout    time.Duration
	SendTimeout    time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// SendRate is the steady number of send-class calls per second; zero
	// disables limiting.
	SendRate  float64
	SendBurst int
}

func DefaultPolicy() Policy {
	return Policy{
		ReadTimeout:    2 * time.Minute,
		SendTimeout:    3 * time.Minute,
		MaxAttempts:    4,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
	}
}

// Failure is returned once an operation gives up, either on a permanent
// error or after the last attempt.
type Failure struct {
	Operation string
	Attempts  int
	Err       error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s failed after %d attempt(s): %v", f.Operation, f.Attempts, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Gateway is safe for concurrent use by independent runs.
type Gateway struct {
	policy  Policy
	limiter *rate.Limiter
	metrics *Metrics
	tracer  trace.Tracer
	logger  *zap.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// Option customizes a Gateway.
type Option func(*Gateway)

// WithSleep replaces the backoff wait, for tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(g *Gateway) { g.sleep = sleep }
}

func WithMetrics(m *Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

func New(policy Policy, logger *zap.Logger, opts ...Option) *Gateway {
	def := DefaultPolicy()
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.ReadTimeout <= 0 {
		policy.ReadTimeout = def.ReadTimeout
	}
	if policy.SendTimeout <= 0 {
		policy.SendTimeout = def.SendTimeout
	}
	g := &Gateway{
		policy: policy,
		tracer: otel.Tracer("github.com/unclebandit/broker-notify/internal/gateway"),
		logger: logger,
		sleep:  sleepCtx,
	}
	if policy.SendRate > 0 {
		burst := policy.SendBurst
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(policy.SendRate), burst)
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Invoke runs fn until it succeeds, returns a permanent error, or runs out
// of attempts. Each attempt gets its own timeout derived from call.Class.
func (g *Gateway) Invoke(ctx context.Context, call Call, fn func(ctx context.Context) error) error {
	ctx, span := g.tracer.Start(ctx, "gateway."+call.Operation, trace.WithAttributes(
		attribute.String("operation", call.Operation),
		attribute.String("class", call.Class.String()),
		attribute.String("idempotency_key", call.IdempotencyKey),
	))
	defer span.End()

	started := time.Now()
	timeout := g.timeout(call.Class)

	var lastErr error
	attempt := 0
	for attempt < g.policy.MaxAttempts {
		attempt++

		if call.Class == ClassSend && g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				lastErr = err
				break
			}
		}

		g.metrics.attempt(call.Operation)
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		err := fn(attemptCtx)
		// An attempt that ran past its own deadline is a timeout even if fn
		// returned some other error on the way out.
		if err != nil && attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			err = fmt.Errorf("%w: %v", context.DeadlineExceeded, err)
		}
		cancel()

		if err == nil {
			g.metrics.done(call.Operation, "ok", time.Since(started))
			span.SetAttributes(attribute.Int("attempts", attempt))
			return nil
		}
		lastErr = err

		if !appErrors.IsTransient(err) || ctx.Err() != nil {
			break
		}
		if attempt == g.policy.MaxAttempts {
			break
		}

		wait := g.backoff(attempt)
		g.logger.Warn("operation attempt failed, retrying",
			zap.String("operation", call.Operation),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", g.policy.MaxAttempts),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		if err := g.sleep(ctx, wait); err != nil {
			lastErr = err
			break
		}
	}

	outcome := "exhausted"
	if !appErrors.IsTransient(lastErr) {
		outcome = "permanent"
	}
	g.metrics.done(call.Operation, outcome, time.Since(started))
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, outcome)
	g.logger.Error("operation failed",
		zap.String("operation", call.Operation),
		zap.String("outcome", outcome),
		zap.Int("attempts", attempt),
		zap.Error(lastErr),
	)
	return &Failure{Operation: call.Operation, Attempts: attempt, Err: lastErr}
}

// Do is Invoke for operations that produce a value.
func Do[T any](ctx context.Context, g *Gateway, call Call, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := g.Invoke(ctx, call, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// IsFailure reports whether err came out of the gateway.
func IsFailure(err error) bool {
	var f *Failure
	return errors.As(err, &f)
}

func (g *Gateway) timeout(c Class) time.Duration {
	if c == ClassSend {
		return g.policy.SendTimeout
	}
	return g.policy.ReadTimeout
}

func (g *Gateway) backoff(attempt int) time.Duration {
	d := time.Duration(float64(g.policy.InitialBackoff) * math.Pow(2, float64(attempt-1)))
	if g.policy.MaxBackoff > 0 && d > g.policy.MaxBackoff {
		d = g.policy.MaxBackoff
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
