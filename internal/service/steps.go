package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/unclebandit/broker-notify/internal/eventlog"
	"github.com/unclebandit/broker-notify/internal/gateway"
)

// Tier names used in step ids, detail strings and template selection.
const (
	TierBroker = "broker"
	TierClient = "client"
	TierMember = "member"
)

// Step ids are pure functions of the campaign structure, never of time or
// randomness, so a resumed run addresses the same checkpoints.

func reconcileStep(op string) string {
	return "reconcile/op:" + op
}

func reconcileClientStep(clientID int, op string) string {
	return fmt.Sprintf("reconcile/client:%d/op:%s", clientID, op)
}

func entityBase(phase int, tier string, entityID int) string {
	return fmt.Sprintf("phase:%d/tier:%s/entity:%d", phase, tier, entityID)
}

func recipientBase(phase int, tier string, entityID, recipient int) string {
	return fmt.Sprintf("%s/recipient:%d", entityBase(phase, tier, entityID), recipient)
}

func withOp(base, op string) string {
	return base + "/op:" + op
}

func clientStep(clientID int, op string) string {
	return fmt.Sprintf("client:%d/op:%s", clientID, op)
}

func tierDelayStep(phase int, tier string) string {
	return fmt.Sprintf("phase:%d/delay:tier:%s", phase, tier)
}

func phaseDelayStep(phase int) string {
	return fmt.Sprintf("delay:phase:%d", phase)
}

// IdempotencyKey identifies one logical send. It includes the run id so two
// campaigns over the same roster are never collapsed by the provider.
func IdempotencyKey(runID string, phase int, tier string, entityID int, recipient string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s|%d|%s", runID, phase, tier, entityID, recipient)))
	return hex.EncodeToString(sum[:16])
}

// failureRecord is a gateway.Failure as stored in a checkpoint.
type failureRecord struct {
	Operation string `json:"operation"`
	Attempts  int    `json:"attempts"`
	Cause     string `json:"cause"`
}

func (f *failureRecord) failure() *gateway.Failure {
	return &gateway.Failure{Operation: f.Operation, Attempts: f.Attempts, Err: errors.New(f.Cause)}
}

type stepRecord[T any] struct {
	Value   T              `json:"value"`
	Failure *failureRecord `json:"failure,omitempty"`
}

type intentRecord struct {
	IdempotencyKey string `json:"idempotency_key"`
}

type sendRecord struct {
	StatusCode int            `json:"status_code,omitempty"`
	Failure    *failureRecord `json:"failure,omitempty"`
	// Unknown marks a send whose intent was recorded but whose outcome was
	// lost, and which the run chose not to repeat.
	Unknown bool `json:"unknown,omitempty"`
}

// execution is the per-run state shared by every step.
type execution struct {
	runID  string
	log    *eventlog.Log
	gw     *gateway.Gateway
	logger *zap.Logger
}

// ErrStopped is wrapped around ctx.Err() when a run stops between steps.
var ErrStopped = errors.New("run stopped between steps")

// IsStopped reports whether err ended a run because its context was
// cancelled. Such a run resumes when it is triggered again.
func IsStopped(err error) bool {
	return errors.Is(err, ErrStopped)
}

func (e *execution) checkStop(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrStopped, err)
	}
	return nil
}

// step replays stepID from the log or executes fn through the gateway and
// records the value. An exhausted call is recorded and returned as a
// *gateway.Failure, both live and on replay. Any other error is fatal for
// the run.
func step[T any](ctx context.Context, e *execution, stepID string, call gateway.Call, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	stepCtx := context.WithoutCancel(ctx)

	var rec stepRecord[T]
	ok, err := e.log.Get(stepCtx, stepID, &rec)
	if err != nil {
		return zero, err
	}
	if ok {
		if rec.Failure != nil {
			return zero, rec.Failure.failure()
		}
		return rec.Value, nil
	}

	if err := e.checkStop(ctx); err != nil {
		return zero, err
	}

	v, err := gateway.Do(stepCtx, e.gw, call, fn)
	if err != nil {
		var failure *gateway.Failure
		if !errors.As(err, &failure) {
			return zero, err
		}
		rec.Failure = &failureRecord{Operation: failure.Operation, Attempts: failure.Attempts, Cause: failure.Err.Error()}
		if err := e.log.Put(stepCtx, stepID, rec); err != nil {
			return zero, err
		}
		return zero, rec.Failure.failure()
	}

	rec.Value = v
	if err := e.log.Put(stepCtx, stepID, rec); err != nil {
		return zero, err
	}
	return v, nil
}

// requiredStep is step for calls the run cannot continue without. A
// failure is not recorded, so re-triggering the run retries the call.
func requiredStep[T any](ctx context.Context, e *execution, stepID string, call gateway.Call, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	stepCtx := context.WithoutCancel(ctx)

	var rec stepRecord[T]
	ok, err := e.log.Get(stepCtx, stepID, &rec)
	if err != nil {
		return zero, err
	}
	if ok {
		return rec.Value, nil
	}
	if err := e.checkStop(ctx); err != nil {
		return zero, err
	}

	v, err := gateway.Do(stepCtx, e.gw, call, fn)
	if err != nil {
		return zero, err
	}
	rec.Value = v
	if err := e.log.Put(stepCtx, stepID, rec); err != nil {
		return zero, err
	}
	return v, nil
}

// sendStep performs an external effect at most once per idempotency key.
// An intent checkpoint is written before the call and the outcome after it.
// Finding an intent without an outcome means an earlier process died during
// the call; unless resend is set, the outcome is then recorded as unknown
// instead of risking a duplicate.
func sendStep(ctx context.Context, e *execution, baseStep, key string, resend bool, call gateway.Call, fn func(ctx context.Context) (int, error)) (sendRecord, error) {
	stepCtx := context.WithoutCancel(ctx)
	outcomeID := withOp(baseStep, "send")
	intentID := baseStep + "/intent"

	var rec sendRecord
	ok, err := e.log.Get(stepCtx, outcomeID, &rec)
	if err != nil || ok {
		return rec, err
	}

	var intent intentRecord
	hasIntent, err := e.log.Get(stepCtx, intentID, &intent)
	if err != nil {
		return rec, err
	}

	if hasIntent && !resend {
		e.logger.Warn("send outcome unknown, not repeating",
			zap.String("run_id", e.runID),
			zap.String("step", outcomeID),
			zap.String("idempotency_key", key),
		)
		rec = sendRecord{Unknown: true}
		return rec, e.log.Put(stepCtx, outcomeID, rec)
	}

	if err := e.checkStop(ctx); err != nil {
		return rec, err
	}
	if !hasIntent {
		if err := e.log.Put(stepCtx, intentID, intentRecord{IdempotencyKey: key}); err != nil {
			return rec, err
		}
	} else {
		e.logger.Info("re-issuing unconfirmed send",
			zap.String("run_id", e.runID),
			zap.String("step", outcomeID),
			zap.String("idempotency_key", key),
		)
	}

	call.IdempotencyKey = key
	code, err := gateway.Do(stepCtx, e.gw, call, fn)
	if err != nil {
		var failure *gateway.Failure
		if !errors.As(err, &failure) {
			return rec, err
		}
		rec.Failure = &failureRecord{Operation: failure.Operation, Attempts: failure.Attempts, Cause: failure.Err.Error()}
	} else {
		rec.StatusCode = code
	}
	return rec, e.log.Put(stepCtx, outcomeID, rec)
}
