package service

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	appErrors "github.com/unclebandit/broker-notify/internal/errors"
	"github.com/unclebandit/broker-notify/internal/queue"
)

// RunExecutor is the part of CampaignService the worker needs.
type RunExecutor interface {
	Execute(ctx context.Context, runID string) error
}

// Worker executes run jobs taken from a queue.
type Worker struct {
	Runs   RunExecutor
	Queue  queue.Queue
	Topic  string
	Logger *zap.Logger
	ctx    context.Context

	mu       sync.Mutex
	draining bool
	inflight sync.WaitGroup
}

// Constructor
func NewWorker(ctx context.Context, runs RunExecutor, q queue.Queue, topic string, logger *zap.Logger) *Worker {
	return &Worker{
		Runs:   runs,
		Queue:  q,
		Topic:  topic,
		Logger: logger,
		ctx:    ctx,
	}
}

// Start subscribes the worker to its topic. Runs observe the context given
// to NewWorker and stop between steps when it is cancelled.
func (w *Worker) Start() error {
	return w.Queue.Subscribe(w.Topic, w.Handle)
}

// Handle executes one job. It returns an error only when redelivering the
// job can help: the run failed or its storage did. Runs halted by a
// consistency fault, held by another executor or stopped for shutdown are
// not retried; stopped runs are picked up again by Recover.
func (w *Worker) Handle(payload any) error {
	job, ok := payload.(queue.RunJob)
	if !ok {
		w.Logger.Warn("invalid payload type, expected RunJob")
		return nil
	}
	if !w.enter() {
		w.Logger.Info("worker draining, leaving run for recovery", zap.String("run_id", job.RunID))
		return nil
	}
	defer w.inflight.Done()

	w.Logger.Info("processing run job", zap.String("run_id", job.RunID))
	err := w.Runs.Execute(w.ctx, job.RunID)

	var notFound *appErrors.ErrRunNotFound
	switch {
	case err == nil:
		return nil
	case errors.Is(err, appErrors.ErrRunActive):
		w.Logger.Info("run already executing, dropping job", zap.String("run_id", job.RunID))
		return nil
	case errors.As(err, &notFound):
		w.Logger.Warn("job for unknown run", zap.String("run_id", job.RunID))
		return nil
	case appErrors.IsConsistencyFault(err):
		return nil
	case IsStopped(err):
		return nil
	default:
		return err
	}
}

// Wait stops the worker from taking new jobs and blocks until the jobs in
// flight have returned. Cancel the worker's context first so runs stop at
// their next step.
func (w *Worker) Wait() {
	w.mu.Lock()
	w.draining = true
	w.mu.Unlock()
	w.inflight.Wait()
}

func (w *Worker) enter() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.draining || w.ctx.Err() != nil {
		return false
	}
	w.inflight.Add(1)
	return true
}
