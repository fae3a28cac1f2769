// internal/service/campaign_service.go
package service

import (
    "context"
    "errors"
    "fmt"
    "sync"
    "time"

    "github.com/google/uuid"
    "go.uber.org/zap"

    appErrors "github.com/unclebandit/broker-notify/internal/errors"
    "github.com/unclebandit/broker-notify/internal/eventlog"
    "github.com/unclebandit/broker-notify/internal/model"
    "github.com/unclebandit/broker-notify/internal/queue"
    "github.com/unclebandit/broker-notify/internal/repository"
)

// Executor runs a campaign to completion or to the first fatal error.
type Executor interface {
    Run(ctx context.Context, runID string, input model.CampaignInput) (*model.CampaignResult, error)
}

// CampaignService is the trigger surface: it creates runs, dispatches them
// and reports their status and result.
type CampaignService struct {
    RunRepo repository.RunRepositoryInterface
    Store   eventlog.Store
    Runner  Executor
    // Queue is optional. Without it Start only records the run and the
    // caller executes it.
    Queue  queue.Queue
    Topic  string
    Logger *zap.Logger
    // Owner names this process in run leases. A random id is used when
    // empty.
    Owner string
    // LeaseTTL is how long a run stays claimed without renewal. The
    // executor renews at a third of it.
    LeaseTTL time.Duration
    Now      func() time.Time

    mu     sync.Mutex
    active map[string]struct{}
}

// DefaultLeaseTTL bounds how long a run stays claimed by a dead process.
const DefaultLeaseTTL = time.Minute

// RunDetails is a run plus the size of its checkpoint log.
type RunDetails struct {
    *model.Run
    Checkpoints int `json:"checkpoints"`
}

// Start registers runID with input and dispatches it. An empty runID gets a
// random one. Starting an existing run with the same input re-dispatches it
// when it failed or its executor let go of it, and is a no-op otherwise.
func (s *CampaignService) Start(ctx context.Context, runID string, input model.CampaignInput) (*model.Run, error) {
    if err := input.Validate(); err != nil {
        return nil, appErrors.NewInvalidInput(err.Error())
    }
    if runID == "" {
        runID = uuid.NewString()
    }

    run, created, err := s.RunRepo.Create(ctx, &model.Run{ID: runID, Input: input, Status: model.RunRunning})
    if err != nil {
        return nil, err
    }

    switch {
    case created:
        s.Logger.Info("run created", zap.String("run_id", runID), zap.String("roster_source_id", input.RosterSourceID))
    case run.Status == model.RunCompleted:
        return run, nil
    case run.Status == model.RunFailed:
        s.Logger.Info("resuming failed run", zap.String("run_id", runID), zap.String("last_error", run.LastError))
        if err := s.RunRepo.UpdateStatus(ctx, runID, model.RunRunning, nil, ""); err != nil {
            return nil, err
        }
        run.Status = model.RunRunning
        run.LastError = ""
    case run.Abandoned(s.now()) && !s.isActive(runID):
        s.Logger.Info("resuming abandoned run", zap.String("run_id", runID), zap.String("last_owner", run.LeaseOwner))
    default:
        // queued, or executing under a live lease
        return run, nil
    }

    if err := s.dispatch(runID); err != nil {
        return nil, err
    }
    return run, nil
}

// Recover dispatches every running run that no executor holds: runs whose
// process stopped or died, and runs whose job was lost before pickup. It is
// called once a worker is consuming.
func (s *CampaignService) Recover(ctx context.Context) (int, error) {
    if s.Queue == nil {
        return 0, errors.New("recover: no queue attached")
    }
    runs, err := s.RunRepo.ListByStatus(ctx, model.RunRunning)
    if err != nil {
        return 0, err
    }
    now := s.now()
    var dispatched int
    for _, run := range runs {
        if run.LeaseHeld(now) || s.isActive(run.ID) {
            continue
        }
        if err := s.dispatch(run.ID); err != nil {
            return dispatched, err
        }
        dispatched++
    }
    if dispatched > 0 {
        s.Logger.Info("recovered interrupted runs", zap.Int("count", dispatched))
    }
    return dispatched, nil
}

func (s *CampaignService) dispatch(runID string) error {
    if s.Queue == nil {
        return nil
    }
    if err := s.Queue.Publish(s.topic(), queue.RunJob{RunID: runID}); err != nil {
        return fmt.Errorf("dispatch run %s: %w", runID, err)
    }
    return nil
}

// Execute runs or resumes runID in the calling goroutine under the run's
// lease. It returns ErrRunActive if this or another process holds the run.
// A run stopped by ctx stays running so it can be resumed.
func (s *CampaignService) Execute(ctx context.Context, runID string) error {
    if !s.acquire(runID) {
        return appErrors.ErrRunActive
    }
    defer s.release(runID)

    // Status bookkeeping must land even when ctx is cancelled.
    storeCtx := context.WithoutCancel(ctx)

    run, err := s.RunRepo.GetByID(storeCtx, runID)
    if err != nil {
        return err
    }
    if run.Status == model.RunCompleted {
        return nil
    }

    owner := s.owner()
    held, err := s.RunRepo.AcquireLease(storeCtx, runID, owner, s.now(), s.leaseTTL())
    if err != nil {
        return err
    }
    if !held {
        return appErrors.ErrRunActive
    }
    runCtx, cancel := context.WithCancel(ctx)
    defer cancel()
    stopRenewal := s.keepLease(storeCtx, runID, owner, cancel)
    defer func() {
        stopRenewal()
        if err := s.RunRepo.ReleaseLease(storeCtx, runID, owner); err != nil {
            s.Logger.Warn("failed to release run lease", zap.String("run_id", runID), zap.Error(err))
        }
    }()

    if run.Status != model.RunRunning {
        if err := s.RunRepo.UpdateStatus(storeCtx, runID, model.RunRunning, nil, ""); err != nil {
            return err
        }
    }

    result, runErr := s.Runner.Run(runCtx, runID, run.Input)
    if runErr != nil {
        status := model.RunFailed
        switch {
        case appErrors.IsConsistencyFault(runErr):
            s.Logger.Error("run halted on consistency fault", zap.String("run_id", runID), zap.Error(runErr))
        case IsStopped(runErr):
            s.Logger.Warn("run stopped, resumable", zap.String("run_id", runID), zap.Error(runErr))
            status = model.RunRunning
        default:
            s.Logger.Error("run failed", zap.String("run_id", runID), zap.Error(runErr))
        }
        if err := s.RunRepo.UpdateStatus(storeCtx, runID, status, nil, runErr.Error()); err != nil {
            return errors.Join(runErr, err)
        }
        return runErr
    }

    if err := s.RunRepo.UpdateStatus(storeCtx, runID, model.RunCompleted, result, ""); err != nil {
        return err
    }
    s.Logger.Info("run completed", zap.String("run_id", runID), zap.Any("stats", result.Stats))
    return nil
}

// keepLease renews the run's lease until the returned stop is called. If
// another owner takes the run over, lost is called so the run stops at its
// next step.
func (s *CampaignService) keepLease(ctx context.Context, runID, owner string, lost context.CancelFunc) (stop func()) {
    ttl := s.leaseTTL()
    done := make(chan struct{})
    finished := make(chan struct{})
    go func() {
        defer close(finished)
        ticker := time.NewTicker(ttl / 3)
        defer ticker.Stop()
        for {
            select {
            case <-done:
                return
            case <-ticker.C:
                held, err := s.RunRepo.AcquireLease(ctx, runID, owner, s.now(), ttl)
                switch {
                case err != nil:
                    s.Logger.Warn("run lease renewal failed", zap.String("run_id", runID), zap.Error(err))
                case !held:
                    s.Logger.Error("run lease taken over, stopping", zap.String("run_id", runID))
                    lost()
                    return
                }
            }
        }
    }()
    return func() {
        close(done)
        <-finished
    }
}

// Status returns the run with its checkpoint count.
func (s *CampaignService) Status(ctx context.Context, runID string) (*RunDetails, error) {
    run, err := s.RunRepo.GetByID(ctx, runID)
    if err != nil {
        return nil, err
    }
    details := &RunDetails{Run: run}
    if s.Store != nil {
        cps, err := s.Store.List(ctx, runID)
        if err != nil {
            return nil, err
        }
        details.Checkpoints = len(cps)
    }
    return details, nil
}

// Result returns the result of a completed run, or ErrRunIncomplete.
func (s *CampaignService) Result(ctx context.Context, runID string) (*model.CampaignResult, error) {
    run, err := s.RunRepo.GetByID(ctx, runID)
    if err != nil {
        return nil, err
    }
    if run.Status != model.RunCompleted || run.Result == nil {
        return nil, appErrors.ErrRunIncomplete
    }
    return run.Result, nil
}

// Checkpoints lists the recorded steps of a run in append order.
func (s *CampaignService) Checkpoints(ctx context.Context, runID string) ([]model.Checkpoint, error) {
    if _, err := s.RunRepo.GetByID(ctx, runID); err != nil {
        return nil, err
    }
    return s.Store.List(ctx, runID)
}

func (s *CampaignService) topic() string {
    if s.Topic == "" {
        return "campaign_runs"
    }
    return s.Topic
}

func (s *CampaignService) now() time.Time {
    if s.Now != nil {
        return s.Now()
    }
    return time.Now()
}

func (s *CampaignService) leaseTTL() time.Duration {
    if s.LeaseTTL <= 0 {
        return DefaultLeaseTTL
    }
    return s.LeaseTTL
}

func (s *CampaignService) owner() string {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.Owner == "" {
        s.Owner = uuid.NewString()
    }
    return s.Owner
}

func (s *CampaignService) acquire(runID string) bool {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.active == nil {
        s.active = make(map[string]struct{})
    }
    if _, busy := s.active[runID]; busy {
        return false
    }
    s.active[runID] = struct{}{}
    return true
}

func (s *CampaignService) release(runID string) {
    s.mu.Lock()
    defer s.mu.Unlock()
    delete(s.active, runID)
}

func (s *CampaignService) isActive(runID string) bool {
    s.mu.Lock()
    defer s.mu.Unlock()
    _, busy := s.active[runID]
    return busy
}
