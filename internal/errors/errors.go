// internal/errors/errors.go
package appErrors

import (
    "context"
    "errors"
    "fmt"
    "net/http"
)

// ErrRunNotFound is returned when no run exists for an id.
type ErrRunNotFound struct {
    RunID string
}

func (e *ErrRunNotFound) Error() string {
    return fmt.Sprintf("run %q not found", e.RunID)
}

func NewRunNotFound(id string) error {
    return &ErrRunNotFound{RunID: id}
}

// ErrConsistencyFault means a checkpoint already holds a different value for
// the same step. The run must halt for manual inspection.
type ErrConsistencyFault struct {
    RunID  string
    StepID string
}

func (e *ErrConsistencyFault) Error() string {
    return fmt.Sprintf("consistency fault: run %q step %q already recorded with a different value", e.RunID, e.StepID)
}

func NewConsistencyFault(runID, stepID string) error {
    return &ErrConsistencyFault{RunID: runID, StepID: stepID}
}

// ErrInvalidInput is returned when a campaign input fails validation.
type ErrInvalidInput struct {
    Reason string
}

func (e *ErrInvalidInput) Error() string {
    return "invalid campaign input: " + e.Reason
}

func NewInvalidInput(reason string) error {
    return &ErrInvalidInput{Reason: reason}
}

// ErrRunActive is returned when a run id is already executing in this process.
var ErrRunActive = errors.New("run is already executing")

// ErrRunConflict is returned when a run id is reused with a different input.
var ErrRunConflict = errors.New("run id already used with a different input")

// ErrRunIncomplete is returned when a result is requested before the run
// completed.
var ErrRunIncomplete = errors.New("run has not completed")

// StatusError is a non-2xx response from a downstream HTTP service.
type StatusError struct {
    Operation string
    Code      int
    Body      string
}

func (e *StatusError) Error() string {
    if e.Body == "" {
        return fmt.Sprintf("%s: unexpected status %d", e.Operation, e.Code)
    }
    return fmt.Sprintf("%s: unexpected status %d: %s", e.Operation, e.Code, e.Body)
}

type permanentError struct {
    err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
    if err == nil {
        return nil
    }
    return &permanentError{err: err}
}

// IsTransient reports whether err is worth another attempt: timeouts, 5xx
// and 429 responses, and anything not marked permanent, network errors
// included.
func IsTransient(err error) bool {
    if err == nil {
        return false
    }
    var perm *permanentError
    if errors.As(err, &perm) {
        return false
    }
    if errors.Is(err, context.Canceled) {
        return false
    }
    if errors.Is(err, context.DeadlineExceeded) {
        return true
    }
    var status *StatusError
    if errors.As(err, &status) {
        return status.Code >= http.StatusInternalServerError || status.Code == http.StatusTooManyRequests
    }
    return true
}

// IsConsistencyFault reports whether err carries an ErrConsistencyFault.
func IsConsistencyFault(err error) bool {
    var fault *ErrConsistencyFault
    return errors.As(err, &fault)
}

// HTTPStatus maps err to the status the HTTP surface reports for it.
func HTTPStatus(err error) int {
    var (
        invalid  *ErrInvalidInput
        notFound *ErrRunNotFound
    )
    switch {
    case errors.As(err, &invalid):
        return http.StatusBadRequest
    case errors.As(err, &notFound):
        return http.StatusNotFound
    case errors.Is(err, ErrRunConflict), errors.Is(err, ErrRunIncomplete), errors.Is(err, ErrRunActive):
        return http.StatusConflict
    default:
        return http.StatusInternalServerError
    }
}
