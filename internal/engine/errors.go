package engine

import "errors"

// ErrNoPendingEntry means a transition was invoked with nothing to approve;
// a client error, not a race.
var ErrNoPendingEntry = errors.New("no pending entry for trial")

// ErrAlreadyProcessed means a concurrent caller won the conditional update
// on the pending entry. Benign; callers surface it as a no-op success.
var ErrAlreadyProcessed = errors.New("entry already processed")

// ReportGenerationError fails the whole unit of work: a trial is never
// marked CLOSED without its report, and the submission can be retried while
// the trial stays IN_PROGRESS.
type ReportGenerationError struct {
	Err error
}

func (e *ReportGenerationError) Error() string {
	return "report generation failed: " + e.Err.Error()
}

func (e *ReportGenerationError) Unwrap() error { return e.Err }
