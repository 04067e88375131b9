package scheduler

import "errors"

var (
	// ErrTimeout is reported when an attempt outlives Config.TaskTimeout.
	// It is retried like any other executor failure.
	ErrTimeout = errors.New("task timed out")

	// ErrAborted is reported for tasks stopped by cancellation, whether they
	// were running or never started. It is never retried.
	ErrAborted = errors.New("task aborted")

	ErrPanicked = errors.New("executor panicked")
)

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

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
