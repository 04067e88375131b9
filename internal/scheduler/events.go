package scheduler

import "time"

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusRetrying   Status = "retrying"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusAborted    Status = "aborted"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusAborted
}

// Event describes a task state change. Index is the task's position in the
// slice given to ProcessAll.
type Event struct {
	TaskID  string
	Index   int
	Status  Status
	Attempt int
	Err     error
	Delay   time.Duration
}

// Observer receives events in the order state changes happen. Calls are
// serialized within a run; implementations must not block for long.
type Observer interface {
	OnEvent(Event)
}

type ObserverFunc func(Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

// ChannelObserver forwards events to ch, dropping them when ch is full.
func ChannelObserver(ch chan<- Event) Observer {
	return ObserverFunc(func(e Event) {
		select {
		case ch <- e:
		default:
		}
	})
}

type ProgressFunc func(done, total int)

type hooks[Out any] struct {
	observer   Observer
	progress   ProgressFunc
	completion func(index int, r Result[Out])
}

type Option[Out any] func(*hooks[Out])

func WithObserver[Out any](o Observer) Option[Out] {
	return func(h *hooks[Out]) { h.observer = o }
}

// WithProgress registers fn to run after every terminal resolution with the
// number of resolved tasks. Successive calls never decrease done.
func WithProgress[Out any](fn ProgressFunc) Option[Out] {
	return func(h *hooks[Out]) { h.progress = fn }
}

// WithCompletion registers fn to receive each result as soon as its task is
// terminal, in completion order. Completion and progress calls are
// serialized; a slow fn delays other completions but not dispatch.
func WithCompletion[Out any](fn func(index int, r Result[Out])) Option[Out] {
	return func(h *hooks[Out]) { h.completion = fn }
}
