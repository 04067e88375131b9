// Package scheduler runs independent tasks with bounded concurrency, priority
// ordering, per-attempt timeouts and exponential-backoff retries.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/bnema/pixbatch/internal/domain"
	"github.com/bnema/pixbatch/internal/infrastructure/logger"
)

// Executor performs one attempt of a task. It must return promptly once ctx
// is done; the scheduler stops waiting on cancellation and timeout but cannot
// stop the call itself.
type Executor[In, Out any] func(ctx context.Context, in In) (Out, error)

type Task[In any] struct {
	ID       string
	Input    In
	Priority int
	// MaxRetries overrides Config.MaxRetries for this task when set.
	MaxRetries *int
}

// Result is the terminal outcome of a task. Output is only meaningful when
// Success is true, Err only when it is false.
type Result[Out any] struct {
	ID       string
	Success  bool
	Output   Out
	Err      error
	Attempts int
	Duration time.Duration
}

type Config struct {
	Concurrency    int
	MaxRetries     int
	RetryBaseDelay time.Duration
	TaskTimeout    time.Duration
}

func DefaultConfig() Config {
	return Config{
		Concurrency:    6,
		MaxRetries:     2,
		RetryBaseDelay: 500 * time.Millisecond,
		TaskTimeout:    30 * time.Second,
	}
}

// normalize replaces out of range values with defaults.
func (c Config) normalize() Config {
	def := DefaultConfig()
	if c.Concurrency < 1 {
		logger.Warn.Printf("invalid scheduler concurrency %d, using %d", c.Concurrency, def.Concurrency)
		c.Concurrency = def.Concurrency
	}
	if c.MaxRetries < 0 {
		logger.Warn.Printf("invalid scheduler max retries %d, using %d", c.MaxRetries, def.MaxRetries)
		c.MaxRetries = def.MaxRetries
	}
	if c.RetryBaseDelay < 0 {
		logger.Warn.Printf("invalid retry base delay %s, using %s", c.RetryBaseDelay, def.RetryBaseDelay)
		c.RetryBaseDelay = def.RetryBaseDelay
	}
	if c.TaskTimeout <= 0 {
		logger.Warn.Printf("invalid task timeout %s, using %s", c.TaskTimeout, def.TaskTimeout)
		c.TaskTimeout = def.TaskTimeout
	}
	return c
}

type Stats struct {
	Active    int `json:"active"`
	Queued    int `json:"queued"`
	Completed int `json:"completed"`
}

// Scheduler may be reused, including by overlapping ProcessAll calls. Each
// call keeps its own state.
type Scheduler[In, Out any] struct {
	exec    Executor[In, Out]
	cfg     Config
	backoff *Backoff
	hooks   hooks[Out]

	mu      sync.Mutex
	runs    map[uint64]*run[Out]
	nextRun uint64
	last    Stats
}

func New[In, Out any](exec Executor[In, Out], cfg Config, opts ...Option[Out]) *Scheduler[In, Out] {
	cfg = cfg.normalize()
	s := &Scheduler[In, Out]{
		exec:    exec,
		cfg:     cfg,
		backoff: NewBackoff(cfg.RetryBaseDelay, 0, 2),
		runs:    make(map[uint64]*run[Out]),
	}
	for _, opt := range opts {
		opt(&s.hooks)
	}
	return s
}

func (s *Scheduler[In, Out]) Config() Config {
	return s.cfg
}

// Stats sums the ProcessAll calls in progress. With none in progress it
// reports the last one to finish.
func (s *Scheduler[In, Out]) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.runs) == 0 {
		return s.last
	}
	var total Stats
	for _, r := range s.runs {
		st := r.snapshot()
		total.Active += st.Active
		total.Queued += st.Queued
		total.Completed += st.Completed
	}
	return total
}

// Cancel stops every running ProcessAll call. Unstarted tasks resolve with
// ErrAborted without running; running attempts see their context cancelled.
// Cancel with nothing running does nothing.
func (s *Scheduler[In, Out]) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.runs {
		r.cancel()
	}
}

func (s *Scheduler[In, Out]) register(r *run[Out]) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextRun++
	s.runs[s.nextRun] = r
	return s.nextRun
}

func (s *Scheduler[In, Out]) unregister(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.runs[id]; ok {
		s.last = r.snapshot()
		delete(s.runs, id)
	}
}

// run holds the state of a single ProcessAll call.
type run[Out any] struct {
	hooks   hooks[Out]
	results []Result[Out]
	total   int
	cancel  context.CancelFunc

	statsMu sync.Mutex
	stats   Stats

	// obsMu serializes observer calls.
	obsMu sync.Mutex

	// hookMu serializes completion and progress hooks and guards done.
	hookMu sync.Mutex
	done   int
}

func (r *run[Out]) snapshot() Stats {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	return r.stats
}

// started moves a task from queued to active.
func (r *run[Out]) started() {
	r.statsMu.Lock()
	r.stats.Queued--
	r.stats.Active++
	r.statsMu.Unlock()
}

// ended counts a task as completed, taking it off active or queued.
func (r *run[Out]) ended(wasActive bool) {
	r.statsMu.Lock()
	if wasActive {
		r.stats.Active--
	} else {
		r.stats.Queued--
	}
	r.stats.Completed++
	r.statsMu.Unlock()
}

func (r *run[Out]) emit(e Event) {
	if r.hooks.observer == nil {
		return
	}
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	r.hooks.observer.OnEvent(e)
}

// finish stores the result, fires the terminal event, then runs completion
// and progress hooks in completion order. A slow hook only holds up other
// finishing tasks, never dispatch or running attempts.
func (r *run[Out]) finish(index int, res Result[Out], status Status) {
	r.results[index] = res
	r.emit(Event{
		TaskID:  res.ID,
		Index:   index,
		Status:  status,
		Attempt: res.Attempts,
		Err:     res.Err,
	})

	r.hookMu.Lock()
	defer r.hookMu.Unlock()
	r.done++
	if r.hooks.completion != nil {
		r.hooks.completion(index, res)
	}
	if r.hooks.progress != nil {
		r.hooks.progress(r.done, r.total)
	}
}

// ProcessAll runs every task and returns one result per task, in input order.
// It returns once all tasks are terminal. Failures are reported in the
// results, never as an error.
func (s *Scheduler[In, Out]) ProcessAll(ctx context.Context, tasks []Task[In]) []Result[Out] {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	r := &run[Out]{
		hooks:   s.hooks,
		results: make([]Result[Out], len(tasks)),
		total:   len(tasks),
		cancel:  cancel,
		stats:   Stats{Queued: len(tasks)},
	}
	id := s.register(r)
	defer s.unregister(id)
	if len(tasks) == 0 {
		return r.results
	}

	order := make([]int, len(tasks))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return tasks[order[a]].Priority > tasks[order[b]].Priority
	})

	for _, i := range order {
		r.emit(Event{TaskID: tasks[i].ID, Index: i, Status: StatusQueued})
	}

	sem := semaphore.NewWeighted(int64(s.cfg.Concurrency))
	var wg sync.WaitGroup

	for pos, i := range order {
		// Acquire may succeed even when ctx is already done.
		if err := sem.Acquire(ctx, 1); err != nil {
			s.abortUnstarted(r, tasks, order[pos:])
			break
		}
		if ctx.Err() != nil {
			sem.Release(1)
			s.abortUnstarted(r, tasks, order[pos:])
			break
		}

		r.started()
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, status := s.runTask(ctx, r, i, tasks[i])
			// Free the slot before the hooks run.
			sem.Release(1)
			r.ended(true)
			r.finish(i, res, status)
		}(i)
	}

	wg.Wait()
	return r.results
}

func (s *Scheduler[In, Out]) abortUnstarted(r *run[Out], tasks []Task[In], indices []int) {
	for _, i := range indices {
		r.ended(false)
		r.finish(i, Result[Out]{ID: tasks[i].ID, Err: ErrAborted}, StatusAborted)
	}
}

func (s *Scheduler[In, Out]) runTask(ctx context.Context, r *run[Out], index int, t Task[In]) (Result[Out], Status) {
	maxRetries := s.cfg.MaxRetries
	if t.MaxRetries != nil && *t.MaxRetries >= 0 {
		maxRetries = *t.MaxRetries
	}

	res := Result[Out]{ID: t.ID}
	start := time.Now()

	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			res.Err = ErrAborted
			res.Duration = time.Since(start)
			return res, StatusAborted
		}

		res.Attempts = attempt
		r.emit(Event{TaskID: t.ID, Index: index, Status: StatusProcessing, Attempt: attempt})

		out, err := s.attempt(ctx, t.Input)
		if err == nil {
			res.Success = true
			res.Output = out
			res.Err = nil
			res.Duration = time.Since(start)
			return res, StatusCompleted
		}

		if ctx.Err() != nil || errors.Is(err, ErrAborted) {
			res.Err = ErrAborted
			res.Duration = time.Since(start)
			return res, StatusAborted
		}

		res.Err = err
		if !retryable(err) || attempt > maxRetries {
			res.Duration = time.Since(start)
			return res, StatusFailed
		}

		delay := s.backoff.Duration(attempt - 1)
		logger.Debug.Printf("task %s attempt %d failed, retrying in %s: %v", t.ID, attempt, delay, err)
		r.emit(Event{TaskID: t.ID, Index: index, Status: StatusRetrying, Attempt: attempt, Err: err, Delay: delay})

		if !sleep(ctx, delay) {
			res.Err = ErrAborted
			res.Duration = time.Since(start)
			return res, StatusAborted
		}
	}
}

type outcome[Out any] struct {
	out Out
	err error
}

// attempt races one executor call against the task timeout.
func (s *Scheduler[In, Out]) attempt(ctx context.Context, in In) (Out, error) {
	actx, cancel := context.WithTimeout(ctx, s.cfg.TaskTimeout)
	defer cancel()

	ch := make(chan outcome[Out], 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				var zero Out
				ch <- outcome[Out]{out: zero, err: fmt.Errorf("%w: %v", ErrPanicked, p)}
			}
		}()
		out, err := s.exec(actx, in)
		ch <- outcome[Out]{out: out, err: err}
	}()

	var zero Out
	select {
	case o := <-ch:
		if o.err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) {
			return zero, ErrTimeout
		}
		return o.out, o.err
	case <-actx.Done():
		if ctx.Err() != nil {
			return zero, ErrAborted
		}
		return zero, ErrTimeout
	}
}

func retryable(err error) bool {
	return !IsPermanent(err) &&
		!errors.Is(err, domain.ErrInvalidInput) &&
		!errors.Is(err, ErrAborted)
}

// sleep waits for d or until ctx is done, reporting whether the full delay
// elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
