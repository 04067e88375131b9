package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnema/pixbatch/internal/domain"
)

func testConfig(concurrency, retries int) Config {
	return Config{
		Concurrency:    concurrency,
		MaxRetries:     retries,
		RetryBaseDelay: time.Millisecond,
		TaskTimeout:    time.Second,
	}
}

func makeTasks(n int) []Task[int] {
	tasks := make([]Task[int], n)
	for i := range tasks {
		tasks[i] = Task[int]{ID: fmt.Sprintf("t%d", i), Input: i}
	}
	return tasks
}

func TestProcessAll_PreservesInputOrder(t *testing.T) {
	exec := func(ctx context.Context, in int) (int, error) {
		time.Sleep(time.Duration((in*7)%5) * time.Millisecond)
		return in * 10, nil
	}
	s := New(exec, testConfig(4, 0))

	results := s.ProcessAll(context.Background(), makeTasks(12))

	require.Len(t, results, 12)
	for i, r := range results {
		assert.Equal(t, fmt.Sprintf("t%d", i), r.ID)
		assert.True(t, r.Success)
		assert.Equal(t, i*10, r.Output)
		assert.Equal(t, 1, r.Attempts)
	}
}

func TestProcessAll_Empty(t *testing.T) {
	s := New(func(ctx context.Context, in int) (int, error) { return in, nil }, testConfig(2, 0))
	results := s.ProcessAll(context.Background(), nil)
	assert.Empty(t, results)
	assert.Equal(t, Stats{}, s.Stats())
}

func TestProcessAll_RespectsConcurrency(t *testing.T) {
	var current, peak atomic.Int64
	exec := func(ctx context.Context, in int) (int, error) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(3 * time.Millisecond)
		current.Add(-1)
		return in, nil
	}
	s := New(exec, testConfig(3, 0))

	s.ProcessAll(context.Background(), makeTasks(15))

	assert.LessOrEqual(t, peak.Load(), int64(3))
	assert.Equal(t, int64(3), peak.Load())
}

func TestProcessAll_PriorityOrder(t *testing.T) {
	var mu sync.Mutex
	var started []string
	exec := func(ctx context.Context, in string) (string, error) {
		mu.Lock()
		started = append(started, in)
		mu.Unlock()
		return in, nil
	}
	s := New(exec, testConfig(1, 0))

	tasks := []Task[string]{
		{ID: "a", Input: "a", Priority: 0},
		{ID: "b", Input: "b", Priority: 5},
		{ID: "c", Input: "c", Priority: 0},
		{ID: "d", Input: "d", Priority: 5},
		{ID: "e", Input: "e", Priority: 9},
	}
	results := s.ProcessAll(context.Background(), tasks)

	assert.Equal(t, []string{"e", "b", "d", "a", "c"}, started)
	for i, r := range results {
		assert.Equal(t, tasks[i].ID, r.ID)
	}
}

func TestProcessAll_RetriesThenFails(t *testing.T) {
	var calls atomic.Int64
	boom := errors.New("boom")
	exec := func(ctx context.Context, in int) (int, error) {
		calls.Add(1)
		return 0, boom
	}
	cfg := testConfig(1, 2)
	cfg.RetryBaseDelay = 10 * time.Millisecond
	s := New(exec, cfg)

	start := time.Now()
	results := s.ProcessAll(context.Background(), makeTasks(1))
	elapsed := time.Since(start)

	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.ErrorIs(t, results[0].Err, boom)
	assert.Equal(t, 3, results[0].Attempts)
	assert.Equal(t, int64(3), calls.Load())
	assert.GreaterOrEqual(t, elapsed, 30*time.Millisecond)
}

func TestProcessAll_SucceedsAfterRetry(t *testing.T) {
	var calls atomic.Int64
	exec := func(ctx context.Context, in int) (int, error) {
		if calls.Add(1) < 3 {
			return 0, errors.New("flaky")
		}
		return 42, nil
	}
	s := New(exec, testConfig(1, 2))

	results := s.ProcessAll(context.Background(), makeTasks(1))

	assert.True(t, results[0].Success)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, 42, results[0].Output)
	assert.Equal(t, 3, results[0].Attempts)
}

func TestProcessAll_TaskRetryOverride(t *testing.T) {
	var calls atomic.Int64
	exec := func(ctx context.Context, in int) (int, error) {
		calls.Add(1)
		return 0, errors.New("nope")
	}
	s := New(exec, testConfig(1, 5))

	zero := 0
	results := s.ProcessAll(context.Background(), []Task[int]{{ID: "x", MaxRetries: &zero}})

	assert.Equal(t, 1, results[0].Attempts)
	assert.Equal(t, int64(1), calls.Load())
}

func TestProcessAll_NonRetryableErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"invalid input", fmt.Errorf("decode: %w", domain.ErrInvalidInput)},
		{"permanent", Permanent(errors.New("unsupported codec"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int64
			exec := func(ctx context.Context, in int) (int, error) {
				calls.Add(1)
				return 0, tt.err
			}
			s := New(exec, testConfig(1, 3))

			results := s.ProcessAll(context.Background(), makeTasks(1))

			assert.False(t, results[0].Success)
			assert.ErrorIs(t, results[0].Err, tt.err)
			assert.Equal(t, int64(1), calls.Load())
		})
	}
}

func TestProcessAll_Timeout(t *testing.T) {
	exec := func(ctx context.Context, in int) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	cfg := testConfig(1, 1)
	cfg.TaskTimeout = 20 * time.Millisecond
	s := New(exec, cfg)

	results := s.ProcessAll(context.Background(), makeTasks(1))

	assert.False(t, results[0].Success)
	assert.ErrorIs(t, results[0].Err, ErrTimeout)
	assert.Equal(t, 2, results[0].Attempts)
}

func TestProcessAll_RecoversPanic(t *testing.T) {
	exec := func(ctx context.Context, in int) (int, error) {
		if in == 1 {
			panic("bad pixel")
		}
		return in, nil
	}
	s := New(exec, testConfig(2, 1))

	results := s.ProcessAll(context.Background(), makeTasks(3))

	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success)
	assert.ErrorIs(t, results[1].Err, ErrPanicked)
	assert.Equal(t, 2, results[1].Attempts)
	assert.True(t, results[2].Success)
}

func TestCancel_AbortsRunningAndUnstarted(t *testing.T) {
	var calls atomic.Int64
	started := make(chan struct{})
	exec := func(ctx context.Context, in int) (int, error) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-ctx.Done()
		return 0, ctx.Err()
	}
	s := New(exec, testConfig(1, 3))

	go func() {
		<-started
		s.Cancel()
	}()
	results := s.ProcessAll(context.Background(), makeTasks(5))

	assert.Equal(t, int64(1), calls.Load())
	for _, r := range results {
		assert.False(t, r.Success)
		assert.ErrorIs(t, r.Err, ErrAborted)
	}
	assert.Equal(t, 1, results[0].Attempts)
	assert.Equal(t, 0, results[4].Attempts)
}

func TestProcessAll_ContextCancelled(t *testing.T) {
	var calls atomic.Int64
	exec := func(ctx context.Context, in int) (int, error) {
		calls.Add(1)
		return in, nil
	}
	s := New(exec, testConfig(2, 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results := s.ProcessAll(ctx, makeTasks(4))

	assert.Equal(t, int64(0), calls.Load())
	for _, r := range results {
		assert.ErrorIs(t, r.Err, ErrAborted)
	}
}

func TestCancel_DuringBackoff(t *testing.T) {
	failed := make(chan struct{}, 1)
	exec := func(ctx context.Context, in int) (int, error) {
		select {
		case failed <- struct{}{}:
		default:
		}
		return 0, errors.New("transient")
	}
	cfg := testConfig(1, 3)
	cfg.RetryBaseDelay = time.Hour
	s := New(exec, cfg)

	go func() {
		<-failed
		s.Cancel()
	}()
	results := s.ProcessAll(context.Background(), makeTasks(1))

	assert.ErrorIs(t, results[0].Err, ErrAborted)
	assert.Equal(t, 1, results[0].Attempts)
}

func TestCancel_NoActiveRun(t *testing.T) {
	s := New(func(ctx context.Context, in int) (int, error) { return in, nil }, testConfig(1, 0))
	s.Cancel()

	results := s.ProcessAll(context.Background(), makeTasks(2))
	assert.True(t, results[0].Success)
	assert.True(t, results[1].Success)
}

func TestProcessAll_EndToEnd(t *testing.T) {
	exec := func(ctx context.Context, in int) (int, error) {
		time.Sleep(time.Duration(in%4) * time.Millisecond)
		if in%7 == 3 {
			return 0, errors.New("corrupt image")
		}
		return in, nil
	}

	var mu sync.Mutex
	var progress [][2]int
	s := New(exec, testConfig(6, 2), WithProgress[int](func(done, total int) {
		mu.Lock()
		progress = append(progress, [2]int{done, total})
		mu.Unlock()
	}))

	results := s.ProcessAll(context.Background(), makeTasks(20))

	var ok, failed int
	for _, r := range results {
		if r.Success {
			ok++
		} else {
			failed++
			assert.Equal(t, 3, r.Attempts)
		}
	}
	assert.Equal(t, 17, ok)
	assert.Equal(t, 3, failed)

	require.Len(t, progress, 20)
	for i, p := range progress {
		assert.Equal(t, i+1, p[0])
		assert.Equal(t, 20, p[1])
	}
	assert.Equal(t, [2]int{20, 20}, progress[19])

	assert.Equal(t, Stats{Active: 0, Queued: 0, Completed: 20}, s.Stats())
}

func TestProcessAll_Events(t *testing.T) {
	var mu sync.Mutex
	seen := make(map[string][]Status)
	obs := ObserverFunc(func(e Event) {
		mu.Lock()
		seen[e.TaskID] = append(seen[e.TaskID], e.Status)
		mu.Unlock()
	})

	var calls atomic.Int64
	exec := func(ctx context.Context, in int) (int, error) {
		if in == 1 && calls.Add(1) == 1 {
			return 0, errors.New("once")
		}
		return in, nil
	}
	s := New(exec, testConfig(2, 1), WithObserver[int](obs))

	s.ProcessAll(context.Background(), makeTasks(2))

	assert.Equal(t, []Status{StatusQueued, StatusProcessing, StatusCompleted}, seen["t0"])
	assert.Equal(t, []Status{StatusQueued, StatusProcessing, StatusRetrying, StatusProcessing, StatusCompleted}, seen["t1"])
}

func TestProcessAll_Completion(t *testing.T) {
	got := make(map[int]Result[int])
	exec := func(ctx context.Context, in int) (int, error) { return in + 1, nil }
	s := New(exec, testConfig(3, 0), WithCompletion(func(index int, r Result[int]) {
		got[index] = r
	}))

	s.ProcessAll(context.Background(), makeTasks(5))

	require.Len(t, got, 5)
	for i := 0; i < 5; i++ {
		assert.Equal(t, i+1, got[i].Output)
	}
}

func TestProcessAll_Reusable(t *testing.T) {
	exec := func(ctx context.Context, in int) (int, error) { return in, nil }
	s := New(exec, testConfig(2, 0))

	first := s.ProcessAll(context.Background(), makeTasks(3))
	second := s.ProcessAll(context.Background(), makeTasks(5))

	assert.Len(t, first, 3)
	assert.Len(t, second, 5)
	assert.Equal(t, 5, s.Stats().Completed)
}

func TestChannelObserver_DropsWhenFull(t *testing.T) {
	ch := make(chan Event, 1)
	obs := ChannelObserver(ch)

	obs.OnEvent(Event{TaskID: "a"})
	obs.OnEvent(Event{TaskID: "b"})

	require.Len(t, ch, 1)
	assert.Equal(t, "a", (<-ch).TaskID)
}

func TestNew_NormalizesConfig(t *testing.T) {
	s := New(func(ctx context.Context, in int) (int, error) { return in, nil }, Config{
		Concurrency:    0,
		MaxRetries:     -1,
		RetryBaseDelay: -time.Second,
		TaskTimeout:    0,
	})

	assert.Equal(t, DefaultConfig(), s.Config())
}

func TestPermanent(t *testing.T) {
	base := errors.New("bad")
	err := Permanent(base)

	assert.True(t, IsPermanent(err))
	assert.True(t, IsPermanent(fmt.Errorf("wrapped: %w", err)))
	assert.ErrorIs(t, err, base)
	assert.False(t, IsPermanent(base))
	assert.NoError(t, Permanent(nil))
}

func TestStats_DuringRun(t *testing.T) {
	gate := make(chan struct{})
	var running atomic.Int64
	exec := func(ctx context.Context, in int) (int, error) {
		running.Add(1)
		<-gate
		return in, nil
	}
	s := New(exec, testConfig(3, 0))

	done := make(chan []Result[int])
	go func() { done <- s.ProcessAll(context.Background(), makeTasks(10)) }()

	require.Eventually(t, func() bool { return running.Load() == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, Stats{Active: 3, Queued: 7}, s.Stats())

	close(gate)
	for {
		select {
		case results := <-done:
			assert.Len(t, results, 10)
			assert.Equal(t, Stats{Completed: 10}, s.Stats())
			return
		default:
		}
		st := s.Stats()
		assert.LessOrEqual(t, st.Active, 3)
		assert.GreaterOrEqual(t, st.Queued, 0)
		assert.Equal(t, 10, st.Active+st.Queued+st.Completed)
		time.Sleep(50 * time.Microsecond)
	}
}

func TestStats_OverlappingRuns(t *testing.T) {
	gate := make(chan struct{})
	var running atomic.Int64
	exec := func(ctx context.Context, in int) (int, error) {
		running.Add(1)
		<-gate
		return in, nil
	}
	s := New(exec, testConfig(2, 0))

	var wg sync.WaitGroup
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.ProcessAll(context.Background(), makeTasks(20))
		}()
	}

	require.Eventually(t, func() bool { return running.Load() == 4 }, time.Second, time.Millisecond)
	assert.Equal(t, Stats{Active: 4, Queued: 36}, s.Stats())

	close(gate)
	wg.Wait()
	assert.Equal(t, Stats{Completed: 20}, s.Stats())
}

func TestProcessAll_SlowCompletionDoesNotStallWorkers(t *testing.T) {
	var mu sync.Mutex
	var retryStarted time.Duration
	start := time.Now()

	var attempts atomic.Int64
	exec := func(ctx context.Context, in int) (int, error) {
		if in == 0 {
			return in, nil
		}
		if attempts.Add(1) == 1 {
			time.Sleep(15 * time.Millisecond)
			return 0, errors.New("transient")
		}
		mu.Lock()
		retryStarted = time.Since(start)
		mu.Unlock()
		return in, nil
	}
	var events atomic.Int64
	s := New(exec, testConfig(2, 1),
		WithObserver[int](ObserverFunc(func(Event) { events.Add(1) })),
		WithCompletion(func(index int, r Result[int]) {
			if index == 0 {
				time.Sleep(300 * time.Millisecond)
			}
		}),
	)

	results := s.ProcessAll(context.Background(), makeTasks(2))

	require.True(t, results[1].Success)
	assert.Equal(t, 2, results[1].Attempts)
	// queued x2, processing x3, retrying, completed x2
	assert.Equal(t, int64(8), events.Load())
	mu.Lock()
	defer mu.Unlock()
	assert.Less(t, retryStarted, 200*time.Millisecond)
}

func TestProcessAll_SlowCompletionFreesSlot(t *testing.T) {
	started := make(chan time.Duration, 1)
	begin := time.Now()
	exec := func(ctx context.Context, in int) (int, error) {
		if in == 1 {
			started <- time.Since(begin)
		}
		return in, nil
	}
	var order []int
	s := New(exec, testConfig(1, 0), WithCompletion(func(index int, r Result[int]) {
		order = append(order, index)
		if index == 0 {
			time.Sleep(300 * time.Millisecond)
		}
	}))

	s.ProcessAll(context.Background(), makeTasks(2))

	assert.Less(t, <-started, 200*time.Millisecond)
	assert.Equal(t, []int{0, 1}, order)
}
