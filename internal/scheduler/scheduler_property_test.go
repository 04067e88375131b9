package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"pgregory.net/rapid"
)

// Results come back in input order and the number of running executors never
// exceeds the configured concurrency, whatever the latencies and failures.
func TestProcessAllProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 30).Draw(t, "tasks")
		concurrency := rapid.IntRange(1, 8).Draw(t, "concurrency")
		delays := rapid.SliceOfN(rapid.IntRange(0, 2), n, n).Draw(t, "delays")
		fails := rapid.SliceOfN(rapid.Bool(), n, n).Draw(t, "fails")
		priorities := rapid.SliceOfN(rapid.IntRange(-2, 2), n, n).Draw(t, "priorities")

		var current, peak atomic.Int64
		exec := func(ctx context.Context, in int) (int, error) {
			c := current.Add(1)
			defer current.Add(-1)
			for {
				p := peak.Load()
				if c <= p || peak.CompareAndSwap(p, c) {
					break
				}
			}
			time.Sleep(time.Duration(delays[in]) * time.Millisecond)
			if fails[in] {
				return 0, errors.New("fail")
			}
			return in, nil
		}

		tasks := make([]Task[int], n)
		for i := range tasks {
			tasks[i] = Task[int]{ID: fmt.Sprintf("p%d", i), Input: i, Priority: priorities[i]}
		}

		s := New(exec, Config{
			Concurrency:    concurrency,
			MaxRetries:     0,
			RetryBaseDelay: 0,
			TaskTimeout:    time.Second,
		})
		results := s.ProcessAll(context.Background(), tasks)

		if len(results) != n {
			t.Fatalf("got %d results, want %d", len(results), n)
		}
		for i, r := range results {
			if r.ID != tasks[i].ID {
				t.Fatalf("result %d has id %s, want %s", i, r.ID, tasks[i].ID)
			}
			if r.Success == fails[i] {
				t.Fatalf("result %d success=%t with fail=%t", i, r.Success, fails[i])
			}
			if r.Success && r.Output != i {
				t.Fatalf("result %d output %d", i, r.Output)
			}
		}
		if peak.Load() > int64(concurrency) {
			t.Fatalf("peak concurrency %d exceeds %d", peak.Load(), concurrency)
		}
	})
}
