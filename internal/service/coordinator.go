package service

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bnema/pixbatch/internal/domain"
	"github.com/bnema/pixbatch/internal/infrastructure/logger"
	"github.com/bnema/pixbatch/internal/port"
	"github.com/bnema/pixbatch/internal/scheduler"
)

const DefaultChunkSize = 10

type Mode string

const (
	ModeItem  Mode = "item"
	ModeChunk Mode = "chunk"
)

// ErrMissingResult is reported for items a batch codec left out of its
// response.
var ErrMissingResult = errors.New("no result returned for item")

// Hooks observe a ConvertAll call. Every hook is optional. ItemDone and
// Progress calls are serialized and fire in completion order. Status calls
// are serialized among themselves and may overlap an ItemDone call.
type Hooks struct {
	// Progress receives cumulative item counts.
	Progress func(done, total int)
	// ItemDone receives each item's final result with its input index.
	ItemDone func(index int, r domain.ItemResult)
	// Status receives non-terminal status changes: queued, processing and
	// retrying.
	Status func(itemID string, status scheduler.Status, attempt int, err error)
}

// Coordinator fans a list of items out to a converter through the scheduler,
// either one item per task or one chunk of items per task.
type Coordinator struct {
	item  port.ImageConverter
	batch port.BatchConverter
	cfg   scheduler.Config

	mu      sync.Mutex
	cancels map[uint64]context.CancelFunc
	nextRun uint64
}

func NewItemCoordinator(conv port.ImageConverter, cfg scheduler.Config) *Coordinator {
	return &Coordinator{item: conv, cfg: cfg, cancels: make(map[uint64]context.CancelFunc)}
}

func NewChunkCoordinator(conv port.BatchConverter, cfg scheduler.Config) *Coordinator {
	return &Coordinator{batch: conv, cfg: cfg, cancels: make(map[uint64]context.CancelFunc)}
}

func (c *Coordinator) Mode() Mode {
	if c.batch != nil {
		return ModeChunk
	}
	return ModeItem
}

// Cancel aborts every ConvertAll call in flight.
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cancel := range c.cancels {
		cancel()
	}
}

func (c *Coordinator) track(cancel context.CancelFunc) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextRun++
	id := c.nextRun
	c.cancels[id] = cancel
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.cancels, id)
	}
}

// ConvertAll converts every item and returns one result per item, in input
// order. Rejected items fail first without reaching the converter. chunkSize
// only applies in chunk mode.
func (c *Coordinator) ConvertAll(ctx context.Context, items []domain.Item, opts domain.ConversionOptions, chunkSize int, hooks Hooks) []domain.ItemResult {
	if err := opts.Validate(); err != nil {
		return rejectAll(items, err, hooks)
	}

	results := make([]domain.ItemResult, len(items))
	var accepted []int
	done := 0
	for i, it := range items {
		if it.Rejected == nil {
			accepted = append(accepted, i)
			continue
		}
		results[i] = failedResult(it, it.Rejected)
		done++
		if hooks.ItemDone != nil {
			hooks.ItemDone(i, results[i])
		}
		if hooks.Progress != nil {
			hooks.Progress(done, len(items))
		}
	}
	if len(accepted) == 0 {
		return results
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer c.track(cancel)()

	sub := items
	subHooks := hooks
	if done > 0 {
		sub = make([]domain.Item, len(accepted))
		for j, i := range accepted {
			sub[j] = items[i]
		}
		subHooks = remapHooks(hooks, accepted, done, len(items))
	}

	var subResults []domain.ItemResult
	if c.batch != nil {
		subResults = c.convertChunks(ctx, sub, opts, chunkSize, subHooks)
	} else {
		subResults = c.convertItems(ctx, sub, opts, subHooks)
	}
	for j, i := range accepted {
		results[i] = subResults[j]
	}
	return results
}

// remapHooks translates hook indices and progress counts of a sub-run over
// items[idx] back to the full item list.
func remapHooks(hooks Hooks, idx []int, offset, total int) Hooks {
	out := Hooks{Status: hooks.Status}
	if hooks.ItemDone != nil {
		out.ItemDone = func(j int, r domain.ItemResult) { hooks.ItemDone(idx[j], r) }
	}
	if hooks.Progress != nil {
		out.Progress = func(done, _ int) { hooks.Progress(offset+done, total) }
	}
	return out
}

func failedResult(it domain.Item, err error) domain.ItemResult {
	return domain.ItemResult{
		ID:        it.ID,
		Name:      it.Name,
		InputSize: int64(len(it.Data)),
		Err:       err,
	}
}

func rejectAll(items []domain.Item, err error, hooks Hooks) []domain.ItemResult {
	logger.Warn.Printf("rejecting %d items: %v", len(items), err)
	results := make([]domain.ItemResult, len(items))
	for i, it := range items {
		results[i] = failedResult(it, err)
		if hooks.ItemDone != nil {
			hooks.ItemDone(i, results[i])
		}
		if hooks.Progress != nil {
			hooks.Progress(i+1, len(items))
		}
	}
	return results
}

func (c *Coordinator) convertItems(ctx context.Context, items []domain.Item, opts domain.ConversionOptions, hooks Hooks) []domain.ItemResult {
	tasks := make([]scheduler.Task[domain.Item], len(items))
	for i, it := range items {
		tasks[i] = scheduler.Task[domain.Item]{ID: it.ID, Input: it, Priority: it.Priority}
	}

	results := make([]domain.ItemResult, len(items))
	exec := func(ctx context.Context, it domain.Item) ([]byte, error) {
		return c.item.Convert(ctx, it.Data, opts)
	}

	s := scheduler.New(exec, c.cfg,
		scheduler.WithObserver[[]byte](statusObserver(hooks, func(index int) []string {
			return []string{items[index].ID}
		})),
		scheduler.WithCompletion(func(index int, r scheduler.Result[[]byte]) {
			results[index] = itemResult(items[index], r)
			if hooks.ItemDone != nil {
				hooks.ItemDone(index, results[index])
			}
		}),
		scheduler.WithProgress[[]byte](hooks.Progress),
	)

	s.ProcessAll(ctx, tasks)
	return results
}

func itemResult(it domain.Item, r scheduler.Result[[]byte]) domain.ItemResult {
	res := domain.ItemResult{
		ID:        it.ID,
		Name:      it.Name,
		Success:   r.Success,
		InputSize: int64(len(it.Data)),
		Err:       r.Err,
		Attempts:  r.Attempts,
		Duration:  r.Duration,
	}
	if r.Success {
		res.Output = r.Output
		res.OutputSize = int64(len(r.Output))
	}
	return res
}

func chunkIndices(n, size int) [][]int {
	if size < 1 {
		size = DefaultChunkSize
	}
	var chunks [][]int
	for start := 0; start < n; start += size {
		end := min(start+size, n)
		idx := make([]int, 0, end-start)
		for i := start; i < end; i++ {
			idx = append(idx, i)
		}
		chunks = append(chunks, idx)
	}
	return chunks
}

func (c *Coordinator) convertChunks(ctx context.Context, items []domain.Item, opts domain.ConversionOptions, chunkSize int, hooks Hooks) []domain.ItemResult {
	chunks := chunkIndices(len(items), chunkSize)
	tasks := make([]scheduler.Task[[]port.ChunkItem], len(chunks))
	for ci, idx := range chunks {
		in := make([]port.ChunkItem, len(idx))
		priority := items[idx[0]].Priority
		for j, i := range idx {
			in[j] = port.ChunkItem{ID: items[i].ID, Name: items[i].Name, Data: items[i].Data}
			priority = max(priority, items[i].Priority)
		}
		tasks[ci] = scheduler.Task[[]port.ChunkItem]{
			ID:       fmt.Sprintf("chunk-%d", ci),
			Input:    in,
			Priority: priority,
		}
	}

	results := make([]domain.ItemResult, len(items))
	done := 0
	exec := func(ctx context.Context, in []port.ChunkItem) ([]port.ChunkResult, error) {
		return c.batch.ConvertBatch(ctx, in, opts)
	}

	s := scheduler.New(exec, c.cfg,
		scheduler.WithObserver[[]port.ChunkResult](statusObserver(hooks, func(index int) []string {
			ids := make([]string, len(chunks[index]))
			for j, i := range chunks[index] {
				ids[j] = items[i].ID
			}
			return ids
		})),
		scheduler.WithCompletion(func(ci int, r scheduler.Result[[]port.ChunkResult]) {
			merged := mergeChunk(items, chunks[ci], r)
			for j, i := range chunks[ci] {
				results[i] = merged[j]
				if hooks.ItemDone != nil {
					hooks.ItemDone(i, results[i])
				}
			}
			done += len(chunks[ci])
			if hooks.Progress != nil {
				hooks.Progress(done, len(items))
			}
		}),
	)

	s.ProcessAll(ctx, tasks)
	return results
}

// mergeChunk expands a chunk result into per-item results. A failed chunk
// fails all of its items.
func mergeChunk(items []domain.Item, idx []int, r scheduler.Result[[]port.ChunkResult]) []domain.ItemResult {
	byID := make(map[string]port.ChunkResult, len(r.Output))
	for _, cr := range r.Output {
		byID[cr.ID] = cr
	}

	out := make([]domain.ItemResult, len(idx))
	for j, i := range idx {
		it := items[i]
		res := domain.ItemResult{
			ID:        it.ID,
			Name:      it.Name,
			InputSize: int64(len(it.Data)),
			Attempts:  r.Attempts,
			Duration:  r.Duration,
		}

		cr, ok := byID[it.ID]
		switch {
		case !r.Success:
			res.Err = fmt.Errorf("chunk failed: %w", r.Err)
		case !ok:
			res.Err = ErrMissingResult
		case !cr.Success:
			res.Err = fmt.Errorf("codec: %s", cr.Error)
		default:
			res.Success = true
			res.Output = cr.Data
			res.OutputSize = cr.OutputSize
			if res.OutputSize == 0 {
				res.OutputSize = int64(len(cr.Data))
			}
		}
		out[j] = res
	}
	return out
}

// statusObserver forwards non-terminal task events to hooks.Status for every
// item the task covers.
func statusObserver(hooks Hooks, itemIDs func(index int) []string) scheduler.Observer {
	if hooks.Status == nil {
		return nil
	}
	return scheduler.ObserverFunc(func(e scheduler.Event) {
		if e.Status.Terminal() {
			return
		}
		for _, id := range itemIDs(e.Index) {
			hooks.Status(id, e.Status, e.Attempt, e.Err)
		}
	})
}
