package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bnema/pixbatch/internal/domain"
	"github.com/bnema/pixbatch/internal/infrastructure/logger"
	"github.com/bnema/pixbatch/internal/port"
	"github.com/bnema/pixbatch/internal/scheduler"
)

var (
	ErrBatchRunning = errors.New("batch is still running")
	ErrEmptyBatch   = errors.New("batch has no items")
)

// PathFunc chooses where the converted output of an item is written.
type PathFunc func(batchID string, item domain.Item, format domain.Format) string

// UUIDPaths names outputs with random file names under dir.
func UUIDPaths(dir string) PathFunc {
	return func(_ string, _ domain.Item, format domain.Format) string {
		return filepath.Join(dir, uuid.NewString()+format.Extension())
	}
}

type batchState struct {
	batch  *domain.Batch
	items  []domain.Item
	cancel context.CancelFunc
	done   chan struct{}
}

// BatchService runs conversion batches in the background, stores an artifact
// for every converted item and publishes progress on the event bus.
type BatchService struct {
	coord     *Coordinator
	store     port.ArtifactStore
	bus       EventPublisher
	paths     PathFunc
	prober    port.Prober
	chunkSize int
	now       func() time.Time

	mu      sync.RWMutex
	batches map[string]*batchState
	wg      sync.WaitGroup
}

type Option func(*BatchService)

func WithPathFunc(fn PathFunc) Option {
	return func(s *BatchService) { s.paths = fn }
}

// WithProber fills artifact dimensions by probing converted output.
func WithProber(p port.Prober) Option {
	return func(s *BatchService) { s.prober = p }
}

func WithChunkSize(n int) Option {
	return func(s *BatchService) { s.chunkSize = n }
}

func NewBatchService(coord *Coordinator, store port.ArtifactStore, bus EventPublisher, artifactDir string, opts ...Option) *BatchService {
	s := &BatchService{
		coord:     coord,
		store:     store,
		bus:       bus,
		paths:     UUIDPaths(artifactDir),
		chunkSize: DefaultChunkSize,
		now:       time.Now,
		batches:   make(map[string]*batchState),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SubmitBatch validates the items and starts converting them in the
// background. Items without an ID get a generated one. The returned batch is
// a snapshot; use Get or Wait to follow it.
func (s *BatchService) SubmitBatch(ctx context.Context, items []domain.Item, opts domain.ConversionOptions) (*domain.Batch, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidInput, ErrEmptyBatch)
	}

	owned := make([]domain.Item, len(items))
	seen := make(map[string]struct{}, len(items))
	for i, it := range items {
		if it.ID == "" {
			it.ID = uuid.NewString()
		}
		if _, dup := seen[it.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate item id %q", domain.ErrInvalidInput, it.ID)
		}
		seen[it.ID] = struct{}{}
		owned[i] = it
	}

	batch := &domain.Batch{
		ID:        uuid.NewString(),
		Status:    domain.BatchStatusPending,
		Options:   opts,
		Total:     len(owned),
		Results:   make([]domain.ItemResult, len(owned)),
		CreatedAt: s.now(),
	}
	for i, it := range owned {
		batch.Results[i] = domain.ItemResult{ID: it.ID, Name: it.Name, InputSize: int64(len(it.Data))}
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	st := &batchState{batch: batch, items: owned, cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	s.batches[batch.ID] = st
	snapshot := copyBatch(batch)
	s.mu.Unlock()

	logger.Info.Printf("batch %s submitted: %d items, %s", batch.ID, batch.Total, opts)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(st.done)
		defer cancel()
		s.run(runCtx, st)
	}()

	return snapshot, nil
}

func (s *BatchService) run(ctx context.Context, st *batchState) {
	id := st.batch.ID

	s.mu.Lock()
	st.batch.Status = domain.BatchStatusProcessing
	opts := st.batch.Options
	total := st.batch.Total
	s.mu.Unlock()
	s.publish(id, Event{Type: EventBatch, Status: string(domain.BatchStatusProcessing), Total: total})

	s.coord.ConvertAll(ctx, st.items, opts, s.chunkSize, Hooks{
		Status: func(itemID string, status scheduler.Status, attempt int, err error) {
			ev := Event{Type: EventItem, ItemID: itemID, Status: string(status), Attempt: attempt, Total: total}
			if err != nil {
				ev.Message = err.Error()
			}
			s.publish(id, ev)
		},
		ItemDone: func(index int, r domain.ItemResult) {
			s.complete(ctx, st, index, r)
		},
	})

	s.mu.Lock()
	now := s.now()
	st.batch.FinishedAt = &now
	st.batch.Status = domain.BatchStatusDone
	if ctx.Err() != nil {
		st.batch.Status = domain.BatchStatusCancelled
	}
	ev := Event{
		Type:      EventBatch,
		Status:    string(st.batch.Status),
		Completed: st.batch.Completed,
		Failed:    st.batch.Failed,
		Total:     st.batch.Total,
	}
	s.mu.Unlock()

	logger.Info.Printf("batch %s %s: %d ok, %d failed", id, ev.Status, ev.Completed, ev.Failed)
	s.publish(id, ev)
}

// complete persists a finished item and records its result on the batch.
func (s *BatchService) complete(ctx context.Context, st *batchState, index int, r domain.ItemResult) {
	batchID := st.batch.ID
	if r.Success {
		if err := s.persist(ctx, batchID, st.items[index], r, st.batch.Options); err != nil {
			logger.Error.Printf("batch %s: store artifact for %s: %v", batchID, logger.SanitizeForLog(r.ID), err)
			r.Success = false
			r.Err = fmt.Errorf("store artifact: %w", err)
		}
	} else {
		logger.Warn.Printf("batch %s: item %s failed after %d attempts: %v", batchID, logger.SanitizeForLog(r.ID), r.Attempts, r.Err)
	}
	r.Output = nil

	s.mu.Lock()
	prev := st.batch.Results[index]
	if prev.Attempts > 0 || prev.Err != nil || prev.Success {
		if prev.Success {
			st.batch.Completed--
		} else {
			st.batch.Failed--
		}
	}
	st.batch.Results[index] = r
	if r.Success {
		st.batch.Completed++
	} else {
		st.batch.Failed++
	}
	ev := Event{
		Type:      EventItem,
		ItemID:    r.ID,
		Status:    string(scheduler.StatusCompleted),
		Attempt:   r.Attempts,
		Completed: st.batch.Completed,
		Failed:    st.batch.Failed,
		Total:     st.batch.Total,
	}
	s.mu.Unlock()

	if !r.Success {
		ev.Status = string(scheduler.StatusFailed)
		if errors.Is(r.Err, scheduler.ErrAborted) {
			ev.Status = string(scheduler.StatusAborted)
		}
		ev.Message = r.Error()
	}
	s.publish(batchID, ev)
	s.publish(batchID, Event{
		Type:      EventProgress,
		Status:    string(domain.BatchStatusProcessing),
		Completed: ev.Completed,
		Failed:    ev.Failed,
		Total:     ev.Total,
	})
}

// persist writes the converted bytes and records the artifact, replacing
// the item's previous artifact and removing its file. The output only takes
// its final path once the record is saved, so a failed save leaves the
// previous artifact and its file intact.
func (s *BatchService) persist(ctx context.Context, batchID string, item domain.Item, r domain.ItemResult, opts domain.ConversionOptions) error {
	path := s.paths(batchID, item, opts.Format)
	tmp, err := writeTemp(path, r.Output)
	if err != nil {
		return err
	}

	artifact := &domain.ConvertedArtifact{
		ItemID:       item.ID,
		BatchID:      batchID,
		Name:         item.Name,
		Path:         path,
		Format:       opts.Format,
		OutputSize:   int64(len(r.Output)),
		OriginalSize: int64(len(item.Data)),
		SourceDigest: domain.Digest(item.Data),
		Options:      opts,
		CreatedAt:    s.now(),
	}
	if s.prober != nil {
		if w, h, err := s.prober.Probe(ctx, r.Output); err == nil {
			artifact.Width, artifact.Height = w, h
		} else {
			logger.Debug.Printf("probe output of %s: %v", logger.SanitizeForLog(item.ID), err)
		}
	}

	prev, err := s.store.Get(item.ID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		_ = os.Remove(tmp)
		return fmt.Errorf("load previous artifact: %w", err)
	}
	if err := s.store.Save(artifact); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		s.restore(item.ID, prev)
		return fmt.Errorf("rename artifact: %w", err)
	}
	if prev != nil && prev.Path != path {
		if err := os.Remove(prev.Path); err != nil && !os.IsNotExist(err) {
			logger.Warn.Printf("remove superseded artifact %s: %v", prev.Path, err)
		}
	}
	return nil
}

// writeTemp writes data next to path and returns the temporary file name.
func writeTemp(path string, data []byte) (string, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("create artifact directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("write artifact: %w", err)
	}
	return tmp, nil
}

// restore puts back the record that a failed persist replaced.
func (s *BatchService) restore(itemID string, prev *domain.ConvertedArtifact) {
	var err error
	if prev != nil {
		err = s.store.Save(prev)
	} else {
		err = s.store.Delete(itemID)
	}
	if err != nil {
		logger.Error.Printf("restore artifact record of %s: %v", logger.SanitizeForLog(itemID), err)
	}
}

func (s *BatchService) publish(batchID string, ev Event) {
	if s.bus != nil {
		s.bus.Publish(batchID, ev)
	}
}

func (s *BatchService) state(id string) (*batchState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.batches[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return st, nil
}

// Wait blocks until the batch finishes or ctx is done.
func (s *BatchService) Wait(ctx context.Context, id string) (*domain.Batch, error) {
	st, err := s.state(id)
	if err != nil {
		return nil, err
	}
	select {
	case <-st.done:
		return s.Get(id)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CancelBatch stops a running batch. Cancelling a finished batch is a no-op.
func (s *BatchService) CancelBatch(id string) error {
	st, err := s.state(id)
	if err != nil {
		return err
	}
	st.cancel()
	logger.Info.Printf("batch %s cancel requested", id)
	return nil
}

func (s *BatchService) Get(id string) (*domain.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.batches[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return copyBatch(st.batch), nil
}

// List returns snapshots of all known batches, oldest first.
func (s *BatchService) List() []*domain.Batch {
	s.mu.RLock()
	list := make([]*domain.Batch, 0, len(s.batches))
	for _, st := range s.batches {
		list = append(list, copyBatch(st.batch))
	}
	s.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	return list
}

func copyBatch(b *domain.Batch) *domain.Batch {
	c := *b
	c.Results = append([]domain.ItemResult(nil), b.Results...)
	if b.FinishedAt != nil {
		t := *b.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

// Retry converts one item of a finished batch again with the batch options
// and returns its new result.
func (s *BatchService) Retry(ctx context.Context, batchID, itemID string) (*domain.ItemResult, error) {
	st, err := s.state(batchID)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	finished := st.batch.Status.Finished()
	opts := st.batch.Options
	s.mu.RUnlock()
	if !finished {
		return nil, ErrBatchRunning
	}

	index := -1
	for i, it := range st.items {
		if it.ID == itemID {
			index = i
			break
		}
	}
	if index < 0 {
		return nil, fmt.Errorf("item %s: %w", itemID, domain.ErrNotFound)
	}

	logger.Info.Printf("batch %s: retrying item %s", batchID, logger.SanitizeForLog(itemID))
	var final domain.ItemResult
	s.coord.ConvertAll(ctx, st.items[index:index+1], opts, 1, Hooks{
		ItemDone: func(_ int, r domain.ItemResult) {
			s.complete(ctx, st, index, r)
			final = s.resultAt(st, index)
		},
	})
	return &final, nil
}

func (s *BatchService) resultAt(st *batchState, index int) domain.ItemResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return st.batch.Results[index]
}

func (s *BatchService) ComputeResize(width, height int, opts domain.ConversionOptions) (domain.Dimensions, error) {
	return domain.ComputeResize(width, height, opts.MaxWidth, opts.MaxHeight, opts.MaintainAspectRatio)
}

// IsStale reports whether the stored artifact of itemID was produced with
// settings that differ from current. Items without an artifact are not stale.
func (s *BatchService) IsStale(itemID string, current domain.ConversionOptions) (bool, error) {
	a, err := s.store.Get(itemID)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return a.IsStale(current), nil
}

func (s *BatchService) Artifact(itemID string) (*domain.ConvertedArtifact, error) {
	return s.store.Get(itemID)
}

func (s *BatchService) Artifacts(batchID string) ([]*domain.ConvertedArtifact, error) {
	return s.store.ListByBatch(batchID)
}

// NeedsConversion reports whether item has no usable artifact: none exists,
// the source changed, the output file is gone, or the settings are stale.
func (s *BatchService) NeedsConversion(item domain.Item, current domain.ConversionOptions) bool {
	a, err := s.store.Get(item.ID)
	if err != nil {
		return true
	}
	if a.SourceDigest != domain.Digest(item.Data) || a.IsStale(current) {
		return true
	}
	_, err = os.Stat(a.Path)
	return err != nil
}

// Forget drops finished batches that ended more than retention ago. Their
// artifacts are kept.
func (s *BatchService) Forget(retention time.Duration) int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, st := range s.batches {
		if st.batch.IsExpired(retention, now) {
			delete(s.batches, id)
			n++
		}
	}
	if n > 0 {
		logger.Info.Printf("forgot %d finished batches", n)
	}
	return n
}

// Shutdown cancels every running batch and waits for them to stop.
func (s *BatchService) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	for _, st := range s.batches {
		st.cancel()
	}
	s.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
