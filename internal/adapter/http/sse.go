package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bnema/pixbatch/internal/domain"
	"github.com/bnema/pixbatch/internal/infrastructure/logger"
	"github.com/bnema/pixbatch/internal/service"
)

const keepAliveInterval = 15 * time.Second

type EventSource interface {
	Subscribe(batchID string) chan service.Event
	Unsubscribe(batchID string, ch chan service.Event)
}

type SSEHandler struct {
	events    EventSource
	batches   BatchService
	keepAlive time.Duration
}

func NewSSEHandler(events EventSource, batches BatchService) *SSEHandler {
	return &SSEHandler{
		events:    events,
		batches:   batches,
		keepAlive: keepAliveInterval,
	}
}

// sseWrite writes an SSE event, handling multi-line data correctly.
func sseWrite(w http.ResponseWriter, eventName string, data string) {
	_, _ = fmt.Fprintf(w, "event: %s\n", eventName)
	for _, line := range strings.Split(data, "\n") {
		_, _ = fmt.Fprintf(w, "data: %s\n", line)
	}
	_, _ = fmt.Fprint(w, "\n")
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func sseWriteJSON(w http.ResponseWriter, eventName string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	sseWrite(w, eventName, string(data))
	return nil
}

// sendKeepAlive writes an SSE comment to keep the connection active.
func sendKeepAlive(w http.ResponseWriter) {
	_, _ = fmt.Fprint(w, ": keep-alive\n\n")
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

// sendSnapshot writes the full batch state as a "snapshot" event.
func (h *SSEHandler) sendSnapshot(w http.ResponseWriter, id string) (*domain.Batch, error) {
	batch, err := h.batches.Get(id)
	if err != nil {
		return nil, err
	}
	return batch, sseWriteJSON(w, "snapshot", newBatchView(batch, true))
}

// Events streams a batch: a snapshot first, then item, progress and batch
// events as they happen, and a final snapshot once the batch finishes. The
// stream then stays open until the client leaves, so EventSource does not
// reconnect in a loop.
func (h *SSEHandler) Events() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if _, err := h.batches.Get(id); err != nil {
			writeServiceError(w, err)
			return
		}

		// Subscribe before the snapshot so no event falls in between.
		ch := h.events.Subscribe(id)
		defer h.events.Unsubscribe(id, ch)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)

		ctx := r.Context()
		batch, err := h.sendSnapshot(w, id)
		if err != nil {
			logger.Debug.Printf("sse %s: %v", id, err)
			return
		}
		if batch.Status.Finished() {
			<-ctx.Done()
			return
		}

		keepAlive := time.NewTicker(h.keepAlive)
		defer keepAlive.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-keepAlive.C:
				// The bus drops events for slow readers; catch a missed finish.
				b, err := h.batches.Get(id)
				if errors.Is(err, domain.ErrNotFound) {
					logger.Debug.Printf("sse %s: batch forgotten, closing stream", id)
					return
				}
				if err == nil && b.Status.Finished() {
					_, _ = h.sendSnapshot(w, id)
					<-ctx.Done()
					return
				}
				sendKeepAlive(w)
			case event, ok := <-ch:
				if !ok {
					return
				}
				if err := sseWriteJSON(w, string(event.Type), event); err != nil {
					logger.Error.Printf("sse %s: encode event: %v", id, err)
					return
				}
				if event.Type == service.EventBatch && domain.BatchStatus(event.Status).Finished() {
					if _, err := h.sendSnapshot(w, id); err != nil {
						return
					}
					<-ctx.Done()
					return
				}
			}
		}
	}
}
