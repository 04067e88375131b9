package http

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bnema/pixbatch/internal/domain"
	"github.com/bnema/pixbatch/internal/service"
)

type sseEvent struct {
	name string
	data string
}

// readEvents parses an event stream until ctx ends or the body closes.
func readEvents(body *bufio.Scanner, out chan<- sseEvent) {
	defer close(out)
	var ev sseEvent
	var data []string
	for body.Scan() {
		line := body.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			ev.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = append(data, strings.TrimPrefix(line, "data: "))
		case line == "" && ev.name != "":
			ev.data = strings.Join(data, "\n")
			out <- ev
			ev, data = sseEvent{}, nil
		}
	}
}

func openStream(t *testing.T, ctx context.Context, url string) <-chan sseEvent {
	t.Helper()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := make(chan sseEvent, 64)
	go readEvents(bufio.NewScanner(resp.Body), events)
	return events
}

func nextEvent(t *testing.T, events <-chan sseEvent) sseEvent {
	t.Helper()
	select {
	case ev, ok := <-events:
		require.True(t, ok, "stream closed")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return sseEvent{}
	}
}

func TestEvents_StreamsUntilDone(t *testing.T) {
	gate := make(chan struct{})
	env := newTestEnv(t, upperConv{gate: gate}, Config{})
	ts := httptest.NewServer(env.srv)
	defer ts.Close()

	rec := env.do(multipartRequest(t, []upload{pngUpload("a.png", "x"), pngUpload("b.png", "y")}, nil))
	require.Equal(t, http.StatusAccepted, rec.Code)
	id := decode[batchView](t, rec).ID

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := openStream(t, ctx, ts.URL+"/batches/"+id+"/events")

	first := nextEvent(t, events)
	require.Equal(t, "snapshot", first.name)
	var snap batchView
	require.NoError(t, json.Unmarshal([]byte(first.data), &snap))
	assert.Equal(t, id, snap.ID)
	assert.False(t, snap.Status.Finished())
	assert.Len(t, snap.Items, 2)

	close(gate)

	seen := make(map[string]int)
	for {
		ev := nextEvent(t, events)
		seen[ev.name]++
		if ev.name != "snapshot" {
			var e service.Event
			require.NoError(t, json.Unmarshal([]byte(ev.data), &e))
			assert.Equal(t, id, e.BatchID)
			assert.Equal(t, ev.name, string(e.Type))
			continue
		}
		require.NoError(t, json.Unmarshal([]byte(ev.data), &snap))
		break
	}

	assert.Equal(t, domain.BatchStatusDone, snap.Status)
	assert.Equal(t, 2, snap.Completed)
	assert.Equal(t, 2, seen["progress"])
	assert.GreaterOrEqual(t, seen["batch"], 1)
	assert.GreaterOrEqual(t, seen["item"], 2)
}

func TestEvents_FinishedBatchSendsSnapshot(t *testing.T) {
	env := newTestEnv(t, upperConv{}, Config{})
	ts := httptest.NewServer(env.srv)
	defer ts.Close()

	b := env.submitAndWait(t, []upload{pngUpload("a.png", "x")}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := openStream(t, ctx, ts.URL+"/batches/"+b.ID+"/events")

	ev := nextEvent(t, events)
	require.Equal(t, "snapshot", ev.name)
	var snap batchView
	require.NoError(t, json.Unmarshal([]byte(ev.data), &snap))
	assert.Equal(t, domain.BatchStatusDone, snap.Status)
	assert.Equal(t, "completed", snap.Items[0].State)
}

// forgettingBatches reports a running batch for the first lookups, then
// behaves as if the batch was forgotten.
type forgettingBatches struct {
	BatchService
	lookups atomic.Int64
	keep    int64
}

func (f *forgettingBatches) Get(id string) (*domain.Batch, error) {
	if f.lookups.Add(1) > f.keep {
		return nil, domain.ErrNotFound
	}
	return &domain.Batch{ID: id, Status: domain.BatchStatusProcessing, Total: 1}, nil
}

func TestEvents_ForgottenBatchEndsStream(t *testing.T) {
	batches := &forgettingBatches{keep: 2}
	h := NewSSEHandler(service.NewEventBus(), batches)
	h.keepAlive = 10 * time.Millisecond

	req := httptest.NewRequest(http.MethodGet, "/batches/b1/events", nil)
	req.SetPathValue("id", "b1")
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.Events()(rec, req)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not end after the batch was forgotten")
	}
	assert.Contains(t, rec.Body.String(), "event: snapshot")
	assert.Equal(t, int64(3), batches.lookups.Load())
}

func TestSSEWrite_MultiLine(t *testing.T) {
	rec := httptest.NewRecorder()
	sseWrite(rec, "item", "line one\nline two")

	assert.Equal(t, "event: item\ndata: line one\ndata: line two\n\n", rec.Body.String())
}

func TestSendKeepAlive(t *testing.T) {
	rec := httptest.NewRecorder()
	sendKeepAlive(rec)

	assert.Equal(t, ": keep-alive\n\n", rec.Body.String())
	assert.True(t, rec.Flushed)
}
