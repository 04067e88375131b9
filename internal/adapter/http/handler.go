package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/bnema/pixbatch/internal/adapter/http/validation"
	"github.com/bnema/pixbatch/internal/domain"
	"github.com/bnema/pixbatch/internal/infrastructure/logger"
	"github.com/bnema/pixbatch/internal/service"
)

type BatchService interface {
	SubmitBatch(ctx context.Context, items []domain.Item, opts domain.ConversionOptions) (*domain.Batch, error)
	Get(id string) (*domain.Batch, error)
	List() []*domain.Batch
	CancelBatch(id string) error
	Retry(ctx context.Context, batchID, itemID string) (*domain.ItemResult, error)
	Artifact(itemID string) (*domain.ConvertedArtifact, error)
	IsStale(itemID string, current domain.ConversionOptions) (bool, error)
	ComputeResize(width, height int, opts domain.ConversionOptions) (domain.Dimensions, error)
}

// multipartMemory is how much of an upload is buffered in memory before
// spilling to temp files.
const multipartMemory = 32 << 20

type Handlers struct {
	batches        BatchService
	defaults       domain.ConversionOptions
	maxUploadBytes int64
}

func NewHandlers(batches BatchService, defaults domain.ConversionOptions, maxUploadBytes int64) *Handlers {
	return &Handlers{
		batches:        batches,
		defaults:       defaults,
		maxUploadBytes: maxUploadBytes,
	}
}

type itemView struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	State      string `json:"state"`
	Error      string `json:"error,omitempty"`
	InputSize  int64  `json:"input_size"`
	OutputSize int64  `json:"output_size,omitempty"`
	Attempts   int    `json:"attempts"`
	DurationMS int64  `json:"duration_ms"`
	Artifact   string `json:"artifact,omitempty"`
}

type batchView struct {
	ID         string                   `json:"id"`
	Status     domain.BatchStatus       `json:"status"`
	Options    domain.ConversionOptions `json:"options"`
	Total      int                      `json:"total"`
	Completed  int                      `json:"completed"`
	Failed     int                      `json:"failed"`
	CreatedAt  time.Time                `json:"created_at"`
	FinishedAt *time.Time               `json:"finished_at,omitempty"`
	Items      []itemView               `json:"items,omitempty"`
}

func newItemView(r domain.ItemResult) itemView {
	v := itemView{
		ID:         r.ID,
		Name:       r.Name,
		State:      "pending",
		Error:      r.Error(),
		InputSize:  r.InputSize,
		OutputSize: r.OutputSize,
		Attempts:   r.Attempts,
		DurationMS: r.Duration.Milliseconds(),
	}
	switch {
	case r.Success:
		v.State = "completed"
		v.Artifact = "/artifacts/" + url.PathEscape(r.ID)
	case r.Err != nil:
		v.State = "failed"
	}
	return v
}

func newBatchView(b *domain.Batch, withItems bool) batchView {
	v := batchView{
		ID:         b.ID,
		Status:     b.Status,
		Options:    b.Options,
		Total:      b.Total,
		Completed:  b.Completed,
		Failed:     b.Failed,
		CreatedAt:  b.CreatedAt,
		FinishedAt: b.FinishedAt,
	}
	if withItems {
		v.Items = make([]itemView, len(b.Results))
		for i, r := range b.Results {
			v.Items[i] = newItemView(r)
		}
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug.Printf("write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps service errors onto status codes.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrBatchRunning):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrInvalidDimensions):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		logger.Error.Printf("request failed: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// parseOptions overlays the conversion fields present in values on base.
// Values are only parsed here; range checks happen when the batch runs.
func parseOptions(values url.Values, base domain.ConversionOptions) (domain.ConversionOptions, error) {
	opts := base
	ints := []struct {
		key string
		dst *int
	}{
		{"quality", &opts.Quality},
		{"max_width", &opts.MaxWidth},
		{"max_height", &opts.MaxHeight},
	}
	for _, f := range ints {
		raw := values.Get(f.key)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return opts, fmt.Errorf("%w: %s must be an integer", domain.ErrInvalidInput, f.key)
		}
		*f.dst = n
	}

	if raw := values.Get("keep_aspect"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return opts, fmt.Errorf("%w: keep_aspect must be a boolean", domain.ErrInvalidInput)
		}
		opts.MaintainAspectRatio = b
	}

	if raw := values.Get("format"); raw != "" {
		f, err := domain.ParseFormat(raw)
		if err != nil {
			return opts, err
		}
		opts.Format = f
	}
	return opts, nil
}

// SubmitBatch accepts a multipart upload of files[] plus option fields.
// Files that are not a supported image still join the batch, failed.
func (h *Handlers) SubmitBatch() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) || r.ContentLength > h.maxUploadBytes {
				writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
				return
			}
			writeError(w, http.StatusBadRequest, "invalid multipart upload")
			return
		}
		defer func() { _ = r.MultipartForm.RemoveAll() }()

		opts, err := parseOptions(url.Values(r.MultipartForm.Value), h.defaults)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		files := r.MultipartForm.File["files[]"]
		if len(files) == 0 {
			files = r.MultipartForm.File["files"]
		}
		if len(files) == 0 {
			writeError(w, http.StatusBadRequest, "no files uploaded")
			return
		}

		items := make([]domain.Item, 0, len(files))
		for _, fh := range files {
			item, err := readUpload(fh)
			if err != nil {
				logger.Error.Printf("read upload %s: %v", logger.SanitizeForLog(fh.Filename), err)
				writeError(w, http.StatusBadRequest, "failed to read upload")
				return
			}
			items = append(items, item)
		}

		batch, err := h.batches.SubmitBatch(r.Context(), items, opts)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		w.Header().Set("Location", "/batches/"+batch.ID)
		writeJSON(w, http.StatusAccepted, newBatchView(batch, true))
	}
}

func readUpload(fh *multipart.FileHeader) (domain.Item, error) {
	f, err := fh.Open()
	if err != nil {
		return domain.Item{}, err
	}
	defer func() { _ = f.Close() }()

	data, err := io.ReadAll(f)
	if err != nil {
		return domain.Item{}, err
	}

	item := domain.Item{Name: validation.SanitizeFilename(fh.Filename), Data: data}
	if mime, allowed := validation.DetectImage(data); !allowed {
		item.Rejected = fmt.Errorf("%w: %w: %s", domain.ErrInvalidInput, validation.ErrDisallowedFileType, mime)
	}
	return item, nil
}

func (h *Handlers) ListBatches() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		batches := h.batches.List()
		views := make([]batchView, len(batches))
		for i, b := range batches {
			views[i] = newBatchView(b, false)
		}
		writeJSON(w, http.StatusOK, views)
	}
}

func (h *Handlers) GetBatch() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		batch, err := h.batches.Get(r.PathValue("id"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, newBatchView(batch, true))
	}
}

func (h *Handlers) CancelBatch() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := h.batches.CancelBatch(id); err != nil {
			writeServiceError(w, err)
			return
		}
		batch, err := h.batches.Get(id)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, newBatchView(batch, false))
	}
}

func (h *Handlers) RetryItem() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := h.batches.Retry(r.Context(), r.PathValue("id"), r.PathValue("item"))
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, newItemView(*res))
	}
}

// Artifact serves converted bytes. The ETag is the digest of the bytes, so
// conditional requests work across restarts.
func (h *Handlers) Artifact() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		a, err := h.batches.Artifact(r.PathValue("item"))
		if err != nil {
			writeServiceError(w, err)
			return
		}

		data, err := os.ReadFile(a.Path)
		if err != nil {
			if os.IsNotExist(err) {
				writeError(w, http.StatusNotFound, "artifact file missing")
				return
			}
			writeServiceError(w, err)
			return
		}

		name := validation.OutputFilename(a.Name, a.Format)
		w.Header().Set("ETag", `"`+domain.Digest(data)+`"`)
		w.Header().Set("Content-Type", a.Format.MIMEType())
		w.Header().Set("Content-Disposition", validation.ContentDisposition(name, r.URL.Query().Has("inline")))
		w.Header().Set("Cache-Control", "private, max-age=0, must-revalidate")
		http.ServeContent(w, r, name, a.CreatedAt, bytes.NewReader(data))
	}
}

func (h *Handlers) ArtifactStale() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		current, err := parseOptions(r.URL.Query(), h.defaults)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		stale, err := h.batches.IsStale(r.PathValue("item"), current)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"stale": stale})
	}
}

func (h *Handlers) Resize() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		width, errW := strconv.Atoi(q.Get("w"))
		height, errH := strconv.Atoi(q.Get("h"))
		if errW != nil || errH != nil {
			writeError(w, http.StatusBadRequest, "w and h must be integers")
			return
		}

		// The bounds default to unconstrained, not to the server defaults.
		base := domain.ConversionOptions{MaintainAspectRatio: true}
		for _, kv := range [][2]string{{"max_w", "max_width"}, {"max_h", "max_height"}} {
			if v := q.Get(kv[0]); v != "" {
				q.Set(kv[1], v)
			}
		}
		opts, err := parseOptions(q, base)
		if err != nil {
			writeServiceError(w, err)
			return
		}

		dims, err := h.batches.ComputeResize(width, height, opts)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if !dims.Resize {
			dims.Width, dims.Height = width, height
		}
		writeJSON(w, http.StatusOK, dims)
	}
}
