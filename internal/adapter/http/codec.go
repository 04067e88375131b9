package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/bnema/pixbatch/internal/adapter/converter/remote"
	"github.com/bnema/pixbatch/internal/domain"
	"github.com/bnema/pixbatch/internal/infrastructure/logger"
	"github.com/bnema/pixbatch/internal/port"
)

// CodecHandler serves the batch codec protocol spoken by remote.Client, so
// one pixbatch instance can convert chunks for another.
type CodecHandler struct {
	conv        port.ImageConverter
	concurrency int
	maxBody     int64
}

func NewCodecHandler(conv port.ImageConverter, concurrency int, maxBody int64) *CodecHandler {
	return &CodecHandler{conv: conv, concurrency: max(concurrency, 1), maxBody: maxBody}
}

// ConvertBatch answers 400 for malformed requests and invalid options, which
// the client treats as permanent. Per-item failures go in the results.
func (h *CodecHandler) ConvertBatch() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)

		var req remote.BatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, http.StatusRequestEntityTooLarge, "batch too large")
				return
			}
			writeError(w, http.StatusBadRequest, "invalid batch request")
			return
		}
		if err := req.Options.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		results := h.convert(r.Context(), req.Items, req.Options)
		if r.Context().Err() != nil {
			return
		}
		writeJSON(w, http.StatusOK, remote.BatchResponse{Results: results})
	}
}

func (h *CodecHandler) convert(ctx context.Context, items []port.ChunkItem, opts domain.ConversionOptions) []port.ChunkResult {
	results := make([]port.ChunkResult, len(items))
	var g errgroup.Group
	g.SetLimit(h.concurrency)
	for i, it := range items {
		g.Go(func() error {
			res := port.ChunkResult{ID: it.ID, InputSize: int64(len(it.Data))}
			out, err := h.conv.Convert(ctx, it.Data, opts)
			if err != nil {
				logger.Debug.Printf("codec: item %s: %v", logger.SanitizeForLog(it.ID), err)
				res.Error = err.Error()
			} else {
				res.Success = true
				res.Data = out
				res.OutputSize = int64(len(out))
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return results
}
