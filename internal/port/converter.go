package port

import (
	"context"

	"github.com/bnema/pixbatch/internal/domain"
)

// ImageConverter converts one image. Implementations must return once ctx is
// done, and should wrap domain.ErrInvalidInput for data they cannot decode so
// the call is not retried.
type ImageConverter interface {
	Convert(ctx context.Context, data []byte, opts domain.ConversionOptions) ([]byte, error)
}

// Prober is implemented by converters that can read image dimensions.
type Prober interface {
	Probe(ctx context.Context, data []byte) (width, height int, err error)
}

type ChunkItem struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Data []byte `json:"data"`
}

type ChunkResult struct {
	ID         string `json:"id"`
	Success    bool   `json:"success"`
	Data       []byte `json:"data,omitempty"`
	Error      string `json:"error,omitempty"`
	OutputSize int64  `json:"output_size"`
	InputSize  int64  `json:"input_size"`
}

// BatchConverter converts a chunk of images in one call. An error means the
// whole chunk failed; per-item failures are reported in the results. Items
// missing from the results are treated as failed.
type BatchConverter interface {
	ConvertBatch(ctx context.Context, items []ChunkItem, opts domain.ConversionOptions) ([]ChunkResult, error)
}
