// Package remote talks to an HTTP batch codec that converts many images per
// request.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bnema/pixbatch/internal/domain"
	"github.com/bnema/pixbatch/internal/port"
)

// BatchPath is where codec servers accept batch requests.
const BatchPath = "/codec/batch"

// maxErrorBody bounds how much of a failed response is kept in the error.
const maxErrorBody = 512

type BatchRequest struct {
	Options domain.ConversionOptions `json:"options"`
	Items   []port.ChunkItem         `json:"items"`
}

type BatchResponse struct {
	Results []port.ChunkResult `json:"results"`
}

type Client struct {
	endpoint string
	http     *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		endpoint: strings.TrimRight(baseURL, "/") + BatchPath,
		http:     &http.Client{Timeout: timeout},
	}
}

// ConvertBatch sends one chunk. A 4xx response is reported as invalid input
// so the chunk is not retried; other failures are returned as is.
func (c *Client) ConvertBatch(ctx context.Context, items []port.ChunkItem, opts domain.ConversionOptions) ([]port.ChunkResult, error) {
	body, err := json.Marshal(BatchRequest{Options: opts, Items: items})
	if err != nil {
		return nil, fmt.Errorf("encode batch request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build batch request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("batch request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		text := strings.TrimSpace(string(msg))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, fmt.Errorf("%w: codec rejected batch (%d): %s", domain.ErrInvalidInput, resp.StatusCode, text)
		}
		return nil, fmt.Errorf("codec returned %d: %s", resp.StatusCode, text)
	}

	var out BatchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode batch response: %w", err)
	}
	return out.Results, nil
}

// Convert sends a single image as a one item batch.
func (c *Client) Convert(ctx context.Context, data []byte, opts domain.ConversionOptions) ([]byte, error) {
	results, err := c.ConvertBatch(ctx, []port.ChunkItem{{ID: "0", Data: data}}, opts)
	if err != nil {
		return nil, err
	}
	for _, r := range results {
		if r.ID != "0" {
			continue
		}
		if !r.Success {
			return nil, fmt.Errorf("codec: %s", r.Error)
		}
		return r.Data, nil
	}
	return nil, fmt.Errorf("codec response missing item")
}

var (
	_ port.BatchConverter = (*Client)(nil)
	_ port.ImageConverter = (*Client)(nil)
)
