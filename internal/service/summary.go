package service

import (
	"fmt"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"

	"github.com/bnema/pixbatch/internal/domain"
)

// Durations are recorded in microseconds, up to one hour.
const maxRecordedMicros = int64(time.Hour / time.Microsecond)

type Summary struct {
	Total       int           `json:"total"`
	Succeeded   int           `json:"succeeded"`
	Failed      int           `json:"failed"`
	Attempts    int           `json:"attempts"`
	InputBytes  int64         `json:"input_bytes"`
	OutputBytes int64         `json:"output_bytes"`
	P50         time.Duration `json:"p50"`
	P95         time.Duration `json:"p95"`
	Max         time.Duration `json:"max"`
}

// Summarize aggregates item results. Byte totals only count successful
// items so the savings compare like with like.
func Summarize(results []domain.ItemResult) Summary {
	h := hdrhistogram.New(1, maxRecordedMicros, 3)
	s := Summary{Total: len(results)}

	for _, r := range results {
		s.Attempts += r.Attempts
		if !r.Success {
			s.Failed++
			continue
		}
		s.Succeeded++
		s.InputBytes += r.InputSize
		s.OutputBytes += r.OutputSize

		us := r.Duration.Microseconds()
		if us < 1 {
			us = 1
		}
		if us > maxRecordedMicros {
			us = maxRecordedMicros
		}
		_ = h.RecordValue(us)
	}

	if h.TotalCount() > 0 {
		s.P50 = time.Duration(h.ValueAtQuantile(50)) * time.Microsecond
		s.P95 = time.Duration(h.ValueAtQuantile(95)) * time.Microsecond
		s.Max = time.Duration(h.Max()) * time.Microsecond
	}
	return s
}

func (s Summary) SavedBytes() int64 {
	return s.InputBytes - s.OutputBytes
}

// SavedPercent is the share of input bytes saved, 0 when nothing converted.
func (s Summary) SavedPercent() float64 {
	if s.InputBytes == 0 {
		return 0
	}
	return float64(s.SavedBytes()) * 100 / float64(s.InputBytes)
}

func (s Summary) String() string {
	return fmt.Sprintf("%d ok, %d failed of %d | %s -> %s (saved %s, %.1f%%) | p50 %s p95 %s max %s",
		s.Succeeded, s.Failed, s.Total,
		domain.FormatSize(s.InputBytes), domain.FormatSize(s.OutputBytes),
		domain.FormatSize(s.SavedBytes()), s.SavedPercent(),
		s.P50.Round(time.Millisecond), s.P95.Round(time.Millisecond), s.Max.Round(time.Millisecond))
}
