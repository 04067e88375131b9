package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_Duration(t *testing.T) {
	b := NewBackoff(500*time.Millisecond, 0, 2.0)

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{-1, 500 * time.Millisecond},
		{0, 500 * time.Millisecond},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, b.Duration(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestBackoff_Duration_CapsAtMax(t *testing.T) {
	b := NewBackoff(100*time.Millisecond, 500*time.Millisecond, 2.0)
	assert.Equal(t, 500*time.Millisecond, b.Duration(10))
}

func TestBackoff_Duration_ZeroBase(t *testing.T) {
	b := NewBackoff(0, 0, 2.0)
	assert.Equal(t, time.Duration(0), b.Duration(4))
}

func TestPow(t *testing.T) {
	tests := []struct {
		base     float64
		exp      int
		expected float64
	}{
		{2.0, 0, 1.0},
		{2.0, 3, 8.0},
		{1.5, 2, 2.25},
		{10.0, 3, 1000.0},
	}

	for _, tt := range tests {
		assert.InDelta(t, tt.expected, pow(tt.base, tt.exp), 0.0001)
	}
}
