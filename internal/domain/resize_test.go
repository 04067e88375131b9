package domain

import (
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeResize(t *testing.T) {
	tests := []struct {
		name         string
		origW, origH int
		maxW, maxH   int
		keepAspect   bool
		want         Dimensions
	}{
		{"landscape clamped by width", 4000, 2000, 1920, 1080, true, Dimensions{Width: 1920, Height: 960, Resize: true}},
		{"portrait clamped by height", 1000, 2000, 1920, 1080, true, Dimensions{Width: 540, Height: 1080, Resize: true}},
		{"width then height pass", 4000, 3000, 1920, 1080, true, Dimensions{Width: 1440, Height: 1080, Resize: true}},
		{"unconstrained", 800, 600, 0, 0, true, Dimensions{}},
		{"fits without aspect", 800, 600, 1920, 1080, false, Dimensions{}},
		{"fits exactly", 1920, 1080, 1920, 1080, true, Dimensions{}},
		{"only width bound", 3000, 1000, 1500, 0, true, Dimensions{Width: 1500, Height: 500, Resize: true}},
		{"only height bound", 1000, 3000, 0, 1500, true, Dimensions{Width: 500, Height: 1500, Resize: true}},
		{"independent axes", 4000, 500, 1920, 1080, false, Dimensions{Width: 1920, Height: 500, Resize: true}},
		{"both axes clamped independently", 4000, 4000, 1920, 1080, false, Dimensions{Width: 1920, Height: 1080, Resize: true}},
		{"rounds to nearest", 1001, 333, 500, 0, true, Dimensions{Width: 500, Height: 166, Resize: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ComputeResize(tt.origW, tt.origH, tt.maxW, tt.maxH, tt.keepAspect)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestComputeResize_InvalidDimensions(t *testing.T) {
	cases := [][4]int{
		{0, 600, 100, 100},
		{800, 0, 100, 100},
		{-1, 600, 100, 100},
		{800, 600, -1, 100},
	}
	for _, c := range cases {
		_, err := ComputeResize(c[0], c[1], c[2], c[3], true)
		assert.True(t, errors.Is(err, ErrInvalidDimensions), "case %v", c)
	}
}

func TestComputeResizeProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("never upscales", prop.ForAll(
		func(w, h, maxW, maxH int, keep bool) bool {
			d, err := ComputeResize(w, h, maxW, maxH, keep)
			if err != nil {
				return false
			}
			if !d.Resize {
				return true
			}
			return d.Width >= 1 && d.Height >= 1 && d.Width <= w && d.Height <= h
		},
		gen.IntRange(1, 10000),
		gen.IntRange(1, 10000),
		gen.IntRange(0, 5000),
		gen.IntRange(0, 5000),
		gen.Bool(),
	))

	properties.Property("respects positive bounds", prop.ForAll(
		func(w, h, maxW, maxH int, keep bool) bool {
			d, err := ComputeResize(w, h, maxW, maxH, keep)
			if err != nil {
				return false
			}
			width, height := w, h
			if d.Resize {
				width, height = d.Width, d.Height
			}
			return (maxW == 0 || width <= maxW) && (maxH == 0 || height <= maxH)
		},
		gen.IntRange(1, 10000),
		gen.IntRange(1, 10000),
		gen.IntRange(0, 5000),
		gen.IntRange(0, 5000),
		gen.Bool(),
	))

	properties.Property("no resize when image fits", prop.ForAll(
		func(w, h, extraW, extraH int) bool {
			d, err := ComputeResize(w, h, w+extraW, h+extraH, true)
			return err == nil && !d.Resize
		},
		gen.IntRange(1, 5000),
		gen.IntRange(1, 5000),
		gen.IntRange(0, 1000),
		gen.IntRange(0, 1000),
	))

	properties.TestingRun(t)
}
