package domain

import (
	"fmt"
	"math"
)

// Dimensions is the outcome of ComputeResize. Resize is false when the
// original should be kept as is; Width and Height are zero in that case.
type Dimensions struct {
	Width  int  `json:"width,omitempty"`
	Height int  `json:"height,omitempty"`
	Resize bool `json:"resize"`
}

// ComputeResize returns the target size for an image of origW x origH under
// the given bounds. A bound of 0 leaves that axis unconstrained. The result
// never exceeds the original in either axis.
//
// With keepAspect, width is clamped first and height derived from the ratio;
// the height is then clamped if it still exceeds maxH, deriving width again.
// Rounding happens once, on the final values.
func ComputeResize(origW, origH, maxW, maxH int, keepAspect bool) (Dimensions, error) {
	if origW <= 0 || origH <= 0 {
		return Dimensions{}, fmt.Errorf("%w: %dx%d", ErrInvalidDimensions, origW, origH)
	}
	if maxW < 0 || maxH < 0 {
		return Dimensions{}, fmt.Errorf("%w: negative bound %dx%d", ErrInvalidDimensions, maxW, maxH)
	}

	fitsW := maxW == 0 || origW <= maxW
	fitsH := maxH == 0 || origH <= maxH
	if fitsW && fitsH {
		return Dimensions{}, nil
	}

	if !keepAspect {
		w, h := origW, origH
		if maxW > 0 && w > maxW {
			w = maxW
		}
		if maxH > 0 && h > maxH {
			h = maxH
		}
		return Dimensions{Width: w, Height: h, Resize: true}, nil
	}

	ratio := float64(origW) / float64(origH)
	w, h := float64(origW), float64(origH)
	if maxW > 0 && w > float64(maxW) {
		w = float64(maxW)
		h = w / ratio
	}
	if maxH > 0 && h > float64(maxH) {
		h = float64(maxH)
		w = h * ratio
	}

	return Dimensions{
		Width:  clampRounded(w, origW),
		Height: clampRounded(h, origH),
		Resize: true,
	}, nil
}

// clampRounded rounds v and keeps it within [1, limit].
func clampRounded(v float64, limit int) int {
	n := int(math.Round(v))
	if n > limit {
		n = limit
	}
	if n < 1 {
		n = 1
	}
	return n
}
