package domain

import (
	"fmt"
	"strings"
)

type Format string

const (
	FormatWebP Format = "webp"
	FormatAVIF Format = "avif"
	FormatPNG  Format = "png"
	FormatJPEG Format = "jpeg"
)

var formatMIME = map[Format]string{
	FormatWebP: "image/webp",
	FormatAVIF: "image/avif",
	FormatPNG:  "image/png",
	FormatJPEG: "image/jpeg",
}

// ParseFormat accepts a format name, case-insensitively. "jpg" is an alias
// for jpeg.
func ParseFormat(s string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(s)))
	if f == "jpg" {
		f = FormatJPEG
	}
	if _, ok := formatMIME[f]; !ok {
		return "", fmt.Errorf("%w: unsupported format %q", ErrInvalidInput, s)
	}
	return f, nil
}

func (f Format) Valid() bool {
	_, ok := formatMIME[f]
	return ok
}

func (f Format) MIMEType() string {
	if mime, ok := formatMIME[f]; ok {
		return mime
	}
	return "application/octet-stream"
}

// Extension returns the file extension for the format, including the dot.
func (f Format) Extension() string {
	if f == FormatJPEG {
		return ".jpg"
	}
	return "." + string(f)
}

// ConversionOptions is value data: two option sets are equal when all their
// fields are equal.
type ConversionOptions struct {
	Quality             int    `json:"quality"`
	MaxWidth            int    `json:"max_width"`
	MaxHeight           int    `json:"max_height"`
	MaintainAspectRatio bool   `json:"maintain_aspect_ratio"`
	Format              Format `json:"format"`
}

func DefaultConversionOptions() ConversionOptions {
	return ConversionOptions{
		Quality:             80,
		MaxWidth:            1920,
		MaxHeight:           1080,
		MaintainAspectRatio: true,
		Format:              FormatWebP,
	}
}

func (o ConversionOptions) Validate() error {
	if o.Quality < 1 || o.Quality > 100 {
		return fmt.Errorf("%w: quality %d out of range 1-100", ErrInvalidInput, o.Quality)
	}
	if o.MaxWidth < 0 || o.MaxHeight < 0 {
		return fmt.Errorf("%w: negative size bound %dx%d", ErrInvalidInput, o.MaxWidth, o.MaxHeight)
	}
	if !o.Format.Valid() {
		return fmt.Errorf("%w: unsupported format %q", ErrInvalidInput, o.Format)
	}
	return nil
}

func (o ConversionOptions) String() string {
	return fmt.Sprintf("%s q=%d max=%dx%d aspect=%t", o.Format, o.Quality, o.MaxWidth, o.MaxHeight, o.MaintainAspectRatio)
}
