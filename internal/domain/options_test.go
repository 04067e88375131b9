package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"webp", FormatWebP, false},
		{"AVIF", FormatAVIF, false},
		{" png ", FormatPNG, false},
		{"jpeg", FormatJPEG, false},
		{"jpg", FormatJPEG, false},
		{"gif", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFormat(tt.in)
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrInvalidInput))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormat_Helpers(t *testing.T) {
	assert.Equal(t, ".jpg", FormatJPEG.Extension())
	assert.Equal(t, ".webp", FormatWebP.Extension())
	assert.Equal(t, "image/avif", FormatAVIF.MIMEType())
	assert.Equal(t, "application/octet-stream", Format("tiff").MIMEType())
}

func TestConversionOptions_Validate(t *testing.T) {
	assert.NoError(t, DefaultConversionOptions().Validate())

	tests := []struct {
		name   string
		mutate func(o *ConversionOptions)
	}{
		{"quality zero", func(o *ConversionOptions) { o.Quality = 0 }},
		{"quality above range", func(o *ConversionOptions) { o.Quality = 101 }},
		{"negative width", func(o *ConversionOptions) { o.MaxWidth = -1 }},
		{"negative height", func(o *ConversionOptions) { o.MaxHeight = -5 }},
		{"unknown format", func(o *ConversionOptions) { o.Format = "bmp" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := DefaultConversionOptions()
			tt.mutate(&o)
			assert.True(t, errors.Is(o.Validate(), ErrInvalidInput))
		})
	}
}

func TestDigest(t *testing.T) {
	d := Digest([]byte("hello"))
	assert.Len(t, d, 64)
	assert.Equal(t, d, Digest([]byte("hello")))
	assert.NotEqual(t, d, Digest([]byte("hello!")))
}

func TestReplaceExtension(t *testing.T) {
	assert.Equal(t, "photo.webp", ReplaceExtension("photo.jpg", FormatWebP))
	assert.Equal(t, "archive.tar.jpg", ReplaceExtension("archive.tar.gz", FormatJPEG))
	assert.Equal(t, "noext.png", ReplaceExtension("noext", FormatPNG))
	assert.Equal(t, "dir.v2/file.avif", ReplaceExtension("dir.v2/file", FormatAVIF))
	assert.Equal(t, "image.webp", ReplaceExtension(".hidden", FormatWebP))
}

func TestBatch_IsExpired(t *testing.T) {
	now := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	finished := now.Add(-2 * time.Hour)
	b := &Batch{FinishedAt: &finished}

	assert.True(t, b.IsExpired(time.Hour, now))
	assert.False(t, b.IsExpired(3*time.Hour, now))
	assert.False(t, (&Batch{}).IsExpired(1, now))
}
