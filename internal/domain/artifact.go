package domain

import (
	"encoding/hex"
	"time"

	"golang.org/x/crypto/blake2b"
)

// ConvertedArtifact records one successful conversion. Reprocessing an item
// produces a new artifact that replaces the old one; artifacts are never
// edited in place.
type ConvertedArtifact struct {
	ItemID       string            `json:"item_id"`
	BatchID      string            `json:"batch_id"`
	Name         string            `json:"name"`
	Path         string            `json:"path"`
	Format       Format            `json:"format"`
	OutputSize   int64             `json:"output_size"`
	OriginalSize int64             `json:"original_size"`
	Width        int               `json:"width,omitempty"`
	Height       int               `json:"height,omitempty"`
	SourceDigest string            `json:"source_digest"`
	Options      ConversionOptions `json:"options"`
	CreatedAt    time.Time         `json:"created_at"`
}

func (a *ConvertedArtifact) IsStale(current ConversionOptions) bool {
	if a == nil {
		return false
	}
	return IsStale(&a.Options, current)
}

// SavedBytes is negative when the conversion grew the file.
func (a *ConvertedArtifact) SavedBytes() int64 {
	return a.OriginalSize - a.OutputSize
}

// OutputName is the download name: the original basename with the target
// extension.
func (a *ConvertedArtifact) OutputName() string {
	return ReplaceExtension(a.Name, a.Format)
}

// Digest returns the hex BLAKE2b-256 sum of data.
func Digest(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func ReplaceExtension(name string, f Format) string {
	base := name
	for i := len(name) - 1; i >= 0 && name[i] != '/' && name[i] != '\\'; i-- {
		if name[i] == '.' {
			base = name[:i]
			break
		}
	}
	if base == "" {
		base = "image"
	}
	return base + f.Extension()
}
