// Package validation checks uploaded files before they reach a batch.
package validation

import (
	"bytes"
	"errors"
	"io"
	"net/http"
)

// ErrDisallowedFileType is returned when a file type is not in the allowlist.
var ErrDisallowedFileType = errors.New("file type not allowed")

// allowedMIMETypes lists the source image types the converter accepts.
var allowedMIMETypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
	"image/avif": true,
	"image/bmp":  true,
}

// magicBytesBufferSize is the number of bytes to read for content type detection.
const magicBytesBufferSize = 512

// ValidateMagicBytes reads up to 512 bytes from reader, detects the MIME type
// and rewinds the reader.
func ValidateMagicBytes(reader io.ReadSeeker) (mime string, allowed bool, err error) {
	buf := make([]byte, magicBytesBufferSize)
	n, err := io.ReadFull(reader, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return "", false, err
	}

	if _, err := reader.Seek(0, io.SeekStart); err != nil {
		return "", false, err
	}

	mime, allowed = DetectImage(buf[:n])
	return mime, allowed, nil
}

// DetectImage sniffs data and reports whether it is an allowed image type.
func DetectImage(data []byte) (mime string, allowed bool) {
	if len(data) == 0 {
		return "application/octet-stream", false
	}
	if len(data) > magicBytesBufferSize {
		data = data[:magicBytesBufferSize]
	}

	mime = detectCustomMagicBytes(data)
	if mime == "" {
		mime = http.DetectContentType(data)
	}
	return mime, allowedMIMETypes[mime]
}

// detectCustomMagicBytes covers formats http.DetectContentType does not know
// or reports too loosely.
func detectCustomMagicBytes(buf []byte) string {
	if len(buf) < 12 {
		return ""
	}

	// WebP: RIFF....WEBP
	if bytes.Equal(buf[0:4], []byte("RIFF")) && bytes.Equal(buf[8:12], []byte("WEBP")) {
		return "image/webp"
	}

	// ISO BMFF: [size]["ftyp"][brand]
	if bytes.Equal(buf[4:8], []byte("ftyp")) {
		switch string(buf[8:12]) {
		case "avif", "avis":
			return "image/avif"
		case "heic", "heix", "mif1":
			return "image/heic"
		default:
			return "video/mp4"
		}
	}

	return ""
}
