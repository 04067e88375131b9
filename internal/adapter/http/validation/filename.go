package validation

import (
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/bnema/pixbatch/internal/domain"
)

// maxFilenameLength is the common filesystem limit, in bytes.
const maxFilenameLength = 255

// SanitizeFilename makes an uploaded name safe for headers and paths. Path
// separators, quotes, colons and control characters become underscores.
// Unicode is kept. Names over 255 bytes are cut before the extension, and a
// name with nothing usable left becomes "file".
func SanitizeFilename(name string) string {
	result := strings.TrimSpace(strings.Map(func(r rune) rune {
		if unsafeRune(r) {
			return '_'
		}
		return r
	}, name))

	if strings.Trim(result, "_") == "" {
		return "file"
	}
	if len(result) > maxFilenameLength {
		result = truncateKeepingExt(result)
	}
	return result
}

func unsafeRune(r rune) bool {
	if r < 32 || r == 127 {
		return true
	}
	switch r {
	case '"', '\\', '/', ':':
		return true
	}
	return false
}

func truncateKeepingExt(name string) string {
	ext := filepath.Ext(name)
	if ext == "" || len(ext) >= maxFilenameLength {
		return truncateToBytes(name, maxFilenameLength)
	}
	return truncateToBytes(strings.TrimSuffix(name, ext), maxFilenameLength-len(ext)) + ext
}

// truncateToBytes cuts s to at most maxBytes without splitting a rune.
func truncateToBytes(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	for maxBytes > 0 && !utf8.RuneStart(s[maxBytes]) {
		maxBytes--
	}
	return s[:maxBytes]
}

// OutputFilename is the download name of a converted upload: the sanitized
// original basename with the extension of format.
func OutputFilename(original string, format domain.Format) string {
	return SanitizeFilename(domain.ReplaceExtension(filepath.Base(original), format))
}

// ContentDisposition returns a header value for filename. Names outside ASCII
// get an ASCII fallback plus an RFC 5987 filename* parameter.
func ContentDisposition(filename string, inline bool) string {
	disposition := "attachment"
	if inline {
		disposition = "inline"
	}

	name := SanitizeFilename(filename)
	fallback := asciiFallback(name)
	if fallback == name {
		return fmt.Sprintf(`%s; filename="%s"`, disposition, name)
	}
	return fmt.Sprintf(`%s; filename="%s"; filename*=UTF-8''%s`, disposition, fallback, encodeExtValue(name))
}

func asciiFallback(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= utf8.RuneSelf {
			return '_'
		}
		return r
	}, s)
}

// encodeExtValue percent-encodes every byte outside the RFC 5987 attr-char set.
func encodeExtValue(s string) string {
	const hex = "0123456789ABCDEF"
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isAttrChar(c) {
			sb.WriteByte(c)
			continue
		}
		sb.WriteByte('%')
		sb.WriteByte(hex[c>>4])
		sb.WriteByte(hex[c&0x0F])
	}
	return sb.String()
}

func isAttrChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	return strings.IndexByte("!#$&+-.^_`|~", c) >= 0
}
