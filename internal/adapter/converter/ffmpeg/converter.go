// Package ffmpeg converts images by running the ffmpeg and ffprobe binaries.
package ffmpeg

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/bnema/pixbatch/internal/domain"
	"github.com/bnema/pixbatch/internal/port"
)

var (
	ErrEmptyPath   = errors.New("path is empty")
	ErrInvalidPath = errors.New("path contains null byte")
)

// Decoder errors that no retry can fix.
var reUndecodable = regexp.MustCompile(
	`(?i)Invalid data found when processing input|` +
		`could not find codec parameters|` +
		`Error while decoding|` +
		`Invalid PNG signature|` +
		`no frame!|` +
		`Output file #0 does not contain any stream`)

type Converter struct {
	ffmpeg  string
	ffprobe string
	tmpDir  string
}

// NewConverter returns a converter using ffmpeg and ffprobe from PATH. Work
// files go under tmpDir, or the system temp directory when empty.
func NewConverter(tmpDir string) *Converter {
	return &Converter{
		ffmpeg:  "ffmpeg",
		ffprobe: "ffprobe",
		tmpDir:  tmpDir,
	}
}

// Available reports whether both binaries can be found.
func (c *Converter) Available() error {
	for _, bin := range []string{c.ffmpeg, c.ffprobe} {
		if _, err := exec.LookPath(bin); err != nil {
			return fmt.Errorf("%s not found: %w", bin, err)
		}
	}
	return nil
}

func validatePath(path string) error {
	if path == "" {
		return ErrEmptyPath
	}
	if strings.ContainsRune(path, 0) {
		return ErrInvalidPath
	}
	return nil
}

func (c *Converter) Convert(ctx context.Context, data []byte, opts domain.ConversionOptions) ([]byte, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty image", domain.ErrInvalidInput)
	}

	dir, err := os.MkdirTemp(c.tmpDir, "pixbatch-*")
	if err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(dir) }()

	inputPath := filepath.Join(dir, "input")
	if err := os.WriteFile(inputPath, data, 0600); err != nil {
		return nil, fmt.Errorf("write input: %w", err)
	}

	width, height, err := c.probeFile(ctx, inputPath)
	if err != nil {
		return nil, err
	}

	dims, err := domain.ComputeResize(width, height, opts.MaxWidth, opts.MaxHeight, opts.MaintainAspectRatio)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}

	outputPath := filepath.Join(dir, "output"+opts.Format.Extension())
	if err := c.run(ctx, c.ffmpeg, buildArgs(inputPath, outputPath, opts, dims)); err != nil {
		return nil, fmt.Errorf("convert to %s: %w", opts.Format, err)
	}

	out, err := os.ReadFile(outputPath)
	if err != nil {
		return nil, fmt.Errorf("read output: %w", err)
	}
	return out, nil
}

// Probe reads the dimensions of an encoded image.
func (c *Converter) Probe(ctx context.Context, data []byte) (width, height int, err error) {
	if len(data) == 0 {
		return 0, 0, fmt.Errorf("%w: empty image", domain.ErrInvalidInput)
	}
	f, err := os.CreateTemp(c.tmpDir, "pixbatch-probe-*")
	if err != nil {
		return 0, 0, fmt.Errorf("create probe file: %w", err)
	}
	defer func() { _ = os.Remove(f.Name()) }()

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return 0, 0, fmt.Errorf("write probe file: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, 0, fmt.Errorf("close probe file: %w", err)
	}
	return c.probeFile(ctx, f.Name())
}

func (c *Converter) probeFile(ctx context.Context, path string) (int, int, error) {
	if err := validatePath(path); err != nil {
		return 0, 0, fmt.Errorf("invalid input path: %w", err)
	}

	args := []string{
		"-v", "error",
		"-print_format", "json",
		"-show_streams",
		path,
	}
	cmd := exec.CommandContext(ctx, c.ffprobe, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	output, err := cmd.Output()
	if err != nil {
		return 0, 0, classify(ctx, "ffprobe", err, stderr.String())
	}

	probe, err := parseProbe(output)
	if err != nil {
		return 0, 0, err
	}
	w, h := probe.Dimensions()
	if w <= 0 || h <= 0 {
		return 0, 0, fmt.Errorf("%w: no image stream found", domain.ErrInvalidInput)
	}
	return w, h, nil
}

func parseProbe(output []byte) (*domain.ProbeResult, error) {
	var probe domain.ProbeResult
	if err := json.Unmarshal(output, &probe); err != nil {
		return nil, fmt.Errorf("parse ffprobe output: %w", err)
	}
	probe.RawJSON = string(output)
	return &probe, nil
}

func (c *Converter) run(ctx context.Context, bin string, args []string) error {
	cmd := exec.CommandContext(ctx, bin, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return classify(ctx, bin, err, stderr.String())
	}
	return nil
}

// classify turns a failed command into an error, marking decoder failures as
// invalid input. A killed process after cancellation reports the context error.
func classify(ctx context.Context, bin string, err error, stderr string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	msg := lastLine(stderr)
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && reUndecodable.MatchString(stderr) {
		return fmt.Errorf("%w: %s: %s", domain.ErrInvalidInput, bin, msg)
	}
	if msg != "" {
		return fmt.Errorf("%s failed: %w: %s", bin, err, msg)
	}
	return fmt.Errorf("%s failed: %w", bin, err)
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}

func buildArgs(inputPath, outputPath string, opts domain.ConversionOptions, dims domain.Dimensions) []string {
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-i", inputPath,
	}
	if dims.Resize {
		args = append(args, "-vf", fmt.Sprintf("scale=%d:%d:flags=lanczos", dims.Width, dims.Height))
	}

	switch opts.Format {
	case domain.FormatWebP:
		args = append(args, "-c:v", "libwebp", "-quality", strconv.Itoa(opts.Quality))
	case domain.FormatAVIF:
		args = append(args,
			"-c:v", "libaom-av1",
			"-still-picture", "1",
			"-crf", strconv.Itoa(avifCRF(opts.Quality)),
			"-b:v", "0",
			"-cpu-used", "6",
		)
	case domain.FormatJPEG:
		args = append(args, "-c:v", "mjpeg", "-q:v", strconv.Itoa(jpegQScale(opts.Quality)))
	case domain.FormatPNG:
		args = append(args, "-c:v", "png", "-compression_level", "9")
	}

	return append(args, "-frames:v", "1", "-y", outputPath)
}

// avifCRF maps quality 1-100 onto libaom's 63-0 CRF scale.
func avifCRF(quality int) int {
	return 63 - (quality*63+50)/100
}

// jpegQScale maps quality 1-100 onto the mjpeg 31-2 qscale range.
func jpegQScale(quality int) int {
	return 2 + ((100-quality)*29+49)/99
}

var (
	_ port.ImageConverter = (*Converter)(nil)
	_ port.Prober         = (*Converter)(nil)
)
