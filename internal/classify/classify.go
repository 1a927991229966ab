// Package classify decides whether a file is usable text and returns its
// decoded content.
//
// A file goes through three gates in order: a content sniff (the MIME type
// must be text/*), decoding to UTF-8 (strict UTF-8 first, then statistical
// charset detection), and the quality filter. Every failure is reported as a
// Reason rather than an error; a single unreadable file never stops a run.
package classify

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/codeharvest/internal/logging"
	"github.com/fyrsmithlabs/codeharvest/internal/quality"
)

// Reason explains a classification result.
type Reason string

const (
	ReasonAccepted            Reason = "accepted"
	ReasonNotText             Reason = "not_text"
	ReasonUnreadable          Reason = "unreadable"
	ReasonTooLarge            Reason = "too_large"
	ReasonUndetectedEncoding  Reason = "undetected_encoding"
	ReasonUnsupportedEncoding Reason = "unsupported_encoding"
	ReasonDecodeFailed        Reason = "decode_failed"
	ReasonLowQuality          Reason = "low_quality"
)

// Reasons lists every Reason, for metric label pre-registration.
var Reasons = []Reason{
	ReasonAccepted, ReasonNotText, ReasonUnreadable, ReasonTooLarge,
	ReasonUndetectedEncoding, ReasonUnsupportedEncoding, ReasonDecodeFailed, ReasonLowQuality,
}

// Result is the outcome of classifying one file. Text and Encoding are set
// only when Reason is ReasonAccepted. MIMEType is set whenever the sniff ran.
type Result struct {
	Text     string
	MIMEType string
	Encoding string
	Size     int
	Reason   Reason
}

// Accepted reports whether the file should be archived.
func (r Result) Accepted() bool {
	return r.Reason == ReasonAccepted
}

// Options configures a Classifier.
type Options struct {
	// MinConfidence is the lowest detector confidence (0-100) accepted for
	// non-UTF-8 input.
	MinConfidence int
	// MaxFileBytes rejects larger files before they are read. 0 disables it.
	MaxFileBytes int64
	Quality      quality.Filter
	Logger       *logging.Logger
}

// DefaultOptions returns the standard classifier settings.
func DefaultOptions() Options {
	return Options{
		MinConfidence: 10,
		Quality:       quality.Default(),
	}
}

// Classifier is safe for concurrent use.
type Classifier struct {
	opts   Options
	logger *logging.Logger
}

// New validates opts and returns a Classifier.
func New(opts Options) (*Classifier, error) {
	if opts.MinConfidence < 0 || opts.MinConfidence > 100 {
		return nil, fmt.Errorf("min confidence must be in [0, 100], got %d", opts.MinConfidence)
	}
	if opts.MaxFileBytes < 0 {
		return nil, fmt.Errorf("max file bytes must be >= 0, got %d", opts.MaxFileBytes)
	}
	if err := opts.Quality.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	return &Classifier{opts: opts, logger: logger}, nil
}

// Classify reads the file at path at most once and returns its decoded text
// when it passes every gate. It never modifies the file.
func (c *Classifier) Classify(ctx context.Context, path string) Result {
	f, err := os.Open(path)
	if err != nil {
		return c.unreadable(ctx, path, err)
	}
	defer f.Close()

	if c.opts.MaxFileBytes > 0 {
		info, err := f.Stat()
		if err != nil {
			return c.unreadable(ctx, path, err)
		}
		if info.Size() > c.opts.MaxFileBytes {
			return Result{Reason: ReasonTooLarge, Size: int(info.Size())}
		}
	}

	mtype, err := mimetype.DetectReader(f)
	if err != nil {
		return c.unreadable(ctx, path, err)
	}
	base := baseType(mtype.String())
	if !strings.HasPrefix(base, "text") {
		return Result{MIMEType: base, Reason: ReasonNotText}
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return c.unreadable(ctx, path, err)
	}
	raw, err := io.ReadAll(f)
	if err != nil {
		return c.unreadable(ctx, path, err)
	}

	res := c.decode(raw)
	if res.outcome != decoded {
		c.logger.Trace(ctx, "file not decodable",
			zap.String("path", path),
			zap.String("reason", string(res.reason)),
			zap.String("encoding", res.encoding),
		)
		return Result{MIMEType: base, Size: len(raw), Reason: res.reason}
	}

	if !c.opts.Quality.Keep(res.text) {
		return Result{MIMEType: base, Size: len(raw), Encoding: res.encoding, Reason: ReasonLowQuality}
	}

	return Result{
		Text:     res.text,
		MIMEType: base,
		Encoding: res.encoding,
		Size:     len(raw),
		Reason:   ReasonAccepted,
	}
}

// decode runs strict UTF-8, then detection, then a decode with the detected
// charset. Each step either finishes or hands its successor a retry.
func (c *Classifier) decode(raw []byte) decodeResult {
	res := decodeUTF8(raw)
	if res.outcome != retry {
		return res
	}
	res = detect(raw, c.opts.MinConfidence)
	if res.outcome != retry {
		return res
	}
	return decodeWith(raw, res.encoding)
}

func (c *Classifier) unreadable(ctx context.Context, path string, err error) Result {
	c.logger.Debug(ctx, "file unreadable", zap.String("path", path), zap.Error(err))
	return Result{Reason: ReasonUnreadable}
}

// baseType strips MIME parameters such as "; charset=utf-8".
func baseType(m string) string {
	base, _, _ := strings.Cut(m, ";")
	return strings.TrimSpace(base)
}
