// Package quality decides whether decoded text looks like hand-written source.
//
// Two heuristics reject content: files made mostly of digits (numeric data
// dumps) and files whose average line is very long (minified or generated
// output). Lengths are measured in characters, not bytes.
package quality

import "fmt"

const (
	// DefaultMaxDigitFraction is the highest digit share a kept text may have.
	DefaultMaxDigitFraction = 0.8

	// DefaultMaxAvgLineLength is the highest average line length a kept text may have.
	DefaultMaxAvgLineLength = 200.0

	// newlineSmoothing keeps the line-length ratio finite for single-line text.
	newlineSmoothing = 0.001
)

// Filter holds the rejection thresholds. The zero value is not usable; use
// NewFilter or Default.
type Filter struct {
	MaxDigitFraction float64
	MaxAvgLineLength float64
}

// Default returns a filter with the standard thresholds.
func Default() Filter {
	return Filter{
		MaxDigitFraction: DefaultMaxDigitFraction,
		MaxAvgLineLength: DefaultMaxAvgLineLength,
	}
}

// NewFilter returns a filter with custom thresholds.
func NewFilter(maxDigitFraction, maxAvgLineLength float64) (Filter, error) {
	f := Filter{MaxDigitFraction: maxDigitFraction, MaxAvgLineLength: maxAvgLineLength}
	if err := f.Validate(); err != nil {
		return Filter{}, err
	}
	return f, nil
}

// Validate checks the thresholds are in range.
func (f Filter) Validate() error {
	if f.MaxDigitFraction <= 0 || f.MaxDigitFraction > 1 {
		return fmt.Errorf("max digit fraction must be in (0, 1], got %v", f.MaxDigitFraction)
	}
	if f.MaxAvgLineLength <= 0 {
		return fmt.Errorf("max average line length must be > 0, got %v", f.MaxAvgLineLength)
	}
	return nil
}

// Stats are the measurements Keep bases its decision on.
type Stats struct {
	Chars    int
	Digits   int
	Newlines int
}

// Measure counts characters, ASCII digits and newlines in a single pass.
func Measure(text string) Stats {
	var s Stats
	for _, r := range text {
		s.Chars++
		switch {
		case r >= '0' && r <= '9':
			s.Digits++
		case r == '\n':
			s.Newlines++
		}
	}
	return s
}

// DigitFraction is the share of characters that are ASCII digits.
func (s Stats) DigitFraction() float64 {
	if s.Chars == 0 {
		return 0
	}
	return float64(s.Digits) / float64(s.Chars)
}

// AvgLineLength approximates characters per line.
func (s Stats) AvgLineLength() float64 {
	return float64(s.Chars) / (float64(s.Newlines) + newlineSmoothing)
}

// Keep reports whether text passes both heuristics. Empty text is rejected.
func (f Filter) Keep(text string) bool {
	s := Measure(text)
	if s.Chars == 0 {
		return false
	}
	if s.DigitFraction() > f.MaxDigitFraction {
		return false
	}
	if s.AvgLineLength() > f.MaxAvgLineLength {
		return false
	}
	return true
}

// Keep applies the default thresholds.
func Keep(text string) bool {
	return Default().Keep(text)
}
