package classify

import (
	"bytes"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/saintfish/chardet"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/ianaindex"
	"golang.org/x/text/encoding/unicode/utf32"
)

// outcome tags each decode step's result.
type outcome int

const (
	// decoded: text is valid UTF-8 and ready for the quality filter.
	decoded outcome = iota
	// retry: the bytes should be decoded again with encoding.
	retry
	// unrecoverable: give up on the file; reason says why.
	unrecoverable
)

type decodeResult struct {
	outcome  outcome
	text     string
	encoding string
	reason   Reason
}

// decodeUTF8 accepts raw bytes that are already valid UTF-8.
func decodeUTF8(raw []byte) decodeResult {
	if utf8.Valid(raw) {
		return decodeResult{outcome: decoded, text: string(raw), encoding: "UTF-8"}
	}
	return decodeResult{outcome: retry}
}

// detect guesses the charset of raw with statistical detection.
func detect(raw []byte, minConfidence int) decodeResult {
	best, err := chardet.NewTextDetector().DetectBest(raw)
	if err != nil || best == nil || best.Charset == "" {
		return decodeResult{outcome: unrecoverable, reason: ReasonUndetectedEncoding}
	}
	if best.Confidence < minConfidence {
		return decodeResult{outcome: unrecoverable, reason: ReasonUndetectedEncoding, encoding: best.Charset}
	}
	return decodeResult{outcome: retry, encoding: best.Charset}
}

// decodeWith strictly decodes raw using the named charset. Replacement
// characters in the output mean the bytes did not fit the charset.
func decodeWith(raw []byte, name string) decodeResult {
	enc, err := lookupEncoding(name)
	if err != nil {
		return decodeResult{outcome: unrecoverable, reason: ReasonUnsupportedEncoding, encoding: name}
	}
	out, err := enc.NewDecoder().Bytes(raw)
	if err != nil || !utf8.Valid(out) || bytes.ContainsRune(out, utf8.RuneError) {
		return decodeResult{outcome: unrecoverable, reason: ReasonDecodeFailed, encoding: name}
	}
	// A byte order mark is an artifact of the source encoding.
	text := strings.TrimPrefix(string(out), "\uFEFF")
	return decodeResult{outcome: decoded, text: text, encoding: name}
}

var errUnsupported = errors.New("unsupported encoding")

// charsetAliases maps detector names that the x/text indexes spell differently.
var charsetAliases = map[string]string{
	"gb-18030": "gb18030",
}

func lookupEncoding(name string) (encoding.Encoding, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if alias, ok := charsetAliases[key]; ok {
		key = alias
	}

	switch key {
	case "utf-32be":
		return utf32.UTF32(utf32.BigEndian, utf32.UseBOM), nil
	case "utf-32le":
		return utf32.UTF32(utf32.LittleEndian, utf32.UseBOM), nil
	}

	// ianaindex returns a nil encoding without error for names it knows but
	// cannot decode.
	if enc, err := ianaindex.IANA.Encoding(key); err == nil && enc != nil {
		return enc, nil
	}
	if enc, err := htmlindex.Get(key); err == nil && enc != nil {
		return enc, nil
	}
	return nil, errUnsupported
}
