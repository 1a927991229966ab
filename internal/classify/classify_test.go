package classify

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"

	"github.com/fyrsmithlabs/codeharvest/internal/logging"
)

const frenchProse = "Le café de la gare était fermé ce matin. Les élèves ont attendu près de la fenêtre,\n" +
	"puis ils sont allés à la bibliothèque où le garçon a lu un très long récit.\n" +
	"Après le déjeuner, la maîtresse a expliqué la leçon de géographie et d'histoire.\n" +
	"Chaque élève a répété les dates importantes à voix haute, même les plus timides.\n"

func newClassifier(t *testing.T, mutate func(*Options)) (*Classifier, *logging.TestLogger) {
	t.Helper()
	tl := logging.NewTestLogger()
	opts := DefaultOptions()
	opts.Logger = tl.Logger
	if mutate != nil {
		mutate(&opts)
	}
	c, err := New(opts)
	require.NoError(t, err)
	return c, tl
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestClassify_UTF8Source(t *testing.T) {
	c, _ := newClassifier(t, nil)
	src := "package main\n\nimport \"fmt\"\n\nfunc main() {\n\tfmt.Println(\"héllo\")\n}\n"
	res := c.Classify(context.Background(), writeFile(t, "main.go", []byte(src)))

	require.True(t, res.Accepted(), "reason: %s", res.Reason)
	assert.Equal(t, src, res.Text)
	assert.Equal(t, "text/plain", res.MIMEType)
	assert.Equal(t, "UTF-8", res.Encoding)
	assert.Equal(t, len(src), res.Size)
}

func TestClassify_BinaryRejected(t *testing.T) {
	c, _ := newClassifier(t, nil)
	png := append([]byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR"), make([]byte, 64)...)
	res := c.Classify(context.Background(), writeFile(t, "image.dat", png))

	assert.False(t, res.Accepted())
	assert.Equal(t, ReasonNotText, res.Reason)
	assert.Equal(t, "image/png", res.MIMEType)
	assert.Empty(t, res.Text)
}

func TestClassify_LowQualityRejected(t *testing.T) {
	c, _ := newClassifier(t, nil)
	digits := strings.Repeat("3141592653 5897932384\n", 40)
	res := c.Classify(context.Background(), writeFile(t, "pi.txt", []byte(digits)))
	assert.Equal(t, ReasonLowQuality, res.Reason)
	assert.Empty(t, res.Text)

	minified := strings.Repeat("var a=1;", 400)
	res = c.Classify(context.Background(), writeFile(t, "bundle.js", []byte(minified)))
	assert.Equal(t, ReasonLowQuality, res.Reason)
}

func TestClassify_EmptyFile(t *testing.T) {
	c, _ := newClassifier(t, nil)
	res := c.Classify(context.Background(), writeFile(t, "empty.py", nil))
	assert.False(t, res.Accepted())
}

func TestClassify_Latin1Fallback(t *testing.T) {
	c, _ := newClassifier(t, func(o *Options) { o.MinConfidence = 0 })
	latin1, err := charmap.ISO8859_1.NewEncoder().Bytes([]byte(frenchProse))
	require.NoError(t, err)

	res := c.Classify(context.Background(), writeFile(t, "README", latin1))
	require.True(t, res.Accepted(), "reason: %s encoding: %s", res.Reason, res.Encoding)
	assert.Equal(t, frenchProse, res.Text)
	assert.Contains(t, []string{"ISO-8859-1", "ISO-8859-9", "windows-1252"}, res.Encoding)
}

func TestClassify_UTF16WithBOM(t *testing.T) {
	c, _ := newClassifier(t, nil)
	text := "def greet(name):\n    return 'hello ' + name\n"
	enc := unicode.UTF16(unicode.LittleEndian, unicode.UseBOM).NewEncoder()
	raw, err := enc.Bytes([]byte(text))
	require.NoError(t, err)

	res := c.Classify(context.Background(), writeFile(t, "greet.py", raw))
	require.True(t, res.Accepted(), "reason: %s mime: %s", res.Reason, res.MIMEType)
	assert.Equal(t, text, res.Text)
}

func TestClassify_MissingFile(t *testing.T) {
	c, tl := newClassifier(t, nil)
	res := c.Classify(context.Background(), filepath.Join(t.TempDir(), "gone.txt"))
	assert.Equal(t, ReasonUnreadable, res.Reason)
	tl.AssertLogged(t, zapcore.DebugLevel, "file unreadable")
}

func TestClassify_BrokenSymlink(t *testing.T) {
	dir := t.TempDir()
	link := filepath.Join(dir, "dangling")
	if err := os.Symlink(filepath.Join(dir, "nowhere"), link); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}
	c, _ := newClassifier(t, nil)
	assert.Equal(t, ReasonUnreadable, c.Classify(context.Background(), link).Reason)
}

func TestClassify_MaxFileBytes(t *testing.T) {
	c, _ := newClassifier(t, func(o *Options) { o.MaxFileBytes = 16 })
	res := c.Classify(context.Background(), writeFile(t, "big.txt", []byte(strings.Repeat("line\n", 10))))
	assert.Equal(t, ReasonTooLarge, res.Reason)
}

func TestClassify_DoesNotModifyFile(t *testing.T) {
	c, _ := newClassifier(t, nil)
	path := writeFile(t, "keep.c", []byte("int main(void) { return 0; }\n"))
	before, err := os.Stat(path)
	require.NoError(t, err)

	c.Classify(context.Background(), path)

	after, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, before.ModTime(), after.ModTime())
	assert.Equal(t, before.Size(), after.Size())
}

func TestNew_InvalidOptions(t *testing.T) {
	_, err := New(Options{MinConfidence: 101, Quality: DefaultOptions().Quality})
	assert.Error(t, err)

	_, err = New(Options{MaxFileBytes: -1, Quality: DefaultOptions().Quality})
	assert.Error(t, err)

	_, err = New(Options{})
	assert.Error(t, err, "zero quality filter is invalid")
}

func TestDecodeSteps(t *testing.T) {
	assert.Equal(t, decoded, decodeUTF8([]byte("plain")).outcome)
	assert.Equal(t, retry, decodeUTF8([]byte{0xff, 0xfe, 0x41}).outcome)

	latin1, err := charmap.ISO8859_1.NewEncoder().Bytes([]byte(frenchProse))
	require.NoError(t, err)
	res := detect(latin1, 101)
	assert.Equal(t, unrecoverable, res.outcome)
	assert.Equal(t, ReasonUndetectedEncoding, res.reason)

	res = decodeWith([]byte("abc"), "x-no-such-charset")
	assert.Equal(t, unrecoverable, res.outcome)
	assert.Equal(t, ReasonUnsupportedEncoding, res.reason)

	// A dangling byte cannot be a UTF-16 code unit.
	res = decodeWith([]byte{'a', 0, 'b'}, "UTF-16LE")
	assert.Equal(t, unrecoverable, res.outcome)
	assert.Equal(t, ReasonDecodeFailed, res.reason)

	res = decodeWith(latin1, "ISO-8859-1")
	assert.Equal(t, decoded, res.outcome)
	assert.Equal(t, frenchProse, res.text)
}

func TestLookupEncoding(t *testing.T) {
	for _, name := range []string{"UTF-16BE", "UTF-16LE", "UTF-32BE", "UTF-32LE", "Shift_JIS", "EUC-KR", "GB-18030", "Big5", "windows-1251", "KOI8-R"} {
		enc, err := lookupEncoding(name)
		require.NoError(t, err, name)
		assert.NotNil(t, enc, name)
	}
	_, err := lookupEncoding("IBM424_rtl")
	assert.Error(t, err)
}

func TestBaseType(t *testing.T) {
	assert.Equal(t, "text/plain", baseType("text/plain; charset=utf-8"))
	assert.Equal(t, "application/json", baseType("application/json"))
}
