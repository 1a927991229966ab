package repolist

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/codeharvest/internal/config"
	"github.com/fyrsmithlabs/codeharvest/internal/logging"
)

func TestRead(t *testing.T) {
	input := strings.Join([]string{
		"golang/go,120000,Go",
		"torvalds/linux,170000,C",
		"no-slash,10,Python",
		"a/b,many,Rust",
		"owner/tool,5",
		"../etc,1,Shell",
		`"quoted/name",7,"Jupyter Notebook"`,
	}, "\n")

	tl := logging.NewTestLogger()
	records, err := Read(context.Background(), strings.NewReader(input), tl.Logger)
	require.NoError(t, err)

	assert.Equal(t, []Record{
		{Name: "golang/go", Stars: 120000, Language: "Go"},
		{Name: "torvalds/linux", Stars: 170000, Language: "C"},
		{Name: "owner/tool", Stars: 5},
		{Name: "quoted/name", Stars: 7, Language: "Jupyter Notebook"},
	}, records)
	tl.AssertLogged(t, zapcore.WarnLevel, "skipping repository list row")
	tl.AssertField(t, "repository list loaded", "skipped", int64(3))
}

func TestRead_StrayQuotes(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  []Record
	}{
		{
			name:  "bare quote in unquoted field",
			input: "golang/go,120000,Go\nweird/repo,3,C\"\ntorvalds/linux,170000,C\n",
			want: []Record{
				{Name: "golang/go", Stars: 120000, Language: "Go"},
				{Name: "weird/repo", Stars: 3, Language: `C"`},
				{Name: "torvalds/linux", Stars: 170000, Language: "C"},
			},
		},
		{
			name:  "bare quote in star column",
			input: "golang/go,120000,Go\nweird/repo,3\",C\ntorvalds/linux,170000,C\n",
			want: []Record{
				{Name: "golang/go", Stars: 120000, Language: "Go"},
				{Name: "torvalds/linux", Stars: 170000, Language: "C"},
			},
		},
		{
			name:  "unterminated quoted field at end",
			input: "golang/go,120000,Go\na/b,1,\"unterminated\n",
			want: []Record{
				{Name: "golang/go", Stars: 120000, Language: "Go"},
				{Name: "a/b", Stars: 1, Language: "unterminated"},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records, err := Read(context.Background(), strings.NewReader(tt.input), nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, records)
		})
	}
}

func TestRead_ReaderError(t *testing.T) {
	boom := errors.New("disk gone")
	_, err := Read(context.Background(), iotest.ErrReader(boom), nil)
	assert.ErrorIs(t, err, boom)
}

func TestWriteThenReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "repos.csv")
	in := []Record{
		{Name: "a/one", Stars: 3, Language: "Go"},
		{Name: "b/two", Stars: 0, Language: ""},
		{Name: "c/three", Stars: 10, Language: "Objective-C, legacy"},
	}
	require.NoError(t, WriteFile(path, in))

	out, err := ReadFile(context.Background(), path, nil)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestReadFile_Missing(t *testing.T) {
	_, err := ReadFile(context.Background(), filepath.Join(t.TempDir(), "nope.csv"), nil)
	assert.Error(t, err)
}

func TestFilterStars(t *testing.T) {
	records := []Record{{Name: "a/a", Stars: 1}, {Name: "b/b", Stars: 50}, {Name: "c/c", Stars: 100}}

	assert.Len(t, FilterStars(records, -1), 3)
	assert.Len(t, FilterStars(records, 0), 3)
	assert.Equal(t, []Record{{Name: "b/b", Stars: 50}, {Name: "c/c", Stars: 100}}, FilterStars(records, 50))
	assert.Empty(t, FilterStars(records, 1000))
}

func TestValidateName(t *testing.T) {
	valid := []string{"golang/go", "a-b/c.d", "owner/repo_name"}
	for _, n := range valid {
		assert.NoError(t, ValidateName(n), n)
	}
	invalid := []string{"", "owner", "/repo", "owner/", "a/b/c", "../x", "x/..", "a b/c", "a\\b/c"}
	for _, n := range invalid {
		assert.ErrorIs(t, ValidateName(n), ErrInvalidName, n)
	}
}

func TestRecord_OwnerRepo(t *testing.T) {
	r := Record{Name: "golang/go"}
	assert.Equal(t, "golang", r.Owner())
	assert.Equal(t, "go", r.Repo())
}

func TestBuildQueries(t *testing.T) {
	assert.Equal(t, []string{"stars:>=100"}, buildQueries(SearchOptions{MinStars: 100}))
	assert.Equal(t,
		[]string{"stars:>=5 fork:false language:Go", `stars:>=5 fork:false language:"Jupyter Notebook"`},
		buildQueries(SearchOptions{MinStars: 5, Query: "fork:false", Languages: []string{"Go", "Jupyter Notebook", " "}}),
	)
}

type searchItem struct {
	FullName string `json:"full_name"`
	Stars    int    `json:"stargazers_count"`
	Language string `json:"language,omitempty"`
}

func newSearchServer(t *testing.T, pages map[string][][]searchItem, fail *atomic.Int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/search/repositories", func(w http.ResponseWriter, r *http.Request) {
		if fail != nil && fail.Add(-1) >= 0 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		q := r.URL.Query().Get("q")
		lang := "all"
		if i := strings.Index(q, "language:"); i >= 0 {
			lang = q[i+len("language:"):]
		}
		page := 1
		fmt.Sscanf(r.URL.Query().Get("page"), "%d", &page)

		langPages := pages[lang]
		var items []searchItem
		if page-1 < len(langPages) {
			items = langPages[page-1]
		}
		if page < len(langPages) {
			next := *r.URL
			qs := next.Query()
			qs.Set("page", fmt.Sprint(page+1))
			next.RawQuery = qs.Encode()
			w.Header().Set("Link", fmt.Sprintf(`<http://%s%s>; rel="next"`, r.Host, next.RequestURI()))
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"total_count": 3, "items": items})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestSearcher(t *testing.T, srv *httptest.Server) *Searcher {
	t.Helper()
	client, err := NewGitHubClient(context.Background(), config.Secret(""), srv.URL)
	require.NoError(t, err)
	s := NewSearcher(client, 0, nil)
	s.retry.InitialBackoff = 1
	s.retry.MaxBackoff = 1
	return s
}

func TestSearcher_PaginatesAndDedupes(t *testing.T) {
	srv := newSearchServer(t, map[string][][]searchItem{
		"Go": {
			{{FullName: "golang/go", Stars: 120000, Language: "Go"}},
			{{FullName: "spf13/cobra", Stars: 38000, Language: "Go"}},
		},
		"C": {
			{{FullName: "torvalds/linux", Stars: 170000, Language: "C"}, {FullName: "golang/go", Stars: 120000, Language: "Go"}},
		},
	}, nil)
	s := newTestSearcher(t, srv)

	records, err := s.Search(context.Background(), SearchOptions{MinStars: 10, Languages: []string{"Go", "C"}})
	require.NoError(t, err)
	assert.Equal(t, []Record{
		{Name: "torvalds/linux", Stars: 170000, Language: "C"},
		{Name: "golang/go", Stars: 120000, Language: "Go"},
		{Name: "spf13/cobra", Stars: 38000, Language: "Go"},
	}, records)
}

func TestSearcher_MaxResults(t *testing.T) {
	srv := newSearchServer(t, map[string][][]searchItem{
		"all": {{{FullName: "a/a", Stars: 3}, {FullName: "b/b", Stars: 2}, {FullName: "c/c", Stars: 1}}},
	}, nil)
	records, err := newTestSearcher(t, srv).Search(context.Background(), SearchOptions{MaxResults: 2})
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestSearcher_RetriesServerErrors(t *testing.T) {
	var fail atomic.Int32
	fail.Store(2)
	srv := newSearchServer(t, map[string][][]searchItem{
		"all": {{{FullName: "a/a", Stars: 3}}},
	}, &fail)

	records, err := newTestSearcher(t, srv).Search(context.Background(), SearchOptions{})
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestSearcher_PermanentError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message":"Validation Failed"}`))
	}))
	t.Cleanup(srv.Close)

	_, err := newTestSearcher(t, srv).Search(context.Background(), SearchOptions{})
	assert.Error(t, err)
}

func TestWrite_Format(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, []Record{{Name: "a/b", Stars: 9, Language: "Go"}}))
	assert.Equal(t, "a/b,9,Go\n", buf.String())
}
