package repolist

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/go-github/v57/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/codeharvest/internal/config"
	"github.com/fyrsmithlabs/codeharvest/internal/logging"
	"github.com/fyrsmithlabs/codeharvest/internal/retry"
)

// searchResultCap is the most results the search API returns per query.
const searchResultCap = 1000

// SearchOptions selects repositories from the GitHub search API.
type SearchOptions struct {
	// Query is extra search qualifiers, e.g. "archived:false".
	Query    string
	MinStars int
	// Languages runs one query per language. Empty means one query for all.
	Languages []string
	// MaxResults caps the total. 0 means searchResultCap per query.
	MaxResults int
}

// Searcher builds repository lists from GitHub search.
type Searcher struct {
	client  *github.Client
	limiter *rate.Limiter
	retry   retry.Config
	logger  *logging.Logger
}

// NewGitHubClient creates a client, authenticated when token is set. A
// non-empty apiURL targets a GitHub Enterprise or test server.
func NewGitHubClient(ctx context.Context, token config.Secret, apiURL string) (*github.Client, error) {
	var hc *http.Client
	if token.IsSet() {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token.Value()})
		hc = oauth2.NewClient(ctx, ts)
	}
	client := github.NewClient(hc)
	if apiURL != "" {
		base, err := url.Parse(strings.TrimSuffix(apiURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("parsing GitHub API URL: %w", err)
		}
		client.BaseURL = base
	}
	return client, nil
}

// NewSearcher paces requests at rps per second (0 = unpaced).
func NewSearcher(client *github.Client, rps float64, logger *logging.Logger) *Searcher {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Searcher{
		client:  client,
		limiter: rate.NewLimiter(limit, 1),
		retry:   retry.Config{MaxRetries: 3, InitialBackoff: time.Second, MaxBackoff: 2 * time.Minute, Multiplier: 2, Jitter: 0.2},
		logger:  logger,
	}
}

// Search returns matching repositories ordered by stars, descending, with
// duplicates across language queries removed.
func (s *Searcher) Search(ctx context.Context, opts SearchOptions) ([]Record, error) {
	queries := buildQueries(opts)
	seen := make(map[string]bool)
	var out []Record

	for _, q := range queries {
		remaining := searchResultCap
		if opts.MaxResults > 0 {
			remaining = min(remaining, opts.MaxResults-len(out))
		}
		if remaining <= 0 {
			break
		}

		found, err := s.searchQuery(ctx, q, remaining)
		if err != nil {
			return nil, err
		}
		for _, r := range found {
			if !seen[r.Name] {
				seen[r.Name] = true
				out = append(out, r)
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Stars > out[j].Stars })
	return out, nil
}

func (s *Searcher) searchQuery(ctx context.Context, query string, limit int) ([]Record, error) {
	perPage := min(100, limit)
	opt := &github.SearchOptions{
		Sort:        "stars",
		Order:       "desc",
		ListOptions: github.ListOptions{PerPage: perPage, Page: 1},
	}

	var out []Record
	for len(out) < limit {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		var result *github.RepositoriesSearchResult
		var resp *github.Response
		err := retry.Do(ctx, s.retry, func(ctx context.Context) error {
			var err error
			result, resp, err = s.client.Search.Repositories(ctx, query, opt)
			return classifyAPIError(err, resp)
		}, func(attempt int, backoff time.Duration, err error) {
			s.logger.Info(ctx, "retrying GitHub search",
				zap.String("query", query),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
				zap.Error(err),
			)
		})
		if err != nil {
			return nil, fmt.Errorf("searching %q: %w", query, err)
		}

		for _, repo := range result.Repositories {
			name := repo.GetFullName()
			if ValidateName(name) != nil {
				continue
			}
			out = append(out, Record{Name: name, Stars: repo.GetStargazersCount(), Language: repo.GetLanguage()})
			if len(out) >= limit {
				break
			}
		}

		s.logger.Debug(ctx, "search page fetched",
			zap.String("query", query),
			zap.Int("page", opt.Page),
			zap.Int("total", result.GetTotal()),
			zap.Int("collected", len(out)),
		)

		if resp == nil || resp.NextPage == 0 || len(result.Repositories) == 0 {
			break
		}
		opt.Page = resp.NextPage
	}
	return out, nil
}

func buildQueries(opts SearchOptions) []string {
	base := strings.TrimSpace(fmt.Sprintf("stars:>=%d %s", max(opts.MinStars, 0), opts.Query))
	if len(opts.Languages) == 0 {
		return []string{base}
	}
	out := make([]string, 0, len(opts.Languages))
	for _, lang := range opts.Languages {
		lang = strings.TrimSpace(lang)
		if lang == "" {
			continue
		}
		if strings.ContainsAny(lang, " \t") {
			lang = `"` + lang + `"`
		}
		out = append(out, base+" language:"+lang)
	}
	return out
}

// classifyAPIError maps a go-github error to retry semantics: rate limits
// wait for the reset, 5xx and network errors back off, other 4xx stop.
func classifyAPIError(err error, resp *github.Response) error {
	if err == nil {
		return nil
	}

	var rle *github.RateLimitError
	if errors.As(err, &rle) {
		return &retry.Wait{Err: err, After: time.Until(rle.Rate.Reset.Time) + time.Second}
	}
	var abuse *github.AbuseRateLimitError
	if errors.As(err, &abuse) {
		return &retry.Wait{Err: err, After: abuse.GetRetryAfter()}
	}

	if resp == nil || resp.Response == nil {
		return err
	}
	switch code := resp.StatusCode; {
	case code == http.StatusTooManyRequests:
		return &retry.Wait{Err: err, After: time.Minute}
	case code >= 500:
		return err
	default:
		return retry.Permanent(err)
	}
}
