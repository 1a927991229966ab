package fetch

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/fyrsmithlabs/codeharvest/internal/config"
	"github.com/fyrsmithlabs/codeharvest/internal/repolist"
)

// Provider turns a repository record into a clone URL and credentials.
type Provider interface {
	Name() string
	CloneURL(rec repolist.Record) (string, error)
	// Auth returns nil for anonymous access.
	Auth() transport.AuthMethod
}

// GitHubProvider clones over HTTPS from github.com or a compatible host.
type GitHubProvider struct {
	baseURL  string
	username string
	token    config.Secret
}

// NewGitHubProvider returns a provider for baseURL (default
// https://github.com). The token, when set, is sent as basic auth.
func NewGitHubProvider(baseURL, username string, token config.Secret) (*GitHubProvider, error) {
	if baseURL == "" {
		baseURL = "https://github.com"
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("base URL %q must include scheme and host", baseURL)
	}
	if username == "" {
		username = "x-access-token"
	}
	return &GitHubProvider{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		username: username,
		token:    token,
	}, nil
}

func (g *GitHubProvider) Name() string {
	return "github"
}

// CloneURL builds <base>/<owner>/<repo>. Names are validated first so a
// list entry cannot point the clone anywhere else.
func (g *GitHubProvider) CloneURL(rec repolist.Record) (string, error) {
	if err := repolist.ValidateName(rec.Name); err != nil {
		return "", err
	}
	return g.baseURL + "/" + url.PathEscape(rec.Owner()) + "/" + url.PathEscape(rec.Repo()), nil
}

func (g *GitHubProvider) Auth() transport.AuthMethod {
	if !g.token.IsSet() {
		return nil
	}
	return &githttp.BasicAuth{Username: g.username, Password: g.token.Value()}
}
