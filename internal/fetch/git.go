package fetch

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/transport"

	"github.com/fyrsmithlabs/codeharvest/internal/retry"
)

// Cloner materializes a remote repository into dir.
type Cloner interface {
	Clone(ctx context.Context, url, dir string, auth transport.AuthMethod) error
}

// GitCloner clones with go-git: shallow, single branch, no tags and no
// submodules. No git binary is required.
type GitCloner struct {
	Depth int
}

// NewGitCloner returns a cloner that fetches depth commits (minimum 1).
func NewGitCloner(depth int) *GitCloner {
	return &GitCloner{Depth: max(depth, 1)}
}

func (c *GitCloner) Clone(ctx context.Context, url, dir string, auth transport.AuthMethod) error {
	_, err := git.PlainCloneContext(ctx, dir, false, &git.CloneOptions{
		URL:               url,
		Auth:              auth,
		Depth:             c.Depth,
		SingleBranch:      true,
		Tags:              git.NoTags,
		RecurseSubmodules: git.NoRecurseSubmodules,
	})
	if err != nil {
		return classifyCloneError(err)
	}
	return nil
}

// ErrRepositoryNotFound covers missing, private and empty repositories.
var ErrRepositoryNotFound = errors.New("repository not found")

// classifyCloneError marks failures a retry cannot fix as permanent.
func classifyCloneError(err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, transport.ErrRepositoryNotFound),
		errors.Is(err, transport.ErrEmptyRemoteRepository):
		return retry.Permanent(fmt.Errorf("%w: %w", ErrRepositoryNotFound, err))
	case errors.Is(err, transport.ErrAuthenticationRequired),
		errors.Is(err, transport.ErrAuthorizationFailed),
		errors.Is(err, transport.ErrInvalidAuthMethod),
		errors.Is(err, git.ErrRepositoryAlreadyExists):
		return retry.Permanent(err)
	default:
		return err
	}
}
