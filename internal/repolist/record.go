// Package repolist reads, filters and builds the list of repositories to
// harvest.
package repolist

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidName is returned for names that are not owner/repo.
var ErrInvalidName = errors.New("repository name must be owner/repo")

// Record identifies one repository to harvest.
type Record struct {
	Name     string `json:"name"`
	Stars    int    `json:"stars"`
	Language string `json:"language"`
}

// Owner is the part of Name before the slash.
func (r Record) Owner() string {
	owner, _, _ := strings.Cut(r.Name, "/")
	return owner
}

// Repo is the part of Name after the slash.
func (r Record) Repo() string {
	_, repo, _ := strings.Cut(r.Name, "/")
	return repo
}

// ValidateName checks name is exactly owner/repo with no path tricks.
func ValidateName(name string) error {
	owner, repo, ok := strings.Cut(name, "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	for _, part := range []string{owner, repo} {
		if part == "." || part == ".." || strings.ContainsAny(part, "\\ \t\r\n\x00") {
			return fmt.Errorf("%w: %q", ErrInvalidName, name)
		}
	}
	return nil
}

// FilterStars keeps records with at least minStars stars. A negative
// minStars keeps everything.
func FilterStars(records []Record, minStars int) []Record {
	if minStars < 0 {
		return records
	}
	out := make([]Record, 0, len(records))
	for _, r := range records {
		if r.Stars >= minStars {
			out = append(out, r)
		}
	}
	return out
}
