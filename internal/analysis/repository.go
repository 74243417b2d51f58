package analysis

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Repository identifies a hosted source repository.
type Repository struct {
	Owner string
	Name  string
}

// Prefix is the artifact storage prefix for the repository, "owner/name/".
func (r Repository) Prefix() string {
	return r.Owner + "/" + r.Name + "/"
}

func (r Repository) String() string {
	return r.Owner + "/" + r.Name
}

// ParseRepositoryURL accepts https URLs, scp-style git URLs and bare
// "owner/name" references.
func ParseRepositoryURL(raw string) (Repository, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Repository{}, fmt.Errorf("empty repository url")
	}

	var p string
	switch {
	case strings.HasPrefix(s, "git@"):
		i := strings.Index(s, ":")
		if i < 0 {
			return Repository{}, fmt.Errorf("invalid repository url %q", raw)
		}
		p = s[i+1:]
	case strings.Contains(s, "://"):
		u, err := url.Parse(s)
		if err != nil {
			return Repository{}, fmt.Errorf("invalid repository url %q: %w", raw, err)
		}
		p = u.Path
	default:
		p = s
	}

	p = strings.Trim(p, "/")
	p = strings.TrimSuffix(p, ".git")
	parts := strings.Split(p, "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return Repository{}, fmt.Errorf("invalid repository url %q: expected owner/name", raw)
	}
	return Repository{Owner: parts[0], Name: parts[1]}, nil
}

var nonServiceChars = regexp.MustCompile(`[^a-z0-9-]`)

// ServiceName derives a lowercase, hyphenated service name from a
// repository reference.
func ServiceName(raw string) string {
	repo, err := ParseRepositoryURL(raw)
	if err != nil {
		return "sirpi-service"
	}
	name := strings.Trim(nonServiceChars.ReplaceAllString(strings.ToLower(repo.Name), "-"), "-")
	if name == "" {
		return "sirpi-service"
	}
	return name
}
