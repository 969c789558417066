package repo

import (
	"context"
	"strings"
)

// Status is a parsed `git status --short`.
type Status struct {
	Deleted   []string
	Modified  []string
	Untracked []string
}

// Status runs `git status --porcelain` and buckets the entries.
// Index and work tree columns are merged, so a staged deletion counts as deleted.
func (r *Repository) Status(ctx context.Context) (*Status, error) {
	out, err := r.RunRaw(ctx, "status", "--porcelain", "--untracked-files=all")
	if err != nil {
		return nil, err
	}
	return ParseStatus(out.Stdout), nil
}

// ParseStatus parses porcelain v1 output.
func ParseStatus(out string) *Status {
	st := &Status{}
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		code, path := line[:2], line[3:]
		if i := strings.Index(path, " -> "); i >= 0 {
			path = path[i+4:]
		}
		path = strings.Trim(path, `"`)
		switch {
		case code == "??":
			st.Untracked = append(st.Untracked, path)
		case strings.Contains(code, "D"):
			st.Deleted = append(st.Deleted, path)
		case strings.Contains(code, "M"):
			st.Modified = append(st.Modified, path)
		}
	}
	return st
}

// DeletedWithSuffix filters deleted paths by suffix.
func (s *Status) DeletedWithSuffix(suffix string) []string {
	return withSuffix(s.Deleted, suffix)
}

// UntrackedWithSuffix filters untracked paths by suffix.
func (s *Status) UntrackedWithSuffix(suffix string) []string {
	return withSuffix(s.Untracked, suffix)
}

func withSuffix(paths []string, suffix string) []string {
	var out []string
	for _, p := range paths {
		if strings.HasSuffix(p, suffix) {
			out = append(out, p)
		}
	}
	return out
}
