// Package version models the four-part upstream version and the places it is
// read from: the core manifest, the upstream VERSION file and git refs.
package version

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/kokistudios/patchlift/internal/repo"
)

const (
	// ManifestFile is the core manifest carrying the pinned upstream tag.
	ManifestFile = "package.json"
	// UpstreamVersionFile is the upstream tree's own version record.
	UpstreamVersionFile = "chrome/VERSION"

	RefUpstream = "@upstream"
	RefPrevious = "@previous"
)

var (
	ErrNoUpstream  = errors.New("current branch has no upstream (maybe set --set-upstream-to?)")
	ErrInvalidRef  = errors.New("not a valid git ref")
	ErrNoPrevious  = errors.New("no earlier version found in history")
	ErrNoChromeTag = errors.New("manifest has no config.projects.chrome.tag")
)

// FormatError reports a string that is not MAJOR.MINOR.BUILD.PATCH.
type FormatError struct {
	Value string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("invalid version %q: required format is MAJOR.MINOR.BUILD.PATCH", e.Value)
}

// Version is an immutable four-part version. The zero value is 0.0.0.0.
type Version struct {
	parts [4]int
}

// Parse reads a dotted four-part version. A leading "v" is ignored.
func Parse(s string) (Version, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(s), "v")
	fields := strings.Split(raw, ".")
	if len(fields) != 4 {
		return Version{}, &FormatError{Value: s}
	}
	var v Version
	for i, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil || n < 0 || strings.HasPrefix(f, "+") {
			return Version{}, &FormatError{Value: s}
		}
		v.parts[i] = n
	}
	return v, nil
}

// MustParse is Parse for constants and tests.
func MustParse(s string) Version {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", v.parts[0], v.parts[1], v.parts[2], v.parts[3])
}

// Major returns the first component.
func (v Version) Major() int { return v.parts[0] }

// Parts returns a copy of the components.
func (v Version) Parts() [4]int { return v.parts }

// Compare returns -1, 0 or +1 comparing v to o lexicographically.
func (v Version) Compare(o Version) int {
	for i := range v.parts {
		switch {
		case v.parts[i] < o.parts[i]:
			return -1
		case v.parts[i] > o.parts[i]:
			return 1
		}
	}
	return 0
}

func (v Version) Less(o Version) bool  { return v.Compare(o) < 0 }
func (v Version) Equal(o Version) bool { return v.Compare(o) == 0 }

// MarshalText stores versions as their dotted form.
func (v Version) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

func (v *Version) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

type manifest struct {
	Config struct {
		Projects struct {
			Chrome struct {
				Tag string `json:"tag"`
			} `json:"chrome"`
		} `json:"projects"`
	} `json:"config"`
}

// FromManifest reads config.projects.chrome.tag from the manifest at rev.
func FromManifest(ctx context.Context, r *repo.Repository, rev string) (Version, error) {
	content, err := r.ReadFile(ctx, rev, ManifestFile)
	if err != nil {
		return Version{}, fmt.Errorf("reading %s at %s: %w", ManifestFile, rev, err)
	}
	return ParseManifest([]byte(content))
}

// ParseManifest extracts the pinned version from manifest content.
func ParseManifest(content []byte) (Version, error) {
	var m manifest
	if err := json.Unmarshal(content, &m); err != nil {
		return Version{}, fmt.Errorf("parsing %s: %w", ManifestFile, err)
	}
	tag := m.Config.Projects.Chrome.Tag
	if tag == "" {
		return Version{}, ErrNoChromeTag
	}
	return Parse(tag)
}

// FromUpstreamVersionFile reads chrome/VERSION in the upstream tree at rev.
func FromUpstreamVersionFile(ctx context.Context, src *repo.Repository, rev string) (Version, error) {
	content, err := src.ReadFile(ctx, rev, UpstreamVersionFile)
	if err != nil {
		return Version{}, fmt.Errorf("reading %s at %s: %w", UpstreamVersionFile, rev, err)
	}
	return ParseVersionFile(content)
}

// ParseVersionFile parses KEY=VALUE lines for MAJOR, MINOR, BUILD and PATCH.
func ParseVersionFile(content string) (Version, error) {
	keys := map[string]int{"MAJOR": 0, "MINOR": 1, "BUILD": 2, "PATCH": 3}
	found := make([]string, 4)
	for _, line := range strings.Split(content, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		if i, known := keys[key]; known {
			found[i] = strings.TrimSpace(value)
		}
	}
	return Parse(strings.Join(found, "."))
}

// FromUpstreamBranch reads the manifest at the current branch's upstream.
func FromUpstreamBranch(ctx context.Context, core *repo.Repository) (Version, error) {
	upstream := core.UpstreamBranch(ctx)
	if upstream == "" {
		return Version{}, ErrNoUpstream
	}
	return FromManifest(ctx, core, upstream)
}

// FromPrevious walks back through commits touching the manifest until the
// pinned version differs from the one at HEAD.
func FromPrevious(ctx context.Context, core *repo.Repository) (Version, error) {
	head, err := FromManifest(ctx, core, "HEAD")
	if err != nil {
		return Version{}, err
	}
	changed, err := core.LastChanged(ctx, ManifestFile, "")
	if err != nil {
		return Version{}, err
	}
	for {
		if !core.IsValidRef(ctx, changed+"~1") {
			return Version{}, ErrNoPrevious
		}
		base, err := FromManifest(ctx, core, changed+"~1")
		if err != nil {
			return Version{}, err
		}
		if !base.Equal(head) {
			return base, nil
		}
		changed, err = core.LastChanged(ctx, ManifestFile, changed+"~1")
		if err != nil {
			return Version{}, ErrNoPrevious
		}
	}
}

// ResolveRef turns a --from-ref value into a version: @upstream, @previous
// or any git ref whose manifest is read.
func ResolveRef(ctx context.Context, core *repo.Repository, ref string) (Version, error) {
	switch ref {
	case RefUpstream:
		return FromUpstreamBranch(ctx, core)
	case RefPrevious:
		return FromPrevious(ctx, core)
	}
	if !core.IsValidRef(ctx, ref) {
		return Version{}, fmt.Errorf("%q: %w", ref, ErrInvalidRef)
	}
	return FromManifest(ctx, core, ref)
}

// LogLink renders the upstream log between two versions.
func LogLink(base string, from, to Version) string {
	return fmt.Sprintf("%s/+log/%s..%s?pretty=fuller&n=10000", strings.TrimSuffix(base, "/"), from, to)
}

// CommitLink renders the upstream page for one commit.
func CommitLink(base, hash string) string {
	return fmt.Sprintf("%s/+/%s", strings.TrimSuffix(base, "/"), hash)
}
