// Package patch handles the downstream patch files kept under patches/ in the
// core tree: where each one applies, how a re-apply attempt went, and the
// record of every failure from one upgrade attempt.
package patch

import (
	"context"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/kokistudios/patchlift/internal/repo"
)

const (
	// Dir is the core-relative directory holding every patch.
	Dir = "patches"
	// Ext is the patch file suffix.
	Ext = ".patch"
)

var (
	ErrInvalidPath       = errors.New("invalid patch path")
	ErrNoSource          = errors.New("git reported no source for patch")
	ErrUnreachableStatus = errors.New("unexpected source status in removal commit")
)

// Status is the terminal classification of one apply attempt.
type Status int

const (
	Clean Status = iota
	Conflict
	Deleted
	Broken
)

func (s Status) String() string {
	switch s {
	case Clean:
		return "clean"
	case Conflict:
		return "conflict"
	case Deleted:
		return "deleted"
	case Broken:
		return "broken"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Patchfile identifies one patch by its core-relative path. Values are
// immutable; the With* methods return modified copies.
type Patchfile struct {
	// Path is core-relative and slash separated, e.g. patches/base-foo.cc.patch.
	Path string `yaml:"path"`
	// ProvidedSource is the target file reported by the build tool.
	ProvidedSource string `yaml:"provided_source,omitempty"`
	// GitSource is the target file as reported by git, when known.
	GitSource string `yaml:"git_source,omitempty"`

	repo *repo.Repository
}

// New validates path and derives the owning repository from the directories
// between patches/ and the file name.
func New(rc *repo.Context, p, providedSource string) (Patchfile, error) {
	clean := path.Clean(strings.ReplaceAll(p, "\\", "/"))
	if !strings.HasSuffix(clean, Ext) {
		return Patchfile{}, fmt.Errorf("%w: %s must end with %s", ErrInvalidPath, p, Ext)
	}
	parts := strings.Split(clean, "/")
	if path.IsAbs(clean) || len(parts) < 2 || parts[0] != Dir {
		return Patchfile{}, fmt.Errorf("%w: %s must start with %s/", ErrInvalidPath, p, Dir)
	}
	return Patchfile{
		Path:           clean,
		ProvidedSource: providedSource,
		repo:           rc.At(path.Join(parts[1 : len(parts)-1]...)),
	}, nil
}

// attach re-derives the owning repository after decoding.
func (p Patchfile) attach(rc *repo.Context) (Patchfile, error) {
	fresh, err := New(rc, p.Path, p.ProvidedSource)
	if err != nil {
		return Patchfile{}, err
	}
	fresh.GitSource = p.GitSource
	return fresh, nil
}

// Repository is the tree the patch applies to.
func (p Patchfile) Repository() *repo.Repository { return p.repo }

// WithGitSource returns a copy carrying the git-reported source.
func (p Patchfile) WithGitSource(src string) Patchfile {
	p.GitSource = src
	return p
}

// SourceFromName guesses the target from the file name, e.g.
// patches/build-android-gyp-dex.py.patch names build/android/gyp/dex.py.
func (p Patchfile) SourceFromName() string {
	return strings.ReplaceAll(strings.TrimSuffix(path.Base(p.Path), Ext), "-", "/")
}

// Source is the best known target file, relative to the owning repository.
func (p Patchfile) Source() string {
	if p.GitSource != "" {
		return p.GitSource
	}
	if p.ProvidedSource != "" {
		return p.ProvidedSource
	}
	return p.SourceFromName()
}

// SourceFromCore is the target file relative to the core tree.
func (p Patchfile) SourceFromCore() string {
	return path.Join(p.repo.FromCore(), p.Source())
}

// PathFromRepo is the patch file relative to the owning repository.
func (p Patchfile) PathFromRepo() string {
	return path.Join(p.repo.ToCore(), p.Path)
}

func (p Patchfile) String() string { return p.Path }

// Apply re-applies the patch with a three-way merge, leaving conflict
// markers in the working tree, and classifies the outcome.
func (p Patchfile) Apply(ctx context.Context) (ApplyResult, error) {
	_, err := p.repo.RunRaw(ctx, "apply", "--3way", "--ignore-space-change", "--ignore-whitespace", p.PathFromRepo())
	if err == nil {
		return ApplyResult{Status: Clean, Patch: p}, nil
	}
	var toolErr *repo.ExternalToolError
	if !errors.As(err, &toolErr) {
		return ApplyResult{}, err
	}
	return classify(p, toolErr)
}

// FetchSourceFromGit asks git which file the patch touches without applying
// it. Patches with a git-reported source are returned unchanged.
func (p Patchfile) FetchSourceFromGit(ctx context.Context) (Patchfile, error) {
	if p.GitSource != "" {
		return p, nil
	}
	// Output looks like "8\t0\tbase/some_file.cc\x00".
	out, err := p.repo.Run(ctx, "apply", "--numstat", "-z", p.PathFromRepo())
	if err != nil {
		return p, err
	}
	fields := strings.FieldsFunc(out, func(r rune) bool {
		return r == '\t' || r == '\n' || r == 0
	})
	if len(fields) < 3 {
		return p, fmt.Errorf("%w: %s", ErrNoSource, p.Path)
	}
	return p.WithGitSource(fields[2]), nil
}

// LastCommitForSource finds the most recent commit mentioning the source,
// including the one that removed it.
func (p Patchfile) LastCommitForSource(ctx context.Context) (string, error) {
	return p.repo.LastCommitTouching(ctx, p.Source())
}

// Removal describes what a commit did to a patch's source.
type Removal struct {
	Patch Patchfile
	// Status is "D" for deleted or "R" for renamed.
	Status    string
	RenamedTo string
	Commit    string
	// Details is the commit header and message.
	Details string
}

// RenamedToFromCore is the new name relative to the core tree.
func (r Removal) RenamedToFromCore() string {
	if r.RenamedTo == "" {
		return ""
	}
	return path.Join(r.Patch.repo.FromCore(), r.RenamedTo)
}

var nameStatusLine = regexp.MustCompile(`^[A-Z][0-9]*\t`)

// RemovalStatus reads how commit removed the source. Only deletes and
// renames are expected; anything else is ErrUnreachableStatus.
func (p Patchfile) RemovalStatus(ctx context.Context, commit string) (Removal, error) {
	out, err := p.repo.Run(ctx, "show", "--name-status", "--format=medium", commit)
	if err != nil {
		return Removal{}, err
	}
	source := p.Source()
	var status []string
	var details []string
	for _, line := range strings.Split(out, "\n") {
		if !nameStatusLine.MatchString(line) {
			details = append(details, line)
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) >= 2 && fields[1] == source {
			status = fields
		}
	}
	removal := Removal{Patch: p, Commit: commit, Details: strings.TrimSpace(strings.Join(details, "\n"))}
	if status == nil {
		return removal, fmt.Errorf("%w: %s not listed in %s", ErrUnreachableStatus, source, commit)
	}
	switch status[0][0] {
	case 'D':
		removal.Status = "D"
	case 'R':
		removal.Status = "R"
		removal.RenamedTo = status[len(status)-1]
	default:
		return removal, fmt.Errorf("%w: %s", ErrUnreachableStatus, strings.Join(status, " "))
	}
	return removal, nil
}
