package repo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/kokistudios/patchlift/internal/store"
)

// Context carries the roots every component works against. It replaces any
// process-wide notion of "the" checkout so tests can point it at fixtures.
type Context struct {
	// SrcRoot is the upstream tree (e.g. chromium/src).
	SrcRoot string
	// CoreRoot is the downstream tree holding patches/ (e.g. src/brave).
	CoreRoot string
	// Fs is used for every file the tool reads or writes directly.
	Fs afero.Fs
	// Env is appended to the environment of every git invocation.
	Env []string
}

// NewContext resolves both roots to absolute paths.
func NewContext(coreRoot, srcRoot string, fs afero.Fs) (*Context, error) {
	core, err := filepath.Abs(coreRoot)
	if err != nil {
		return nil, fmt.Errorf("invalid core path: %w", err)
	}
	src, err := filepath.Abs(srcRoot)
	if err != nil {
		return nil, fmt.Errorf("invalid src path: %w", err)
	}
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Context{SrcRoot: filepath.Clean(src), CoreRoot: filepath.Clean(core), Fs: fs}, nil
}

// FromStore builds a Context from a loaded configuration.
func FromStore(s *store.Store) (*Context, error) {
	src := s.Config.Upstream.SrcDir
	if !filepath.IsAbs(src) {
		src = filepath.Join(s.Root, src)
	}
	return NewContext(s.Root, src, afero.NewOsFs())
}

// Core returns the downstream repository.
func (c *Context) Core() *Repository { return c.At(c.CoreRoot) }

// Src returns the upstream repository.
func (c *Context) Src() *Repository { return c.At(c.SrcRoot) }

// At returns a handle for the repository rooted at path.
// Relative paths are taken relative to the src root.
func (c *Context) At(path string) *Repository {
	if !filepath.IsAbs(path) {
		path = filepath.Join(c.SrcRoot, path)
	}
	return &Repository{Path: filepath.Clean(path), ctx: c}
}

// CorePath joins parts onto the core root.
func (c *Context) CorePath(parts ...string) string {
	return filepath.Join(append([]string{c.CoreRoot}, parts...)...)
}

// Repository is a handle to one git-tracked tree. It holds no state besides
// its location.
type Repository struct {
	Path string
	ctx  *Context
}

// Context returns the context the handle was created from.
func (r *Repository) Context() *Context { return r.ctx }

// IsCore reports whether this is the downstream repository.
func (r *Repository) IsCore() bool { return r.Path == r.ctx.CoreRoot }

// IsSrc reports whether this is the upstream repository.
func (r *Repository) IsSrc() bool { return r.Path == r.ctx.SrcRoot }

// FromCore is the path of this repository relative to the core root.
func (r *Repository) FromCore() string {
	rel, err := filepath.Rel(r.ctx.CoreRoot, r.Path)
	if err != nil {
		return r.Path
	}
	return filepath.ToSlash(rel)
}

// ToCore is the path of the core root relative to this repository.
func (r *Repository) ToCore() string {
	rel, err := filepath.Rel(r.Path, r.ctx.CoreRoot)
	if err != nil {
		return r.ctx.CoreRoot
	}
	return filepath.ToSlash(rel)
}

func (r *Repository) String() string {
	if r.IsSrc() {
		return "src"
	}
	if r.IsCore() {
		return "core"
	}
	rel, err := filepath.Rel(r.ctx.SrcRoot, r.Path)
	if err != nil {
		return r.Path
	}
	return filepath.ToSlash(rel)
}

// RunRaw runs git in the repository and returns untrimmed output.
func (r *Repository) RunRaw(ctx context.Context, args ...string) (Output, error) {
	return Exec(ctx, r.Path, r.ctx.Env, "git", args...)
}

// Run runs git in the repository and returns trimmed stdout.
func (r *Repository) Run(ctx context.Context, args ...string) (string, error) {
	out, err := r.RunRaw(ctx, args...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out.Stdout), nil
}

// ReadFile returns the contents of files at rev, concatenated.
func (r *Repository) ReadFile(ctx context.Context, rev string, files ...string) (string, error) {
	args := []string{"show"}
	for _, f := range files {
		args = append(args, rev+":"+f)
	}
	out, err := r.RunRaw(ctx, args...)
	if err != nil {
		return "", err
	}
	return out.Stdout, nil
}

// CurrentBranch returns the checked out branch name, or HEAD when detached.
func (r *Repository) CurrentBranch(ctx context.Context) (string, error) {
	return r.Run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
}

// UpstreamBranch returns the upstream of the current branch, or "" when unset.
func (r *Repository) UpstreamBranch(ctx context.Context) string {
	out, err := r.Run(ctx, "rev-parse", "--abbrev-ref", "--symbolic-full-name", "@{upstream}")
	if err != nil {
		return ""
	}
	return out
}

// IsValidRef reports whether ref resolves to an object.
func (r *Repository) IsValidRef(ctx context.Context, ref string) bool {
	_, err := r.Run(ctx, "rev-parse", "--verify", "--quiet", ref)
	return err == nil
}

// LastChanged returns the short hash of the last commit touching path,
// optionally searching from a given commit.
func (r *Repository) LastChanged(ctx context.Context, path, from string) (string, error) {
	args := []string{"log", "--pretty=%h", "-1"}
	if from != "" {
		args = append(args, from)
	}
	args = append(args, "--", path)
	out, err := r.Run(ctx, args...)
	if err != nil {
		return "", err
	}
	if out == "" {
		return "", fmt.Errorf("no commit touches %s", path)
	}
	return out, nil
}

// LastCommitTouching searches the full history for the most recent commit
// mentioning path, including commits that removed it.
func (r *Repository) LastCommitTouching(ctx context.Context, path string) (string, error) {
	out, err := r.Run(ctx, "log", "--full-history", "--pretty=%h", "-1", "--", path)
	if err != nil {
		return "", err
	}
	if out == "" {
		return "", fmt.Errorf("no commit mentions %s", path)
	}
	return out, nil
}

// CommitSubject returns the first line of a commit message.
func (r *Repository) CommitSubject(ctx context.Context, rev string) (string, error) {
	return r.Run(ctx, "log", "-1", "--pretty=%s", rev)
}

// Log returns "<hash> <subject>" lines for a revision range.
func (r *Repository) Log(ctx context.Context, revRange string) ([]string, error) {
	out, err := r.Run(ctx, "log", "--pretty=%h %s", revRange)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// HasStaged reports whether the index differs from HEAD.
func (r *Repository) HasStaged(ctx context.Context) (bool, error) {
	out, err := r.Run(ctx, "diff", "--cached", "--stat")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// StagedPaths lists the paths staged for commit.
func (r *Repository) StagedPaths(ctx context.Context) ([]string, error) {
	out, err := r.Run(ctx, "diff", "--cached", "--name-only")
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

// Unstage resets the index to HEAD, leaving the working tree untouched.
func (r *Repository) Unstage(ctx context.Context) error {
	_, err := r.Run(ctx, "reset", "--quiet", "HEAD")
	return err
}

// Add stages paths.
func (r *Repository) Add(ctx context.Context, paths ...string) error {
	if len(paths) == 0 {
		return nil
	}
	_, err := r.Run(ctx, append([]string{"add", "--"}, paths...)...)
	return err
}

// Commit commits the index with msg and returns the one-line description of
// the new commit. It is a no-op returning "" when nothing is staged.
func (r *Repository) Commit(ctx context.Context, msg string) (string, error) {
	staged, err := r.HasStaged(ctx)
	if err != nil {
		return "", err
	}
	if !staged {
		return "", nil
	}
	if _, err := r.Run(ctx, "commit", "--quiet", "-m", msg); err != nil {
		return "", err
	}
	return r.Run(ctx, "log", "-1", "--pretty=oneline", "--abbrev-commit")
}

// ChangedPaths lists tracked files matching the pathspecs that are modified or
// deleted in the working tree, plus untracked ones when untracked is set.
// Unlike `git add <glob>`, this never fails on a pathspec without matches.
func (r *Repository) ChangedPaths(ctx context.Context, untracked bool, pathspecs ...string) ([]string, error) {
	args := []string{"ls-files", "--modified", "--deleted"}
	if untracked {
		args = append(args, "--others", "--exclude-standard")
	}
	args = append(args, "--")
	args = append(args, pathspecs...)
	out, err := r.Run(ctx, args...)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var paths []string
	for _, p := range splitLines(out) {
		if !seen[p] {
			seen[p] = true
			paths = append(paths, p)
		}
	}
	return paths, nil
}

// CheckHealth verifies the handle points at a git work tree.
func CheckHealth(r *Repository) []store.Issue {
	var issues []store.Issue

	info, err := os.Stat(r.Path)
	if err != nil {
		issues = append(issues, store.Issue{Severity: "error", Message: fmt.Sprintf("%s: path does not exist: %s", r, r.Path)})
		return issues
	}
	if !info.IsDir() {
		issues = append(issues, store.Issue{Severity: "error", Message: fmt.Sprintf("%s: path is not a directory: %s", r, r.Path)})
		return issues
	}

	top, err := r.Run(context.Background(), "rev-parse", "--show-toplevel")
	if err != nil {
		var toolErr *ExternalToolError
		msg := err.Error()
		if errors.As(err, &toolErr) {
			msg = strings.TrimSpace(toolErr.Stderr)
		}
		issues = append(issues, store.Issue{Severity: "error", Message: fmt.Sprintf("%s: not a git repository (%s)", r, msg)})
		return issues
	}
	if !samePath(top, r.Path) {
		issues = append(issues, store.Issue{Severity: "warning", Message: fmt.Sprintf("%s: %s is inside %s rather than its own repository", r, r.Path, top)})
	}
	return issues
}

func samePath(a, b string) bool {
	ra, err := filepath.EvalSymlinks(a)
	if err != nil {
		ra = a
	}
	rb, err := filepath.EvalSymlinks(b)
	if err != nil {
		rb = b
	}
	return filepath.Clean(ra) == filepath.Clean(rb)
}

func splitLines(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
