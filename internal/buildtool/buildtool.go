// Package buildtool runs the core tree's build steps: applying patches,
// regenerating patch files and rebasing localization strings.
package buildtool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"github.com/kokistudios/patchlift/internal/patch"
	"github.com/kokistudios/patchlift/internal/repo"
	"github.com/kokistudios/patchlift/internal/ui"
)

var (
	// ErrPatchesFailed means init ran but some patches did not apply.
	ErrPatchesFailed = errors.New("not all patches applied successfully")
	// ErrNoFailureList means apply_patches did not report which patches failed.
	ErrNoFailureList = errors.New("apply_patches failed without a failure list")
)

// Tool is the external build tool driving the core tree.
type Tool interface {
	Name() string
	Available() error
	// ListFailures runs the apply step in structured mode.
	ListFailures(ctx context.Context) ([]patch.Failure, error)
	// Init syncs the upstream tree and applies every patch. A run that only
	// failed on patches returns ErrPatchesFailed.
	Init(ctx context.Context) error
	// UpdatePatches regenerates patch files from the working trees.
	UpdatePatches(ctx context.Context) error
	// RebaseL10n regenerates localization resources against upstream.
	RebaseL10n(ctx context.Context) error
}

// New returns the tool for kind, run in dir.
func New(kind, path, dir string, infraMode bool) (Tool, error) {
	switch kind {
	case "", "npm":
		return &Npm{Path: path, Dir: dir, InfraMode: infraMode}, nil
	default:
		return nil, fmt.Errorf("unknown build tool: %s", kind)
	}
}

// Npm runs the core tree's package scripts through `npm run`.
type Npm struct {
	Path string
	Dir  string
	// InfraMode adds the flags CI needs for init.
	InfraMode bool
	Env       []string
}

func (n *Npm) Name() string { return "npm" }

func (n *Npm) Available() error {
	if _, err := exec.LookPath(n.pathOrDefault()); err != nil {
		return fmt.Errorf("npm not found at %q: install Node.js or set npm.path", n.pathOrDefault())
	}
	return nil
}

func (n *Npm) pathOrDefault() string {
	if n.Path == "" {
		return "npm"
	}
	return n.Path
}

func (n *Npm) run(ctx context.Context, script string, args ...string) (repo.Output, error) {
	cmd := append([]string{"run", script}, args...)
	return repo.Exec(ctx, n.Dir, n.Env, n.pathOrDefault(), cmd...)
}

func (n *Npm) ListFailures(ctx context.Context) ([]patch.Failure, error) {
	_, err := n.run(ctx, "apply_patches", "--", "--print-patch-failures-in-json")
	if err == nil {
		return nil, fmt.Errorf("%w: apply_patches exited 0", ErrNoFailureList)
	}
	var toolErr *repo.ExternalToolError
	if !errors.As(err, &toolErr) {
		return nil, err
	}
	failures, perr := ParseFailureList(toolErr.Stdout)
	if perr != nil {
		return nil, fmt.Errorf("%w: %v", perr, err)
	}
	return failures, nil
}

func (n *Npm) Init(ctx context.Context) error {
	var args []string
	if n.InfraMode {
		args = []string{"--", "--with_issue_44921"}
	}
	out, err := n.run(ctx, "init", args...)
	return classifyInit(out.Stderr, err)
}

func (n *Npm) UpdatePatches(ctx context.Context) error {
	_, err := n.run(ctx, "update_patches")
	return err
}

func (n *Npm) RebaseL10n(ctx context.Context) error {
	_, err := n.run(ctx, "chromium_rebase_l10n")
	return err
}

var failureList = regexp.MustCompile(`(?s)\[\s*\{.*?\}\s*\]`)

// ParseFailureList extracts the JSON failure list from apply_patches output,
// which is mixed in with the rest of the script's logging.
func ParseFailureList(stdout string) ([]patch.Failure, error) {
	raw := failureList.FindString(stdout)
	if raw == "" {
		return nil, ErrNoFailureList
	}
	var failures []patch.Failure
	if err := json.Unmarshal([]byte(raw), &failures); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoFailureList, err)
	}
	return failures, nil
}

const (
	initPatchesFailed = "Exiting as not all patches were successful!"
	initResetFailures = "There were some failures during git reset of specific repo paths"
)

func classifyInit(stderr string, err error) error {
	if strings.Contains(stderr, initResetFailures) {
		ui.Logger.Warn("init reported git reset failures; the tree may need a manual sync")
	}
	if err == nil {
		return nil
	}
	lines := strings.Split(strings.TrimSpace(stderr), "\n")
	if strings.TrimSpace(lines[len(lines)-1]) == initPatchesFailed {
		return fmt.Errorf("%w: %w", ErrPatchesFailed, err)
	}
	return err
}
