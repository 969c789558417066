package patch

import (
	"fmt"
	"strings"

	"github.com/kokistudios/patchlift/internal/repo"
	"github.com/kokistudios/patchlift/internal/ui"
)

// ApplyResult is the classified outcome of one apply attempt.
type ApplyResult struct {
	Status Status
	// Patch is the input patch, updated with the git-reported source when the
	// tool named one.
	Patch Patchfile
	// Reason is the tool's error reason for Deleted and Broken results.
	Reason string
	// Unrecognized marks a Broken result whose reason matched nothing known.
	Unrecognized bool
}

// MissingPatchError means git could not read the patch file itself, which
// points at a path resolution bug rather than a patch that failed to apply.
type MissingPatchError struct {
	Patch  string
	Reason string
	Err    error
}

func (e *MissingPatchError) Error() string {
	return fmt.Sprintf("patch file %s could not be read: %s", e.Patch, e.Reason)
}

func (e *MissingPatchError) Unwrap() error { return e.Err }

// classify maps a failed `git apply --3way` run onto a Status. This is the
// only place that reads the tool's stderr.
func classify(p Patchfile, failure *repo.ExternalToolError) (ApplyResult, error) {
	stderr := strings.TrimSpace(failure.Stderr)

	if strings.Contains(stderr, "with conflicts") {
		// Applied patch to 'base/foo.cc' with conflicts.
		// U base/foo.cc
		lines := strings.Split(stderr, "\n")
		words := strings.Fields(lines[len(lines)-1])
		if len(words) > 0 {
			p = p.WithGitSource(words[len(words)-1])
		}
		return ApplyResult{Status: Conflict, Patch: p}, nil
	}

	if !strings.HasPrefix(stderr, "error:") {
		ui.Logger.Warn("patch failed with unexpected output, flagging as broken",
			"patch", p.Path, "exit", failure.ExitCode, "stderr", stderr)
		return ApplyResult{Status: Broken, Patch: p, Reason: stderr, Unrecognized: true}, nil
	}

	_, reason, _ := strings.Cut(stderr, ": ")
	reason = strings.TrimSpace(strings.Split(reason, "\n")[0])

	switch {
	case strings.Contains(reason, "does not exist in index"):
		// Also seen when init or sync was skipped on the working branch, or
		// when a conflicted patch is applied a second time.
		ui.Logger.Warn("patch target missing during 3-way apply; the tree may not have been synced before upgrading",
			"patch", p.Path)
		source, _, _ := strings.Cut(reason, ": ")
		return ApplyResult{Status: Deleted, Patch: p.WithGitSource(source), Reason: reason}, nil

	case strings.Contains(reason, "No such file or directory") && strings.Contains(reason, p.PathFromRepo()):
		return ApplyResult{}, &MissingPatchError{Patch: p.Path, Reason: reason, Err: failure}

	case strings.Contains(reason, "patch with only garbage"), strings.Contains(reason, "corrupt patch at line"):
		return ApplyResult{Status: Broken, Patch: p, Reason: reason}, nil
	}

	ui.Logger.Warn("patch flagged as broken with an unexpected reason", "patch", p.Path, "reason", reason)
	return ApplyResult{Status: Broken, Patch: p, Reason: reason, Unrecognized: true}, nil
}
