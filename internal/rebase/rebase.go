package rebase

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kokistudios/patchlift/internal/repo"
	"github.com/kokistudios/patchlift/internal/ui"
)

// Hidden subcommands git calls back into as its sequence and message editor.
const (
	PlanEditCommand    = "rebase-plan-edit"
	MessageEditCommand = "rebase-message-edit"
)

// Options controls one rebase.
type Options struct {
	// From is the new base.
	From string
	// Branch is rebased; empty means the current branch.
	Branch       string
	Recommit     bool
	DiscardRegen bool
	Squash       bool
	// Executable is this binary, used for the editor hooks.
	Executable string
}

// Result is the outcome of Run. A non-empty Conflicts means nothing was
// rebased and ManualCommand should be run by hand.
type Result struct {
	Branch        string
	ForkPoint     string
	Conflicts     []string
	ManualCommand string
}

// Conflicts lists the files a merge of from and to would conflict on.
func Conflicts(ctx context.Context, core *repo.Repository, from, to string) ([]string, error) {
	_, err := core.RunRaw(ctx, "merge-tree", "--write-tree", from, to)
	if err == nil {
		return nil, nil
	}
	var toolErr *repo.ExternalToolError
	if !errors.As(err, &toolErr) || toolErr.ExitCode != 1 {
		return nil, err
	}
	var files []string
	seen := make(map[string]bool)
	for _, line := range strings.Split(toolErr.Stdout, "\n") {
		if !strings.Contains(line, "CONFLICT") {
			continue
		}
		fields := strings.Fields(line)
		if f := fields[len(fields)-1]; !seen[f] {
			seen[f] = true
			files = append(files, f)
		}
	}
	return files, nil
}

// ForkPoint finds where branch forked from from, falling back to the plain
// merge base when the reflog no longer knows.
func ForkPoint(ctx context.Context, core *repo.Repository, from, branch string) (string, error) {
	if out, err := core.Run(ctx, "merge-base", "--fork-point", from, branch); err == nil && out != "" {
		return out, nil
	}
	return core.Run(ctx, "merge-base", from, branch)
}

// Run rebases the branch onto opts.From with autosquash, rewriting the todo
// through the hidden editor subcommands.
func Run(ctx context.Context, rc *repo.Context, opts Options) (*Result, error) {
	core := rc.Core()
	branch := opts.Branch
	if branch == "" {
		var err error
		if branch, err = core.CurrentBranch(ctx); err != nil {
			return nil, err
		}
	}
	if !core.IsValidRef(ctx, opts.From) {
		return nil, fmt.Errorf("not a valid git ref: %s", opts.From)
	}

	fork, err := ForkPoint(ctx, core, opts.From, branch)
	if err != nil {
		return nil, fmt.Errorf("finding fork point of %s from %s: %w", branch, opts.From, err)
	}
	res := &Result{Branch: branch, ForkPoint: fork}

	conflicts, err := Conflicts(ctx, core, opts.From, branch)
	if err != nil {
		return nil, err
	}
	if len(conflicts) > 0 {
		res.Conflicts = conflicts
		res.ManualCommand = fmt.Sprintf("git rebase -i --autosquash --onto %s %s %s", opts.From, fork, branch)
		return res, nil
	}

	env := append(append([]string{}, rc.Env...), editorEnv(opts)...)
	args := []string{"rebase", "--interactive", "--autosquash", "--empty=drop", "--onto", opts.From, fork, branch}
	if _, err := repo.Exec(ctx, core.Path, env, "git", args...); err != nil {
		return nil, fmt.Errorf("rebase failed: %w", err)
	}
	if opts.Recommit {
		if _, err := repo.Exec(ctx, core.Path, env, "git", "commit", "--amend", "--no-edit"); err != nil {
			return nil, fmt.Errorf("recommitting: %w", err)
		}
		if _, err := repo.Exec(ctx, core.Path, env, "git", "rebase", "--continue"); err != nil {
			return nil, fmt.Errorf("continuing rebase: %w", err)
		}
	}
	ui.Logger.Info("rebased", "branch", branch, "onto", opts.From, "fork", fork)
	return res, nil
}

// PlanFlags are the arguments of the plan editor subcommand.
func PlanFlags(opts Options) []string {
	var flags []string
	if opts.DiscardRegen {
		flags = append(flags, "--discard-regen-changes")
	}
	if opts.Recommit {
		flags = append(flags, "--recommit")
	}
	if opts.Squash {
		flags = append(flags, "--squash")
	}
	return flags
}

// PlanTransforms returns the todo transforms for the given toggles, in the
// order they are applied.
func PlanTransforms(discardRegen, recommit, squash bool) []Transform {
	var ts []Transform
	if discardRegen {
		ts = append(ts, DiscardRegen)
	}
	if squash {
		ts = append(ts, SquashGroups)
	}
	if recommit {
		ts = append(ts, Recommit)
	}
	return ts
}

func editorEnv(opts Options) []string {
	exe := shellQuote(opts.Executable)
	sequence := "true"
	if flags := PlanFlags(opts); len(flags) > 0 {
		sequence = strings.Join(append([]string{exe, PlanEditCommand}, flags...), " ")
	}
	message := "true"
	if opts.Squash {
		message = exe + " " + MessageEditCommand
	}
	return []string{"GIT_SEQUENCE_EDITOR=" + sequence, "GIT_EDITOR=" + message}
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
