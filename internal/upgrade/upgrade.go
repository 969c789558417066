// Package upgrade drives a version bump of the core tree through its commit
// sequence: the version bump, conflict-resolved patches, regenerated patches
// and rebased strings. Each step is checkpointed so an interrupted run can be
// resumed with Continue.
package upgrade

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"github.com/kokistudios/patchlift/internal/buildtool"
	"github.com/kokistudios/patchlift/internal/continuation"
	"github.com/kokistudios/patchlift/internal/patch"
	"github.com/kokistudios/patchlift/internal/repo"
	"github.com/kokistudios/patchlift/internal/store"
	"github.com/kokistudios/patchlift/internal/ui"
	"github.com/kokistudios/patchlift/internal/version"
)

// Outcome is how a run ended without error.
type Outcome int

const (
	// Completed means every commit in the sequence exists.
	Completed Outcome = iota
	// SoftStopped means a human has to act before --continue or --ack-advisory.
	SoftStopped
)

// StopReason says why a run soft-stopped.
type StopReason string

const (
	StopAdvisory  StopReason = "advisory"
	StopConflicts StopReason = "conflicts"
)

// Result describes a finished or paused run.
type Result struct {
	Outcome    Outcome
	Reason     StopReason
	Target     version.Version
	Base       version.Version
	Advisories []Advisory
	// Record is set when the run went through a three-way apply pass.
	Record *patch.Record
	// Commits lists the one-line descriptions of commits made by this call.
	Commits []string
}

// StartOptions are the inputs of a fresh run.
type StartOptions struct {
	Target version.Version
	Base   version.Version
	// AckAdvisory skips the advisory checks. Only valid right after a run
	// stopped on advisories.
	AckAdvisory bool
}

// Upgrader runs upgrades against one core checkout.
type Upgrader struct {
	rc         *repo.Context
	tool       buildtool.Tool
	cfg        store.Config
	checkpoint string

	// Prober checks whether prebuilt toolchains are downloadable.
	Prober Prober
	// Now stamps the pinslist.
	Now func() time.Time
}

// New returns an Upgrader. checkpointPath is where the continuation file
// lives, usually inside the core tree.
func New(rc *repo.Context, tool buildtool.Tool, cfg store.Config, checkpointPath string) *Upgrader {
	return &Upgrader{
		rc:         rc,
		tool:       tool,
		cfg:        cfg,
		checkpoint: checkpointPath,
		Prober:     HTTPProber{Timeout: 5 * time.Second},
		Now:        time.Now,
	}
}

// Message formats for the commits of one run.
func versionBumpMessage(base, target version.Version) string {
	return fmt.Sprintf("Update from Chromium %s to Chromium %s.", base, target)
}

func conflictResolvedMessage(base, target version.Version) string {
	return fmt.Sprintf("Conflict-resolved patches from Chromium %s to Chromium %s.", base, target)
}

func updatePatchesMessage(base, target version.Version) string {
	return fmt.Sprintf("Update patches from Chromium %s to Chromium %s.", base, target)
}

func updateStringsMessage(target version.Version) string {
	return fmt.Sprintf("Updated strings for Chromium %s.", target)
}

// CheckOrder validates target against the working and base versions.
func CheckOrder(target, working, base version.Version) error {
	if target.Equal(working) {
		return fmt.Errorf("%w: %s", ErrAlreadyUpgraded, target)
	}
	if target.Less(working) {
		return &OrderError{Target: target, Other: working, OtherIs: "working"}
	}
	return CheckBase(target, base)
}

// CheckBase validates target against the base version alone. It holds
// before and after a restart, unlike the check against HEAD.
func CheckBase(target, base version.Version) error {
	if !base.Less(target) {
		return &OrderError{Target: target, Other: base, OtherIs: "base"}
	}
	return nil
}

// Start begins a fresh upgrade to opts.Target.
func (u *Upgrader) Start(ctx context.Context, opts StartOptions) (*Result, error) {
	core := u.rc.Core()
	working, err := version.FromManifest(ctx, core, "HEAD")
	if err != nil {
		return nil, err
	}
	if err := CheckOrder(opts.Target, working, opts.Base); err != nil {
		return nil, err
	}

	file := continuation.New(u.rc, u.checkpoint, opts.Target, working, opts.Base)
	if opts.AckAdvisory {
		prior, err := continuation.Load(u.rc, u.checkpoint, opts.Target, &working, false)
		if err != nil {
			return nil, err
		}
		if prior == nil || !prior.HasShownAdvisory {
			return nil, ErrAdvisoryNotShown
		}
		file.RunID = prior.RunID
		file.HasShownAdvisory = true
	}
	if err := file.Save(); err != nil {
		return nil, err
	}
	ui.Logger.Info("starting upgrade", "run", file.RunID, "working", working, "target", opts.Target, "base", opts.Base)

	u.warnSrcVersion(ctx, working, opts.Target)
	if base := u.cfg.Upstream.GooglesourceURL; base != "" {
		if !working.Equal(opts.Base) {
			ui.Detail("Changes for this bump", version.LogLink(base, working, opts.Target))
		}
		ui.Detail("Changes since base", version.LogLink(base, opts.Base, opts.Target))
	}

	res := &Result{Target: opts.Target, Base: opts.Base}
	if u.cfg.Advisories.Enabled && !opts.AckAdvisory {
		advisories, err := u.CheckAdvisories(ctx, working, opts.Target)
		if err != nil {
			return nil, fmt.Errorf("checking advisories (set advisories.enabled=false to skip): %w", err)
		}
		if len(advisories) > 0 {
			file.HasShownAdvisory = true
			if err := file.Save(); err != nil {
				return nil, err
			}
			res.Outcome = SoftStopped
			res.Reason = StopAdvisory
			res.Advisories = advisories
			return res, nil
		}
	}

	if err := u.commitVersionBump(ctx, file, res); err != nil {
		return nil, err
	}
	return u.runInit(ctx, file, res)
}

func (u *Upgrader) warnSrcVersion(ctx context.Context, working, target version.Version) {
	src, err := version.FromUpstreamVersionFile(ctx, u.rc.Src(), "HEAD")
	if err != nil {
		ui.Logger.Warn("could not read the upstream version", "err", err)
		return
	}
	switch {
	case !src.Equal(working) && !src.Equal(target):
		ui.Warning(fmt.Sprintf("Upstream seems to be synced to an unrelated version. Core %s, upstream %s", working, src))
	case !src.Equal(working):
		ui.Warning(fmt.Sprintf("Upstream is already checked out at the target version. Core %s, upstream %s", working, src))
	}
}

// commitVersionBump writes the target into the manifest, refreshes the
// pinslist timestamp and commits both.
func (u *Upgrader) commitVersionBump(ctx context.Context, file *continuation.File, res *Result) error {
	manifestPath := u.rc.CorePath(version.ManifestFile)
	err := u.editFile(manifestPath, func(content string) (string, error) {
		return SetManifestVersion(content, file.Target)
	})
	if err != nil {
		return err
	}
	files := []string{version.ManifestFile}

	if pins := u.cfg.Upstream.PinslistFile; pins != "" {
		err := u.editFile(u.rc.CorePath(filepath.FromSlash(pins)), func(content string) (string, error) {
			return UpdatePinslistTimestamp(content, u.Now())
		})
		if err != nil {
			return err
		}
		files = append(files, pins)
	}

	core := u.rc.Core()
	if err := core.Add(ctx, files...); err != nil {
		return err
	}
	if err := u.commit(ctx, res, versionBumpMessage(file.Base, file.Target)); err != nil {
		return err
	}
	return file.Advance(continuation.StateVersionCommitted)
}

func (u *Upgrader) editFile(path string, edit func(string) (string, error)) error {
	info, err := u.rc.Fs.Stat(path)
	if err != nil {
		return err
	}
	data, err := afero.ReadFile(u.rc.Fs, path)
	if err != nil {
		return err
	}
	updated, err := edit(string(data))
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return afero.WriteFile(u.rc.Fs, path, []byte(updated), info.Mode().Perm())
}

func (u *Upgrader) commit(ctx context.Context, res *Result, msg string) error {
	desc, err := u.rc.Core().Commit(ctx, msg)
	if err != nil {
		return fmt.Errorf("committing %q: %w", msg, err)
	}
	if desc != "" {
		ui.Success("Committed " + desc)
		res.Commits = append(res.Commits, desc)
	}
	return nil
}

// step runs one long build tool script behind a spinner.
func step(msg string, run func() error) error {
	sp := ui.NewSpinner(msg)
	defer sp.Stop()
	return run()
}

// runInit applies the patch set against the new upstream and branches on the
// outcome.
func (u *Upgrader) runInit(ctx context.Context, file *continuation.File, res *Result) (*Result, error) {
	err := step("Running init...", func() error { return u.tool.Init(ctx) })
	switch {
	case err == nil:
		if err := file.Advance(continuation.StateCleanInit); err != nil {
			return nil, err
		}
		if err := u.updatePatchesNoDeletions(ctx); err != nil {
			return nil, err
		}
		return u.finish(ctx, file, res, false)
	case errors.Is(err, buildtool.ErrPatchesFailed):
		return u.reapply(ctx, file, res)
	default:
		return nil, fmt.Errorf("init failed: %w", err)
	}
}

// reapply runs the three-way pass over the failing patches. It soft-stops
// when a human has to resolve something.
func (u *Upgrader) reapply(ctx context.Context, file *continuation.File, res *Result) (*Result, error) {
	rec, err := patch.Build(ctx, u.rc, u.tool)
	if err != nil {
		return nil, err
	}
	file.Patches = rec
	res.Record = rec
	if err := file.Advance(continuation.StateNeedsConflictResolution); err != nil {
		return nil, err
	}
	if rec.RequiresConflictResolution() {
		res.Outcome = SoftStopped
		res.Reason = StopConflicts
		return res, nil
	}

	if err := u.updatePatchesNoDeletions(ctx); err != nil {
		return nil, err
	}
	if _, err := rec.StageAllPatches(ctx, u.rc, false); err != nil {
		return nil, err
	}
	if err := u.commit(ctx, res, conflictResolvedMessage(file.Base, file.Target)); err != nil {
		return nil, err
	}
	if err := file.Advance(continuation.StateConflictsCommitted); err != nil {
		return nil, err
	}
	return u.finish(ctx, file, res, true)
}

// updatePatchesNoDeletions regenerates patch files and refuses to go on when
// that deleted or created any. Those need a commit with their own rationale.
func (u *Upgrader) updatePatchesNoDeletions(ctx context.Context) error {
	if err := step("Running update_patches...", func() error { return u.tool.UpdatePatches(ctx) }); err != nil {
		return fmt.Errorf("update_patches failed: %w", err)
	}
	status, err := u.rc.Core().Status(ctx)
	if err != nil {
		return err
	}
	deleted := status.DeletedWithSuffix(patch.Ext)
	untracked := status.UntrackedWithSuffix(patch.Ext)
	if len(deleted) > 0 || len(untracked) > 0 {
		return &UnexpectedDeletionError{Deleted: deleted, Untracked: untracked}
	}
	return nil
}

// finish makes the regenerable commits: updated patches and rebased strings.
// Steps already recorded in the checkpoint are skipped.
func (u *Upgrader) finish(ctx context.Context, file *continuation.File, res *Result, reinit bool) (*Result, error) {
	core := u.rc.Core()

	if !file.State.Reached(continuation.StatePatchesUpdated) {
		changed, err := core.ChangedPaths(ctx, false, "*"+patch.Ext)
		if err != nil {
			return nil, err
		}
		if err := core.Add(ctx, changed...); err != nil {
			return nil, err
		}
		if err := u.commit(ctx, res, updatePatchesMessage(file.Base, file.Target)); err != nil {
			return nil, err
		}
		if err := file.Advance(continuation.StatePatchesUpdated); err != nil {
			return nil, err
		}
	}

	if !file.State.Reached(continuation.StateStringsUpdated) {
		if reinit {
			if err := step("Running init again after updating patches...", func() error { return u.tool.Init(ctx) }); err != nil {
				return nil, fmt.Errorf("init failed: %w", err)
			}
		}
		if err := u.commitStrings(ctx, file.Target, res); err != nil {
			return nil, err
		}
		if err := file.Advance(continuation.StateStringsUpdated); err != nil {
			return nil, err
		}
	}

	if err := continuation.Clear(u.rc.Fs, u.checkpoint); err != nil {
		return nil, err
	}
	res.Outcome = Completed
	ui.Logger.Info("upgrade complete", "run", file.RunID, "target", file.Target)
	return res, nil
}

func (u *Upgrader) commitStrings(ctx context.Context, target version.Version, res *Result) error {
	if err := step("Running chromium_rebase_l10n...", func() error { return u.tool.RebaseL10n(ctx) }); err != nil {
		return fmt.Errorf("chromium_rebase_l10n failed: %w", err)
	}
	core := u.rc.Core()
	changed, err := core.ChangedPaths(ctx, true, "*.grd", "*.grdp", "*.xtb")
	if err != nil {
		return err
	}
	if err := core.Add(ctx, changed...); err != nil {
		return err
	}
	return u.commit(ctx, res, updateStringsMessage(target))
}

// Continue resumes the run recorded in the checkpoint for target. With
// noConflict, an empty conflict-resolved commit is not an error.
func (u *Upgrader) Continue(ctx context.Context, target version.Version, noConflict bool) (*Result, error) {
	core := u.rc.Core()
	head, err := version.FromManifest(ctx, core, "HEAD")
	if err != nil {
		return nil, err
	}
	if !head.Equal(target) {
		return nil, fmt.Errorf("%w: HEAD is at %s, target is %s", ErrHeadMismatch, head, target)
	}

	file, err := continuation.Load(u.rc, u.checkpoint, target, nil, true)
	if err != nil {
		if errors.Is(err, continuation.ErrNotFound) {
			return nil, fmt.Errorf("%w (are you sure you meant --continue?)", err)
		}
		return nil, err
	}

	src, err := version.FromUpstreamVersionFile(ctx, u.rc.Src(), "HEAD")
	if err != nil {
		return nil, err
	}
	if !src.Equal(target) {
		return nil, fmt.Errorf("%w: core %s, upstream %s", ErrSrcOutOfSync, target, src)
	}

	ui.Logger.Info("continuing upgrade", "run", file.RunID, "state", file.State, "target", target)
	res := &Result{Target: file.Target, Base: file.Base, Record: file.Patches}

	switch file.State {
	case continuation.StateNotStarted:
		subject, err := core.CommitSubject(ctx, "HEAD")
		if err != nil {
			return nil, err
		}
		if subject != versionBumpMessage(file.Base, file.Target) {
			return nil, fmt.Errorf("%w: %s (HEAD is %q)", ErrNotResumable, file.State, subject)
		}
		if err := file.Advance(continuation.StateVersionCommitted); err != nil {
			return nil, err
		}
		return u.runInit(ctx, file, res)
	case continuation.StateVersionCommitted:
		return u.runInit(ctx, file, res)
	case continuation.StateCleanInit:
		if err := u.updatePatchesNoDeletions(ctx); err != nil {
			return nil, err
		}
		return u.finish(ctx, file, res, false)
	case continuation.StateNeedsConflictResolution, continuation.StateResumed:
		if err := u.commitResolved(ctx, file, res, noConflict); err != nil {
			return nil, err
		}
		return u.finish(ctx, file, res, true)
	case continuation.StateConflictsCommitted, continuation.StatePatchesUpdated:
		return u.finish(ctx, file, res, true)
	case continuation.StateStringsUpdated:
		if err := continuation.Clear(u.rc.Fs, u.checkpoint); err != nil {
			return nil, err
		}
		res.Outcome = Completed
		return res, nil
	}
	return nil, fmt.Errorf("%w: unknown state %s", ErrNotResumable, file.State)
}

// commitResolved records the human's conflict resolution as its own commit.
func (u *Upgrader) commitResolved(ctx context.Context, file *continuation.File, res *Result, noConflict bool) error {
	if err := file.Advance(continuation.StateResumed); err != nil {
		return err
	}
	core := u.rc.Core()
	msg := conflictResolvedMessage(file.Base, file.Target)

	// A previous call may have committed without recording it.
	subject, err := core.CommitSubject(ctx, "HEAD")
	if err != nil {
		return err
	}
	if subject == msg {
		return file.Advance(continuation.StateConflictsCommitted)
	}

	if file.Patches.RequiresConflictResolution() && !noConflict {
		if err := u.updatePatchesNoDeletions(ctx); err != nil {
			return err
		}
	}
	if file.Patches != nil {
		if _, err := file.Patches.StageAllPatches(ctx, u.rc, true); err != nil {
			return err
		}
	}
	before := len(res.Commits)
	if err := u.commit(ctx, res, msg); err != nil {
		return err
	}
	if len(res.Commits) == before && !noConflict {
		return ErrNothingStaged
	}
	return file.Advance(continuation.StateConflictsCommitted)
}

// Regen regenerates patches and strings for the current branch without
// touching the version.
func (u *Upgrader) Regen(ctx context.Context, base, target version.Version) (*Result, error) {
	if err := CheckBase(target, base); err != nil {
		return nil, err
	}
	res := &Result{Target: target, Base: base}
	if err := step("Running init...", func() error { return u.tool.Init(ctx) }); err != nil {
		return nil, fmt.Errorf("init failed: %w", err)
	}
	if err := step("Running update_patches...", func() error { return u.tool.UpdatePatches(ctx) }); err != nil {
		return nil, fmt.Errorf("update_patches failed: %w", err)
	}
	core := u.rc.Core()
	changed, err := core.ChangedPaths(ctx, false, "*"+patch.Ext)
	if err != nil {
		return nil, err
	}
	if err := core.Add(ctx, changed...); err != nil {
		return nil, err
	}
	if err := u.commit(ctx, res, updatePatchesMessage(base, target)); err != nil {
		return nil, err
	}
	if err := u.commitStrings(ctx, target, res); err != nil {
		return nil, err
	}
	res.Outcome = Completed
	return res, nil
}
