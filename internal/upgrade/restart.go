package upgrade

import (
	"context"
	"fmt"
	"regexp"

	"github.com/kokistudios/patchlift/internal/continuation"
	"github.com/kokistudios/patchlift/internal/ui"
	"github.com/kokistudios/patchlift/internal/version"
)

// RestartPlan is what a restart would throw away.
type RestartPlan struct {
	Target version.Version
	// Start is the version bump commit; history is reset to its parent.
	Start   string
	Subject string
	// Discarded lists "<hash> <subject>" for every commit the reset drops.
	Discarded []string
}

// PlanRestart locates the version bump commit of the upgrade to target and
// checks it is safe to reset past it. Nothing is modified.
func (u *Upgrader) PlanRestart(ctx context.Context, target version.Version) (*RestartPlan, error) {
	core := u.rc.Core()
	head, err := version.FromManifest(ctx, core, "HEAD")
	if err != nil {
		return nil, err
	}
	if !head.Equal(target) {
		return nil, fmt.Errorf("%w: HEAD is at %s, target is %s", ErrHeadMismatch, head, target)
	}

	// The pinslist only changes in version bump commits, so it finds the
	// bump even when later commits touched the manifest.
	file := u.cfg.Upstream.PinslistFile
	if file == "" {
		file = version.ManifestFile
	}
	start, err := core.LastChanged(ctx, file, "")
	if err != nil {
		return nil, err
	}
	subject, err := core.CommitSubject(ctx, start)
	if err != nil {
		return nil, err
	}
	want := regexp.MustCompile(`^Update from Chromium \S+ to Chromium ` + regexp.QuoteMeta(target.String()) + `\.$`)
	if !want.MatchString(subject) {
		return nil, &RestartGuardError{Commit: start, Subject: subject, Want: "Update from Chromium * to Chromium " + target.String() + "."}
	}

	discarded, err := core.Log(ctx, start+"~1..HEAD")
	if err != nil {
		return nil, err
	}
	return &RestartPlan{Target: target, Start: start, Subject: subject, Discarded: discarded}, nil
}

// Restart drops the checkpoint and resets the core tree to the parent of the
// version bump commit.
func (u *Upgrader) Restart(ctx context.Context, plan *RestartPlan) error {
	if err := continuation.Clear(u.rc.Fs, u.checkpoint); err != nil {
		return err
	}
	if _, err := u.rc.Core().Run(ctx, "reset", "--hard", plan.Start+"~1"); err != nil {
		return fmt.Errorf("resetting to %s~1: %w", plan.Start, err)
	}
	ui.Success(fmt.Sprintf("Reset to the parent of %s; %d commit(s) discarded", plan.Start, len(plan.Discarded)))
	return nil
}
