package upgrade

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kokistudios/patchlift/internal/version"
)

var (
	ErrAlreadyUpgraded     = errors.New("branch is already at the target version (maybe you meant --continue?)")
	ErrInvalidVersionOrder = errors.New("invalid version order")
	ErrAdvisoryNotShown    = errors.New("--ack-advisory can only be used right after advisories were shown")
	ErrNothingStaged       = errors.New("nothing staged for the conflict-resolved patches commit (use --no-conflict-change if there is nothing to commit)")
	ErrHeadMismatch        = errors.New("manifest version at HEAD does not match the target")
	ErrSrcOutOfSync        = errors.New("upstream tree is not synced to the target version")
	ErrNotResumable        = errors.New("checkpoint cannot be resumed from its current state")
	ErrManifestTag         = errors.New("could not update the manifest tag")
	ErrPinslist            = errors.New("could not update the pinslist timestamp")
)

// OrderError reports a target that is not above the base or working version.
type OrderError struct {
	Target  version.Version
	Other   version.Version
	OtherIs string
}

func (e *OrderError) Error() string {
	return fmt.Sprintf("target version %s must be higher than %s version %s", e.Target, e.OtherIs, e.Other)
}

func (e *OrderError) Unwrap() error { return ErrInvalidVersionOrder }

// UnexpectedDeletionError means update_patches removed or added patch files.
// Those changes need their own commit with a rationale.
type UnexpectedDeletionError struct {
	Deleted   []string
	Untracked []string
}

func (e *UnexpectedDeletionError) Error() string {
	var parts []string
	if len(e.Deleted) > 0 {
		parts = append(parts, "deleted patches: "+strings.Join(e.Deleted, ", "))
	}
	if len(e.Untracked) > 0 {
		parts = append(parts, "untracked patches: "+strings.Join(e.Untracked, ", "))
	}
	return "patch files changed unexpectedly; commit them as their own change (" + strings.Join(parts, "; ") + ")"
}

// RestartGuardError means the commit a restart would discard back to is not
// the expected version bump.
type RestartGuardError struct {
	Commit  string
	Subject string
	Want    string
}

func (e *RestartGuardError) Error() string {
	return fmt.Sprintf("refusing to restart: commit %s is %q, expected %q", e.Commit, e.Subject, e.Want)
}
