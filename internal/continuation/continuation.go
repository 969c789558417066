// Package continuation persists the checkpoint that lets a later invocation
// pick an interrupted upgrade back up.
package continuation

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/kokistudios/patchlift/internal/patch"
	"github.com/kokistudios/patchlift/internal/repo"
	"github.com/kokistudios/patchlift/internal/ui"
	"github.com/kokistudios/patchlift/internal/version"
)

var (
	ErrNotFound          = errors.New("no upgrade in progress")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrCorrupt           = errors.New("checkpoint is corrupt")
)

// ForeignRunError means the checkpoint on disk belongs to a different run.
type ForeignRunError struct {
	Path            string
	Target, Working version.Version
	WantTarget      version.Version
	WantWorking     *version.Version
}

func (e *ForeignRunError) Error() string {
	want := "target " + e.WantTarget.String()
	if e.WantWorking != nil {
		want += ", working " + e.WantWorking.String()
	}
	return fmt.Sprintf("%s belongs to another run (target %s, working %s; expected %s); remove it or use --restart",
		e.Path, e.Target, e.Working, want)
}

// State is the upgrade's position in its commit sequence.
type State string

const (
	StateNotStarted              State = "not_started"
	StateVersionCommitted        State = "version_committed"
	StateCleanInit               State = "clean_init"
	StateNeedsConflictResolution State = "needs_conflict_resolution"
	StateResumed                 State = "resumed"
	StateConflictsCommitted      State = "conflicts_committed"
	StatePatchesUpdated          State = "patches_updated"
	StateStringsUpdated          State = "strings_updated"
)

var validTransitions = map[State][]State{
	StateNotStarted:              {StateVersionCommitted},
	StateVersionCommitted:        {StateCleanInit, StateNeedsConflictResolution},
	StateCleanInit:               {StatePatchesUpdated},
	StateNeedsConflictResolution: {StateResumed, StateConflictsCommitted},
	StateResumed:                 {StateConflictsCommitted},
	StateConflictsCommitted:      {StatePatchesUpdated},
	StatePatchesUpdated:          {StateStringsUpdated},
}

var stateOrder = map[State]int{
	StateNotStarted:              0,
	StateVersionCommitted:        1,
	StateCleanInit:               2,
	StateNeedsConflictResolution: 2,
	StateResumed:                 3,
	StateConflictsCommitted:      4,
	StatePatchesUpdated:          5,
	StateStringsUpdated:          6,
}

// Reached reports whether s is at or past other in the sequence.
func (s State) Reached(other State) bool {
	return stateOrder[s] >= stateOrder[other]
}

// CanTransition reports whether from may move to to. Staying put is allowed
// so a step can be re-run, and any state may restart.
func CanTransition(from, to State) bool {
	if from == to || to == StateNotStarted {
		return true
	}
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// File is the checkpoint for one upgrade run.
type File struct {
	RunID   string          `yaml:"run_id"`
	Target  version.Version `yaml:"target"`
	Working version.Version `yaml:"working"`
	// Base is recorded because @previous moves once the bump is committed.
	Base             version.Version `yaml:"base"`
	HasShownAdvisory bool            `yaml:"has_shown_advisory"`
	State            State           `yaml:"state"`
	Patches          *patch.Record   `yaml:"patches,omitempty"`
	UpdatedAt        time.Time       `yaml:"updated_at"`

	fs   afero.Fs
	path string
}

// New creates an unsaved checkpoint for a fresh run.
func New(rc *repo.Context, path string, target, working, base version.Version) *File {
	return &File{
		RunID:   uuid.NewString(),
		Target:  target,
		Working: working,
		Base:    base,
		State:   StateNotStarted,
		fs:      rc.Fs,
		path:    path,
	}
}

// Path is where the checkpoint lives.
func (f *File) Path() string { return f.path }

// Transition moves the run to a new state, validated against the sequence.
func (f *File) Transition(to State) error {
	if !CanTransition(f.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, f.State, to)
	}
	f.State = to
	return nil
}

// Advance transitions and saves in one step.
func (f *File) Advance(to State) error {
	if err := f.Transition(to); err != nil {
		return err
	}
	return f.Save()
}

// Load reads the checkpoint and validates it against the caller's target
// and, when given, working version. With check unset, a missing or foreign
// checkpoint yields nil without error.
func Load(rc *repo.Context, path string, target version.Version, working *version.Version, check bool) (*File, error) {
	f, err := Peek(rc, path)
	if err != nil {
		if errors.Is(err, ErrNotFound) && !check {
			return nil, nil
		}
		return nil, err
	}
	if !f.Target.Equal(target) || (working != nil && !f.Working.Equal(*working)) {
		if !check {
			return nil, nil
		}
		return nil, &ForeignRunError{Path: path, Target: f.Target, Working: f.Working, WantTarget: target, WantWorking: working}
	}
	return f, nil
}

// Peek reads the checkpoint without matching it to a run.
func Peek(rc *repo.Context, path string) (*File, error) {
	data, err := afero.ReadFile(rc.Fs, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s does not exist", ErrNotFound, path)
		}
		return nil, err
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
	}
	if !f.Base.Less(f.Target) {
		return nil, fmt.Errorf("%w: %s: base %s is not below target %s", ErrCorrupt, path, f.Base, f.Target)
	}
	if _, known := stateOrder[f.State]; !known {
		return nil, fmt.Errorf("%w: %s: unknown state %q", ErrCorrupt, path, f.State)
	}
	if f.Patches != nil {
		if err := f.Patches.Attach(rc); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, path, err)
		}
	}
	f.fs = rc.Fs
	f.path = path
	return &f, nil
}

// Save atomically overwrites the checkpoint.
func (f *File) Save() error {
	f.UpdatedAt = time.Now().UTC()
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("encoding checkpoint: %w", err)
	}

	dir := filepath.Dir(f.path)
	tmp, err := afero.TempFile(f.fs, dir, "."+filepath.Base(f.path)+"-*")
	if err != nil {
		return fmt.Errorf("writing checkpoint: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		f.fs.Remove(tmpName)
		return fmt.Errorf("writing checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		f.fs.Remove(tmpName)
		return fmt.Errorf("writing checkpoint: %w", err)
	}
	if err := f.fs.Rename(tmpName, f.path); err != nil {
		f.fs.Remove(tmpName)
		return fmt.Errorf("writing checkpoint: %w", err)
	}
	ui.Logger.Debug("checkpoint saved", "run", f.RunID, "state", f.State, "path", f.path)
	return nil
}

// Clear removes the checkpoint. A missing file is not an error.
func Clear(fs afero.Fs, path string) error {
	ui.Logger.Debug("clearing checkpoint", "path", path)
	if err := fs.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// ResumeCommand is the command line that picks this run back up. A run
// that never got past the bump is simply started again.
func (f *File) ResumeCommand() string {
	if f.State == StateNotStarted {
		if f.HasShownAdvisory {
			return fmt.Sprintf("patchlift lift --to %s --ack-advisory", f.Target)
		}
		return fmt.Sprintf("patchlift lift --to %s", f.Target)
	}
	return fmt.Sprintf("patchlift lift --to %s --continue", f.Target)
}
