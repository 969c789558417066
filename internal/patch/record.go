package patch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/kokistudios/patchlift/internal/repo"
	"github.com/kokistudios/patchlift/internal/ui"
)

// ReasonSrcRemoved is the build tool's reason for a patch whose target file
// no longer exists upstream.
const ReasonSrcRemoved = "SRC_REMOVED"

// Failure is one entry of the build tool's machine-readable failure list.
type Failure struct {
	PatchPath string `json:"patchPath"`
	Path      string `json:"path"`
	Reason    string `json:"reason"`
}

// FailureLister runs the apply step in structured mode and returns every
// patch that failed to re-apply.
type FailureLister interface {
	ListFailures(ctx context.Context) ([]Failure, error)
}

// Group is the set of patches that apply to one repository.
type Group struct {
	// Repo is the repository path relative to the core tree.
	Repo    string      `yaml:"repo"`
	Patches []Patchfile `yaml:"patches"`
}

// BrokenPatch is a patch that failed to apply entirely.
type BrokenPatch struct {
	Patch        Patchfile `yaml:",inline"`
	Reason       string    `yaml:"reason,omitempty"`
	Unrecognized bool      `yaml:"unrecognized,omitempty"`
}

// Record aggregates one pass of three-way re-applies. It is built once per
// attempt and persisted in the checkpoint.
type Record struct {
	// Groups holds every re-applied patch by repository, in first-seen order.
	Groups []Group `yaml:"groups,omitempty"`
	// Deleted holds patches whose target file is gone.
	Deleted []Patchfile `yaml:"deleted,omitempty"`
	// Conflicts lists core-relative files left with conflict markers.
	Conflicts []string      `yaml:"conflicts,omitempty"`
	Broken    []BrokenPatch `yaml:"broken,omitempty"`
}

// Build lists the failing patches, re-applies each one with a three-way
// merge and unstages whatever the merges left in each index.
func Build(ctx context.Context, rc *repo.Context, lister FailureLister) (*Record, error) {
	failures, err := lister.ListFailures(ctx)
	if err != nil {
		return nil, err
	}

	rec := &Record{}
	index := make(map[string]int)
	for _, f := range failures {
		p, err := New(rc, f.PatchPath, f.Path)
		if err != nil {
			return nil, err
		}
		if f.Reason == ReasonSrcRemoved {
			rec.Deleted = append(rec.Deleted, p)
			continue
		}
		key := p.Repository().FromCore()
		i, ok := index[key]
		if !ok {
			i = len(rec.Groups)
			index[key] = i
			rec.Groups = append(rec.Groups, Group{Repo: key})
		}
		rec.Groups[i].Patches = append(rec.Groups[i].Patches, p)
	}

	if n := rec.PatchCount(); n > 0 {
		ui.Status(fmt.Sprintf("Reapplying %d patch file(s) with --3way", n))
	}
	for _, g := range rec.Groups {
		for _, p := range g.Patches {
			res, err := p.Apply(ctx)
			if err != nil {
				return nil, err
			}
			ui.Logger.Debug("applied", "patch", p.Path, "status", res.Status)
			rec.add(res)
		}
	}

	// Leave conflict markers in the tree but nothing staged.
	for _, g := range rec.Groups {
		if err := rec.repoFor(rc, g).Unstage(ctx); err != nil {
			return nil, fmt.Errorf("unstaging %s: %w", g.Repo, err)
		}
	}
	return rec, nil
}

func (r *Record) add(res ApplyResult) {
	switch res.Status {
	case Conflict:
		r.Conflicts = append(r.Conflicts, res.Patch.SourceFromCore())
	case Deleted:
		r.Deleted = append(r.Deleted, res.Patch)
	case Broken:
		r.Broken = append(r.Broken, BrokenPatch{Patch: res.Patch, Reason: res.Reason, Unrecognized: res.Unrecognized})
	}
}

func (r *Record) repoFor(rc *repo.Context, g Group) *repo.Repository {
	if len(g.Patches) > 0 && g.Patches[0].Repository() != nil {
		return g.Patches[0].Repository()
	}
	return rc.At(filepath.Join(rc.CoreRoot, filepath.FromSlash(g.Repo)))
}

// Attach re-derives each patch's repository after the record was decoded.
func (r *Record) Attach(rc *repo.Context) error {
	var err error
	for gi := range r.Groups {
		for pi := range r.Groups[gi].Patches {
			if r.Groups[gi].Patches[pi], err = r.Groups[gi].Patches[pi].attach(rc); err != nil {
				return err
			}
		}
	}
	for i := range r.Deleted {
		if r.Deleted[i], err = r.Deleted[i].attach(rc); err != nil {
			return err
		}
	}
	for i := range r.Broken {
		if r.Broken[i].Patch, err = r.Broken[i].Patch.attach(rc); err != nil {
			return err
		}
	}
	return nil
}

// PatchCount is the number of re-applied patches.
func (r *Record) PatchCount() int {
	n := 0
	for _, g := range r.Groups {
		n += len(g.Patches)
	}
	return n
}

// RequiresConflictResolution reports whether anything needs a human.
func (r *Record) RequiresConflictResolution() bool {
	return r != nil && (len(r.Conflicts) > 0 || len(r.Deleted) > 0 || len(r.Broken) > 0)
}

// Unrecognized returns the broken patches whose reason was not recognized.
func (r *Record) Unrecognized() []BrokenPatch {
	var out []BrokenPatch
	for _, b := range r.Broken {
		if b.Unrecognized {
			out = append(out, b)
		}
	}
	return out
}

// StageAllPatches stages every re-applied patch file in the core tree and
// returns the paths staged. With ignoreDeleted, patch files missing on disk
// are skipped; otherwise every path is attempted and failures are joined.
func (r *Record) StageAllPatches(ctx context.Context, rc *repo.Context, ignoreDeleted bool) ([]string, error) {
	core := rc.Core()
	var staged []string
	var errs []error
	for _, g := range r.Groups {
		for _, p := range g.Patches {
			if ignoreDeleted {
				exists, err := afero.Exists(rc.Fs, rc.CorePath(filepath.FromSlash(p.Path)))
				if err != nil && !errors.Is(err, os.ErrNotExist) {
					return staged, err
				}
				if !exists {
					continue
				}
			}
			if err := core.Add(ctx, p.Path); err != nil {
				errs = append(errs, fmt.Errorf("staging %s: %w", p.Path, err))
				continue
			}
			staged = append(staged, p.Path)
		}
	}
	return staged, errors.Join(errs...)
}

// DeletionGroup collects the patches whose sources one commit removed.
type DeletionGroup struct {
	Commit   string
	Details  string
	Removals []Removal
}

// DeletionReport resolves each deleted patch's source through git and groups
// the patches by the commit that removed their source, in first-seen order.
func (r *Record) DeletionReport(ctx context.Context) ([]DeletionGroup, error) {
	var groups []DeletionGroup
	index := make(map[string]int)
	for _, p := range r.Deleted {
		p, err := p.FetchSourceFromGit(ctx)
		if err != nil {
			return groups, fmt.Errorf("resolving source of %s: %w", p.Path, err)
		}
		commit, err := p.LastCommitForSource(ctx)
		if err != nil {
			return groups, fmt.Errorf("finding removal of %s: %w", p.Source(), err)
		}
		removal, err := p.RemovalStatus(ctx, commit)
		if err != nil {
			return groups, err
		}
		key := p.Repository().Path + "@" + commit
		i, ok := index[key]
		if !ok {
			i = len(groups)
			index[key] = i
			groups = append(groups, DeletionGroup{Commit: commit, Details: removal.Details})
		}
		groups[i].Removals = append(groups[i].Removals, removal)
	}
	return groups, nil
}

// AttentionPaths lists every core-relative file a human needs to look at.
func (r *Record) AttentionPaths() []string {
	if r == nil {
		return nil
	}
	var paths []string
	seen := make(map[string]bool)
	add := func(p string) {
		if p != "" && !seen[p] {
			seen[p] = true
			paths = append(paths, p)
		}
	}
	for _, p := range r.Deleted {
		add(p.Path)
	}
	for _, b := range r.Broken {
		add(b.Patch.Path)
		add(b.Patch.SourceFromCore())
	}
	for _, c := range r.Conflicts {
		add(c)
	}
	return paths
}
