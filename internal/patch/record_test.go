package patch_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/kokistudios/patchlift/internal/gitfixture"
	"github.com/kokistudios/patchlift/internal/patch"
)

type fakeLister struct {
	failures []patch.Failure
	err      error
}

func (f fakeLister) ListFailures(context.Context) ([]patch.Failure, error) {
	return f.failures, f.err
}

// failingTree prepares three patches against 131: one overlapping the
// upstream change, one whose source was deleted, and one corrupt.
func failingTree(t *testing.T) (*gitfixture.Tree, fakeLister) {
	t.Helper()
	tr := upstreamTree(t)
	gitfixture.WriteFile(t, tr.Src, "base/gone.cc", numbered(8, nil))
	gitfixture.CommitAll(t, tr.Src, "Add gone.cc")

	conflicting := tr.MakePatch(t, "base/foo.cc", numbered(12, map[int]string{5: "patched 5"}))
	removed := tr.MakePatch(t, "base/gone.cc", numbered(8, map[int]string{3: "patched 3"}))
	gitfixture.WriteFile(t, tr.Core, "patches/base-bar.cc.patch",
		"diff --git a/base/bar.cc b/base/bar.cc\n--- a/base/bar.cc\n+++ b/base/bar.cc\ngarbage\n")

	require.NoError(t, os.Remove(filepath.Join(tr.Src, "base/gone.cc")))
	tr.BumpUpstream(t, "131.0.0.0", map[string]string{
		"base/foo.cc": numbered(12, map[int]string{5: "upstream 5"}),
	})

	return tr, fakeLister{failures: []patch.Failure{
		{PatchPath: conflicting, Path: "base/foo.cc", Reason: "PATCH_CHANGED"},
		{PatchPath: removed, Path: "base/gone.cc", Reason: patch.ReasonSrcRemoved},
		{PatchPath: "patches/base-bar.cc.patch", Path: "base/bar.cc", Reason: "PATCH_CHANGED"},
	}}
}

func TestBuild_ClassifiesAndUnstages(t *testing.T) {
	tr, lister := failingTree(t)
	ctx := context.Background()

	rec, err := patch.Build(ctx, tr.Ctx, lister)
	require.NoError(t, err)

	require.Len(t, rec.Groups, 1)
	assert.Equal(t, "..", rec.Groups[0].Repo)
	assert.Equal(t, 2, rec.PatchCount())

	assert.Equal(t, []string{"../base/foo.cc"}, rec.Conflicts)
	require.Len(t, rec.Deleted, 1)
	assert.Equal(t, "patches/base-gone.cc.patch", rec.Deleted[0].Path)
	require.Len(t, rec.Broken, 1)
	assert.Equal(t, "patches/base-bar.cc.patch", rec.Broken[0].Patch.Path)
	assert.False(t, rec.Broken[0].Unrecognized)
	assert.Empty(t, rec.Unrecognized())
	assert.True(t, rec.RequiresConflictResolution())

	staged, err := tr.Ctx.Src().HasStaged(ctx)
	require.NoError(t, err)
	assert.False(t, staged, "the speculative apply pass must leave the index unstaged")
	assert.Contains(t, gitfixture.ReadFile(t, tr.Src, "base/foo.cc"), ">>>>>>>")
}

func TestBuild_GroupsByRepositoryInFirstSeenOrder(t *testing.T) {
	tr := upstreamTree(t)
	v8 := filepath.Join(tr.Src, "v8")
	gitfixture.InitRepo(t, v8)
	gitfixture.WriteFile(t, v8, "src/api.cc", numbered(6, nil))
	gitfixture.CommitAll(t, v8, "v8")

	a := tr.MakePatch(t, "base/foo.cc", numbered(12, map[int]string{2: "patched"}))
	gitfixture.WriteFile(t, v8, "src/api.cc", numbered(6, map[int]string{2: "patched"}))
	diff := gitfixture.Git(t, v8, "diff", "--full-index")
	gitfixture.Git(t, v8, "checkout", "--", "src/api.cc")
	gitfixture.WriteFile(t, tr.Core, "patches/v8/src-api.cc.patch", diff+"\n")

	rec, err := patch.Build(context.Background(), tr.Ctx, fakeLister{failures: []patch.Failure{
		{PatchPath: "patches/v8/src-api.cc.patch"},
		{PatchPath: a},
	}})
	require.NoError(t, err)
	require.Len(t, rec.Groups, 2)
	assert.Equal(t, "../v8", rec.Groups[0].Repo)
	assert.Equal(t, "..", rec.Groups[1].Repo)
	assert.False(t, rec.RequiresConflictResolution())
	assert.Contains(t, gitfixture.ReadFile(t, v8, "src/api.cc"), "patched")
}

func TestBuild_ListerError(t *testing.T) {
	tr := upstreamTree(t)
	boom := errors.New("no list")
	_, err := patch.Build(context.Background(), tr.Ctx, fakeLister{err: boom})
	assert.ErrorIs(t, err, boom)
}

func TestStageAllPatches(t *testing.T) {
	tr, lister := failingTree(t)
	ctx := context.Background()
	rec, err := patch.Build(ctx, tr.Ctx, lister)
	require.NoError(t, err)

	// The broken patch gets dropped by the human.
	require.NoError(t, os.Remove(filepath.Join(tr.Core, "patches/base-bar.cc.patch")))

	staged, err := rec.StageAllPatches(ctx, tr.Ctx, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"patches/base-foo.cc.patch"}, staged)

	paths, err := tr.Ctx.Core().StagedPaths(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"patches/base-foo.cc.patch"}, paths)

	require.NoError(t, tr.Ctx.Core().Unstage(ctx))
	staged, err = rec.StageAllPatches(ctx, tr.Ctx, false)
	assert.Error(t, err, "staging a missing untracked path must be attempted and fail")
	assert.Contains(t, err.Error(), "patches/base-bar.cc.patch")
	assert.Equal(t, []string{"patches/base-foo.cc.patch"}, staged)
}

func TestDeletionReport(t *testing.T) {
	tr, lister := failingTree(t)
	ctx := context.Background()
	rec, err := patch.Build(ctx, tr.Ctx, lister)
	require.NoError(t, err)

	groups, err := rec.DeletionReport(ctx)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	require.Len(t, groups[0].Removals, 1)
	assert.Equal(t, "D", groups[0].Removals[0].Status)
	assert.Equal(t, "base/gone.cc", groups[0].Removals[0].Patch.Source())
	assert.Contains(t, groups[0].Details, "Incrementing VERSION to 131.0.0.0")
}

func TestAttentionPaths(t *testing.T) {
	tr, lister := failingTree(t)
	rec, err := patch.Build(context.Background(), tr.Ctx, lister)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"patches/base-gone.cc.patch",
		"patches/base-bar.cc.patch",
		"../base/bar.cc",
		"../base/foo.cc",
	}, rec.AttentionPaths())

	var empty *patch.Record
	assert.Nil(t, empty.AttentionPaths())
	assert.False(t, empty.RequiresConflictResolution())
}

func TestRecord_YAMLAndAttach(t *testing.T) {
	tr, lister := failingTree(t)
	rec, err := patch.Build(context.Background(), tr.Ctx, lister)
	require.NoError(t, err)

	data, err := yaml.Marshal(rec)
	require.NoError(t, err)

	var back patch.Record
	require.NoError(t, yaml.Unmarshal(data, &back))
	require.NoError(t, back.Attach(tr.Ctx))

	assert.Equal(t, rec.Conflicts, back.Conflicts)
	require.Len(t, back.Groups, 1)
	p := back.Groups[0].Patches[0]
	assert.Equal(t, rec.Groups[0].Patches[0].Path, p.Path)
	assert.True(t, p.Repository().IsSrc())
	assert.Equal(t, "base/foo.cc", p.Source())
	require.Len(t, back.Broken, 1)
	assert.Equal(t, rec.Broken[0].Reason, back.Broken[0].Reason)
	assert.True(t, back.Deleted[0].Repository().IsSrc())
}
