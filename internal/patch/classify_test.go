package patch

import (
	"errors"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kokistudios/patchlift/internal/repo"
)

func TestClassify(t *testing.T) {
	rc, err := repo.NewContext("/w/src/brave", "/w/src", afero.NewMemMapFs())
	require.NoError(t, err)
	p, err := New(rc, "patches/base-foo.cc.patch", "base/foo.cc")
	require.NoError(t, err)

	cases := []struct {
		name         string
		stderr       string
		status       Status
		source       string
		unrecognized bool
	}{
		{
			name:   "conflict",
			stderr: "Performing three-way merge...\nApplied patch to 'base/foo_renamed.cc' with conflicts.\nU base/foo_renamed.cc\n",
			status: Conflict,
			source: "base/foo_renamed.cc",
		},
		{
			name:   "deleted",
			stderr: "error: base/old_foo.cc: does not exist in index\n",
			status: Deleted,
			source: "base/old_foo.cc",
		},
		{
			name:   "garbage",
			stderr: "error: patch with only garbage at line 4\n",
			status: Broken,
			source: "base/foo.cc",
		},
		{
			name:   "corrupt",
			stderr: "error: corrupt patch at line 12\n",
			status: Broken,
			source: "base/foo.cc",
		},
		{
			name:         "unknown error reason",
			stderr:       "error: patch failed: base/foo.cc:10\n",
			status:       Broken,
			source:       "base/foo.cc",
			unrecognized: true,
		},
		{
			name:         "no error prefix",
			stderr:       "fatal: something new\n",
			status:       Broken,
			source:       "base/foo.cc",
			unrecognized: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := classify(p, &repo.ExternalToolError{Name: "git", ExitCode: 1, Stderr: tc.stderr})
			require.NoError(t, err)
			assert.Equal(t, tc.status, res.Status)
			assert.Equal(t, tc.source, res.Patch.Source())
			assert.Equal(t, tc.unrecognized, res.Unrecognized)
			assert.Equal(t, "patches/base-foo.cc.patch", res.Patch.Path)
		})
	}
}

func TestClassify_MissingPatchFile(t *testing.T) {
	rc, err := repo.NewContext("/w/src/brave", "/w/src", afero.NewMemMapFs())
	require.NoError(t, err)
	p, err := New(rc, "patches/base-foo.cc.patch", "")
	require.NoError(t, err)

	failure := &repo.ExternalToolError{
		Name:     "git",
		ExitCode: 128,
		Stderr:   "error: can't open patch 'brave/patches/base-foo.cc.patch': No such file or directory\n",
	}
	_, err = classify(p, failure)
	var missing *MissingPatchError
	require.True(t, errors.As(err, &missing))
	assert.True(t, errors.Is(err, failure), "the tool failure stays in the chain")

	// A missing file that is not the patch itself is a broken patch.
	res, err := classify(p, &repo.ExternalToolError{Stderr: "error: base/x.cc: No such file or directory\n"})
	require.NoError(t, err)
	assert.Equal(t, Broken, res.Status)
	assert.True(t, res.Unrecognized)
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "clean", Clean.String())
	assert.Equal(t, "conflict", Conflict.String())
	assert.Equal(t, "deleted", Deleted.String())
	assert.Equal(t, "broken", Broken.String())
}
