package buildtool

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kokistudios/patchlift/internal/patch"
	"github.com/kokistudios/patchlift/internal/repo"
)

func TestNew(t *testing.T) {
	tests := []struct {
		kind    string
		wantErr bool
	}{
		{"", false},
		{"npm", false},
		{"make", true},
	}
	for _, tt := range tests {
		tool, err := New(tt.kind, "", "/tmp", false)
		if tt.wantErr {
			assert.Error(t, err, tt.kind)
			continue
		}
		require.NoError(t, err, tt.kind)
		assert.Equal(t, "npm", tool.Name())
	}
}

func TestParseFailureList(t *testing.T) {
	stdout := `> brave-core@1.80.0 apply_patches
> node ./build/commands/scripts/applyPatches.js --print-patch-failures-in-json

Applying patches...
[
  {"patchPath": "patches/base-foo.cc.patch", "path": "base/foo.cc", "reason": "PATCH_CHANGED"},
  {"patchPath": "patches/base-gone.cc.patch", "path": "base/gone.cc", "reason": "SRC_REMOVED"}
]
done [with errors]
`
	failures, err := ParseFailureList(stdout)
	require.NoError(t, err)
	assert.Equal(t, []patch.Failure{
		{PatchPath: "patches/base-foo.cc.patch", Path: "base/foo.cc", Reason: "PATCH_CHANGED"},
		{PatchPath: "patches/base-gone.cc.patch", Path: "base/gone.cc", Reason: patch.ReasonSrcRemoved},
	}, failures)

	_, err = ParseFailureList("npm ERR! missing script: apply_patches\n")
	assert.ErrorIs(t, err, ErrNoFailureList)

	_, err = ParseFailureList("[{not json}]")
	assert.ErrorIs(t, err, ErrNoFailureList)
}

func TestClassifyInit(t *testing.T) {
	failed := &repo.ExternalToolError{Name: "npm", ExitCode: 1}

	assert.NoError(t, classifyInit("", nil))
	assert.NoError(t, classifyInit(initResetFailures+"\n", nil))

	err := classifyInit("some output\n"+initPatchesFailed+"\n", failed)
	assert.ErrorIs(t, err, ErrPatchesFailed)
	assert.ErrorIs(t, err, failed)
	var toolErr *repo.ExternalToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, 1, repo.ExitCode(err))

	err = classifyInit("gclient sync failed\n", failed)
	assert.False(t, errors.Is(err, ErrPatchesFailed))
	assert.ErrorIs(t, err, failed)

	// Only the final line counts.
	err = classifyInit(initPatchesFailed+"\nthen something else broke\n", failed)
	assert.False(t, errors.Is(err, ErrPatchesFailed))
}

// fakeNpm writes a shell script standing in for npm that logs its
// arguments and behaves per script name.
func fakeNpm(t *testing.T) (path, logFile string) {
	t.Helper()
	dir := t.TempDir()
	logFile = filepath.Join(dir, "calls.log")
	path = filepath.Join(dir, "npm")
	script := `#!/bin/sh
echo "$@" >> "` + logFile + `"
case "$2" in
  apply_patches)
    echo 'Applying...'
    echo '[{"patchPath":"patches/base-foo.cc.patch","path":"base/foo.cc","reason":"PATCH_CHANGED"}]'
    exit 1 ;;
  init)
    echo 'Exiting as not all patches were successful!' >&2
    exit 1 ;;
  chromium_rebase_l10n)
    echo 'boom' >&2
    exit 3 ;;
esac
exit 0
`
	require.NoError(t, os.WriteFile(path, []byte(script), 0755))
	return path, logFile
}

func TestNpm_RunsScripts(t *testing.T) {
	path, logFile := fakeNpm(t)
	n := &Npm{Path: path, Dir: t.TempDir(), InfraMode: true}
	ctx := context.Background()

	require.NoError(t, n.Available())

	failures, err := n.ListFailures(ctx)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "patches/base-foo.cc.patch", failures[0].PatchPath)

	assert.ErrorIs(t, n.Init(ctx), ErrPatchesFailed)
	assert.NoError(t, n.UpdatePatches(ctx))

	err = n.RebaseL10n(ctx)
	assert.Equal(t, 3, repo.ExitCode(err))

	calls, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"run apply_patches -- --print-patch-failures-in-json",
		"run init -- --with_issue_44921",
		"run update_patches",
		"run chromium_rebase_l10n",
	}, strings.Split(strings.TrimSpace(string(calls)), "\n"))
}

func TestNpm_ListFailuresRequiresAFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "npm")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\necho 'all patches applied'\nexit 0\n"), 0755))
	n := &Npm{Path: path, Dir: dir}

	failures, err := n.ListFailures(context.Background())
	assert.ErrorIs(t, err, ErrNoFailureList)
	assert.Nil(t, failures)
}

func TestNpm_Unavailable(t *testing.T) {
	n := &Npm{Path: filepath.Join(t.TempDir(), "no-npm-here")}
	assert.Error(t, n.Available())
}
