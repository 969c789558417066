package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kokistudios/patchlift/internal/gitfixture"
	"github.com/kokistudios/patchlift/internal/upgrade"
)

func TestLiftFlagErrors(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"--to", "131.0.0.0", "--no-conflict-change"}, "--no-conflict-change can only be used with --continue"},
		{[]string{"--to", "131.0.0.0", "--continue", "--restart"}, "--restart does not support --continue"},
		{[]string{"--to", "131.0.0.0", "--continue", "--ack-advisory"}, "--ack-advisory does not support --continue"},
		{[]string{"--to", "131.0.0.0", "--continue", "--from-ref", "@previous"}, "--from-ref is not supported with --continue"},
		{[]string{"--to", "131.0.0.0", "--restart", "--ack-advisory"}, "--ack-advisory cannot be combined with --restart"},
		{[]string{"--to", "131.0"}, "invalid --to"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			cmd := liftCmd()
			cmd.SetArgs(tt.args)
			cmd.SilenceUsage = true
			cmd.SilenceErrors = true
			err := cmd.Execute()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLiftRestartRejectsBaseAtTargetWithoutResetting(t *testing.T) {
	tree := gitfixture.NewTree(t, "131.0.0.0", "130.0.0.0")
	for _, kv := range gitfixture.Env(filepath.Dir(tree.Src)) {
		k, v, _ := strings.Cut(kv, "=")
		t.Setenv(k, v)
	}
	gitfixture.WriteFile(t, tree.Core, ".patchlift.yaml", "advisories:\n  enabled: false\n")
	gitfixture.CommitAll(t, tree.Core, "Add config")
	gitfixture.WriteFile(t, tree.Core, "package.json", gitfixture.PackageJSON("131.0.0.0"))
	gitfixture.CommitAll(t, tree.Core, "Update from Chromium 130.0.0.0 to Chromium 131.0.0.0.")
	before := gitfixture.Subjects(t, tree.Core)

	global.core = tree.Core
	t.Cleanup(func() { global.core = "" })

	cmd := liftCmd()
	cmd.SetArgs([]string{"--to", "131.0.0.0", "--restart", "--yes", "--from-ref", "HEAD"})
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	err := cmd.Execute()

	assert.ErrorIs(t, err, upgrade.ErrInvalidVersionOrder)
	assert.Contains(t, err.Error(), "base version 131.0.0.0")
	assert.Equal(t, before, gitfixture.Subjects(t, tree.Core))
	assert.Len(t, before, 3)
}

func TestLiftRequiresTo(t *testing.T) {
	cmd := liftCmd()
	cmd.SetArgs([]string{"--continue"})
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	assert.Error(t, cmd.Execute())
}

func TestEditorSubcommands(t *testing.T) {
	dir := t.TempDir()
	todo := filepath.Join(dir, "git-rebase-todo")
	require.NoError(t, os.WriteFile(todo, []byte(
		"pick 1111111 Update from Chromium 130.0.0.0 to Chromium 131.0.0.0.\n"+
			"pick 2222222 Update patches from Chromium 130.0.0.0 to Chromium 131.0.0.0.\n"+
			"pick 3333333 Fix crash\n"), 0644))

	cmd := planEditCmd()
	cmd.SetArgs([]string{"--discard-regen-changes", "--recommit", todo})
	require.NoError(t, cmd.Execute())
	data, err := os.ReadFile(todo)
	require.NoError(t, err)
	assert.Equal(t,
		"edit 1111111 Update from Chromium 130.0.0.0 to Chromium 131.0.0.0.\n"+
			"pick 3333333 Fix crash\n", string(data))

	msg := filepath.Join(dir, "COMMIT_EDITMSG")
	require.NoError(t, os.WriteFile(msg, []byte("# combination\nfirst\n\nsecond\n# trailer\n"), 0644))
	cmd = messageEditCmd()
	cmd.SetArgs([]string{msg})
	require.NoError(t, cmd.Execute())
	data, err = os.ReadFile(msg)
	require.NoError(t, err)
	assert.Equal(t, "second\n", string(data))
}

func TestReferenceDocIsEmbedded(t *testing.T) {
	assert.Contains(t, referenceDoc, "patchlift lift --to")
	assert.Contains(t, referenceDoc, "## Exit codes")
}
