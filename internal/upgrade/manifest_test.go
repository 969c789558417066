package upgrade

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kokistudios/patchlift/internal/gitfixture"
	"github.com/kokistudios/patchlift/internal/version"
)

func TestSetManifestVersion_KeepsFormatting(t *testing.T) {
	before := gitfixture.PackageJSON("130.0.6723.58")
	after, err := SetManifestVersion(before, version.MustParse("131.0.6778.33"))
	require.NoError(t, err)
	assert.Equal(t, gitfixture.PackageJSON("131.0.6778.33"), after)
}

func TestSetManifestVersion_SkipsTagsOutsideChrome(t *testing.T) {
	content := `{
  "config": {
    "projects": {
      "brave-core": { "tag": "1.2.3.4" },
      "chrome": {
        "dir": "src",
        "tag": "130.0.0.0"
      }
    }
  }
}
`
	after, err := SetManifestVersion(content, version.MustParse("131.0.0.0"))
	require.NoError(t, err)
	assert.Contains(t, after, `"brave-core": { "tag": "1.2.3.4" }`)
	assert.Contains(t, after, `"tag": "131.0.0.0"`)
}

func TestSetManifestVersion_Errors(t *testing.T) {
	tests := map[string]string{
		"no projects": `{"config": {}}`,
		"no chrome":   `{"config": {"projects": {"v8": {"tag": "1.0.0.0"}}}}`,
		"no tag":      `{"config": {"projects": {"chrome": {"dir": "src"}}}}`,
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := SetManifestVersion(content, version.MustParse("131.0.0.0"))
			assert.ErrorIs(t, err, ErrManifestTag)
		})
	}
}

func TestUpdatePinslistTimestamp(t *testing.T) {
	now := time.Date(2025, time.March, 4, 5, 6, 7, 0, time.UTC)
	got, err := UpdatePinslistTimestamp(gitfixture.Pinslist(), now)
	require.NoError(t, err)
	assert.Equal(t, "// generated\n# Last updated: Tue Mar 04 05:06:07 2025\nPinsListTimestamp\n1741064767\n// end\n", got)

	again, err := UpdatePinslistTimestamp(got, now)
	require.NoError(t, err)
	assert.Equal(t, got, again)

	_, err = UpdatePinslistTimestamp("nothing here\n", now)
	assert.ErrorIs(t, err, ErrPinslist)
}

func TestAssignedValue(t *testing.T) {
	diff := `@@ -1,3 +1,3 @@
-SDK_VERSION = '10.0.22621.0'
+SDK_VERSION = '10.0.26100.0'
 RUST_SUB_REVISION = "3"
`
	assert.Equal(t, "10.0.22621.0", assignedValue(diff, "SDK_VERSION", "-"))
	assert.Equal(t, "10.0.26100.0", assignedValue(diff, "SDK_VERSION", "+"))
	assert.Equal(t, "3", assignedValue(diff, "RUST_SUB_REVISION", ""))
	assert.Equal(t, "", assignedValue(diff, "RUST_REVISION", ""))
}
