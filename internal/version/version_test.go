package version_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/kokistudios/patchlift/internal/gitfixture"
	"github.com/kokistudios/patchlift/internal/version"
)

func TestParse_RoundTrip(t *testing.T) {
	for _, s := range []string{"0.0.0.0", "130.0.6723.58", "131.0.6778.3", "1.2.3.4"} {
		v, err := version.Parse(s)
		require.NoError(t, err, s)
		assert.Equal(t, s, v.String())

		again, err := version.Parse(v.String())
		require.NoError(t, err)
		assert.True(t, again.Equal(v))
	}
}

func TestParse_LeadingV(t *testing.T) {
	v, err := version.Parse("v131.0.6778.3")
	require.NoError(t, err)
	assert.Equal(t, "131.0.6778.3", v.String())
}

func TestParse_Invalid(t *testing.T) {
	for _, s := range []string{"", "1.2.3", "1.2.3.4.5", "a.b.c.d", "1.2.-3.4", "1..2.3", "1.2.3.+4"} {
		_, err := version.Parse(s)
		var fe *version.FormatError
		assert.True(t, errors.As(err, &fe), "Parse(%q) should fail with FormatError, got %v", s, err)
	}
}

func TestCompare(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"130.0.0.0", "131.0.0.0", -1},
		{"131.0.0.0", "130.0.0.0", 1},
		{"130.0.6723.58", "130.0.6723.58", 0},
		{"130.0.6723.9", "130.0.6723.58", -1},
		{"130.1.0.0", "130.0.9999.9999", 1},
	}
	for _, tc := range cases {
		a, b := version.MustParse(tc.a), version.MustParse(tc.b)
		assert.Equal(t, tc.want, a.Compare(b), "%s vs %s", tc.a, tc.b)
		assert.Equal(t, tc.want < 0, a.Less(b))
	}
	assert.Equal(t, 130, version.MustParse("130.0.1.2").Major())
}

func TestYAML(t *testing.T) {
	type doc struct {
		Target version.Version `yaml:"target"`
	}
	out, err := yaml.Marshal(doc{Target: version.MustParse("131.0.6778.3")})
	require.NoError(t, err)
	assert.Contains(t, string(out), "target: 131.0.6778.3")

	var back doc
	require.NoError(t, yaml.Unmarshal(out, &back))
	assert.Equal(t, "131.0.6778.3", back.Target.String())

	assert.Error(t, yaml.Unmarshal([]byte("target: 1.2.3\n"), &back))
}

func TestParseVersionFile(t *testing.T) {
	v, err := version.ParseVersionFile("MAJOR=131\nMINOR=0\nBUILD=6778\nPATCH=3\n")
	require.NoError(t, err)
	assert.Equal(t, "131.0.6778.3", v.String())

	_, err = version.ParseVersionFile("MAJOR=131\nMINOR=0\n")
	assert.Error(t, err)
}

func TestParseManifest(t *testing.T) {
	v, err := version.ParseManifest([]byte(gitfixture.PackageJSON("130.0.6723.58")))
	require.NoError(t, err)
	assert.Equal(t, "130.0.6723.58", v.String())

	_, err = version.ParseManifest([]byte(`{"config":{}}`))
	assert.ErrorIs(t, err, version.ErrNoChromeTag)
}

func TestFromManifestAndVersionFile(t *testing.T) {
	tr := gitfixture.NewTree(t, "130.0.0.0", "130.0.0.0")
	ctx := context.Background()

	v, err := version.FromManifest(ctx, tr.Ctx.Core(), "HEAD")
	require.NoError(t, err)
	assert.Equal(t, "130.0.0.0", v.String())

	tr.BumpUpstream(t, "131.0.0.0", nil)
	v, err = version.FromUpstreamVersionFile(ctx, tr.Ctx.Src(), "HEAD")
	require.NoError(t, err)
	assert.Equal(t, "131.0.0.0", v.String())
	v, err = version.FromUpstreamVersionFile(ctx, tr.Ctx.Src(), "130.0.0.0")
	require.NoError(t, err)
	assert.Equal(t, "130.0.0.0", v.String())
}

func TestFromPrevious(t *testing.T) {
	tr := gitfixture.NewTree(t, "130.0.0.0", "130.0.0.0")
	ctx := context.Background()
	core := tr.Ctx.Core()

	gitfixture.WriteFile(t, tr.Core, "package.json", gitfixture.PackageJSON("131.0.0.0"))
	gitfixture.CommitAll(t, tr.Core, "Update from Chromium 130.0.0.0 to Chromium 131.0.0.0.")
	// A later manifest edit that keeps the version must be walked past.
	gitfixture.WriteFile(t, tr.Core, "package.json", gitfixture.PackageJSON("131.0.0.0")+"\n")
	gitfixture.CommitAll(t, tr.Core, "Touch manifest")

	v, err := version.FromPrevious(ctx, core)
	require.NoError(t, err)
	assert.Equal(t, "130.0.0.0", v.String())

	v, err = version.ResolveRef(ctx, core, version.RefPrevious)
	require.NoError(t, err)
	assert.Equal(t, "130.0.0.0", v.String())
}

func TestFromPrevious_NoHistory(t *testing.T) {
	tr := gitfixture.NewTree(t, "130.0.0.0", "130.0.0.0")
	_, err := version.FromPrevious(context.Background(), tr.Ctx.Core())
	assert.ErrorIs(t, err, version.ErrNoPrevious)
}

func TestResolveRef(t *testing.T) {
	tr := gitfixture.NewTree(t, "130.0.0.0", "130.0.0.0")
	ctx := context.Background()
	core := tr.Ctx.Core()

	_, err := version.ResolveRef(ctx, core, version.RefUpstream)
	assert.ErrorIs(t, err, version.ErrNoUpstream)

	_, err = version.ResolveRef(ctx, core, "no-such-branch")
	assert.ErrorIs(t, err, version.ErrInvalidRef)

	gitfixture.Git(t, tr.Core, "branch", "base")
	gitfixture.WriteFile(t, tr.Core, "package.json", gitfixture.PackageJSON("131.0.0.0"))
	gitfixture.CommitAll(t, tr.Core, "Bump")
	gitfixture.Git(t, tr.Core, "branch", "--set-upstream-to=base")

	v, err := version.ResolveRef(ctx, core, version.RefUpstream)
	require.NoError(t, err)
	assert.Equal(t, "130.0.0.0", v.String())

	v, err = version.ResolveRef(ctx, core, "HEAD")
	require.NoError(t, err)
	assert.Equal(t, "131.0.0.0", v.String())
}

func TestLinks(t *testing.T) {
	base := "https://chromium.googlesource.com/chromium/src/"
	from, to := version.MustParse("130.0.0.0"), version.MustParse("131.0.0.0")
	assert.Equal(t,
		"https://chromium.googlesource.com/chromium/src/+log/130.0.0.0..131.0.0.0?pretty=fuller&n=10000",
		version.LogLink(base, from, to))
	assert.Equal(t, "https://chromium.googlesource.com/chromium/src/+/abc123", version.CommitLink(base, "abc123"))
}
