// Package gitfixture builds throwaway git checkouts for tests: an upstream
// src tree with a downstream core tree nested inside it.
package gitfixture

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/afero"

	"github.com/kokistudios/patchlift/internal/repo"
)

// PinslistFile is the pinslist path used by fixture core trees.
const PinslistFile = "chromium_src/net/tools/transport_security_state_generator/input_file_parsers.cc"

// Env isolates git from the developer's global and system config.
func Env(home string) []string {
	return []string{
		"GIT_CONFIG_NOSYSTEM=1",
		"HOME=" + home,
		"GIT_AUTHOR_DATE=2025-01-01T00:00:00Z",
		"GIT_COMMITTER_DATE=2025-01-01T00:00:00Z",
	}
}

// Git runs git in dir and fails the test on error.
func Git(t testing.TB, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	cmd.Env = append(os.Environ(), Env(dir)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v failed: %v\n%s", args, err, out)
	}
	return strings.TrimSpace(string(out))
}

// InitRepo creates an empty repository on branch main.
func InitRepo(t testing.TB, dir string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	Git(t, dir, "init", "--quiet")
	Git(t, dir, "symbolic-ref", "HEAD", "refs/heads/main")
	Git(t, dir, "config", "user.email", "test@test.com")
	Git(t, dir, "config", "user.name", "Test")
	Git(t, dir, "config", "commit.gpgsign", "false")
	Git(t, dir, "config", "core.autocrlf", "false")
}

// WriteFile writes content to dir/rel, creating parents.
func WriteFile(t testing.TB, dir, rel, content string) {
	t.Helper()
	p := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

// ReadFile returns the contents of dir/rel.
func ReadFile(t testing.TB, dir, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, rel))
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

// CommitAll stages everything and commits.
func CommitAll(t testing.TB, dir, msg string) string {
	t.Helper()
	Git(t, dir, "add", "-A")
	Git(t, dir, "commit", "--quiet", "--allow-empty", "-m", msg)
	return Git(t, dir, "rev-parse", "--short", "HEAD")
}

// Subjects returns commit subjects, newest first.
func Subjects(t testing.TB, dir string) []string {
	t.Helper()
	return strings.Split(Git(t, dir, "log", "--pretty=%s"), "\n")
}

// PackageJSON renders a minimal manifest carrying the upstream version.
func PackageJSON(version string) string {
	return `{
  "name": "brave-core",
  "version": "1.80.0",
  "config": {
    "projects": {
      "chrome": {
        "dir": "src",
        "tag": "` + version + `",
        "repository": {
          "url": "https://github.com/chromium/chromium"
        }
      }
    }
  }
}
`
}

// VersionFile renders chrome/VERSION for v ("MAJOR.MINOR.BUILD.PATCH").
func VersionFile(v string) string {
	p := strings.Split(v, ".")
	return "MAJOR=" + p[0] + "\nMINOR=" + p[1] + "\nBUILD=" + p[2] + "\nPATCH=" + p[3] + "\n"
}

// Pinslist renders a pinslist source with a fixed old timestamp.
func Pinslist() string {
	return "// generated\n# Last updated: Tue Jan 01 00:00:00 2019\nPinsListTimestamp\n1546300800\n// end\n"
}

// Tree is an upstream src checkout with a core checkout nested at src/brave.
type Tree struct {
	Src  string
	Core string
	Ctx  *repo.Context
}

// NewTree builds the fixture with the upstream at srcVersion and the core
// manifest at coreVersion. Both trees get one initial commit.
func NewTree(t testing.TB, srcVersion, coreVersion string) *Tree {
	t.Helper()
	base := t.TempDir()
	src := filepath.Join(base, "src")
	core := filepath.Join(src, "brave")

	InitRepo(t, src)
	WriteFile(t, src, ".gitignore", "brave/\n")
	WriteFile(t, src, "chrome/VERSION", VersionFile(srcVersion))
	CommitAll(t, src, "Incrementing VERSION to "+srcVersion)
	Git(t, src, "tag", srcVersion)

	InitRepo(t, core)
	WriteFile(t, core, "package.json", PackageJSON(coreVersion))
	WriteFile(t, core, PinslistFile, Pinslist())
	WriteFile(t, core, "patches/.keep", "")
	CommitAll(t, core, "Initial core")

	ctx, err := repo.NewContext(core, src, afero.NewOsFs())
	if err != nil {
		t.Fatal(err)
	}
	ctx.Env = Env(base)
	return &Tree{Src: src, Core: core, Ctx: ctx}
}

// BumpUpstream commits a new chrome/VERSION plus the given file contents to
// the src tree and tags the commit with version.
func (tr *Tree) BumpUpstream(t testing.TB, version string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		WriteFile(t, tr.Src, rel, content)
	}
	WriteFile(t, tr.Src, "chrome/VERSION", VersionFile(version))
	CommitAll(t, tr.Src, "Incrementing VERSION to "+version)
	Git(t, tr.Src, "tag", version)
}

// MakePatch records the working-tree change of rel in the src tree as a patch
// under core/patches/ named after the path, then restores the file. The
// patch keeps full index lines so a three-way apply can find the preimage.
func (tr *Tree) MakePatch(t testing.TB, rel, patchedContent string) string {
	t.Helper()
	WriteFile(t, tr.Src, rel, patchedContent)
	diff := Git(t, tr.Src, "diff", "--full-index", "--", rel)
	Git(t, tr.Src, "checkout", "--", rel)
	name := "patches/" + strings.ReplaceAll(rel, "/", "-") + ".patch"
	WriteFile(t, tr.Core, name, diff+"\n")
	return name
}
