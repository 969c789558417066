package upgrade

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kokistudios/patchlift/internal/ui"
	"github.com/kokistudios/patchlift/internal/version"
)

// Advisory is a toolchain change upstream that needs infrastructure work
// before the upgrade can land.
type Advisory struct {
	Kind        string
	Description string
	Current     string
	Target      string
	// Commit and Subject identify the upstream change responsible.
	Commit  string
	Subject string
	Advice  string
}

// Prober checks whether a URL is downloadable.
type Prober interface {
	Available(ctx context.Context, url string) bool
}

// HTTPProber issues a HEAD request and expects 200.
type HTTPProber struct {
	Timeout time.Duration
}

func (p HTTPProber) Available(ctx context.Context, url string) bool {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		ui.Logger.Debug("toolchain check failed", "url", url, "err", err)
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

const (
	winToolchainFile  = "build/vs_toolchain.py"
	macToolchainFile  = "build/config/mac/mac_sdk.gni"
	rustToolchainFile = "tools/rust/update_rust.py"
	clangUpdateFile   = "tools/clang/scripts/update.py"
)

// CheckAdvisories compares the upstream toolchain pins between working and
// target. The checks only read git objects so they run concurrently.
func (u *Upgrader) CheckAdvisories(ctx context.Context, working, target version.Version) ([]Advisory, error) {
	src := u.rc.Src()
	if !src.IsValidRef(ctx, working.String()) || !src.IsValidRef(ctx, target.String()) {
		ui.Status(fmt.Sprintf("Fetching tags %s and %s...", working, target))
		_, err := src.Run(ctx, "fetch", u.cfg.Upstream.GooglesourceURL, "tag", working.String(), "tag", target.String())
		if err != nil {
			return nil, err
		}
	}

	checks := []func(context.Context, version.Version, version.Version) (*Advisory, error){
		u.checkWinToolchain,
		u.checkMacToolchain,
		u.checkRustToolchain,
	}
	found := make([]*Advisory, len(checks))
	g, gctx := errgroup.WithContext(ctx)
	for i, check := range checks {
		g.Go(func() error {
			a, err := check(gctx, working, target)
			found[i] = a
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var advisories []Advisory
	for _, a := range found {
		if a != nil {
			advisories = append(advisories, *a)
		}
	}
	return advisories, nil
}

// assignedValue returns the first value assigned to key. sign restricts the
// match to added ("+") or removed ("-") diff lines.
func assignedValue(content, key, sign string) string {
	re := regexp.MustCompile(`(?m)^\s*` + regexp.QuoteMeta(sign) + `\s*` + regexp.QuoteMeta(key) + `\s*=\s*['"](.*?)['"]`)
	m := re.FindStringSubmatch(content)
	if m == nil {
		return ""
	}
	return m[1]
}

func (u *Upgrader) diff(ctx context.Context, working, target version.Version, files ...string) (string, error) {
	args := append([]string{"diff", working.String(), target.String(), "--"}, files...)
	return u.rc.Src().Run(ctx, args...)
}

// lastChange finds the newest commit in working..target touching file,
// optionally only those adding or removing pickaxe.
func (u *Upgrader) lastChange(ctx context.Context, working, target version.Version, file, pickaxe string) (hash, subject string, err error) {
	args := []string{"log", working.String() + ".." + target.String()}
	if pickaxe != "" {
		args = append(args, "-S", pickaxe)
	}
	args = append(args, "--pretty=oneline", "-1", "--", file)
	out, err := u.rc.Src().Run(ctx, args...)
	if err != nil {
		return "", "", err
	}
	hash, subject, _ = strings.Cut(out, " ")
	return hash, subject, nil
}

// checkToolchain reports a change to key in file between the two versions.
func (u *Upgrader) checkToolchain(ctx context.Context, working, target version.Version, file, key string) (*Advisory, error) {
	diff, err := u.diff(ctx, working, target, file)
	if err != nil {
		return nil, err
	}
	if !strings.Contains(diff, key) {
		return nil, nil
	}
	a := &Advisory{
		Current: assignedValue(diff, key, "-"),
		Target:  assignedValue(diff, key, "+"),
	}
	a.Commit, a.Subject, err = u.lastChange(ctx, working, target, file, a.Target)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (u *Upgrader) checkWinToolchain(ctx context.Context, working, target version.Version) (*Advisory, error) {
	a, err := u.checkToolchain(ctx, working, target, winToolchainFile, "SDK_VERSION")
	if a == nil || err != nil {
		return nil, err
	}
	a.Kind = "windows-sdk"
	a.Description = fmt.Sprintf("Windows SDK has been updated. %s ➜ %s", a.Current, a.Target)
	a.Advice = "Contact DevOps regarding the new WinSDK for the hermetic toolchain. " +
		"Update `env.GYP_MSVS_HASH_*` in build/commands/lib/config.js with correct hashes."
	return a, nil
}

func (u *Upgrader) checkMacToolchain(ctx context.Context, working, target version.Version) (*Advisory, error) {
	a, err := u.checkToolchain(ctx, working, target, macToolchainFile, "mac_sdk_official_version")
	if a == nil || err != nil {
		return nil, err
	}
	a.Kind = "macos-sdk"
	a.Description = fmt.Sprintf("MacOS SDK has been updated. %s ➜ %s", a.Current, a.Target)
	a.Advice = "Contact DevOps regarding the new macOS SDK for the hermetic toolchain. " +
		"Update `XCODE_VERSION` in build/mac/download_hermetic_xcode.py for the new download URL."
	return a, nil
}

var rustRevisionChanges = []string{"-RUST_REVISION =", "-RUST_SUB_REVISION =", "-CLANG_REVISION ="}

func (u *Upgrader) checkRustToolchain(ctx context.Context, working, target version.Version) (*Advisory, error) {
	diff, err := u.diff(ctx, working, target, rustToolchainFile, clangUpdateFile)
	if err != nil {
		return nil, err
	}
	changed := false
	for _, key := range rustRevisionChanges {
		if strings.Contains(diff, key) {
			changed = true
			break
		}
	}
	if !changed {
		return nil, nil
	}

	updated, err := u.rustRevision(ctx, target)
	if err != nil {
		return nil, err
	}
	url := strings.ReplaceAll(u.cfg.Advisories.RustToolchainURL, "{revision}", updated)
	if url != "" && u.Prober != nil && u.Prober.Available(ctx, url) {
		ui.Logger.Debug("rust toolchain already available", "url", url)
		return nil, nil
	}

	current, err := u.rustRevision(ctx, working)
	if err != nil {
		return nil, err
	}
	a := &Advisory{
		Kind:        "rust-toolchain",
		Description: "The rust toolchain has been updated.",
		Current:     current,
		Target:      updated,
		Advice:      "Run the rust toolchain jobs to generate a new toolchain for " + updated + ".",
	}
	a.Commit, a.Subject, err = u.lastChange(ctx, working, target, rustToolchainFile, "")
	if err != nil {
		return nil, err
	}
	return a, nil
}

// rustRevision renders RUST_REVISION-RUST_SUB_REVISION-CLANG_REVISION at v.
func (u *Upgrader) rustRevision(ctx context.Context, v version.Version) (string, error) {
	content, err := u.rc.Src().ReadFile(ctx, v.String(), rustToolchainFile, clangUpdateFile)
	if err != nil {
		return "", err
	}
	return strings.Join([]string{
		assignedValue(content, "RUST_REVISION", ""),
		assignedValue(content, "RUST_SUB_REVISION", ""),
		assignedValue(content, "CLANG_REVISION", ""),
	}, "-"), nil
}
