package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	tmp := t.TempDir()

	s, err := Load(tmp)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if s.Config.Npm.Path != "npm" {
		t.Errorf("expected default npm path, got %q", s.Config.Npm.Path)
	}
	if s.Config.Checkpoint.File != ".version_upgrade" {
		t.Errorf("expected default checkpoint file, got %q", s.Config.Checkpoint.File)
	}
	if !s.Config.Advisories.Enabled {
		t.Error("advisories should be enabled by default")
	}
}

func TestLoad_PartialConfigKeepsDefaults(t *testing.T) {
	tmp := t.TempDir()
	cfg := "npm:\n  path: /opt/node/bin/npm\n"
	if err := os.WriteFile(filepath.Join(tmp, ConfigFile), []byte(cfg), 0644); err != nil {
		t.Fatal(err)
	}

	s, err := Load(tmp)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if s.Config.Npm.Path != "/opt/node/bin/npm" {
		t.Errorf("npm.path = %q", s.Config.Npm.Path)
	}
	if s.Config.Upstream.SrcDir != ".." {
		t.Errorf("expected default src_dir, got %q", s.Config.Upstream.SrcDir)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	tmp := t.TempDir()
	os.WriteFile(filepath.Join(tmp, ConfigFile), []byte("npm: [unclosed"), 0644)

	if _, err := Load(tmp); err == nil {
		t.Error("expected error for invalid config")
	}
}

func TestLoad_MissingRoot(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Error("expected error for missing root")
	}
}

func TestPath(t *testing.T) {
	s := &Store{Root: "/tmp/brave", Config: DefaultConfig()}
	got := s.Path("patches", "a.patch")
	want := filepath.Join("/tmp/brave", "patches", "a.patch")
	if got != want {
		t.Errorf("Path() = %s, want %s", got, want)
	}
	if s.CheckpointPath() != filepath.Join("/tmp/brave", ".version_upgrade") {
		t.Errorf("CheckpointPath() = %s", s.CheckpointPath())
	}
}

func TestSetConfigValue(t *testing.T) {
	tmp := t.TempDir()
	s, _ := Load(tmp)

	cases := []struct {
		key, value string
		wantErr    bool
	}{
		{"npm.path", "pnpm", false},
		{"npm.path", "", true},
		{"checkpoint.file", "/abs/path", true},
		{"checkpoint.file", ".upgrade_state", false},
		{"advisories.enabled", "false", false},
		{"advisories.enabled", "maybe", true},
		{"advisories.rust_toolchain_url", "https://example.com/rust.tar.xz", true},
		{"advisories.rust_toolchain_url", "https://example.com/{revision}.tar.xz", false},
		{"infra.keep_alive_seconds", "0", true},
		{"infra.keep_alive_seconds", "5", false},
		{"bogus.key", "x", true},
	}
	for _, tc := range cases {
		err := s.SetConfigValue(tc.key, tc.value)
		if (err != nil) != tc.wantErr {
			t.Errorf("SetConfigValue(%q, %q) err = %v, wantErr %v", tc.key, tc.value, err, tc.wantErr)
		}
	}

	reloaded, err := Load(tmp)
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if reloaded.Config.Npm.Path != "pnpm" {
		t.Errorf("npm.path not persisted, got %q", reloaded.Config.Npm.Path)
	}
	if reloaded.Config.Advisories.Enabled {
		t.Error("advisories.enabled not persisted")
	}
	if reloaded.Config.Infra.KeepAliveSeconds != 5 {
		t.Errorf("keep_alive_seconds = %d", reloaded.Config.Infra.KeepAliveSeconds)
	}
}

func TestGetConfigValue(t *testing.T) {
	s := &Store{Root: t.TempDir(), Config: DefaultConfig()}
	for _, key := range ConfigKeys {
		if _, err := s.GetConfigValue(key); err != nil {
			t.Errorf("GetConfigValue(%q) failed: %v", key, err)
		}
	}
	_, err := s.GetConfigValue("nope")
	if err == nil || !strings.Contains(err.Error(), "Valid keys") {
		t.Errorf("expected unknown key error listing valid keys, got %v", err)
	}
}

func TestCheckHealth(t *testing.T) {
	tmp := t.TempDir()
	s, _ := Load(tmp)
	s.Config.Npm.Path = "definitely-not-a-real-binary-xyz"

	issues := CheckHealth(s)
	var sawPackage, sawNpm bool
	for _, i := range issues {
		if strings.Contains(i.Message, "package.json") {
			sawPackage = true
		}
		if strings.Contains(i.Message, "build tool") {
			sawNpm = true
		}
	}
	if !sawPackage {
		t.Error("expected missing package.json issue")
	}
	if !sawNpm {
		t.Error("expected missing build tool issue")
	}

	os.WriteFile(filepath.Join(tmp, "package.json"), []byte("{}"), 0644)
	for _, i := range CheckHealth(s) {
		if strings.Contains(i.Message, "package.json") {
			t.Errorf("unexpected issue after creating package.json: %s", i.Message)
		}
	}
}
