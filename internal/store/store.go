package store

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigFile is the per-checkout configuration file name.
const ConfigFile = ".patchlift.yaml"

// NpmConfig holds build tool settings.
type NpmConfig struct {
	Path string `yaml:"path"`
}

// CheckpointConfig holds continuation file settings.
type CheckpointConfig struct {
	File string `yaml:"file"`
}

// UpstreamConfig describes where the upstream tree lives and which files the
// version commit touches.
type UpstreamConfig struct {
	SrcDir          string `yaml:"src_dir"`
	PinslistFile    string `yaml:"pinslist_file"`
	GooglesourceURL string `yaml:"googlesource_url"`
}

// AdvisoryConfig controls pre-run toolchain checks.
type AdvisoryConfig struct {
	Enabled          bool   `yaml:"enabled"`
	RustToolchainURL string `yaml:"rust_toolchain_url"`
}

// EditorConfig holds the command used by --vscode.
type EditorConfig struct {
	Command string `yaml:"command"`
}

// InfraConfig controls CI-oriented output.
type InfraConfig struct {
	KeepAliveSeconds int `yaml:"keep_alive_seconds"`
}

// Config holds patchlift configuration.
type Config struct {
	Version    string           `yaml:"version"`
	Npm        NpmConfig        `yaml:"npm,omitempty"`
	Checkpoint CheckpointConfig `yaml:"checkpoint,omitempty"`
	Upstream   UpstreamConfig   `yaml:"upstream,omitempty"`
	Advisories AdvisoryConfig   `yaml:"advisories,omitempty"`
	Editor     EditorConfig     `yaml:"editor,omitempty"`
	Infra      InfraConfig      `yaml:"infra,omitempty"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Version: "1",
		Npm: NpmConfig{
			Path: "npm",
		},
		Checkpoint: CheckpointConfig{
			File: ".version_upgrade",
		},
		Upstream: UpstreamConfig{
			SrcDir:          "..",
			PinslistFile:    "chromium_src/net/tools/transport_security_state_generator/input_file_parsers.cc",
			GooglesourceURL: "https://chromium.googlesource.com/chromium/src",
		},
		Advisories: AdvisoryConfig{
			Enabled:          true,
			RustToolchainURL: "https://brave-build-deps-public.s3.brave.com/rust-toolchain-aux/linux-x64-rust-toolchain-{revision}.tar.xz",
		},
		Editor: EditorConfig{
			Command: "code",
		},
		Infra: InfraConfig{
			KeepAliveSeconds: 20,
		},
	}
}

// Store is a loaded core checkout and its configuration.
type Store struct {
	Root   string
	Config Config
}

// Issue represents a health check finding.
type Issue struct {
	Severity string // "warning" or "error"
	Message  string
}

// Root returns the core checkout root, respecting PATCHLIFT_CORE, then the git
// toplevel of the working directory, then the working directory itself.
func Root() string {
	if r := os.Getenv("PATCHLIFT_CORE"); r != "" {
		return r
	}
	if out, err := exec.Command("git", "rev-parse", "--show-toplevel").Output(); err == nil {
		if top := strings.TrimSpace(string(out)); top != "" {
			return top
		}
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

// Load reads the configuration under root. A missing config file is not an
// error; missing fields are filled from defaults.
func Load(root string) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("invalid root %s: %w", root, err)
	}
	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("core root does not exist or is not a directory: %s", abs)
	}

	cfg := DefaultConfig()
	data, err := os.ReadFile(filepath.Join(abs, ConfigFile))
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("cannot read %s: %w", ConfigFile, err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", ConfigFile, err)
		}
	}
	return &Store{Root: abs, Config: cfg}, nil
}

// SaveConfig writes the current config to the config file.
func (s *Store) SaveConfig() error {
	data, err := yaml.Marshal(s.Config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(s.Path(ConfigFile), data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// ConfigKeys lists the keys accepted by SetConfigValue and GetConfigValue.
var ConfigKeys = []string{
	"npm.path",
	"checkpoint.file",
	"upstream.src_dir",
	"upstream.pinslist_file",
	"upstream.googlesource_url",
	"advisories.enabled",
	"advisories.rust_toolchain_url",
	"editor.command",
	"infra.keep_alive_seconds",
}

// GetConfigValue reads a config value by dot-path key.
func (s *Store) GetConfigValue(key string) (string, error) {
	c := s.Config
	switch key {
	case "npm.path":
		return c.Npm.Path, nil
	case "checkpoint.file":
		return c.Checkpoint.File, nil
	case "upstream.src_dir":
		return c.Upstream.SrcDir, nil
	case "upstream.pinslist_file":
		return c.Upstream.PinslistFile, nil
	case "upstream.googlesource_url":
		return c.Upstream.GooglesourceURL, nil
	case "advisories.enabled":
		return strconv.FormatBool(c.Advisories.Enabled), nil
	case "advisories.rust_toolchain_url":
		return c.Advisories.RustToolchainURL, nil
	case "editor.command":
		return c.Editor.Command, nil
	case "infra.keep_alive_seconds":
		return strconv.Itoa(c.Infra.KeepAliveSeconds), nil
	}
	return "", unknownKey(key)
}

// SetConfigValue sets a config value by dot-path key (e.g. "npm.path") and saves.
func (s *Store) SetConfigValue(key, value string) error {
	switch key {
	case "npm.path":
		if value == "" {
			return fmt.Errorf("npm.path cannot be empty")
		}
		s.Config.Npm.Path = value
	case "checkpoint.file":
		if value == "" || filepath.IsAbs(value) {
			return fmt.Errorf("checkpoint.file must be a path relative to the core root")
		}
		s.Config.Checkpoint.File = value
	case "upstream.src_dir":
		s.Config.Upstream.SrcDir = value
	case "upstream.pinslist_file":
		s.Config.Upstream.PinslistFile = value
	case "upstream.googlesource_url":
		s.Config.Upstream.GooglesourceURL = strings.TrimSuffix(value, "/")
	case "advisories.enabled":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("advisories.enabled must be true or false")
		}
		s.Config.Advisories.Enabled = b
	case "advisories.rust_toolchain_url":
		if value != "" && !strings.Contains(value, "{revision}") {
			return fmt.Errorf("advisories.rust_toolchain_url must contain {revision}")
		}
		s.Config.Advisories.RustToolchainURL = value
	case "editor.command":
		s.Config.Editor.Command = value
	case "infra.keep_alive_seconds":
		n, err := strconv.Atoi(value)
		if err != nil || n < 1 {
			return fmt.Errorf("infra.keep_alive_seconds must be a positive integer")
		}
		s.Config.Infra.KeepAliveSeconds = n
	default:
		return unknownKey(key)
	}
	return s.SaveConfig()
}

func unknownKey(key string) error {
	return fmt.Errorf("unknown config key: %s\nValid keys: %s", key, strings.Join(ConfigKeys, ", "))
}

// Path resolves a path within the core root.
func (s *Store) Path(parts ...string) string {
	all := append([]string{s.Root}, parts...)
	return filepath.Join(all...)
}

// CheckpointPath is the absolute location of the continuation file.
func (s *Store) CheckpointPath() string {
	return s.Path(s.Config.Checkpoint.File)
}

// CheckHealth verifies the checkout has what an upgrade needs. Repository
// checks live in the repo package; this covers files and tools.
func CheckHealth(s *Store) []Issue {
	var issues []Issue

	if _, err := os.Stat(s.Path("package.json")); err != nil {
		issues = append(issues, Issue{"error", fmt.Sprintf("missing package.json in %s", s.Root)})
	}
	if _, err := os.Stat(s.Path("patches")); err != nil {
		issues = append(issues, Issue{"warning", fmt.Sprintf("no patches directory in %s", s.Root)})
	}
	if s.Config.Upstream.PinslistFile != "" {
		if _, err := os.Stat(s.Path(s.Config.Upstream.PinslistFile)); err != nil {
			issues = append(issues, Issue{"warning", fmt.Sprintf("pinslist file not found: %s", s.Config.Upstream.PinslistFile)})
		}
	}
	if _, err := exec.LookPath(s.Config.Npm.Path); err != nil {
		issues = append(issues, Issue{"error", fmt.Sprintf("build tool not found on PATH: %s", s.Config.Npm.Path)})
	}

	data, err := os.ReadFile(s.Path(ConfigFile))
	if err == nil {
		var cfg Config
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			issues = append(issues, Issue{"error", fmt.Sprintf("%s is not valid YAML: %v", ConfigFile, err)})
		}
	}

	return issues
}
