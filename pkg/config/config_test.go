package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type testConfig struct {
	Name  string `yaml:"name"`
	Port  int    `yaml:"port"`
	Token string `yaml:"token"`
}

func (c *testConfig) Validate() error {
	if c.Port <= 0 {
		return fmt.Errorf("port must be positive")
	}
	return nil
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("TEST_CFG_TOKEN", "s3cret")
	path := writeConfig(t, "name: demo\nport: 8080\ntoken: ${TEST_CFG_TOKEN}\n")

	var cfg testConfig
	if err := Load(path, &cfg); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Name != "demo" || cfg.Port != 8080 {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Token != "s3cret" {
		t.Errorf("token = %q, want the expanded env value", cfg.Token)
	}
}

func TestLoadRunsValidation(t *testing.T) {
	path := writeConfig(t, "name: demo\nport: 0\n")

	var cfg testConfig
	err := Load(path, &cfg)
	if err == nil {
		t.Fatal("invalid config accepted")
	}
	if !strings.Contains(err.Error(), "validation") {
		t.Errorf("error = %v, want a validation failure", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	var cfg testConfig
	if err := Load(filepath.Join(t.TempDir(), "nope.yaml"), &cfg); err == nil {
		t.Fatal("missing file accepted")
	}
}

func TestLoadMalformedYAML(t *testing.T) {
	path := writeConfig(t, "name: [unterminated\n")

	var cfg testConfig
	if err := Load(path, &cfg); err == nil {
		t.Fatal("malformed yaml accepted")
	}
}

func TestLoadOptionalMissingFile(t *testing.T) {
	cfg := testConfig{Name: "compiled-in", Port: 1}
	loaded, err := LoadOptional(filepath.Join(t.TempDir(), "nope.yaml"), &cfg)
	if err != nil {
		t.Fatalf("LoadOptional: %v", err)
	}
	if loaded {
		t.Error("loaded = true for a missing file")
	}
	if cfg.Name != "compiled-in" || cfg.Port != 1 {
		t.Errorf("cfg = %+v, defaults must survive", cfg)
	}
}

func TestLoadOptionalExistingFile(t *testing.T) {
	path := writeConfig(t, "name: from-file\nport: 9090\n")

	cfg := testConfig{Name: "compiled-in", Port: 1}
	loaded, err := LoadOptional(path, &cfg)
	if err != nil {
		t.Fatalf("LoadOptional: %v", err)
	}
	if !loaded {
		t.Error("loaded = false for an existing file")
	}
	if cfg.Name != "from-file" || cfg.Port != 9090 {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestDefaultPath(t *testing.T) {
	got := DefaultPath("osfsync")
	if got == "" {
		t.Fatal("empty default path")
	}
	if !strings.Contains(got, "osfsync") {
		t.Errorf("path = %q, want the app name in it", got)
	}
}
