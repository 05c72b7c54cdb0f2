package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfigParses(t *testing.T) {
	var buf bytes.Buffer
	if err := writeDefaultConfig(&buf); err != nil {
		t.Fatal(err)
	}
	c, err := readConfig(&buf)
	if err != nil {
		t.Fatalf("default configuration does not parse: %v", err)
	}
	if !c.HaltOnInterrupt {
		t.Errorf("expected halt-on-interrupt to default to true")
	}
	if !c.UseLoaderProbes() {
		t.Errorf("expected loader probes to be enabled by default")
	}
	if c.GetProbeCacheSize() != 16 {
		t.Errorf("expected default probe cache size 16, got %d", c.GetProbeCacheSize())
	}
}

func TestReadConfig(t *testing.T) {
	in := `
log-output: loader,ptrace
color: never
trace-subprocesses: true
env:
  - FOO=bar
  - EMPTY=
loader-probes: false
probe-cache-size: 4
`
	c, err := readConfig(strings.NewReader(in))
	if err != nil {
		t.Fatal(err)
	}
	if c.LogOutput != "loader,ptrace" || c.Color != ColorNever || !c.TraceSubprocesses {
		t.Errorf("wrong config: %#v", c)
	}
	if len(c.Env) != 2 || c.Env[0] != "FOO=bar" || c.Env[1] != "EMPTY=" {
		t.Errorf("wrong env: %q", c.Env)
	}
	if c.UseLoaderProbes() {
		t.Errorf("loader probes should be disabled")
	}
	if c.GetProbeCacheSize() != 4 {
		t.Errorf("wrong probe cache size %d", c.GetProbeCacheSize())
	}
}

func TestReadConfigBadColor(t *testing.T) {
	if _, err := readConfig(strings.NewReader("color: sometimes\n")); err == nil {
		t.Fatal("expected an error for an unknown color mode")
	}
}

func TestLoadConfigCreatesDefault(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	c, err := LoadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if !c.HaltOnInterrupt {
		t.Errorf("expected default configuration to be loaded")
	}
	if _, err := os.Stat(filepath.Join(dir, configDir, configFile)); err != nil {
		t.Fatalf("default configuration file was not written: %v", err)
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "xdg"))
	path := filepath.Join(dir, "demon.yml")
	if err := os.WriteFile(path, []byte("color: always\nhalt-on-interrupt: false\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("DEMON_CONFIG", path)
	c, err := LoadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if c.Color != ColorAlways || c.HaltOnInterrupt {
		t.Errorf("wrong config: %#v", c)
	}
	if _, err := os.Stat(filepath.Join(dir, "xdg")); err == nil {
		t.Errorf("default configuration written although DEMON_CONFIG was set")
	}

	t.Setenv("DEMON_CONFIG", filepath.Join(dir, "missing.yml"))
	if _, err := LoadConfig(); err == nil {
		t.Errorf("expected an error for a missing DEMON_CONFIG file")
	}
}

func TestReadConfigEdgeCases(t *testing.T) {
	c, err := readConfig(strings.NewReader(""))
	if err != nil {
		t.Fatalf("empty configuration rejected: %v", err)
	}
	if c.HaltOnInterrupt || !c.UseLoaderProbes() {
		t.Errorf("wrong zero config: %#v", c)
	}
	if _, err := readConfig(strings.NewReader("probe-cache-size: -1\n")); err == nil {
		t.Errorf("negative probe cache size accepted")
	}
	if _, err := readConfig(strings.NewReader("env: [unterminated\n")); err == nil {
		t.Errorf("malformed yaml accepted")
	}
}
