package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"

	"gopkg.in/yaml.v2"
)

const (
	configDir  string = "demon"
	configFile string = "config.yml"
)

// ColorMode selects when the event printer emits ANSI colors.
type ColorMode string

const (
	ColorAuto   ColorMode = "auto"
	ColorAlways ColorMode = "always"
	ColorNever  ColorMode = "never"
)

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// LogOutput is the default value of --log-output when --log is passed
	// without it.
	LogOutput string `yaml:"log-output,omitempty"`

	// Color controls colored event output: auto, always or never.
	Color ColorMode `yaml:"color,omitempty"`

	// TraceSubprocesses makes launched processes report their fork and
	// vfork children as new processes.
	TraceSubprocesses bool `yaml:"trace-subprocesses"`

	// Env is a list of KEY=VALUE overrides applied to every launch.
	Env []string `yaml:"env"`

	// LoaderProbes enables the rtld stapsdt probes for module load
	// detection. When false the link map is rescanned at every stop.
	LoaderProbes *bool `yaml:"loader-probes,omitempty"`

	// ProbeCacheSize is the number of parsed loader images kept in memory.
	ProbeCacheSize int `yaml:"probe-cache-size,omitempty"`

	// HaltOnInterrupt makes ^C halt the target instead of exiting.
	HaltOnInterrupt bool `yaml:"halt-on-interrupt"`
}

// UseLoaderProbes reports whether loader probes are enabled, defaulting to
// true when the key is absent.
func (c *Config) UseLoaderProbes() bool {
	if c.LoaderProbes == nil {
		return true
	}
	return *c.LoaderProbes
}

// GetProbeCacheSize returns the configured probe cache size or its default.
func (c *Config) GetProbeCacheSize() int {
	if c.ProbeCacheSize <= 0 {
		return 16
	}
	return c.ProbeCacheSize
}

// LoadConfig reads the configuration file, writing the default one first
// if there is none. $DEMON_CONFIG names a file to use instead, it is never
// created.
func LoadConfig() (*Config, error) {
	if path := os.Getenv("DEMON_CONFIG"); path != "" {
		return readConfigFile(path)
	}
	path, err := GetConfigFilePath(configFile)
	if err != nil {
		return &Config{}, fmt.Errorf("unable to get config file path: %v", err)
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return &Config{}, fmt.Errorf("could not create config directory: %v", err)
		}
		if err := writeDefaultConfigFile(path); err != nil {
			return &Config{}, fmt.Errorf("error creating default config file: %v", err)
		}
	}
	return readConfigFile(path)
}

func readConfigFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return &Config{}, err
	}
	defer f.Close()
	return readConfig(f)
}

func readConfig(r io.Reader) (*Config, error) {
	var c Config
	if err := yaml.NewDecoder(r).Decode(&c); err != nil && err != io.EOF {
		return &Config{}, fmt.Errorf("unable to decode config file: %v", err)
	}
	switch c.Color {
	case "", ColorAuto, ColorAlways, ColorNever:
	default:
		return &Config{}, fmt.Errorf("invalid color mode %q", c.Color)
	}
	if c.ProbeCacheSize < 0 {
		return &Config{}, fmt.Errorf("invalid probe-cache-size %d", c.ProbeCacheSize)
	}
	return &c, nil
}

func writeDefaultConfigFile(path string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return err
	}
	if err := writeDefaultConfig(f); err != nil {
		f.Close()
		return fmt.Errorf("unable to write default configuration: %v", err)
	}
	return f.Close()
}

func writeDefaultConfig(f io.Writer) error {
	_, err := io.WriteString(f,
		`# Configuration file for the demon process-control engine.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Comma separated list of log layers used when --log is passed without --log-output.
# Layers: demon, ptrace, loader, regs, win32.
# log-output: demon

# Colored event output: auto, always or never.
# color: auto

# Report fork and vfork children of launched processes as new processes.
trace-subprocesses: false

# Environment overrides applied to every launched process.
env:
  # - KEY=VALUE

# Use the dynamic loader's stapsdt probes to detect module loads.
# loader-probes: true

# Number of parsed loader images to keep cached.
# probe-cache-size: 16

# Halt the target on ^C instead of killing it.
halt-on-interrupt: true
`)
	return err
}

// GetConfigFilePath returns the path of file in the demon configuration
// directory, $XDG_CONFIG_HOME/demon or ~/.config/demon.
func GetConfigFilePath(file string) (string, error) {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, configDir, file), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		usr, uerr := user.Current()
		if uerr != nil {
			return "", err
		}
		home = usr.HomeDir
	}
	return filepath.Join(home, ".config", configDir, file), nil
}
