package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config captures CLI options sourced from config files or flags.
type Config struct {
	Workflows []string       `yaml:"workflows"`
	Jobs      []string       `yaml:"jobs"`
	Event     string         `yaml:"event"`
	Branch    string         `yaml:"branch"`
	Slots     int            `yaml:"slots"`
	OSSlots   map[string]int `yaml:"os_slots"`
	CacheDir  string         `yaml:"cache_dir"`
	StorePath string         `yaml:"store_path"`
	Format    string         `yaml:"format"`
	Verbose   bool           `yaml:"verbose"`
}

const (
	// FormatPretty renders human readable output.
	FormatPretty = "pretty"
	// FormatJSON renders machine readable output.
	FormatJSON = "json"
)

// Default returns the baseline configuration used when no flags or
// config file specify values.
func Default() Config {
	return Config{
		Event:    "push",
		Slots:    2,
		CacheDir: filepath.Join(".conveyor", "cache"),
		Format:   FormatPretty,
	}
}

// Load reads .conveyor.yml from the repository root when present.
// Missing files are ignored.
func Load(root string) (Config, error) {
	cfg := Default()
	path := filepath.Join(root, ".conveyor.yml")
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %q: %w", path, err)
	}

	var fileCfg Config
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return cfg, fmt.Errorf("parse config %q: %w", path, err)
	}

	cfg = merge(cfg, fileCfg)
	return cfg, nil
}

func merge(base, override Config) Config {
	out := base

	if len(override.Workflows) > 0 {
		out.Workflows = append([]string{}, override.Workflows...)
	}
	if len(override.Jobs) > 0 {
		out.Jobs = append([]string{}, override.Jobs...)
	}
	if override.Event != "" {
		out.Event = override.Event
	}
	if override.Branch != "" {
		out.Branch = override.Branch
	}
	if override.Slots > 0 {
		out.Slots = override.Slots
	}
	if len(override.OSSlots) > 0 {
		out.OSSlots = make(map[string]int, len(override.OSSlots))
		for k, v := range override.OSSlots {
			out.OSSlots[k] = v
		}
	}
	if override.CacheDir != "" {
		out.CacheDir = override.CacheDir
	}
	if override.StorePath != "" {
		out.StorePath = override.StorePath
	}
	if override.Format != "" {
		out.Format = override.Format
	}
	if override.Verbose {
		out.Verbose = true
	}

	return out
}

// ApplyFlags mutates cfg by applying values from CLI flags when they
// were set explicitly.
func ApplyFlags(cfg *Config, flags FlagValues) {
	if len(flags.Workflows.Values) > 0 {
		cfg.Workflows = append([]string{}, flags.Workflows.Values...)
	}
	if len(flags.Jobs.Values) > 0 {
		cfg.Jobs = append([]string{}, flags.Jobs.Values...)
	}
	if flags.Event.Set {
		cfg.Event = flags.Event.Value
	}
	if flags.Branch.Set {
		cfg.Branch = flags.Branch.Value
	}
	if flags.Slots.Set {
		cfg.Slots = flags.Slots.Value
	}
	if flags.CacheDir.Set {
		cfg.CacheDir = flags.CacheDir.Value
	}
	if flags.StorePath.Set {
		cfg.StorePath = flags.StorePath.Value
	}
	if flags.Format.Set {
		cfg.Format = flags.Format.Value
	}
	if flags.Verbose.Set {
		cfg.Verbose = flags.Verbose.Value
	}
}

// FlagValues captures CLI flag state with knowledge of whether each
// flag was set explicitly.
type FlagValues struct {
	Workflows SliceFlag
	Jobs      SliceFlag
	Event     StringFlag
	Branch    StringFlag
	Slots     IntFlag
	CacheDir  StringFlag
	StorePath StringFlag
	Format    StringFlag
	Verbose   BoolFlag
}

// StringFlag represents a string flag and whether it was set.
type StringFlag struct {
	Value string
	Set   bool
}

// SliceFlag represents a slice flag and whether it captured values via CLI.
type SliceFlag struct {
	Values []string
}

// IntFlag represents an int flag and whether it was set.
type IntFlag struct {
	Value int
	Set   bool
}

// BoolFlag represents a bool flag and whether it was set.
type BoolFlag struct {
	Value bool
	Set   bool
}
