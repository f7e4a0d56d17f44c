// Package config loads the YAML configuration for the watch command.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/NekoEpisode/FileXE/pkg/watcher"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

// Config is the on-disk configuration.
type Config struct {
	LogLevel     string   `yaml:"log_level,omitempty"`
	CacheLimit   ByteSize `yaml:"cache_limit,omitempty"`
	RenameWindow Duration `yaml:"rename_window,omitempty"`
	DeleteSlack  Duration `yaml:"delete_slack,omitempty"`
	Journal      string   `yaml:"journal,omitempty"`
	MonitorPort  int      `yaml:"monitor_port,omitempty"`
	AdminPort    int      `yaml:"admin_port,omitempty"`
	Targets      []Target `yaml:"targets"`
}

// Target is one configured watch target.
type Target struct {
	Path         string `yaml:"path"`
	Interest     string `yaml:"interest,omitempty"`
	FollowRename *bool  `yaml:"follow_rename,omitempty"`
}

// Kind returns the parsed interest filter.
func (t Target) Kind() (watcher.EventKind, error) {
	return watcher.ParseEventKind(t.Interest)
}

// Follow reports whether the target follows renames. Unset means true.
func (t Target) Follow() bool {
	return t.FollowRename == nil || *t.FollowRename
}

// Duration accepts either a Go duration string ("500ms") or an integer
// number of milliseconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", value.Line)
	}
	if ms, err := strconv.ParseInt(value.Value, 10, 64); err == nil {
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// ByteSize accepts a plain byte count or a human readable size ("10MiB").
type ByteSize int64

func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: size must be a scalar", value.Line)
	}
	n, err := humanize.ParseBytes(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*b = ByteSize(n)
	return nil
}

func (b ByteSize) MarshalYAML() (interface{}, error) {
	return humanize.IBytes(uint64(b)), nil
}

// Load reads and validates the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from the command line
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	// Relative target paths are resolved against the config file.
	base := filepath.Dir(path)
	for i := range cfg.Targets {
		p := cfg.Targets[i].Path
		if p != "" && !filepath.IsAbs(p) {
			cfg.Targets[i].Path = filepath.Join(base, p)
		}
	}
	if cfg.Journal != "" && !filepath.IsAbs(cfg.Journal) {
		cfg.Journal = filepath.Join(base, cfg.Journal)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the config for errors.
func (c *Config) Validate() error {
	if c.CacheLimit < 0 {
		return fmt.Errorf("%w: cache_limit cannot be negative", ErrInvalid)
	}
	if c.RenameWindow < 0 {
		return fmt.Errorf("%w: rename_window cannot be negative", ErrInvalid)
	}
	if c.DeleteSlack < 0 {
		return fmt.Errorf("%w: delete_slack cannot be negative", ErrInvalid)
	}
	if err := validatePort("monitor_port", c.MonitorPort); err != nil {
		return err
	}
	if err := validatePort("admin_port", c.AdminPort); err != nil {
		return err
	}

	seen := make(map[string]bool, len(c.Targets))
	for i, t := range c.Targets {
		if t.Path == "" {
			return fmt.Errorf("%w: targets[%d].path is required", ErrInvalid, i)
		}
		if _, err := t.Kind(); err != nil {
			return fmt.Errorf("%w: targets[%d]: %v", ErrInvalid, i, err)
		}
		if seen[t.Path] {
			return fmt.Errorf("%w: target %q listed twice", ErrInvalid, t.Path)
		}
		seen[t.Path] = true
	}
	return nil
}

func validatePort(name string, port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("%w: %s %d out of range", ErrInvalid, name, port)
	}
	return nil
}

// WatcherConfig converts the file settings into a watcher.Config. Zero values
// keep the watcher defaults.
func (c *Config) WatcherConfig() watcher.Config {
	return watcher.Config{
		CacheLimit:   int64(c.CacheLimit),
		RenameWindow: time.Duration(c.RenameWindow),
		DeleteSlack:  time.Duration(c.DeleteSlack),
	}
}
