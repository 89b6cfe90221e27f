// Package skyconfig loads skykit configuration.
//
// Two formats are supported:
//   - config.sky / sky.star: Starlark, a configure() function returning a dict
//   - sky.toml: declarative TOML
//
// DiscoverConfig walks up from a directory (stopping at the git root) to find
// the nearest config file; SKY_CONFIG overrides discovery.
package skyconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/albertocavalcante/skykit/internal/starlark/instrument"
	"github.com/albertocavalcante/skykit/internal/starlark/transform"
	"github.com/albertocavalcante/skykit/internal/starlark/typemode"
)

// Config file names in priority order.
const (
	ConfigSky        = "config.sky"
	ConfigStarLegacy = "sky.star"
	ConfigTOML       = "sky.toml"
)

// EnvConfig names the environment variable holding an explicit config path.
const EnvConfig = "SKY_CONFIG"

// EnvInstrument names the environment variable that switches coverage
// instrumentation on when neither the flag nor the config file sets it.
const EnvInstrument = "SKY_INSTRUMENT"

// ErrConflict is returned when multiple config files exist in the same directory.
var ErrConflict = errors.New("multiple config files found in the same directory; use only one")

// Config is the full configuration.
type Config struct {
	Test      TestConfig      `json:"test" toml:"test"`
	Coverage  CoverageConfig  `json:"coverage" toml:"coverage"`
	Transform TransformConfig `json:"transform" toml:"transform"`
}

// TestConfig configures the test runner.
type TestConfig struct {
	// Timeout is the per-test timeout (e.g., "30s", "1m").
	Timeout Duration `json:"timeout" toml:"timeout"`

	// Parallel is "auto" or a worker count.
	Parallel string `json:"parallel" toml:"parallel"`

	// Prelude files are loaded before each test file.
	Prelude []string `json:"prelude" toml:"prelude"`

	// Prefix is the test function prefix (default: "test_").
	Prefix string `json:"prefix" toml:"prefix"`

	FailFast bool `json:"fail_fast" toml:"fail_fast"`
	Verbose  bool `json:"verbose" toml:"verbose"`
}

// CoverageConfig configures instrumentation and coverage output.
type CoverageConfig struct {
	// Instrument is parsed with instrument.ParseMode ("true", "false", ...).
	Instrument string `json:"instrument" toml:"instrument"`

	// Exclude replaces the default exclusion pattern when set.
	Exclude string `json:"exclude" toml:"exclude"`

	// Output is the coverage profile path.
	Output string `json:"output" toml:"output"`

	// Format is the report format written next to the profile
	// (text, json, lcov, cobertura).
	Format string `json:"format" toml:"format"`

	// FailUnder fails the run when line coverage is below this percentage.
	FailUnder float64 `json:"fail_under" toml:"fail_under"`

	// Merge adds to an existing profile instead of replacing it.
	Merge bool `json:"merge" toml:"merge"`
}

// TransformConfig configures the typed Starlark pipeline.
type TransformConfig struct {
	// TypeMode is parsed with typemode.Parse.
	TypeMode string `json:"type_mode" toml:"type_mode"`

	// NonStandard enables the go.starlark.net dialect extensions.
	// Unset means enabled.
	NonStandard *bool `json:"non_standard" toml:"non_standard"`

	// Extensions routed through the pipeline (default [".tstar"]).
	Extensions []string `json:"extensions" toml:"extensions"`
}

// Duration wraps time.Duration for TOML/JSON string parsing.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler for Duration.
func (d *Duration) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		d.Duration = 0
		return nil
	}
	dur, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = dur
	return nil
}

// MarshalText implements encoding.TextMarshaler for Duration.
func (d Duration) MarshalText() ([]byte, error) {
	if d.Duration == 0 {
		return nil, nil
	}
	return []byte(d.Duration.String()), nil
}

// DefaultConfig returns a Config with defaults filled in.
func DefaultConfig() *Config {
	return &Config{
		Test: TestConfig{
			Timeout: Duration{30 * time.Second},
			Prefix:  "test_",
		},
		Coverage: CoverageConfig{
			Format: "text",
		},
		Transform: TransformConfig{
			TypeMode: string(typemode.Strip),
		},
	}
}

// InstrumentMode resolves the coverage mode. An empty setting falls back to
// the SKY_INSTRUMENT environment variable.
func (c *Config) InstrumentMode() (instrument.Mode, error) {
	value := c.Coverage.Instrument
	if value == "" {
		value = os.Getenv(EnvInstrument)
	}
	return instrument.ParseMode(value)
}

// ExcludePattern returns the compiled exclusion pattern.
func (c *Config) ExcludePattern() (*regexp.Regexp, error) {
	if c.Coverage.Exclude == "" {
		return instrument.DefaultExclude, nil
	}
	re, err := regexp.Compile(c.Coverage.Exclude)
	if err != nil {
		return nil, fmt.Errorf("invalid coverage exclude pattern: %w", err)
	}
	return re, nil
}

// TransformOptions returns the pipeline options.
func (c *Config) TransformOptions() (transform.Options, error) {
	mode, err := typemode.Parse(c.Transform.TypeMode)
	if err != nil {
		return transform.Options{}, err
	}
	nonStandard := true
	if c.Transform.NonStandard != nil {
		nonStandard = *c.Transform.NonStandard
	}
	return transform.Options{NonStandard: nonStandard, Annotations: mode}, nil
}

// LoadConfig loads configuration from path, choosing the format by extension.
// Values the file leaves unset keep their defaults.
func LoadConfig(path string) (*Config, error) {
	ext := filepath.Ext(path)
	switch ext {
	case ".toml":
		return LoadTOMLConfig(path)
	case ".sky", ".star":
		return LoadStarlarkConfig(path, DefaultStarlarkTimeout)
	default:
		return nil, fmt.Errorf("unsupported config file extension: %s (expected .sky, .star, or .toml)", ext)
	}
}

// DiscoverConfig finds and loads the configuration for startDir.
//
// SKY_CONFIG wins when set. Otherwise each directory from startDir up to the
// git root (or filesystem root) is checked for config.sky, sky.star and
// sky.toml; more than one in the same directory is an error. With nothing
// found, DiscoverConfig returns (DefaultConfig(), "", nil).
func DiscoverConfig(startDir string) (*Config, string, error) {
	if envPath := os.Getenv(EnvConfig); envPath != "" {
		cfg, err := LoadConfig(envPath)
		if err != nil {
			return nil, "", fmt.Errorf("loading config from %s: %w", EnvConfig, err)
		}
		return cfg, envPath, nil
	}

	if startDir == "" {
		var err error
		startDir, err = os.Getwd()
		if err != nil {
			return nil, "", fmt.Errorf("getting working directory: %w", err)
		}
	}

	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, "", fmt.Errorf("resolving path: %w", err)
	}
	gitRoot := findGitRoot(dir)

	for {
		configPath, err := findConfigInDir(dir)
		if err != nil {
			return nil, "", err
		}
		if configPath != "" {
			cfg, err := LoadConfig(configPath)
			if err != nil {
				return nil, "", err
			}
			return cfg, configPath, nil
		}

		if gitRoot != "" && dir == gitRoot {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return DefaultConfig(), "", nil
}

// findConfigInDir returns the single config file in dir, "" when there is
// none, or ErrConflict when there are several.
func findConfigInDir(dir string) (string, error) {
	var found []string
	for _, name := range []string{ConfigSky, ConfigStarLegacy, ConfigTOML} {
		if fileExists(filepath.Join(dir, name)) {
			found = append(found, name)
		}
	}
	switch len(found) {
	case 0:
		return "", nil
	case 1:
		return filepath.Join(dir, found[0]), nil
	}
	return "", fmt.Errorf("%w: found %s in %s", ErrConflict, strings.Join(found, ", "), dir)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// findGitRoot returns the nearest ancestor of startDir containing .git, or "".
func findGitRoot(startDir string) string {
	dir := startDir
	for {
		if fileExists(filepath.Join(dir, ".git")) {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// Merge overlays the non-zero values of other onto c.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if other.Test.Timeout.Duration != 0 {
		c.Test.Timeout = other.Test.Timeout
	}
	if other.Test.Parallel != "" {
		c.Test.Parallel = other.Test.Parallel
	}
	if len(other.Test.Prelude) > 0 {
		c.Test.Prelude = append(c.Test.Prelude, other.Test.Prelude...)
	}
	if other.Test.Prefix != "" {
		c.Test.Prefix = other.Test.Prefix
	}
	if other.Test.FailFast {
		c.Test.FailFast = true
	}
	if other.Test.Verbose {
		c.Test.Verbose = true
	}

	if other.Coverage.Instrument != "" {
		c.Coverage.Instrument = other.Coverage.Instrument
	}
	if other.Coverage.Exclude != "" {
		c.Coverage.Exclude = other.Coverage.Exclude
	}
	if other.Coverage.Output != "" {
		c.Coverage.Output = other.Coverage.Output
	}
	if other.Coverage.Format != "" {
		c.Coverage.Format = other.Coverage.Format
	}
	if other.Coverage.FailUnder != 0 {
		c.Coverage.FailUnder = other.Coverage.FailUnder
	}
	if other.Coverage.Merge {
		c.Coverage.Merge = true
	}

	if other.Transform.TypeMode != "" {
		c.Transform.TypeMode = other.Transform.TypeMode
	}
	if other.Transform.NonStandard != nil {
		v := *other.Transform.NonStandard
		c.Transform.NonStandard = &v
	}
	if len(other.Transform.Extensions) > 0 {
		c.Transform.Extensions = append([]string(nil), other.Transform.Extensions...)
	}
}
