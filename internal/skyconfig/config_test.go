package skyconfig

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/albertocavalcante/skykit/internal/starlark/instrument"
	"github.com/albertocavalcante/skykit/internal/starlark/transform"
	"github.com/albertocavalcante/skykit/internal/starlark/typemode"
)

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func boolPtr(b bool) *bool { return &b }

func TestLoadTOMLConfig(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    func() *Config
		wantErr bool
	}{
		{
			name: "all sections",
			content: `
[test]
timeout = "60s"
parallel = "auto"
prelude = ["helpers/prelude.star"]
fail_fast = true

[coverage]
instrument = "true"
exclude = "generated/"
output = "out/cover.json"
format = "lcov"
fail_under = 80.5
merge = true

[transform]
type_mode = "checked"
non_standard = false
extensions = [".tstar", ".tsky"]
`,
			want: func() *Config {
				cfg := DefaultConfig()
				cfg.Test.Timeout = Duration{60 * time.Second}
				cfg.Test.Parallel = "auto"
				cfg.Test.Prelude = []string{"helpers/prelude.star"}
				cfg.Test.FailFast = true
				cfg.Coverage = CoverageConfig{
					Instrument: "true",
					Exclude:    "generated/",
					Output:     "out/cover.json",
					Format:     "lcov",
					FailUnder:  80.5,
					Merge:      true,
				}
				cfg.Transform = TransformConfig{
					TypeMode:    "checked",
					NonStandard: boolPtr(false),
					Extensions:  []string{".tstar", ".tsky"},
				}
				return cfg
			},
		},
		{
			name:    "empty file keeps defaults",
			content: "",
			want:    DefaultConfig,
		},
		{
			name:    "unknown key",
			content: "[coverage]\nenabled = true\n",
			wantErr: true,
		},
		{
			name:    "invalid duration",
			content: "[test]\ntimeout = \"soon\"\n",
			wantErr: true,
		},
		{
			name:    "invalid toml",
			content: "[test\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, t.TempDir(), "sky.toml", tt.content)
			cfg, err := LoadTOMLConfig(path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("LoadTOMLConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if diff := cmp.Diff(tt.want(), cfg); diff != "" {
				t.Errorf("config mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLoadStarlarkConfig(t *testing.T) {
	tests := []struct {
		name    string
		content string
		env     map[string]string
		check   func(t *testing.T, cfg *Config)
		wantErr error
	}{
		{
			name: "sections as dicts",
			content: `
def configure():
    return {
        "test": {"timeout": "90s", "parallel": 4, "prelude": ["p.star"]},
        "coverage": {"instrument": True, "fail_under": 75, "format": "cobertura"},
        "transform": {"type_mode": "strip", "non_standard": True},
    }
`,
			check: func(t *testing.T, cfg *Config) {
				if cfg.Test.Timeout.Duration != 90*time.Second {
					t.Errorf("timeout = %v, want 90s", cfg.Test.Timeout.Duration)
				}
				if cfg.Test.Parallel != "4" {
					t.Errorf("parallel = %q, want 4", cfg.Test.Parallel)
				}
				if cfg.Coverage.Instrument != "true" {
					t.Errorf("instrument = %q, want true", cfg.Coverage.Instrument)
				}
				if cfg.Coverage.FailUnder != 75 {
					t.Errorf("fail_under = %v, want 75", cfg.Coverage.FailUnder)
				}
				if cfg.Transform.NonStandard == nil || !*cfg.Transform.NonStandard {
					t.Error("non_standard not set")
				}
			},
		},
		{
			name: "sections as structs",
			content: `
def configure():
    return {"coverage": struct(output = "c.json", merge = True)}
`,
			check: func(t *testing.T, cfg *Config) {
				if cfg.Coverage.Output != "c.json" || !cfg.Coverage.Merge {
					t.Errorf("coverage = %+v", cfg.Coverage)
				}
			},
		},
		{
			name: "getenv drives instrumentation",
			content: `
def configure():
    ci = getenv("CI", "") != ""
    return {"coverage": {"instrument": "on" if ci else "off"}}
`,
			env: map[string]string{"CI": "1"},
			check: func(t *testing.T, cfg *Config) {
				if cfg.Coverage.Instrument != "on" {
					t.Errorf("instrument = %q, want on", cfg.Coverage.Instrument)
				}
			},
		},
		{
			name:    "missing configure",
			content: "x = 1\n",
			wantErr: ErrConfigureNotFound,
		},
		{
			name:    "configure returns list",
			content: "def configure():\n    return []\n",
			wantErr: ErrConfigureReturnType,
		},
		{
			name:    "wrong section type",
			content: "def configure():\n    return {\"coverage\": 1}\n",
			wantErr: errors.New("any"),
		},
		{
			name:    "wrong field type",
			content: "def configure():\n    return {\"coverage\": {\"merge\": \"yes\"}}\n",
			wantErr: errors.New("any"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := writeConfig(t, t.TempDir(), "config.sky", tt.content)
			cfg, err := LoadStarlarkConfig(path, DefaultStarlarkTimeout)
			if tt.wantErr != nil {
				if err == nil {
					t.Fatal("expected error")
				}
				if tt.wantErr.Error() != "any" && !errors.Is(err, tt.wantErr) {
					t.Errorf("error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("LoadStarlarkConfig() error = %v", err)
			}
			tt.check(t, cfg)
		})
	}
}

func TestStarlarkTimeout(t *testing.T) {
	content := `
def spin(n):
    return [spin for _ in range(n)]

def configure():
    for _ in range(1000000000):
        spin(10)
    return {}
`
	path := writeConfig(t, t.TempDir(), "config.sky", content)

	start := time.Now()
	_, err := LoadStarlarkConfig(path, 100*time.Millisecond)
	if err == nil {
		t.Error("expected timeout error, got nil")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout took too long: %v", elapsed)
	}
}

func TestDiscoverConfig(t *testing.T) {
	star := "def configure():\n    return {\"test\": {\"timeout\": \"60s\"}}\n"
	toml := "[test]\ntimeout = \"60s\"\n"

	tests := []struct {
		name     string
		files    map[string]string
		from     string
		wantFile string
		wantErr  error
	}{
		{name: "config.sky", files: map[string]string{"config.sky": star}, wantFile: "config.sky"},
		{name: "sky.star", files: map[string]string{"sky.star": star}, wantFile: "sky.star"},
		{name: "sky.toml", files: map[string]string{"sky.toml": toml}, wantFile: "sky.toml"},
		{
			name:    "conflict",
			files:   map[string]string{"config.sky": star, "sky.toml": toml},
			wantErr: ErrConflict,
		},
		{
			name:     "parent directory",
			files:    map[string]string{"sky.toml": toml, "pkg/sub/keep": ""},
			from:     "pkg/sub",
			wantFile: "sky.toml",
		},
		{name: "none", wantFile: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(EnvConfig, "")
			dir := t.TempDir()
			if err := os.MkdirAll(filepath.Join(dir, ".git"), 0o755); err != nil {
				t.Fatal(err)
			}
			for name, content := range tt.files {
				path := filepath.Join(dir, filepath.FromSlash(name))
				if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
					t.Fatal(err)
				}
				writeConfig(t, filepath.Dir(path), filepath.Base(path), content)
			}

			cfg, configPath, err := DiscoverConfig(filepath.Join(dir, filepath.FromSlash(tt.from)))
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("DiscoverConfig() error = %v", err)
			}
			if tt.wantFile == "" {
				if configPath != "" {
					t.Errorf("expected no config file, got %q", configPath)
				}
				if diff := cmp.Diff(DefaultConfig(), cfg); diff != "" {
					t.Errorf("defaults mismatch (-want +got):\n%s", diff)
				}
				return
			}
			if filepath.Base(configPath) != tt.wantFile {
				t.Errorf("configPath = %q, want %q", configPath, tt.wantFile)
			}
			if cfg.Test.Timeout.Duration != 60*time.Second {
				t.Errorf("timeout = %v, want 60s", cfg.Test.Timeout.Duration)
			}
		})
	}
}

func TestDiscoverConfigEnvVar(t *testing.T) {
	configPath := writeConfig(t, t.TempDir(), "custom.sky", "def configure():\n    return {\"test\": {\"timeout\": \"99s\"}}\n")
	t.Setenv(EnvConfig, configPath)

	other := t.TempDir()
	writeConfig(t, other, "sky.toml", "[test]\ntimeout = \"1s\"\n")

	cfg, foundPath, err := DiscoverConfig(other)
	if err != nil {
		t.Fatalf("DiscoverConfig() error = %v", err)
	}
	if foundPath != configPath {
		t.Errorf("foundPath = %q, want %q", foundPath, configPath)
	}
	if cfg.Test.Timeout.Duration != 99*time.Second {
		t.Errorf("timeout = %v, want 99s", cfg.Test.Timeout.Duration)
	}
}

func TestLoadConfigExtension(t *testing.T) {
	dir := t.TempDir()
	if _, err := LoadConfig(writeConfig(t, dir, "c.json", "{}")); err == nil {
		t.Error("expected error for unsupported extension")
	}
	cfg, err := LoadConfig(writeConfig(t, dir, "c.star", "def configure():\n    return {\"test\": {\"timeout\": \"45s\"}}\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Test.Timeout.Duration != 45*time.Second {
		t.Errorf("timeout = %v, want 45s", cfg.Test.Timeout.Duration)
	}
}

func TestInstrumentMode(t *testing.T) {
	tests := []struct {
		name    string
		setting string
		env     string
		want    instrument.Mode
		wantErr bool
	}{
		{name: "unset", want: instrument.Disabled},
		{name: "config true", setting: "true", want: instrument.Enabled},
		{name: "config false beats env", setting: "false", env: "true", want: instrument.Disabled},
		{name: "env fallback", env: "1", want: instrument.Enabled},
		{name: "invalid", setting: "sometimes", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(EnvInstrument, tt.env)
			cfg := DefaultConfig()
			cfg.Coverage.Instrument = tt.setting
			got, err := cfg.InstrumentMode()
			if (err != nil) != tt.wantErr {
				t.Fatalf("InstrumentMode() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("InstrumentMode() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExcludePattern(t *testing.T) {
	cfg := DefaultConfig()
	re, err := cfg.ExcludePattern()
	if err != nil {
		t.Fatal(err)
	}
	if re != instrument.DefaultExclude {
		t.Error("empty exclude should use the default pattern")
	}

	cfg.Coverage.Exclude = "gen/"
	re, err = cfg.ExcludePattern()
	if err != nil {
		t.Fatal(err)
	}
	if !re.MatchString("a/gen/b.tstar") || re.MatchString("tests/b.tstar") {
		t.Errorf("custom pattern %q matched unexpectedly", re)
	}

	cfg.Coverage.Exclude = "("
	if _, err := cfg.ExcludePattern(); err == nil {
		t.Error("expected error for invalid pattern")
	}
}

func TestTransformOptions(t *testing.T) {
	cfg := DefaultConfig()
	got, err := cfg.TransformOptions()
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(transform.DefaultOptions(), got); diff != "" {
		t.Errorf("default options mismatch (-want +got):\n%s", diff)
	}

	cfg.Transform = TransformConfig{TypeMode: "checked", NonStandard: boolPtr(false)}
	got, err = cfg.TransformOptions()
	if err != nil {
		t.Fatal(err)
	}
	want := transform.Options{NonStandard: false, Annotations: typemode.Checked}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("options mismatch (-want +got):\n%s", diff)
	}

	cfg.Transform.TypeMode = "loose"
	if _, err := cfg.TransformOptions(); err == nil {
		t.Error("expected error for unknown type mode")
	}
}

func TestConfigMerge(t *testing.T) {
	base := DefaultConfig()
	base.Test.Parallel = "auto"

	base.Merge(&Config{
		Test:      TestConfig{Timeout: Duration{time.Minute}, Prelude: []string{"p.star"}},
		Coverage:  CoverageConfig{Instrument: "on", Merge: true},
		Transform: TransformConfig{NonStandard: boolPtr(false), Extensions: []string{".tsky"}},
	})

	want := DefaultConfig()
	want.Test.Parallel = "auto"
	want.Test.Timeout = Duration{time.Minute}
	want.Test.Prelude = []string{"p.star"}
	want.Coverage.Instrument = "on"
	want.Coverage.Merge = true
	want.Transform.NonStandard = boolPtr(false)
	want.Transform.Extensions = []string{".tsky"}
	if diff := cmp.Diff(want, base); diff != "" {
		t.Errorf("merged config mismatch (-want +got):\n%s", diff)
	}

	base.Merge(nil)
}

func TestDuration(t *testing.T) {
	tests := []struct {
		input   string
		want    time.Duration
		wantErr bool
	}{
		{"30s", 30 * time.Second, false},
		{"1h30m", 90 * time.Minute, false},
		{"", 0, false},
		{"invalid", 0, true},
	}
	for _, tt := range tests {
		var d Duration
		err := d.UnmarshalText([]byte(tt.input))
		if (err != nil) != tt.wantErr {
			t.Errorf("UnmarshalText(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			continue
		}
		if err == nil && d.Duration != tt.want {
			t.Errorf("UnmarshalText(%q) = %v, want %v", tt.input, d.Duration, tt.want)
		}
	}
}
