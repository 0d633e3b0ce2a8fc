package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"engined/internal/accel"
	"engined/internal/common/fsutil"
	"engined/internal/engine"
)

// Config holds the parameters of the CLI and the server.
// Zero values mean "unspecified" and are replaced by Defaults.
type Config struct {
	Compile  Compile `json:"compile" yaml:"compile" toml:"compile"`
	Runtime  Runtime `json:"runtime" yaml:"runtime" toml:"runtime"`
	Server   Server  `json:"server" yaml:"server" toml:"server"`
	LogLevel string  `json:"log_level" yaml:"log_level" toml:"log_level"`
}

type Compile struct {
	Model     string `json:"model" yaml:"model" toml:"model"`
	Engine    string `json:"engine" yaml:"engine" toml:"engine"`
	MaxBatch  int    `json:"max_batch" yaml:"max_batch" toml:"max_batch"`
	Precision string `json:"precision" yaml:"precision" toml:"precision"`
	// Workspace is a human readable size such as "512MiB".
	Workspace       string `json:"workspace" yaml:"workspace" toml:"workspace"`
	DLACore         *int   `json:"dla_core" yaml:"dla_core" toml:"dla_core"`
	GPUFallback     *bool  `json:"gpu_fallback" yaml:"gpu_fallback" toml:"gpu_fallback"`
	AllowFixedRange bool   `json:"allow_fixed_range" yaml:"allow_fixed_range" toml:"allow_fixed_range"`
	// Calibration maps tensor names to int8 dynamic ranges.
	Calibration map[string]float32 `json:"calibration" yaml:"calibration" toml:"calibration"`
}

type Runtime struct {
	Backend string `json:"backend" yaml:"backend" toml:"backend"`
	DLACore *int   `json:"dla_core" yaml:"dla_core" toml:"dla_core"`
}

type Server struct {
	Addr        string   `json:"addr" yaml:"addr" toml:"addr"`
	Input       string   `json:"input" yaml:"input" toml:"input"`
	Output      string   `json:"output" yaml:"output" toml:"output"`
	OutputCount int      `json:"output_count" yaml:"output_count" toml:"output_count"`
	CORSOrigins []string `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins"`
}

// Defaults returns the values used for anything a file leaves unset.
func Defaults() Config {
	return Config{
		Compile: Compile{
			MaxBatch:  1,
			Precision: "fp32",
			Workspace: "1GiB",
		},
		Runtime: Runtime{Backend: "sim"},
		Server: Server{
			Addr:   ":8080",
			Input:  "input",
			Output: "output",
		},
		LogLevel: "info",
	}
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	path, err := fsutil.ExpandHome(path)
	if err != nil {
		return cfg, err
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	return cfg, nil
}

// WithDefaults fills unset fields from Defaults.
func (c Config) WithDefaults() Config {
	d := Defaults()
	if c.Compile.MaxBatch == 0 {
		c.Compile.MaxBatch = d.Compile.MaxBatch
	}
	if c.Compile.Precision == "" {
		c.Compile.Precision = d.Compile.Precision
	}
	if c.Compile.Workspace == "" {
		c.Compile.Workspace = d.Compile.Workspace
	}
	if c.Runtime.Backend == "" {
		c.Runtime.Backend = d.Runtime.Backend
	}
	if c.Server.Addr == "" {
		c.Server.Addr = d.Server.Addr
	}
	if c.Server.Input == "" {
		c.Server.Input = d.Server.Input
	}
	if c.Server.Output == "" {
		c.Server.Output = d.Server.Output
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	return c
}

// CompilationConfig converts the compile section.
func (c Config) CompilationConfig() (engine.CompilationConfig, error) {
	p, err := accel.ParsePrecision(c.Compile.Precision)
	if err != nil {
		return engine.CompilationConfig{}, err
	}
	cc := engine.DefaultCompilationConfig(c.Compile.MaxBatch)
	cc.Precision = p
	if c.Compile.Workspace != "" {
		n, err := humanize.ParseBytes(c.Compile.Workspace)
		if err != nil {
			return cc, fmt.Errorf("workspace %q: %w", c.Compile.Workspace, err)
		}
		cc.WorkspaceBytes = int64(n)
	}
	if c.Compile.DLACore != nil {
		cc.DLACore = engine.Int(*c.Compile.DLACore)
	}
	if c.Compile.GPUFallback != nil {
		cc.GPUFallback = *c.Compile.GPUFallback
	}
	cc.AllowFixedRange = c.Compile.AllowFixedRange
	if len(c.Compile.Calibration) > 0 {
		cc.Calibration = make(map[string]float32, len(c.Compile.Calibration))
		for k, v := range c.Compile.Calibration {
			cc.Calibration[k] = v
		}
	}
	return cc, cc.Validate()
}

// RuntimeConfig converts the runtime section.
func (c Config) RuntimeConfig() (engine.RuntimeConfig, error) {
	var rc engine.RuntimeConfig
	if c.Runtime.DLACore != nil {
		if *c.Runtime.DLACore < 0 {
			return rc, fmt.Errorf("runtime dla_core must be >= 0, got %d", *c.Runtime.DLACore)
		}
		rc.DLACore = engine.Int(*c.Runtime.DLACore)
	}
	return rc, nil
}
