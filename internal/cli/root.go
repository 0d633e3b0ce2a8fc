// Package cli is the engined command tree.
package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"engined/internal/accel"
	"engined/internal/accel/sim"
	"engined/internal/accel/tensorrt"
	"engined/internal/config"
	"engined/internal/engine"
	"engined/internal/httpapi"
	"engined/internal/legacy"
)

type app struct {
	cfgPath  string
	logLevel string
	backend  string

	cfg    config.Config
	out    io.Writer
	errOut io.Writer
	log    zerolog.Logger

	// newBackend is replaced in tests.
	newBackend func(name string) (accel.Backend, error)
	// be is created once per process so compile and load share a device.
	be accel.Backend
}

// Execute runs the command line and returns the process exit code.
func Execute(args []string, stdout, stderr io.Writer) int {
	root := buildRootCmd(&app{out: stdout, errOut: stderr, newBackend: newBackend})
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(stderr, "error:", err)
		return exitCode(err)
	}
	return 0
}

// Exit codes. 2 to 5 match the legacy compile status codes negated.
const (
	exitError        = 1
	exitBuilderInit  = 2
	exitParse        = 3
	exitBuild        = 4
	exitWrite        = 5
	exitNotFound     = 6
	exitLoad         = 7
	exitOutOfMemory  = 8
	exitInferRequest = 9
)

func exitCode(err error) int {
	switch engine.KindOf(err) {
	case engine.KindUnknown:
		return exitError
	case engine.KindNotFound:
		return exitNotFound
	case engine.KindBuilderInitFailed, engine.KindParseFailed, engine.KindBuildFailed,
		engine.KindInvalidConfig, engine.KindSerializeFailed, engine.KindIOFailed:
		return -legacy.StatusCode(err)
	case engine.KindRuntimeInitFailed, engine.KindDeserializeFailed, engine.KindContextInitFailed:
		return exitLoad
	case engine.KindDeviceOutOfMemory:
		return exitOutOfMemory
	default:
		return exitInferRequest
	}
}

func buildRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "engined",
		Short:         "Compile, inspect and serve inference engines",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&a.cfgPath, "config", "", "Config file (.yaml, .json or .toml)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "Log level: debug|info|warn|error (default from config or info)")
	root.PersistentFlags().StringVar(&a.backend, "backend", "", "Accelerator backend: sim|tensorrt (default from config or sim)")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		return a.setup()
	}

	root.AddCommand(
		newCompileCmd(a),
		newInspectCmd(a),
		newInferCmd(a),
		newBenchCmd(a),
		newServeCmd(a),
	)
	return root
}

func (a *app) setup() error {
	cfg := config.Config{}
	if a.cfgPath != "" {
		c, err := config.Load(a.cfgPath)
		if err != nil {
			return fmt.Errorf("config: %w", err)
		}
		cfg = c
	}
	cfg = cfg.WithDefaults()
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	if a.backend != "" {
		cfg.Runtime.Backend = a.backend
	}
	a.cfg = cfg

	lvl, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	w := a.errOut
	if w == nil {
		w = os.Stderr
	}
	a.log = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}).
		Level(lvl).With().Timestamp().Logger()
	engine.SetLogger(a.log)
	httpapi.SetLogger(a.log)
	legacy.SetLogger(a.log)
	return nil
}

func (a *app) accelBackend() (accel.Backend, error) {
	if a.be != nil {
		return a.be, nil
	}
	b, err := a.newBackend(a.cfg.Runtime.Backend)
	if err != nil {
		return nil, err
	}
	a.be = b
	return b, nil
}

func newBackend(name string) (accel.Backend, error) {
	switch name {
	case "", "sim":
		return sim.New(sim.Options{}), nil
	case "tensorrt", "trt":
		return tensorrt.New(tensorrt.Options{Verbosity: accel.SeverityWarning})
	default:
		return nil, fmt.Errorf("unknown backend %q (want sim|tensorrt)", name)
	}
}
