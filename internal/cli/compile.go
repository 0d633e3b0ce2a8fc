package cli

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"engined/internal/common/fsutil"
	"engined/internal/engine"
)

func newCompileCmd(a *app) *cobra.Command {
	var (
		calibration string
		force       bool
	)
	cmd := &cobra.Command{
		Use:     "compile [model] [engine]",
		Short:   "Compile a model description into a serialized engine",
		Example: "  engined compile net.netdesc net.engine --precision fp16 --max-batch 4",
		Args:    cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := a.cfg.Compile
			if len(args) > 0 {
				c.Model = args[0]
			}
			if len(args) > 1 {
				c.Engine = args[1]
			}
			f := cmd.Flags()
			if f.Changed("max-batch") {
				c.MaxBatch, _ = f.GetInt("max-batch")
			}
			if f.Changed("precision") {
				c.Precision, _ = f.GetString("precision")
			}
			if f.Changed("workspace") {
				c.Workspace, _ = f.GetString("workspace")
			}
			if f.Changed("dla-core") {
				core, _ := f.GetInt("dla-core")
				c.DLACore = &core
			}
			if f.Changed("no-gpu-fallback") {
				off, _ := f.GetBool("no-gpu-fallback")
				on := !off
				c.GPUFallback = &on
			}
			if f.Changed("allow-fixed-range") {
				c.AllowFixedRange, _ = f.GetBool("allow-fixed-range")
			}
			if c.Model == "" || c.Engine == "" {
				return fmt.Errorf("model and engine paths are required (arguments or compile.model/compile.engine)")
			}
			model, err := fsutil.ExpandHome(c.Model)
			if err != nil {
				return err
			}
			out, err := fsutil.ExpandHome(c.Engine)
			if err != nil {
				return err
			}

			if !force && fsutil.PathExists(out) {
				return fmt.Errorf("%s already exists (use --force to overwrite)", out)
			}
			if calibration != "" {
				ranges, err := loadCalibration(calibration)
				if err != nil {
					return err
				}
				c.Calibration = ranges
			}
			cfg := a.cfg
			cfg.Compile = c
			cc, err := cfg.CompilationConfig()
			if err != nil {
				return err
			}

			b, err := a.accelBackend()
			if err != nil {
				return err
			}
			if err := engine.NewCompiler(b).CompileFile(model, out, cc); err != nil {
				return err
			}
			st, err := os.Stat(out)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "compiled %s -> %s (%s, %s, max batch %d)\n",
				model, out, humanize.IBytes(uint64(st.Size())), cc.Precision, cc.MaxBatchSize)
			return nil
		},
	}
	f := cmd.Flags()
	f.Int("max-batch", 1, "Largest batch the engine accepts")
	f.String("precision", "fp32", "fp32|fp16|int8")
	f.String("workspace", "1GiB", "Optimizer scratch budget, e.g. 256MiB")
	f.Int("dla-core", 0, "Target this fixed-function core")
	f.Bool("no-gpu-fallback", false, "Fail instead of falling back to the GPU for layers the DLA cannot run")
	f.Bool("allow-fixed-range", false, "Accept the uniform ±127 range for int8 tensors without calibration")
	f.StringVar(&calibration, "calibration", "", "YAML/JSON file mapping tensor names to int8 dynamic ranges")
	f.BoolVar(&force, "force", false, "Overwrite an existing engine file")
	return cmd
}

// loadCalibration reads {tensor: range}. JSON is accepted as YAML.
func loadCalibration(path string) (map[string]float32, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("calibration: %w", err)
	}
	ranges := map[string]float32{}
	if err := yaml.Unmarshal(b, &ranges); err != nil {
		return nil, fmt.Errorf("calibration %s: %w", path, err)
	}
	return ranges, nil
}
