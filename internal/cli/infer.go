package cli

import (
	"fmt"
	"io"
	"math/rand"
	"sort"

	"github.com/spf13/cobra"

	"engined/internal/accel"
	"engined/internal/common/fsutil"
	"engined/internal/engine"
	"engined/internal/preprocess"
)

type inferFlags struct {
	input       string
	output      string
	outputCount int
	image       string
	seed        int64
	top         int
}

func (f *inferFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&f.input, "input", "", "Input binding name (default from config)")
	fs.StringVar(&f.output, "output", "", "Output binding name (default from config)")
	fs.IntVar(&f.outputCount, "output-count", 0, "Output elements to read back (default: batch x output volume)")
	fs.StringVar(&f.image, "image", "", "Image file fed through the preprocessing pipeline")
	fs.Int64Var(&f.seed, "seed", 1, "Seed for the random input used when no image is given")
}

func newInferCmd(a *app) *cobra.Command {
	var f inferFlags
	cmd := &cobra.Command{
		Use:   "infer <engine>",
		Short: "Run one inference and print the highest scores",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := a.load(args[0])
			if err != nil {
				return err
			}
			defer h.Release()

			run, err := f.prepare(a, h)
			if err != nil {
				return err
			}
			if err := run.infer(h); err != nil {
				return err
			}
			printTop(cmd.OutOrStdout(), run.out, f.top)
			return nil
		},
	}
	f.register(cmd)
	cmd.Flags().IntVar(&f.top, "top", 5, "Number of scores to print")
	return cmd
}

func (a *app) load(path string) (*engine.Handle, error) {
	path, err := fsutil.ExpandHome(path)
	if err != nil {
		return nil, err
	}
	b, err := a.accelBackend()
	if err != nil {
		return nil, err
	}
	rc, err := a.cfg.RuntimeConfig()
	if err != nil {
		return nil, err
	}
	return engine.Load(b, path, rc)
}

// inferRun holds the buffers of a single-sample inference.
type inferRun struct {
	input, output string
	in, out       []float32
}

func (r *inferRun) infer(h *engine.Handle) error {
	return h.Infer(r.input, r.output, r.in, r.out, len(r.in), len(r.out))
}

func (f *inferFlags) prepare(a *app, h *engine.Handle) (*inferRun, error) {
	r := &inferRun{input: f.input, output: f.output}
	if r.input == "" {
		r.input = a.cfg.Server.Input
	}
	if r.output == "" {
		r.output = a.cfg.Server.Output
	}
	in, ok := findBinding(h.Bindings(), r.input, true)
	if !ok {
		return nil, fmt.Errorf("engine has no input binding %q", r.input)
	}
	out, ok := findBinding(h.Bindings(), r.output, false)
	if !ok {
		return nil, fmt.Errorf("engine has no output binding %q", r.output)
	}

	if f.image != "" {
		o := preprocess.Defaults()
		if len(in.Dims) != 3 || in.Dims[0] != 3 {
			return nil, fmt.Errorf("input %q has dims %v; images need [3 H W]", in.Name, in.Dims)
		}
		o.Height, o.Width = in.Dims[1], in.Dims[2]
		v, err := preprocess.File(f.image, o)
		if err != nil {
			return nil, err
		}
		r.in = v
	} else {
		rng := rand.New(rand.NewSource(f.seed))
		r.in = make([]float32, in.Volume())
		for i := range r.in {
			r.in[i] = float32(rng.Float64()*2 - 1)
		}
	}

	n := f.outputCount
	if n == 0 {
		n = a.cfg.Server.OutputCount
	}
	if n == 0 {
		n = out.Volume()
	}
	r.out = make([]float32, n)
	return r, nil
}

func findBinding(bs []accel.BindingInfo, name string, input bool) (accel.BindingInfo, bool) {
	for _, b := range bs {
		if b.Name == name && b.IsInput == input {
			return b, true
		}
	}
	return accel.BindingInfo{}, false
}

func printTop(w io.Writer, scores []float32, k int) {
	idx := make([]int, len(scores))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(i, j int) bool { return scores[idx[i]] > scores[idx[j]] })
	if k <= 0 || k > len(idx) {
		k = len(idx)
	}
	for rank, i := range idx[:k] {
		fmt.Fprintf(w, "%d. class %d score %.6f\n", rank+1, i, scores[i])
	}
}
