package cli

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"engined/internal/accel"
	"engined/internal/accel/sim"
	"engined/internal/common/fsutil"
	"engined/internal/engine"
)

func newInspectCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <engine>",
		Short: "Load an engine and print its bindings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := fsutil.ExpandHome(args[0])
			if err != nil {
				return err
			}
			b, err := a.accelBackend()
			if err != nil {
				return err
			}
			rc, err := a.cfg.RuntimeConfig()
			if err != nil {
				return err
			}
			h, err := engine.Load(b, path, rc)
			if err != nil {
				return err
			}
			defer h.Release()

			out := cmd.OutOrStdout()
			if st, err := os.Stat(path); err == nil {
				fmt.Fprintf(out, "engine   %s (%s)\n", path, humanize.IBytes(uint64(st.Size())))
			}
			fmt.Fprintf(out, "backend  %s\n", b.Name())
			fmt.Fprintf(out, "handle   %s\n", h.ID())
			printBindings(out, h.Bindings())
			if !h.SingleInOut() {
				fmt.Fprintln(out, "note: engine does not have exactly one input and one output; infer will refuse it")
			}
			if _, ok := b.(*sim.Backend); ok {
				return describeSim(out, b, path, rc)
			}
			return nil
		},
	}
}

func printBindings(w io.Writer, bs []accel.BindingInfo) {
	fmt.Fprintln(w, "bindings")
	for i, b := range bs {
		dir := "output"
		if b.IsInput {
			dir = "input"
		}
		dims := make([]string, len(b.Dims))
		for k, d := range b.Dims {
			dims[k] = fmt.Sprint(d)
		}
		fmt.Fprintf(w, "  [%d] %-6s %-16s [%s] %d elements\n", i, dir, b.Name, strings.Join(dims, "x"), b.Volume())
	}
}

// describeSim prints the fused plan of a sim engine.
func describeSim(w io.Writer, b accel.Backend, path string, rc engine.RuntimeConfig) error {
	data, err := fsutil.ReadAll(path)
	if err != nil {
		return err
	}
	rt, err := b.NewRuntime(accel.RuntimeOptions{ExpectPrecision: accel.AnyPrecision})
	if err != nil {
		return err
	}
	defer rt.Close()
	if rc.DLACore != nil {
		if err := rt.SetDLACore(*rc.DLACore); err != nil {
			return err
		}
	}
	e, err := rt.Deserialize(data)
	if err != nil {
		return err
	}
	defer e.Close()

	fmt.Fprintln(w, "plan")
	for _, line := range sim.Describe(e) {
		fmt.Fprintln(w, "  "+line)
	}
	units := sim.Units(e)
	names := make([]string, 0, len(units))
	for u := range units {
		names = append(names, u)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, u := range names {
		parts[i] = fmt.Sprintf("%s=%d", u, units[u])
	}
	fmt.Fprintf(w, "units    %s\n", strings.Join(parts, " "))
	return nil
}
