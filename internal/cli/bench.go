package cli

import (
	"fmt"
	"sort"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

func newBenchCmd(a *app) *cobra.Command {
	var (
		f     inferFlags
		iters int
		quiet bool
	)
	cmd := &cobra.Command{
		Use:   "bench <engine>",
		Short: "Time repeated inferences against one loaded engine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if iters < 1 {
				return fmt.Errorf("--iterations must be >= 1, got %d", iters)
			}
			h, err := a.load(args[0])
			if err != nil {
				return err
			}
			defer h.Release()
			run, err := f.prepare(a, h)
			if err != nil {
				return err
			}
			// Warm-up run so first-call allocation does not skew the figures.
			if err := run.infer(h); err != nil {
				return err
			}

			var bar *progressbar.ProgressBar
			if !quiet {
				bar = progressbar.NewOptions(iters,
					progressbar.OptionSetWriter(cmd.ErrOrStderr()),
					progressbar.OptionSetTheme(progressbar.ThemeASCII),
					progressbar.OptionSetDescription("infer"),
					progressbar.OptionShowIts(),
					progressbar.OptionClearOnFinish(),
				)
			}
			lat := make([]time.Duration, iters)
			start := time.Now()
			for i := range lat {
				t0 := time.Now()
				if err := run.infer(h); err != nil {
					return fmt.Errorf("iteration %d: %w", i, err)
				}
				lat[i] = time.Since(t0)
				if bar != nil {
					_ = bar.Add(1)
				}
			}
			total := time.Since(start)
			if bar != nil {
				_ = bar.Finish()
			}

			s := summarize(lat)
			fmt.Fprintf(cmd.OutOrStdout(), "iterations %d  total %s  mean %s  p50 %s  p99 %s  max %s  %.1f infer/s\n",
				iters, total.Round(time.Microsecond), s.mean, s.p50, s.p99, s.max,
				float64(iters)/total.Seconds())
			return nil
		},
	}
	f.register(cmd)
	cmd.Flags().IntVar(&iters, "iterations", 1000, "Number of timed inferences")
	cmd.Flags().BoolVar(&quiet, "quiet", false, "Hide the progress bar")
	return cmd
}

type latencySummary struct {
	mean, p50, p99, max time.Duration
}

func summarize(lat []time.Duration) latencySummary {
	if len(lat) == 0 {
		return latencySummary{}
	}
	sorted := append([]time.Duration(nil), lat...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	pct := func(p float64) time.Duration {
		i := int(p * float64(len(sorted)-1))
		return sorted[i]
	}
	return latencySummary{
		mean: sum / time.Duration(len(sorted)),
		p50:  pct(0.50),
		p99:  pct(0.99),
		max:  sorted[len(sorted)-1],
	}
}
