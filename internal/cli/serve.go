package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"engined/internal/httpapi"
)

func newServeCmd(a *app) *cobra.Command {
	var (
		addr         string
		cors         string
		inferTimeout time.Duration
		maxBody      string
	)
	cmd := &cobra.Command{
		Use:   "serve <engine>",
		Short: "Load an engine and serve it over HTTP",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s := a.cfg.Server
			if cmd.Flags().Changed("addr") {
				s.Addr = addr
			}
			if cmd.Flags().Changed("cors-origins") {
				s.CORSOrigins = splitCSV(cors)
			}
			if maxBody != "" {
				n, err := humanize.ParseBytes(maxBody)
				if err != nil {
					return err
				}
				httpapi.SetMaxBodyBytes(int64(n))
			}
			httpapi.SetInferTimeout(inferTimeout)
			httpapi.SetCORSOptions(len(s.CORSOrigins) > 0, s.CORSOrigins, nil, nil)
			httpapi.SetDefaultLogLevel(a.cfg.LogLevel)

			h, err := a.load(args[0])
			if err != nil {
				return err
			}
			svc := httpapi.NewEngineService(h, a.be.Name(), httpapi.Defaults{
				Input:       s.Input,
				Output:      s.Output,
				OutputCount: s.OutputCount,
			})
			defer svc.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			httpapi.SetBaseContext(ctx)
			return serveUntil(ctx, a, &http.Server{
				Addr:              s.Addr,
				Handler:           httpapi.NewMux(svc),
				ReadHeaderTimeout: 10 * time.Second,
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "HTTP listen address")
	cmd.Flags().StringVar(&cors, "cors-origins", "", "Comma separated allowed origins; empty disables CORS")
	cmd.Flags().DurationVar(&inferTimeout, "infer-timeout", 0, "Bound on waiting for the engine per request (0 disables)")
	cmd.Flags().StringVar(&maxBody, "max-body", "", "Maximum request body, e.g. 32MiB (default 16MiB)")
	return cmd
}

// serveUntil runs srv until ctx is done, then shuts it down gracefully.
func serveUntil(ctx context.Context, a *app, srv *http.Server) error {
	errc := make(chan error, 1)
	go func() {
		a.log.Info().Str("addr", srv.Addr).Msg("engined listening")
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Warn().Err(err).Msg("graceful shutdown error")
		return err
	}
	a.log.Info().Msg("server stopped")
	return nil
}

// splitCSV splits a comma separated list, trimming blanks and dropping empties.
func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
