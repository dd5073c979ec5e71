package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func newRunCmd() *cobra.Command {
	var interval time.Duration
	var metricsAddr string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one tick per interval until signaled",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig()
			if err != nil {
				return err
			}
			if metricsAddr != "" {
				cfg.MetricsAddr = metricsAddr
			}
			a, err := buildApp(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			// Edited flow files apply on the next tick; the tick itself
			// reads a stable set (refreshFlows runs only between ticks).
			if err := a.Watcher.Start(ctx); err != nil {
				return err
			}
			defer a.Watcher.Stop()

			if cfg.MetricsAddr != "" {
				srv := newOperationalServer(cfg.MetricsAddr, a)
				go func() {
					if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						fmt.Fprintln(cmd.ErrOrStderr(), errorStyle("metrics server: "+err.Error()))
					}
				}()
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
			}

			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-a.Watcher.Updates():
					a.refreshFlows()
				default:
				}

				result, err := a.Scheduler.Tick(ctx)
				if err != nil {
					fmt.Fprintln(cmd.ErrOrStderr(), errorStyle("tick: "+err.Error()))
				} else if result.Skipped == "" {
					printTickResult(cmd, result)
				}

				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 10*time.Second, "Time between ticks")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Listen address for /healthz and /metrics (overrides config)")
	return cmd
}

// newOperationalServer builds the /healthz and /metrics pair using
// net/http directly — the scheduler's only server-side surface,
// deliberately not a web framework.
func newOperationalServer(addr string, a *app) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  30 * time.Second,
	}
}
