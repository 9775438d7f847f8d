package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/DevilsDev/ragpipe/internal/logging"
	"github.com/DevilsDev/ragpipe/internal/metrics"
	"github.com/DevilsDev/ragpipe/internal/observability"
)

func daemonCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the operational endpoint server (health, metrics, SLO report)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Daemon.HTTPAddr
			}

			ctx := cmd.Context()
			if err := observability.Init(ctx, cfg.Observability.Tracing); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			svc, _, err := buildService(ctx, cfg)
			if err != nil {
				return err
			}

			mux := http.NewServeMux()
			mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				json.NewEncoder(w).Encode(map[string]any{
					"status":  "ok",
					"version": version,
				})
			})
			mux.Handle("/metrics", metrics.Handler())
			mux.HandleFunc("/slo/report", func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				json.NewEncoder(w).Encode(svc.Monitor().Report())
			})

			srv := &http.Server{
				Addr:              addr,
				Handler:           mux,
				ReadHeaderTimeout: 5 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logging.Op().Info("daemon listening", "addr", addr)
				errCh <- srv.ListenAndServe()
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			select {
			case err := <-errCh:
				return err
			case sig := <-sigCh:
				logging.Op().Info("shutting down", "signal", sig.String())
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			}
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides config)")
	return cmd
}
