package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/DevilsDev/ragpipe/internal/config"
	"github.com/DevilsDev/ragpipe/internal/eventbus"
	"github.com/DevilsDev/ragpipe/internal/logging"
	"github.com/DevilsDev/ragpipe/internal/metrics"
	"github.com/DevilsDev/ragpipe/internal/pipeline"
	"github.com/DevilsDev/ragpipe/internal/plugin"
	"github.com/DevilsDev/ragpipe/internal/registry"
	"github.com/DevilsDev/ragpipe/internal/spec"
)

const version = "1.0.0"

var configFile string

func main() {
	// A .env next to the binary is a development convenience; absence is fine.
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "ragpipe",
		Short: "ragpipe - composable RAG pipeline toolkit",
		Long:  "Build, validate, and run retrieval-augmented-generation pipelines from declarative specs",
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (optional, env overrides apply)")

	rootCmd.AddCommand(
		validateCmd(),
		runCmd(),
		pluginsCmd(),
		checkpointsCmd(),
		sloCmd(),
		initCmd(),
		daemonCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.DefaultConfig()
	}
	config.LoadFromEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)
	if cfg.Observability.Metrics.Enabled {
		metrics.InitPrometheus(cfg.Observability.Metrics.Namespace, cfg.Observability.Metrics.HistogramBuckets)
	}
	return cfg, nil
}

// buildService wires the toolkit from config for one CLI invocation.
func buildService(ctx context.Context, cfg *config.Config) (*pipeline.Service, *registry.Registry, error) {
	bus := eventbus.New()
	reg, err := registry.FromConfig(cfg, bus)
	if err != nil {
		return nil, nil, err
	}
	svc, err := pipeline.FromConfig(ctx, cfg, reg, bus)
	if err != nil {
		return nil, nil, err
	}
	return svc, reg, nil
}

func validateCmd() *cobra.Command {
	var strict bool
	cmd := &cobra.Command{
		Use:   "validate <pipeline.yaml>",
		Short: "Validate a pipeline spec file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			multi, err := spec.ParseFile(args[0])
			if err != nil {
				return err
			}
			for _, ps := range multi.Pipelines {
				def, err := ps.ToDefinition()
				if err != nil {
					return fmt.Errorf("pipeline %q: %w", ps.Name, err)
				}
				fmt.Printf("pipeline %q: %d stages, ok\n", def.Name, len(def.Stages))
				if strict {
					fmt.Println("  (plugin resolution is checked at run time)")
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "Also note that plugin resolution is checked only at run time (no topology checks are run)")
	return cmd
}

func runCmd() *cobra.Command {
	var (
		seed         string
		concurrency  int
		timeout      time.Duration
		retry        bool
		graceful     bool
		checkpointID string
		resume       bool
	)
	cmd := &cobra.Command{
		Use:   "run <pipeline.yaml>",
		Short: "Execute a pipeline spec",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			svc, _, err := buildService(cmd.Context(), cfg)
			if err != nil {
				return err
			}

			multi, err := spec.ParseFile(args[0])
			if err != nil {
				return err
			}

			for _, ps := range multi.Pipelines {
				def, err := ps.ToDefinition()
				if err != nil {
					return err
				}
				res, err := svc.Run(cmd.Context(), def, pipeline.RunOptions{
					Seed:                seed,
					MaxConcurrency:      concurrency,
					Timeout:             timeout,
					RetryFailedNodes:    retry,
					GracefulDegradation: graceful,
					CheckpointID:        checkpointID,
					EnableCheckpoints:   checkpointID != "",
					Resume:              resume,
				})
				if err != nil {
					return err
				}
				out, _ := json.MarshalIndent(res, "", "  ")
				fmt.Printf("pipeline %q:\n%s\n", def.Name, out)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&seed, "seed", "", "Seed input bound to source stages")
	cmd.Flags().IntVar(&concurrency, "concurrency", 1, "Maximum concurrently running stages")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Wall-clock timeout for the whole run")
	cmd.Flags().BoolVar(&retry, "retry", false, "Retry failed stages")
	cmd.Flags().BoolVar(&graceful, "graceful", false, "Continue past failed stages")
	cmd.Flags().StringVar(&checkpointID, "checkpoint", "", "Checkpoint id (enables checkpointing)")
	cmd.Flags().BoolVar(&resume, "resume", false, "Resume from the named checkpoint")
	return cmd
}

func pluginsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plugins",
		Short: "List registered plugins by category",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			_, reg, err := buildService(cmd.Context(), cfg)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CATEGORY\tNAME")
			for _, cat := range plugin.Categories() {
				for _, name := range reg.List(cat) {
					fmt.Fprintf(w, "%s\t%s\n", cat, name)
				}
			}
			return w.Flush()
		},
	}
}

func checkpointsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoints",
		Short: "Manage execution checkpoints",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List stored checkpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			svc, _, err := buildService(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			sums, err := svc.Engine().ListCheckpoints(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tCREATED\tNODES\tERRORS")
			for _, s := range sums {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\n", s.ID, s.Timestamp.Format(time.RFC3339), s.Nodes, s.Errors)
			}
			return w.Flush()
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear <id>",
		Short: "Delete a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			svc, _, err := buildService(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			return svc.Engine().ClearCheckpoint(cmd.Context(), args[0])
		},
	}

	cmd.AddCommand(listCmd, clearCmd)
	return cmd
}

func sloCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "slo",
		Short: "Print the SLO report",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			svc, _, err := buildService(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			rep := svc.Monitor().Report()
			out, _ := json.MarshalIndent(rep, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Print an example pipeline spec",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Print(spec.ExampleYAML())
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ragpipe %s\n", version)
		},
	}
}
