// Command agent-runner orchestrates coding-agent CLIs against repository
// issues and pull requests.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fairyhunter13/agent-runner/internal/adapter/observability"
	"github.com/fairyhunter13/agent-runner/internal/adapter/platform/github"
	"github.com/fairyhunter13/agent-runner/internal/adapter/state"
	"github.com/fairyhunter13/agent-runner/internal/app"
	"github.com/fairyhunter13/agent-runner/internal/config"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "agent-runner",
		Short:         "Autonomous agent orchestrator for repository issues and pull requests",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "agent-runner.yaml", "configuration file")

	root.AddCommand(runCmd(&configPath))
	root.AddCommand(statusCmd(&configPath))
	root.AddCommand(labelsCmd(&configPath))
	root.AddCommand(stopCmd(&configPath))
	root.AddCommand(pruneCmd(&configPath))
	return root
}

// setup loads config plus secrets and installs the process-wide logger.
func setup(configPath string) (config.Config, config.Secrets, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, config.Secrets{}, err
	}
	secrets, err := config.LoadSecrets()
	if err != nil {
		return config.Config{}, config.Secrets{}, err
	}
	slog.SetDefault(observability.SetupLogger(os.Stdout, secrets.Debug))
	return cfg, secrets, nil
}

func runCmd(configPath *string) *cobra.Command {
	var dryRun, once bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the orchestrator poll loop",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, secrets, err := setup(*configPath)
			if err != nil {
				return err
			}
			observability.InitMetrics()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if secrets.OTLPEndpoint != "" {
				shutdown, terr := observability.SetupTracing(secrets.OTLPEndpoint, "agent-runner")
				if terr != nil {
					slog.Warn("tracing setup failed", slog.Any("error", terr))
				} else {
					defer func() {
						flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
						defer cancel()
						_ = shutdown(flushCtx)
					}()
				}
			}

			runner, err := app.NewRunner(ctx, cfg, secrets, app.Options{DryRun: dryRun, Once: once})
			if err != nil {
				return err
			}
			slog.Info("orchestrator starting",
				slog.String("owner", cfg.Owner),
				slog.Int("concurrency", cfg.Concurrency),
				slog.Bool("dry_run", dryRun))
			return runner.Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "log intended actions without mutating anything")
	cmd.Flags().BoolVar(&once, "once", false, "run a single reconciliation pass and exit")
	return cmd
}

func statusCmd(configPath *string) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show durable orchestrator state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := setup(*configPath)
			if err != nil {
				return err
			}
			report, err := app.CollectStatus(cfg, time.Now())
			if err != nil {
				return err
			}
			if asJSON {
				return report.WriteJSON(cmd.OutOrStdout())
			}
			return report.WriteText(cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit the report as JSON")
	return cmd
}

func labelsCmd(configPath *string) *cobra.Command {
	var yes bool

	labels := &cobra.Command{
		Use:   "labels",
		Short: "Manage orchestrator labels",
	}
	sync := &cobra.Command{
		Use:   "sync",
		Short: "Create or update the managed labels in every in-scope repository",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, secrets, err := setup(*configPath)
			if err != nil {
				return err
			}
			opts := []github.Option{}
			if secrets.GitHubAPIURL != "" {
				opts = append(opts, github.WithBaseURL(secrets.GitHubAPIURL))
			}
			platform := github.New(secrets.PlatformToken(), opts...)

			repos := make([]string, 0, len(cfg.Repos.Names))
			for _, name := range cfg.Repos.Names {
				repos = append(repos, cfg.Owner+"/"+name)
			}
			if cfg.Repos.All {
				all, lerr := platform.ListOwnerRepos(cmd.Context(), cfg.Owner)
				if lerr != nil {
					return lerr
				}
				repos = all
			}
			excluded := map[string]bool{}
			for _, name := range cfg.ExcludeRepos {
				excluded[cfg.Owner+"/"+name] = true
			}
			kept := repos[:0]
			for _, repo := range repos {
				if !excluded[repo] {
					kept = append(kept, repo)
				}
			}
			if !yes {
				fmt.Fprintf(cmd.OutOrStdout(), "would sync %d labels across %d repositories; re-run with --yes to apply\n",
					len(app.LabelCatalog(cfg.Labels)), len(kept))
				for _, repo := range kept {
					fmt.Fprintln(cmd.OutOrStdout(), "  "+repo)
				}
				return nil
			}
			return app.SyncLabels(cmd.Context(), platform, cfg.Labels, kept)
		},
	}
	sync.Flags().BoolVar(&yes, "yes", false, "apply without the confirmation listing")
	labels.AddCommand(sync)
	return labels
}

func stopCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Ask a running orchestrator to drain and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := setup(*configPath)
			if err != nil {
				return err
			}
			dir, err := state.NewDir(cfg.StateDir())
			if err != nil {
				return err
			}
			if err := dir.RequestStop(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "stop requested; the runner drains after its current tick")
			return nil
		},
	}
}

func pruneCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Apply the log retention policy now",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, _, err := setup(*configPath)
			if err != nil {
				return err
			}
			return app.NewMaintenance(cfg.LogMaintenance, cfg.LogsDir()).Run(time.Now())
		},
	}
}
