// Package main is the offline engine command-line tool. It opens the same
// engine a host app embeds and exposes its operations for scripting and
// diagnostics.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/studysync/offlinecore/internal/app"
	"github.com/studysync/offlinecore/internal/config"
	"github.com/studysync/offlinecore/internal/logging"
	"github.com/studysync/offlinecore/internal/metrics"
	"github.com/studysync/offlinecore/internal/sync/scheduler"
)

// Version is set at build time.
var Version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type rootFlags struct {
	envFile string
	dataDir string
}

// openFunc builds the app for a command. Tests replace it.
var openFunc = func(ctx context.Context, cfg *config.Config) (*app.App, error) {
	return app.Open(ctx, cfg)
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:   "offlinecore",
		Short: "Offline cache and sync engine",
		Long: `offlinecore runs the offline engine against a local data directory.

Examples:
  offlinecore status --owner u1
  offlinecore sync --owner u1 --token $TOKEN --retain 50
  offlinecore enqueue --owner u1 --type submit_answer --payload '{"answer":"B"}'
  offlinecore drain --owner u1 --token $TOKEN`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.envFile, "env-file", ".env", "Optional .env file")
	root.PersistentFlags().StringVar(&flags.dataDir, "data-dir", "", "Data directory (overrides OFFLINE_DATA_DIR)")

	root.AddCommand(
		newStatusCmd(flags),
		newSyncCmd(flags),
		newDrainCmd(flags),
		newEnqueueCmd(flags),
		newCleanupCmd(flags),
		newClearCmd(flags),
		newRunCmd(flags),
	)
	return root
}

func loadConfig(flags *rootFlags) (*config.Config, error) {
	cfg, err := config.Load(flags.envFile)
	if err != nil {
		return nil, err
	}
	if flags.dataDir != "" {
		cfg.DataDir = flags.dataDir
	}
	return cfg, nil
}

// withApp loads config, sets up logging and runs fn against an open app.
func withApp(cmd *cobra.Command, flags *rootFlags, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.LogMode, logging.ParseLevel(cfg.LogLevel))
	if err != nil {
		return err
	}
	logging.Init(logger)
	defer logger.Sync()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := openFunc(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newStatusCmd(flags *rootFlags) *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show connectivity, store, cache and queue status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app.App) error {
				if owner != "" {
					a.SetSession(owner, "", scheduler.TierLimits{})
				}
				return printJSON(cmd, a.Status(ctx))
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "User whose records and cursor to report")
	return cmd
}

func newSyncCmd(flags *rootFlags) *cobra.Command {
	var (
		owner, token string
		retain       int
		quota        int64
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Pull recent solutions into the local store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app.App) error {
				a.SetSession(owner, token, scheduler.TierLimits{RetentionCount: retain, CacheByteQuota: quota})
				result, err := a.Scheduler.SyncNow(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, result)
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "User to sync")
	cmd.Flags().StringVar(&token, "token", "", "Bearer token for the history API")
	cmd.Flags().IntVar(&retain, "retain", 0, "Maximum solutions kept for the user (0 keeps all)")
	cmd.Flags().Int64Var(&quota, "quota", 0, "Blob cache byte quota (0 is unlimited)")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newDrainCmd(flags *rootFlags) *cobra.Command {
	var owner, token string
	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Deliver queued actions to the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app.App) error {
				a.SetSession(owner, token, scheduler.TierLimits{})
				result, err := a.Scheduler.DrainNow(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd, result)
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "User whose actions to deliver")
	cmd.Flags().StringVar(&token, "token", "", "Bearer token for the actions API")
	_ = cmd.MarkFlagRequired("owner")
	return cmd
}

func newEnqueueCmd(flags *rootFlags) *cobra.Command {
	var owner, actionType, payload string
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue an action for later delivery",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app.App) error {
				action, err := a.Queue.Enqueue(ctx, owner, actionType, []byte(payload))
				if err != nil {
					return err
				}
				return printJSON(cmd, action)
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "User the action belongs to")
	cmd.Flags().StringVar(&actionType, "type", "", "Action type (submit_answer, complete_quiz, mark_solution_viewed)")
	cmd.Flags().StringVar(&payload, "payload", "", "JSON payload")
	_ = cmd.MarkFlagRequired("owner")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func newCleanupCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Expire old records, prune delivered actions and reconcile the blob cache",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app.App) error {
				result, err := a.Scheduler.RunMaintenance(ctx)
				if result != nil {
					if perr := printJSON(cmd, result); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	}
}

func newClearCmd(flags *rootFlags) *cobra.Command {
	var owner string
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove cached data for one user, or everything",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app.App) error {
				if owner == "" {
					if err := a.ClearAll(ctx); err != nil {
						return err
					}
					return printJSON(cmd, map[string]interface{}{"cleared": "all"})
				}
				n, err := a.ClearOwner(ctx, owner)
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]interface{}{"cleared": owner, "deleted": n})
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "Only clear this user's data")
	return cmd
}

func newRunCmd(flags *rootFlags) *cobra.Command {
	var owner, token, metricsAddr string
	var retain int
	var quota int64
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the background scheduler until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, flags, func(ctx context.Context, a *app.App) error {
				ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()

				if owner != "" {
					a.SetSession(owner, token, scheduler.TierLimits{RetentionCount: retain, CacheByteQuota: quota})
				}

				var srv *http.Server
				if metricsAddr != "" {
					mux := http.NewServeMux()
					mux.Handle("/metrics", metrics.Handler())
					srv = &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
					go func() {
						if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
							logging.Error("Metrics server failed", err, map[string]interface{}{"addr": metricsAddr})
						}
					}()
				}

				a.Start(ctx)
				logging.Info("Scheduler running", map[string]interface{}{"metrics_addr": metricsAddr})
				<-ctx.Done()

				if srv != nil {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "Signed-in user for background sync")
	cmd.Flags().StringVar(&token, "token", "", "Bearer token for the server")
	cmd.Flags().IntVar(&retain, "retain", 0, "Maximum solutions kept for the user (0 keeps all)")
	cmd.Flags().Int64Var(&quota, "quota", 0, "Blob cache byte quota (0 is unlimited)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	return cmd
}
