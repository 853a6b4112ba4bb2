// stevectl is the operator CLI for steve job tables: schema management, job
// submission and inspection, cleanup, and health checks.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/marianmeres/steve"
	"github.com/marianmeres/steve/internal/pgconnect"
)

type ctlConfig struct {
	DSN         string `yaml:"dsn"`
	TablePrefix string `yaml:"table_prefix"`
}

var (
	flagConfig string
	flagDSN    string
	flagPrefix string
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "stevectl:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "stevectl",
		Short:         "Operate steve job tables",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "path to a YAML config file")
	root.PersistentFlags().StringVar(&flagDSN, "dsn", "", "PostgreSQL connection string (overrides config and STEVE_POSTGRES_URL)")
	root.PersistentFlags().StringVar(&flagPrefix, "prefix", "", "table name prefix, may carry a schema qualifier")

	root.AddCommand(
		initCmd(),
		uninstallCmd(),
		createCmd(),
		listCmd(),
		showCmd(),
		cleanupCmd(),
		healthCmd(),
	)
	return root
}

// loadConfig merges the config file, environment, and flags, flags winning.
func loadConfig() (ctlConfig, error) {
	cfg := ctlConfig{DSN: os.Getenv("STEVE_POSTGRES_URL")}

	if flagConfig != "" {
		raw, err := os.ReadFile(flagConfig)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	if flagDSN != "" {
		cfg.DSN = flagDSN
	}
	if flagPrefix != "" {
		cfg.TablePrefix = flagPrefix
	}
	if cfg.DSN == "" {
		return cfg, errors.New("no connection string: use --dsn, a config file, or STEVE_POSTGRES_URL")
	}
	return cfg, nil
}

// withManager connects, builds a manager, runs fn, and tears down.
func withManager(cmd *cobra.Command, fn func(ctx context.Context, mgr *steve.Manager, pool *pgxpool.Pool) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	pool, err := pgconnect.Connect(ctx, pgconnect.PoolConfig{DSN: cfg.DSN, MaxConns: 2, MinConns: 1})
	if err != nil {
		return err
	}
	defer pool.Close()

	mgr, err := steve.New(steve.Config{
		Pool:                    pool,
		TablePrefix:             cfg.TablePrefix,
		DisableGracefulShutdown: true,
	})
	if err != nil {
		return err
	}
	return fn(ctx, mgr, pool)
}

func initCmd() *cobra.Command {
	var hard bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the job tables and indexes (idempotent)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withManager(cmd, func(ctx context.Context, mgr *steve.Manager, _ *pgxpool.Pool) error {
				if hard {
					if err := mgr.ResetHard(ctx); err != nil {
						return err
					}
					fmt.Println("schema reset and recreated")
					return nil
				}
				// Any read triggers the lazy schema init.
				if _, err := mgr.List(ctx, steve.ListParams{Limit: 1}); err != nil {
					return err
				}
				fmt.Println("schema initialized")
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&hard, "hard", false, "drop existing tables first, discarding all jobs")
	return cmd
}

func uninstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Drop both job tables",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withManager(cmd, func(ctx context.Context, mgr *steve.Manager, _ *pgxpool.Pool) error {
				if err := mgr.Uninstall(ctx); err != nil {
					return err
				}
				fmt.Println("tables dropped")
				return nil
			})
		},
	}
}

func createCmd() *cobra.Command {
	var (
		payloadJSON string
		maxAttempts int32
		backoff     string
		timeout     time.Duration
		runAt       string
	)
	cmd := &cobra.Command{
		Use:   "create TYPE",
		Short: "Submit a new job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := steve.CreateParams{
				Type:               args[0],
				MaxAttempts:        maxAttempts,
				Backoff:            steve.BackoffStrategy(backoff),
				MaxAttemptDuration: timeout,
			}
			if payloadJSON != "" {
				if err := json.Unmarshal([]byte(payloadJSON), &params.Payload); err != nil {
					return fmt.Errorf("invalid payload: %w", err)
				}
			}
			if runAt != "" {
				t, err := time.Parse(time.RFC3339, runAt)
				if err != nil {
					return fmt.Errorf("invalid run-at, want RFC3339: %w", err)
				}
				params.RunAt = &t
			}
			return withManager(cmd, func(ctx context.Context, mgr *steve.Manager, _ *pgxpool.Pool) error {
				job, err := mgr.CreateJob(ctx, params)
				if err != nil {
					return err
				}
				return printJSON(job)
			})
		},
	}
	cmd.Flags().StringVarP(&payloadJSON, "payload", "p", "", "job payload as a JSON object")
	cmd.Flags().Int32Var(&maxAttempts, "max-attempts", 0, "attempt limit (default 3)")
	cmd.Flags().StringVar(&backoff, "backoff", "", `retry backoff strategy: "none" or "exp" (default "exp")`)
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "per-attempt deadline, 0 means none")
	cmd.Flags().StringVar(&runAt, "run-at", "", "earliest eligible time, RFC3339")
	return cmd
}

func listCmd() *cobra.Command {
	var (
		statuses []string
		limit    int
		offset   int
		asc      bool
		sinceMin int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			params := steve.ListParams{
				Limit:        limit,
				Offset:       offset,
				Ascending:    asc,
				SinceMinutes: sinceMin,
			}
			for _, s := range statuses {
				params.Statuses = append(params.Statuses, steve.Status(s))
			}
			return withManager(cmd, func(ctx context.Context, mgr *steve.Manager, _ *pgxpool.Pool) error {
				jobs, err := mgr.List(ctx, params)
				if err != nil {
					return err
				}
				for _, job := range jobs {
					fmt.Printf("%s  %-9s  %-20s  attempts=%d/%d  run_at=%s\n",
						job.UID, job.Status, job.Type, job.Attempts, job.MaxAttempts,
						job.RunAt.Format(time.RFC3339))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "filter by status (repeatable)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	cmd.Flags().IntVar(&offset, "offset", 0, "rows to skip")
	cmd.Flags().BoolVar(&asc, "asc", false, "oldest first")
	cmd.Flags().IntVar(&sinceMin, "since", 0, "only jobs created in the last N minutes")
	return cmd
}

func showCmd() *cobra.Command {
	var withAttempts bool
	cmd := &cobra.Command{
		Use:   "show UID",
		Short: "Show one job by UID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, func(ctx context.Context, mgr *steve.Manager, _ *pgxpool.Pool) error {
				job, attempts, err := mgr.Find(ctx, args[0], withAttempts)
				if err != nil {
					return err
				}
				if job == nil {
					return fmt.Errorf("no job with uid %s", args[0])
				}
				if err := printJSON(job); err != nil {
					return err
				}
				if withAttempts {
					return printJSON(attempts)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&withAttempts, "attempts", false, "include the attempt log")
	return cmd
}

func cleanupCmd() *cobra.Command {
	var maxRunning time.Duration
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Expire jobs stuck in running state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			pool, err := pgconnect.Connect(ctx, pgconnect.PoolConfig{DSN: cfg.DSN, MaxConns: 2, MinConns: 1})
			if err != nil {
				return err
			}
			defer pool.Close()

			mgr, err := steve.New(steve.Config{
				Pool:                    pool,
				TablePrefix:             cfg.TablePrefix,
				CleanupMaxRunning:       maxRunning,
				DisableGracefulShutdown: true,
			})
			if err != nil {
				return err
			}
			count, err := mgr.Cleanup(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("expired %d job(s)\n", count)
			return nil
		},
	}
	cmd.Flags().DurationVar(&maxRunning, "max-running", steve.DefaultCleanupMaxRunning,
		"running-time threshold after which a job counts as stuck")
	return cmd
}

func healthCmd() *cobra.Command {
	var since time.Duration
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Probe connectivity and summarize recent jobs by status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withManager(cmd, func(ctx context.Context, mgr *steve.Manager, _ *pgxpool.Pool) error {
				db := mgr.CheckDBHealth(ctx)
				if !db.Healthy {
					return fmt.Errorf("database unhealthy: %s", db.Error)
				}
				fmt.Printf("database: %s, latency %s\n", db.ServerVersion, db.Latency)

				rows, err := mgr.HealthPreview(ctx, since)
				if err != nil {
					return err
				}
				if len(rows) == 0 {
					fmt.Println("no jobs in window")
					return nil
				}
				for _, r := range rows {
					avg := "-"
					if r.AvgDurationSeconds != nil {
						avg = fmt.Sprintf("%.2fs", *r.AvgDurationSeconds)
					}
					fmt.Printf("%-10s  count=%-6d  avg_duration=%s\n", r.Status, r.Count, avg)
				}
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&since, "since", time.Hour, "aggregation window")
	return cmd
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
