// migrate applies or rolls back the embedded staking schema.
//
//	migrate up            apply all pending migrations
//	migrate up-to 1       apply up to and including version 1
//	migrate down          roll back the latest migration
//	migrate down-to 0     roll back everything above version 0
//	migrate status        list migrations and when they were applied
//	migrate version       print the current schema version
package main

import (
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/spf13/cobra"

	"github.com/mbd888/epochstake/internal/logging"
	"github.com/mbd888/epochstake/migrations"
)

func main() {
	_ = godotenv.Load()

	var (
		dsn      string
		provider *goose.Provider
		db       *sql.DB
	)
	logger := logging.New(os.Getenv("LOG_LEVEL"), "text")

	root := &cobra.Command{
		Use:          "migrate",
		Short:        "Manage the epochstake database schema",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if dsn == "" {
				return fmt.Errorf("DATABASE_URL or --database-url is required")
			}
			var err error
			if db, err = sql.Open("postgres", dsn); err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			if err := db.PingContext(cmd.Context()); err != nil {
				return fmt.Errorf("connect to database: %w", err)
			}
			provider, err = migrations.NewProvider(db)
			return err
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if db != nil {
				_ = db.Close()
			}
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().StringVar(&dsn, "database-url", os.Getenv("DATABASE_URL"), "Postgres connection string")

	report := func(results []*goose.MigrationResult) {
		if len(results) == 0 {
			logger.Info("nothing to do")
		}
		for _, r := range results {
			logger.Info("migration applied",
				"version", r.Source.Version,
				"direction", r.Direction,
				"duration", r.Duration.String(),
			)
		}
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: func(cmd *cobra.Command, _ []string) error {
				results, err := provider.Up(cmd.Context())
				report(results)
				return err
			},
		},
		&cobra.Command{
			Use:   "up-to <version>",
			Short: "Apply migrations up to version",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				v, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil {
					return fmt.Errorf("invalid version %q", args[0])
				}
				results, err := provider.UpTo(cmd.Context(), v)
				report(results)
				return err
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the latest migration",
			RunE: func(cmd *cobra.Command, _ []string) error {
				result, err := provider.Down(cmd.Context())
				if result != nil {
					report([]*goose.MigrationResult{result})
				}
				return err
			},
		},
		&cobra.Command{
			Use:   "down-to <version>",
			Short: "Roll back every migration above version",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				v, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil {
					return fmt.Errorf("invalid version %q", args[0])
				}
				results, err := provider.DownTo(cmd.Context(), v)
				report(results)
				return err
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "List migrations and their state",
			RunE: func(cmd *cobra.Command, _ []string) error {
				statuses, err := provider.Status(cmd.Context())
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "VERSION\tSTATE\tAPPLIED AT\tFILE")
				for _, st := range statuses {
					applied := "-"
					if !st.AppliedAt.IsZero() {
						applied = st.AppliedAt.UTC().Format("2006-01-02 15:04:05")
					}
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", st.Source.Version, st.State, applied, st.Source.Path)
				}
				return w.Flush()
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the current schema version",
			RunE: func(cmd *cobra.Command, _ []string) error {
				v, err := provider.GetDBVersion(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), v)
				return nil
			},
		},
	)

	if err := root.Execute(); err != nil {
		logger.Error("migration failed", "error", err)
		os.Exit(1)
	}
}
