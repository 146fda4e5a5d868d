package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"coaching-sim/internal/repository/postgres"
	"coaching-sim/internal/scenario"
)

var version = "dev" // set via ldflags at build time

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "simctl",
		Short:         "Operate the coached simulation service",
		Version:       version,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.AddCommand(newMigrateCmd(), newScenariosCmd(), newProgressCmd())
	return root
}

func addDSNFlag(cmd *cobra.Command, dsn *string) {
	cmd.Flags().StringVar(dsn, "dsn", "", "PostgreSQL connection string (defaults to $DATABASE_URL)")
}

func resolveDSN(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		return v, nil
	}
	return "", errors.New("no database: pass --dsn or set DATABASE_URL")
}

func openStore(ctx context.Context, dsnFlag string) (*postgres.Store, error) {
	dsn, err := resolveDSN(dsnFlag)
	if err != nil {
		return nil, err
	}
	return postgres.Open(ctx, dsn)
}

func newMigrateCmd() *cobra.Command {
	var dsn string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the PostgreSQL schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStore(cmd.Context(), dsn)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Schema is up to date.")
			return nil
		},
	}
	addDSNFlag(cmd, &dsn)
	return cmd
}

func newScenariosCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scenarios",
		Short: "Inspect a scenario catalog file",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate <catalog.yaml>",
		Short: "Check a catalog for schema and content errors",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := scenario.Load(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d scenario(s) OK\n", args[0], len(c.List()))
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list <catalog.yaml>",
		Short: "List the scenarios in a catalog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := scenario.Load(args[0])
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "CODE\tLEVEL\tDOMAIN\tMIN\tCOMPETENCIES\tTITLE")
			for _, s := range c.List() {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
					s.Code, s.Level, s.Domain, s.DurationMin, strings.Join(s.Competencies, ","), s.TitleEN)
			}
			return w.Flush()
		},
	})
	return cmd
}

func newProgressCmd() *cobra.Command {
	var dsn string
	cmd := &cobra.Command{
		Use:   "progress <learner-id>",
		Short: "Show a learner's competency progress (PostgreSQL backend)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd.Context(), dsn)
			if err != nil {
				return err
			}
			defer store.Close()

			recs, err := store.ListProgress(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No progress recorded.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "COMPETENCY\tCURRENT\tBEST\tSESSIONS")
			for _, r := range recs {
				fmt.Fprintf(w, "%s\t%d\t%d\t%d\n", r.Competency.Key(), r.CurrentLevel, r.BestScore, r.TotalSessions)
			}
			return w.Flush()
		},
	}
	addDSNFlag(cmd, &dsn)
	return cmd
}
