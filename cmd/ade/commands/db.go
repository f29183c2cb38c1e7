package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// DbCmd groups database management subcommands.
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the ADE database",
	Long: `Manage database operations: migrations and statistics.

Examples:
  ade db migrate    # Apply pending migrations
  ade db stats      # Show build/run/environment counts`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, database, err := openDatabase()
		if err != nil {
			return err
		}
		defer database.Close()
		fmt.Fprintln(cmd.OutOrStdout(), "Migrations up to date")
		return nil
	},
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show database statistics",
	RunE:  runDbStats,
}

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
}

func runDbStats(cmd *cobra.Command, args []string) error {
	cfg, database, err := openDatabase()
	if err != nil {
		return err
	}
	defer database.Close()

	var builds, runs, envs int
	if err := database.QueryRow("SELECT COUNT(*) FROM builds").Scan(&builds); err != nil {
		return err
	}
	if err := database.QueryRow("SELECT COUNT(*) FROM runs").Scan(&runs); err != nil {
		return err
	}
	if err := database.QueryRow("SELECT COUNT(*) FROM environments").Scan(&envs); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Database Statistics")
	fmt.Fprintln(out, "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Fprintf(out, "Database Path: %s\n", cfg.Database.Path)
	fmt.Fprintf(out, "Builds:        %d\n", builds)
	fmt.Fprintf(out, "Runs:          %d\n", runs)
	fmt.Fprintf(out, "Environments:  %d\n", envs)

	// status breakdowns
	for _, table := range []string{"builds", "runs"} {
		rows, err := database.Query(
			fmt.Sprintf("SELECT status, COUNT(*) FROM %s GROUP BY status ORDER BY status", table))
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "\n%s by status:\n", table)
		for rows.Next() {
			var status string
			var count int
			if err := rows.Scan(&status, &count); err != nil {
				rows.Close()
				return err
			}
			fmt.Fprintf(out, "  %-10s %d\n", status, count)
		}
		rows.Close()
	}
	return nil
}
