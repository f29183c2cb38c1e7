package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tabulist/ade/cmd/ade/commands"
	"github.com/tabulist/ade/logger"
)

var rootCmd = &cobra.Command{
	Use:   "ade",
	Short: "ADE - analyst document engine orchestration core",
	Long: `ADE builds reproducible execution environments for configuration
packages and runs document-processing jobs inside them as sandboxed,
resource-limited subprocesses.

Available commands:
  serve   - Start the API server and worker pool
  build   - Build an environment for a local configuration package
  run     - Execute a document inside an active build's environment
  db      - Manage the ADE database
  config  - Show the effective configuration
  version - Show version information

Examples:
  ade serve                          # Start API server + workers
  ade build ./my-config              # Build from a local package directory
  ade run --build bld_abc doc_42     # Process a document
  ade db migrate                     # Apply pending migrations`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonOutput, _ := cmd.Flags().GetBool("json-logs")
		if verbosity > 0 {
			return logger.InitializeWithLevel(logger.VerbosityToLevel(verbosity))
		}
		if err := logger.Initialize(jsonOutput); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit logs as JSON")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.BuildCmd)
	rootCmd.AddCommand(commands.RunCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.ConfigCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
