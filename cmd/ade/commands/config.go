package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tabulist/ade/config"
)

// ConfigCmd shows the effective configuration.
var ConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
	Long: `Print the configuration after defaults, the project config file,
and environment variables have been applied.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		jsonOutput, _ := cmd.Flags().GetBool("json")
		if jsonOutput {
			data, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		}

		out := cmd.OutOrStdout()
		if path := config.ConfigFilePath(); path != "" {
			fmt.Fprintf(out, "Config file:      %s\n", path)
		} else {
			fmt.Fprintln(out, "Config file:      (none, defaults + environment)")
		}
		fmt.Fprintf(out, "Database path:    %s\n", cfg.Database.Path)
		fmt.Fprintf(out, "Storage root:     %s\n", cfg.Storage.Root)
		fmt.Fprintf(out, "Engine:           %s\n", cfg.Engine.Spec)
		fmt.Fprintf(out, "Max concurrency:  %d\n", cfg.Worker.MaxConcurrency)
		fmt.Fprintf(out, "Queue size:       %d\n", cfg.Worker.QueueSize)
		fmt.Fprintf(out, "Job timeout:      %ds\n", cfg.Worker.JobTimeoutSeconds)
		fmt.Fprintf(out, "Worker limits:    cpu=%ds mem=%dMB fsize=%dMB\n",
			cfg.Worker.CPUSeconds, cfg.Worker.MemoryMB, cfg.Worker.FileSizeMB)
		fmt.Fprintf(out, "Safe mode:        %v\n", cfg.SafeMode)
		return nil
	},
}

func init() {
	ConfigCmd.Flags().BoolP("json", "j", false, "Output configuration as JSON")
}
