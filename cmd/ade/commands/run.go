package commands

import (
	"github.com/spf13/cobra"

	"github.com/tabulist/ade/dispatch"
)

var (
	runBuildIDFlag  string
	runSheetsFlag   []string
	runDryRunFlag   bool
	runValidateFlag bool
)

// RunCmd submits a run against an active build and prints its event
// stream as NDJSON.
var RunCmd = &cobra.Command{
	Use:   "run <document-id>",
	Short: "Execute a document inside an active build's environment",
	Long: `Submit a run for a document against an active build and stream
its events to stdout as NDJSON until the terminal completed event.

Examples:
  ade run doc_42 --build bld_abc123
  ade run doc_42 --build bld_abc123 --sheet Q1 --sheet Q2 --dry-run`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	RunCmd.Flags().StringVar(&runBuildIDFlag, "build", "", "Build whose environment to run in (required)")
	RunCmd.Flags().StringArrayVar(&runSheetsFlag, "sheet", nil, "Restrict processing to named sheets (repeatable)")
	RunCmd.Flags().BoolVar(&runDryRunFlag, "dry-run", false, "Detect and map without writing outputs")
	RunCmd.Flags().BoolVar(&runValidateFlag, "validate-only", false, "Validate the document without transforming")
	RunCmd.MarkFlagRequired("build")
}

func runRun(cmd *cobra.Command, args []string) error {
	s, err := buildStack()
	if err != nil {
		return err
	}
	defer s.close()

	s.dispatcher.Start()
	defer s.dispatcher.Stop()

	_, stream, err := s.dispatcher.SubmitRun(dispatch.RunSubmission{
		BuildID:         runBuildIDFlag,
		InputDocumentID: args[0],
		SheetNames:      runSheetsFlag,
		DryRun:          runDryRunFlag,
		ValidateOnly:    runValidateFlag,
	})
	if err != nil {
		return err
	}

	return printStream(cmd, stream)
}
