package commands

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tabulist/ade/dispatch"
	"github.com/tabulist/ade/errors"
	"github.com/tabulist/ade/event"
)

var (
	buildConfigIDFlag string
	buildForceFlag    bool
)

// BuildCmd submits a build for a local configuration package directory
// and prints its event stream as NDJSON.
var BuildCmd = &cobra.Command{
	Use:   "build <package-dir>",
	Short: "Build an environment for a local configuration package",
	Long: `Read a configuration package from a local directory, submit a
build, and stream its events to stdout as NDJSON until the terminal
completed event.

Examples:
  ade build ./my-config
  ade build ./my-config --config-id acme-quarterly --force`,
	Args: cobra.ExactArgs(1),
	RunE: runBuild,
}

func init() {
	BuildCmd.Flags().StringVar(&buildConfigIDFlag, "config-id", "", "Configuration identifier (defaults to the directory name)")
	BuildCmd.Flags().BoolVar(&buildForceFlag, "force", false, "Rebuild even when a matching environment exists")
}

func runBuild(cmd *cobra.Command, args []string) error {
	packageDir := args[0]
	configID := buildConfigIDFlag
	if configID == "" {
		configID = filepath.Base(filepath.Clean(packageDir))
	}

	files, err := readPackageDir(packageDir)
	if err != nil {
		return err
	}

	s, err := buildStack()
	if err != nil {
		return err
	}
	defer s.close()

	s.dispatcher.Start()
	defer s.dispatcher.Stop()

	_, stream, err := s.dispatcher.SubmitBuild(dispatch.BuildSubmission{
		ConfigID: configID,
		Files:    files,
		Force:    buildForceFlag,
	})
	if err != nil {
		return err
	}

	return printStream(cmd, stream)
}

// readPackageDir loads every regular file under dir, keyed by its
// slash-separated relative path.
func readPackageDir(dir string) (map[string][]byte, error) {
	files := make(map[string][]byte)
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if strings.HasPrefix(info.Name(), ".") && path != dir {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(info.Name(), ".") {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		files[filepath.ToSlash(rel)] = content
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read package directory %s", dir)
	}
	if len(files) == 0 {
		return nil, errors.Newf("package directory %s contains no files", dir)
	}
	return files, nil
}

// printStream writes a job's events to stdout as NDJSON until the
// stream terminates.
func printStream(cmd *cobra.Command, stream *event.Stream) error {
	for ev := range stream.Events() {
		if err := event.WriteNDJSON(cmd.OutOrStdout(), ev); err != nil {
			return err
		}
	}
	return nil
}
