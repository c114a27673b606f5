package main

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ninakahr/greenlight/internal/workflow"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <path>...",
		Short: "Validate workflow files",
		Long: `Validate parses workflow files and reports every problem it finds.
Directories are searched for *.yml and *.yaml files. The exit code is
nonzero when any file is invalid.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			invalid, err := validatePaths(cmd.OutOrStdout(), args)
			if err != nil {
				return err
			}
			if invalid > 0 {
				return fmt.Errorf("%d invalid workflow file(s)", invalid)
			}
			return nil
		},
	}
}

// validatePaths checks each path, walking directories for workflow
// files. Findings go to w; the returned count is how many files failed.
// The error covers I/O problems only, not validation findings.
func validatePaths(w io.Writer, paths []string) (invalid int, err error) {
	files, err := collectWorkflowFiles(paths)
	if err != nil {
		return 0, err
	}
	if len(files) == 0 {
		return 0, fmt.Errorf("no workflow files found under %s", strings.Join(paths, ", "))
	}
	for _, f := range files {
		def, err := workflow.ParseFile(f)
		if err == nil {
			err = def.Validate()
		}
		if err != nil {
			invalid++
			fmt.Fprintf(w, "%s: %v\n", f, err)
			continue
		}
		fmt.Fprintf(w, "%s: ok (workflow %q, %d jobs)\n", f, def.Name, len(def.Jobs))
	}
	return invalid, nil
}

func collectWorkflowFiles(paths []string) ([]string, error) {
	var files []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		walkErr := filepath.WalkDir(p, func(sub string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}
			if ext := filepath.Ext(sub); ext == ".yaml" || ext == ".yml" {
				files = append(files, sub)
			}
			return nil
		})
		if walkErr != nil {
			return nil, walkErr
		}
	}
	return files, nil
}
