package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/harrison/taskflow/internal/decomposer"
	"github.com/harrison/taskflow/internal/models"
	"github.com/harrison/taskflow/internal/planner"
)

// NewValidateCommand creates and returns the validate subcommand
func NewValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <plan-file-or-directory>...",
		Short: "Validate one or more plan files or directories",
		Long: `Parse and validate plan files without storing anything, checking for:
  - A title and at least one step in every task
  - Known action types with well-formed action params
  - Positive, unique step numbers
  - Priorities and retry budgets in range
  - Sub-tasks nested no deeper than the engine allows

Directories are searched recursively for *.md, *.yaml, *.yml and *.json files.

Exit code: 0 if valid, 1 if errors found`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return validatePlanFiles(args, cmd.OutOrStdout())
		},
	}

	return cmd
}

// validatePlanFiles validates each plan file named by paths, expanding
// directories, and writes a report to output
func validatePlanFiles(paths []string, output io.Writer) error {
	files, err := collectPlanFiles(paths)
	if err != nil {
		return err
	}

	// Validation does not touch the store
	d := decomposer.New(nil, models.DefaultMaxRetries)
	ok := color.New(color.FgGreen).SprintFunc()
	bad := color.New(color.FgRed).SprintFunc()

	invalid := 0
	for _, file := range files {
		name := filepath.Base(file)
		pf, err := planner.ParseFile(file)
		if err == nil {
			err = d.Validate(pf.Plan)
		}
		if err != nil {
			invalid++
			fmt.Fprintf(output, "%s %s\n", bad("✗"), name)
			var planErr *decomposer.PlanError
			if errors.As(err, &planErr) {
				for _, p := range planErr.Problems {
					fmt.Fprintf(output, "    - %s\n", p)
				}
			} else {
				fmt.Fprintf(output, "    %v\n", err)
			}
			continue
		}
		fmt.Fprintf(output, "%s %s: %s (%d steps, %d sub-tasks)\n",
			ok("✓"), name, pf.Plan.Title, len(pf.Plan.Steps), pf.Plan.CountTasks()-1)
	}

	if invalid > 0 {
		return fmt.Errorf("%d of %d plan files invalid", invalid, len(files))
	}
	fmt.Fprintf(output, "\nAll %d plan files valid\n", len(files))
	return nil
}

// collectPlanFiles expands directories into the plan files they contain.
// Files named explicitly are kept whatever their extension so that an
// unsupported format is reported rather than skipped.
func collectPlanFiles(paths []string) ([]string, error) {
	var files []string
	seen := make(map[string]bool)
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			files = append(files, p)
		}
	}

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("failed to access path: %w", err)
		}
		if !info.IsDir() {
			add(path)
			continue
		}
		matches, err := doublestar.Glob(os.DirFS(path), "**/"+planner.DefaultPattern, doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("failed to scan directory %s: %w", path, err)
		}
		sort.Strings(matches)
		for _, m := range matches {
			add(filepath.Join(path, filepath.FromSlash(m)))
		}
	}

	if len(files) == 0 {
		return nil, fmt.Errorf("no plan files found")
	}
	return files, nil
}
