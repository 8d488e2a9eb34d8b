package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/rasheedb1/cadence/internal/compiler"
)

// CadenceReport is the validation outcome for one cadence.
type CadenceReport struct {
	ID     string                         `json:"id"`
	Steps  int                            `json:"steps"`
	Valid  bool                           `json:"valid"`
	Errors []compiler.GraphIntegrityError `json:"errors,omitempty"`
}

// ValidationResult holds validation results for a cadence directory.
type ValidationResult struct {
	Valid    bool            `json:"valid"`
	Cadences []CadenceReport `json:"cadences"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <cadence-dir>",
		Short: "Check cadence definitions without touching the database",
		Long: `Load every cadence in a CUE directory and run the same graph checks
activation runs: one entry step, well-formed branches, known channels,
no cycles and every step reachable.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}
}

func runValidate(opts *RootOptions, dir string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	loaded, loadErrs := LoadCadences(dir, LoadModeCollectAll)
	if loaded == nil || len(loadErrs) > 0 {
		return outputLoadErrors(formatter, loaded == nil, loadErrs)
	}

	result := ValidateCadences(loaded)
	if err := formatter.Success(result, func(w io.Writer) { printValidation(w, result) }); err != nil {
		return err
	}
	if !result.Valid {
		return NewExitError(ExitFailure, "validation failed")
	}
	return nil
}

// ValidateCadences runs the graph checks over every loaded cadence.
func ValidateCadences(loaded *LoadResult) ValidationResult {
	result := ValidationResult{Valid: true}
	for _, id := range loaded.IDs() {
		c, _ := loaded.Cadence(id)
		g := compiler.Normalize(c.Graph)
		errs := compiler.Validate(g)
		result.Cadences = append(result.Cadences, CadenceReport{
			ID:     id,
			Steps:  len(g.Nodes),
			Valid:  len(errs) == 0,
			Errors: errs,
		})
		if len(errs) > 0 {
			result.Valid = false
		}
	}
	return result
}

func printValidation(w io.Writer, result ValidationResult) {
	for _, c := range result.Cadences {
		if c.Valid {
			fmt.Fprintf(w, "✓ %s (%d steps)\n", c.ID, c.Steps)
			continue
		}
		fmt.Fprintf(w, "✗ %s\n", c.ID)
		for _, e := range c.Errors {
			fmt.Fprintf(w, "  - %s\n", e.Error())
		}
	}
}

// outputLoadErrors reports cadence load failures. fatal means nothing was
// loaded at all, which is a command error rather than an invalid cadence.
func outputLoadErrors(f *OutputFormatter, fatal bool, errs []error) error {
	code, message := ErrCodeGeneric, "failed to load cadences"
	var loadErr *LoadError
	if len(errs) > 0 && errors.As(errs[0], &loadErr) {
		code = loadErr.Code
		if len(errs) == 1 {
			message = loadErr.Error()
		}
	}
	if err := f.Error(code, message, errs); err != nil {
		return err
	}
	exit := ExitFailure
	if fatal {
		exit = ExitCommandError
	}
	return &ExitError{Code: exit, Message: message, Err: errors.Join(errs...)}
}
