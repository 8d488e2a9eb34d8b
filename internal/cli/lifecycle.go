package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rasheedb1/cadence/internal/model"
)

// NewActivateCommand creates the activate command.
func NewActivateCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "activate <cadence-dir> <cadence-id>",
		Short: "Store a cadence definition and activate it",
		Long: `Load a cadence from CUE, save it for --org/--owner and activate it.
Activation is refused when the graph fails integrity checks; the stored
definition then stays a draft.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runActivate(cmd.Context(), rootOpts, args[0], args[1], cmd)
		},
	}
}

func runActivate(ctx context.Context, opts *RootOptions, dir, cadenceID string, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	formatter := opts.formatter(cmd)
	scope, err := opts.Scope()
	if err != nil {
		return err
	}

	loaded, loadErrs := LoadCadences(dir, LoadModeFailFast)
	if loaded == nil || len(loadErrs) > 0 {
		return outputLoadErrors(formatter, loaded == nil, loadErrs)
	}
	c, ok := loaded.Cadence(cadenceID)
	if !ok {
		msg := fmt.Sprintf("cadence %q not found (have %s)", cadenceID, strings.Join(loaded.IDs(), ", "))
		_ = formatter.Error(ErrCodeNotFound, msg, nil)
		return NewExitError(ExitCommandError, msg)
	}

	a, err := openApp(opts)
	if err != nil {
		return err
	}
	defer a.Close()

	c.OwnerID, c.OrgID = scope.OwnerID, scope.OrgID
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	if err := a.store.SaveCadence(ctx, c); err != nil {
		return reportRuntimeError(formatter, err)
	}
	active, err := a.engine.Activate(ctx, scope, cadenceID)
	if err != nil {
		return reportRuntimeError(formatter, err)
	}
	return formatter.Success(active, func(w io.Writer) {
		fmt.Fprintf(w, "✓ %s active (graph version %d, %d steps)\n", active.ID, active.Graph.Version, len(active.Graph.Nodes))
	})
}

type enrollOptions struct {
	email    string
	timezone string
	attrs    []string
}

// NewEnrollCommand creates the enroll command.
func NewEnrollCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &enrollOptions{}
	cmd := &cobra.Command{
		Use:   "enroll <cadence-id> <lead-id>",
		Short: "Upsert a lead and enroll it in an active cadence",
		Long: `Save the lead's contact details and attributes, then enroll it and
schedule its first step. Enrolling a lead twice is a no-op.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnroll(cmd.Context(), rootOpts, opts, args[0], args[1], cmd)
		},
	}
	cmd.Flags().StringVar(&opts.email, "email", "", "lead email")
	cmd.Flags().StringVar(&opts.timezone, "tz", "", "lead IANA timezone")
	cmd.Flags().StringArrayVar(&opts.attrs, "attr", nil, "lead attribute key=value; JSON values are decoded")
	return cmd
}

func runEnroll(ctx context.Context, rootOpts *RootOptions, opts *enrollOptions, cadenceID, leadID string, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	formatter := rootOpts.formatter(cmd)
	scope, err := rootOpts.Scope()
	if err != nil {
		return err
	}
	attrs, err := ParseAttributes(opts.attrs)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --attr", err)
	}

	a, err := openApp(rootOpts)
	if err != nil {
		return err
	}
	defer a.Close()

	lead := model.Lead{
		ID:         leadID,
		OwnerID:    scope.OwnerID,
		OrgID:      scope.OrgID,
		Email:      opts.email,
		Timezone:   opts.timezone,
		Attributes: attrs,
	}
	if err := a.store.SaveLead(ctx, lead); err != nil {
		return reportRuntimeError(formatter, err)
	}
	res, err := a.engine.Enroll(ctx, scope, cadenceID, leadID)
	if err != nil {
		return reportRuntimeError(formatter, err)
	}
	return formatter.Success(res, func(w io.Writer) {
		enr := res.Enrollment
		switch {
		case res.NoOp:
			fmt.Fprintf(w, "lead %s already enrolled (%s, %s)\n", leadID, enr.ID, enr.Status)
		case res.Entry != nil:
			fmt.Fprintf(w, "✓ enrolled %s: %s scheduled for %s\n", enr.ID, res.Entry.StepID, res.Entry.ScheduledAt.Format(time.RFC3339))
		default:
			fmt.Fprintf(w, "✓ enrolled %s (%s)\n", enr.ID, enr.Status)
		}
	})
}

type tickOptions struct {
	limit int
}

// TickSummary reports one delay pass.
type TickSummary struct {
	Processed int      `json:"processed"`
	Advanced  int      `json:"advanced"`
	Errors    []string `json:"errors,omitempty"`
}

// NewTickCommand creates the tick command.
func NewTickCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &tickOptions{}
	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Resolve due delay steps once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTick(cmd.Context(), rootOpts, opts, cmd)
		},
	}
	cmd.Flags().IntVar(&opts.limit, "limit", 100, "maximum delay entries to resolve")
	return cmd
}

func runTick(ctx context.Context, rootOpts *RootOptions, opts *tickOptions, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	formatter := rootOpts.formatter(cmd)
	a, err := openApp(rootOpts)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.engine.Tick(ctx, opts.limit)
	if err != nil {
		return reportRuntimeError(formatter, err)
	}
	summary := TickSummary{Processed: res.Processed, Advanced: len(res.Advanced)}
	for _, e := range res.Errors {
		summary.Errors = append(summary.Errors, e.Error())
	}
	if err := formatter.Success(summary, func(w io.Writer) {
		fmt.Fprintf(w, "resolved %d delay(s), advanced %d lead(s)\n", summary.Processed, summary.Advanced)
		for _, e := range summary.Errors {
			fmt.Fprintf(w, "  - %s\n", e)
		}
	}); err != nil {
		return err
	}
	if len(res.Errors) > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d delay(s) failed", len(res.Errors)))
	}
	return nil
}
