package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rasheedb1/cadence/internal/config"
	"github.com/rasheedb1/cadence/internal/engine"
	"github.com/rasheedb1/cadence/internal/model"
	"github.com/rasheedb1/cadence/internal/store"
)

// maxPlanSteps bounds a dry run so a misbehaving graph cannot spin forever.
const maxPlanSteps = 200

var planScope = model.Scope{OrgID: "plan", OwnerID: "plan"}

type planOptions struct {
	start    string
	email    string
	timezone string
	attrs    []string
	outcomes []string
}

// PlanStep is one step on a dry-run path.
type PlanStep struct {
	Seq         int            `json:"seq"`
	StepID      string         `json:"step_id"`
	Kind        model.StepKind `json:"kind"`
	Channel     model.Channel  `json:"channel,omitempty"`
	ScheduledAt time.Time      `json:"scheduled_at,omitzero"`
	Result      string         `json:"result"`
}

// PlanResult is the realized path of one simulated lead.
type PlanResult struct {
	CadenceID string                 `json:"cadence_id"`
	Start     time.Time              `json:"start"`
	Steps     []PlanStep             `json:"steps"`
	Status    model.EnrollmentStatus `json:"status"`
	LastError string                 `json:"last_error,omitempty"`
}

// NewPlanCommand creates the plan command.
func NewPlanCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &planOptions{}
	cmd := &cobra.Command{
		Use:   "plan <cadence-dir> <cadence-id>",
		Short: "Dry-run a cadence for one simulated lead",
		Long: `Run a cadence end to end against a throwaway database and print the
path a lead with the given attributes would take, with the time each step
would be scheduled. Every action is reported sent unless --outcome says
otherwise.`,
		Example: `  cadence plan ./cadences q3-push --attr replied=true
  cadence plan ./cadences q3-push --tz Europe/Berlin --outcome intro=failed`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(cmd.Context(), rootOpts, opts, args[0], args[1], cmd)
		},
	}
	cmd.Flags().StringVar(&opts.start, "start", "", "enrollment time (RFC3339); defaults to now")
	cmd.Flags().StringVar(&opts.email, "email", "lead@example.com", "lead email")
	cmd.Flags().StringVar(&opts.timezone, "tz", "", "lead IANA timezone")
	cmd.Flags().StringArrayVar(&opts.attrs, "attr", nil, "lead attribute key=value; JSON values are decoded")
	cmd.Flags().StringArrayVar(&opts.outcomes, "outcome", nil, "step=result for an action (sent|failed|skipped)")
	return cmd
}

func runPlan(ctx context.Context, rootOpts *RootOptions, opts *planOptions, dir, cadenceID string, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	formatter := rootOpts.formatter(cmd)

	start := time.Now().UTC()
	if opts.start != "" {
		t, err := time.Parse(time.RFC3339, opts.start)
		if err != nil {
			return NewExitError(ExitCommandError, fmt.Sprintf("invalid --start: %v", err))
		}
		start = t.UTC()
	}
	attrs, err := ParseAttributes(opts.attrs)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --attr", err)
	}
	outcomes, err := parseOutcomes(opts.outcomes)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --outcome", err)
	}
	cfg, err := loadConfig(rootOpts)
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

	tmp, err := os.MkdirTemp("", "cadence-plan-")
	if err != nil {
		return WrapExitError(ExitCommandError, ErrCodeDatabase, err)
	}
	defer os.RemoveAll(tmp)
	s, err := store.Open(filepath.Join(tmp, "plan.db"))
	if err != nil {
		return WrapExitError(ExitCommandError, ErrCodeDatabase, err)
	}
	defer s.Close()

	lead := model.Lead{
		ID:         "plan-lead",
		OwnerID:    planScope.OwnerID,
		OrgID:      planScope.OrgID,
		Email:      opts.email,
		Timezone:   opts.timezone,
		Attributes: attrs,
	}
	result, err := Simulate(ctx, cfg, s, c, lead, start, outcomes)
	if err != nil {
		return reportRuntimeError(formatter, err)
	}
	return formatter.Success(result, func(w io.Writer) { printPlan(w, result) })
}

// Simulate enrolls lead in c at start and drives the enrollment to its end
// on a simulated clock: delays elapse, and each action gets the outcome
// named in outcomes (sent by default).
func Simulate(ctx context.Context, cfg config.Config, s *store.Store, c model.Cadence, lead model.Lead, start time.Time, outcomes map[string]engine.Result) (PlanResult, error) {
	now := start
	clock := engine.ClockFunc(func() time.Time { return now })
	policy, err := cfg.SchedulePolicy()
	if err != nil {
		return PlanResult{}, err
	}
	e := engine.New(s,
		engine.WithClock(clock),
		engine.WithSchedulePolicy(policy),
		engine.WithFailurePolicy(cfg.FailurePolicy()),
	)

	c.OwnerID, c.OrgID = lead.OwnerID, lead.OrgID
	c.CreatedAt, c.UpdatedAt = start, start
	if err := s.SaveCadence(ctx, c); err != nil {
		return PlanResult{}, err
	}
	if _, err := e.Activate(ctx, planScope, c.ID); err != nil {
		return PlanResult{}, err
	}
	if err := s.SaveLead(ctx, lead); err != nil {
		return PlanResult{}, err
	}
	res, err := e.Enroll(ctx, planScope, c.ID, lead.ID)
	if err != nil {
		return PlanResult{}, err
	}

	plan := PlanResult{CadenceID: c.ID, Start: start}
	for range maxPlanSteps {
		plan.addConditions(res.Visited)
		if res.Entry == nil {
			break
		}
		entry := *res.Entry
		if entry.ScheduledAt.After(now) {
			now = entry.ScheduledAt
		}
		step := PlanStep{
			Seq:         len(plan.Steps) + 1,
			StepID:      entry.StepID,
			Kind:        entry.Kind,
			Channel:     entry.Channel,
			ScheduledAt: entry.ScheduledAt,
		}

		next, result, err := resolveEntry(ctx, e, entry, outcomes)
		if err != nil {
			return PlanResult{}, err
		}
		step.Result = result
		plan.Steps = append(plan.Steps, step)
		if next == nil {
			break
		}
		res = *next
	}

	enr, err := s.GetEnrollment(ctx, res.Enrollment.ID)
	if err != nil {
		return PlanResult{}, err
	}
	plan.Status = enr.Status
	plan.LastError = enr.LastError
	return plan, nil
}

// resolveEntry completes one due entry and returns the next compilation,
// or nil when the enrollment stopped.
func resolveEntry(ctx context.Context, e *engine.Engine, entry model.ScheduleEntry, outcomes map[string]engine.Result) (*engine.AdvanceResult, string, error) {
	if entry.Kind == model.KindDelay {
		tick, err := e.Tick(ctx, 0)
		if err != nil {
			return nil, "", err
		}
		if len(tick.Errors) > 0 {
			return nil, "", tick.Errors[0]
		}
		for i := range tick.Advanced {
			if tick.Advanced[i].Enrollment.ID == entry.EnrollmentID {
				return &tick.Advanced[i], "elapsed", nil
			}
		}
		return nil, "elapsed", nil
	}

	claimed, err := e.Claim(ctx, entry.ID)
	if err != nil {
		return nil, "", err
	}
	result, ok := outcomes[entry.StepID]
	if !ok {
		result = engine.ResultSent
	}
	out := engine.Outcome{EntryID: claimed.ID, ClaimToken: claimed.ClaimToken, Result: result}
	if result == engine.ResultFailed {
		out.Error = "simulated failure"
	}
	rr, err := e.Report(ctx, out)
	if err != nil {
		return nil, "", err
	}
	return rr.Advance, string(result), nil
}

func (p *PlanResult) addConditions(visited []model.StepInstance) {
	for _, inst := range visited {
		if inst.Kind != model.KindCondition {
			continue
		}
		p.Steps = append(p.Steps, PlanStep{
			Seq:    len(p.Steps) + 1,
			StepID: inst.StepID,
			Kind:   inst.Kind,
			Result: string(inst.Branch),
		})
	}
}

func printPlan(w io.Writer, p PlanResult) {
	fmt.Fprintf(w, "Plan for %s starting %s\n\n", p.CadenceID, p.Start.Format(time.RFC3339))
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tSTEP\tKIND\tCHANNEL\tSCHEDULED\tRESULT")
	for _, s := range p.Steps {
		channel, at := "-", "-"
		if s.Channel != "" {
			channel = string(s.Channel)
		}
		if !s.ScheduledAt.IsZero() {
			at = s.ScheduledAt.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", s.Seq, s.StepID, s.Kind, channel, at, s.Result)
	}
	tw.Flush()
	fmt.Fprintf(w, "\nstatus: %s\n", p.Status)
	if p.LastError != "" {
		fmt.Fprintf(w, "error: %s\n", p.LastError)
	}
}

// ParseAttributes turns key=value pairs into lead attributes. A value that
// parses as JSON keeps its type (true, 3, ["a"]); anything else is a string.
func ParseAttributes(pairs []string) (model.Object, error) {
	attrs := model.Object{}
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("%q: want key=value", pair)
		}
		v, err := model.UnmarshalValue([]byte(raw))
		if err != nil {
			v = model.String(raw)
		}
		attrs[key] = v
	}
	return attrs, nil
}

func parseOutcomes(pairs []string) (map[string]engine.Result, error) {
	out := make(map[string]engine.Result, len(pairs))
	for _, pair := range pairs {
		step, raw, ok := strings.Cut(pair, "=")
		if !ok || step == "" {
			return nil, fmt.Errorf("%q: want step=result", pair)
		}
		switch r := engine.Result(raw); r {
		case engine.ResultSent, engine.ResultFailed, engine.ResultSkipped:
			out[step] = r
		default:
			return nil, fmt.Errorf("%q: result must be sent, failed or skipped", pair)
		}
	}
	return out, nil
}
