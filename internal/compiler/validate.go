package compiler

import (
	"cmp"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/rasheedb1/cadence/internal/model"
)

// Graph integrity error codes (E201-E299)
const (
	ErrGraphEmpty        = "E201" // graph has no steps
	ErrInvalidStepID     = "E202" // step id empty, malformed or duplicated
	ErrEntryNode         = "E203" // graph must have exactly one entry step
	ErrMissingConfig     = "E204" // step configuration missing or invalid
	ErrNegativeDayOffset = "E205" // day offset must be >= 0
	ErrConditionBranches = "E206" // condition needs exactly one yes and one no edge
	ErrOutDegree         = "E207" // non-condition step has more than one successor
	ErrUnknownEdgeRef    = "E208" // edge references an unknown step
	ErrDuplicateSlot     = "E209" // (day, order) reused on one path
	ErrCycle             = "E210" // graph contains a cycle
	ErrCadenceMismatch   = "E211" // step belongs to another cadence
	ErrUnreachableStep   = "E212" // step cannot be reached from the entry
)

var stepIDPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)

// GraphIntegrityError reports a malformed cadence definition. NodeID names
// the offending step so the author can locate it.
type GraphIntegrityError struct {
	Code    string `json:"code"`
	NodeID  string `json:"node_id,omitempty"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e GraphIntegrityError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// IntegrityErrors is the full list of problems found in one graph.
type IntegrityErrors []GraphIntegrityError

func (es IntegrityErrors) Error() string {
	msgs := make([]string, len(es))
	for i, e := range es {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "; ")
}

// AsIntegrityErrors extracts integrity errors from err, if any.
func AsIntegrityErrors(err error) (IntegrityErrors, bool) {
	var es IntegrityErrors
	if errors.As(err, &es) {
		return es, true
	}
	var e GraphIntegrityError
	if errors.As(err, &e) {
		return IntegrityErrors{e}, true
	}
	return nil, false
}

// Normalize fills in cadence ids on nodes and, for a linear cadence (more
// than one step, no edges), chains the steps by (day offset, order in day,
// declaration order).
func Normalize(g model.CadenceGraph) model.CadenceGraph {
	out := model.CadenceGraph{
		CadenceID: g.CadenceID,
		Version:   g.Version,
		Nodes:     slices.Clone(g.Nodes),
		Edges:     slices.Clone(g.Edges),
	}
	for i := range out.Nodes {
		if out.Nodes[i].CadenceID == "" {
			out.Nodes[i].CadenceID = g.CadenceID
		}
	}
	if len(out.Edges) > 0 || len(out.Nodes) < 2 {
		return out
	}

	ordered := slices.Clone(out.Nodes)
	slices.SortStableFunc(ordered, func(a, b model.StepNode) int {
		return cmp.Or(
			cmp.Compare(a.DayOffset, b.DayOffset),
			cmp.Compare(a.OrderInDay, b.OrderInDay),
		)
	})
	for i := 0; i+1 < len(ordered); i++ {
		out.Edges = append(out.Edges, model.Edge{From: ordered[i].ID, To: ordered[i+1].ID})
	}
	return out
}

// Validate checks a normalized graph. Returns all errors found (does not
// fail-fast); an empty result means the graph can be activated.
func Validate(g model.CadenceGraph) []GraphIntegrityError {
	var errs []GraphIntegrityError

	// E201: at least one step
	if len(g.Nodes) == 0 {
		return []GraphIntegrityError{{
			Code:    ErrGraphEmpty,
			Field:   "nodes",
			Message: "cadence has no steps",
		}}
	}

	ids := make(map[string]bool, len(g.Nodes))
	for _, n := range g.Nodes {
		// E202: id well-formed and unique
		switch {
		case !stepIDPattern.MatchString(n.ID):
			errs = append(errs, GraphIntegrityError{
				Code:    ErrInvalidStepID,
				NodeID:  n.ID,
				Field:   "id",
				Message: fmt.Sprintf("step id %q must start with a letter and contain only letters, digits, '_' or '-'", n.ID),
			})
		case ids[n.ID]:
			errs = append(errs, GraphIntegrityError{
				Code:    ErrInvalidStepID,
				NodeID:  n.ID,
				Field:   "id",
				Message: "duplicate step id",
			})
		}
		ids[n.ID] = true

		// E211: belongs to this cadence
		if n.CadenceID != "" && n.CadenceID != g.CadenceID {
			errs = append(errs, GraphIntegrityError{
				Code:    ErrCadenceMismatch,
				NodeID:  n.ID,
				Field:   "cadence_id",
				Message: fmt.Sprintf("step belongs to cadence %q, not %q", n.CadenceID, g.CadenceID),
			})
		}

		// E205: offsets are relative to start, never negative
		if n.DayOffset < 0 {
			errs = append(errs, GraphIntegrityError{
				Code:    ErrNegativeDayOffset,
				NodeID:  n.ID,
				Field:   "day_offset",
				Message: fmt.Sprintf("day offset %d is negative", n.DayOffset),
			})
		}

		// E204: configuration
		errs = append(errs, CheckNode(n)...)
	}

	errs = append(errs, validateEdges(g, ids)...)

	// E210: cycles
	cycles := AnalyzeCycles(g)
	for _, c := range cycles {
		errs = append(errs, GraphIntegrityError{
			Code:    ErrCycle,
			NodeID:  c.Path[0],
			Field:   "edges",
			Message: c.Message,
		})
	}

	// Path-level checks need an acyclic graph with a single entry.
	entry, entryErr := Entry(g)
	if entryErr != nil {
		errs = append(errs, *entryErr)
	}
	if entryErr != nil || len(cycles) > 0 {
		return errs
	}

	// E212: reachability
	reached := reachable(g, entry)
	for _, n := range g.Nodes {
		if !reached[n.ID] {
			errs = append(errs, GraphIntegrityError{
				Code:    ErrUnreachableStep,
				NodeID:  n.ID,
				Message: fmt.Sprintf("step is not reachable from entry step %q", entry),
			})
		}
	}

	// E209: (day, order) unique along every path
	errs = append(errs, checkPathSlots(g, entry)...)

	return errs
}

// CheckNode validates a single node's kind-specific configuration.
// The path walker uses it to refuse corrupted nodes at run time.
func CheckNode(n model.StepNode) []GraphIntegrityError {
	fail := func(field, format string, args ...any) []GraphIntegrityError {
		return []GraphIntegrityError{{
			Code:    ErrMissingConfig,
			NodeID:  n.ID,
			Field:   field,
			Message: fmt.Sprintf(format, args...),
		}}
	}

	switch cfg := n.Config.(type) {
	case nil:
		return fail("config", "step has no configuration")
	case model.ActionConfig:
		if cfg.Channel == "" {
			return fail("action.channel", "action channel is required")
		}
		if !cfg.Channel.IsKnown() {
			return fail("action.channel", "unknown channel %q", cfg.Channel)
		}
	case model.DelayConfig:
		if _, err := cfg.Duration(); err != nil {
			return fail("delay", "%v", err)
		}
	case model.ConditionConfig:
		p := cfg.Predicate
		if strings.TrimSpace(p.Attribute) == "" {
			return fail("condition.predicate.attribute", "condition attribute is required")
		}
		if !slices.Contains(model.KnownOperators, p.Operator) {
			return fail("condition.predicate.operator", "unknown operator %q", p.Operator)
		}
		if p.Operator.NeedsValue() && p.Value == nil {
			return fail("condition.predicate.value", "operator %q requires a value", p.Operator)
		}
		if p.Operator == model.OpIn {
			if _, ok := p.Value.(model.List); !ok {
				return fail("condition.predicate.value", "operator in requires a list value")
			}
		}
	default:
		return fail("config", "unsupported configuration %T", n.Config)
	}
	return nil
}

// Entry returns the single step without incoming edges.
func Entry(g model.CadenceGraph) (string, *GraphIntegrityError) {
	roots := g.Roots()
	switch len(roots) {
	case 1:
		return roots[0], nil
	case 0:
		return "", &GraphIntegrityError{
			Code:    ErrEntryNode,
			Field:   "edges",
			Message: "no entry step: every step has an incoming edge",
		}
	default:
		return "", &GraphIntegrityError{
			Code:    ErrEntryNode,
			NodeID:  roots[1],
			Field:   "edges",
			Message: fmt.Sprintf("multiple entry steps: %s", strings.Join(roots, ", ")),
		}
	}
}

func validateEdges(g model.CadenceGraph, ids map[string]bool) []GraphIntegrityError {
	var errs []GraphIntegrityError

	// E208: edges reference existing steps
	for _, e := range g.Edges {
		for _, ref := range []string{e.From, e.To} {
			if !ids[ref] {
				errs = append(errs, GraphIntegrityError{
					Code:    ErrUnknownEdgeRef,
					NodeID:  e.From,
					Field:   "edges",
					Message: fmt.Sprintf("edge %s -> %s references unknown step %q", e.From, e.To, ref),
				})
			}
		}
	}

	for _, n := range g.Nodes {
		out := g.Outgoing(n.ID)
		if n.Kind() == model.KindCondition {
			// E206: exactly one yes and one no
			var yes, no int
			for _, e := range out {
				switch e.Label {
				case model.EdgeYes:
					yes++
				case model.EdgeNo:
					no++
				}
			}
			if yes != 1 || no != 1 || len(out) != 2 {
				errs = append(errs, GraphIntegrityError{
					Code:    ErrConditionBranches,
					NodeID:  n.ID,
					Field:   "edges",
					Message: fmt.Sprintf("condition must have exactly one yes and one no edge (yes=%d, no=%d, total=%d)", yes, no, len(out)),
				})
			}
			continue
		}

		// E207: at most one unlabeled successor
		if len(out) > 1 {
			errs = append(errs, GraphIntegrityError{
				Code:    ErrOutDegree,
				NodeID:  n.ID,
				Field:   "edges",
				Message: fmt.Sprintf("%s step has %d outgoing edges, want at most 1", n.Kind(), len(out)),
			})
		}
		for _, e := range out {
			if e.Label != model.EdgeNext {
				errs = append(errs, GraphIntegrityError{
					Code:    ErrOutDegree,
					NodeID:  n.ID,
					Field:   "edges",
					Message: fmt.Sprintf("only condition steps may have %q edges", e.Label),
				})
			}
		}
	}
	return errs
}

func reachable(g model.CadenceGraph, entry string) map[string]bool {
	seen := map[string]bool{entry: true}
	queue := []string{entry}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, e := range g.Outgoing(id) {
			if !seen[e.To] {
				seen[e.To] = true
				queue = append(queue, e.To)
			}
		}
	}
	return seen
}

type slot struct{ day, order int }

// checkPathSlots walks every path from entry and reports Action/Delay steps
// that reuse a (day, order) pair already taken on the same path. Conditions
// consume no slot. Requires an acyclic graph.
func checkPathSlots(g model.CadenceGraph, entry string) []GraphIntegrityError {
	var errs []GraphIntegrityError
	reported := make(map[string]bool)
	taken := make(map[slot]string)

	var walk func(id string)
	walk = func(id string) {
		n, ok := g.Node(id)
		if !ok {
			return
		}
		var claimed bool
		if n.Kind() == model.KindAction || n.Kind() == model.KindDelay {
			s := slot{n.DayOffset, n.OrderInDay}
			if other, clash := taken[s]; clash {
				if !reported[n.ID] {
					reported[n.ID] = true
					errs = append(errs, GraphIntegrityError{
						Code:    ErrDuplicateSlot,
						NodeID:  n.ID,
						Field:   "order_in_day",
						Message: fmt.Sprintf("day %d order %d is already used by step %q on the same path", s.day, s.order, other),
					})
				}
			} else {
				taken[s] = n.ID
				claimed = true
			}
		}
		for _, e := range g.Outgoing(id) {
			walk(e.To)
		}
		if claimed {
			delete(taken, slot{n.DayOffset, n.OrderInDay})
		}
	}
	walk(entry)
	return errs
}
