package compiler

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/rasheedb1/cadence/internal/model"
)

// CompileCadence parses a CUE value into a draft Cadence with its graph.
// Uses the CUE SDK's Go API directly.
//
// The CUE value should be the cadence struct itself, e.g.:
//
//	ctx := cuecontext.New()
//	v := ctx.CompileString(src)
//	c, err := CompileCadence(v.LookupPath(cue.ParsePath("cadence.outbound")))
//
// Steps keep their declaration order. Edges come from each step's next, yes
// and no fields; a cadence that declares none of them is linear and gets its
// edges from Normalize.
func CompileCadence(v cue.Value) (*model.Cadence, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	c := &model.Cadence{Status: model.CadenceDraft}

	labels := v.Path().Selectors()
	if len(labels) > 0 {
		c.ID = unquote(labels[len(labels)-1].String())
	}

	name, err := optionalString(v, "name")
	if err != nil {
		return nil, err
	}
	c.Name = name
	if c.Name == "" {
		c.Name = c.ID
	}

	stepsVal := v.LookupPath(cue.ParsePath("steps"))
	if !stepsVal.Exists() {
		return nil, &CompileError{
			Field:   "steps",
			Message: "steps is required",
			Pos:     v.Pos(),
		}
	}

	iter, err := stepsVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	graph := model.CadenceGraph{CadenceID: c.ID}
	for iter.Next() {
		node, edges, err := parseStep(c.ID, iter.Label(), iter.Value())
		if err != nil {
			return nil, err
		}
		graph.Nodes = append(graph.Nodes, node)
		graph.Edges = append(graph.Edges, edges...)
	}

	if len(graph.Nodes) == 0 {
		return nil, &CompileError{
			Field:   "steps",
			Message: "at least one step is required",
			Pos:     stepsVal.Pos(),
		}
	}

	c.Graph = graph
	return c, nil
}

// parseStep builds one node and its outgoing edges.
func parseStep(cadenceID, id string, v cue.Value) (model.StepNode, []model.Edge, error) {
	field := "steps." + id
	node := model.StepNode{ID: id, CadenceID: cadenceID}

	kind, err := requiredString(v, "kind", field)
	if err != nil {
		return node, nil, err
	}

	day, err := optionalInt(v, "day")
	if err != nil {
		return node, nil, err
	}
	node.DayOffset = int(day)

	order, err := optionalInt(v, "order")
	if err != nil {
		return node, nil, err
	}
	node.OrderInDay = int(order)

	switch model.StepKind(kind) {
	case model.KindAction:
		cfg, err := parseAction(v, field)
		if err != nil {
			return node, nil, err
		}
		node.Config = cfg
	case model.KindDelay:
		cfg, err := parseDelay(v, field)
		if err != nil {
			return node, nil, err
		}
		node.Config = cfg
	case model.KindCondition:
		cfg, err := parseCondition(v, field)
		if err != nil {
			return node, nil, err
		}
		node.Config = cfg
	default:
		return node, nil, &CompileError{
			Field:   field + ".kind",
			Message: fmt.Sprintf("unknown step kind %q (want action, delay or condition)", kind),
			Pos:     v.LookupPath(cue.ParsePath("kind")).Pos(),
		}
	}

	var edges []model.Edge
	for _, link := range []struct {
		field string
		label model.EdgeLabel
	}{
		{"next", model.EdgeNext},
		{"yes", model.EdgeYes},
		{"no", model.EdgeNo},
	} {
		to, err := optionalString(v, link.field)
		if err != nil {
			return node, nil, err
		}
		if to != "" {
			edges = append(edges, model.Edge{From: id, To: to, Label: link.label})
		}
	}

	return node, edges, nil
}

func parseAction(v cue.Value, field string) (model.ActionConfig, error) {
	var cfg model.ActionConfig

	channel, err := requiredString(v, "channel", field)
	if err != nil {
		return cfg, err
	}
	cfg.Channel = model.Channel(channel)

	if cfg.TemplateRef, err = optionalString(v, "template"); err != nil {
		return cfg, err
	}
	if cfg.Subject, err = optionalString(v, "subject"); err != nil {
		return cfg, err
	}
	if cfg.Prompt, err = optionalString(v, "prompt"); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func parseDelay(v cue.Value, field string) (model.DelayConfig, error) {
	var cfg model.DelayConfig

	amountVal := v.LookupPath(cue.ParsePath("amount"))
	if !amountVal.Exists() {
		return cfg, &CompileError{
			Field:   field + ".amount",
			Message: "delay amount is required",
			Pos:     v.Pos(),
		}
	}
	amount, err := amountVal.Int64()
	if err != nil {
		return cfg, formatCUEError(err)
	}
	cfg.Amount = amount

	unit, err := requiredString(v, "unit", field)
	if err != nil {
		return cfg, err
	}
	cfg.Unit = model.DelayUnit(unit)
	return cfg, nil
}

func parseCondition(v cue.Value, field string) (model.ConditionConfig, error) {
	var cfg model.ConditionConfig

	whenVal := v.LookupPath(cue.ParsePath("when"))
	if !whenVal.Exists() {
		return cfg, &CompileError{
			Field:   field + ".when",
			Message: "condition predicate is required",
			Pos:     v.Pos(),
		}
	}

	attr, err := requiredString(whenVal, "attribute", field+".when")
	if err != nil {
		return cfg, err
	}
	op, err := requiredString(whenVal, "operator", field+".when")
	if err != nil {
		return cfg, err
	}
	cfg.Predicate = model.Predicate{Attribute: attr, Operator: model.Operator(op)}

	valueVal := whenVal.LookupPath(cue.ParsePath("value"))
	if valueVal.Exists() {
		val, err := cueToValue(valueVal)
		if err != nil {
			return cfg, &CompileError{
				Field:   field + ".when.value",
				Message: err.Error(),
				Pos:     valueVal.Pos(),
			}
		}
		cfg.Predicate.Value = val
	}
	return cfg, nil
}

// cueToValue converts a concrete CUE value into a model.Value.
// Floats are rejected for the same reason model rejects them.
func cueToValue(v cue.Value) (model.Value, error) {
	switch v.IncompleteKind() {
	case cue.StringKind:
		s, err := v.String()
		if err != nil {
			return nil, err
		}
		return model.String(s), nil
	case cue.IntKind:
		n, err := v.Int64()
		if err != nil {
			return nil, err
		}
		return model.Int(n), nil
	case cue.BoolKind:
		b, err := v.Bool()
		if err != nil {
			return nil, err
		}
		return model.Bool(b), nil
	case cue.ListKind:
		iter, err := v.List()
		if err != nil {
			return nil, err
		}
		var out model.List
		for iter.Next() {
			elem, err := cueToValue(iter.Value())
			if err != nil {
				return nil, err
			}
			out = append(out, elem)
		}
		if out == nil {
			out = model.List{}
		}
		return out, nil
	case cue.FloatKind, cue.NumberKind:
		return nil, fmt.Errorf("floats are not allowed in predicate values")
	default:
		return nil, fmt.Errorf("unsupported predicate value kind %v", v.IncompleteKind())
	}
}

func requiredString(v cue.Value, name, parent string) (string, error) {
	fv := v.LookupPath(cue.ParsePath(name))
	if !fv.Exists() {
		return "", &CompileError{
			Field:   parent + "." + name,
			Message: name + " is required",
			Pos:     v.Pos(),
		}
	}
	s, err := fv.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

func optionalString(v cue.Value, name string) (string, error) {
	fv := v.LookupPath(cue.ParsePath(name))
	if !fv.Exists() {
		return "", nil
	}
	s, err := fv.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

func optionalInt(v cue.Value, name string) (int64, error) {
	fv := v.LookupPath(cue.ParsePath(name))
	if !fv.Exists() {
		return 0, nil
	}
	n, err := fv.Int64()
	if err != nil {
		return 0, formatCUEError(err)
	}
	return n, nil
}

// unquote strips the quotes CUE keeps on non-identifier labels.
func unquote(label string) string {
	if len(label) >= 2 && label[0] == '"' && label[len(label)-1] == '"' {
		return label[1 : len(label)-1]
	}
	return label
}

// CompileError is a CUE-level parse failure with its source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	first := errs[0]
	positions := errors.Positions(first)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: first.Error(),
			Pos:     positions[0],
		}
	}

	return err
}
