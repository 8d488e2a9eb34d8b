package engine

import (
	"fmt"
	"strings"

	"github.com/rasheedb1/cadence/internal/model"
)

// Snapshot builds the read-only condition-evaluation context for a lead.
//
// Lead attributes sit at the top level. Prior outcomes sit under
// "steps.<step_id>" as {"status": ..., "branch": ...}; a lead attribute named
// "steps" is shadowed. Null attributes are treated as absent and dropped, so
// the snapshot always has a canonical form to hash.
func Snapshot(lead model.Lead, history []model.StepInstance) model.Object {
	snap := make(model.Object, len(lead.Attributes)+1)
	for k, v := range lead.Attributes {
		if v, ok := stripNulls(v); ok {
			snap[k] = v
		}
	}

	steps := make(model.Object, len(history))
	for _, inst := range history {
		steps[inst.StepID] = outcomeOf(inst)
	}
	snap["steps"] = steps
	return snap
}

func outcomeOf(inst model.StepInstance) model.Object {
	out := model.Object{"status": model.String(inst.Status)}
	if inst.Branch != model.EdgeNext {
		out["branch"] = model.String(inst.Branch)
	}
	return out
}

// withOutcome returns snap with inst recorded under steps.<id>. snap is not
// modified; the nested steps object is copied.
func withOutcome(snap model.Object, inst model.StepInstance) model.Object {
	next := snap.Clone()
	steps, _ := snap["steps"].(model.Object)
	steps = steps.Clone()
	steps[inst.StepID] = outcomeOf(inst)
	next["steps"] = steps
	return next
}

func stripNulls(v model.Value) (model.Value, bool) {
	switch tv := v.(type) {
	case nil, model.Null:
		return nil, false
	case model.List:
		out := make(model.List, 0, len(tv))
		for _, item := range tv {
			if item, ok := stripNulls(item); ok {
				out = append(out, item)
			}
		}
		return out, true
	case model.Object:
		out := make(model.Object, len(tv))
		for k, item := range tv {
			if item, ok := stripNulls(item); ok {
				out[k] = item
			}
		}
		return out, true
	default:
		return v, true
	}
}

// Evaluate decides a condition predicate against a snapshot.
//
// Evaluation is pure: the same predicate and snapshot always give the same
// answer. A missing attribute is absent: only neq and not_exists are true for
// it. Ordering operators compare Int with Int and String with String; any
// other pairing is false.
func Evaluate(p model.Predicate, snap model.Object) (bool, error) {
	if p.Attribute == "" {
		return false, fmt.Errorf("predicate has no attribute")
	}
	if p.Operator.NeedsValue() && p.Value == nil {
		return false, fmt.Errorf("operator %s needs a value", p.Operator)
	}

	got, present := snap.Lookup(p.Attribute)

	switch p.Operator {
	case model.OpExists:
		return present, nil
	case model.OpNotExists:
		return !present, nil
	case model.OpEq:
		return present && model.Equal(got, p.Value), nil
	case model.OpNeq:
		return !present || !model.Equal(got, p.Value), nil
	case model.OpGt, model.OpGte, model.OpLt, model.OpLte:
		if !present {
			return false, nil
		}
		cmp, ok := compareOrdered(got, p.Value)
		if !ok {
			return false, nil
		}
		switch p.Operator {
		case model.OpGt:
			return cmp > 0, nil
		case model.OpGte:
			return cmp >= 0, nil
		case model.OpLt:
			return cmp < 0, nil
		default:
			return cmp <= 0, nil
		}
	case model.OpContains:
		if !present {
			return false, nil
		}
		return contains(got, p.Value), nil
	case model.OpIn:
		list, ok := p.Value.(model.List)
		if !ok {
			return false, fmt.Errorf("operator in needs a list value, got %T", p.Value)
		}
		if !present {
			return false, nil
		}
		for _, item := range list {
			if model.Equal(got, item) {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("unknown operator %q", p.Operator)
	}
}

func compareOrdered(a, b model.Value) (int, bool) {
	switch av := a.(type) {
	case model.Int:
		bv, ok := b.(model.Int)
		if !ok {
			return 0, false
		}
		switch {
		case av < bv:
			return -1, true
		case av > bv:
			return 1, true
		}
		return 0, true
	case model.String:
		bv, ok := b.(model.String)
		if !ok {
			return 0, false
		}
		return strings.Compare(string(av), string(bv)), true
	}
	return 0, false
}

// contains reports substring containment for strings and element
// membership for lists.
func contains(haystack, needle model.Value) bool {
	switch hv := haystack.(type) {
	case model.String:
		nv, ok := needle.(model.String)
		return ok && strings.Contains(string(hv), string(nv))
	case model.List:
		for _, item := range hv {
			if model.Equal(item, needle) {
				return true
			}
		}
	}
	return false
}
