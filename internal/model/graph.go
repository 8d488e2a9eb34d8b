package model

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// StepKind discriminates the variant carried by a StepNode.
type StepKind string

const (
	KindAction    StepKind = "action"
	KindDelay     StepKind = "delay"
	KindCondition StepKind = "condition"
)

// Channel is the outreach channel of an Action step.
type Channel string

const (
	ChannelEmail           Channel = "email"
	ChannelLinkedInConnect Channel = "linkedin_connect"
	ChannelLinkedInMessage Channel = "linkedin_message"
	ChannelCall            Channel = "call"
	ChannelTask            Channel = "task"
)

// KnownChannels lists the channels an Action may use.
var KnownChannels = []Channel{
	ChannelEmail,
	ChannelLinkedInConnect,
	ChannelLinkedInMessage,
	ChannelCall,
	ChannelTask,
}

// IsKnown reports whether c is one of KnownChannels.
func (c Channel) IsKnown() bool {
	return slices.Contains(KnownChannels, c)
}

// StepConfig is the sealed, kind-specific configuration of a StepNode.
// Implemented by ActionConfig, DelayConfig and ConditionConfig.
type StepConfig interface {
	Kind() StepKind
	stepConfig()
}

// ActionConfig configures a step that produces externally executed work.
type ActionConfig struct {
	Channel     Channel `json:"channel"`
	TemplateRef string  `json:"template_ref,omitempty"`
	Subject     string  `json:"subject,omitempty"`
	Prompt      string  `json:"prompt,omitempty"`
}

func (ActionConfig) Kind() StepKind { return KindAction }
func (ActionConfig) stepConfig()    {}

// DelayUnit is the unit of a DelayConfig amount.
type DelayUnit string

const (
	UnitMinutes DelayUnit = "minutes"
	UnitHours   DelayUnit = "hours"
	UnitDays    DelayUnit = "days"
	UnitWeeks   DelayUnit = "weeks"
)

// DelayConfig configures a wait. Delays produce no external work; their
// schedule entry only re-enters the compiler once it is due.
type DelayConfig struct {
	Amount int64     `json:"amount"`
	Unit   DelayUnit `json:"unit"`
}

func (DelayConfig) Kind() StepKind { return KindDelay }
func (DelayConfig) stepConfig()    {}

// Duration converts the delay to a time.Duration.
func (c DelayConfig) Duration() (time.Duration, error) {
	if c.Amount <= 0 {
		return 0, fmt.Errorf("delay amount must be positive, got %d", c.Amount)
	}
	var unit time.Duration
	switch c.Unit {
	case UnitMinutes:
		unit = time.Minute
	case UnitHours:
		unit = time.Hour
	case UnitDays:
		unit = 24 * time.Hour
	case UnitWeeks:
		unit = 7 * 24 * time.Hour
	default:
		return 0, fmt.Errorf("unknown delay unit %q", c.Unit)
	}
	return time.Duration(c.Amount) * unit, nil
}

// Operator is a predicate comparison.
type Operator string

const (
	OpEq        Operator = "eq"
	OpNeq       Operator = "neq"
	OpExists    Operator = "exists"
	OpNotExists Operator = "not_exists"
	OpGt        Operator = "gt"
	OpGte       Operator = "gte"
	OpLt        Operator = "lt"
	OpLte       Operator = "lte"
	OpContains  Operator = "contains"
	OpIn        Operator = "in"
)

// KnownOperators lists every supported Operator.
var KnownOperators = []Operator{OpEq, OpNeq, OpExists, OpNotExists, OpGt, OpGte, OpLt, OpLte, OpContains, OpIn}

// NeedsValue reports whether the operator compares against Predicate.Value.
func (o Operator) NeedsValue() bool {
	return o != OpExists && o != OpNotExists
}

// Predicate tests one attribute of the condition-evaluation snapshot.
// Attribute is a dotted path: "replied", "steps.intro.status".
type Predicate struct {
	Attribute string   `json:"attribute"`
	Operator  Operator `json:"operator"`
	Value     Value    `json:"-"`
}

type predicateJSON struct {
	Attribute string          `json:"attribute"`
	Operator  Operator        `json:"operator"`
	Value     json.RawMessage `json:"value,omitempty"`
}

// MarshalJSON encodes the predicate including its typed value.
func (p Predicate) MarshalJSON() ([]byte, error) {
	out := predicateJSON{Attribute: p.Attribute, Operator: p.Operator}
	if p.Value != nil {
		raw, err := MarshalValue(p.Value)
		if err != nil {
			return nil, fmt.Errorf("predicate value: %w", err)
		}
		out.Value = raw
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a predicate, rejecting float values.
func (p *Predicate) UnmarshalJSON(data []byte) error {
	var in predicateJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	p.Attribute = in.Attribute
	p.Operator = in.Operator
	p.Value = nil
	if len(in.Value) > 0 {
		v, err := UnmarshalValue(in.Value)
		if err != nil {
			return fmt.Errorf("predicate value: %w", err)
		}
		p.Value = v
	}
	return nil
}

// ConditionConfig routes a lead along its yes or no edge.
type ConditionConfig struct {
	Predicate Predicate `json:"predicate"`
}

func (ConditionConfig) Kind() StepKind { return KindCondition }
func (ConditionConfig) stepConfig()    {}

// StepNode is one designed step of a cadence.
//
// DayOffset is relative to the enrollment start, never cumulative.
// OrderInDay breaks ties among steps sharing a day offset.
type StepNode struct {
	ID         string
	CadenceID  string
	DayOffset  int
	OrderInDay int
	Config     StepConfig
}

// Kind returns the node's variant, or "" when Config is nil.
func (n StepNode) Kind() StepKind {
	if n.Config == nil {
		return ""
	}
	return n.Config.Kind()
}

// Action returns the node's action configuration.
func (n StepNode) Action() (ActionConfig, bool) {
	c, ok := n.Config.(ActionConfig)
	return c, ok
}

// Delay returns the node's delay configuration.
func (n StepNode) Delay() (DelayConfig, bool) {
	c, ok := n.Config.(DelayConfig)
	return c, ok
}

// Condition returns the node's condition configuration.
func (n StepNode) Condition() (ConditionConfig, bool) {
	c, ok := n.Config.(ConditionConfig)
	return c, ok
}

type stepNodeJSON struct {
	ID         string           `json:"id"`
	CadenceID  string           `json:"cadence_id,omitempty"`
	Kind       StepKind         `json:"kind"`
	DayOffset  int              `json:"day_offset"`
	OrderInDay int              `json:"order_in_day"`
	Action     *ActionConfig    `json:"action,omitempty"`
	Delay      *DelayConfig     `json:"delay,omitempty"`
	Condition  *ConditionConfig `json:"condition,omitempty"`
}

// MarshalJSON writes the node with its variant under a kind-named key.
func (n StepNode) MarshalJSON() ([]byte, error) {
	out := stepNodeJSON{
		ID:         n.ID,
		CadenceID:  n.CadenceID,
		Kind:       n.Kind(),
		DayOffset:  n.DayOffset,
		OrderInDay: n.OrderInDay,
	}
	switch c := n.Config.(type) {
	case ActionConfig:
		out.Action = &c
	case DelayConfig:
		out.Delay = &c
	case ConditionConfig:
		out.Condition = &c
	case nil:
	default:
		return nil, fmt.Errorf("step %s: unknown config type %T", n.ID, n.Config)
	}
	return json.Marshal(out)
}

// UnmarshalJSON reads the variant matching the kind field. A kind whose
// payload is absent decodes with a nil Config; validation reports it.
func (n *StepNode) UnmarshalJSON(data []byte) error {
	var in stepNodeJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*n = StepNode{
		ID:         in.ID,
		CadenceID:  in.CadenceID,
		DayOffset:  in.DayOffset,
		OrderInDay: in.OrderInDay,
	}
	switch in.Kind {
	case KindAction:
		if in.Action != nil {
			n.Config = *in.Action
		}
	case KindDelay:
		if in.Delay != nil {
			n.Config = *in.Delay
		}
	case KindCondition:
		if in.Condition != nil {
			n.Config = *in.Condition
		}
	default:
		return fmt.Errorf("step %s: unknown kind %q", in.ID, in.Kind)
	}
	return nil
}

// EdgeLabel marks condition branches. Unconditional edges are unlabeled.
type EdgeLabel string

const (
	EdgeNext EdgeLabel = ""
	EdgeYes  EdgeLabel = "yes"
	EdgeNo   EdgeLabel = "no"
)

// Edge connects two steps of a cadence.
type Edge struct {
	From  string    `json:"from"`
	To    string    `json:"to"`
	Label EdgeLabel `json:"label,omitempty"`
}

// CadenceGraph is the full node and edge set of one cadence.
// Version increases each time the cadence is activated with a new graph.
type CadenceGraph struct {
	CadenceID string     `json:"cadence_id"`
	Version   int        `json:"version"`
	Nodes     []StepNode `json:"nodes"`
	Edges     []Edge     `json:"edges,omitempty"`
}

// Node returns the node with the given id.
func (g CadenceGraph) Node(id string) (StepNode, bool) {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return StepNode{}, false
}

// Outgoing returns the edges leaving id in declaration order.
func (g CadenceGraph) Outgoing(id string) []Edge {
	var out []Edge
	for _, e := range g.Edges {
		if e.From == id {
			out = append(out, e)
		}
	}
	return out
}

// Branch returns the target of the edge leaving id with the given label.
func (g CadenceGraph) Branch(id string, label EdgeLabel) (string, bool) {
	for _, e := range g.Edges {
		if e.From == id && e.Label == label {
			return e.To, true
		}
	}
	return "", false
}

// Roots returns the ids of nodes without incoming edges, in node order.
func (g CadenceGraph) Roots() []string {
	incoming := make(map[string]bool, len(g.Edges))
	for _, e := range g.Edges {
		incoming[e.To] = true
	}
	var roots []string
	for _, n := range g.Nodes {
		if !incoming[n.ID] {
			roots = append(roots, n.ID)
		}
	}
	return roots
}
