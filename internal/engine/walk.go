package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/rasheedb1/cadence/internal/compiler"
	"github.com/rasheedb1/cadence/internal/model"
)

// segment is the result of one walk: the instances it created and where the
// lead's pointer lands.
type segment struct {
	// visited holds every instance the walk created, in seq order. Condition
	// instances are already resolved; the last one may be a pending
	// Action/Delay instance.
	visited []model.StepInstance

	// current is the Action/Delay node the walk stopped at, nil when the
	// path is exhausted.
	current *model.StepNode
}

func (s segment) pointer() string {
	if s.current == nil {
		return ""
	}
	return s.current.ID
}

// pending returns the Action/Delay instance the walk stopped at.
func (s segment) pending() (model.StepInstance, bool) {
	if s.current == nil || len(s.visited) == 0 {
		return model.StepInstance{}, false
	}
	return s.visited[len(s.visited)-1], true
}

// walkInput is everything one walk reads. Nothing in it is mutated.
type walkInput struct {
	graph      model.CadenceGraph
	enrollment model.LeadEnrollment
	history    []model.StepInstance
	snapshot   model.Object
	now        time.Time
}

// walk compiles the next segment of a lead's realized path: forward from
// the enrollment pointer through Condition nodes until an Action or Delay
// node (compiled as a pending instance) or the end of the graph.
//
// The pointer names the Action/Delay step whose outcome was just recorded,
// or is empty for a lead that has not started. Recorded Condition instances
// are never re-evaluated; the walk only visits steps after the pointer.
func (e *Engine) walk(in walkInput) (segment, error) {
	enrID := in.enrollment.ID
	guard := newPathGuard(in.history)
	quota := newSegmentQuota(e.maxSegmentSteps)

	var next string
	if in.enrollment.CurrentStepID == "" {
		if len(in.history) > 0 {
			// Pointer cleared after a finished path.
			return segment{}, nil
		}
		entry, ierr := compiler.Entry(in.graph)
		if ierr != nil {
			return segment{}, NewIntegrityError(enrID, ierr.NodeID, ierr.Message)
		}
		next = entry
	} else {
		from := in.enrollment.CurrentStepID
		if _, ok := in.graph.Node(from); !ok {
			return segment{}, NewIntegrityError(enrID, from,
				fmt.Sprintf("current step %s is no longer in cadence graph v%d", from, in.graph.Version))
		}
		next, _ = in.graph.Branch(from, model.EdgeNext)
	}

	var (
		seg  segment
		snap = in.snapshot
		seq  = len(in.history) + 1
	)
	for next != "" {
		if err := quota.Check(enrID); err != nil {
			return segment{}, err
		}
		if guard.WouldCycle(next) {
			return segment{}, NewCycleError(enrID, next, guard.PathTo(next))
		}
		guard.Record(next)

		node, ok := in.graph.Node(next)
		if !ok {
			return segment{}, NewIntegrityError(enrID, next, "edge targets unknown step "+next)
		}
		if errs := compiler.CheckNode(node); len(errs) > 0 {
			return segment{}, NewIntegrityError(enrID, node.ID, integrityMessage(errs))
		}

		inst := model.StepInstance{
			ID:           e.ids.Generate(),
			EnrollmentID: enrID,
			StepID:       node.ID,
			Kind:         node.Kind(),
			Seq:          seq,
			CreatedAt:    in.now,
			UpdatedAt:    in.now,
		}
		seq++

		cond, isCondition := node.Condition()
		if !isCondition {
			inst.Status = model.StepPending
			seg.visited = append(seg.visited, inst)
			seg.current = &node
			return seg, nil
		}

		yes, err := Evaluate(cond.Predicate, snap)
		if err != nil {
			return segment{}, NewIntegrityError(enrID, node.ID, "condition: "+err.Error())
		}
		label := model.EdgeNo
		if yes {
			label = model.EdgeYes
		}
		target, ok := in.graph.Branch(node.ID, label)
		if !ok {
			return segment{}, NewIntegrityError(enrID, node.ID,
				fmt.Sprintf("condition %s is missing its %s branch", node.ID, label))
		}

		hash, err := model.SnapshotHash(snap)
		if err != nil {
			return segment{}, fmt.Errorf("walk %s: %w", node.ID, err)
		}
		inst.Status = model.StepResolved
		inst.Branch = label
		inst.ContextHash = hash
		seg.visited = append(seg.visited, inst)
		snap = withOutcome(snap, inst)
		next = target
	}
	return seg, nil
}

func integrityMessage(errs []compiler.GraphIntegrityError) string {
	msgs := make([]string, len(errs))
	for i, err := range errs {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}
