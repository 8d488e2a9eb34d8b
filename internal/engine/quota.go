package engine

// DefaultMaxSegmentSteps is the default maximum number of steps one walk may
// visit before reaching an Action or Delay.
const DefaultMaxSegmentSteps = 1000

// segmentQuota bounds the number of steps a single walk visits.
//
// The path guard already guarantees termination on a finite graph; the quota
// caps the cost of a pathological one (long condition chains) so a single
// lead cannot monopolize its worker.
//
//   - Cycle guard: catches revisits (A -> B -> A)
//   - Segment quota: catches long chains (C1 -> C2 -> ... -> Cn)
type segmentQuota struct {
	maxSteps int
	current  int
}

func newSegmentQuota(maxSteps int) *segmentQuota {
	return &segmentQuota{maxSteps: maxSteps}
}

// Check increments the step counter and validates against the limit.
func (q *segmentQuota) Check(enrollmentID string) error {
	q.current++
	if q.maxSteps > 0 && q.current > q.maxSteps {
		return NewQuotaError(enrollmentID, q.current, q.maxSteps)
	}
	return nil
}
