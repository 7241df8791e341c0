package types

import "sort"

// StepPhase places a step in the two-phase execution window of a job
type StepPhase int

const (
	// PhaseUniversal steps run before the branch point for every job
	PhaseUniversal StepPhase = iota
	// PhaseBranchGate is the single classification step whose output picks the branch
	PhaseBranchGate
	// PhaseClassSpecific steps run only when their document class was selected
	PhaseClassSpecific
	// PhasePostBranch steps are universal but run after the branch point
	PhasePostBranch
)

// String returns the phase name as stored in execution records
func (p StepPhase) String() string {
	switch p {
	case PhaseUniversal:
		return "universal"
	case PhaseBranchGate:
		return "branch_gate"
	case PhaseClassSpecific:
		return "class_specific"
	case PhasePostBranch:
		return "post_branch"
	default:
		return "unknown"
	}
}

// PreBranch reports whether steps of this phase belong to Phase 1.
func (p StepPhase) PreBranch() bool {
	return p == PhaseUniversal || p == PhaseBranchGate
}

// ClassifyStep computes the phase of a step from its configuration flags.
// A class-specific step is never a branch gate; the snapshot validation rejects that combination.
func ClassifyStep(s *StepDefinition) StepPhase {
	switch {
	case s.DocumentClassID != nil:
		return PhaseClassSpecific
	case s.IsBranchingStep:
		return PhaseBranchGate
	case s.PostBranching:
		return PhasePostBranch
	default:
		return PhaseUniversal
	}
}

// SortByOrder sorts steps by Order, keeping load order for ties.
func SortByOrder(steps []StepDefinition) {
	sort.SliceStable(steps, func(i, j int) bool {
		return steps[i].Order < steps[j].Order
	})
}
