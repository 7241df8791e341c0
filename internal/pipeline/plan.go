package pipeline

import (
	"fmt"
	"sort"

	"github.com/jonathan/patient-docs/internal/types"
)

// plannedStep is a snapshot step with its phase computed once
type plannedStep struct {
	def   types.StepDefinition
	phase types.StepPhase
}

// plan partitions a job snapshot into execution phases
type plan struct {
	preBranch  []plannedStep
	postBranch []plannedStep
	byClass    map[int64][]plannedStep
	gateName   string
}

// buildPlan sorts the snapshot by order (stable) and partitions it. It rejects snapshots the
// engine cannot execute unambiguously.
func buildPlan(snapshot []types.StepDefinition) (*plan, error) {
	steps := types.CloneSteps(snapshot)
	types.SortByOrder(steps)

	p := &plan{byClass: make(map[int64][]plannedStep)}
	for _, def := range steps {
		if !def.Enabled {
			continue
		}
		if def.IsBranchingStep {
			if def.DocumentClassID != nil || def.PostBranching {
				return nil, &ConfigError{Message: fmt.Sprintf("branching step %s must be universal and run before the branch", def.Name)}
			}
			if def.BranchingField == "" {
				return nil, &ConfigError{Message: fmt.Sprintf("branching step %s has no branching field", def.Name)}
			}
		}

		ps := plannedStep{def: def, phase: types.ClassifyStep(&def)}
		switch ps.phase {
		case types.PhaseBranchGate:
			if p.gateName != "" {
				return nil, &ConfigError{Message: fmt.Sprintf("multiple branching steps: %s and %s", p.gateName, def.Name)}
			}
			p.gateName = def.Name
			p.preBranch = append(p.preBranch, ps)
		case types.PhaseUniversal:
			p.preBranch = append(p.preBranch, ps)
		case types.PhasePostBranch:
			p.postBranch = append(p.postBranch, ps)
		case types.PhaseClassSpecific:
			id := *def.DocumentClassID
			p.byClass[id] = append(p.byClass[id], ps)
		}
	}
	return p, nil
}

// branchSteps merges the steps of one document class with the post-branch steps by order.
// Ties keep class steps first. A nil classID yields the post-branch steps only.
func (p *plan) branchSteps(classID *int64) []plannedStep {
	var merged []plannedStep
	if classID != nil {
		merged = append(merged, p.byClass[*classID]...)
	}
	merged = append(merged, p.postBranch...)
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].def.Order < merged[j].def.Order
	})
	return merged
}
