// Package compiler turns a user-authored workflow DAG into a linear
// ExecutionPlan: a sequence of numbered steps, with parallel siblings sharing
// a number (sub-lettered) and EVALUATE branch targets nested under their
// predicate (spec §4.4.1). The compiler is pure: the same {steps, edges}
// input always yields the same plan.
package compiler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/a2aflow/host/internal/common/apperror"
)

// EvaluateAgent is the reserved step name whose outgoing edges may carry a
// true/false condition.
const EvaluateAgent = "EVALUATE"

// Step is one node of a Workflow's DAG.
type Step struct {
	ID          string
	Order       int
	AgentName   string
	Description string
}

// Edge connects two steps. Condition is nil for an unconditional edge, or
// "true"/"false" when it originates from an EVALUATE step.
type Edge struct {
	FromStepID string
	ToStepID   string
	Condition  *string
}

func (e Edge) conditional() bool {
	return e.Condition != nil && (*e.Condition == "true" || *e.Condition == "false")
}

// BranchRef marks a PlanEntry as a branch target nested under an EVALUATE
// step's entry. PredicateLabel is the originating EVALUATE step's id (not
// its display label) — the key an Executor uses to look up the verdict it
// recorded when that step ran.
type BranchRef struct {
	PredicateLabel string
	Branch         bool // true for IF-TRUE, false for IF-FALSE
}

// PlanEntry is one line of the compiled plan.
type PlanEntry struct {
	Label       string
	StepID      string
	AgentName   string
	Description string
	BranchOf    *BranchRef
}

// ExecutionPlan is the Compiler's output: the ordered entries plus a lookup
// from step id to assigned label.
type ExecutionPlan struct {
	Entries    []PlanEntry
	StepLabels map[string]string
}

// Text renders the plan's canonical textual form, the prompt handed to the
// orchestrator LLM (spec §8 scenario 1-3).
func (p *ExecutionPlan) Text() string {
	var b strings.Builder
	for _, e := range p.Entries {
		if e.BranchOf != nil {
			arrow := "IF-FALSE"
			if e.BranchOf.Branch {
				arrow = "IF-TRUE"
			}
			fmt.Fprintf(&b, "   %s → %s. [%s] %s\n", arrow, e.Label, e.AgentName, e.Description)
			continue
		}
		fmt.Fprintf(&b, "%s. [%s] %s\n", e.Label, e.AgentName, e.Description)
	}
	return b.String()
}

type graph struct {
	steps       []Step
	byID        map[string]Step
	allOut      map[string][]Edge // every outgoing edge, sorted by target Order
	uncondOut   map[string][]string
	branchOut   map[string][]Edge // conditional edges out of EVALUATE steps
	incoming    map[string]int
}

// Compile builds an ExecutionPlan from a workflow's steps and edges.
// I5: an edge with Condition set must originate from an EVALUATE step, or
// Compile rejects the whole graph.
func Compile(steps []Step, edges []Edge) (*ExecutionPlan, error) {
	if len(steps) == 0 {
		return &ExecutionPlan{StepLabels: map[string]string{}}, nil
	}

	g, err := buildGraph(steps, edges)
	if err != nil {
		return nil, err
	}

	if err := detectCycle(g); err != nil {
		return nil, err
	}

	if len(edges) == 0 {
		return compileSequential(g), nil
	}

	return compileDAG(g), nil
}

func buildGraph(steps []Step, edges []Edge) (*graph, error) {
	sorted := make([]Step, len(steps))
	copy(sorted, steps)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })

	byID := make(map[string]Step, len(steps))
	for _, s := range steps {
		byID[s.ID] = s
	}

	g := &graph{
		steps:     sorted,
		byID:      byID,
		allOut:    make(map[string][]Edge),
		uncondOut: make(map[string][]string),
		branchOut: make(map[string][]Edge),
		incoming:  make(map[string]int),
	}

	for _, e := range edges {
		from, ok := byID[e.FromStepID]
		if !ok {
			return nil, apperror.New(apperror.KindValidation, "edge references unknown step: "+e.FromStepID)
		}
		if _, ok := byID[e.ToStepID]; !ok {
			return nil, apperror.New(apperror.KindValidation, "edge references unknown step: "+e.ToStepID)
		}
		if e.conditional() && from.AgentName != EvaluateAgent {
			return nil, apperror.New(apperror.KindValidation,
				fmt.Sprintf("conditional edge originates from non-EVALUATE step %q", e.FromStepID))
		}

		g.allOut[e.FromStepID] = append(g.allOut[e.FromStepID], e)
		g.incoming[e.ToStepID]++
		if e.conditional() {
			g.branchOut[e.FromStepID] = append(g.branchOut[e.FromStepID], e)
		} else {
			g.uncondOut[e.FromStepID] = append(g.uncondOut[e.FromStepID], e.ToStepID)
		}
	}

	for _, outs := range g.allOut {
		sort.SliceStable(outs, func(i, j int) bool {
			return byID[outs[i].ToStepID].Order < byID[outs[j].ToStepID].Order
		})
	}
	for from := range g.uncondOut {
		targets := g.uncondOut[from]
		sort.SliceStable(targets, func(i, j int) bool {
			return byID[targets[i]].Order < byID[targets[j]].Order
		})
	}
	for from := range g.branchOut {
		sort.SliceStable(g.branchOut[from], func(i, j int) bool {
			return byID[g.branchOut[from][i].ToStepID].Order < byID[g.branchOut[from][j].ToStepID].Order
		})
	}

	return g, nil
}

func detectCycle(g *graph) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(g.steps))
	var visit func(id string) error
	visit = func(id string) error {
		color[id] = gray
		for _, e := range g.allOut[id] {
			switch color[e.ToStepID] {
			case gray:
				return apperror.New(apperror.KindValidation, "workflow edge graph contains a cycle")
			case white:
				if err := visit(e.ToStepID); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}
	for _, s := range g.steps {
		if color[s.ID] == white {
			if err := visit(s.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

func compileSequential(g *graph) *ExecutionPlan {
	plan := &ExecutionPlan{StepLabels: map[string]string{}}
	for i, s := range g.steps {
		label := fmt.Sprintf("%d", i+1)
		plan.StepLabels[s.ID] = label
		plan.Entries = append(plan.Entries, PlanEntry{
			Label: label, StepID: s.ID, AgentName: s.AgentName, Description: s.Description,
		})
	}
	return plan
}

// compileDAG runs the BFS/sub-lettering/branch-nesting algorithm of spec
// §4.4.1 steps 4-8.
func compileDAG(g *graph) *ExecutionPlan {
	plan := &ExecutionPlan{StepLabels: map[string]string{}}

	branchTargets := make(map[string]*BranchRef) // stepID -> where it's nested
	for from, edges := range g.branchOut {
		for _, e := range edges {
			branch := *e.Condition == "true"
			// First EVALUATE parent to claim a target wins; in a well-formed
			// workflow each branch target has exactly one EVALUATE parent.
			if _, claimed := branchTargets[e.ToStepID]; !claimed {
				branchTargets[e.ToStepID] = &BranchRef{PredicateLabel: from, Branch: branch}
			}
		}
	}

	// A root has no incoming edge but at least one outgoing edge; a step with
	// no edges at all is unreachable and is left out of the plan.
	var roots []Step
	for _, s := range g.steps {
		if g.incoming[s.ID] == 0 && len(g.allOut[s.ID]) > 0 {
			roots = append(roots, s)
		}
	}

	visited := make(map[string]bool)
	nextNumber := 1

	assign := func(stepIDs []string) []string {
		var labels []string
		if len(stepIDs) > 1 {
			n := nextNumber
			nextNumber++
			for i, id := range stepIDs {
				label := fmt.Sprintf("%d%c", n, rune('a'+i))
				plan.StepLabels[id] = label
				labels = append(labels, label)
			}
		} else if len(stepIDs) == 1 {
			label := fmt.Sprintf("%d", nextNumber)
			nextNumber++
			plan.StepLabels[stepIDs[0]] = label
			labels = append(labels, label)
		}
		return labels
	}

	var queue []string
	var unassignedRoots []string
	for _, r := range roots {
		if !visited[r.ID] {
			unassignedRoots = append(unassignedRoots, r.ID)
		}
	}
	assign(unassignedRoots)
	for _, id := range unassignedRoots {
		visited[id] = true
		queue = append(queue, id)
	}

	emit := func(id string, branchOf *BranchRef) {
		s := g.byID[id]
		plan.Entries = append(plan.Entries, PlanEntry{
			Label: plan.StepLabels[id], StepID: id, AgentName: s.AgentName, Description: s.Description, BranchOf: branchOf,
		})
	}
	for _, id := range unassignedRoots {
		emit(id, nil)
	}

	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]

		// Branch targets out of this EVALUATE step, nested under its entry.
		var newBranchTargets []string
		for _, e := range g.branchOut[id] {
			if !visited[e.ToStepID] {
				newBranchTargets = append(newBranchTargets, e.ToStepID)
			}
		}
		for _, targetID := range newBranchTargets {
			label := fmt.Sprintf("%d", nextNumber)
			nextNumber++
			plan.StepLabels[targetID] = label
			visited[targetID] = true
			emit(targetID, branchTargets[targetID])
			queue = append(queue, targetID)
		}

		// Unconditional children, possibly shared as parallel siblings.
		var pending []string
		for _, childID := range g.uncondOut[id] {
			if !visited[childID] {
				pending = append(pending, childID)
			}
		}
		if len(pending) == 0 {
			continue
		}
		assign(pending)
		for _, childID := range pending {
			visited[childID] = true
			emit(childID, branchTargets[childID])
			queue = append(queue, childID)
		}
	}

	return plan
}
