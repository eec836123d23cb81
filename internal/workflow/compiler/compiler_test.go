package compiler

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func condPtr(v string) *string { return &v }

func TestCompile_SequentialNoEdges(t *testing.T) {
	steps := []Step{
		{ID: "s1", Order: 1, AgentName: "writer", Description: "draft"},
		{ID: "s2", Order: 2, AgentName: "editor", Description: "polish"},
		{ID: "s3", Order: 3, AgentName: "publisher", Description: "ship"},
	}
	plan, err := Compile(steps, nil)
	require.NoError(t, err)
	require.Len(t, plan.Entries, 3)
	require.Equal(t, []string{"1", "2", "3"}, []string{plan.Entries[0].Label, plan.Entries[1].Label, plan.Entries[2].Label})
}

func TestCompile_SequentialWithEdges(t *testing.T) {
	steps := []Step{
		{ID: "s1", Order: 1, AgentName: "a1", Description: "d1"},
		{ID: "s2", Order: 2, AgentName: "a2", Description: "d2"},
		{ID: "s3", Order: 3, AgentName: "a3", Description: "d3"},
	}
	edges := []Edge{
		{FromStepID: "s1", ToStepID: "s2"},
		{FromStepID: "s2", ToStepID: "s3"},
	}
	plan, err := Compile(steps, edges)
	require.NoError(t, err)
	require.Equal(t, "1", plan.StepLabels["s1"])
	require.Equal(t, "2", plan.StepLabels["s2"])
	require.Equal(t, "3", plan.StepLabels["s3"])
	require.Equal(t, "1. [a1] d1\n2. [a2] d2\n3. [a3] d3\n", plan.Text())
}

func TestCompile_ParallelFanOutSharesNumber(t *testing.T) {
	steps := []Step{
		{ID: "s1", Order: 1, AgentName: "a1", Description: "d1"},
		{ID: "s2", Order: 2, AgentName: "a2", Description: "d2"},
		{ID: "s3", Order: 3, AgentName: "a3", Description: "d3"},
		{ID: "s4", Order: 4, AgentName: "a4", Description: "d4"},
	}
	edges := []Edge{
		{FromStepID: "s1", ToStepID: "s2"},
		{FromStepID: "s1", ToStepID: "s3"},
		{FromStepID: "s2", ToStepID: "s4"},
		{FromStepID: "s3", ToStepID: "s4"},
	}
	plan, err := Compile(steps, edges)
	require.NoError(t, err)
	require.Equal(t, "1", plan.StepLabels["s1"])
	require.Equal(t, "2a", plan.StepLabels["s2"])
	require.Equal(t, "2b", plan.StepLabels["s3"])
	require.Equal(t, "3", plan.StepLabels["s4"])
	require.Len(t, plan.Entries, 4) // s4 must appear exactly once despite two parents
}

func TestCompile_EvaluationBranching(t *testing.T) {
	steps := []Step{
		{ID: "s1", Order: 1, AgentName: "a1", Description: "d1"},
		{ID: "eval", Order: 2, AgentName: EvaluateAgent, Description: "check"},
		{ID: "s2", Order: 3, AgentName: "a2", Description: "on-true"},
		{ID: "s3", Order: 4, AgentName: "a3", Description: "on-false"},
		{ID: "s4", Order: 5, AgentName: "a4", Description: "join"},
	}
	edges := []Edge{
		{FromStepID: "s1", ToStepID: "eval"},
		{FromStepID: "eval", ToStepID: "s2", Condition: condPtr("true")},
		{FromStepID: "eval", ToStepID: "s3", Condition: condPtr("false")},
		{FromStepID: "s2", ToStepID: "s4"},
		{FromStepID: "s3", ToStepID: "s4"},
	}
	plan, err := Compile(steps, edges)
	require.NoError(t, err)

	require.Equal(t, "1", plan.StepLabels["s1"])
	require.Equal(t, "2", plan.StepLabels["eval"])

	var s2Entry, s3Entry *PlanEntry
	for i := range plan.Entries {
		if plan.Entries[i].StepID == "s2" {
			s2Entry = &plan.Entries[i]
		}
		if plan.Entries[i].StepID == "s3" {
			s3Entry = &plan.Entries[i]
		}
	}
	require.NotNil(t, s2Entry)
	require.NotNil(t, s3Entry)
	require.NotNil(t, s2Entry.BranchOf)
	require.True(t, s2Entry.BranchOf.Branch)
	require.Equal(t, "eval", s2Entry.BranchOf.PredicateLabel)
	require.NotNil(t, s3Entry.BranchOf)
	require.False(t, s3Entry.BranchOf.Branch)

	// s4 is reachable from both branch arms but must appear exactly once.
	s4Count := 0
	for _, e := range plan.Entries {
		if e.StepID == "s4" {
			s4Count++
		}
	}
	require.Equal(t, 1, s4Count)
	require.NotEqual(t, plan.StepLabels["s2"], plan.StepLabels["s3"])
}

func TestCompile_RejectsConditionalEdgeFromNonEvaluate(t *testing.T) {
	steps := []Step{
		{ID: "s1", Order: 1, AgentName: "a1", Description: "d1"},
		{ID: "s2", Order: 2, AgentName: "a2", Description: "d2"},
	}
	edges := []Edge{
		{FromStepID: "s1", ToStepID: "s2", Condition: condPtr("true")},
	}
	_, err := Compile(steps, edges)
	require.Error(t, err)
}

func TestCompile_RejectsCycle(t *testing.T) {
	steps := []Step{
		{ID: "s1", Order: 1, AgentName: "a1", Description: "d1"},
		{ID: "s2", Order: 2, AgentName: "a2", Description: "d2"},
	}
	edges := []Edge{
		{FromStepID: "s1", ToStepID: "s2"},
		{FromStepID: "s2", ToStepID: "s1"},
	}
	_, err := Compile(steps, edges)
	require.Error(t, err)
}

func TestCompile_UnreachableStepSilentlyOmitted(t *testing.T) {
	steps := []Step{
		{ID: "s1", Order: 1, AgentName: "a1", Description: "d1"},
		{ID: "s2", Order: 2, AgentName: "a2", Description: "d2"},
		{ID: "orphan", Order: 3, AgentName: "a3", Description: "never reached"},
	}
	edges := []Edge{
		{FromStepID: "s1", ToStepID: "s2"},
	}
	plan, err := Compile(steps, edges)
	require.NoError(t, err)
	require.Len(t, plan.Entries, 2)
	_, ok := plan.StepLabels["orphan"]
	require.False(t, ok)
}

func TestCompile_IsDeterministic(t *testing.T) {
	steps := []Step{
		{ID: "s1", Order: 1, AgentName: "a1", Description: "d1"},
		{ID: "s2", Order: 2, AgentName: "a2", Description: "d2"},
		{ID: "s3", Order: 3, AgentName: "a3", Description: "d3"},
	}
	edges := []Edge{
		{FromStepID: "s1", ToStepID: "s2"},
		{FromStepID: "s1", ToStepID: "s3"},
	}
	plan1, err := Compile(steps, edges)
	require.NoError(t, err)
	plan2, err := Compile(steps, edges)
	require.NoError(t, err)
	require.Equal(t, plan1.StepLabels, plan2.StepLabels)
	require.Equal(t, plan1.Text(), plan2.Text())
}
