// Package runner implements scheduler.Runner by gluing the Repo, the global
// Session registry, and the WorkflowEngine (Compiler + Executor) together for
// a scheduled fire (spec §4.5): load the workflow, synthesize enablement from
// the global registry with production URLs preferred (I2), compile, execute.
package runner

import (
	"context"
	"strings"

	"github.com/a2aflow/host/internal/common/apperror"
	"github.com/a2aflow/host/internal/common/logger"
	"github.com/a2aflow/host/internal/events/bus"
	"github.com/a2aflow/host/internal/repo"
	"github.com/a2aflow/host/internal/scheduler"
	"github.com/a2aflow/host/internal/session"
	"github.com/a2aflow/host/internal/transport"
	"github.com/a2aflow/host/internal/workflow/compiler"
	"github.com/a2aflow/host/internal/workflow/executor"
)

var _ scheduler.Runner = (*WorkflowRunner)(nil)

// WorkflowRunner adapts the WorkflowEngine to scheduler.Runner.
type WorkflowRunner struct {
	store    repo.Store
	registry *session.Registry
	exec     *executor.Executor
	logger   *logger.Logger
}

// New builds a WorkflowRunner bounded to maxParallel concurrent agent
// dispatches within a single fired run. This is the only place an Executor
// is constructed; interactive turns dispatch through internal/orchestrator.
func New(store repo.Store, registry *session.Registry, tr transport.Transport, eb bus.EventBus, log *logger.Logger, maxParallel int) *WorkflowRunner {
	return &WorkflowRunner{
		store:    store,
		registry: registry,
		exec:     executor.New(tr, eb, log, maxParallel),
		logger:   log,
	}
}

// Run loads workflowID, compiles its graph, and executes it under
// isolatedSessionID — the session id the Scheduler synthesizes per fire
// (spec §4.5: "scheduler::<schedule_id>::<run_nonce>"), used as both
// sessionID and contextID since a scheduled run has no separate turn/context
// distinction. Returns a short excerpt of the final result text for History.
func (r *WorkflowRunner) Run(ctx context.Context, isolatedSessionID, workflowID string) (string, error) {
	wf, err := r.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return "", err
	}

	// A scheduled fire has no evaluator, so a workflow with an EVALUATE step
	// fails the run instead of taking either branch.
	for _, s := range wf.Steps {
		if s.AgentName == compiler.EvaluateAgent {
			return "", apperror.New(apperror.KindValidation, "scheduled runs cannot resolve EVALUATE step "+s.ID)
		}
	}

	agentNames := requiredAgentNames(wf.Steps)
	enabled, err := session.SynthesizeFromGlobal(r.registry, agentNames)
	if err != nil {
		return "", err
	}

	plan, err := compiler.Compile(wf.Steps, wf.Edges)
	if err != nil {
		return "", err
	}

	res, err := r.exec.Execute(ctx, plan, isolatedSessionID, isolatedSessionID, enabled, nil, transport.SendOptions{
		CollectArtifacts: true,
		WorkflowText:     plan.Text(),
		WorkflowGoal:     wf.Goal,
	}, nil) // no evaluator: workflows with EVALUATE steps were rejected above
	if err != nil {
		return "", err
	}
	return excerpt(res.FinalText), nil
}

func requiredAgentNames(steps []compiler.Step) []string {
	seen := make(map[string]bool, len(steps))
	var out []string
	for _, s := range steps {
		if s.AgentName == compiler.EvaluateAgent || seen[s.AgentName] {
			continue
		}
		seen[s.AgentName] = true
		out = append(out, s.AgentName)
	}
	return out
}

const excerptLen = 500

func excerpt(text string) string {
	text = strings.TrimSpace(text)
	if len(text) <= excerptLen {
		return text
	}
	return text[:excerptLen]
}
