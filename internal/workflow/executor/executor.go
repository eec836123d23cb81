// Package executor drives a compiled ExecutionPlan against real remote
// agents: dispatching each numbered step through Transport, respecting
// parallel-sibling concurrency and EVALUATE branch skipping (spec §4.4.2).
package executor

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/a2aflow/host/internal/common/apperror"
	"github.com/a2aflow/host/internal/common/logger"
	"github.com/a2aflow/host/internal/events"
	"github.com/a2aflow/host/internal/events/bus"
	"github.com/a2aflow/host/internal/session"
	"github.com/a2aflow/host/internal/transport"
	"github.com/a2aflow/host/internal/workflow/compiler"
	"github.com/a2aflow/host/pkg/a2a"
)

// EvaluateFunc resolves an EVALUATE step's boolean verdict. The caller of
// Execute supplies it; the only caller, internal/workflow/runner, passes nil
// (spec §9 design note: dynamic dispatch resolved by capability lookup, not a
// hardcoded agent).
type EvaluateFunc func(ctx context.Context, sessionID, contextID string, entry compiler.PlanEntry) (bool, error)

// StepResult is one plan entry's outcome.
type StepResult struct {
	Label   string
	StepID  string
	Skipped bool
	Reply   *a2a.AgentReply
	Err     error
}

// RunResult is the aggregate outcome of Execute.
type RunResult struct {
	Steps     []StepResult
	FinalText string
}

// Executor runs a compiled plan to completion, tolerating per-step failures
// on parallel branches (spec §4.4.2: siblings continue, partial success with
// explicit per-step status).
type Executor struct {
	transport   transport.Transport
	bus         bus.EventBus
	logger      *logger.Logger
	maxParallel int64
}

// New builds an Executor bounded to maxParallel concurrent agent dispatches
// (spec §9 design note: bounded task pool via semaphore).
func New(tr transport.Transport, eb bus.EventBus, log *logger.Logger, maxParallel int) *Executor {
	if maxParallel <= 0 {
		maxParallel = 8
	}
	return &Executor{transport: tr, bus: eb, logger: log, maxParallel: int64(maxParallel)}
}

// Execute dispatches plan's entries wave by wave: entries that share a
// numeric label prefix (parallel siblings) run concurrently; a wave starts
// only once the previous wave has fully resolved.
func (ex *Executor) Execute(
	ctx context.Context,
	plan *compiler.ExecutionPlan,
	sessionID, contextID string,
	enabled map[string]*session.EnabledAgent,
	parts []a2a.Part,
	opts transport.SendOptions,
	evaluate EvaluateFunc,
) (*RunResult, error) {
	waves := groupByWave(plan.Entries)

	verdicts := make(map[string]bool) // EVALUATE step id -> chosen branch
	result := &RunResult{}
	sem := semaphore.NewWeighted(ex.maxParallel)

	for _, wave := range waves {
		var (
			mu  sync.Mutex
			wg  sync.WaitGroup
			errs []error
		)

		for _, entry := range wave {
			entry := entry

			if entry.BranchOf != nil {
				chosen, known := verdicts[entry.BranchOf.PredicateLabel]
				if !known || chosen != entry.BranchOf.Branch {
					mu.Lock()
					result.Steps = append(result.Steps, StepResult{Label: entry.Label, StepID: entry.StepID, Skipped: true})
					mu.Unlock()
					ex.logger.Debug("workflow branch skipped",
						zap.String("step", entry.StepID), zap.String("label", entry.Label))
					continue
				}
			}

			if entry.AgentName == compiler.EvaluateAgent {
				verdict, err := ex.runEvaluate(ctx, evaluate, sessionID, contextID, entry)
				mu.Lock()
				verdicts[entry.StepID] = verdict
				result.Steps = append(result.Steps, StepResult{Label: entry.Label, StepID: entry.StepID, Err: err})
				mu.Unlock()
				continue
			}

			if err := sem.Acquire(ctx, 1); err != nil {
				mu.Lock()
				result.Steps = append(result.Steps, StepResult{Label: entry.Label, StepID: entry.StepID, Err: err})
				errs = append(errs, err)
				mu.Unlock()
				continue
			}

			wg.Add(1)
			go func() {
				defer wg.Done()
				defer sem.Release(1)

				res := ex.dispatchStep(ctx, sessionID, contextID, enabled, parts, opts, entry)

				mu.Lock()
				result.Steps = append(result.Steps, res)
				if res.Err != nil {
					errs = append(errs, res.Err)
				}
				mu.Unlock()
			}()
		}

		wg.Wait()
		_ = errs // step-level failures are reported per-entry; the wave itself always proceeds
	}

	result.FinalText = joinReplies(result.Steps)
	ex.publish(sessionID, contextID, a2a.EventFinalResponse, map[string]interface{}{"result": result.FinalText})
	return result, nil
}

func (ex *Executor) runEvaluate(ctx context.Context, evaluate EvaluateFunc, sessionID, contextID string, entry compiler.PlanEntry) (bool, error) {
	ex.publish(sessionID, contextID, a2a.EventWorkflowStepStarted, map[string]interface{}{"label": entry.Label, "agent": entry.AgentName})
	if evaluate == nil {
		err := apperror.New(apperror.KindValidation, "workflow requires an EVALUATE step but no evaluator was configured")
		ex.publish(sessionID, contextID, a2a.EventWorkflowStepCompleted, map[string]interface{}{"label": entry.Label, "error": err.Error()})
		return false, err
	}
	verdict, err := evaluate(ctx, sessionID, contextID, entry)
	data := map[string]interface{}{"label": entry.Label, "verdict": verdict}
	if err != nil {
		data["error"] = err.Error()
	}
	ex.publish(sessionID, contextID, a2a.EventWorkflowStepCompleted, data)
	return verdict, err
}

func (ex *Executor) dispatchStep(
	ctx context.Context,
	sessionID, contextID string,
	enabled map[string]*session.EnabledAgent,
	parts []a2a.Part,
	opts transport.SendOptions,
	entry compiler.PlanEntry,
) StepResult {
	ex.publish(sessionID, contextID, a2a.EventWorkflowStepStarted, map[string]interface{}{"label": entry.Label, "agent": entry.AgentName})

	agent, ok := enabled[entry.AgentName]
	if !ok {
		err := apperror.New(apperror.KindNotFound, "agent not enabled for this session: "+entry.AgentName)
		ex.publish(sessionID, contextID, a2a.EventWorkflowStepCompleted, map[string]interface{}{"label": entry.Label, "error": err.Error()})
		return StepResult{Label: entry.Label, StepID: entry.StepID, Err: err}
	}

	reply, err := ex.transport.Send(ctx, agent, sessionID, contextID, parts, opts)
	data := map[string]interface{}{"label": entry.Label, "agent": entry.AgentName}
	if err != nil {
		data["error"] = err.Error()
	}
	ex.publish(sessionID, contextID, a2a.EventWorkflowStepCompleted, data)
	return StepResult{Label: entry.Label, StepID: entry.StepID, Reply: reply, Err: err}
}

func (ex *Executor) publish(sessionID, contextID string, eventType a2a.EventType, data map[string]interface{}) {
	data["_routing"] = events.Routing(sessionID, contextID)
	evt := bus.NewEvent(string(eventType), "executor", data)
	_ = ex.bus.Publish(context.Background(), events.Subject(sessionID, contextID), evt)
}

// groupByWave buckets plan entries by the leading integer of their label
// ("2a"/"2b" share wave 2; a branch target like "3" is its own wave), in
// ascending numeric order.
func groupByWave(entries []compiler.PlanEntry) [][]compiler.PlanEntry {
	order := []int{}
	byNum := map[int][]compiler.PlanEntry{}
	for _, e := range entries {
		n := leadingInt(e.Label)
		if _, ok := byNum[n]; !ok {
			order = append(order, n)
		}
		byNum[n] = append(byNum[n], e)
	}
	sortInts(order)

	waves := make([][]compiler.PlanEntry, 0, len(order))
	for _, n := range order {
		waves = append(waves, byNum[n])
	}
	return waves
}

func leadingInt(label string) int {
	i := 0
	for i < len(label) && label[i] >= '0' && label[i] <= '9' {
		i++
	}
	n, _ := strconv.Atoi(label[:i])
	return n
}

func sortInts(xs []int) {
	for i := 1; i < len(xs); i++ {
		for j := i; j > 0 && xs[j-1] > xs[j]; j-- {
			xs[j-1], xs[j] = xs[j], xs[j-1]
		}
	}
}

func joinReplies(steps []StepResult) string {
	var parts []string
	for _, s := range steps {
		if s.Skipped || s.Reply == nil || s.Reply.Text == "" {
			continue
		}
		parts = append(parts, s.Reply.Text)
	}
	return strings.Join(parts, "\n")
}
