package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/apc-daemon/apcd/internal/domain"
	"github.com/apc-daemon/apcd/internal/events"
	"github.com/apc-daemon/apcd/internal/runner"
	"github.com/apc-daemon/apcd/internal/tasks"
	"github.com/apc-daemon/apcd/internal/workflow"
)

// handleSignal is the evaluator's only entry point into scheduling state.
// It runs under c.mu for its entire body — the evaluator is single-
// threaded by construction (spec §4.8), so the lock only ever contends
// with read-only snapshot callers, never with itself.
func (c *Coordinator) handleSignal(sig Signal) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.sessionLocked(sig.SessionID)

	if s.evaluationsPaused && sig.Kind != SignalEvaluationResume {
		s.buffered = append(s.buffered, sig)
		return
	}

	switch sig.Kind {
	case SignalEvaluationResume:
		s.evaluationsPaused = false
		buffered := s.buffered
		s.buffered = nil
		for _, b := range buffered {
			c.dispatchLocked(s, b)
		}

	case SignalExternalDispatch:
		c.admitWorkflowLocked(s, sig.Workflow)

	case SignalExternalCancel:
		c.cancelWorkflowLocked(s, sig.WorkflowID)

	case SignalExternalCancelAll:
		c.cancelSessionLocked(s)

	case SignalAgentCompleted:
		c.handleAgentCompletedLocked(s, sig)

	default:
		c.dispatchLocked(s, sig)
	}
}

// dispatchLocked re-enters the switch above for a buffered signal once
// evaluations have resumed, without re-checking the pause flag.
func (c *Coordinator) dispatchLocked(s *sessionEntry, sig Signal) {
	switch sig.Kind {
	case SignalExternalDispatch:
		c.admitWorkflowLocked(s, sig.Workflow)
	case SignalExternalCancel:
		c.cancelWorkflowLocked(s, sig.WorkflowID)
	case SignalExternalCancelAll:
		c.cancelSessionLocked(s)
	case SignalAgentCompleted:
		c.handleAgentCompletedLocked(s, sig)
	}
}

// admitWorkflowLocked either starts wf immediately or holds it on the
// pending queue behind a higher-priority active blocking:true workflow
// (spec P10 fairness gating — distinct from pool-exhaustion blocking).
func (c *Coordinator) admitWorkflowLocked(s *sessionEntry, wf *domain.Workflow) {
	if wf == nil {
		return
	}
	if blockPriority, blocking := s.highestBlockingPriority(); blocking && wf.Priority > blockPriority {
		s.enqueuePending(wf)
		return
	}
	c.startWorkflowLocked(s, wf)
}

func (c *Coordinator) startWorkflowLocked(s *sessionEntry, wf *domain.Workflow) {
	wf.Status = domain.WorkflowRunning
	phase := wf.Phase
	if phase == "" {
		phase = workflow.FirstPhase(wf.Kind)
	}
	st := workflow.NewState(wf, phase)
	s.activeWorkflows[wf.ID] = st
	c.publish(events.WorkflowStarted, wf.SessionID, map[string]any{"workflowId": wf.ID, "kind": wf.Kind})
	c.driveWorkflow(s, st, nil)
}

// driveWorkflow calls workflow.Advance repeatedly until the workflow
// suspends on StepWaitSignal or reaches a terminal StepComplete/StepFail
// (spec §4.8 point 2). Only the first Advance call consumes sig; every
// subsequent Advance in the same call resumes with nil, mirroring how a
// phase transition immediately continues into its next step.
func (c *Coordinator) driveWorkflow(s *sessionEntry, st *workflow.State, sig *workflow.Signal) {
	for {
		step := workflow.Advance(st, sig)
		sig = nil

		switch step.Kind {
		case workflow.StepNeedAgents:
			names, err := c.deps.Pool.Allocate(st.Workflow.ID, step.RoleID, st.Workflow.SessionID, step.Count)
			if err != nil {
				st.Workflow.Status = domain.WorkflowBlocked
				c.publish(events.DaemonProgress, st.Workflow.SessionID, map[string]any{
					"workflowId": st.Workflow.ID, "blocked": "insufficient agents", "roleId": step.RoleID,
				})
				return
			}
			st.Workflow.Status = domain.WorkflowRunning
			for _, n := range names {
				c.publish(events.AgentAllocated, st.Workflow.SessionID, map[string]any{
					"agentName": n, "workflowId": st.Workflow.ID, "roleId": step.RoleID,
				})
			}
			if step.Count == 1 {
				sig = &workflow.Signal{Kind: "agent_reserved", AgentName: names[0]}
			} else {
				sig = &workflow.Signal{Kind: "agents_reserved", AgentNames: names}
			}
			continue

		case workflow.StepRunAgent:
			c.startAgentRun(st, step)
			return

		case workflow.StepRunAgents:
			for _, r := range step.Runs {
				c.startAgentRun(st, workflow.StepResult{
					AgentName: r.AgentName, Prompt: r.Prompt, ModelTier: r.ModelTier, LogPath: r.LogPath,
				})
			}
			return

		case workflow.StepWaitSignal:
			return

		case workflow.StepEmit:
			c.publish(labelToEventType(step.EventType), st.Workflow.SessionID, step.Payload)
			continue

		case workflow.StepComplete:
			c.finishWorkflowLocked(s, st, domain.WorkflowCompleted, step.Output)
			return

		case workflow.StepFail:
			status := domain.WorkflowFailed
			if step.Reason == "cancelled" {
				status = domain.WorkflowCancelled
			}
			out := step.Output
			if out == nil {
				out = map[string]any{"reason": step.Reason}
			}
			c.finishWorkflowLocked(s, st, status, out)
			return
		}
	}
}

// startAgentRun launches one Agent Runner invocation asynchronously and
// registers its cancellation hook. Completion is delivered back to the
// evaluator as an ordinary agent.completed signal (spec §4.8 point 4).
func (c *Coordinator) startAgentRun(st *workflow.State, step workflow.StepResult) {
	sessionID := st.Workflow.SessionID
	workflowID := st.Workflow.ID
	agentName := step.AgentName

	seq := c.nextWorkflowLogSeq(workflowID)
	logPath := c.deps.Store.Layout().AgentLogFile(sessionID, workflowID, seq, agentName)

	if err := c.deps.Pool.BeginBusy(agentName, step.Prompt, logPath); err != nil {
		// Agent state drifted out from under the workflow (should not
		// happen under single-threaded evaluation); treat as a failed
		// run rather than panicking the evaluator.
		c.Enqueue(Signal{
			SessionID: sessionID, Kind: SignalAgentCompleted, WorkflowID: workflowID, AgentName: agentName,
			Result: domain.AgentRunResult{Success: false, Error: err.Error()},
		})
		return
	}
	c.publish(events.AgentWorkStarted, sessionID, map[string]any{
		"agentName": agentName, "workflowId": workflowID, "logFile": logPath,
	})

	runCtx, cancel := context.WithCancel(c.ctx)
	c.cancelFuncs[agentName] = cancel
	c.cancelOwner[agentName] = workflowID
	c.stopped[agentName] = false

	opts := runner.Options{
		ID:           fmt.Sprintf("%s_%d_%s", workflowID, seq, agentName),
		Prompt:       step.Prompt,
		ModelTier:    step.ModelTier,
		Backend:      c.deps.BackendCommand,
		Command:      c.deps.BackendCommand,
		Args:         []string{"run", "--model", c.resolveModel(step.ModelTier)},
		LogPath:      logPath,
		Timeout:      c.deps.AgentTimeout,
		MaxRetries:   c.deps.MaxRetries,
		RetryDelayMs: c.deps.RetryDelayMs,
		StoppedIntentionally: func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			return c.stopped[agentName]
		},
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		res := c.deps.Runner.Run(runCtx, opts)
		c.Enqueue(Signal{
			SessionID: sessionID, Kind: SignalAgentCompleted, WorkflowID: workflowID, AgentName: agentName,
			Result: domain.AgentRunResult{
				Success:              res.Success,
				OutputText:           res.OutputText,
				ExitCode:             res.ExitCode,
				DurationMs:           res.DurationMs,
				Error:                res.Error,
				StoppedIntentionally: res.StoppedIntentionally,
			},
		})
	}()
}

func (c *Coordinator) handleAgentCompletedLocked(s *sessionEntry, sig Signal) {
	c.publish(events.AgentCompleted, sig.SessionID, map[string]any{
		"agentName": sig.AgentName, "workflowId": sig.WorkflowID,
		"success": sig.Result.Success, "stoppedIntentionally": sig.Result.StoppedIntentionally,
	})
	delete(c.cancelFuncs, sig.AgentName)
	delete(c.cancelOwner, sig.AgentName)
	delete(c.stopped, sig.AgentName)
	c.deps.Pool.Release([]string{sig.AgentName})

	st, ok := s.activeWorkflows[sig.WorkflowID]
	if !ok {
		return
	}
	if st.Workflow.Status == domain.WorkflowCancelled {
		c.finishWorkflowLocked(s, st, domain.WorkflowCancelled, map[string]any{"reason": "cancelled"})
		return
	}
	c.driveWorkflow(s, st, &workflow.Signal{Kind: "agent_completed", AgentName: sig.AgentName, Result: sig.Result})
}

// cancelWorkflowLocked implements spec §5 cancellation: pending workflows
// are simply dropped, active ones are marked cancelled and their
// in-flight agent run (if any) is killed via context cancellation. The
// eventual agent.completed carries stoppedIntentionally:true, so the
// Agent Runner reports success and no retry is attempted.
func (c *Coordinator) cancelWorkflowLocked(s *sessionEntry, workflowID string) {
	for i, wf := range s.pendingQueue {
		if wf.ID == workflowID {
			wf.Status = domain.WorkflowCancelled
			s.pendingQueue = append(s.pendingQueue[:i], s.pendingQueue[i+1:]...)
			c.publish(events.WorkflowCancelled, wf.SessionID, map[string]any{"workflowId": workflowID})
			return
		}
	}

	st, ok := s.activeWorkflows[workflowID]
	if !ok {
		return
	}
	st.Workflow.Status = domain.WorkflowCancelled

	inFlight := false
	for name, owner := range c.cancelOwner {
		if owner == workflowID {
			c.stopped[name] = true
			c.cancelFuncs[name]()
			inFlight = true
		}
	}
	c.publish(events.WorkflowCancelled, st.Workflow.SessionID, map[string]any{"workflowId": workflowID})

	if !inFlight {
		c.finishWorkflowLocked(s, st, domain.WorkflowCancelled, map[string]any{"reason": "cancelled"})
	}
	// else: finished once the in-flight run's agent.completed arrives.
}

// cancelSessionLocked cancels every pending and active workflow in a
// session (Session Facade cancelPlan/stopSession/removeSession, spec
// §4.9). Pending ones are dropped outright; active ones go through the
// same in-flight-aware path as a single cancelWorkflowLocked call.
func (c *Coordinator) cancelSessionLocked(s *sessionEntry) {
	for _, wf := range s.pendingQueue {
		wf.Status = domain.WorkflowCancelled
		c.publish(events.WorkflowCancelled, wf.SessionID, map[string]any{"workflowId": wf.ID})
	}
	s.pendingQueue = nil
	for workflowID := range s.activeWorkflows {
		c.cancelWorkflowLocked(s, workflowID)
	}
}

// finishWorkflowLocked archives a terminal workflow, releases its
// reservations, interprets any follow-on-workflow output flags, and
// promotes blocked/pending work that the freed capacity now allows
// (spec §4.8 point 5, P10).
func (c *Coordinator) finishWorkflowLocked(s *sessionEntry, st *workflow.State, status domain.WorkflowStatus, output map[string]any) {
	st.Workflow.Status = status
	st.Workflow.Output = output
	c.deps.Pool.ReleaseWorkflow(st.Workflow.ID)

	entry := domain.HistoryEntry{Workflow: *st.Workflow.Clone(), ArchivedAt: time.Now()}
	s.completedHistory = append(s.completedHistory, entry)
	delete(s.activeWorkflows, st.Workflow.ID)
	if c.deps.Store != nil {
		c.deps.Store.ArchiveWorkflow(entry)
	}

	evType := events.WorkflowCompleted
	if status == domain.WorkflowCancelled {
		evType = events.WorkflowCancelled
	}
	c.publish(evType, st.Workflow.SessionID, map[string]any{
		"workflowId": st.Workflow.ID, "kind": st.Workflow.Kind, "status": status, "output": output,
	})

	c.handleWorkflowOutputLocked(s, st.Workflow, output)
	c.promoteLocked(s)
}

// handleWorkflowOutputLocked interprets the handful of output flags a
// completed workflow can set to request follow-on work: spawning an
// error_resolution workflow, routing a question back to a task, marking
// a task implementation complete, or resuming one after error recovery.
func (c *Coordinator) handleWorkflowOutputLocked(s *sessionEntry, wf *domain.Workflow, output map[string]any) {
	if output == nil {
		return
	}
	if spawn, _ := output["spawnErrorResolution"].(bool); spawn {
		parentTaskID, _ := output["parentTaskId"].(string)
		reason, _ := output["reason"].(string)
		child := &domain.Workflow{
			ID:           fmt.Sprintf("%s-erf-%d", wf.ID, c.nextWorkflowLogSeq(wf.ID)),
			SessionID:    wf.SessionID,
			Kind:         domain.KindErrorResolution,
			Priority:     wf.Priority,
			ParentTaskID: parentTaskID,
			Input:        map[string]any{"reason": reason, "parentTaskId": parentTaskID},
		}
		c.admitWorkflowLocked(s, child)
		// spec §4.7.3: error-fix budget exhaustion also marks the task
		// blocked_question with a request for direction, independent of
		// whatever error_resolution itself later decides.
		if tm := c.taskManager(wf.SessionID); tm != nil && parentTaskID != "" {
			tm.AskQuestion(parentTaskID, fmt.Sprintf("q-%d", time.Now().UnixNano()),
				"automatic error fixing was exhausted, please advise on how to proceed: "+reason)
		}
		return
	}
	if route, _ := output["routeQuestion"].(bool); route {
		parentTaskID, _ := output["parentTaskId"].(string)
		question, _ := output["question"].(string)
		if tm := c.taskManager(wf.SessionID); tm != nil && parentTaskID != "" {
			tm.AskQuestion(parentTaskID, fmt.Sprintf("q-%d", time.Now().UnixNano()), question)
		}
		return
	}
	if resume, _ := output["resumeTaskImplementation"].(bool); resume {
		// spec §4.7.4: verify re-runs task_implementation from
		// self_review rather than redoing prepare/implement. The
		// completed error_resolution workflow already archived, so
		// this admits a fresh task_implementation workflow for the
		// same task, seeded directly at the phase error_resolution
		// named in "fromPhase" instead of task_implementation's usual
		// first phase.
		parentTaskID, _ := output["parentTaskId"].(string)
		fromPhase, _ := output["fromPhase"].(string)
		if fromPhase == "" {
			fromPhase = workflow.FirstPhase(domain.KindTaskImplementation)
		}
		if tm := c.taskManager(wf.SessionID); tm != nil && parentTaskID != "" {
			tm.TransitionTo(parentTaskID, domain.TaskInProgress)
		}
		child := &domain.Workflow{
			ID:           fmt.Sprintf("%s-resume-%d", wf.ID, c.nextWorkflowLogSeq(wf.ID)),
			SessionID:    wf.SessionID,
			Kind:         domain.KindTaskImplementation,
			Phase:        fromPhase,
			Priority:     wf.Priority,
			ParentTaskID: parentTaskID,
			Input:        map[string]any{"taskId": parentTaskID},
		}
		c.admitWorkflowLocked(s, child)
		return
	}
	if taskID, ok := output["taskId"].(string); ok {
		if tm := c.taskManager(wf.SessionID); tm != nil {
			tm.TransitionTo(taskID, domain.TaskCompleted)
		}
	}
}

func (c *Coordinator) taskManager(sessionID string) *tasks.Manager {
	if c.deps.TaskManagers == nil {
		return nil
	}
	return c.deps.TaskManagers(sessionID)
}

// promoteLocked retries resource-blocked workflows now that a slot may
// have freed, then admits queued pending workflows while fairness
// gating allows (spec §4.8 point 3, P10).
func (c *Coordinator) promoteLocked(s *sessionEntry) {
	for _, st := range s.activeWorkflows {
		if st.Workflow.Status == domain.WorkflowBlocked {
			c.driveWorkflow(s, st, nil)
		}
	}
	for len(s.pendingQueue) > 0 {
		next := s.pendingQueue[0]
		if blockPriority, blocking := s.highestBlockingPriority(); blocking && next.Priority > blockPriority {
			return
		}
		c.startWorkflowLocked(s, s.popPending())
	}
}
