package scheduler

import (
	"context"
	"fmt"
	"sort"
	"time"

	"hypermcp/gateway/internal/gwerrors"
	"hypermcp/gateway/internal/pathfinder"
)

// stratify arranges tasks into topological layers by Kahn's algorithm:
// layer 0 holds every task with no unsettled dependency within the given
// set, layer 1 every task whose dependencies are all in layer 0, and so
// on. A dependsOn id absent from tasks is treated as already satisfied
// (this is what lets a replan restratify only the not-yet-run remainder,
// whose tasks may depend on already-completed ones). A leftover task
// after no more zero-indegree tasks remain indicates tasks is cyclic.
func stratify(tasks []Task) ([][]string, error) {
	indegree := make(map[string]int, len(tasks))
	dependents := make(map[string][]string, len(tasks))
	present := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		present[t.ID] = true
		indegree[t.ID] = 0
	}
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if !present[dep] {
				continue
			}
			indegree[t.ID]++
			dependents[dep] = append(dependents[dep], t.ID)
		}
	}

	var layers [][]string
	remaining := len(tasks)
	for remaining > 0 {
		var layer []string
		for id, deg := range indegree {
			if deg == 0 {
				layer = append(layer, id)
			}
		}
		if len(layer) == 0 {
			return nil, gwerrors.New(gwerrors.InvalidParams, "task graph contains a cycle; cannot stratify into layers")
		}
		sort.Strings(layer)
		for _, id := range layer {
			delete(indegree, id)
			remaining--
			for _, dep := range dependents[id] {
				indegree[dep]--
			}
		}
		layers = append(layers, layer)
	}
	return layers, nil
}

// runLoop drives the state machine forward from wf's current Status,
// appending events to *events, until it reaches a pause point: a
// checkpoint under per-layer validation, an approval gate, completion, or
// abort. It is the single place that transitions Status.
func (s *Scheduler) runLoop(ctx context.Context, wf *WorkflowState, events *[]ExecutionEvent) error {
	for {
		if !wf.Deadline.IsZero() && time.Now().After(wf.Deadline) {
			s.abort(ctx, wf, events, "workflow deadline exceeded")
			return nil
		}

		if s.drainAndApplyCommands(ctx, wf, events) {
			return nil // aborted
		}
		if wf.Status == StatusPausedAtCheckpoint || wf.Status == StatusAwaitingApproval {
			return nil
		}

		if wf.CurrentLayer >= len(wf.Layers) {
			s.complete(wf, events)
			return nil
		}

		layer := wf.Layers[wf.CurrentLayer]
		if taskID, blocked := s.pendingApproval(wf, layer); blocked {
			cp := s.writeCheckpoint(ctx, wf)
			wf.Status = StatusAwaitingApproval
			wf.PendingApprovalTaskID = taskID
			wf.PendingApprovalCheckpointID = cp.ID
			if s.approvalTimeout > 0 {
				wf.ApprovalDeadline = time.Now().Add(s.approvalTimeout)
			}
			*events = append(*events, ExecutionEvent{
				Kind: EventCheckpoint, WorkflowID: wf.WorkflowID, Layer: wf.CurrentLayer,
				CheckpointID: cp.ID, Timestamp: cp.CreatedAt,
			})
			*events = append(*events, ExecutionEvent{
				Kind: EventDecisionRequired, WorkflowID: wf.WorkflowID, Layer: wf.CurrentLayer,
				TaskID: taskID, CheckpointID: cp.ID, Timestamp: time.Now(),
			})
			return nil
		}

		s.runLayer(ctx, wf, layer, events)
		wf.CurrentLayer++

		cp := s.writeCheckpoint(ctx, wf)
		*events = append(*events, ExecutionEvent{
			Kind: EventCheckpoint, WorkflowID: wf.WorkflowID, Layer: wf.CurrentLayer - 1,
			CheckpointID: cp.ID, Timestamp: cp.CreatedAt,
		})
		if wf.PerLayerValidation {
			wf.Status = StatusPausedAtCheckpoint
			return nil
		}
	}
}

// pendingApproval reports the lowest (for determinism) task id in layer
// that is critical and has not yet been cleared by an approval_response.
func (s *Scheduler) pendingApproval(wf *WorkflowState, layer []string) (string, bool) {
	ids := append([]string{}, layer...)
	sort.Strings(ids)
	for _, id := range ids {
		t := wf.TasksByID[id]
		if t.Critical && !wf.ApprovedTasks[id] {
			return id, true
		}
	}
	return "", false
}

// runLayer dispatches every task in layer concurrently, emits task_start
// events up front in layer order, then appends task_complete/task_error
// events in settlement order as each task finishes (per the spec's
// ordering guarantee, independent of dispatch order).
func (s *Scheduler) runLayer(ctx context.Context, wf *WorkflowState, layer []string, events *[]ExecutionEvent) {
	now := time.Now()
	for _, id := range layer {
		*events = append(*events, ExecutionEvent{Kind: EventTaskStart, WorkflowID: wf.WorkflowID, Layer: wf.CurrentLayer, TaskID: id, Timestamp: now})
	}

	out := make(chan taskSettlement, len(layer))
	for _, id := range layer {
		task := wf.TasksByID[id]
		go func(task Task) {
			out <- s.execOne(ctx, wf, task)
		}(task)
	}
	for range layer {
		r := <-out
		*events = append(*events, r.ev)
		wf.Results[r.rec.TaskID] = r.rec
		if r.rec.Success {
			s.metrics.IncCounter("scheduler.task.success", 1, "task_id", r.rec.TaskID)
		} else {
			s.metrics.IncCounter("scheduler.task.failure", 1, "task_id", r.rec.TaskID)
		}
	}
}

// taskSettlement pairs a task's emitted event with its durable record.
type taskSettlement struct {
	ev  ExecutionEvent
	rec TaskRecord
}

// execOne runs a single task with its timeout, retrying once if it fails
// and is marked safeToRetry.
func (s *Scheduler) execOne(ctx context.Context, wf *WorkflowState, task Task) taskSettlement {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			finish := time.Now()
			rec := TaskRecord{TaskID: task.ID, Success: false, Confidence: task.Confidence, Err: err, ErrKind: gwerrors.Timeout, StartedAt: finish, FinishedAt: finish}
			return taskSettlement{
				ev:  ExecutionEvent{Kind: EventTaskError, WorkflowID: wf.WorkflowID, Layer: wf.CurrentLayer, TaskID: task.ID, Err: err, ErrKind: gwerrors.Timeout, Timestamp: finish},
				rec: rec,
			}
		}
	}

	start := time.Now()
	out, err := s.invokeWithTimeout(ctx, task)
	if err != nil && task.SafeToRetry {
		out, err = s.invokeWithTimeout(ctx, task)
	}
	finish := time.Now()

	if err != nil {
		kind := gwerrors.DownstreamError
		if k, ok := gwerrors.KindOf(err); ok {
			kind = k
		}
		rec := TaskRecord{TaskID: task.ID, Success: false, Confidence: task.Confidence, Err: err, ErrKind: kind, StartedAt: start, FinishedAt: finish}
		return taskSettlement{
			ev:  ExecutionEvent{Kind: EventTaskError, WorkflowID: wf.WorkflowID, Layer: wf.CurrentLayer, TaskID: task.ID, Err: err, ErrKind: kind, Timestamp: finish},
			rec: rec,
		}
	}
	rec := TaskRecord{TaskID: task.ID, Success: true, Output: out, Confidence: task.Confidence, StartedAt: start, FinishedAt: finish}
	return taskSettlement{
		ev:  ExecutionEvent{Kind: EventTaskComplete, WorkflowID: wf.WorkflowID, Layer: wf.CurrentLayer, TaskID: task.ID, Output: out, Timestamp: finish},
		rec: rec,
	}
}

func (s *Scheduler) invokeWithTimeout(ctx context.Context, task Task) (any, error) {
	timeout := s.taskTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		out any
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := s.executor.Execute(tctx, task)
		done <- result{out, err}
	}()
	select {
	case r := <-done:
		return r.out, r.err
	case <-tctx.Done():
		return nil, gwerrors.New(gwerrors.Timeout, fmt.Sprintf("task %s exceeded its %s deadline", task.ID, timeout))
	}
}

// drainAndApplyCommands consumes every pending command for wf in arrival
// order, applying continue/abort/replan_dag/approval_response. Returns
// true if the workflow was aborted.
func (s *Scheduler) drainAndApplyCommands(ctx context.Context, wf *WorkflowState, events *[]ExecutionEvent) bool {
	s.mu.Lock()
	q := s.queues[wf.WorkflowID]
	s.mu.Unlock()
	if q == nil {
		return false
	}
	for _, cmd := range q.drain() {
		switch cmd.Kind {
		case CommandAbort:
			s.abort(ctx, wf, events, cmd.Reason)
			return true
		case CommandContinue:
			if wf.Status == StatusPausedAtCheckpoint {
				wf.Status = StatusRunningLayer
			}
		case CommandApprovalResponse:
			if wf.ResolvedApprovals[cmd.CheckpointID] {
				continue // duplicate approval_response for this gate: first wins
			}
			wf.ResolvedApprovals[cmd.CheckpointID] = true
			if wf.Status == StatusAwaitingApproval && cmd.CheckpointID == wf.PendingApprovalCheckpointID {
				if cmd.Approved {
					wf.ApprovedTasks[wf.PendingApprovalTaskID] = true
					wf.Status = StatusRunningLayer
					wf.PendingApprovalTaskID = ""
					wf.PendingApprovalCheckpointID = ""
				} else {
					s.abort(ctx, wf, events, "approval rejected: "+cmd.Feedback)
					return true
				}
			}
		case CommandReplanDAG:
			if err := s.applyReplan(ctx, wf, cmd); err != nil {
				s.logger.With("workflow_id", wf.WorkflowID, "layer", wf.CurrentLayer).Warn(ctx, "replan_dag failed", "error", err)
			}
		}
	}
	return false
}

// applyReplan invokes the wired Replanner to produce an updated DAG from
// the current task graph, the completed task ids, and the new
// requirement, then re-stratifies the not-yet-run remainder (discarding
// the old, not-yet-executed layers in favor of the replanner's output).
// Completed tasks and their recorded results are never touched.
func (s *Scheduler) applyReplan(ctx context.Context, wf *WorkflowState, cmd Command) error {
	if s.replanner == nil {
		return gwerrors.New(gwerrors.InvalidParams, "replan_dag received but no replanner is configured")
	}

	var currentDAG pathfinder.DAG
	for id, t := range wf.TasksByID {
		currentDAG.Tasks = append(currentDAG.Tasks, pathfinder.Task{ID: id, IsCapability: t.IsCapability, DependsOn: t.DependsOn})
	}
	var completed []string
	for id, rec := range wf.Results {
		if rec.Success {
			completed = append(completed, id)
		}
	}
	sort.Strings(completed)

	newDAG, err := s.replanner.Replan(ctx, currentDAG, completed, cmd.NewRequirement, cmd.AvailableContext)
	if err != nil {
		return err
	}

	completedSet := make(map[string]bool, len(completed))
	for _, id := range completed {
		completedSet[id] = true
	}

	remaining := make([]Task, 0, len(newDAG.Tasks))
	for _, t := range newDAG.Tasks {
		if completedSet[t.ID] {
			continue // completed tasks keep their recorded result; never re-dispatched
		}
		nt := Task{ID: t.ID, IsCapability: t.IsCapability, DependsOn: t.DependsOn}
		if existing, ok := wf.TasksByID[t.ID]; ok {
			nt.Critical = existing.Critical
			nt.SafeToRetry = existing.SafeToRetry
			nt.Confidence = existing.Confidence
		}
		wf.TasksByID[t.ID] = nt
		remaining = append(remaining, nt)
	}

	layers, err := stratify(remaining)
	if err != nil {
		return err
	}
	wf.Layers = append(wf.Layers[:wf.CurrentLayer:wf.CurrentLayer], layers...)
	wf.Status = StatusRunningLayer
	return nil
}
