package scheduler

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"hypermcp/gateway/internal/pathfinder"
)

// fakeExecutor dispatches tasks to per-task behaviors registered by id;
// unregistered ids succeed immediately with a nil result.
type fakeExecutor struct {
	mu    sync.Mutex
	calls map[string]int
	behav map[string]func(ctx context.Context, task Task) (any, error)
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{calls: map[string]int{}, behav: map[string]func(context.Context, Task) (any, error){}}
}

func (f *fakeExecutor) on(id string, fn func(ctx context.Context, task Task) (any, error)) {
	f.behav[id] = fn
}

func (f *fakeExecutor) Execute(ctx context.Context, task Task) (any, error) {
	f.mu.Lock()
	f.calls[task.ID]++
	f.mu.Unlock()
	if fn, ok := f.behav[task.ID]; ok {
		return fn(ctx, task)
	}
	return "ok", nil
}

func eventKinds(events []ExecutionEvent) []EventKind {
	out := make([]EventKind, len(events))
	for i, e := range events {
		out[i] = e.Kind
	}
	return out
}

func countKind(events []ExecutionEvent, kind EventKind) int {
	n := 0
	for _, e := range events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func TestStartWorkflowRunsLayersAndCompletes(t *testing.T) {
	exec := newFakeExecutor()
	sched := New(exec, NewMemoryCheckpointStore())
	tasks := []Task{
		{ID: "A"},
		{ID: "B", DependsOn: []string{"A"}},
	}
	events, wf, err := sched.StartWorkflow(context.Background(), "wf1", tasks, false, time.Time{})
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	if wf.Status != StatusComplete {
		t.Fatalf("expected complete, got %s", wf.Status)
	}
	if countKind(events, EventTaskComplete) != 2 {
		t.Fatalf("expected 2 task_complete events, got %v", eventKinds(events))
	}
	if countKind(events, EventWorkflowComplete) != 1 {
		t.Fatalf("expected exactly 1 workflow_complete, got %v", eventKinds(events))
	}
	if events[0].Kind != EventWorkflowStart {
		t.Fatalf("expected first event to be workflow_start, got %s", events[0].Kind)
	}
}

func TestTaskRateLimitThrottlesDispatchAcrossALayer(t *testing.T) {
	exec := newFakeExecutor()
	sched := New(exec, NewMemoryCheckpointStore(), WithTaskRateLimit(100, 1))
	tasks := []Task{{ID: "A"}, {ID: "B"}, {ID: "C"}}

	start := time.Now()
	_, wf, err := sched.StartWorkflow(context.Background(), "wf-rate", tasks, false, time.Time{})
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	if wf.Status != StatusComplete {
		t.Fatalf("expected complete, got %s", wf.Status)
	}
	// burst 1 at 100/s means the 2nd and 3rd tasks each wait ~10ms: the
	// limiter, not goroutine scheduling noise, must account for most of it.
	if elapsed := time.Since(start); elapsed < 15*time.Millisecond {
		t.Fatalf("expected the rate limiter to add measurable delay, elapsed %s", elapsed)
	}
}

func TestTaskRateLimitContextCancellationFailsTheTaskNotThePanic(t *testing.T) {
	exec := newFakeExecutor()
	sched := New(exec, NewMemoryCheckpointStore(), WithTaskRateLimit(1, 1))
	tasks := []Task{{ID: "A"}, {ID: "B"}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	events, _, err := sched.StartWorkflow(ctx, "wf-rate-cancel", tasks, false, time.Time{})
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	if countKind(events, EventTaskError) == 0 {
		t.Fatalf("expected at least one task_error once the limiter's Wait sees a cancelled context, got %v", eventKinds(events))
	}
}

func TestPerLayerValidationPausesThenContinues(t *testing.T) {
	exec := newFakeExecutor()
	sched := New(exec, NewMemoryCheckpointStore())
	tasks := []Task{
		{ID: "A"},
		{ID: "B", DependsOn: []string{"A"}},
	}
	events, wf, err := sched.StartWorkflow(context.Background(), "wf2", tasks, true, time.Time{})
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	if wf.Status != StatusPausedAtCheckpoint {
		t.Fatalf("expected paused_at_checkpoint, got %s", wf.Status)
	}
	if countKind(events, EventTaskComplete) != 1 {
		t.Fatalf("expected exactly 1 task_complete before pause, got %v", eventKinds(events))
	}

	if err := sched.Enqueue("wf2", Command{Kind: CommandContinue}); err != nil {
		t.Fatalf("enqueue continue: %v", err)
	}
	events2, wf2, err := sched.Resume(context.Background(), "wf2")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if wf2.Status != StatusPausedAtCheckpoint {
		t.Fatalf("expected paused_at_checkpoint again after continue runs the last layer, got %s", wf2.Status)
	}
	if countKind(events2, EventTaskComplete) != 1 {
		t.Fatalf("expected exactly 1 more task_complete after resume, got %v", eventKinds(events2))
	}
}

func TestAbortCommandStopsWorkflowAndRejectsFurtherCommands(t *testing.T) {
	exec := newFakeExecutor()
	sched := New(exec, NewMemoryCheckpointStore())
	tasks := []Task{{ID: "A"}, {ID: "B", DependsOn: []string{"A"}}}
	_, wf, err := sched.StartWorkflow(context.Background(), "wf3", tasks, true, time.Time{})
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	if wf.Status != StatusPausedAtCheckpoint {
		t.Fatalf("expected paused, got %s", wf.Status)
	}

	if err := sched.Enqueue("wf3", Command{Kind: CommandAbort, Reason: "user cancelled"}); err != nil {
		t.Fatalf("enqueue abort: %v", err)
	}
	events, wf2, err := sched.Resume(context.Background(), "wf3")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if wf2.Status != StatusAborted {
		t.Fatalf("expected aborted, got %s", wf2.Status)
	}
	if countKind(events, EventWorkflowAborted) != 1 {
		t.Fatalf("expected workflow_aborted event, got %v", eventKinds(events))
	}

	if err := sched.Enqueue("wf3", Command{Kind: CommandContinue}); err == nil {
		t.Fatal("expected WorkflowNotFound after abort")
	}
}

func TestContinueQueuedAfterAbortInTheSameBatchIsDiscarded(t *testing.T) {
	exec := newFakeExecutor()
	sched := New(exec, NewMemoryCheckpointStore())
	tasks := []Task{{ID: "A"}, {ID: "B", DependsOn: []string{"A"}}}
	_, wf, err := sched.StartWorkflow(context.Background(), "wf-order", tasks, true, time.Time{})
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	if wf.Status != StatusPausedAtCheckpoint {
		t.Fatalf("expected paused, got %s", wf.Status)
	}

	if err := sched.Enqueue("wf-order", Command{Kind: CommandAbort, Reason: "stop"}); err != nil {
		t.Fatalf("enqueue abort: %v", err)
	}
	if err := sched.Enqueue("wf-order", Command{Kind: CommandContinue}); err != nil {
		t.Fatalf("enqueue continue: %v", err)
	}

	events, wf2, err := sched.Resume(context.Background(), "wf-order")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if wf2.Status != StatusAborted {
		t.Fatalf("expected the abort to win and the trailing continue to be discarded, got %s", wf2.Status)
	}
	if countKind(events, EventTaskComplete) != 0 {
		t.Fatalf("expected no further tasks to run after the abort, got %v", eventKinds(events))
	}
}

func TestCriticalTaskRequiresApprovalAndIsIdempotent(t *testing.T) {
	exec := newFakeExecutor()
	sched := New(exec, NewMemoryCheckpointStore())
	tasks := []Task{{ID: "delete_all", Critical: true}}
	events, wf, err := sched.StartWorkflow(context.Background(), "wf4", tasks, false, time.Time{})
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	if wf.Status != StatusAwaitingApproval {
		t.Fatalf("expected awaiting_approval, got %s", wf.Status)
	}
	if countKind(events, EventDecisionRequired) != 1 {
		t.Fatalf("expected decision_required, got %v", eventKinds(events))
	}
	cpID := wf.PendingApprovalCheckpointID
	if cpID == "" {
		t.Fatal("expected a pending approval checkpoint id")
	}

	if err := sched.Enqueue("wf4", Command{Kind: CommandApprovalResponse, CheckpointID: cpID, Approved: true}); err != nil {
		t.Fatalf("enqueue approval: %v", err)
	}
	// Duplicate response for the same gate must be a no-op (first wins).
	if err := sched.Enqueue("wf4", Command{Kind: CommandApprovalResponse, CheckpointID: cpID, Approved: false}); err != nil {
		t.Fatalf("enqueue duplicate approval: %v", err)
	}

	events2, wf2, err := sched.Resume(context.Background(), "wf4")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if wf2.Status != StatusComplete {
		t.Fatalf("expected complete after approval (duplicate rejection must not override first-wins approval), got %s", wf2.Status)
	}
	if countKind(events2, EventTaskComplete) != 1 {
		t.Fatalf("expected the approved task to run, got %v", eventKinds(events2))
	}
}

func TestCriticalTaskRejectedViaApprovalResponseAbortsWithFeedbackAndPartialResults(t *testing.T) {
	exec := newFakeExecutor()
	sched := New(exec, NewMemoryCheckpointStore())
	tasks := []Task{
		{ID: "fs:list_dir"},
		{ID: "db:drop_table", Critical: true, DependsOn: []string{"fs:list_dir"}},
	}
	events, wf, err := sched.StartWorkflow(context.Background(), "wf-hil", tasks, false, time.Time{})
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	if wf.Status != StatusAwaitingApproval {
		t.Fatalf("expected awaiting_approval, got %s", wf.Status)
	}
	if countKind(events, EventTaskComplete) != 1 {
		t.Fatalf("expected the non-critical layer 0 task to have completed already, got %v", eventKinds(events))
	}
	cpID := wf.PendingApprovalCheckpointID

	if err := sched.Enqueue("wf-hil", Command{Kind: CommandApprovalResponse, CheckpointID: cpID, Approved: false, Feedback: "forbidden"}); err != nil {
		t.Fatalf("enqueue rejection: %v", err)
	}
	events2, wf2, err := sched.Resume(context.Background(), "wf-hil")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if wf2.Status != StatusAborted {
		t.Fatalf("expected aborted after rejection, got %s", wf2.Status)
	}
	aborted := events2[len(events2)-1]
	if aborted.Kind != EventWorkflowAborted || !strings.Contains(aborted.Reason, "forbidden") {
		t.Fatalf("expected the abort reason to contain the rejection feedback, got %+v", aborted)
	}
	if _, ok := wf2.Results["fs:list_dir"]; !ok {
		t.Fatal("expected the completed layer's partial results to survive the abort")
	}
	if _, ok := wf2.Results["db:drop_table"]; ok {
		t.Fatal("expected the rejected task to never have run")
	}
}

func TestTaskTimeoutRecordsTaskErrorButWorkflowContinues(t *testing.T) {
	exec := newFakeExecutor()
	exec.on("slow", func(ctx context.Context, task Task) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	sched := New(exec, NewMemoryCheckpointStore(), WithTaskTimeout(10*time.Millisecond))
	tasks := []Task{{ID: "slow"}}
	events, wf, err := sched.StartWorkflow(context.Background(), "wf5", tasks, false, time.Time{})
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	if wf.Status != StatusComplete {
		t.Fatalf("expected workflow to still complete past a single task timeout, got %s", wf.Status)
	}
	if countKind(events, EventTaskError) != 1 {
		t.Fatalf("expected a task_error event, got %v", eventKinds(events))
	}
	rec := wf.Results["slow"]
	if rec.Success {
		t.Fatal("expected the timed-out task to be recorded as unsuccessful")
	}
}

// fakeReplanner appends one new task, dependent on the single completed
// task it is told about, regardless of currentDAG's contents.
type fakeReplanner struct {
	newTaskID string
}

func (r *fakeReplanner) Replan(_ context.Context, currentDAG pathfinder.DAG, completedTasks []string, _ string, _ []string) (pathfinder.DAG, error) {
	out := pathfinder.DAG{Tasks: append([]pathfinder.Task{}, currentDAG.Tasks...)}
	out.Tasks = append(out.Tasks, pathfinder.Task{ID: r.newTaskID, DependsOn: completedTasks})
	return out, nil
}

func TestReplanDagAppendsNewTaskDependentOnCompleted(t *testing.T) {
	exec := newFakeExecutor()
	sched := New(exec, NewMemoryCheckpointStore(), WithReplanner(&fakeReplanner{newTaskID: "C"}))
	tasks := []Task{{ID: "A"}}
	_, wf, err := sched.StartWorkflow(context.Background(), "wf6", tasks, true, time.Time{})
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	if wf.Status != StatusPausedAtCheckpoint {
		t.Fatalf("expected paused after layer 0, got %s", wf.Status)
	}
	if wf.Results["A"].Success != true {
		t.Fatal("expected task A to have completed before replan")
	}

	if err := sched.Enqueue("wf6", Command{Kind: CommandReplanDAG, NewRequirement: "do more"}); err != nil {
		t.Fatalf("enqueue replan: %v", err)
	}
	events, wf2, err := sched.Resume(context.Background(), "wf6")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if wf2.Status != StatusPausedAtCheckpoint {
		t.Fatalf("expected paused_at_checkpoint after replan runs the new task's layer, got %s", wf2.Status)
	}
	if countKind(events, EventTaskComplete) != 1 {
		t.Fatalf("expected exactly the new task C to run, got %v", eventKinds(events))
	}
	if _, ran := exec.calls["A"]; !ran {
		t.Fatal("expected A to have been dispatched before the replan")
	}
	if exec.calls["A"] != 1 {
		t.Fatalf("expected completed task A to never be re-dispatched by replan, got %d calls", exec.calls["A"])
	}
}

func TestStratifyRejectsCycle(t *testing.T) {
	tasks := []Task{
		{ID: "A", DependsOn: []string{"B"}},
		{ID: "B", DependsOn: []string{"A"}},
	}
	if _, err := stratify(tasks); err == nil {
		t.Fatal("expected an error for a cyclic task graph")
	}
}
