// Package scheduler implements the Execution Scheduler (C6): a
// cooperative, single-threaded-per-workflow DAG executor. Tasks within a
// layer are dispatched together and awaited jointly; the scheduler pauses
// at layer boundaries, command-queue polls, and HIL approval waits, driven
// by an explicit state machine rather than native coroutines.
package scheduler

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"hypermcp/gateway/internal/gwerrors"
	"hypermcp/gateway/internal/pathfinder"
	"hypermcp/gateway/internal/telemetry"
)

// Status is one state of the scheduler's per-workflow state machine.
type Status string

const (
	StatusInit                Status = "init"
	StatusRunningLayer         Status = "running_layer"
	StatusPausedAtCheckpoint   Status = "paused_at_checkpoint"
	StatusAwaitingApproval     Status = "awaiting_approval"
	StatusReplanning           Status = "replanning"
	StatusComplete             Status = "complete"
	StatusAborted              Status = "aborted"
)

// EventKind discriminates the eight kinds of ExecutionEvent the scheduler
// emits.
type EventKind string

const (
	EventWorkflowStart    EventKind = "workflow_start"
	EventTaskStart        EventKind = "task_start"
	EventTaskComplete     EventKind = "task_complete"
	EventTaskError        EventKind = "task_error"
	EventCheckpoint       EventKind = "checkpoint"
	EventDecisionRequired EventKind = "decision_required"
	EventWorkflowComplete EventKind = "workflow_complete"
	EventWorkflowAborted  EventKind = "workflow_aborted"
)

// ExecutionEvent is one item of the scheduler's lazy, finite event
// sequence. Not every field is populated for every Kind.
type ExecutionEvent struct {
	Kind         EventKind
	WorkflowID   string
	Layer        int
	TaskID       string
	Output       any
	Err          error
	ErrKind      gwerrors.Kind
	CheckpointID string
	Reason       string
	Timestamp    time.Time
}

// Task is one unit of work in a workflow's DAG, carrying the scheduling
// metadata the pathfinder does not: whether it requires human approval
// before dispatch, whether it may be retried once on a non-fatal error,
// and the pre-execution confidence the Learning Coordinator will compare
// against the observed outcome.
type Task struct {
	ID           string
	IsCapability bool
	DependsOn    []string
	Critical     bool
	SafeToRetry  bool
	Confidence   float64
}

// TasksFromDAG adapts a pathfinder.DAG into scheduler Tasks, annotating
// each with caller-supplied risk/confidence metadata (critical defaults to
// false, confidence to 0, safeToRetry to false, when absent from the maps).
func TasksFromDAG(dag pathfinder.DAG, critical map[string]bool, confidence map[string]float64, safeToRetry map[string]bool) []Task {
	tasks := make([]Task, 0, len(dag.Tasks))
	for _, t := range dag.Tasks {
		tasks = append(tasks, Task{
			ID:           t.ID,
			IsCapability: t.IsCapability,
			DependsOn:    t.DependsOn,
			Critical:     critical[t.ID],
			SafeToRetry:  safeToRetry[t.ID],
			Confidence:   confidence[t.ID],
		})
	}
	return tasks
}

// TaskRecord is the settled outcome of one task's execution.
type TaskRecord struct {
	TaskID     string
	Success    bool
	Output     any
	Confidence float64
	Err        error
	ErrKind    gwerrors.Kind
	StartedAt  time.Time
	FinishedAt time.Time
}

// WorkflowState is the scheduler's full, checkpointable state for one
// workflow execution: the stratified layers, current position, settled
// task results, and pending-approval bookkeeping. It is plain data so it
// can be persisted and rebuilt by CheckpointStore implementations.
type WorkflowState struct {
	WorkflowID         string
	TasksByID          map[string]Task
	Layers             [][]string
	CurrentLayer       int
	Status             Status
	Results            map[string]TaskRecord
	PendingApprovalTaskID       string
	PendingApprovalCheckpointID string
	ApprovalDeadline   time.Time
	// ResolvedApprovals records which checkpoint ids have already received
	// an approval_response, keyed by checkpoint id, so a duplicate response
	// for the same gate is a no-op (first wins).
	ResolvedApprovals map[string]bool
	// ApprovedTasks records which critical task ids have been cleared for
	// dispatch by an approval_response.
	ApprovedTasks      map[string]bool
	PerLayerValidation bool
	Deadline           time.Time
	LastCheckpointID   string
	StartedAt          time.Time
}

// CommandKind is one of the four kinds the per-workflow command queue
// accepts.
type CommandKind string

const (
	CommandContinue          CommandKind = "continue"
	CommandAbort             CommandKind = "abort"
	CommandReplanDAG         CommandKind = "replan_dag"
	CommandApprovalResponse  CommandKind = "approval_response"
)

// Command is one item enqueued by a caller between layers or while the
// workflow is paused.
type Command struct {
	Kind             CommandKind
	Reason           string
	NewRequirement   string
	AvailableContext []string
	CheckpointID     string
	Approved         bool
	Feedback         string
}

// TaskExecutor invokes one task (a tool or capability call) and returns
// its outcome. Implementations wrap downstream MCP dispatch, sandboxed
// code execution, or a test stub; the scheduler does not care which.
// Grounded on engine.ActivityFunc's shape (context + opaque input/output)
// but scoped to the gateway's own Task type instead of a generic activity.
type TaskExecutor interface {
	Execute(ctx context.Context, task Task) (any, error)
}

// Replanner is the subset of the Replanner (C7) the scheduler needs to
// service a replan_dag command: build a new DAG from the current one, the
// completed tasks, and a new requirement. Declared narrowly here so the
// scheduler does not import the replanner package; any type with this
// method (including *replanner.Replanner once built) satisfies it.
type Replanner interface {
	Replan(ctx context.Context, currentDAG pathfinder.DAG, completedTasks []string, newRequirement string, availableContext []string) (pathfinder.DAG, error)
}

// CheckpointStore persists and retrieves WorkflowState snapshots so a
// workflow can resume after process restart or an explicit pause.
type CheckpointStore interface {
	Save(ctx context.Context, cp Checkpoint) error
	Latest(ctx context.Context, workflowID string) (Checkpoint, bool, error)
}

// Checkpoint is one persisted snapshot of a workflow's state at a layer
// boundary.
type Checkpoint struct {
	ID         string
	WorkflowID string
	Layer      int
	State      WorkflowState
	CreatedAt  time.Time
}

// commandQueue is a single-producer (external caller), single-consumer
// (the scheduler) unbounded FIFO of Commands for one workflow.
type commandQueue struct {
	mu    sync.Mutex
	items []Command
}

func newCommandQueue() *commandQueue { return &commandQueue{} }

func (q *commandQueue) enqueue(cmd Command) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, cmd)
}

func (q *commandQueue) drain() []Command {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

// Scheduler runs workflows' DAGs to completion, layer by layer, honoring
// command-queue input and HIL approval gates. One Scheduler serves many
// concurrent workflows; per-workflow state is independent, but Graph
// writes made by task execution are serialized elsewhere (the Learning
// Coordinator), not here.
type Scheduler struct {
	mu        sync.Mutex
	states    map[string]*WorkflowState
	queues    map[string]*commandQueue
	checkpointIDSeq int

	executor    TaskExecutor
	checkpoints CheckpointStore
	replanner   Replanner
	logger      telemetry.Logger
	metrics     telemetry.Metrics

	taskTimeout     time.Duration
	approvalTimeout time.Duration // zero means infinite

	limiter *rate.Limiter // nil means unlimited
}

// Option configures a Scheduler at construction time.
type Option func(*Scheduler)

// WithReplanner wires a C7 Replanner to service replan_dag commands.
func WithReplanner(r Replanner) Option { return func(s *Scheduler) { s.replanner = r } }

// WithLogger overrides the scheduler's logger (default: no-op).
func WithLogger(l telemetry.Logger) Option { return func(s *Scheduler) { s.logger = l } }

// WithMetrics overrides the scheduler's metrics recorder (default: no-op).
func WithMetrics(m telemetry.Metrics) Option { return func(s *Scheduler) { s.metrics = m } }

// WithTaskTimeout overrides the per-task default deadline (default 30s).
func WithTaskTimeout(d time.Duration) Option { return func(s *Scheduler) { s.taskTimeout = d } }

// WithApprovalTimeout sets the default HIL approval deadline (default:
// infinite, i.e. zero).
func WithApprovalTimeout(d time.Duration) Option { return func(s *Scheduler) { s.approvalTimeout = d } }

// WithTaskRateLimit bounds how many tasks may start per second across all
// workflows this Scheduler runs, with burst allowing that many to start
// immediately before throttling kicks in. A wide layer fanning out to a
// shared downstream MCP server would otherwise dispatch every task in it
// at once; this spreads dispatch out instead of relying on the downstream
// server to cope with the burst.
func WithTaskRateLimit(perSecond float64, burst int) Option {
	return func(s *Scheduler) { s.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// New constructs a Scheduler dispatching tasks through executor and
// persisting checkpoints through checkpoints.
func New(executor TaskExecutor, checkpoints CheckpointStore, opts ...Option) *Scheduler {
	s := &Scheduler{
		states:      make(map[string]*WorkflowState),
		queues:      make(map[string]*commandQueue),
		executor:    executor,
		checkpoints: checkpoints,
		logger:      telemetry.NewNoopLogger(),
		metrics:     telemetry.NewNoopMetrics(),
		taskTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartWorkflow begins a new workflow execution from tasks, stratifying
// them into layers and running until the first pause point (a checkpoint
// under per-layer validation, an approval gate, completion, or abort).
// Returns the events produced and the resulting state; callers drive
// further progress via Enqueue and Resume.
func (s *Scheduler) StartWorkflow(ctx context.Context, workflowID string, tasks []Task, perLayerValidation bool, deadline time.Time) ([]ExecutionEvent, *WorkflowState, error) {
	layers, err := stratify(tasks)
	if err != nil {
		return nil, nil, err
	}
	byID := make(map[string]Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	wf := &WorkflowState{
		WorkflowID:         workflowID,
		TasksByID:          byID,
		Layers:             layers,
		CurrentLayer:       0,
		Status:             StatusInit,
		Results:            make(map[string]TaskRecord),
		ResolvedApprovals:  make(map[string]bool),
		ApprovedTasks:      make(map[string]bool),
		PerLayerValidation: perLayerValidation,
		Deadline:           deadline,
		StartedAt:          time.Now(),
	}

	s.mu.Lock()
	s.states[workflowID] = wf
	s.queues[workflowID] = newCommandQueue()
	s.mu.Unlock()

	var events []ExecutionEvent
	events = append(events, ExecutionEvent{Kind: EventWorkflowStart, WorkflowID: workflowID, Timestamp: time.Now()})
	wf.Status = StatusRunningLayer
	err = s.runLoop(ctx, wf, &events)
	return events, wf, err
}

// Enqueue appends cmd to workflowID's command queue. Returns
// WorkflowNotFound if the workflow is unknown or has already reached a
// terminal state.
func (s *Scheduler) Enqueue(workflowID string, cmd Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	wf, ok := s.states[workflowID]
	if !ok || wf.Status == StatusAborted || wf.Status == StatusComplete {
		return gwerrors.New(gwerrors.WorkflowNotFound, "workflow "+workflowID+" not found or already finished")
	}
	q, ok := s.queues[workflowID]
	if !ok {
		return gwerrors.New(gwerrors.WorkflowNotFound, "workflow "+workflowID+" not found")
	}
	q.enqueue(cmd)
	return nil
}

// Resume continues a paused or checkpointed workflow, re-entering the run
// loop at its current layer. It never replays earlier layers. If the
// workflow is awaiting approval past its deadline, it aborts with
// ApprovalTimeout before processing anything else.
func (s *Scheduler) Resume(ctx context.Context, workflowID string) ([]ExecutionEvent, *WorkflowState, error) {
	s.mu.Lock()
	wf, ok := s.states[workflowID]
	s.mu.Unlock()
	if !ok {
		return nil, nil, gwerrors.New(gwerrors.WorkflowNotFound, "workflow "+workflowID+" not found")
	}

	var events []ExecutionEvent
	if wf.Status == StatusAwaitingApproval && !wf.ApprovalDeadline.IsZero() && time.Now().After(wf.ApprovalDeadline) {
		s.abort(ctx, wf, &events, "ApprovalTimeout")
		return events, wf, nil
	}
	err := s.runLoop(ctx, wf, &events)
	return events, wf, err
}

// ResumeFromCheckpoint rebuilds a WorkflowState from the latest persisted
// checkpoint for workflowID and re-enters the loop at the layer after the
// last settled one (a checkpoint's Layer is already that next layer,
// since it is written after CurrentLayer advances), satisfying the spec's
// resume contract: replay of earlier layers never occurs.
func (s *Scheduler) ResumeFromCheckpoint(ctx context.Context, workflowID string) ([]ExecutionEvent, *WorkflowState, error) {
	cp, found, err := s.checkpoints.Latest(ctx, workflowID)
	if err != nil {
		return nil, nil, err
	}
	if !found {
		return nil, nil, gwerrors.New(gwerrors.WorkflowNotFound, "no checkpoint for workflow "+workflowID)
	}
	wf := cp.State
	wf.CurrentLayer = cp.Layer
	wf.Status = StatusRunningLayer

	s.mu.Lock()
	s.states[workflowID] = &wf
	if _, ok := s.queues[workflowID]; !ok {
		s.queues[workflowID] = newCommandQueue()
	}
	s.mu.Unlock()

	var events []ExecutionEvent
	err = s.runLoop(ctx, &wf, &events)
	return events, &wf, err
}
