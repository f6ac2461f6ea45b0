// Package learning implements the Learning Coordinator (C11): it wires a
// finished workflow's outcome into the graph's observed edges, the
// Capability Miner, the Adaptive Threshold Manager's per-tool posteriors,
// and the Episodic Trace Store. Every write is best-effort; a failure in
// any one of them is logged and counted, never propagated, since learning
// must never cause an otherwise-successful execution to fail.
package learning

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"hypermcp/gateway/internal/capability"
	"hypermcp/gateway/internal/episodic"
	"hypermcp/gateway/internal/graph"
	"hypermcp/gateway/internal/telemetry"
)

// GraphWriter is the subset of graph.Store the coordinator needs: promoting
// consecutive executed-path steps into observed sequence edges. Declared
// narrowly, mirroring the scheduler's own Replanner seam, so this package
// only needs *graph.Store's method and tests can stub it.
type GraphWriter interface {
	UpsertObservedEdge(from, to string, kind graph.EdgeKind) error
}

// CapabilityMiner is the subset of capability.Miner the coordinator needs.
type CapabilityMiner interface {
	Mine(ctx context.Context, id, code, description string, calls []capability.ExecutedCall, success bool) (capability.MineResult, error)
}

// ThresholdRecorder is the subset of threshold.Manager the coordinator
// needs.
type ThresholdRecorder interface {
	RecordOutcome(toolID string, success bool)
}

// TraceAppender is the subset of episodic.Store the coordinator needs.
type TraceAppender interface {
	Append(tr episodic.Trace)
}

// CompletedTask is one task's settled outcome, independent of the
// scheduler's own TaskRecord so this package never needs to import
// internal/scheduler.
type CompletedTask struct {
	TaskID     string
	ToolID     string // falls back to TaskID when empty
	Success    bool
	Confidence float64 // pre-execution confidence, for the trace's TD error
	Duration   time.Duration
}

// CapabilityCandidate is the sandboxed code behind a workflow's execution,
// when one exists. A zero value (empty Code) skips mining entirely, e.g.
// for workflows that only ever called existing tools.
type CapabilityCandidate struct {
	ID          string
	Code        string
	Description string
	Calls       []capability.ExecutedCall
}

// WorkflowOutcome is everything the Learning Coordinator needs to process
// one finished workflow (completed or aborted).
type WorkflowOutcome struct {
	WorkflowID      string
	WorkflowType    string
	Intent          string
	IntentEmbedding []float32
	// ExecutedPath lists the successfully completed task ids in execution
	// order; consecutive pairs become observed sequence edges.
	ExecutedPath []string
	Tasks        []CompletedTask
	Success      bool
	DurationMs   int64
	Capability   CapabilityCandidate
}

// Coordinator glues a finished workflow's outcome into the graph,
// capability miner, threshold manager, and trace store.
type Coordinator struct {
	graph     GraphWriter
	miner     CapabilityMiner
	threshold ThresholdRecorder
	traces    TraceAppender
	logger    telemetry.Logger
	metrics   telemetry.Metrics
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger used to record (never propagate) learning
// failures.
func WithLogger(l telemetry.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithMetrics sets the metrics sink used to count learning failures by
// stage.
func WithMetrics(m telemetry.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// New constructs a Coordinator. graph, miner, threshold, and traces must be
// non-nil; logger and metrics default to no-ops via the options above when
// omitted by the caller.
func New(g GraphWriter, miner CapabilityMiner, th ThresholdRecorder, traces TraceAppender, opts ...Option) *Coordinator {
	c := &Coordinator{
		graph:     g,
		miner:     miner,
		threshold: th,
		traces:    traces,
		logger:    telemetry.NoopLogger{},
		metrics:   telemetry.NoopMetrics{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Observe runs every learning write for a finished workflow. It never
// returns an error: each stage is isolated so one failing write (e.g. a
// graph edge rejected by the DAG invariant) never blocks the others.
func (c *Coordinator) Observe(ctx context.Context, out WorkflowOutcome) {
	c.recordEdges(ctx, out)
	c.recordCapability(ctx, out)
	c.recordThresholds(out)
	c.recordTrace(out)
}

func (c *Coordinator) fail(ctx context.Context, workflowID, stage string, err error) {
	c.metrics.IncCounter("learning.failure", 1, "stage", stage)
	c.logger.With("workflow_id", workflowID, "stage", stage).Warn(ctx, "learning write failed", "error", err)
}

// recordEdges upserts an observed sequence edge for every consecutive pair
// on the executed path, per the spec's "upsertObservedEdge for every
// consecutive (succ(a), succ(b))" rule. EdgeSequence is used rather than
// EdgeProvides since this is a temporal co-occurrence signal, not a
// data-flow declaration.
func (c *Coordinator) recordEdges(ctx context.Context, out WorkflowOutcome) {
	for i := 0; i+1 < len(out.ExecutedPath); i++ {
		from, to := out.ExecutedPath[i], out.ExecutedPath[i+1]
		if err := c.graph.UpsertObservedEdge(from, to, graph.EdgeSequence); err != nil {
			c.fail(ctx, out.WorkflowID, "graph_edge", fmt.Errorf("%s -> %s: %w", from, to, err))
		}
	}
}

// recordCapability mines the workflow's sandboxed code, when it carried
// one, into a Capability node.
func (c *Coordinator) recordCapability(ctx context.Context, out WorkflowOutcome) {
	if out.Capability.Code == "" {
		return
	}
	if _, err := c.miner.Mine(ctx, out.Capability.ID, out.Capability.Code, out.Capability.Description, out.Capability.Calls, out.Success); err != nil {
		c.fail(ctx, out.WorkflowID, "capability_mine", err)
	}
}

// recordThresholds folds every task's outcome into its tool's Beta
// posterior. RecordOutcome returns no error, so this stage has nothing to
// report; Observe does not recover panics, so a panicking
// ThresholdRecorder propagates out of Observe.
func (c *Coordinator) recordThresholds(out WorkflowOutcome) {
	for _, t := range out.Tasks {
		toolID := t.ToolID
		if toolID == "" {
			toolID = t.TaskID
		}
		c.threshold.RecordOutcome(toolID, t.Success)
	}
}

// workflowConfidence averages the pre-execution confidence across a
// workflow's tasks, used as the trace's predicted outcome against which
// the observed 0/1 result is compared for TD-error priority.
func workflowConfidence(tasks []CompletedTask) float64 {
	if len(tasks) == 0 {
		return 0
	}
	var sum float64
	for _, t := range tasks {
		sum += t.Confidence
	}
	return sum / float64(len(tasks))
}

// recordTrace appends the workflow's outcome to the Episodic Trace Store.
// Append itself cannot fail (it is an in-memory, lock-guarded append); this
// stage still runs through Observe's isolation for consistency with the
// other three and in case a future durable TraceAppender can fail.
func (c *Coordinator) recordTrace(out WorkflowOutcome) {
	results := make([]episodic.TaskResult, 0, len(out.Tasks))
	for _, t := range out.Tasks {
		toolID := t.ToolID
		if toolID == "" {
			toolID = t.TaskID
		}
		results = append(results, episodic.TaskResult{
			TaskID:   t.TaskID,
			ToolID:   toolID,
			Success:  t.Success,
			Duration: t.Duration,
		})
	}
	actual := 0.0
	if out.Success {
		actual = 1.0
	}
	c.traces.Append(episodic.Trace{
		TraceID:         uuid.NewString(),
		WorkflowID:      out.WorkflowID,
		WorkflowType:    out.WorkflowType,
		Intent:          out.Intent,
		IntentEmbedding: out.IntentEmbedding,
		Path:            out.ExecutedPath,
		TaskResults:     results,
		Success:         out.Success,
		DurationMs:      out.DurationMs,
		PredictedConf:   workflowConfidence(out.Tasks),
		ActualOutcome:   actual,
	})
}
