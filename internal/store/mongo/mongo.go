// Package mongo provides a MongoDB-backed store.CheckpointStore,
// persisting workflow checkpoints for durability across gateway restarts.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"hypermcp/gateway/internal/gwerrors"
	"hypermcp/gateway/internal/scheduler"
	"hypermcp/gateway/internal/store"
)

// Store is a MongoDB implementation of store.CheckpointStore.
type Store struct {
	collection *mongo.Collection
}

var _ store.CheckpointStore = (*Store)(nil)

// New creates a MongoDB-backed checkpoint store using the given
// collection. Documents are keyed by "_id" = the checkpoint's own ID (the
// scheduler forms it as "<workflowID>-cp-<n>" from a scheduler-wide
// counter), with workflow_id and layer also stored as plain fields for
// querying.
func New(collection *mongo.Collection) *Store {
	return &Store{collection: collection}
}

// checkpointDocument is the MongoDB document representation of a
// scheduler.Checkpoint.
type checkpointDocument struct {
	ID         string          `bson:"_id"`
	WorkflowID string          `bson:"workflow_id"`
	Layer      int             `bson:"layer"`
	State      workflowStateDoc `bson:"state"`
	CreatedAt  bson.DateTime   `bson:"created_at"`
}

type workflowStateDoc struct {
	WorkflowID                  string            `bson:"workflow_id"`
	TasksByID                   map[string]taskDoc `bson:"tasks_by_id"`
	Layers                      [][]string        `bson:"layers"`
	CurrentLayer                int               `bson:"current_layer"`
	Status                      string            `bson:"status"`
	Results                     map[string]taskRecordDoc `bson:"results"`
	PendingApprovalTaskID       string            `bson:"pending_approval_task_id,omitempty"`
	PendingApprovalCheckpointID string            `bson:"pending_approval_checkpoint_id,omitempty"`
	ApprovalDeadline            bson.DateTime     `bson:"approval_deadline,omitempty"`
	ResolvedApprovals           map[string]bool   `bson:"resolved_approvals,omitempty"`
	ApprovedTasks               map[string]bool   `bson:"approved_tasks,omitempty"`
	PerLayerValidation          bool              `bson:"per_layer_validation"`
	Deadline                    bson.DateTime     `bson:"deadline,omitempty"`
	LastCheckpointID            string            `bson:"last_checkpoint_id,omitempty"`
	StartedAt                   bson.DateTime     `bson:"started_at"`
}

type taskDoc struct {
	ID           string   `bson:"id"`
	IsCapability bool     `bson:"is_capability"`
	DependsOn    []string `bson:"depends_on,omitempty"`
	Critical     bool     `bson:"critical"`
	SafeToRetry  bool     `bson:"safe_to_retry"`
	Confidence   float64  `bson:"confidence"`
}

type taskRecordDoc struct {
	TaskID     string        `bson:"task_id"`
	Success    bool          `bson:"success"`
	ErrKind    string        `bson:"err_kind,omitempty"`
	ErrMessage string        `bson:"err_message,omitempty"`
	StartedAt  bson.DateTime `bson:"started_at"`
	FinishedAt bson.DateTime `bson:"finished_at"`
}

// Save upserts cp's document, keyed by its own id.
func (s *Store) Save(ctx context.Context, cp scheduler.Checkpoint) error {
	doc := toDocument(cp)
	opts := options.Replace().SetUpsert(true)
	if _, err := s.collection.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, opts); err != nil {
		return fmt.Errorf("mongodb save checkpoint %q: %w", doc.ID, err)
	}
	return nil
}

// Latest returns the highest-layer checkpoint recorded for workflowID,
// the most recently created one among checkpoints of equal layer.
func (s *Store) Latest(ctx context.Context, workflowID string) (scheduler.Checkpoint, bool, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "layer", Value: -1}, {Key: "created_at", Value: -1}})
	var doc checkpointDocument
	err := s.collection.FindOne(ctx, bson.M{"workflow_id": workflowID}, opts).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return scheduler.Checkpoint{}, false, nil
		}
		return scheduler.Checkpoint{}, false, fmt.Errorf("mongodb latest checkpoint %q: %w", workflowID, err)
	}
	return fromDocument(&doc), true, nil
}

// History returns every checkpoint recorded for workflowID, layer
// ascending.
func (s *Store) History(ctx context.Context, workflowID string) ([]scheduler.Checkpoint, error) {
	opts := options.Find().SetSort(bson.D{{Key: "layer", Value: 1}})
	cursor, err := s.collection.Find(ctx, bson.M{"workflow_id": workflowID}, opts)
	if err != nil {
		return nil, fmt.Errorf("mongodb checkpoint history %q: %w", workflowID, err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []checkpointDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb checkpoint history decode %q: %w", workflowID, err)
	}
	out := make([]scheduler.Checkpoint, len(docs))
	for i, doc := range docs {
		out[i] = fromDocument(&doc)
	}
	return out, nil
}

func toDocument(cp scheduler.Checkpoint) *checkpointDocument {
	st := cp.State
	tasks := make(map[string]taskDoc, len(st.TasksByID))
	for id, t := range st.TasksByID {
		tasks[id] = taskDoc{
			ID:           t.ID,
			IsCapability: t.IsCapability,
			DependsOn:    t.DependsOn,
			Critical:     t.Critical,
			SafeToRetry:  t.SafeToRetry,
			Confidence:   t.Confidence,
		}
	}
	results := make(map[string]taskRecordDoc, len(st.Results))
	for id, r := range st.Results {
		doc := taskRecordDoc{
			TaskID:     r.TaskID,
			Success:    r.Success,
			ErrKind:    string(r.ErrKind),
			StartedAt:  bson.NewDateTimeFromTime(r.StartedAt),
			FinishedAt: bson.NewDateTimeFromTime(r.FinishedAt),
		}
		if r.Err != nil {
			doc.ErrMessage = r.Err.Error()
		}
		results[id] = doc
	}
	return &checkpointDocument{
		ID:         cp.ID,
		WorkflowID: cp.WorkflowID,
		Layer:      cp.Layer,
		CreatedAt:  bson.NewDateTimeFromTime(cp.CreatedAt),
		State: workflowStateDoc{
			WorkflowID:                  st.WorkflowID,
			TasksByID:                   tasks,
			Layers:                      st.Layers,
			CurrentLayer:                st.CurrentLayer,
			Status:                      string(st.Status),
			Results:                     results,
			PendingApprovalTaskID:       st.PendingApprovalTaskID,
			PendingApprovalCheckpointID: st.PendingApprovalCheckpointID,
			ApprovalDeadline:            dateTimeOrZero(st.ApprovalDeadline),
			ResolvedApprovals:           st.ResolvedApprovals,
			ApprovedTasks:               st.ApprovedTasks,
			PerLayerValidation:          st.PerLayerValidation,
			Deadline:                    dateTimeOrZero(st.Deadline),
			LastCheckpointID:            st.LastCheckpointID,
			StartedAt:                   bson.NewDateTimeFromTime(st.StartedAt),
		},
	}
}

func fromDocument(doc *checkpointDocument) scheduler.Checkpoint {
	tasks := make(map[string]scheduler.Task, len(doc.State.TasksByID))
	for id, t := range doc.State.TasksByID {
		tasks[id] = scheduler.Task{
			ID:           t.ID,
			IsCapability: t.IsCapability,
			DependsOn:    t.DependsOn,
			Critical:     t.Critical,
			SafeToRetry:  t.SafeToRetry,
			Confidence:   t.Confidence,
		}
	}
	results := make(map[string]scheduler.TaskRecord, len(doc.State.Results))
	for id, r := range doc.State.Results {
		rec := scheduler.TaskRecord{
			TaskID:     r.TaskID,
			Success:    r.Success,
			ErrKind:    gwerrors.Kind(r.ErrKind),
			StartedAt:  r.StartedAt.Time(),
			FinishedAt: r.FinishedAt.Time(),
		}
		if r.ErrMessage != "" {
			rec.Err = gwerrors.New(rec.ErrKind, r.ErrMessage)
		}
		results[id] = rec
	}
	return scheduler.Checkpoint{
		ID:         doc.ID,
		WorkflowID: doc.WorkflowID,
		Layer:      doc.Layer,
		CreatedAt:  doc.CreatedAt.Time(),
		State: scheduler.WorkflowState{
			WorkflowID:                  doc.State.WorkflowID,
			TasksByID:                   tasks,
			Layers:                      doc.State.Layers,
			CurrentLayer:                doc.State.CurrentLayer,
			Status:                      scheduler.Status(doc.State.Status),
			Results:                     results,
			PendingApprovalTaskID:       doc.State.PendingApprovalTaskID,
			PendingApprovalCheckpointID: doc.State.PendingApprovalCheckpointID,
			ApprovalDeadline:            timeOrZero(doc.State.ApprovalDeadline),
			ResolvedApprovals:           doc.State.ResolvedApprovals,
			ApprovedTasks:               doc.State.ApprovedTasks,
			PerLayerValidation:          doc.State.PerLayerValidation,
			Deadline:                    timeOrZero(doc.State.Deadline),
			LastCheckpointID:            doc.State.LastCheckpointID,
			StartedAt:                   doc.State.StartedAt.Time(),
		},
	}
}

// dateTimeOrZero converts t to a bson.DateTime, leaving the Mongo epoch
// zero value for an unset (zero) time.Time rather than encoding Go's
// year-1 zero time, so PendingApproval/Deadline fields that were never set
// round-trip as zero on decode too.
func dateTimeOrZero(t time.Time) bson.DateTime {
	if t.IsZero() {
		return 0
	}
	return bson.NewDateTimeFromTime(t)
}

// timeOrZero is dateTimeOrZero's inverse: bson.DateTime(0) decodes back to
// a zero time.Time rather than the Unix epoch.
func timeOrZero(dt bson.DateTime) time.Time {
	if dt == 0 {
		return time.Time{}
	}
	return dt.Time()
}
