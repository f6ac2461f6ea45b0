// Package store defines the durable persistence layer for workflow
// checkpoints. The interface mirrors registry/store's shape (a narrow
// domain interface with memory/mongo/redis-cache implementations behind
// it) but persists scheduler.Checkpoint instead of toolset metadata.
package store

import (
	"context"
	"errors"

	"hypermcp/gateway/internal/scheduler"
)

// ErrNotFound is returned when a workflow has no recorded checkpoint.
var ErrNotFound = errors.New("checkpoint not found")

// CheckpointStore persists scheduler checkpoints durably. It satisfies
// scheduler.CheckpointStore (Save/Latest) by construction, so any
// implementation here can be handed directly to scheduler.New; History is
// an additional operation for audit and debugging tooling that the
// scheduler itself never calls.
type CheckpointStore interface {
	// Save persists cp, becoming the new latest checkpoint for its
	// workflow.
	Save(ctx context.Context, cp scheduler.Checkpoint) error

	// Latest returns the most recently saved checkpoint for workflowID.
	// ok is false (with a nil error) when none has been recorded.
	Latest(ctx context.Context, workflowID string) (cp scheduler.Checkpoint, ok bool, err error)

	// History returns every checkpoint recorded for workflowID, ordered by
	// layer ascending.
	History(ctx context.Context, workflowID string) ([]scheduler.Checkpoint, error)
}

var _ scheduler.CheckpointStore = CheckpointStore(nil)
