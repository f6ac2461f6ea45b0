// Package memory provides an in-memory CheckpointStore, suitable for
// development, testing, and single-node deployments where persistence
// across restarts is not required.
package memory

import (
	"context"
	"sort"
	"sync"

	"hypermcp/gateway/internal/scheduler"
	"hypermcp/gateway/internal/store"
)

// Store is an in-memory implementation of store.CheckpointStore. Safe for
// concurrent use.
type Store struct {
	mu  sync.RWMutex
	all map[string][]scheduler.Checkpoint
}

var _ store.CheckpointStore = (*Store)(nil)

// New creates an empty in-memory checkpoint store.
func New() *Store {
	return &Store{all: make(map[string][]scheduler.Checkpoint)}
}

// Save appends cp to its workflow's history.
func (s *Store) Save(_ context.Context, cp scheduler.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.all[cp.WorkflowID] = append(s.all[cp.WorkflowID], cp)
	return nil
}

// Latest returns the most recently saved checkpoint for workflowID.
func (s *Store) Latest(_ context.Context, workflowID string) (scheduler.Checkpoint, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.all[workflowID]
	if len(list) == 0 {
		return scheduler.Checkpoint{}, false, nil
	}
	return list[len(list)-1], true, nil
}

// History returns every checkpoint for workflowID, ordered by layer
// ascending.
func (s *Store) History(_ context.Context, workflowID string) ([]scheduler.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := append([]scheduler.Checkpoint{}, s.all[workflowID]...)
	sort.Slice(list, func(i, j int) bool { return list[i].Layer < list[j].Layer })
	return list, nil
}
