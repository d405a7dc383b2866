// Package memstore hosts an in-memory implementation of store.Store, used by
// tests and local development.
package memstore

import (
	"context"
	"sync"
	"time"

	"go.capsync.dev/sync/go/store"
	"go.capsync.dev/sync/go/types"
)

// StoreImpl is the in-memory implementation of store.Store.
type StoreImpl struct {
	mtx      sync.RWMutex
	tasks    map[string]*types.TaskSyncRecord
	projects map[string]*types.ProjectSyncRecord
	cursor   time.Time
}

// New returns an empty StoreImpl.
func New() *StoreImpl {
	return &StoreImpl{
		tasks:    map[string]*types.TaskSyncRecord{},
		projects: map[string]*types.ProjectSyncRecord{},
	}
}

// GetTaskRecord implements store.Store.
func (s *StoreImpl) GetTaskRecord(_ context.Context, taskID string) (*types.TaskSyncRecord, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	if r, ok := s.tasks[taskID]; ok {
		return r.Copy(), nil
	}
	return nil, nil
}

// TaskRecordByPageID implements store.Store.
func (s *StoreImpl) TaskRecordByPageID(_ context.Context, pageID string) (*types.TaskSyncRecord, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	for _, r := range s.tasks {
		if r.PageID == pageID {
			return r.Copy(), nil
		}
	}
	return nil, nil
}

// PutTaskRecord implements store.Store.
func (s *StoreImpl) PutTaskRecord(_ context.Context, record *types.TaskSyncRecord) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.tasks[record.TaskID] = record.Copy()
	return nil
}

// DeleteTaskRecord implements store.Store.
func (s *StoreImpl) DeleteTaskRecord(_ context.Context, taskID string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	delete(s.tasks, taskID)
	return nil
}

// IterTaskRecords implements store.Store.
func (s *StoreImpl) IterTaskRecords(_ context.Context, cb func(record *types.TaskSyncRecord) error) error {
	// Copy under the lock, then call back without it so cb may use the store.
	s.mtx.RLock()
	records := make([]*types.TaskSyncRecord, 0, len(s.tasks))
	for _, r := range s.tasks {
		records = append(records, r.Copy())
	}
	s.mtx.RUnlock()
	for _, r := range records {
		if err := cb(r); err != nil {
			return err
		}
	}
	return nil
}

// MarkTaskError implements store.Store.
func (s *StoreImpl) MarkTaskError(_ context.Context, taskID, note string) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	record, ok := s.tasks[taskID]
	if !ok {
		record = &types.TaskSyncRecord{TaskID: taskID}
		s.tasks[taskID] = record
	}
	record.Status = types.StatusError
	record.ErrorNote = note
	return nil
}

// WipeTaskRecords implements store.Store.
func (s *StoreImpl) WipeTaskRecords(_ context.Context) (int, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	n := len(s.tasks)
	s.tasks = map[string]*types.TaskSyncRecord{}
	return n, nil
}

// GetProjectRecord implements store.Store.
func (s *StoreImpl) GetProjectRecord(_ context.Context, projectID string) (*types.ProjectSyncRecord, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	if r, ok := s.projects[projectID]; ok {
		return r.Copy(), nil
	}
	return nil, nil
}

// ProjectRecordByPageID implements store.Store.
func (s *StoreImpl) ProjectRecordByPageID(_ context.Context, pageID string) (*types.ProjectSyncRecord, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	for _, r := range s.projects {
		if r.PageID == pageID {
			return r.Copy(), nil
		}
	}
	return nil, nil
}

// PutProjectRecord implements store.Store.
func (s *StoreImpl) PutProjectRecord(_ context.Context, record *types.ProjectSyncRecord) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.projects[record.ProjectID] = record.Copy()
	return nil
}

// AllProjectRecords implements store.Store.
func (s *StoreImpl) AllProjectRecords(_ context.Context) ([]*types.ProjectSyncRecord, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	records := make([]*types.ProjectSyncRecord, 0, len(s.projects))
	for _, r := range s.projects {
		records = append(records, r.Copy())
	}
	return records, nil
}

// GetReverseCursor implements store.Store.
func (s *StoreImpl) GetReverseCursor(_ context.Context) (time.Time, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.cursor, nil
}

// SetReverseCursor implements store.Store.
func (s *StoreImpl) SetReverseCursor(_ context.Context, cursor time.Time) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.cursor = cursor
	return nil
}

// Assert that StoreImpl fulfills the interface.
var _ store.Store = (*StoreImpl)(nil)
