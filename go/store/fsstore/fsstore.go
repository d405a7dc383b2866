// Package fsstore hosts the Firestore-backed implementation of store.Store.
package fsstore

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	ifirestore "go.skia.org/infra/go/firestore"
	"go.skia.org/infra/go/skerr"

	"go.capsync.dev/sync/go/store"
	"go.capsync.dev/sync/go/types"
)

const (
	// These are the collections in Firestore.
	tasksCollection    = "tasks"
	projectsCollection = "projects"
	metaCollection     = "meta"

	// reconcileDoc is the singleton document holding the reverse cursor.
	reconcileDoc = "reconcile"

	maxReadAttempts  = 5
	maxWriteAttempts = 5
	maxOperationTime = time.Minute
)

// cursorEntry is how the reverse-sweep cursor is stored.
type cursorEntry struct {
	Cursor time.Time `firestore:"cursor"`
}

// StoreImpl is the Firestore-based implementation of store.Store.
type StoreImpl struct {
	client *ifirestore.Client
}

// New returns a new StoreImpl.
func New(client *ifirestore.Client) *StoreImpl {
	return &StoreImpl{client: client}
}

// GetTaskRecord implements store.Store.
func (s *StoreImpl) GetTaskRecord(ctx context.Context, taskID string) (*types.TaskSyncRecord, error) {
	doc, err := s.client.Get(ctx, s.client.Collection(tasksCollection).Doc(taskID), maxReadAttempts, maxOperationTime)
	if status.Code(err) == codes.NotFound {
		return nil, nil
	}
	if err != nil {
		return nil, skerr.Wrapf(err, "getting task record %s", taskID)
	}
	record := &types.TaskSyncRecord{}
	if err := doc.DataTo(record); err != nil {
		return nil, skerr.Wrapf(err, "decoding task record %s", taskID)
	}
	return record, nil
}

// TaskRecordByPageID implements store.Store.
func (s *StoreImpl) TaskRecordByPageID(ctx context.Context, pageID string) (*types.TaskSyncRecord, error) {
	q := s.client.Collection(tasksCollection).Where("notion_page_id", "==", pageID).Limit(1)
	var record *types.TaskSyncRecord
	err := s.client.IterDocs(ctx, "task_by_page_id", pageID, q, maxReadAttempts, maxOperationTime, func(doc *firestore.DocumentSnapshot) error {
		r := &types.TaskSyncRecord{}
		if err := doc.DataTo(r); err != nil {
			return skerr.Wrap(err)
		}
		record = r
		return nil
	})
	if err != nil {
		return nil, skerr.Wrapf(err, "querying task record by page id %s", pageID)
	}
	return record, nil
}

// PutTaskRecord implements store.Store.
func (s *StoreImpl) PutTaskRecord(ctx context.Context, record *types.TaskSyncRecord) error {
	ref := s.client.Collection(tasksCollection).Doc(record.TaskID)
	if _, err := s.client.Set(ctx, ref, record, maxWriteAttempts, maxOperationTime); err != nil {
		return skerr.Wrapf(err, "storing task record %s", record.TaskID)
	}
	return nil
}

// DeleteTaskRecord implements store.Store.
func (s *StoreImpl) DeleteTaskRecord(ctx context.Context, taskID string) error {
	ref := s.client.Collection(tasksCollection).Doc(taskID)
	if _, err := s.client.Delete(ctx, ref, maxWriteAttempts, maxOperationTime); err != nil && status.Code(err) != codes.NotFound {
		return skerr.Wrapf(err, "deleting task record %s", taskID)
	}
	return nil
}

// IterTaskRecords implements store.Store.
func (s *StoreImpl) IterTaskRecords(ctx context.Context, cb func(record *types.TaskSyncRecord) error) error {
	q := s.client.Collection(tasksCollection).Query
	err := s.client.IterDocs(ctx, "iter_task_records", "", q, maxReadAttempts, maxOperationTime, func(doc *firestore.DocumentSnapshot) error {
		r := &types.TaskSyncRecord{}
		if err := doc.DataTo(r); err != nil {
			return skerr.Wrap(err)
		}
		return cb(r)
	})
	if err != nil {
		return skerr.Wrapf(err, "iterating task records")
	}
	return nil
}

// MarkTaskError implements store.Store.
func (s *StoreImpl) MarkTaskError(ctx context.Context, taskID, note string) error {
	record, err := s.GetTaskRecord(ctx, taskID)
	if err != nil {
		return skerr.Wrap(err)
	}
	if record == nil {
		record = &types.TaskSyncRecord{TaskID: taskID}
	}
	record.Status = types.StatusError
	record.ErrorNote = note
	return skerr.Wrap(s.PutTaskRecord(ctx, record))
}

// WipeTaskRecords implements store.Store.
func (s *StoreImpl) WipeTaskRecords(ctx context.Context) (int, error) {
	var refs []*firestore.DocumentRef
	q := s.client.Collection(tasksCollection).Query
	err := s.client.IterDocs(ctx, "wipe_task_records", "", q, maxReadAttempts, maxOperationTime, func(doc *firestore.DocumentSnapshot) error {
		refs = append(refs, doc.Ref)
		return nil
	})
	if err != nil {
		return 0, skerr.Wrapf(err, "listing task records for wipe")
	}
	for _, ref := range refs {
		if _, err := s.client.Delete(ctx, ref, maxWriteAttempts, maxOperationTime); err != nil {
			return 0, skerr.Wrapf(err, "wiping task record %s", ref.ID)
		}
	}
	return len(refs), nil
}

// GetProjectRecord implements store.Store.
func (s *StoreImpl) GetProjectRecord(ctx context.Context, projectID string) (*types.ProjectSyncRecord, error) {
	doc, err := s.client.Get(ctx, s.client.Collection(projectsCollection).Doc(projectID), maxReadAttempts, maxOperationTime)
	if status.Code(err) == codes.NotFound {
		return nil, nil
	}
	if err != nil {
		return nil, skerr.Wrapf(err, "getting project record %s", projectID)
	}
	record := &types.ProjectSyncRecord{}
	if err := doc.DataTo(record); err != nil {
		return nil, skerr.Wrapf(err, "decoding project record %s", projectID)
	}
	return record, nil
}

// ProjectRecordByPageID implements store.Store.
func (s *StoreImpl) ProjectRecordByPageID(ctx context.Context, pageID string) (*types.ProjectSyncRecord, error) {
	q := s.client.Collection(projectsCollection).Where("notion_page_id", "==", pageID).Limit(1)
	var record *types.ProjectSyncRecord
	err := s.client.IterDocs(ctx, "project_by_page_id", pageID, q, maxReadAttempts, maxOperationTime, func(doc *firestore.DocumentSnapshot) error {
		r := &types.ProjectSyncRecord{}
		if err := doc.DataTo(r); err != nil {
			return skerr.Wrap(err)
		}
		record = r
		return nil
	})
	if err != nil {
		return nil, skerr.Wrapf(err, "querying project record by page id %s", pageID)
	}
	return record, nil
}

// PutProjectRecord implements store.Store.
func (s *StoreImpl) PutProjectRecord(ctx context.Context, record *types.ProjectSyncRecord) error {
	ref := s.client.Collection(projectsCollection).Doc(record.ProjectID)
	if _, err := s.client.Set(ctx, ref, record, maxWriteAttempts, maxOperationTime); err != nil {
		return skerr.Wrapf(err, "storing project record %s", record.ProjectID)
	}
	return nil
}

// AllProjectRecords implements store.Store.
func (s *StoreImpl) AllProjectRecords(ctx context.Context) ([]*types.ProjectSyncRecord, error) {
	var records []*types.ProjectSyncRecord
	q := s.client.Collection(projectsCollection).Query
	err := s.client.IterDocs(ctx, "all_project_records", "", q, maxReadAttempts, maxOperationTime, func(doc *firestore.DocumentSnapshot) error {
		r := &types.ProjectSyncRecord{}
		if err := doc.DataTo(r); err != nil {
			return skerr.Wrap(err)
		}
		records = append(records, r)
		return nil
	})
	if err != nil {
		return nil, skerr.Wrapf(err, "listing project records")
	}
	return records, nil
}

// GetReverseCursor implements store.Store.
func (s *StoreImpl) GetReverseCursor(ctx context.Context) (time.Time, error) {
	doc, err := s.client.Get(ctx, s.client.Collection(metaCollection).Doc(reconcileDoc), maxReadAttempts, maxOperationTime)
	if status.Code(err) == codes.NotFound {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, skerr.Wrapf(err, "getting reverse cursor")
	}
	entry := cursorEntry{}
	if err := doc.DataTo(&entry); err != nil {
		return time.Time{}, skerr.Wrapf(err, "decoding reverse cursor")
	}
	return entry.Cursor, nil
}

// SetReverseCursor implements store.Store.
func (s *StoreImpl) SetReverseCursor(ctx context.Context, cursor time.Time) error {
	ref := s.client.Collection(metaCollection).Doc(reconcileDoc)
	if _, err := s.client.Set(ctx, ref, cursorEntry{Cursor: cursor}, maxWriteAttempts, maxOperationTime); err != nil {
		return skerr.Wrapf(err, "storing reverse cursor")
	}
	return nil
}

// Assert that StoreImpl fulfills the interface.
var _ store.Store = (*StoreImpl)(nil)
