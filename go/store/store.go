// Package store defines the persistence interface for sync records: the
// triangular association objects tying a Todoist entity to its Notion page,
// plus the reverse-sweep cursor.
package store

import (
	"context"
	"time"

	"go.capsync.dev/sync/go/types"
)

// Store is the persistence layer. Lookups that find nothing return (nil, nil)
// so callers can distinguish "no record" from a failed read.
//
// Concurrent writes to distinct records are safe. Writes to the same record
// are serialized upstream by the per-key queue, not by the store.
type Store interface {
	// GetTaskRecord returns the record for the given Todoist task id.
	GetTaskRecord(ctx context.Context, taskID string) (*types.TaskSyncRecord, error)

	// TaskRecordByPageID returns the record pointing at the given Notion
	// page id.
	TaskRecordByPageID(ctx context.Context, pageID string) (*types.TaskSyncRecord, error)

	// PutTaskRecord creates or overwrites a task record.
	PutTaskRecord(ctx context.Context, record *types.TaskSyncRecord) error

	// DeleteTaskRecord removes a task record. Deleting a missing record is
	// not an error.
	DeleteTaskRecord(ctx context.Context, taskID string) error

	// IterTaskRecords streams every task record through cb without holding
	// them all in memory. Iteration stops at the first error cb returns.
	IterTaskRecords(ctx context.Context, cb func(record *types.TaskSyncRecord) error) error

	// MarkTaskError flags the record with an error note, creating a stub
	// record if none exists yet.
	MarkTaskError(ctx context.Context, taskID, note string) error

	// WipeTaskRecords deletes all task records and returns how many were
	// removed. Used by the id migration before rebuilding.
	WipeTaskRecords(ctx context.Context) (int, error)

	// GetProjectRecord returns the record for the given Todoist project id.
	GetProjectRecord(ctx context.Context, projectID string) (*types.ProjectSyncRecord, error)

	// ProjectRecordByPageID returns the record pointing at the given Notion
	// page id.
	ProjectRecordByPageID(ctx context.Context, pageID string) (*types.ProjectSyncRecord, error)

	// PutProjectRecord creates or overwrites a project record.
	PutProjectRecord(ctx context.Context, record *types.ProjectSyncRecord) error

	// AllProjectRecords returns every project record.
	AllProjectRecords(ctx context.Context) ([]*types.ProjectSyncRecord, error)

	// GetReverseCursor returns the reverse-sweep cursor, or the zero time if
	// it has never been set.
	GetReverseCursor(ctx context.Context) (time.Time, error)

	// SetReverseCursor advances the reverse-sweep cursor.
	SetReverseCursor(ctx context.Context, cursor time.Time) error
}
