// Package types defines the data model shared by the capsync service: the
// typed views of Todoist and Notion objects, the per-entity sync records
// stored in Firestore, and the job envelope that travels through the queue.
package types

import (
	"strings"
	"time"
)

// Due is the due-date information attached to a Todoist task. Date is either
// "YYYY-MM-DD" or "YYYY-MM-DDTHH:MM:SS" when the task has a time of day.
type Due struct {
	Date        string `json:"date"`
	String      string `json:"string"`
	Timezone    string `json:"timezone,omitempty"`
	IsRecurring bool   `json:"is_recurring"`
}

// DateOnly returns the date part of Due.Date, without any time component.
func (d *Due) DateOnly() string {
	if d == nil {
		return ""
	}
	if idx := strings.IndexByte(d.Date, 'T'); idx >= 0 {
		return d.Date[:idx]
	}
	return d.Date
}

// TimeOnly returns the time part of Due.Date, or "" for date-only dues.
func (d *Due) TimeOnly() string {
	if d == nil {
		return ""
	}
	if idx := strings.IndexByte(d.Date, 'T'); idx >= 0 {
		return d.Date[idx+1:]
	}
	return ""
}

// Task is the Todoist-side view of a task.
type Task struct {
	ID          string   `json:"id"`
	Content     string   `json:"content"`
	Description string   `json:"description"`
	ProjectID   string   `json:"project_id"`
	SectionID   string   `json:"section_id,omitempty"`
	ParentID    string   `json:"parent_id,omitempty"`
	Labels      []string `json:"labels"`
	Priority    int      `json:"priority"`
	Due         *Due     `json:"due,omitempty"`
	URL         string   `json:"url"`
	CreatedAt   string   `json:"created_at"`
	IsCompleted bool     `json:"is_completed"`
	CompletedAt string   `json:"completed_at,omitempty"`
}

// HasLabel returns true if the task carries the given label, accepting both
// the bare form and the "@"-prefixed display form.
func (t *Task) HasLabel(label string) bool {
	bare := strings.TrimPrefix(label, "@")
	for _, l := range t.Labels {
		if l == bare || l == "@"+bare {
			return true
		}
	}
	return false
}

// Project is the Todoist-side view of a project.
type Project struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Color          string `json:"color"`
	ParentID       string `json:"parent_id,omitempty"`
	IsShared       bool   `json:"is_shared"`
	IsArchived     bool   `json:"is_archived"`
	IsInboxProject bool   `json:"is_inbox_project"`
	URL            string `json:"url"`
}

// Section is the Todoist-side view of a section within a project.
type Section struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	ProjectID string `json:"project_id"`
}

// Comment is the Todoist-side view of a task comment.
type Comment struct {
	ID       string `json:"id"`
	TaskID   string `json:"task_id"`
	Content  string `json:"content"`
	PostedAt string `json:"posted_at"`
}

// WebhookEvent is the envelope Todoist delivers to the webhook endpoint.
// EventData is left loose because its shape varies per event; the ingester
// extracts only the task id and passes the raw bytes on as a snapshot.
type WebhookEvent struct {
	EventName string                 `json:"event_name"`
	EventData map[string]interface{} `json:"event_data"`
	UserID    string                 `json:"user_id"`
	Version   string                 `json:"version"`
}

// SyncAction enumerates the work a Job asks for.
type SyncAction string

const (
	ActionUpsert  SyncAction = "UPSERT"
	ActionArchive SyncAction = "ARCHIVE"
)

// Job is the queue message: one unit of per-task sync work. Snapshot, when
// present, is the JSON-encoded Task piggybacked from the triggering event so
// the worker can skip the initial re-fetch.
type Job struct {
	Action   SyncAction `json:"action"`
	TaskID   string     `json:"todoist_task_id"`
	Snapshot []byte     `json:"snapshot,omitempty"`
}

// SyncStatus is the lifecycle state of a sync record.
type SyncStatus string

const (
	StatusOK       SyncStatus = "ok"
	StatusArchived SyncStatus = "archived"
	StatusError    SyncStatus = "error"
)

// SyncOrigin records which path last wrote a sync record.
type SyncOrigin string

const (
	OriginEvent         SyncOrigin = "event"
	OriginReconcile     SyncOrigin = "reconcile"
	OriginReversePull   SyncOrigin = "reverse-pull"
	OriginReverseCreate SyncOrigin = "reverse-create"
	OriginMigration     SyncOrigin = "migration"
)

// TaskSyncRecord is the idempotency anchor for one task: it pairs the Todoist
// task id with the Notion page id and carries the two fingerprints that make
// forward writes idempotent and reverse reads echo-free.
type TaskSyncRecord struct {
	TaskID             string     `json:"todoist_task_id" firestore:"todoist_task_id"`
	PageID             string     `json:"notion_page_id" firestore:"notion_page_id"`
	ForwardFingerprint string     `json:"forward_fingerprint" firestore:"forward_fingerprint"`
	ReverseFingerprint string     `json:"reverse_fingerprint" firestore:"reverse_fingerprint"`
	LastSyncedAt       time.Time  `json:"last_synced_at" firestore:"last_synced_at"`
	Status             SyncStatus `json:"status" firestore:"status"`
	ErrorNote          string     `json:"error_note,omitempty" firestore:"error_note"`
	Origin             SyncOrigin `json:"origin" firestore:"origin"`
}

// Copy returns a shallow copy of the record.
func (r *TaskSyncRecord) Copy() *TaskSyncRecord {
	cp := *r
	return &cp
}

// ProjectSyncRecord pairs a Todoist project with its Notion page.
type ProjectSyncRecord struct {
	ProjectID          string     `json:"todoist_project_id" firestore:"todoist_project_id"`
	PageID             string     `json:"notion_page_id" firestore:"notion_page_id"`
	ForwardFingerprint string     `json:"forward_fingerprint" firestore:"forward_fingerprint"`
	LastSyncedAt       time.Time  `json:"last_synced_at" firestore:"last_synced_at"`
	Status             SyncStatus `json:"status" firestore:"status"`
	Origin             SyncOrigin `json:"origin" firestore:"origin"`
}

// Copy returns a shallow copy of the record.
func (r *ProjectSyncRecord) Copy() *ProjectSyncRecord {
	cp := *r
	return &cp
}

// PagePayload is the canonical Notion representation of a task, composed by
// the mapper and hashed to produce the forward fingerprint. Field order here
// is irrelevant; the fingerprint package canonicalizes before hashing.
type PagePayload struct {
	Title            string   `json:"title"`
	Body             string   `json:"body"`
	TaskID           string   `json:"todoist_task_id"`
	TaskURL          string   `json:"todoist_url"`
	ProjectID        string   `json:"todoist_project_id"`
	ProjectName      string   `json:"todoist_project_name"`
	Labels           []string `json:"todoist_labels"`
	Priority         int      `json:"priority"`
	DueDate          string   `json:"due_date,omitempty"`
	DueTime          string   `json:"due_time,omitempty"`
	DueTimezone      string   `json:"due_timezone,omitempty"`
	Completed        bool     `json:"completed"`
	CompletedAt      string   `json:"completed_at,omitempty"`
	ParentID         string   `json:"parent_id,omitempty"`
	SectionID        string   `json:"section_id,omitempty"`
	SectionName      string   `json:"section_name,omitempty"`
	CommentsMarkdown string   `json:"comments_markdown"`
	CreatedAt        string   `json:"created_at"`
	Status           string   `json:"sync_status"`
}

// ProjectPayload is the canonical Notion representation of a project.
type ProjectPayload struct {
	ProjectID string `json:"todoist_project_id"`
	Name      string `json:"name"`
	URL       string `json:"url"`
	IsShared  bool   `json:"is_shared"`
	Color     string `json:"color"`
}

// PageProps is the sync-relevant subset of a Notion task page, as extracted
// by the reverse mapper. Exactly these four fields (Title, Priority, DueDate,
// Completed) feed the reverse fingerprint; widening the set would suppress
// genuine user edits in adjacent fields.
type PageProps struct {
	Title     string `json:"title"`
	Priority  int    `json:"priority"`
	DueDate   string `json:"due_date,omitempty"`
	Completed bool   `json:"completed"`

	// Identifiers carried alongside, not part of the fingerprint.
	TaskID         string `json:"-"`
	PageID         string `json:"-"`
	ProjectPageID  string `json:"-"`
	LastEditedTime string `json:"-"`
	Archived       bool   `json:"-"`
}
