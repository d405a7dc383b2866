// Package worker runs the per-task sync state machine: one job in, one
// consistent Todoist/Notion/record triple out.
package worker

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"strings"
	"sync"

	"go.skia.org/infra/go/now"
	"go.skia.org/infra/go/skerr"
	"go.skia.org/infra/go/sklog"

	"go.capsync.dev/sync/go/config"
	"go.capsync.dev/sync/go/fingerprint"
	"go.capsync.dev/sync/go/mapper"
	"go.capsync.dev/sync/go/notion"
	"go.capsync.dev/sync/go/queue"
	"go.capsync.dev/sync/go/resolver"
	"go.capsync.dev/sync/go/store"
	"go.capsync.dev/sync/go/todoist"
	"go.capsync.dev/sync/go/types"
)

// lockShards is the size of the striped lock table serializing work per task
// id. The queue already orders deliveries per task; the stripes guard the
// window where the reconciler invokes the worker directly alongside a queue
// delivery for the same task.
const lockShards = 64

// Worker processes sync jobs.
type Worker struct {
	cfg      *config.Config
	store    store.Store
	todoist  *todoist.Client
	notion   *notion.Client
	resolver *resolver.Resolver

	locks [lockShards]sync.Mutex
}

// New returns a Worker.
func New(cfg *config.Config, st store.Store, td *todoist.Client, nt *notion.Client, rs *resolver.Resolver) *Worker {
	return &Worker{
		cfg:      cfg,
		store:    st,
		todoist:  td,
		notion:   nt,
		resolver: rs,
	}
}

// Handler adapts the worker to the queue, tagging queue deliveries with the
// event origin.
func (w *Worker) Handler() queue.Handler {
	return func(ctx context.Context, job *types.Job) error {
		return w.Process(ctx, job, types.OriginEvent)
	}
}

// Process runs one job to completion. A returned error means the job failed
// and should be redelivered; the record is flagged status=error before
// returning so operators can see stuck tasks.
func (w *Worker) Process(ctx context.Context, job *types.Job, origin types.SyncOrigin) error {
	lock := w.lockFor(job.TaskID)
	lock.Lock()
	defer lock.Unlock()

	var err error
	switch job.Action {
	case types.ActionUpsert:
		err = w.upsert(ctx, job, origin)
	case types.ActionArchive:
		err = w.archive(ctx, job, origin)
	default:
		return skerr.Fmt("unknown action %q for task %s", job.Action, job.TaskID)
	}
	if err != nil {
		sklog.Errorf("Sync of task %s failed: %s", job.TaskID, err)
		if markErr := w.store.MarkTaskError(ctx, job.TaskID, err.Error()); markErr != nil {
			sklog.Errorf("Could not flag record for task %s: %s", job.TaskID, markErr)
		}
		return skerr.Wrap(err)
	}
	return nil
}

func (w *Worker) lockFor(taskID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(taskID))
	return &w.locks[h.Sum32()%lockShards]
}

// taskFromJob returns the job's piggybacked snapshot if it parses, otherwise
// a live fetch.
func (w *Worker) taskFromJob(ctx context.Context, job *types.Job) (*types.Task, error) {
	if len(job.Snapshot) > 0 {
		task := &types.Task{}
		if err := json.Unmarshal(job.Snapshot, task); err == nil && task.ID != "" {
			return task, nil
		}
		sklog.Warningf("Snapshot for task %s is unusable; fetching live.", job.TaskID)
	}
	task, err := w.todoist.GetTask(ctx, job.TaskID)
	if err != nil {
		return nil, skerr.Wrapf(err, "fetching task %s", job.TaskID)
	}
	return task, nil
}

func (w *Worker) upsert(ctx context.Context, job *types.Job, origin types.SyncOrigin) error {
	task, err := w.taskFromJob(ctx, job)
	if err != nil {
		return skerr.Wrap(err)
	}
	record, err := w.store.GetTaskRecord(ctx, task.ID)
	if err != nil {
		return skerr.Wrap(err)
	}

	// Eligibility gate. A completed task that was once synced still mirrors
	// its completion even if the tag was removed along the way.
	if !task.HasLabel(w.cfg.SyncTag) {
		switch {
		case task.IsCompleted && record != nil:
			// Proceed.
		case record != nil:
			sklog.Infof("Task %s lost the %s tag; archiving.", task.ID, w.cfg.SyncTag)
			return w.archive(ctx, job, origin)
		default:
			return nil
		}
	}

	project, err := w.todoist.GetProject(ctx, task.ProjectID)
	if err != nil {
		return skerr.Wrapf(err, "fetching project %s", task.ProjectID)
	}
	// Inbox tasks are outside sync scope. The check precedes the area and
	// person lookups below, which create Notion pages.
	if project.IsInboxProject || project.Name == w.cfg.InboxProjectName {
		sklog.Infof("Task %s lives in the %s project; outside sync scope.", task.ID, w.cfg.InboxProjectName)
		return nil
	}

	// Area inheritance for tasks that are new to the sync: no area tag of
	// their own, but a parent project named after one.
	if record == nil && len(w.resolver.AreaLabels(task.Labels)) == 0 {
		area, err := w.resolver.AreaForParentProject(ctx, project)
		if err != nil {
			return skerr.Wrap(err)
		}
		if area != "" {
			task, err = w.todoist.AddLabel(ctx, task, area)
			if err != nil {
				return skerr.Wrapf(err, "inheriting area %q on task %s", area, task.ID)
			}
		}
	}

	comments, err := w.todoist.ListComments(ctx, task.ID)
	if err != nil {
		return skerr.Wrapf(err, "fetching comments of task %s", task.ID)
	}
	sectionName := ""
	if task.SectionID != "" {
		section, err := w.todoist.GetSection(ctx, task.SectionID)
		if err != nil {
			return skerr.Wrapf(err, "fetching section %s", task.SectionID)
		}
		sectionName = section.Name
	}

	payload := mapper.TaskPayload(task, project, comments, sectionName)
	fp, err := fingerprint.Of(payload)
	if err != nil {
		return skerr.Wrap(err)
	}
	if record != nil && record.PageID != "" && record.ForwardFingerprint == fp {
		sklog.Infof("Task %s is unchanged; skipping.", task.ID)
		return nil
	}

	areaIDs, err := w.resolver.EnsureAreaPages(ctx, w.resolver.AreaLabels(task.Labels))
	if err != nil {
		return skerr.Wrap(err)
	}
	peopleIDs, err := w.resolver.ResolvePeople(ctx, w.resolver.PersonNames(task.Labels))
	if err != nil {
		return skerr.Wrap(err)
	}
	projectPageID, err := w.resolver.EnsureProjectPage(ctx, project, areaIDs)
	if err != nil {
		return skerr.Wrap(err)
	}

	page, created, err := w.writePage(ctx, record, task, payload, projectPageID, areaIDs, peopleIDs)
	if err != nil {
		return skerr.Wrap(err)
	}

	reverseFp, err := fingerprint.Of(mapper.ReverseProps(payload))
	if err != nil {
		return skerr.Wrap(err)
	}
	if err := w.store.PutTaskRecord(ctx, &types.TaskSyncRecord{
		TaskID:             task.ID,
		PageID:             page.ID,
		ForwardFingerprint: fp,
		ReverseFingerprint: reverseFp,
		LastSyncedAt:       now.Now(ctx),
		Status:             types.StatusOK,
		Origin:             origin,
	}); err != nil {
		return skerr.Wrap(err)
	}
	sklog.Infof("Synced task %s to page %s (created=%v, origin=%s)", task.ID, page.ID, created, origin)

	w.maybeBacklink(ctx, task, page, projectPageID)
	return nil
}

// writePage creates or updates the Notion page for the task, locating an
// existing page by record, then by task-id query, then by a re-read of the
// record in case a concurrent writer created it meanwhile.
func (w *Worker) writePage(ctx context.Context, record *types.TaskSyncRecord, task *types.Task, payload *types.PagePayload, projectPageID string, areaIDs, peopleIDs []string) (*notion.Page, bool, error) {
	pageID := ""
	if record != nil {
		pageID = record.PageID
	}
	if pageID == "" {
		page, err := w.notion.FindTaskByTodoistID(ctx, task.ID)
		if err != nil {
			return nil, false, skerr.Wrap(err)
		}
		if page != nil {
			pageID = page.ID
		}
	}
	if pageID == "" {
		fresh, err := w.store.GetTaskRecord(ctx, task.ID)
		if err != nil {
			return nil, false, skerr.Wrap(err)
		}
		if fresh != nil {
			pageID = fresh.PageID
		}
	}

	if pageID == "" {
		props := mapper.CreateProperties(payload, projectPageID, areaIDs, peopleIDs)
		page, err := w.notion.CreatePage(ctx, w.notion.TasksDB, props, mapper.BodyBlocks(payload))
		if err != nil {
			return nil, false, skerr.Wrapf(err, "creating page for task %s", task.ID)
		}
		return page, true, nil
	}

	props := mapper.UpdateProperties(payload, areaIDs, peopleIDs)
	page, err := w.notion.UpdatePage(ctx, pageID, props)
	if err != nil {
		return nil, false, skerr.Wrapf(err, "updating page %s for task %s", pageID, task.ID)
	}
	return page, false, nil
}

// maybeBacklink appends the Notion links to the Todoist task description.
// Best effort: a failure here never fails the job.
func (w *Worker) maybeBacklink(ctx context.Context, task *types.Task, page *notion.Page, projectPageID string) {
	if !w.cfg.AddBacklink || page.URL == "" {
		return
	}
	desc, changed := mapper.Backlink(task.Description, page.URL, projectPageURL(projectPageID))
	if !changed {
		return
	}
	if _, err := w.todoist.UpdateTask(ctx, task.ID, todoist.UpdateTaskArgs{Description: &desc}); err != nil {
		sklog.Warningf("Could not write backlink on task %s: %s", task.ID, err)
	}
}

func projectPageURL(pageID string) string {
	if pageID == "" {
		return ""
	}
	return "https://www.notion.so/" + strings.ReplaceAll(pageID, "-", "")
}

func (w *Worker) archive(ctx context.Context, job *types.Job, origin types.SyncOrigin) error {
	record, err := w.store.GetTaskRecord(ctx, job.TaskID)
	if err != nil {
		return skerr.Wrap(err)
	}
	if record == nil || record.PageID == "" {
		sklog.Infof("Task %s has no page to archive.", job.TaskID)
		return nil
	}

	// Mark completed and archive. Best effort: the page may already be gone.
	if _, err := w.notion.UpdatePage(ctx, record.PageID, map[string]notion.Property{
		notion.PropCompleted: notion.CheckboxProp(true),
	}); err != nil {
		sklog.Warningf("Could not mark page %s completed: %s", record.PageID, err)
	}
	if err := w.notion.ArchivePage(ctx, record.PageID); err != nil {
		sklog.Warningf("Could not archive page %s: %s", record.PageID, err)
	}

	record.Status = types.StatusArchived
	record.ErrorNote = ""
	record.LastSyncedAt = now.Now(ctx)
	record.Origin = origin
	if err := w.store.PutTaskRecord(ctx, record); err != nil {
		return skerr.Wrap(err)
	}
	sklog.Infof("Archived task %s (page %s)", job.TaskID, record.PageID)
	return nil
}
