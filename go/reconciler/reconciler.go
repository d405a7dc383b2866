// Package reconciler runs the periodic full sweep that converges drift the
// event path missed: auto-tag maintenance, project mirroring, a forward sweep
// over all tagged tasks, the reverse pull of Notion edits, create-from-Notion
// and archive drift. Step order matters: the forward sweep refreshes the
// reverse fingerprints that the reverse pull then uses to recognize its own
// echoes.
package reconciler

import (
	"context"
	"encoding/json"
	"time"

	"go.skia.org/infra/go/now"
	"go.skia.org/infra/go/skerr"
	"go.skia.org/infra/go/sklog"

	"go.capsync.dev/sync/go/config"
	"go.capsync.dev/sync/go/fingerprint"
	"go.capsync.dev/sync/go/mapper"
	"go.capsync.dev/sync/go/notion"
	"go.capsync.dev/sync/go/resolver"
	"go.capsync.dev/sync/go/store"
	"go.capsync.dev/sync/go/todoist"
	"go.capsync.dev/sync/go/types"
	"go.capsync.dev/sync/go/worker"
)

// Summary reports what one sweep did. Returned to the /reconcile caller.
type Summary struct {
	TasksLabeled       int `json:"tasks_labeled"`
	TasksUnlabeled     int `json:"tasks_unlabeled"`
	ProjectsMirrored   int `json:"projects_mirrored"`
	ProjectNamesPulled int `json:"project_names_pulled"`
	ForwardSynced      int `json:"forward_synced"`
	EchoesSuppressed   int `json:"echoes_suppressed"`
	ReversePulled      int `json:"reverse_pulled"`
	TasksCreated       int `json:"tasks_created"`
	TasksArchived      int `json:"tasks_archived"`
	Errors             int `json:"errors"`
}

// Reconciler runs the sweep.
type Reconciler struct {
	cfg      *config.Config
	store    store.Store
	todoist  *todoist.Client
	notion   *notion.Client
	resolver *resolver.Resolver
	worker   *worker.Worker
}

// New returns a Reconciler.
func New(cfg *config.Config, st store.Store, td *todoist.Client, nt *notion.Client, rs *resolver.Resolver, w *worker.Worker) *Reconciler {
	return &Reconciler{
		cfg:      cfg,
		store:    st,
		todoist:  td,
		notion:   nt,
		resolver: rs,
		worker:   w,
	}
}

// Run executes one full sweep. Per-item failures are counted and logged; only
// failures that invalidate the whole sweep (listing tasks or projects) abort
// it. The steps run strictly in order.
func (r *Reconciler) Run(ctx context.Context) (*Summary, error) {
	start := now.Now(ctx)
	summary := &Summary{}

	// Step 1: per-sweep caches start cold.
	r.todoist.ClearCache()
	r.resolver.ClearCache()

	activeTasks, err := r.todoist.ListTasks(ctx, "")
	if err != nil {
		return nil, skerr.Wrapf(err, "listing active tasks")
	}
	projects, err := r.todoist.ListProjects(ctx)
	if err != nil {
		return nil, skerr.Wrapf(err, "listing projects")
	}

	// Step 2.
	if r.cfg.AutoLabelTasks {
		r.autoTag(ctx, activeTasks, projects, summary)
	}

	// Step 3.
	r.reconcileProjects(ctx, projects, summary)

	// Step 4.
	syncedIDs := r.forwardSweep(ctx, summary)

	// Step 5. On the first run the cursor is initialized and the reverse
	// steps have no window to look at yet.
	cursor, err := r.store.GetReverseCursor(ctx)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	firstRun := cursor.IsZero()
	if firstRun {
		sklog.Infof("No reverse cursor yet; initializing to %s and skipping the reverse pull.", start)
	} else if r.cfg.EnableReversePull {
		r.reversePull(ctx, cursor, summary)
	}

	// Step 6. Creation keys off pages missing a task id, not the cursor, so
	// it runs on the first sweep too.
	if r.cfg.EnableReverseCreate {
		r.createFromNotion(ctx, syncedIDs, summary)
	}

	// Step 7.
	r.archiveDrift(ctx, syncedIDs, summary)

	// Step 8.
	if err := r.store.SetReverseCursor(ctx, start); err != nil {
		return nil, skerr.Wrap(err)
	}

	sklog.Infof("Reconcile done: %+v", *summary)
	return summary, nil
}

// autoTag adds the sync tag to every eligible active task and removes it from
// ineligible ones. Eligible means not completed, not recurring, and not in
// the Inbox.
func (r *Reconciler) autoTag(ctx context.Context, tasks []*types.Task, projects []*types.Project, summary *Summary) {
	inbox := map[string]bool{}
	for _, p := range projects {
		if p.IsInboxProject || p.Name == r.cfg.InboxProjectName {
			inbox[p.ID] = true
		}
	}
	for _, task := range tasks {
		recurring := task.Due != nil && task.Due.IsRecurring
		eligible := !task.IsCompleted && !inbox[task.ProjectID] && !recurring
		switch {
		case eligible && !task.HasLabel(r.cfg.SyncTag):
			if _, err := r.todoist.AddLabel(ctx, task, r.cfg.SyncTag); err != nil {
				sklog.Warningf("Could not add %s to task %s: %s", r.cfg.SyncTag, task.ID, err)
				summary.Errors++
				continue
			}
			summary.TasksLabeled++
		case !eligible && task.HasLabel(r.cfg.SyncTag):
			if _, err := r.todoist.RemoveLabel(ctx, task, r.cfg.SyncTag); err != nil {
				sklog.Warningf("Could not remove %s from task %s: %s", r.cfg.SyncTag, task.ID, err)
				summary.Errors++
				continue
			}
			summary.TasksUnlabeled++
		}
	}
}

// reconcileProjects mirrors each project's archived flag into the page's
// Status select and pulls page title edits back into Todoist. The page title
// wins after creation; renames made in Notion stick.
func (r *Reconciler) reconcileProjects(ctx context.Context, projects []*types.Project, summary *Summary) {
	for _, project := range projects {
		if project.IsInboxProject || project.Name == r.cfg.InboxProjectName {
			continue
		}
		page, err := r.notion.FindProjectByTodoistID(ctx, project.ID)
		if err != nil {
			sklog.Warningf("Could not look up page of project %s: %s", project.ID, err)
			summary.Errors++
			continue
		}
		if page == nil {
			// Pages are created lazily when the first task syncs.
			continue
		}

		want := notion.StatusActive
		if project.IsArchived {
			want = notion.StatusArchived
		}
		if page.SelectOf(notion.PropStatus) != want {
			if _, err := r.notion.UpdatePage(ctx, page.ID, map[string]notion.Property{
				notion.PropStatus: notion.SelectProp(want),
			}); err != nil {
				sklog.Warningf("Could not set project %s status to %s: %s", project.ID, want, err)
				summary.Errors++
				continue
			}
			summary.ProjectsMirrored++
		}

		if pageName := page.TitleOf(notion.PropName); pageName != "" && pageName != project.Name {
			if _, err := r.todoist.UpdateProjectName(ctx, project.ID, pageName); err != nil {
				sklog.Warningf("Could not rename project %s to %q: %s", project.ID, pageName, err)
				summary.Errors++
				continue
			}
			summary.ProjectNamesPulled++
		}
	}
}

// forwardSweep pushes every tagged task, active and completed, through the
// worker. Returns the set of task ids seen, which bounds the archive-drift
// step. The already-fetched task rides along as the job snapshot so the
// worker skips the re-fetch.
func (r *Reconciler) forwardSweep(ctx context.Context, summary *Summary) map[string]bool {
	seen := map[string]bool{}
	active, err := r.todoist.ActiveTasksWithLabel(ctx, r.cfg.SyncTag)
	if err != nil {
		sklog.Errorf("Could not list active tagged tasks: %s", err)
		summary.Errors++
		return seen
	}
	completed, err := r.todoist.CompletedTasksWithLabel(ctx, r.cfg.SyncTag)
	if err != nil {
		sklog.Errorf("Could not list completed tagged tasks: %s", err)
		summary.Errors++
	}
	for _, task := range append(active, completed...) {
		seen[task.ID] = true
		snapshot, err := json.Marshal(task)
		if err != nil {
			summary.Errors++
			continue
		}
		job := &types.Job{Action: types.ActionUpsert, TaskID: task.ID, Snapshot: snapshot}
		if err := r.worker.Process(ctx, job, types.OriginReconcile); err != nil {
			sklog.Warningf("Forward sync of task %s failed: %s", task.ID, err)
			summary.Errors++
			continue
		}
		summary.ForwardSynced++
	}
	return seen
}

// reversePull applies Notion edits made since the cursor back to Todoist.
// Pages whose sync-relevant properties fingerprint to the stored reverse
// fingerprint are this system's own writes and are skipped.
func (r *Reconciler) reversePull(ctx context.Context, cursor time.Time, summary *Summary) {
	pages, err := r.notion.TaskPagesEditedSince(ctx, cursor.UTC().Format(time.RFC3339))
	if err != nil {
		sklog.Errorf("Could not query edited pages: %s", err)
		summary.Errors++
		return
	}
	for i := range pages {
		if err := r.reversePullPage(ctx, &pages[i], summary); err != nil {
			sklog.Warningf("Reverse pull of page %s failed: %s", pages[i].ID, err)
			summary.Errors++
		}
	}
}

func (r *Reconciler) reversePullPage(ctx context.Context, page *notion.Page, summary *Summary) error {
	props := mapper.ExtractTaskProps(page)
	if props.TaskID == "" {
		// Create-from-Notion handles these.
		return nil
	}

	hash, err := fingerprint.Of(props)
	if err != nil {
		return skerr.Wrap(err)
	}
	record, err := r.store.GetTaskRecord(ctx, props.TaskID)
	if err != nil {
		return skerr.Wrap(err)
	}
	if record != nil && record.ReverseFingerprint == hash {
		summary.EchoesSuppressed++
		return nil
	}

	task, err := r.todoist.GetTask(ctx, props.TaskID)
	if err != nil {
		return skerr.Wrapf(err, "fetching task %s", props.TaskID)
	}
	diff := mapper.DiffAgainstTask(props, task)
	if diff.Empty() {
		if record != nil {
			record.ReverseFingerprint = hash
			if err := r.store.PutTaskRecord(ctx, record); err != nil {
				return skerr.Wrap(err)
			}
		}
		return nil
	}

	if err := r.applyDiff(ctx, task, diff); err != nil {
		return skerr.Wrap(err)
	}

	// Re-fetch so the fingerprints reflect the server's post-write view.
	task, err = r.todoist.GetTask(ctx, task.ID)
	if err != nil {
		return skerr.Wrapf(err, "re-fetching task %s", props.TaskID)
	}
	project, err := r.todoist.GetProject(ctx, task.ProjectID)
	if err != nil {
		return skerr.Wrap(err)
	}
	comments, err := r.todoist.ListComments(ctx, task.ID)
	if err != nil {
		return skerr.Wrap(err)
	}
	sectionName := ""
	if task.SectionID != "" {
		section, err := r.todoist.GetSection(ctx, task.SectionID)
		if err != nil {
			return skerr.Wrap(err)
		}
		sectionName = section.Name
	}
	payload := mapper.TaskPayload(task, project, comments, sectionName)
	forwardFp, err := fingerprint.Of(payload)
	if err != nil {
		return skerr.Wrap(err)
	}
	reverseFp, err := fingerprint.Of(mapper.ReverseProps(payload))
	if err != nil {
		return skerr.Wrap(err)
	}

	if record == nil {
		record = &types.TaskSyncRecord{TaskID: task.ID}
	}
	record.PageID = props.PageID
	record.ForwardFingerprint = forwardFp
	record.ReverseFingerprint = reverseFp
	record.LastSyncedAt = now.Now(ctx)
	record.Status = types.StatusOK
	record.ErrorNote = ""
	record.Origin = types.OriginReversePull
	if err := r.store.PutTaskRecord(ctx, record); err != nil {
		return skerr.Wrap(err)
	}
	summary.ReversePulled++
	sklog.Infof("Pulled Notion edits of page %s back to task %s", props.PageID, task.ID)
	return nil
}

// applyDiff writes the changed fields to Todoist. Completion toggles go
// through the dedicated endpoints; everything else through a task update.
func (r *Reconciler) applyDiff(ctx context.Context, task *types.Task, diff mapper.ReverseDiff) error {
	args := todoist.UpdateTaskArgs{
		Content:  diff.Title,
		Priority: diff.Priority,
		DueDate:  diff.DueDate,
	}
	if diff.Title != nil || diff.Priority != nil || diff.DueDate != nil {
		if _, err := r.todoist.UpdateTask(ctx, task.ID, args); err != nil {
			return skerr.Wrapf(err, "updating task %s", task.ID)
		}
	}
	if diff.Completed != nil {
		if *diff.Completed {
			if err := r.todoist.CompleteTask(ctx, task.ID); err != nil {
				return skerr.Wrapf(err, "completing task %s", task.ID)
			}
		} else {
			if err := r.todoist.ReopenTask(ctx, task.ID); err != nil {
				return skerr.Wrapf(err, "reopening task %s", task.ID)
			}
		}
	}
	return nil
}

// createFromNotion turns task pages without a Todoist task id into new
// Todoist tasks. The page's Project relation must resolve to a known project
// record; pages pointing at unmapped projects are skipped.
func (r *Reconciler) createFromNotion(ctx context.Context, syncedIDs map[string]bool, summary *Summary) {
	pages, err := r.notion.TaskPagesMissingTaskID(ctx)
	if err != nil {
		sklog.Errorf("Could not query pages without a task id: %s", err)
		summary.Errors++
		return
	}
	for i := range pages {
		if err := r.createFromPage(ctx, &pages[i], syncedIDs, summary); err != nil {
			sklog.Warningf("Create-from-Notion for page %s failed: %s", pages[i].ID, err)
			summary.Errors++
		}
	}
}

func (r *Reconciler) createFromPage(ctx context.Context, page *notion.Page, syncedIDs map[string]bool, summary *Summary) error {
	props := mapper.ExtractTaskProps(page)
	if props.Title == "" || props.Completed {
		return nil
	}
	if props.ProjectPageID == "" {
		sklog.Infof("Page %s has no Project relation; skipping create.", page.ID)
		return nil
	}
	projRecord, err := r.store.ProjectRecordByPageID(ctx, props.ProjectPageID)
	if err != nil {
		return skerr.Wrap(err)
	}
	if projRecord == nil {
		sklog.Infof("Page %s points at unmapped project page %s; skipping create.", page.ID, props.ProjectPageID)
		return nil
	}

	task, err := r.todoist.CreateTask(ctx, todoist.CreateTaskArgs{
		Content:   props.Title,
		ProjectID: projRecord.ProjectID,
		Labels:    []string{r.cfg.SyncTag},
		Priority:  props.Priority,
		DueDate:   props.DueDate,
	})
	if err != nil {
		return skerr.Wrapf(err, "creating task for page %s", page.ID)
	}
	syncedIDs[task.ID] = true

	if _, err := r.notion.UpdatePage(ctx, page.ID, map[string]notion.Property{
		notion.PropTaskID: notion.TextProp(task.ID),
		notion.PropURL:    notion.URLProp(task.URL),
	}); err != nil {
		return skerr.Wrapf(err, "writing task id back to page %s", page.ID)
	}

	project, err := r.todoist.GetProject(ctx, task.ProjectID)
	if err != nil {
		return skerr.Wrap(err)
	}
	payload := mapper.TaskPayload(task, project, nil, "")
	forwardFp, err := fingerprint.Of(payload)
	if err != nil {
		return skerr.Wrap(err)
	}
	reverseFp, err := fingerprint.Of(mapper.ReverseProps(payload))
	if err != nil {
		return skerr.Wrap(err)
	}
	if err := r.store.PutTaskRecord(ctx, &types.TaskSyncRecord{
		TaskID:             task.ID,
		PageID:             page.ID,
		ForwardFingerprint: forwardFp,
		ReverseFingerprint: reverseFp,
		LastSyncedAt:       now.Now(ctx),
		Status:             types.StatusOK,
		Origin:             types.OriginReverseCreate,
	}); err != nil {
		return skerr.Wrap(err)
	}
	summary.TasksCreated++
	sklog.Infof("Created task %s from page %s", task.ID, page.ID)
	return nil
}

// archiveDrift archives every stored record whose task no longer showed up
// in the forward sweep: the task was deleted, or lost the tag while we were
// not looking.
func (r *Reconciler) archiveDrift(ctx context.Context, syncedIDs map[string]bool, summary *Summary) {
	// Only the drifted task ids are held in memory; the records themselves
	// stream through the callback.
	var drifted []string
	err := r.store.IterTaskRecords(ctx, func(record *types.TaskSyncRecord) error {
		if record.Status == types.StatusArchived || syncedIDs[record.TaskID] {
			return nil
		}
		drifted = append(drifted, record.TaskID)
		return nil
	})
	if err != nil {
		sklog.Errorf("Could not iterate task records: %s", err)
		summary.Errors++
		return
	}
	for _, taskID := range drifted {
		job := &types.Job{Action: types.ActionArchive, TaskID: taskID}
		if err := r.worker.Process(ctx, job, types.OriginReconcile); err != nil {
			sklog.Warningf("Archiving drifted task %s failed: %s", taskID, err)
			summary.Errors++
			continue
		}
		summary.TasksArchived++
	}
}
