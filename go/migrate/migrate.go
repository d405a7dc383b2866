// Package migrate rebuilds the task-id linkage after Todoist changed its id
// format: pages still carry old-format ids, so matching falls back to exact
// titles. The procedure archives duplicate pages left behind by earlier
// migration attempts and rebuilds the record set from scratch.
package migrate

import (
	"context"
	"sort"
	"strings"

	"go.skia.org/infra/go/now"
	"go.skia.org/infra/go/skerr"
	"go.skia.org/infra/go/sklog"

	"go.capsync.dev/sync/go/config"
	"go.capsync.dev/sync/go/fingerprint"
	"go.capsync.dev/sync/go/mapper"
	"go.capsync.dev/sync/go/notion"
	"go.capsync.dev/sync/go/store"
	"go.capsync.dev/sync/go/todoist"
	"go.capsync.dev/sync/go/types"
)

// PageUpdate is one planned task-id rewrite.
type PageUpdate struct {
	PageID    string `json:"page_id"`
	Title     string `json:"title"`
	OldTaskID string `json:"old_task_id"`
	NewTaskID string `json:"new_task_id"`
}

// Plan is the outcome of a migration run. In dry-run mode it describes what
// would happen; otherwise what did.
type Plan struct {
	DryRun       bool         `json:"dry_run"`
	Updates      []PageUpdate `json:"updates"`
	Duplicates   []string     `json:"duplicate_pages_archived"`
	Ambiguous    []string     `json:"ambiguous_titles"`
	Unmatched    []string     `json:"unmatched_pages"`
	RecordsWiped int          `json:"records_wiped"`
}

// Migrator runs the id migration.
type Migrator struct {
	cfg     *config.Config
	store   store.Store
	todoist *todoist.Client
	notion  *notion.Client
}

// New returns a Migrator.
func New(cfg *config.Config, st store.Store, td *todoist.Client, nt *notion.Client) *Migrator {
	return &Migrator{
		cfg:     cfg,
		store:   st,
		todoist: td,
		notion:  nt,
	}
}

// Run matches every task page to a current Todoist task by exact trimmed
// title and rewrites the page's task id. Titles claimed by more than one
// task or more than one distinct surviving page are flagged ambiguous and
// left alone. With dryRun set, nothing is written anywhere.
func (m *Migrator) Run(ctx context.Context, dryRun bool) (*Plan, error) {
	plan := &Plan{DryRun: dryRun}

	active, err := m.todoist.ActiveTasksWithLabel(ctx, m.cfg.SyncTag)
	if err != nil {
		return nil, skerr.Wrapf(err, "listing active tagged tasks")
	}
	completed, err := m.todoist.CompletedTasksWithLabel(ctx, m.cfg.SyncTag)
	if err != nil {
		return nil, skerr.Wrapf(err, "listing completed tagged tasks")
	}
	tasksByTitle := map[string][]*types.Task{}
	for _, task := range append(active, completed...) {
		title := strings.TrimSpace(task.Content)
		tasksByTitle[title] = append(tasksByTitle[title], task)
	}

	pages, err := m.notion.AllTaskPages(ctx)
	if err != nil {
		return nil, skerr.Wrapf(err, "listing task pages")
	}
	pagesByTitle := map[string][]notion.Page{}
	for _, page := range pages {
		title := strings.TrimSpace(page.TitleOf(notion.PropName))
		pagesByTitle[title] = append(pagesByTitle[title], page)
	}

	titles := make([]string, 0, len(pagesByTitle))
	for title := range pagesByTitle {
		titles = append(titles, title)
	}
	sort.Strings(titles)

	type match struct {
		task *types.Task
		page notion.Page
	}
	var matches []match
	for _, title := range titles {
		group := pagesByTitle[title]
		candidates := tasksByTitle[title]
		if len(candidates) == 0 {
			for _, page := range group {
				plan.Unmatched = append(plan.Unmatched, page.ID)
			}
			continue
		}
		if len(candidates) > 1 {
			plan.Ambiguous = append(plan.Ambiguous, title)
			sklog.Warningf("Title %q matches %d tasks; skipping.", title, len(candidates))
			continue
		}
		task := candidates[0]

		// Keep the page already carrying the current id if one exists,
		// otherwise the oldest by id; the rest are migration leftovers.
		sort.Slice(group, func(i, j int) bool {
			return group[i].ID < group[j].ID
		})
		keep := group[0]
		for _, page := range group {
			if page.TextOf(notion.PropTaskID) == task.ID {
				keep = page
				break
			}
		}
		for _, page := range group {
			if page.ID != keep.ID {
				plan.Duplicates = append(plan.Duplicates, page.ID)
			}
		}
		if oldID := keep.TextOf(notion.PropTaskID); oldID != task.ID {
			plan.Updates = append(plan.Updates, PageUpdate{
				PageID:    keep.ID,
				Title:     title,
				OldTaskID: oldID,
				NewTaskID: task.ID,
			})
		}
		matches = append(matches, match{task: task, page: keep})
	}

	if dryRun {
		sklog.Infof("Migration dry run: %d updates, %d duplicates, %d ambiguous, %d unmatched",
			len(plan.Updates), len(plan.Duplicates), len(plan.Ambiguous), len(plan.Unmatched))
		return plan, nil
	}

	wiped, err := m.store.WipeTaskRecords(ctx)
	if err != nil {
		return nil, skerr.Wrapf(err, "wiping task records")
	}
	plan.RecordsWiped = wiped

	for _, update := range plan.Updates {
		if _, err := m.notion.UpdatePage(ctx, update.PageID, map[string]notion.Property{
			notion.PropTaskID: notion.TextProp(update.NewTaskID),
		}); err != nil {
			return nil, skerr.Wrapf(err, "rewriting task id on page %s", update.PageID)
		}
	}
	for _, pageID := range plan.Duplicates {
		if err := m.notion.ArchivePage(ctx, pageID); err != nil {
			sklog.Warningf("Could not archive duplicate page %s: %s", pageID, err)
		}
	}

	for _, mt := range matches {
		if err := m.rebuildRecord(ctx, mt.task, mt.page.ID); err != nil {
			return nil, skerr.Wrap(err)
		}
	}
	sklog.Infof("Migration done: %d pages updated, %d duplicates archived, %d records rebuilt",
		len(plan.Updates), len(plan.Duplicates), len(matches))
	return plan, nil
}

func (m *Migrator) rebuildRecord(ctx context.Context, task *types.Task, pageID string) error {
	project, err := m.todoist.GetProject(ctx, task.ProjectID)
	if err != nil {
		return skerr.Wrapf(err, "fetching project %s", task.ProjectID)
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
	return skerr.Wrap(m.store.PutTaskRecord(ctx, &types.TaskSyncRecord{
		TaskID:             task.ID,
		PageID:             pageID,
		ForwardFingerprint: forwardFp,
		ReverseFingerprint: reverseFp,
		LastSyncedAt:       now.Now(ctx),
		Status:             types.StatusOK,
		Origin:             types.OriginMigration,
	}))
}
