// Package resolver maps Todoist entities to Notion pages: projects, PARA
// area pages and person pages. Resolution follows the same ladder
// everywhere: stored record, then Notion query, then create.
package resolver

import (
	"context"
	"strings"
	"sync"

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

// Resolver resolves Todoist-side identities to Notion page ids. It caches
// area and person lookups; the reconciler clears the caches at the start of
// each sweep.
type Resolver struct {
	cfg     *config.Config
	store   store.Store
	todoist *todoist.Client
	notion  *notion.Client

	mtx        sync.Mutex
	areaCache  map[string]string // lowercased area label -> page id
	peopleList []notion.Page     // all People pages, fetched once per sweep
	havePeople bool
}

// New returns a Resolver.
func New(cfg *config.Config, st store.Store, td *todoist.Client, nt *notion.Client) *Resolver {
	return &Resolver{
		cfg:       cfg,
		store:     st,
		todoist:   td,
		notion:    nt,
		areaCache: map[string]string{},
	}
}

// ClearCache drops the cached area and people lookups.
func (r *Resolver) ClearCache() {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.areaCache = map[string]string{}
	r.peopleList = nil
	r.havePeople = false
}

// EnsureProjectPage returns the Notion page id for a Todoist project,
// creating the page if necessary. The Inbox project is never mirrored and
// returns ("", nil); callers treat an empty id as "outside sync scope".
// areaPageIDs seeds the AREAS relation at creation only; the relation is
// Notion-controlled afterward.
func (r *Resolver) EnsureProjectPage(ctx context.Context, project *types.Project, areaPageIDs []string) (string, error) {
	if project.IsInboxProject || project.Name == r.cfg.InboxProjectName {
		return "", nil
	}

	record, err := r.store.GetProjectRecord(ctx, project.ID)
	if err != nil {
		return "", skerr.Wrap(err)
	}
	if record != nil && record.PageID != "" {
		return record.PageID, nil
	}

	page, err := r.notion.FindProjectByTodoistID(ctx, project.ID)
	if err != nil {
		return "", skerr.Wrap(err)
	}

	payload := mapper.ProjectPayload(project)
	fp, err := fingerprint.Of(payload)
	if err != nil {
		return "", skerr.Wrap(err)
	}

	if page == nil {
		props := mapper.ProjectProperties(payload, notion.StatusActive)
		if len(areaPageIDs) > 0 && r.cfg.HasAreas() {
			props[notion.PropAreas] = notion.RelationProp(areaPageIDs...)
		}
		page, err = r.notion.CreatePage(ctx, r.notion.ProjectsDB, props, nil)
		if err != nil {
			return "", skerr.Wrapf(err, "creating project page for %s", project.ID)
		}
		sklog.Infof("Created project page %s for Todoist project %s (%q)", page.ID, project.ID, project.Name)
	}

	if err := r.store.PutProjectRecord(ctx, &types.ProjectSyncRecord{
		ProjectID:          project.ID,
		PageID:             page.ID,
		ForwardFingerprint: fp,
		LastSyncedAt:       now.Now(ctx),
		Status:             types.StatusOK,
		Origin:             types.OriginEvent,
	}); err != nil {
		return "", skerr.Wrap(err)
	}
	return page.ID, nil
}

// AreaLabels returns the subset of the task's labels that name known areas,
// in their canonical configured casing.
func (r *Resolver) AreaLabels(labels []string) []string {
	var areas []string
	for _, label := range labels {
		bare := strings.TrimPrefix(label, "@")
		for _, area := range r.cfg.AreaLabels {
			if strings.EqualFold(bare, area) {
				areas = append(areas, area)
				break
			}
		}
	}
	return areas
}

// AreaForParentProject returns the area label matching the name of the
// project's parent project, if any. This drives area inheritance for new
// tasks.
func (r *Resolver) AreaForParentProject(ctx context.Context, project *types.Project) (string, error) {
	if project.ParentID == "" {
		return "", nil
	}
	parent, err := r.todoist.GetProject(ctx, project.ParentID)
	if err != nil {
		return "", skerr.Wrapf(err, "fetching parent project %s", project.ParentID)
	}
	for _, area := range r.cfg.AreaLabels {
		if strings.EqualFold(parent.Name, area) {
			return area, nil
		}
	}
	return "", nil
}

// EnsureAreaPages resolves each area label to a page in the Areas database,
// creating pages as needed. Returns nil if the database is not configured.
func (r *Resolver) EnsureAreaPages(ctx context.Context, areas []string) ([]string, error) {
	if !r.cfg.HasAreas() || len(areas) == 0 {
		return nil, nil
	}
	var ids []string
	for _, area := range areas {
		id, err := r.ensureAreaPage(ctx, area)
		if err != nil {
			return nil, skerr.Wrap(err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (r *Resolver) ensureAreaPage(ctx context.Context, area string) (string, error) {
	key := strings.ToLower(area)
	r.mtx.Lock()
	id, ok := r.areaCache[key]
	r.mtx.Unlock()
	if ok {
		return id, nil
	}

	page, err := r.notion.FindPageByTitle(ctx, r.notion.AreasDB, area)
	if err != nil {
		return "", skerr.Wrap(err)
	}
	if page == nil {
		page, err = r.notion.CreatePage(ctx, r.notion.AreasDB, map[string]notion.Property{
			notion.PropName: notion.TitleProp(area),
		}, nil)
		if err != nil {
			return "", skerr.Wrapf(err, "creating area page %q", area)
		}
		sklog.Infof("Created area page %s for %q", page.ID, area)
	}

	r.mtx.Lock()
	r.areaCache[key] = page.ID
	r.mtx.Unlock()
	return page.ID, nil
}

// PersonNames returns the person names carried by the task's labels,
// stripped of the configured person marker.
func (r *Resolver) PersonNames(labels []string) []string {
	if r.cfg.PersonTagMarker == "" {
		return nil
	}
	var names []string
	for _, label := range labels {
		bare := strings.TrimPrefix(label, "@")
		if strings.HasPrefix(bare, r.cfg.PersonTagMarker) {
			if name := strings.TrimPrefix(bare, r.cfg.PersonTagMarker); name != "" {
				names = append(names, name)
			}
		}
	}
	return names
}

// ResolvePeople matches person names against the People database and returns
// the matched page ids. Unknown names are skipped silently; a person label
// with a typo should not fail the whole job.
func (r *Resolver) ResolvePeople(ctx context.Context, names []string) ([]string, error) {
	if !r.cfg.HasPeople() || len(names) == 0 {
		return nil, nil
	}
	people, err := r.allPeople(ctx)
	if err != nil {
		return nil, skerr.Wrap(err)
	}
	var ids []string
	for _, name := range names {
		if id := matchPerson(people, name); id != "" {
			ids = append(ids, id)
		} else {
			sklog.Infof("No People page matches %q; skipping.", name)
		}
	}
	return ids, nil
}

func (r *Resolver) allPeople(ctx context.Context) ([]notion.Page, error) {
	r.mtx.Lock()
	if r.havePeople {
		people := r.peopleList
		r.mtx.Unlock()
		return people, nil
	}
	r.mtx.Unlock()

	people, err := r.notion.AllPages(ctx, r.notion.PeopleDB)
	if err != nil {
		return nil, skerr.Wrapf(err, "listing People database")
	}
	r.mtx.Lock()
	r.peopleList = people
	r.havePeople = true
	r.mtx.Unlock()
	return people, nil
}

// matchPerson finds the page for a person name: exact case-insensitive match
// first, then fuzzy (containment either way, or shared first-word prefix) so
// "DougD" still matches "Doug Diego".
func matchPerson(people []notion.Page, name string) string {
	lower := strings.ToLower(name)
	for i := range people {
		if strings.ToLower(people[i].TitleOf(notion.PropName)) == lower {
			return people[i].ID
		}
	}
	for i := range people {
		pageName := strings.ToLower(people[i].TitleOf(notion.PropName))
		if pageName == "" {
			continue
		}
		firstWord := strings.Fields(pageName)[0]
		if strings.Contains(pageName, lower) || strings.Contains(lower, pageName) ||
			strings.HasPrefix(lower, firstWord) || strings.HasPrefix(pageName, lower) {
			return people[i].ID
		}
	}
	return ""
}
