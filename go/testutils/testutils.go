// Package testutils provides in-memory fakes of the Todoist and Notion APIs
// for worker, reconciler and server tests. The fakes implement just the
// endpoints and query filters the service uses, backed by plain maps that
// tests seed and inspect directly.
package testutils

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"go.capsync.dev/sync/go/notion"
	"go.capsync.dev/sync/go/todoist"
	"go.capsync.dev/sync/go/types"
)

// Database ids used by the fake Notion server.
const (
	TasksDB    = "tasks-db"
	ProjectsDB = "projects-db"
	AreasDB    = "areas-db"
	PeopleDB   = "people-db"
)

// FakeTodoist is an in-memory Todoist backend.
type FakeTodoist struct {
	Mtx      sync.Mutex
	Tasks    map[string]*types.Task
	Projects map[string]*types.Project
	Sections map[string]*types.Section
	Comments map[string][]types.Comment

	// ForcedStatus, when nonzero, makes every request fail with that HTTP
	// status. Used to simulate outages and rate limits.
	ForcedStatus int

	nextID int
}

// NewFakeTodoist returns an empty fake.
func NewFakeTodoist() *FakeTodoist {
	return &FakeTodoist{
		Tasks:    map[string]*types.Task{},
		Projects: map[string]*types.Project{},
		Sections: map[string]*types.Section{},
		Comments: map[string][]types.Comment{},
	}
}

// Client starts an httptest server around the fake and returns a client
// talking to it.
func (f *FakeTodoist) Client(t *testing.T) *todoist.Client {
	server := httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(server.Close)
	return todoist.NewClient(server.Client(), server.URL, "fake-token")
}

func (f *FakeTodoist) handle(w http.ResponseWriter, r *http.Request) {
	f.Mtx.Lock()
	defer f.Mtx.Unlock()

	if f.ForcedStatus != 0 {
		http.Error(w, "forced failure", f.ForcedStatus)
		return
	}

	path := r.URL.Path
	switch {
	case path == "/tasks" && r.Method == http.MethodGet:
		f.listTasks(w, r.URL.Query())
	case path == "/tasks" && r.Method == http.MethodPost:
		f.createTask(w, r)
	case strings.HasSuffix(path, "/close"):
		id := strings.TrimSuffix(strings.TrimPrefix(path, "/tasks/"), "/close")
		if task, ok := f.Tasks[id]; ok {
			task.IsCompleted = true
			task.CompletedAt = "2026-03-02T00:00:00Z"
			w.WriteHeader(http.StatusNoContent)
		} else {
			http.NotFound(w, r)
		}
	case strings.HasSuffix(path, "/reopen"):
		id := strings.TrimSuffix(strings.TrimPrefix(path, "/tasks/"), "/reopen")
		if task, ok := f.Tasks[id]; ok {
			task.IsCompleted = false
			task.CompletedAt = ""
			w.WriteHeader(http.StatusNoContent)
		} else {
			http.NotFound(w, r)
		}
	case strings.HasPrefix(path, "/tasks/") && r.Method == http.MethodGet:
		task, ok := f.Tasks[strings.TrimPrefix(path, "/tasks/")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, task)
	case strings.HasPrefix(path, "/tasks/") && r.Method == http.MethodPost:
		f.updateTask(w, r, strings.TrimPrefix(path, "/tasks/"))
	case path == "/projects" && r.Method == http.MethodGet:
		projects := make([]*types.Project, 0, len(f.Projects))
		for _, p := range f.Projects {
			projects = append(projects, p)
		}
		writeJSON(w, projects)
	case strings.HasPrefix(path, "/projects/") && r.Method == http.MethodGet:
		project, ok := f.Projects[strings.TrimPrefix(path, "/projects/")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, project)
	case strings.HasPrefix(path, "/projects/") && r.Method == http.MethodPost:
		id := strings.TrimPrefix(path, "/projects/")
		project, ok := f.Projects[id]
		if !ok {
			http.NotFound(w, r)
			return
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if name, ok := body["name"]; ok {
			project.Name = name
		}
		writeJSON(w, project)
	case strings.HasPrefix(path, "/sections/"):
		section, ok := f.Sections[strings.TrimPrefix(path, "/sections/")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, section)
	case path == "/comments":
		comments := f.Comments[r.URL.Query().Get("task_id")]
		if comments == nil {
			comments = []types.Comment{}
		}
		writeJSON(w, comments)
	default:
		http.NotFound(w, r)
	}
}

func (f *FakeTodoist) listTasks(w http.ResponseWriter, q url.Values) {
	filter := q.Get("filter")
	wantCompleted := strings.Contains(filter, "is:completed")
	label := ""
	if idx := strings.Index(filter, "@"); idx >= 0 {
		rest := filter[idx+1:]
		if sp := strings.Index(rest, " "); sp >= 0 {
			label = rest[:sp]
		} else {
			label = rest
		}
	}
	tasks := []*types.Task{}
	for _, task := range f.Tasks {
		if task.IsCompleted != wantCompleted {
			continue
		}
		if label != "" && !task.HasLabel(label) {
			continue
		}
		tasks = append(tasks, task)
	}
	writeJSON(w, tasks)
}

func (f *FakeTodoist) createTask(w http.ResponseWriter, r *http.Request) {
	var args todoist.CreateTaskArgs
	if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.nextID++
	task := &types.Task{
		ID:          fmt.Sprintf("new-%d", f.nextID),
		Content:     args.Content,
		Description: args.Description,
		ProjectID:   args.ProjectID,
		Labels:      args.Labels,
		Priority:    args.Priority,
		URL:         fmt.Sprintf("https://todoist.com/showTask?id=new-%d", f.nextID),
		CreatedAt:   "2026-03-01T00:00:00Z",
	}
	if args.DueDate != "" {
		task.Due = &types.Due{Date: args.DueDate}
	}
	f.Tasks[task.ID] = task
	writeJSON(w, task)
}

func (f *FakeTodoist) updateTask(w http.ResponseWriter, r *http.Request, id string) {
	task, ok := f.Tasks[id]
	if !ok {
		http.NotFound(w, r)
		return
	}
	var body map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if v, ok := body["content"].(string); ok {
		task.Content = v
	}
	if v, ok := body["description"].(string); ok {
		task.Description = v
	}
	if v, ok := body["priority"].(float64); ok {
		task.Priority = int(v)
	}
	if v, ok := body["due_date"].(string); ok {
		task.Due = &types.Due{Date: v}
	}
	if v, ok := body["due_string"].(string); ok && v == "no date" {
		task.Due = nil
	}
	if v, ok := body["labels"].([]interface{}); ok {
		labels := make([]string, 0, len(v))
		for _, l := range v {
			labels = append(labels, l.(string))
		}
		task.Labels = labels
	}
	writeJSON(w, task)
}

// FakeNotion is an in-memory Notion backend.
type FakeNotion struct {
	Mtx   sync.Mutex
	Pages map[string]*notion.Page
	// DB maps page id to the database the page lives in.
	DB map[string]string
	// Blocks records body blocks written per page.
	Blocks map[string][]notion.Block
	// Writes counts page creates and updates, for idempotency assertions.
	Writes int

	nextID int
}

// NewFakeNotion returns an empty fake.
func NewFakeNotion() *FakeNotion {
	return &FakeNotion{
		Pages:  map[string]*notion.Page{},
		DB:     map[string]string{},
		Blocks: map[string][]notion.Block{},
	}
}

// Client starts an httptest server around the fake and returns a client
// talking to it.
func (f *FakeNotion) Client(t *testing.T) *notion.Client {
	server := httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(server.Close)
	return notion.NewClient(server.Client(), server.URL, "fake-token", TasksDB, ProjectsDB, AreasDB, PeopleDB)
}

// AddPage seeds a page into the given database and returns the stored copy.
func (f *FakeNotion) AddPage(db string, page notion.Page) *notion.Page {
	f.Mtx.Lock()
	defer f.Mtx.Unlock()
	if page.ID == "" {
		f.nextID++
		page.ID = fmt.Sprintf("page-%d", f.nextID)
	}
	if page.URL == "" {
		page.URL = "https://www.notion.so/" + page.ID
	}
	stored := page
	f.Pages[stored.ID] = &stored
	f.DB[stored.ID] = db
	return &stored
}

func (f *FakeNotion) handle(w http.ResponseWriter, r *http.Request) {
	f.Mtx.Lock()
	defer f.Mtx.Unlock()

	path := r.URL.Path
	switch {
	case strings.HasPrefix(path, "/databases/") && strings.HasSuffix(path, "/query"):
		db := strings.TrimSuffix(strings.TrimPrefix(path, "/databases/"), "/query")
		f.query(w, r, db)
	case path == "/pages" && r.Method == http.MethodPost:
		f.createPage(w, r)
	case strings.HasPrefix(path, "/pages/") && r.Method == http.MethodPatch:
		f.updatePage(w, r, strings.TrimPrefix(path, "/pages/"))
	case strings.HasPrefix(path, "/pages/") && r.Method == http.MethodGet:
		page, ok := f.Pages[strings.TrimPrefix(path, "/pages/")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, page)
	case strings.HasPrefix(path, "/blocks/") && strings.HasSuffix(path, "/children"):
		pageID := strings.TrimSuffix(strings.TrimPrefix(path, "/blocks/"), "/children")
		var body struct {
			Children []notion.Block `json:"children"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.Blocks[pageID] = append(f.Blocks[pageID], body.Children...)
		writeJSON(w, map[string]string{})
	default:
		http.NotFound(w, r)
	}
}

func (f *FakeNotion) query(w http.ResponseWriter, r *http.Request, db string) {
	var body struct {
		Filter map[string]interface{} `json:"filter"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	results := []notion.Page{}
	for id, page := range f.Pages {
		// Queries never return archived pages, matching the real API.
		if f.DB[id] != db || page.Archived {
			continue
		}
		if matchFilter(page, body.Filter) {
			results = append(results, *page)
		}
	}
	writeJSON(w, map[string]interface{}{
		"results":  results,
		"has_more": false,
	})
}

func matchFilter(page *notion.Page, filter map[string]interface{}) bool {
	if filter == nil {
		return true
	}
	if ts, ok := filter["timestamp"].(string); ok && ts == "last_edited_time" {
		cond := filter["last_edited_time"].(map[string]interface{})
		since, _ := cond["on_or_after"].(string)
		// RFC 3339 timestamps compare correctly as strings.
		return page.LastEditedTime >= since
	}
	prop, _ := filter["property"].(string)
	if cond, ok := filter["rich_text"].(map[string]interface{}); ok {
		if want, ok := cond["equals"].(string); ok {
			return page.TextOf(prop) == want
		}
		if empty, ok := cond["is_empty"].(bool); ok && empty {
			return page.TextOf(prop) == ""
		}
	}
	if cond, ok := filter["title"].(map[string]interface{}); ok {
		if want, ok := cond["equals"].(string); ok {
			return page.TitleOf(prop) == want
		}
	}
	return false
}

func (f *FakeNotion) createPage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Parent     map[string]string          `json:"parent"`
		Properties map[string]notion.Property `json:"properties"`
		Children   []notion.Block             `json:"children"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.Writes++
	f.nextID++
	page := &notion.Page{
		ID:             fmt.Sprintf("page-%d", f.nextID),
		LastEditedTime: "2026-03-01T00:00:00Z",
		Properties:     body.Properties,
	}
	page.URL = "https://www.notion.so/" + page.ID
	f.Pages[page.ID] = page
	f.DB[page.ID] = body.Parent["database_id"]
	if len(body.Children) > 0 {
		f.Blocks[page.ID] = body.Children
	}
	writeJSON(w, page)
}

func (f *FakeNotion) updatePage(w http.ResponseWriter, r *http.Request, id string) {
	page, ok := f.Pages[id]
	if !ok {
		http.NotFound(w, r)
		return
	}
	var body struct {
		Properties map[string]notion.Property `json:"properties"`
		Archived   *bool                      `json:"archived"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.Writes++
	if body.Archived != nil {
		page.Archived = *body.Archived
	}
	if page.Properties == nil {
		page.Properties = map[string]notion.Property{}
	}
	for name, prop := range body.Properties {
		page.Properties[name] = prop
	}
	writeJSON(w, page)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
