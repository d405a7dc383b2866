package resolver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.capsync.dev/sync/go/config"
	"go.capsync.dev/sync/go/notion"
	"go.capsync.dev/sync/go/store/memstore"
	"go.capsync.dev/sync/go/todoist"
	"go.capsync.dev/sync/go/types"
)

// testSetup wires a Resolver against httptest fakes of both APIs.
type testSetup struct {
	resolver *Resolver
	store    *memstore.StoreImpl
	cfg      *config.Config
}

func newSetup(t *testing.T, notionHandler, todoistHandler http.HandlerFunc) *testSetup {
	if notionHandler == nil {
		notionHandler = func(w http.ResponseWriter, r *http.Request) {
			t.Fatalf("unexpected Notion request: %s %s", r.Method, r.URL.Path)
		}
	}
	if todoistHandler == nil {
		todoistHandler = func(w http.ResponseWriter, r *http.Request) {
			t.Fatalf("unexpected Todoist request: %s %s", r.Method, r.URL.Path)
		}
	}
	notionServer := httptest.NewServer(notionHandler)
	t.Cleanup(notionServer.Close)
	todoistServer := httptest.NewServer(todoistHandler)
	t.Cleanup(todoistServer.Close)

	cfg := config.New()
	cfg.AreaLabels = []string{"Work", "Health"}
	cfg.PersonTagMarker = "~"
	cfg.AreasDatabaseID = "areas-db"
	cfg.PeopleDatabaseID = "people-db"

	st := memstore.New()
	nt := notion.NewClient(notionServer.Client(), notionServer.URL, "tok", "tasks-db", "projects-db", "areas-db", "people-db")
	td := todoist.NewClient(todoistServer.Client(), todoistServer.URL, "tok")
	return &testSetup{
		resolver: New(cfg, st, td, nt),
		store:    st,
		cfg:      cfg,
	}
}

func queryResponse(t *testing.T, w http.ResponseWriter, pages ...notion.Page) {
	if pages == nil {
		pages = []notion.Page{}
	}
	require.NoError(t, json.NewEncoder(w).Encode(map[string]interface{}{
		"results":  pages,
		"has_more": false,
	}))
}

func TestEnsureProjectPage_InboxReturnsNoMapping(t *testing.T) {
	s := newSetup(t, nil, nil)
	ctx := context.Background()

	id, err := s.resolver.EnsureProjectPage(ctx, &types.Project{ID: "P0", Name: "Inbox", IsInboxProject: true}, nil)
	require.NoError(t, err)
	assert.Empty(t, id)

	// Also refused when only the name matches the configured Inbox.
	id, err = s.resolver.EnsureProjectPage(ctx, &types.Project{ID: "P0", Name: "Inbox"}, nil)
	require.NoError(t, err)
	assert.Empty(t, id)
}

func TestEnsureProjectPage_RecordHit(t *testing.T) {
	s := newSetup(t, nil, nil)
	ctx := context.Background()
	require.NoError(t, s.store.PutProjectRecord(ctx, &types.ProjectSyncRecord{ProjectID: "P1", PageID: "proj-page"}))

	id, err := s.resolver.EnsureProjectPage(ctx, &types.Project{ID: "P1", Name: "Groceries"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "proj-page", id)
}

func TestEnsureProjectPage_QueryHit(t *testing.T) {
	s := newSetup(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/databases/projects-db/query", r.URL.Path)
		queryResponse(t, w, notion.Page{ID: "proj-page"})
	}, nil)
	ctx := context.Background()

	id, err := s.resolver.EnsureProjectPage(ctx, &types.Project{ID: "P1", Name: "Groceries"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "proj-page", id)

	// The found page is recorded so the next resolution skips Notion.
	record, err := s.store.GetProjectRecord(ctx, "P1")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "proj-page", record.PageID)
	assert.NotEmpty(t, record.ForwardFingerprint)
}

func TestEnsureProjectPage_Creates(t *testing.T) {
	s := newSetup(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/databases/projects-db/query":
			queryResponse(t, w)
		case "/pages":
			var body map[string]interface{}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			props := body["properties"].(map[string]interface{})
			_, hasStatus := props[notion.PropStatus]
			assert.True(t, hasStatus)
			_, hasAreas := props[notion.PropAreas]
			assert.True(t, hasAreas)
			require.NoError(t, json.NewEncoder(w).Encode(notion.Page{ID: "new-proj-page"}))
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}, nil)
	ctx := context.Background()

	id, err := s.resolver.EnsureProjectPage(ctx, &types.Project{ID: "P1", Name: "Groceries"}, []string{"area-page"})
	require.NoError(t, err)
	assert.Equal(t, "new-proj-page", id)

	record, err := s.store.GetProjectRecord(ctx, "P1")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, "new-proj-page", record.PageID)
	assert.Equal(t, types.StatusOK, record.Status)
}

func TestAreaLabels(t *testing.T) {
	s := newSetup(t, nil, nil)
	assert.Equal(t, []string{"Work"}, s.resolver.AreaLabels([]string{"capsync", "work", "misc"}))
	assert.Equal(t, []string{"Work", "Health"}, s.resolver.AreaLabels([]string{"@Work", "health"}))
	assert.Empty(t, s.resolver.AreaLabels([]string{"capsync"}))
}

func TestAreaForParentProject(t *testing.T) {
	s := newSetup(t, nil, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/projects/P-parent", r.URL.Path)
		require.NoError(t, json.NewEncoder(w).Encode(types.Project{ID: "P-parent", Name: "work"}))
	})
	ctx := context.Background()

	area, err := s.resolver.AreaForParentProject(ctx, &types.Project{ID: "P1", ParentID: "P-parent"})
	require.NoError(t, err)
	assert.Equal(t, "Work", area)

	// No parent: no inheritance, no fetch.
	area, err = s.resolver.AreaForParentProject(ctx, &types.Project{ID: "P2"})
	require.NoError(t, err)
	assert.Empty(t, area)
}

func TestEnsureAreaPages_FindAndCreate(t *testing.T) {
	created := 0
	s := newSetup(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/databases/areas-db/query":
			var body map[string]interface{}
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			filter := body["filter"].(map[string]interface{})
			title := filter["title"].(map[string]interface{})
			if title["equals"] == "Work" {
				queryResponse(t, w, notion.Page{ID: "work-page"})
			} else {
				queryResponse(t, w)
			}
		case "/pages":
			created++
			require.NoError(t, json.NewEncoder(w).Encode(notion.Page{ID: "health-page"}))
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	}, nil)
	ctx := context.Background()

	ids, err := s.resolver.EnsureAreaPages(ctx, []string{"Work", "Health"})
	require.NoError(t, err)
	assert.Equal(t, []string{"work-page", "health-page"}, ids)
	assert.Equal(t, 1, created)

	// Cached now: resolving again makes no further requests.
	again, err := s.resolver.EnsureAreaPages(ctx, []string{"Work", "Health"})
	require.NoError(t, err)
	assert.Equal(t, ids, again)
	assert.Equal(t, 1, created)
}

func TestEnsureAreaPages_NotConfigured(t *testing.T) {
	s := newSetup(t, nil, nil)
	s.cfg.AreasDatabaseID = ""
	ids, err := s.resolver.EnsureAreaPages(context.Background(), []string{"Work"})
	require.NoError(t, err)
	assert.Nil(t, ids)
}

func TestPersonNames(t *testing.T) {
	s := newSetup(t, nil, nil)
	names := s.resolver.PersonNames([]string{"~DougD", "@~Varsha", "capsync", "~"})
	assert.Equal(t, []string{"DougD", "Varsha"}, names)
}

func peoplePage(id, name string) notion.Page {
	return notion.Page{
		ID: id,
		Properties: map[string]notion.Property{
			notion.PropName: notion.TitleProp(name),
		},
	}
}

func TestResolvePeople(t *testing.T) {
	queries := 0
	s := newSetup(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/databases/people-db/query", r.URL.Path)
		queries++
		queryResponse(t, w, peoplePage("doug-page", "Doug Diego"), peoplePage("varsha-page", "Varsha"))
	}, nil)
	ctx := context.Background()

	// Exact (case-insensitive), fuzzy, and unknown-skipped.
	ids, err := s.resolver.ResolvePeople(ctx, []string{"varsha", "DougD", "Nobody Known"})
	require.NoError(t, err)
	assert.Equal(t, []string{"varsha-page", "doug-page"}, ids)

	// The people list is fetched once and cached.
	_, err = s.resolver.ResolvePeople(ctx, []string{"Varsha"})
	require.NoError(t, err)
	assert.Equal(t, 1, queries)

	s.resolver.ClearCache()
	_, err = s.resolver.ResolvePeople(ctx, []string{"Varsha"})
	require.NoError(t, err)
	assert.Equal(t, 2, queries)
}

func TestMatchPerson_ExactBeatsFuzzy(t *testing.T) {
	people := []notion.Page{
		peoplePage("fuzzy-page", "Dougie Jones"),
		peoplePage("exact-page", "Doug"),
	}
	assert.Equal(t, "exact-page", matchPerson(people, "doug"))
	assert.Equal(t, "", matchPerson(nil, "doug"))
}
