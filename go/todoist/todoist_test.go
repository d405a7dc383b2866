package todoist

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.capsync.dev/sync/go/remote"
	"go.capsync.dev/sync/go/types"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(server.Client(), server.URL, "test-token")
}

func TestGetTask(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/tasks/T1", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		require.NoError(t, json.NewEncoder(w).Encode(types.Task{ID: "T1", Content: "Buy milk"}))
	})
	task, err := c.GetTask(context.Background(), "T1")
	require.NoError(t, err)
	assert.Equal(t, "Buy milk", task.Content)
}

func TestGetTask_NotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	})
	_, err := c.GetTask(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, remote.Permanent(err))
}

func TestDo_RetriesTransient(t *testing.T) {
	calls := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		require.NoError(t, json.NewEncoder(w).Encode(types.Task{ID: "T1"}))
	}).WithRetries(5, time.Millisecond)

	task, err := c.GetTask(context.Background(), "T1")
	require.NoError(t, err)
	assert.Equal(t, "T1", task.ID)
	assert.Equal(t, 3, calls)
}

func TestDo_PermanentRejectionNotRetried(t *testing.T) {
	calls := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "gone", http.StatusNotFound)
	}).WithRetries(5, time.Millisecond)

	_, err := c.GetTask(context.Background(), "T1")
	require.Error(t, err)
	assert.True(t, remote.Permanent(err))
	assert.Equal(t, 1, calls)
}

func TestListTasks_BareArray(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "@capsync", r.URL.Query().Get("filter"))
		require.NoError(t, json.NewEncoder(w).Encode([]types.Task{{ID: "T1"}, {ID: "T2"}}))
	})
	tasks, err := c.ListTasks(context.Background(), "@capsync")
	require.NoError(t, err)
	require.Len(t, tasks, 2)
}

func TestListTasks_FollowsCursor(t *testing.T) {
	calls := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		switch r.URL.Query().Get("cursor") {
		case "":
			_, err := w.Write([]byte(`{"results":[{"id":"T1"}],"next_cursor":"page2"}`))
			require.NoError(t, err)
		case "page2":
			_, err := w.Write([]byte(`{"results":[{"id":"T2"}],"next_cursor":""}`))
			require.NoError(t, err)
		default:
			t.Fatalf("unexpected cursor %q", r.URL.Query().Get("cursor"))
		}
	})
	tasks, err := c.ListTasks(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, 2, calls)
	assert.Equal(t, "T2", tasks[1].ID)
}

func TestActiveTasksWithLabel_FiltersClientSide(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewEncoder(w).Encode([]types.Task{
			{ID: "T1", Labels: []string{"capsync"}},
			{ID: "T2", Labels: []string{"@capsync"}},
			{ID: "T3", Labels: []string{"other"}},
		}))
	})
	tasks, err := c.ActiveTasksWithLabel(context.Background(), "capsync")
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, "T1", tasks[0].ID)
	assert.Equal(t, "T2", tasks[1].ID)
}

func TestCompletedTasksWithLabel_Filter(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "@capsync & is:completed", r.URL.Query().Get("filter"))
		require.NoError(t, json.NewEncoder(w).Encode([]types.Task{{ID: "T1", IsCompleted: true}}))
	})
	tasks, err := c.CompletedTasksWithLabel(context.Background(), "capsync")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
}

func TestGetProject_Cached(t *testing.T) {
	calls := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		require.NoError(t, json.NewEncoder(w).Encode(types.Project{ID: "P1", Name: "Groceries"}))
	})
	ctx := context.Background()

	p1, err := c.GetProject(ctx, "P1")
	require.NoError(t, err)
	p2, err := c.GetProject(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, p1, p2)
	assert.Equal(t, 1, calls)

	c.ClearCache()
	_, err = c.GetProject(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestListProjects_RefreshesCache(t *testing.T) {
	calls := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		require.NoError(t, json.NewEncoder(w).Encode([]types.Project{{ID: "P1"}, {ID: "P2"}}))
	})
	ctx := context.Background()
	projects, err := c.ListProjects(ctx)
	require.NoError(t, err)
	require.Len(t, projects, 2)

	// Both projects now come from the cache.
	_, err = c.GetProject(ctx, "P1")
	require.NoError(t, err)
	_, err = c.GetProject(ctx, "P2")
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestUpdateTask_ClearDueDate(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "no date", body["due_string"])
		_, hasDate := body["due_date"]
		assert.False(t, hasDate)
		require.NoError(t, json.NewEncoder(w).Encode(types.Task{ID: "T1"}))
	})
	due := ""
	_, err := c.UpdateTask(context.Background(), "T1", UpdateTaskArgs{DueDate: &due})
	require.NoError(t, err)
}

func TestUpdateTask_NoChangesFetches(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		require.NoError(t, json.NewEncoder(w).Encode(types.Task{ID: "T1"}))
	})
	task, err := c.UpdateTask(context.Background(), "T1", UpdateTaskArgs{})
	require.NoError(t, err)
	assert.Equal(t, "T1", task.ID)
}

func TestCompleteAndReopen(t *testing.T) {
	var paths []string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		w.WriteHeader(http.StatusNoContent)
	})
	ctx := context.Background()
	require.NoError(t, c.CompleteTask(ctx, "T1"))
	require.NoError(t, c.ReopenTask(ctx, "T1"))
	assert.Equal(t, []string{"/tasks/T1/close", "/tasks/T1/reopen"}, paths)
}

func TestAddLabel(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, []interface{}{"home", "capsync"}, body["labels"])
		require.NoError(t, json.NewEncoder(w).Encode(types.Task{ID: "T1", Labels: []string{"home", "capsync"}}))
	})
	task := &types.Task{ID: "T1", Labels: []string{"home"}}
	updated, err := c.AddLabel(context.Background(), task, "capsync")
	require.NoError(t, err)
	assert.True(t, updated.HasLabel("capsync"))
}

func TestAddLabel_AlreadyPresent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	})
	task := &types.Task{ID: "T1", Labels: []string{"@capsync"}}
	updated, err := c.AddLabel(context.Background(), task, "capsync")
	require.NoError(t, err)
	assert.Equal(t, task, updated)
}

func TestRemoveLabel(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, []interface{}{"home"}, body["labels"])
		require.NoError(t, json.NewEncoder(w).Encode(types.Task{ID: "T1", Labels: []string{"home"}}))
	})
	task := &types.Task{ID: "T1", Labels: []string{"home", "@capsync"}}
	updated, err := c.RemoveLabel(context.Background(), task, "capsync")
	require.NoError(t, err)
	assert.False(t, updated.HasLabel("capsync"))
}
