package notion

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.capsync.dev/sync/go/remote"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewClient(server.Client(), server.URL, "secret", "tasks-db", "projects-db", "areas-db", "people-db")
}

func TestQueryAll_FollowsCursor(t *testing.T) {
	calls := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, "/databases/tasks-db/query", r.URL.Path)
		assert.Equal(t, "2022-06-28", r.Header.Get("Notion-Version"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, float64(100), body["page_size"])

		if body["start_cursor"] == nil {
			_, err := w.Write([]byte(`{"results":[{"id":"p1"}],"has_more":true,"next_cursor":"c2"}`))
			require.NoError(t, err)
		} else {
			assert.Equal(t, "c2", body["start_cursor"])
			_, err := w.Write([]byte(`{"results":[{"id":"p2"}],"has_more":false}`))
			require.NoError(t, err)
		}
	})
	pages, err := c.QueryAll(context.Background(), c.TasksDB, nil)
	require.NoError(t, err)
	require.Len(t, pages, 2)
	assert.Equal(t, "p2", pages[1].ID)
	assert.Equal(t, 2, calls)
}

func TestCreatePage(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/pages", r.URL.Path)
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, map[string]interface{}{"database_id": "tasks-db"}, body["parent"])
		assert.NotNil(t, body["properties"])
		assert.NotNil(t, body["children"])
		_, err := w.Write([]byte(`{"id":"page-1","url":"https://www.notion.so/page-1"}`))
		require.NoError(t, err)
	})
	page, err := c.CreatePage(context.Background(), c.TasksDB, map[string]Property{
		PropName: TitleProp("Buy milk"),
	}, []Block{ParagraphBlock("desc")})
	require.NoError(t, err)
	assert.Equal(t, "page-1", page.ID)
}

func TestUpdatePage(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/pages/page-1", r.URL.Path)
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, hasChildren := body["children"]
		assert.False(t, hasChildren)
		_, err := w.Write([]byte(`{"id":"page-1"}`))
		require.NoError(t, err)
	})
	_, err := c.UpdatePage(context.Background(), "page-1", map[string]Property{
		PropCompleted: CheckboxProp(true),
	})
	require.NoError(t, err)
}

func TestArchivePage(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, true, body["archived"])
		_, err := w.Write([]byte(`{"id":"page-1","archived":true}`))
		require.NoError(t, err)
	})
	require.NoError(t, c.ArchivePage(context.Background(), "page-1"))
}

func TestFindTaskByTodoistID(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		filter := body["filter"].(map[string]interface{})
		assert.Equal(t, PropTaskID, filter["property"])
		assert.Equal(t, map[string]interface{}{"equals": "T1"}, filter["rich_text"])
		_, err := w.Write([]byte(`{"results":[{"id":"page-1"}],"has_more":false}`))
		require.NoError(t, err)
	})
	page, err := c.FindTaskByTodoistID(context.Background(), "T1")
	require.NoError(t, err)
	require.NotNil(t, page)
	assert.Equal(t, "page-1", page.ID)
}

func TestFindTaskByTodoistID_NotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, err := w.Write([]byte(`{"results":[],"has_more":false}`))
		require.NoError(t, err)
	})
	page, err := c.FindTaskByTodoistID(context.Background(), "T1")
	require.NoError(t, err)
	assert.Nil(t, page)
}

func TestTaskPagesMissingTaskID_Filter(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		filter := body["filter"].(map[string]interface{})
		assert.Equal(t, map[string]interface{}{"is_empty": true}, filter["rich_text"])
		_, err := w.Write([]byte(`{"results":[],"has_more":false}`))
		require.NoError(t, err)
	})
	_, err := c.TaskPagesMissingTaskID(context.Background())
	require.NoError(t, err)
}

func TestTaskPagesEditedSince_Filter(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		filter := body["filter"].(map[string]interface{})
		assert.Equal(t, "last_edited_time", filter["timestamp"])
		_, err := w.Write([]byte(`{"results":[],"has_more":false}`))
		require.NoError(t, err)
	})
	_, err := c.TaskPagesEditedSince(context.Background(), "2026-01-01T00:00:00Z")
	require.NoError(t, err)
}

func TestErrorStatus(t *testing.T) {
	calls := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, `{"message":"validation error"}`, http.StatusBadRequest)
	}).WithRetries(3, time.Millisecond)
	_, err := c.RetrievePage(context.Background(), "page-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	// A validation error cannot succeed on retry.
	assert.True(t, remote.Permanent(err))
	assert.Equal(t, 1, calls)
}

func TestDo_RetriesRateLimit(t *testing.T) {
	calls := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			http.Error(w, `{"message":"rate_limited"}`, http.StatusTooManyRequests)
			return
		}
		_, err := w.Write([]byte(`{"id":"page-1"}`))
		require.NoError(t, err)
	}).WithRetries(3, time.Millisecond)
	page, err := c.RetrievePage(context.Background(), "page-1")
	require.NoError(t, err)
	assert.Equal(t, "page-1", page.ID)
	assert.Equal(t, 2, calls)
}

func TestPageAccessors(t *testing.T) {
	raw := `{
		"id": "page-1",
		"last_edited_time": "2026-03-02T12:00:00Z",
		"properties": {
			"Name": {"type":"title","title":[{"type":"text","text":{"content":"Buy "}},{"type":"text","text":{"content":"milk"}}]},
			"Todoist Task ID": {"type":"rich_text","rich_text":[{"type":"text","text":{"content":"T1"}}]},
			"Priority": {"type":"select","select":{"name":"P2"}},
			"Completed": {"type":"checkbox","checkbox":true},
			"Due Date": {"type":"date","date":{"start":"2026-03-01"}},
			"Project": {"type":"relation","relation":[{"id":"proj-page"}]}
		}
	}`
	var page Page
	require.NoError(t, json.Unmarshal([]byte(raw), &page))

	assert.Equal(t, "Buy milk", page.TitleOf(PropName))
	assert.Equal(t, "T1", page.TextOf(PropTaskID))
	assert.Equal(t, "P2", page.SelectOf(PropPriority))
	assert.True(t, page.CheckboxOf(PropCompleted))
	assert.Equal(t, "2026-03-01", page.DateStartOf(PropDueDate))
	assert.Equal(t, []string{"proj-page"}, page.RelationIDsOf(PropProject))

	// Absent properties return zero values.
	assert.Equal(t, "", page.SelectOf(PropStatus))
	assert.False(t, page.CheckboxOf(PropIsShared))
	assert.Empty(t, page.RelationIDsOf(PropPeople))
}

func TestParagraphBlock_Truncates(t *testing.T) {
	long := strings.Repeat("х", 2500)
	block := ParagraphBlock(long)
	assert.Equal(t, 2000, len([]rune(block.Paragraph.RichText[0].Text.Content)))
}
