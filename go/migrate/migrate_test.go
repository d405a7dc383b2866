package migrate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.capsync.dev/sync/go/config"
	"go.capsync.dev/sync/go/notion"
	"go.capsync.dev/sync/go/store/memstore"
	"go.capsync.dev/sync/go/testutils"
	"go.capsync.dev/sync/go/types"
)

type harness struct {
	migrator *Migrator
	store    *memstore.StoreImpl
	todoist  *testutils.FakeTodoist
	notion   *testutils.FakeNotion
}

func newHarness(t *testing.T) *harness {
	cfg := config.New()
	cfg.TasksDatabaseID = testutils.TasksDB
	cfg.ProjectsDatabaseID = testutils.ProjectsDB

	st := memstore.New()
	ft := testutils.NewFakeTodoist()
	fn := testutils.NewFakeNotion()
	ft.Projects["P1"] = &types.Project{ID: "P1", Name: "Groceries"}
	return &harness{
		migrator: New(cfg, st, ft.Client(t), fn.Client(t)),
		store:    st,
		todoist:  ft,
		notion:   fn,
	}
}

func (h *harness) seedTask(id, title string) {
	h.todoist.Tasks[id] = &types.Task{
		ID:        id,
		Content:   title,
		ProjectID: "P1",
		Labels:    []string{"capsync"},
		Priority:  1,
		URL:       "https://todoist.com/showTask?id=" + id,
	}
}

func (h *harness) seedPage(title, taskID string) *notion.Page {
	props := map[string]notion.Property{
		notion.PropName: notion.TitleProp(title),
	}
	if taskID != "" {
		props[notion.PropTaskID] = notion.TextProp(taskID)
	}
	return h.notion.AddPage(testutils.TasksDB, notion.Page{Properties: props})
}

func TestRun_RewritesTaskIDAndRebuildsRecords(t *testing.T) {
	h := newHarness(t)
	h.seedTask("6842151234", "Buy milk")
	page := h.seedPage("Buy milk", "123456")
	ctx := context.Background()

	// A stale record from the old id format.
	require.NoError(t, h.store.PutTaskRecord(ctx, &types.TaskSyncRecord{TaskID: "123456", PageID: page.ID}))

	plan, err := h.migrator.Run(ctx, false)
	require.NoError(t, err)

	require.Len(t, plan.Updates, 1)
	assert.Equal(t, "123456", plan.Updates[0].OldTaskID)
	assert.Equal(t, "6842151234", plan.Updates[0].NewTaskID)
	assert.Equal(t, 1, plan.RecordsWiped)
	assert.Equal(t, "6842151234", h.notion.Pages[page.ID].TextOf(notion.PropTaskID))

	old, err := h.store.GetTaskRecord(ctx, "123456")
	require.NoError(t, err)
	assert.Nil(t, old)
	record, err := h.store.GetTaskRecord(ctx, "6842151234")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, page.ID, record.PageID)
	assert.Equal(t, types.OriginMigration, record.Origin)
	assert.NotEmpty(t, record.ForwardFingerprint)
	assert.NotEmpty(t, record.ReverseFingerprint)
}

func TestRun_ArchivesDuplicatePages(t *testing.T) {
	h := newHarness(t)
	h.seedTask("T1", "Buy milk")
	stale := h.seedPage("Buy milk", "123456")
	current := h.seedPage("Buy milk", "T1")
	ctx := context.Background()

	plan, err := h.migrator.Run(ctx, false)
	require.NoError(t, err)

	// The page already carrying the current id survives; the leftover from a
	// prior migration gets archived. No update needed on the keeper.
	assert.Equal(t, []string{stale.ID}, plan.Duplicates)
	assert.Empty(t, plan.Updates)
	assert.True(t, h.notion.Pages[stale.ID].Archived)
	assert.False(t, h.notion.Pages[current.ID].Archived)

	record, err := h.store.GetTaskRecord(ctx, "T1")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, current.ID, record.PageID)
}

func TestRun_AmbiguousTitleSkipped(t *testing.T) {
	h := newHarness(t)
	h.seedTask("T1", "Weekly review")
	h.seedTask("T2", "Weekly review")
	page := h.seedPage("Weekly review", "old")

	plan, err := h.migrator.Run(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, []string{"Weekly review"}, plan.Ambiguous)
	assert.Empty(t, plan.Updates)
	assert.Equal(t, "old", h.notion.Pages[page.ID].TextOf(notion.PropTaskID))
}

func TestRun_UnmatchedPageLeftAlone(t *testing.T) {
	h := newHarness(t)
	page := h.seedPage("Some note", "")

	plan, err := h.migrator.Run(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, []string{page.ID}, plan.Unmatched)
	assert.False(t, h.notion.Pages[page.ID].Archived)
}

func TestRun_TitleWhitespaceTrimmed(t *testing.T) {
	h := newHarness(t)
	h.seedTask("T1", "  Buy milk ")
	page := h.seedPage("Buy milk", "old")

	plan, err := h.migrator.Run(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, plan.Updates, 1)
	assert.Equal(t, "T1", h.notion.Pages[page.ID].TextOf(notion.PropTaskID))
}

func TestRun_DryRunWritesNothing(t *testing.T) {
	h := newHarness(t)
	h.seedTask("T1", "Buy milk")
	keep := h.seedPage("Buy milk", "old")
	dupe := h.seedPage("Buy milk", "older")
	ctx := context.Background()
	require.NoError(t, h.store.PutTaskRecord(ctx, &types.TaskSyncRecord{TaskID: "old", PageID: keep.ID}))

	plan, err := h.migrator.Run(ctx, true)
	require.NoError(t, err)

	assert.True(t, plan.DryRun)
	require.Len(t, plan.Updates, 1)
	require.Len(t, plan.Duplicates, 1)
	assert.Equal(t, 0, plan.RecordsWiped)

	// Nothing actually changed.
	assert.Equal(t, "old", h.notion.Pages[keep.ID].TextOf(notion.PropTaskID))
	assert.False(t, h.notion.Pages[dupe.ID].Archived)
	record, err := h.store.GetTaskRecord(ctx, "old")
	require.NoError(t, err)
	assert.NotNil(t, record)
	assert.Equal(t, 0, h.notion.Writes)
}
