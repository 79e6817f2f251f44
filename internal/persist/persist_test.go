package persist

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/prism-desktop/prismd/internal/store"
	"github.com/prism-desktop/prismd/internal/usage"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func sampleSnapshot() store.Snapshot {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	return store.Snapshot{
		SelectedProject: "p1",
		SelectedThread:  "t1",
		Projects: []*store.Project{
			{
				ID:        "p1",
				Name:      "prism",
				WorkDir:   "/home/dev/prism",
				CreatedAt: now,
				UpdatedAt: now,
				Threads: []*store.Thread{
					{
						ID:           "t1",
						ProjectID:    "p1",
						Title:        "refactor",
						WorkDir:      "/home/dev/prism",
						Status:       store.StatusDone,
						InputTokens:  120,
						OutputTokens: 45,
						CreatedAt:    now,
						UpdatedAt:    now,
						Messages: []*store.Message{
							{ID: "m1", Role: store.RoleUser, Content: "hi", CreatedAt: now},
							{
								ID:        "m2",
								Role:      store.RoleAssistant,
								Content:   "hello",
								CreatedAt: now,
								ToolCalls: []*store.ToolCall{
									{
										ID:     "toolu_01",
										Name:   "Bash",
										Status: store.ToolSuccess,
										Input:  map[string]any{"command": "ls"},
										Output: "file1",
									},
								},
							},
						},
					},
					{
						ID:        "t2",
						ProjectID: "p1",
						Title:     "idle one",
						Status:    store.StatusIdle,
						CreatedAt: now,
						UpdatedAt: now,
					},
				},
			},
			{
				ID:        "p2",
				Name:      "other",
				WorkDir:   "/home/dev/other",
				CreatedAt: now,
				UpdatedAt: now,
			},
		},
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	db := openTestDB(t)

	snap := sampleSnapshot()
	days := []usage.DayUsage{
		{Date: "2026-03-09", InputTokens: 100, OutputTokens: 50, Sessions: 2, EstimatedCost: 1.05},
		{Date: "2026-03-10", InputTokens: 120, OutputTokens: 45, Sessions: 1, EstimatedCost: 1.04},
	}
	models := []usage.ModelUsage{
		{Model: "claude-sonnet-4", InputTokens: 220, OutputTokens: 95},
	}

	require.NoError(t, db.Save(snap, days, models))

	got, gotDays, gotModels, err := db.Load()
	require.NoError(t, err)

	assert.Equal(t, "p1", got.SelectedProject)
	assert.Equal(t, "t1", got.SelectedThread)
	require.Len(t, got.Projects, 2)
	assert.Equal(t, "p1", got.Projects[0].ID, "project order preserved")
	assert.Equal(t, "p2", got.Projects[1].ID)

	p1 := got.Projects[0]
	require.Len(t, p1.Threads, 2)
	assert.Equal(t, "t1", p1.Threads[0].ID, "thread order preserved")

	t1 := p1.Threads[0]
	assert.Equal(t, store.StatusDone, t1.Status)
	assert.Equal(t, int64(120), t1.InputTokens)
	require.Len(t, t1.Messages, 2)
	require.Len(t, t1.Messages[1].ToolCalls, 1)
	tc := t1.Messages[1].ToolCalls[0]
	assert.Equal(t, store.ToolSuccess, tc.Status)
	assert.Equal(t, "ls", tc.Input["command"])

	assert.Equal(t, days, gotDays)
	assert.Equal(t, models, gotModels)
}

func TestLoadFreshDatabase(t *testing.T) {
	db := openTestDB(t)

	snap, days, models, err := db.Load()
	require.NoError(t, err)
	assert.Empty(t, snap.Projects)
	assert.Empty(t, snap.SelectedProject)
	assert.Empty(t, days)
	assert.Empty(t, models)
}

func TestSaveReplacesPreviousState(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.Save(sampleSnapshot(), nil, nil))

	smaller := store.Snapshot{
		Projects: []*store.Project{{ID: "p9", Name: "only"}},
	}
	require.NoError(t, db.Save(smaller, nil, nil))

	got, _, _, err := db.Load()
	require.NoError(t, err)
	require.Len(t, got.Projects, 1)
	assert.Equal(t, "p9", got.Projects[0].ID)
	assert.Empty(t, got.SelectedProject)
}

func TestReopenSurvivesRestart(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(dir, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, db.Save(sampleSnapshot(), nil, nil))
	require.NoError(t, db.Close())

	db2, err := Open(dir, zap.NewNop())
	require.NoError(t, err)
	defer db2.Close()

	got, _, _, err := db2.Load()
	require.NoError(t, err)
	assert.Len(t, got.Projects, 2)
}
