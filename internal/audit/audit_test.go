package audit

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eldavier/Kiro-sub000/internal/event"
)

func openTestSink(t *testing.T) (*Sink, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.db")
	s, err := Open(context.Background(), path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func countRows(t *testing.T, s *Sink) int {
	t.Helper()
	var n int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM activity_events`).Scan(&n))
	return n
}

func TestRecord(t *testing.T) {
	s, _ := openTestSink(t)
	ev := event.Event{
		ID:         7,
		Timestamp:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		PipelineID: "p1",
		AgentID:    "coder-p1-2",
		AgentName:  "coder-p1-2",
		Mode:       "coder",
		Status:     event.StatusCompleted,
		Message:    "task 2 completed",
		Data:       map[string]any{"taskId": "2"},
	}
	require.NoError(t, s.Record(context.Background(), ev))

	var (
		pipeline sql.NullString
		status   string
		data     sql.NullString
		runID    string
	)
	err := s.db.QueryRow(`SELECT pipeline_id, status, data, run_id FROM activity_events WHERE event_id = 7`).
		Scan(&pipeline, &status, &data, &runID)
	require.NoError(t, err)
	assert.Equal(t, "p1", pipeline.String)
	assert.Equal(t, "completed", status)
	assert.JSONEq(t, `{"taskId":"2"}`, data.String)
	assert.Equal(t, s.RunID(), runID)
}

func TestRecord_NullableColumns(t *testing.T) {
	s, _ := openTestSink(t)
	require.NoError(t, s.Record(context.Background(), event.Event{ID: 1, AgentID: "a", Status: event.StatusCreated}))

	var pipeline, data sql.NullString
	require.NoError(t, s.db.QueryRow(`SELECT pipeline_id, data FROM activity_events`).Scan(&pipeline, &data))
	assert.False(t, pipeline.Valid)
	assert.False(t, data.Valid)
}

func TestAttach(t *testing.T) {
	s, _ := openTestSink(t)
	bus := event.NewBus()
	detach := s.Attach(bus)

	for range 5 {
		bus.Emit("agent", event.StatusRunning, "working", event.EmitOptions{})
	}
	require.Eventually(t, func() bool { return countRows(t, s) == 5 }, 2*time.Second, 10*time.Millisecond)

	detach()
	bus.Emit("agent", event.StatusRunning, "ignored", event.EmitOptions{})
	bus.Close()
	assert.Equal(t, 5, countRows(t, s))
}

func TestReopenKeepsRunsApart(t *testing.T) {
	s, path := openTestSink(t)
	require.NoError(t, s.Record(context.Background(), event.Event{ID: 1, AgentID: "a", Status: event.StatusCreated}))
	require.NoError(t, s.Close())

	again, err := Open(context.Background(), path, nil)
	require.NoError(t, err)
	defer again.Close()
	require.NoError(t, again.Record(context.Background(), event.Event{ID: 1, AgentID: "a", Status: event.StatusCreated}))

	assert.NotEqual(t, s.RunID(), again.RunID())
	assert.Equal(t, 2, countRows(t, again))
}

func TestOpen_Directory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "archive")
	s, err := Open(context.Background(), dir, nil)
	require.NoError(t, err)
	defer s.Close()
	assert.FileExists(t, filepath.Join(dir, FileName))
}

func TestClosedSink(t *testing.T) {
	s, _ := openTestSink(t)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Error(t, s.Record(context.Background(), event.Event{ID: 1}))
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(context.Background(), "", nil)
	assert.Error(t, err)
}
