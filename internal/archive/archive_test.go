package archive

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hawkeye-speaks/DRIS1/internal/session"
)

func writeFile(t *testing.T, dir, id, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, id), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, id, recordFileName), []byte(body), 0o644))
}

func TestListSortsNewestFirstAndSkipsBadEntries(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "old", `{"ID":"old","UserQuery":"first","FoundationNumber":1,"FoundationRole":"Analyst","CreatedAt":"2025-01-01T10:00:00Z","Status":"completed","TokensUsed":100}`)
	writeFile(t, dir, "new", `{"ID":"new","UserQuery":"second","FoundationNumber":2,"CreatedAt":"2025-03-01T10:00:00Z","Status":"running","TokensUsed":5}`)
	writeFile(t, dir, "mid", `{"ID":"mid","UserQuery":"third","CreatedAt":"2025-02-01 10:00:00","Status":"failed"}`)
	writeFile(t, dir, "broken", `{not json`)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "empty"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stray.txt"), []byte("x"), 0o644))

	records, err := NewLister(dir, nil).List(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 3)

	assert.Equal(t, []string{"new", "mid", "old"}, []string{records[0].ID, records[1].ID, records[2].ID})
	assert.Equal(t, Record{
		ID:             "old",
		Query:          "first",
		Foundation:     1,
		FoundationRole: "Analyst",
		CreatedAt:      time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC),
		Status:         "completed",
		TokensUsed:     100,
	}, records[2])
}

func TestListUnparseableTimestampSortsLast(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a", `{"ID":"a","CreatedAt":"yesterday-ish"}`)
	writeFile(t, dir, "b", `{"ID":"b","CreatedAt":"2025-03-01T10:00:00Z"}`)
	writeFile(t, dir, "c", `{"ID":"c","CreatedAt":1735725600000}`)

	records, err := NewLister(dir, nil).List(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "b", records[0].ID)
	assert.Equal(t, "c", records[1].ID)
	assert.Equal(t, "a", records[2].ID)
	assert.True(t, records[2].CreatedAt.IsZero())
}

func TestListMissingDir(t *testing.T) {
	_, err := NewLister(filepath.Join(t.TempDir(), "nope"), nil).List(context.Background())
	assert.Error(t, err)
}

func TestListEmptyDir(t *testing.T) {
	records, err := NewLister(t.TempDir(), nil).List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.NotNil(t, records, "empty listing should encode as [] not null")
}

func TestListAppliesPrivacy(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a", `{"ID":"a","UserQuery":"secret","Status":"completed"}`)
	writeFile(t, dir, "b", `{"ID":"b","UserQuery":"secret","Status":"failed"}`)

	records, err := NewLister(dir, &PrivacyFilter{MaskQueries: true, HiddenStatuses: []string{"failed"}}).List(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "a", records[0].ID)
	assert.Empty(t, records[0].Query)
}

func TestListCancelledContext(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a", `{"ID":"a"}`)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewLister(dir, nil).List(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWriterRoundTripsThroughLister(t *testing.T) {
	dir := t.TempDir()
	created := time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)
	tokens := 777
	s := &session.Session{
		ID:         "1780000000000-abcdefghi",
		Query:      "how?",
		Foundation: 4,
		State:      session.Completed,
		CreatedAt:  created,
		Metadata:   &session.Metadata{TotalTokens: &tokens},
	}

	require.NoError(t, NewWriter(dir).Save(RecordFor(s)))

	raw, err := os.ReadFile(filepath.Join(dir, s.ID, recordFileName))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"UserQuery": "how?"`)

	records, err := NewLister(dir, nil).List(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, Record{
		ID:         s.ID,
		Query:      "how?",
		Foundation: 4,
		CreatedAt:  created,
		Status:     "completed",
		TokensUsed: 777,
	}, records[0])

	leftovers, _ := filepath.Glob(filepath.Join(dir, s.ID, ".session-*.tmp"))
	assert.Empty(t, leftovers)
}

func TestWriterRejectsTraversal(t *testing.T) {
	w := NewWriter(t.TempDir())
	for _, id := range []string{"", ".", "..", "../x", `a\b`} {
		assert.Error(t, w.Save(Record{ID: id}), "id %q", id)
	}
}
