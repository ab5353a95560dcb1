package achievement

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quad.social/location"
)

func testDispatcher(t *testing.T, rules []Rule) *Dispatcher {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	d, err := NewDispatcher(db, rules, zerolog.Nop())
	require.NoError(t, err)
	return d
}

func TestEmit_AwardsAtThreshold(t *testing.T) {
	d := testDispatcher(t, []Rule{
		{ID: "third", Name: "Third Time", EventType: "poi:visit", Threshold: 3},
	})

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		awards, err := d.Emit(ctx, "u1", "poi:visit", 1, nil)
		require.NoError(t, err)
		assert.Empty(t, awards)
	}

	awards, err := d.Emit(ctx, "u1", "poi:visit", 1, nil)
	require.NoError(t, err)
	require.Len(t, awards, 1)
	assert.Equal(t, location.Achievement{ID: "third", Name: "Third Time"}, awards[0])
}

func TestEmit_NeverReawards(t *testing.T) {
	d := testDispatcher(t, []Rule{
		{ID: "first-steps", Name: "First Steps", EventType: "poi:visit", Threshold: 1},
	})

	ctx := context.Background()
	awards, err := d.Emit(ctx, "u1", "poi:visit", 1, nil)
	require.NoError(t, err)
	require.Len(t, awards, 1)

	awards, err = d.Emit(ctx, "u1", "poi:visit", 1, nil)
	require.NoError(t, err)
	assert.Empty(t, awards, "the threshold stays crossed but the award is spent")
}

func TestEmit_MultipleRulesSameEvent(t *testing.T) {
	d := testDispatcher(t, []Rule{
		{ID: "one", Name: "One", EventType: "poi:visit", Threshold: 1},
		{ID: "two", Name: "Two", EventType: "poi:visit", Threshold: 2},
	})

	ctx := context.Background()
	awards, err := d.Emit(ctx, "u1", "poi:visit", 2, nil)
	require.NoError(t, err)

	var ids []string
	for _, a := range awards {
		ids = append(ids, a.ID)
	}
	assert.ElementsMatch(t, []string{"one", "two"}, ids)
}

func TestEmit_EventTypesIsolated(t *testing.T) {
	d := testDispatcher(t, []Rule{
		{ID: "bookworm", Name: "Bookworm", EventType: "poi:visit:library", Threshold: 1},
	})

	ctx := context.Background()
	awards, err := d.Emit(ctx, "u1", "poi:visit", 1, nil)
	require.NoError(t, err)
	assert.Empty(t, awards)

	awards, err = d.Emit(ctx, "u1", "poi:visit:library", 1, map[string]string{"place_id": "lib"})
	require.NoError(t, err)
	require.Len(t, awards, 1)
	assert.Equal(t, "bookworm", awards[0].ID)
}

func TestEmit_UsersIsolated(t *testing.T) {
	d := testDispatcher(t, []Rule{
		{ID: "pair", Name: "Pair", EventType: "poi:visit", Threshold: 2},
	})

	ctx := context.Background()
	_, err := d.Emit(ctx, "u1", "poi:visit", 1, nil)
	require.NoError(t, err)

	awards, err := d.Emit(ctx, "u2", "poi:visit", 1, nil)
	require.NoError(t, err)
	assert.Empty(t, awards, "u1's events never count towards u2")
}

func TestDefaultRules_FirstVisitAwardsFirstSteps(t *testing.T) {
	d := testDispatcher(t, nil)

	awards, err := d.Emit(context.Background(), "u1", "poi:visit", 1, nil)
	require.NoError(t, err)
	require.Len(t, awards, 1)
	assert.Equal(t, "first-steps", awards[0].ID)
}
