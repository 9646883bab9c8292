package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentcal/internal/model"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func at(hour, minute int) time.Time {
	return time.Date(2024, 3, 1, hour, minute, 0, 0, time.UTC)
}

func interval(uid string, start, end time.Time) *model.BusyInterval {
	return &model.BusyInterval{
		UID:      uid,
		ClientID: "c1",
		AgentID:  "a1",
		Start:    start,
		End:      end,
		Summary:  "busy " + uid,
	}
}

func seed(t *testing.T, db *DB, ivs ...*model.BusyInterval) {
	t.Helper()
	err := db.WithTx(context.Background(), func(tx Tx) error {
		for _, iv := range ivs {
			if err := tx.Upsert(context.Background(), iv); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func uids(ivs []*model.BusyInterval) []string {
	out := make([]string, len(ivs))
	for i, iv := range ivs {
		out[i] = iv.UID
	}
	return out
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "x")
	assert.True(t, errors.Is(err, ErrUnknownDriver))
}

func TestQueryOverlapping_AnyOverlapAndOrdering(t *testing.T) {
	db := openTestDB(t)
	seed(t, db,
		interval("late", at(11, 0), at(12, 0)),
		interval("long", at(8, 0), at(10, 30)),
		interval("short", at(8, 0), at(9, 15)),
		interval("before", at(7, 0), at(9, 0)),   // ends exactly at window start
		interval("after", at(12, 0), at(13, 0)),  // starts exactly at window end
		interval("inside", at(9, 30), at(9, 45)), // fully contained
	)
	other := interval("other-agent", at(9, 0), at(10, 0))
	other.AgentID = "a2"
	seed(t, db, other)

	got, err := db.QueryOverlapping(context.Background(), "c1", "a1", at(9, 0), at(12, 0))
	require.NoError(t, err)
	assert.Equal(t, []string{"short", "long", "inside", "late"}, uids(got))
	assert.Equal(t, time.UTC, got[0].Start.Location())
	assert.Equal(t, "busy short", got[0].Summary)
}

func TestQueryOverlapping_Limit(t *testing.T) {
	db := openTestDB(t)
	var ivs []*model.BusyInterval
	for i := 0; i < QueryLimit+20; i++ {
		start := at(0, 0).Add(time.Duration(i) * time.Minute)
		ivs = append(ivs, interval(fmt.Sprintf("u%03d", i), start, start.Add(time.Minute)))
	}
	seed(t, db, ivs...)

	got, err := db.QueryOverlapping(context.Background(), "c1", "a1", at(0, 0), at(23, 0))
	require.NoError(t, err)
	assert.Len(t, got, QueryLimit)
	assert.Equal(t, "u000", got[0].UID)
}

func TestQueryOverlapping_SubSecondEnd(t *testing.T) {
	db := openTestDB(t)
	seed(t, db, interval("next", at(10, 0), at(11, 0)))

	got, err := db.QueryOverlapping(context.Background(), "c1", "a1", at(9, 0), at(10, 0).Add(500*time.Millisecond))
	require.NoError(t, err)
	assert.Equal(t, []string{"next"}, uids(got))

	got, err = db.QueryOverlapping(context.Background(), "c1", "a1", at(9, 0), at(10, 0))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestQueryOverlappingAfter_SharedStart(t *testing.T) {
	db := openTestDB(t)
	var ivs []*model.BusyInterval
	for i := 0; i < QueryLimit+50; i++ {
		ivs = append(ivs, interval(fmt.Sprintf("u%03d", i), at(9, 0), at(9, 1)))
	}
	ivs = append(ivs, interval("longer", at(9, 0), at(9, 30)))
	seed(t, db, ivs...)
	ctx := context.Background()

	first, err := db.QueryOverlapping(ctx, "c1", "a1", at(0, 0), at(23, 0))
	require.NoError(t, err)
	require.Len(t, first, QueryLimit)
	assert.Equal(t, "u000", first[0].UID)
	assert.Equal(t, "u099", first[QueryLimit-1].UID)

	second, err := db.QueryOverlappingAfter(ctx, "c1", "a1", at(0, 0), at(23, 0), CursorOf(first[QueryLimit-1]))
	require.NoError(t, err)
	require.Len(t, second, 51)
	assert.Equal(t, "u100", second[0].UID)
	assert.Equal(t, "u149", second[49].UID)
	assert.Equal(t, "longer", second[50].UID)

	rest, err := db.QueryOverlappingAfter(ctx, "c1", "a1", at(0, 0), at(23, 0), CursorOf(second[50]))
	require.NoError(t, err)
	assert.Empty(t, rest)
}

func TestUpsert_OverwritesByUID(t *testing.T) {
	db := openTestDB(t)
	seed(t, db, interval("u1", at(9, 0), at(10, 0)))

	updated := interval("u1", at(9, 0), at(11, 0))
	updated.Summary = "moved"
	seed(t, db, updated)

	var got *model.BusyInterval
	err := db.WithTx(context.Background(), func(tx Tx) error {
		var err error
		got, err = tx.Get(context.Background(), "u1")
		return err
	})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, at(11, 0), got.End)
	assert.Equal(t, "moved", got.Summary)
}

func TestGet_Missing(t *testing.T) {
	db := openTestDB(t)
	err := db.WithTx(context.Background(), func(tx Tx) error {
		got, err := tx.Get(context.Background(), "nope")
		assert.Nil(t, got)
		return err
	})
	require.NoError(t, err)
}

func TestUpsert_RejectsInvalid(t *testing.T) {
	db := openTestDB(t)
	err := db.WithTx(context.Background(), func(tx Tx) error {
		return tx.Upsert(context.Background(), interval("bad", at(10, 0), at(10, 0)))
	})
	assert.Error(t, err)
}

func TestDeleteNotIn(t *testing.T) {
	db := openTestDB(t)
	seed(t, db,
		interval("keep", at(9, 0), at(10, 0)),
		interval("drop1", at(10, 0), at(11, 0)),
		interval("drop2", at(11, 0), at(12, 0)),
	)
	other := interval("other", at(9, 0), at(10, 0))
	other.AgentID = "a2"
	seed(t, db, other)

	var removed int64
	err := db.WithTx(context.Background(), func(tx Tx) error {
		var err error
		removed, err = tx.DeleteNotIn(context.Background(), "c1", "a1", []string{"keep", "not-stored"})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	got, err := db.QueryOverlapping(context.Background(), "c1", "a1", at(0, 0), at(23, 0))
	require.NoError(t, err)
	assert.Equal(t, []string{"keep"}, uids(got))

	got, err = db.QueryOverlapping(context.Background(), "c1", "a2", at(0, 0), at(23, 0))
	require.NoError(t, err)
	assert.Equal(t, []string{"other"}, uids(got))
}

func TestDeleteNotIn_EmptyKeepRemovesAll(t *testing.T) {
	db := openTestDB(t)
	seed(t, db, interval("a", at(9, 0), at(10, 0)), interval("b", at(10, 0), at(11, 0)))

	err := db.WithTx(context.Background(), func(tx Tx) error {
		_, err := tx.DeleteNotIn(context.Background(), "c1", "a1", nil)
		return err
	})
	require.NoError(t, err)

	got, err := db.QueryOverlapping(context.Background(), "c1", "a1", at(0, 0), at(23, 0))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestWithTx_RollbackOnError(t *testing.T) {
	db := openTestDB(t)
	seed(t, db, interval("existing", at(9, 0), at(10, 0)))

	boom := errors.New("boom")
	err := db.WithTx(context.Background(), func(tx Tx) error {
		if _, err := tx.DeleteNotIn(context.Background(), "c1", "a1", nil); err != nil {
			return err
		}
		if err := tx.Upsert(context.Background(), interval("new", at(11, 0), at(12, 0))); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := db.QueryOverlapping(context.Background(), "c1", "a1", at(0, 0), at(23, 0))
	require.NoError(t, err)
	assert.Equal(t, []string{"existing"}, uids(got))
}

func TestWithSQLitePragmas(t *testing.T) {
	assert.Equal(t,
		"a.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate",
		withSQLitePragmas("a.db"))
	assert.Equal(t,
		"file:a.db?cache=shared&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_txlock=immediate",
		withSQLitePragmas("file:a.db?cache=shared"))
	assert.Equal(t,
		"a.db?_pragma=busy_timeout(100)&_txlock=deferred&_pragma=journal_mode(WAL)",
		withSQLitePragmas("a.db?_pragma=busy_timeout(100)&_txlock=deferred&_pragma=journal_mode(WAL)"))
}

func TestPlaceholders(t *testing.T) {
	assert.Equal(t, "?, ?, ?", dialects["sqlite"].placeholders(1, 3))
	assert.Equal(t, "$2, $3", dialects["postgres"].placeholders(2, 2))
}
