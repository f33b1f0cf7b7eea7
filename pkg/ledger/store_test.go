package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func openTempStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "ledger.db"), WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, clock
}

func pairs(names ...string) []Pair {
	out := make([]Pair, 0, len(names))
	for _, n := range names {
		out = append(out, Pair{DisplayName: "Display " + n, Username: n})
	}
	return out
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(context.Background(), "  ")
	assert.Error(t, err)
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	first, err := Open(context.Background(), path)
	require.NoError(t, err)
	_, err = first.UpsertBatch(context.Background(), "acct", pairs("alice"))
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := Open(context.Background(), path)
	require.NoError(t, err)
	defer second.Close()

	known, err := second.KnownUsernames(context.Background(), "acct")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, known)
}

func TestUpsertBatchIdempotent(t *testing.T) {
	store, clock := openTempStore(t)
	ctx := context.Background()

	n, err := store.UpsertBatch(ctx, "acct", pairs("alice", "bob"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	clock.Advance(time.Minute)
	n, err = store.UpsertBatch(ctx, "acct", pairs("alice", "bob"))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	page, err := store.ListActive(ctx, ListQuery{Target: "acct"})
	require.NoError(t, err)
	require.Equal(t, 2, page.Total)
	for _, f := range page.Records {
		assert.True(t, f.FirstSeen.Before(f.LastSeen), "last_seen refreshed for %s", f.Username)
		assert.False(t, f.Synced)
	}
}

func TestUpsertBatchDuplicatesWithinCall(t *testing.T) {
	store, _ := openTempStore(t)

	n, err := store.UpsertBatch(context.Background(), "acct", pairs("alice", "alice", "ALICE"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	known, err := store.KnownUsernames(context.Background(), "acct")
	require.NoError(t, err)
	assert.Len(t, known, 1)
}

func TestUpsertBatchTargetsAreIndependent(t *testing.T) {
	store, _ := openTempStore(t)
	ctx := context.Background()

	_, err := store.UpsertBatch(ctx, "one", pairs("alice"))
	require.NoError(t, err)
	n, err := store.UpsertBatch(ctx, "two", pairs("alice"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestUpsertBatchRequiresTarget(t *testing.T) {
	store, _ := openTempStore(t)
	_, err := store.UpsertBatch(context.Background(), "", pairs("alice"))
	assert.Error(t, err)
}

func TestDeactivateMissing(t *testing.T) {
	store, clock := openTempStore(t)
	ctx := context.Background()

	_, err := store.UpsertBatch(ctx, "acct", pairs("A", "B", "C"))
	require.NoError(t, err)

	clock.Advance(time.Hour)
	secondScan := clock.Now()
	_, err = store.UpsertBatch(ctx, "acct", pairs("A", "C"))
	require.NoError(t, err)

	n, err := store.DeactivateMissing(ctx, "acct", secondScan)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	page, err := store.ListActive(ctx, ListQuery{Target: "acct"})
	require.NoError(t, err)
	var active []string
	for _, f := range page.Records {
		active = append(active, f.Username)
	}
	assert.ElementsMatch(t, []string{"A", "C"}, active)

	stats, err := store.Stats(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Active)
	assert.Equal(t, 1, stats.Inactive)

	// A returning follower is re-activated by the next observation.
	clock.Advance(time.Hour)
	n2, err := store.UpsertBatch(ctx, "acct", pairs("B"))
	require.NoError(t, err)
	assert.Equal(t, 0, n2)
	stats, err = store.Stats(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Active)
}

func TestMarkSeenReactivates(t *testing.T) {
	store, clock := openTempStore(t)
	ctx := context.Background()

	_, err := store.UpsertBatch(ctx, "acct", pairs("A", "B"))
	require.NoError(t, err)
	clock.Advance(time.Minute)
	_, err = store.DeactivateMissing(ctx, "acct", clock.Now())
	require.NoError(t, err)

	touched, err := store.MarkSeen(ctx, "acct", []string{"A", "nobody"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), touched)

	stats, err := store.Stats(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Active)
}

func TestCommitBatchRecordsScan(t *testing.T) {
	store, clock := openTempStore(t)
	ctx := context.Background()

	n, scan, err := store.CommitBatch(ctx, "acct", pairs("a", "b", "c"), "batch-1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 3, scan.NewCount)
	assert.Equal(t, 3, scan.Total)
	assert.NotZero(t, scan.ID)

	clock.Advance(time.Second)
	n, _, err = store.CommitBatch(ctx, "acct", pairs("c", "d"), "batch-2")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	scans, err := store.RecentScans(ctx, "acct", 10)
	require.NoError(t, err)
	require.Len(t, scans, 2)
	assert.Equal(t, "batch-2", scans[0].BatchID)
	assert.Equal(t, 1, scans[0].NewCount)
	assert.Equal(t, "batch-1", scans[1].BatchID)
}

func TestCommitBatchIsAtomic(t *testing.T) {
	store, _ := openTempStore(t)
	ctx := context.Background()

	// Dropping the scans table makes the second statement of the flush fail.
	_, err := store.sqlDB.ExecContext(ctx, `DROP TABLE scans`)
	require.NoError(t, err)

	_, _, err = store.CommitBatch(ctx, "acct", pairs("a", "b"), "batch")
	require.Error(t, err)

	known, err := store.KnownUsernames(ctx, "acct")
	require.NoError(t, err)
	assert.Empty(t, known)
}

func TestRecordScan(t *testing.T) {
	store, clock := openTempStore(t)

	scan, err := store.RecordScan(context.Background(), Scan{Target: "acct", Total: 12})
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), scan.Timestamp)
	assert.NotZero(t, scan.ID)

	_, err = store.RecentScans(context.Background(), "acct", 0)
	assert.Error(t, err)
}

func TestListActivePagingAndFilter(t *testing.T) {
	store, clock := openTempStore(t)
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		_, err := store.UpsertBatch(ctx, "acct", pairs(fmt.Sprintf("user%02d", i)))
		require.NoError(t, err)
		clock.Advance(time.Second)
	}
	_, err := store.UpsertBatch(ctx, "acct", pairs("under_score"))
	require.NoError(t, err)

	page, err := store.ListActive(ctx, ListQuery{Target: "acct"})
	require.NoError(t, err)
	assert.Equal(t, 31, page.Total)
	assert.Equal(t, 2, page.TotalPages)
	assert.Len(t, page.Records, DefaultPageSize)
	assert.Equal(t, "under_score", page.Records[0].Username)

	page2, err := store.ListActive(ctx, ListQuery{Target: "acct", Page: 2})
	require.NoError(t, err)
	assert.Len(t, page2.Records, 6)
	assert.Equal(t, "user00", page2.Records[5].Username)

	filtered, err := store.ListActive(ctx, ListQuery{Target: "acct", Filter: "USER1"})
	require.NoError(t, err)
	assert.Equal(t, 10, filtered.Total)

	// "_" is literal, not a wildcard.
	literal, err := store.ListActive(ctx, ListQuery{Target: "acct", Filter: "r_s"})
	require.NoError(t, err)
	assert.Equal(t, 1, literal.Total)

	empty, err := store.ListActive(ctx, ListQuery{Target: "acct", Filter: "zzz"})
	require.NoError(t, err)
	assert.NotNil(t, empty.Records)
	assert.Zero(t, empty.TotalPages)

	far, err := store.ListActive(ctx, ListQuery{Target: "acct", Page: math.MaxInt, PageSize: MaxPageSize})
	require.NoError(t, err)
	assert.Equal(t, MaxPage, far.Page)
	assert.Empty(t, far.Records)
	assert.Equal(t, 31, far.Total)
}

func TestListUnsyncedAndMarkSynced(t *testing.T) {
	store, clock := openTempStore(t)
	ctx := context.Background()

	_, err := store.UpsertBatch(ctx, "acct", pairs("first"))
	require.NoError(t, err)
	clock.Advance(time.Second)
	_, err = store.UpsertBatch(ctx, "acct", pairs("second"))
	require.NoError(t, err)

	unsynced, err := store.ListUnsynced(ctx, "acct", 0)
	require.NoError(t, err)
	require.Len(t, unsynced, 2)
	assert.Equal(t, "first", unsynced[0].Username)

	changed, err := store.MarkSynced(ctx, unsynced[0].ID)
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = store.MarkSynced(ctx, unsynced[0].ID)
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = store.MarkSynced(ctx, 9999)
	assert.True(t, errors.Is(err, ErrNotFound))

	unsynced, err = store.ListUnsynced(ctx, "", 1)
	require.NoError(t, err)
	require.Len(t, unsynced, 1)
	assert.Equal(t, "second", unsynced[0].Username)

	f, err := store.Get(ctx, unsynced[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "Display second", f.DisplayName)

	_, err = store.Get(ctx, 9999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListUnsyncedSkipsInactive(t *testing.T) {
	store, clock := openTempStore(t)
	ctx := context.Background()

	_, err := store.UpsertBatch(ctx, "acct", pairs("gone"))
	require.NoError(t, err)
	clock.Advance(time.Minute)
	_, err = store.DeactivateMissing(ctx, "acct", clock.Now())
	require.NoError(t, err)

	unsynced, err := store.ListUnsynced(ctx, "acct", 0)
	require.NoError(t, err)
	assert.Empty(t, unsynced)
}

func TestConcurrentWritersSerialize(t *testing.T) {
	store, _ := openTempStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				_, err := store.UpsertBatch(ctx, "acct", pairs(fmt.Sprintf("w%d-%d", w, i)))
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Wait()

	stats, err := store.Stats(ctx, "acct")
	require.NoError(t, err)
	assert.Equal(t, 40, stats.Active)
	assert.Equal(t, 40, stats.Unsynced)
}

func TestCancelledContext(t *testing.T) {
	store, _ := openTempStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.UpsertBatch(ctx, "acct", pairs("a"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIsBusy(t *testing.T) {
	assert.False(t, isBusy(nil))
	assert.True(t, isBusy(errors.New("database is locked (5) (SQLITE_BUSY)")))
	assert.False(t, isBusy(sql.ErrNoRows))
}

func TestUpSection(t *testing.T) {
	got := upSection("-- +migrate Up\nCREATE TABLE x (id INT);\n-- +migrate Down\nDROP TABLE x;")
	assert.Equal(t, "\nCREATE TABLE x (id INT);\n", got)
	assert.Equal(t, "SELECT 1", upSection("SELECT 1"))
}
