package stats

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runnerr0/histo/internal/categorize"
	"github.com/runnerr0/histo/internal/storage"
)

// fakeLive is a LiveSource the tests control directly.
type fakeLive struct {
	mu      sync.Mutex
	sess    *storage.Session
	dropped bool
	cutoff  time.Time
}

func (f *fakeLive) Current() *storage.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sess == nil {
		return nil
	}
	sess := *f.sess
	return &sess
}

func (f *fakeLive) DropIfStartedBefore(cutoff time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoff = cutoff
	if f.sess != nil && f.sess.Start.Before(cutoff) {
		f.dropped = true
		f.sess = nil
	}
}

func (f *fakeLive) set(sess *storage.Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sess = sess
}

func openTestStore(t *testing.T, opts storage.Options) *storage.SQLiteStore {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:?_foreign_keys=on")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	runner := storage.NewMigrationRunner(db)
	require.NoError(t, runner.Run())

	store, err := storage.NewSQLiteStore(db, opts)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return store
}

// closedSession builds a completed session ending at end with the given
// duration.
func closedSession(id, domain string, minutes float64, end time.Time) *storage.Session {
	durMs := int64(minutes * 60000)
	return &storage.Session{
		ID:         id,
		URL:        "https://" + domain + "/",
		Domain:     domain,
		Start:      end.Add(-time.Duration(durMs) * time.Millisecond),
		End:        end,
		DurationMs: durMs,
	}
}

func newTestAggregator(store storage.Store, live LiveSource, now time.Time) *Aggregator {
	return New(store, categorize.New(nil), live, func() time.Time { return now })
}

func TestDayKey(t *testing.T) {
	// 23:30 in UTC-5 is already the next day in UTC.
	loc := time.FixedZone("UTC-5", -5*3600)
	at := time.Date(2026, 3, 9, 23, 30, 0, 0, loc)
	assert.Equal(t, "2026-03-10", DayKey(at))
}

func TestAggregate_FoldsEachSessionExactlyOnce(t *testing.T) {
	store := openTestStore(t, storage.Options{})
	live := &fakeLive{}
	now := time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)
	agg := newTestAggregator(store, live, now)
	ctx := context.Background()

	require.NoError(t, store.CloseSession(ctx, closedSession("s1", "youtube.com", 5, now)))
	_, err := agg.Aggregate(ctx)
	require.NoError(t, err)

	require.NoError(t, store.CloseSession(ctx, closedSession("s2", "youtube.com", 3, now)))
	_, err = agg.Aggregate(ctx)
	require.NoError(t, err)

	require.NoError(t, store.CloseSession(ctx, closedSession("s3", "youtube.com", 2, now)))
	snap, err := agg.Aggregate(ctx)
	require.NoError(t, err)

	require.Len(t, snap.Sites, 1)
	site := snap.Sites[0]
	assert.Equal(t, "youtube.com", site.Domain)
	assert.Equal(t, int64(10), site.Minutes, "5+3+2, each counted once despite repeated passes")
	assert.Equal(t, int64(3), site.Visits)
	assert.Equal(t, 100.0, site.PctOfDay)
	assert.Equal(t, categorize.Video, site.Category)
	assert.Equal(t, int64(10), snap.Daily.TotalMinutes)
}

func TestAggregate_IdempotentWithFixedClock(t *testing.T) {
	store := openTestStore(t, storage.Options{})
	live := &fakeLive{}
	now := time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)
	agg := newTestAggregator(store, live, now)
	ctx := context.Background()

	require.NoError(t, store.CloseSession(ctx, closedSession("s1", "github.com", 7, now)))
	require.NoError(t, store.CloseSession(ctx, closedSession("s2", "youtube.com", 4, now)))

	first, err := agg.Aggregate(ctx)
	require.NoError(t, err)
	second, err := agg.Aggregate(ctx)
	require.NoError(t, err)
	third, err := agg.Aggregate(ctx)
	require.NoError(t, err)

	assert.Equal(t, second, third)

	require.Len(t, second.Sites, len(first.Sites))
	for i, site := range first.Sites {
		assert.Equal(t, site.Domain, second.Sites[i].Domain)
		assert.Equal(t, site.Minutes, second.Sites[i].Minutes)
		assert.Equal(t, site.Visits, second.Sites[i].Visits)
		assert.Equal(t, site.PctOfDay, second.Sites[i].PctOfDay)
	}
	assert.Equal(t, first.Categories, second.Categories)
	assert.Equal(t, first.Daily, second.Daily)
}

func TestAggregate_LiveSessionNeverAccumulated(t *testing.T) {
	store := openTestStore(t, storage.Options{})
	live := &fakeLive{}
	now := time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)
	agg := newTestAggregator(store, live, now)
	ctx := context.Background()

	live.set(&storage.Session{
		ID: "live", URL: "https://github.com/x", Domain: "github.com",
		Start: now.Add(-2 * time.Minute),
	})

	// Repeated passes with an open session must not compound its time.
	for i := 0; i < 3; i++ {
		snap, err := agg.Aggregate(ctx)
		require.NoError(t, err)
		require.Len(t, snap.Sites, 1)
		assert.Equal(t, int64(2), snap.Sites[0].Minutes)
		assert.Equal(t, int64(1), snap.Sites[0].Visits)
	}

	// The session closes and arrives through the completed log: counted
	// exactly once, not on top of the live contribution.
	require.NoError(t, store.CloseSession(ctx, closedSession("live", "github.com", 2, now)))
	live.set(nil)

	snap, err := agg.Aggregate(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Sites, 1)
	assert.Equal(t, int64(2), snap.Sites[0].Minutes)
	assert.Equal(t, int64(1), snap.Sites[0].Visits)
}

func TestAggregate_LiveAndCompletedSameDomain(t *testing.T) {
	store := openTestStore(t, storage.Options{})
	live := &fakeLive{}
	now := time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)
	agg := newTestAggregator(store, live, now)
	ctx := context.Background()

	require.NoError(t, store.CloseSession(ctx, closedSession("s1", "github.com", 5, now.Add(-time.Hour))))
	live.set(&storage.Session{
		ID: "live", URL: "https://github.com/y", Domain: "github.com",
		Start: now.Add(-3 * time.Minute),
	})

	snap, err := agg.Aggregate(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Sites, 1)
	assert.Equal(t, int64(8), snap.Sites[0].Minutes)
	assert.Equal(t, int64(2), snap.Sites[0].Visits, "one completed plus the open one")
}

func TestAggregate_PercentagesSumToRoughly100(t *testing.T) {
	store := openTestStore(t, storage.Options{})
	live := &fakeLive{}
	now := time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)
	agg := newTestAggregator(store, live, now)
	ctx := context.Background()

	require.NoError(t, store.CloseSession(ctx, closedSession("s1", "a.com", 7.2, now)))
	require.NoError(t, store.CloseSession(ctx, closedSession("s2", "b.com", 3.9, now)))
	require.NoError(t, store.CloseSession(ctx, closedSession("s3", "c.com", 1.9, now)))

	snap, err := agg.Aggregate(ctx)
	require.NoError(t, err)

	var sum float64
	for _, site := range snap.Sites {
		sum += site.PctOfDay
	}
	assert.InDelta(t, 100.0, sum, 5.0)
}

func TestAggregate_ZeroActivity(t *testing.T) {
	store := openTestStore(t, storage.Options{})
	live := &fakeLive{}
	now := time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)
	agg := newTestAggregator(store, live, now)

	snap, err := agg.Aggregate(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap.Sites)
	assert.Empty(t, snap.Categories)
	assert.Zero(t, snap.Daily.TotalMinutes)
}

func TestAggregate_CategoriesDerivedFromSites(t *testing.T) {
	store := openTestStore(t, storage.Options{})
	live := &fakeLive{}
	now := time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)
	agg := newTestAggregator(store, live, now)
	ctx := context.Background()

	require.NoError(t, store.CloseSession(ctx, closedSession("s1", "youtube.com", 6, now)))
	require.NoError(t, store.CloseSession(ctx, closedSession("s2", "netflix.com", 4, now)))
	require.NoError(t, store.CloseSession(ctx, closedSession("s3", "github.com", 3, now)))

	snap, err := agg.Aggregate(ctx)
	require.NoError(t, err)

	require.Len(t, snap.Categories, 2)
	assert.Equal(t, categorize.Video, snap.Categories[0].Name)
	assert.Equal(t, int64(10), snap.Categories[0].Minutes)
	assert.Equal(t, int64(2), snap.Categories[0].Sites)
	assert.Equal(t, categorize.Work, snap.Categories[1].Name)
	assert.Equal(t, int64(3), snap.Categories[1].Minutes)
}

func TestAggregate_ProcessedSetPrunedWithEvictedLog(t *testing.T) {
	store := openTestStore(t, storage.Options{MaxSessions: 2})
	live := &fakeLive{}
	now := time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)
	agg := newTestAggregator(store, live, now)
	ctx := context.Background()

	require.NoError(t, store.CloseSession(ctx, closedSession("s1", "a.com", 5, now)))
	_, err := agg.Aggregate(ctx)
	require.NoError(t, err)

	// Two more sessions push s1 out of the capped log.
	require.NoError(t, store.CloseSession(ctx, closedSession("s2", "a.com", 3, now)))
	require.NoError(t, store.CloseSession(ctx, closedSession("s3", "a.com", 2, now)))

	snap, err := agg.Aggregate(ctx)
	require.NoError(t, err)

	// Eviction loses the raw session but not the minutes already folded.
	require.Len(t, snap.Sites, 1)
	assert.Equal(t, int64(10), snap.Sites[0].Minutes)

	processed, err := store.LoadProcessedIDs(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"s2": true, "s3": true}, processed,
		"processed set stays bounded by the session log")
}

func TestAggregate_CrashRecoveredSessionCountedOnce(t *testing.T) {
	store := openTestStore(t, storage.Options{})
	live := &fakeLive{}
	now := time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)
	agg := newTestAggregator(store, live, now)
	ctx := context.Background()

	// A session opened ten minutes before a crash, re-adopted on restart.
	recovered := &storage.Session{
		ID: "pre-crash", URL: "https://a.com/", Domain: "a.com",
		Start: now.Add(-10 * time.Minute),
	}
	live.set(recovered)

	snap, err := agg.Aggregate(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Sites, 1)
	assert.Equal(t, int64(10), snap.Sites[0].Minutes, "pre-crash elapsed time visible while still open")

	// It eventually closes; the total settles at the full duration.
	require.NoError(t, store.CloseSession(ctx, closedSession("pre-crash", "a.com", 12, now.Add(2*time.Minute))))
	live.set(nil)

	snap, err = agg.Aggregate(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Sites, 1)
	assert.Equal(t, int64(12), snap.Sites[0].Minutes)
}

func TestRollover_ArchivesOutgoingDayAndResets(t *testing.T) {
	store := openTestStore(t, storage.Options{})
	live := &fakeLive{}
	day1 := time.Date(2026, 3, 9, 23, 0, 0, 0, time.UTC)
	ctx := context.Background()

	agg := newTestAggregator(store, live, day1)
	require.NoError(t, store.CloseSession(ctx, closedSession("s1", "a.com", 42, day1)))
	snap, err := agg.Aggregate(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(42), snap.Daily.TotalMinutes)

	// Midnight passes with a session still open.
	day2 := time.Date(2026, 3, 10, 0, 5, 0, 0, time.UTC)
	live.set(&storage.Session{ID: "live", URL: "https://b.com/", Domain: "b.com", Start: day1})
	agg = newTestAggregator(store, live, day2)

	snap, err = agg.Aggregate(ctx)
	require.NoError(t, err)

	assert.True(t, live.dropped, "straddling session cut off at rollover")
	assert.Equal(t, "2026-03-10", snap.Daily.Date)
	assert.Zero(t, snap.Daily.TotalMinutes, "new day starts from zero")
	assert.Empty(t, snap.Sites)

	require.Len(t, snap.Archive, 1)
	assert.Equal(t, "2026-03-09", snap.Archive[0].Date)
	assert.Equal(t, int64(42), snap.Archive[0].TotalMinutes)

	last, err := store.LastDate(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-10", last)
}

func TestRollover_SessionOpenedOnNewDaySurvives(t *testing.T) {
	store := openTestStore(t, storage.Options{})
	live := &fakeLive{}
	ctx := context.Background()

	day1 := time.Date(2026, 3, 9, 23, 0, 0, 0, time.UTC)
	agg := newTestAggregator(store, live, day1)
	require.NoError(t, store.CloseSession(ctx, closedSession("s1", "a.com", 30, day1)))
	_, err := agg.Aggregate(ctx)
	require.NoError(t, err)

	// An activation can land between the rollover commit and the drop. Its
	// session belongs to the new day and must not be cut off.
	day2 := time.Date(2026, 3, 10, 0, 5, 0, 0, time.UTC)
	live.set(&storage.Session{
		ID: "fresh", URL: "https://b.com/", Domain: "b.com",
		Start: time.Date(2026, 3, 10, 0, 4, 0, 0, time.UTC),
	})
	agg = newTestAggregator(store, live, day2)

	snap, err := agg.Aggregate(ctx)
	require.NoError(t, err)

	assert.False(t, live.dropped, "new-day session survives the rollover")
	require.NotNil(t, live.Current())
	require.Len(t, snap.Sites, 1)
	assert.Equal(t, "b.com", snap.Sites[0].Domain)
	assert.Equal(t, int64(1), snap.Sites[0].Minutes)
}

func TestRollover_ZeroDayNotArchived(t *testing.T) {
	store := openTestStore(t, storage.Options{})
	live := &fakeLive{}
	day1 := time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()

	// A pass with no activity records the day key but no minutes.
	agg := newTestAggregator(store, live, day1)
	_, err := agg.Aggregate(ctx)
	require.NoError(t, err)

	day2 := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	agg = newTestAggregator(store, live, day2)
	snap, err := agg.Aggregate(ctx)
	require.NoError(t, err)

	assert.Empty(t, snap.Archive, "empty days leave no archive entry")
}

func TestRollover_FirstRunJustRecordsDay(t *testing.T) {
	store := openTestStore(t, storage.Options{})
	live := &fakeLive{}
	now := time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)
	agg := newTestAggregator(store, live, now)
	ctx := context.Background()

	_, err := agg.Aggregate(ctx)
	require.NoError(t, err)

	last, err := store.LastDate(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-09", last)
	assert.False(t, live.dropped)
}

func TestAggregate_ConcurrentTriggers(t *testing.T) {
	store := openTestStore(t, storage.Options{})
	live := &fakeLive{}
	now := time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)
	agg := newTestAggregator(store, live, now)
	ctx := context.Background()

	require.NoError(t, store.CloseSession(ctx, closedSession("s1", "a.com", 5, now)))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := agg.Aggregate(ctx)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	snap, err := agg.Aggregate(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Sites, 1)
	assert.Equal(t, int64(5), snap.Sites[0].Minutes, "concurrent passes fold each session once")
}
