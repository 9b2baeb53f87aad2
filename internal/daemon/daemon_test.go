package daemon

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runnerr0/histo/internal/categorize"
	"github.com/runnerr0/histo/internal/config"
	"github.com/runnerr0/histo/internal/stats"
	"github.com/runnerr0/histo/internal/storage"
	"github.com/runnerr0/histo/internal/tracker"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	store   *storage.SQLiteStore
	tracker *tracker.Tracker
	tasks   *TaskQueue
	router  *gin.Engine
}

func newTestEnv(t *testing.T, mutate func(cfg *config.Config)) *testEnv {
	t.Helper()

	cfg := config.DefaultConfig()
	if mutate != nil {
		mutate(cfg)
	}

	db, err := sql.Open("sqlite3", ":memory:?_foreign_keys=on")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	runner := storage.NewMigrationRunner(db)
	require.NoError(t, runner.Run())

	store, err := storage.NewSQLiteStore(db, storage.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	tasks := NewTaskQueue()
	tr := tracker.New(store, tracker.Options{
		IgnoredSchemes: cfg.Tracking.IgnoredSchemes,
		OnSessionEnd:   tasks.Enqueue,
	})
	agg := stats.New(store, categorize.New(nil), tr, nil)
	d := New(cfg, tr, agg, nil, tasks)

	return &testEnv{store: store, tracker: tr, tasks: tasks, router: d.buildRouter()}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, header http.Header) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}

	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestEventActivateOpensSession(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/events", Event{
		Type: EventActivate, URL: "https://www.example.com/page", TabID: 3, WindowID: 1,
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	cur := env.tracker.Current()
	require.NotNil(t, cur)
	assert.Equal(t, "example.com", cur.Domain)

	// The slot was persisted before the response was written.
	persisted, err := env.store.LoadCurrentSession(context.Background())
	require.NoError(t, err)
	require.NotNil(t, persisted)
	assert.Equal(t, cur.ID, persisted.ID)
}

func TestEventVisitRecorded(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/events", Event{
		Type: EventVisit, URL: "https://example.com/a", Title: "A",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	visits, err := env.store.RecentVisits(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, visits, 1)
	assert.Equal(t, tracker.SourceHistory, visits[0].Source, "source defaults when omitted")
}

func TestEventTabRemovedAndWindowBlur(t *testing.T) {
	env := newTestEnv(t, nil)

	env.do(t, http.MethodPost, "/events", Event{Type: EventActivate, URL: "https://a.com/", TabID: 5}, nil)
	require.NotNil(t, env.tracker.Current())

	rec := env.do(t, http.MethodPost, "/events", Event{Type: EventTabRemoved, TabID: 5}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, env.tracker.Current())

	env.do(t, http.MethodPost, "/events", Event{Type: EventActivate, URL: "https://b.com/", TabID: 6}, nil)
	rec = env.do(t, http.MethodPost, "/events", Event{Type: EventWindowBlur}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, env.tracker.Current())
}

func TestEventIdleRespectsEndOnIdle(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) { cfg.Tracking.EndOnIdle = false })

	env.do(t, http.MethodPost, "/events", Event{Type: EventActivate, URL: "https://a.com/", TabID: 1}, nil)
	rec := env.do(t, http.MethodPost, "/events", Event{Type: EventIdle, State: "idle"}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotNil(t, env.tracker.Current(), "idle handling disabled by config")
}

func TestEventUnknownTypeRejected(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/events", Event{Type: "resize"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEventMissingTypeRejected(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/events", map[string]string{"url": "https://a.com/"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAnalysisEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/analysis", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
}

func TestDataReturnsSnapshot(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	end := time.Now()
	require.NoError(t, env.store.CloseSession(ctx, &storage.Session{
		ID: "s1", URL: "https://youtube.com/w", Domain: "youtube.com",
		Start: end.Add(-5 * time.Minute), End: end, DurationMs: 5 * 60 * 1000,
	}))

	rec := env.do(t, http.MethodGet, "/data", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		OK   bool             `json:"ok"`
		Data storage.Snapshot `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.OK)
	require.Len(t, resp.Data.Sites, 1)
	assert.Equal(t, "youtube.com", resp.Data.Sites[0].Domain)
	assert.Equal(t, int64(5), resp.Data.Sites[0].Minutes)
	assert.Equal(t, int64(5), resp.Data.Daily.TotalMinutes)
}

func TestAuthTokenRequired(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) { cfg.Daemon.AuthToken = "hunter2" })

	rec := env.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodGet, "/healthz", nil, http.Header{
		"Authorization": []string{"Bearer wrong"},
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodGet, "/healthz", nil, http.Header{
		"Authorization": []string{"Bearer hunter2"},
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTaskQueueCoalesces(t *testing.T) {
	q := NewTaskQueue()

	// A burst of enqueues leaves exactly one pending request.
	for i := 0; i < 5; i++ {
		q.Enqueue()
	}

	select {
	case <-q.ch:
	default:
		t.Fatal("expected a pending task")
	}
	select {
	case <-q.ch:
		t.Fatal("burst must coalesce into a single task")
	default:
	}
}

func TestSessionEndEnqueuesAggregation(t *testing.T) {
	env := newTestEnv(t, nil)

	env.do(t, http.MethodPost, "/events", Event{Type: EventActivate, URL: "https://a.com/", TabID: 1}, nil)
	env.do(t, http.MethodPost, "/events", Event{Type: EventWindowBlur}, nil)
	assert.Nil(t, env.tracker.Current())

	select {
	case <-env.tasks.ch:
	default:
		t.Fatal("ending a session must enqueue an aggregation task")
	}
}
