package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/job-engine/internal/api/dto"
	"github.com/cuongbtq/job-engine/internal/api/handler"
	"github.com/cuongbtq/job-engine/internal/domain"
	"github.com/cuongbtq/job-engine/internal/events"
	"github.com/cuongbtq/job-engine/internal/jobstore"
	"github.com/cuongbtq/job-engine/internal/subsystem"
	"github.com/cuongbtq/job-engine/internal/worker"
	"github.com/cuongbtq/job-engine/shared/sqldb"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakePool struct {
	mu     sync.Mutex
	owned  map[int64]bool
	asked  []int64
	status worker.Status
}

func (p *fakePool) CancelJob(id int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.asked = append(p.asked, id)
	return p.owned[id]
}

func (p *fakePool) Status() worker.Status {
	return p.status
}

type testEnv struct {
	store    *jobstore.Store
	pool     *fakePool
	bus      *events.DistributedBus
	registry *subsystem.Registry
	deps     *handler.Dependencies
	router   *gin.Engine
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()

	client, err := sqldb.NewClient(&sqldb.Config{
		Driver:   sqldb.DriverSQLite,
		Database: filepath.Join(t.TempDir(), "jobs.db"),
	}, discard)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	store := jobstore.New(client.GetDB(), discard)
	require.NoError(t, store.Migrate(context.Background()))

	env := &testEnv{
		store: store,
		pool: &fakePool{
			owned: map[int64]bool{},
			status: worker.Status{
				MaxWorkers: 2,
				Running:    true,
				IdleCount:  2,
				Slots: []worker.SlotInfo{
					{SlotID: 0, Status: worker.SlotIdle},
					{SlotID: 1, Status: worker.SlotIdle},
				},
			},
		},
		bus:      events.NewDistributedBus(events.NewBus(discard), nil, events.DistributedOptions{InstanceID: "test", Logger: discard}),
		registry: subsystem.NewRegistry("maps", "qore"),
	}
	env.deps = &handler.Dependencies{
		Logger:      discard,
		Store:       store,
		Pool:        env.pool,
		Events:      env.bus,
		Subsystems:  env.registry,
		HealthCheck: client.HealthCheck,
	}
	env.router = SetupRouter(env.deps, opts)
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var r io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			r = strings.NewReader(b)
		default:
			raw, err := json.Marshal(b)
			require.NoError(t, err)
			r = bytes.NewReader(raw)
		}
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func jobPath(id int64, suffix string) string {
	return "/api/v1/jobs/" + strconv.FormatInt(id, 10) + suffix
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, Options{})

	w := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	body := decode[map[string]any](t, w)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, true, body["pool_running"])

	env.deps.HealthCheck = func(context.Context) error { return errors.New("db down") }
	env.router = SetupRouter(env.deps, Options{})
	w = env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestCreateJob(t *testing.T) {
	tests := []struct {
		name     string
		body     any
		wantCode int
	}{
		{
			name:     "valid",
			body:     map[string]any{"type": "etl", "params": map[string]any{"sistemas": []string{"maps"}}},
			wantCode: http.StatusCreated,
		},
		{
			name:     "without params",
			body:     map[string]any{"type": "etl"},
			wantCode: http.StatusCreated,
		},
		{
			name:     "missing type",
			body:     map[string]any{"params": map[string]any{}},
			wantCode: http.StatusBadRequest,
		},
		{
			name:     "malformed json",
			body:     "{not json",
			wantCode: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, Options{})

			w := env.do(t, http.MethodPost, "/api/v1/jobs", tt.body)
			require.Equal(t, tt.wantCode, w.Code, w.Body.String())
			if tt.wantCode != http.StatusCreated {
				return
			}

			resp := decode[dto.CreateJobResponse](t, w)
			assert.Positive(t, resp.JobID)
			assert.Equal(t, domain.JobStatusPending, resp.Status)

			job, err := env.store.Get(context.Background(), resp.JobID)
			require.NoError(t, err)
			assert.Equal(t, "etl", job.Type)
		})
	}
}

func TestGetJob(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	id, err := env.store.Add(ctx, "etl", domain.Params{"limpar": true})
	require.NoError(t, err)
	require.NoError(t, env.store.AppendLog(ctx, id, "[INFO] [MAPS] hello"))

	w := env.do(t, http.MethodGet, jobPath(id, ""), nil)
	require.Equal(t, http.StatusOK, w.Code)
	job := decode[dto.JobDTO](t, w)
	assert.Equal(t, id, job.ID)
	assert.Equal(t, domain.JobStatusPending, job.Status)
	assert.Equal(t, true, job.Params["limpar"])
	assert.Equal(t, "[INFO] [MAPS] hello\n", job.Logs)

	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, jobPath(id+10, ""), nil).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/v1/jobs/abc", nil).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/api/v1/jobs/0", nil).Code)
}

func TestListJobs(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	var ids []int64
	for range 3 {
		id, err := env.store.Add(ctx, "etl", nil)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	_, err := env.store.AcquireForSlot(ctx, 0)
	require.NoError(t, err)

	tests := []struct {
		name     string
		query    string
		wantCode int
		wantLen  int
	}{
		{name: "all", query: "", wantCode: http.StatusOK, wantLen: 3},
		{name: "pending only", query: "?status=pending", wantCode: http.StatusOK, wantLen: 2},
		{name: "running only", query: "?status=running", wantCode: http.StatusOK, wantLen: 1},
		{name: "paged", query: "?limit=1&offset=1", wantCode: http.StatusOK, wantLen: 1},
		{name: "unknown status", query: "?status=done", wantCode: http.StatusBadRequest},
		{name: "bad limit", query: "?limit=abc", wantCode: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, http.MethodGet, "/api/v1/jobs"+tt.query, nil)
			require.Equal(t, tt.wantCode, w.Code, w.Body.String())
			if tt.wantCode != http.StatusOK {
				return
			}
			resp := decode[dto.ListJobsResponse](t, w)
			assert.Len(t, resp.Jobs, tt.wantLen)
			for _, j := range resp.Jobs {
				assert.Empty(t, j.Logs)
			}
		})
	}

	resp := decode[dto.ListJobsResponse](t, env.do(t, http.MethodGet, "/api/v1/jobs", nil))
	assert.Equal(t, ids[2], resp.Jobs[0].ID)
	assert.Equal(t, 50, resp.Limit)
}

func TestCancelJob(t *testing.T) {
	ctx := context.Background()

	t.Run("pending", func(t *testing.T) {
		env := newTestEnv(t, Options{})
		id, err := env.store.Add(ctx, "etl", nil)
		require.NoError(t, err)

		w := env.do(t, http.MethodPost, jobPath(id, "/cancel"), nil)
		require.Equal(t, http.StatusOK, w.Code)

		job, err := env.store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusCancelled, job.Status)
		require.NotNil(t, job.ErrorMessage)
		assert.Equal(t, domain.MsgCancelledBeforeRun, *job.ErrorMessage)
		assert.Empty(t, env.pool.asked)
	})

	t.Run("running locally", func(t *testing.T) {
		env := newTestEnv(t, Options{})
		id, err := env.store.Add(ctx, "etl", nil)
		require.NoError(t, err)
		_, err = env.store.AcquireForSlot(ctx, 0)
		require.NoError(t, err)
		env.pool.owned[id] = true

		w := env.do(t, http.MethodPost, jobPath(id, "/cancel"), nil)
		require.Equal(t, http.StatusAccepted, w.Code)
		assert.True(t, decode[dto.CancelJobResponse](t, w).Local)
		assert.Equal(t, []int64{id}, env.pool.asked)

		// The pool records the outcome once the executor stops.
		job, err := env.store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusRunning, job.Status)
	})

	t.Run("running elsewhere", func(t *testing.T) {
		env := newTestEnv(t, Options{})
		id, err := env.store.Add(ctx, "etl", nil)
		require.NoError(t, err)
		_, err = env.store.AcquireForSlot(ctx, 1)
		require.NoError(t, err)

		w := env.do(t, http.MethodPost, jobPath(id, "/cancel"), nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.False(t, decode[dto.CancelJobResponse](t, w).Local)

		job, err := env.store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusCancelled, job.Status)
		require.NotNil(t, job.ErrorMessage)
		assert.Equal(t, domain.MsgCancelledByUser, *job.ErrorMessage)
		assert.Nil(t, job.WorkerSlot)
		assert.Nil(t, job.LockedAt)
		assert.NotNil(t, job.FinishedAt)
	})

	t.Run("terminal", func(t *testing.T) {
		env := newTestEnv(t, Options{})
		id, err := env.store.Add(ctx, "etl", nil)
		require.NoError(t, err)
		require.NoError(t, env.store.UpdateStatus(ctx, id, domain.JobStatusCompleted, ""))

		w := env.do(t, http.MethodPost, jobPath(id, "/cancel"), nil)
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("missing", func(t *testing.T) {
		env := newTestEnv(t, Options{})
		assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodPost, jobPath(99, "/cancel"), nil).Code)
	})
}

func TestPoolEndpoints(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	for range 3 {
		_, err := env.store.Add(ctx, "etl", nil)
		require.NoError(t, err)
	}
	job, err := env.store.AcquireForSlot(ctx, 0)
	require.NoError(t, err)
	second, err := env.store.AcquireForSlot(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, env.store.UpdateStatus(ctx, second.ID, domain.JobStatusCompleted, ""))
	require.NoError(t, env.store.Release(ctx, second.ID))

	w := env.do(t, http.MethodGet, "/api/v1/pool/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	st := decode[worker.Status](t, w)
	assert.Equal(t, 2, st.MaxWorkers)
	assert.Len(t, st.Slots, 2)

	w = env.do(t, http.MethodGet, "/api/v1/pool/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	m := decode[dto.PoolMetricsResponse](t, w)
	assert.Equal(t, 1, m.RunningJobs)
	assert.Equal(t, 1, m.PendingJobs)
	assert.Equal(t, 1, m.CompletedLast24)
	assert.Equal(t, 2, m.IdleCount)
	assert.NotNil(t, job)
}

func TestEventStatsAndSubsystems(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.registry.UpdateStatus("maps", subsystem.StatusRunning, 10, "Executing...")

	w := env.do(t, http.MethodGet, "/api/v1/events/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode[events.Stats](t, w)
	assert.Equal(t, "test", stats.InstanceID)
	assert.False(t, stats.Distributed)

	w = env.do(t, http.MethodGet, "/api/v1/subsystems", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[struct {
		Subsystems []subsystem.Subsystem `json:"subsystems"`
	}](t, w)
	require.Len(t, body.Subsystems, 2)
	assert.Equal(t, "maps", body.Subsystems[0].ID)
	assert.Equal(t, subsystem.StatusRunning, body.Subsystems[0].Status)
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, Options{RateLimit: 0.001, RateLimitBurst: 2})

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/v1/jobs", nil).Code)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/api/v1/jobs", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, env.do(t, http.MethodGet, "/api/v1/jobs", nil).Code)

	// Health is outside the limited group.
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/health", nil).Code)
}

func TestCORS(t *testing.T) {
	tests := []struct {
		name       string
		origins    []string
		origin     string
		wantHeader string
	}{
		{name: "any origin", origins: nil, origin: "http://a.example", wantHeader: "*"},
		{name: "allowed origin", origins: []string{"http://a.example"}, origin: "http://a.example", wantHeader: "http://a.example"},
		{name: "other origin", origins: []string{"http://a.example"}, origin: "http://b.example", wantHeader: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, Options{CORSOrigins: tt.origins})

			req := httptest.NewRequest(http.MethodOptions, "/api/v1/jobs", nil)
			req.Header.Set("Origin", tt.origin)
			w := httptest.NewRecorder()
			env.router.ServeHTTP(w, req)

			assert.Equal(t, http.StatusNoContent, w.Code)
			assert.Equal(t, tt.wantHeader, w.Header().Get("Access-Control-Allow-Origin"))
		})
	}
}

func TestWebsocket(t *testing.T) {
	env := newTestEnv(t, Options{})
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	read := func() events.Envelope {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		var env events.Envelope
		require.NoError(t, conn.ReadJSON(&env))
		return env
	}

	// Current subsystem statuses come first, ordered by id.
	first := read()
	assert.Equal(t, events.TypeStatus, first.Type)
	assert.Equal(t, "maps", first.Payload.(events.StatusPayload).SubsystemID)
	assert.Equal(t, "qore", read().Payload.(events.StatusPayload).SubsystemID)

	require.Eventually(t, func() bool { return env.bus.Local().Count() == 1 }, 5*time.Second, 10*time.Millisecond)

	env.bus.BroadcastLog(context.Background(), events.LogPayload{
		Level:     "INFO",
		Subsystem: "MAPS",
		Message:   "hello",
		JobID:     7,
		SlotID:    1,
		Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	})

	got := read()
	assert.Equal(t, events.TypeLog, got.Type)
	log := got.Payload.(events.LogPayload)
	assert.Equal(t, int64(7), log.JobID)
	assert.Equal(t, "hello", log.Message)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return env.bus.Local().Count() == 0 }, 5*time.Second, 10*time.Millisecond)
}
