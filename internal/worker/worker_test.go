package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/job-engine/internal/domain"
	"github.com/cuongbtq/job-engine/internal/events"
	"github.com/cuongbtq/job-engine/internal/executor"
	"github.com/cuongbtq/job-engine/internal/jobstore"
	"github.com/cuongbtq/job-engine/internal/subsystem"
	"github.com/cuongbtq/job-engine/shared/sqldb"
)

const waitFor = 5 * time.Second

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newStore(t *testing.T, c *clock) *jobstore.Store {
	t.Helper()

	client, err := sqldb.NewClient(&sqldb.Config{
		Driver:   sqldb.DriverSQLite,
		Database: filepath.Join(t.TempDir(), "jobs.db"),
	}, discard)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	var opts []jobstore.Option
	if c != nil {
		opts = append(opts, jobstore.WithClock(c.Now))
	}
	store := jobstore.New(client.GetDB(), discard, opts...)
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

type recorder struct {
	mu        sync.Mutex
	logs      []events.LogPayload
	statuses  []events.StatusPayload
	completes []events.JobCompletePayload
}

func (r *recorder) BroadcastLog(_ context.Context, p events.LogPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, p)
}

func (r *recorder) BroadcastStatus(_ context.Context, p events.StatusPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, p)
}

func (r *recorder) BroadcastJobComplete(_ context.Context, p events.JobCompletePayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completes = append(r.completes, p)
}

func (r *recorder) complete(id int64) (events.JobCompletePayload, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.completes {
		if c.JobID == id {
			return c, true
		}
	}
	return events.JobCompletePayload{}, false
}

func (r *recorder) statusesFor(id string) []events.StatusPayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.StatusPayload
	for _, s := range r.statuses {
		if s.SubsystemID == id {
			out = append(out, s)
		}
	}
	return out
}

type runFunc func(ctx context.Context, params domain.Params, logFn executor.LogFunc) (bool, error)

type fakeExecutor struct {
	run       runFunc
	cancelled chan struct{}
	once      sync.Once
}

func (f *fakeExecutor) Execute(ctx context.Context, params domain.Params, logFn executor.LogFunc) (bool, error) {
	return f.run(ctx, params, logFn)
}

func (f *fakeExecutor) Cancel() {
	f.once.Do(func() { close(f.cancelled) })
}

func factory(run func(f *fakeExecutor) runFunc) ExecutorFactory {
	return func(int) Executor {
		f := &fakeExecutor{cancelled: make(chan struct{})}
		f.run = run(f)
		return f
	}
}

func returning(ok bool, err error) ExecutorFactory {
	return factory(func(*fakeExecutor) runFunc {
		return func(context.Context, domain.Params, executor.LogFunc) (bool, error) { return ok, err }
	})
}

// blocking runs until Cancel or ctx cancellation and signals started once running
func blocking(started chan<- int64) ExecutorFactory {
	return factory(func(f *fakeExecutor) runFunc {
		return func(ctx context.Context, params domain.Params, logFn executor.LogFunc) (bool, error) {
			logFn(executor.LogEntry{Level: executor.LevelInfo, Subsystem: "MAPS", Message: "working", Timestamp: time.Now()})
			if started != nil {
				started <- 0
			}
			select {
			case <-f.cancelled:
			case <-ctx.Done():
			}
			return false, context.Canceled
		}
	})
}

type fixture struct {
	store    *jobstore.Store
	events   *recorder
	registry *subsystem.Registry
	pool     *Pool
}

func newFixture(t *testing.T, c *clock, cfg Config) *fixture {
	t.Helper()

	f := &fixture{
		store:    newStore(t, c),
		events:   &recorder{},
		registry: subsystem.NewRegistry("maps", "qore"),
	}
	cfg.Logger = discard
	cfg.Store = f.store
	cfg.Events = f.events
	cfg.Statuses = f.registry
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	f.pool = NewPool(&cfg)
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.pool.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = f.pool.Stop(ctx)
	})
}

func (f *fixture) add(t *testing.T, params domain.Params) int64 {
	t.Helper()
	id, err := f.store.Add(context.Background(), "etl", params)
	require.NoError(t, err)
	return id
}

func (f *fixture) waitStatus(t *testing.T, id int64, want domain.JobStatus) *domain.Job {
	t.Helper()
	var job *domain.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = f.store.Get(context.Background(), id)
		return err == nil && job.Status == want
	}, waitFor, 10*time.Millisecond)
	return job
}

func TestNewPool_Defaults(t *testing.T) {
	p := NewPool(&Config{Logger: discard})

	assert.Equal(t, DefaultMaxWorkers, p.MaxWorkers())
	assert.Equal(t, DefaultPollInterval, p.pollInterval)
	assert.Equal(t, DefaultCleanupInterval, p.cleanupInterval)
	assert.Equal(t, DefaultSlotTimeout, p.slotTimeout)

	st := p.Status()
	assert.False(t, st.Running)
	assert.Equal(t, DefaultMaxWorkers, st.IdleCount)
	assert.Zero(t, st.ActiveCount)
	for i, s := range st.Slots {
		assert.Equal(t, i, s.SlotID)
		assert.Equal(t, SlotIdle, s.Status)
		assert.Nil(t, s.JobID)
	}
}

func TestPool_StartStop(t *testing.T) {
	f := newFixture(t, nil, Config{MaxWorkers: 2, NewExecutor: returning(true, nil)})

	assert.ErrorIs(t, f.pool.Stop(context.Background()), ErrPoolNotRunning)

	require.NoError(t, f.pool.Start(context.Background()))
	require.NoError(t, f.pool.Start(context.Background()))
	assert.True(t, f.pool.Running())

	require.NoError(t, f.pool.Stop(context.Background()))
	assert.False(t, f.pool.Running())
	assert.ErrorIs(t, f.pool.Stop(context.Background()), ErrPoolNotRunning)
}

func TestPool_RunsJobToCompletion(t *testing.T) {
	exec := factory(func(*fakeExecutor) runFunc {
		return func(_ context.Context, params domain.Params, logFn executor.LogFunc) (bool, error) {
			now := time.Now()
			logFn(executor.LogEntry{Level: executor.LevelInfo, Subsystem: "MAPS", Message: "loading", Timestamp: now})
			logFn(executor.LogEntry{Level: executor.LevelSuccess, Subsystem: "MAPS", Message: "done", Timestamp: now})
			logFn(executor.LogEntry{Level: executor.LevelInfo, Subsystem: executor.SubsystemStdout, Message: "bye", Timestamp: now})
			return true, nil
		}
	})
	f := newFixture(t, nil, Config{MaxWorkers: 2, NewExecutor: exec})
	f.start(t)

	id := f.add(t, domain.Params{"sistemas": []string{"maps"}})
	job := f.waitStatus(t, id, domain.JobStatusCompleted)

	assert.Equal(t, "[INFO] [MAPS] loading\n[SUCCESS] [MAPS] done\n[INFO] [STDOUT] bye\n", job.Logs)
	assert.Nil(t, job.ErrorMessage)
	assert.NotNil(t, job.StartedAt)
	assert.NotNil(t, job.FinishedAt)

	require.Eventually(t, func() bool {
		_, ok := f.events.complete(id)
		return ok
	}, waitFor, 10*time.Millisecond)
	done, _ := f.events.complete(id)
	assert.Equal(t, "completed", done.Status)
	assert.GreaterOrEqual(t, done.DurationSeconds, 0.0)

	f.events.mu.Lock()
	logs := append([]events.LogPayload(nil), f.events.logs...)
	f.events.mu.Unlock()
	require.Len(t, logs, 3)
	for _, l := range logs {
		assert.Equal(t, id, l.JobID)
	}

	statuses := f.events.statusesFor("maps")
	require.Len(t, statuses, 3)
	assert.Equal(t, "RUNNING", statuses[0].Status)
	assert.Equal(t, "Executing...", statuses[0].Message)
	assert.Equal(t, events.StatusPayload{SubsystemID: "maps", Status: "SUCCESS", Progress: 100, Message: "done"}, statuses[1])
	assert.Equal(t, events.StatusPayload{SubsystemID: "maps", Status: "SUCCESS", Progress: 100, Message: "Completed"}, statuses[2])

	got, ok := f.registry.Get("maps")
	require.True(t, ok)
	assert.Equal(t, subsystem.StatusSuccess, got.Status)

	require.Eventually(t, func() bool { return f.pool.Status().IdleCount == 2 }, waitFor, 10*time.Millisecond)
	slots, err := f.store.SlotStatus(context.Background())
	require.NoError(t, err)
	assert.Empty(t, slots)
}

func TestPool_Outcomes(t *testing.T) {
	tests := []struct {
		name       string
		exec       ExecutorFactory
		wantStatus domain.JobStatus
		wantErrMsg *string
		wantSub    subsystem.Status
	}{
		{
			name:       "pipeline failure",
			exec:       returning(false, nil),
			wantStatus: domain.JobStatusError,
			wantSub:    subsystem.StatusError,
		},
		{
			name:       "executor error",
			exec:       returning(false, errors.New("bad credentials")),
			wantStatus: domain.JobStatusError,
			wantErrMsg: strPtr("bad credentials"),
			wantSub:    subsystem.StatusError,
		},
		{
			name: "executor panic",
			exec: factory(func(*fakeExecutor) runFunc {
				return func(context.Context, domain.Params, executor.LogFunc) (bool, error) { panic("boom") }
			}),
			wantStatus: domain.JobStatusError,
			wantErrMsg: strPtr("executor panic: boom"),
			wantSub:    subsystem.StatusError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil, Config{MaxWorkers: 1, NewExecutor: tt.exec})
			f.start(t)

			id := f.add(t, domain.Params{"sistemas": []string{"qore"}})
			job := f.waitStatus(t, id, tt.wantStatus)
			assert.Equal(t, tt.wantErrMsg, job.ErrorMessage)

			require.Eventually(t, func() bool {
				c, ok := f.events.complete(id)
				return ok && c.Status == string(tt.wantStatus)
			}, waitFor, 10*time.Millisecond)

			got, ok := f.registry.Get("qore")
			require.True(t, ok)
			assert.Equal(t, tt.wantSub, got.Status)

			// The slot survives a failed job and picks up the next one.
			next := f.add(t, nil)
			f.waitStatus(t, next, tt.wantStatus)
		})
	}
}

func TestPool_CancelJob(t *testing.T) {
	started := make(chan int64, 1)
	f := newFixture(t, nil, Config{MaxWorkers: 1, NewExecutor: blocking(started)})
	f.start(t)

	id := f.add(t, domain.Params{"sistemas": []string{"maps"}})
	select {
	case <-started:
	case <-time.After(waitFor):
		t.Fatal("job did not start")
	}

	st := f.pool.Status()
	assert.Equal(t, 1, st.ActiveCount)
	require.NotNil(t, st.Slots[0].JobID)
	assert.Equal(t, id, *st.Slots[0].JobID)

	assert.False(t, f.pool.CancelJob(id+100))
	assert.True(t, f.pool.CancelJob(id))

	job := f.waitStatus(t, id, domain.JobStatusCancelled)
	require.NotNil(t, job.ErrorMessage)
	assert.Equal(t, domain.MsgCancelledByUser, *job.ErrorMessage)

	require.Eventually(t, func() bool {
		c, ok := f.events.complete(id)
		return ok && c.Status == "cancelled"
	}, waitFor, 10*time.Millisecond)
	got, _ := f.registry.Get("maps")
	assert.Equal(t, subsystem.StatusCancelled, got.Status)

	require.Eventually(t, func() bool { return f.pool.Status().IdleCount == 1 }, waitFor, 10*time.Millisecond)
}

func TestPool_StopCancelsRunningJobs(t *testing.T) {
	started := make(chan int64, 2)
	f := newFixture(t, nil, Config{MaxWorkers: 2, NewExecutor: blocking(started)})
	require.NoError(t, f.pool.Start(context.Background()))

	a := f.add(t, nil)
	b := f.add(t, nil)
	for range 2 {
		select {
		case <-started:
		case <-time.After(waitFor):
			t.Fatal("jobs did not start")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, f.pool.Stop(ctx))

	for _, id := range []int64{a, b} {
		job, err := f.store.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusCancelled, job.Status)
		require.NotNil(t, job.ErrorMessage)
		assert.Equal(t, domain.MsgCancelledOnShutdown, *job.ErrorMessage)
	}
	assert.Equal(t, 2, f.pool.Status().IdleCount)
}

func TestPool_BoundedConcurrency(t *testing.T) {
	var active, peak atomic.Int32
	exec := factory(func(*fakeExecutor) runFunc {
		return func(context.Context, domain.Params, executor.LogFunc) (bool, error) {
			n := active.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(30 * time.Millisecond)
			active.Add(-1)
			return true, nil
		}
	})
	f := newFixture(t, nil, Config{MaxWorkers: 2, NewExecutor: exec})
	f.start(t)

	ids := make([]int64, 6)
	for i := range ids {
		ids[i] = f.add(t, nil)
	}
	for _, id := range ids {
		f.waitStatus(t, id, domain.JobStatusCompleted)
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.GreaterOrEqual(t, peak.Load(), int32(1))
}

func TestPool_ReapsOrphanedJob(t *testing.T) {
	c := &clock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	f := newFixture(t, c, Config{
		MaxWorkers:      1,
		NewExecutor:     returning(true, nil),
		CleanupInterval: 20 * time.Millisecond,
		SlotTimeout:     time.Hour,
	})

	// Claimed by an instance that never finished it.
	id := f.add(t, nil)
	job, err := f.store.AcquireForSlot(context.Background(), 3)
	require.NoError(t, err)
	require.NotNil(t, job)

	f.start(t)
	c.Advance(2 * time.Hour)

	job = f.waitStatus(t, id, domain.JobStatusError)
	require.NotNil(t, job.ErrorMessage)
	assert.Equal(t, domain.MsgStaleTimeout, *job.ErrorMessage)
	assert.Nil(t, job.WorkerSlot)

	require.Eventually(t, func() bool {
		done, ok := f.events.complete(id)
		return ok && done.Status == "error" && done.DurationSeconds == 0
	}, waitFor, 10*time.Millisecond)
}

func TestPool_ReapsLocalStaleJob(t *testing.T) {
	c := &clock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	started := make(chan int64, 1)
	f := newFixture(t, c, Config{
		MaxWorkers:      1,
		NewExecutor:     blocking(started),
		CleanupInterval: 20 * time.Millisecond,
		SlotTimeout:     time.Hour,
	})
	f.start(t)

	id := f.add(t, nil)
	select {
	case <-started:
	case <-time.After(waitFor):
		t.Fatal("job did not start")
	}
	c.Advance(2 * time.Hour)

	require.Eventually(t, func() bool { return f.pool.Status().IdleCount == 1 }, waitFor, 10*time.Millisecond)

	job, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusError, job.Status)
	require.NotNil(t, job.ErrorMessage)
	assert.Equal(t, domain.MsgStaleTimeout, *job.ErrorMessage)

	require.Eventually(t, func() bool {
		_, ok := f.events.complete(id)
		return ok
	}, waitFor, 10*time.Millisecond)
	f.events.mu.Lock()
	defer f.events.mu.Unlock()
	assert.Len(t, f.events.completes, 1)
}

// failingFinish is a store whose outcome writes always fail
type failingFinish struct {
	*jobstore.Store
	calls atomic.Int32
}

func (f *failingFinish) FinishRunning(context.Context, int64, domain.JobStatus, string) (bool, error) {
	f.calls.Add(1)
	return false, errors.New("database is locked")
}

func TestPool_FailedOutcomeWriteLeavesJobToReaper(t *testing.T) {
	c := &clock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	store := newStore(t, c)
	failing := &failingFinish{Store: store}
	events := &recorder{}
	pool := NewPool(&Config{
		Logger:          discard,
		Store:           failing,
		Events:          events,
		NewExecutor:     returning(true, nil),
		MaxWorkers:      1,
		PollInterval:    10 * time.Millisecond,
		CleanupInterval: time.Hour,
		SlotTimeout:     time.Hour,
	})
	require.NoError(t, pool.Start(context.Background()))
	t.Cleanup(func() { _ = pool.Stop(context.Background()) })

	ctx := context.Background()
	id, err := store.Add(ctx, "etl", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return failing.calls.Load() >= 1 }, waitFor, 10*time.Millisecond)
	require.Eventually(t, func() bool { return pool.Status().IdleCount == 1 }, waitFor, 10*time.Millisecond)

	job, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRunning, job.Status)
	assert.NotNil(t, job.WorkerSlot, "lock must stay for the reaper")
	assert.NotNil(t, job.LockedAt)
	_, announced := events.complete(id)
	assert.False(t, announced)

	c.Advance(2 * time.Hour)
	ids, err := store.CleanupStale(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []int64{id}, ids)

	job, err = store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusError, job.Status)
	assert.Nil(t, job.WorkerSlot)
}

func TestPool_DoesNotOverwriteSettledJob(t *testing.T) {
	c := &clock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	started := make(chan int64, 1)
	f := newFixture(t, c, Config{
		MaxWorkers:      1,
		NewExecutor:     blocking(started),
		CleanupInterval: time.Hour,
		SlotTimeout:     time.Hour,
	})
	f.start(t)

	id := f.add(t, domain.Params{"sistemas": []string{"maps"}})
	select {
	case <-started:
	case <-time.After(waitFor):
		t.Fatal("job did not start")
	}

	// The row is failed as stale before the local slot hears about it.
	c.Advance(2 * time.Hour)
	ids, err := f.store.CleanupStale(context.Background(), time.Hour)
	require.NoError(t, err)
	require.Equal(t, []int64{id}, ids)

	require.True(t, f.pool.CancelJob(id))
	require.Eventually(t, func() bool { return f.pool.Status().IdleCount == 1 }, waitFor, 10*time.Millisecond)

	job, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusError, job.Status)
	require.NotNil(t, job.ErrorMessage)
	assert.Equal(t, domain.MsgStaleTimeout, *job.ErrorMessage)

	_, announced := f.events.complete(id)
	assert.False(t, announced)
	for _, st := range f.events.statusesFor("maps") {
		assert.NotEqual(t, string(subsystem.StatusCancelled), st.Status)
	}
}

func strPtr(s string) *string { return &s }
