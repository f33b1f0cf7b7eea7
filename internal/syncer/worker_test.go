package syncer

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "rosterwatch/pkg/errors"
	"rosterwatch/pkg/ledger"
	"rosterwatch/pkg/logger"
	"rosterwatch/pkg/notify"
	"rosterwatch/pkg/retry"
)

type fakeStore struct {
	mu        sync.Mutex
	followers []ledger.Follower
	synced    map[int64]bool
	markCalls []int64
	listErr   error
	listCalls int
	// listFailures and markFailures fail that many calls before succeeding.
	listFailures int
	markFailures int
}

func newFakeStore(usernames ...string) *fakeStore {
	s := &fakeStore{synced: map[int64]bool{}}
	for i, u := range usernames {
		s.followers = append(s.followers, ledger.Follower{
			ID:          int64(i + 1),
			Target:      "someone",
			Username:    u,
			DisplayName: u,
			FirstSeen:   time.Date(2024, 1, 1, 0, 0, i, 0, time.UTC),
			Active:      true,
		})
	}
	return s
}

func (s *fakeStore) ListUnsynced(ctx context.Context, target string, limit int) ([]ledger.Follower, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listCalls++
	if s.listErr != nil {
		return nil, s.listErr
	}
	if s.listFailures > 0 {
		s.listFailures--
		return nil, errors.New("database is locked")
	}
	var out []ledger.Follower
	for _, f := range s.followers {
		if !s.synced[f.ID] {
			out = append(out, f)
		}
	}
	return out, nil
}

func (s *fakeStore) MarkSynced(ctx context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markCalls = append(s.markCalls, id)
	if s.markFailures > 0 {
		s.markFailures--
		return false, errors.New("database is locked")
	}
	changed := !s.synced[id]
	s.synced[id] = true
	return changed, nil
}

func (s *fakeStore) isSynced(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.synced[id]
}

// scriptedEndpoint answers with the given statuses in order, then succeeds.
func scriptedEndpoint(t *testing.T, statuses ...int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(calls.Add(1))
		if n <= len(statuses) {
			w.WriteHeader(statuses[n-1])
			_, _ = w.Write([]byte(`{"success": false, "error": "scripted"}`))
			return
		}
		_, _ = w.Write([]byte(`{"success": true}`))
	}))
	t.Cleanup(server.Close)
	return server, &calls
}

type recordingObserver struct {
	mu       sync.Mutex
	missing  []string
	cooling  []int
	finished []CycleReport
}

func (o *recordingObserver) CycleFinished(r CycleReport, _ error) {
	o.mu.Lock()
	o.finished = append(o.finished, r)
	o.mu.Unlock()
}

func (o *recordingObserver) EndpointMissing(endpoint string) {
	o.mu.Lock()
	o.missing = append(o.missing, endpoint)
	o.mu.Unlock()
}

func (o *recordingObserver) CoolingDown(failures int, _ time.Time, _ error) {
	o.mu.Lock()
	o.cooling = append(o.cooling, failures)
	o.mu.Unlock()
}

func (o *recordingObserver) coolDowns() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.cooling)
}

func testOptions() Options {
	return Options{
		Interval:         time.Millisecond,
		MaxCycleFailures: 3,
		CoolDown:         time.Hour,
		RequestTimeout:   time.Second,
	}
}

func newWorker(store Store, endpoint string, opts Options, extra ...Option) *Worker {
	client := notify.NewClient(endpoint, "token", notify.WithLogger(logger.NewNopLogger()))
	base := []Option{
		WithLogger(logger.NewNopLogger()),
		WithEndpoint(endpoint),
		WithStoreRetry(&retry.Config{MaxAttempts: 2}),
	}
	return New(store, client, opts, append(base, extra...)...)
}

func TestRetriedAcrossCyclesUntilSuccess(t *testing.T) {
	server, calls := scriptedEndpoint(t, http.StatusInternalServerError, http.StatusInternalServerError)
	store := newFakeStore("alice")
	w := newWorker(store, server.URL, testOptions())

	for i := 0; i < 2; i++ {
		report, err := w.RunCycle(context.Background())
		require.NoError(t, err, "a failed record is not a failed cycle")
		assert.Equal(t, 1, report.Skipped)
		assert.False(t, store.isSynced(1), "still unsynced after attempt %d", i+1)
	}
	assert.Empty(t, store.markCalls)

	report, err := w.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Synced)
	assert.Equal(t, []int64{1}, store.markCalls)
	assert.Equal(t, int32(3), calls.Load())
}

func TestNotFoundAbortsCycle(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	store := newFakeStore("a", "b", "c")
	obs := &recordingObserver{}
	w := newWorker(store, server.URL, testOptions(), WithObserver(obs))

	report, err := w.RunCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Aborted)
	assert.Equal(t, 1, report.Attempted)
	assert.Equal(t, 3, report.Pending)
	assert.Equal(t, []string{server.URL}, obs.missing)
	assert.Empty(t, store.markCalls)
}

func TestTransientFailureSkipsRecord(t *testing.T) {
	server, _ := scriptedEndpoint(t, http.StatusServiceUnavailable)
	store := newFakeStore("a", "b")
	w := newWorker(store, server.URL, testOptions())

	report, err := w.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, CycleReport{Pending: 2, Attempted: 2, Synced: 1, Skipped: 1}, report)
	assert.False(t, store.isSynced(1))
	assert.True(t, store.isSynced(2))
}

func TestRejectedIsNotCycleFailure(t *testing.T) {
	server, _ := scriptedEndpoint(t, http.StatusBadRequest)
	store := newFakeStore("a")
	w := newWorker(store, server.URL, testOptions())

	report, err := w.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
}

func TestStoreErrorFailsCycle(t *testing.T) {
	store := newFakeStore()
	store.listErr = errors.New("database is locked")
	w := newWorker(store, "http://127.0.0.1:1", testOptions())

	_, err := w.RunCycle(context.Background())
	require.Error(t, err)
	assert.Equal(t, errs.ErrorTypeStorage, errs.TypeOf(err))
}

func TestEmptyCycle(t *testing.T) {
	w := newWorker(newFakeStore(), "http://127.0.0.1:1", testOptions())

	report, err := w.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report)
	assert.Equal(t, StateIdle, w.State())
}

func TestStopMidCycleFinishesInFlightRecord(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		cancel()
		_, _ = w.Write([]byte(`{"success": true}`))
	}))
	defer server.Close()

	store := newFakeStore("a", "b", "c")
	opts := testOptions()
	opts.RecordDelay = 50 * time.Millisecond
	w := newWorker(store, server.URL, opts)

	report, err := w.RunCycle(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, report.Attempted)
	assert.Equal(t, 1, report.Synced)
	assert.True(t, store.isSynced(1), "in-flight record must be recorded")
	assert.Equal(t, int32(1), calls.Load(), "no request after stop")
}

func TestRunCoolsDownAfterRepeatedFailures(t *testing.T) {
	store := newFakeStore()
	store.listErr = errors.New("disk I/O error")
	obs := &recordingObserver{}
	opts := testOptions()
	opts.MaxCycleFailures = 2
	w := newWorker(store, "http://127.0.0.1:1", opts, WithObserver(obs))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		return obs.coolDowns() == 1 && w.State() == StateCoolingDown
	}, time.Second, 5*time.Millisecond)

	store.mu.Lock()
	assert.Equal(t, 4, store.listCalls, "two cycles of two attempts each")
	store.mu.Unlock()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, StateStopped, w.State())
}

func TestRunNeverCoolsDownOnRecordFailures(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	store := newFakeStore("alice")
	obs := &recordingObserver{}
	opts := testOptions()
	opts.MaxCycleFailures = 2
	w := newWorker(store, server.URL, opts, WithObserver(obs))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		return calls.Load() >= 6
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Zero(t, obs.coolDowns())
	assert.False(t, store.isSynced(1))
	assert.Empty(t, store.markCalls)
}

func TestStoreRetryAbsorbsBriefOutage(t *testing.T) {
	server, _ := scriptedEndpoint(t)
	store := newFakeStore("a")
	store.listFailures = 1
	store.markFailures = 1
	w := newWorker(store, server.URL, testOptions())

	report, err := w.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Synced)
	assert.True(t, store.isSynced(1))
	assert.Equal(t, 2, store.listCalls)
	assert.Equal(t, []int64{1, 1}, store.markCalls)
}

func TestStoreOutageFailsCycleAfterRetries(t *testing.T) {
	store := newFakeStore("a")
	store.listFailures = 2
	w := newWorker(store, "http://127.0.0.1:1", testOptions())

	_, err := w.RunCycle(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, retry.ErrMaxAttempts)
	assert.Equal(t, errs.ErrorTypeStorage, errs.TypeOf(err))
}

func TestRunSyncsPending(t *testing.T) {
	server, _ := scriptedEndpoint(t)
	store := newFakeStore("a", "b")
	w := newWorker(store, server.URL, testOptions())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		return store.isSynced(1) && store.isSynced(2)
	}, time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

func TestSyncAgainstLedger(t *testing.T) {
	server, _ := scriptedEndpoint(t)
	store, err := ledger.Open(context.Background(), t.TempDir()+"/ledger.db")
	require.NoError(t, err)
	defer store.Close()

	_, err = store.UpsertBatch(context.Background(), "someone", []ledger.Pair{
		{DisplayName: "Alice", Username: "alice"},
		{DisplayName: "Bob", Username: "bob"},
	})
	require.NoError(t, err)

	w := newWorker(store, server.URL, testOptions())
	report, err := w.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Synced)

	left, err := store.ListUnsynced(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Empty(t, left)
}
