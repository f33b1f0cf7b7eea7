package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rosterwatch/pkg/logger"
)

var crawlKey = Key{Target: "someone", Kind: KindCrawler}

func blocking(started *atomic.Int32) Task {
	return func(ctx context.Context) error {
		started.Add(1)
		<-ctx.Done()
		return ctx.Err()
	}
}

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	r := New(context.Background(), WithLogger(logger.NewNopLogger()))
	t.Cleanup(r.Shutdown)
	return r
}

func TestStartIsIdempotent(t *testing.T) {
	r := newRegistry(t)
	var started atomic.Int32
	r.Register(crawlKey, blocking(&started))

	ok, err := r.Start(crawlKey)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.Start(crawlKey)
	require.NoError(t, err)
	assert.False(t, ok, "second start must be a no-op")

	require.Eventually(t, func() bool { return started.Load() == 1 }, time.Second, time.Millisecond)
	st, err := r.Status(crawlKey)
	require.NoError(t, err)
	assert.True(t, st.Running)
	assert.Equal(t, 1, st.Runs)
}

func TestStopIsIdempotentAndRestartable(t *testing.T) {
	r := newRegistry(t)
	var started atomic.Int32
	r.Register(crawlKey, blocking(&started))

	ok, err := r.Stop(context.Background(), crawlKey)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = r.Start(crawlKey)
	require.NoError(t, err)

	ok, err = r.Stop(context.Background(), crawlKey)
	require.NoError(t, err)
	assert.True(t, ok)

	st, _ := r.Status(crawlKey)
	assert.False(t, st.Running)
	assert.NotNil(t, st.StoppedAt)
	assert.Empty(t, st.LastError, "cancellation is not an error")

	ok, err = r.Start(crawlKey)
	require.NoError(t, err)
	assert.True(t, ok)
	require.Eventually(t, func() bool { return started.Load() == 2 }, time.Second, time.Millisecond)

	st, _ = r.Status(crawlKey)
	assert.Equal(t, 2, st.Runs)
}

func TestTaskErrorIsRecorded(t *testing.T) {
	r := newRegistry(t)
	r.Register(crawlKey, func(ctx context.Context) error {
		return errors.New("browser crashed")
	})

	_, err := r.Start(crawlKey)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, _ := r.Status(crawlKey)
		return !st.Running && st.LastError != ""
	}, time.Second, time.Millisecond)

	st, _ := r.Status(crawlKey)
	assert.Equal(t, "browser crashed", st.LastError)
}

func TestPanicIsRecovered(t *testing.T) {
	r := newRegistry(t)
	r.Register(crawlKey, func(ctx context.Context) error {
		panic("nil selector")
	})

	_, err := r.Start(crawlKey)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		st, _ := r.Status(crawlKey)
		return !st.Running && st.LastError != ""
	}, time.Second, time.Millisecond)

	st, _ := r.Status(crawlKey)
	assert.Contains(t, st.LastError, "nil selector")
}

func TestUnknownTask(t *testing.T) {
	r := newRegistry(t)
	unknown := Key{Target: "x", Kind: KindSync}

	_, err := r.Start(unknown)
	assert.ErrorIs(t, err, ErrUnknownTask)
	_, err = r.Stop(context.Background(), unknown)
	assert.ErrorIs(t, err, ErrUnknownTask)
	_, err = r.Status(unknown)
	assert.ErrorIs(t, err, ErrUnknownTask)
}

func TestStopTimesOut(t *testing.T) {
	r := New(context.Background(), WithLogger(logger.NewNopLogger()))
	release := make(chan struct{})
	r.Register(crawlKey, func(ctx context.Context) error {
		<-release
		return nil
	})
	_, err := r.Start(crawlKey)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	ok, err := r.Stop(ctx, crawlKey)
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	r.Shutdown()
}

func TestStatusesAndShutdown(t *testing.T) {
	r := New(context.Background(), WithLogger(logger.NewNopLogger()))
	var started atomic.Int32
	syncKey := Key{Target: "someone", Kind: KindSync}
	r.Register(syncKey, blocking(&started))
	r.Register(crawlKey, blocking(&started))

	_, _ = r.Start(crawlKey)
	_, _ = r.Start(syncKey)
	require.Eventually(t, func() bool { return started.Load() == 2 }, time.Second, time.Millisecond)

	all := r.Statuses()
	require.Len(t, all, 2)
	assert.Equal(t, KindCrawler, all[0].Kind)
	assert.Equal(t, KindSync, all[1].Kind)

	r.Shutdown()
	for _, st := range r.Statuses() {
		assert.False(t, st.Running)
	}
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("sync")
	require.NoError(t, err)
	assert.Equal(t, KindSync, k)

	_, err = ParseKind("mailer")
	assert.ErrorIs(t, err, ErrUnknownTask)
}
