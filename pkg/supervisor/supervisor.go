// Package supervisor runs the long-lived background tasks (the crawler and
// the sync worker) and lets the CLI and dashboard start, stop and inspect
// them.
//
// A task is keyed by target account and kind. Only one instance of a key
// runs at a time, so two crawl sessions for the same account can never
// overlap. A panicking task is recovered and its panic becomes the task's
// last error.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"rosterwatch/pkg/logger"
)

// Kind names a task type
type Kind string

const (
	KindCrawler Kind = "crawler"
	KindSync    Kind = "sync"
)

// ParseKind validates a kind taken from user input
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindCrawler, KindSync:
		return Kind(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownTask, s)
}

// ErrUnknownTask is returned for a key nothing was registered under.
var ErrUnknownTask = errors.New("unknown task")

// Task is a blocking unit of work that returns when ctx is cancelled
type Task func(ctx context.Context) error

// Key identifies a task
type Key struct {
	Target string
	Kind   Kind
}

func (k Key) String() string { return k.Target + "/" + string(k.Kind) }

// Status is a snapshot of one task
type Status struct {
	Target    string     `json:"target"`
	Kind      Kind       `json:"kind"`
	Running   bool       `json:"running"`
	Runs      int        `json:"runs"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	StoppedAt *time.Time `json:"stopped_at,omitempty"`
	LastError string     `json:"last_error,omitempty"`
}

type entry struct {
	run    Task
	cancel context.CancelFunc
	done   chan struct{}
	status Status
}

// Registry owns every registered task
type Registry struct {
	base   context.Context
	mu     sync.Mutex
	tasks  map[Key]*entry
	wg     conc.WaitGroup
	now    func() time.Time
	logger logger.Logger
}

// Option configures a Registry
type Option func(*Registry)

func WithLogger(l logger.Logger) Option     { return func(r *Registry) { r.logger = l } }
func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

// New creates a registry. Every task context derives from ctx, so
// cancelling ctx stops them all.
func New(ctx context.Context, opts ...Option) *Registry {
	r := &Registry{
		base:   ctx,
		tasks:  make(map[Key]*entry),
		now:    time.Now,
		logger: logger.GetLogger(),
	}
	for _, o := range opts {
		o(r)
	}
	r.logger = r.logger.WithField("component", "supervisor")
	return r
}

// Register adds a task under key. Registering an existing key replaces its
// function; a running instance is not affected until restarted.
func (r *Registry) Register(key Key, run Task) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.tasks[key]; ok {
		e.run = run
		return
	}
	r.tasks[key] = &entry{
		run:    run,
		status: Status{Target: key.Target, Kind: key.Kind},
	}
}

// Start launches the task. It returns false when the task is already running.
func (r *Registry) Start(key Key) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.tasks[key]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownTask, key)
	}
	if e.status.Running {
		return false, nil
	}

	ctx, cancel := context.WithCancel(r.base)
	e.cancel = cancel
	e.done = make(chan struct{})
	started := r.now()
	e.status.Running = true
	e.status.Runs++
	e.status.StartedAt = &started
	e.status.StoppedAt = nil
	e.status.LastError = ""

	run, done := e.run, e.done
	r.wg.Go(func() {
		defer close(done)
		err := runRecovered(ctx, run)
		cancel()
		r.finished(key, e, err)
	})

	r.logger.WithField("task", key.String()).Info("Task started")
	return true, nil
}

// runRecovered runs t and turns a panic into an error.
func runRecovered(ctx context.Context, t Task) (err error) {
	var wg conc.WaitGroup
	wg.Go(func() { err = t(ctx) })
	if rec := wg.WaitAndRecover(); rec != nil {
		return rec.AsError()
	}
	return err
}

func (r *Registry) finished(key Key, e *entry, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stopped := r.now()
	e.status.Running = false
	e.status.StoppedAt = &stopped

	log := r.logger.WithField("task", key.String())
	if err != nil && !errors.Is(err, context.Canceled) {
		e.status.LastError = err.Error()
		log.WithError(err).Error("Task exited with error")
		return
	}
	log.Info("Task stopped")
}

// Stop cancels the task and waits for it to return. It returns false when
// the task was not running.
func (r *Registry) Stop(ctx context.Context, key Key) (bool, error) {
	r.mu.Lock()
	e, ok := r.tasks[key]
	if !ok {
		r.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrUnknownTask, key)
	}
	if !e.status.Running {
		r.mu.Unlock()
		return false, nil
	}
	cancel, done := e.cancel, e.done
	r.mu.Unlock()

	cancel()
	select {
	case <-done:
		return true, nil
	case <-ctx.Done():
		return false, fmt.Errorf("waiting for %s to stop: %w", key, ctx.Err())
	}
}

// Status returns the snapshot for one task
func (r *Registry) Status(key Key) (Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.tasks[key]
	if !ok {
		return Status{}, fmt.Errorf("%w: %s", ErrUnknownTask, key)
	}
	return e.status, nil
}

// Statuses returns every task ordered by target then kind
func (r *Registry) Statuses() []Status {
	r.mu.Lock()
	out := make([]Status, 0, len(r.tasks))
	for _, e := range r.tasks {
		out = append(out, e.status)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Target != out[j].Target {
			return out[i].Target < out[j].Target
		}
		return out[i].Kind < out[j].Kind
	})
	return out
}

// Shutdown stops every running task and waits for all of them.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	for _, e := range r.tasks {
		if e.status.Running && e.cancel != nil {
			e.cancel()
		}
	}
	r.mu.Unlock()

	r.wg.Wait()
	r.logger.Info("All tasks stopped")
}
