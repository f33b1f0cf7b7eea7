package ui

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

const (
	ProgressBar   = "█"
	ProgressEmpty = "░"
)

// StatusTracker accumulates crawl progress across sessions
type StatusTracker struct {
	mu           sync.Mutex
	TotalNew     int
	Sessions     int
	CurrentBatch int
	BatchSize    int
	StartTime    time.Time
	now          func() time.Time
}

// NewStatusTracker creates a tracker whose batch bar is batchSize wide
func NewStatusTracker(batchSize int) *StatusTracker {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &StatusTracker{BatchSize: batchSize, StartTime: time.Now(), now: time.Now}
}

// AddFlushed records a flushed batch of n new followers
func (st *StatusTracker) AddFlushed(n int) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.TotalNew += n
	st.CurrentBatch = n
}

// FinishSession closes a session and resets the batch counter
func (st *StatusTracker) FinishSession() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.Sessions++
	st.CurrentBatch = 0
}

// GetBatchProgress returns a formatted progress bar for the last batch
func (st *StatusTracker) GetBatchProgress() string {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.batchProgress()
}

func (st *StatusTracker) batchProgress() string {
	const width = 20
	filled := st.CurrentBatch * width / st.BatchSize
	if filled > width {
		filled = width
	}
	bar := strings.Repeat(ProgressBar, filled) + strings.Repeat(ProgressEmpty, width-filled)
	return fmt.Sprintf("[%s] %d/%d", bar, st.CurrentBatch, st.BatchSize)
}

// GetRate returns new followers per hour since tracking started
func (st *StatusTracker) GetRate() float64 {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.rate()
}

func (st *StatusTracker) rate() float64 {
	hours := st.now().Sub(st.StartTime).Hours()
	if hours <= 0 {
		return 0
	}
	return float64(st.TotalNew) / hours
}

// PrintProgress writes the one-line status to w
func (st *StatusTracker) PrintProgress(w io.Writer) {
	st.mu.Lock()
	defer st.mu.Unlock()
	fmt.Fprintf(w, "%s Total new: %d | Sessions: %d | Batch: %s | %.1f/h\n",
		Green("[RECORDED]"),
		st.TotalNew,
		st.Sessions,
		st.batchProgress(),
		st.rate())
}
