// Package ledger is the durable record of every follower ever observed for a
// target account and of every scan that produced observations.
//
// A follower row is never deleted. It is inserted on first observation,
// refreshed (last_seen, is_active) on every later one, deactivated when a
// complete scan no longer sees it, and marked synced once the notification
// endpoint has accepted it.
package ledger

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a follower id does not exist
var ErrNotFound = errors.New("follower not found")

// Follower is one row of the followers table
type Follower struct {
	ID          int64     `json:"id"`
	Target      string    `json:"target"`
	Username    string    `json:"username"`
	DisplayName string    `json:"display_name"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
	Active      bool      `json:"is_active"`
	Synced      bool      `json:"synced"`
}

// Scan is one row of the append-only scans table
type Scan struct {
	ID        int64     `json:"id"`
	Target    string    `json:"target"`
	Timestamp time.Time `json:"timestamp"`
	Total     int       `json:"total"`
	NewCount  int       `json:"new_count"`
	BatchID   string    `json:"batch_id"`
}

// Pair is an observed (display name, username) couple
type Pair struct {
	DisplayName string
	Username    string
}

// ListQuery selects a page of active followers
type ListQuery struct {
	Target   string
	Filter   string
	Page     int
	PageSize int
}

// Page is one page of active followers, newest first
type Page struct {
	Records    []Follower `json:"records"`
	Total      int        `json:"total"`
	Page       int        `json:"page"`
	PageSize   int        `json:"page_size"`
	TotalPages int        `json:"total_pages"`
}

// Stats summarises the ledger for one target
type Stats struct {
	Target   string     `json:"target"`
	Active   int        `json:"active"`
	Inactive int        `json:"inactive"`
	Unsynced int        `json:"unsynced"`
	Scans    int        `json:"scans"`
	LastScan *time.Time `json:"last_scan,omitempty"`
}

const (
	DefaultPageSize = 25
	MaxPageSize     = 500
	// MaxPage keeps the row offset well inside int32 at any page size.
	MaxPage = 1 << 20
)

func (q ListQuery) normalized() ListQuery {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Page > MaxPage {
		q.Page = MaxPage
	}
	if q.PageSize <= 0 {
		q.PageSize = DefaultPageSize
	}
	if q.PageSize > MaxPageSize {
		q.PageSize = MaxPageSize
	}
	return q
}
