// Package page defines what the crawler needs from a rendered, virtualized
// roster page. The browser package implements it against a real browser;
// tests script it.
package page

import (
	"context"
	"errors"
	"strings"
)

// Surface is a scrollable view over a virtualized list of roster rows.
type Surface interface {
	// Reload reopens the roster from its start, discarding any scroll
	// position and rendered rows from an earlier pass.
	Reload(ctx context.Context) error
	// Rows snapshots the rows currently present in the document.
	Rows(ctx context.Context) ([]Row, error)
	// ScrollTo moves the viewport so that its top edge is at y pixels.
	ScrollTo(ctx context.Context, y int) error
	// Height reports the current scrollable extent in pixels.
	Height(ctx context.Context) (int, error)
	// SessionAlive reports whether the authenticated session is still usable.
	SessionAlive(ctx context.Context) (bool, error)
}

// Row is one roster entry as seen in the viewport. Top is the row's
// absolute vertical offset in the document and identifies it within a
// session; Err is set when the entry could not be read.
type Row struct {
	Top         int    `json:"top"`
	Visible     bool   `json:"visible"`
	DisplayName string `json:"display_name"`
	Username    string `json:"username"`
	Err         string `json:"error,omitempty"`
}

// Candidate is a normalized (display name, username) pair.
type Candidate struct {
	DisplayName string
	Username    string
}

var (
	ErrUnreadable    = errors.New("row could not be read")
	ErrEmptyUsername = errors.New("row has no username")
)

// Candidate extracts and normalizes the pair carried by the row. The
// username loses its leading "@"; a row without a display name falls back
// to the username.
func (r Row) Candidate() (Candidate, error) {
	if r.Err != "" {
		return Candidate{}, errors.Join(ErrUnreadable, errors.New(r.Err))
	}
	username := strings.TrimPrefix(strings.TrimSpace(r.Username), "@")
	if username == "" || strings.ContainsAny(username, " \t\n") {
		return Candidate{}, ErrEmptyUsername
	}
	display := strings.TrimSpace(r.DisplayName)
	if display == "" {
		display = username
	}
	return Candidate{DisplayName: display, Username: username}, nil
}
