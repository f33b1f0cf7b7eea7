package crawler

import (
	"sort"
	"strings"

	"rosterwatch/pkg/ledger"
	"rosterwatch/pkg/page"
)

// crawlState is the per-session working memory. It is never persisted;
// whatever is still in batch when the session ends is flushed by Scan.
type crawlState struct {
	known   map[string]struct{}
	session map[string]struct{}
	visited map[int]struct{}

	batch         []ledger.Pair
	observedKnown []string

	cursor           int
	reposition       bool
	atBottom         bool
	consecutiveKnown int
	idleSteps        int
	newCount         int
}

func newCrawlState(known []string) *crawlState {
	st := &crawlState{
		known:   make(map[string]struct{}, len(known)),
		session: make(map[string]struct{}),
		visited: make(map[int]struct{}),
	}
	for _, u := range known {
		st.known[usernameKey(u)] = struct{}{}
	}
	return st
}

// usernameKey folds case; handles are case-insensitive.
func usernameKey(u string) string {
	return strings.ToLower(u)
}

// unvisited returns the visible rows not yet examined this session, top to
// bottom, and marks them visited.
func (st *crawlState) unvisited(rows []page.Row) []page.Row {
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Top < rows[j].Top })

	var out []page.Row
	for _, r := range rows {
		if !r.Visible {
			continue
		}
		if _, seen := st.visited[r.Top]; seen {
			continue
		}
		st.visited[r.Top] = struct{}{}
		out = append(out, r)
	}
	return out
}

// observe classifies a candidate. It returns true when the username is new
// to both the ledger and this session.
func (st *crawlState) observe(c page.Candidate) bool {
	key := usernameKey(c.Username)
	if _, dup := st.session[key]; dup {
		st.consecutiveKnown++
		return false
	}
	st.session[key] = struct{}{}

	if _, ok := st.known[key]; ok {
		st.observedKnown = append(st.observedKnown, c.Username)
		st.consecutiveKnown++
		return false
	}

	st.consecutiveKnown = 0
	st.newCount++
	st.batch = append(st.batch, ledger.Pair{DisplayName: c.DisplayName, Username: c.Username})
	return true
}

func (st *crawlState) backStep(n int) {
	st.cursor -= n
	if st.cursor < 0 {
		st.cursor = 0
	}
	st.reposition = true
}
