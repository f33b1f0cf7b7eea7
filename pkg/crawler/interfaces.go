package crawler

import (
	"context"
	"time"

	"rosterwatch/pkg/ledger"
)

// Ledger is the part of the follower ledger a crawl session writes to.
type Ledger interface {
	KnownUsernames(ctx context.Context, target string) ([]string, error)
	CommitBatch(ctx context.Context, target string, pairs []ledger.Pair, batchID string) (int, ledger.Scan, error)
	RecordScan(ctx context.Context, scan ledger.Scan) (ledger.Scan, error)
	MarkSeen(ctx context.Context, target string, usernames []string) (int64, error)
	DeactivateMissing(ctx context.Context, target string, asOf time.Time) (int64, error)
}

var _ Ledger = (*ledger.Store)(nil)

// Observer receives crawl events that a human may want to see.
type Observer interface {
	// LoginRequired fires once when the session check fails; the crawl is
	// paused until LoginRestored.
	LoginRequired(target string)
	LoginRestored(target string)
	BatchFlushed(target string, scan ledger.Scan, batch []ledger.Pair)
	ScanFinished(result *Result)
}

// NopObserver ignores every event
type NopObserver struct{}

func (NopObserver) LoginRequired(string)                            {}
func (NopObserver) LoginRestored(string)                            {}
func (NopObserver) BatchFlushed(string, ledger.Scan, []ledger.Pair) {}
func (NopObserver) ScanFinished(*Result)                            {}
