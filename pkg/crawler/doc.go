// Package crawler walks a virtualized follower roster one scroll increment
// at a time and records newly discovered followers in the ledger.
//
// A session keeps a monotonic scroll cursor, the set of row positions and
// usernames already examined, and a small batch buffer that is committed
// every BatchSize new followers. It ends on the first of:
//
//   - fast-stop: MaxConsecutiveKnown known followers in a row
//   - slow-stop: MaxIdleSteps scroll steps without a new follower
//   - bottom: the scroll extent stopped growing and the cursor reached it
//   - cancellation of the context
//
// Only sessions that walked the whole roster (bottom or slow-stop) run
// unfollow detection.
package crawler
