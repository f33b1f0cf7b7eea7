// Package ratelimit paces outbound calls to the notification endpoint.
//
// SlidingWindow admits at most N requests in any rolling window; Wait
// honours context cancellation so a stopping sync worker never blocks on it.
package ratelimit
