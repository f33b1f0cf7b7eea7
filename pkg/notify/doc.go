// Package notify delivers newly observed followers to the external
// notification endpoint.
//
// Each follower is one JSON POST authenticated with the X-Tool-Request-Token
// header. The endpoint acknowledges with HTTP 200 and {"success": true};
// everything else is reported as a typed error from pkg/errors so the caller
// can tell a misconfigured endpoint (not_found) from a transient fault
// (server_error, network, parsing) or a refusal (rejected):
//
//	client := notify.NewClient(cfg.Sync.Endpoint, token, notify.WithTimeout(10*time.Second))
//	if err := client.Send(ctx, notify.FromFollower(f)); errors.Is(err, errors.ErrorTypeNotFound) {
//	    // stop the cycle, the endpoint is wrong
//	}
package notify
