// Package retry provides backoff strategies, a context-aware retry loop and
// an interruptible Wait used for every pause in the crawler and sync worker.
//
//	err := retry.Do(ctx, func(ctx context.Context) error {
//		return surface.ScrollTo(ctx, y)
//	}, &retry.Config{
//		MaxAttempts: 10,
//		Backoff:     &retry.ConstantBackoff{Delay: 2 * time.Second},
//		OnRetry: func(attempt int, err error, delay time.Duration) {
//			y -= 200
//		},
//	})
package retry
