package ingest

import (
	"context"
	"time"

	"github.com/avast/retry-go/v4"
)

// withRetry runs fn with bounded attempts and exponential backoff from
// baseDelay. It returns the last error once attempts are exhausted.
func withRetry(ctx context.Context, attempts uint, baseDelay time.Duration, fn func() error) error {
	if attempts == 0 {
		attempts = 1
	}
	return retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(baseDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
}
