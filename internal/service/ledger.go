package service

import (
	"context"
	"time"
)

// withLedgerTimeout bounds one ledger or registry call. A non-positive
// timeout only adds cancellation.
func withLedgerTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
