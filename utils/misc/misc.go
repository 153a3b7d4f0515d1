package misc

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// FastUUID returns a new random UUID.
func FastUUID() uuid.UUID {
	return uuid.New()
}

// SleepCtx sleeps for the given duration or until the context is canceled.
//
//	the context error is returned if context is canceled.
func SleepCtx(ctx context.Context, delay time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
		return nil
	}
}
