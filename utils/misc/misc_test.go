package misc_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/counselsync/transferd/utils/misc"
)

func TestFastUUID(t *testing.T) {
	first := misc.FastUUID()
	second := misc.FastUUID()
	require.NotEqual(t, first.String(), second.String())
	require.Len(t, first.String(), 36)
}

func TestSleepCtx(t *testing.T) {
	t.Run("sleeps for the full duration", func(t *testing.T) {
		start := time.Now()
		require.NoError(t, misc.SleepCtx(context.Background(), 10*time.Millisecond))
		require.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
	})

	t.Run("returns early on cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := misc.SleepCtx(ctx, time.Hour)
		require.ErrorIs(t, err, context.Canceled)
	})
}
