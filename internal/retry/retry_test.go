package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"entgldb/internal/errs"
)

func TestExecuteSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Execute(context.Background(), Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Backoff: Linear}, "op",
		func(ctx context.Context) error {
			calls++
			if calls < 3 {
				return errs.New(errs.Network, "dial", errors.New("connection refused"))
			}
			return nil
		})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestExecuteFailsFastOnNonTransientError(t *testing.T) {
	calls := 0
	err := Execute(context.Background(), DefaultPolicy(), "op",
		func(ctx context.Context) error {
			calls++
			return errs.New(errs.AuthFailed, "handshake", errors.New("bad token"))
		})
	require.Error(t, err)
	require.Equal(t, 1, calls)
	require.Equal(t, errs.AuthFailed, errs.KindOf(err))
}

func TestExecuteExhaustsAndWrapsRetryExhausted(t *testing.T) {
	calls := 0
	err := Execute(context.Background(), Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, Backoff: Exponential}, "op",
		func(ctx context.Context) error {
			calls++
			return errs.New(errs.Network, "dial", errors.New("timeout"))
		})
	require.Error(t, err)
	require.Equal(t, 2, calls)
	require.Equal(t, errs.RetryExhausted, errs.KindOf(err))
}
