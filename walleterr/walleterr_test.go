package walleterr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOfExtractsKindFromWrappedError(t *testing.T) {
	base := New(NonceStale, "nonce expired")
	wrapped := fmt.Errorf("send_transaction: %w", base)
	assert.Equal(t, NonceStale, KindOf(wrapped))
}

func TestKindOfDefaultsToActionErrorForPlainErrors(t *testing.T) {
	assert.Equal(t, ActionError, KindOf(errors.New("boom")))
}

func TestRetrySucceedsWithinBudget(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), RetryOptions{MaxAttempts: 3}, nil, func(attempt int) error {
		attempts++
		if attempt < 2 {
			return New(RelayHTTPError, "transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestRetryStopsOnNonRetryableError(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), RetryOptions{MaxAttempts: 5}, nil, func(attempt int) error {
		attempts++
		return New(ValidationFailed, "bad input")
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetryExhaustsBudget(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), RetryOptions{MaxAttempts: 3}, nil, func(attempt int) error {
		attempts++
		return New(NonceStale, "still stale")
	})
	require.Error(t, err)
	assert.Equal(t, 3, attempts)
}
