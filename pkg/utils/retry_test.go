package utils

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/wait"
)

var errTransient = errors.New("transient")

func fastBackoff() wait.Backoff {
	return wait.Backoff{Steps: 3, Duration: time.Millisecond, Factor: 2.0}
}

func TestRetryWithBackoffSucceedsAfterRetries(t *testing.T) {
	attempts := 0
	err := RetryWithBackoff(context.Background(), fastBackoff(),
		func(err error) bool { return errors.Is(err, errTransient) },
		func() error {
			attempts++
			if attempts < 3 {
				return errTransient
			}
			return nil
		})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryWithBackoffReturnsLastErrorOnExhaustion(t *testing.T) {
	attempts := 0
	err := RetryWithBackoff(context.Background(), fastBackoff(),
		func(err error) bool { return true },
		func() error {
			attempts++
			return errTransient
		})

	require.ErrorIs(t, err, errTransient)
	assert.Equal(t, 3, attempts)
}

func TestRetryWithBackoffStopsOnFatalError(t *testing.T) {
	fatal := errors.New("fatal")
	attempts := 0
	err := RetryWithBackoff(context.Background(), fastBackoff(),
		func(err error) bool { return errors.Is(err, errTransient) },
		func() error {
			attempts++
			return fatal
		})

	require.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, attempts, "fatal errors must not be retried")
}

func TestRetryWithBackoffRespectsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := RetryWithBackoff(ctx, wait.Backoff{Steps: 10, Duration: time.Second, Factor: 2.0},
		func(err error) bool { return true },
		func() error { return errTransient })

	require.Error(t, err)
}
