package utils

import (
	"context"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"
)

// RegistrationBackoff returns the backoff used while waiting for a
// coordination record to appear during node registration. The bound is
// deliberately small: registration is advisory and must not stall a mount.
func RegistrationBackoff() wait.Backoff {
	return wait.Backoff{
		Steps:    4,
		Duration: 100 * time.Millisecond,
		Factor:   2.0,
		Jitter:   0.1,
	}
}

// RetryWithBackoff retries fn with exponential backoff until it succeeds,
// the retryable classifier rejects the error, or the attempts are exhausted.
// Respects context cancellation.
func RetryWithBackoff(ctx context.Context, backoff wait.Backoff, retryable func(error) bool, fn func() error) error {
	var lastErr error
	attempt := 0

	err := wait.ExponentialBackoffWithContext(ctx, backoff, func(ctx context.Context) (bool, error) {
		attempt++
		lastErr = fn()

		if lastErr == nil {
			return true, nil
		}

		if retryable(lastErr) {
			klog.V(4).Infof("Attempt %d failed with retryable error: %v", attempt, lastErr)
			return false, nil
		}

		return false, lastErr
	})

	if wait.Interrupted(err) && lastErr != nil {
		klog.V(2).Infof("All %d retry attempts exhausted, last error: %v", attempt, lastErr)
		return lastErr
	}

	return err
}
