package controlplane

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	retryAttempts = 3
	retryBase     = 100 * time.Millisecond
)

// withRetry runs fn, retrying transient failures with exponential backoff
// up to retryAttempts total attempts. Non-transient errors return
// immediately.
func withRetry(ctx context.Context, op string, fn func() error) error {
	var backoff = retryBase
	for attempt := 1; ; attempt++ {
		var err = fn()
		if err == nil || !IsTransient(err) || attempt == retryAttempts {
			return err
		}
		log.WithFields(log.Fields{
			"op":      op,
			"attempt": attempt,
			"err":     err,
		}).Warn("transient store error; backing off")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
		}
	}
}
