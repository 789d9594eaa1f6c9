package storage

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/cenkalti/backoff/v4"
)

// RetryConfig bounds retries of S3 calls.
type RetryConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		MaxElapsedTime:  2 * time.Minute,
	}
}

func (c RetryConfig) backOff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.InitialInterval
	bo.MaxInterval = c.MaxInterval
	bo.MaxElapsedTime = c.MaxElapsedTime
	return backoff.WithContext(bo, ctx)
}

var permanentCodes = map[string]bool{
	s3.ErrCodeNoSuchKey:     true,
	s3.ErrCodeNoSuchBucket:  true,
	"AccessDenied":          true,
	"InvalidAccessKeyId":    true,
	"SignatureDoesNotMatch": true,
	"NotFound":              true,
}

// withRetry runs fn until it succeeds, fails permanently or the retry budget
// is spent.
func withRetry(ctx context.Context, log *slog.Logger, cfg RetryConfig, op string, fn func() error) error {
	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		var aerr awserr.Error
		if errors.As(err, &aerr) && permanentCodes[aerr.Code()] {
			return backoff.Permanent(err)
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return backoff.Permanent(err)
		}
		return err
	}, cfg.backOff(ctx), func(err error, wait time.Duration) {
		log.Warn("s3 call failed, retrying", "operation", op, "attempt", attempt, "in", wait, "error", err)
	})
}
