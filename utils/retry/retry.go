// Package retry provides a small generic retry helper with exponential
// backoff, used by the native backend for process-termination
// escalation.
package retry

import (
	"fmt"
	"math"
	"time"

	"github.com/caracal-pipeline/stimela/utils/config"
)

// Config holds configuration for retry operations
type Config struct {
	MaxRetries  int           // Maximum number of retry attempts
	InitialWait time.Duration // Initial wait time before first retry
	MaxWait     time.Duration // Maximum wait time between retries
	Factor      float64       // Exponential backoff factor
}

// DefaultConfig provides sensible defaults for retry operations
var DefaultConfig = Config{
	MaxRetries:  5,
	InitialWait: 200 * time.Millisecond,
	MaxWait:     5 * time.Second,
	Factor:      2.0,
}

// WithRetry executes the given function with retry logic. The function is
// retried while it returns an error matching shouldRetry.
func WithRetry(operation func() error, shouldRetry func(error) bool, cfg Config) error {
	wait := cfg.InitialWait
	var err error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		err = operation()
		if err == nil || !shouldRetry(err) {
			return err
		}
		if attempt == cfg.MaxRetries {
			return fmt.Errorf("operation failed after %d retries: %w", cfg.MaxRetries, err)
		}
		retryWait := time.Duration(math.Min(float64(wait), float64(cfg.MaxWait)))
		config.DebugLog("retryable error: %v. Retrying in %v (attempt %d/%d)",
			err, retryWait, attempt+1, cfg.MaxRetries)
		time.Sleep(retryWait)
		wait = time.Duration(float64(wait) * cfg.Factor)
	}
	return err
}
