package job

import "time"

// Config controls one run-cycle of the execution engine.
//
// It is immutable once handed to the runner; Runner.UpdateConfig replaces
// the whole value (and rebuilds the rate limiter and concurrency limiter
// together, never partially).
type Config struct {
	MaxPostsPerDay  int
	PublishInterval time.Duration
	MaxConcurrent   int
	JobTimeout      time.Duration
	MaxRetries      int
	RetryBaseDelay  time.Duration
	RetryMaxDelay   time.Duration

	// MaxTokensPerDay caps the daily token spend reported by callables
	// via the "tokens_used" result key. 0 disables the budget.
	MaxTokensPerDay int

	AutoPublish bool
}

// WithDefaults normalizes zero values the same way the runner applies them.
func (c Config) WithDefaults() Config {
	if c.MaxPostsPerDay <= 0 {
		c.MaxPostsPerDay = 4
	}
	if c.PublishInterval < 0 {
		c.PublishInterval = 0
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 2
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 10 * time.Minute
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 2 * time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = time.Minute
	}
	if c.MaxTokensPerDay < 0 {
		c.MaxTokensPerDay = 0
	}
	return c
}

// RetryPolicy is the executor's view of the retry knobs.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// Retry extracts the retry policy from the config.
func (c Config) Retry() RetryPolicy {
	return RetryPolicy{
		MaxRetries: c.MaxRetries,
		BaseDelay:  c.RetryBaseDelay,
		MaxDelay:   c.RetryMaxDelay,
	}
}
