package config

import (
	"fmt"
	"strings"

	"postpilot/internal/job/autopilot"
	"postpilot/internal/storage"
	logx "postpilot/pkg/logx"
)

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "4h").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Autopilot AutopilotConfig `json:"autopilot"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the optional persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./postpilot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	KeepResults string `json:"keep_results,omitempty"`
}

// AutopilotConfig selects a mode preset and optionally overrides single
// knobs. Omitted fields keep the preset's value.
type AutopilotConfig struct {
	Enabled bool   `json:"enabled"`
	Mode    string `json:"mode,omitempty"`

	MaxPostsPerDay  int    `json:"max_posts_per_day,omitempty"`
	PublishInterval string `json:"publish_interval,omitempty"`
	MaxConcurrent   int    `json:"max_concurrent,omitempty"`
	JobTimeout      string `json:"job_timeout,omitempty"`
	MaxRetries      *int   `json:"max_retries,omitempty"`
	RetryBaseDelay  string `json:"retry_base_delay,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	MaxTokensPerDay int    `json:"max_tokens_per_day,omitempty"`
	AutoPublish     *bool  `json:"auto_publish,omitempty"`

	ActiveHoursStart *int `json:"active_hours_start,omitempty"`
	ActiveHoursEnd   *int `json:"active_hours_end,omitempty"`
	PauseOnErrors    int  `json:"pause_on_errors,omitempty"`
	RequireSEOScore  int  `json:"require_seo_score,omitempty"`
	RequireWordCount int  `json:"require_word_count,omitempty"`
}

// Validate checks field-level constraints that the strict decoder cannot.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("config is nil")
	}
	if m := strings.TrimSpace(c.Autopilot.Mode); m != "" && !autopilot.Mode(m).Valid() {
		return fmt.Errorf("autopilot.mode: unknown mode %q", m)
	}
	if _, err := c.BuildAutopilot(); err != nil {
		return err
	}
	if _, err := c.BuildStorage(); err != nil {
		return err
	}
	return nil
}

// BuildLogging maps the logging section onto the logger's config.
func (c *Config) BuildLogging() logx.Config {
	return logx.Config{
		Level:   c.Logging.Level,
		Console: c.Logging.Console,
		File: logx.FileConfig{
			Enabled: c.Logging.File.Enabled,
			Path:    c.Logging.File.Path,
		},
	}
}

// BuildStorage maps the storage section onto the store's config.
// A nil section disables storage.
func (c *Config) BuildStorage() (storage.Config, error) {
	if c.Storage == nil {
		return storage.Config{}, nil
	}
	busy, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	keep, err := ParseDurationField("storage.keep_results", c.Storage.KeepResults)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      c.Storage.Driver,
		Path:        c.Storage.Path,
		BusyTimeout: busy,
		KeepResults: keep,
	}, nil
}

// BuildAutopilot starts from the mode preset and applies per-field
// overrides from the file.
func (c *Config) BuildAutopilot() (autopilot.Config, error) {
	a := c.Autopilot
	cfg := autopilot.Preset(autopilot.Mode(strings.TrimSpace(a.Mode)))
	cfg.Enabled = a.Enabled

	if a.MaxPostsPerDay > 0 {
		cfg.MaxPostsPerDay = a.MaxPostsPerDay
	}
	if a.MaxConcurrent > 0 {
		cfg.MaxConcurrent = a.MaxConcurrent
	}
	if a.MaxRetries != nil && *a.MaxRetries >= 0 {
		cfg.MaxRetries = *a.MaxRetries
	}
	if a.MaxTokensPerDay > 0 {
		cfg.MaxTokensPerDay = a.MaxTokensPerDay
	}
	if a.AutoPublish != nil {
		cfg.AutoPublish = *a.AutoPublish
	}
	if a.ActiveHoursStart != nil {
		cfg.ActiveHoursStart = *a.ActiveHoursStart
	}
	if a.ActiveHoursEnd != nil {
		cfg.ActiveHoursEnd = *a.ActiveHoursEnd
	}
	if a.PauseOnErrors > 0 {
		cfg.PauseOnErrors = a.PauseOnErrors
	}
	if a.RequireSEOScore > 0 {
		cfg.RequireSEOScore = a.RequireSEOScore
	}
	if a.RequireWordCount > 0 {
		cfg.RequireWordCount = a.RequireWordCount
	}

	var err error
	if cfg.PublishInterval, err = ParseDurationOrDefault("autopilot.publish_interval", a.PublishInterval, cfg.PublishInterval); err != nil {
		return autopilot.Config{}, err
	}
	if cfg.JobTimeout, err = ParseDurationOrDefault("autopilot.job_timeout", a.JobTimeout, cfg.JobTimeout); err != nil {
		return autopilot.Config{}, err
	}
	if cfg.RetryBaseDelay, err = ParseDurationOrDefault("autopilot.retry_base_delay", a.RetryBaseDelay, cfg.RetryBaseDelay); err != nil {
		return autopilot.Config{}, err
	}
	if cfg.RetryMaxDelay, err = ParseDurationOrDefault("autopilot.retry_max_delay", a.RetryMaxDelay, cfg.RetryMaxDelay); err != nil {
		return autopilot.Config{}, err
	}

	return cfg.WithDefaults(), nil
}
