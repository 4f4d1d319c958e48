package autopilot

import (
	"time"

	"postpilot/internal/job"
)

// Mode is a named preset of frequency and quality thresholds.
type Mode string

const (
	ModeConservative Mode = "conservative"
	ModeStandard     Mode = "standard"
	ModeAggressive   Mode = "aggressive"
)

func (m Mode) Valid() bool {
	switch m {
	case ModeConservative, ModeStandard, ModeAggressive:
		return true
	}
	return false
}

// Config is the autopilot's full configuration: the embedded execution
// config plus scheduling and quality knobs. It is swapped atomically via
// UpdateConfig; the quality gates (RequireSEOScore, RequireWordCount) are
// consumed by the job callable, not by the engine.
type Config struct {
	Enabled bool
	Mode    Mode

	job.Config

	// Active hours window [start, end) in local hours. start == end
	// means "always active"; a window may wrap past midnight.
	ActiveHoursStart int
	ActiveHoursEnd   int

	// PauseOnErrors trips the self-pause once this many consecutive
	// generation cycles have failed. 0 uses the default.
	PauseOnErrors int

	RequireSEOScore  int
	RequireWordCount int
}

// Preset returns the full config for a named mode.
func Preset(mode Mode) Config {
	switch mode {
	case ModeConservative:
		return Config{
			Mode: ModeConservative,
			Config: job.Config{
				MaxPostsPerDay:  2,
				PublishInterval: 8 * time.Hour,
				MaxConcurrent:   1,
				JobTimeout:      10 * time.Minute,
				MaxRetries:      2,
				RetryBaseDelay:  5 * time.Second,
				RetryMaxDelay:   2 * time.Minute,
				MaxTokensPerDay: 50_000,
			},
			ActiveHoursStart: 9,
			ActiveHoursEnd:   18,
			PauseOnErrors:    3,
			RequireSEOScore:  80,
			RequireWordCount: 1200,
		}
	case ModeAggressive:
		return Config{
			Mode: ModeAggressive,
			Config: job.Config{
				MaxPostsPerDay:  12,
				PublishInterval: 2 * time.Hour,
				MaxConcurrent:   4,
				JobTimeout:      10 * time.Minute,
				MaxRetries:      3,
				RetryBaseDelay:  2 * time.Second,
				RetryMaxDelay:   time.Minute,
				MaxTokensPerDay: 200_000,
				AutoPublish:     true,
			},
			// Always active.
			ActiveHoursStart: 0,
			ActiveHoursEnd:   0,
			PauseOnErrors:    5,
			RequireSEOScore:  60,
			RequireWordCount: 600,
		}
	default:
		return Config{
			Mode: ModeStandard,
			Config: job.Config{
				MaxPostsPerDay:  6,
				PublishInterval: 4 * time.Hour,
				MaxConcurrent:   2,
				JobTimeout:      10 * time.Minute,
				MaxRetries:      3,
				RetryBaseDelay:  2 * time.Second,
				RetryMaxDelay:   time.Minute,
				MaxTokensPerDay: 100_000,
			},
			ActiveHoursStart: 8,
			ActiveHoursEnd:   22,
			PauseOnErrors:    3,
			RequireSEOScore:  70,
			RequireWordCount: 800,
		}
	}
}

// WithDefaults normalizes a config, falling back to the standard preset
// for unset fields.
func (c Config) WithDefaults() Config {
	if !c.Mode.Valid() {
		c.Mode = ModeStandard
	}
	c.Config = c.Config.WithDefaults()
	if c.ActiveHoursStart < 0 || c.ActiveHoursStart > 23 {
		c.ActiveHoursStart = 0
	}
	if c.ActiveHoursEnd < 0 || c.ActiveHoursEnd > 23 {
		c.ActiveHoursEnd = 0
	}
	if c.PauseOnErrors <= 0 {
		c.PauseOnErrors = 3
	}
	return c
}

func withinActiveHours(hour, start, end int) bool {
	if start == end {
		return true
	}
	if start < end {
		return hour >= start && hour < end
	}
	// Window wraps past midnight.
	return hour >= start || hour < end
}
