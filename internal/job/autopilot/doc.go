// Package autopilot owns the timer set that drives recurring content
// generation: an interval trigger for the generation cycle, a once-daily
// summary/reset cycle, and a weekly maintenance slot.
//
// It layers failure policy on top of the runner: consecutive-error
// pausing with automatic recovery at day rollover, and an active-hours
// window outside which ticks are skipped.
package autopilot
