// Package job defines the shared vocabulary of the execution engine:
// job types, statuses, results, the callable contract, and the
// engine-level execution config.
//
// The packages underneath (ratelimit, executor, runner, autopilot) depend
// on these types; nothing here depends back on them.
package job
