// Package scheduler registers the engine's periodic tasks (per-kind
// evaluation, retry sweep, queue drain, retention cleanup) and triggers
// them on cron or interval schedules. Execution is delegated to
// internal/task/engine, which owns overlap guards and timeouts.
package scheduler
