// Package jobs runs one-shot announcement posts at their due time.
//
// The scheduler owns the live job table. It never writes to storage itself:
// callers persist Records() at their own checkpoints and hand the persisted
// records back to Restore on startup.
package jobs
