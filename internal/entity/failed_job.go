package entity

import "time"

// FailedJob mirrors the `failed_jobs` PostgreSQL table schema.
type FailedJob struct {
	ID                   int64
	RunID                string
	URL                  string
	PageIndex            int
	Verdict              string
	FailureReason        string
	Attempts             int
	LastAttemptTimestamp time.Time
}
