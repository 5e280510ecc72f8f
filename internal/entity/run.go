package entity

import "time"

// RunRequest is what a caller asks for when starting a crawl.
type RunRequest struct {
	Query      string `json:"query"`
	Location   string `json:"location"`
	MaxResults int    `json:"max_results"`
	MaxPages   int    `json:"max_pages"`
}

// Run mirrors the `crawl_runs` PostgreSQL table schema.
type Run struct {
	ID           string
	Query        string
	Location     string
	Status       RunStatus
	ErrorMessage string
	PagesFetched int
	RecordsFound int
	CreatedAt    time.Time
	StartedAt    *time.Time
	FinishedAt   *time.Time
}
