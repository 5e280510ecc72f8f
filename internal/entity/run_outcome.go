package entity

import (
	"encoding/json"
	"sort"
	"time"
)

// RunStatus is the terminal (or current) state of a crawl run.
type RunStatus string

const (
	RunQueued           RunStatus = "QUEUED"
	RunRunning          RunStatus = "RUNNING"
	RunStoppedComplete  RunStatus = "STOPPED_COMPLETE"
	RunStoppedLimit     RunStatus = "STOPPED_LIMIT"
	RunStoppedExhausted RunStatus = "STOPPED_EXHAUSTED"
	RunAborted          RunStatus = "ABORTED"
	RunCancelled        RunStatus = "CANCELLED"
)

// Terminal reports whether no further work happens for the run.
func (s RunStatus) Terminal() bool {
	return s != RunQueued && s != RunRunning
}

// PageResult is a successful payload handed to the extraction collaborator.
type PageResult struct {
	PageIndex int       `json:"page_index"`
	URL       string    `json:"url"`
	RawBody   string    `json:"-"`
	LaneID    string    `json:"lane_id"`
	ProxyID   string    `json:"proxy_id"`
	FetchedAt time.Time `json:"fetched_at"`
}

// JobFailure records a job that was consumed without a payload.
type JobFailure struct {
	Job      FetchJob `json:"job"`
	Verdict  Verdict  `json:"verdict"`
	Attempts int      `json:"attempts"`
	Reason   string   `json:"reason"`
}

// RunOutcome is the terminal result of a run. Pages are sorted by PageIndex.
type RunOutcome struct {
	RunID       string          `json:"run_id"`
	Status      RunStatus       `json:"status"`
	Err         error           `json:"-"`
	Pages       []PageResult    `json:"pages"`
	Skipped     []JobFailure    `json:"skipped,omitempty"`
	ProxyHealth []ProxySnapshot `json:"proxy_health"`
	Fetches     int             `json:"fetches"`
	StartedAt   time.Time       `json:"started_at"`
	FinishedAt  time.Time       `json:"finished_at"`
}

// ErrorMessage returns the terminal error text, or "" for a clean run.
func (o *RunOutcome) ErrorMessage() string {
	if o == nil || o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

// MarshalJSON adds the terminal error text as "error".
func (o RunOutcome) MarshalJSON() ([]byte, error) {
	type plain RunOutcome
	return json.Marshal(struct {
		plain
		Error string `json:"error,omitempty"`
	}{plain(o), o.ErrorMessage()})
}

// SortPages orders pages by ascending PageIndex.
func SortPages(pages []PageResult) {
	sort.SliceStable(pages, func(i, j int) bool {
		return pages[i].PageIndex < pages[j].PageIndex
	})
}
