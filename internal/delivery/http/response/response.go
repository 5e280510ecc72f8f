package response

import (
	"time"

	"github.com/user/listing-crawler/internal/entity"
)

type SubmitRunResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	RunID   string `json:"run_id"`
}

// RunResponse is a DTO for a crawl run, mirroring entity.Run.
type RunResponse struct {
	ID           string     `json:"id"`
	Query        string     `json:"query"`
	Location     string     `json:"location,omitempty"`
	Status       string     `json:"status"` // QUEUED, RUNNING, or a terminal status
	ErrorMessage string     `json:"error_message,omitempty"`
	PagesFetched int        `json:"pages_fetched"`
	RecordsFound int        `json:"records_found"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

func NewRunResponse(r *entity.Run) RunResponse {
	return RunResponse{
		ID:           r.ID,
		Query:        r.Query,
		Location:     r.Location,
		Status:       string(r.Status),
		ErrorMessage: r.ErrorMessage,
		PagesFetched: r.PagesFetched,
		RecordsFound: r.RecordsFound,
		CreatedAt:    r.CreatedAt,
		StartedAt:    r.StartedAt,
		FinishedAt:   r.FinishedAt,
	}
}

type RecordsResponse struct {
	RunID   string          `json:"run_id"`
	Count   int             `json:"count"`
	Records []entity.Record `json:"records"`
}

type FailedJobResponse struct {
	URL           string    `json:"url"`
	PageIndex     int       `json:"page_index"`
	Verdict       string    `json:"verdict"`
	FailureReason string    `json:"failure_reason"`
	Attempts      int       `json:"attempts"`
	LastAttemptAt time.Time `json:"last_attempt_at"`
}

type FailedJobsResponse struct {
	RunID string              `json:"run_id"`
	Jobs  []FailedJobResponse `json:"jobs"`
}

func NewFailedJobsResponse(runID string, jobs []*entity.FailedJob) FailedJobsResponse {
	out := FailedJobsResponse{RunID: runID, Jobs: make([]FailedJobResponse, 0, len(jobs))}
	for _, j := range jobs {
		out.Jobs = append(out.Jobs, FailedJobResponse{
			URL:           j.URL,
			PageIndex:     j.PageIndex,
			Verdict:       j.Verdict,
			FailureReason: j.FailureReason,
			Attempts:      j.Attempts,
			LastAttemptAt: j.LastAttemptTimestamp,
		})
	}
	return out
}

type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}
