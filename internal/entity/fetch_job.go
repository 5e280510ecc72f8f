package entity

import (
	"strings"
	"time"
)

// FetchJob is one page request. It is immutable once enqueued.
type FetchJob struct {
	Query     string `json:"query"`
	PageIndex int    `json:"page_index"`
	URL       string `json:"url"`
}

// RawFetchResult is what the fetch collaborator observed for one navigation.
type RawFetchResult struct {
	StatusCode int
	Body       string
	Headers    map[string]string // keys are lower-cased
	FinalURL   string
	Duration   time.Duration
}

// Header returns a response header value by case-insensitive name.
func (r RawFetchResult) Header(name string) string {
	if r.Headers == nil {
		return ""
	}
	return r.Headers[strings.ToLower(name)]
}
