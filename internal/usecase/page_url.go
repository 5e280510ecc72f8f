package usecase

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/user/listing-crawler/internal/entity"
)

// PageURLBuilder turns a search into one URL per result page.
type PageURLBuilder struct {
	base *url.URL
	step int
}

// NewPageURLBuilder parses the search endpoint. step is the result offset between pages.
func NewPageURLBuilder(searchURL string, step int) (*PageURLBuilder, error) {
	u, err := url.ParseRequestURI(searchURL)
	if err != nil {
		return nil, fmt.Errorf("invalid search url: %w", err)
	}
	if step < 1 {
		return nil, fmt.Errorf("page offset step must be at least 1, got %d", step)
	}
	return &PageURLBuilder{base: u, step: step}, nil
}

// Build returns the URL of page pageIndex. Existing query parameters on the
// search URL are kept.
func (b *PageURLBuilder) Build(query, location string, pageIndex int) string {
	u := *b.base
	q := u.Query()
	q.Set("q", query)
	if location != "" {
		q.Set("l", location)
	}
	q.Set("start", strconv.Itoa(pageIndex*b.step))
	u.RawQuery = q.Encode()
	return u.String()
}

// Jobs returns the fetch jobs for pages 0..maxPages-1.
func (b *PageURLBuilder) Jobs(query, location string, maxPages int) []entity.FetchJob {
	jobs := make([]entity.FetchJob, 0, maxPages)
	for i := 0; i < maxPages; i++ {
		jobs = append(jobs, entity.FetchJob{
			Query:     query,
			PageIndex: i,
			URL:       b.Build(query, location, i),
		})
	}
	return jobs
}
