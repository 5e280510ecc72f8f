package request

import "github.com/user/listing-crawler/internal/entity"

// CreateRunRequest is the body of POST /api/runs. Zero limits use the server defaults.
type CreateRunRequest struct {
	Query      string `json:"query"`
	Location   string `json:"location"`
	MaxResults int    `json:"max_results"`
	MaxPages   int    `json:"max_pages"`
}

func (r CreateRunRequest) ToEntity() entity.RunRequest {
	return entity.RunRequest{
		Query:      r.Query,
		Location:   r.Location,
		MaxResults: r.MaxResults,
		MaxPages:   r.MaxPages,
	}
}
