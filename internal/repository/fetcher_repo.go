package repository

import (
	"context"
	"errors"

	"github.com/user/listing-crawler/internal/entity"
)

var (
	ErrFetchTimeout     = errors.New("fetch timed out")
	ErrNavigationFailed = errors.New("navigation failed")
	ErrSessionClosed    = errors.New("session is closed")
)

// SessionFactory binds a lane identity to an actual network session (a browser
// profile or an HTTP client behind the lane's proxy).
type SessionFactory interface {
	Open(ctx context.Context, identity entity.Identity) (Session, error)
}

// Session performs fetches for exactly one lane. Implementations may assume
// Fetch is never called concurrently.
type Session interface {
	// Fetch navigates to job.URL. A returned error is an I/O failure of the
	// collaborator itself, never a detection.
	Fetch(ctx context.Context, job entity.FetchJob) (entity.RawFetchResult, error)
	// Close releases the browser or connection resources held by the session.
	Close() error
}
