package repository

import (
	"context"
	"time"

	"github.com/user/listing-crawler/internal/entity"
)

// HealthStore keeps proxy health counters between runs.
type HealthStore interface {
	// Save stores the snapshots with the given expiry.
	Save(ctx context.Context, snapshots []entity.ProxySnapshot, expiry time.Duration) error
	// Load returns the stored snapshots for the given proxy IDs. Unknown IDs are omitted.
	Load(ctx context.Context, ids []string) ([]entity.ProxySnapshot, error)
}
