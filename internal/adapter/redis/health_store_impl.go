package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/user/listing-crawler/internal/entity"
	"github.com/user/listing-crawler/pkg/utils"
)

const proxyHealthPrefix = "crawler:proxy_health:"

// HealthStoreImpl provides a concrete implementation for the HealthStore interface using Redis.
type HealthStoreImpl struct {
	client redis.Cmdable
}

// NewHealthStore creates a new instance of HealthStoreImpl.
func NewHealthStore(client redis.Cmdable) *HealthStoreImpl {
	return &HealthStoreImpl{client: client}
}

// generateKey creates a consistent Redis key for a proxy by hashing its ID.
func (r *HealthStoreImpl) generateKey(id string) string {
	return fmt.Sprintf("%s%s", proxyHealthPrefix, utils.HashKey(id))
}

// Save stores every snapshot under its own key with the given expiry.
func (r *HealthStoreImpl) Save(ctx context.Context, snapshots []entity.ProxySnapshot, expiry time.Duration) error {
	if len(snapshots) == 0 {
		return nil
	}
	pipe := r.client.Pipeline()
	for _, s := range snapshots {
		data, err := json.Marshal(s)
		if err != nil {
			return err
		}
		pipe.SetEx(ctx, r.generateKey(s.ID), data, expiry)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Load returns the stored snapshots for the given IDs. Missing or expired keys are skipped.
func (r *HealthStoreImpl) Load(ctx context.Context, ids []string) ([]entity.ProxySnapshot, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.generateKey(id)
	}

	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	snaps := make([]entity.ProxySnapshot, 0, len(vals))
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var s entity.ProxySnapshot
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return nil, fmt.Errorf("decode proxy health: %w", err)
		}
		snaps = append(snaps, s)
	}
	return snaps, nil
}
