package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Najnomics/lvr-auction-avs/internal/domain"
)

// finalizedTTL bounds how long terminal task markers are kept. Tasks are
// short-lived relative to this, so expiry only reclaims memory, never
// reopens a live task.
const finalizedTTL = 7 * 24 * time.Hour

// FinalizedCache implements domain.FinalizedCache using plain Redis keys.
// A restarted aggregator consults it before re-running consensus for a task.
type FinalizedCache struct {
	rdb *redis.Client
}

// NewFinalizedCache creates a FinalizedCache backed by the given Client.
func NewFinalizedCache(c *Client) *FinalizedCache {
	return &FinalizedCache{rdb: c.Underlying()}
}

func finalizedKey(taskIndex uint32) string {
	return fmt.Sprintf("task:finalized:%d", taskIndex)
}

// MarkFinalized records the terminal status for a task index.
func (f *FinalizedCache) MarkFinalized(ctx context.Context, taskIndex uint32, status domain.TaskStatus) error {
	key := finalizedKey(taskIndex)
	if err := f.rdb.Set(ctx, key, string(status), finalizedTTL).Err(); err != nil {
		return fmt.Errorf("redis: mark finalized %d: %w", taskIndex, err)
	}
	return nil
}

// IsFinalized reports whether the task index has a recorded terminal status.
func (f *FinalizedCache) IsFinalized(ctx context.Context, taskIndex uint32) (bool, error) {
	_, err := f.rdb.Get(ctx, finalizedKey(taskIndex)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis: is finalized %d: %w", taskIndex, err)
	}
	return true, nil
}

// Compile-time interface check.
var _ domain.FinalizedCache = (*FinalizedCache)(nil)
