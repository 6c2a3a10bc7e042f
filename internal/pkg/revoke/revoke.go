package revoke

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "chatdesk:revoked:"

// Denylist 记录主体的"吊销时间点"（毫秒），在此之前签发的令牌一律失效。
type Denylist struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewDenylist 创建吊销表。ttl 应不小于令牌有效期，过期后记录自然清理。
func NewDenylist(rdb *redis.Client, ttl time.Duration) *Denylist {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Denylist{
		rdb: rdb,
		ttl: ttl,
	}
}

// RevokeBefore 吊销主体在 at（含）之前签发的全部令牌。
func (d *Denylist) RevokeBefore(ctx context.Context, kind, principalID string, at time.Time) error {
	if d == nil || d.rdb == nil || principalID == "" {
		return nil
	}
	if err := d.rdb.Set(ctx, key(kind, principalID), at.UnixMilli(), d.ttl).Err(); err != nil {
		return fmt.Errorf("revoke set: %w", err)
	}
	return nil
}

// IsRevoked 判断签发于 issuedAt 的令牌是否已被吊销。
func (d *Denylist) IsRevoked(ctx context.Context, kind, principalID string, issuedAt time.Time) (bool, error) {
	if d == nil || d.rdb == nil || principalID == "" {
		return false, nil
	}
	raw, err := d.rdb.Get(ctx, key(kind, principalID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("revoke get: %w", err)
	}
	cutoff, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return false, fmt.Errorf("revoke parse: %w", err)
	}
	return issuedAt.UnixMilli() <= cutoff, nil
}

func key(kind, principalID string) string {
	return keyPrefix + kind + ":" + principalID
}
