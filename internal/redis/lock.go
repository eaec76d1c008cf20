package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// LockService provides short-lived distributed leases keyed by an arbitrary
// string, built on SET NX. The sync orchestrator uses it to guarantee that
// only one sync per (user, provider) pair is in flight across all server
// instances. Leases carry a TTL so a crashed holder cannot wedge a pair
// forever; the TTL should match the operation's wall-clock budget.
type LockService struct {
	client *Client
	logger *zap.Logger
}

// NewLockService creates a new lock service.
func NewLockService(client *Client, logger *zap.Logger) *LockService {
	return &LockService{
		client: client,
		logger: logger,
	}
}

// Acquire attempts to take the lease. Returns a non-empty release token on
// success, or empty when another holder owns the key.
func (s *LockService) Acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token := uuid.NewString()

	ok, err := s.client.rdb.SetNX(ctx, "lease:"+key, token, ttl).Result()
	if err != nil {
		return "", fmt.Errorf("redis setnx failed: %w", err)
	}
	if !ok {
		return "", nil
	}
	return token, nil
}

// releaseScript deletes the lease only if the caller still owns it, so a
// holder that overran its TTL cannot release the next holder's lease.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Release returns the lease. A stale token is a no-op.
func (s *LockService) Release(ctx context.Context, key, token string) error {
	if err := releaseScript.Run(ctx, s.client.rdb, []string{"lease:" + key}, token).Err(); err != nil {
		s.logger.Warn("lease release failed",
			zap.Error(err),
			zap.String("key", key),
		)
		return fmt.Errorf("redis lease release failed: %w", err)
	}
	return nil
}
