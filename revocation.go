package accounts

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/redis/go-redis/v9"
)

// KeyRevokedPrefix namespaces logout everywhere marks in redis
const KeyRevokedPrefix = "accounts:revoked:"

// RedisRevocationList keeps one mark per pseudo. Marks expire after the
// session TTL, by then every session issued before them has expired too.
type RedisRevocationList struct {
	client *redis.Client
	ttl    time.Duration
}

var _ RevocationList = (*RedisRevocationList)(nil)

// NewRedisClient connects to addr, which may be a host:port pair or a
// redis:// URL, and pings it
func NewRedisClient(ctx context.Context, addr string) (*redis.Client, error) {
	var opts *redis.Options
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		parsed, err := redis.ParseURL(addr)
		if err != nil {
			return nil, goerrors.Wrap(err, goerrors.CategoryBadInput, "failed to parse redis URL")
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: addr}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, goerrors.Wrap(err, goerrors.CategoryOperation, "failed to connect to redis")
	}

	return client, nil
}

// NewRedisRevocationList stores marks in client for ttl
func NewRedisRevocationList(client *redis.Client, ttl time.Duration) *RedisRevocationList {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &RedisRevocationList{client: client, ttl: ttl}
}

func (r *RedisRevocationList) Revoke(ctx context.Context, pseudo string, at time.Time) error {
	key := KeyRevokedPrefix + NormalizeIdentifier(pseudo)
	value := strconv.FormatInt(at.UTC().UnixNano(), 10)
	if err := r.client.Set(ctx, key, value, r.ttl).Err(); err != nil {
		return goerrors.Wrap(err, goerrors.CategoryOperation, "failed to store revocation")
	}
	return nil
}

func (r *RedisRevocationList) RevokedSince(ctx context.Context, pseudo string) (time.Time, bool, error) {
	key := KeyRevokedPrefix + NormalizeIdentifier(pseudo)

	raw, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, goerrors.Wrap(err, goerrors.CategoryOperation, "failed to read revocation")
	}

	nanos, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false, goerrors.Wrap(err, goerrors.CategoryInternal, "corrupt revocation mark").
			WithMetadata(map[string]any{"key": key})
	}

	return time.Unix(0, nanos).UTC(), true, nil
}

// MemoryRevocationList is a process local RevocationList for single node
// deployments and tests
type MemoryRevocationList struct {
	mu    sync.RWMutex
	marks map[string]time.Time
}

var _ RevocationList = (*MemoryRevocationList)(nil)

func NewMemoryRevocationList() *MemoryRevocationList {
	return &MemoryRevocationList{marks: map[string]time.Time{}}
}

func (m *MemoryRevocationList) Revoke(_ context.Context, pseudo string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marks[NormalizeIdentifier(pseudo)] = at.UTC()
	return nil
}

func (m *MemoryRevocationList) RevokedSince(_ context.Context, pseudo string) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	at, ok := m.marks[NormalizeIdentifier(pseudo)]
	return at, ok, nil
}
