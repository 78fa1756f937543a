package dedup

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// MemoryClaimer holds claims in process.
type MemoryClaimer struct {
	mu     sync.Mutex
	claims map[string]time.Time
	now    func() time.Time
}

func NewMemoryClaimer() *MemoryClaimer {
	return &MemoryClaimer{claims: map[string]time.Time{}, now: time.Now}
}

func (m *MemoryClaimer) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if exp, ok := m.claims[key]; ok && now.Before(exp) {
		return false, nil
	}
	if len(m.claims) > 1024 {
		for k, exp := range m.claims {
			if !now.Before(exp) {
				delete(m.claims, k)
			}
		}
	}
	m.claims[key] = now.Add(ttl)
	return true, nil
}

func (m *MemoryClaimer) Release(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.claims, key)
	m.mu.Unlock()
	return nil
}

// Len returns the number of claims held, expired ones included.
func (m *MemoryClaimer) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.claims)
}

// RedisClaimer takes claims with SET NX PX so several processes sharing one
// Redis agree on who creates a record.
type RedisClaimer struct {
	client *redis.Client
	prefix string
	owner  string
}

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

func NewRedisClaimer(opt RedisOptions) (*RedisClaimer, error) {
	if strings.TrimSpace(opt.Addr) == "" {
		return nil, errors.New("redis addr is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     opt.Addr,
		Password: opt.Password,
		DB:       opt.DB,
	})
	return newRedisClaimer(rdb, opt.Prefix), nil
}

func newRedisClaimer(rdb *redis.Client, prefix string) *RedisClaimer {
	if prefix == "" {
		prefix = "herald:claim:"
	}
	return &RedisClaimer{client: rdb, prefix: prefix, owner: uuid.NewString()}
}

// Ping checks connectivity; used at startup.
func (r *RedisClaimer) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisClaimer) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, r.prefix+key, r.owner, ttl).Result()
}

// releaseScript deletes the key only while this process still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

func (r *RedisClaimer) Release(ctx context.Context, key string) error {
	err := releaseScript.Run(ctx, r.client, []string{r.prefix + key}, r.owner).Err()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

func (r *RedisClaimer) Close() error {
	return r.client.Close()
}
