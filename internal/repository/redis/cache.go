package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/formscout/formscout/internal/config"
	"github.com/formscout/formscout/internal/domain"
)

// Cache provides Redis caching, the per-user task queues, and the mapper
// session store
type Cache struct {
	client *redis.Client
}

// Key prefixes for different cache types
const (
	PrefixAccess        = "access:"
	PrefixAgentQueue    = "agent:"
	PrefixMapperSession = "mapper:session:"
	PrefixDOM           = "mapper:dom:"
	PrefixScreenshot    = "mapper:screenshot:"
)

// Default TTLs
const (
	// AccessTTL bounds how stale a budget admission decision can be
	AccessTTL = 60 * time.Second

	// MapperSessionTTL reaps abandoned mapping sessions
	MapperSessionTTL = 24 * time.Hour

	// DOMBufferTTL covers the window between a DOM report and the next
	// mapper step that consumes it
	DOMBufferTTL = 1 * time.Hour

	// DefaultPollTimeout is the long-poll block on an empty task queue
	DefaultPollTimeout = 30 * time.Second
)

// ErrCASConflict means a compare-and-swap lost the race and should be retried
// against fresh state
var ErrCASConflict = errors.New("concurrent session modification")

// New creates a new Redis cache client
func New(cfg config.RedisConfig) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &Cache{client: client}, nil
}

// Close closes the Redis connection
func (c *Cache) Close() error {
	return c.client.Close()
}

// Health checks Redis connectivity
func (c *Cache) Health(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Client returns the underlying Redis client for advanced operations
func (c *Cache) Client() *redis.Client {
	return c.client
}

// Access snapshot caching. The budget gate caches its admission decision per
// company; the hot path (one check per AI call) rarely hits Postgres.

// AccessSnapshot is the cached result of a budget admission check
type AccessSnapshot struct {
	CompanyID   int64              `json:"company_id"`
	AccessModel domain.AccessModel `json:"access_model"`
	Allowed     bool               `json:"allowed"`
	DenialCode  string             `json:"denial_code,omitempty"`
	BudgetTotal float64            `json:"budget_total"`
	BudgetUsed  float64            `json:"budget_used"`
	CachedAt    time.Time          `json:"cached_at"`
}

// GetAccess retrieves a cached access snapshot; nil on miss
func (c *Cache) GetAccess(ctx context.Context, companyID int64) (*AccessSnapshot, error) {
	key := fmt.Sprintf("%s%d", PrefixAccess, companyID)
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}

	var snap AccessSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}

	return &snap, nil
}

// SetAccess caches an access snapshot
func (c *Cache) SetAccess(ctx context.Context, snap *AccessSnapshot) error {
	key := fmt.Sprintf("%s%d", PrefixAccess, snap.CompanyID)
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}

	return c.client.Set(ctx, key, data, AccessTTL).Err()
}

// InvalidateAccess drops the snapshot after usage is recorded; the next
// check re-reads the counters
func (c *Cache) InvalidateAccess(ctx context.Context, companyID int64) error {
	key := fmt.Sprintf("%s%d", PrefixAccess, companyID)
	return c.client.Del(ctx, key).Err()
}

// Per-user task queues. Tasks are serialized whole onto a FIFO list keyed by
// user; the agent long-polls with BRPOP.

func queueKey(userID int64) string {
	return fmt.Sprintf("%s%d", PrefixAgentQueue, userID)
}

// EnqueueTask pushes a task onto the user's queue
func (c *Cache) EnqueueTask(ctx context.Context, userID int64, task *domain.AgentTask) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}

	return c.client.LPush(ctx, queueKey(userID), data).Err()
}

// DequeueTask blocks up to timeout waiting for a task; nil on timeout
func (c *Cache) DequeueTask(ctx context.Context, userID int64, timeout time.Duration) (*domain.AgentTask, error) {
	if timeout <= 0 {
		timeout = DefaultPollTimeout
	}

	result, err := c.client.BRPop(ctx, timeout, queueKey(userID)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}

	// BRPop returns [key, value]
	var task domain.AgentTask
	if err := json.Unmarshal([]byte(result[1]), &task); err != nil {
		return nil, err
	}

	return &task, nil
}

// QueueDepth returns the number of pending tasks for a user
func (c *Cache) QueueDepth(ctx context.Context, userID int64) (int64, error) {
	return c.client.LLen(ctx, queueKey(userID)).Result()
}

// Mapper session store. Session records are JSON blobs mutated through
// compare-and-swap so two server replicas never interleave partial updates.

func mapperKey(sessionID string) string {
	return PrefixMapperSession + sessionID
}

// GetMapperSession retrieves a raw mapper session record; nil on miss
func (c *Cache) GetMapperSession(ctx context.Context, sessionID string) ([]byte, error) {
	data, err := c.client.Get(ctx, mapperKey(sessionID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

// PutMapperSession stores a mapper session record unconditionally (creation)
func (c *Cache) PutMapperSession(ctx context.Context, sessionID string, data []byte) error {
	return c.client.Set(ctx, mapperKey(sessionID), data, MapperSessionTTL).Err()
}

// UpdateMapperSession applies fn to the current record under WATCH. If the
// key changes between read and write the update returns ErrCASConflict and
// the caller re-reads. fn receives nil when the session does not exist.
func (c *Cache) UpdateMapperSession(ctx context.Context, sessionID string, fn func(current []byte) ([]byte, error)) error {
	key := mapperKey(sessionID)

	err := c.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, key).Bytes()
		if err != nil && err != redis.Nil {
			return err
		}
		if err == redis.Nil {
			current = nil
		}

		next, err := fn(current)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, MapperSessionTTL)
			return nil
		})
		return err
	}, key)

	if err == redis.TxFailedErr {
		return ErrCASConflict
	}
	return err
}

// DeleteMapperSession removes a mapper session and its buffers
func (c *Cache) DeleteMapperSession(ctx context.Context, sessionID string) error {
	return c.client.Del(ctx,
		mapperKey(sessionID),
		PrefixDOM+sessionID,
		PrefixScreenshot+sessionID,
	).Err()
}

// DOM and screenshot buffers, reported by the agent and consumed by the next
// mapper step

// SetDOM stores the latest DOM snapshot for a mapper session
func (c *Cache) SetDOM(ctx context.Context, sessionID string, dom []byte) error {
	return c.client.Set(ctx, PrefixDOM+sessionID, dom, DOMBufferTTL).Err()
}

// GetDOM retrieves the latest DOM snapshot; nil on miss
func (c *Cache) GetDOM(ctx context.Context, sessionID string) ([]byte, error) {
	data, err := c.client.Get(ctx, PrefixDOM+sessionID).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

// SetScreenshot stores the latest screenshot (base64) for a mapper session
func (c *Cache) SetScreenshot(ctx context.Context, sessionID string, img []byte) error {
	return c.client.Set(ctx, PrefixScreenshot+sessionID, img, DOMBufferTTL).Err()
}

// GetScreenshot retrieves the latest screenshot; nil on miss
func (c *Cache) GetScreenshot(ctx context.Context, sessionID string) ([]byte, error) {
	data, err := c.client.Get(ctx, PrefixScreenshot+sessionID).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

// Generic caching methods

// Get retrieves a value from cache; nil on miss
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

// Set stores a value in cache
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

// Delete removes a value from cache
func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}
