package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/jmylchreest/livebridge/internal/config"
)

// PresenceRecord advertises a live session to other instances.
type PresenceRecord struct {
	SessionID     string    `json:"session_id"`
	Instance      string    `json:"instance"`
	StartTime     time.Time `json:"start_time"`
	LastChunkTime time.Time `json:"last_chunk_time"`
	ChunkCount    int64     `json:"chunk_count"`
	TotalSize     int64     `json:"total_size"`
}

// Presence mirrors active sessions into a store with expiry.
// Stream keys are secrets and are only ever stored hashed.
type Presence interface {
	Publish(ctx context.Context, streamKey string, rec PresenceRecord) error
	// Lookup returns nil without error when no record exists.
	Lookup(ctx context.Context, streamKey string) (*PresenceRecord, error)
	Remove(ctx context.Context, streamKey string) error
	Close() error
}

// NewPresence creates the presence store selected by cfg.Driver.
func NewPresence(ctx context.Context, cfg config.PresenceConfig) (Presence, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryPresence(cfg.TTL), nil
	case "redis":
		return NewRedisPresence(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown presence driver %q", cfg.Driver)
	}
}

// presenceKey hashes a stream key into a stable store key.
func presenceKey(streamKey string) string {
	sum := sha256.Sum256([]byte(streamKey))
	return hex.EncodeToString(sum[:])
}

// MemoryPresence is an in-process Presence for single-instance deployments.
type MemoryPresence struct {
	mu      sync.Mutex
	ttl     time.Duration
	records map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	rec       PresenceRecord
	expiresAt time.Time
}

// NewMemoryPresence creates an in-memory store. ttl <= 0 disables expiry.
func NewMemoryPresence(ttl time.Duration) *MemoryPresence {
	return &MemoryPresence{
		ttl:     ttl,
		records: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// Publish stores or refreshes rec.
func (m *MemoryPresence) Publish(_ context.Context, streamKey string, rec PresenceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := memoryEntry{rec: rec}
	if m.ttl > 0 {
		entry.expiresAt = m.now().Add(m.ttl)
	}
	m.records[presenceKey(streamKey)] = entry
	return nil
}

// Lookup returns the unexpired record for streamKey.
func (m *MemoryPresence) Lookup(_ context.Context, streamKey string) (*PresenceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := presenceKey(streamKey)
	entry, ok := m.records[key]
	if !ok {
		return nil, nil
	}
	if !entry.expiresAt.IsZero() && m.now().After(entry.expiresAt) {
		delete(m.records, key)
		return nil, nil
	}
	rec := entry.rec
	return &rec, nil
}

// Remove deletes the record for streamKey.
func (m *MemoryPresence) Remove(_ context.Context, streamKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, presenceKey(streamKey))
	return nil
}

// Close is a no-op.
func (m *MemoryPresence) Close() error {
	return nil
}

// RedisPresence stores presence records in Redis with a TTL.
// Suitable for multi-instance deployments behind a load balancer.
type RedisPresence struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// NewRedisPresence connects to Redis and verifies the connection.
func NewRedisPresence(ctx context.Context, cfg config.PresenceConfig) (*RedisPresence, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddress,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &RedisPresence{
		client:    client,
		keyPrefix: cfg.KeyPrefix,
		ttl:       cfg.TTL,
	}, nil
}

func (p *RedisPresence) key(streamKey string) string {
	return p.keyPrefix + presenceKey(streamKey)
}

// Publish stores or refreshes rec with the configured TTL.
func (p *RedisPresence) Publish(ctx context.Context, streamKey string, rec PresenceRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling presence record: %w", err)
	}
	if err := p.client.Set(ctx, p.key(streamKey), data, p.ttl).Err(); err != nil {
		return fmt.Errorf("publishing presence to redis: %w", err)
	}
	return nil
}

// Lookup returns the record for streamKey, or nil when absent.
func (p *RedisPresence) Lookup(ctx context.Context, streamKey string) (*PresenceRecord, error) {
	data, err := p.client.Get(ctx, p.key(streamKey)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading presence from redis: %w", err)
	}

	var rec PresenceRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshaling presence record: %w", err)
	}
	return &rec, nil
}

// Remove deletes the record for streamKey.
func (p *RedisPresence) Remove(ctx context.Context, streamKey string) error {
	if err := p.client.Del(ctx, p.key(streamKey)).Err(); err != nil {
		return fmt.Errorf("removing presence from redis: %w", err)
	}
	return nil
}

// Close closes the Redis client.
func (p *RedisPresence) Close() error {
	return p.client.Close()
}
