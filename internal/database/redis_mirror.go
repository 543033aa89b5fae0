package database

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis key layout for the position mirror
const (
	// positionKeyPrefix: core:position:{userID}:{positionID}
	positionKeyPrefix = "core:position"

	// positionListKeyPrefix: core:positions:{userID}:list
	positionListKeyPrefix = "core:positions"

	// positionMirrorTTL keeps mirrored state around well past any
	// realistic holding time so restarts always find it.
	positionMirrorTTL = 7 * 24 * time.Hour
)

// RedisPositionMirror is the fast half of the durable mirror: position
// snapshots written per dirty-flush so a crash between checkpoints
// loses at most one tick of state. When Redis is unavailable it falls
// back to an in-memory map so trading continues; the PostgreSQL
// checkpoint remains the mirror of last resort.
type RedisPositionMirror struct {
	client         *redis.Client
	fallback       map[string]*Position // key = "{userID}:{positionID}"
	fallbackMu     sync.RWMutex
	redisAvailable atomic.Bool
}

// NewRedisPositionMirror creates a mirror. A nil client means
// memory-only operation.
func NewRedisPositionMirror(client *redis.Client) *RedisPositionMirror {
	m := &RedisPositionMirror{
		client:   client,
		fallback: make(map[string]*Position),
	}

	if client != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := client.Ping(ctx).Err(); err != nil {
			log.Printf("[REDIS-MIRROR] Redis unavailable at startup: %v, using in-memory fallback", err)
			m.redisAvailable.Store(false)
		} else {
			log.Printf("[REDIS-MIRROR] Redis connected successfully")
			m.redisAvailable.Store(true)
		}
	} else {
		log.Printf("[REDIS-MIRROR] No Redis client provided, using in-memory fallback only")
		m.redisAvailable.Store(false)
	}

	return m
}

// Client returns the underlying Redis client, or nil in memory-only mode.
func (m *RedisPositionMirror) Client() *redis.Client { return m.client }

func (m *RedisPositionMirror) positionKey(userID, positionID string) string {
	return fmt.Sprintf("%s:%s:%s", positionKeyPrefix, userID, positionID)
}

func (m *RedisPositionMirror) listKey(userID string) string {
	return fmt.Sprintf("%s:%s:list", positionListKeyPrefix, userID)
}

func (m *RedisPositionMirror) fallbackKey(userID, positionID string) string {
	return userID + ":" + positionID
}

// Save mirrors one position snapshot.
func (m *RedisPositionMirror) Save(ctx context.Context, p *Position) error {
	if p == nil {
		return fmt.Errorf("cannot mirror nil position")
	}

	cp := *p
	m.fallbackMu.Lock()
	m.fallback[m.fallbackKey(p.UserID, p.ID)] = &cp
	m.fallbackMu.Unlock()

	if m.client == nil {
		return nil
	}

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal position %s: %w", p.ID, err)
	}

	pipe := m.client.TxPipeline()
	pipe.Set(ctx, m.positionKey(p.UserID, p.ID), data, positionMirrorTTL)
	pipe.SAdd(ctx, m.listKey(p.UserID), p.ID)
	pipe.Expire(ctx, m.listKey(p.UserID), positionMirrorTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		m.redisAvailable.Store(false)
		log.Printf("[REDIS-MIRROR] save failed for %s:%s: %v (fallback retains state)", p.UserID, p.ID, err)
		return nil
	}
	m.redisAvailable.Store(true)
	return nil
}

// Remove drops a closed position from the mirror.
func (m *RedisPositionMirror) Remove(ctx context.Context, userID, positionID string) error {
	m.fallbackMu.Lock()
	delete(m.fallback, m.fallbackKey(userID, positionID))
	m.fallbackMu.Unlock()

	if m.client == nil {
		return nil
	}

	pipe := m.client.TxPipeline()
	pipe.Del(ctx, m.positionKey(userID, positionID))
	pipe.SRem(ctx, m.listKey(userID), positionID)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[REDIS-MIRROR] remove failed for %s:%s: %v", userID, positionID, err)
	}
	return nil
}

// LoadUser returns all mirrored positions for a user. Redis is
// preferred; the in-memory fallback answers when Redis is down.
func (m *RedisPositionMirror) LoadUser(ctx context.Context, userID string) ([]*Position, error) {
	if m.client != nil && m.redisAvailable.Load() {
		ids, err := m.client.SMembers(ctx, m.listKey(userID)).Result()
		if err == nil {
			positions := make([]*Position, 0, len(ids))
			for _, id := range ids {
				raw, err := m.client.Get(ctx, m.positionKey(userID, id)).Result()
				if err != nil {
					// Entry expired or missing; drop it from the list.
					m.client.SRem(ctx, m.listKey(userID), id)
					continue
				}
				var p Position
				if err := json.Unmarshal([]byte(raw), &p); err != nil {
					log.Printf("[REDIS-MIRROR] corrupt mirror entry %s:%s: %v", userID, id, err)
					continue
				}
				positions = append(positions, &p)
			}
			return positions, nil
		}
		m.redisAvailable.Store(false)
		log.Printf("[REDIS-MIRROR] load failed for %s: %v, using fallback", userID, err)
	}

	m.fallbackMu.RLock()
	defer m.fallbackMu.RUnlock()
	var positions []*Position
	for key, p := range m.fallback {
		if len(key) > len(userID) && key[:len(userID)] == userID && key[len(userID)] == ':' {
			cp := *p
			positions = append(positions, &cp)
		}
	}
	return positions, nil
}

// Available reports whether Redis answered the last operation.
func (m *RedisPositionMirror) Available() bool {
	return m.redisAvailable.Load()
}
