package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/cryo-specimen-server/internal/domain"
)

// SlotLocker serialises imports per slot id. The returned release func must
// be called exactly once.
type SlotLocker interface {
	Lock(ctx context.Context, slotID string) (release func(), err error)
}

// LocalSlotLocker is a keyed mutex for a single coordinator process
type LocalSlotLocker struct {
	mu    sync.Mutex
	slots map[string]*slotEntry
}

type slotEntry struct {
	ch      chan struct{}
	waiters int
}

// NewLocalSlotLocker creates an in-process slot locker
func NewLocalSlotLocker() *LocalSlotLocker {
	return &LocalSlotLocker{slots: make(map[string]*slotEntry)}
}

// Lock blocks until slotID is free or ctx is done
func (l *LocalSlotLocker) Lock(ctx context.Context, slotID string) (func(), error) {
	l.mu.Lock()
	entry, ok := l.slots[slotID]
	if !ok {
		entry = &slotEntry{ch: make(chan struct{}, 1)}
		l.slots[slotID] = entry
	}
	entry.waiters++
	l.mu.Unlock()

	select {
	case entry.ch <- struct{}{}:
	case <-ctx.Done():
		l.forget(slotID, entry)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-entry.ch
			l.forget(slotID, entry)
		})
	}, nil
}

func (l *LocalSlotLocker) forget(slotID string, entry *slotEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	entry.waiters--
	if entry.waiters == 0 {
		delete(l.slots, slotID)
	}
}

// releaseScript deletes the key only while it still holds our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisSlotLocker serialises imports across coordinator instances sharing one store
type RedisSlotLocker struct {
	client redis.UniversalClient
	ttl    time.Duration
	retry  time.Duration
	prefix string
	logger *logrus.Logger
}

// NewRedisSlotLocker creates a lock backed by SET NX PX. ttl bounds how long a
// crashed holder can block a slot.
func NewRedisSlotLocker(client redis.UniversalClient, ttl time.Duration, logger *logrus.Logger) *RedisSlotLocker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &RedisSlotLocker{
		client: client,
		ttl:    ttl,
		retry:  25 * time.Millisecond,
		prefix: "cryo:slot-lock:",
		logger: logger,
	}
}

// Lock polls until the key is acquired or ctx is done
func (r *RedisSlotLocker) Lock(ctx context.Context, slotID string) (func(), error) {
	key := r.prefix + slotID
	token := uuid.NewString()

	ticker := time.NewTicker(r.retry)
	defer ticker.Stop()

	for {
		ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &domain.TransientIOError{Op: "acquire slot lock", Err: err}
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// Release must run even when the request context is already cancelled
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := releaseScript.Run(releaseCtx, r.client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
				r.logger.WithFields(logrus.Fields{
					"slot_id": slotID,
					"error":   err,
				}).Warn("Failed to release slot lock, it will expire")
			}
		})
	}, nil
}

// NewSlotLocker builds the locker selected by the allocation config
func NewSlotLocker(cfg domain.AllocationConfig, client redis.UniversalClient, logger *logrus.Logger) (SlotLocker, error) {
	switch cfg.LockBackend {
	case "", domain.LockBackendLocal:
		return NewLocalSlotLocker(), nil
	case domain.LockBackendRedis:
		if client == nil {
			return nil, fmt.Errorf("lock backend %q requires a redis client", cfg.LockBackend)
		}
		return NewRedisSlotLocker(client, cfg.LockTTL, logger), nil
	}
	return nil, fmt.Errorf("unknown lock backend %q", cfg.LockBackend)
}
