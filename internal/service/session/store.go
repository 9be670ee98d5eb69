// Package session captures transient per-request state for replay and
// provider stickiness.
//
// Writes are decoupled from the request path through a bounded queue with a
// single drain worker. A full queue applies backpressure to the caller rather
// than silently dropping captures, and a failed write is retried at most once.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/llm-relay/internal/domain"
)

const (
	// DefaultTTL keeps captures for the request lifetime plus a short
	// replay window.
	DefaultTTL = time.Hour
	// DefaultQueueSize bounds pending capture writes.
	DefaultQueueSize = 1024

	retryDelay = 100 * time.Millisecond
)

func sessionKey(id string) string { return "session:" + id }

type writeJob struct {
	key     string
	payload []byte
}

// Store is the Redis-backed SessionStore.
type Store struct {
	rdb   redis.Cmdable
	ttl   time.Duration
	queue chan writeJob

	// mu orders in-flight Save sends before Close's close(queue): savers
	// hold the read side while touching the queue.
	mu     sync.RWMutex
	closed bool

	closeOnce sync.Once
	drained   chan struct{}
}

// New constructs a Store and starts its drain worker. Zero ttl and queueSize
// use the defaults.
func New(rdb redis.Cmdable, ttl time.Duration, queueSize int) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	s := &Store{
		rdb:     rdb,
		ttl:     ttl,
		queue:   make(chan writeJob, queueSize),
		drained: make(chan struct{}),
	}
	go s.drain()
	return s
}

func (s *Store) drain() {
	defer close(s.drained)
	for job := range s.queue {
		s.write(job)
	}
}

func (s *Store) write(job writeJob) {
	// Drain runs detached from any request, so writes get their own deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.rdb.Set(ctx, job.key, job.payload, s.ttl).Err()
	if err == nil {
		return
	}
	// At most one retry; after that the capture is lost and logged.
	time.Sleep(retryDelay)
	if err = s.rdb.Set(ctx, job.key, job.payload, s.ttl).Err(); err != nil {
		slog.Warn("session capture write dropped after retry",
			slog.String("key", job.key), slog.Any("error", err))
	}
}

// Save enqueues a capture write. A full queue blocks until the worker frees a
// slot or ctx is cancelled.
func (s *Store) Save(ctx domain.Context, sess domain.ActiveSession) error {
	if sess.SessionID == "" {
		return fmt.Errorf("op=session.save: %w", domain.ErrInvalidArgument)
	}
	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("op=session.save: %w", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("op=session.save: store closed")
	}
	select {
	case s.queue <- writeJob{key: sessionKey(sess.SessionID), payload: payload}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("op=session.save: %w", ctx.Err())
	}
}

// Get loads a capture by session id.
func (s *Store) Get(ctx domain.Context, sessionID string) (domain.ActiveSession, error) {
	raw, err := s.rdb.Get(ctx, sessionKey(sessionID)).Bytes()
	if err == redis.Nil {
		return domain.ActiveSession{}, fmt.Errorf("op=session.get: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.ActiveSession{}, fmt.Errorf("op=session.get: %w", err)
	}
	var sess domain.ActiveSession
	if err := json.Unmarshal(raw, &sess); err != nil {
		return domain.ActiveSession{}, fmt.Errorf("op=session.get: %w", err)
	}
	return sess, nil
}

// LastProvider reports the provider that served the session's prior request,
// used by the selector for sticky routing.
func (s *Store) LastProvider(ctx domain.Context, sessionID string) (int64, bool) {
	sess, err := s.Get(ctx, sessionID)
	if err != nil || sess.ProviderID == 0 {
		return 0, false
	}
	return sess.ProviderID, true
}

// Close stops accepting writes and waits for the queue to drain. The write
// lock waits out every in-flight Save before the queue is closed.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.queue)
		s.mu.Unlock()
	})
	<-s.drained
}
