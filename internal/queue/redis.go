// Package queue provides message queue implementations.
package queue

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// Common errors
var (
	ErrMessageNotFound  = errors.New("message not found")
	ErrEnvelopeNotFound = errors.New("envelope not found")
	ErrQueueClosed      = errors.New("queue is closed")
)

// Message is the data one spool file and submission share across every
// envelope split off it: sender, body location, size. It carries no
// delivery status of its own — per spec's Task (msgid, sender,
// envelopes), completion is tracked per envelope, never per message.
type Message struct {
	ID          string    `json:"id"`
	Sender      string    `json:"sender"`
	MessagePath string    `json:"message_path"` // Path to message file on disk
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
}

// Envelope is one (message, recipient) delivery unit — the queue's
// evpid. Every core-to-queue outcome (OK/TEMPFAIL/PERMFAIL/LOOP/
// SCHEDULE) keys off exactly one Envelope.ID, never a whole message, so
// a message with several recipients in the same destination domain
// gets independent retry/backoff state per recipient instead of
// sharing one.
type Envelope struct {
	ID          string    `json:"id"`
	MessageID   string    `json:"message_id"`
	Sender      string    `json:"sender"`
	Rcpt        string    `json:"rcpt"`
	Domain      string    `json:"domain"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	LastAttempt time.Time `json:"last_attempt,omitempty"`
	NextAttempt time.Time `json:"next_attempt"`
	LastError   string    `json:"last_error,omitempty"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

// Status represents the envelope delivery status.
type Status string

const (
	StatusPending  Status = "pending"
	StatusSending  Status = "sending"
	StatusSent     Status = "sent"
	StatusFailed   Status = "failed"
	StatusDeferred Status = "deferred"
	StatusBounced  Status = "bounced"
)

// Config configures the Redis queue.
type Config struct {
	// RedisURL is the Redis connection URL.
	RedisURL string
	// Prefix is the key prefix for all queue keys.
	Prefix string
	// MaxRetries is the maximum delivery attempts.
	MaxRetries int
	// RetryMaxAge is the maximum time to retry before permanent failure.
	RetryMaxAge time.Duration
}

// DefaultConfig returns default queue configuration.
func DefaultConfig() Config {
	return Config{
		RedisURL:    "redis://localhost:6379/0",
		Prefix:      "mail",
		MaxRetries:  15,
		RetryMaxAge: 7 * 24 * time.Hour, // 7 days
	}
}

// RedisQueue implements a message queue using Redis.
type RedisQueue struct {
	client *redis.Client
	config Config
	closed int32 // atomic: 1 if closed, 0 if open

	// Graceful shutdown
	wg sync.WaitGroup
	mu sync.RWMutex
}

// NewRedisQueue creates a new Redis-backed message queue.
func NewRedisQueue(cfg Config) (*RedisQueue, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid Redis URL: %w", err)
	}

	// Configure connection pool for reliability
	opts.MaxRetries = 3
	opts.MinRetryBackoff = 100 * time.Millisecond
	opts.MaxRetryBackoff = 1 * time.Second
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second
	opts.PoolSize = 10
	opts.MinIdleConns = 5
	opts.MaxIdleConns = 10
	opts.ConnMaxIdleTime = 5 * time.Minute
	opts.ConnMaxLifetime = 30 * time.Minute
	opts.PoolTimeout = 4 * time.Second

	client := redis.NewClient(opts)

	// Test connection with retry
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var lastErr error
	for i := 0; i < 3; i++ {
		if err := client.Ping(ctx).Err(); err == nil {
			break
		} else {
			lastErr = err
			if i < 2 {
				time.Sleep(time.Duration(i+1) * time.Second)
			}
		}
	}
	if lastErr != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis after retries: %w", lastErr)
	}

	q := &RedisQueue{
		client: client,
		config: cfg,
		closed: 0,
	}

	// Start connection health monitor
	go q.healthMonitor()

	return q, nil
}

// Key helpers
func (q *RedisQueue) pendingKey() string    { return q.config.Prefix + ":queue:pending" }
func (q *RedisQueue) processingKey() string { return q.config.Prefix + ":queue:processing" }
func (q *RedisQueue) failedKey() string     { return q.config.Prefix + ":queue:failed" }
func (q *RedisQueue) sentKey() string       { return q.config.Prefix + ":queue:sent" }
func (q *RedisQueue) messageKey(id string) string {
	return q.config.Prefix + ":message:" + id
}
func (q *RedisQueue) envelopeKey(evpid string) string {
	return q.config.Prefix + ":envelope:" + evpid
}
func (q *RedisQueue) statsKey() string { return q.config.Prefix + ":stats" }

// healthMonitor periodically checks Redis connection health.
func (q *RedisQueue) healthMonitor() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		if atomic.LoadInt32(&q.closed) == 1 {
			return
		}

		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := q.client.Ping(ctx).Err()
			cancel()

			if err != nil {
				// Connection issue detected - Redis client will auto-reconnect
				// Log this in production
				_ = err
			}
		}
	}
}

// isClosed safely checks if the queue is closed.
func (q *RedisQueue) isClosed() bool {
	return atomic.LoadInt32(&q.closed) == 1
}

// validateContext ensures context is valid and queue is open.
func (q *RedisQueue) validateContext(ctx context.Context) error {
	if ctx == nil {
		return errors.New("context is nil")
	}
	if q.isClosed() {
		return ErrQueueClosed
	}
	return nil
}

// Enqueue stores msg once and creates one Envelope per recipient, each
// scheduled for immediate delivery under its own evpid (spec's TRANSFER:
// one envelope per recipient, not per message). Returns the evpids
// created, in recipient order.
func (q *RedisQueue) Enqueue(ctx context.Context, msg *Message, recipients []string) ([]string, error) {
	if err := q.validateContext(ctx); err != nil {
		return nil, err
	}

	q.wg.Add(1)
	defer q.wg.Done()

	if msg == nil {
		return nil, errors.New("message is nil")
	}
	if len(recipients) == 0 {
		return nil, errors.New("no recipients")
	}
	if msg.ID == "" {
		msg.ID = generateMessageID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	msgData, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}

	now := time.Now()
	evpids := make([]string, len(recipients))
	envelopes := make([]*Envelope, len(recipients))
	for i, rcpt := range recipients {
		env := &Envelope{
			ID:          generateEnvelopeID(),
			MessageID:   msg.ID,
			Sender:      msg.Sender,
			Rcpt:        rcpt,
			Domain:      domainOf(rcpt),
			MaxAttempts: q.config.MaxRetries,
			NextAttempt: now,
			Status:      StatusPending,
			CreatedAt:   now,
		}
		evpids[i] = env.ID
		envelopes[i] = env
	}

	// Use transaction to ensure atomicity with retry on transient errors
	maxRetries := 3
	for attempt := 0; attempt < maxRetries; attempt++ {
		pipe := q.client.TxPipeline()
		pipe.Set(ctx, q.messageKey(msg.ID), msgData, 0)
		for _, env := range envelopes {
			data, err := json.Marshal(env)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal envelope: %w", err)
			}
			pipe.Set(ctx, q.envelopeKey(env.ID), data, 0)
			pipe.ZAdd(ctx, q.pendingKey(), redis.Z{
				Score:  float64(env.NextAttempt.UnixNano()),
				Member: env.ID,
			})
		}
		pipe.HIncrBy(ctx, q.statsKey(), "enqueued", int64(len(envelopes)))

		_, err = pipe.Exec(ctx)
		if err == nil {
			return evpids, nil
		}

		// Check if error is transient
		if !isTransientRedisError(err) {
			return nil, fmt.Errorf("failed to enqueue envelopes: %w", err)
		}

		if attempt < maxRetries-1 {
			time.Sleep(time.Duration(attempt+1) * 100 * time.Millisecond)
		}
	}

	return nil, fmt.Errorf("failed to enqueue envelopes after %d retries: %w", maxRetries, err)
}

// Dequeue retrieves the next envelope ready for delivery.
// Returns nil if no envelopes are ready.
func (q *RedisQueue) Dequeue(ctx context.Context) (*Envelope, error) {
	if err := q.validateContext(ctx); err != nil {
		return nil, err
	}

	q.wg.Add(1)
	defer q.wg.Done()

	now := float64(time.Now().UnixNano())

	// Get envelopes that are ready (score <= now)
	results, err := q.client.ZRangeByScoreWithScores(ctx, q.pendingKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   fmt.Sprintf("%f", now),
		Count: 1,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to query pending queue: %w", err)
	}

	if len(results) == 0 {
		return nil, nil
	}

	evpid := results[0].Member.(string)

	// Atomically move to processing queue
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.pendingKey(), evpid)
	pipe.SAdd(ctx, q.processingKey(), evpid)

	_, err = pipe.Exec(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to move envelope to processing: %w", err)
	}

	// Get envelope data
	env, err := q.GetEnvelope(ctx, evpid)
	if err != nil {
		// Put it back atomically if we can't get the data
		rollbackPipe := q.client.TxPipeline()
		rollbackPipe.SRem(ctx, q.processingKey(), evpid)
		rollbackPipe.ZAdd(ctx, q.pendingKey(), redis.Z{
			Score:  results[0].Score,
			Member: evpid,
		})
		if _, rbErr := rollbackPipe.Exec(ctx); rbErr != nil {
			// Log rollback failure in production
			return nil, fmt.Errorf("failed to get envelope %s and rollback failed: %w (rollback error: %v)", evpid, err, rbErr)
		}
		return nil, err
	}

	env.Status = StatusSending
	env.Attempts++
	env.LastAttempt = time.Now()

	// Update envelope status
	if err := q.updateEnvelope(ctx, env); err != nil {
		// Attempt rollback
		rollbackPipe := q.client.TxPipeline()
		rollbackPipe.SRem(ctx, q.processingKey(), evpid)
		rollbackPipe.ZAdd(ctx, q.pendingKey(), redis.Z{
			Score:  results[0].Score,
			Member: evpid,
		})
		rollbackPipe.Exec(ctx)
		return nil, err
	}

	return env, nil
}

// Complete marks an envelope as successfully delivered.
func (q *RedisQueue) Complete(ctx context.Context, evpid string) error {
	if err := q.validateContext(ctx); err != nil {
		return err
	}

	q.wg.Add(1)
	defer q.wg.Done()

	env, err := q.GetEnvelope(ctx, evpid)
	if err != nil {
		return err
	}

	env.Status = StatusSent

	pipe := q.client.TxPipeline()
	pipe.SRem(ctx, q.processingKey(), evpid)
	pipe.ZAdd(ctx, q.sentKey(), redis.Z{
		Score:  float64(time.Now().UnixNano()),
		Member: evpid,
	})
	pipe.HIncrBy(ctx, q.statsKey(), "sent", 1)

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	pipe.Set(ctx, q.envelopeKey(evpid), data, 7*24*time.Hour) // Keep sent envelopes for 7 days

	_, err = pipe.Exec(ctx)
	return err
}

// Retry schedules an envelope for retry with exponential backoff.
func (q *RedisQueue) Retry(ctx context.Context, evpid string, lastError error) error {
	env, err := q.GetEnvelope(ctx, evpid)
	if err != nil {
		return err
	}

	env.LastError = lastError.Error()

	// Check if we should give up
	if env.Attempts >= env.MaxAttempts {
		return q.Fail(ctx, evpid, "max attempts exceeded")
	}

	// Check if envelope is too old
	if time.Since(env.CreatedAt) > q.config.RetryMaxAge {
		return q.Fail(ctx, evpid, "envelope expired")
	}

	// Calculate next retry time with exponential backoff + jitter
	env.NextAttempt = calculateNextRetry(env.Attempts)
	env.Status = StatusDeferred

	pipe := q.client.TxPipeline()
	pipe.SRem(ctx, q.processingKey(), evpid)
	pipe.ZAdd(ctx, q.pendingKey(), redis.Z{
		Score:  float64(env.NextAttempt.UnixNano()),
		Member: evpid,
	})
	pipe.HIncrBy(ctx, q.statsKey(), "retried", 1)

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	pipe.Set(ctx, q.envelopeKey(evpid), data, 0)

	_, err = pipe.Exec(ctx)
	return err
}

// Fail permanently fails an envelope (no more retries).
func (q *RedisQueue) Fail(ctx context.Context, evpid string, reason string) error {
	env, err := q.GetEnvelope(ctx, evpid)
	if err != nil {
		return err
	}

	env.Status = StatusFailed
	env.LastError = reason

	pipe := q.client.TxPipeline()
	pipe.SRem(ctx, q.processingKey(), evpid)
	pipe.ZAdd(ctx, q.failedKey(), redis.Z{
		Score:  float64(time.Now().UnixNano()),
		Member: evpid,
	})
	pipe.HIncrBy(ctx, q.statsKey(), "failed", 1)

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	pipe.Set(ctx, q.envelopeKey(evpid), data, 30*24*time.Hour) // Keep failed envelopes for 30 days

	_, err = pipe.Exec(ctx)
	return err
}

// Schedule requests immediate redelivery of a previously deferred
// envelope, used by the scheduler's hoststat replay (spec's SCHEDULE):
// once a host's error state clears, envelopes held back against it are
// worth retrying right away instead of waiting out their backoff.
func (q *RedisQueue) Schedule(ctx context.Context, evpid string) error {
	env, err := q.GetEnvelope(ctx, evpid)
	if err != nil {
		return fmt.Errorf("look up envelope for reschedule: %w", err)
	}

	env.NextAttempt = time.Now()
	env.Status = StatusPending
	if err := q.updateEnvelope(ctx, env); err != nil {
		return fmt.Errorf("reschedule envelope: %w", err)
	}

	z := redis.Z{Score: float64(env.NextAttempt.UnixNano()), Member: evpid}
	if _, err := q.client.ZAdd(ctx, q.pendingKey(), z).Result(); err != nil {
		return fmt.Errorf("requeue rescheduled envelope: %w", err)
	}
	return nil
}

// GetEnvelope retrieves an envelope by evpid.
func (q *RedisQueue) GetEnvelope(ctx context.Context, evpid string) (*Envelope, error) {
	data, err := q.client.Get(ctx, q.envelopeKey(evpid)).Bytes()
	if err == redis.Nil {
		return nil, ErrEnvelopeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get envelope: %w", err)
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}

	return &env, nil
}

// GetMessage retrieves the shared message data (sender, spool path) by
// message id, independent of any one envelope's delivery state.
func (q *RedisQueue) GetMessage(ctx context.Context, msgID string) (*Message, error) {
	data, err := q.client.Get(ctx, q.messageKey(msgID)).Bytes()
	if err == redis.Nil {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}

	return &msg, nil
}

// updateEnvelope updates envelope data in Redis.
func (q *RedisQueue) updateEnvelope(ctx context.Context, env *Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return q.client.Set(ctx, q.envelopeKey(env.ID), data, 0).Err()
}

// Stats returns queue statistics.
func (q *RedisQueue) Stats(ctx context.Context) (*QueueStats, error) {
	pipe := q.client.TxPipeline()
	pendingCmd := pipe.ZCard(ctx, q.pendingKey())
	processingCmd := pipe.SCard(ctx, q.processingKey())
	sentCmd := pipe.ZCard(ctx, q.sentKey())
	failedCmd := pipe.ZCard(ctx, q.failedKey())
	statsCmd := pipe.HGetAll(ctx, q.statsKey())

	_, err := pipe.Exec(ctx)
	if err != nil {
		return nil, err
	}

	stats := &QueueStats{
		Pending:    pendingCmd.Val(),
		Processing: processingCmd.Val(),
		Sent:       sentCmd.Val(),
		Failed:     failedCmd.Val(),
	}

	counters := statsCmd.Val()
	if v, ok := counters["enqueued"]; ok {
		fmt.Sscanf(v, "%d", &stats.TotalEnqueued)
	}
	if v, ok := counters["sent"]; ok {
		fmt.Sscanf(v, "%d", &stats.TotalSent)
	}
	if v, ok := counters["failed"]; ok {
		fmt.Sscanf(v, "%d", &stats.TotalFailed)
	}
	if v, ok := counters["retried"]; ok {
		fmt.Sscanf(v, "%d", &stats.TotalRetried)
	}

	return stats, nil
}

// QueueStats contains queue statistics.
type QueueStats struct {
	Pending       int64
	Processing    int64
	Sent          int64
	Failed        int64
	TotalEnqueued int64
	TotalSent     int64
	TotalFailed   int64
	TotalRetried  int64
}

// PendingCount returns the number of envelopes waiting for delivery.
func (q *RedisQueue) PendingCount(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.pendingKey()).Result()
}

// ProcessingCount returns the number of envelopes being processed.
func (q *RedisQueue) ProcessingCount(ctx context.Context) (int64, error) {
	return q.client.SCard(ctx, q.processingKey()).Result()
}

// RecoverStale moves envelopes stuck in processing back to pending.
// This handles cases where a worker crashed.
func (q *RedisQueue) RecoverStale(ctx context.Context, staleThreshold time.Duration) (int, error) {
	processing, err := q.client.SMembers(ctx, q.processingKey()).Result()
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, evpid := range processing {
		env, err := q.GetEnvelope(ctx, evpid)
		if err != nil {
			continue
		}

		// Check if envelope has been processing too long
		if time.Since(env.LastAttempt) > staleThreshold {
			// Move back to pending
			if err := q.Retry(ctx, evpid, errors.New("worker timeout")); err == nil {
				recovered++
			}
		}
	}

	return recovered, nil
}

// Cleanup removes old sent/failed envelopes.
func (q *RedisQueue) Cleanup(ctx context.Context, olderThan time.Duration) error {
	if err := q.validateContext(ctx); err != nil {
		return err
	}

	q.wg.Add(1)
	defer q.wg.Done()

	threshold := float64(time.Now().Add(-olderThan).UnixNano())

	// Remove old sent envelopes
	if err := q.client.ZRemRangeByScore(ctx, q.sentKey(), "-inf", fmt.Sprintf("%f", threshold)).Err(); err != nil {
		return fmt.Errorf("failed to cleanup sent envelopes: %w", err)
	}

	// Remove old failed envelopes
	if err := q.client.ZRemRangeByScore(ctx, q.failedKey(), "-inf", fmt.Sprintf("%f", threshold)).Err(); err != nil {
		return fmt.Errorf("failed to cleanup failed envelopes: %w", err)
	}

	return nil
}

// Close closes the Redis connection gracefully.
func (q *RedisQueue) Close() error {
	// Set closed flag atomically
	if !atomic.CompareAndSwapInt32(&q.closed, 0, 1) {
		// Already closed
		return nil
	}

	// Wait for in-flight operations to complete with timeout
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		// All operations completed
	case <-time.After(30 * time.Second):
		// Timeout - force close
		// Log timeout in production
	}

	return q.client.Close()
}

// isTransientRedisError checks if an error is transient and worth retrying.
func isTransientRedisError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	// Check for common transient errors
	return contains(errStr, "connection refused") ||
		contains(errStr, "timeout") ||
		contains(errStr, "connection reset") ||
		contains(errStr, "broken pipe") ||
		contains(errStr, "i/o timeout") ||
		contains(errStr, "network") ||
		contains(errStr, "EOF")
}

// contains checks if a string contains a substring (case-sensitive).
func contains(s, substr string) bool {
	return len(s) >= len(substr) && (s == substr || len(substr) == 0 ||
		func() bool {
			for i := 0; i <= len(s)-len(substr); i++ {
				if s[i:i+len(substr)] == substr {
					return true
				}
			}
			return false
		}())
}

// domainOf returns the lowercased domain part of an address, or "" if
// rcpt has no '@'.
func domainOf(rcpt string) string {
	at := strings.LastIndexByte(rcpt, '@')
	if at < 0 {
		return ""
	}
	return strings.ToLower(rcpt[at+1:])
}

// Helper functions

// calculateNextRetry calculates the next retry time with exponential backoff.
func calculateNextRetry(attempts int) time.Time {
	// Retry intervals: 5m, 15m, 30m, 1h, 2h, 4h, 8h, 16h, 24h, then every 24h
	intervals := []time.Duration{
		5 * time.Minute,
		15 * time.Minute,
		30 * time.Minute,
		1 * time.Hour,
		2 * time.Hour,
		4 * time.Hour,
		8 * time.Hour,
		16 * time.Hour,
		24 * time.Hour,
	}

	idx := attempts - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(intervals) {
		idx = len(intervals) - 1
	}

	base := intervals[idx]

	// Add jitter: +/- 5% (a spread of 10% of the base interval)
	jitterRange := int64(base / 10)
	if jitterRange > 0 {
		jitter := time.Duration(time.Now().UnixNano()%jitterRange) - time.Duration(jitterRange/2)
		base += jitter
	}

	return time.Now().Add(base)
}

// generateMessageID generates a unique message ID.
func generateMessageID() string {
	return newID()
}

// generateEnvelopeID generates a unique evpid, distinct from any
// message ID even when minted in the same instant.
func generateEnvelopeID() string {
	return newID()
}

func newID() string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		// Fallback to timestamp if crypto fails
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("%d-%s", time.Now().UnixNano(), hex.EncodeToString(b))
}
