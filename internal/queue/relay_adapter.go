package queue

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fenilsonani/mta-relay/internal/logging"
	"github.com/fenilsonani/mta-relay/internal/resilience"
)

// RelayAdapter implements relay.QueueClient on top of a RedisQueue,
// translating the scheduler's fire-and-forget outcome calls (spec §6:
// OK/Tempfail/Permfail/Loop/Schedule) into the durable queue's
// Complete/Retry/Fail/Schedule operations.
//
// The scheduler only ever calls these from its own single-threaded
// event loop and expects no result, so each call runs its queue
// operation inline, bounded by a 10-second timeout, and logs failures
// rather than returning them.
// Every Redis round trip goes through a CircuitBreaker: a down queue
// process is a collaborator-level failure distinct from the scheduler's
// own route-level penalty/suspension accounting, so it gets its own
// breaker rather than being folded into route admission.
type RelayAdapter struct {
	queue   *RedisQueue
	logger  *logging.Logger
	breaker *resilience.CircuitBreaker
}

// NewRelayAdapter wraps a RedisQueue for use as a relay.QueueClient.
func NewRelayAdapter(q *RedisQueue, logger *logging.Logger) *RelayAdapter {
	if logger == nil {
		logger = logging.Default()
	}
	return &RelayAdapter{
		queue:   q,
		logger:  logger.WithFields("component", "queue"),
		breaker: resilience.NewCircuitBreaker(resilience.DefaultConfig("queue-redis")),
	}
}

func (a *RelayAdapter) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}

// OK marks an envelope delivered.
func (a *RelayAdapter) OK(evpid string) {
	ctx, cancel := a.ctx()
	defer cancel()
	err := a.breaker.Execute(ctx, func(ctx context.Context) error {
		return a.queue.Complete(ctx, evpid)
	})
	if err != nil {
		a.logger.ErrorContext(ctx, "failed to mark envelope complete", err, "envelope_id", evpid)
	}
}

// Tempfail defers an envelope for retry, appending the penalty value
// the scheduler passes to the stored error text.
func (a *RelayAdapter) Tempfail(evpid string, penalty int, reason string) {
	ctx, cancel := a.ctx()
	defer cancel()
	err := a.breaker.Execute(ctx, func(ctx context.Context) error {
		return a.queue.Retry(ctx, evpid, errorWithPenalty(reason, penalty))
	})
	if err != nil {
		a.logger.ErrorContext(ctx, "failed to schedule envelope retry", err, "envelope_id", evpid)
	}
}

// Permfail permanently fails an envelope (a bounce should be generated
// upstream of the queue).
func (a *RelayAdapter) Permfail(evpid string, reason string) {
	ctx, cancel := a.ctx()
	defer cancel()
	err := a.breaker.Execute(ctx, func(ctx context.Context) error {
		return a.queue.Fail(ctx, evpid, reason)
	})
	if err != nil {
		a.logger.ErrorContext(ctx, "failed to permanently fail envelope", err, "envelope_id", evpid)
	}
}

// Loop permanently fails an envelope for a detected mail loop.
func (a *RelayAdapter) Loop(evpid string) {
	a.Permfail(evpid, "mail loop detected (Received header count exceeded)")
}

// Schedule requests immediate redelivery of a previously deferred
// envelope, used by the scheduler's hoststat replay (spec §8 scenario
// 5): once a host's error state clears, envelopes held back against it
// are worth retrying right away instead of waiting out their backoff.
func (a *RelayAdapter) Schedule(evpid string) {
	ctx, cancel := a.ctx()
	defer cancel()
	err := a.breaker.Execute(ctx, func(ctx context.Context) error {
		return a.queue.Schedule(ctx, evpid)
	})
	if err != nil {
		a.logger.ErrorContext(ctx, "failed to reschedule envelope", err, "envelope_id", evpid)
	}
}

// ReadBody returns the on-disk message body for msgID, the same file
// the teacher's readAndSignMessage read before handing it to the SMTP
// client. msgID is a message id, not an evpid: every envelope split
// off one message shares the same spool file. It satisfies
// internal/session's MessageSource interface.
func (a *RelayAdapter) ReadBody(ctx context.Context, msgID string) ([]byte, error) {
	var msg *Message
	err := a.breaker.Execute(ctx, func(ctx context.Context) error {
		m, err := a.queue.GetMessage(ctx, msgID)
		msg = m
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("look up message %s: %w", msgID, err)
	}
	data, err := os.ReadFile(msg.MessagePath)
	if err != nil {
		return nil, fmt.Errorf("read message body %s: %w", msg.MessagePath, err)
	}
	return data, nil
}

// errorWithPenalty formats a tempfail reason with the penalty value the
// scheduler passed, as stored in the envelope's last_error.
func errorWithPenalty(reason string, penalty int) error {
	return fmt.Errorf("%s (penalty=%d)", reason, penalty)
}
