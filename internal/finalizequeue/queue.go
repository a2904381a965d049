// Package finalizequeue implements the durable at-least-once queue that
// drives external billing acknowledgement, with exponential
// backoff+jitter and a dead-letter sink. The worker-pool shape is
// adapted from internal/webhooks.Dispatcher; the retry/backoff formula
// is generalized to match base*2^attempt*(1±jitter) rather than the
// teacher's attempt^2 fixed delay.
package finalizequeue

import (
	"context"
	"fmt"
	"log"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/ocx/gateway/internal/circuitbreaker"
)

// Item is one unit of finalize work.
type Item struct {
	EntryID       string
	AccountID     string
	Amount        uint64
	CorrelationID string
	Attempt       int
	EnqueuedAt    time.Time
}

// Acknowledger is the external collaborator FinalizeQueue invokes —
// "BillingAcknowledger" in the design doc's external-interfaces section.
type Acknowledger interface {
	Finalize(ctx context.Context, entryID, accountID string, amount uint64, correlationID string) (status string, err error)
}

// StateUpdater is the narrow callback surface the queue needs back into
// the billing state machine, kept as an interface here so this package
// never imports billing (avoiding an import cycle — billing imports
// this package for Enqueue).
type StateUpdater interface {
	FinalizeAck(ctx context.Context, entryID string, status string) error
	FinalizeFail(ctx context.Context, entryID string, attempt int, reason string) error
	// Retry moves entryID from finalize_failed back to finalize_pending.
	// Must be called before re-driving the acknowledger on any attempt
	// past the first, or the subsequent FinalizeAck/FinalizeFail lands
	// on an illegal transition.
	Retry(ctx context.Context, entryID string) error
}

// Config tunes retry/backoff and dead-lettering.
type Config struct {
	Workers        int
	MaxAttempts    int
	BaseBackoff    time.Duration
	MaxBackoff     time.Duration
	JitterFraction float64 // e.g. 0.2 for ±20%
	QueueDepth     int
}

func defaultConfig(c Config) Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 6
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 2 * time.Minute
	}
	if c.JitterFraction <= 0 {
		c.JitterFraction = 0.2
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 1000
	}
	return c
}

// DeadLetter receives items that exhausted MaxAttempts.
type DeadLetter interface {
	Send(ctx context.Context, item Item, lastErr error)
}

// ChannelDeadLetter is a minimal DeadLetter for tests and small
// deployments: it buffers dead-lettered items on a channel and logs an
// alert.
type ChannelDeadLetter struct {
	items chan Item
	log   *log.Logger
}

func NewChannelDeadLetter(capacity int) *ChannelDeadLetter {
	return &ChannelDeadLetter{
		items: make(chan Item, capacity),
		log:   log.New(log.Writer(), "[DEADLETTER] ", log.LstdFlags),
	}
}

func (d *ChannelDeadLetter) Send(_ context.Context, item Item, lastErr error) {
	d.log.Printf("ALERT: entry %s dead-lettered after %d attempts: %v", item.EntryID, item.Attempt, lastErr)
	select {
	case d.items <- item:
	default:
		d.log.Printf("dead-letter buffer full, dropping record for entry %s", item.EntryID)
	}
}

func (d *ChannelDeadLetter) Items() <-chan Item { return d.items }

// Queue is the in-process backing store: a buffered channel plus a
// visibility-timeout-free worker pool (retries are rescheduled via
// time.AfterFunc rather than redelivery, since this backend is
// single-process). CloudTasksBackend in cloudtasks.go is the durable
// alternative for enqueueing.
type Queue struct {
	cfg        Config
	ack        Acknowledger
	stateUpd   StateUpdater
	deadLetter DeadLetter
	breaker    *circuitbreaker.CircuitBreaker
	logger     *log.Logger

	items chan Item
	wg    sync.WaitGroup

	closeOnce sync.Once
	done      chan struct{}
}

// New builds a Queue. breaker, if non-nil, guards every call to ack and
// trips on sustained acknowledger failures (the "finalize-ack" billing
// circuit breaker).
func New(ack Acknowledger, stateUpd StateUpdater, deadLetter DeadLetter, breaker *circuitbreaker.CircuitBreaker, cfg Config) *Queue {
	cfg = defaultConfig(cfg)
	if deadLetter == nil {
		deadLetter = NewChannelDeadLetter(1000)
	}
	q := &Queue{
		cfg:        cfg,
		ack:        ack,
		stateUpd:   stateUpd,
		deadLetter: deadLetter,
		breaker:    breaker,
		logger:     log.New(log.Writer(), "[FINALIZE] ", log.LstdFlags),
		items:      make(chan Item, cfg.QueueDepth),
		done:       make(chan struct{}),
	}
	for i := 0; i < cfg.Workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
	return q
}

// Depth reports the number of jobs currently buffered, for gauge metrics.
func (q *Queue) Depth() int {
	return len(q.items)
}

// Enqueue submits a new finalize job at attempt 1. Implements
// billing.FinalizeEnqueuer.
func (q *Queue) Enqueue(ctx context.Context, entryID, accountID string, amount uint64, correlationID string) error {
	item := Item{EntryID: entryID, AccountID: accountID, Amount: amount, CorrelationID: correlationID, Attempt: 1, EnqueuedAt: time.Now()}
	select {
	case q.items <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("finalize queue full")
	}
}

func (q *Queue) worker(id int) {
	defer q.wg.Done()
	for {
		select {
		case <-q.done:
			return
		case item, ok := <-q.items:
			if !ok {
				return
			}
			q.process(item)
		}
	}
}

func (q *Queue) process(item Item) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Every attempt past the first lands on an entry the previous
	// failure moved to finalize_failed; move it back to
	// finalize_pending before driving the acknowledger again, or the
	// ack/fail below hits an illegal transition.
	if item.Attempt > 1 {
		if rerr := q.stateUpd.Retry(ctx, item.EntryID); rerr != nil {
			q.logger.Printf("failed to mark %s pending for retry attempt %d: %v", item.EntryID, item.Attempt, rerr)
			q.deadLetter.Send(ctx, item, rerr)
			return
		}
	}

	status, err := q.finalize(ctx, item)
	if err == nil {
		if uerr := q.stateUpd.FinalizeAck(ctx, item.EntryID, status); uerr != nil {
			q.logger.Printf("failed to record finalize ack for %s: %v", item.EntryID, uerr)
		}
		return
	}

	q.logger.Printf("finalize attempt %d failed for %s: %v", item.Attempt, item.EntryID, err)
	if uerr := q.stateUpd.FinalizeFail(ctx, item.EntryID, item.Attempt, err.Error()); uerr != nil {
		q.logger.Printf("failed to record finalize failure for %s: %v", item.EntryID, uerr)
	}

	if item.Attempt >= q.cfg.MaxAttempts {
		q.deadLetter.Send(ctx, item, err)
		return
	}

	delay := backoffWithJitter(q.cfg.BaseBackoff, q.cfg.MaxBackoff, item.Attempt, q.cfg.JitterFraction)
	next := item
	next.Attempt++
	time.AfterFunc(delay, func() {
		select {
		case q.items <- next:
		case <-q.done:
		}
	})
}

// finalize drives the acknowledger through the breaker when one is
// configured, so repeated failures trip the finalize-ack circuit.
func (q *Queue) finalize(ctx context.Context, item Item) (string, error) {
	if q.breaker == nil {
		return q.ack.Finalize(ctx, item.EntryID, item.AccountID, item.Amount, item.CorrelationID)
	}
	result, err := q.breaker.ExecuteContext(ctx, func(ctx context.Context) (interface{}, error) {
		return q.ack.Finalize(ctx, item.EntryID, item.AccountID, item.Amount, item.CorrelationID)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// backoffWithJitter computes base*2^attempt*(1±jitter), capped at max.
func backoffWithJitter(base, max time.Duration, attempt int, jitterFraction float64) time.Duration {
	raw := float64(base) * math.Pow(2, float64(attempt))
	if raw > float64(max) {
		raw = float64(max)
	}
	jitter := (rand.Float64()*2 - 1) * jitterFraction * raw
	d := time.Duration(raw + jitter)
	if d < 0 {
		d = base
	}
	return d
}

// Shutdown stops accepting new rescheduled retries and waits for
// in-flight work to drain.
func (q *Queue) Shutdown() {
	q.closeOnce.Do(func() {
		close(q.done)
		close(q.items)
	})
	q.wg.Wait()
}
