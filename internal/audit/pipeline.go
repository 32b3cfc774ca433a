package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"medguard.org/internal/errs"
	"medguard.org/internal/ids"
	"medguard.org/internal/obs"
)

// ErrClosed is returned when submitting to a closed pipeline.
var ErrClosed = errors.New("audit pipeline closed")

const (
	DefaultQueueSize       = 4096
	DefaultBatchSize       = 100
	DefaultPHIEnqueueWait  = 250 * time.Millisecond
	defaultRetryBase       = 50 * time.Millisecond
	defaultRetryMax        = 5 * time.Second
	defaultIdleFlushPeriod = 200 * time.Millisecond
)

// Pipeline is the ordered, bounded ingestion queue in front of an
// EntryWriter. A single background consumer persists batches with retry.
//
// When the queue is full a non-PHI entry evicts the oldest queued non-PHI
// entry, or is dropped if only PHI entries are queued. PHI entries are never
// evicted; Submit blocks for them up to the PHI enqueue timeout and then
// fails.
type Pipeline struct {
	writer    EntryWriter
	log       logrus.FieldLogger
	now       func() time.Time
	size      int
	batchSize int
	phiWait   time.Duration
	retryBase time.Duration
	retryMax  time.Duration

	mu      sync.Mutex
	queue   []Entry
	closed  bool
	space   chan struct{} // closed and replaced whenever entries leave the queue
	wake    chan struct{}
	done    chan struct{}
	stopNow chan struct{}
	stopped sync.Once
}

type PipelineOption func(*Pipeline)

func WithQueueSize(n int) PipelineOption {
	return func(p *Pipeline) {
		if n > 0 {
			p.size = n
		}
	}
}

func WithBatchSize(n int) PipelineOption {
	return func(p *Pipeline) {
		if n > 0 {
			p.batchSize = n
		}
	}
}

// WithPHIEnqueueTimeout bounds how long Submit blocks for a PHI entry.
func WithPHIEnqueueTimeout(d time.Duration) PipelineOption {
	return func(p *Pipeline) {
		if d > 0 {
			p.phiWait = d
		}
	}
}

// WithRetryBackoff sets the first and the maximum delay between persist
// attempts.
func WithRetryBackoff(base, maxDelay time.Duration) PipelineOption {
	return func(p *Pipeline) {
		if base > 0 {
			p.retryBase = base
		}
		if maxDelay >= base {
			p.retryMax = maxDelay
		}
	}
}

func WithPipelineLogger(l logrus.FieldLogger) PipelineOption {
	return func(p *Pipeline) {
		if l != nil {
			p.log = l
		}
	}
}

func WithPipelineClock(fn func() time.Time) PipelineOption {
	return func(p *Pipeline) {
		if fn != nil {
			p.now = fn
		}
	}
}

// NewPipeline starts the consumer. Call Close to drain and stop it.
func NewPipeline(w EntryWriter, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		writer:    w,
		log:       obs.Component("audit"),
		now:       time.Now,
		size:      DefaultQueueSize,
		batchSize: DefaultBatchSize,
		phiWait:   DefaultPHIEnqueueWait,
		retryBase: defaultRetryBase,
		retryMax:  defaultRetryMax,
		space:     make(chan struct{}),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		stopNow:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	go p.consume()
	return p
}

// prepare fills the fields every stored entry must carry.
func (p *Pipeline) prepare(e Entry) Entry {
	if e.Timestamp.IsZero() {
		e.Timestamp = p.now().UTC()
	}
	if e.ID == "" {
		e.ID = ids.NewAt(e.Timestamp)
	}
	if e.CorrelationID == "" {
		e.CorrelationID = e.ID
	}
	if e.Seq <= 0 {
		e.Seq = 1
	}
	if e.EventCategory == "" {
		e.EventCategory = CategoryFor(e)
	}
	e.IdempotencyKey = e.Key()
	return e
}

// Submit queues e for asynchronous persistence and returns the stored form.
// It never blocks for non-PHI entries. For PHI entries it waits for queue
// space until the PHI enqueue timeout or ctx ends, then returns an error
// wrapping errs.ErrAuditWriteFailure.
func (p *Pipeline) Submit(ctx context.Context, e Entry) (Entry, error) {
	e = p.prepare(e)
	if !e.IsPHIAccess {
		return e, p.submitNormal(e)
	}

	var timer *time.Timer
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return e, fmt.Errorf("%w: %w", errs.ErrAuditWriteFailure, ErrClosed)
		}
		if len(p.queue) < p.size {
			p.pushLocked(e)
			p.mu.Unlock()
			return e, nil
		}
		space := p.space
		p.mu.Unlock()

		if timer == nil {
			timer = time.NewTimer(p.phiWait)
			defer timer.Stop()
		}
		select {
		case <-space:
		case <-timer.C:
			obs.AuditDropped.WithLabelValues("phi_timeout").Inc()
			return e, fmt.Errorf("%w: audit queue full for %s", errs.ErrAuditWriteFailure, p.phiWait)
		case <-ctx.Done():
			return e, fmt.Errorf("%w: %w", errs.ErrAuditWriteFailure, ctx.Err())
		}
	}
}

func (p *Pipeline) submitNormal(e Entry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	if len(p.queue) < p.size {
		p.pushLocked(e)
		return nil
	}
	for i, q := range p.queue {
		if q.IsPHIAccess {
			continue
		}
		p.queue = append(p.queue[:i], p.queue[i+1:]...)
		p.pushLocked(e)
		obs.AuditDropped.WithLabelValues("evicted").Inc()
		p.log.WithField("entry_id", q.ID).Warn("audit queue full, evicted oldest non-PHI entry")
		return nil
	}
	obs.AuditDropped.WithLabelValues("queue_full").Inc()
	p.log.WithField("entry_id", e.ID).Warn("audit queue full of PHI entries, dropped non-PHI entry")
	return nil
}

func (p *Pipeline) pushLocked(e Entry) {
	p.queue = append(p.queue, e)
	obs.AuditQueueDepth.Set(float64(len(p.queue)))
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// WriteSync persists e immediately, bypassing the queue. It is used where
// the caller must not proceed without a durable record, so an entry the
// store skipped as already present is a failure too.
func (p *Pipeline) WriteSync(ctx context.Context, e Entry) (Entry, error) {
	e = p.prepare(e)
	n, err := p.writer.Append(ctx, []Entry{e})
	if err != nil {
		return e, fmt.Errorf("%w: %w", errs.ErrAuditWriteFailure, err)
	}
	if n == 0 {
		return e, fmt.Errorf("%w: entry with key %s already stored", errs.ErrAuditWriteFailure, e.IdempotencyKey)
	}
	obs.AuditPersisted.Inc()
	return e, nil
}

// Len reports the number of queued entries.
func (p *Pipeline) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

func (p *Pipeline) take() []Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := min(len(p.queue), p.batchSize)
	if n == 0 {
		return nil
	}
	batch := make([]Entry, n)
	copy(batch, p.queue)
	p.queue = append(p.queue[:0], p.queue[n:]...)
	obs.AuditQueueDepth.Set(float64(len(p.queue)))
	close(p.space)
	p.space = make(chan struct{})
	return batch
}

func (p *Pipeline) consume() {
	defer close(p.done)
	ticker := time.NewTicker(defaultIdleFlushPeriod)
	defer ticker.Stop()
	for {
		for batch := p.take(); batch != nil; batch = p.take() {
			if !p.persist(batch) {
				return
			}
		}
		p.mu.Lock()
		closed := p.closed
		p.mu.Unlock()
		if closed {
			return
		}
		select {
		case <-p.wake:
		case <-ticker.C:
		case <-p.stopNow:
			return
		}
	}
}

// persist retries batch until it is written. It reports false if the
// pipeline was told to stop before the batch could be written.
func (p *Pipeline) persist(batch []Entry) bool {
	delay := p.retryBase
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		n, err := p.writer.Append(ctx, batch)
		cancel()
		if err == nil {
			obs.AuditPersisted.Add(float64(n))
			return true
		}
		obs.AuditRetries.Inc()
		p.log.WithError(err).WithFields(logrus.Fields{
			"attempt": attempt,
			"batch":   len(batch),
			"retry":   delay.String(),
		}).Warn("audit batch write failed")
		select {
		case <-time.After(delay):
		case <-p.stopNow:
			p.log.WithField("lost", len(batch)).Error("audit pipeline stopped with unwritten entries")
			return false
		}
		delay = min(delay*2, p.retryMax)
	}
}

// Close stops accepting entries and waits for the queue to drain. If ctx
// ends first the consumer is stopped and the remaining entries are lost,
// which is logged.
func (p *Pipeline) Close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.space)
		p.space = make(chan struct{})
	}
	p.mu.Unlock()
	select {
	case p.wake <- struct{}{}:
	default:
	}

	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		p.stopped.Do(func() { close(p.stopNow) })
		<-p.done
		if left := p.Len(); left > 0 {
			p.log.WithField("lost", left).Error("audit pipeline closed before drain")
		}
		return ctx.Err()
	}
}
