package audit

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/platinummonkey/tenantguard/pkg/authzerr"
	"github.com/platinummonkey/tenantguard/pkg/observability"
	"github.com/platinummonkey/tenantguard/pkg/principal"
	"github.com/platinummonkey/tenantguard/pkg/rbac"
)

// Sink is the append-only destination of audit events. A batch may be
// appended again after a failure, so readers deduplicate on EventID.
type Sink interface {
	Append(ctx context.Context, events []*Event) error
}

// Alerter receives audit_write_failed errors. It must not block.
type Alerter interface {
	Alert(ctx context.Context, err error)
}

// AlerterFunc adapts a function to Alerter
type AlerterFunc func(ctx context.Context, err error)

// Alert implements Alerter
func (f AlerterFunc) Alert(ctx context.Context, err error) { f(ctx, err) }

// LogAlerter raises alerts as error logs
func LogAlerter(logger *observability.Logger) Alerter {
	return AlerterFunc(func(_ context.Context, err error) {
		logger.WithError(err).WithField("kind", authzerr.KindAuditWriteFailed).Error("audit write failed")
	})
}

// Config tunes the emitter
type Config struct {
	// BufferSize bounds the events waiting for the flusher
	BufferSize int
	// BatchSize is the number of events written per Append
	BatchSize int
	// FlushInterval flushes partial batches
	FlushInterval time.Duration
	// RetryFor bounds the backoff of one flush
	RetryFor time.Duration
	// MaxPending bounds the events kept for retry after failed flushes
	MaxPending int
	// BackOff builds the retry policy of one flush
	BackOff func() backoff.BackOff

	Metrics *observability.Metrics
	Logger  *observability.Logger
}

// DefaultConfig returns default emitter settings
func DefaultConfig() Config {
	return Config{
		BufferSize:    4096,
		BatchSize:     100,
		FlushInterval: time.Second,
		RetryFor:      5 * time.Second,
		MaxPending:    10000,
	}
}

// Emitter buffers audit events and writes them in the background
type Emitter struct {
	sink    Sink
	alerter Alerter
	cfg     Config
	metrics *observability.Metrics
	logger  *observability.Logger
	now     func() time.Time

	events chan *Event

	mu       sync.RWMutex
	closed   bool
	closeCtx context.Context
	closing  chan struct{}
	done     chan struct{}

	// owned by the flusher goroutine
	pending []*Event
}

// NewEmitter creates an emitter and starts its flusher
func NewEmitter(sink Sink, alerter Alerter, cfg Config) *Emitter {
	def := DefaultConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.RetryFor <= 0 {
		cfg.RetryFor = def.RetryFor
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = def.MaxPending
	}
	if cfg.BackOff == nil {
		cfg.BackOff = func() backoff.BackOff { return backoff.NewExponentialBackOff() }
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.Discard()
	}
	if alerter == nil {
		alerter = LogAlerter(cfg.Logger)
	}

	e := &Emitter{
		sink:    sink,
		alerter: alerter,
		cfg:     cfg,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
		now:     time.Now,
		events:  make(chan *Event, cfg.BufferSize),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go e.run()
	return e
}

// RecordDecision records one authorization decision. It implements
// scope.Auditor.
func (e *Emitter) RecordDecision(ctx context.Context, p *principal.Principal, resource rbac.Resource, action rbac.Action, resourceID string, err error) {
	ev := NewEvent(ctx, p, string(action), string(resource), OutcomeOf(err))
	ev.ResourceID = resourceID
	if err != nil {
		ev.ErrorKind = string(authzerr.KindOf(err))
		ev.Message = err.Error()
	}
	e.Emit(ctx, ev)
}

// RecordMutation records a change after it was committed. The decision
// that allowed it is recorded separately and may precede a failed write.
func (e *Emitter) RecordMutation(ctx context.Context, p *principal.Principal, resource rbac.Resource, action rbac.Action, resourceID string, metadata map[string]interface{}) {
	ev := NewEvent(ctx, p, string(action), string(resource), OutcomeCommitted)
	ev.ResourceID = resourceID
	ev.Metadata = metadata
	e.Emit(ctx, ev)
}

// Record records an outcome for a principal
func (e *Emitter) Record(ctx context.Context, p *principal.Principal, action, resource string, outcome Outcome) {
	e.Emit(ctx, NewEvent(ctx, p, action, resource, outcome))
}

// Emit enqueues an event without blocking. When the buffer is full or the
// emitter is closed the event is dropped and audit_write_failed is alerted.
func (e *Emitter) Emit(ctx context.Context, ev *Event) {
	if ev == nil {
		return
	}
	ev.stamp(e.now())

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		e.drop(ctx, 1, authzerr.New(authzerr.KindAuditWriteFailed, "emitter closed, event %s dropped", ev.EventID))
		return
	}

	select {
	case e.events <- ev:
		e.metrics.SetAuditBufferDepth(len(e.events))
	default:
		e.drop(ctx, 1, authzerr.New(authzerr.KindAuditWriteFailed, "audit buffer full, event %s dropped", ev.EventID))
	}
}

func (e *Emitter) drop(ctx context.Context, n int, err error) {
	e.metrics.RecordAuditEvents("dropped", n)
	e.alerter.Alert(ctx, err)
}

// Close stops accepting events and drains the buffer into the sink. Events
// that cannot be written before ctx is done are alerted and dropped.
func (e *Emitter) Close(ctx context.Context) error {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		e.closeCtx = ctx
		close(e.closing)
	}
	e.mu.Unlock()

	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Emitter) run() {
	defer close(e.done)
	defer observability.RecoverPanic(e.logger, "audit flusher")

	ticker := time.NewTicker(e.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case ev := <-e.events:
			e.pending = append(e.pending, ev)
			if len(e.pending) >= e.cfg.BatchSize {
				e.flush(context.Background())
			}
		case <-ticker.C:
			e.flush(context.Background())
		case <-e.closing:
			e.drain()
			return
		}
	}
}

func (e *Emitter) drain() {
	for drained := false; !drained; {
		select {
		case ev := <-e.events:
			e.pending = append(e.pending, ev)
		default:
			drained = true
		}
	}

	e.mu.RLock()
	ctx := e.closeCtx
	e.mu.RUnlock()

	e.flush(ctx)
	if n := len(e.pending); n > 0 {
		e.drop(ctx, n, authzerr.New(authzerr.KindAuditWriteFailed, "%d audit events lost at shutdown", n))
		e.pending = nil
	}
}

// flush writes pending events batch by batch. The first batch that fails
// after retries stops the flush; it and everything after it stay pending.
func (e *Emitter) flush(ctx context.Context) {
	defer func() { e.metrics.SetAuditBufferDepth(len(e.events) + len(e.pending)) }()

	for len(e.pending) > 0 {
		n := min(len(e.pending), e.cfg.BatchSize)
		batch := e.pending[:n]

		if err := e.appendWithRetry(ctx, batch); err != nil {
			e.metrics.RecordAuditEvents("retry", n)
			e.alerter.Alert(ctx, authzerr.Wrap(authzerr.KindAuditWriteFailed, err, "audit batch kept for retry"))
			e.trimPending(ctx)
			return
		}

		e.metrics.RecordAuditEvents("written", n)
		e.pending = e.pending[n:]
	}
	e.pending = nil
}

func (e *Emitter) appendWithRetry(ctx context.Context, batch []*Event) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, e.sink.Append(ctx, batch)
	},
		backoff.WithBackOff(e.cfg.BackOff()),
		backoff.WithMaxElapsedTime(e.cfg.RetryFor),
		backoff.WithNotify(func(err error, next time.Duration) {
			e.logger.WithError(err).WithField("retry_in", next.String()).Warn("audit append failed")
		}),
	)
	return err
}

// trimPending drops the oldest events once the retry backlog exceeds its bound
func (e *Emitter) trimPending(ctx context.Context) {
	over := len(e.pending) - e.cfg.MaxPending
	if over <= 0 {
		return
	}
	e.pending = e.pending[over:]
	e.drop(ctx, over, authzerr.New(authzerr.KindAuditWriteFailed, "audit retry backlog full, %d events dropped", over))
}
