package audit

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/rendis/prodtrack/internal/engine"
	"github.com/rendis/prodtrack/internal/expressions"
	"github.com/rendis/prodtrack/internal/identity"
	"github.com/rendis/prodtrack/internal/logging"
	"github.com/rendis/prodtrack/internal/store"
	"github.com/rendis/prodtrack/internal/validation"
	"github.com/rendis/prodtrack/pkg/schema"
)

// Sink is the circuit breaker key for activity writes.
const Sink = "activity"

// Defaults for background writes. PoolSize bounds concurrent store writes;
// QueueSize bounds events waiting for a free writer.
const (
	DefaultPoolSize  = 4
	DefaultQueueSize = 4096
)

// Config holds the audit log's collaborators. Store is required.
type Config struct {
	Store     store.ActivityStore
	Validator validation.Validator
	PoolSize  int
	QueueSize int
	Retry     *engine.RetryPolicy
	Breaker   *engine.CircuitBreakerConfig
	Clock     clock.Clock
	Logger    *slog.Logger
}

// queuedEvent is a background write waiting for a pool slot.
type queuedEvent struct {
	ctx   context.Context
	event *store.ActivityEvent
}

// Log is the append-only activity log. RecordEvent writes in the background
// and never reports failure to its caller; Append writes synchronously.
type Log struct {
	store      store.ActivityStore
	validator  validation.Validator
	pool       *engine.WorkerPool
	queue      chan queuedEvent
	pending    sync.WaitGroup
	dispatched chan struct{}
	closeMu    sync.RWMutex
	closed     bool
	retry      engine.RetryPolicy
	breakers   *engine.CircuitBreakerRegistry
	filters    *expressions.ExprEngine
	clock      clock.Clock
	logger     *slog.Logger

	written atomic.Int64
	failed  atomic.Int64
	dropped atomic.Int64
}

// New creates a Log. Call Close to drain pending background writes.
func New(cfg Config) *Log {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = DefaultPoolSize
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	retry := engine.DefaultRetryPolicy()
	if cfg.Retry != nil {
		retry = *cfg.Retry
	}
	cbConfig := engine.DefaultCircuitBreakerConfig()
	if cfg.Breaker != nil {
		cbConfig = *cfg.Breaker
	}
	if cbConfig.Clock == nil {
		cbConfig.Clock = cfg.Clock
	}

	l := &Log{
		store:      cfg.Store,
		validator:  cfg.Validator,
		pool:       engine.NewWorkerPool(cfg.PoolSize).WithLogger(cfg.Logger),
		queue:      make(chan queuedEvent, cfg.QueueSize),
		dispatched: make(chan struct{}),
		retry:      retry,
		breakers:   engine.NewCircuitBreakerRegistry(cbConfig),
		filters:    expressions.NewExprEngine(),
		clock:      cfg.Clock,
		logger:     cfg.Logger,
	}
	go l.dispatch()
	return l
}

// ErrQueueFull is logged when a background event cannot be queued.
var ErrQueueFull = errors.New("audit queue is full")

// RecordEvent queues event for writing and returns immediately. Events wait
// in a bounded queue while every writer is busy; only an overflowing queue
// drops them. Write failures, including an open circuit, are logged and
// counted, never returned.
func (l *Log) RecordEvent(ctx context.Context, event *store.ActivityEvent) {
	if event == nil {
		return
	}
	ev := l.prepare(event)

	// The write outlives the request that triggered it.
	item := queuedEvent{ctx: context.WithoutCancel(ctx), event: ev}

	l.closeMu.RLock()
	err := ErrQueueFull
	if l.closed {
		err = engine.ErrPoolShutdown
	} else {
		l.pending.Add(1)
		select {
		case l.queue <- item:
			err = nil
		default:
			l.pending.Done()
		}
	}
	l.closeMu.RUnlock()

	if err != nil {
		l.dropped.Add(1)
		logging.LogWith(ctx, l.logger).ErrorContext(ctx, "audit event dropped",
			"action", ev.Action, "subject_id", ev.SubjectID, "error", err)
	}
}

// dispatch hands queued events to the pool, blocking while it is saturated.
func (l *Log) dispatch() {
	defer close(l.dispatched)
	for item := range l.queue {
		ev := item.event
		err := l.pool.Submit(item.ctx, func(ctx context.Context) error {
			defer l.pending.Done()
			return l.write(ctx, ev)
		})
		if err != nil {
			l.pending.Done()
			l.dropped.Add(1)
			logging.LogWith(item.ctx, l.logger).ErrorContext(item.ctx, "audit event dropped",
				"action", ev.Action, "subject_id", ev.SubjectID, "error", err)
		}
	}
}

// RecordRequest is an activity event submitted by an external caller.
type RecordRequest struct {
	ActorID        string         `json:"actorId"`
	DisplayName    string         `json:"displayName,omitempty"`
	SubjectType    string         `json:"subjectType,omitempty"`
	SubjectID      string         `json:"subjectId"`
	Action         string         `json:"action"`
	Timestamp      *time.Time     `json:"timestamp,omitempty"`
	DurationMs     *int64         `json:"durationMs,omitempty"`
	PreviousValues map[string]any `json:"previousValues,omitempty"`
	NewValues      map[string]any `json:"newValues,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// Append validates req and writes it synchronously, returning the stored
// event. A missing display name is resolved from the actor's history.
func (l *Log) Append(ctx context.Context, req RecordRequest) (*store.ActivityEvent, error) {
	if l.validator != nil {
		if err := l.validator.ValidateActivity(req); err != nil {
			return nil, err
		}
	}
	actor, err := identity.Resolve(ctx, l.store, schema.Actor{ID: req.ActorID, DisplayName: req.DisplayName})
	if err != nil {
		return nil, err
	}

	ev := &store.ActivityEvent{
		Actor:          actor,
		SubjectType:    strings.TrimSpace(req.SubjectType),
		SubjectID:      strings.TrimSpace(req.SubjectID),
		Action:         strings.TrimSpace(req.Action),
		DurationMs:     req.DurationMs,
		PreviousValues: req.PreviousValues,
		NewValues:      req.NewValues,
		Metadata:       req.Metadata,
	}
	if req.Timestamp != nil {
		ev.Timestamp = req.Timestamp.UTC()
	}
	ev = l.prepare(ev)

	if err := l.write(ctx, ev); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeAuditWriteFailed,
			"failed to record %q for %s", ev.Action, ev.SubjectID).WithCause(err)
	}
	return ev, nil
}

// prepare copies event and fills its ID and timestamp.
func (l *Log) prepare(event *store.ActivityEvent) *store.ActivityEvent {
	ev := *event
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = l.clock.Now().UTC()
	}
	return &ev
}

func (l *Log) write(ctx context.Context, ev *store.ActivityEvent) error {
	logger := logging.LogWith(ctx, l.logger)

	if err := l.breakers.AllowRequest(Sink); err != nil {
		l.failed.Add(1)
		logger.ErrorContext(ctx, "audit write skipped",
			"action", ev.Action, "subject_id", ev.SubjectID, "error", err)
		return err
	}

	err := engine.Retry(ctx, l.clock, l.retry, func(ctx context.Context) error {
		return l.store.AppendActivity(ctx, ev)
	}, func(err error, wait time.Duration) {
		logger.WarnContext(ctx, "audit write retry",
			"action", ev.Action, "subject_id", ev.SubjectID, "wait", wait, "error", err)
	})
	if err != nil {
		l.failed.Add(1)
		state := l.breakers.RecordFailure(Sink)
		logger.ErrorContext(ctx, "audit write failed",
			"action", ev.Action, "subject_id", ev.SubjectID, "circuit", state.String(), "error", err)
		return err
	}

	l.breakers.RecordSuccess(Sink)
	l.written.Add(1)
	return nil
}

// Query returns events matching filter, newest first.
func (l *Log) Query(ctx context.Context, filter store.ActivityFilter) ([]*store.ActivityEvent, error) {
	return l.store.ListActivity(ctx, filter, store.SortDescending)
}

// Timeline returns the history of one subject, oldest first. filter narrows
// by actor, action and date range; its SubjectID is overridden.
func (l *Log) Timeline(ctx context.Context, subjectID string, filter store.ActivityFilter) ([]*store.ActivityEvent, error) {
	subjectID = strings.TrimSpace(subjectID)
	if subjectID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "subjectId is required").
			WithDetails(map[string]any{"violations": []schema.FieldViolation{{Field: "subjectId", Message: "is required"}}})
	}
	filter.SubjectID = subjectID
	return l.store.ListActivity(ctx, filter, store.SortAscending)
}

// Wait blocks until queued background writes finish.
func (l *Log) Wait() {
	l.pending.Wait()
	l.pool.Wait()
}

// Close stops accepting background writes and drains the queue.
func (l *Log) Close() {
	l.closeMu.Lock()
	if l.closed {
		l.closeMu.Unlock()
		return
	}
	l.closed = true
	close(l.queue)
	l.closeMu.Unlock()

	<-l.dispatched
	l.pool.Shutdown()
}

// Metrics is a snapshot of audit write health.
type Metrics struct {
	Pool    engine.PoolMetrics `json:"pool"`
	Queued  int                `json:"queued"`
	Written int64              `json:"written"`
	Failed  int64              `json:"failed"`
	Dropped int64              `json:"dropped"`
	Circuit map[string]any     `json:"circuit"`
}

// Metrics returns current counters.
func (l *Log) Metrics() Metrics {
	return Metrics{
		Pool:    l.pool.Metrics(),
		Queued:  len(l.queue),
		Written: l.written.Load(),
		Failed:  l.failed.Load(),
		Dropped: l.dropped.Load(),
		Circuit: l.breakers.GetStats(Sink),
	}
}

var _ engine.AuditRecorder = (*Log)(nil)
