package runtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/conclave-run/conclave/internal/errs"
	"github.com/conclave-run/conclave/internal/format"
	"github.com/conclave-run/conclave/internal/idgen"
	"github.com/conclave-run/conclave/internal/processors"
	"github.com/conclave-run/conclave/internal/queue"
	"github.com/conclave-run/conclave/internal/threadstate"
	"github.com/conclave-run/conclave/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracer emits one span per claimed event (spec §4's domain-stack table:
// "span per claimed event, matching teacher's OTEL wiring"). The runtime
// package only uses the global TracerProvider; nothing in this module
// installs a concrete exporter, so spans are dropped unless the embedding
// program registers one.
var tracer = otel.Tracer("github.com/conclave-run/conclave/internal/runtime")

var (
	eventsProcessedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "conclave_events_processed_total",
		Help: "Events the worker pool finished processing, by event type and outcome.",
	}, []string{"event_type", "outcome"})
	eventProcessingSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name: "conclave_event_processing_seconds",
		Help: "Time spent in processors.Dispatch per event, by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(eventsProcessedTotal, eventProcessingSeconds)
}

// PoolConfig tunes the worker pool (spec §5's scheduling model), defaulted
// from internal/config.QueueConfig by the caller.
type PoolConfig struct {
	WorkerID        string
	WorkerPoolSize  int
	PollInterval    time.Duration
	LeaseDuration   time.Duration
	ReapInterval    time.Duration
	PriorityClasses []string
}

// workerPool runs PoolConfig.WorkerPoolSize independent claim/process loops
// against a shared queue.Store, each serializing its claimed thread under a
// threadstate.ThreadLocker before dispatching to the processor registry
// (spec §5's pseudocode: claim, acquire thread lease, process, append,
// complete, release), grounded in the teacher's tasks.Scheduler
// acquire-loop/semaphore pattern but with one loop per worker slot rather
// than a shared semaphore, matching spec §5's "each worker runs an
// independent loop."
type workerPool struct {
	queue   queue.Store
	locker  threadstate.ThreadLocker
	deps    *processors.Deps
	procs   *ProcessorRegistry
	bus     *eventBus
	tracker *traceTracker
	config  PoolConfig
	logger  *slog.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func newWorkerPool(q queue.Store, locker threadstate.ThreadLocker, deps *processors.Deps, procs *ProcessorRegistry, bus *eventBus, tracker *traceTracker, cfg PoolConfig, logger *slog.Logger) *workerPool {
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = 8
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 30 * time.Second
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &workerPool{
		queue:   q,
		locker:  locker,
		deps:    deps,
		procs:   procs,
		bus:     bus,
		tracker: tracker,
		config:  cfg,
		logger:  logger.With("component", "worker-pool"),
	}
}

func (p *workerPool) start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	workerID := p.config.WorkerID
	if workerID == "" {
		workerID = idgen.NewULID()
	}
	for i := 0; i < p.config.WorkerPoolSize; i++ {
		p.wg.Add(1)
		go p.workerLoop(ctx, workerID, i)
	}

	p.wg.Add(1)
	go p.reapLoop(ctx)
}

func (p *workerPool) stop(ctx context.Context) {
	if p.cancel != nil {
		p.cancel()
	}
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		p.logger.Warn("timeout waiting for workers to drain")
	}
}

// workerLoop is the per-worker claim/process cycle (spec §5's pseudocode).
// Workers drain cooperatively: on cancellation the loop finishes its current
// event (if any) and does not claim another (spec §5 "Cancellation").
func (p *workerPool) workerLoop(ctx context.Context, workerID string, slot int) {
	defer p.wg.Done()
	id := workerID
	if slot > 0 {
		id = workerID + "-" + itoa(slot)
	}

	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.claimAndProcess(ctx, id)
		}
	}
}

func (p *workerPool) claimAndProcess(ctx context.Context, workerID string) {
	event, err := p.queue.Claim(ctx, workerID, p.config.PriorityClasses, p.config.LeaseDuration)
	if err != nil {
		p.logger.Error("claim failed", "worker_id", workerID, "error", err)
		return
	}
	if event == nil {
		return
	}

	if err := p.locker.Lock(ctx, event.ThreadID); err != nil {
		p.logger.Error("thread lock failed", "worker_id", workerID, "thread_id", event.ThreadID, "error", err)
		_ = p.queue.Fail(ctx, event.ID, workerID, err, true)
		return
	}
	defer p.locker.Unlock(event.ThreadID)

	p.processEvent(ctx, workerID, event)
}

func (p *workerPool) processEvent(ctx context.Context, workerID string, event *models.Event) {
	ctx, span := tracer.Start(ctx, "processEvent", trace.WithAttributes(
		attribute.String("event.id", event.ID),
		attribute.String("event.type", string(event.Type)),
		attribute.String("worker.id", workerID),
	))
	defer span.End()

	started := time.Now()
	result, procErr := p.procs.Dispatch(ctx, event, p.deps)
	elapsed := time.Since(started)
	eventProcessingSeconds.WithLabelValues(string(event.Type)).Observe(elapsed.Seconds())

	for _, produced := range result.ProducedEvents {
		if produced.TraceID == "" {
			produced.TraceID = event.TraceID
		}
		p.tracker.track(produced.TraceID)
		if err := p.queue.Append(ctx, produced); err != nil {
			p.logger.Error("append produced event failed", "event_id", event.ID, "produced_type", produced.Type, "error", err)
			p.tracker.release(produced.TraceID)
			continue
		}
		p.publish(produced)
	}

	if procErr != nil {
		retriable := errs.Retriable(procErr)
		if err := p.queue.Fail(ctx, event.ID, workerID, procErr, retriable); err != nil {
			p.logger.Error("mark event failed error", "event_id", event.ID, "error", err)
		}
		span.RecordError(procErr)
		eventsProcessedTotal.WithLabelValues(string(event.Type), "failed").Inc()
		p.logger.Warn("event processing failed", "event_id", event.ID, "type", event.Type, "error", procErr, "retriable", retriable, "elapsed", format.FormatDurationMsInt(elapsed.Milliseconds()))
	} else {
		if err := p.queue.Complete(ctx, event.ID, workerID); err != nil {
			p.logger.Error("mark event complete error", "event_id", event.ID, "error", err)
		}
		eventsProcessedTotal.WithLabelValues(string(event.Type), "completed").Inc()
		p.logger.Debug("event processed", "event_id", event.ID, "type", event.Type, "elapsed", format.FormatDurationMsInt(elapsed.Milliseconds()))
	}

	p.tracker.release(event.TraceID)
}

func (p *workerPool) publish(event *models.Event) {
	if event.Type != models.EventNewMessage && event.Type != models.EventToken {
		return
	}
	p.bus.publish(event.TraceID, &eventEnvelope{
		Event: &eventRecord{
			ID:       event.ID,
			ThreadID: event.ThreadID,
			Type:     string(event.Type),
			Payload:  cloneJSON(event.Payload),
		},
	})
}

func (p *workerPool) reapLoop(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.config.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, reclaimed, err := p.queue.Reap(ctx)
			if err != nil {
				p.logger.Error("reap failed", "error", err)
				continue
			}
			if expired > 0 || reclaimed > 0 {
				p.logger.Info("reaped queue", "expired", expired, "reclaimed", reclaimed)
			}
		}
	}
}

func cloneJSON(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := [20]byte{}
	i := len(digits)
	neg := n < 0
	if neg {
		n = -n
	}
	for n > 0 {
		i--
		digits[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		digits[i] = '-'
	}
	return string(digits[i:])
}
