package runtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/conclave-run/conclave/internal/errs"
	"github.com/conclave-run/conclave/internal/idgen"
	"github.com/conclave-run/conclave/internal/processors"
	"github.com/conclave-run/conclave/internal/threadstate"
	"github.com/conclave-run/conclave/pkg/models"
	"github.com/google/uuid"
)

// Config constructs an Instance (spec §6.1's createInstance). Deps must be
// fully populated before NewInstance is called; PoolConfig tunes the
// worker pool this Instance owns.
type Config struct {
	Deps   processors.Deps
	Pool   PoolConfig
	Logger *slog.Logger
}

// Instance is a running Conclave orchestrator: the queue, the thread
// store/locker, the processor registry, and the worker pool that drives
// them, exposed through Run (spec §6.1).
type Instance struct {
	deps    processors.Deps
	procs   *ProcessorRegistry
	locker  threadstate.ThreadLocker
	pool    *workerPool
	bus     *eventBus
	tracker *traceTracker
	logger  *slog.Logger
}

// NewInstance wires the dispatch loop together but does not start it; call
// Start to begin claiming events.
func NewInstance(cfg Config, locker threadstate.ThreadLocker) *Instance {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	procs := NewProcessorRegistry()
	bus := newEventBus()
	tracker := newTraceTracker()

	deps := cfg.Deps
	pool := newWorkerPool(deps.Queue, locker, &deps, procs, bus, tracker, cfg.Pool, logger)

	return &Instance{
		deps:    deps,
		procs:   procs,
		locker:  locker,
		pool:    pool,
		bus:     bus,
		tracker: tracker,
		logger:  logger,
	}
}

// RegisterProcessor installs a custom processor for eventType (spec §6.3),
// bypassing the built-in handler whenever its ShouldProcess returns true.
func (i *Instance) RegisterProcessor(eventType models.EventType, p processors.Processor) {
	i.procs.Register(eventType, p)
}

// Start begins the worker pool's claim loops and background reaper.
func (i *Instance) Start(ctx context.Context) {
	i.pool.start(ctx)
}

// Stop drains in-flight workers, waiting up to ctx's deadline.
func (i *Instance) Stop(ctx context.Context) {
	i.pool.stop(ctx)
}

// RunOptions customizes a single Run call.
type RunOptions struct {
	// Participants seeds the thread's participant list on first creation.
	Participants []string
	// Priority overrides the initial NEW_MESSAGE event's priority.
	Priority int
}

// RunHandle is the caller's view of an in-flight run (spec §6.1): a stream
// of produced events plus a completion signal, scoped to the run's trace id.
type RunHandle struct {
	TraceID  string
	ThreadID string

	events <-chan *busEvent
	cancel func()
	done   <-chan struct{}
}

// Events returns the channel of events produced while this run's trace is
// in flight. The channel closes when Close is called; it is not otherwise
// closed automatically, so callers that only want completion should use
// Done instead of draining Events to exhaustion.
func (h *RunHandle) Events() <-chan *busEvent {
	return h.events
}

// Done returns a channel that closes once every event chained from this
// run's initial message has reached a terminal state (spec §6.1's
// completion future).
func (h *RunHandle) Done() <-chan struct{} {
	return h.done
}

// Close releases the handle's subscription. Safe to call more than once.
func (h *RunHandle) Close() {
	h.cancel()
}

// Run enqueues message as a NEW_MESSAGE event against the thread identified
// by externalID (creating it if needed) and returns a handle to observe the
// resulting event chain (spec §6.1: `instance.run(message, onEvent?,
// options?) -> RunHandle`).
func (i *Instance) Run(ctx context.Context, externalID string, payload models.NewMessagePayload, opts RunOptions) (*RunHandle, error) {
	initialParticipant := payload.Sender.ID
	if initialParticipant == "" {
		initialParticipant = payload.Sender.ExternalID
	}
	thread, err := i.deps.Threads.LoadOrCreateByExternalID(ctx, externalID, initialParticipant)
	if err != nil {
		return nil, errs.Wrap(errs.KindStorage, err)
	}

	for _, participant := range opts.Participants {
		if err := i.deps.Threads.AppendParticipant(ctx, thread.ID, participant); err != nil {
			return nil, errs.Wrap(errs.KindStorage, err)
		}
	}

	traceID := idgen.NewULID()
	event := &models.Event{
		ID:        uuid.NewString(),
		ThreadID:  thread.ID,
		Type:      models.EventNewMessage,
		TraceID:   traceID,
		Priority:  opts.Priority,
		Status:    models.EventStatusPending,
		CreatedAt: i.now(),
		UpdatedAt: i.now(),
	}
	body, err := marshalPayload(payload)
	if err != nil {
		return nil, errs.Wrap(errs.KindValidation, err)
	}
	event.Payload = body

	events, unsubscribe := i.bus.subscribe(traceID)
	i.tracker.track(traceID)

	if err := i.deps.Queue.Append(ctx, event); err != nil {
		i.tracker.release(traceID)
		unsubscribe()
		return nil, errs.Wrap(errs.KindStorage, err)
	}

	return &RunHandle{
		TraceID:  traceID,
		ThreadID: thread.ID,
		events:   events,
		cancel:   unsubscribe,
		done:     i.tracker.wait(traceID),
	}, nil
}

func (i *Instance) now() time.Time {
	if i.deps.Now != nil {
		return time.Unix(0, i.deps.Now())
	}
	return time.Now()
}

func marshalPayload(payload models.NewMessagePayload) ([]byte, error) {
	return json.Marshal(payload)
}

// ListPending exposes the queue's per-thread replay for debugging and for
// callers reconstructing history after a crash (spec §4.2 durability).
func (i *Instance) ListPending(ctx context.Context, threadID string, limit int) ([]*models.Event, error) {
	return i.deps.Queue.ListByThread(ctx, threadID, limit)
}
