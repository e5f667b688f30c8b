package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/yungbote/askpdf-backend/internal/jobs/runtime"
	"github.com/yungbote/askpdf-backend/internal/pkg/logger"
	"github.com/yungbote/askpdf-backend/internal/platform/envutil"
)

var (
	ErrAlreadyQueued = errors.New("work already queued or running for this key")
	ErrStopped       = errors.New("supervisor stopped")
)

type Config struct {
	Workers   int
	QueueSize int
}

func ConfigFromEnv() Config {
	return Config{
		Workers:   envutil.Int("INGEST_WORKERS", 4),
		QueueSize: envutil.Int("INGEST_QUEUE_SIZE", 64),
	}
}

// FailFunc is told about items that could not run to completion: unknown
// type, handler error or panic, or dropped at shutdown.
type FailFunc func(ctx context.Context, item runtime.WorkItem, err error)

// Supervisor runs background work items on a bounded pool. A full queue
// pushes back on Enqueue.
type Supervisor struct {
	log      *logger.Logger
	registry *runtime.Registry
	pool     *ants.Pool
	queue    chan runtime.WorkItem
	onFail   FailFunc

	mu       sync.Mutex
	inflight map[string]struct{}
	stopped  bool
	stopCh   chan struct{}
	enqWG    sync.WaitGroup

	wg      sync.WaitGroup
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

func NewSupervisor(baseLog *logger.Logger, registry *runtime.Registry, cfg Config, onFail FailFunc) (*Supervisor, error) {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 1 {
		cfg.QueueSize = 1
	}
	pool, err := ants.NewPool(cfg.Workers)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}
	return &Supervisor{
		log:      baseLog.With("component", "IngestSupervisor"),
		registry: registry,
		pool:     pool,
		queue:    make(chan runtime.WorkItem, cfg.QueueSize),
		onFail:   onFail,
		inflight: map[string]struct{}{},
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Enqueue blocks until the item is queued, ctx is done or the supervisor
// stops.
func (s *Supervisor) Enqueue(ctx context.Context, item runtime.WorkItem) error {
	if item.EnqueuedAt.IsZero() {
		item.EnqueuedAt = time.Now().UTC()
	}
	key := item.Key()

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	if _, ok := s.inflight[key]; ok {
		s.mu.Unlock()
		return ErrAlreadyQueued
	}
	s.inflight[key] = struct{}{}
	s.enqWG.Add(1)
	s.mu.Unlock()
	defer s.enqWG.Done()

	select {
	case s.queue <- item:
		return nil
	case <-ctx.Done():
		s.finish(item)
		return ctx.Err()
	case <-s.stopCh:
		s.finish(item)
		return ErrStopped
	}
}

// InFlight reports how many items are queued or running.
func (s *Supervisor) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}

// Start launches the dispatcher. Handlers run with a context that is
// canceled by Stop.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.mu.Unlock()

	s.log.Info("Starting ingestion supervisor", "workers", s.pool.Cap(), "queue", cap(s.queue), "job_types", s.registry.Types())
	go s.dispatch(runCtx)
}

func (s *Supervisor) dispatch(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-s.queue:
			s.wg.Add(1)
			err := s.pool.Submit(func() {
				defer s.wg.Done()
				s.run(ctx, item)
			})
			if err != nil {
				s.wg.Done()
				s.finish(item)
				s.fail(ctx, item, fmt.Errorf("submit to pool: %w", err))
			}
		}
	}
}

func (s *Supervisor) run(ctx context.Context, item runtime.WorkItem) {
	defer s.finish(item)
	jc := runtime.NewContext(ctx, item, s.log)

	h, ok := s.registry.Get(item.Type)
	if !ok {
		s.log.Warn("No handler registered for job_type", "job_type", item.Type, "document_id", item.DocumentID)
		s.fail(ctx, item, &missingHandlerError{JobType: item.Type})
		return
	}

	defer func() {
		if r := recover(); r != nil {
			s.log.Error("Job handler panic", "job_type", item.Type, "document_id", item.DocumentID, "panic", r)
			s.fail(ctx, item, errFromRecover(r))
		}
	}()

	start := time.Now()
	if err := h.Run(jc); err != nil {
		jc.Log.Warn("Job handler returned error", "error", err, "ms", time.Since(start).Milliseconds())
		s.fail(ctx, item, err)
		return
	}
	jc.Log.Debug("Job finished", "ms", time.Since(start).Milliseconds())
}

func (s *Supervisor) finish(item runtime.WorkItem) {
	s.mu.Lock()
	delete(s.inflight, item.Key())
	s.mu.Unlock()
}

func (s *Supervisor) fail(ctx context.Context, item runtime.WorkItem, err error) {
	if s.onFail == nil {
		return
	}
	s.onFail(context.WithoutCancel(ctx), item, err)
}

// Stop refuses new work, cancels running handlers and waits for them until
// ctx expires. Items still queued are reported through FailFunc with
// ErrStopped.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	started := s.started
	cancel := s.cancel
	close(s.stopCh)
	s.mu.Unlock()

	s.enqWG.Wait()
	if started {
		cancel()
		<-s.done
	}

drain:
	for {
		select {
		case item := <-s.queue:
			s.finish(item)
			s.fail(ctx, item, ErrStopped)
		default:
			break drain
		}
	}

	waited := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waited)
	}()
	var err error
	select {
	case <-waited:
	case <-ctx.Done():
		err = ctx.Err()
	}
	s.pool.Release()
	return err
}

type missingHandlerError struct{ JobType string }

func (e *missingHandlerError) Error() string { return "no handler registered for job_type=" + e.JobType }

func errFromRecover(v any) error { return &panicError{Val: v} }

type panicError struct{ Val any }

func (e *panicError) Error() string { return fmt.Sprintf("panic: %v", e.Val) }
