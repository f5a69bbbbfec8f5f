package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/phrazzld/quill-jobs/internal/config"
	"github.com/phrazzld/quill-jobs/internal/domain"
	"github.com/phrazzld/quill-jobs/internal/platform/logger"
	"github.com/phrazzld/quill-jobs/internal/store"
)

// WorkerPool runs a fixed number of concurrent execution slots against a
// single queue. Each slot loops: acquire a lease (polling with a backoff
// interval when the queue is empty), execute the registered handler for
// the job's type under a bounded timeout, then release the lease with
// the outcome.
type WorkerPool struct {
	cfg      config.QueueConfig
	leases   *LeaseManager
	registry *Registry
	logger   *slog.Logger

	// acquireCtx stops the acquisition loops; handlerCtx is cancelled
	// only after the drain timeout so in-flight handlers get a chance to
	// finish during graceful shutdown.
	acquireCtx    context.Context
	cancelAcquire context.CancelFunc
	handlerCtx    context.Context
	cancelHandler context.CancelFunc

	wg sync.WaitGroup

	// inFlight tracks jobs currently executing so shutdown can
	// force-release whatever did not drain in time.
	mu       sync.Mutex
	inFlight map[uuid.UUID]string
}

// NewWorkerPool creates a worker pool for one queue.
func NewWorkerPool(
	cfg config.QueueConfig,
	leases *LeaseManager,
	registry *Registry,
	log *slog.Logger,
) *WorkerPool {
	acquireCtx, cancelAcquire := context.WithCancel(context.Background())
	handlerCtx, cancelHandler := context.WithCancel(context.Background())

	return &WorkerPool{
		cfg:           cfg,
		leases:        leases,
		registry:      registry,
		logger:        log.With("component", "worker_pool", "queue", cfg.Name),
		acquireCtx:    acquireCtx,
		cancelAcquire: cancelAcquire,
		handlerCtx:    handlerCtx,
		cancelHandler: cancelHandler,
		inFlight:      make(map[uuid.UUID]string),
	}
}

// Start launches the configured number of worker slots.
func (p *WorkerPool) Start() {
	p.logger.Info("starting worker pool", "workers", p.cfg.Workers)
	for i := 0; i < p.cfg.Workers; i++ {
		workerID := fmt.Sprintf("%s-%s-%d", p.cfg.Name, uuid.NewString()[:8], i)
		p.wg.Add(1)
		go p.runSlot(workerID)
	}
}

// Stop gracefully shuts the pool down: acquisition stops immediately,
// in-flight handlers get up to drainTimeout to finish, and anything
// still running afterwards is force-released as a retryable
// shutdown-interrupted failure so another worker picks it up.
func (p *WorkerPool) Stop(drainTimeout time.Duration) {
	p.logger.Info("stopping worker pool", "drain_timeout", drainTimeout)
	p.cancelAcquire()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool drained")
	case <-time.After(drainTimeout):
		p.logger.Warn("drain timeout exceeded, force-releasing in-flight jobs")
		p.cancelHandler()
		p.forceReleaseInFlight()
		<-done
	}
	p.cancelHandler()
}

// runSlot is one execution slot's loop.
func (p *WorkerPool) runSlot(workerID string) {
	defer p.wg.Done()

	log := p.logger.With("worker_id", workerID)
	log.Debug("worker slot started")

	for {
		select {
		case <-p.acquireCtx.Done():
			log.Debug("worker slot stopped")
			return
		default:
		}

		j, err := p.leases.Acquire(p.acquireCtx, p.cfg.Name, workerID)
		if err != nil {
			if errors.Is(err, ErrNoJob) || p.acquireCtx.Err() != nil {
				// Empty queue: wait out the poll interval instead of
				// busy-spinning against the store.
				select {
				case <-p.acquireCtx.Done():
				case <-time.After(p.cfg.PollInterval):
				}
				continue
			}
			log.Error("lease acquisition failed", "error", err)
			select {
			case <-p.acquireCtx.Done():
			case <-time.After(p.cfg.PollInterval):
			}
			continue
		}

		p.execute(workerID, j, log)
	}
}

// execute runs the handler for one leased job and releases the lease
// with the outcome. The handler runs in its own goroutine so the slot is
// freed on timeout even if the handler cannot be forcibly stopped; the
// abandoned lease is later reclaimed by the sweep.
func (p *WorkerPool) execute(workerID string, j *domain.Job, log *slog.Logger) {
	log = log.With("job_id", j.ID, "job_type", j.Type, "attempt", j.Attempts)

	p.trackInFlight(j.ID, workerID)
	defer p.untrackInFlight(j.ID)

	handler, err := p.registry.Lookup(j.Queue, j.Type)
	if err != nil {
		// No handler will ever succeed for this type; dead-letter now.
		perm := domain.NewPermanentError(domain.KindValidation, err)
		p.release(workerID, j.ID, OutcomePermanentFailure, perm, log)
		return
	}

	ctx, cancel := context.WithTimeout(p.handlerCtx, p.cfg.HandlerTimeout)
	defer cancel()
	ctx = logger.WithContext(ctx, log)

	log.Info("executing job")
	start := time.Now()

	resultCh := make(chan error, 1)
	go func() {
		resultCh <- handler.Handle(ctx, j)
	}()

	var handlerErr error
	select {
	case handlerErr = <-resultCh:
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			handlerErr = domain.NewRetryableError(domain.KindHandlerTimeout,
				fmt.Errorf("handler exceeded %s timeout", p.cfg.HandlerTimeout))
		} else {
			handlerErr = domain.NewRetryableError(domain.KindShutdownInterrupted,
				errors.New("worker pool shutting down"))
		}
	}

	outcome := OutcomeForError(handlerErr)
	if handlerErr == nil {
		log.Info("job completed", "duration", time.Since(start))
	} else {
		log.Warn("job failed",
			"duration", time.Since(start),
			"outcome", outcome.String(),
			"error", handlerErr)
	}

	p.release(workerID, j.ID, outcome, handlerErr, log)
}

func (p *WorkerPool) release(
	workerID string,
	jobID uuid.UUID,
	outcome Outcome,
	cause error,
	log *slog.Logger,
) {
	// Release uses a background context: shutdown must not prevent the
	// final state from being recorded.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := p.leases.Release(ctx, jobID, workerID, outcome, cause); err != nil {
		if store.IsConflictError(err) {
			// The lease was reclaimed or force-released while we ran. The
			// job is safe; another worker owns its fate now.
			log.Warn("lease lost before release", "error", err)
			return
		}
		log.Error("failed to release lease", "outcome", outcome.String(), "error", err)
	}
}

func (p *WorkerPool) trackInFlight(id uuid.UUID, workerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inFlight[id] = workerID
}

func (p *WorkerPool) untrackInFlight(id uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inFlight, id)
}

// forceReleaseInFlight releases every still-running job as a retryable
// shutdown-interrupted failure so it is retried elsewhere. A worker that
// finishes concurrently hits a lease conflict on its own release, which
// is ignored.
func (p *WorkerPool) forceReleaseInFlight() {
	p.mu.Lock()
	snapshot := make(map[uuid.UUID]string, len(p.inFlight))
	for id, w := range p.inFlight {
		snapshot[id] = w
	}
	p.mu.Unlock()

	for id, workerID := range snapshot {
		cause := domain.NewRetryableError(domain.KindShutdownInterrupted,
			errors.New("worker pool shut down before handler finished"))
		p.release(workerID, id, OutcomeRetryableFailure, cause, p.logger.With("job_id", id))
	}
}
