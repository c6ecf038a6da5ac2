package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/storyloom/storyloom/internal/generation"
	"github.com/storyloom/storyloom/internal/queue"
)

// Store is the storage surface the worker needs: claiming and completing
// tasks plus lease coordination.
// Version: 1.0
type Store interface {
	ClaimNext(ctx context.Context, mediaType string) (*queue.Task, error)
	MarkSucceeded(ctx context.Context, taskID string, result json.RawMessage) (*queue.Task, error)
	MarkFailed(ctx context.Context, taskID string, errorMessage string) (*queue.Task, error)
	RequeueRunning(ctx context.Context, limit int) (int, error)
	AcquireOrRenew(ctx context.Context, name, ownerID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, name, ownerID string) error
}

// Config holds worker scheduling configuration.
type Config struct {
	// ImageWorkers caps concurrent image-lane dispatches.
	ImageWorkers int

	// VideoWorkers caps concurrent video-lane dispatches.
	VideoWorkers int

	// LeaseTTL is how long each lease grant lasts.
	LeaseTTL time.Duration

	// Heartbeat is the lease renewal interval, also used as the retry
	// backoff while the lease is not held.
	Heartbeat time.Duration

	// PollInterval is the idle claim-poll interval.
	PollInterval time.Duration

	// LeaseName selects the lease row. Defaults to queue.DefaultLeaseName.
	LeaseName string
}

// DefaultConfig returns a Config with the queue's documented cadence.
func DefaultConfig() Config {
	return Config{
		ImageWorkers: 3,
		VideoWorkers: 2,
		LeaseTTL:     10 * time.Second,
		Heartbeat:    3 * time.Second,
		PollInterval: time.Second,
		LeaseName:    queue.DefaultLeaseName,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ImageWorkers < 1 {
		c.ImageWorkers = d.ImageWorkers
	}
	if c.VideoWorkers < 1 {
		c.VideoWorkers = d.VideoWorkers
	}
	if c.LeaseTTL < time.Second {
		c.LeaseTTL = d.LeaseTTL
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = d.Heartbeat
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.LeaseName == "" {
		c.LeaseName = d.LeaseName
	}
	return c
}

// claimedBackoff is the short pause after a successful claim pass, so a
// busy queue is drained quickly without a hot loop.
const claimedBackoff = 50 * time.Millisecond

// Worker runs the generation scheduling loop. One Worker per process; the
// lease decides which process's Worker actually claims.
type Worker struct {
	store    Store
	executor generation.Executor
	cfg      Config
	logger   *slog.Logger
	ownerID  string

	// mu guards the per-lane in-flight sets; dispatches complete on their
	// own goroutines.
	mu       sync.Mutex
	inflight map[string]map[string]struct{}

	wg       sync.WaitGroup
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
	started  bool
}

// New creates a Worker with a fresh random owner id.
func New(store Store, executor generation.Executor, cfg Config, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	ownerID := "worker-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:10]
	return &Worker{
		store:    store,
		executor: executor,
		cfg:      cfg.withDefaults(),
		logger:   logger.With("component", "generation_worker", "owner_id", ownerID),
		ownerID:  ownerID,
		inflight: map[string]map[string]struct{}{
			queue.MediaTypeImage: {},
			queue.MediaTypeVideo: {},
		},
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// OwnerID returns the worker's lease owner identifier.
func (w *Worker) OwnerID() string {
	return w.ownerID
}

// Start launches the scheduling loop. The context bounds the loop itself;
// in-flight dispatches run to completion even after cancellation so a clean
// shutdown never abandons a running row.
func (w *Worker) Start(ctx context.Context) error {
	if w.started {
		return fmt.Errorf("worker already started")
	}
	w.started = true

	go w.run(ctx)
	return nil
}

// Stop signals the loop to stop claiming, waits for in-flight dispatches to
// finish, and releases the lease.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
	if w.started {
		<-w.doneCh
	}
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.doneCh)

	// Dispatches outlive loop cancellation by design: the task completes
	// and its outcome is persisted before shutdown finishes.
	execCtx := context.WithoutCancel(ctx)

	w.logger.Info("generation worker starting",
		"image_workers", w.cfg.ImageWorkers,
		"video_workers", w.cfg.VideoWorkers,
		"lease_ttl", w.cfg.LeaseTTL)

	ownsLease := false
	for {
		select {
		case <-w.stopCh:
			w.shutdown(execCtx, ownsLease)
			return
		case <-ctx.Done():
			w.shutdown(execCtx, ownsLease)
			return
		default:
		}

		hadLease := ownsLease
		owns, err := w.store.AcquireOrRenew(ctx, w.cfg.LeaseName, w.ownerID, w.cfg.LeaseTTL)
		if err != nil {
			w.logger.Error("lease acquire failed, backing off", "error", err)
			owns = false
		}
		ownsLease = owns

		// Requeue only on a fresh acquisition with nothing of our own in
		// flight: a process that just became the sole leaseholder assumes
		// any running rows belong to a dead predecessor. A slow (not dead)
		// previous owner whose lease lapsed looks identical, so this is an
		// approximation.
		if ownsLease && !hadLease {
			if w.inflightCount() == 0 {
				if _, err := w.store.RequeueRunning(ctx, 0); err != nil {
					w.logger.Error("requeue of orphaned running tasks failed", "error", err)
				}
			}
			w.logger.Info("worker lease acquired", "lease_name", w.cfg.LeaseName)
		}

		if !ownsLease {
			if hadLease {
				w.logger.Warn("worker lease lost", "lease_name", w.cfg.LeaseName)
			}
			if !w.sleep(ctx, w.cfg.Heartbeat) {
				w.shutdown(execCtx, ownsLease)
				return
			}
			continue
		}

		claimedAny := w.topUpLane(ctx, execCtx, queue.MediaTypeImage, w.cfg.ImageWorkers)
		claimedAny = w.topUpLane(ctx, execCtx, queue.MediaTypeVideo, w.cfg.VideoWorkers) || claimedAny

		pause := w.cfg.PollInterval
		if claimedAny {
			pause = claimedBackoff
		}
		if !w.sleep(ctx, pause) {
			w.shutdown(execCtx, ownsLease)
			return
		}
	}
}

// sleep waits for d, returning false when the worker should stop instead.
func (w *Worker) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-w.stopCh:
		return false
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (w *Worker) shutdown(execCtx context.Context, ownsLease bool) {
	w.logger.Info("generation worker stopping, awaiting in-flight tasks",
		"inflight", w.inflightCount())
	w.wg.Wait()

	if ownsLease {
		if err := w.store.Release(execCtx, w.cfg.LeaseName, w.ownerID); err != nil {
			w.logger.Error("lease release failed", "error", err)
		}
	}
	w.logger.Info("generation worker stopped")
}

// topUpLane claims tasks for one lane until it is full or empty, reporting
// whether anything was claimed.
func (w *Worker) topUpLane(ctx, execCtx context.Context, lane string, capacity int) bool {
	claimed := false
	for w.laneCount(lane) < capacity {
		task, err := w.store.ClaimNext(ctx, lane)
		if err != nil {
			w.logger.Error("claim failed", "lane", lane, "error", err)
			break
		}
		if task == nil {
			break
		}

		claimed = true
		w.trackInflight(lane, task.ID)
		w.wg.Add(1)
		go w.dispatch(execCtx, lane, task)
	}
	return claimed
}

// dispatch executes one claimed task and records the outcome. Executor
// errors are converted to a failed task; they never crash the loop.
func (w *Worker) dispatch(ctx context.Context, lane string, task *queue.Task) {
	defer w.wg.Done()
	defer w.untrackInflight(lane, task.ID)

	log := w.logger.With(
		"task_id", task.ID,
		"task_type", task.TaskType,
		"lane", lane,
		"project_name", task.ProjectName)

	log.Info("processing task")

	result, err := w.executor.Execute(ctx, task)
	if err != nil {
		log.Error("task execution failed", "error", err)
		if _, markErr := w.store.MarkFailed(ctx, task.ID, err.Error()); markErr != nil {
			log.Error("failed to record task failure", "error", markErr)
		}
		return
	}

	if _, err := w.store.MarkSucceeded(ctx, task.ID, result); err != nil {
		log.Error("failed to record task success", "error", err)
		return
	}
	log.Info("task completed successfully")
}

func (w *Worker) trackInflight(lane, taskID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.inflight[lane][taskID] = struct{}{}
}

func (w *Worker) untrackInflight(lane, taskID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.inflight[lane], taskID)
}

func (w *Worker) laneCount(lane string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.inflight[lane])
}

func (w *Worker) inflightCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	total := 0
	for _, lane := range w.inflight {
		total += len(lane)
	}
	return total
}
