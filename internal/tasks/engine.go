package tasks

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vidalytics/corehub/internal/cache"
	"github.com/vidalytics/corehub/internal/corerr"
)

// Config sizes the three worker pools and the per-level queue capacity.
type Config struct {
	Workers         int
	ThreadWorkers   int
	ProcessWorkers  int
	QueueCapacity   int // per priority level, per pool; <= 0 uses the default 1000
	MaxCompleted    int // default 1000
	DefaultTimeout  time.Duration
}

// DefaultConfig matches §6: tasks.workers=5, tasks.queue_capacity=1000.
func DefaultConfig() Config {
	return Config{
		Workers:        5,
		ThreadWorkers:  0,
		ProcessWorkers: 0,
		QueueCapacity:  1000,
		MaxCompleted:   1000,
		DefaultTimeout: 30 * time.Second,
	}
}

type pool struct {
	queues  *priorityQueues
	workers int
}

// Engine is the C5 async task engine: three independently sized worker
// pools (general/thread/process), each draining its own 5-level priority
// queue, sharing one bounded completed-task tracker.
type Engine struct {
	cfg    Config
	logger *slog.Logger
	cache  *cache.Cache // optional; used to mirror user-owned TaskResults

	pools map[Pool]*pool

	tracker *tracker

	running   atomic.Bool
	startedAt time.Time
	wg        sync.WaitGroup

	cancelMu sync.Mutex
	cancels  map[string]context.CancelFunc

	dispatched atomic.Int64

	metrics *metrics
}

type metrics struct {
	submitted prometheus.Counter
	completed *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "corehub_tasks_submitted_total",
			Help: "Total tasks submitted to the async task engine.",
		}),
		completed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "corehub_tasks_completed_total",
			Help: "Total tasks reaching a terminal state, labeled by status.",
		}, []string{"status"}),
	}
	if reg != nil {
		reg.MustRegister(m.submitted, m.completed)
	}
	return m
}

// New constructs an Engine. cache may be nil (user-owned results are then
// only kept in memory, never mirrored). reg may be nil to skip metrics
// registration (tests typically pass nil).
func New(cfg Config, c *cache.Cache, logger *slog.Logger, reg prometheus.Registerer) *Engine {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = def.QueueCapacity
	}
	if cfg.MaxCompleted <= 0 {
		cfg.MaxCompleted = def.MaxCompleted
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = def.DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		cfg:     cfg,
		logger:  logger,
		cache:   c,
		tracker: newTracker(cfg.MaxCompleted),
		cancels: make(map[string]context.CancelFunc),
		metrics: newMetrics(reg),
	}
	e.pools = map[Pool]*pool{
		PoolGeneral: {queues: newPriorityQueues(cfg.QueueCapacity), workers: cfg.Workers},
	}
	if cfg.ThreadWorkers > 0 {
		e.pools[PoolThread] = &pool{queues: newPriorityQueues(cfg.QueueCapacity), workers: cfg.ThreadWorkers}
	}
	if cfg.ProcessWorkers > 0 {
		e.pools[PoolProcess] = &pool{queues: newPriorityQueues(cfg.QueueCapacity), workers: cfg.ProcessWorkers}
	}
	return e
}

// Start launches every worker pool's goroutines.
func (e *Engine) Start(_ context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return nil
	}
	e.startedAt = time.Now()
	for p, pl := range e.pools {
		for i := 0; i < pl.workers; i++ {
			e.wg.Add(1)
			go e.workerLoop(p, pl)
		}
	}
	return nil
}

// Stop closes every pool's queue and waits up to timeout for in-flight
// workers to drain.
func (e *Engine) Stop(timeout time.Duration) error {
	if !e.running.CompareAndSwap(true, false) {
		return nil
	}
	for _, pl := range e.pools {
		pl.queues.close()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return corerr.New(corerr.System, "task engine stop timed out waiting for workers", nil)
	}
}

// Submit enqueues fn for execution, returning its task_id immediately.
// Fails with Validation if the target pool's priority level is at
// capacity.
func (e *Engine) Submit(ctx context.Context, fn Func, opts SubmitOptions) (string, error) {
	if fn == nil {
		return "", corerr.New(corerr.Validation, "task func is required", nil)
	}
	pl, ok := e.pools[opts.Pool]
	if !ok {
		pl = e.pools[PoolGeneral]
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}

	now := time.Now()
	task := &Task{
		TaskID:          uuid.NewString(),
		Priority:        opts.Priority,
		Pool:            opts.Pool,
		Timeout:         timeout,
		MaxRetries:      opts.MaxRetries,
		OwnerUserID:     opts.OwnerUserID,
		OwnerSpecialist: opts.OwnerSpecialist,
		CreatedAt:       now,
		fn:              fn,
	}

	if !pl.queues.push(task) {
		return "", corerr.New(corerr.Validation, "task queue is full", nil).
			WithDetails(map[string]any{"priority": task.Priority.String(), "pool": int(task.Pool)})
	}
	e.dispatched.Add(1)
	if e.metrics != nil {
		e.metrics.submitted.Inc()
	}
	_ = ctx // submission itself is not cancellable mid-enqueue; ctx reserved for future tracing
	return task.TaskID, nil
}

// GetResult returns the TaskResult for taskID. If wait is false (the
// default), it returns immediately with ok=false if the task has not
// reached a terminal state. If wait is true, it polls at <=500ms
// intervals until the task terminates, ctx is cancelled, or timeout
// elapses.
func (e *Engine) GetResult(ctx context.Context, taskID string, wait bool, timeout time.Duration) (*TaskResult, bool) {
	if r, ok := e.tracker.get(taskID); ok {
		return r, true
	}
	if !wait {
		return nil, false
	}

	deadline := time.Now().Add(timeout)
	const pollInterval = 500 * time.Millisecond
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, false
		case <-ticker.C:
			if r, ok := e.tracker.get(taskID); ok {
				return r, true
			}
			if timeout > 0 && time.Now().After(deadline) {
				return nil, false
			}
		}
	}
}

// Cancel requests cancellation of taskID. Only a running task can be
// cancelled; it observes cancellation at its next suspension point
// (cooperative, per §5). For a task still waiting in its queue, or one
// that has already finished, Cancel returns false and changes nothing.
func (e *Engine) Cancel(taskID string) bool {
	e.cancelMu.Lock()
	cancel, ok := e.cancels[taskID]
	e.cancelMu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// Stats reports a point-in-time snapshot across all pools.
func (e *Engine) Stats() Stats {
	depths := make(map[string]int)
	workers := 0
	for p, pl := range e.pools {
		for lvl, n := range pl.queues.depths() {
			depths[poolName(p)+"."+lvl] = n
		}
		workers += pl.workers
	}
	return Stats{
		QueueDepths:     depths,
		Running:         int64(e.tracker.runningCount()),
		CompletedByKind: e.tracker.countsByStatus(),
		AvgExecTimeMs:   e.tracker.averageExecMs(),
		WorkerCount:     workers,
		UptimeSeconds:   time.Since(e.startedAt).Seconds(),
	}
}

func poolName(p Pool) string {
	switch p {
	case PoolThread:
		return "thread"
	case PoolProcess:
		return "process"
	default:
		return "general"
	}
}

func (e *Engine) workerLoop(_ Pool, pl *pool) {
	defer e.wg.Done()
	for {
		task, ok := pl.queues.pop()
		if !ok {
			return
		}
		e.execute(task)
	}
}

func (e *Engine) execute(task *Task) {
	// Deadline is anchored to when a worker actually picks up the task, not
	// to Submit() time: the 5-level queue intentionally starves low
	// priorities under load, so a task's timeout budget must cover its
	// execution wall-clock, not time spent waiting in queue.
	ctx, cancel := context.WithTimeout(context.Background(), task.Timeout)
	task.cancel = cancel
	e.cancelMu.Lock()
	e.cancels[task.TaskID] = cancel
	e.cancelMu.Unlock()
	defer func() {
		cancel()
		e.cancelMu.Lock()
		delete(e.cancels, task.TaskID)
		e.cancelMu.Unlock()
	}()

	e.tracker.markRunning(task)
	defer e.tracker.clearRunning(task.TaskID)

	started := time.Now()
	result := &TaskResult{TaskID: task.TaskID, StartedAt: started}

	valueCh := make(chan any, 1)
	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errCh <- corerr.Newf(corerr.System, nil, "task panicked: %v", r)
			}
		}()
		v, err := task.fn(ctx)
		if err != nil {
			errCh <- err
			return
		}
		valueCh <- v
	}()

	select {
	case <-ctx.Done():
		if ctx.Err() == context.Canceled {
			result.Status = StatusCancelled
		} else {
			result.Status = StatusTimeout
		}
		result.Err = ctx.Err().Error()
	case err := <-errCh:
		result.Status = StatusFailed
		result.Err = err.Error()
		if kind, ok := corerr.KindOf(err); ok {
			result.ErrKind = kind
		}
	case v := <-valueCh:
		result.Status = StatusCompleted
		result.Value = v
	}

	result.CompletedAt = time.Now()
	result.ExecTimeMs = result.CompletedAt.Sub(started).Milliseconds()

	e.tracker.record(result)
	if e.metrics != nil {
		e.metrics.completed.WithLabelValues(string(result.Status)).Inc()
	}

	if task.OwnerUserID != "" && e.cache != nil {
		e.mirrorResult(task, result)
	}
}

// mirrorResult persists a user-owned TaskResult under the task_status
// category so the submitting session can poll across process boundaries
// within the same user context (§4.5's persistence rule).
func (e *Engine) mirrorResult(task *Task, result *TaskResult) {
	data, err := json.Marshal(result)
	if err != nil {
		e.logger.Warn("failed to marshal task result for cache mirror", "task_id", task.TaskID, "error", err)
		return
	}
	key := task.OwnerUserID + "/" + task.TaskID
	e.cache.Set(context.Background(), cache.TaskStatus, key, data)
}
