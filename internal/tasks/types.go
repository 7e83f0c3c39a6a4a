// Package tasks implements the async task engine (C5): a 5-level static
// priority queue drained by fixed worker pools, with per-task deadlines
// and a bounded completed-task tracker.
//
// Grounded on original_source/backend/async_processing.py's
// TaskQueue/TaskTracker/AsyncProcessor (priority-descending dequeue,
// bounded tracker with oldest-completed_at eviction, start/success/
// timeout/failure state machine) translated into goroutines and channels,
// and on processor/task-dispatcher/component.go's semaphore-gated worker
// dispatch idiom (sem chan struct{}, atomic.Int64 counters,
// sync.WaitGroup-drained completion).
package tasks

import (
	"context"
	"time"

	"github.com/vidalytics/corehub/internal/corerr"
)

// Priority is one of the five static levels. Ordered low to critical;
// workers always drain the highest non-empty level first. There is no
// aging — this is intentional (spec.md §9).
type Priority int

const (
	Low Priority = iota
	Normal
	High
	Urgent
	Critical

	numPriorities = int(Critical) + 1
)

func (p Priority) String() string {
	switch p {
	case Low:
		return "low"
	case Normal:
		return "normal"
	case High:
		return "high"
	case Urgent:
		return "urgent"
	case Critical:
		return "critical"
	default:
		return "unknown"
	}
}

// Pool selects which worker pool a task is routed to. General is the
// default fixed pool; Thread and Process model the optional bounded
// isolation pools the spec names for CPU-bound shims — in Go these are
// simply separate goroutine pools with their own worker counts, since the
// language has no GIL to work around, but the routing contract (submission
// flags select a pool) is preserved.
type Pool int

const (
	PoolGeneral Pool = iota
	PoolThread
	PoolProcess
)

// Status is a Task's lifecycle state. Terminal states are permanent.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// Func is the unit of work submitted to the engine. func_ref/args from the
// design-level spec collapse into this closure, the idiomatic Go
// equivalent of a callable-plus-arguments pair.
type Func func(ctx context.Context) (any, error)

// Task is the async-engine entity describing one unit of scheduled work.
type Task struct {
	TaskID          string
	Priority        Priority
	Pool            Pool
	Timeout         time.Duration
	MaxRetries      int
	OwnerUserID     string
	OwnerSpecialist string
	CreatedAt       time.Time

	fn     Func
	cancel context.CancelFunc
}

// TaskResult is created on terminal transition and retained in the bounded
// completed-tasks tracker.
type TaskResult struct {
	TaskID      string      `json:"task_id"`
	Status      Status      `json:"status"`
	Value       any         `json:"value,omitempty"`
	Err         string      `json:"error,omitempty"`
	ErrKind     corerr.Kind `json:"error_kind,omitempty"`
	StartedAt   time.Time   `json:"started_at"`
	CompletedAt time.Time   `json:"completed_at"`
	ExecTimeMs  int64       `json:"exec_time_ms"`
}

// SubmitOptions configures one Submit call. Zero values mean "use engine
// defaults" except where noted.
type SubmitOptions struct {
	Priority        Priority
	Pool            Pool
	Timeout         time.Duration
	MaxRetries      int
	OwnerUserID     string
	OwnerSpecialist string
}

// Stats is a snapshot of engine health for operational endpoints.
type Stats struct {
	QueueDepths     map[string]int `json:"queue_depths"`
	Running         int64          `json:"running"`
	CompletedByKind map[Status]int64 `json:"completed_by_kind"`
	AvgExecTimeMs   float64        `json:"avg_exec_time_ms"`
	WorkerCount     int            `json:"worker_count"`
	UptimeSeconds   float64        `json:"uptime_seconds"`
}
