package tasks

import (
	"container/list"
	"sync"
)

// tracker holds terminal TaskResults, bounded to maxCompleted entries,
// evicting the oldest by completed_at once the bound is exceeded.
// Grounded on async_processing.py's TaskTracker (max_completed=1000,
// eviction of the oldest completed_at).
type tracker struct {
	mu           sync.RWMutex
	maxCompleted int
	order        *list.List // front = oldest completed
	index        map[string]*list.Element
	running      map[string]*Task
}

func newTracker(maxCompleted int) *tracker {
	if maxCompleted <= 0 {
		maxCompleted = 1000
	}
	return &tracker{
		maxCompleted: maxCompleted,
		order:        list.New(),
		index:        make(map[string]*list.Element),
		running:      make(map[string]*Task),
	}
}

func (t *tracker) markRunning(task *Task) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running[task.TaskID] = task
}

func (t *tracker) clearRunning(taskID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.running, taskID)
}

func (t *tracker) getRunning(taskID string) (*Task, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	task, ok := t.running[taskID]
	return task, ok
}

func (t *tracker) runningCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.running)
}

func (t *tracker) record(result *TaskResult) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if el, ok := t.index[result.TaskID]; ok {
		t.order.Remove(el)
	}
	el := t.order.PushBack(result)
	t.index[result.TaskID] = el

	for t.order.Len() > t.maxCompleted {
		oldest := t.order.Front()
		if oldest == nil {
			break
		}
		t.order.Remove(oldest)
		delete(t.index, oldest.Value.(*TaskResult).TaskID)
	}
}

func (t *tracker) get(taskID string) (*TaskResult, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	el, ok := t.index[taskID]
	if !ok {
		return nil, false
	}
	return el.Value.(*TaskResult), true
}

// countsByStatus and averageExecMs are used by Stats; they walk the
// bounded completed set, which is cheap since it is capped at
// maxCompleted entries.
func (t *tracker) countsByStatus() map[Status]int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	counts := make(map[Status]int64)
	for el := t.order.Front(); el != nil; el = el.Next() {
		r := el.Value.(*TaskResult)
		counts[r.Status]++
	}
	return counts
}

func (t *tracker) averageExecMs() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.order.Len() == 0 {
		return 0
	}
	var sum int64
	for el := t.order.Front(); el != nil; el = el.Next() {
		sum += el.Value.(*TaskResult).ExecTimeMs
	}
	return float64(sum) / float64(t.order.Len())
}
