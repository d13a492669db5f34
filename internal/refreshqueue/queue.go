// Package refreshqueue serializes proactive token refreshes: one worker,
// strict FIFO, at most one task pending or running per credential key.
// Bounding outbound refresh calls to one in flight deliberately trades
// latency for not overwhelming the token endpoint.
package refreshqueue

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Defaults applied when New receives zero values.
const (
	DefaultBuffer   = 10 * time.Minute
	DefaultThrottle = 2 * time.Second
)

// Status of a settled task.
type Status string

const (
	StatusRefreshed Status = "refreshed"
	StatusSkipped   Status = "skipped"
	StatusFailed    Status = "failed"
)

// Task is one refresh request. Key is the credential identity (normally the
// accountId or a stand-in); Refresh must be idempotent.
type Task struct {
	Key     string
	Expires time.Time
	Refresh func(ctx context.Context) error
}

// Result is delivered on the handle channel exactly once per Enqueue.
type Result struct {
	Status Status
	Reason string
	Err    error
}

type pendingTask struct {
	task Task
	done chan Result
}

// Queue is the single-flight refresh queue. Safe for concurrent use.
type Queue struct {
	mu      sync.Mutex
	tasks   []*pendingTask
	keys    map[string]struct{}
	running bool

	buffer  time.Duration
	limiter *rate.Limiter
	now     func() time.Time
}

// New creates a queue. buffer is the near-expiry window: only credentials
// expiring within it are worth a proactive refresh. throttle is the minimum
// spacing between refresh calls.
func New(buffer, throttle time.Duration) *Queue {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if throttle <= 0 {
		throttle = DefaultThrottle
	}
	limiter := rate.NewLimiter(rate.Every(throttle), 1)
	// The bucket starts full; drain it so the first inter-task pause is
	// enforced like every later one.
	limiter.Allow()
	return &Queue{
		keys:    make(map[string]struct{}),
		buffer:  buffer,
		limiter: limiter,
		now:     time.Now,
	}
}

// Enqueue submits a task and returns a handle that settles once that
// specific task is processed. It never fails: ineligible or duplicate tasks
// settle immediately with StatusSkipped.
func (q *Queue) Enqueue(task Task) <-chan Result {
	done := make(chan Result, 1)

	q.mu.Lock()
	now := q.now()
	if reason, ok := q.ineligible(task, now); ok {
		q.mu.Unlock()
		done <- Result{Status: StatusSkipped, Reason: reason}
		return done
	}
	if _, dup := q.keys[task.Key]; dup {
		q.mu.Unlock()
		// The caller should re-read account state afterward rather than
		// trust this call's absent result.
		done <- Result{Status: StatusSkipped, Reason: "refresh already pending for key"}
		return done
	}

	q.keys[task.Key] = struct{}{}
	q.tasks = append(q.tasks, &pendingTask{task: task, done: done})
	if !q.running {
		q.running = true
		go q.drain()
	}
	q.mu.Unlock()

	return done
}

// PendingKeys returns the keys with a task pending or running.
func (q *Queue) PendingKeys() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.keys))
	for k := range q.keys {
		out = append(out, k)
	}
	return out
}

// Len returns the number of queued tasks (excluding the one running).
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// ineligible applies the near-expiry gate: only a finite, future expiry
// within the buffer window qualifies.
func (q *Queue) ineligible(task Task, now time.Time) (string, bool) {
	if task.Expires.IsZero() {
		return "no expiry on credential", true
	}
	until := task.Expires.Sub(now)
	if until <= 0 {
		return "credential already expired", true
	}
	if until > q.buffer {
		return "credential not near expiry", true
	}
	return "", false
}

// drain is the single worker. It runs tasks strictly FIFO, one at a time,
// pausing for the throttle interval between tasks, and exits when the queue
// empties; the next Enqueue restarts it.
func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if len(q.tasks) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		next := q.tasks[0]
		q.tasks = q.tasks[1:]
		more := len(q.tasks) > 0
		q.mu.Unlock()

		q.runTask(next)

		if more {
			_ = q.limiter.Wait(context.Background())
		}
	}
}

// runTask re-checks eligibility immediately before running: time may have
// passed while the task sat queued, and the re-check is the only
// cancellation mechanism a dequeued task has.
func (q *Queue) runTask(p *pendingTask) {
	var res Result
	if reason, stale := q.ineligible(p.task, q.now()); stale {
		res = Result{Status: StatusSkipped, Reason: reason}
	} else if err := p.task.Refresh(context.Background()); err != nil {
		// A single failure never halts the worker.
		res = Result{Status: StatusFailed, Err: err}
	} else {
		res = Result{Status: StatusRefreshed}
	}

	q.mu.Lock()
	delete(q.keys, p.task.Key)
	q.mu.Unlock()

	p.done <- res
}
