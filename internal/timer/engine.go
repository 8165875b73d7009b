package timer

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"remindbot/internal/trigger"
	"remindbot/pkg/logx"
)

// Job is a scheduled callback. The context is cancelled when the engine stops.
type Job func(ctx context.Context)

type job struct {
	id string
	tr trigger.Trigger
	fn Job

	// ver invalidates timer callbacks that lost a race against Cancel or a
	// re-arm; a fired timer whose version no longer matches is a no-op.
	ver   uint64
	timer *time.Timer
	next  time.Time
}

// Engine owns the process-wide set of scheduled jobs.
//
// A single job is serialized with itself: its next occurrence is not armed
// until the current callback has returned. Distinct jobs run concurrently.
type Engine struct {
	mu  sync.Mutex
	log logx.Logger

	jobs  map[string]*job
	order []string // insertion order; the only (best-effort) tie-break for equal due instants
	seq   uint64

	started   bool
	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

func New(log logx.Logger) *Engine {
	return &Engine{log: log, jobs: map[string]*job{}}
}

// Schedule registers a job bound to tr. It never blocks and never fires
// before Start. The returned id is stable for the job's lifetime.
func (e *Engine) Schedule(tr trigger.Trigger, fn Job) string {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.seq++
	id := fmt.Sprintf("job:%d", e.seq)
	j := &job{id: id, tr: tr, fn: fn}
	e.jobs[id] = j
	e.order = append(e.order, id)

	if e.started {
		e.armLocked(j, time.Now())
	}
	return id
}

// Cancel removes a job. Cancelling an unknown or already-fired id is a
// no-op; callers may race Cancel against a concurrent fire.
func (e *Engine) Cancel(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	j, ok := e.jobs[id]
	if !ok {
		return
	}
	j.ver++
	if j.timer != nil {
		_ = j.timer.Stop()
		j.timer = nil
	}
	delete(e.jobs, id)
	e.log.Debug("job cancelled", logx.String("job", id))
}

// IsActive reports whether the job is still registered. Purely advisory:
// the answer can change before the caller acts on it.
func (e *Engine) IsActive(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.jobs[id]
	return ok
}

// Len returns the number of registered jobs.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.jobs)
}

// Next returns the next due instant for a job, if it is registered and armed.
func (e *Engine) Next(id string) (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	j, ok := e.jobs[id]
	if !ok || j.next.IsZero() {
		return time.Time{}, false
	}
	return j.next, true
}

// Start arms every registered job and allows callbacks to fire.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return
	}
	e.started = true
	e.runCtx, e.runCancel = context.WithCancel(ctx)

	now := time.Now()
	armed := 0
	for _, id := range e.order {
		j, ok := e.jobs[id]
		if !ok {
			continue
		}
		e.armLocked(j, now)
		if _, still := e.jobs[id]; still {
			armed++
		}
	}
	e.compactOrderLocked()
	e.log.Info("timer engine started", logx.Int("jobs", armed))
}

// Stop disarms every timer and waits (bounded by ctx) for in-flight
// callbacks to finish. Jobs remain registered so a later Start resumes them.
func (e *Engine) Stop(ctx context.Context) {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	cancel := e.runCancel
	e.runCancel = nil
	e.runCtx = nil
	for _, j := range e.jobs {
		j.ver++
		if j.timer != nil {
			_ = j.timer.Stop()
			j.timer = nil
		}
		j.next = time.Time{}
	}
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		// shutdown continues in background
	}
	e.log.Info("timer engine stopped")
}

// armLocked computes the job's next due instant and sets its timer.
// Exhausted triggers are removed. Call with e.mu held.
func (e *Engine) armLocked(j *job, now time.Time) {
	next, ok := j.tr.Next(now)
	if !ok {
		delete(e.jobs, j.id)
		e.log.Debug("job exhausted", logx.String("job", j.id))
		return
	}
	j.next = next
	ver := j.ver
	delay := time.Until(next)
	if delay < 0 {
		delay = 0
	}
	j.timer = time.AfterFunc(delay, func() { e.fire(j.id, ver) })
}

func (e *Engine) fire(id string, ver uint64) {
	e.mu.Lock()
	j, ok := e.jobs[id]
	if !ok || j.ver != ver || !e.started {
		e.mu.Unlock()
		return
	}
	// Invalidate this arming so a Cancel racing the callback stays a no-op.
	j.ver++
	j.timer = nil
	fn := j.fn
	ctx := e.runCtx
	e.wg.Add(1)
	e.mu.Unlock()

	defer e.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("panic in job callback",
				logx.String("job", id),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())))
		}
	}()

	fn(ctx)

	e.mu.Lock()
	defer e.mu.Unlock()
	cur, still := e.jobs[id]
	if !still || cur != j || !e.started {
		// cancelled (or the engine stopped) while the callback ran
		return
	}
	e.armLocked(j, time.Now())
}

// compactOrderLocked drops ids of removed jobs. Call with e.mu held.
func (e *Engine) compactOrderLocked() {
	n := 0
	for _, id := range e.order {
		if _, ok := e.jobs[id]; ok {
			e.order[n] = id
			n++
		}
	}
	e.order = e.order[:n]
}
