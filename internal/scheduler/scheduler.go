// Package scheduler runs named one-shot and repeating jobs on a worker pool.
package scheduler

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/observability"
)

type Job func(ctx context.Context)

// Scheduler is what the dispatch controllers depend on. Scheduling an id that
// is already pending replaces it.
type Scheduler interface {
	// Every runs job repeatedly. The next run is timed from the end of the
	// previous one, so runs of one id never overlap.
	Every(id string, interval time.Duration, job Job)
	After(id string, delay time.Duration, job Job)
	Cancel(id string)
	CancelPrefix(prefix string)
}

type task struct {
	job      Job
	interval time.Duration
	timer    *time.Timer
}

type Pool struct {
	logger *slog.Logger
	work   chan func()
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.Mutex
	tasks map[string]*task
}

func NewPool(workers int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		logger: logger,
		work:   make(chan func(), workers*4),
		ctx:    ctx,
		cancel: cancel,
		tasks:  make(map[string]*task),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case fn := <-p.work:
			fn()
		}
	}
}

func (p *Pool) Every(id string, interval time.Duration, job Job) {
	p.schedule(id, interval, interval, job)
}

func (p *Pool) After(id string, delay time.Duration, job Job) {
	p.schedule(id, delay, 0, job)
}

func (p *Pool) schedule(id string, delay, interval time.Duration, job Job) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx.Err() != nil {
		return
	}
	if old, ok := p.tasks[id]; ok {
		old.timer.Stop()
	}
	t := &task{job: job, interval: interval}
	p.tasks[id] = t
	t.timer = time.AfterFunc(delay, func() { p.enqueue(id, t) })
	observability.ScheduledJobs.Set(float64(len(p.tasks)))
}

func (p *Pool) enqueue(id string, t *task) {
	select {
	case p.work <- func() { p.run(id, t) }:
	case <-p.ctx.Done():
	}
}

// run skips tasks that were cancelled or replaced after their timer fired.
func (p *Pool) run(id string, t *task) {
	p.mu.Lock()
	if p.tasks[id] != t {
		p.mu.Unlock()
		return
	}
	if t.interval == 0 {
		delete(p.tasks, id)
	}
	p.mu.Unlock()

	p.invoke(id, t.job)

	if t.interval == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tasks[id] == t && p.ctx.Err() == nil {
		t.timer = time.AfterFunc(t.interval, func() { p.enqueue(id, t) })
	}
}

func (p *Pool) invoke(id string, job Job) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("scheduled job panicked", "job_id", id, "panic", r)
		}
	}()
	observability.JobsRunTotal.Inc()
	job(p.ctx)
}

func (p *Pool) Cancel(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.tasks[id]; ok {
		t.timer.Stop()
		delete(p.tasks, id)
	}
	observability.ScheduledJobs.Set(float64(len(p.tasks)))
}

func (p *Pool) CancelPrefix(prefix string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, t := range p.tasks {
		if strings.HasPrefix(id, prefix) {
			t.timer.Stop()
			delete(p.tasks, id)
		}
	}
	observability.ScheduledJobs.Set(float64(len(p.tasks)))
}

// Pending reports whether id is scheduled.
func (p *Pool) Pending(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.tasks[id]
	return ok
}

// Stop cancels every pending job and waits for running jobs to return.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	for id, t := range p.tasks {
		t.timer.Stop()
		delete(p.tasks, id)
	}
	p.mu.Unlock()
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
