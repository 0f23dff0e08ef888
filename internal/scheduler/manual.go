package scheduler

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Manual is a Scheduler driven by a virtual clock. Jobs only run inside
// Advance, in due order, on the caller's goroutine.
type Manual struct {
	mu   sync.Mutex
	now  time.Time
	seq  uint64
	jobs map[string]*manualJob
}

type manualJob struct {
	due      time.Time
	interval time.Duration
	seq      uint64
	job      Job
}

func NewManual(start time.Time) *Manual {
	return &Manual{now: start, jobs: make(map[string]*manualJob)}
}

func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *Manual) Every(id string, interval time.Duration, job Job) {
	m.add(id, interval, interval, job)
}

func (m *Manual) After(id string, delay time.Duration, job Job) {
	m.add(id, delay, 0, job)
}

func (m *Manual) add(id string, delay, interval time.Duration, job Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	m.jobs[id] = &manualJob{due: m.now.Add(delay), interval: interval, seq: m.seq, job: job}
}

func (m *Manual) Cancel(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
}

func (m *Manual) CancelPrefix(prefix string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.jobs {
		if strings.HasPrefix(id, prefix) {
			delete(m.jobs, id)
		}
	}
}

func (m *Manual) Pending(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.jobs[id]
	return ok
}

// Len returns the number of scheduled jobs.
func (m *Manual) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

// Advance moves the clock forward by d and runs every job that falls due,
// including jobs scheduled by jobs run during the call. It returns the
// number of runs.
func (m *Manual) Advance(d time.Duration) int {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	runs := 0
	for {
		m.mu.Lock()
		id, j := m.next(target)
		if j == nil {
			m.now = target
			m.mu.Unlock()
			return runs
		}
		m.now = j.due
		if j.interval == 0 {
			delete(m.jobs, id)
		}
		m.mu.Unlock()

		j.job(context.Background())
		runs++

		if j.interval > 0 {
			m.mu.Lock()
			if m.jobs[id] == j {
				m.seq++
				j.due = m.now.Add(j.interval)
				j.seq = m.seq
			}
			m.mu.Unlock()
		}
	}
}

func (m *Manual) next(target time.Time) (string, *manualJob) {
	var (
		bestID string
		best   *manualJob
	)
	for id, j := range m.jobs {
		if j.due.After(target) {
			continue
		}
		if best == nil || j.due.Before(best.due) || (j.due.Equal(best.due) && j.seq < best.seq) {
			bestID, best = id, j
		}
	}
	return bestID, best
}
