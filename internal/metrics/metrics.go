package metrics

import (
	"sync"
	"time"

	"formline/internal/domain"
)

// Aggregator keeps running per-worker and per-department counters fed by
// task outcomes. It is derived state: the authoritative record is the
// outcomes table, and Replay rebuilds an identical aggregate from it.
type Aggregator struct {
	mu           sync.Mutex
	workers      map[string]*counters
	departments  map[string]*counters
	taskAttempts map[string]int
	firstTS      time.Time
	lastTS       time.Time
	total        int
}

type counters struct {
	attempts          int
	successes         int
	failures          int
	succeededTasks    int
	attemptsToSuccess int
}

// Summary is a point-in-time snapshot for one worker or department.
type Summary struct {
	Scope                string  `json:"scope"`
	Attempts             int     `json:"attempts"`
	Successes            int     `json:"successes"`
	Failures             int     `json:"failures"`
	SuccessRate          float64 `json:"success_rate"`
	AvgAttemptsToSuccess float64 `json:"avg_attempts_to_success"`
	ThroughputPerMinute  float64 `json:"throughput_per_minute"`
}

func New() *Aggregator {
	return &Aggregator{
		workers:      map[string]*counters{},
		departments:  map[string]*counters{},
		taskAttempts: map[string]int{},
	}
}

// Record folds one outcome into the running counters. O(1) per call; no
// log rescan.
func (a *Aggregator) Record(o domain.Outcome, department string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.taskAttempts[o.TaskID]++
	attempts := a.taskAttempts[o.TaskID]

	for _, c := range []*counters{a.bucket(a.workers, o.WorkerID), a.bucket(a.departments, department)} {
		c.attempts++
		if o.Result == domain.ResultSuccess {
			c.successes++
			c.succeededTasks++
			c.attemptsToSuccess += attempts
		} else {
			c.failures++
		}
	}
	a.total++
	if ts, err := time.Parse(time.RFC3339, o.TS); err == nil {
		if a.firstTS.IsZero() || ts.Before(a.firstTS) {
			a.firstTS = ts
		}
		if ts.After(a.lastTS) {
			a.lastTS = ts
		}
	}
}

func (a *Aggregator) bucket(m map[string]*counters, key string) *counters {
	c, ok := m[key]
	if !ok {
		c = &counters{}
		m[key] = c
	}
	return c
}

// Worker returns the snapshot for one worker id.
func (a *Aggregator) Worker(id string) (Summary, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.workers[id]
	if !ok {
		return Summary{Scope: id}, false
	}
	return a.summarize(id, c), true
}

// Department returns the snapshot for one department.
func (a *Aggregator) Department(id string) (Summary, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.departments[id]
	if !ok {
		return Summary{Scope: id}, false
	}
	return a.summarize(id, c), true
}

// Departments returns snapshots for every known department.
func (a *Aggregator) Departments() []Summary {
	a.mu.Lock()
	defer a.mu.Unlock()
	res := make([]Summary, 0, len(a.departments))
	for id, c := range a.departments {
		res = append(res, a.summarize(id, c))
	}
	return res
}

func (a *Aggregator) summarize(scope string, c *counters) Summary {
	s := Summary{
		Scope:     scope,
		Attempts:  c.attempts,
		Successes: c.successes,
		Failures:  c.failures,
	}
	if c.attempts > 0 {
		s.SuccessRate = float64(c.successes) / float64(c.attempts)
	}
	if c.succeededTasks > 0 {
		s.AvgAttemptsToSuccess = float64(c.attemptsToSuccess) / float64(c.succeededTasks)
	}
	if elapsed := a.lastTS.Sub(a.firstTS); elapsed > 0 {
		s.ThroughputPerMinute = float64(c.attempts) / elapsed.Minutes()
	}
	return s
}

// Replay rebuilds the aggregate from an id-ordered outcome log. departmentOf
// maps a worker id to its department. Replaying the full log from an empty
// aggregator reproduces the current counters exactly.
func Replay(a *Aggregator, outcomes []domain.Outcome, departmentOf func(workerID string) string) {
	for _, o := range outcomes {
		a.Record(o, departmentOf(o.WorkerID))
	}
}
