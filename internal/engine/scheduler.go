package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"formline/internal/domain"
	"formline/internal/events"
	"formline/internal/repo"
)

// Assignment records one task handed to one worker during a tick.
type Assignment struct {
	TaskID   string `json:"task_id"`
	TaskKey  string `json:"task_key"`
	CaseID   string `json:"case_id"`
	WorkerID string `json:"worker_id"`
	Attempt  int    `json:"attempt"`
}

// Tick performs one assignment pass for a single case under its exclusive
// section. Failed tasks whose backoff window has elapsed re-enter ready
// first. Ready tasks are visited in (stage order, creation time) order and
// each is given to the least-loaded active worker whose role matches, ties
// broken by worker id. Tasks with no eligible worker stay ready for the
// next tick. The pass is a pure function of store state plus the clock.
func (e Engine) Tick(ctx context.Context, caseID, actorID string) ([]Assignment, error) {
	unlock := e.locks.lock(caseID)
	defer unlock()

	c, err := e.Repo.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	if c.Status != domain.CaseInProgress {
		return nil, nil
	}
	workers, err := e.Repo.ListWorkers(ctx, repo.WorkerFilters{ActiveOnly: true})
	if err != nil {
		return nil, err
	}
	if len(workers) == 0 {
		return nil, nil
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := e.nowRFC3339()
	if _, err := e.Repo.ReviveFailed(ctx, tx, caseID, now); err != nil {
		return nil, err
	}
	ready, err := e.Repo.ReadyTasks(ctx, tx, caseID, now)
	if err != nil {
		return nil, err
	}
	if len(ready) == 0 {
		return nil, nil
	}
	loads, err := e.Repo.AssignedCounts(ctx, tx)
	if err != nil {
		return nil, err
	}

	var assigned []Assignment
	for _, t := range ready {
		w, ok := pickWorker(workers, loads, t.Role)
		if !ok {
			continue
		}
		ok, err := e.Repo.AssignTask(ctx, tx, t.ID, w.ID, w.Capacity, now)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		loads[w.ID]++
		attempt := t.Attempts + 1
		if err := e.Events.Append(ctx, tx, "task.assigned", caseID, "task", t.ID, actorID, events.EventPayload{
			"task_key": t.TaskKey,
			"worker":   w.ID,
			"attempt":  attempt,
		}); err != nil {
			return nil, err
		}
		assigned = append(assigned, Assignment{
			TaskID:   t.ID,
			TaskKey:  t.TaskKey,
			CaseID:   caseID,
			WorkerID: w.ID,
			Attempt:  attempt,
		})
	}
	if len(assigned) == 0 {
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return assigned, nil
}

// pickWorker selects the least-loaded worker able to handle the role, with
// spare capacity, ties broken by id for determinism. Full workers are
// simply skipped; capacity pressure is never an error.
func pickWorker(workers []domain.Worker, loads map[string]int, role string) (domain.Worker, bool) {
	candidates := make([]domain.Worker, 0, len(workers))
	for _, w := range workers {
		if w.CanHandle(role) && loads[w.ID] < w.Capacity {
			candidates = append(candidates, w)
		}
	}
	if len(candidates) == 0 {
		return domain.Worker{}, false
	}
	sort.Slice(candidates, func(i, j int) bool {
		li, lj := loads[candidates[i].ID], loads[candidates[j].ID]
		if li != lj {
			return li < lj
		}
		return candidates[i].ID < candidates[j].ID
	})
	return candidates[0], true
}

// TickAll runs one assignment pass over every in-progress case, in priority
// order. SQLite admits a single writer, so case passes run one at a time;
// the group still cancels the whole sweep on the first error.
func (e Engine) TickAll(ctx context.Context, actorID string) ([]Assignment, error) {
	ids, err := e.Repo.ActiveCaseIDs(ctx)
	if err != nil {
		return nil, err
	}
	var (
		mu  sync.Mutex
		all []Assignment
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(1)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			assigned, err := e.Tick(gctx, id, actorID)
			if err != nil {
				return err
			}
			mu.Lock()
			all = append(all, assigned...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return all, nil
}

// backoffUntil computes when a task that just failed its nth attempt becomes
// reassignable: base * factor^(n-1), capped.
func (e Engine) backoffUntil(failedAt time.Time, attempt int) time.Time {
	s := e.Config.Scheduler
	delay := time.Duration(s.BackoffBaseSec) * time.Second
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * s.BackoffFactor)
	}
	if ceil := time.Duration(s.BackoffCapSec) * time.Second; delay > ceil {
		delay = ceil
	}
	return failedAt.Add(delay)
}
