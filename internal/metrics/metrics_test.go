package metrics_test

import (
	"testing"

	"formline/internal/domain"
	"formline/internal/metrics"
)

func outcome(task, worker, result, ts string) domain.Outcome {
	return domain.Outcome{TaskID: task, WorkerID: worker, Result: result, TS: ts}
}

func TestRecordAndSummarize(t *testing.T) {
	a := metrics.New()
	a.Record(outcome("t1", "w1", domain.ResultFailure, "2026-01-01T00:00:00Z"), "legal")
	a.Record(outcome("t1", "w1", domain.ResultSuccess, "2026-01-01T00:01:00Z"), "legal")
	a.Record(outcome("t2", "w2", domain.ResultSuccess, "2026-01-01T00:02:00Z"), "legal")

	w1, ok := a.Worker("w1")
	if !ok {
		t.Fatalf("expected w1 summary")
	}
	if w1.Attempts != 2 || w1.Successes != 1 || w1.Failures != 1 {
		t.Fatalf("unexpected w1 counters: %+v", w1)
	}
	if w1.SuccessRate != 0.5 {
		t.Fatalf("expected 0.5 success rate, got %v", w1.SuccessRate)
	}
	if w1.AvgAttemptsToSuccess != 2 {
		t.Fatalf("t1 took two attempts, got %v", w1.AvgAttemptsToSuccess)
	}

	dept, ok := a.Department("legal")
	if !ok {
		t.Fatalf("expected department summary")
	}
	if dept.Attempts != 3 || dept.Successes != 2 {
		t.Fatalf("unexpected department counters: %+v", dept)
	}
	// 3 attempts over the 2 minute window.
	if dept.ThroughputPerMinute != 1.5 {
		t.Fatalf("expected 1.5/min, got %v", dept.ThroughputPerMinute)
	}
}

func TestUnknownScopes(t *testing.T) {
	a := metrics.New()
	if _, ok := a.Worker("ghost"); ok {
		t.Fatalf("unknown worker should report absent")
	}
	if _, ok := a.Department("ghost"); ok {
		t.Fatalf("unknown department should report absent")
	}
	if got := a.Departments(); len(got) != 0 {
		t.Fatalf("expected no departments, got %+v", got)
	}
}

func TestReplayMatchesLive(t *testing.T) {
	log := []domain.Outcome{
		outcome("t1", "w1", domain.ResultFailure, "2026-01-01T00:00:00Z"),
		outcome("t1", "w2", domain.ResultSuccess, "2026-01-01T00:00:30Z"),
		outcome("t2", "w1", domain.ResultSuccess, "2026-01-01T00:01:00Z"),
	}
	depts := map[string]string{"w1": "legal", "w2": "filing"}

	live := metrics.New()
	for _, o := range log {
		live.Record(o, depts[o.WorkerID])
	}
	replayed := metrics.New()
	metrics.Replay(replayed, log, func(id string) string { return depts[id] })

	for _, w := range []string{"w1", "w2"} {
		a, _ := live.Worker(w)
		b, _ := replayed.Worker(w)
		if a != b {
			t.Fatalf("worker %s: live %+v != replayed %+v", w, a, b)
		}
	}
	for _, d := range []string{"legal", "filing"} {
		a, _ := live.Department(d)
		b, _ := replayed.Department(d)
		if a != b {
			t.Fatalf("department %s: live %+v != replayed %+v", d, a, b)
		}
	}
}
