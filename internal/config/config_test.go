package config_test

import (
	"errors"
	"strings"
	"testing"

	"formline/internal/config"
)

func TestDefaultCatalogIsValid(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	for _, code := range []string{"DE", "WY"} {
		j, err := cfg.Jurisdiction(code)
		if err != nil {
			t.Fatalf("missing %s: %v", code, err)
		}
		if len(j.Stages) == 0 {
			t.Fatalf("%s has no stages", code)
		}
	}
	if cfg.Scheduler.MaxAttempts != 3 {
		t.Fatalf("unexpected max_attempts %d", cfg.Scheduler.MaxAttempts)
	}
}

func TestFromYAML(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
scheduler:
  max_attempts: 5
  backoff_base_sec: 2
  backoff_factor: 1.5
  backoff_cap_sec: 30
jurisdictions:
  ZZ:
    name: Testland
    stages:
      - key: only
        title: Only stage
        tasks:
          - key: work
            title: Do the work
            role: filer
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Scheduler.MaxAttempts != 5 || cfg.Scheduler.BackoffFactor != 1.5 {
		t.Fatalf("scheduler not parsed: %+v", cfg.Scheduler)
	}
	if _, err := cfg.Jurisdiction("ZZ"); err != nil {
		t.Fatalf("jurisdiction not parsed: %v", err)
	}
}

func configError(t *testing.T, yaml string) config.ConfigurationError {
	t.Helper()
	_, err := config.FromYAML([]byte(yaml))
	var ce config.ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
	return ce
}

func TestValidateRejectsDependencyCycle(t *testing.T) {
	ce := configError(t, `
scheduler: {max_attempts: 3, backoff_base_sec: 1, backoff_factor: 2, backoff_cap_sec: 60}
jurisdictions:
  ZZ:
    name: Testland
    stages:
      - key: loop
        title: Loop stage
        tasks:
          - {key: a, title: A, role: filer, depends_on: [b]}
          - {key: b, title: B, role: filer, depends_on: [a]}
`)
	if !strings.Contains(ce.Error(), "cycle") {
		t.Fatalf("expected cycle in message, got %q", ce.Error())
	}
}

func TestValidateRejectsUnknownDependency(t *testing.T) {
	configError(t, `
scheduler: {max_attempts: 3, backoff_base_sec: 1, backoff_factor: 2, backoff_cap_sec: 60}
jurisdictions:
  ZZ:
    name: Testland
    stages:
      - key: s
        title: S
        tasks:
          - {key: a, title: A, role: filer, depends_on: [ghost]}
`)
}

func TestValidateRejectsMissingRole(t *testing.T) {
	configError(t, `
scheduler: {max_attempts: 3, backoff_base_sec: 1, backoff_factor: 2, backoff_cap_sec: 60}
jurisdictions:
  ZZ:
    name: Testland
    stages:
      - key: s
        title: S
        tasks:
          - {key: a, title: A}
`)
}

func TestValidateRejectsBadScheduler(t *testing.T) {
	configError(t, `
scheduler: {max_attempts: 0, backoff_base_sec: 1, backoff_factor: 2, backoff_cap_sec: 60}
jurisdictions:
  ZZ:
    name: Testland
    stages:
      - key: s
        title: S
        tasks:
          - {key: a, title: A, role: filer}
`)
}

func TestValidateStagesRejectsDuplicateKeys(t *testing.T) {
	err := config.ValidateStages([]config.Stage{
		{Key: "s", Title: "S", Tasks: []config.StageTask{{Key: "a", Title: "A", Role: "filer"}}},
		{Key: "s", Title: "S again", Tasks: []config.StageTask{{Key: "b", Title: "B", Role: "filer"}}},
	})
	var ce config.ConfigurationError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
}
