package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"testing"

	"github.com/vladislavdragonenkov/marketpay/internal/storage/postgres"
)

func noEnv(string) (string, bool) { return "", false }

type stubMigrator struct {
	upSteps   int
	downSteps int
	err       error
	state     postgres.MigrationState
}

func (s *stubMigrator) MigrateUp(_ context.Context, steps int) (int, error) {
	s.upSteps = steps
	return 3, s.err
}

func (s *stubMigrator) MigrateDown(_ context.Context, steps int) (int, error) {
	s.downSteps = steps
	return steps, s.err
}

func (s *stubMigrator) MigrationStatus(context.Context) (postgres.MigrationState, error) {
	return s.state, nil
}

func TestParseOptions(t *testing.T) {
	opts, err := parseOptions([]string{"-direction=DOWN", "-steps=2", "-dsn=postgres://localhost/marketpay"}, noEnv)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if opts.direction != "down" || opts.steps != 2 {
		t.Fatalf("unexpected options: %+v", opts)
	}

	opts, err = parseOptions(nil, func(key string) (string, bool) {
		return " postgres://env/marketpay ", key == envPostgresDSN
	})
	if err != nil {
		t.Fatalf("parse with env dsn failed: %v", err)
	}
	if opts.dsn != "postgres://env/marketpay" || opts.direction != "up" {
		t.Fatalf("unexpected options: %+v", opts)
	}
}

func TestParseOptions_Errors(t *testing.T) {
	cases := map[string][]string{
		"missing dsn":    nil,
		"bad direction":  {"-direction=sideways", "-dsn=x"},
		"negative steps": {"-steps=-1", "-dsn=x"},
		"unknown flag":   {"-force", "-dsn=x"},
	}
	for name, args := range cases {
		if _, err := parseOptions(args, noEnv); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestRun(t *testing.T) {
	ctx := context.Background()
	m := &stubMigrator{state: postgres.MigrationState{Version: 3, Applied: 3, Available: 3}}

	var out bytes.Buffer
	if err := run(ctx, m, options{direction: "up"}, &out); err != nil {
		t.Fatalf("up failed: %v", err)
	}
	if !strings.Contains(out.String(), "migrate up ok: changed=3 version=3") {
		t.Fatalf("unexpected output: %q", out.String())
	}

	out.Reset()
	if err := run(ctx, m, options{direction: "down"}, &out); err != nil {
		t.Fatalf("down failed: %v", err)
	}
	if m.downSteps != 1 {
		t.Fatalf("down without steps must roll back one migration, got %d", m.downSteps)
	}

	out.Reset()
	if err := run(ctx, m, options{direction: "status"}, &out); err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if !strings.HasPrefix(out.String(), "migration status: version=3 applied=3 available=3") {
		t.Fatalf("unexpected output: %q", out.String())
	}

	m.err = errors.New("lock timeout")
	if err := run(ctx, m, options{direction: "up"}, &out); err == nil {
		t.Fatal("expected migrate error")
	}
}

func TestFailExits(t *testing.T) {
	if os.Getenv("MIGRATE_TEST_FAIL_EXIT") == "1" {
		fail("forced failure %d", 42)
		return
	}

	cmd := exec.Command(os.Args[0], "-test.run=TestFailExits")
	cmd.Env = append(os.Environ(), "MIGRATE_TEST_FAIL_EXIT=1")
	err := cmd.Run()
	if err == nil {
		t.Fatal("expected subprocess to exit with error")
	}
	if exitErr, ok := err.(*exec.ExitError); !ok || exitErr.ExitCode() == 0 {
		t.Fatalf("expected non-zero exit code, got %v", err)
	}
}
