package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAddValidation(t *testing.T) {
	t.Parallel()

	noop := func(context.Context) error { return nil }
	tests := []struct {
		name     string
		job      string
		schedule string
		fn       JobFunc
		wantErr  bool
	}{
		{"descriptor", "sweep", "@every 10m", noop, false},
		{"standard", "prune", "0 3 * * *", noop, false},
		{"empty schedule disables", "off", "", noop, false},
		{"invalid schedule", "bad", "every tuesday", noop, true},
		{"missing name", "", "@hourly", noop, true},
		{"missing func", "nil", "@hourly", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := New(quietLogger())
			err := s.Add(tt.job, tt.schedule, tt.fn)
			if (err != nil) != tt.wantErr {
				t.Errorf("Add() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestAddDuplicateAndRemove(t *testing.T) {
	t.Parallel()

	s := New(quietLogger())
	noop := func(context.Context) error { return nil }
	if err := s.Add("sweep", "@hourly", noop); err != nil {
		t.Fatal(err)
	}
	if err := s.Add("sweep", "@daily", noop); err == nil {
		t.Error("duplicate name should fail")
	}
	if err := s.Remove("sweep"); err != nil {
		t.Fatal(err)
	}
	if err := s.Remove("sweep"); err == nil {
		t.Error("removing twice should fail")
	}
	if len(s.Jobs()) != 0 {
		t.Errorf("jobs = %+v", s.Jobs())
	}
}

func TestRunNowRecordsOutcome(t *testing.T) {
	t.Parallel()

	s := New(quietLogger())
	fail := true
	_ = s.Add("prune", "@hourly", func(context.Context) error {
		if fail {
			return errors.New("disk full")
		}
		return nil
	})
	_ = s.Add("boom", "@hourly", func(context.Context) error { panic("bad job") })

	if err := s.RunNow("prune"); err == nil {
		t.Fatal("expected the job error")
	}
	fail = false
	if err := s.RunNow("prune"); err != nil {
		t.Fatal(err)
	}
	if err := s.RunNow("boom"); err == nil || !strings.Contains(err.Error(), "panic") {
		t.Errorf("panic not recovered as error: %v", err)
	}
	if err := s.RunNow("missing"); err == nil {
		t.Error("unknown job should fail")
	}

	jobs := s.Jobs()
	if len(jobs) != 2 || jobs[0].Name != "boom" || jobs[1].Name != "prune" {
		t.Fatalf("jobs = %+v", jobs)
	}
	if jobs[1].RunCount != 2 || jobs[1].LastError != "" || jobs[1].LastRunAt.IsZero() {
		t.Errorf("prune = %+v", jobs[1])
	}
	if !strings.Contains(jobs[0].LastError, "bad job") {
		t.Errorf("boom = %+v", jobs[0])
	}
}

func TestRunNowSkipsOverlap(t *testing.T) {
	t.Parallel()

	s := New(quietLogger())
	started := make(chan struct{})
	release := make(chan struct{})
	_ = s.Add("slow", "@hourly", func(context.Context) error {
		close(started)
		<-release
		return nil
	})

	done := make(chan error, 1)
	go func() { done <- s.RunNow("slow") }()
	<-started
	if err := s.RunNow("slow"); err == nil {
		t.Error("overlapping run should be skipped")
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}

func TestStartFiresJobs(t *testing.T) {
	t.Parallel()

	s := New(quietLogger())
	var runs atomic.Int32
	_ = s.Add("tick", "@every 1s", func(ctx context.Context) error {
		runs.Add(1)
		return nil
	})

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err == nil {
		t.Error("second start should fail")
	}

	// Jobs added after Start are scheduled immediately.
	var lateStarted atomic.Bool
	cancelled := make(chan struct{})
	_ = s.Add("late", "@every 1s", func(ctx context.Context) error {
		if !lateStarted.CompareAndSwap(false, true) {
			return nil
		}
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	})
	for _, j := range s.Jobs() {
		if j.NextRunAt.IsZero() {
			t.Errorf("job %s has no next run", j.Name)
		}
	}

	deadline := time.Now().Add(3 * time.Second)
	for (runs.Load() == 0 || !lateStarted.Load()) && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if runs.Load() == 0 || !lateStarted.Load() {
		t.Fatal("jobs never fired")
	}

	s.Stop()
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Error("running job context not cancelled on stop")
	}
}
