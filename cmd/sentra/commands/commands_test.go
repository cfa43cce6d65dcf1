package commands

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jholhewres/sentra/pkg/sentra/copilot"
	"github.com/jholhewres/sentra/pkg/sentra/history"
	"github.com/jholhewres/sentra/pkg/sentra/scheduler"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestValidateCommand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		wantErr bool
		want    string
	}{
		{
			name:  "valid reply",
			input: "<sentra-response><text1>Hi!</text1><resources></resources></sentra-response>",
			want:  `"valid": true`,
		},
		{
			name:    "plain text",
			input:   "Hi!",
			wantErr: true,
			want:    `"wrapped": false`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var out bytes.Buffer
			cmd := NewRootCmd("test")
			cmd.SetArgs([]string{"validate"})
			cmd.SetIn(strings.NewReader(tt.input))
			cmd.SetOut(&out)

			err := cmd.Execute()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Execute() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !strings.Contains(out.String(), tt.want) {
				t.Errorf("output missing %q:\n%s", tt.want, out.String())
			}
		})
	}
}

func TestValidateCommandReadsFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "reply.xml")
	if err := os.WriteFile(path, []byte("<sentra-response><text1>a</text1><text2>b</text2></sentra-response>"), 0o600); err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	cmd := NewRootCmd("test")
	cmd.SetArgs([]string{"validate", path})
	cmd.SetOut(&out)
	if err := cmd.Execute(); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), `"b"`) {
		t.Errorf("second segment missing:\n%s", out.String())
	}
}

func TestConfigInit(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "conf", "config.yaml")
	run := func(args ...string) error {
		cmd := NewRootCmd("test")
		cmd.SetArgs(append([]string{"--config", path, "config", "init"}, args...))
		cmd.SetOut(io.Discard)
		return cmd.Execute()
	}

	if err := run(); err != nil {
		t.Fatal(err)
	}
	cfg, err := copilot.ParseConfig(mustRead(t, path))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Name != "Sentra" || cfg.API.APIKey != "${SENTRA_API_KEY}" {
		t.Errorf("written config = %+v", cfg)
	}
	if err := run(); err == nil {
		t.Error("init should refuse to overwrite")
	}
	if err := run("--force"); err != nil {
		t.Errorf("forced init: %v", err)
	}
}

func mustRead(t *testing.T, path string) []byte {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestMaskSecret(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"":                  "",
		"${SENTRA_API_KEY}": "${SENTRA_API_KEY}",
		"short":             "********",
		"sk-1234567890abcd": "sk-1...abcd",
	}
	for in, want := range tests {
		if got := maskSecret(in); got != want {
			t.Errorf("maskSecret(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPrintPairs(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	printPairs(&out, "G:1", nil)
	if !strings.Contains(out.String(), "No stored pairs for G:1") {
		t.Errorf("empty output = %q", out.String())
	}

	out.Reset()
	printPairs(&out, "G:1", []history.Pair{
		{ID: "p1", SenderID: "u1", UserContent: "hello\nthere", AssistantContent: "hi", FinishedAt: time.Now()},
		{ID: "p2", SenderID: "u2", UserContent: "q", AssistantContent: "a", FinishedAt: time.Now()},
	})
	got := out.String()
	for _, want := range []string{"pair p1 sender u1", "  hello\n  there", "pair p2", strings.Repeat("-", 60)} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
}

type fakeSweeper struct {
	ttl time.Duration
	err error
}

func (f *fakeSweeper) Sweep(ttl time.Duration) (int64, error) {
	f.ttl = ttl
	return 3, f.err
}

type fakeRotator struct{ keep int }

func (f *fakeRotator) Rotate(keep int) (int64, error) {
	f.keep = keep
	return 1, nil
}

func TestRegisterMaintenanceJobs(t *testing.T) {
	t.Parallel()

	cfg := copilot.DefaultConfig()
	cfg.History.MaxConversationPairs = 7
	sweeper := &fakeSweeper{err: errors.New("locked")}
	rotator := &fakeRotator{}

	s := scheduler.New(quietLogger())
	registerMaintenanceJobs(s, cfg, sweeper, rotator, quietLogger())

	jobs := s.Jobs()
	if len(jobs) != 2 || jobs[0].Name != jobCacheSweep || jobs[0].Schedule != "@every 10m" || jobs[1].Schedule != "@hourly" {
		t.Fatalf("jobs = %+v", jobs)
	}
	if err := s.RunNow(jobCacheSweep); err == nil || sweeper.ttl != 24*time.Hour {
		t.Errorf("sweep err = %v ttl = %v", err, sweeper.ttl)
	}
	if err := s.RunNow(jobHistoryPrune); err != nil || rotator.keep != 7 {
		t.Errorf("prune err = %v keep = %d", err, rotator.keep)
	}
}

func TestRegisterMaintenanceJobsSkipsMissingStorage(t *testing.T) {
	t.Parallel()

	s := scheduler.New(quietLogger())
	registerMaintenanceJobs(s, copilot.DefaultConfig(), nil, nil, quietLogger())
	if len(s.Jobs()) != 0 {
		t.Errorf("jobs = %+v", s.Jobs())
	}
}
