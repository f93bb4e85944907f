package watcher

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/therealutkarshpriyadarshi/logexporter/internal/logging"
)

func TestDiff(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	before := map[string]fileState{
		"/logs/same.log":    {size: 10, modTime: t0},
		"/logs/grown.log":   {size: 10, modTime: t0},
		"/logs/touched.log": {size: 10, modTime: t0},
		"/logs/gone.log":    {size: 10, modTime: t0},
	}
	after := map[string]fileState{
		"/logs/same.log":    {size: 10, modTime: t0},
		"/logs/grown.log":   {size: 20, modTime: t0},
		"/logs/touched.log": {size: 10, modTime: t0.Add(time.Second)},
		"/logs/new.log":     {size: 1, modTime: t0},
	}

	got := make(map[string]Op)
	for _, ev := range diff(before, after) {
		got[ev.Path] = ev.Op
	}

	want := map[string]Op{
		"/logs/grown.log":   OpWrite,
		"/logs/touched.log": OpWrite,
		"/logs/new.log":     OpCreate,
		"/logs/gone.log":    OpRemove,
	}
	if len(got) != len(want) {
		t.Fatalf("Expected %d events, got %d: %v", len(want), len(got), got)
	}
	for path, op := range want {
		if got[path] != op {
			t.Errorf("Expected %s for %s, got %s", op, path, got[path])
		}
	}
}

func TestPollSourceDetectsChanges(t *testing.T) {
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "/logs/app.log", []byte("a\n"), 0644); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := NewPollSource(fs, 10*time.Millisecond, logging.Nop())
	events, _, err := src.Subscribe(ctx, "/logs")
	if err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}

	f, err := fs.OpenFile("/logs/app.log", os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		t.Fatalf("Failed to open: %v", err)
	}
	f.WriteString("b\n")
	f.Close()

	select {
	case ev := <-events:
		if ev.Path != "/logs/app.log" || ev.Op != OpWrite {
			t.Errorf("Expected write on /logs/app.log, got %s %s", ev.Op, ev.Path)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for write event")
	}

	fs.MkdirAll("/logs/sub", 0755)
	if err := afero.WriteFile(fs, "/logs/sub/new.log", []byte("c\n"), 0644); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}

	select {
	case ev := <-events:
		if ev.Path != "/logs/sub/new.log" || ev.Op != OpCreate {
			t.Errorf("Expected create on /logs/sub/new.log, got %s %s", ev.Op, ev.Path)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Timed out waiting for create event")
	}
}

func TestPollSourceClosesOnCancel(t *testing.T) {
	fs := afero.NewMemMapFs()
	fs.MkdirAll("/logs", 0755)

	ctx, cancel := context.WithCancel(context.Background())
	events, errs, err := NewPollSource(fs, 10*time.Millisecond, logging.Nop()).Subscribe(ctx, "/logs")
	if err != nil {
		t.Fatalf("Failed to subscribe: %v", err)
	}
	cancel()

	timeout := time.After(2 * time.Second)
	for events != nil || errs != nil {
		select {
		case _, ok := <-events:
			if !ok {
				events = nil
			}
		case _, ok := <-errs:
			if !ok {
				errs = nil
			}
		case <-timeout:
			t.Fatal("Channels were not closed after cancel")
		}
	}
}

func TestPollSourceMissingDir(t *testing.T) {
	_, _, err := NewPollSource(afero.NewMemMapFs(), time.Second, logging.Nop()).Subscribe(context.Background(), "/nope")
	if err == nil {
		t.Fatal("Expected error for missing directory")
	}
}

func TestOpString(t *testing.T) {
	tests := []struct {
		op   Op
		want string
	}{
		{OpCreate, "create"},
		{OpWrite, "write"},
		{OpRemove, "remove"},
		{OpRename, "rename"},
		{Op(0), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.op.String(); got != tt.want {
			t.Errorf("Op(%d).String() = %s, want %s", tt.op, got, tt.want)
		}
	}
}
