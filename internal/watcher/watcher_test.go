package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/onsi/gomega"
	dto "github.com/prometheus/client_model/go"
	"github.com/spf13/afero"
	"github.com/therealutkarshpriyadarshi/logexporter/internal/buffer"
	"github.com/therealutkarshpriyadarshi/logexporter/internal/checkpoint"
	"github.com/therealutkarshpriyadarshi/logexporter/internal/logging"
	"github.com/therealutkarshpriyadarshi/logexporter/internal/metrics"
	"github.com/therealutkarshpriyadarshi/logexporter/internal/reader"
	"github.com/therealutkarshpriyadarshi/logexporter/pkg/types"
)

// fakeSource lets tests push events by hand
type fakeSource struct {
	events chan ChangeEvent
	errs   chan error
	err    error
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		events: make(chan ChangeEvent, 16),
		errs:   make(chan error, 1),
	}
}

func (f *fakeSource) Subscribe(ctx context.Context, dir string) (<-chan ChangeEvent, <-chan error, error) {
	if f.err != nil {
		return nil, nil, f.err
	}
	return f.events, f.errs, nil
}

type harness struct {
	fs      afero.Fs
	source  *fakeSource
	store   *checkpoint.MemoryStore
	buf     *buffer.Buffer
	metrics *metrics.Collector
	cancel  context.CancelFunc
	done    chan error
}

func startWatcher(t *testing.T, fs afero.Fs) *harness {
	t.Helper()

	h := &harness{
		fs:      fs,
		source:  newFakeSource(),
		store:   checkpoint.NewMemoryStore(),
		buf:     buffer.New(100),
		metrics: metrics.NewCollector(),
		done:    make(chan error, 1),
	}

	w := New(Config{Dir: "/logs", Suffix: ".log"}, fs, h.source, h.store, reader.New(fs), h.buf, WithMetrics(h.metrics))

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- w.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		<-h.done
	})
	return h
}

func (h *harness) drained() func() []types.LogLine {
	var all []types.LogLine
	return func() []types.LogLine {
		all = append(all, h.buf.Drain().Lines...)
		return all
	}
}

func counterValue(t *testing.T, c interface{ Write(*dto.Metric) error }) float64 {
	t.Helper()
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestWatcherInitialScan(t *testing.T) {
	g := NewGomegaWithT(t)
	fs := afero.NewMemMapFs()
	afero.WriteFile(fs, "/logs/app.log", []byte("one\ntwo\n"), 0644)
	afero.WriteFile(fs, "/logs/nested/db.log", []byte("three\n"), 0644)
	afero.WriteFile(fs, "/logs/ignored.txt", []byte("nope\n"), 0644)

	h := startWatcher(t, fs)

	g.Eventually(h.buf.Len, time.Second).Should(Equal(3))
	g.Expect(h.buf.Drain().Lines).To(ConsistOf("one", "two", "three"))
	g.Expect(h.store.Offset("/logs/app.log")).To(Equal(uint64(8)))
	g.Expect(h.store.Offset("/logs/ignored.txt")).To(BeZero())
}

func TestWatcherResumesFromStoredOffset(t *testing.T) {
	g := NewGomegaWithT(t)
	fs := afero.NewMemMapFs()
	afero.WriteFile(fs, "/logs/app.log", []byte("old\nnew\n"), 0644)

	store := checkpoint.NewMemoryStore()
	store.SetOffset("/logs/app.log", 4)
	buf := buffer.New(10)
	src := newFakeSource()

	w := New(Config{Dir: "/logs", Suffix: ".log"}, fs, src, store, reader.New(fs), buf)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	g.Eventually(buf.Len, time.Second).Should(Equal(1))
	g.Expect(buf.Drain().Lines).To(Equal([]types.LogLine{"new"}))
}

func TestWatcherAppendEvents(t *testing.T) {
	g := NewGomegaWithT(t)
	fs := afero.NewMemMapFs()
	afero.WriteFile(fs, "/logs/app.log", []byte("a\n"), 0644)

	h := startWatcher(t, fs)
	all := h.drained()
	g.Eventually(all, time.Second).Should(Equal([]types.LogLine{"a"}))

	f, _ := fs.OpenFile("/logs/app.log", os.O_WRONLY|os.O_APPEND, 0644)
	f.WriteString("b\nc\npart")
	f.Close()
	h.source.events <- ChangeEvent{Path: "/logs/app.log", Op: OpWrite}

	g.Eventually(all, time.Second).Should(Equal([]types.LogLine{"a", "b", "c"}))
	g.Expect(h.store.Offset("/logs/app.log")).To(Equal(uint64(6)))

	f, _ = fs.OpenFile("/logs/app.log", os.O_WRONLY|os.O_APPEND, 0644)
	f.WriteString("ial\n")
	f.Close()
	h.source.events <- ChangeEvent{Path: "/logs/app.log", Op: OpWrite}

	g.Eventually(all, time.Second).Should(Equal([]types.LogLine{"a", "b", "c", "partial"}))
}

func TestWatcherNewFile(t *testing.T) {
	g := NewGomegaWithT(t)
	fs := afero.NewMemMapFs()
	fs.MkdirAll("/logs", 0755)

	h := startWatcher(t, fs)

	afero.WriteFile(fs, "/logs/fresh.log", []byte("hello\n"), 0644)
	afero.WriteFile(fs, "/logs/fresh.json", []byte("skip\n"), 0644)
	h.source.events <- ChangeEvent{Path: "/logs/fresh.json", Op: OpCreate}
	h.source.events <- ChangeEvent{Path: "/logs/fresh.log", Op: OpCreate}

	g.Eventually(h.buf.Len, time.Second).Should(Equal(1))
	g.Consistently(h.buf.Len, 100*time.Millisecond).Should(Equal(1))
	g.Expect(h.buf.Drain().Lines).To(Equal([]types.LogLine{"hello"}))
}

func TestWatcherIgnoresDirectoryEvents(t *testing.T) {
	g := NewGomegaWithT(t)
	fs := afero.NewMemMapFs()
	fs.MkdirAll("/logs/archive.log", 0755)

	h := startWatcher(t, fs)
	h.source.events <- ChangeEvent{Path: "/logs/archive.log", Op: OpCreate}

	g.Consistently(func() float64 { return counterValue(t, h.metrics.ReadErrors) }, 100*time.Millisecond).Should(BeZero())
	g.Expect(h.buf.Len()).To(BeZero())
}

func TestWatcherTruncation(t *testing.T) {
	g := NewGomegaWithT(t)
	fs := afero.NewMemMapFs()
	afero.WriteFile(fs, "/logs/app.log", []byte("aaaa\nbbbb\n"), 0644)

	h := startWatcher(t, fs)
	all := h.drained()
	g.Eventually(all, time.Second).Should(HaveLen(2))

	afero.WriteFile(fs, "/logs/app.log", []byte("c\n"), 0644)
	h.source.events <- ChangeEvent{Path: "/logs/app.log", Op: OpWrite}

	g.Eventually(all, time.Second).Should(Equal([]types.LogLine{"aaaa", "bbbb", "c"}))
	g.Expect(h.store.Offset("/logs/app.log")).To(Equal(uint64(2)))
	g.Expect(counterValue(t, h.metrics.Truncations)).To(Equal(1.0))
}

func TestWatcherTruncationPersistsOffset(t *testing.T) {
	g := NewGomegaWithT(t)
	fs := afero.NewMemMapFs()
	afero.WriteFile(fs, "/logs/app.log", []byte("aaaa\nbbbb\n"), 0644)

	mgr, err := checkpoint.NewManager(fs, "/state", time.Hour, logging.Nop())
	g.Expect(err).ToNot(HaveOccurred())
	src := newFakeSource()
	buf := buffer.New(100)
	w := New(Config{Dir: "/logs", Suffix: ".log"}, fs, src, mgr, reader.New(fs), buf)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 2)
	go func() { done <- w.Run(ctx) }()
	go func() { done <- mgr.Run(ctx) }()
	defer func() {
		cancel()
		<-done
		<-done
	}()

	g.Eventually(buf.Len, time.Second).Should(Equal(2))

	afero.WriteFile(fs, "/logs/app.log", []byte("c\n"), 0644)
	src.events <- ChangeEvent{Path: "/logs/app.log", Op: OpWrite}

	// The save interval is an hour, so only an early save can write this
	positions := func() string {
		data, _ := afero.ReadFile(fs, "/state/positions.json")
		return string(data)
	}
	g.Eventually(positions, 2*time.Second).Should(ContainSubstring(`"offset": 2`))
}

func TestWatcherReadErrorIsNotFatal(t *testing.T) {
	g := NewGomegaWithT(t)
	fs := afero.NewMemMapFs()
	fs.MkdirAll("/logs", 0755)

	h := startWatcher(t, fs)

	// The file vanished between the event and the read
	h.source.errs <- os.ErrPermission
	h.source.events <- ChangeEvent{Path: "/logs/gone.log", Op: OpWrite}

	afero.WriteFile(fs, "/logs/ok.log", []byte("still running\n"), 0644)
	h.source.events <- ChangeEvent{Path: "/logs/ok.log", Op: OpWrite}

	g.Eventually(h.buf.Len, time.Second).Should(Equal(1))
	g.Expect(h.store.Offset("/logs/gone.log")).To(BeZero())
}

func TestWatcherSubscribeFailure(t *testing.T) {
	fs := afero.NewMemMapFs()
	src := newFakeSource()
	src.err = os.ErrNotExist

	w := New(Config{Dir: "/missing", Suffix: ".log"}, fs, src, checkpoint.NewMemoryStore(), reader.New(fs), buffer.New(1))
	if err := w.Run(context.Background()); err == nil {
		t.Fatal("Expected subscribe error to be returned")
	}
}

func TestWatcherStopsWhenSourceCloses(t *testing.T) {
	fs := afero.NewMemMapFs()
	fs.MkdirAll("/logs", 0755)
	src := newFakeSource()
	close(src.events)

	w := New(Config{Dir: "/logs", Suffix: ".log"}, fs, src, checkpoint.NewMemoryStore(), reader.New(fs), buffer.New(1))

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected nil error, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after the source closed")
	}
}

func TestWatcherWithFSNotify(t *testing.T) {
	g := NewGomegaWithT(t)
	dir := t.TempDir()
	logger := logging.Nop()
	fs := afero.NewOsFs()

	if err := os.WriteFile(filepath.Join(dir, "existing.log"), []byte("line1\n"), 0644); err != nil {
		t.Fatalf("Failed to write log file: %v", err)
	}

	buf := buffer.New(100)
	w := New(Config{Dir: dir, Suffix: ".log"}, fs, NewFSNotifySource(logger), checkpoint.NewMemoryStore(), reader.New(fs), buf)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	var all []types.LogLine
	collect := func() []types.LogLine {
		all = append(all, buf.Drain().Lines...)
		return all
	}
	g.Eventually(collect, 2*time.Second).Should(Equal([]types.LogLine{"line1"}))

	f, err := os.OpenFile(filepath.Join(dir, "existing.log"), os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("Failed to open log file: %v", err)
	}
	if _, err := f.WriteString("line2\n"); err != nil {
		t.Fatalf("Failed to write to log file: %v", err)
	}
	f.Close()

	g.Eventually(collect, 5*time.Second).Should(Equal([]types.LogLine{"line1", "line2"}))

	// A directory created after start is watched as well
	sub := filepath.Join(dir, "service")
	if err := os.Mkdir(sub, 0755); err != nil {
		t.Fatalf("Failed to create directory: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(filepath.Join(sub, "svc.log"), []byte("nested\n"), 0644); err != nil {
		t.Fatalf("Failed to write nested log file: %v", err)
	}

	g.Eventually(collect, 5*time.Second).Should(ContainElement("nested"))
}
