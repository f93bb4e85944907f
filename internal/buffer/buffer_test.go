package buffer

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/therealutkarshpriyadarshi/logexporter/pkg/types"
)

func TestBufferThreshold(t *testing.T) {
	buf := New(3)

	buf.Append("a")
	buf.Append("b")
	if buf.ReadyToFlush() {
		t.Fatal("Expected buffer not ready with 2 of 3 lines")
	}

	buf.Append("c")
	if !buf.ReadyToFlush() {
		t.Fatal("Expected buffer ready at threshold")
	}

	buf.Append("d")

	batch := buf.Drain()
	if diff := cmp.Diff([]types.LogLine{"a", "b", "c", "d"}, batch.Lines); diff != "" {
		t.Errorf("Drained lines mismatch (-want +got):\n%s", diff)
	}
	if batch.Size != 4 {
		t.Errorf("Expected batch size 4, got %d", batch.Size)
	}
	if buf.Len() != 0 {
		t.Errorf("Expected empty buffer after drain, got %d", buf.Len())
	}
	if buf.ReadyToFlush() {
		t.Error("Expected buffer not ready after drain")
	}
}

func TestBufferDrainBetweenAppends(t *testing.T) {
	buf := New(3)

	for _, l := range []types.LogLine{"a", "b", "c"} {
		buf.Append(l)
	}
	if !buf.ReadyToFlush() {
		t.Fatal("Expected buffer ready after c")
	}

	first := buf.Drain()
	buf.Append("d")

	if diff := cmp.Diff([]types.LogLine{"a", "b", "c"}, first.Lines); diff != "" {
		t.Errorf("First batch mismatch (-want +got):\n%s", diff)
	}
	if buf.Len() != 1 {
		t.Errorf("Expected 1 pending line, got %d", buf.Len())
	}

	second := buf.Drain()
	if diff := cmp.Diff([]types.LogLine{"d"}, second.Lines); diff != "" {
		t.Errorf("Second batch mismatch (-want +got):\n%s", diff)
	}
	if first.ID == second.ID {
		t.Error("Expected distinct batch IDs")
	}
}

func TestBufferDrainEmpty(t *testing.T) {
	buf := New(10)

	batch := buf.Drain()
	if !batch.Empty() {
		t.Errorf("Expected empty batch, got %d lines", len(batch.Lines))
	}
	if batch.ID != "" {
		t.Errorf("Expected no ID for empty batch, got %s", batch.ID)
	}
}

func TestBufferBatchMetadata(t *testing.T) {
	buf := New(2)
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	buf.now = func() time.Time { return fixed }

	buf.AppendAll([]types.LogLine{"x", "y"})
	batch := buf.Drain()

	if !batch.CreatedAt.Equal(fixed) {
		t.Errorf("Expected CreatedAt %v, got %v", fixed, batch.CreatedAt)
	}
	if batch.ID == "" {
		t.Error("Expected batch ID to be set")
	}
}

func TestBufferReadySignal(t *testing.T) {
	buf := New(2)

	buf.Append("one")
	select {
	case <-buf.Ready():
		t.Fatal("Unexpected ready signal below threshold")
	default:
	}

	buf.AppendAll([]types.LogLine{"two", "three"})
	select {
	case <-buf.Ready():
	case <-time.After(time.Second):
		t.Fatal("Expected ready signal at threshold")
	}
}

func TestBufferDrainClearsStaleSignal(t *testing.T) {
	buf := New(1)
	buf.Append("x")
	buf.Drain()

	select {
	case <-buf.Ready():
		t.Error("Expected ready signal to be cleared by drain")
	default:
	}
}

func TestBufferAppendAllEmpty(t *testing.T) {
	buf := New(1)
	buf.AppendAll(nil)

	if buf.Len() != 0 {
		t.Errorf("Expected empty buffer, got %d", buf.Len())
	}
}

func TestBufferNonPositiveThreshold(t *testing.T) {
	buf := New(0)
	if buf.Threshold() != 1 {
		t.Errorf("Expected threshold clamped to 1, got %d", buf.Threshold())
	}
}

// Producers append while a consumer drains; every line must come out
// exactly once and each producer's lines must keep their order.
func TestBufferConcurrentAppendDrain(t *testing.T) {
	const (
		producers = 4
		perFile   = 2000
	)

	buf := New(50)
	var wg sync.WaitGroup

	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perFile; i++ {
				buf.Append(fmt.Sprintf("%d:%d", p, i))
			}
		}(p)
	}

	done := make(chan struct{})
	var drained []types.LogLine
	var consumer sync.WaitGroup
	consumer.Add(1)
	go func() {
		defer consumer.Done()
		for {
			select {
			case <-done:
				drained = append(drained, buf.Drain().Lines...)
				return
			default:
				drained = append(drained, buf.Drain().Lines...)
			}
		}
	}()

	wg.Wait()
	close(done)
	consumer.Wait()

	if len(drained) != producers*perFile {
		t.Fatalf("Expected %d lines, got %d", producers*perFile, len(drained))
	}

	next := make([]int, producers)
	for _, line := range drained {
		var p, i int
		if _, err := fmt.Sscanf(line, "%d:%d", &p, &i); err != nil {
			t.Fatalf("Failed to parse line %q: %v", line, err)
		}
		if i != next[p] {
			t.Fatalf("Producer %d out of order: expected %d, got %d", p, next[p], i)
		}
		next[p]++
	}
}
