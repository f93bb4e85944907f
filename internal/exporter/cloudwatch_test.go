package exporter

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
	"github.com/aws/smithy-go"
	"github.com/therealutkarshpriyadarshi/logexporter/internal/config"
	"github.com/therealutkarshpriyadarshi/logexporter/internal/logging"
	"github.com/therealutkarshpriyadarshi/logexporter/pkg/types"
)

type fakeCloudWatch struct {
	mu        sync.Mutex
	groupErr  error
	streamErr error
	puts      [][]cwtypes.InputLogEvent
	// failAt makes the put with this index (0-based) fail once
	failAt int
}

func (f *fakeCloudWatch) CreateLogGroup(ctx context.Context, in *cloudwatchlogs.CreateLogGroupInput, _ ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogGroupOutput, error) {
	return &cloudwatchlogs.CreateLogGroupOutput{}, f.groupErr
}

func (f *fakeCloudWatch) CreateLogStream(ctx context.Context, in *cloudwatchlogs.CreateLogStreamInput, _ ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogStreamOutput, error) {
	return &cloudwatchlogs.CreateLogStreamOutput{}, f.streamErr
}

func (f *fakeCloudWatch) PutLogEvents(ctx context.Context, in *cloudwatchlogs.PutLogEventsInput, _ ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutLogEventsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failAt >= 0 && len(f.puts) == f.failAt {
		f.failAt = -1
		return nil, errors.New("throttled")
	}
	f.puts = append(f.puts, in.LogEvents)
	return &cloudwatchlogs.PutLogEventsOutput{}, nil
}

func newTestCloudWatch(client cloudWatchAPI) *CloudWatchExporter {
	e := NewCloudWatch(config.CloudWatchConfig{LogGroup: "/app/logs", LogStream: "default"}, client, "cloudwatch:///app/logs/default", logging.Nop())
	e.now = func() time.Time { return time.UnixMilli(1700000000000) }
	return e
}

func TestCloudWatchProvisionAlreadyExists(t *testing.T) {
	exists := &smithy.GenericAPIError{Code: "ResourceAlreadyExistsException", Message: "exists"}
	client := &fakeCloudWatch{groupErr: exists, streamErr: exists, failAt: -1}

	if err := newTestCloudWatch(client).Provision(context.Background()); err != nil {
		t.Errorf("Expected already existing resources to be accepted, got %v", err)
	}
}

func TestCloudWatchProvisionFailure(t *testing.T) {
	denied := &smithy.GenericAPIError{Code: "AccessDeniedException", Message: "no"}
	client := &fakeCloudWatch{groupErr: denied, failAt: -1}

	if err := newTestCloudWatch(client).Provision(context.Background()); err == nil {
		t.Error("Expected provisioning error")
	}
}

func TestCloudWatchExport(t *testing.T) {
	client := &fakeCloudWatch{failAt: -1}
	e := newTestCloudWatch(client)

	out := e.Export(context.Background(), types.Batch{ID: "b", Lines: []string{"a", "b", "c"}})
	if !out.Success {
		t.Fatalf("Expected success, got %v", out.Err)
	}
	if len(client.puts) != 1 {
		t.Fatalf("Expected 1 put, got %d", len(client.puts))
	}

	events := client.puts[0]
	for i, want := range []string{"a", "b", "c"} {
		if got := aws.ToString(events[i].Message); got != want {
			t.Errorf("Event %d: expected %q, got %q", i, want, got)
		}
		if ts := aws.ToInt64(events[i].Timestamp); ts != 1700000000000 {
			t.Errorf("Event %d: unexpected timestamp %d", i, ts)
		}
	}
}

func TestChunkEvents(t *testing.T) {
	var events []cwtypes.InputLogEvent
	for i := 0; i < maxEventsPerCall+5; i++ {
		events = append(events, cwtypes.InputLogEvent{Message: aws.String("x")})
	}

	chunks := chunkEvents(events)
	if len(chunks) != 2 {
		t.Fatalf("Expected 2 chunks, got %d", len(chunks))
	}
	if len(chunks[0]) != maxEventsPerCall || len(chunks[1]) != 5 {
		t.Errorf("Unexpected chunk sizes %d, %d", len(chunks[0]), len(chunks[1]))
	}

	big := strings.Repeat("y", 200*1024)
	events = nil
	for i := 0; i < 6; i++ {
		events = append(events, cwtypes.InputLogEvent{Message: aws.String(big)})
	}
	chunks = chunkEvents(events)
	if len(chunks) != 2 {
		t.Fatalf("Expected byte limit to split into 2 chunks, got %d", len(chunks))
	}
	if len(chunks[0]) != 5 {
		t.Errorf("Expected 5 events in first chunk, got %d", len(chunks[0]))
	}

	if chunks := chunkEvents(nil); len(chunks) != 0 {
		t.Errorf("Expected no chunks for no events, got %d", len(chunks))
	}
}

func TestCloudWatchRetryResumesAfterSentChunks(t *testing.T) {
	client := &fakeCloudWatch{failAt: 1}
	e := newTestCloudWatch(client)

	lines := make([]string, maxEventsPerCall+1)
	for i := range lines {
		lines[i] = "l"
	}
	batch := types.Batch{ID: "big", Lines: lines}

	if out := e.Export(context.Background(), batch); out.Success {
		t.Fatal("Expected first export to fail on the second chunk")
	}
	if out := e.Export(context.Background(), batch); !out.Success {
		t.Fatalf("Expected retry to succeed, got %v", out.Err)
	}

	if len(client.puts) != 2 {
		t.Fatalf("Expected 2 successful puts, got %d", len(client.puts))
	}
	if len(client.puts[0]) != maxEventsPerCall || len(client.puts[1]) != 1 {
		t.Errorf("Expected retry to send only the remaining event, got %d and %d", len(client.puts[0]), len(client.puts[1]))
	}
}

func TestCloudWatchTruncatesOversizedEvent(t *testing.T) {
	client := &fakeCloudWatch{failAt: -1}
	e := newTestCloudWatch(client)

	out := e.Export(context.Background(), types.Batch{ID: "b", Lines: []string{strings.Repeat("z", maxEventBytes+100)}})
	if !out.Success {
		t.Fatalf("Expected success, got %v", out.Err)
	}
	if got := len(aws.ToString(client.puts[0][0].Message)); got != maxEventBytes {
		t.Errorf("Expected message truncated to %d bytes, got %d", maxEventBytes, got)
	}
}
