package exporter

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/go-cmp/cmp"
	"github.com/klauspost/compress/gzip"
	"github.com/therealutkarshpriyadarshi/logexporter/internal/config"
	"github.com/therealutkarshpriyadarshi/logexporter/internal/logging"
	"github.com/therealutkarshpriyadarshi/logexporter/pkg/types"
)

type putCall struct {
	key             string
	body            []byte
	contentType     string
	contentEncoding string
}

type fakeS3 struct {
	mu    sync.Mutex
	calls []putCall
	err   error
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, _ := io.ReadAll(in.Body)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, putCall{
		key:             aws.ToString(in.Key),
		body:            body,
		contentType:     aws.ToString(in.ContentType),
		contentEncoding: aws.ToString(in.ContentEncoding),
	})
	if f.err != nil {
		return nil, f.err
	}
	return &s3.PutObjectOutput{}, nil
}

func newTestS3(t *testing.T, client s3API, compression string) *S3Exporter {
	t.Helper()
	e, err := NewS3(config.S3Config{Bucket: "b", Prefix: "logs", Compression: compression}, client, "s3://b/logs", logging.Nop())
	if err != nil {
		t.Fatalf("Failed to create S3 exporter: %v", err)
	}
	e.now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }
	return e
}

func TestS3ExportWritesGzipJSON(t *testing.T) {
	client := &fakeS3{}
	e := newTestS3(t, client, "")

	out := e.Export(context.Background(), types.Batch{ID: "b1", Lines: []string{"x", "y"}})
	if !out.Success {
		t.Fatalf("Expected success, got %v", out.Err)
	}
	if out.Attempted != 2 {
		t.Errorf("Expected 2 attempted lines, got %d", out.Attempted)
	}
	if out.Destination != "s3://b/logs" {
		t.Errorf("Unexpected destination %s", out.Destination)
	}

	if len(client.calls) != 1 {
		t.Fatalf("Expected 1 upload, got %d", len(client.calls))
	}
	call := client.calls[0]
	if call.key != "logs/2024/01/02/030405.json.gz" {
		t.Errorf("Unexpected key %s", call.key)
	}
	if call.contentType != "application/json" || call.contentEncoding != "gzip" {
		t.Errorf("Unexpected headers %q %q", call.contentType, call.contentEncoding)
	}

	zr, err := gzip.NewReader(bytesReader(call.body))
	if err != nil {
		t.Fatalf("Failed to open gzip body: %v", err)
	}
	plain, err := io.ReadAll(zr)
	if err != nil {
		t.Fatalf("Failed to read gzip body: %v", err)
	}
	if string(plain) != `["x","y"]` {
		t.Errorf("Unexpected body %s", plain)
	}
}

func TestS3KeyCollisionsGetSuffix(t *testing.T) {
	client := &fakeS3{}
	e := newTestS3(t, client, CompressionNone)

	for _, id := range []string{"a", "b", "c"} {
		if out := e.Export(context.Background(), types.Batch{ID: id, Lines: []string{id}}); !out.Success {
			t.Fatalf("Export %s failed: %v", id, out.Err)
		}
	}

	var keys []string
	for _, c := range client.calls {
		keys = append(keys, c.key)
	}
	want := []string{
		"logs/2024/01/02/030405.json",
		"logs/2024/01/02/030405-1.json",
		"logs/2024/01/02/030405-2.json",
	}
	if diff := cmp.Diff(want, keys); diff != "" {
		t.Errorf("Keys mismatch (-want +got):\n%s", diff)
	}
}

func TestS3RetryReusesKey(t *testing.T) {
	client := &fakeS3{err: errors.New("503 slow down")}
	e := newTestS3(t, client, CompressionNone)
	batch := types.Batch{ID: "same", Lines: []string{"l"}}

	if out := e.Export(context.Background(), batch); out.Success {
		t.Fatal("Expected failure")
	}
	client.err = nil
	if out := e.Export(context.Background(), batch); !out.Success {
		t.Fatalf("Expected success on retry, got %v", out.Err)
	}

	if client.calls[0].key != client.calls[1].key {
		t.Errorf("Expected retry to reuse key, got %s and %s", client.calls[0].key, client.calls[1].key)
	}
}

func TestS3UploadFailure(t *testing.T) {
	client := &fakeS3{err: errors.New("access denied")}
	e := newTestS3(t, client, "")

	out := e.Export(context.Background(), types.Batch{ID: "b", Lines: []string{"a", "b", "c"}})
	if out.Success {
		t.Fatal("Expected failure")
	}
	if out.Err == nil {
		t.Fatal("Expected error on failed outcome")
	}
	if out.Attempted != 3 {
		t.Errorf("Expected 3 attempted lines, got %d", out.Attempted)
	}
	if !out.Dropped() {
		t.Error("Expected batch to be reported as dropped")
	}
}

func TestNewS3Validation(t *testing.T) {
	if _, err := NewS3(config.S3Config{}, &fakeS3{}, "", logging.Nop()); !errors.Is(err, config.ErrMissingDestination) {
		t.Errorf("Expected ErrMissingDestination, got %v", err)
	}
	if _, err := NewS3(config.S3Config{Bucket: "b", Compression: "zip"}, &fakeS3{}, "", logging.Nop()); err == nil {
		t.Error("Expected error for unsupported compression")
	}
}
