package exporter

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/dustin/go-humanize"
	"github.com/therealutkarshpriyadarshi/logexporter/internal/config"
	"github.com/therealutkarshpriyadarshi/logexporter/internal/logging"
	"github.com/therealutkarshpriyadarshi/logexporter/internal/reliability"
	"github.com/therealutkarshpriyadarshi/logexporter/pkg/types"
)

// s3API is the subset of the S3 client the exporter uses
type s3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Exporter writes each batch as one compressed JSON object
type S3Exporter struct {
	client       s3API
	bucket       string
	prefix       string
	storageClass string
	codec        codec
	destination  string
	logger       *logging.Logger
	now          func() time.Time

	mu        sync.Mutex
	lastStamp string
	seq       int
	lastBatch string
	lastKey   string
}

func newS3Client(ctx context.Context, cfg config.S3Config) (*s3.Client, error) {
	awsCfg, err := loadAWSConfig(ctx, cfg.Region, cfg.AccessKeyID, cfg.SecretAccessKey)
	if err != nil {
		return nil, err
	}

	var opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		opts = append(opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}

	return s3.NewFromConfig(awsCfg, opts...), nil
}

// NewS3 creates an S3 exporter around client
func NewS3(cfg config.S3Config, client s3API, destination string, logger *logging.Logger) (*S3Exporter, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("%w: no bucket specified", config.ErrMissingDestination)
	}

	c, err := codecFor(cfg.Compression)
	if err != nil {
		return nil, err
	}

	return &S3Exporter{
		client:       client,
		bucket:       cfg.Bucket,
		prefix:       strings.Trim(cfg.Prefix, "/"),
		storageClass: cfg.StorageClass,
		codec:        c,
		destination:  destination,
		logger:       logger.WithComponent("s3"),
		now:          time.Now,
	}, nil
}

// Export implements Exporter
func (e *S3Exporter) Export(ctx context.Context, batch types.Batch) types.ExportOutcome {
	start := time.Now()

	body, err := e.codec.encode(batch.Lines)
	if err != nil {
		return e.failed(batch, reliability.Permanent(err), start)
	}

	key := e.keyFor(batch.ID)

	input := &s3.PutObjectInput{
		Bucket:      aws.String(e.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	}
	if e.codec.contentEncoding != "" {
		input.ContentEncoding = aws.String(e.codec.contentEncoding)
	}
	if e.storageClass != "" {
		input.StorageClass = s3types.StorageClass(e.storageClass)
	}

	if _, err := e.client.PutObject(ctx, input); err != nil {
		return e.failed(batch, fmt.Errorf("failed to upload s3://%s/%s: %w", e.bucket, key, err), start)
	}

	e.logger.Debug().
		Str("key", key).
		Int("lines", len(batch.Lines)).
		Str("size", humanize.Bytes(uint64(len(body)))).
		Msg("Uploaded batch")

	return types.Succeeded(batch, e.destination, time.Since(start))
}

func (e *S3Exporter) failed(batch types.Batch, err error, start time.Time) types.ExportOutcome {
	out := types.Failed(batch, err, time.Since(start))
	out.Destination = e.destination
	return out
}

// keyFor returns the object key for a batch. A retried batch keeps its
// key so a retry after an ambiguous failure overwrites instead of
// duplicating. Two batches in the same second get -1, -2... suffixes.
func (e *S3Exporter) keyFor(batchID string) string {
	e.mu.Lock()
	defer e.mu.Unlock()

	if batchID != "" && batchID == e.lastBatch {
		return e.lastKey
	}

	stamp := e.now().UTC().Format("2006/01/02/150405")
	if stamp == e.lastStamp {
		e.seq++
	} else {
		e.lastStamp = stamp
		e.seq = 0
	}

	name := stamp
	if e.seq > 0 {
		name = fmt.Sprintf("%s-%d", stamp, e.seq)
	}

	key := name + e.codec.extension
	if e.prefix != "" {
		key = e.prefix + "/" + key
	}

	e.lastBatch = batchID
	e.lastKey = key
	return key
}

// Name implements Exporter
func (e *S3Exporter) Name() string {
	return config.BackendS3
}

// Close implements Exporter
func (e *S3Exporter) Close() error {
	return nil
}
