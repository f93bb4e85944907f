package exporter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
	"github.com/aws/smithy-go"
	"github.com/therealutkarshpriyadarshi/logexporter/internal/config"
	"github.com/therealutkarshpriyadarshi/logexporter/internal/logging"
	"github.com/therealutkarshpriyadarshi/logexporter/pkg/types"
	"golang.org/x/time/rate"
)

// PutLogEvents limits
const (
	maxEventsPerCall = 10000
	maxBytesPerCall  = 1048576
	eventOverhead    = 26
	maxEventBytes    = 256*1024 - eventOverhead
)

// cloudWatchAPI is the subset of the CloudWatch Logs client the exporter uses
type cloudWatchAPI interface {
	CreateLogGroup(ctx context.Context, params *cloudwatchlogs.CreateLogGroupInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogGroupOutput, error)
	CreateLogStream(ctx context.Context, params *cloudwatchlogs.CreateLogStreamInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogStreamOutput, error)
	PutLogEvents(ctx context.Context, params *cloudwatchlogs.PutLogEventsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutLogEventsOutput, error)
}

// CloudWatchExporter appends each batch to one log stream
type CloudWatchExporter struct {
	client      cloudWatchAPI
	group       string
	stream      string
	limiter     *rate.Limiter
	destination string
	logger      *logging.Logger
	now         func() time.Time

	// progress of a partially delivered batch, so a retry resumes after
	// the chunks that already went through
	mu        sync.Mutex
	lastBatch string
	sent      int
}

func newCloudWatchClient(ctx context.Context, cfg config.CloudWatchConfig) (*cloudwatchlogs.Client, error) {
	awsCfg, err := loadAWSConfig(ctx, cfg.Region, cfg.AccessKeyID, cfg.SecretAccessKey)
	if err != nil {
		return nil, err
	}

	var opts []func(*cloudwatchlogs.Options)
	if cfg.Endpoint != "" {
		opts = append(opts, func(o *cloudwatchlogs.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	return cloudwatchlogs.NewFromConfig(awsCfg, opts...), nil
}

// NewCloudWatch creates a CloudWatch Logs exporter around client
func NewCloudWatch(cfg config.CloudWatchConfig, client cloudWatchAPI, destination string, logger *logging.Logger) *CloudWatchExporter {
	limit := rate.Inf
	if cfg.RequestsPerSec > 0 {
		limit = rate.Limit(cfg.RequestsPerSec)
	}

	return &CloudWatchExporter{
		client:      client,
		group:       cfg.LogGroup,
		stream:      cfg.LogStream,
		limiter:     rate.NewLimiter(limit, 1),
		destination: destination,
		logger:      logger.WithComponent("cloudwatch"),
		now:         time.Now,
	}
}

// Provision creates the log group and stream. Either already existing is
// fine; any other failure is returned.
func (e *CloudWatchExporter) Provision(ctx context.Context) error {
	_, err := e.client.CreateLogGroup(ctx, &cloudwatchlogs.CreateLogGroupInput{
		LogGroupName: aws.String(e.group),
	})
	if err != nil && !alreadyExists(err) {
		return fmt.Errorf("failed to create log group %s: %w", e.group, err)
	}

	_, err = e.client.CreateLogStream(ctx, &cloudwatchlogs.CreateLogStreamInput{
		LogGroupName:  aws.String(e.group),
		LogStreamName: aws.String(e.stream),
	})
	if err != nil && !alreadyExists(err) {
		return fmt.Errorf("failed to create log stream %s/%s: %w", e.group, e.stream, err)
	}

	e.logger.Info().Str("group", e.group).Str("stream", e.stream).Msg("Log stream ready")
	return nil
}

func alreadyExists(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "ResourceAlreadyExistsException"
	}
	return false
}

// Export implements Exporter. Every event carries the export time, and
// events are sent in batch order across as many calls as the API limits
// require.
func (e *CloudWatchExporter) Export(ctx context.Context, batch types.Batch) types.ExportOutcome {
	start := time.Now()
	ts := e.now().UnixMilli()

	events := make([]cwtypes.InputLogEvent, 0, len(batch.Lines))
	for _, line := range batch.Lines {
		msg := line
		if len(msg) > maxEventBytes {
			e.logger.Warn().Int("bytes", len(msg)).Msg("Truncating oversized log event")
			msg = strings.ToValidUTF8(msg[:maxEventBytes], "")
		}
		events = append(events, cwtypes.InputLogEvent{
			Message:   aws.String(msg),
			Timestamp: aws.Int64(ts),
		})
	}

	e.mu.Lock()
	if batch.ID == "" || batch.ID != e.lastBatch {
		e.lastBatch = batch.ID
		e.sent = 0
	}
	sent := e.sent
	e.mu.Unlock()

	for _, chunk := range chunkEvents(events[sent:]) {
		if err := e.limiter.Wait(ctx); err != nil {
			return e.failed(batch, fmt.Errorf("rate limiter: %w", err), start)
		}

		out, err := e.client.PutLogEvents(ctx, &cloudwatchlogs.PutLogEventsInput{
			LogGroupName:  aws.String(e.group),
			LogStreamName: aws.String(e.stream),
			LogEvents:     chunk,
		})
		if err != nil {
			return e.failed(batch, fmt.Errorf("failed to put log events to %s/%s: %w", e.group, e.stream, err), start)
		}

		if out != nil && out.RejectedLogEventsInfo != nil {
			info := out.RejectedLogEventsInfo
			e.logger.Warn().
				Int32("too_old_end", aws.ToInt32(info.TooOldLogEventEndIndex)).
				Int32("too_new_start", aws.ToInt32(info.TooNewLogEventStartIndex)).
				Int32("expired_end", aws.ToInt32(info.ExpiredLogEventEndIndex)).
				Msg("Some log events were rejected")
		}

		e.mu.Lock()
		e.sent += len(chunk)
		e.mu.Unlock()
	}

	return types.Succeeded(batch, e.destination, time.Since(start))
}

func (e *CloudWatchExporter) failed(batch types.Batch, err error, start time.Time) types.ExportOutcome {
	out := types.Failed(batch, err, time.Since(start))
	out.Destination = e.destination
	return out
}

// chunkEvents splits events into PutLogEvents sized groups, keeping order
func chunkEvents(events []cwtypes.InputLogEvent) [][]cwtypes.InputLogEvent {
	var chunks [][]cwtypes.InputLogEvent
	startIdx, size := 0, 0

	for i, ev := range events {
		evSize := len(aws.ToString(ev.Message)) + eventOverhead
		if i > startIdx && (i-startIdx >= maxEventsPerCall || size+evSize > maxBytesPerCall) {
			chunks = append(chunks, events[startIdx:i])
			startIdx, size = i, 0
		}
		size += evSize
	}
	if startIdx < len(events) {
		chunks = append(chunks, events[startIdx:])
	}
	return chunks
}

// Name implements Exporter
func (e *CloudWatchExporter) Name() string {
	return config.BackendCloudWatch
}

// Close implements Exporter
func (e *CloudWatchExporter) Close() error {
	return nil
}
