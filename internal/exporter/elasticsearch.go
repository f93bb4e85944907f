package exporter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/therealutkarshpriyadarshi/logexporter/internal/config"
	"github.com/therealutkarshpriyadarshi/logexporter/internal/logging"
	"github.com/therealutkarshpriyadarshi/logexporter/internal/pool"
	"github.com/therealutkarshpriyadarshi/logexporter/pkg/types"
)

// ElasticsearchExporter indexes each line as one document through the
// bulk API, into a daily index
type ElasticsearchExporter struct {
	client      *elasticsearch.Client
	index       string
	destination string
	logger      *logging.Logger
	now         func() time.Time
}

type esAction struct {
	Index struct {
		Index string `json:"_index"`
		ID    string `json:"_id,omitempty"`
	} `json:"index"`
}

type esDocument struct {
	Message   string `json:"message"`
	Timestamp string `json:"@timestamp"`
	BatchID   string `json:"batch_id,omitempty"`
}

type esBulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		Status int `json:"status"`
		Error  struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	} `json:"items"`
}

func newElasticsearchClient(cfg config.ElasticsearchConfig) (*elasticsearch.Client, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
		APIKey:    cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Elasticsearch client: %w", err)
	}
	return client, nil
}

// NewElasticsearch creates an Elasticsearch exporter around client
func NewElasticsearch(cfg config.ElasticsearchConfig, client *elasticsearch.Client, destination string, logger *logging.Logger) *ElasticsearchExporter {
	return &ElasticsearchExporter{
		client:      client,
		index:       cfg.Index,
		destination: destination,
		logger:      logger.WithComponent("elasticsearch"),
		now:         time.Now,
	}
}

// Provision checks the cluster is reachable
func (e *ElasticsearchExporter) Provision(ctx context.Context) error {
	res, err := e.client.Info(e.client.Info.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("failed to connect to Elasticsearch: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("elasticsearch returned error: %s", res.Status())
	}
	return nil
}

// Export implements Exporter
func (e *ElasticsearchExporter) Export(ctx context.Context, batch types.Batch) types.ExportOutcome {
	start := time.Now()
	now := e.now().UTC()

	// Document IDs and the index derive from the batch, so a retried batch
	// overwrites what an earlier partial attempt indexed
	day := now
	if !batch.CreatedAt.IsZero() {
		day = batch.CreatedAt.UTC()
	}
	var action esAction
	action.Index.Index = fmt.Sprintf("%s-%s", e.index, day.Format("2006.01.02"))
	ts := now.Format(time.RFC3339Nano)

	buf := pool.GetByteBuffer()
	defer pool.PutByteBuffer(buf)

	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	for i, line := range batch.Lines {
		if batch.ID != "" {
			action.Index.ID = fmt.Sprintf("%s-%d", batch.ID, i)
		}
		if err := enc.Encode(action); err != nil {
			return e.failed(batch, err, start)
		}
		if err := enc.Encode(esDocument{Message: line, Timestamp: ts, BatchID: batch.ID}); err != nil {
			return e.failed(batch, err, start)
		}
	}

	res, err := e.client.Bulk(bytes.NewReader(buf.Bytes()), e.client.Bulk.WithContext(ctx))
	if err != nil {
		return e.failed(batch, fmt.Errorf("bulk request failed: %w", err), start)
	}
	defer res.Body.Close()

	if res.IsError() {
		return e.failed(batch, fmt.Errorf("bulk request returned error: %s", res.Status()), start)
	}

	var bulkResp esBulkResponse
	if err := json.NewDecoder(res.Body).Decode(&bulkResp); err != nil {
		return e.failed(batch, fmt.Errorf("failed to parse bulk response: %w", err), start)
	}

	if bulkResp.Errors {
		failed, reason := 0, ""
		for _, item := range bulkResp.Items {
			for _, doc := range item {
				if doc.Status >= 400 {
					failed++
					reason = doc.Error.Type + ": " + doc.Error.Reason
				}
			}
		}
		if failed > 0 {
			return e.failed(batch, fmt.Errorf("%d out of %d documents failed to index (%s)", failed, len(batch.Lines), reason), start)
		}
	}

	e.logger.Debug().Str("index", action.Index.Index).Int("documents", len(batch.Lines)).Msg("Indexed batch")
	return types.Succeeded(batch, e.destination, time.Since(start))
}

func (e *ElasticsearchExporter) failed(batch types.Batch, err error, start time.Time) types.ExportOutcome {
	out := types.Failed(batch, err, time.Since(start))
	out.Destination = e.destination
	return out
}

// Name implements Exporter
func (e *ElasticsearchExporter) Name() string {
	return config.BackendElasticsearch
}

// Close implements Exporter
func (e *ElasticsearchExporter) Close() error {
	return nil
}
