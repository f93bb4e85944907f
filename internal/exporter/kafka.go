package exporter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/therealutkarshpriyadarshi/logexporter/internal/config"
	"github.com/therealutkarshpriyadarshi/logexporter/internal/logging"
	"github.com/therealutkarshpriyadarshi/logexporter/pkg/types"
)

// KafkaExporter publishes every line of a batch as one message
type KafkaExporter struct {
	producer    sarama.SyncProducer
	topic       string
	key         string
	destination string
	logger      *logging.Logger
}

func newKafkaProducer(cfg config.KafkaConfig, timeout time.Duration) (sarama.SyncProducer, error) {
	saramaConfig, err := kafkaConfig(cfg, timeout)
	if err != nil {
		return nil, err
	}

	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	return producer, nil
}

// kafkaConfig builds the producer configuration. SendMessages takes no
// context, so the network and ack timeouts are what bound one export, and
// retries are left to the retry decorator.
func kafkaConfig(cfg config.KafkaConfig, timeout time.Duration) (*sarama.Config, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Return.Errors = true
	saramaConfig.Producer.RequiredAcks = sarama.RequiredAcks(cfg.RequiredAcks)
	saramaConfig.Producer.Partitioner = sarama.NewHashPartitioner
	saramaConfig.Producer.Retry.Max = 0
	saramaConfig.ClientID = cfg.ClientID

	if timeout > 0 {
		saramaConfig.Producer.Timeout = timeout
		saramaConfig.Net.DialTimeout = timeout
		saramaConfig.Net.ReadTimeout = timeout
		saramaConfig.Net.WriteTimeout = timeout
	}

	// One in-flight request per broker keeps a batch's lines in order
	saramaConfig.Net.MaxOpenRequests = 1

	switch cfg.CompressionCodec {
	case "gzip":
		saramaConfig.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		saramaConfig.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		saramaConfig.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		saramaConfig.Producer.Compression = sarama.CompressionZSTD
	default:
		saramaConfig.Producer.Compression = sarama.CompressionNone
	}

	if cfg.Version != "" {
		version, err := sarama.ParseKafkaVersion(cfg.Version)
		if err != nil {
			return nil, fmt.Errorf("invalid Kafka version: %w", err)
		}
		saramaConfig.Version = version
	}

	if cfg.SASLUsername != "" {
		saramaConfig.Net.SASL.Enable = true
		saramaConfig.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		saramaConfig.Net.SASL.User = cfg.SASLUsername
		saramaConfig.Net.SASL.Password = cfg.SASLPassword
	}
	if cfg.EnableTLS {
		saramaConfig.Net.TLS.Enable = true
	}
	return saramaConfig, nil
}

// NewKafka creates a Kafka exporter around producer
func NewKafka(cfg config.KafkaConfig, producer sarama.SyncProducer, destination string, logger *logging.Logger) *KafkaExporter {
	return &KafkaExporter{
		producer:    producer,
		topic:       cfg.Topic,
		key:         cfg.Key,
		destination: destination,
		logger:      logger.WithComponent("kafka"),
	}
}

// Export implements Exporter. Messages share one key, the configured key
// or else the batch ID, so a batch lands on one partition in order.
func (e *KafkaExporter) Export(ctx context.Context, batch types.Batch) types.ExportOutcome {
	start := time.Now()

	if err := ctx.Err(); err != nil {
		return e.failed(batch, err, start)
	}

	key := e.key
	if key == "" {
		key = batch.ID
	}

	msgs := make([]*sarama.ProducerMessage, 0, len(batch.Lines))
	for _, line := range batch.Lines {
		msg := &sarama.ProducerMessage{
			Topic: e.topic,
			Value: sarama.StringEncoder(line),
		}
		if key != "" {
			msg.Key = sarama.StringEncoder(key)
		}
		if batch.ID != "" {
			msg.Headers = []sarama.RecordHeader{{Key: []byte("batch_id"), Value: []byte(batch.ID)}}
		}
		msgs = append(msgs, msg)
	}

	if err := e.producer.SendMessages(msgs); err != nil {
		var perrs sarama.ProducerErrors
		if errors.As(err, &perrs) {
			err = fmt.Errorf("%d out of %d messages failed: %w", len(perrs), len(msgs), perrs[0].Err)
		}
		return e.failed(batch, fmt.Errorf("failed to publish to %s: %w", e.topic, err), start)
	}

	e.logger.Debug().Str("topic", e.topic).Int("messages", len(msgs)).Msg("Published batch")
	return types.Succeeded(batch, e.destination, time.Since(start))
}

func (e *KafkaExporter) failed(batch types.Batch, err error, start time.Time) types.ExportOutcome {
	out := types.Failed(batch, err, time.Since(start))
	out.Destination = e.destination
	return out
}

// Name implements Exporter
func (e *KafkaExporter) Name() string {
	return config.BackendKafka
}

// Close implements Exporter
func (e *KafkaExporter) Close() error {
	return e.producer.Close()
}
