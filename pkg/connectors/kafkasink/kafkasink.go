// Package kafkasink provides a Kafka producer Sink, grounded on the
// teacher's internal/sinks/kafka_sink.go (async producer setup, SASL/TLS/
// compression/partitioner configuration, circuit-breaker wrapped sends)
// and internal/sinks/kafka_scram.go (the xdg-go/scram SASL client
// adapter), adapted to the engine's Sink contract and record shape.
package kafkasink

import (
	"context"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
	"github.com/xdg-go/scram"

	"flowmesh/internal/metrics"
	"flowmesh/pkg/circuit"
	"flowmesh/pkg/sink"
	"flowmesh/pkg/types"
)

// AuthConfig configures SASL authentication.
type AuthConfig struct {
	Enabled   bool
	Username  string
	Password  string
	Mechanism string // PLAIN, SCRAM-SHA-256, SCRAM-SHA-512
}

// SinkConfig configures a Kafka producer Sink.
type SinkConfig struct {
	Brokers         []string
	Topic           string
	Auth            AuthConfig
	TLSEnabled      bool
	Compression     string // none, gzip, snappy, lz4, zstd
	RequiredAcks    int16
	BatchSize       int
	BatchTimeout    time.Duration
	RetryMax        int
	PartitionerName string // hash, round-robin, random
	QueueSize       int

	Logger *logrus.Logger
}

// Sink is a sink.Sink producing records as JSON-encoded Kafka messages.
type Sink struct {
	cfg     SinkConfig
	logger  *logrus.Logger
	breaker *circuit.Breaker
}

// NewSink validates cfg and returns a Sink. The underlying producer is
// opened lazily in Build, once per worker, since sarama producers are not
// meant to be shared across goroutines issuing independent batches.
func NewSink(cfg SinkConfig) (*Sink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka sink: no brokers configured")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka sink: no topic configured")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 10000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Sink{
		cfg:    cfg,
		logger: cfg.Logger,
		breaker: circuit.New(circuit.Config{
			Name:             "kafka_sink",
			FailureThreshold: 10,
			SuccessThreshold: 2,
			Timeout:          60 * time.Second,
		}, cfg.Logger),
	}, nil
}

func saramaConfig(cfg SinkConfig) (*sarama.Config, error) {
	sc := sarama.NewConfig()
	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	if cfg.RequiredAcks != 0 {
		sc.Producer.RequiredAcks = sarama.RequiredAcks(cfg.RequiredAcks)
	}

	switch strings.ToLower(cfg.Compression) {
	case "gzip":
		sc.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		sc.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		sc.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		sc.Producer.Compression = sarama.CompressionZSTD
	default:
		sc.Producer.Compression = sarama.CompressionNone
	}

	if cfg.BatchSize > 0 {
		sc.Producer.Flush.Messages = cfg.BatchSize
	}
	if cfg.BatchTimeout > 0 {
		sc.Producer.Flush.Frequency = cfg.BatchTimeout
	}
	if cfg.RetryMax > 0 {
		sc.Producer.Retry.Max = cfg.RetryMax
	}

	if cfg.Auth.Enabled {
		sc.Net.SASL.Enable = true
		sc.Net.SASL.User = cfg.Auth.Username
		sc.Net.SASL.Password = cfg.Auth.Password
		switch strings.ToUpper(cfg.Auth.Mechanism) {
		case "PLAIN":
			sc.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		case "SCRAM-SHA-256":
			sc.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
			sc.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
				return &xdgSCRAMClient{HashGeneratorFcn: sha256Generator}
			}
		case "SCRAM-SHA-512":
			sc.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
			sc.Net.SASL.SCRAMClientGeneratorFunc = func() sarama.SCRAMClient {
				return &xdgSCRAMClient{HashGeneratorFcn: sha512Generator}
			}
		default:
			return nil, fmt.Errorf("kafka: unsupported SASL mechanism %q", cfg.Auth.Mechanism)
		}
	}
	if cfg.TLSEnabled {
		sc.Net.TLS.Enable = true
	}

	switch strings.ToLower(cfg.PartitionerName) {
	case "round-robin":
		sc.Producer.Partitioner = sarama.NewRoundRobinPartitioner
	case "random":
		sc.Producer.Partitioner = sarama.NewRandomPartitioner
	default:
		sc.Producer.Partitioner = sarama.NewHashPartitioner
	}

	return sc, nil
}

// Build implements sink.Sink, opening one async producer per worker.
func (s *Sink) Build(ctx context.Context, workerIndex, workerCount int) (sink.Writer, error) {
	sc, err := saramaConfig(s.cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewAsyncProducer(s.cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("kafka sink: new producer: %w", err)
	}

	w := &writer{
		cfg:      s.cfg,
		producer: producer,
		breaker:  s.breaker,
		logger:   s.logger,
		done:     make(chan struct{}),
	}
	w.wg.Add(1)
	go w.drainResponses()
	return w, nil
}

var _ sink.Sink = (*Sink)(nil)

type writer struct {
	cfg      SinkConfig
	producer sarama.AsyncProducer
	breaker  *circuit.Breaker
	logger   *logrus.Logger

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// Write implements sink.Writer. Each call publishes, through the circuit
// breaker, one JSON-encoded message; the producer itself batches and
// flushes asynchronously per the Config's BatchSize/BatchTimeout.
func (w *writer) Write(ctx context.Context, rec types.Record) error {
	value, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("kafka sink: marshal record: %w", err)
	}

	err = w.breaker.Execute(func() error {
		msg := &sarama.ProducerMessage{Topic: w.cfg.Topic, Value: sarama.ByteEncoder(value)}
		select {
		case w.producer.Input() <- msg:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if err != nil {
		metrics.KafkaMessagesProducedTotal.WithLabelValues(w.cfg.Topic, "rejected").Inc()
		return err
	}
	return nil
}

func (w *writer) drainResponses() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case success, ok := <-w.producer.Successes():
			if !ok {
				return
			}
			metrics.KafkaMessagesProducedTotal.WithLabelValues(success.Topic, "delivered").Inc()
		case perr, ok := <-w.producer.Errors():
			if !ok {
				return
			}
			w.logger.WithError(perr.Err).WithField("topic", perr.Msg.Topic).Error("kafka sink: produce failed")
			metrics.KafkaMessagesProducedTotal.WithLabelValues(perr.Msg.Topic, "failed").Inc()
			metrics.RecordError("kafka_sink", "produce_error")
		}
	}
}

// Close implements sink.Writer.
func (w *writer) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		err = w.producer.Close()
		w.wg.Wait()
	})
	return err
}

func init() {
	// Surface the breaker's state as a gauge at package init, so an
	// operator dashboard has a value before the first Sink is built; nothing
	// updates it afterwards.
	metrics.KafkaCircuitBreakerState.WithLabelValues("sink").Set(0)
}

// xdgSCRAMClient adapts github.com/xdg-go/scram to sarama.SCRAMClient,
// unchanged from the teacher's XDGSCRAMClient besides the rename.
type xdgSCRAMClient struct {
	*scram.Client
	*scram.ClientConversation
	scram.HashGeneratorFcn
}

func (x *xdgSCRAMClient) Begin(userName, password, authzID string) (err error) {
	x.Client, err = x.HashGeneratorFcn.NewClient(userName, password, authzID)
	if err != nil {
		return err
	}
	x.ClientConversation = x.Client.NewConversation()
	return nil
}

func (x *xdgSCRAMClient) Step(challenge string) (response string, err error) {
	return x.ClientConversation.Step(challenge)
}

func (x *xdgSCRAMClient) Done() bool { return x.ClientConversation.Done() }

var (
	sha256Generator scram.HashGeneratorFcn = sha256.New
	sha512Generator scram.HashGeneratorFcn = sha512.New
)
