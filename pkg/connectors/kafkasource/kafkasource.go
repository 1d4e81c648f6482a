// Package kafkasource implements a static-partitioned source over
// github.com/IBM/sarama's consumer-group-free partition consumer: worker i
// owns Kafka partition i, one partition per worker (the topic must have at
// least as many partitions as the dataflow has workers), and the resume
// token is simply the decimal string of the next offset to read — the
// simplest resume-token shape spec.md §6 allows, since a single partition
// carries no ambiguity about which offset it names. Grounded on the
// teacher's internal/sinks/kafka_sink.go for broker/SASL/TLS configuration,
// mirrored here for the consumer side of the same cluster.
package kafkasource

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"

	"flowmesh/internal/metrics"
	"flowmesh/pkg/source"
	"flowmesh/pkg/types"
)

// AuthConfig configures SASL/PLAIN authentication against the broker.
// SCRAM is not offered on the consumer side: the teacher's kafka_sink.go
// SCRAM adapter is reused as-is by pkg/connectors/kafkasink, and a read
// path under the same trust boundary as its write path has historically
// needed only PLAIN in this stack.
type AuthConfig struct {
	Enabled  bool
	Username string
	Password string
}

// Config configures a kafkasource.Source.
type Config struct {
	Brokers []string
	Topic   string
	Auth    AuthConfig

	// StartOffset is sarama.OffsetOldest or sarama.OffsetNewest, used the
	// first time this worker's partition is consumed (no resume token yet).
	StartOffset int64

	Logger *logrus.Logger
}

// Source is a source.Partitioned reading one fixed Kafka partition per
// worker.
type Source struct {
	stepID types.StepID
	cfg    Config
}

// New returns a Source reading topic under stepID's recovery-log
// namespace.
func New(stepID types.StepID, cfg Config) (*Source, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafkasource: no brokers configured")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafkasource: no topic configured")
	}
	if cfg.StartOffset == 0 {
		cfg.StartOffset = sarama.OffsetOldest
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Source{stepID: stepID, cfg: cfg}, nil
}

func (s *Source) StepID() types.StepID             { return s.stepID }
func (s *Source) AsPartitioned() source.Partitioned { return s }
func (s *Source) AsDynamic() source.Dynamic         { return nil }

var _ source.Source = (*Source)(nil)

// Build implements source.Partitioned: it opens a sarama.Consumer and
// starts a single PartitionConsumer on partition workerIndex, beginning
// at the resume token's offset if present or cfg.StartOffset otherwise.
func (s *Source) Build(ctx context.Context, workerIndex, workerCount int, resumeToken string) (source.Poller, error) {
	startOffset := s.cfg.StartOffset
	if resumeToken != "" {
		offset, err := strconv.ParseInt(resumeToken, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("kafkasource: decode resume token %q: %w", resumeToken, err)
		}
		startOffset = offset
	}

	sc := sarama.NewConfig()
	sc.Consumer.Return.Errors = true
	if s.cfg.Auth.Enabled {
		sc.Net.SASL.Enable = true
		sc.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		sc.Net.SASL.User = s.cfg.Auth.Username
		sc.Net.SASL.Password = s.cfg.Auth.Password
	}

	consumer, err := sarama.NewConsumer(s.cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("kafkasource: new consumer: %w", err)
	}

	partition := int32(workerIndex)
	pc, err := consumer.ConsumePartition(s.cfg.Topic, partition, startOffset)
	if err != nil {
		consumer.Close()
		return nil, fmt.Errorf("kafkasource: consume partition %d: %w", partition, err)
	}

	return &poller{
		consumer:  consumer,
		pc:        pc,
		topic:     s.cfg.Topic,
		partition: strconv.Itoa(int(partition)),
	}, nil
}

type poller struct {
	consumer  sarama.Consumer
	pc        sarama.PartitionConsumer
	topic     string
	partition string
}

// Poll implements source.Poller. An idle partition reports a non-advancing
// empty Item rather than end of stream, since Kafka partitions are never
// considered exhausted.
func (p *poller) Poll(ctx context.Context) (*source.Item, error) {
	select {
	case msg, ok := <-p.pc.Messages():
		if !ok {
			return source.EndOfStream, nil
		}
		metrics.KafkaMessagesConsumedTotal.WithLabelValues(p.topic, p.partition).Inc()
		return &source.Item{
			Payload:     msg.Value,
			ResumeToken: strconv.FormatInt(msg.Offset+1, 10),
		}, nil
	case err, ok := <-p.pc.Errors():
		if !ok {
			return source.EndOfStream, nil
		}
		return nil, err
	case <-time.After(100 * time.Millisecond):
		return &source.Item{}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *poller) Close() error {
	err := p.pc.Close()
	if cerr := p.consumer.Close(); err == nil {
		err = cerr
	}
	return err
}

var _ source.Poller = (*poller)(nil)
