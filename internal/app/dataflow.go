package app

import (
	"fmt"
	"time"

	"flowmesh/internal/config"
	"flowmesh/pkg/connectors/filesink"
	"flowmesh/pkg/connectors/genericsource"
	"flowmesh/pkg/connectors/kafkasink"
	"flowmesh/pkg/connectors/kafkasource"
	"flowmesh/pkg/connectors/stdoutsink"
	"flowmesh/pkg/dataflow"
	"flowmesh/pkg/sink"
	"flowmesh/pkg/source"
	"flowmesh/pkg/types"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

// buildSource constructs the configured input connector.
func buildSource(cfg *config.Config, logger *logrus.Logger) (source.Source, error) {
	switch cfg.Source.Kind {
	case "kafka":
		return kafkasource.New(types.StepID("in"), kafkasource.Config{
			Brokers:     cfg.Source.KafkaBrokers,
			Topic:       cfg.Source.KafkaTopic,
			StartOffset: sarama.OffsetOldest,
			Logger:      logger,
		})
	case "generator":
		tick, err := time.ParseDuration(cfg.Source.GeneratorTick)
		if err != nil {
			return nil, fmt.Errorf("app: parse generator tick: %w", err)
		}
		return genericsource.NewGenerator(types.StepID("in"), tick, func(workerIndex int) interface{} {
			return workerIndex
		}), nil
	default:
		return nil, fmt.Errorf("app: unknown source kind %q", cfg.Source.Kind)
	}
}

// buildSink constructs the configured output connector.
func buildSink(cfg *config.Config, logger *logrus.Logger) (sink.Sink, error) {
	switch cfg.Sink.Kind {
	case "stdout":
		return stdoutsink.NewStdout(), nil
	case "file":
		return filesink.New(filesink.Config{
			Directory: cfg.Sink.FileDirectory,
			MaxSizeMB: cfg.Sink.FileMaxSizeMB,
			MaxFiles:  cfg.Sink.FileMaxFiles,
			Compress:  cfg.Sink.FileCompress,
			Logger:    logger,
		}), nil
	case "kafka":
		return kafkasink.NewSink(kafkasink.SinkConfig{
			Brokers: cfg.Sink.KafkaBrokers,
			Topic:   cfg.Sink.KafkaTopic,
			Logger:  logger,
		})
	default:
		return nil, fmt.Errorf("app: unknown sink kind %q", cfg.Sink.Kind)
	}
}

// buildDataflow wires the configured source straight through to the
// configured sink, stamping each record with its receipt epoch. This is
// the pass-through topology the process runs out of the box; embedders
// link against pkg/dataflow directly for anything richer.
func buildDataflow(cfg *config.Config, logger *logrus.Logger) (*dataflow.Dataflow, error) {
	src, err := buildSource(cfg, logger)
	if err != nil {
		return nil, err
	}
	snk, err := buildSink(cfg, logger)
	if err != nil {
		return nil, err
	}

	return dataflow.New(cfg.App.Name).
		Input(src.StepID(), src).
		Capture(snk).
		Build()
}
