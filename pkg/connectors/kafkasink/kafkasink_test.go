package kafkasink

import (
	"testing"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaramaConfig_Compression(t *testing.T) {
	cases := map[string]sarama.CompressionCodec{
		"gzip":   sarama.CompressionGZIP,
		"snappy": sarama.CompressionSnappy,
		"lz4":    sarama.CompressionLZ4,
		"zstd":   sarama.CompressionZSTD,
		"":       sarama.CompressionNone,
	}
	for name, want := range cases {
		sc, err := saramaConfig(SinkConfig{Compression: name})
		require.NoError(t, err)
		assert.Equal(t, want, sc.Producer.Compression)
	}
}

func TestSaramaConfig_Partitioner(t *testing.T) {
	sc, err := saramaConfig(SinkConfig{PartitionerName: "round-robin"})
	require.NoError(t, err)
	assert.NotNil(t, sc.Producer.Partitioner)

	sc, err = saramaConfig(SinkConfig{PartitionerName: "random"})
	require.NoError(t, err)
	assert.NotNil(t, sc.Producer.Partitioner)
}

func TestSaramaConfig_SCRAMAuth(t *testing.T) {
	sc, err := saramaConfig(SinkConfig{
		Auth: AuthConfig{Enabled: true, Username: "u", Password: "p", Mechanism: "SCRAM-SHA-256"},
	})
	require.NoError(t, err)
	assert.True(t, sc.Net.SASL.Enable)
	assert.Equal(t, sarama.SASLMechanism(sarama.SASLTypeSCRAMSHA256), sc.Net.SASL.Mechanism)
	require.NotNil(t, sc.Net.SASL.SCRAMClientGeneratorFunc)

	client := sc.Net.SASL.SCRAMClientGeneratorFunc()
	require.NoError(t, client.Begin("u", "p", ""))
}

func TestSaramaConfig_UnsupportedMechanism(t *testing.T) {
	_, err := saramaConfig(SinkConfig{
		Auth: AuthConfig{Enabled: true, Mechanism: "bogus"},
	})
	assert.Error(t, err)
}

func TestNewSink_ValidatesConfig(t *testing.T) {
	_, err := NewSink(SinkConfig{})
	assert.Error(t, err)

	_, err = NewSink(SinkConfig{Brokers: []string{"b1:9092"}})
	assert.Error(t, err)

	s, err := NewSink(SinkConfig{Brokers: []string{"b1:9092"}, Topic: "t"})
	require.NoError(t, err)
	assert.NotNil(t, s.breaker)
}
