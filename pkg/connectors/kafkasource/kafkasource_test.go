package kafkasource

import (
	"context"
	"testing"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_ValidatesConfig(t *testing.T) {
	_, err := New("in", Config{})
	assert.Error(t, err)

	_, err = New("in", Config{Brokers: []string{"b1:9092"}})
	assert.Error(t, err)

	src, err := New("in", Config{Brokers: []string{"b1:9092"}, Topic: "t"})
	require.NoError(t, err)
	assert.Equal(t, sarama.OffsetOldest, src.cfg.StartOffset)
}

func TestSource_StepIDAndShape(t *testing.T) {
	src, err := New("in", Config{Brokers: []string{"b1:9092"}, Topic: "t"})
	require.NoError(t, err)

	assert.Equal(t, "in", string(src.StepID()))
	assert.NotNil(t, src.AsPartitioned())
	assert.Nil(t, src.AsDynamic())
}

func TestBuild_RejectsMalformedResumeToken(t *testing.T) {
	src, err := New("in", Config{Brokers: []string{"b1:9092"}, Topic: "t"})
	require.NoError(t, err)

	_, err = src.Build(context.Background(), 0, 1, "not-a-number")
	assert.Error(t, err)
}
