package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func replyDelivery(ack *fakeAcknowledger, correlationID string, result JobResult) amqp.Delivery {
	body, _ := json.Marshal(result)
	return amqp.Delivery{
		Acknowledger:  ack,
		CorrelationId: correlationID,
		Body:          body,
	}
}

func TestAwaitReply_MatchingCorrelationID(t *testing.T) {
	ack := &fakeAcknowledger{}
	deliveries := make(chan amqp.Delivery, 1)
	deliveries <- replyDelivery(ack, "corr-1", JobResult{
		JobID:  "job-1",
		Status: StatusExtracted,
	})

	result, err := awaitReply(context.Background(), deliveries, "corr-1", slog.New(slog.DiscardHandler))

	require.NoError(t, err)
	assert.Equal(t, "job-1", result.JobID)
	assert.Equal(t, StatusExtracted, result.Status)
	assert.True(t, ack.acked)
}

func TestAwaitReply_MismatchedReplyIsAckedAndSkipped(t *testing.T) {
	strayAck := &fakeAcknowledger{}
	matchAck := &fakeAcknowledger{}

	deliveries := make(chan amqp.Delivery, 2)
	deliveries <- replyDelivery(strayAck, "someone-else", JobResult{JobID: "stray"})
	deliveries <- replyDelivery(matchAck, "corr-1", JobResult{JobID: "job-1", Status: StatusCompleted})

	result, err := awaitReply(context.Background(), deliveries, "corr-1", slog.New(slog.DiscardHandler))

	require.NoError(t, err)
	assert.Equal(t, "job-1", result.JobID)

	// The stray reply must be acked too, not left pending
	assert.True(t, strayAck.acked)
	assert.True(t, matchAck.acked)
}

func TestAwaitReply_DeadlineYieldsTimeoutError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	deliveries := make(chan amqp.Delivery)

	result, err := awaitReply(ctx, deliveries, "corr-1", slog.New(slog.DiscardHandler))

	require.ErrorIs(t, err, ErrRPCTimeout)
	assert.Nil(t, result)
}

func TestAwaitReply_CancellationIsNotATimeout(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	deliveries := make(chan amqp.Delivery)

	_, err := awaitReply(ctx, deliveries, "corr-1", slog.New(slog.DiscardHandler))

	require.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrRPCTimeout)
}

func TestAwaitReply_ClosedChannel(t *testing.T) {
	deliveries := make(chan amqp.Delivery)
	close(deliveries)

	_, err := awaitReply(context.Background(), deliveries, "corr-1", slog.New(slog.DiscardHandler))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "reply channel closed")
}

func TestAwaitReply_MalformedReply(t *testing.T) {
	ack := &fakeAcknowledger{}
	deliveries := make(chan amqp.Delivery, 1)
	deliveries <- amqp.Delivery{
		Acknowledger:  ack,
		CorrelationId: "corr-1",
		Body:          []byte("{not json"),
	}

	_, err := awaitReply(context.Background(), deliveries, "corr-1", slog.New(slog.DiscardHandler))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to unmarshal reply")
	assert.True(t, ack.acked)
}

func TestNewJobs(t *testing.T) {
	ext := NewExtractionJob("blues.00042.wav", "s3://opensource-songs/blues.00042.wav")
	assert.Equal(t, JobTypeExtraction, ext.Type)
	assert.NotEmpty(t, ext.JobID)
	assert.Zero(t, ext.TopK)

	sim := NewSimilarityJob("query.wav", "s3://query-songs/query.wav", 5)
	assert.Equal(t, JobTypeSimilarity, sim.Type)
	assert.Equal(t, 5, sim.TopK)
	assert.NotEqual(t, ext.JobID, sim.JobID)
}
