package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/openshaz/openshaz/shared/rabbitmq"
)

// RPCClient submits a job to a work queue and blocks until the worker's
// reply arrives on a private reply queue, matched by correlation id.
type RPCClient struct {
	config *rabbitmq.Config
	logger *slog.Logger
}

// NewRPCClient creates a new RPC client. Connections are not held; each
// Call dials its own, so a failed call can never leak broker state into the
// next one.
func NewRPCClient(config *rabbitmq.Config, logger *slog.Logger) *RPCClient {
	return &RPCClient{
		config: config,
		logger: logger,
	}
}

// Call publishes the job to the queue and waits up to timeout for the
// matching reply. Exactly one of a result or an error is returned; a missed
// deadline yields ErrRPCTimeout. The call-scoped broker connection is
// released on every exit path.
func (c *RPCClient) Call(ctx context.Context, queue string, job Job, timeout time.Duration) (*JobResult, error) {
	client, err := rabbitmq.NewClient(c.config, c.logger)
	if err != nil {
		return nil, fmt.Errorf("broker unavailable: %w", err)
	}
	defer client.Close()

	if err := client.DeclareQueue(queue); err != nil {
		return nil, err
	}

	replyQueue, err := client.DeclareReplyQueue()
	if err != nil {
		return nil, err
	}

	correlationID := uuid.New().String()

	deliveries, err := client.Consume(replyQueue, "rpc-"+correlationID, 1)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err = client.Publish(callCtx, queue, body, rabbitmq.PublishOptions{
		CorrelationID: correlationID,
		ReplyTo:       replyQueue,
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("RPC job published, waiting for reply",
		slog.String("job_id", job.JobID),
		slog.String("queue", queue),
		slog.String("correlation_id", correlationID),
		slog.Duration("timeout", timeout),
	)

	result, err := awaitReply(callCtx, deliveries, correlationID, c.logger)
	if err != nil {
		if errors.Is(err, ErrRPCTimeout) {
			return nil, fmt.Errorf("queue %s: %w", queue, err)
		}
		return nil, err
	}

	return result, nil
}

// awaitReply drains the private reply queue until a delivery with the
// expected correlation id arrives or the deadline passes. Every delivery is
// acked, matching or not, so anomalous replies never sit unacknowledged and
// pile up through redelivery.
func awaitReply(ctx context.Context, deliveries <-chan amqp.Delivery, correlationID string, logger *slog.Logger) (*JobResult, error) {
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, ErrRPCTimeout
			}
			return nil, ctx.Err()

		case delivery, ok := <-deliveries:
			if !ok {
				return nil, fmt.Errorf("reply channel closed before a reply arrived")
			}

			if err := delivery.Ack(false); err != nil {
				logger.Error("Failed to ACK reply message",
					slog.String("error", err.Error()),
				)
			}

			if delivery.CorrelationId != correlationID {
				// Should not happen on an exclusive queue
				logger.Warn("Discarding reply with unexpected correlation id",
					slog.String("expected", correlationID),
					slog.String("got", delivery.CorrelationId),
				)
				continue
			}

			var result JobResult
			if err := json.Unmarshal(delivery.Body, &result); err != nil {
				return nil, fmt.Errorf("failed to unmarshal reply: %w", err)
			}

			return &result, nil
		}
	}
}
