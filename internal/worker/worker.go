// Package worker consumes the audio work queues and runs one handler per
// queue, settling every delivery through ack, retry-requeue, or discard.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/openshaz/openshaz/internal/dispatch"
	"github.com/openshaz/openshaz/shared/rabbitmq"
)

// HandlerFunc processes one job and either returns the result to publish
// to the job's reply queue or an error for the retry governor. Wrapping the
// error with dispatch.Terminal discards the job immediately.
type HandlerFunc func(ctx context.Context, job dispatch.Job) (*dispatch.JobResult, error)

// brokerClient is the slice of the RabbitMQ client the worker needs
type brokerClient interface {
	DeclareQueue(name string) error
	Consume(queue, consumerTag string, prefetchCount int) (<-chan amqp.Delivery, error)
	Publish(ctx context.Context, queue string, body []byte, opts rabbitmq.PublishOptions) error
}

// Config holds worker configuration
type Config struct {
	Logger        *slog.Logger
	Broker        brokerClient
	Governor      *dispatch.Governor
	PrefetchCount int
	WorkerID      string
}

// Worker is the stateless queue dispatcher. It declares the registered
// queues, consumes each with the configured prefetch, and loops on
// deliveries until the context is canceled.
type Worker struct {
	logger        *slog.Logger
	broker        brokerClient
	governor      *dispatch.Governor
	prefetchCount int
	workerID      string
	handlers      map[string]HandlerFunc
	wg            sync.WaitGroup
	failed        chan error
}

// New creates a new worker instance
func New(cfg *Config) *Worker {
	prefetch := cfg.PrefetchCount
	if prefetch <= 0 {
		// One unacknowledged message per consumer keeps work spread
		// evenly across replicas
		prefetch = 1
	}

	workerID := cfg.WorkerID
	if workerID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "worker"
		}
		workerID = hostname
	}

	return &Worker{
		logger:        cfg.Logger,
		broker:        cfg.Broker,
		governor:      cfg.Governor,
		prefetchCount: prefetch,
		workerID:      workerID,
		handlers:      make(map[string]HandlerFunc),
		failed:        make(chan error, 1),
	}
}

// Handle binds a handler to a queue. Must be called before Start.
func (w *Worker) Handle(queue string, handler HandlerFunc) {
	w.handlers[queue] = handler
}

// Start declares the registered queues, spawns one consumer loop per queue,
// and blocks until the context is canceled or a consumer loop dies. A dead
// loop means the broker closed its delivery channel; there is nothing left
// to consume with, so Start returns an error and the process exits for the
// supervisor to restart. In-flight handlers finish before Stop returns.
func (w *Worker) Start(ctx context.Context) error {
	if len(w.handlers) == 0 {
		return fmt.Errorf("no queue handlers registered")
	}

	for queue, handler := range w.handlers {
		if err := w.broker.DeclareQueue(queue); err != nil {
			return err
		}

		consumerTag := fmt.Sprintf("%s-%s", w.workerID, queue)
		deliveries, err := w.broker.Consume(queue, consumerTag, w.prefetchCount)
		if err != nil {
			return err
		}

		w.wg.Add(1)
		go w.consumeLoop(ctx, queue, deliveries, handler)
	}

	w.logger.Info("Worker started",
		slog.String("worker_id", w.workerID),
		slog.Int("queues", len(w.handlers)),
		slog.Int("prefetch_count", w.prefetchCount),
	)

	select {
	case <-ctx.Done():
		w.logger.Info("Worker context canceled, stopping...")
		return nil
	case err := <-w.failed:
		w.logger.Error("Consumer loop died, shutting down",
			slog.String("error", err.Error()),
		)
		return err
	}
}

// Stop waits for in-flight handlers to finish
func (w *Worker) Stop() {
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}

// consumeLoop processes deliveries from one queue until shutdown
func (w *Worker) consumeLoop(ctx context.Context, queue string, deliveries <-chan amqp.Delivery, handler HandlerFunc) {
	defer w.wg.Done()

	w.logger.Info("Consumer loop started",
		slog.String("queue", queue),
		slog.String("worker_id", w.workerID),
	)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Consumer loop stopped - context canceled",
				slog.String("queue", queue),
			)
			return

		case delivery, ok := <-deliveries:
			if !ok {
				w.logger.Error("RabbitMQ delivery channel closed",
					slog.String("queue", queue),
				)
				// One failure report is enough to bring the
				// process down
				select {
				case w.failed <- fmt.Errorf("delivery channel for queue %s closed by the broker", queue):
				default:
				}
				return
			}

			w.process(ctx, queue, delivery, handler)
		}
	}
}

// process runs the handler for a single delivery and settles it in exactly
// one way: ack (with an optional reply publish), retry-requeue, or discard.
func (w *Worker) process(ctx context.Context, queue string, delivery amqp.Delivery, handler HandlerFunc) {
	var job dispatch.Job
	if err := json.Unmarshal(delivery.Body, &job); err != nil {
		w.logger.Error("Failed to parse job JSON",
			slog.String("queue", queue),
			slog.String("error", err.Error()),
		)
		w.settleFailure(ctx, delivery, dispatch.Terminal(fmt.Errorf("malformed job body: %w", err)))
		return
	}

	w.logger.Info("Processing job",
		slog.String("queue", queue),
		slog.String("job_id", job.JobID),
		slog.String("type", job.Type),
		slog.Int("retry_count", dispatch.RetryCount(delivery.Headers)),
	)

	result, err := handler(ctx, job)
	if err != nil {
		w.logger.Error("Job processing failed",
			slog.String("queue", queue),
			slog.String("job_id", job.JobID),
			slog.String("error", err.Error()),
		)
		w.settleFailure(ctx, delivery, err)
		return
	}

	if delivery.ReplyTo != "" {
		body, err := json.Marshal(result)
		if err != nil {
			w.settleFailure(ctx, delivery, dispatch.Terminal(fmt.Errorf("failed to marshal job result: %w", err)))
			return
		}

		err = w.broker.Publish(ctx, delivery.ReplyTo, body, rabbitmq.PublishOptions{
			CorrelationID: delivery.CorrelationId,
		})
		if err != nil {
			// The reply must reach the caller; requeue so another
			// attempt can publish it
			w.settleFailure(ctx, delivery, fmt.Errorf("failed to publish reply: %w", err))
			return
		}
	}

	if err := delivery.Ack(false); err != nil {
		w.logger.Error("Failed to ACK message",
			slog.String("queue", queue),
			slog.String("job_id", job.JobID),
			slog.String("error", err.Error()),
		)
		return
	}

	w.logger.Info("Job completed successfully",
		slog.String("queue", queue),
		slog.String("job_id", job.JobID),
	)
}

func (w *Worker) settleFailure(ctx context.Context, delivery amqp.Delivery, cause error) {
	outcome, err := w.governor.OnFailure(ctx, delivery, cause)
	if err != nil {
		w.logger.Error("Retry governor failed to settle delivery",
			slog.String("queue", delivery.RoutingKey),
			slog.String("outcome", outcome.String()),
			slog.String("error", err.Error()),
		)
		return
	}

	w.logger.Info("Failed job settled",
		slog.String("queue", delivery.RoutingKey),
		slog.String("outcome", outcome.String()),
	)
}
