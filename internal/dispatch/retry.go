package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/openshaz/openshaz/shared/rabbitmq"
)

// MaxRetries is the default retry ceiling per logical job
const MaxRetries = 3

// RetryCountHeader carries the redelivery counter across republishes
const RetryCountHeader = "x-retry-count"

// Outcome describes what the governor did with a failed delivery
type Outcome int

const (
	// OutcomeRequeued means the job was republished with an incremented
	// retry counter (or handed back to the broker for redelivery)
	OutcomeRequeued Outcome = iota

	// OutcomeDiscarded means the job was dropped permanently
	OutcomeDiscarded
)

func (o Outcome) String() string {
	if o == OutcomeDiscarded {
		return "discarded"
	}
	return "requeued"
}

// publisher is the slice of the broker client the governor republishes
// through
type publisher interface {
	Publish(ctx context.Context, queue string, body []byte, opts rabbitmq.PublishOptions) error
}

// GovernorConfig holds retry policy knobs
type GovernorConfig struct {
	// MaxRetries caps how often a job is requeued; defaults to MaxRetries
	MaxRetries int

	// RetryDelay is the pause before a failed job is republished. Zero
	// means immediate requeue, which under a sustained downstream outage
	// turns into a tight failure loop.
	RetryDelay time.Duration
}

// Governor decides, per failed delivery, between requeue with an
// incremented counter and permanent discard
type Governor struct {
	pub        publisher
	maxRetries int
	retryDelay time.Duration
	logger     *slog.Logger
}

// NewGovernor creates a retry governor publishing requeues through pub
func NewGovernor(pub publisher, cfg GovernorConfig, logger *slog.Logger) *Governor {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = MaxRetries
	}

	return &Governor{
		pub:        pub,
		maxRetries: maxRetries,
		retryDelay: cfg.RetryDelay,
		logger:     logger,
	}
}

// RetryCount reads the redelivery counter from message headers; a missing
// header means first delivery
func RetryCount(headers amqp.Table) int {
	if headers == nil {
		return 0
	}

	switch v := headers[RetryCountHeader].(type) {
	case int:
		return v
	case int8:
		return int(v)
	case int16:
		return int(v)
	case int32:
		return int(v)
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// OnFailure settles a failed delivery. Terminal causes and jobs at the
// retry ceiling are nacked without requeue; everything else is republished
// to the same routing key with the counter incremented and the original
// correlation id and reply queue preserved, then the original delivery is
// acked. Republish-then-ack keeps the broker's own nack redelivery from
// racing the explicit requeue.
func (g *Governor) OnFailure(ctx context.Context, d amqp.Delivery, cause error) (Outcome, error) {
	if IsTerminal(cause) {
		g.logger.Error("Permanent failure, discarding job without retry",
			slog.String("queue", d.RoutingKey),
			slog.String("error", cause.Error()),
		)
		if err := d.Nack(false, false); err != nil {
			return OutcomeDiscarded, fmt.Errorf("failed to NACK terminal job: %w", err)
		}
		return OutcomeDiscarded, nil
	}

	count := RetryCount(d.Headers)
	if count >= g.maxRetries {
		g.logger.Error("Job exceeded maximum retries, discarding message",
			slog.String("queue", d.RoutingKey),
			slog.Int("retry_count", count),
			slog.Int("max_retries", g.maxRetries),
			slog.String("error", cause.Error()),
		)
		if err := d.Nack(false, false); err != nil {
			return OutcomeDiscarded, fmt.Errorf("failed to NACK exhausted job: %w", err)
		}
		return OutcomeDiscarded, nil
	}

	if g.retryDelay > 0 {
		timer := time.NewTimer(g.retryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			// Shutdown mid-wait: hand the message back untouched
			if err := d.Nack(false, true); err != nil {
				return OutcomeRequeued, fmt.Errorf("failed to NACK on shutdown: %w", err)
			}
			return OutcomeRequeued, nil
		case <-timer.C:
		}
	}

	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[RetryCountHeader] = int32(count + 1)

	g.logger.Warn("Requeuing failed job",
		slog.String("queue", d.RoutingKey),
		slog.Int("attempt", count+1),
		slog.Int("max_retries", g.maxRetries),
		slog.String("error", cause.Error()),
	)

	err := g.pub.Publish(ctx, d.RoutingKey, d.Body, rabbitmq.PublishOptions{
		CorrelationID: d.CorrelationId,
		ReplyTo:       d.ReplyTo,
		Headers:       headers,
	})
	if err != nil {
		// Fall back to broker redelivery; the counter stays as-is
		if nackErr := d.Nack(false, true); nackErr != nil {
			return OutcomeRequeued, fmt.Errorf("failed to republish (%v) and to NACK: %w", err, nackErr)
		}
		return OutcomeRequeued, fmt.Errorf("failed to republish, NACKed for redelivery: %w", err)
	}

	if err := d.Ack(false); err != nil {
		return OutcomeRequeued, fmt.Errorf("republished but failed to ACK original delivery: %w", err)
	}

	return OutcomeRequeued, nil
}
