package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/openshaz/openshaz/shared/rabbitmq"
)

// Submitter publishes jobs without a reply channel. Completion is not
// observable through this path; callers that need it poll the feature
// store instead.
type Submitter struct {
	config *rabbitmq.Config
	logger *slog.Logger
}

// NewSubmitter creates a new fire-and-forget submitter
func NewSubmitter(config *rabbitmq.Config, logger *slog.Logger) *Submitter {
	return &Submitter{
		config: config,
		logger: logger,
	}
}

// Submit publishes the job to the queue and returns its id immediately.
// The connection is call-scoped, like the RPC client's.
func (s *Submitter) Submit(ctx context.Context, queue string, job Job) (string, error) {
	client, err := rabbitmq.NewClient(s.config, s.logger)
	if err != nil {
		return "", fmt.Errorf("broker unavailable: %w", err)
	}
	defer client.Close()

	if err := client.DeclareQueue(queue); err != nil {
		return "", err
	}

	body, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}

	if err := client.Publish(ctx, queue, body, rabbitmq.PublishOptions{}); err != nil {
		return "", err
	}

	s.logger.Info("Job submitted",
		slog.String("job_id", job.JobID),
		slog.String("queue", queue),
		slog.String("type", job.Type),
	)

	return job.JobID, nil
}
