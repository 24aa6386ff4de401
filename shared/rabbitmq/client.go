package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Config holds RabbitMQ connection configuration
type Config struct {
	Host              string
	Port              int
	User              string
	Password          string
	VHost             string
	RetryAttempts     int
	RetryInterval     time.Duration
	Heartbeat         time.Duration
	ConnectionTimeout time.Duration
}

// PublishOptions carries the per-message AMQP properties used by the
// dispatch protocol. All messages are published persistent to the default
// exchange with the queue name as routing key.
type PublishOptions struct {
	CorrelationID string
	ReplyTo       string
	Headers       amqp.Table
}

// Client represents a RabbitMQ client
type Client struct {
	config      *Config
	conn        *amqp.Connection
	channel     *amqp.Channel
	logger      *slog.Logger
	closeChan   chan *amqp.Error
	mu          sync.Mutex
	isConnected bool
}

// NewClient creates a new RabbitMQ client
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	client := &Client{
		config:      config,
		logger:      logger,
		closeChan:   make(chan *amqp.Error),
		isConnected: false,
	}

	if err := client.connect(); err != nil {
		return nil, fmt.Errorf("failed to create RabbitMQ client: %w", err)
	}

	return client, nil
}

// connect establishes connection to RabbitMQ with retry logic
func (c *Client) connect() error {
	var err error

	dsn := fmt.Sprintf("amqp://%s:%s@%s:%d%s",
		c.config.User,
		c.config.Password,
		c.config.Host,
		c.config.Port,
		c.config.VHost,
	)

	amqpConfig := amqp.Config{
		Heartbeat: c.config.Heartbeat,
		Dial:      amqp.DefaultDial(c.config.ConnectionTimeout),
		Locale:    "en_US",
	}

	attempts := c.config.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		c.logger.Info("Connecting to RabbitMQ",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
		)

		c.conn, err = amqp.DialConfig(dsn, amqpConfig)
		if err == nil {
			c.logger.Info("Successfully connected to RabbitMQ")
			break
		}

		c.logger.Error("Failed to connect to RabbitMQ",
			slog.Any("error", err),
			slog.Int("attempt", attempt),
		)

		if attempt < attempts {
			time.Sleep(c.config.RetryInterval)
		}
	}

	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", attempts, err)
	}

	c.channel, err = c.conn.Channel()
	if err != nil {
		c.conn.Close()
		return fmt.Errorf("failed to create channel: %w", err)
	}

	// The notify channel must be drained or amqp blocks on shutdown
	c.closeChan = make(chan *amqp.Error, 1)
	c.channel.NotifyClose(c.closeChan)
	go c.watchClose()

	c.setConnected(true)

	return nil
}

// watchClose consumes the channel-close notification. An abnormal close
// marks the client disconnected; consumers observe the loss through their
// delivery channels closing.
func (c *Client) watchClose() {
	err, ok := <-c.closeChan
	if !ok || err == nil {
		// Graceful Close()
		return
	}

	c.setConnected(false)
	c.logger.Error("RabbitMQ channel closed unexpectedly",
		slog.String("error", err.Error()),
	)
}

func (c *Client) setConnected(connected bool) {
	c.mu.Lock()
	c.isConnected = connected
	c.mu.Unlock()
}

func (c *Client) connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isConnected
}

// DeclareQueue declares a durable work queue
func (c *Client) DeclareQueue(name string) error {
	if !c.connected() {
		return fmt.Errorf("not connected to RabbitMQ")
	}

	_, err := c.channel.QueueDeclare(
		name,  // name
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", name, err)
	}

	c.logger.Debug("Queue declared",
		slog.String("queue", name),
	)

	return nil
}

// DeclareReplyQueue declares a server-named, exclusive, auto-deleting queue
// for RPC replies and returns its generated name
func (c *Client) DeclareReplyQueue() (string, error) {
	if !c.connected() {
		return "", fmt.Errorf("not connected to RabbitMQ")
	}

	q, err := c.channel.QueueDeclare(
		"",    // name (server-generated)
		false, // durable
		true,  // auto-delete
		true,  // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return "", fmt.Errorf("failed to declare reply queue: %w", err)
	}

	c.logger.Debug("Reply queue declared",
		slog.String("queue", q.Name),
	)

	return q.Name, nil
}

// Publish publishes a persistent message to the given queue via the default
// exchange, carrying the dispatch properties from opts
func (c *Client) Publish(ctx context.Context, queue string, body []byte, opts PublishOptions) error {
	if !c.connected() {
		return fmt.Errorf("not connected to RabbitMQ")
	}

	err := c.channel.PublishWithContext(
		ctx,
		"",    // exchange (default)
		queue, // routing key
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:   "application/json",
			Body:          body,
			DeliveryMode:  amqp.Persistent,
			CorrelationId: opts.CorrelationID,
			ReplyTo:       opts.ReplyTo,
			Headers:       opts.Headers,
			Timestamp:     time.Now(),
		},
	)

	if err != nil {
		c.logger.Error("Failed to publish message to RabbitMQ",
			slog.String("queue", queue),
			slog.Any("error", err),
		)
		return fmt.Errorf("failed to publish message: %w", err)
	}

	c.logger.Debug("Message published to RabbitMQ",
		slog.String("queue", queue),
		slog.Int("body_size", len(body)),
	)

	return nil
}

// Consume starts consuming messages from the queue with the given prefetch
// count. Qos is per-consumer: a prefetch of 1 means the broker delivers at
// most one unacknowledged message at a time, which is what spreads work
// evenly across worker replicas.
func (c *Client) Consume(queue, consumerTag string, prefetchCount int) (<-chan amqp.Delivery, error) {
	if !c.connected() {
		return nil, fmt.Errorf("not connected to RabbitMQ")
	}

	err := c.channel.Qos(
		prefetchCount, // prefetch count
		0,             // prefetch size
		false,         // global
	)
	if err != nil {
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	messages, err := c.channel.Consume(
		queue,       // queue
		consumerTag, // consumer tag
		false,       // auto-ack
		false,       // exclusive
		false,       // no-local
		false,       // no-wait
		nil,         // args
	)
	if err != nil {
		return nil, fmt.Errorf("failed to consume messages: %w", err)
	}

	c.logger.Info("Started consuming messages from RabbitMQ",
		slog.String("queue", queue),
		slog.String("consumer_tag", consumerTag),
		slog.Int("prefetch_count", prefetchCount),
	)

	return messages, nil
}

// Close closes the RabbitMQ connection
func (c *Client) Close() error {
	c.logger.Info("Closing RabbitMQ connection")

	c.setConnected(false)

	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			c.logger.Error("Failed to close RabbitMQ channel",
				slog.Any("error", err),
			)
		}
	}

	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.logger.Error("Failed to close RabbitMQ connection",
				slog.Any("error", err),
			)
			return err
		}
	}

	return nil
}

// IsConnected returns the connection status
func (c *Client) IsConnected() bool {
	return c.connected() && c.conn != nil && !c.conn.IsClosed()
}
