package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// RetrySuffix prefixes the holding queues whose expired messages flow back to the job queue
	RetrySuffix = ".retry"
	// FailedSuffix names the terminal queue for jobs that ran out of attempts
	FailedSuffix = ".failed"

	retryQueueGrace = 10 * time.Minute
)

var (
	// ErrNotConnected is returned when an operation is attempted without a live connection
	ErrNotConnected = errors.New("not connected to RabbitMQ")
	// ErrPublishNacked is returned when the broker refuses to take ownership of a message
	ErrPublishNacked = errors.New("publish not acknowledged by RabbitMQ")
)

// confirmation is the broker's answer to one published message
type confirmation interface {
	WaitContext(ctx context.Context) (bool, error)
}

// Config holds RabbitMQ connection configuration
type Config struct {
	Host               string
	Port               int
	User               string
	Password           string
	VHost              string
	ExchangeName       string
	ExchangeType       string
	ExchangeDurable    bool
	ExchangeAutoDelete bool
	QueueDurable       bool
	RetryAttempts      int
	RetryInterval      time.Duration
	Heartbeat          time.Duration
	ConnectionTimeout  time.Duration
	PublishRetries     int
	PublishRetryDelay  time.Duration
	PublishBackoffMult float64
}

// Client represents a RabbitMQ client
type Client struct {
	config      *Config
	conn        *amqp.Connection
	channel     *amqp.Channel
	logger      *slog.Logger
	closeChan   chan *amqp.Error
	isConnected atomic.Bool

	// publishMu serializes publishes on the shared channel so confirm
	// sequence numbers match publish order
	publishMu sync.Mutex

	consumersMu sync.Mutex
	consumers   []*amqp.Channel
}

// NewClient creates a new RabbitMQ client
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	client := &Client{
		config:    config,
		logger:    logger,
		closeChan: make(chan *amqp.Error),
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
		Locale:    "en_US",
	}
	if c.config.ConnectionTimeout > 0 {
		amqpConfig.Dial = amqp.DefaultDial(c.config.ConnectionTimeout)
	}

	attempts := c.config.RetryAttempts
	if attempts <= 0 {
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

	// publishes only succeed once the broker has confirmed them
	if err = c.channel.Confirm(false); err != nil {
		c.channel.Close()
		c.conn.Close()
		return fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	err = c.channel.ExchangeDeclare(
		c.config.ExchangeName,       // name
		c.config.ExchangeType,       // type
		c.config.ExchangeDurable,    // durable
		c.config.ExchangeAutoDelete, // auto-deleted
		false,                       // internal
		false,                       // no-wait
		nil,                         // arguments
	)
	if err != nil {
		c.channel.Close()
		c.conn.Close()
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	// Monitor connection
	c.closeChan = make(chan *amqp.Error, 1)
	c.channel.NotifyClose(c.closeChan)
	c.isConnected.Store(true)

	go c.watchClose()

	c.logger.Info("RabbitMQ client initialized",
		slog.String("exchange", c.config.ExchangeName),
	)

	return nil
}

func (c *Client) watchClose() {
	amqpErr, ok := <-c.closeChan
	if !ok {
		return
	}
	c.isConnected.Store(false)
	c.logger.Error("RabbitMQ channel closed",
		slog.Any("error", amqpErr),
	)
}

// DeclareJobQueue declares the job queue and its failed queue. Rejected messages on
// the job queue dead-letter to the failed queue. Retry queues are declared per delay
// by DeclareRetryQueue.
func (c *Client) DeclareJobQueue(name string) error {
	if !c.isConnected.Load() {
		return ErrNotConnected
	}

	queues := []struct {
		name string
		args amqp.Table
	}{
		{
			name: name,
			args: amqp.Table{
				"x-dead-letter-exchange":    c.config.ExchangeName,
				"x-dead-letter-routing-key": name + FailedSuffix,
			},
		},
		{
			name: name + FailedSuffix,
		},
	}

	for _, q := range queues {
		if err := c.declareAndBind(q.name, q.args); err != nil {
			return err
		}
	}

	c.logger.Info("Job queue declared",
		slog.String("queue", name),
		slog.String("exchange", c.config.ExchangeName),
	)

	return nil
}

// RetryQueueName returns the holding queue for jobs of queue waiting out delay
func RetryQueueName(queue string, delay time.Duration) string {
	return fmt.Sprintf("%s%s.%d", queue, RetrySuffix, delay.Milliseconds())
}

// DeclareRetryQueue declares the holding queue for one backoff delay and returns its name.
// Every message in it shares the same TTL, so messages expire in arrival order and a short
// delay never waits behind a longer one. Expired messages dead-letter back to queue. An
// idle holding queue is removed by the broker once it has outlived its TTL.
func (c *Client) DeclareRetryQueue(queue string, delay time.Duration) (string, error) {
	if !c.isConnected.Load() {
		return "", ErrNotConnected
	}

	name := RetryQueueName(queue, delay)
	ttl := delay.Milliseconds()
	args := amqp.Table{
		"x-dead-letter-exchange":    c.config.ExchangeName,
		"x-dead-letter-routing-key": queue,
		"x-message-ttl":             ttl,
		"x-expires":                 2*ttl + retryQueueGrace.Milliseconds(),
	}
	if err := c.declareAndBind(name, args); err != nil {
		return "", err
	}
	return name, nil
}

func (c *Client) declareAndBind(name string, args amqp.Table) error {
	c.publishMu.Lock()
	defer c.publishMu.Unlock()

	_, err := c.channel.QueueDeclare(
		name,                  // name
		c.config.QueueDurable, // durable
		false,                 // auto-delete
		false,                 // exclusive
		false,                 // no-wait
		args,                  // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", name, err)
	}

	err = c.channel.QueueBind(
		name,                  // queue name
		name,                  // routing key
		c.config.ExchangeName, // exchange
		false,                 // no-wait
		nil,                   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", name, err)
	}
	return nil
}

// Publish publishes a message and waits for the broker to confirm it, retrying
// with exponential backoff on errors and nacks
func (c *Client) Publish(ctx context.Context, routingKey string, msg amqp.Publishing) error {
	if !c.isConnected.Load() {
		return ErrNotConnected
	}

	maxRetries := c.config.PublishRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	baseDelay := c.config.PublishRetryDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond // default
	}

	backoffMult := c.config.PublishBackoffMult
	if backoffMult <= 0 {
		backoffMult = 2.0 // default
	}

	if msg.DeliveryMode == 0 {
		msg.DeliveryMode = amqp.Persistent
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	var lastErr error
	delay := baseDelay
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := c.publishOnce(ctx, routingKey, msg)
		if err == nil {
			if attempt > 0 {
				c.logger.Info("Successfully published message to RabbitMQ after retry",
					slog.Int("attempt", attempt+1),
					slog.String("routing_key", routingKey),
				)
			} else {
				c.logger.Debug("Message published to RabbitMQ",
					slog.String("routing_key", routingKey),
					slog.Int("body_size", len(msg.Body)),
				)
			}
			return nil
		}

		lastErr = err

		if attempt < maxRetries {
			c.logger.Warn("Failed to publish message to RabbitMQ, retrying...",
				slog.Int("attempt", attempt+1),
				slog.Int("max_retries", maxRetries),
				slog.Duration("retry_after", delay),
				slog.Any("error", err),
			)

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return fmt.Errorf("failed to publish message: %w", ctx.Err())
			}
			delay = time.Duration(float64(delay) * backoffMult)
		}
	}

	c.logger.Error("Failed to publish message to RabbitMQ after all retries",
		slog.Int("attempts", maxRetries+1),
		slog.String("routing_key", routingKey),
		slog.Any("error", lastErr),
	)
	return fmt.Errorf("failed to publish message after %d attempts: %w", maxRetries+1, lastErr)
}

func (c *Client) publishOnce(ctx context.Context, routingKey string, msg amqp.Publishing) error {
	c.publishMu.Lock()
	dc, err := c.channel.PublishWithDeferredConfirmWithContext(
		ctx,
		c.config.ExchangeName, // exchange
		routingKey,            // routing key
		false,                 // mandatory
		false,                 // immediate
		msg,
	)
	c.publishMu.Unlock()
	if err != nil {
		return err
	}
	if dc == nil {
		return errors.New("channel is not in confirm mode")
	}
	return awaitConfirm(ctx, dc)
}

// awaitConfirm blocks until the broker acks or nacks the message, or ctx is done
func awaitConfirm(ctx context.Context, dc confirmation) error {
	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("failed waiting for publisher confirm: %w", err)
	}
	if !acked {
		return ErrPublishNacked
	}
	return nil
}

// Consume starts consuming a queue on a dedicated channel with the given prefetch.
// The consumer is canceled when ctx is done, which closes the returned delivery
// channel. The underlying channel stays open so in-flight deliveries can still be
// acknowledged; it is closed by Close.
func (c *Client) Consume(ctx context.Context, queue, consumerTag string, prefetch int) (<-chan amqp.Delivery, error) {
	if !c.isConnected.Load() {
		return nil, ErrNotConnected
	}

	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open consumer channel: %w", err)
	}

	// prefetch_size 0 means no byte limit; global false means per consumer
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}

	deliveries, err := ch.Consume(
		queue,       // queue
		consumerTag, // consumer tag
		false,       // auto-ack
		false,       // exclusive
		false,       // no-local
		false,       // no-wait
		nil,         // args
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to consume messages: %w", err)
	}

	c.consumersMu.Lock()
	c.consumers = append(c.consumers, ch)
	c.consumersMu.Unlock()

	go func() {
		<-ctx.Done()
		if err := ch.Cancel(consumerTag, false); err != nil {
			c.logger.Warn("Failed to cancel RabbitMQ consumer",
				slog.String("consumer_tag", consumerTag),
				slog.Any("error", err),
			)
		}
	}()

	c.logger.Info("Started consuming messages from RabbitMQ",
		slog.String("queue", queue),
		slog.String("consumer_tag", consumerTag),
		slog.Int("prefetch_count", prefetch),
	)

	return deliveries, nil
}

// Close closes the RabbitMQ connection
func (c *Client) Close() error {
	c.logger.Info("Closing RabbitMQ connection")

	c.isConnected.Store(false)

	c.consumersMu.Lock()
	for _, ch := range c.consumers {
		if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			c.logger.Error("Failed to close RabbitMQ consumer channel",
				slog.Any("error", err),
			)
		}
	}
	c.consumers = nil
	c.consumersMu.Unlock()

	if c.channel != nil {
		if err := c.channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			c.logger.Error("Failed to close RabbitMQ channel",
				slog.Any("error", err),
			)
		}
	}

	if c.conn != nil {
		if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			c.logger.Error("Failed to close RabbitMQ connection",
				slog.Any("error", err),
			)
			return err
		}
	}

	c.logger.Info("RabbitMQ connection closed successfully")
	return nil
}

// IsConnected returns the connection status
func (c *Client) IsConnected() bool {
	return c.isConnected.Load() && c.conn != nil && !c.conn.IsClosed()
}
