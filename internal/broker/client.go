package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"notification-workers/internal/common/errors"
	"notification-workers/internal/common/logger"
)

type ClientConfig struct {
	URL            string
	Topology       Topology
	PublishTimeout time.Duration
	RetryConfig    *RetryConfig
}

// RetryConfig bounds the initial connection attempts.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

var DefaultRetryConfig = &RetryConfig{
	MaxRetries: 5,
	BaseDelay:  1 * time.Second,
	MaxDelay:   10 * time.Second,
}

type publishChannel interface {
	queueDeclarer
	PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error)
	Close() error
}

// Client owns the AMQP connection and a confirm-mode channel used for every
// publish. Consumers get their own channel via ConsumerChannel.
type Client struct {
	conn   *amqp.Connection
	pubCh  publishChannel
	pubMu  sync.Mutex
	config *ClientConfig
	logger logger.Logger

	retryQueues   map[time.Duration]string
	retryQueuesMu sync.Mutex
}

// Dial connects with retries, declares the topology and puts the publishing
// channel into confirm mode.
func Dial(ctx context.Context, config *ClientConfig, log logger.Logger) (*Client, error) {
	if config.RetryConfig == nil {
		config.RetryConfig = DefaultRetryConfig
	}
	log = logger.ForComponent(log, "broker")

	conn, err := connectWithRetry(ctx, config, log)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open publish channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	if err := config.Topology.Declare(ch); err != nil {
		conn.Close()
		return nil, err
	}

	c := newClient(ch, config, log)
	c.conn = conn

	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		if amqpErr, ok := <-closed; ok && amqpErr != nil {
			log.Error("broker connection closed", map[string]interface{}{
				"code":   amqpErr.Code,
				"reason": amqpErr.Reason,
			})
		}
	}()

	log.Info("connected to broker", map[string]interface{}{
		"queue":           config.Topology.Queue,
		"deadLetterQueue": config.Topology.DeadLetterQueue,
	})
	return c, nil
}

func newClient(ch publishChannel, config *ClientConfig, log logger.Logger) *Client {
	if config.PublishTimeout == 0 {
		config.PublishTimeout = 5 * time.Second
	}
	return &Client{
		pubCh:       ch,
		config:      config,
		logger:      log,
		retryQueues: make(map[time.Duration]string),
	}
}

func connectWithRetry(ctx context.Context, config *ClientConfig, log logger.Logger) (*amqp.Connection, error) {
	var lastErr error
	rc := config.RetryConfig

	for attempt := 0; attempt <= rc.MaxRetries; attempt++ {
		conn, err := amqp.Dial(config.URL)
		if err == nil {
			return conn, nil
		}
		lastErr = err

		if !isRetryableAMQPError(err) || attempt == rc.MaxRetries {
			break
		}

		delay := rc.BaseDelay * time.Duration(1<<attempt)
		if delay > rc.MaxDelay {
			delay = rc.MaxDelay
		}
		log.Warn("broker connection failed, retrying", map[string]interface{}{
			"attempt": attempt + 1,
			"delay":   delay.String(),
			"error":   err,
		})

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, fmt.Errorf("broker connect cancelled after %d attempts: %w", attempt+1, ctx.Err())
		}
	}

	return nil, fmt.Errorf("failed to connect to broker: %w", lastErr)
}

func isRetryableAMQPError(err error) bool {
	msg := strings.ToLower(err.Error())
	retryablePhrases := []string{
		"connection refused",
		"connection reset",
		"timeout",
		"i/o timeout",
		"no such host",
		"broken pipe",
		"eof",
	}
	for _, phrase := range retryablePhrases {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}

// Publish sends job to the work queue and waits for the broker confirm.
func (c *Client) Publish(ctx context.Context, job Job) error {
	return c.publish(ctx, c.config.Topology.Queue, job)
}

// PublishDelayed parks job in the retry queue for delay. The broker moves it
// back to the work queue once the TTL expires.
func (c *Client) PublishDelayed(ctx context.Context, job Job, delay time.Duration) error {
	if delay <= 0 {
		return c.Publish(ctx, job)
	}
	queue, err := c.retryQueue(delay)
	if err != nil {
		return errors.NewPublishError(c.config.Topology.RetryQueueName(delay), err)
	}
	return c.publish(ctx, queue, job)
}

func (c *Client) retryQueue(delay time.Duration) (string, error) {
	c.retryQueuesMu.Lock()
	defer c.retryQueuesMu.Unlock()

	if name, ok := c.retryQueues[delay]; ok {
		return name, nil
	}

	c.pubMu.Lock()
	name, err := c.config.Topology.DeclareRetryQueue(c.pubCh, delay)
	c.pubMu.Unlock()
	if err != nil {
		return "", err
	}
	c.retryQueues[delay] = name
	return name, nil
}

func (c *Client) publish(ctx context.Context, queue string, job Job) error {
	body, err := job.Encode()
	if err != nil {
		return errors.NewPublishError(queue, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.PublishTimeout)
	defer cancel()

	c.pubMu.Lock()
	confirm, err := c.pubCh.PublishWithDeferredConfirmWithContext(ctx, "", queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    job.ID.String(),
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	c.pubMu.Unlock()
	if err != nil {
		return errors.NewPublishError(queue, err)
	}

	// nil when the channel is not in confirm mode
	if confirm == nil {
		return nil
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return errors.NewPublishError(queue, fmt.Errorf("awaiting confirm: %w", err))
	}
	if !acked {
		return errors.NewPublishError(queue, fmt.Errorf("broker nacked message %s", job.ID))
	}
	return nil
}

// ConsumerChannel opens a dedicated channel for a Worker.
func (c *Client) ConsumerChannel() (*amqp.Channel, error) {
	if c.conn == nil {
		return nil, fmt.Errorf("broker client has no connection")
	}
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open consumer channel: %w", err)
	}
	return ch, nil
}

func (c *Client) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.conn == nil || c.conn.IsClosed() {
		return fmt.Errorf("broker connection is closed")
	}
	return nil
}

// Close closes the publishing channel, then the connection.
func (c *Client) Close() error {
	var firstErr error
	if c.pubCh != nil {
		if err := c.pubCh.Close(); err != nil && err != amqp.ErrClosed {
			firstErr = err
		}
	}
	if c.conn != nil && !c.conn.IsClosed() {
		if err := c.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
