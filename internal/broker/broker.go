package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/jackzampolin/drender/internal/types"
)

const (
	// FramesQueue carries per-frame completion notifications from workers
	// back to the driver.
	FramesQueue = "drender.driver.frames"
	// DefaultPort is the broker's AMQP port.
	DefaultPort = 5672

	// workerQueuePrefix names the per-instance job dispatch queues.
	workerQueuePrefix = "drender.worker."
)

// FrameHandler processes one frame notification from the feed.
type FrameHandler func(frame types.JobFrame)

// Config holds broker connection settings. The host comes from the
// project request; credentials come from configuration.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Logger   *slog.Logger
}

// Client is one AMQP connection to the worker message broker. It consumes
// the driver's frame queue and publishes job dispatches to per-worker
// queues.
type Client struct {
	conn   *amqp.Connection
	ch     *amqp.Channel
	logger *slog.Logger
}

// Open dials the broker, declares the frame queue, and starts consuming
// it. Every decoded frame notification is passed to handler; malformed
// payloads are logged and dropped. Consumption stops when ctx is done.
func Open(ctx context.Context, cfg Config, handler FrameHandler) (*Client, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "broker")

	if cfg.Port <= 0 {
		cfg.Port = DefaultPort
	}
	url := fmt.Sprintf("amqp://%s:%s@%s:%d/", cfg.User, cfg.Password, cfg.Host, cfg.Port)

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial broker at %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open broker channel: %w", err)
	}

	q, err := ch.QueueDeclare(FramesQueue, true, false, false, false, nil)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare frame queue: %w", err)
	}
	deliveries, err := ch.Consume(q.Name, "drender-driver", true, false, false, false, nil)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to consume frame queue: %w", err)
	}

	c := &Client{conn: conn, ch: ch, logger: logger}
	go c.consume(ctx, deliveries, handler)

	logger.Info("frame feed connected", "host", cfg.Host, "queue", q.Name)
	return c, nil
}

// consume decodes frame notifications until the feed closes.
func (c *Client) consume(ctx context.Context, deliveries <-chan amqp.Delivery, handler FrameHandler) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				c.logger.Warn("frame feed closed")
				return
			}
			var frame types.JobFrame
			if err := json.Unmarshal(d.Body, &frame); err != nil {
				c.logger.Warn("dropping malformed frame notification", "error", err)
				continue
			}
			handler(frame)
		}
	}
}

// DispatchJob publishes a job start message to the instance's queue.
func (c *Client) DispatchJob(ctx context.Context, instanceID string, job types.Job) error {
	queueName := workerQueuePrefix + instanceID
	if _, err := c.ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare worker queue %s: %w", queueName, err)
	}

	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job %s: %w", job.ID, err)
	}
	err = c.ch.PublishWithContext(ctx, "", queueName, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	})
	if err != nil {
		return fmt.Errorf("failed to dispatch job %s to %s: %w", job.ID, instanceID, err)
	}

	c.logger.Debug("job dispatched", "job", job.ID, "instance", instanceID,
		"frames", fmt.Sprintf("[%d..%d]", job.StartFrame, job.EndFrame))
	return nil
}

// Close shuts the broker connection down.
func (c *Client) Close() error {
	if err := c.ch.Close(); err != nil {
		_ = c.conn.Close()
		return err
	}
	return c.conn.Close()
}
