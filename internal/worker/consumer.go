package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cuongbtq/replywatch/internal/domain"
)

// SentEmailMessage is the body of an email.sent event.
type SentEmailMessage struct {
	UserID       string          `json:"user_id"`
	SentEmailID  int64           `json:"sent_email_id"`
	ContactID    int64           `json:"contact_id"`
	Provider     domain.Provider `json:"provider"`
	DelayMinutes *int            `json:"delay_minutes,omitempty"`
}

// DeliverySource starts a consumer and returns its deliveries.
type DeliverySource interface {
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
}

// SentEmailQueuer is the engine surface the consumer drives.
type SentEmailQueuer interface {
	QueueDetectionForSentEmail(ctx context.Context, userID string, sentEmailID, contactID int64, p domain.Provider, delay time.Duration) (*domain.DetectionJob, error)
	Start(ctx context.Context, userID string, p domain.Provider) error
}

// Consumer turns email.sent messages into scheduled detection jobs.
type Consumer struct {
	source       DeliverySource
	engine       SentEmailQueuer
	consumerTag  string
	defaultDelay time.Duration
	logger       *slog.Logger
}

// NewConsumer creates a Consumer. defaultDelay applies when a message has no delay.
func NewConsumer(source DeliverySource, engine SentEmailQueuer, consumerTag string, defaultDelay time.Duration, logger *slog.Logger) *Consumer {
	return &Consumer{
		source:       source,
		engine:       engine,
		consumerTag:  consumerTag,
		defaultDelay: defaultDelay,
		logger:       logger.With(slog.String("component", "consumer")),
	}
}

// Run consumes until ctx is canceled or the delivery channel closes.
func (c *Consumer) Run(ctx context.Context) error {
	deliveries, err := c.source.Consume(c.consumerTag)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	c.logger.Info("Sent email consumer started",
		slog.String("consumer_tag", c.consumerTag),
	)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Sent email consumer stopped - context canceled")
			return nil

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Warn("RabbitMQ delivery channel closed")
				return errors.New("delivery channel closed")
			}
			c.handle(ctx, delivery)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, delivery amqp.Delivery) {
	msg, err := parseSentEmailMessage(delivery.Body)
	if err != nil {
		c.logger.Error("Rejecting malformed sent email message",
			slog.Any("error", err),
			slog.String("body", string(delivery.Body)),
		)
		// Malformed messages go to the dead-letter exchange, never back to the queue.
		c.nack(delivery, false)
		return
	}

	delay := c.defaultDelay
	if msg.DelayMinutes != nil {
		delay = time.Duration(*msg.DelayMinutes) * time.Minute
	}

	job, err := c.engine.QueueDetectionForSentEmail(ctx, msg.UserID, msg.SentEmailID, msg.ContactID, msg.Provider, delay)
	switch {
	case err == nil:
		c.logger.Info("Detection queued for sent email",
			slog.String("job_id", job.ID),
			slog.String("user_id", msg.UserID),
			slog.Int64("sent_email_id", msg.SentEmailID),
			slog.Duration("delay", delay),
		)
	case errors.Is(err, domain.ErrDuplicateJob):
		c.logger.Debug("Sent email already has an open job",
			slog.Int64("sent_email_id", msg.SentEmailID),
		)
	default:
		requeue := shouldRequeue(err)
		c.logger.Error("Failed to queue detection for sent email",
			slog.Int64("sent_email_id", msg.SentEmailID),
			slog.Bool("requeue", requeue),
			slog.Any("error", err),
		)
		c.nack(delivery, requeue)
		return
	}

	if err := c.engine.Start(ctx, msg.UserID, msg.Provider); err != nil {
		c.logger.Warn("Failed to register user",
			slog.String("user_id", msg.UserID),
			slog.Any("error", err),
		)
	}

	if err := delivery.Ack(false); err != nil {
		c.logger.Error("Failed to ACK message",
			slog.Int64("sent_email_id", msg.SentEmailID),
			slog.Any("error", err),
		)
	}
}

func (c *Consumer) nack(delivery amqp.Delivery, requeue bool) {
	if err := delivery.Nack(false, requeue); err != nil {
		c.logger.Error("Failed to NACK message",
			slog.Bool("requeue", requeue),
			slog.Any("error", err),
		)
	}
}

func parseSentEmailMessage(body []byte) (SentEmailMessage, error) {
	var msg SentEmailMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return msg, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	switch {
	case msg.UserID == "":
		return msg, fmt.Errorf("%w: user_id is required", domain.ErrInvalidInput)
	case msg.SentEmailID <= 0:
		return msg, fmt.Errorf("%w: sent_email_id must be positive", domain.ErrInvalidInput)
	case !msg.Provider.Valid():
		return msg, fmt.Errorf("%w: unsupported provider %q", domain.ErrInvalidInput, msg.Provider)
	case msg.DelayMinutes != nil && *msg.DelayMinutes < 0:
		return msg, fmt.Errorf("%w: delay_minutes must not be negative", domain.ErrInvalidInput)
	}
	return msg, nil
}

// shouldRequeue decides whether a failed message is worth redelivering.
func shouldRequeue(err error) bool {
	switch {
	case errors.Is(err, domain.ErrInvalidInput),
		errors.Is(err, domain.ErrSentEmailNotFound),
		errors.Is(err, domain.ErrForbidden):
		return false
	}

	var retryableErr *domain.RetryableError
	return errors.As(err, &retryableErr)
}
