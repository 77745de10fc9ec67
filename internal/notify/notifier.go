// Package notify broadcasts realtime "new reply" events.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/replywatch/internal/domain"
)

// RoutingKeyReplyDetected is the routing key new-reply events are published under.
const RoutingKeyReplyDetected = "reply.detected"

const defaultPublishTimeout = 10 * time.Second

// ReplyRef identifies a newly detected reply.
type ReplyRef struct {
	SentEmailID       int64          `json:"sent_email_id"`
	ReplyID           int64          `json:"reply_id,omitempty"`
	ProviderMessageID string         `json:"provider_message_id"`
	SenderEmail       string         `json:"sender_email"`
	ReceivedAt        time.Time      `json:"received_at"`
	DetectedBy        domain.LayerID `json:"detected_by"`
	Confidence        float64        `json:"confidence"`
}

// Notifier delivers new-reply events. BroadcastNewReply never blocks on delivery
// and never fails the caller.
type Notifier interface {
	BroadcastNewReply(ctx context.Context, userID string, ref ReplyRef)
}

// Event is the message body published for a new reply.
type Event struct {
	Type   string    `json:"type"`
	UserID string    `json:"user_id"`
	Reply  ReplyRef  `json:"reply"`
	SentAt time.Time `json:"sent_at"`
}

// Publisher is the subset of the RabbitMQ client the notifier needs.
type Publisher interface {
	PublishWithRetry(ctx context.Context, routingKey string, body []byte, contentType string) error
}

// RabbitNotifier publishes new-reply events to RabbitMQ in the background.
type RabbitNotifier struct {
	publisher  Publisher
	routingKey string
	logger     *slog.Logger
	timeout    time.Duration
	wg         sync.WaitGroup
}

// NewRabbitNotifier creates a notifier publishing through p.
func NewRabbitNotifier(p Publisher, logger *slog.Logger) *RabbitNotifier {
	return &RabbitNotifier{
		publisher:  p,
		routingKey: RoutingKeyReplyDetected,
		logger:     logger.With(slog.String("component", "notifier")),
		timeout:    defaultPublishTimeout,
	}
}

// WithRoutingKey overrides the routing key events are published under.
func (n *RabbitNotifier) WithRoutingKey(key string) *RabbitNotifier {
	if key != "" {
		n.routingKey = key
	}
	return n
}

// BroadcastNewReply publishes asynchronously; failures are logged.
func (n *RabbitNotifier) BroadcastNewReply(ctx context.Context, userID string, ref ReplyRef) {
	body, err := json.Marshal(Event{
		Type:   RoutingKeyReplyDetected,
		UserID: userID,
		Reply:  ref,
		SentAt: time.Now().UTC(),
	})
	if err != nil {
		n.logger.Error("Failed to encode reply event",
			slog.String("user_id", userID),
			slog.Int64("sent_email_id", ref.SentEmailID),
			slog.Any("error", err),
		)
		return
	}

	// The publish outlives the job attempt that triggered it.
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer cancel()
		if err := n.publisher.PublishWithRetry(pubCtx, n.routingKey, body, "application/json"); err != nil {
			n.logger.Warn("Failed to broadcast new reply",
				slog.String("user_id", userID),
				slog.Int64("sent_email_id", ref.SentEmailID),
				slog.Any("error", err),
			)
		}
	}()
}

// Wait blocks until in-flight publishes finish.
func (n *RabbitNotifier) Wait() {
	n.wg.Wait()
}

// LogNotifier only logs new replies. Used when no broker is configured.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With(slog.String("component", "notifier"))}
}

func (n *LogNotifier) BroadcastNewReply(_ context.Context, userID string, ref ReplyRef) {
	n.logger.Info("New reply detected",
		slog.String("user_id", userID),
		slog.Int64("sent_email_id", ref.SentEmailID),
		slog.String("provider_message_id", ref.ProviderMessageID),
		slog.String("layer", string(ref.DetectedBy)),
		slog.Float64("confidence", ref.Confidence),
	)
}
