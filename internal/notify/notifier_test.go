package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/replywatch/internal/domain"
)

type published struct {
	routingKey  string
	body        []byte
	contentType string
}

type fakePublisher struct {
	mu       sync.Mutex
	messages []published
	err      error
	block    chan struct{}
}

func (f *fakePublisher) PublishWithRetry(ctx context.Context, routingKey string, body []byte, contentType string) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, published{routingKey: routingKey, body: body, contentType: contentType})
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRabbitNotifier_PublishesReplyEvent(t *testing.T) {
	pub := &fakePublisher{}
	n := NewRabbitNotifier(pub, discardLogger())

	ref := ReplyRef{
		SentEmailID:       42,
		ProviderMessageID: "abc123",
		SenderEmail:       "jane@example.com",
		ReceivedAt:        time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		DetectedBy:        domain.LayerThreadLookup,
		Confidence:        0.9,
	}
	n.BroadcastNewReply(context.Background(), "user-1", ref)
	n.Wait()

	require.Len(t, pub.messages, 1)
	msg := pub.messages[0]
	assert.Equal(t, RoutingKeyReplyDetected, msg.routingKey)
	assert.Equal(t, "application/json", msg.contentType)

	var event Event
	require.NoError(t, json.Unmarshal(msg.body, &event))
	assert.Equal(t, "user-1", event.UserID)
	assert.Equal(t, RoutingKeyReplyDetected, event.Type)
	assert.Equal(t, ref.ProviderMessageID, event.Reply.ProviderMessageID)
	assert.Equal(t, int64(42), event.Reply.SentEmailID)
}

func TestRabbitNotifier_CustomRoutingKey(t *testing.T) {
	pub := &fakePublisher{}
	n := NewRabbitNotifier(pub, discardLogger()).WithRoutingKey("replies.new")
	n.BroadcastNewReply(context.Background(), "user-1", ReplyRef{SentEmailID: 1})
	n.Wait()

	require.Len(t, pub.messages, 1)
	assert.Equal(t, "replies.new", pub.messages[0].routingKey)

	n.WithRoutingKey("")
	assert.Equal(t, "replies.new", n.routingKey)
}

func TestRabbitNotifier_DoesNotBlockCaller(t *testing.T) {
	pub := &fakePublisher{block: make(chan struct{})}
	n := NewRabbitNotifier(pub, discardLogger())

	done := make(chan struct{})
	go func() {
		n.BroadcastNewReply(context.Background(), "user-1", ReplyRef{SentEmailID: 1})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("BroadcastNewReply blocked on the publisher")
	}

	close(pub.block)
	n.Wait()
	assert.Len(t, pub.messages, 1)
}

func TestRabbitNotifier_SurvivesCanceledCaller(t *testing.T) {
	pub := &fakePublisher{}
	n := NewRabbitNotifier(pub, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n.BroadcastNewReply(ctx, "user-1", ReplyRef{SentEmailID: 7})
	n.Wait()

	assert.Len(t, pub.messages, 1)
}

func TestRabbitNotifier_PublishErrorIsSwallowed(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker down")}
	n := NewRabbitNotifier(pub, discardLogger())

	assert.NotPanics(t, func() {
		n.BroadcastNewReply(context.Background(), "user-1", ReplyRef{SentEmailID: 1})
		n.Wait()
	})
	assert.Empty(t, pub.messages)
}

func TestLogNotifier(t *testing.T) {
	var n Notifier = NewLogNotifier(discardLogger())
	assert.NotPanics(t, func() {
		n.BroadcastNewReply(context.Background(), "user-1", ReplyRef{SentEmailID: 1})
	})
}
