package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cuongbtq/replywatch/internal/domain"
)

var (
	// ErrUnauthorized means the user's token was rejected (401, invalid_grant).
	ErrUnauthorized = errors.New("provider: unauthorized")

	// ErrUnavailable means the provider could not be reached or returned a 5xx/429.
	ErrUnavailable = errors.New("provider: unavailable")

	// ErrNotSupported means the adapter lacks the requested capability.
	ErrNotSupported = errors.New("provider: capability not supported")

	// ErrUnknownProvider means no adapter is registered for the provider.
	ErrUnknownProvider = errors.New("provider: no adapter registered")
)

// Message is a provider-neutral view of a mailbox message.
type Message struct {
	ID         string
	ThreadID   string
	From       string
	FromName   string
	To         []string
	Subject    string
	Snippet    string
	ReceivedAt time.Time
	MessageID  string
	InReplyTo  string
	References []string
}

// SenderDomain returns the domain part of the From address.
func (m Message) SenderDomain() string {
	return EmailDomain(m.From)
}

// RepliesTo reports whether the message headers reference rfcMessageID.
func (m Message) RepliesTo(rfcMessageID string) bool {
	if rfcMessageID == "" {
		return false
	}
	if strings.EqualFold(m.InReplyTo, rfcMessageID) {
		return true
	}
	for _, ref := range m.References {
		if strings.EqualFold(ref, rfcMessageID) {
			return true
		}
	}
	return false
}

// SearchQuery narrows a mailbox search. Zero fields are ignored.
type SearchQuery struct {
	From       string
	FromDomain string
	FromName   string
	Subject    string
	InReplyTo  string
	After      time.Time
	MaxResults int
}

// Adapter is the engine's only view of a mail provider.
type Adapter interface {
	CheckHealth(ctx context.Context, userID string) error
	GetUserEmail(ctx context.Context, userID string) (string, error)
	FetchThread(ctx context.Context, userID, threadID string) ([]Message, error)
	SearchMessages(ctx context.Context, userID string, query SearchQuery) ([]Message, error)
	IsTokenValid(ctx context.Context, userID string) bool
	EstimateInboxCount(ctx context.Context, userID string, since time.Time) (int, error)
}

// HistoryLister is implemented by adapters exposing a history/delta API.
type HistoryLister interface {
	ListHistory(ctx context.Context, userID, startHistoryID string) ([]Message, error)
}

// Registry resolves adapters by provider.
type Registry struct {
	adapters map[domain.Provider]Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[domain.Provider]Adapter)}
}

// Register binds an adapter to a provider, replacing any previous one.
func (r *Registry) Register(p domain.Provider, a Adapter) {
	r.adapters[p] = a
}

// Get returns the adapter for p.
func (r *Registry) Get(p domain.Provider) (Adapter, error) {
	a, ok := r.adapters[p]
	if !ok || a == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, p)
	}
	return a, nil
}

// EmailDomain returns the lower-cased domain of an address.
func EmailDomain(addr string) string {
	at := strings.LastIndex(addr, "@")
	if at < 0 {
		return ""
	}
	return strings.ToLower(strings.TrimSpace(addr[at+1:]))
}

// NormalizeSubject strips reply/forward prefixes and folds case.
func NormalizeSubject(s string) string {
	s = strings.TrimSpace(s)
	for {
		lower := strings.ToLower(s)
		trimmed := false
		for _, p := range []string{"re:", "fw:", "fwd:", "aw:", "sv:"} {
			if strings.HasPrefix(lower, p) {
				s = strings.TrimSpace(s[len(p):])
				trimmed = true
				break
			}
		}
		if !trimmed {
			break
		}
	}
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
