// Package providertest provides an in-memory provider.Adapter for tests.
package providertest

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cuongbtq/replywatch/internal/provider"
)

// Adapter is a scripted mailbox. Zero value is a healthy, empty mailbox
// once TokenValid is set.
type Adapter struct {
	mu sync.Mutex

	UserEmail     string
	TokenValid    bool
	HealthErr     error
	SearchErr     error
	ThreadErr     error
	InboxEstimate int
	EstimateErr   error
	Threads       map[string][]provider.Message
	Mailbox       []provider.Message

	HealthCalls int
	Searches    []provider.SearchQuery
}

// New returns a healthy adapter for userEmail.
func New(userEmail string) *Adapter {
	return &Adapter{
		UserEmail:  strings.ToLower(userEmail),
		TokenValid: true,
		Threads:    make(map[string][]provider.Message),
	}
}

func (a *Adapter) CheckHealth(_ context.Context, _ string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.HealthCalls++
	return a.HealthErr
}

func (a *Adapter) GetUserEmail(_ context.Context, _ string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.HealthErr != nil {
		return "", a.HealthErr
	}
	return a.UserEmail, nil
}

func (a *Adapter) IsTokenValid(_ context.Context, _ string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.TokenValid
}

func (a *Adapter) FetchThread(_ context.Context, _ string, threadID string) ([]provider.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ThreadErr != nil {
		return nil, a.ThreadErr
	}
	return append([]provider.Message(nil), a.Threads[threadID]...), nil
}

func (a *Adapter) SearchMessages(_ context.Context, _ string, q provider.SearchQuery) ([]provider.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Searches = append(a.Searches, q)
	if a.SearchErr != nil {
		return nil, a.SearchErr
	}
	var out []provider.Message
	for _, m := range a.Mailbox {
		if matches(m, q) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (a *Adapter) EstimateInboxCount(_ context.Context, _ string, _ time.Time) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.InboxEstimate, a.EstimateErr
}

// AddMessage appends m to the mailbox and to its thread.
func (a *Adapter) AddMessage(m provider.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Mailbox = append(a.Mailbox, m)
	if m.ThreadID != "" {
		if a.Threads == nil {
			a.Threads = make(map[string][]provider.Message)
		}
		a.Threads[m.ThreadID] = append(a.Threads[m.ThreadID], m)
	}
}

// SearchCount returns how many searches were issued.
func (a *Adapter) SearchCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.Searches)
}

// HistoryAdapter adds a history API to Adapter.
type HistoryAdapter struct {
	*Adapter
	History    map[string][]provider.Message
	HistoryErr error
}

// NewWithHistory returns a healthy adapter that also implements provider.HistoryLister.
func NewWithHistory(userEmail string) *HistoryAdapter {
	return &HistoryAdapter{Adapter: New(userEmail), History: make(map[string][]provider.Message)}
}

func (h *HistoryAdapter) ListHistory(_ context.Context, _ string, startHistoryID string) ([]provider.Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.HistoryErr != nil {
		return nil, h.HistoryErr
	}
	return append([]provider.Message(nil), h.History[startHistoryID]...), nil
}

func matches(m provider.Message, q provider.SearchQuery) bool {
	if q.From != "" && !strings.EqualFold(m.From, q.From) {
		return false
	}
	if q.FromDomain != "" && m.SenderDomain() != strings.ToLower(q.FromDomain) {
		return false
	}
	if q.FromName != "" && !strings.Contains(strings.ToLower(m.FromName), strings.ToLower(q.FromName)) {
		return false
	}
	if q.Subject != "" && !strings.Contains(provider.NormalizeSubject(m.Subject), provider.NormalizeSubject(q.Subject)) {
		return false
	}
	if q.InReplyTo != "" && !m.RepliesTo(q.InReplyTo) {
		return false
	}
	if !q.After.IsZero() && !m.ReceivedAt.After(q.After) {
		return false
	}
	return true
}
