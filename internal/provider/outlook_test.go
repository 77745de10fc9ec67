package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOutlookServer(t *testing.T, handler http.HandlerFunc) *Outlook {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewOutlook(validTokens(), "", OAuthOptions{BaseURL: srv.URL})
}

func graphMsg(id, conversation, from, received string, headers ...map[string]string) map[string]any {
	return map[string]any{
		"id":                     id,
		"conversationId":         conversation,
		"subject":                "Re: Proposal",
		"bodyPreview":            "Sounds good",
		"receivedDateTime":       received,
		"internetMessageId":      "<" + id + "@acme.com>",
		"from":                   map[string]any{"emailAddress": map[string]string{"name": "Jane Doe", "address": from}},
		"internetMessageHeaders": headers,
	}
}

func TestOutlook_CheckHealth(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr error
	}{
		{name: "healthy", status: http.StatusOK},
		{name: "token rejected", status: http.StatusUnauthorized, wantErr: ErrUnauthorized},
		{name: "provider outage", status: http.StatusServiceUnavailable, wantErr: ErrUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := newOutlookServer(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/v1.0/me", r.URL.Path)
				assert.Equal(t, "Bearer access", r.Header.Get("Authorization"))
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"mail":"me@example.com"}`))
			})

			err := o.CheckHealth(context.Background(), "u1")
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestOutlook_GetUserEmail(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "mail", body: `{"mail":"Me@Example.com","userPrincipalName":"upn@example.com"}`, want: "me@example.com"},
		{name: "principal name fallback", body: `{"userPrincipalName":"UPN@example.com"}`, want: "upn@example.com"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := newOutlookServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(tt.body))
			})

			got, err := o.GetUserEmail(context.Background(), "u1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOutlook_SearchBySenderUsesFilter(t *testing.T) {
	after := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	o := newOutlookServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1.0/me/messages", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "from/emailAddress/address eq 'jane@acme.com' and receivedDateTime ge 2026-03-01T12:00:00Z", q.Get("$filter"))
		assert.Empty(t, q.Get("$search"))
		assert.Equal(t, "25", q.Get("$top"))
		assert.Empty(t, r.Header.Get("ConsistencyLevel"))
		writeJSON(t, w, map[string]any{
			"value": []any{
				graphMsg("m1", "conv-1", "Jane@Acme.com", "2026-03-01T13:00:00Z",
					map[string]string{"name": "In-Reply-To", "value": " <sent-1@example.com> "},
					map[string]string{"name": "References", "value": "<a@example.com> <sent-1@example.com>"},
				),
			},
		})
	})

	msgs, err := o.SearchMessages(context.Background(), "u1", SearchQuery{From: "jane@acme.com", After: after})
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	m := msgs[0]
	assert.Equal(t, "m1", m.ID)
	assert.Equal(t, "conv-1", m.ThreadID)
	assert.Equal(t, "jane@acme.com", m.From)
	assert.Equal(t, "Jane Doe", m.FromName)
	assert.Equal(t, "<sent-1@example.com>", m.InReplyTo)
	assert.Equal(t, []string{"<a@example.com>", "<sent-1@example.com>"}, m.References)
	assert.True(t, m.ReceivedAt.Equal(time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)))
}

func TestOutlook_SearchInReplyToWalksConversation(t *testing.T) {
	after := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var (
		mu    sync.Mutex
		calls int
	)
	o := newOutlookServer(t, func(w http.ResponseWriter, r *http.Request) {
		filter := r.URL.Query().Get("$filter")
		mu.Lock()
		calls++
		mu.Unlock()
		switch filter {
		case "internetMessageId eq '<sent-1@example.com>'":
			assert.Equal(t, "id,conversationId", r.URL.Query().Get("$select"))
			writeJSON(t, w, map[string]any{
				"value": []any{map[string]string{"id": "sent", "conversationId": "conv-1"}},
			})
		case "conversationId eq 'conv-1'":
			writeJSON(t, w, map[string]any{
				"value": []any{
					graphMsg("sent", "conv-1", "me@example.com", "2026-03-01T11:00:00Z"),
					graphMsg("early", "conv-1", "jane@acme.com", "2026-03-01T11:30:00Z",
						map[string]string{"name": "In-Reply-To", "value": "<sent-1@example.com>"}),
					graphMsg("reply", "conv-1", "jane@acme.com", "2026-03-01T14:00:00Z",
						map[string]string{"name": "References", "value": "<sent-1@example.com>"}),
					graphMsg("other", "conv-1", "bob@acme.com", "2026-03-01T15:00:00Z",
						map[string]string{"name": "In-Reply-To", "value": "<unrelated@example.com>"}),
				},
			})
		default:
			t.Errorf("unexpected filter %q", filter)
			http.NotFound(w, r)
		}
	})

	msgs, err := o.SearchMessages(context.Background(), "u1", SearchQuery{InReplyTo: "<sent-1@example.com>", After: after})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "reply", msgs[0].ID)
	mu.Lock()
	assert.Equal(t, 2, calls)
	mu.Unlock()
}

func TestOutlook_SearchInReplyToUnknownMessage(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	o := newOutlookServer(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		writeJSON(t, w, map[string]any{"value": []any{}})
	})

	msgs, err := o.SearchMessages(context.Background(), "u1", SearchQuery{InReplyTo: "<missing@example.com>"})
	require.NoError(t, err)
	assert.Empty(t, msgs)
	mu.Lock()
	assert.Equal(t, 1, calls, "no conversation lookup without an origin message")
	mu.Unlock()
}

func TestOutlook_EscapesODataQuotes(t *testing.T) {
	tests := []struct {
		name       string
		call       func(o *Outlook) error
		wantFilter string
	}{
		{
			name: "thread id",
			call: func(o *Outlook) error {
				_, err := o.FetchThread(context.Background(), "u1", "conv'1")
				return err
			},
			wantFilter: "conversationId eq 'conv''1'",
		},
		{
			name: "sender",
			call: func(o *Outlook) error {
				_, err := o.SearchMessages(context.Background(), "u1", SearchQuery{From: "o'brien@acme.com"})
				return err
			},
			wantFilter: "from/emailAddress/address eq 'o''brien@acme.com'",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var (
				mu  sync.Mutex
				got string
			)
			o := newOutlookServer(t, func(w http.ResponseWriter, r *http.Request) {
				mu.Lock()
				got = r.URL.Query().Get("$filter")
				mu.Unlock()
				writeJSON(t, w, map[string]any{"value": []any{}})
			})

			require.NoError(t, tt.call(o))
			mu.Lock()
			assert.Equal(t, tt.wantFilter, got)
			mu.Unlock()
		})
	}
}

func TestOutlook_SearchByDomainUsesFullText(t *testing.T) {
	after := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	o := newOutlookServer(t, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, `"from:acme.com AND subject:Proposal"`, q.Get("$search"))
		assert.Empty(t, q.Get("$filter"))
		assert.Equal(t, "eventual", r.Header.Get("ConsistencyLevel"))
		writeJSON(t, w, map[string]any{
			"value": []any{
				graphMsg("old", "conv-0", "ann@acme.com", "2026-02-20T10:00:00Z"),
				graphMsg("new", "conv-1", "jane@acme.com", "2026-03-02T10:00:00Z"),
			},
		})
	})

	msgs, err := o.SearchMessages(context.Background(), "u1", SearchQuery{FromDomain: "acme.com", Subject: "Proposal", After: after})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "new", msgs[0].ID)
}

func TestOutlook_EstimateInboxCount(t *testing.T) {
	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		body string
		want int
	}{
		{name: "odata count", body: `{"@odata.count":40,"value":[{"id":"m1"}]}`, want: 40},
		{name: "count missing", body: `{"value":[{"id":"m1"}]}`, want: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := newOutlookServer(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/v1.0/me/mailFolders/inbox/messages", r.URL.Path)
				assert.Equal(t, "receivedDateTime ge 2026-03-01T00:00:00Z", r.URL.Query().Get("$filter"))
				assert.Equal(t, "true", r.URL.Query().Get("$count"))
				assert.Equal(t, "eventual", r.Header.Get("ConsistencyLevel"))
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(tt.body))
			})

			got, err := o.EstimateInboxCount(context.Background(), "u1", since)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOutlook_SearchUnauthorized(t *testing.T) {
	o := newOutlookServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"code":"InvalidAuthenticationToken"}}`))
	})

	_, err := o.SearchMessages(context.Background(), "u1", SearchQuery{From: "jane@acme.com"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnauthorized)
}
