package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cuongbtq/replywatch/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubTokens struct {
	account *domain.ProviderAccount
	err     error
}

func (s *stubTokens) GetProviderAccount(_ context.Context, _ string, _ domain.Provider) (*domain.ProviderAccount, error) {
	return s.account, s.err
}

func validTokens() *stubTokens {
	return &stubTokens{account: &domain.ProviderAccount{UserID: "u1", Provider: domain.ProviderGmail, AccessToken: "access"}}
}

func newGmailServer(t *testing.T, handler http.HandlerFunc) *Gmail {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewGmail(validTokens(), OAuthOptions{BaseURL: srv.URL})
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func TestGmail_CheckHealth(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr error
	}{
		{name: "healthy", status: http.StatusOK},
		{name: "token rejected", status: http.StatusUnauthorized, wantErr: ErrUnauthorized},
		{name: "provider outage", status: http.StatusServiceUnavailable, wantErr: ErrUnavailable},
		{name: "rate limited", status: http.StatusTooManyRequests, wantErr: ErrUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newGmailServer(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/gmail/v1/users/me/profile", r.URL.Path)
				assert.Equal(t, "Bearer access", r.Header.Get("Authorization"))
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"emailAddress":"me@example.com"}`))
			})

			err := g.CheckHealth(context.Background(), "u1")
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestGmail_UnreachableServerIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	g := NewGmail(validTokens(), OAuthOptions{BaseURL: srv.URL, Timeout: time.Second})
	err := g.CheckHealth(context.Background(), "u1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestGmail_SearchMessages(t *testing.T) {
	after := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g := newGmailServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/gmail/v1/users/me/messages":
			q := r.URL.Query().Get("q")
			assert.Contains(t, q, "from:jane@acme.com")
			assert.Contains(t, q, "after:1772366400")
			writeJSON(t, w, map[string]any{
				"messages": []map[string]string{{"id": "m1", "threadId": "t1"}},
			})
		case "/gmail/v1/users/me/messages/m1":
			assert.Equal(t, "metadata", r.URL.Query().Get("format"))
			writeJSON(t, w, map[string]any{
				"id":           "m1",
				"threadId":     "t1",
				"snippet":      "Sounds good",
				"internalDate": "1772370000000",
				"payload": map[string]any{
					"headers": []map[string]string{
						{"name": "From", "value": "Jane Doe <Jane@Acme.com>"},
						{"name": "Subject", "value": "Re: Proposal"},
						{"name": "In-Reply-To", "value": "<sent-1@example.com>"},
					},
				},
			})
		default:
			http.NotFound(w, r)
		}
	})

	msgs, err := g.SearchMessages(context.Background(), "u1", SearchQuery{From: "jane@acme.com", After: after})
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	m := msgs[0]
	assert.Equal(t, "m1", m.ID)
	assert.Equal(t, "t1", m.ThreadID)
	assert.Equal(t, "jane@acme.com", m.From)
	assert.Equal(t, "Jane Doe", m.FromName)
	assert.Equal(t, "Re: Proposal", m.Subject)
	assert.True(t, m.RepliesTo("<sent-1@example.com>"))
	assert.True(t, m.ReceivedAt.After(after))
}

func TestGmail_EstimateInboxCount(t *testing.T) {
	g := newGmailServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasPrefix(r.URL.Query().Get("q"), "in:inbox after:"))
		writeJSON(t, w, map[string]any{"resultSizeEstimate": 40})
	})

	n, err := g.EstimateInboxCount(context.Background(), "u1", time.Now().Add(-7*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 40, n)
}

func TestGmail_IsTokenValid(t *testing.T) {
	expired := time.Now().Add(-time.Hour)

	tests := []struct {
		name   string
		tokens *stubTokens
		want   bool
	}{
		{name: "fresh access token", tokens: validTokens(), want: true},
		{name: "expired but refreshable", tokens: &stubTokens{account: &domain.ProviderAccount{AccessToken: "a", RefreshToken: "r", Expiry: &expired}}, want: true},
		{name: "expired without refresh token", tokens: &stubTokens{account: &domain.ProviderAccount{AccessToken: "a", Expiry: &expired}}, want: false},
		{name: "no stored account", tokens: &stubTokens{err: errors.New("not found")}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGmail(tt.tokens, OAuthOptions{BaseURL: "http://127.0.0.1:1"})
			assert.Equal(t, tt.want, g.IsTokenValid(context.Background(), "u1"))
		})
	}
}

func TestNormalizeSubject(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "Proposal", want: "proposal"},
		{in: "Re: Proposal", want: "proposal"},
		{in: "RE: Fwd: re:  Quarterly   Review", want: "quarterly review"},
		{in: "  ", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeSubject(tt.in))
		})
	}
}

func TestRegistry_Get(t *testing.T) {
	r := NewRegistry()
	r.Register(domain.ProviderGmail, NewGmail(validTokens(), OAuthOptions{}))

	a, err := r.Get(domain.ProviderGmail)
	require.NoError(t, err)
	assert.NotNil(t, a)

	_, err = r.Get(domain.ProviderYahoo)
	assert.ErrorIs(t, err, ErrUnknownProvider)
}
