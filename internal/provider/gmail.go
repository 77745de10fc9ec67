package provider

import (
	"context"
	"fmt"
	"net/mail"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cuongbtq/replywatch/internal/domain"
	"golang.org/x/oauth2/google"
)

const gmailBaseURL = "https://gmail.googleapis.com"

var gmailMetadataHeaders = []string{"From", "To", "Subject", "Message-ID", "In-Reply-To", "References"}

// Gmail is an Adapter over the Gmail REST API.
type Gmail struct {
	client *oauthClient
}

// NewGmail creates a Gmail adapter.
func NewGmail(tokens TokenStore, opts OAuthOptions) *Gmail {
	return &Gmail{
		client: newOAuthClient(domain.ProviderGmail, google.Endpoint,
			[]string{"https://www.googleapis.com/auth/gmail.readonly"}, gmailBaseURL, tokens, opts),
	}
}

type gmailProfile struct {
	EmailAddress  string `json:"emailAddress"`
	MessagesTotal int    `json:"messagesTotal"`
	HistoryID     string `json:"historyId"`
}

type gmailHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type gmailMessage struct {
	ID           string `json:"id"`
	ThreadID     string `json:"threadId"`
	Snippet      string `json:"snippet"`
	InternalDate string `json:"internalDate"`
	Payload      struct {
		Headers []gmailHeader `json:"headers"`
	} `json:"payload"`
}

type gmailThread struct {
	ID       string         `json:"id"`
	Messages []gmailMessage `json:"messages"`
}

type gmailList struct {
	Messages []struct {
		ID       string `json:"id"`
		ThreadID string `json:"threadId"`
	} `json:"messages"`
	ResultSizeEstimate int `json:"resultSizeEstimate"`
}

type gmailHistory struct {
	History []struct {
		MessagesAdded []struct {
			Message struct {
				ID string `json:"id"`
			} `json:"message"`
		} `json:"messagesAdded"`
	} `json:"history"`
}

func (g *Gmail) CheckHealth(ctx context.Context, userID string) error {
	return g.client.getJSON(ctx, userID, "/gmail/v1/users/me/profile", nil, nil, &gmailProfile{})
}

func (g *Gmail) GetUserEmail(ctx context.Context, userID string) (string, error) {
	var p gmailProfile
	if err := g.client.getJSON(ctx, userID, "/gmail/v1/users/me/profile", nil, nil, &p); err != nil {
		return "", err
	}
	return strings.ToLower(p.EmailAddress), nil
}

func (g *Gmail) IsTokenValid(ctx context.Context, userID string) bool {
	return g.client.isTokenValid(ctx, userID)
}

func (g *Gmail) FetchThread(ctx context.Context, userID, threadID string) ([]Message, error) {
	var t gmailThread
	q := metadataQuery()
	if err := g.client.getJSON(ctx, userID, "/gmail/v1/users/me/threads/"+url.PathEscape(threadID), q, nil, &t); err != nil {
		return nil, err
	}
	msgs := make([]Message, 0, len(t.Messages))
	for _, m := range t.Messages {
		msgs = append(msgs, m.toMessage())
	}
	return msgs, nil
}

func (g *Gmail) SearchMessages(ctx context.Context, userID string, query SearchQuery) ([]Message, error) {
	if query.InReplyTo != "" {
		return g.searchReplies(ctx, userID, query)
	}
	return g.list(ctx, userID, buildGmailQuery(query), query.MaxResults)
}

// searchReplies resolves the thread of the referenced message and keeps the
// messages whose headers point back at it. Gmail has no In-Reply-To operator.
func (g *Gmail) searchReplies(ctx context.Context, userID string, query SearchQuery) ([]Message, error) {
	origin, err := g.list(ctx, userID, "rfc822msgid:"+strings.Trim(query.InReplyTo, "<>"), 1)
	if err != nil {
		return nil, err
	}
	if len(origin) == 0 {
		return nil, nil
	}
	thread, err := g.FetchThread(ctx, userID, origin[0].ThreadID)
	if err != nil {
		return nil, err
	}
	var out []Message
	for _, m := range thread {
		if m.RepliesTo(query.InReplyTo) && (query.After.IsZero() || m.ReceivedAt.After(query.After)) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (g *Gmail) list(ctx context.Context, userID, q string, maxResults int) ([]Message, error) {
	if maxResults <= 0 {
		maxResults = 25
	}
	params := url.Values{}
	params.Set("q", q)
	params.Set("maxResults", strconv.Itoa(maxResults))

	var l gmailList
	if err := g.client.getJSON(ctx, userID, "/gmail/v1/users/me/messages", params, nil, &l); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(l.Messages))
	for _, m := range l.Messages {
		ids = append(ids, m.ID)
	}
	return g.getMessages(ctx, userID, ids)
}

func (g *Gmail) getMessages(ctx context.Context, userID string, ids []string) ([]Message, error) {
	msgs := make([]Message, 0, len(ids))
	for _, id := range ids {
		var m gmailMessage
		if err := g.client.getJSON(ctx, userID, "/gmail/v1/users/me/messages/"+url.PathEscape(id), metadataQuery(), nil, &m); err != nil {
			return nil, err
		}
		msgs = append(msgs, m.toMessage())
	}
	return msgs, nil
}

func (g *Gmail) EstimateInboxCount(ctx context.Context, userID string, since time.Time) (int, error) {
	params := url.Values{}
	params.Set("q", fmt.Sprintf("in:inbox after:%d", since.Unix()))
	params.Set("maxResults", "1")
	var l gmailList
	if err := g.client.getJSON(ctx, userID, "/gmail/v1/users/me/messages", params, nil, &l); err != nil {
		return 0, err
	}
	return l.ResultSizeEstimate, nil
}

// ListHistory returns messages added since startHistoryID.
func (g *Gmail) ListHistory(ctx context.Context, userID, startHistoryID string) ([]Message, error) {
	if startHistoryID == "" {
		return nil, fmt.Errorf("%w: history id required", ErrNotSupported)
	}
	params := url.Values{}
	params.Set("startHistoryId", startHistoryID)
	params.Set("historyTypes", "messageAdded")
	var h gmailHistory
	if err := g.client.getJSON(ctx, userID, "/gmail/v1/users/me/history", params, nil, &h); err != nil {
		return nil, err
	}
	var ids []string
	seen := make(map[string]bool)
	for _, rec := range h.History {
		for _, added := range rec.MessagesAdded {
			if !seen[added.Message.ID] {
				seen[added.Message.ID] = true
				ids = append(ids, added.Message.ID)
			}
		}
	}
	return g.getMessages(ctx, userID, ids)
}

func metadataQuery() url.Values {
	q := url.Values{}
	q.Set("format", "metadata")
	for _, h := range gmailMetadataHeaders {
		q.Add("metadataHeaders", h)
	}
	return q
}

func buildGmailQuery(query SearchQuery) string {
	var parts []string
	if query.From != "" {
		parts = append(parts, "from:"+query.From)
	}
	if query.FromDomain != "" {
		parts = append(parts, "from:@"+query.FromDomain)
	}
	if query.FromName != "" {
		parts = append(parts, fmt.Sprintf("from:%q", query.FromName))
	}
	if query.Subject != "" {
		parts = append(parts, fmt.Sprintf("subject:%q", query.Subject))
	}
	if !query.After.IsZero() {
		parts = append(parts, fmt.Sprintf("after:%d", query.After.Unix()))
	}
	return strings.Join(parts, " ")
}

func (m gmailMessage) toMessage() Message {
	msg := Message{ID: m.ID, ThreadID: m.ThreadID, Snippet: m.Snippet}
	if ms, err := strconv.ParseInt(m.InternalDate, 10, 64); err == nil {
		msg.ReceivedAt = time.UnixMilli(ms).UTC()
	}
	for _, h := range m.Payload.Headers {
		switch strings.ToLower(h.Name) {
		case "from":
			msg.FromName, msg.From = parseAddress(h.Value)
		case "to":
			for _, part := range strings.Split(h.Value, ",") {
				if _, addr := parseAddress(part); addr != "" {
					msg.To = append(msg.To, addr)
				}
			}
		case "subject":
			msg.Subject = h.Value
		case "message-id":
			msg.MessageID = strings.TrimSpace(h.Value)
		case "in-reply-to":
			msg.InReplyTo = strings.TrimSpace(h.Value)
		case "references":
			msg.References = strings.Fields(h.Value)
		}
	}
	return msg
}

// parseAddress splits `Name <addr>` into its parts.
func parseAddress(v string) (name, addr string) {
	a, err := mail.ParseAddress(strings.TrimSpace(v))
	if err != nil {
		return "", strings.ToLower(strings.Trim(strings.TrimSpace(v), "<>"))
	}
	return a.Name, strings.ToLower(a.Address)
}
