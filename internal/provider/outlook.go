package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cuongbtq/replywatch/internal/domain"
	"golang.org/x/oauth2/microsoft"
)

const (
	outlookBaseURL = "https://graph.microsoft.com"
	outlookSelect  = "id,conversationId,subject,bodyPreview,receivedDateTime,internetMessageId,from,toRecipients,internetMessageHeaders"
)

// Outlook is an Adapter over Microsoft Graph mail.
type Outlook struct {
	client *oauthClient
}

// NewOutlook creates an Outlook adapter for the given Azure AD tenant ("common" when empty).
func NewOutlook(tokens TokenStore, tenant string, opts OAuthOptions) *Outlook {
	if tenant == "" {
		tenant = "common"
	}
	return &Outlook{
		client: newOAuthClient(domain.ProviderOutlook, microsoft.AzureADEndpoint(tenant),
			[]string{"offline_access", "Mail.Read", "User.Read"}, outlookBaseURL, tokens, opts),
	}
}

type graphAddress struct {
	EmailAddress struct {
		Name    string `json:"name"`
		Address string `json:"address"`
	} `json:"emailAddress"`
}

type graphMessage struct {
	ID                string         `json:"id"`
	ConversationID    string         `json:"conversationId"`
	Subject           string         `json:"subject"`
	BodyPreview       string         `json:"bodyPreview"`
	ReceivedDateTime  time.Time      `json:"receivedDateTime"`
	InternetMessageID string         `json:"internetMessageId"`
	From              graphAddress   `json:"from"`
	ToRecipients      []graphAddress `json:"toRecipients"`
	Headers           []struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	} `json:"internetMessageHeaders"`
}

type graphMessageList struct {
	Count *int           `json:"@odata.count"`
	Value []graphMessage `json:"value"`
}

type graphUser struct {
	Mail              string `json:"mail"`
	UserPrincipalName string `json:"userPrincipalName"`
}

func (o *Outlook) CheckHealth(ctx context.Context, userID string) error {
	return o.client.getJSON(ctx, userID, "/v1.0/me", nil, nil, &graphUser{})
}

func (o *Outlook) GetUserEmail(ctx context.Context, userID string) (string, error) {
	var u graphUser
	if err := o.client.getJSON(ctx, userID, "/v1.0/me", nil, nil, &u); err != nil {
		return "", err
	}
	if u.Mail != "" {
		return strings.ToLower(u.Mail), nil
	}
	return strings.ToLower(u.UserPrincipalName), nil
}

func (o *Outlook) IsTokenValid(ctx context.Context, userID string) bool {
	return o.client.isTokenValid(ctx, userID)
}

func (o *Outlook) FetchThread(ctx context.Context, userID, threadID string) ([]Message, error) {
	params := url.Values{}
	params.Set("$filter", fmt.Sprintf("conversationId eq '%s'", escapeOData(threadID)))
	params.Set("$select", outlookSelect)
	params.Set("$top", "50")
	return o.list(ctx, userID, "/v1.0/me/messages", params, nil)
}

func (o *Outlook) SearchMessages(ctx context.Context, userID string, query SearchQuery) ([]Message, error) {
	top := query.MaxResults
	if top <= 0 {
		top = 25
	}

	if query.InReplyTo != "" {
		params := url.Values{}
		params.Set("$filter", fmt.Sprintf("internetMessageId eq '%s'", escapeOData(query.InReplyTo)))
		params.Set("$select", "id,conversationId")
		origin, err := o.list(ctx, userID, "/v1.0/me/messages", params, nil)
		if err != nil || len(origin) == 0 {
			return nil, err
		}
		thread, err := o.FetchThread(ctx, userID, origin[0].ThreadID)
		if err != nil {
			return nil, err
		}
		return filterAfter(filterReplies(thread, query.InReplyTo), query.After), nil
	}

	params := url.Values{}
	params.Set("$select", outlookSelect)
	params.Set("$top", strconv.Itoa(top))
	if query.From != "" && query.FromDomain == "" && query.FromName == "" && query.Subject == "" {
		filter := fmt.Sprintf("from/emailAddress/address eq '%s'", escapeOData(query.From))
		if !query.After.IsZero() {
			filter += " and receivedDateTime ge " + query.After.UTC().Format(time.RFC3339)
		}
		params.Set("$filter", filter)
		return o.list(ctx, userID, "/v1.0/me/messages", params, nil)
	}

	// $search cannot be combined with a receivedDateTime filter.
	var terms []string
	if query.From != "" {
		terms = append(terms, "from:"+query.From)
	}
	if query.FromDomain != "" {
		terms = append(terms, "from:"+query.FromDomain)
	}
	if query.FromName != "" {
		terms = append(terms, "from:"+query.FromName)
	}
	if query.Subject != "" {
		terms = append(terms, "subject:"+query.Subject)
	}
	params.Set("$search", strconv.Quote(strings.Join(terms, " AND ")))
	msgs, err := o.list(ctx, userID, "/v1.0/me/messages", params, http.Header{"ConsistencyLevel": {"eventual"}})
	if err != nil {
		return nil, err
	}
	return filterAfter(msgs, query.After), nil
}

func (o *Outlook) EstimateInboxCount(ctx context.Context, userID string, since time.Time) (int, error) {
	params := url.Values{}
	params.Set("$filter", "receivedDateTime ge "+since.UTC().Format(time.RFC3339))
	params.Set("$count", "true")
	params.Set("$top", "1")
	params.Set("$select", "id")
	var l graphMessageList
	if err := o.client.getJSON(ctx, userID, "/v1.0/me/mailFolders/inbox/messages", params, http.Header{"ConsistencyLevel": {"eventual"}}, &l); err != nil {
		return 0, err
	}
	if l.Count == nil {
		return len(l.Value), nil
	}
	return *l.Count, nil
}

func (o *Outlook) list(ctx context.Context, userID, path string, params url.Values, header http.Header) ([]Message, error) {
	var l graphMessageList
	if err := o.client.getJSON(ctx, userID, path, params, header, &l); err != nil {
		return nil, err
	}
	msgs := make([]Message, 0, len(l.Value))
	for _, m := range l.Value {
		msgs = append(msgs, m.toMessage())
	}
	return msgs, nil
}

func (m graphMessage) toMessage() Message {
	msg := Message{
		ID:         m.ID,
		ThreadID:   m.ConversationID,
		From:       strings.ToLower(m.From.EmailAddress.Address),
		FromName:   m.From.EmailAddress.Name,
		Subject:    m.Subject,
		Snippet:    m.BodyPreview,
		ReceivedAt: m.ReceivedDateTime.UTC(),
		MessageID:  m.InternetMessageID,
	}
	for _, r := range m.ToRecipients {
		msg.To = append(msg.To, strings.ToLower(r.EmailAddress.Address))
	}
	for _, h := range m.Headers {
		switch strings.ToLower(h.Name) {
		case "in-reply-to":
			msg.InReplyTo = strings.TrimSpace(h.Value)
		case "references":
			msg.References = strings.Fields(h.Value)
		}
	}
	return msg
}

func filterReplies(msgs []Message, rfcMessageID string) []Message {
	var out []Message
	for _, m := range msgs {
		if m.RepliesTo(rfcMessageID) {
			out = append(out, m)
		}
	}
	return out
}

func filterAfter(msgs []Message, after time.Time) []Message {
	if after.IsZero() {
		return msgs
	}
	var out []Message
	for _, m := range msgs {
		if m.ReceivedAt.After(after) {
			out = append(out, m)
		}
	}
	return out
}

func escapeOData(v string) string {
	return strings.ReplaceAll(v, "'", "''")
}
