package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cuongbtq/replywatch/internal/domain"
	"golang.org/x/oauth2"
)

// TokenStore loads stored OAuth credentials for a user.
type TokenStore interface {
	GetProviderAccount(ctx context.Context, userID string, p domain.Provider) (*domain.ProviderAccount, error)
}

// OAuthOptions configures an OAuth-backed REST adapter.
type OAuthOptions struct {
	ClientID     string
	ClientSecret string
	BaseURL      string
	HTTPClient   *http.Client
	Timeout      time.Duration
}

// oauthClient performs authenticated JSON requests against a provider REST API.
// Token refresh is delegated to the oauth2 token source.
type oauthClient struct {
	provider   domain.Provider
	config     *oauth2.Config
	tokens     TokenStore
	baseURL    string
	httpClient *http.Client
}

func newOAuthClient(p domain.Provider, endpoint oauth2.Endpoint, scopes []string, defaultBaseURL string, tokens TokenStore, opts OAuthOptions) *oauthClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 20 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &oauthClient{
		provider: p,
		config: &oauth2.Config{
			ClientID:     opts.ClientID,
			ClientSecret: opts.ClientSecret,
			Endpoint:     endpoint,
			Scopes:       scopes,
		},
		tokens:     tokens,
		baseURL:    baseURL,
		httpClient: httpClient,
	}
}

func (c *oauthClient) token(ctx context.Context, userID string) (*oauth2.Token, error) {
	acct, err := c.tokens.GetProviderAccount(ctx, userID, c.provider)
	if err != nil {
		return nil, fmt.Errorf("%w: load token: %v", ErrUnauthorized, err)
	}
	tok := &oauth2.Token{
		AccessToken:  acct.AccessToken,
		RefreshToken: acct.RefreshToken,
		TokenType:    "Bearer",
	}
	if acct.Expiry != nil {
		tok.Expiry = *acct.Expiry
	}
	return tok, nil
}

func (c *oauthClient) isTokenValid(ctx context.Context, userID string) bool {
	tok, err := c.token(ctx, userID)
	if err != nil {
		return false
	}
	return tok.Valid() || tok.RefreshToken != ""
}

func (c *oauthClient) getJSON(ctx context.Context, userID, path string, query url.Values, header http.Header, dest any) error {
	tok, err := c.token(ctx, userID)
	if err != nil {
		return err
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	client := c.config.Client(ctx, tok)

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	defer resp.Body.Close()

	if err := classifyStatus(resp); err != nil {
		return err
	}
	if dest == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("decoding %s response: %w", c.provider, err)
	}
	return nil
}

func classifyTransportError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.ErrorCode == "invalid_grant" || (retrieveErr.Response != nil && retrieveErr.Response.StatusCode == http.StatusUnauthorized) {
			return fmt.Errorf("%w: %v", ErrUnauthorized, err)
		}
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func classifyStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	msg := strings.TrimSpace(string(body))
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%w: status %d: %s", ErrUnauthorized, resp.StatusCode, msg)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, msg)
	default:
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, msg)
	}
}
