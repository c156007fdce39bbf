// Package github exchanges an OAuth2 authorization code for the caller's stable numeric GitHub user id. The broker
// never stores the GitHub access token; it is used once, to read the id, and discarded.
package github

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"

	"github.com/gitshare-dev/gitshare-relay/internal/identity"
)

// ErrConnect is returned when any leg of the GitHub API conversation fails.
var ErrConnect = errors.New("failed to connect github api")

const defaultAPIBaseURL = "https://api.github.com"

// Client obtains GitHub identities for the OAuth2 endpoints.
type Client interface {
	// AuthCodeURL returns the consent page URL the caller is redirected to.
	AuthCodeURL() string

	// FetchUserID exchanges the authorization code and reads the numeric user id from the /user endpoint.
	FetchUserID(ctx context.Context, code string) (identity.UserID, error)
}

// OAuthClient implements Client against the real GitHub endpoints.
type OAuthClient struct {
	cfg        *oauth2.Config
	apiBaseURL string
	httpClient *http.Client
}

// Option customises an OAuthClient; used by tests to point at a stub server.
type Option func(*OAuthClient)

// WithEndpoints overrides the OAuth token endpoint and the REST API base URL.
func WithEndpoints(endpoint oauth2.Endpoint, apiBaseURL string) Option {
	return func(c *OAuthClient) {
		c.cfg.Endpoint = endpoint
		c.apiBaseURL = apiBaseURL
	}
}

// NewOAuthClient creates a client with the given application credentials.
func NewOAuthClient(clientID, clientSecret string, opts ...Option) *OAuthClient {
	c := &OAuthClient{
		cfg: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     github.Endpoint,
		},
		apiBaseURL: defaultAPIBaseURL,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AuthCodeURL returns the consent URL with a random state parameter. The register endpoint receives only the code, so
// the state is purely an IdP-side replay hurdle and is not verified by the broker.
func (c *OAuthClient) AuthCodeURL() string {
	return c.cfg.AuthCodeURL(randomState())
}

// FetchUserID exchanges the code and queries /user for the numeric id.
func (c *OAuthClient) FetchUserID(ctx context.Context, code string) (identity.UserID, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	token, err := c.cfg.Exchange(ctx, code)
	if err != nil {
		return 0, fmt.Errorf("%w: exchange code: %v", ErrConnect, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBaseURL+"/user", nil)
	if err != nil {
		return 0, fmt.Errorf("%w: build user request: %v", ErrConnect, err)
	}
	req.Header.Set("User-Agent", "gitshare-relay")
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: fetch user: %v", ErrConnect, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: user endpoint returned %d", ErrConnect, resp.StatusCode)
	}

	var user struct {
		ID *int64 `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil || user.ID == nil {
		return 0, fmt.Errorf("%w: decode user response", ErrConnect)
	}
	return identity.UserID(*user.ID), nil
}

func randomState() string {
	var buf [16]byte
	_, _ = rand.Read(buf[:])
	return hex.EncodeToString(buf[:])
}

var _ Client = (*OAuthClient)(nil)
