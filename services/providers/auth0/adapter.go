package auth0

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

	"github.com/upb/careportal-auth/services/providers"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	providerName = "auth0"
	roleKey      = "role"
)

// Auth0Adapter reads user profiles from the Auth0 Management API v2
type Auth0Adapter struct {
	config     providers.ProviderConfig
	httpClient *http.Client
}

// managementUser is the subset of the Management API user object we read
type managementUser struct {
	UserID        string                 `json:"user_id"`
	Email         string                 `json:"email"`
	EmailVerified bool                   `json:"email_verified"`
	Name          string                 `json:"name"`
	Nickname      string                 `json:"nickname"`
	AppMetadata   map[string]interface{} `json:"app_metadata"`
}

// NewAuth0Adapter creates an adapter authenticated with the client
// credentials grant against TokenURL (defaults to BaseURL/oauth/token)
func NewAuth0Adapter(config providers.ProviderConfig) (*Auth0Adapter, error) {
	if config.BaseURL == "" || config.ClientID == "" || config.ClientSecret == "" {
		return nil, errors.New("auth0 management api requires base url, client id and client secret")
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.TokenURL == "" {
		config.TokenURL = config.BaseURL + "/oauth/token"
	}
	if config.Audience == "" {
		config.Audience = config.BaseURL + "/api/v2/"
	}
	if config.Timeout == 0 {
		config.Timeout = 3 * time.Second
	}

	cc := clientcredentials.Config{
		ClientID:       config.ClientID,
		ClientSecret:   config.ClientSecret,
		TokenURL:       config.TokenURL,
		EndpointParams: url.Values{"audience": {config.Audience}},
	}
	client := cc.Client(context.Background())
	client.Timeout = config.Timeout

	return &Auth0Adapter{config: config, httpClient: client}, nil
}

// Build is a providers.ProviderBuilder
func Build(config providers.ProviderConfig) (providers.Provider, error) {
	return NewAuth0Adapter(config)
}

// Name returns the provider name
func (a *Auth0Adapter) Name() string {
	return providerName
}

// FetchProfile implements providers.Provider
func (a *Auth0Adapter) FetchProfile(ctx context.Context, externalID string) (*providers.Profile, error) {
	endpoint := fmt.Sprintf("%s/api/v2/users/%s", a.config.BaseURL, url.PathEscape(externalID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, providers.Unavailable(providerName, "failed to create request", 0, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, providers.Unavailable(providerName, "user lookup failed", 0, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, providers.NewProviderError(providerName, "user lookup failed", resp.StatusCode, providers.ErrProfileNotFound)
	case resp.StatusCode != http.StatusOK:
		return nil, providers.Unavailable(providerName, "unexpected status", resp.StatusCode, nil)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, providers.Unavailable(providerName, "failed to read response", resp.StatusCode, err)
	}

	var user managementUser
	if err := json.Unmarshal(body, &user); err != nil {
		return nil, providers.Unavailable(providerName, "failed to decode user", resp.StatusCode, err)
	}

	return toProfile(externalID, &user), nil
}

func toProfile(externalID string, u *managementUser) *providers.Profile {
	name := u.Name
	if name == "" {
		name = u.Nickname
	}
	profile := &providers.Profile{
		ExternalID:    externalID,
		Email:         u.Email,
		DisplayName:   name,
		EmailVerified: u.EmailVerified,
	}
	if role, ok := u.AppMetadata[roleKey].(string); ok {
		profile.RoleHint = role
	}
	return profile
}
