package keycloak

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
	providerName = "keycloak"
	roleKey      = "role"
)

// KeycloakAdapter reads user representations from the Keycloak Admin REST API
type KeycloakAdapter struct {
	config     providers.ProviderConfig
	httpClient *http.Client
}

type userRepresentation struct {
	ID            string              `json:"id"`
	Username      string              `json:"username"`
	Email         string              `json:"email"`
	EmailVerified bool                `json:"emailVerified"`
	FirstName     string              `json:"firstName"`
	LastName      string              `json:"lastName"`
	Attributes    map[string][]string `json:"attributes"`
}

// NewKeycloakAdapter creates an adapter for one realm. The service account
// client needs the realm-management view-users role.
func NewKeycloakAdapter(config providers.ProviderConfig) (*KeycloakAdapter, error) {
	if config.BaseURL == "" || config.Realm == "" {
		return nil, errors.New("keycloak admin api requires base url and realm")
	}
	if config.ClientID == "" || config.ClientSecret == "" {
		return nil, errors.New("keycloak admin api requires client id and client secret")
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")
	if config.TokenURL == "" {
		config.TokenURL = fmt.Sprintf("%s/realms/%s/protocol/openid-connect/token", config.BaseURL, url.PathEscape(config.Realm))
	}
	if config.Timeout == 0 {
		config.Timeout = 3 * time.Second
	}

	cc := clientcredentials.Config{
		ClientID:     config.ClientID,
		ClientSecret: config.ClientSecret,
		TokenURL:     config.TokenURL,
	}
	client := cc.Client(context.Background())
	client.Timeout = config.Timeout

	return &KeycloakAdapter{config: config, httpClient: client}, nil
}

// Build is a providers.ProviderBuilder
func Build(config providers.ProviderConfig) (providers.Provider, error) {
	return NewKeycloakAdapter(config)
}

// Name returns the provider name
func (a *KeycloakAdapter) Name() string {
	return providerName
}

// FetchProfile implements providers.Provider
func (a *KeycloakAdapter) FetchProfile(ctx context.Context, externalID string) (*providers.Profile, error) {
	endpoint := fmt.Sprintf("%s/admin/realms/%s/users/%s",
		a.config.BaseURL, url.PathEscape(a.config.Realm), url.PathEscape(externalID))
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

	var user userRepresentation
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&user); err != nil {
		return nil, providers.Unavailable(providerName, "failed to decode user", resp.StatusCode, err)
	}

	return toProfile(externalID, &user), nil
}

func toProfile(externalID string, u *userRepresentation) *providers.Profile {
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name == "" {
		name = u.Username
	}
	profile := &providers.Profile{
		ExternalID:    externalID,
		Email:         u.Email,
		DisplayName:   name,
		EmailVerified: u.EmailVerified,
	}
	if roles := u.Attributes[roleKey]; len(roles) > 0 {
		profile.RoleHint = roles[0]
	}
	return profile
}
