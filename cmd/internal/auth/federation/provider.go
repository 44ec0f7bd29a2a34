package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Account is the provider-reported identity of the federated user.
type Account struct {
	SubjectID   string
	Email       string
	DisplayName string
}

// Provider abstracts one external identity provider.
//
// New providers are new implementations of this interface, not changes to the
// coordinator.
type Provider interface {
	Name() string
	AuthCodeURL(state, challenge string) (string, error)
	Exchange(ctx context.Context, code, verifier string) (accessToken string, err error)
	FetchAccount(ctx context.Context, accessToken string) (Account, error)
}

// ProviderConfig holds the OAuth endpoints and client credentials for one
// provider, loaded from the environment.
type ProviderConfig struct {
	ClientID     string   `env:"CLIENT_ID"`
	ClientSecret string   `env:"CLIENT_SECRET"`
	RedirectURI  string   `env:"REDIRECT_URI"`
	AuthURL      string   `env:"AUTH_URL"`
	TokenURL     string   `env:"TOKEN_URL"`
	UserInfoURL  string   `env:"USERINFO_URL"`
	Scopes       []string `env:"SCOPES" envSeparator:" "`
}

// LoadProviderConfig reads a provider's settings from environment variables
// prefixed TEMPO_OAUTH_<NAME>_ (e.g. TEMPO_OAUTH_GOOGLE_CLIENT_ID).
func LoadProviderConfig(name string) (ProviderConfig, error) {
	prefix := "TEMPO_OAUTH_" + strings.ToUpper(name) + "_"
	return env.ParseAsWithOptions[ProviderConfig](env.Options{Prefix: prefix})
}

// Validate checks that all flow-critical settings are present.
func (c ProviderConfig) Validate() error {
	for _, f := range []struct{ name, val string }{
		{"client id", c.ClientID},
		{"client secret", c.ClientSecret},
		{"redirect uri", c.RedirectURI},
		{"auth url", c.AuthURL},
		{"token url", c.TokenURL},
		{"userinfo url", c.UserInfoURL},
	} {
		if strings.TrimSpace(f.val) == "" {
			return fmt.Errorf("federation: missing provider %s", f.name)
		}
	}
	return nil
}

// httpProvider is a config-driven Provider speaking the standard
// authorization-code endpoints over HTTP. Profile decoding varies per
// provider and is injected.
type httpProvider struct {
	name         string
	cfg          ProviderConfig
	client       *http.Client
	parseAccount func(*json.Decoder) (Account, error)
}

// NewGoogleProvider builds the Google OAuth provider.
func NewGoogleProvider(cfg ProviderConfig, client *http.Client) (Provider, error) {
	return newHTTPProvider("google", cfg, client, parseGoogleAccount)
}

// NewGitHubProvider builds the GitHub OAuth provider.
func NewGitHubProvider(cfg ProviderConfig, client *http.Client) (Provider, error) {
	return newHTTPProvider("github", cfg, client, parseGitHubAccount)
}

func newHTTPProvider(name string, cfg ProviderConfig, client *http.Client, parse func(*json.Decoder) (Account, error)) (Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &httpProvider{name: name, cfg: cfg, client: client, parseAccount: parse}, nil
}

func (p *httpProvider) Name() string { return p.name }

func (p *httpProvider) AuthCodeURL(state, challenge string) (string, error) {
	authURL, err := url.Parse(p.cfg.AuthURL)
	if err != nil {
		return "", err
	}

	query := url.Values{}
	query.Set("response_type", "code")
	query.Set("client_id", p.cfg.ClientID)
	query.Set("redirect_uri", p.cfg.RedirectURI)
	query.Set("scope", strings.Join(p.cfg.Scopes, " "))
	query.Set("state", state)
	query.Set("code_challenge", challenge)
	query.Set("code_challenge_method", "S256")

	authURL.RawQuery = query.Encode()
	return authURL.String(), nil
}

func (p *httpProvider) Exchange(ctx context.Context, code, verifier string) (string, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", p.cfg.RedirectURI)
	form.Set("client_id", p.cfg.ClientID)
	form.Set("client_secret", p.cfg.ClientSecret)
	form.Set("code_verifier", verifier)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrProviderExchange, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: token endpoint status %d", ErrProviderExchange, resp.StatusCode)
	}

	var payload struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", fmt.Errorf("%w: %v", ErrProviderExchange, err)
	}
	if payload.AccessToken == "" {
		return "", fmt.Errorf("%w: missing access token", ErrProviderExchange)
	}
	return payload.AccessToken, nil
}

func (p *httpProvider) FetchAccount(ctx context.Context, accessToken string) (Account, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.UserInfoURL, nil)
	if err != nil {
		return Account{}, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return Account{}, fmt.Errorf("%w: %v", ErrProviderExchange, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Account{}, fmt.Errorf("%w: userinfo status %d", ErrProviderExchange, resp.StatusCode)
	}

	acct, err := p.parseAccount(json.NewDecoder(resp.Body))
	if err != nil {
		return Account{}, fmt.Errorf("%w: %v", ErrProviderExchange, err)
	}
	if acct.SubjectID == "" {
		return Account{}, fmt.Errorf("%w: missing subject id", ErrProviderExchange)
	}
	return acct, nil
}

func parseGoogleAccount(dec *json.Decoder) (Account, error) {
	var payload struct {
		Sub   string `json:"sub"`
		Name  string `json:"name"`
		Email string `json:"email"`
	}
	if err := dec.Decode(&payload); err != nil {
		return Account{}, err
	}
	return Account{
		SubjectID:   payload.Sub,
		Email:       payload.Email,
		DisplayName: firstNonEmpty(payload.Name, payload.Email),
	}, nil
}

func parseGitHubAccount(dec *json.Decoder) (Account, error) {
	var payload struct {
		ID    int64  `json:"id"`
		Login string `json:"login"`
		Name  string `json:"name"`
		Email string `json:"email"`
	}
	if err := dec.Decode(&payload); err != nil {
		return Account{}, err
	}
	var subject string
	if payload.ID != 0 {
		subject = strconv.FormatInt(payload.ID, 10)
	}
	return Account{
		SubjectID:   subject,
		Email:       payload.Email,
		DisplayName: firstNonEmpty(payload.Name, payload.Login, payload.Email),
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
