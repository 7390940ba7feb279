package adapters

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"

	"github.com/nmxmxh/ovasabi-bridge/internal/bridge"
)

const (
	authNone   = "none"
	authBasic  = "basic"
	authBearer = "bearer"
	authAPIKey = "apikey"
	authOAuth2 = "oauth2"

	grantClientCredentials = "client_credentials"
	grantPassword          = "password"

	tokenRefreshTimer    = "oauth2"
	defaultRefreshBefore = 60 * time.Second
	minRefreshDelay      = time.Second
)

type httpAuth struct {
	Type     string `mapstructure:"type"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Token    string `mapstructure:"token"`

	// apikey
	In   string `mapstructure:"in"`
	Name string `mapstructure:"name"`
	Key  string `mapstructure:"key"`

	// oauth2
	GrantType     string        `mapstructure:"grantType"`
	TokenURL      string        `mapstructure:"tokenUrl"`
	ClientID      string        `mapstructure:"clientId"`
	ClientSecret  string        `mapstructure:"clientSecret"`
	Scopes        []string      `mapstructure:"scopes"`
	RefreshBefore time.Duration `mapstructure:"refreshBefore"`
}

// validate normalises the auth block and fills defaults.
func (a *httpAuth) validate() error {
	a.Type = strings.ToLower(a.Type)
	if a.Type == "" {
		a.Type = authNone
	}
	switch a.Type {
	case authNone:
	case authBasic:
		if a.Username == "" {
			return errors.New("basic auth requires username")
		}
	case authBearer:
		if a.Token == "" {
			return errors.New("bearer auth requires token")
		}
	case authAPIKey:
		if a.Key == "" {
			return errors.New("apikey auth requires key")
		}
		a.In = strings.ToLower(a.In)
		switch a.In {
		case "", "header":
			a.In = "header"
			if a.Name == "" {
				a.Name = "X-API-Key"
			}
		case "query", "cookie":
			if a.Name == "" {
				a.Name = "api_key"
			}
		default:
			return fmt.Errorf("apikey location must be header, query or cookie, got %q", a.In)
		}
	case authOAuth2:
		if a.TokenURL == "" || a.ClientID == "" {
			return errors.New("oauth2 requires tokenUrl and clientId")
		}
		if a.GrantType == "" {
			a.GrantType = grantClientCredentials
		}
		switch a.GrantType {
		case grantClientCredentials:
		case grantPassword:
			if a.Username == "" {
				return errors.New("oauth2 password grant requires username")
			}
		default:
			return fmt.Errorf("unsupported oauth2 grant type %q", a.GrantType)
		}
		if a.RefreshBefore <= 0 {
			a.RefreshBefore = defaultRefreshBefore
		}
	default:
		return fmt.Errorf("unsupported auth type %q", a.Type)
	}
	return nil
}

// credentials decorates outgoing requests and owns the OAuth2 token.
type credentials struct {
	auth  httpAuth
	d     *httpDriver
	group singleflight.Group

	mu    sync.Mutex
	token *oauth2.Token
}

func newCredentials(auth httpAuth, d *httpDriver) *credentials {
	return &credentials{auth: auth, d: d}
}

func (c *credentials) refreshable() bool { return c.auth.Type == authOAuth2 }

func (c *credentials) start(ctx context.Context) error {
	if !c.refreshable() {
		return nil
	}
	return c.refresh(ctx)
}

func (c *credentials) stop() {
	if !c.refreshable() {
		return
	}
	c.d.base.Scheduler().Cancel(bridge.TimerTokenRefresh, tokenRefreshTimer)
	c.mu.Lock()
	c.token = nil
	c.mu.Unlock()
}

// refresh fetches a new token. Concurrent callers share one token request.
func (c *credentials) refresh(ctx context.Context) error {
	_, err, _ := c.group.Do(tokenRefreshTimer, func() (interface{}, error) {
		return nil, c.fetch(ctx)
	})
	return err
}

func (c *credentials) fetch(ctx context.Context) error {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.d.client)
	var tok *oauth2.Token
	var err error
	switch c.auth.GrantType {
	case grantPassword:
		conf := oauth2.Config{
			ClientID:     c.auth.ClientID,
			ClientSecret: c.auth.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: c.auth.TokenURL},
			Scopes:       c.auth.Scopes,
		}
		tok, err = conf.PasswordCredentialsToken(ctx, c.auth.Username, c.auth.Password)
	default:
		conf := clientcredentials.Config{
			ClientID:     c.auth.ClientID,
			ClientSecret: c.auth.ClientSecret,
			TokenURL:     c.auth.TokenURL,
			Scopes:       c.auth.Scopes,
		}
		tok, err = conf.Token(ctx)
	}
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			return bridge.NewError(bridge.ErrorAuthentication, c.d.base.ID(), "token endpoint rejected credentials", err)
		}
		return fmt.Errorf("token request: %w", err)
	}

	c.mu.Lock()
	c.token = tok
	c.mu.Unlock()
	c.d.base.Logger().Debug("Access token obtained", zap.Time("expiry", tok.Expiry))
	c.scheduleRefresh(tok)
	return nil
}

func (c *credentials) scheduleRefresh(tok *oauth2.Token) {
	if tok.Expiry.IsZero() {
		return
	}
	delay := time.Until(tok.Expiry) - c.auth.RefreshBefore
	if delay < minRefreshDelay {
		delay = minRefreshDelay
	}
	c.d.base.Scheduler().After(bridge.TimerTokenRefresh, tokenRefreshTimer, delay, func() {
		ctx, cancel := context.WithTimeout(c.d.base.Context(), c.d.params.Timeout)
		defer cancel()
		if err := c.refresh(ctx); err != nil {
			c.d.base.Logger().Warn("Proactive token refresh failed", zap.Error(err))
			c.d.base.RecordError(bridge.AsIntegrationError(err, bridge.ErrorAuthentication, c.d.base.ID(), "token refresh failed"))
		}
	})
}

func (c *credentials) apply(req *http.Request) error {
	switch c.auth.Type {
	case authBasic:
		req.SetBasicAuth(c.auth.Username, c.auth.Password)
	case authBearer:
		req.Header.Set("Authorization", "Bearer "+c.auth.Token)
	case authAPIKey:
		switch c.auth.In {
		case "query":
			q := req.URL.Query()
			q.Set(c.auth.Name, c.auth.Key)
			req.URL.RawQuery = q.Encode()
		case "cookie":
			req.AddCookie(&http.Cookie{Name: c.auth.Name, Value: c.auth.Key})
		default:
			req.Header.Set(c.auth.Name, c.auth.Key)
		}
	case authOAuth2:
		c.mu.Lock()
		tok := c.token
		c.mu.Unlock()
		if tok == nil {
			return bridge.NewError(bridge.ErrorAuthentication, c.d.base.ID(), "no access token", bridge.ErrNotConnected)
		}
		tok.SetAuthHeader(req)
	}
	return nil
}
