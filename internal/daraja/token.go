package daraja

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Token refresh happens this long before the gateway's stated expiry.
const tokenSafetyMargin = 5 * time.Minute

// TokenService caches the gateway OAuth bearer token. Reads take the fast
// path under a read lock; a refresh is coalesced through singleflight so N
// callers racing past an expired token issue exactly one exchange.
type TokenService struct {
	consumerKey    string
	consumerSecret string
	authURL        string
	client         *resty.Client
	log            zerolog.Logger

	mu        sync.RWMutex
	token     string
	expiresAt time.Time
	sf        singleflight.Group
}

// tokenResponse is the gateway OAuth body. ExpiresIn arrives as seconds in a
// string, typically "3599".
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

// NewTokenService builds a token cache against the configured environment.
func NewTokenService(cfg Config, logger zerolog.Logger) *TokenService {
	return &TokenService{
		consumerKey:    cfg.ConsumerKey,
		consumerSecret: cfg.ConsumerSecret,
		authURL:        cfg.baseURL() + authPath,
		client:         newRestyClient(),
		log:            logger.With().Str("component", "daraja.token").Logger(),
	}
}

// GetToken returns a bearer token valid for the call about to be made,
// refreshing synchronously when the cached one has crossed its safety
// margin. Failure after the retry budget surfaces as *AuthError.
func (ts *TokenService) GetToken(ctx context.Context) (string, error) {
	ts.mu.RLock()
	if ts.token != "" && time.Now().Before(ts.expiresAt) {
		token := ts.token
		ts.mu.RUnlock()
		return token, nil
	}
	ts.mu.RUnlock()

	v, err, _ := ts.sf.Do("refresh", func() (interface{}, error) {
		// A late arrival may find the token already refreshed by the
		// flight it joined behind.
		ts.mu.RLock()
		if ts.token != "" && time.Now().Before(ts.expiresAt) {
			token := ts.token
			ts.mu.RUnlock()
			return token, nil
		}
		ts.mu.RUnlock()

		return ts.refresh(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (ts *TokenService) refresh(ctx context.Context) (string, error) {
	var body tokenResponse
	resp, err := ts.client.R().
		SetContext(ctx).
		SetBasicAuth(ts.consumerKey, ts.consumerSecret).
		SetResult(&body).
		Get(ts.authURL)
	if err != nil {
		return "", &AuthError{Err: err}
	}
	if resp.IsError() {
		return "", &AuthError{Err: fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String())}
	}
	if body.AccessToken == "" {
		return "", &AuthError{Err: fmt.Errorf("empty access token in response")}
	}

	expiresIn := 3599 * time.Second
	if seconds, convErr := strconv.Atoi(body.ExpiresIn); convErr == nil && seconds > 0 {
		expiresIn = time.Duration(seconds) * time.Second
	}

	ts.mu.Lock()
	ts.token = body.AccessToken
	ts.expiresAt = time.Now().Add(expiresIn - tokenSafetyMargin)
	ts.mu.Unlock()

	ts.log.Debug().Dur("valid_for", expiresIn).Msg("access token refreshed")
	return body.AccessToken, nil
}

// Invalidate drops the cached token so the next caller refreshes. Used when
// the gateway starts rejecting the bearer mid-lifetime.
func (ts *TokenService) Invalidate() {
	ts.mu.Lock()
	ts.token = ""
	ts.expiresAt = time.Time{}
	ts.mu.Unlock()
}
