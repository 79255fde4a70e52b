// Package restclient is the REST quote client (C4): it owns the OAuth2
// access-token lifecycle and the WebSocket approval-key exchange, and
// serves GetQuote as the fallback path behind the streaming cache. Request
// pacing and failure isolation are handled in-package: a single breaker
// and a single rate.Limiter, since this client only ever talks to one
// upstream host.
package restclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/sawpanic/kisgateway/internal/broker"
	"github.com/sawpanic/kisgateway/internal/quote"
	"github.com/sawpanic/kisgateway/internal/quote/ingest"
)

// Config configures the REST client.
type Config struct {
	BaseURL        string
	AppKey         string
	AppSecret      string
	RequestTimeout time.Duration
	RateLimitRPS   float64
	RateLimitBurst int
}

func (c Config) withDefaults() Config {
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 5 * time.Second
	}
	if c.RateLimitRPS == 0 {
		c.RateLimitRPS = 15
	}
	if c.RateLimitBurst == 0 {
		c.RateLimitBurst = 15
	}
	return c
}

// Client is the REST quote client. It implements broker.QuoteRESTClient
// and broker.ApprovalKeyIssuer.
type Client struct {
	cfg        Config
	httpClient *http.Client
	breaker    *breaker
	limiter    *rate.Limiter

	mu            sync.Mutex
	token         string
	tokenObtained time.Time
	tokenTTL      time.Duration

	approvalKey string
}

// New builds a REST client with its own circuit breaker and rate limiter,
// scoped to the single upstream host this client talks to.
func New(cfg Config) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		breaker: newBreaker(breakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			CooldownPeriod:   30 * time.Second,
		}),
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst),
	}
}

// tokenResponse mirrors the OAuth2 token exchange response.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// effectiveTTL computes the refresh window: the token is treated as valid
// for max(expires_in-30, min(expires_in,1)) seconds, so it refreshes 30s
// ahead of the real expiry except when the issued lifetime is too short
// for that margin, in which case it still gets at least min(expires_in,1)
// seconds before being refreshed again.
func effectiveTTL(expiresIn int64) time.Duration {
	margin := expiresIn - 30
	floor := expiresIn
	if floor > 1 {
		floor = 1
	}
	if margin > floor {
		return time.Duration(margin) * time.Second
	}
	return time.Duration(floor) * time.Second
}

// accessToken returns a cached token if still within its effective TTL,
// otherwise exchanges app credentials for a fresh one.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.token != "" && time.Since(c.tokenObtained) < c.tokenTTL {
		token := c.token
		c.mu.Unlock()
		return token, nil
	}
	c.mu.Unlock()

	var result tokenResponse
	err := c.withBreakerAndLimiter(ctx, func(ctx context.Context) error {
		body, err := json.Marshal(map[string]string{
			"grant_type": "client_credentials",
			"appkey":     c.cfg.AppKey,
			"appsecret":  c.cfg.AppSecret,
		})
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/oauth2/tokenP", strings.NewReader(string(body)))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		return c.doJSON(req, &result)
	})
	if err != nil {
		return "", fmt.Errorf("access token: %w", err)
	}

	c.mu.Lock()
	c.token = result.AccessToken
	c.tokenObtained = time.Now()
	c.tokenTTL = effectiveTTL(result.ExpiresIn)
	c.mu.Unlock()

	return result.AccessToken, nil
}

type approvalResponse struct {
	ApprovalKey string `json:"approval_key"`
}

// IssueApprovalKey exchanges app credentials for the WebSocket approval
// key. The key is cached for the life of the client: the venue does not
// expire it on a schedule the way it does the REST access token.
func (c *Client) IssueApprovalKey(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.approvalKey != "" {
		key := c.approvalKey
		c.mu.Unlock()
		return key, nil
	}
	c.mu.Unlock()

	var result approvalResponse
	err := c.withBreakerAndLimiter(ctx, func(ctx context.Context) error {
		body, err := json.Marshal(map[string]string{
			"grant_type": "client_credentials",
			"appkey":     c.cfg.AppKey,
			"secretkey":  c.cfg.AppSecret,
		})
		if err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/oauth2/Approval", strings.NewReader(string(body)))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		return c.doJSON(req, &result)
	})
	if err != nil {
		return "", fmt.Errorf("approval key: %w", err)
	}

	c.mu.Lock()
	c.approvalKey = result.ApprovalKey
	c.mu.Unlock()

	return result.ApprovalKey, nil
}

// GetQuote fetches a single quote over REST. The response is parsed with
// the same alias-tolerant extraction the streaming ingest path uses,
// since the REST and WS payloads share field-naming quirks.
func (c *Client) GetQuote(ctx context.Context, symbol string) (quote.Snapshot, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return quote.Snapshot{}, err
	}

	var raw map[string]any
	err = c.withBreakerAndLimiter(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet,
			fmt.Sprintf("%s/uapi/domestic-stock/v1/quotations/inquire-price?FID_COND_MRKT_DIV_CODE=J&FID_INPUT_ISCD=%s", c.cfg.BaseURL, symbol),
			nil)
		if err != nil {
			return err
		}
		req.Header.Set("authorization", "Bearer "+token)
		req.Header.Set("appkey", c.cfg.AppKey)
		req.Header.Set("appsecret", c.cfg.AppSecret)
		return c.doJSON(req, &raw)
	})
	if err != nil {
		return quote.Snapshot{}, err
	}

	parsed, err := ingest.ParseMessage(raw)
	if err != nil {
		return quote.Snapshot{}, fmt.Errorf("parse quote response: %w", err)
	}

	now := time.Now().Unix()
	return quote.Snapshot{
		Symbol:       parsed.Symbol,
		Price:        parsed.Price,
		ChangePct:    parsed.ChangePct,
		Turnover:     parsed.Turnover,
		Source:       quote.SourceREST,
		TS:           now,
		FreshnessSec: 0,
		State:        quote.StateHealthy,
	}, nil
}

func (c *Client) withBreakerAndLimiter(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return c.breaker.call(func() error { return fn(ctx) })
}

func (c *Client) doJSON(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return ErrRateLimited
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// ErrRateLimited signals a 429 from the venue, which the quote gateway
// maps onto a cooldown window for the offending symbol.
var ErrRateLimited = broker.ErrRateLimited

// BreakerStats returns a snapshot of the underlying breaker's stats.
func (c *Client) BreakerStats() BreakerStats { return c.breaker.stats() }
