// Package stream is the streaming client (C3): it holds a long-lived
// WebSocket connection to the quote venue, subscribes to an ordered list
// of symbols, and feeds every parsed tick into the ingest package. Its
// goroutine shape is a message loop plus a ping loop plus a reconnect
// trigger, with a flat per-symbol subscribe frame and a capped-
// exponential-backoff reconnect policy.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/kisgateway/internal/broker"
	"github.com/sawpanic/kisgateway/internal/quote/ingest"
)

// Conn is the subset of *websocket.Conn the client needs; satisfied
// directly by gorilla's connection, and fakeable in tests.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Dialer opens a Conn; the default implementation wraps
// websocket.DefaultDialer.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

type gorillaDialer struct{}

func (gorillaDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 30 * time.Second
	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Policy is the reconnect policy: attempt i (1-indexed) waits
// min(Base*2^(i-1), Cap) before retrying, up to MaxRetries attempts.
type Policy struct {
	MaxRetries int
	Base       time.Duration
	Cap        time.Duration
}

// DefaultPolicy matches spec.md §4.4's defaults.
func DefaultPolicy() Policy {
	return Policy{MaxRetries: 5, Base: time.Second, Cap: 30 * time.Second}
}

func (p Policy) delay(attempt int) time.Duration {
	d := time.Duration(float64(p.Base) * math.Pow(2, float64(attempt-1)))
	if d <= 0 || d > p.Cap {
		d = p.Cap
	}
	return d
}

// RunWithReconnect runs connectOnce under the capped-backoff policy.
// connectOnce is expected to block for the lifetime of a connection and
// return nil only when ctx was canceled deliberately; any other return
// (dial failure, read error, abnormal close) is treated as a failed
// attempt warranting a backoff retry. The running state IS ctx: it is
// checked before every attempt and before every sleep, so canceling ctx
// aborts the loop immediately without an extra sleep. Returns true if
// connectOnce returned nil (deliberate stop), false if retries were
// exhausted.
func RunWithReconnect(ctx context.Context, connectOnce func(context.Context) error, p Policy) bool {
	for attempt := 1; attempt <= p.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return false
		}

		err := connectOnce(ctx)
		if err == nil {
			return true
		}
		log.Warn().Err(err).Int("attempt", attempt).Msg("streaming connect attempt failed")

		if ctx.Err() != nil {
			return false
		}
		if attempt == p.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return false
		case <-time.After(p.delay(attempt)):
		}
	}
	return false
}

// Client is the streaming client: it owns the connection lifecycle and
// publishes ticks/health into an *ingest.Ingest.
type Client struct {
	url     string
	symbols []string
	issuer  broker.ApprovalKeyIssuer
	ingest  *ingest.Ingest
	dialer  Dialer
	policy  Policy

	mu             sync.Mutex
	reconnectCount int64
}

// New builds a streaming client. issuer may be nil if the venue does not
// require an approval key up front; the subscribe frame then carries an
// empty key.
func New(url string, symbols []string, issuer broker.ApprovalKeyIssuer, ing *ingest.Ingest) *Client {
	return &Client{
		url:     url,
		symbols: symbols,
		issuer:  issuer,
		ingest:  ing,
		dialer:  gorillaDialer{},
		policy:  DefaultPolicy(),
	}
}

// WithDialer overrides the dialer (tests inject a fake).
func (c *Client) WithDialer(d Dialer) *Client {
	c.dialer = d
	return c
}

// WithPolicy overrides the reconnect policy (tests use a near-zero one).
func (c *Client) WithPolicy(p Policy) *Client {
	c.policy = p
	return c
}

// Run blocks until ctx is canceled or the retry budget is exhausted.
func (c *Client) Run(ctx context.Context) {
	for {
		ok := RunWithReconnect(ctx, c.connectAndServe, c.policy)
		if ctx.Err() != nil {
			c.ingest.SyncWSState(false, c.reconnects(), "stopped", ingest.Now())
			return
		}
		if !ok {
			c.ingest.SyncWSState(false, c.reconnects(), "max retries exceeded", ingest.Now())
			return
		}
		// connectOnce only returns nil via ctx cancellation, handled above;
		// unreachable in practice, kept for completeness of the state machine.
		return
	}
}

func (c *Client) reconnects() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnectCount
}

func (c *Client) connectAndServe(ctx context.Context) error {
	var approvalKey string
	if c.issuer != nil {
		key, err := c.issuer.IssueApprovalKey(ctx)
		if err != nil {
			return fmt.Errorf("issue approval key: %w", err)
		}
		approvalKey = key
	}

	header := http.Header{"User-Agent": []string{"kisgateway/1.0 (streaming client)"}}
	conn, err := c.dialer.Dial(ctx, c.url, header)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	for _, symbol := range c.symbols {
		if err := c.subscribe(conn, approvalKey, symbol); err != nil {
			return fmt.Errorf("subscribe %s: %w", symbol, err)
		}
	}

	c.mu.Lock()
	c.reconnectCount++
	count := c.reconnectCount
	c.mu.Unlock()
	c.ingest.SyncWSState(true, count-1, "", ingest.Now())

	done := make(chan struct{})
	defer close(done)
	go c.pingLoop(ctx, conn, done)

	return c.messageLoop(ctx, conn)
}

type subscribeFrame struct {
	Header subscribeHeader `json:"header"`
	Body   subscribeBody   `json:"body"`
}

type subscribeHeader struct {
	ApprovalKey string `json:"approval_key"`
	CustType    string `json:"custtype"`
	TrType      string `json:"tr_type"`
	ContentType string `json:"content-type"`
}

type subscribeBody struct {
	Input subscribeInput `json:"input"`
}

type subscribeInput struct {
	TrID  string `json:"tr_id"`
	TrKey string `json:"tr_key"`
}

func (c *Client) subscribe(conn Conn, approvalKey, symbol string) error {
	frame := subscribeFrame{
		Header: subscribeHeader{
			ApprovalKey: approvalKey,
			CustType:    "P",
			TrType:      "1",
			ContentType: "utf-8",
		},
		Body: subscribeBody{Input: subscribeInput{TrID: "H0STCNT0", TrKey: symbol}},
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) messageLoop(ctx context.Context, conn Conn) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if messageType != websocket.TextMessage {
			continue
		}

		c.ingest.Process(string(data), ingest.Now())
	}
}

func (c *Client) pingLoop(ctx context.Context, conn Conn, done <-chan struct{}) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Warn().Err(err).Msg("streaming ping failed, closing connection")
				conn.Close()
				return
			}
		}
	}
}
