package stream

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/kisgateway/internal/quote/cache"
	"github.com/sawpanic/kisgateway/internal/quote/ingest"
)

func TestPolicy_DelayCappedExponential(t *testing.T) {
	p := Policy{MaxRetries: 5, Base: time.Second, Cap: 30 * time.Second}
	assert.Equal(t, time.Second, p.delay(1))
	assert.Equal(t, 2*time.Second, p.delay(2))
	assert.Equal(t, 4*time.Second, p.delay(3))
	assert.Equal(t, 8*time.Second, p.delay(4))
	assert.Equal(t, 16*time.Second, p.delay(5))
	assert.Equal(t, 30*time.Second, p.delay(6)) // would be 32s, capped
}

func TestRunWithReconnect_SucceedsImmediately(t *testing.T) {
	calls := 0
	ok := RunWithReconnect(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	}, Policy{MaxRetries: 5, Base: time.Millisecond, Cap: 10 * time.Millisecond})

	assert.True(t, ok)
	assert.Equal(t, 1, calls)
}

func TestRunWithReconnect_RetriesThenSucceeds(t *testing.T) {
	calls := 0
	ok := RunWithReconnect(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("dial refused")
		}
		return nil
	}, Policy{MaxRetries: 5, Base: time.Millisecond, Cap: 10 * time.Millisecond})

	assert.True(t, ok)
	assert.Equal(t, 3, calls)
}

func TestRunWithReconnect_ExhaustsRetries(t *testing.T) {
	calls := 0
	ok := RunWithReconnect(context.Background(), func(ctx context.Context) error {
		calls++
		return errors.New("dial refused")
	}, Policy{MaxRetries: 3, Base: time.Millisecond, Cap: 10 * time.Millisecond})

	assert.False(t, ok)
	assert.Equal(t, 3, calls)
}

func TestRunWithReconnect_CancelAbortsWithoutSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	start := time.Now()
	ok := RunWithReconnect(ctx, func(ctx context.Context) error {
		calls++
		return errors.New("should not be called")
	}, Policy{MaxRetries: 5, Base: time.Minute, Cap: time.Hour})

	assert.False(t, ok)
	assert.Equal(t, 0, calls)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

// --- Client tests with a fake dialer/connection ---

type fakeConn struct {
	reads   [][]byte
	readIdx int
	writes  [][]byte
	closed  bool
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	if f.readIdx >= len(f.reads) {
		return 0, nil, errors.New("connection closed")
	}
	msg := f.reads[f.readIdx]
	f.readIdx++
	return websocket.TextMessage, msg, nil
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	f.writes = append(f.writes, data)
	return nil
}

func (f *fakeConn) SetReadDeadline(t time.Time) error  { return nil }
func (f *fakeConn) SetWriteDeadline(t time.Time) error { return nil }
func (f *fakeConn) Close() error                       { f.closed = true; return nil }

type fakeDialer struct {
	conn *fakeConn
	err  error
}

func (d fakeDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.conn, nil
}

type fakeIssuer struct {
	key string
	err error
}

func (f fakeIssuer) IssueApprovalKey(ctx context.Context) (string, error) {
	return f.key, f.err
}

func TestClient_ProcessesMessagesThenGivesUpOnDisconnect(t *testing.T) {
	c := cache.New()
	ing := ingest.New(c, 5, 10)

	conn := &fakeConn{reads: [][]byte{
		[]byte(`{"symbol":"005930","price":70000}`),
	}}
	client := New("wss://example.invalid", []string{"005930"}, fakeIssuer{key: "appkey"}, ing).
		WithDialer(fakeDialer{conn: conn}).
		WithPolicy(Policy{MaxRetries: 1, Base: time.Millisecond, Cap: time.Millisecond})

	client.Run(context.Background())

	snap, ok := c.Get("005930")
	require.True(t, ok)
	assert.Equal(t, 70000.0, snap.Price)
	assert.True(t, conn.closed)
	assert.Len(t, conn.writes, 1) // the subscribe frame

	m := ing.Metrics(0)
	assert.EqualValues(t, 1, m.WSMessages)
	assert.False(t, m.WSConnected) // given up after exhausting retries
	assert.Equal(t, "max retries exceeded", m.WSLastError)
}

func TestClient_StopsCleanlyOnContextCancel(t *testing.T) {
	c := cache.New()
	ing := ingest.New(c, 5, 10)

	conn := &fakeConn{} // ReadMessage always errors, simulating a dead link
	client := New("wss://example.invalid", []string{"005930"}, nil, ing).
		WithDialer(fakeDialer{conn: conn}).
		WithPolicy(Policy{MaxRetries: 5, Base: time.Millisecond, Cap: time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client.Run(ctx)

	m := ing.Metrics(0)
	assert.Equal(t, "stopped", m.WSLastError)
}

func TestClient_ApprovalKeyFailureExhaustsRetries(t *testing.T) {
	c := cache.New()
	ing := ingest.New(c, 5, 10)

	client := New("wss://example.invalid", []string{"005930"}, fakeIssuer{err: errors.New("token expired")}, ing).
		WithDialer(fakeDialer{conn: &fakeConn{}}).
		WithPolicy(Policy{MaxRetries: 1, Base: time.Millisecond, Cap: time.Millisecond})

	client.Run(context.Background())

	m := ing.Metrics(0)
	assert.Equal(t, "max retries exceeded", m.WSLastError)
}
