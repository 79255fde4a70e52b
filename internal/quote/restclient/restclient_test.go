package restclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEffectiveTTL_RefreshesThirtySecondsEarly(t *testing.T) {
	assert.Equal(t, 3570*time.Second, effectiveTTL(3600))
}

func TestEffectiveTTL_FloorsAtMinExpiresInOne(t *testing.T) {
	assert.Equal(t, 1*time.Second, effectiveTTL(5))  // margin=-25, floor=min(5,1)=1 -> max(-25,1)=1
	assert.Equal(t, 0*time.Second, effectiveTTL(0))  // margin=-30, floor=min(0,1)=0 -> max(-30,0)=0
}

func newTestServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *Client) {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := New(Config{BaseURL: srv.URL, AppKey: "key", AppSecret: "secret"})
	return srv, c
}

func TestClient_AccessTokenCachedUntilTTL(t *testing.T) {
	calls := 0
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode(map[string]any{"access_token": "tok-1", "expires_in": 3600})
	})

	tok1, err := c.accessToken(context.Background())
	require.NoError(t, err)
	tok2, err := c.accessToken(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "tok-1", tok1)
	assert.Equal(t, tok1, tok2)
	assert.Equal(t, 1, calls)
}

func TestClient_IssueApprovalKeyCached(t *testing.T) {
	calls := 0
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode(map[string]any{"approval_key": "appr-1"})
	})

	k1, err := c.IssueApprovalKey(context.Background())
	require.NoError(t, err)
	k2, err := c.IssueApprovalKey(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "appr-1", k1)
	assert.Equal(t, k1, k2)
	assert.Equal(t, 1, calls)
}

func TestClient_GetQuoteParsesAliasedResponse(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/oauth2/tokenP":
			json.NewEncoder(w).Encode(map[string]any{"access_token": "tok-1", "expires_in": 3600})
		default:
			json.NewEncoder(w).Encode(map[string]any{
				"body": map[string]any{
					"output": map[string]any{
						"stck_shrn_iscd": "005930",
						"stck_prpr":      "70000",
						"prdy_ctrt":      1.5,
					},
				},
			})
		}
	})

	snap, err := c.GetQuote(context.Background(), "005930")
	require.NoError(t, err)
	assert.Equal(t, "005930", snap.Symbol)
	assert.Equal(t, 70000.0, snap.Price)
	assert.Equal(t, 1.5, snap.ChangePct)
	assert.Equal(t, "kis-rest", snap.Source)
}

func TestClient_GetQuoteRateLimited(t *testing.T) {
	_, c := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/oauth2/tokenP":
			json.NewEncoder(w).Encode(map[string]any{"access_token": "tok-1", "expires_in": 3600})
		default:
			w.WriteHeader(http.StatusTooManyRequests)
		}
	})

	_, err := c.GetQuote(context.Background(), "005930")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRateLimited)
}
