package readiness

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sawpanic/kisgateway/internal/quote/ingest"
)

func TestEvaluate_CanTradeWhenEverythingHealthy(t *testing.T) {
	r := Evaluate(nil, ingest.Metrics{WSConnected: true, WSHeartbeatFresh: true})
	assert.True(t, r.CanTrade)
	assert.Empty(t, r.BlockerReasons)
}

func TestEvaluate_BlockedByMissingEnv(t *testing.T) {
	r := Evaluate([]string{"KIS_APP_KEY"}, ingest.Metrics{WSConnected: true, WSHeartbeatFresh: true})
	assert.False(t, r.CanTrade)
	assert.Len(t, r.BlockerReasons, 1)
}

func TestEvaluate_BlockedByDisconnectedStream(t *testing.T) {
	r := Evaluate(nil, ingest.Metrics{WSConnected: false, WSHeartbeatFresh: true, WSLastError: "dial timeout"})
	assert.False(t, r.CanTrade)
	assert.Equal(t, "dial timeout", r.WSLastError)
	assert.Contains(t, r.BlockerReasons[0], "not established")
}

func TestEvaluate_BlockedByStaleHeartbeat(t *testing.T) {
	r := Evaluate(nil, ingest.Metrics{WSConnected: true, WSHeartbeatFresh: false})
	assert.False(t, r.CanTrade)
	assert.Contains(t, r.BlockerReasons[0], "stale")
}

func TestEvaluate_AccumulatesMultipleBlockers(t *testing.T) {
	r := Evaluate([]string{"KIS_APP_KEY", "KIS_ENV"}, ingest.Metrics{WSConnected: false, WSHeartbeatFresh: false})
	assert.False(t, r.CanTrade)
	assert.Len(t, r.BlockerReasons, 3)
}
