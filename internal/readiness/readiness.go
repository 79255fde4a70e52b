// Package readiness is the live-readiness probe (C11): a pure aggregation
// of the signals that decide whether the gateway may currently accept live
// trading, per spec.md §4.11.
package readiness

import (
	"fmt"

	"github.com/sawpanic/kisgateway/internal/quote/ingest"
)

// Report is the gate decision returned to GET /v1/session/live-readiness.
type Report struct {
	RequiredEnvMissing []string `json:"required_env_missing"`
	WSConnected        bool     `json:"ws_connected"`
	WSLastError        string   `json:"ws_last_error,omitempty"`
	CanTrade           bool     `json:"can_trade"`
	BlockerReasons     []string `json:"blocker_reasons"`
}

// Evaluate aggregates missingEnv with the ingest metrics snapshot into a
// Report. can_trade is true iff there is no missing env, the stream is
// connected, and its heartbeat is fresh.
func Evaluate(missingEnv []string, m ingest.Metrics) Report {
	r := Report{
		RequiredEnvMissing: missingEnv,
		WSConnected:        m.WSConnected,
		WSLastError:        m.WSLastError,
	}

	if len(missingEnv) > 0 {
		r.BlockerReasons = append(r.BlockerReasons, fmt.Sprintf("missing required configuration: %v", missingEnv))
	}
	if !m.WSConnected {
		r.BlockerReasons = append(r.BlockerReasons, "streaming connection is not established")
	}
	if !m.WSHeartbeatFresh {
		r.BlockerReasons = append(r.BlockerReasons, "streaming heartbeat is stale")
	}

	r.CanTrade = len(r.BlockerReasons) == 0
	return r
}
