package ingest

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/kisgateway/internal/quote"
	"github.com/sawpanic/kisgateway/internal/quote/cache"
)

// Metrics is the ingest-side snapshot returned by Ingest.Metrics, matching
// the field list of spec.md §4.2 exactly.
type Metrics struct {
	CachedSymbols      int    `json:"cached_symbols"`
	WSMessages         int64  `json:"ws_messages"`
	Upserts            int64  `json:"upserts"`
	StaleSymbols       int    `json:"stale_symbols"`
	WSConnected        bool   `json:"ws_connected"`
	WSHeartbeatFresh   bool   `json:"ws_heartbeat_fresh"`
	LastWSMessageTS    int64  `json:"last_ws_message_ts"`
	LastWSHeartbeatTS  int64  `json:"last_ws_heartbeat_ts"`
	WSLastError        string `json:"ws_last_error,omitempty"`
	WSReconnectCount   int64  `json:"ws_reconnect_count"`
}

// Ingest owns the write side of the Quote Cache: it parses streaming
// payloads, upserts snapshots, and tracks connection health independently
// of freshness — connected and heartbeat-fresh are reported as two
// separate booleans since a socket can stay open while ticks stop
// arriving.
type Ingest struct {
	mu sync.Mutex

	cache *cache.Cache

	staleAfterSec    int64
	heartbeatTimeout int64

	wsMessages int64
	upserts    int64

	wsConnected       bool
	lastWSMessageTS   int64
	lastWSHeartbeatTS int64
	wsLastError       string
	wsReconnectCount  int64
}

func New(c *cache.Cache, staleAfterSec, heartbeatTimeout int64) *Ingest {
	return &Ingest{cache: c, staleAfterSec: staleAfterSec, heartbeatTimeout: heartbeatTimeout}
}

// Process parses raw, upserts the cache, and updates message/heartbeat
// bookkeeping. Control/ACK frames that fail to parse are skipped (logged,
// never returned as an error) per spec.md §4.3.
func (i *Ingest) Process(raw any, nowUnix int64) {
	parsed, err := ParseMessage(raw)
	if err != nil {
		log.Debug().Err(err).Msg("skipping non-ticker streaming frame")
		return
	}

	snap := quote.Snapshot{
		Symbol:       parsed.Symbol,
		Price:        parsed.Price,
		ChangePct:    parsed.ChangePct,
		Turnover:     parsed.Turnover,
		Source:       quote.SourceWS,
		TS:           nowUnix,
		FreshnessSec: 0,
		State:        quote.StateHealthy,
	}
	i.cache.Upsert(snap)

	i.mu.Lock()
	i.wsMessages++
	i.upserts++
	i.wsConnected = true
	i.lastWSMessageTS = snap.TS
	i.lastWSHeartbeatTS = nowUnix
	i.mu.Unlock()
}

// SyncWSState is the callback the streaming client invokes on every
// connect/disconnect/reconnect transition.
func (i *Ingest) SyncWSState(connected bool, reconnectCount int64, lastError string, heartbeatTSUnix int64) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.wsConnected = connected
	i.wsReconnectCount = reconnectCount
	i.wsLastError = lastError
	if heartbeatTSUnix > 0 {
		i.lastWSHeartbeatTS = heartbeatTSUnix
	}
}

// Metrics refreshes cache freshness against nowUnix, then reports the
// ingest-side health snapshot.
func (i *Ingest) Metrics(nowUnix int64) Metrics {
	i.cache.RefreshFreshness(nowUnix, i.staleAfterSec)

	i.mu.Lock()
	defer i.mu.Unlock()

	heartbeatFresh := i.lastWSHeartbeatTS > 0 && nowUnix-i.lastWSHeartbeatTS <= i.heartbeatTimeout

	return Metrics{
		CachedSymbols:     i.cache.Len(),
		WSMessages:        i.wsMessages,
		Upserts:           i.upserts,
		StaleSymbols:      i.cache.StaleCount(),
		WSConnected:       i.wsConnected,
		WSHeartbeatFresh:  heartbeatFresh,
		LastWSMessageTS:   i.lastWSMessageTS,
		LastWSHeartbeatTS: i.lastWSHeartbeatTS,
		WSLastError:       i.wsLastError,
		WSReconnectCount:  i.wsReconnectCount,
	}
}

// Now returns the current unix time; the streaming client stamps frames and
// state changes with it.
func Now() int64 { return time.Now().Unix() }
