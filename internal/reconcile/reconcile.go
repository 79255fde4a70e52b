// Package reconcile is the reconciliation engine (C9): a background loop
// that diffs the order queue's local view against broker-reported truth
// and corrects drift, durably journaling every correction so a restart can
// recover its event history per spec.md §4.9.
package reconcile

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/kisgateway/internal/broker"
	"github.com/sawpanic/kisgateway/internal/orders/queue"
)

// Event is one correction record, appended to the journal and held in the
// recent_events ring buffer.
type Event struct {
	OrderID         string `json:"order_id"`
	InternalStatus  string `json:"internal_status"`
	BrokerStatus    string `json:"broker_status"`
	CorrectedStatus string `json:"corrected_status"`
	TS              int64  `json:"ts"`
}

// Metrics summarizes the engine's lifetime activity plus journal recovery.
type Metrics struct {
	Mismatches     int64 `json:"mismatches"`
	Corrections    int64 `json:"corrections"`
	Iterations     int64 `json:"iterations"`
	PersistedCount int64 `json:"persisted_count"`
}

const ringCapacity = 100

// Engine is the reconciliation worker.
type Engine struct {
	queue        *queue.Queue
	provider     broker.BrokerStatusProvider
	journalPath  string
	intervalSec  int
	now          func() time.Time

	mu           sync.Mutex
	recentEvents []Event
	metrics      Metrics

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New builds an Engine and replays journalPath (if non-empty and it
// exists) into recent_events/persisted_count before returning.
func New(q *queue.Queue, provider broker.BrokerStatusProvider, journalPath string, intervalSec int) *Engine {
	if intervalSec <= 0 {
		intervalSec = 5
	}
	e := &Engine{
		queue:       q,
		provider:    provider,
		journalPath: journalPath,
		intervalSec: intervalSec,
		now:         time.Now,
	}
	e.loadJournal()
	return e
}

// WithClock overrides the clock (tests use a fixed time for event stamps).
func (e *Engine) WithClock(now func() time.Time) *Engine { e.now = now; return e }

// loadJournal scans journalPath, if it exists, into the recent_events ring
// and persisted_count. Malformed lines are silently skipped.
func (e *Engine) loadJournal() {
	if e.journalPath == "" {
		return
	}
	f, err := os.Open(e.journalPath)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}
		e.pushRecent(ev)
		e.metrics.PersistedCount++
	}
}

// pushRecent appends ev to the ring, dropping the oldest entry past capacity.
func (e *Engine) pushRecent(ev Event) {
	e.recentEvents = append(e.recentEvents, ev)
	if len(e.recentEvents) > ringCapacity {
		e.recentEvents = e.recentEvents[len(e.recentEvents)-ringCapacity:]
	}
}

// appendJournal appends ev as one JSON line, creating parent directories on
// first use.
func (e *Engine) appendJournal(ev Event) error {
	if e.journalPath == "" {
		return nil
	}
	if dir := filepath.Dir(e.journalPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(e.journalPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = f.Write(append(data, '\n'))
	return err
}

// ReconcileOnce runs a single diff-and-correct pass over every job
// currently tracked by the queue, per spec.md §4.9.
func (e *Engine) ReconcileOnce(ctx context.Context) {
	ids := e.queue.SnapshotIDs()

	e.mu.Lock()
	e.metrics.Iterations++
	e.mu.Unlock()

	for _, id := range ids {
		job, ok := e.queue.GetJob(id)
		if !ok {
			continue
		}

		brokerStatus, found, err := e.provider.OrderStatus(ctx, job)
		if err != nil {
			log.Warn().Err(err).Str("order_id", id).Msg("reconcile: status provider error")
			continue
		}
		if !found {
			continue
		}
		if strings.EqualFold(string(job.Status), string(brokerStatus)) {
			continue
		}

		e.mu.Lock()
		e.metrics.Mismatches++
		e.mu.Unlock()

		changed, err := e.queue.ApplyBrokerStatus(id, brokerStatus)
		if err != nil {
			log.Warn().Err(err).Str("order_id", id).Msg("reconcile: could not apply broker status")
			continue
		}
		if !changed {
			continue
		}

		ev := Event{
			OrderID:         id,
			InternalStatus:  string(job.Status),
			BrokerStatus:    string(brokerStatus),
			CorrectedStatus: string(brokerStatus),
			TS:              e.now().Unix(),
		}
		e.mu.Lock()
		e.metrics.Corrections++
		e.pushRecent(ev)
		e.mu.Unlock()

		if err := e.appendJournal(ev); err != nil {
			log.Warn().Err(err).Str("order_id", id).Msg("reconcile: journal append failed")
		} else {
			e.mu.Lock()
			e.metrics.PersistedCount++
			e.mu.Unlock()
		}
	}
}

// Trigger runs one reconciliation pass synchronously.
func (e *Engine) Trigger(ctx context.Context) { e.ReconcileOnce(ctx) }

// Start launches the background loop, waking every intervalSec until
// Stop is called. Idempotent: a second Start while already running is a
// no-op.
func (e *Engine) Start(ctx context.Context) {
	e.runMu.Lock()
	defer e.runMu.Unlock()
	if e.running {
		return
	}
	e.running = true
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})

	go func() {
		defer close(e.doneCh)
		ticker := time.NewTicker(time.Duration(e.intervalSec) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-e.stopCh:
				return
			case <-ticker.C:
				e.safeReconcileOnce(ctx)
			}
		}
	}()
}

// safeReconcileOnce swallows a panic from a single iteration so the
// background loop stays alive across a misbehaving status provider.
func (e *Engine) safeReconcileOnce(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("reconcile: iteration panicked, continuing")
		}
	}()
	e.ReconcileOnce(ctx)
}

// Stop signals the background loop to exit and joins it, up to a 1s
// timeout. Stopping an already-stopped engine is a no-op.
func (e *Engine) Stop() {
	e.runMu.Lock()
	if !e.running {
		e.runMu.Unlock()
		return
	}
	close(e.stopCh)
	done := e.doneCh
	e.running = false
	e.runMu.Unlock()

	select {
	case <-done:
	case <-time.After(1 * time.Second):
	}
}

// Metrics returns a snapshot of engine counters.
func (e *Engine) Metrics() Metrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.metrics
}

// RecentEvents returns a copy of the recent_events ring, oldest first.
func (e *Engine) RecentEvents() []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Event, len(e.recentEvents))
	copy(out, e.recentEvents)
	return out
}
