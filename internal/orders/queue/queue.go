// Package queue is the order queue (C7): idempotent enqueue, a FIFO
// dispatch feed, and the terminal-state bookkeeping the dispatch worker
// and the HTTP surface both depend on. All operations are mutually
// exclusive on a single instance lock per spec.md §5's shared-resource
// policy.
package queue

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/sawpanic/kisgateway/internal/apierr"
	"github.com/sawpanic/kisgateway/internal/idgen"
	"github.com/sawpanic/kisgateway/internal/orders"
)

// IdempotencyRecord is the body-hash binding stored per idempotency key.
type IdempotencyRecord struct {
	Key      string
	BodyHash string
	OrderID  string
}

// Metrics matches the field list of spec.md §4.8 exactly.
type Metrics struct {
	QueueDepth     int   `json:"queue_depth"`
	Accepted       int64 `json:"accepted"`
	Deduplicated   int64 `json:"deduplicated"`
	Processed      int64 `json:"processed"`
	Sent           int64 `json:"sent"`
	Rejected       int64 `json:"rejected"`
	Filled         int64 `json:"filled"`
	Retried        int64 `json:"retried"`
	RetryExhausted int64 `json:"retry_exhausted"`
	Terminal       int64 `json:"terminal"`
}

// Queue is the order queue.
type Queue struct {
	mu          sync.Mutex
	jobs        map[string]*orders.Job
	fifo        []string
	idem        map[string]IdempotencyRecord
	maxAttempts int
	metrics     Metrics

	now func() time.Time
}

// New builds an empty Queue. maxAttempts bounds process_next's retry loop.
func New(maxAttempts int) *Queue {
	return &Queue{
		jobs:        make(map[string]*orders.Job),
		idem:        make(map[string]IdempotencyRecord),
		maxAttempts: maxAttempts,
		now:         time.Now,
	}
}

// WithClock overrides the clock (tests use a fixed time for order ids).
func (q *Queue) WithClock(now func() time.Time) *Queue { q.now = now; return q }

// canonicalBody is the fixed-field-order projection of a request that
// BodyHash hashes; its fields are declared in sorted JSON key order, so
// json.Marshal emits compact JSON with sorted keys.
type canonicalBody struct {
	AccountID string  `json:"account_id"`
	OrderType string  `json:"order_type"`
	Price     *float64 `json:"price"`
	Qty       int64   `json:"qty"`
	Side      string  `json:"side"`
	Symbol    string  `json:"symbol"`
}

// BodyHash computes the canonical hash of a request's mutable fields,
// used to detect an idempotency key reused with a different body.
func BodyHash(req orders.Request) string {
	data, _ := json.Marshal(canonicalBody{
		AccountID: req.AccountID,
		Symbol:    req.Symbol,
		Side:      string(req.Side),
		Qty:       req.Qty,
		OrderType: string(req.OrderType),
		Price:     req.Price,
	})
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Enqueue accepts req under idemKey, or replays the original acceptance
// if idemKey was already seen with a matching body. The fresh return is
// true only for a newly accepted order, false for an idempotent replay —
// callers that bump accept-side counters (daily order limits and the
// like) must gate on it so a resubmitted idempotency key isn't double
// counted.
func (q *Queue) Enqueue(req orders.Request, idemKey string) (job orders.Job, fresh bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	hash := BodyHash(req)

	if idemKey != "" {
		if rec, ok := q.idem[idemKey]; ok {
			if rec.BodyHash != hash {
				return orders.Job{}, false, apierr.New(apierr.IdempotencyKeyBodyMismatch)
			}
			q.metrics.Deduplicated++
			return *q.jobs[rec.OrderID], false, nil
		}
	}

	now := q.now()
	orderID := idgen.OrderID(now)
	j := &orders.Job{
		OrderID:     orderID,
		Request:     req,
		Status:      orders.StatusNew,
		CreatedAt:   now,
		UpdatedAt:   now,
		Attempts:    0,
		MaxAttempts: q.maxAttempts,
	}
	q.jobs[orderID] = j
	if idemKey != "" {
		q.idem[idemKey] = IdempotencyRecord{Key: idemKey, BodyHash: hash, OrderID: orderID}
	}
	q.fifo = append(q.fifo, orderID)
	q.metrics.Accepted++

	return *j, true, nil
}

// GetJob returns a copy of the tracked job, if any.
func (q *Queue) GetJob(orderID string) (orders.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job, ok := q.jobs[orderID]
	if !ok {
		return orders.Job{}, false
	}
	return *job, true
}

// Depth returns the number of order ids still waiting in the FIFO.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.fifo)
}

// popNext pops the FIFO head, skipping (and discarding) any already-
// terminal job, until it finds a dispatchable job or the queue drains.
func (q *Queue) popNext() *orders.Job {
	for len(q.fifo) > 0 {
		orderID := q.fifo[0]
		q.fifo = q.fifo[1:]
		job, ok := q.jobs[orderID]
		if !ok || job.Terminal {
			continue
		}
		return job
	}
	return nil
}

// PlaceOrderFunc is the minimal adapter surface process_next needs.
type PlaceOrderFunc func(job orders.Job) (brokerOrderID string, err error)

// ProcessNext pops one dispatchable job and runs it through place, the
// classification/retry state machine of spec.md §4.8. It returns false
// when the queue has nothing left to dispatch.
func (q *Queue) ProcessNext(place PlaceOrderFunc) (bool, error) {
	q.mu.Lock()
	job := q.popNext()
	if job == nil {
		q.mu.Unlock()
		return false, nil
	}

	job.Status = orders.StatusDispatching
	job.UpdatedAt = q.now()
	job.Attempts++
	q.mu.Unlock()

	brokerOrderID, err := place(*job)

	q.mu.Lock()
	defer q.mu.Unlock()

	if err == nil {
		job.Status = orders.StatusSent
		job.Error = ""
		job.BrokerOrderID = brokerOrderID
		q.metrics.Sent++
		q.metrics.Processed++
		return true, nil
	}

	code := classify(err.Error())
	retryable := code == apierr.RateLimit || code == apierr.Unknown

	switch {
	case retryable && job.Attempts < job.MaxAttempts:
		job.Status = orders.StatusNew
		job.Error = string(code)
		q.fifo = append(q.fifo, job.OrderID)
		q.metrics.Retried++
	case retryable:
		job.Status = orders.StatusRejected
		job.Error = string(apierr.RetryExhausted)
		job.Terminal = true
		q.metrics.RetryExhausted++
		q.metrics.Rejected++
		q.metrics.Terminal++
	default:
		job.Status = orders.StatusRejected
		job.Error = string(code)
		job.Terminal = true
		q.metrics.Rejected++
		q.metrics.Terminal++
	}
	job.UpdatedAt = q.now()
	q.metrics.Processed++

	return true, nil
}

// classify maps a broker adapter error message onto a dispatcher-internal
// code by case-insensitive substring match, per spec.md §4.8 and the
// DESIGN.md note that a typed adapter error would be preferable.
func classify(message string) apierr.Code {
	upper := strings.ToUpper(message)
	switch {
	case strings.Contains(upper, "RATE_LIMIT") || strings.Contains(upper, "429"):
		return apierr.RateLimit
	case strings.Contains(upper, "AUTH") || strings.Contains(upper, "TOKEN"):
		return apierr.Auth
	case strings.Contains(upper, "INVALID_ORDER") || strings.Contains(upper, "INVALID"):
		return apierr.InvalidOrder
	default:
		return apierr.Unknown
	}
}

// MarkExecutionResult applies a terminal broker outcome. It is idempotent:
// once a job is terminal, further calls are no-ops.
func (q *Queue) MarkExecutionResult(orderID string, status orders.Status, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[orderID]
	if !ok {
		return apierr.New(apierr.OrderNotFound)
	}
	if job.Terminal {
		return nil
	}

	job.Status = status
	job.Terminal = true
	job.UpdatedAt = q.now()

	switch status {
	case orders.StatusFilled:
		job.Error = ""
		q.metrics.Filled++
	case orders.StatusRejected:
		if reason != "" {
			job.Error = reason
		} else {
			job.Error = string(apierr.BrokerRejected)
		}
		q.metrics.Rejected++
	}
	q.metrics.Terminal++

	return nil
}

// RequestCancel transitions an in-flight job to CANCEL_PENDING.
func (q *Queue) RequestCancel(orderID string) error {
	return q.requestTransition(orderID, orders.StatusCancelPending, func(*orders.Job) {})
}

// RequestModify transitions an in-flight job to MODIFY_PENDING, overwriting
// the tracked qty/price the dispatcher will act on next.
func (q *Queue) RequestModify(orderID string, qty int64, price *float64) error {
	return q.requestTransition(orderID, orders.StatusModifyPending, func(job *orders.Job) {
		job.Request.Qty = qty
		job.Request.Price = price
	})
}

func (q *Queue) requestTransition(orderID string, newStatus orders.Status, mutate func(*orders.Job)) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[orderID]
	if !ok {
		return apierr.New(apierr.OrderNotFound)
	}
	if job.Terminal {
		return apierr.New(apierr.OrderAlreadyTerminal)
	}
	if !orders.CancelModifyAllowed(job.Status) {
		return apierr.New(apierr.InvalidTransition)
	}

	mutate(job)
	job.Status = newStatus
	job.UpdatedAt = q.now()
	return nil
}

// ApplyBrokerStatus overwrites a job's status with the broker's view,
// used by the reconciliation engine when the two have drifted. It is a
// no-op if the job is already terminal or already matches. Terminal
// corrections bump the same counters MarkExecutionResult would.
func (q *Queue) ApplyBrokerStatus(orderID string, status orders.Status) (changed bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[orderID]
	if !ok {
		return false, apierr.New(apierr.OrderNotFound)
	}
	if job.Terminal || job.Status == status {
		return false, nil
	}

	job.Status = status
	job.UpdatedAt = q.now()

	if status.IsTerminal() {
		job.Terminal = true
		switch status {
		case orders.StatusFilled:
			job.Error = ""
			q.metrics.Filled++
		case orders.StatusRejected:
			if job.Error == "" {
				job.Error = string(apierr.BrokerRejected)
			}
			q.metrics.Rejected++
		case orders.StatusCanceled:
			job.Error = ""
		}
		q.metrics.Terminal++
	}

	return true, nil
}

// Metrics returns a snapshot of queue counters.
func (q *Queue) Metrics() Metrics {
	q.mu.Lock()
	defer q.mu.Unlock()
	m := q.metrics
	m.QueueDepth = len(q.fifo)
	return m
}

// SnapshotIDs returns the order ids currently tracked, for the
// reconciliation engine to iterate without holding the queue lock.
func (q *Queue) SnapshotIDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]string, 0, len(q.jobs))
	for id := range q.jobs {
		ids = append(ids, id)
	}
	return ids
}
