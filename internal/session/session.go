// Package session is the session orchestrator (C10): a single-owner,
// TTL-bounded lease deciding which caller is currently allowed to act as
// the gateway's trading client, per spec.md §4.10.
package session

import (
	"sync"
	"time"

	"github.com/sawpanic/kisgateway/internal/apierr"
)

// State is the lease's coarse mode.
type State string

const (
	Idle   State = "IDLE"
	Active State = "ACTIVE"
)

const leaseExpiredSource = "lease-expired"

// Snapshot is the deep-copied view status() returns.
type Snapshot struct {
	Owner          string     `json:"owner,omitempty"`
	State          State      `json:"state"`
	Source         string     `json:"source,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
}

// Orchestrator holds the lease.
type Orchestrator struct {
	mu             sync.Mutex
	owner          string
	state          State
	source         string
	leaseExpiresAt time.Time

	now func() time.Time
}

// New builds an Orchestrator with the lease IDLE, then grants bootstrapOwner
// a long lease so read paths work before an operator ever reconnects.
func New(bootstrapOwner string, bootstrapTTL time.Duration) *Orchestrator {
	o := &Orchestrator{now: time.Now, state: Idle}
	if bootstrapOwner != "" {
		o.owner = bootstrapOwner
		o.state = Active
		o.source = "bootstrap"
		o.leaseExpiresAt = o.now().Add(bootstrapTTL)
	}
	return o
}

// WithClock overrides the clock (tests use a fixed time for lease math).
func (o *Orchestrator) WithClock(now func() time.Time) *Orchestrator { o.now = now; return o }

// demoteIfExpired must be called with mu held. It flips an expired ACTIVE
// lease back to IDLE with source "lease-expired".
func (o *Orchestrator) demoteIfExpired() {
	if o.state == Active && !o.now().Before(o.leaseExpiresAt) {
		o.owner = ""
		o.state = Idle
		o.source = leaseExpiredSource
		o.leaseExpiresAt = time.Time{}
	}
}

// Acquire grants owner the lease for ttlSec seconds if the lease is IDLE,
// already expired, or already held by owner. Returns false (without error)
// if a different owner currently holds an unexpired lease.
func (o *Orchestrator) Acquire(owner string, ttlSec int, source string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.demoteIfExpired()

	if o.state == Active && o.owner != owner {
		return false
	}

	o.owner = owner
	o.state = Active
	o.source = source
	o.leaseExpiresAt = o.now().Add(time.Duration(ttlSec) * time.Second)
	return true
}

// Release relinquishes the lease. Only the current owner may release; any
// other caller gets apierr.SessionNotOwner. Releasing an already-IDLE lease
// (expired or never held) is a no-op.
func (o *Orchestrator) Release(owner string, source string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.demoteIfExpired()

	if o.state == Idle {
		return nil
	}
	if o.owner != owner {
		return apierr.New(apierr.SessionNotOwner)
	}

	o.owner = ""
	o.state = Idle
	o.source = source
	o.leaseExpiresAt = time.Time{}
	return nil
}

// Status demotes an expired lease to IDLE, then returns a deep copy.
func (o *Orchestrator) Status() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.demoteIfExpired()

	snap := Snapshot{Owner: o.owner, State: o.state, Source: o.source}
	if o.state == Active {
		expiresAt := o.leaseExpiresAt
		snap.LeaseExpiresAt = &expiresAt
	}
	return snap
}
