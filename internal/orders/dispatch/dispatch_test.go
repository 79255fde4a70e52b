package dispatch

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/kisgateway/internal/orders"
	"github.com/sawpanic/kisgateway/internal/orders/queue"
)

type fakeAdapter struct {
	submits int32
}

func (f *fakeAdapter) Submit(ctx context.Context, job orders.Job) (string, error) {
	atomic.AddInt32(&f.submits, 1)
	return "broker-" + job.OrderID, nil
}
func (f *fakeAdapter) Cancel(ctx context.Context, job orders.Job) error { return nil }
func (f *fakeAdapter) Modify(ctx context.Context, job orders.Job, qty int64, price *float64) error {
	return nil
}
func (f *fakeAdapter) Status(ctx context.Context, job orders.Job) (orders.Status, error) {
	return job.Status, nil
}

func TestWorker_DrainsQueuedJobsEachCycle(t *testing.T) {
	q := queue.New(3)
	req := orders.Request{AccountID: "a", Symbol: "005930", Side: orders.Buy, Qty: 1, OrderType: orders.Market}
	job1, _, err := q.Enqueue(req, "idem-1")
	require.NoError(t, err)
	job2, _, err := q.Enqueue(req, "idem-2")
	require.NoError(t, err)

	adapter := &fakeAdapter{}
	w := New(q, adapter, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	w.Run(ctx)

	got1, _ := q.GetJob(job1.OrderID)
	got2, _ := q.GetJob(job2.OrderID)
	assert.Equal(t, orders.StatusSent, got1.Status)
	assert.Equal(t, orders.StatusSent, got2.Status)
	assert.EqualValues(t, 2, adapter.submits)
}

func TestWorker_StopsWhenContextCanceled(t *testing.T) {
	q := queue.New(3)
	adapter := &fakeAdapter{}
	w := New(q, adapter, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("worker did not stop after context cancellation")
	}
}
