package broker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notification-workers/internal/common/logger"
)

// ==========================
// Fakes
// ==========================

type settlement struct {
	tag     uint64
	kind    string
	requeue bool
}

type fakeAcknowledger struct {
	mu      sync.Mutex
	settled []settlement
	done    chan struct{}
}

func newFakeAcknowledger() *fakeAcknowledger {
	return &fakeAcknowledger{done: make(chan struct{}, 64)}
}

func (a *fakeAcknowledger) record(s settlement) {
	a.mu.Lock()
	a.settled = append(a.settled, s)
	a.mu.Unlock()
	a.done <- struct{}{}
}

func (a *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	a.record(settlement{tag: tag, kind: "ack"})
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	a.record(settlement{tag: tag, kind: "nack", requeue: requeue})
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	a.record(settlement{tag: tag, kind: "reject", requeue: requeue})
	return nil
}

func (a *fakeAcknowledger) byTag() map[uint64]settlement {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[uint64]settlement, len(a.settled))
	for _, s := range a.settled {
		out[s.tag] = s
	}
	return out
}

func (a *fakeAcknowledger) wait(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-a.done:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for settlement %d of %d", i+1, n)
		}
	}
}

type fakeConsumer struct {
	deliveries chan amqp.Delivery
	prefetch   int
	cancelled  atomic.Bool
}

func (f *fakeConsumer) Qos(prefetchCount, prefetchSize int, global bool) error {
	f.prefetch = prefetchCount
	return nil
}

func (f *fakeConsumer) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	return f.deliveries, nil
}

func (f *fakeConsumer) Cancel(consumer string, noWait bool) error {
	f.cancelled.Store(true)
	return nil
}

type handlerFunc func(ctx context.Context, job Job) Disposition

func (h handlerFunc) Handle(ctx context.Context, job Job) Disposition { return h(ctx, job) }

func delivery(ack amqp.Acknowledger, tag uint64, body string) amqp.Delivery {
	return amqp.Delivery{Acknowledger: ack, DeliveryTag: tag, Body: []byte(body)}
}

func jobBody(id uuid.UUID) string { return `{"id":"` + id.String() + `"}` }

func startWorker(t *testing.T, consumer *fakeConsumer, maxJobs int, h JobHandler) (context.CancelFunc, chan error) {
	t.Helper()
	w := NewWorker(consumer, WorkerConfig{Queue: "notifications", MaxJobsActive: maxJobs, JobTimeout: time.Second}, h, nil, logger.NewTestLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(ctx) }()
	return cancel, errCh
}

// ==========================
// Tests
// ==========================

func TestWorker_SettlesPerDisposition(t *testing.T) {
	ack := newFakeAcknowledger()
	consumer := &fakeConsumer{deliveries: make(chan amqp.Delivery, 4)}
	acked, rejected := uuid.New(), uuid.New()

	cancel, errCh := startWorker(t, consumer, 2, handlerFunc(func(ctx context.Context, job Job) Disposition {
		if job.ID == rejected {
			return Reject
		}
		return Ack
	}))

	consumer.deliveries <- delivery(ack, 1, jobBody(acked))
	consumer.deliveries <- delivery(ack, 2, jobBody(rejected))
	consumer.deliveries <- delivery(ack, 3, `{"id":"not-a-uuid"}`)
	ack.wait(t, 3)

	cancel()
	require.NoError(t, <-errCh)

	got := ack.byTag()
	assert.Equal(t, "ack", got[1].kind)
	assert.Equal(t, settlement{tag: 2, kind: "reject"}, got[2])
	assert.Equal(t, settlement{tag: 3, kind: "reject"}, got[3])
	assert.Equal(t, 2, consumer.prefetch)
	assert.True(t, consumer.cancelled.Load())
}

func TestWorker_BoundsConcurrency(t *testing.T) {
	const maxJobs = 3
	ack := newFakeAcknowledger()
	consumer := &fakeConsumer{deliveries: make(chan amqp.Delivery, 10)}

	var inFlight, peak atomic.Int32
	release := make(chan struct{})

	cancel, errCh := startWorker(t, consumer, maxJobs, handlerFunc(func(ctx context.Context, job Job) Disposition {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		inFlight.Add(-1)
		return Ack
	}))

	for i := 1; i <= 8; i++ {
		consumer.deliveries <- delivery(ack, uint64(i), jobBody(uuid.New()))
	}

	require.Eventually(t, func() bool { return inFlight.Load() == maxJobs }, time.Second, 5*time.Millisecond)
	close(release)
	ack.wait(t, 8)

	cancel()
	require.NoError(t, <-errCh)
	assert.Equal(t, int32(maxJobs), peak.Load())
}

func TestWorker_PanicRejects(t *testing.T) {
	ack := newFakeAcknowledger()
	consumer := &fakeConsumer{deliveries: make(chan amqp.Delivery, 1)}

	cancel, errCh := startWorker(t, consumer, 1, handlerFunc(func(ctx context.Context, job Job) Disposition {
		panic("boom")
	}))

	consumer.deliveries <- delivery(ack, 7, jobBody(uuid.New()))
	ack.wait(t, 1)
	cancel()
	require.NoError(t, <-errCh)

	assert.Equal(t, "reject", ack.byTag()[7].kind)
}

func TestWorker_ShutdownWaitsForInFlight(t *testing.T) {
	ack := newFakeAcknowledger()
	consumer := &fakeConsumer{deliveries: make(chan amqp.Delivery, 1)}
	started := make(chan struct{})
	finish := make(chan struct{})

	cancel, errCh := startWorker(t, consumer, 1, handlerFunc(func(ctx context.Context, job Job) Disposition {
		close(started)
		<-finish
		return Ack
	}))

	consumer.deliveries <- delivery(ack, 1, jobBody(uuid.New()))
	<-started
	cancel()

	select {
	case <-errCh:
		t.Fatal("Run returned before the in-flight job finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(finish)
	require.NoError(t, <-errCh)
	assert.Equal(t, "ack", ack.byTag()[1].kind)
}

func TestWorker_ClosedDeliveries(t *testing.T) {
	consumer := &fakeConsumer{deliveries: make(chan amqp.Delivery)}
	close(consumer.deliveries)

	_, errCh := startWorker(t, consumer, 1, handlerFunc(func(ctx context.Context, job Job) Disposition { return Ack }))
	assert.ErrorIs(t, <-errCh, ErrDeliveriesClosed)
}

func TestDisposition_String(t *testing.T) {
	assert.Equal(t, "ack", Ack.String())
	assert.Equal(t, "reject", Reject.String())
	assert.Equal(t, "disposition(9)", Disposition(9).String())
}
