package broker

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/attribute"

	"notification-workers/internal/common/logger"
	"notification-workers/internal/common/metrics"
	"notification-workers/internal/common/observability"
)

// Disposition tells the worker how to settle a delivery.
type Disposition int

const (
	// Ack removes the message from the queue.
	Ack Disposition = iota
	// Reject drops the message without requeue; the queue dead-letters it.
	Reject
)

func (d Disposition) String() string {
	switch d {
	case Ack:
		return "ack"
	case Reject:
		return "reject"
	default:
		return fmt.Sprintf("disposition(%d)", int(d))
	}
}

// JobHandler processes one decoded job. It must not block past ctx.
type JobHandler interface {
	Handle(ctx context.Context, job Job) Disposition
}

var ErrDeliveriesClosed = stderrors.New("broker closed the delivery channel")

type consumeChannel interface {
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
}

type WorkerConfig struct {
	Queue         string
	ConsumerTag   string
	MaxJobsActive int
	JobTimeout    time.Duration
}

// Worker consumes the work queue with at most MaxJobsActive jobs in flight.
// Prefetch equals MaxJobsActive so the broker never hands out more.
type Worker struct {
	ch      consumeChannel
	config  WorkerConfig
	handler JobHandler
	obs     *observability.Observability
	logger  logger.Logger
}

func NewWorker(ch consumeChannel, config WorkerConfig, handler JobHandler, obs *observability.Observability, log logger.Logger) *Worker {
	if config.MaxJobsActive <= 0 {
		config.MaxJobsActive = 1
	}
	if config.JobTimeout <= 0 {
		config.JobTimeout = 30 * time.Second
	}
	if config.ConsumerTag == "" {
		config.ConsumerTag = "notification-worker"
	}
	return &Worker{
		ch:      ch,
		config:  config,
		handler: handler,
		obs:     obs,
		logger: log.WithFields(map[string]interface{}{
			"component": "worker",
			"queue":     config.Queue,
		}),
	}
}

// Run consumes until ctx is cancelled, then waits for in-flight jobs. It
// returns ErrDeliveriesClosed if the broker ends the subscription first.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.ch.Qos(w.config.MaxJobsActive, 0, false); err != nil {
		return fmt.Errorf("set prefetch: %w", err)
	}

	deliveries, err := w.ch.Consume(w.config.Queue, w.config.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", w.config.Queue, err)
	}

	w.logger.Info("worker started", map[string]interface{}{
		"maxJobsActive": w.config.MaxJobsActive,
		"jobTimeout":    w.config.JobTimeout.String(),
	})

	sem := make(chan struct{}, w.config.MaxJobsActive)
	var wg sync.WaitGroup
	defer func() {
		wg.Wait()
		w.logger.Info("worker stopped", nil)
	}()

	for {
		select {
		case <-ctx.Done():
			w.stopConsuming()
			return nil

		case d, ok := <-deliveries:
			if !ok {
				return ErrDeliveriesClosed
			}

			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				// Not started; hand it back for another consumer.
				_ = d.Nack(false, true)
				w.stopConsuming()
				return nil
			}

			wg.Add(1)
			go func(d amqp.Delivery) {
				defer wg.Done()
				defer func() { <-sem }()
				w.process(d)
			}(d)
		}
	}
}

func (w *Worker) stopConsuming() {
	if err := w.ch.Cancel(w.config.ConsumerTag, false); err != nil {
		w.logger.Warn("cancel consumer failed", map[string]interface{}{"error": err})
	}
}

// process runs detached from Run's context so shutdown lets the job finish.
func (w *Worker) process(d amqp.Delivery) {
	active := metrics.WorkerJobsActive.WithLabelValues(w.config.Queue)
	active.Inc()
	defer active.Dec()

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), w.config.JobTimeout)
	defer cancel()

	job, err := DecodeJob(d.Body)
	if err != nil {
		w.logger.Warn("malformed job rejected", map[string]interface{}{
			"deliveryTag": d.DeliveryTag,
			"messageId":   d.MessageId,
			"error":       err,
		})
		w.settle(ctx, d, Reject, start)
		return
	}

	ctx, span := w.obs.StartSpan(ctx, "notification.process",
		attribute.String("notification.id", job.ID.String()),
		attribute.Bool("messaging.redelivered", d.Redelivered),
	)
	disposition := w.handle(ctx, job)
	span.SetAttributes(attribute.String("messaging.disposition", disposition.String()))
	observability.EndSpan(span, nil)

	w.settle(ctx, d, disposition, start)
}

// handle converts a handler panic into a rejection.
func (w *Worker) handle(ctx context.Context, job Job) (disposition Disposition) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("handler panicked", map[string]interface{}{
				"notificationId": job.ID.String(),
				"panic":          fmt.Sprint(r),
			})
			disposition = Reject
		}
	}()
	return w.handler.Handle(ctx, job)
}

func (w *Worker) settle(ctx context.Context, d amqp.Delivery, disposition Disposition, start time.Time) {
	var err error
	switch disposition {
	case Ack:
		err = d.Ack(false)
	default:
		disposition = Reject
		err = d.Reject(false)
	}
	if err != nil {
		w.logger.Error("failed to settle delivery", map[string]interface{}{
			"deliveryTag": d.DeliveryTag,
			"disposition": disposition.String(),
			"error":       err,
		})
	}

	elapsed := time.Since(start)
	metrics.WorkerJobsCompleted.WithLabelValues(w.config.Queue, disposition.String()).Inc()
	metrics.WorkerJobDuration.WithLabelValues(w.config.Queue).Observe(elapsed.Seconds())
	w.obs.RecordJobProcessed(ctx, disposition.String())
	w.obs.RecordJobDuration(ctx, elapsed, disposition.String())
}
