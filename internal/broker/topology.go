package broker

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Topology names the queues of the pipeline. Everything routes through the
// default exchange, so queue names double as routing keys.
//
//	Queue                 work queue, dead-letters into DeadLetterQueue
//	DeadLetterQueue       rejected jobs, inspected by operators
//	RetryQueuePrefix.<ms> one per backoff delay; TTL expiry dead-letters into Queue
type Topology struct {
	Queue            string
	DeadLetterQueue  string
	RetryQueuePrefix string
}

type queueDeclarer interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
}

// Declare creates the work and dead-letter queues. Retry queues are declared
// lazily, one per distinct delay.
func (t Topology) Declare(ch queueDeclarer) error {
	if _, err := ch.QueueDeclare(t.DeadLetterQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dead-letter queue %s: %w", t.DeadLetterQueue, err)
	}

	_, err := ch.QueueDeclare(t.Queue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": t.DeadLetterQueue,
	})
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", t.Queue, err)
	}
	return nil
}

func (t Topology) RetryQueueName(delay time.Duration) string {
	return fmt.Sprintf("%s.%d", t.RetryQueuePrefix, delay.Milliseconds())
}

// DeclareRetryQueue creates the holding queue for delay and returns its name.
func (t Topology) DeclareRetryQueue(ch queueDeclarer, delay time.Duration) (string, error) {
	name := t.RetryQueueName(delay)
	_, err := ch.QueueDeclare(name, true, false, false, false, amqp.Table{
		"x-message-ttl":             delay.Milliseconds(),
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": t.Queue,
	})
	if err != nil {
		return "", fmt.Errorf("declare retry queue %s: %w", name, err)
	}
	return name, nil
}
