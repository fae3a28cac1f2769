package queue

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

const retryHeader = "x-retry-count"

// AMQPQueue carries RunJobs over RabbitMQ durable queues, one queue per
// topic. Deliveries are acked on receipt: a run outlives any broker
// delivery timeout, and its checkpoints make the job itself disposable.
// Failed jobs are republished with an incremented retry header until
// MaxRetries is reached.
type AMQPQueue struct {
	conn       *amqp.Connection
	ch         *amqp.Channel
	mu         sync.Mutex
	logger     *zap.Logger
	handlers   sync.WaitGroup
	done       chan struct{}
	doneOnce   sync.Once
	subscribed bool
	MaxRetries int
}

func NewAMQPQueue(url string, logger *zap.Logger) (*AMQPQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}
	return &AMQPQueue{conn: conn, ch: ch, logger: logger, done: make(chan struct{}), MaxRetries: 3}, nil
}

func (q *AMQPQueue) declare(topic string) error {
	_, err := q.ch.QueueDeclare(
		topic, // name
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", topic, err)
	}
	return nil
}

// Publish sends payload as JSON.
func (q *AMQPQueue) Publish(topic string, payload any) error {
	return q.publish(topic, payload, 0)
}

func (q *AMQPQueue) publish(topic string, payload any, retries int) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.declare(topic); err != nil {
		return err
	}
	return q.ch.Publish(
		"",
		topic,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Headers:      amqp.Table{retryHeader: int32(retries)},
			Body:         body,
		},
	)
}

// Subscribe consumes topic in the background. Each delivery is acked and
// handed to handler in its own goroutine as a RunJob. A handler error
// republishes the job with one more retry, or drops it once MaxRetries is
// exhausted. Done is closed when the consumer stops.
func (q *AMQPQueue) Subscribe(topic string, handler func(payload any) error) error {
	q.mu.Lock()
	if err := q.declare(topic); err != nil {
		q.mu.Unlock()
		return err
	}
	if err := q.ch.Qos(1, 0, false); err != nil {
		q.mu.Unlock()
		return fmt.Errorf("failed to set prefetch: %w", err)
	}
	closed := q.ch.NotifyClose(make(chan *amqp.Error, 1))
	msgs, err := q.ch.Consume(
		topic,
		"",
		false, // acked explicitly once decoded
		false,
		false,
		false,
		nil,
	)
	if err == nil {
		q.subscribed = true
	}
	q.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	go func() {
		defer q.doneOnce.Do(func() { close(q.done) })
		for d := range msgs {
			job, ok := q.receive(topic, d)
			if !ok {
				continue
			}
			q.handlers.Add(1)
			go func() {
				defer q.handlers.Done()
				q.handle(topic, job, handler)
			}()
		}
		if cerr, ok := <-closed; ok && cerr != nil {
			q.logger.Error("consumer channel closed", zap.String("topic", topic), zap.Error(cerr))
			return
		}
		q.logger.Info("consumer stopped", zap.String("topic", topic))
	}()
	return nil
}

// Done is closed when the consumer stops receiving, e.g. because the
// broker closed the channel.
func (q *AMQPQueue) Done() <-chan struct{} {
	return q.done
}

func (q *AMQPQueue) receive(topic string, d amqp.Delivery) (jobDelivery, bool) {
	var job RunJob
	if err := json.Unmarshal(d.Body, &job); err != nil {
		q.logger.Error("invalid job", zap.String("topic", topic), zap.Error(err))
		q.ack(d)
		return jobDelivery{}, false
	}
	if !q.ack(d) {
		return jobDelivery{}, false
	}
	return jobDelivery{job: job, retries: retryCount(d.Headers)}, true
}

func (q *AMQPQueue) ack(d amqp.Delivery) bool {
	if err := d.Ack(false); err != nil {
		q.logger.Error("failed to ack delivery", zap.Error(err))
		return false
	}
	return true
}

type jobDelivery struct {
	job     RunJob
	retries int
}

func (q *AMQPQueue) handle(topic string, d jobDelivery, handler func(payload any) error) {
	err := handler(d.job)
	if err == nil {
		return
	}
	if d.retries >= q.MaxRetries {
		q.logger.Error("job permanently failed",
			zap.String("topic", topic), zap.String("run_id", d.job.RunID), zap.Int("retries", d.retries), zap.Error(err))
		return
	}
	if perr := q.publish(topic, d.job, d.retries+1); perr != nil {
		// the run stays running and is picked up by recovery
		q.logger.Error("failed to republish job", zap.String("run_id", d.job.RunID), zap.Error(perr))
		return
	}
	q.logger.Warn("job failed, republished",
		zap.String("topic", topic), zap.String("run_id", d.job.RunID), zap.Int("retry", d.retries+1), zap.Error(err))
}

func retryCount(h amqp.Table) int {
	switch v := h[retryHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}

// Close stops consuming, waits for running handlers, then closes the
// connection.
func (q *AMQPQueue) Close() error {
	q.mu.Lock()
	err := q.ch.Close()
	subscribed := q.subscribed
	q.mu.Unlock()
	if subscribed {
		<-q.done
	}
	q.handlers.Wait()
	if cerr := q.conn.Close(); err == nil {
		err = cerr
	}
	return err
}

var _ Queue = (*AMQPQueue)(nil)
