package queue

import "go.uber.org/zap"

var RetryCount = retryCount

// NewUnconnectedAMQPQueue builds a queue without a broker, for exercising
// job handling paths that do not publish.
func NewUnconnectedAMQPQueue(logger *zap.Logger) *AMQPQueue {
	return &AMQPQueue{logger: logger, done: make(chan struct{}), MaxRetries: 3}
}

func (q *AMQPQueue) HandleJob(topic string, job RunJob, retries int, handler func(payload any) error) {
	q.handle(topic, jobDelivery{job: job, retries: retries}, handler)
}
