package queue

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/face-pipeline/shared/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type publishedMessage struct {
	routingKey string
	msg        amqp.Publishing
}

type fakeBroker struct {
	mu         sync.Mutex
	declared   []string
	retries    []string
	published  []publishedMessage
	publishErr error
	declareErr error
	retryErr   error
	consumeErr error
	deliveries chan amqp.Delivery
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{deliveries: make(chan amqp.Delivery)}
}

func (b *fakeBroker) DeclareJobQueue(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.declareErr != nil {
		return b.declareErr
	}
	b.declared = append(b.declared, name)
	return nil
}

func (b *fakeBroker) DeclareRetryQueue(queue string, delay time.Duration) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.retryErr != nil {
		return "", b.retryErr
	}
	name := rabbitmq.RetryQueueName(queue, delay)
	b.retries = append(b.retries, name)
	return name, nil
}

func (b *fakeBroker) Publish(ctx context.Context, routingKey string, msg amqp.Publishing) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return b.publishErr
	}
	b.published = append(b.published, publishedMessage{routingKey: routingKey, msg: msg})
	return nil
}

func (b *fakeBroker) Consume(ctx context.Context, queue, consumerTag string, prefetch int) (<-chan amqp.Delivery, error) {
	if b.consumeErr != nil {
		return nil, b.consumeErr
	}
	return b.deliveries, nil
}

func (b *fakeBroker) messages() []publishedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]publishedMessage, len(b.published))
	copy(out, b.published)
	return out
}

type nackCall struct {
	tag     uint64
	requeue bool
}

type fakeAcknowledger struct {
	mu    sync.Mutex
	acks  []uint64
	nacks []nackCall
}

func (a *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks = append(a.acks, tag)
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacks = append(a.nacks, nackCall{tag: tag, requeue: requeue})
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

func (a *fakeAcknowledger) counts() (int, []nackCall) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.acks), append([]nackCall(nil), a.nacks...)
}

type failedEvent struct {
	job   Job
	final bool
}

type recordingListener struct {
	mu        sync.Mutex
	enqueued  []string
	active    []string
	completed []string
	failed    []failedEvent
}

func (l *recordingListener) OnEnqueued(ctx context.Context, job *Job) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enqueued = append(l.enqueued, job.ID)
}

func (l *recordingListener) OnActive(ctx context.Context, job *Job) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.active = append(l.active, job.ID)
}

func (l *recordingListener) OnCompleted(ctx context.Context, job *Job) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.completed = append(l.completed, job.ID)
}

func (l *recordingListener) OnFailed(ctx context.Context, job *Job, err error, final bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failed = append(l.failed, failedEvent{job: *job, final: final})
}

func decodePublished(t *testing.T, m publishedMessage) *Job {
	t.Helper()
	var job Job
	require.NoError(t, json.Unmarshal(m.msg.Body, &job))
	return &job
}

func newDelivery(t *testing.T, ack *fakeAcknowledger, tag uint64, job *Job) amqp.Delivery {
	t.Helper()
	body, err := json.Marshal(job)
	require.NoError(t, err)
	return amqp.Delivery{Acknowledger: ack, DeliveryTag: tag, Body: body}
}

func newDeliveryRaw(ack *fakeAcknowledger, tag uint64, body []byte) amqp.Delivery {
	return amqp.Delivery{Acknowledger: ack, DeliveryTag: tag, Body: body}
}
