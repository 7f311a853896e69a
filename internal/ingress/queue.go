package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/wegram/wegram/pkg/wechat"
)

// queuePrefetch bounds unacknowledged deliveries per consumer.
const queuePrefetch = 5

// QueueConsumer is the broker-mode ingress: one durable queue per WeChat
// identity. Deliveries are acked after successful handling and nacked
// without requeue otherwise.
type QueueConsumer struct {
	url    string
	queue  string
	handle func(env *wechat.SyncEnvelope) error
	log    *slog.Logger
}

// NewQueueConsumer consumes the queue named after the wxid.
func NewQueueConsumer(url, wxid string, handle func(env *wechat.SyncEnvelope) error, log *slog.Logger) *QueueConsumer {
	return &QueueConsumer{
		url:    url,
		queue:  wxid,
		handle: handle,
		log:    log.With("component", "queue-consumer"),
	}
}

// Run consumes until ctx is cancelled, redialing with backoff on connection
// loss.
func (q *QueueConsumer) Run(ctx context.Context) error {
	return backoff.Retry(func() error {
		err := q.consumeOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		q.log.Error("broker connection lost", "error", err)
		return err
	}, backoff.WithContext(redialBackoff(), ctx))
}

// redialBackoff never gives up; the consumer retries until ctx cancels it.
func redialBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

func (q *QueueConsumer) consumeOnce(ctx context.Context) error {
	conn, err := amqp.Dial(q.url)
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if _, err := ch.QueueDeclare(q.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", q.queue, err)
	}
	if err := ch.Qos(queuePrefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := ch.Consume(q.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", q.queue, err)
	}
	q.log.Info("consuming broker queue", "queue", q.queue)

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			q.dispatch(d)
		}
	}
}

func (q *QueueConsumer) dispatch(d amqp.Delivery) {
	var env wechat.SyncEnvelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		q.log.Warn("undecodable delivery", "error", err)
		_ = d.Nack(false, false)
		return
	}
	if err := q.handle(&env); err != nil {
		q.log.Error("delivery handling failed", "error", err)
		_ = d.Nack(false, false)
		return
	}
	_ = d.Ack(false)
}
