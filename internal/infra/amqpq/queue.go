package amqpq

import (
	"agentq/internal/config"
	"agentq/internal/domain"
	"agentq/internal/ports"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

// ErrDeliveriesClosed is returned by Claim after the broker stopped delivering.
var ErrDeliveriesClosed = errors.New("rabbitmq deliveries closed")

var _ ports.Queue = (*Queue)(nil)

// Queue carries jobs over a single RabbitMQ queue with manual acks.
type Queue struct {
	cfg  config.RabbitMQ
	conn *amqp.Connection
	ch   *amqp.Channel

	consumeOnce sync.Once
	deliveries  <-chan amqp.Delivery
	consumeErr  error
}

func New(cfg config.RabbitMQ) (*Queue, error) {
	if cfg.URL == "" {
		return nil, errors.New("rabbitmq url is empty")
	}
	if cfg.Queue == "" {
		cfg.Queue = "agentq.jobs"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if cfg.Prefetch > 0 {
		if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
			ch.Close()
			conn.Close()
			return nil, fmt.Errorf("set rabbitmq qos: %w", err)
		}
	}
	if _, err := ch.QueueDeclare(cfg.Queue, cfg.Durable, cfg.AutoDelete, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare rabbitmq queue: %w", err)
	}
	log.Info().Str("queue", cfg.Queue).Msg("rabbitmq queue ready")
	return &Queue{cfg: cfg, conn: conn, ch: ch}, nil
}

func (q *Queue) Enqueue(ctx context.Context, j domain.Job) error {
	body, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	mode := amqp.Transient
	if q.cfg.Durable {
		mode = amqp.Persistent
	}
	if err := q.ch.PublishWithContext(ctx, "", q.cfg.Queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: mode,
		MessageId:    j.TaskID,
		Body:         body,
	}); err != nil {
		return fmt.Errorf("publish job: %w", err)
	}
	return nil
}

// Claim waits up to block for the next delivery. The consumer name is used
// as the AMQP consumer tag on the first call.
func (q *Queue) Claim(ctx context.Context, consumer string, block time.Duration) (*domain.Job, string, error) {
	q.consumeOnce.Do(func() {
		q.deliveries, q.consumeErr = q.ch.Consume(q.cfg.Queue, consumer, false, false, false, false, nil)
	})
	if q.consumeErr != nil {
		return nil, "", fmt.Errorf("consume rabbitmq queue: %w", q.consumeErr)
	}

	var timeout <-chan time.Time
	if block > 0 {
		t := time.NewTimer(block)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case <-ctx.Done():
		return nil, "", ctx.Err()
	case <-timeout:
		return nil, "", nil
	case d, ok := <-q.deliveries:
		if !ok {
			return nil, "", ErrDeliveriesClosed
		}
		tag := strconv.FormatUint(d.DeliveryTag, 10)
		var j domain.Job
		if err := json.Unmarshal(d.Body, &j); err != nil {
			_ = d.Ack(false)
			return nil, "", fmt.Errorf("delivery %s: decode job: %w", tag, err)
		}
		return &j, tag, nil
	}
}

func (q *Queue) Ack(_ context.Context, deliveryID string) error {
	tag, err := strconv.ParseUint(deliveryID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid delivery id %q: %w", deliveryID, err)
	}
	return q.ch.Ack(tag, false)
}

func (q *Queue) Close() error {
	if q.ch != nil {
		_ = q.ch.Close()
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}
