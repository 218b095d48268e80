package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"sync"
	"time"
	"worker-transcribe/config"
	"worker-transcribe/dto"
)

var (
	ErrChannelClosed = errors.New("rabbitmq channel closed")
	ErrUnknownToken  = errors.New("unknown delivery token")
)

type Dialer func(ctx context.Context) (*amqp.Connection, error)

// Queue consumes the transcription work queue. Ack removes a message for
// good; Release rejects it into the retry queue, from which the broker
// puts it back on the work queue once the redelivery delay has passed.
type Queue struct {
	cfg         *config.RabbitMQ
	dial        Dialer
	prefetch    int
	maxMessages int
	waitTime    time.Duration
	consumerTag string

	mu         sync.Mutex
	conn       *amqp.Connection
	ch         *amqp.Channel
	deliveries <-chan amqp.Delivery
	generation uint64

	ackMu   sync.Mutex
	pending map[string]amqp.Delivery
}

type QueueOptions struct {
	Prefetch    int
	MaxMessages int
	WaitTime    time.Duration
	ConsumerTag string
}

func NewQueue(cfg *config.RabbitMQ, dial Dialer, opts QueueOptions) *Queue {
	if opts.Prefetch < 1 {
		opts.Prefetch = 1
	}
	if opts.MaxMessages < 1 {
		opts.MaxMessages = 1
	}
	return &Queue{
		cfg:         cfg,
		dial:        dial,
		prefetch:    opts.Prefetch,
		maxMessages: opts.MaxMessages,
		waitTime:    opts.WaitTime,
		consumerTag: opts.ConsumerTag,
		pending:     make(map[string]amqp.Delivery),
	}
}

// Receive waits up to the configured wait time for a first delivery, then
// takes whatever else is already buffered, up to the batch size.
func (q *Queue) Receive(ctx context.Context) ([]dto.QueueMessage, error) {
	deliveries, gen, err := q.ensureChannel(ctx)
	if err != nil {
		return nil, err
	}
	return q.receiveBatch(ctx, deliveries, gen)
}

func (q *Queue) receiveBatch(ctx context.Context, deliveries <-chan amqp.Delivery, gen uint64) ([]dto.QueueMessage, error) {
	timer := time.NewTimer(q.waitTime)
	defer timer.Stop()

	batch := make([]dto.QueueMessage, 0, q.maxMessages)
	select {
	case d, ok := <-deliveries:
		if !ok {
			q.reset(gen)
			return nil, ErrChannelClosed
		}
		batch = append(batch, q.track(gen, d))
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	for len(batch) < q.maxMessages {
		select {
		case d, ok := <-deliveries:
			if !ok {
				q.reset(gen)
				return batch, nil
			}
			batch = append(batch, q.track(gen, d))
		default:
			return batch, nil
		}
	}
	return batch, nil
}

func (q *Queue) Ack(ctx context.Context, msg dto.QueueMessage) error {
	d, err := q.take(msg.Token)
	if err != nil {
		return err
	}
	q.ackMu.Lock()
	defer q.ackMu.Unlock()
	if err := d.Ack(false); err != nil {
		return fmt.Errorf("ack delivery %s: %w", msg.Token, err)
	}
	return nil
}

// Release never drops the message: it is dead-lettered to the retry queue.
func (q *Queue) Release(ctx context.Context, msg dto.QueueMessage) error {
	d, err := q.take(msg.Token)
	if err != nil {
		return err
	}
	q.ackMu.Lock()
	defer q.ackMu.Unlock()
	if err := d.Nack(false, false); err != nil {
		return fmt.Errorf("release delivery %s: %w", msg.Token, err)
	}
	return nil
}

// Close stops consuming. Deliveries that were never settled go back to
// the queue when the channel closes.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	var errs []error
	if q.ch != nil && !q.ch.IsClosed() {
		if err := q.ch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if q.conn != nil && !q.conn.IsClosed() {
		if err := q.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	q.ch, q.conn, q.deliveries = nil, nil, nil
	return errors.Join(errs...)
}

func (q *Queue) ensureChannel(ctx context.Context) (<-chan amqp.Delivery, uint64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.ch != nil && !q.ch.IsClosed() && q.deliveries != nil {
		return q.deliveries, q.generation, nil
	}

	if q.conn == nil || q.conn.IsClosed() {
		conn, err := q.dial(ctx)
		if err != nil {
			return nil, 0, fmt.Errorf("dial rabbitmq: %w", err)
		}
		q.conn = conn
	}

	ch, err := q.conn.Channel()
	if err != nil {
		return nil, 0, fmt.Errorf("open channel: %w", err)
	}

	if err := declareTopology(ch, q.cfg); err != nil {
		_ = ch.Close()
		zerolog.Ctx(ctx).Error().Err(err).Str("queue", q.cfg.Queue).Msg("failed to declare topology")
		return nil, 0, err
	}

	if err := ch.Qos(q.prefetch, 0, false); err != nil {
		_ = ch.Close()
		zerolog.Ctx(ctx).Error().Err(err).Str("queue", q.cfg.Queue).Msg("failed to set QoS")
		return nil, 0, err
	}

	deliveries, err := ch.Consume(q.cfg.Queue, q.consumerTag, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		zerolog.Ctx(ctx).Error().Err(err).Str("queue", q.cfg.Queue).Msg("failed to consume queue")
		return nil, 0, err
	}

	q.generation++
	q.ch = ch
	q.deliveries = deliveries

	zerolog.Ctx(ctx).Info().
		Str("queue", q.cfg.Queue).
		Str("exchange", q.cfg.Exchange).
		Str("routing_key", q.cfg.RoutingKey).
		Int("prefetch", q.prefetch).
		Msg("transcription consumer started")

	return deliveries, q.generation, nil
}

func (q *Queue) reset(gen uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.generation != gen {
		return
	}
	if q.ch != nil {
		_ = q.ch.Close()
	}
	q.ch, q.deliveries = nil, nil

	// Tags of a dead channel can no longer be settled.
	q.ackMu.Lock()
	q.pending = make(map[string]amqp.Delivery)
	q.ackMu.Unlock()
}

func (q *Queue) track(gen uint64, d amqp.Delivery) dto.QueueMessage {
	msg := toQueueMessage(gen, d)
	q.ackMu.Lock()
	q.pending[msg.Token] = d
	q.ackMu.Unlock()
	return msg
}

func (q *Queue) take(token string) (amqp.Delivery, error) {
	q.ackMu.Lock()
	defer q.ackMu.Unlock()
	d, ok := q.pending[token]
	if !ok {
		return amqp.Delivery{}, fmt.Errorf("%w: %s", ErrUnknownToken, token)
	}
	delete(q.pending, token)
	return d, nil
}

func toQueueMessage(gen uint64, d amqp.Delivery) dto.QueueMessage {
	_, deadLettered := d.Headers["x-death"]
	return dto.QueueMessage{
		Token:       deliveryToken(gen, d.DeliveryTag),
		Body:        d.Body,
		Redelivered: d.Redelivered || deadLettered,
	}
}

// deliveryToken scopes a delivery tag to the channel it arrived on.
func deliveryToken(gen, tag uint64) string {
	return fmt.Sprintf("%d.%d", gen, tag)
}
