package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"time"
	"worker-transcribe/config"
	"worker-transcribe/dto"
)

// Publisher puts transcription requests on the work queue. The ingestion
// side does the same thing; operators use it to re-drive stuck jobs.
type Publisher struct {
	conn *amqp.Connection
	cfg  *config.RabbitMQ
}

func NewPublisher(conn *amqp.Connection, cfg *config.RabbitMQ) *Publisher {
	return &Publisher{conn: conn, cfg: cfg}
}

func (p *Publisher) Publish(ctx context.Context, ids ...uuid.UUID) error {
	ch, err := p.conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := declareTopology(ch, p.cfg); err != nil {
		return fmt.Errorf("declare topology: %w", err)
	}

	for _, id := range ids {
		body, err := json.Marshal(dto.TranscriptionMessage{TranscriptionId: id})
		if err != nil {
			return err
		}

		err = ch.PublishWithContext(ctx, p.cfg.Exchange, p.cfg.RoutingKey, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    id.String(),
			Timestamp:    time.Now(),
			Body:         body,
		})
		if err != nil {
			return fmt.Errorf("publish %s: %w", id, err)
		}
	}
	return nil
}
