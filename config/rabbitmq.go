package config

import (
	"context"
	"database/sql"
	"fmt"
	"github.com/cenkalti/backoff/v5"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"time"
)

const connectMaxTries = 5

func connectBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = 10 * time.Second
	return bo
}

// NewRabbitMQConn dials the broker with exponential backoff. The caller
// owns the connection and must close it once in-flight deliveries are settled.
func NewRabbitMQConn(ctx context.Context, cfg *RabbitMQ) (*amqp.Connection, error) {
	connAddr := fmt.Sprintf("amqp://%s:%s@%s:%d/", cfg.User, cfg.Pass, cfg.Host, cfg.Port)

	operation := func() (*amqp.Connection, error) {
		conn, err := amqp.Dial(connAddr)
		if err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Msg("Failed to connect to RabbitMQ. Retrying...")
			return nil, err
		}

		return conn, nil
	}

	conn, err := backoff.Retry(ctx, operation, backoff.WithBackOff(connectBackOff()), backoff.WithMaxTries(connectMaxTries))
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("Giving up connecting to RabbitMQ")
		return nil, err
	}

	zerolog.Ctx(ctx).Info().Msg("Successfully connected to RabbitMQ")
	return conn, nil
}

// PingDB waits for Postgres to accept connections.
func PingDB(ctx context.Context, db *sql.DB) error {
	operation := func() (struct{}, error) {
		if err := db.PingContext(ctx); err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Msg("Failed to connect to Postgres. Retrying...")
			return struct{}{}, err
		}
		return struct{}{}, nil
	}

	_, err := backoff.Retry(ctx, operation, backoff.WithBackOff(connectBackOff()), backoff.WithMaxTries(connectMaxTries))
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}

	zerolog.Ctx(ctx).Info().Msg("Successfully connected to Postgres")
	return nil
}
