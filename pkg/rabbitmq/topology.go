package rabbitmq

import (
	amqp "github.com/rabbitmq/amqp091-go"
	"worker-transcribe/config"
)

func retryExchangeName(cfg *config.RabbitMQ) string {
	return cfg.Exchange + ".retry"
}

func retryQueueName(cfg *config.RabbitMQ) string {
	return cfg.Queue + ".retry"
}

// workQueueArgs dead-letters rejected messages into the retry exchange.
func workQueueArgs(cfg *config.RabbitMQ) amqp.Table {
	return amqp.Table{
		"x-dead-letter-exchange":    retryExchangeName(cfg),
		"x-dead-letter-routing-key": cfg.RoutingKey,
	}
}

// retryQueueArgs holds a message for the redelivery delay and then
// dead-letters it back onto the work queue.
func retryQueueArgs(cfg *config.RabbitMQ) amqp.Table {
	return amqp.Table{
		"x-message-ttl":             cfg.RedeliveryDelay.Milliseconds(),
		"x-dead-letter-exchange":    cfg.Exchange,
		"x-dead-letter-routing-key": cfg.RoutingKey,
	}
}

func declareTopology(ch *amqp.Channel, cfg *config.RabbitMQ) error {
	err := ch.ExchangeDeclare(cfg.Exchange, cfg.Kind, true, false, false, false, nil)
	if err != nil {
		return err
	}

	err = ch.ExchangeDeclare(retryExchangeName(cfg), amqp.ExchangeDirect, true, false, false, false, nil)
	if err != nil {
		return err
	}

	retryQueue, err := ch.QueueDeclare(retryQueueName(cfg), true, false, false, false, retryQueueArgs(cfg))
	if err != nil {
		return err
	}

	err = ch.QueueBind(retryQueue.Name, cfg.RoutingKey, retryExchangeName(cfg), false, nil)
	if err != nil {
		return err
	}

	q, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, workQueueArgs(cfg))
	if err != nil {
		return err
	}

	return ch.QueueBind(q.Name, cfg.RoutingKey, cfg.Exchange, false, nil)
}
