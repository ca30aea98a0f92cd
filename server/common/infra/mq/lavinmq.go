package mq

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange is the direct exchange all bridge queues bind to.
const Exchange = "bridge"

func NewConnection(url string) (*amqp.Connection, error) {
	return amqp.Dial(url)
}

// DeclareTopology declares the exchange, the given durable work queues, and
// one retry queue per work queue. Retry queues have no consumers: messages
// parked there carry a per-message expiration and dead-letter back into the
// work queue once it elapses.
func DeclareTopology(ch *amqp.Channel, queues ...string) error {
	if err := ch.ExchangeDeclare(Exchange, "direct", true, false, false, false, nil); err != nil {
		return err
	}
	for _, q := range queues {
		if _, err := ch.QueueDeclare(q, true, false, false, false, nil); err != nil {
			return err
		}
		if err := ch.QueueBind(q, q, Exchange, false, nil); err != nil {
			return err
		}
		if _, err := ch.QueueDeclare(RetryQueue(q), true, false, false, false, amqp.Table{
			"x-dead-letter-exchange":    Exchange,
			"x-dead-letter-routing-key": q,
		}); err != nil {
			return err
		}
	}
	return nil
}

func RetryQueue(queue string) string {
	return queue + ".retry"
}
