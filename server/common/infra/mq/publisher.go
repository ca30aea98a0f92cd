package mq

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher sends JSON messages to the bridge exchange. PublishBulk opens a
// transactional channel so a batch lands atomically or not at all.
type Publisher struct {
	conn    *amqp.Connection
	channel *amqp.Channel
}

func NewPublisher(conn *amqp.Connection) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	return &Publisher{conn: conn, channel: ch}, nil
}

func (p *Publisher) Publish(ctx context.Context, routingKey string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return p.channel.PublishWithContext(ctx, Exchange, routingKey, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
		Timestamp:   time.Now(),
	})
}

func (p *Publisher) PublishBulk(ctx context.Context, routingKey string, payloads []any) error {
	ch, err := p.conn.Channel()
	if err != nil {
		return err
	}
	defer func() { _ = ch.Close() }()
	if err := ch.Tx(); err != nil {
		return err
	}
	for _, payload := range payloads {
		body, err := json.Marshal(payload)
		if err != nil {
			_ = ch.TxRollback()
			return err
		}
		if err := ch.PublishWithContext(ctx, Exchange, routingKey, false, false, amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
			Timestamp:   time.Now(),
		}); err != nil {
			_ = ch.TxRollback()
			return err
		}
	}
	return ch.TxCommit()
}

func (p *Publisher) Close() {
	if p.channel != nil {
		_ = p.channel.Close()
	}
}
