package mq

import (
	"context"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	commonlog "chat_bridge/server/common/log"
)

const attemptHeader = "x-attempt"

// HandlerFunc processes one message body. A nil return acks the message; an
// error sends it through the retry queue until MaxAttempts is reached.
type HandlerFunc func(ctx context.Context, body []byte) error

// DeadLetterFunc is invoked once per message whose attempts are exhausted,
// before the message is acked away from the broker.
type DeadLetterFunc func(ctx context.Context, body []byte, attempts int, lastErr error)

type ConsumerConfig struct {
	Queue       string
	Concurrency int
	MaxAttempts int
	BackoffBase time.Duration
}

type Consumer struct {
	channel    *amqp.Channel
	cfg        ConsumerConfig
	handler    HandlerFunc
	deadLetter DeadLetterFunc
	wg         sync.WaitGroup
}

func NewConsumer(conn *amqp.Connection, cfg ConsumerConfig, handler HandlerFunc, deadLetter DeadLetterFunc) (*Consumer, error) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.Qos(cfg.Concurrency, 0, false); err != nil {
		_ = ch.Close()
		return nil, err
	}
	return &Consumer{channel: ch, cfg: cfg, handler: handler, deadLetter: deadLetter}, nil
}

func (c *Consumer) Start(ctx context.Context) error {
	deliveries, err := c.channel.Consume(c.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}
	for i := 0; i < c.cfg.Concurrency; i++ {
		c.wg.Add(1)
		go c.work(ctx, deliveries)
	}
	commonlog.Infof("event=mq_consumer action=start queue=%s concurrency=%d max_attempts=%d", c.cfg.Queue, c.cfg.Concurrency, c.cfg.MaxAttempts)
	return nil
}

func (c *Consumer) work(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			c.handleDelivery(ctx, d)
		}
	}
}

func (c *Consumer) handleDelivery(ctx context.Context, d amqp.Delivery) {
	attempt := attemptFromHeaders(d.Headers)
	err := c.handler(ctx, d.Body)
	if err == nil {
		_ = d.Ack(false)
		return
	}

	next := attempt + 1
	if next >= c.cfg.MaxAttempts {
		commonlog.Errorf("event=mq_consumer action=exhausted queue=%s attempts=%d error=%v", c.cfg.Queue, next, err)
		if c.deadLetter != nil {
			c.deadLetter(ctx, d.Body, next, err)
		}
		_ = d.Ack(false)
		return
	}

	backoff := c.cfg.BackoffBase << (next - 1)
	commonlog.Warnf("event=mq_consumer action=retry queue=%s attempt=%d backoff_ms=%d error=%v", c.cfg.Queue, next, backoff.Milliseconds(), err)
	pub := amqp.Publishing{
		ContentType: d.ContentType,
		Body:        d.Body,
		Headers:     amqp.Table{attemptHeader: int32(next)},
		Expiration:  strconv.FormatInt(backoff.Milliseconds(), 10),
		Timestamp:   time.Now(),
	}
	if perr := c.channel.PublishWithContext(ctx, "", RetryQueue(c.cfg.Queue), false, false, pub); perr != nil {
		// Can't park it; hand the message back to the broker for an
		// immediate redelivery instead of losing it.
		commonlog.Errorf("event=mq_consumer action=park status=failed queue=%s error=%v", c.cfg.Queue, perr)
		_ = d.Nack(false, true)
		return
	}
	_ = d.Ack(false)
}

// Close cancels the channel and waits for in-flight handlers to finish.
func (c *Consumer) Close() {
	_ = c.channel.Close()
	c.wg.Wait()
}

func attemptFromHeaders(headers amqp.Table) int {
	if headers == nil {
		return 0
	}
	switch v := headers[attemptHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
