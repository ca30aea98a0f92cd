package service

import (
	"context"
	"encoding/json"
	"time"

	"chat_bridge/server/bridge/chatnet"
	"chat_bridge/server/bridge/domain"
	"chat_bridge/server/bridge/observe"
	commonlog "chat_bridge/server/common/log"
)

// mediaFetcher is MediaService's surface; nil-able and fake-able.
type mediaFetcher interface {
	Fetch(ctx context.Context, tenantID string, msg chatnet.Message) (objectKey, thumbKey string, err error)
}

// inboundPublisher is the slice of mq.Publisher the forwarder uses.
type inboundPublisher interface {
	Publish(ctx context.Context, routingKey string, payload any) error
	PublishBulk(ctx context.Context, routingKey string, payloads []any) error
}

type ForwarderConfig struct {
	ReadReceiptMin time.Duration
	ReadReceiptMax time.Duration
}

func (c ForwarderConfig) withDefaults() ForwarderConfig {
	if c.ReadReceiptMax <= 0 {
		c.ReadReceiptMin = 500 * time.Millisecond
		c.ReadReceiptMax = 2 * time.Second
	}
	return c
}

// InboundForwarder turns raw connection events into inbound-queue messages
// for the orchestrator. Media download and read receipts are best-effort
// side work: their failures never block forwarding.
type InboundForwarder struct {
	cfg       ForwarderConfig
	publisher inboundPublisher
	media     mediaFetcher
	metrics   *observe.Metrics
}

func NewInboundForwarder(cfg ForwarderConfig, publisher inboundPublisher, media mediaFetcher, metrics *observe.Metrics) *InboundForwarder {
	return &InboundForwarder{cfg: cfg.withDefaults(), publisher: publisher, media: media, metrics: metrics}
}

func (f *InboundForwarder) ForwardMessages(ctx context.Context, tenantID string, msgs []chatnet.Message, client chatnet.Client) {
	events := make([]any, 0, len(msgs))
	for _, msg := range msgs {
		if msg.FromSelf {
			continue
		}
		data := domain.InboundMessageData{
			MessageID:  msg.ID,
			ChatID:     msg.ChatID,
			SenderID:   msg.SenderID,
			Text:       msg.Text,
			MimeType:   msg.MimeType,
			ReceivedAt: msg.Timestamp,
		}
		if msg.MediaURL != "" && f.media != nil {
			objectKey, thumbKey, err := f.media.Fetch(ctx, tenantID, msg)
			if err != nil {
				// Forward with text/metadata only.
				commonlog.Warnf("event=inbound action=media_fetch status=swallowed tenant_id=%s message_id=%s error=%v", tenantID, msg.ID, err)
			} else {
				data.MediaKey = objectKey
				data.ThumbKey = thumbKey
			}
		}
		f.scheduleReadReceipt(tenantID, msg, client)

		raw, err := json.Marshal(data)
		if err != nil {
			commonlog.Errorf("event=inbound action=encode status=failed tenant_id=%s message_id=%s error=%v", tenantID, msg.ID, err)
			continue
		}
		events = append(events, domain.InboundEvent{
			TenantID: tenantID,
			Event:    domain.InboundEventMessage,
			Data:     raw,
		})
	}
	if len(events) == 0 {
		return
	}

	if err := f.publisher.PublishBulk(ctx, domain.InboundQueue, events); err != nil {
		// Degrade to per-event publishes rather than dropping the batch.
		commonlog.Warnf("event=inbound action=publish_bulk status=failed tenant_id=%s count=%d error=%v", tenantID, len(events), err)
		for _, ev := range events {
			if err := f.publisher.Publish(ctx, domain.InboundQueue, ev); err != nil {
				commonlog.Errorf("event=inbound action=publish status=failed tenant_id=%s error=%v", tenantID, err)
			}
		}
	}
	f.metrics.InboundEvents.Add(float64(len(events)))
	commonlog.Infof("event=inbound action=forward status=ok tenant_id=%s count=%d", tenantID, len(events))
}

func (f *InboundForwarder) ForwardConnectionUpdate(ctx context.Context, tenantID string, status domain.SessionStatus, reason string) {
	raw, err := json.Marshal(domain.ConnectionUpdateData{Status: status, Reason: reason})
	if err != nil {
		return
	}
	if err := f.publisher.Publish(ctx, domain.InboundQueue, domain.InboundEvent{
		TenantID: tenantID,
		Event:    domain.InboundEventConnectionUpdate,
		Data:     raw,
	}); err != nil {
		commonlog.Warnf("event=inbound action=connection_update status=swallowed tenant_id=%s error=%v", tenantID, err)
	}
}

// scheduleReadReceipt marks the message read after a human-like delay;
// failures are swallowed.
func (f *InboundForwarder) scheduleReadReceipt(tenantID string, msg chatnet.Message, client chatnet.Client) {
	if client == nil {
		return
	}
	delay := randomBetween(f.cfg.ReadReceiptMin, f.cfg.ReadReceiptMax)
	time.AfterFunc(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.MarkRead(ctx, msg.ChatID, []string{msg.ID}); err != nil {
			commonlog.Debugf("event=inbound action=read_receipt status=swallowed tenant_id=%s message_id=%s error=%v", tenantID, msg.ID, err)
		}
	})
}
