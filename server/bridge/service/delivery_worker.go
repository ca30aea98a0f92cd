package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"chat_bridge/server/bridge/chatnet"
	"chat_bridge/server/bridge/domain"
	"chat_bridge/server/bridge/observe"
	"chat_bridge/server/bridge/repository"
	"chat_bridge/server/bridge/store"
	commonlog "chat_bridge/server/common/log"
)

// ErrSessionNotReady makes a delivery attempt fail so the queue's backoff
// retries once the lazily started session is likely up.
var ErrSessionNotReady = errors.New("no live session for tenant")

// sessionSource is the slice of the session manager the delivery worker
// needs.
type sessionSource interface {
	ClientFor(tenantID string) (chatnet.Client, bool)
}

// commandPublisher enqueues control-plane commands (lazy session starts).
type commandPublisher interface {
	Publish(ctx context.Context, routingKey string, payload any) error
}

type DeliveryConfig struct {
	// Per-recipient window, e.g. 10 sends per 60s per (tenant, recipient).
	RecipientLimit  int64
	RecipientWindow time.Duration
	// Tenant-wide window; both checks must pass.
	TenantLimit  int64
	TenantWindow time.Duration

	// Anti-detection pacing knobs.
	ReadDelayMin     time.Duration
	ReadDelayMax     time.Duration
	TypingPerChar    time.Duration
	TypingDelayMax   time.Duration
	FinalDelayMin    time.Duration
	FinalDelayMax    time.Duration
	PresenceOffAfter time.Duration
}

func (c DeliveryConfig) withDefaults() DeliveryConfig {
	if c.RecipientLimit <= 0 {
		c.RecipientLimit = 10
	}
	if c.RecipientWindow <= 0 {
		c.RecipientWindow = time.Minute
	}
	if c.TenantLimit <= 0 {
		c.TenantLimit = 60
	}
	if c.TenantWindow <= 0 {
		c.TenantWindow = time.Minute
	}
	if c.ReadDelayMax <= 0 {
		c.ReadDelayMin = time.Second
		c.ReadDelayMax = 3 * time.Second
	}
	if c.TypingPerChar <= 0 {
		c.TypingPerChar = 60 * time.Millisecond
	}
	if c.TypingDelayMax <= 0 {
		c.TypingDelayMax = 5 * time.Second
	}
	if c.FinalDelayMax <= 0 {
		c.FinalDelayMin = 400 * time.Millisecond
		c.FinalDelayMax = 900 * time.Millisecond
	}
	if c.PresenceOffAfter <= 0 {
		c.PresenceOffAfter = 2 * time.Second
	}
	return c
}

// DeliveryWorker consumes outbound jobs, enforces the rate windows, paces
// each send to look human, and transmits through the tenant's local
// connection handle.
type DeliveryWorker struct {
	cfg         DeliveryConfig
	sessions    sessionSource
	limiter     *store.RateLimiter
	commands    commandPublisher
	deadLetters *repository.DeadLetterRepository
	metrics     *observe.Metrics
}

func NewDeliveryWorker(
	cfg DeliveryConfig,
	sessions sessionSource,
	limiter *store.RateLimiter,
	commands commandPublisher,
	deadLetters *repository.DeadLetterRepository,
	metrics *observe.Metrics,
) *DeliveryWorker {
	return &DeliveryWorker{
		cfg:         cfg.withDefaults(),
		sessions:    sessions,
		limiter:     limiter,
		commands:    commands,
		deadLetters: deadLetters,
		metrics:     metrics,
	}
}

// Handle is the queue consumer's HandlerFunc for the outbound queue.
func (w *DeliveryWorker) Handle(ctx context.Context, body []byte) error {
	var job domain.OutboundJob
	if err := json.Unmarshal(body, &job); err != nil {
		return fmt.Errorf("decode outbound job: %w", err)
	}
	if job.Type == "" {
		job.Type = domain.ContentText
	}

	allowed, err := w.limiter.Allow(ctx, store.TenantRateKey(job.TenantID), w.cfg.TenantLimit, w.cfg.TenantWindow)
	if err != nil {
		return fmt.Errorf("tenant rate check: %w", err)
	}
	if !allowed {
		// Deliberate anti-ban behavior: the job counts as handled.
		commonlog.Warnf("event=delivery action=suppress scope=tenant tenant_id=%s recipient=%s", job.TenantID, job.Recipient)
		w.metrics.SuppressedSends.WithLabelValues("tenant").Inc()
		return nil
	}

	allowed, err = w.limiter.Allow(ctx, store.RecipientRateKey(job.TenantID, job.Recipient), w.cfg.RecipientLimit, w.cfg.RecipientWindow)
	if err != nil {
		return fmt.Errorf("recipient rate check: %w", err)
	}
	if !allowed {
		commonlog.Warnf("event=delivery action=suppress scope=recipient tenant_id=%s recipient=%s", job.TenantID, job.Recipient)
		w.metrics.SuppressedSends.WithLabelValues("recipient").Inc()
		return nil
	}

	client, ok := w.sessions.ClientFor(job.TenantID)
	if !ok || !client.Connected() {
		// Kick a lazy start and fail this attempt; the retry backoff gives
		// the session time to come up. Never block waiting for it here.
		if err := w.commands.Publish(ctx, domain.CommandQueue, domain.Command{
			Type:     domain.CommandStartSession,
			TenantID: job.TenantID,
		}); err != nil {
			commonlog.Errorf("event=delivery action=lazy_start status=failed tenant_id=%s error=%v", job.TenantID, err)
		}
		return fmt.Errorf("%w: %s", ErrSessionNotReady, job.TenantID)
	}

	if err := w.paceAndSend(ctx, client, job); err != nil {
		w.metrics.OutboundSends.WithLabelValues(string(job.Type), "failed").Inc()
		return err
	}
	w.metrics.OutboundSends.WithLabelValues(string(job.Type), "ok").Inc()
	commonlog.Infof("event=delivery action=send status=ok tenant_id=%s recipient=%s type=%s", job.TenantID, job.Recipient, job.Type)
	return nil
}

// paceAndSend runs the anti-detection sequence: available → read pause →
// composing → typing pause scaled by length → paused → short pause → send →
// deferred unavailable. Presence failures never abort the send.
func (w *DeliveryWorker) paceAndSend(ctx context.Context, client chatnet.Client, job domain.OutboundJob) error {
	w.presence(ctx, client, job.Recipient, chatnet.PresenceAvailable)
	if err := pause(ctx, randomBetween(w.cfg.ReadDelayMin, w.cfg.ReadDelayMax)); err != nil {
		return err
	}
	w.presence(ctx, client, job.Recipient, chatnet.PresenceComposing)
	if err := pause(ctx, typingDelay(len(job.Text), w.cfg.TypingPerChar, w.cfg.TypingDelayMax)); err != nil {
		return err
	}
	w.presence(ctx, client, job.Recipient, chatnet.PresencePaused)
	if err := pause(ctx, randomBetween(w.cfg.FinalDelayMin, w.cfg.FinalDelayMax)); err != nil {
		return err
	}

	if err := w.dispatch(ctx, client, job); err != nil {
		return fmt.Errorf("send %s to %s: %w", job.Type, job.Recipient, err)
	}

	time.AfterFunc(w.cfg.PresenceOffAfter, func() {
		offCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		w.presence(offCtx, client, job.Recipient, chatnet.PresenceUnavailable)
	})
	return nil
}

func (w *DeliveryWorker) dispatch(ctx context.Context, client chatnet.Client, job domain.OutboundJob) error {
	switch job.Type {
	case domain.ContentText:
		return client.SendText(ctx, job.Recipient, job.Text)
	case domain.ContentImage, domain.ContentAudio:
		return client.SendMedia(ctx, job.Recipient, chatnet.OutboundMedia{
			URL:      job.MediaURL,
			MimeType: job.MimeType,
			FileName: job.FileName,
			Caption:  job.Caption,
			Kind:     string(job.Type),
		})
	default:
		// Unknown content falls back to document handling.
		return client.SendMedia(ctx, job.Recipient, chatnet.OutboundMedia{
			URL:      job.MediaURL,
			MimeType: job.MimeType,
			FileName: job.FileName,
			Caption:  job.Caption,
			Kind:     string(domain.ContentDocument),
		})
	}
}

func (w *DeliveryWorker) presence(ctx context.Context, client chatnet.Client, recipient string, state chatnet.PresenceState) {
	if err := client.SendPresence(ctx, recipient, state); err != nil {
		commonlog.Debugf("event=delivery action=presence status=swallowed state=%s error=%v", state, err)
	}
}

// DeadLetter archives an exhausted outbound job; it matches
// mq.DeadLetterFunc. The job stays inspectable, never silently dropped.
func (w *DeliveryWorker) DeadLetter(ctx context.Context, body []byte, attempts int, lastErr error) {
	var job domain.OutboundJob
	_ = json.Unmarshal(body, &job)
	commonlog.Errorf("event=delivery action=dead_letter tenant_id=%s recipient=%s attempts=%d error=%v", job.TenantID, job.Recipient, attempts, lastErr)
	w.metrics.DeadLetters.WithLabelValues(domain.OutboundQueue).Inc()
	if w.deadLetters == nil {
		return
	}
	if _, err := w.deadLetters.Insert(ctx, domain.DeadLetter{
		Queue:     domain.OutboundQueue,
		TenantID:  job.TenantID,
		Recipient: job.Recipient,
		Attempts:  attempts,
		Payload:   body,
		LastError: lastErr.Error(),
	}); err != nil {
		commonlog.Errorf("event=delivery action=archive_dead_letter status=failed tenant_id=%s error=%v", job.TenantID, err)
	}
}

// typingDelay grows linearly with message length and never exceeds max.
func typingDelay(length int, perChar, max time.Duration) time.Duration {
	d := time.Duration(length) * perChar
	if d > max {
		return max
	}
	return d
}

func randomBetween(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + rand.N(max-min)
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
