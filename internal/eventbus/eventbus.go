// Package eventbus moves JSON events over watermill: execution lifecycle
// events out, stage-entry events in.
package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/rendis/nurture/internal/engine"
	"github.com/rendis/nurture/pkg/schema"
)

// Metadata keys set on every published message.
const (
	EventTypeMetadataKey = "event_type"
	EventKeyMetadataKey  = "event_key"
)

// Default topic names.
const (
	DefaultEventsTopic = "nurture.executions"
	DefaultStageTopic  = "nurture.stage_entries"
)

// StageEntryHandler processes one decoded stage-entry event. A retryable
// error nacks the message for redelivery; any other error is logged and the
// message is acked.
type StageEntryHandler func(ctx context.Context, entry *schema.StageEntry) error

// Config names the topics the bus uses.
type Config struct {
	EventsTopic string `json:"events_topic"`
	StageTopic  string `json:"stage_topic"`
}

// Bus publishes and consumes events on a watermill pub/sub.
type Bus struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	cfg        Config
	logger     *slog.Logger

	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ engine.EventPublisher = (*Bus)(nil)

// New creates a Bus. Empty topic names take the defaults.
func New(pub message.Publisher, sub message.Subscriber, cfg Config, logger *slog.Logger) *Bus {
	if cfg.EventsTopic == "" {
		cfg.EventsTopic = DefaultEventsTopic
	}
	if cfg.StageTopic == "" {
		cfg.StageTopic = DefaultStageTopic
	}
	return &Bus{publisher: pub, subscriber: sub, cfg: cfg, logger: logger}
}

// PublishExecutionEvent implements engine.EventPublisher. Events are keyed
// by execution id so a partitioned backend keeps one record's events in order.
func (b *Bus) PublishExecutionEvent(_ context.Context, ev *schema.ExecutionEvent) error {
	return b.publish(b.cfg.EventsTopic, ev.ExecutionID, ev.Type, ev)
}

// PublishStageEntry announces that a lead entered a stage.
func (b *Bus) PublishStageEntry(_ context.Context, entry *schema.StageEntry) error {
	return b.publish(b.cfg.StageTopic, entry.LeadID, schema.EventStageEntered, entry)
}

func (b *Bus) publish(topic, key, eventType string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	msg := message.NewMessage("msg-"+watermill.NewULID(), payload)
	msg.Metadata.Set(EventKeyMetadataKey, key)
	msg.Metadata.Set(EventTypeMetadataKey, eventType)
	return b.publisher.Publish(topic, msg)
}

// SubscribeStageEntries consumes the stage topic until ctx is cancelled.
// It returns once the subscription is established.
func (b *Bus) SubscribeStageEntries(ctx context.Context, handler StageEntryHandler) error {
	messages, err := b.subscriber.Subscribe(ctx, b.cfg.StageTopic)
	if err != nil {
		return err
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for msg := range messages {
			b.handleStageEntry(msg, handler)
		}
	}()
	return nil
}

func (b *Bus) handleStageEntry(msg *message.Message, handler StageEntryHandler) {
	if t := msg.Metadata.Get(EventTypeMetadataKey); t != "" && t != schema.EventStageEntered {
		msg.Ack()
		return
	}

	var entry schema.StageEntry
	if err := json.Unmarshal(msg.Payload, &entry); err != nil {
		b.logger.Error("dropping undecodable stage entry",
			slog.String("message_id", msg.UUID), slog.String("error", err.Error()))
		msg.Ack()
		return
	}

	if err := handler(msg.Context(), &entry); err != nil {
		if engine.IsRetryableError(err) {
			b.logger.Warn("stage entry will be redelivered",
				slog.String("lead_id", entry.LeadID), slog.String("error", err.Error()))
			msg.Nack()
			return
		}
		b.logger.Error("stage entry handling failed",
			slog.String("lead_id", entry.LeadID), slog.String("error", err.Error()))
	}
	msg.Ack()
}

// Close closes the publisher and subscriber and waits for the consumer loop.
func (b *Bus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		err = b.publisher.Close()
		if b.subscriber != nil {
			if serr := b.subscriber.Close(); serr != nil && err == nil {
				err = serr
			}
		}
		b.wg.Wait()
	})
	return err
}
