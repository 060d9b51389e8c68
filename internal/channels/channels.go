// Package channels builds the watermill publishers and subscribers that carry
// stage-entry events in and execution lifecycle events out.
package channels

import (
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Provider names a pub/sub backend.
type Provider string

const (
	// ProviderGoChannel is the in-process backend; events never leave the process.
	ProviderGoChannel Provider = "gochannel"
	// ProviderKafka uses a Kafka cluster through sarama.
	ProviderKafka Provider = "kafka"
)

// Config selects and configures a backend.
type Config struct {
	Provider      Provider `json:"provider" validate:"oneof=gochannel kafka"`
	Brokers       []string `json:"brokers" validate:"required_if=Provider kafka"`
	ConsumerGroup string   `json:"consumer_group"`
}

// New returns a publisher and subscriber for cfg.Provider.
func New(cfg Config, logger *slog.Logger) (message.Publisher, message.Subscriber, error) {
	adapter := watermill.NewSlogLogger(logger)
	switch cfg.Provider {
	case ProviderGoChannel, "":
		ch := NewGoChannel(adapter)
		return ch, ch, nil
	case ProviderKafka:
		return NewKafka(cfg.Brokers, cfg.ConsumerGroup, adapter)
	default:
		return nil, nil, fmt.Errorf("unsupported channel provider %q", cfg.Provider)
	}
}
