package domain

import (
	"context"
	"time"
)

// EventBus carries tenant-scoped events between the API, the batch
// worker and alert consumers.
type EventBus interface {
	Publish(ctx context.Context, tenantID string, topic string, payload []byte) error

	// Subscribe delivers every later message on topic for tenantID to
	// handler until the subscription is cancelled.
	Subscribe(ctx context.Context, tenantID string, topic string, handler MessageHandler) (Subscription, error)

	Ping(ctx context.Context) error
	Close() error
}

// MessageHandler processes incoming messages.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message represents an event message.
type Message struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenantId"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp int64             `json:"timestamp"`
}

type Subscription interface {
	Unsubscribe() error
	Topic() string
}

// EventBusConfig selects the bus implementation.
type EventBusConfig struct {
	// "channel" or "nats"
	Type string `yaml:"type" json:"type" env:"CHAINGUARD_BUS" env-default:"channel"`

	ChannelBufferSize int `yaml:"channelBufferSize" json:"channelBufferSize" env:"CHAINGUARD_BUS_BUFFER" env-default:"1000"`

	NATSUrl   string `yaml:"natsUrl" json:"natsUrl" env:"CHAINGUARD_NATS_URL" env-default:"nats://localhost:4222"`
	NATSToken string `yaml:"natsToken" json:"-" env:"CHAINGUARD_NATS_TOKEN"`

	// NATSMaxReconnects bounds both the initial dial attempts and
	// reconnects after a drop.
	NATSMaxReconnects int           `yaml:"natsMaxReconnects" json:"natsMaxReconnects" env:"CHAINGUARD_NATS_MAX_RECONNECTS" env-default:"10"`
	NATSReconnectWait time.Duration `yaml:"natsReconnectWait" json:"natsReconnectWait" env:"CHAINGUARD_NATS_RECONNECT_WAIT" env-default:"2s"`
}

// Standard topic names for the scoring pipeline.
const (
	TopicBatchSubmitted = "chainguard.batch.submitted"
	TopicRunCompleted   = "chainguard.run.completed"
	TopicAlert          = "chainguard.alert"
)

// BatchMessage is the payload of TopicBatchSubmitted.
type BatchMessage struct {
	RunID string           `json:"runId"`
	Rows  []TransactionRow `json:"rows"`
}

// RunCompletedMessage is the payload of TopicRunCompleted.
type RunCompletedMessage struct {
	RunID  string      `json:"runId"`
	Status RunStatus   `json:"status"`
	Cached bool        `json:"cached,omitempty"`
	Report BatchReport `json:"report"`
}

// AlertMessage is published once per assessment in the highest band.
type AlertMessage struct {
	RunID    string   `json:"runId"`
	TxID     string   `json:"txId"`
	RowIndex int      `json:"rowIndex"`
	Score    int      `json:"score"`
	Band     Band     `json:"band"`
	Summary  string   `json:"summary"`
	RuleIDs  []string `json:"ruleIds"`
}
