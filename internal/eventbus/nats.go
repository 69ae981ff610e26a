package eventbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/phillipcheng/claude-task-automation-server/internal/domain"
	"github.com/phillipcheng/claude-task-automation-server/internal/platform/config"
	"github.com/phillipcheng/claude-task-automation-server/internal/platform/logger"
)

// wireEvent is Event's transport encoding; Event itself is not marshaled
// directly since domain.Status and Kind are plain strings and Interaction
// already carries its own json tags.
type wireEvent struct {
	Kind        Kind                `json:"kind"`
	TaskID      string              `json:"task_id"`
	Interaction *domain.Interaction `json:"interaction,omitempty"`
	Status      domain.Status       `json:"status,omitempty"`
	Timestamp   time.Time           `json:"timestamp"`
}

// NATSBus fans local publishes out over a shared NATS subject so multiple
// process instances can serve subscribers for the same task, while keeping
// the teacher's bounded/drop-on-lag local delivery (MemoryBus) for the
// subscribers attached to this process. Grounded on
// apps/backend/internal/events/bus/nats.go's connection/reconnect handling.
type NATSBus struct {
	local *MemoryBus
	conn  *nats.Conn
	sub   *nats.Subscription
	log   *logger.Logger
}

var _ Bus = (*NATSBus)(nil)

const subjectPrefix = "taskengine.events."

// NewNATSBus connects to NATS and relays every message on this bus's subject
// tree into a local MemoryBus. An empty cfg.URL is a caller error — use
// NewMemoryBus directly instead, matching the teacher's own default of
// selecting the in-memory bus when NATS.URL is unset.
func NewNATSBus(cfg config.NATSConfig, log *logger.Logger) (*NATSBus, error) {
	if log == nil {
		log = logger.Default()
	}
	log = log.WithFields(zap.String("component", "eventbus"))

	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	bus := &NATSBus{local: NewMemoryBus(cfg.SubscriberBufferSize), conn: conn, log: log}

	sub, err := conn.Subscribe(subjectPrefix+">", bus.onMessage)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe to event subject tree: %w", err)
	}
	bus.sub = sub

	log.Info("connected to NATS event bus", zap.String("url", cfg.URL))
	return bus, nil
}

func (b *NATSBus) onMessage(msg *nats.Msg) {
	var we wireEvent
	if err := json.Unmarshal(msg.Data, &we); err != nil {
		b.log.Error("failed to unmarshal event", zap.Error(err))
		return
	}
	b.local.publish(Event{Kind: we.Kind, TaskID: we.TaskID, Interaction: we.Interaction, Status: we.Status, Timestamp: we.Timestamp})
}

func (b *NATSBus) publishWire(ev Event) {
	we := wireEvent{Kind: ev.Kind, TaskID: ev.TaskID, Interaction: ev.Interaction, Status: ev.Status, Timestamp: ev.Timestamp}
	data, err := json.Marshal(we)
	if err != nil {
		b.log.Error("failed to marshal event", zap.Error(err))
		return
	}
	if err := b.conn.Publish(subjectPrefix+ev.TaskID, data); err != nil {
		b.log.Error("failed to publish event", zap.String("task_id", ev.TaskID), zap.Error(err))
	}
}

func (b *NATSBus) Subscribe(taskID string) Subscription { return b.local.Subscribe(taskID) }

func (b *NATSBus) PublishInteraction(taskID string, interaction *domain.Interaction) {
	b.publishWire(Event{Kind: KindInteraction, TaskID: taskID, Interaction: interaction, Timestamp: interaction.Timestamp})
}

func (b *NATSBus) PublishStatusChange(taskID string, status domain.Status) {
	b.publishWire(Event{Kind: KindStatusChange, TaskID: taskID, Status: status, Timestamp: time.Now()})
}

func (b *NATSBus) CloseTask(taskID string) {
	b.publishWire(Event{Kind: KindTaskDeleted, TaskID: taskID, Timestamp: time.Now()})
	b.local.CloseTask(taskID)
}

func (b *NATSBus) Close() {
	_ = b.sub.Unsubscribe()
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
	b.local.Close()
}
