package broker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"crewboard/internal/domain"
)

// DefaultChannel is the Redis channel events are mirrored on.
const DefaultChannel = "crewboard:events"

// wireEvent is the cross-instance representation of an Event. Origin lets a
// bridge skip events it published itself.
type wireEvent struct {
	Origin string           `json:"origin"`
	Scope  string           `json:"scope"`
	Type   string           `json:"type"`
	Task   *domain.TaskView `json:"task,omitempty"`
	TaskID string           `json:"task_id,omitempty"`
}

// Bridge mirrors hub events across instances through a Redis channel.
// Local delivery stays synchronous; remote delivery is best-effort like
// everything else in this package.
type Bridge struct {
	hub      *Hub
	client   *redis.Client
	channel  string
	instance string
	logger   *log.Logger
}

// NewBridge wraps a hub with Redis fan-out. Call Run to start receiving.
func NewBridge(hub *Hub, client *redis.Client, channel string, logger *log.Logger) *Bridge {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Bridge{
		hub:      hub,
		client:   client,
		channel:  channel,
		instance: uuid.New().String(),
		logger:   logger,
	}
}

// Publish delivers locally and mirrors to Redis.
func (b *Bridge) Publish(scope string, ev Event) {
	b.hub.Publish(scope, ev)
	data, err := json.Marshal(wireEvent{
		Origin: b.instance,
		Scope:  scope,
		Type:   ev.Type,
		Task:   ev.Task,
		TaskID: ev.TaskID,
	})
	if err != nil {
		b.logger.WithError(err).Error("marshal wire event")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		b.logger.WithError(err).Warn("redis publish failed, event delivered locally only")
	}
}

// Run subscribes to the Redis channel and republishes remote events into
// the local hub until ctx is canceled. Reconnects on channel closure.
func (b *Bridge) Run(ctx context.Context) {
	for {
		sub := b.client.Subscribe(ctx, b.channel)
		ch := sub.Channel()
	recv:
		for {
			select {
			case <-ctx.Done():
				sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				var ev wireEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					b.logger.WithError(err).Error("unable to parse wire event")
					continue
				}
				if ev.Origin == b.instance {
					continue
				}
				b.hub.Publish(ev.Scope, Event{Type: ev.Type, Task: ev.Task, TaskID: ev.TaskID})
			}
		}
		sub.Close()
		if ctx.Err() != nil {
			return
		}
		b.logger.Error("pubsub channel closed, reconnecting")
		time.Sleep(time.Second)
	}
}
