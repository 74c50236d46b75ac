// Package broker is the process-wide publish/subscribe hub for task
// mutation events. Delivery is fire-and-forget: publish never blocks,
// never retries, and keeps no backlog.
package broker

import (
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"crewboard/internal/domain"
)

// Event types pushed to subscribers.
const (
	EventTaskCreated = "task_created"
	EventTaskUpdated = "task_updated"
	EventTaskDeleted = "task_deleted"
)

// ScopeAll delivers to every subscriber regardless of room membership.
const ScopeAll = "*"

// Event is a broadcast notification. Payload is a TaskView for created and
// updated events; deleted events carry only the task id.
type Event struct {
	Type   string
	Task   *domain.TaskView
	TaskID string
}

// Payload returns the wire body for the event.
func (ev Event) Payload() any {
	if ev.Type == EventTaskDeleted {
		return map[string]string{"id": ev.TaskID}
	}
	return ev.Task
}

// Publisher is the engine's view of the hub.
type Publisher interface {
	Publish(scope string, ev Event)
}

const subscriberBuffer = 16

type subscriber struct {
	ch    chan Event
	rooms map[string]struct{}
}

// Hub tracks connected subscribers keyed by connection id.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]*subscriber
	logger *log.Logger
}

func NewHub(logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Hub{
		subs:   make(map[string]*subscriber),
		logger: logger,
	}
}

// Subscription is a live connection to the hub. Events arrives on C until
// the subscription is removed with Unsubscribe.
type Subscription struct {
	ID string
	C  <-chan Event
}

// Subscribe registers a new connection and returns its id and channel.
func (h *Hub) Subscribe() Subscription {
	id := uuid.New().String()
	sub := &subscriber{
		ch:    make(chan Event, subscriberBuffer),
		rooms: make(map[string]struct{}),
	}
	h.mu.Lock()
	h.subs[id] = sub
	h.mu.Unlock()
	h.logger.WithField("connection_id", id).Debug("subscriber joined")
	return Subscription{ID: id, C: sub.ch}
}

// Unsubscribe drops the connection. Its channel is closed; no other
// cleanup side effects.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	h.mu.Unlock()
	if ok {
		close(sub.ch)
		h.logger.WithField("connection_id", id).Debug("subscriber left")
	}
}

// Join adds the connection to a named room. Unknown connection ids are
// reported so callers can 404.
func (h *Hub) Join(id, room string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub, ok := h.subs[id]
	if !ok {
		return false
	}
	sub.rooms[room] = struct{}{}
	return true
}

// Leave removes the connection from a room.
func (h *Hub) Leave(id, room string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub, ok := h.subs[id]
	if !ok {
		return false
	}
	delete(sub.rooms, room)
	return true
}

// Publish fans the event out to subscribers in scope, in arrival order.
// Subscribers with full buffers are skipped; the event is lost for them.
func (h *Hub) Publish(scope string, ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, sub := range h.subs {
		if scope != ScopeAll {
			if _, ok := sub.rooms[scope]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- ev:
		default:
			h.logger.WithFields(log.Fields{
				"connection_id": id,
				"event":         ev.Type,
			}).Warn("subscriber buffer full, event dropped")
		}
	}
}

// Len reports the current subscriber count.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
