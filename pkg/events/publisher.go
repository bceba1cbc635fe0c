package events

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// EventType represents the type of event
type EventType string

// Define event types
const (
	EventSessionCreated EventType = "SESSION_CREATED"
	EventPlayerJoined   EventType = "PLAYER_JOINED"
	EventPlayerLeft     EventType = "PLAYER_LEFT"
	EventMoveApplied    EventType = "MOVE_APPLIED"
	EventMoveUndone     EventType = "MOVE_UNDONE"
	EventDrawOffered    EventType = "DRAW_OFFERED"
	EventGameOver       EventType = "GAME_OVER"
	EventChatPosted     EventType = "CHAT_POSTED"
	EventEngineFailed   EventType = "ENGINE_FAILED"
	EventSessionEvicted EventType = "SESSION_EVICTED"

	EventConnectionClosed EventType = "CONNECTION_CLOSED"
)

// allEvents is the key for handlers and watchers that want every event.
const allEvents = "*"

// Event represents an event in the system
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	Seq       uint64    `json:"seq"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// Origin is set on events relayed from another node.
	Origin string `json:"origin,omitempty"`
}

// Handler is a function that processes events
type Handler func(event Event)

// Publisher is the central event publisher.
//
// Handlers run on their own goroutine per event. Watchers receive events on
// a buffered channel in publish order; a watcher whose buffer is full is
// dropped and its channel closed, so Publish never blocks.
type Publisher struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
	watchers map[string]map[*Subscription]struct{}

	logger *zap.Logger
}

// NewPublisher creates a new event publisher
func NewPublisher(logger *zap.Logger) *Publisher {
	return &Publisher{
		handlers: make(map[EventType][]Handler),
		watchers: make(map[string]map[*Subscription]struct{}),
		logger:   logger,
	}
}

// Subscribe registers a handler for a specific event type
func (p *Publisher) Subscribe(eventType EventType, handler Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.handlers[eventType] = append(p.handlers[eventType], handler)
}

// SubscribeAll registers a handler for all event types
func (p *Publisher) SubscribeAll(handler Handler) {
	p.Subscribe(allEvents, handler)
}

// Watch returns an ordered stream of the events of one session. An empty
// sessionID watches every session.
func (p *Publisher) Watch(sessionID string, buffer int) *Subscription {
	if sessionID == "" {
		sessionID = allEvents
	}
	if buffer <= 0 {
		buffer = 1
	}

	sub := &Subscription{
		sessionID: sessionID,
		ch:        make(chan Event, buffer),
		publisher: p,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	set, ok := p.watchers[sessionID]
	if !ok {
		set = make(map[*Subscription]struct{})
		p.watchers[sessionID] = set
	}
	set[sub] = struct{}{}

	return sub
}

// Watchers returns the number of live watchers of a session.
func (p *Publisher) Watchers(sessionID string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return len(p.watchers[sessionID])
}

// Publish broadcasts an event to all subscribers including "all events"
// handlers and watchers.
func (p *Publisher) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	var slow []*Subscription

	p.mu.RLock()
	handlers := p.handlers[event.Type]
	allHandlers := p.handlers[allEvents]

	for _, key := range []string{event.SessionID, allEvents} {
		if key == "" {
			continue
		}
		for sub := range p.watchers[key] {
			select {
			case sub.ch <- event:
			default:
				slow = append(slow, sub)
			}
		}
	}
	p.mu.RUnlock()

	for _, sub := range slow {
		p.logger.Warn("dropping slow watcher",
			zap.String("session_id", sub.sessionID),
			zap.String("event", string(event.Type)))
		sub.dropped.Store(true)
		p.remove(sub)
	}

	for _, handler := range handlers {
		go handler(event)
	}

	for _, handler := range allHandlers {
		go handler(event)
	}
}

// remove detaches sub and closes its channel. Sends happen under the read
// lock, so closing under the write lock cannot race with them.
func (p *Publisher) remove(sub *Subscription) {
	p.mu.Lock()
	defer p.mu.Unlock()

	set, ok := p.watchers[sub.sessionID]
	if !ok {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}

	delete(set, sub)
	if len(set) == 0 {
		delete(p.watchers, sub.sessionID)
	}
	close(sub.ch)
}

// Subscription is a watcher registered with Watch.
type Subscription struct {
	sessionID string
	ch        chan Event
	publisher *Publisher
	dropped   atomic.Bool
}

// Events returns the event stream. It is closed by Close or when the
// watcher falls behind.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// SessionID returns the watched session, or "*" for all sessions.
func (s *Subscription) SessionID() string {
	return s.sessionID
}

// Dropped reports whether the publisher closed the stream because the
// watcher fell behind.
func (s *Subscription) Dropped() bool {
	return s.dropped.Load()
}

// Close stops the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.publisher.remove(s)
}
