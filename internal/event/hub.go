// Package event fans core events (registrations, finished bonus runs,
// approvals) out to in-process subscribers such as the notification mailer.
package event

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

const SubscriberQueueSize = 10

type Topic string

const (
	TopicMemberRegistered Topic = "member.registered"
	TopicBonusRunFinished Topic = "bonus.run.finished"
	TopicBonusApproved    Topic = "bonus.approved"
	TopicBonusRejected    Topic = "bonus.rejected"
)

type Event struct {
	Topic     Topic     `json:"topic"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Publisher is what producers depend on.
type Publisher interface {
	Publish(topic Topic, data any)
}

type Hub struct {
	mu          sync.RWMutex
	subscribers map[Topic][]chan Event
	closed      bool
	handlers    sync.WaitGroup
	logger      *zap.Logger

	published *prometheus.CounterVec
	dropped   *prometheus.CounterVec
}

// NewHub creates a hub. A nil registry disables metrics.
func NewHub(logger *zap.Logger, promRegistry prometheus.Registerer) *Hub {
	h := &Hub{
		subscribers: make(map[Topic][]chan Event),
		logger:      logger,
	}
	if promRegistry != nil {
		factory := promauto.With(promRegistry)
		h.published = factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mlm_events_published_total",
			Help: "events delivered to subscribers",
		}, []string{"topic"})
		h.dropped = factory.NewCounterVec(prometheus.CounterOpts{
			Name: "mlm_events_dropped_total",
			Help: "events dropped because a subscriber queue was full",
		}, []string{"topic"})
	}
	return h
}

func (h *Hub) Subscribe(topic Topic) <-chan Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Event, SubscriberQueueSize)
	if h.closed {
		close(ch)
		return ch
	}
	h.subscribers[topic] = append(h.subscribers[topic], ch)
	return ch
}

// SubscribeFunc runs fn for each event on its own goroutine until Close.
func (h *Hub) SubscribeFunc(topic Topic, fn func(Event)) {
	ch := h.Subscribe(topic)
	h.handlers.Add(1)
	go func() {
		defer h.handlers.Done()
		for evt := range ch {
			h.safeCall(fn, evt)
		}
	}()
}

func (h *Hub) safeCall(fn func(Event), evt Event) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("event handler panicked", zap.String("topic", string(evt.Topic)), zap.Any("panic", r))
		}
	}()
	fn(evt)
}

// Publish never blocks: a full subscriber queue drops the event.
func (h *Hub) Publish(topic Topic, data any) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}

	evt := Event{Topic: topic, Timestamp: time.Now(), Data: data}
	for _, ch := range h.subscribers[topic] {
		select {
		case ch <- evt:
			if h.published != nil {
				h.published.WithLabelValues(string(topic)).Inc()
			}
		default:
			if h.dropped != nil {
				h.dropped.WithLabelValues(string(topic)).Inc()
			}
			h.logger.Warn("event dropped, subscriber queue full", zap.String("topic", string(topic)))
		}
	}
}

// Close closes every subscriber channel and waits for SubscribeFunc handlers.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	for _, subs := range h.subscribers {
		for _, ch := range subs {
			close(ch)
		}
	}
	h.subscribers = nil
	h.mu.Unlock()
	h.handlers.Wait()
}
