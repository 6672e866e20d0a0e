package bus

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

type Message struct {
	Topic    string
	Key      []byte
	Envelope Envelope
}

// Memory delivers every published message synchronously to the handlers
// subscribed to its topic. Handler errors are logged, not returned, the same
// way a broker accepts a message regardless of what consumers do with it.
type Memory struct {
	log zerolog.Logger

	mu        sync.Mutex
	subs      map[string][]Handler
	failures  map[string]error
	published []Message
}

func NewMemory(log zerolog.Logger) *Memory {
	return &Memory{
		log:      log,
		subs:     map[string][]Handler{},
		failures: map[string]error{},
	}
}

func (m *Memory) Subscribe(topic string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[topic] = append(m.subs[topic], h)
}

// FailTopic makes every publish to topic fail with err until cleared with a nil err.
func (m *Memory) FailTopic(topic string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, topic)
		return
	}
	m.failures[topic] = err
}

func (m *Memory) Publish(ctx context.Context, topic string, key []byte, env Envelope) error {
	m.mu.Lock()
	if err := m.failures[topic]; err != nil {
		m.mu.Unlock()
		return err
	}
	m.published = append(m.published, Message{Topic: topic, Key: key, Envelope: env})
	handlers := append([]Handler(nil), m.subs[topic]...)
	m.mu.Unlock()

	for _, h := range handlers {
		if err := h(ctx, env); err != nil {
			m.log.Error().Err(err).
				Str("topic", topic).
				Str("event_id", env.EventID).
				Str("event_type", env.EventType).
				Msg("handler failed")
		}
	}
	return nil
}

// Published returns the messages accepted so far, optionally filtered by topic.
func (m *Memory) Published(topic string) []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Message
	for _, msg := range m.published {
		if topic == "" || msg.Topic == topic {
			out = append(out, msg)
		}
	}
	return out
}
