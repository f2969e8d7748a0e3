// Package pubsub fans out state changes of quotes and proofs
// to the websocket subscriptions interested in them.
package pubsub

import (
	"sync"

	"github.com/google/uuid"
)

type Message struct {
	topic   string
	payload []byte
}

func NewMessage(msg []byte, topic string) *Message {
	return &Message{
		topic:   topic,
		payload: msg,
	}
}

func (m *Message) Topic() string {
	return m.topic
}

func (m *Message) Payload() []byte {
	return m.payload
}

type Subscribers map[string]*Subscriber

type PubSub struct {
	topics map[string]Subscribers
	mu     sync.RWMutex
}

func NewPubSub() *PubSub {
	return &PubSub{
		topics: make(map[string]Subscribers),
	}
}

func (b *PubSub) Subscribe(topic string) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.topics[topic] == nil {
		b.topics[topic] = make(Subscribers)
	}
	s := NewSubscriber()
	b.topics[topic][s.id] = s

	return s
}

func (b *PubSub) Unsubscribe(s *Subscriber, topic string) {
	b.mu.Lock()
	delete(b.topics[topic], s.id)
	if len(b.topics[topic]) == 0 {
		delete(b.topics, topic)
	}
	b.mu.Unlock()
}

// Publish does not block on slow subscribers.
func (b *PubSub) Publish(topic string, msg []byte) {
	b.mu.RLock()
	subscribers := make([]*Subscriber, 0, len(b.topics[topic]))
	for _, s := range b.topics[topic] {
		subscribers = append(subscribers, s)
	}
	b.mu.RUnlock()

	m := NewMessage(msg, topic)
	for _, s := range subscribers {
		go s.signal(m)
	}
}

type Subscriber struct {
	id       string
	messages chan *Message
	active   bool
	mu       sync.RWMutex
}

func NewSubscriber() *Subscriber {
	return &Subscriber{
		id:       uuid.NewString(),
		messages: make(chan *Message, 16),
		active:   true,
	}
}

func (s *Subscriber) Id() string {
	return s.id
}

func (s *Subscriber) signal(msg *Message) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.active {
		return
	}
	select {
	case s.messages <- msg:
	default:
		// buffer full. The subscriber is not keeping up
	}
}

func (s *Subscriber) GetMessages() <-chan *Message {
	return s.messages
}

func (s *Subscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return
	}
	s.active = false
	close(s.messages)
}
