package gamestore

import (
	"context"
	"errors"
	"sync"
)

const brokerBuffer = 32

// Broker is an in-process PubSub used by backends whose storage engine has no
// native publish/subscribe. Delivery reaches every subscriber registered at
// publish time; a subscriber whose buffer is full misses the message rather
// than block the publisher.
type Broker struct {
	mu     sync.Mutex
	subs   map[string][]*brokerSub
	closed bool
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[string][]*brokerSub)}
}

// Publish delivers payload to all current subscribers of channel.
func (b *Broker) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	subs := make([]*brokerSub, len(b.subs[channel]))
	copy(subs, b.subs[channel])
	b.mu.Unlock()

	msg := Message{Channel: channel, Payload: payload}
	for _, sub := range subs {
		sub.send(msg)
	}
	return nil
}

// Subscribe registers a new subscription on channel.
func (b *Broker) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.New("gamestore: broker closed")
	}
	sub := &brokerSub{
		broker:  b,
		channel: channel,
		ch:      make(chan Message, brokerBuffer),
	}
	b.subs[channel] = append(b.subs[channel], sub)
	return sub, nil
}

// Close terminates every live subscription and rejects new ones.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.closeChan()
		}
	}
	b.subs = make(map[string][]*brokerSub)
	return nil
}

type brokerSub struct {
	broker  *Broker
	channel string
	ch      chan Message
	once    sync.Once
}

func (s *brokerSub) C() <-chan Message { return s.ch }

func (s *brokerSub) send(msg Message) {
	defer func() {
		// Close can race a publish; a send on the closed channel counts
		// as a missed delivery.
		_ = recover()
	}()
	select {
	case s.ch <- msg:
	default:
	}
}

func (s *brokerSub) Close() error {
	s.broker.mu.Lock()
	subs := s.broker.subs[s.channel]
	for i, sub := range subs {
		if sub == s {
			s.broker.subs[s.channel] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	s.broker.mu.Unlock()
	s.closeChan()
	return nil
}

func (s *brokerSub) closeChan() {
	s.once.Do(func() { close(s.ch) })
}
