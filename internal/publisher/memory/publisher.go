// Package memory records published ingest events in memory for tests and
// local runs.
package memory

import (
	"context"
	"fmt"
	"sync"
)

// DefaultRetain bounds how many messages New keeps.
const DefaultRetain = 1000

// Publisher stores the most recent published payloads for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []PublishedMessage
	retain   int
	total    int
	err      error
}

// PublishedMessage captures one publish call.
type PublishedMessage struct {
	Topic   string
	Payload any
}

// New returns a memory Publisher that keeps the last DefaultRetain messages.
func New() *Publisher {
	return NewWithRetain(DefaultRetain)
}

// NewWithRetain keeps at most retain messages; older ones are dropped.
// retain <= 0 keeps everything.
func NewWithRetain(retain int) *Publisher {
	return &Publisher{retain: retain}
}

// FailWith makes every later Publish return err. Pass nil to recover.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Publish records the message and returns a pseudo ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", fmt.Errorf("publish to %s: %w", topic, p.err)
	}
	p.messages = append(p.messages, PublishedMessage{Topic: topic, Payload: payload})
	if p.retain > 0 && len(p.messages) > p.retain {
		p.messages = append(p.messages[:0:0], p.messages[len(p.messages)-p.retain:]...)
	}
	p.total++
	return fmt.Sprintf("memory-%d", p.total), nil
}

// Total counts every successful publish, including dropped ones.
func (p *Publisher) Total() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.total
}

// Messages returns the retained publishes, oldest first.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}

// ByTopic returns the payloads published to one topic, oldest first.
func (p *Publisher) ByTopic(topic string) []any {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []any
	for _, m := range p.messages {
		if m.Topic == topic {
			out = append(out, m.Payload)
		}
	}
	return out
}

// Close is a no-op so the type satisfies the same lifecycle as Pub/Sub.
func (p *Publisher) Close() error { return nil }
