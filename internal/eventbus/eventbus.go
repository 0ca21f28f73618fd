// Package eventbus implements the Event Bus adapter (spec.md §4.F): an
// in-process publish-subscribe hub local to one interactive Job. The
// source this system was distilled from uses a runtime-reflective emitter;
// this is the typed-hub redesign spec.md §9 calls for — a hub of topic to
// subscriber channel with message-passing semantics, so the Job can stay
// transport-agnostic and simply publish to its own bus.
package eventbus

import "sync"

// Topic identifies one of the bus's fixed channels.
type Topic string

const (
	TopicStdout Topic = "stdout"
	TopicStderr Topic = "stderr"
	TopicStage  Topic = "stage"
	TopicExit   Topic = "exit"
	TopicStdin  Topic = "stdin"
	TopicSignal Topic = "signal"
)

// Event is one message published on the bus.
type Event struct {
	Topic Topic
	Data  any
}

// subscriber is a bounded delivery channel. Publish drops the event for a
// subscriber whose channel is full rather than blocking the publisher —
// a slow consumer must not stall the Job, mirroring the Supervisor's own
// never-block-the-producer rule in spec.md §4.C.
type subscriber struct {
	ch chan Event
}

// Bus is a single interactive Job's event hub. Delivery is synchronous
// within one consumer's read order; subscribers added after an event was
// published are not replayed it.
type Bus struct {
	mu   sync.RWMutex
	subs map[Topic][]*subscriber
}

func New() *Bus {
	return &Bus{subs: make(map[Topic][]*subscriber)}
}

// Subscribe returns a channel that receives every future Publish for
// topic, buffered so a burst of output does not force the publisher to
// block. Callers must drain it; Unsubscribe to stop.
func (b *Bus) Subscribe(topic Topic, buffer int) <-chan Event {
	return b.SubscribeTopics([]Topic{topic}, buffer)
}

// SubscribeTopics returns a single channel fed by every topic listed, in
// the order Publish was called across all of them. A consumer that needs
// a cross-topic ordering guarantee (e.g. spec.md §5/§8's "stage strictly
// precedes data, which precedes exit") must subscribe this way rather
// than selecting across one channel per topic: separate channels give Go's
// select no way to prefer the one that was published first, since each
// Publish call only fills its own topic's subscribers and the consumer's
// select race is resolved independently of call order.
func (b *Bus) SubscribeTopics(topics []Topic, buffer int) <-chan Event {
	if buffer <= 0 {
		buffer = 32
	}
	sub := &subscriber{ch: make(chan Event, buffer)}
	b.mu.Lock()
	for _, topic := range topics {
		b.subs[topic] = append(b.subs[topic], sub)
	}
	b.mu.Unlock()
	return sub.ch
}

// Unsubscribe removes ch from topic. If ch was registered under other
// topics too (via SubscribeTopics), those registrations are left alone
// and the channel is only closed once every topic it was subscribed to
// has been unsubscribed.
func (b *Bus) Unsubscribe(topic Topic, ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[topic]
	for i, s := range subs {
		if s.ch == ch {
			b.subs[topic] = append(subs[:i], subs[i+1:]...)
			if !b.stillRegistered(s) {
				close(s.ch)
			}
			return
		}
	}
}

// stillRegistered reports whether s appears under any remaining topic.
// Callers must hold b.mu.
func (b *Bus) stillRegistered(s *subscriber) bool {
	for _, subs := range b.subs {
		for _, other := range subs {
			if other == s {
				return true
			}
		}
	}
	return false
}

// Publish delivers an event to every current subscriber of topic.
func (b *Bus) Publish(topic Topic, data any) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ev := Event{Topic: topic, Data: data}
	for _, s := range b.subs[topic] {
		select {
		case s.ch <- ev:
		default:
		}
	}
}

// Close closes every subscriber channel across every topic. The transport
// adapter calls it once when the interactive session ends (just before the
// Job's Cleanup) so no subsequent events can be emitted, per spec.md §5's
// cancellation contract. A subscriber shared
// across multiple topics via SubscribeTopics is closed only once.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	closed := make(map[*subscriber]bool)
	for topic, subs := range b.subs {
		for _, s := range subs {
			if !closed[s] {
				close(s.ch)
				closed[s] = true
			}
		}
		delete(b.subs, topic)
	}
}

// StdoutSink adapts a Bus to the supervisor.EventSink interface so a
// running phase's output is republished live.
type StdoutSink struct {
	Bus *Bus
}

func (s *StdoutSink) OnChunk(stream string, data []byte) {
	topic := TopicStdout
	if stream == "stderr" {
		topic = TopicStderr
	}
	s.Bus.Publish(topic, append([]byte(nil), data...))
}
