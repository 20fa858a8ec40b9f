// Package mqtttest provides an in-memory mqtt.Publisher.
package mqtttest

import (
	"sync"
)

// Message is one recorded publish.
type Message struct {
	Topic   string
	Payload string
	Retain  bool
}

// Recorder records every publish in order. When Fail is set, publishes for
// which it returns an error are not recorded.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
	Fail     func(topic string) error
}

func (r *Recorder) Publish(topic string, payload []byte, retain bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Fail != nil {
		if err := r.Fail(topic); err != nil {
			return err
		}
	}
	r.messages = append(r.messages, Message{Topic: topic, Payload: string(payload), Retain: retain})
	return nil
}

// Messages returns a copy of everything published so far.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}

// Topic returns the messages published to topic.
func (r *Recorder) Topic(topic string) []Message {
	var out []Message
	for _, m := range r.Messages() {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// Last returns the last message published to topic.
func (r *Recorder) Last(topic string) (Message, bool) {
	msgs := r.Topic(topic)
	if len(msgs) == 0 {
		return Message{}, false
	}
	return msgs[len(msgs)-1], true
}

// Reset forgets everything recorded so far.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = nil
}
