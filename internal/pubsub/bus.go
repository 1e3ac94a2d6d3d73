package pubsub

import "reflect"

// Message is a free-form application message.
type Message = map[string]any

// Bus routes messages to subscribers by pattern.
type Bus struct {
	topic *Topic[Message]
}

// NewBus creates an open bus.
func NewBus() *Bus {
	return &Bus{topic: NewTopic[Message]()}
}

// Publish sends msg to every subscriber whose pattern it matches.
func (b *Bus) Publish(msg Message) int {
	return b.topic.Publish(msg)
}

// Subscribe returns messages matching pattern. An empty pattern matches
// everything.
func (b *Bus) Subscribe(pattern Message) *Subscription[Message] {
	return b.topic.Subscribe(func(m Message) bool { return Match(pattern, m) })
}

// Close ends every subscription.
func (b *Bus) Close() {
	b.topic.Close()
}

// Match reports whether every key of pattern is present in msg with an
// equal value. Nested objects match recursively by the same rule.
func Match(pattern, msg Message) bool {
	for k, want := range pattern {
		got, ok := msg[k]
		if !ok {
			return false
		}
		wantObj, wantIsObj := want.(map[string]any)
		gotObj, gotIsObj := got.(map[string]any)
		switch {
		case wantIsObj && gotIsObj:
			if !Match(wantObj, gotObj) {
				return false
			}
		case wantIsObj || gotIsObj:
			return false
		case !equal(want, got):
			return false
		}
	}
	return true
}

// equal compares scalars and slices, treating all numbers by value so a
// pattern decoded from JSON matches a message built in Go.
func equal(a, b any) bool {
	if fa, ok := number(a); ok {
		fb, ok := number(b)
		return ok && fa == fb
	}
	return reflect.DeepEqual(a, b)
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint:
		return float64(n), true
	}
	return 0, false
}
