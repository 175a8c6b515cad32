package docstore

import "sync"

// Topics announced by backends after a write.
func HistoryTopic(userID string) string { return "history:" + userID }

func SessionTopic(sessionID string) string { return "session:" + sessionID }

// Notifier fans topic wake-ups out to watchers.
//
// Wake-ups carry no data and coalesce: a subscriber that has not consumed
// the previous signal sees one signal for many publishes.
type Notifier struct {
	mu   sync.Mutex
	subs map[string]map[chan struct{}]struct{}
}

func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[string]map[chan struct{}]struct{})}
}

// Subscribe returns the wake-up channel for topic and its cancel func.
func (n *Notifier) Subscribe(topic string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	n.mu.Lock()
	set := n.subs[topic]
	if set == nil {
		set = make(map[chan struct{}]struct{})
		n.subs[topic] = set
	}
	set[ch] = struct{}{}
	n.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			delete(n.subs[topic], ch)
			if len(n.subs[topic]) == 0 {
				delete(n.subs, topic)
			}
		})
	}
}

// Publish wakes every subscriber of the given topics.
func (n *Notifier) Publish(topics ...string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, t := range topics {
		for ch := range n.subs[t] {
			signal(ch)
		}
	}
}

// PublishAll wakes every subscriber. Used after notifications may have been
// missed.
func (n *Notifier) PublishAll() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, set := range n.subs {
		for ch := range set {
			signal(ch)
		}
	}
}

// Subscribers returns the number of live subscriptions on topic.
func (n *Notifier) Subscribers(topic string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs[topic])
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
