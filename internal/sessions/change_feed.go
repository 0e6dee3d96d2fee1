package sessions

import (
	"sync"
)

const (
	topicPrefixSession  = "session:"
	topicPrefixDocument = "document:"
)

func sessionTopic(id SessionID) string {
	return topicPrefixSession + id.String()
}

func documentTopic(document DocumentRef) string {
	return topicPrefixDocument + document.String()
}

// changeFeed fans change signals out to subscribers keyed by topic.
// A signal carries no payload: subscribers re-read the store, so a pending
// signal already covers any later one and full buffers are skipped.
type changeFeed struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]chan struct{}
	nextID      int64
}

func newChangeFeed() *changeFeed {
	return &changeFeed{
		subscribers: make(map[string]map[int64]chan struct{}),
	}
}

func (f *changeFeed) subscribe(topic string) (<-chan struct{}, func()) {
	signals := make(chan struct{}, 1)
	f.mu.Lock()
	f.nextID++
	subscriberID := f.nextID
	if _, ok := f.subscribers[topic]; !ok {
		f.subscribers[topic] = make(map[int64]chan struct{})
	}
	f.subscribers[topic][subscriberID] = signals
	f.mu.Unlock()

	var once sync.Once
	return signals, func() {
		once.Do(func() {
			f.unsubscribe(topic, subscriberID)
		})
	}
}

func (f *changeFeed) publish(topics ...string) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, topic := range topics {
		for _, signals := range f.subscribers[topic] {
			select {
			case signals <- struct{}{}:
			default:
			}
		}
	}
}

func (f *changeFeed) subscriberCount(topic string) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subscribers[topic])
}

func (f *changeFeed) unsubscribe(topic string, subscriberID int64) {
	f.mu.Lock()
	subscribers := f.subscribers[topic]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(f.subscribers, topic)
		}
	}
	f.mu.Unlock()
}
