package memory

import (
	"sync"

	"github.com/kiarashjv/SaaS-LeadSystem/messaging"
)

type queue struct {
	name  string
	ready chan struct{}

	mu        sync.Mutex
	items     []Message
	consumers int
}

func newQueue(name string) *queue {
	return &queue{
		name:  name,
		ready: make(chan struct{}, 1),
	}
}

func (q *queue) push(msg Message) {
	q.mu.Lock()
	q.items = append(q.items, msg)
	q.mu.Unlock()
	q.signal()
}

// requeue puts msg back at the head, as the broker does for a nacked message
func (q *queue) requeue(msg Message) {
	q.mu.Lock()
	q.items = append([]Message{msg}, q.items...)
	q.mu.Unlock()
	q.signal()
}

func (q *queue) pop() (Message, bool) {
	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return Message{}, false
	}
	msg := q.items[0]
	q.items = q.items[1:]
	remaining := len(q.items)
	q.mu.Unlock()

	// wake a competing consumer for what is left
	if remaining > 0 {
		q.signal()
	}
	return msg, true
}

func (q *queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *queue) addConsumer(delta int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.consumers += delta
}

func (q *queue) stats() messaging.QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return messaging.QueueStats{Name: q.name, Messages: len(q.items), Consumers: q.consumers}
}

func (q *queue) snapshot() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Message, len(q.items))
	copy(out, q.items)
	return out
}
