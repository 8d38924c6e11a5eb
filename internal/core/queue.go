package core

import "github.com/restocktime/nfl-ncaa-analytics-sub019/internal/messaging"

// OutboundQueue is a fixed-capacity FIFO of messages whose direct write
// failed. Pushing onto a full queue evicts the oldest entry, so memory per
// connection stays bounded whatever the producer rate.
//
// Not safe for concurrent use; the hub goroutine owns every queue.
type OutboundQueue struct {
	buf  []*messaging.Outbound
	head int
	size int
}

func NewOutboundQueue(capacity int) *OutboundQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &OutboundQueue{buf: make([]*messaging.Outbound, capacity)}
}

// Push appends msg. When the queue is full the oldest message is dropped
// and returned.
func (q *OutboundQueue) Push(msg *messaging.Outbound) (evicted *messaging.Outbound) {
	if q.size == len(q.buf) {
		evicted = q.buf[q.head]
		q.buf[q.head] = msg
		q.head = (q.head + 1) % len(q.buf)
		return evicted
	}
	q.buf[(q.head+q.size)%len(q.buf)] = msg
	q.size++
	return nil
}

// Peek returns the oldest message without removing it.
func (q *OutboundQueue) Peek() (*messaging.Outbound, bool) {
	if q.size == 0 {
		return nil, false
	}
	return q.buf[q.head], true
}

// Pop removes and returns the oldest message.
func (q *OutboundQueue) Pop() (*messaging.Outbound, bool) {
	if q.size == 0 {
		return nil, false
	}
	msg := q.buf[q.head]
	q.buf[q.head] = nil
	q.head = (q.head + 1) % len(q.buf)
	q.size--
	return msg, true
}

func (q *OutboundQueue) Len() int { return q.size }

func (q *OutboundQueue) Cap() int { return len(q.buf) }

// Clear drops every queued message.
func (q *OutboundQueue) Clear() {
	for i := range q.buf {
		q.buf[i] = nil
	}
	q.head = 0
	q.size = 0
}
