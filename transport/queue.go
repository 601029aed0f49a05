package transport

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
)

// Queue buffers messages for one subscription so the producer never blocks
// on a slow handler. Run hands them out one at a time.
type Queue struct {
	wake chan struct{}

	mu      sync.Mutex
	pending []*message.Message
}

func NewQueue() *Queue {
	return &Queue{wake: make(chan struct{}, 1)}
}

// Push appends msg. It never blocks.
func (q *Queue) Push(msg *message.Message) {
	q.mu.Lock()
	q.pending = append(q.pending, msg)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Len returns the number of messages not yet handed out.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) next() *message.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil
	}
	msg := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	return msg
}

// Run sends queued messages to out and waits for each to be acked or nacked
// before sending the next. onNack may be nil. out is closed when ctx is done
// or stop is closed.
func (q *Queue) Run(ctx context.Context, stop <-chan struct{}, out chan<- *message.Message, onNack func(*message.Message)) {
	defer close(out)
	for {
		msg := q.next()
		if msg == nil {
			select {
			case <-q.wake:
				continue
			case <-ctx.Done():
				return
			case <-stop:
				return
			}
		}

		select {
		case out <- msg:
		case <-ctx.Done():
			return
		case <-stop:
			return
		}

		select {
		case <-msg.Acked():
		case <-msg.Nacked():
			if onNack != nil {
				onNack(msg)
			}
		case <-ctx.Done():
			return
		case <-stop:
			return
		}
	}
}
