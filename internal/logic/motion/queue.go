package motion

import "sync/atomic"

// DefaultQueueSize is the number of pending azimuth moves kept when the
// configuration does not say otherwise.
const DefaultQueueSize = 10

// MoveCommand is one relative azimuth move: the sign is the direction,
// the magnitude the number of steps.
type MoveCommand struct {
	Amount int
}

// Queue is a bounded FIFO of pending moves between the command producers
// and the motion task.
//
// Producers are never stalled: when the queue is full the newest move is
// dropped and counted. The consumer side blocks until a move arrives.
type Queue struct {
	ch      chan MoveCommand
	dropped atomic.Uint64
}

// NewQueue creates a queue holding at most capacity moves.
// capacity <= 0 uses DefaultQueueSize.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueSize
	}
	return &Queue{ch: make(chan MoveCommand, capacity)}
}

// Enqueue adds cmd without blocking. It returns false if the queue was
// full and cmd was discarded.
func (q *Queue) Enqueue(cmd MoveCommand) bool {
	select {
	case q.ch <- cmd:
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

// Dequeue waits, without timeout, for the oldest pending move. It is the
// blocking form of recv, for consumers that never stop.
func (q *Queue) Dequeue() MoveCommand {
	return <-q.recv()
}

// recv exposes the consumer side so a receive can be selected together
// with cancellation.
func (q *Queue) recv() <-chan MoveCommand {
	return q.ch
}

// Len returns the number of pending moves.
func (q *Queue) Len() int { return len(q.ch) }

// Cap returns the queue capacity.
func (q *Queue) Cap() int { return cap(q.ch) }

// Dropped returns how many moves were discarded because the queue was full.
func (q *Queue) Dropped() uint64 { return q.dropped.Load() }
