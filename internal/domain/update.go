package domain

import "sync"

// UpdateKind discriminates change notifications broadcast on entity mutation.
type UpdateKind string

const (
	UpdateAdd    UpdateKind = "add"
	UpdateChange UpdateKind = "update"
	UpdateDelete UpdateKind = "delete"
)

// JobUpdate is emitted once per successful job store mutation.
type JobUpdate struct {
	Kind UpdateKind `json:"kind"`
	Job  JobView    `json:"job"`
}

// WorkerUpdate is emitted whenever a worker session changes state.
type WorkerUpdate struct {
	Kind   UpdateKind `json:"kind"`
	Worker WorkerView `json:"worker"`
}

// Feed is an in-process broadcast channel for change notifications. Values
// are published in emission order; a subscriber that falls behind its buffer
// misses updates rather than blocking the publisher, so consumers that need
// completeness must pair the feed with a periodic reconciliation pass.
type Feed[T any] struct {
	mu   sync.Mutex
	next int
	subs map[int]chan T
}

func NewFeed[T any]() *Feed[T] {
	return &Feed[T]{subs: make(map[int]chan T)}
}

// Subscribe registers a new listener. The returned cancel func releases the
// subscription and closes the channel.
func (f *Feed[T]) Subscribe() (<-chan T, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.next
	f.next++
	ch := make(chan T, 256)
	f.subs[id] = ch
	cancel := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if c, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// Publish delivers v to every subscriber that has buffer room.
func (f *Feed[T]) Publish(v T) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- v:
		default:
		}
	}
}
