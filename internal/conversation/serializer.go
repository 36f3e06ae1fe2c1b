package conversation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// DefaultLaneCapacity bounds the number of turns waiting per address.
const DefaultLaneCapacity = 64

var (
	ErrLaneFull         = errors.New("too many pending messages for address")
	ErrSerializerClosed = errors.New("serializer closed")
)

// Serializer runs submitted tasks one at a time per key, in submission order.
// A lane goroutine is started on the first task for a key and exits once the
// lane is empty.
type Serializer struct {
	mu       sync.Mutex
	lanes    map[string]*lane
	capacity int
	closed   bool
	wg       sync.WaitGroup
}

type lane struct {
	queue []func()
}

// NewSerializer creates a Serializer allowing capacity queued tasks per key.
func NewSerializer(capacity int) *Serializer {
	if capacity <= 0 {
		capacity = DefaultLaneCapacity
	}
	return &Serializer{lanes: make(map[string]*lane), capacity: capacity}
}

// Submit queues fn on key's lane.
func (s *Serializer) Submit(key string, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSerializerClosed
	}
	l, ok := s.lanes[key]
	if !ok {
		l = &lane{}
		s.lanes[key] = l
		s.wg.Add(1)
		defer func() { go s.run(key, l) }()
	}
	if len(l.queue) >= s.capacity {
		return ErrLaneFull
	}
	l.queue = append(l.queue, fn)
	return nil
}

// Do runs fn on key's lane and waits for it. When ctx ends first Do returns
// ctx.Err() and fn still runs in its turn.
func (s *Serializer) Do(ctx context.Context, key string, fn func()) error {
	done := make(chan struct{})
	if err := s.Submit(key, func() {
		defer close(done)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Serializer) run(key string, l *lane) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		if len(l.queue) == 0 {
			delete(s.lanes, key)
			s.mu.Unlock()
			return
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		s.mu.Unlock()
		s.exec(key, fn)
	}
}

func (s *Serializer) exec(key string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Serializer.exec: task panicked", "key", key, "panic", r)
		}
	}()
	fn()
}

// Lanes returns the number of keys with running or pending tasks.
func (s *Serializer) Lanes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lanes)
}

// Close rejects new tasks and waits for queued ones to finish.
func (s *Serializer) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wg.Wait()
}
