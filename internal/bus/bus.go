package bus

import (
	"log/slog"
	"sync"
	"time"

	"conductor/internal/logging"
)

const defaultProgressBacklog = 64

// Bus fans events out to subscribers. The zero value is not usable; construct
// with New.
type Bus struct {
	mu              sync.Mutex
	subs            map[*Subscription]struct{}
	logger          *slog.Logger
	progressBacklog int
	closed          bool
}

// Option customizes bus construction.
type Option func(*Bus)

// WithProgressBacklog bounds the per-subscriber backlog of progress-class
// events before the oldest is dropped.
func WithProgressBacklog(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.progressBacklog = n
		}
	}
}

// New constructs a bus. A nil logger suppresses drop warnings.
func New(logger *slog.Logger, opts ...Option) *Bus {
	if logger == nil {
		logger = logging.NewNop()
	}
	b := &Bus{
		subs:            make(map[*Subscription]struct{}),
		logger:          logging.NewComponentLogger(logger, "bus"),
		progressBacklog: defaultProgressBacklog,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish hands an event to every matching subscriber and returns without
// waiting for delivery. Events published after Close are discarded.
func (b *Bus) Publish(evt Event) {
	if b == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	subs := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.enqueue(evt)
	}
}

// Subscribe registers a consumer for the given event types; with no types it
// receives everything. The subscription sees only events published after this
// call.
func (b *Bus) Subscribe(name string, types ...string) *Subscription {
	sub := &Subscription{
		name:            name,
		bus:             b,
		ch:              make(chan Event),
		done:            make(chan struct{}),
		progressBacklog: b.progressBacklog,
	}
	sub.cond = sync.NewCond(&sub.mu)
	if len(types) > 0 {
		sub.types = make(map[string]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.closed = true
		close(sub.done)
		close(sub.ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go sub.pump()
	return sub
}

// Close shuts down the bus and every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = map[*Subscription]struct{}{}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	delete(b.subs, sub)
	b.mu.Unlock()
}

// Subscription is one consumer's view of the bus.
type Subscription struct {
	name            string
	bus             *Bus
	types           map[string]struct{}
	ch              chan Event
	done            chan struct{}
	progressBacklog int

	mu              sync.Mutex
	cond            *sync.Cond
	queue           []Event
	progressQueued  int
	droppedProgress uint64
	closed          bool
}

// Events returns the delivery channel. It closes when the subscription or the
// bus shuts down.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Dropped returns how many progress events were discarded under backlog
// pressure.
func (s *Subscription) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.droppedProgress
}

// Close detaches the subscription from the bus. Pending events are discarded
// and the Events channel closes.
func (s *Subscription) Close() {
	if s.bus != nil {
		s.bus.remove(s)
	}
	s.close()
}

func (s *Subscription) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	s.cond.Broadcast()
	s.mu.Unlock()
}

func (s *Subscription) wants(eventType string) bool {
	if s.types == nil {
		return true
	}
	_, ok := s.types[eventType]
	return ok
}

func (s *Subscription) enqueue(evt Event) {
	if !s.wants(evt.Type) {
		return
	}
	progress := ClassOf(evt.Type) == ClassProgress

	var (
		droppedType  string
		droppedTotal uint64
	)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if progress && s.progressQueued >= s.progressBacklog {
		for i, queued := range s.queue {
			if ClassOf(queued.Type) == ClassProgress {
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				s.progressQueued--
				s.droppedProgress++
				droppedType = queued.Type
				droppedTotal = s.droppedProgress
				break
			}
		}
	}
	s.queue = append(s.queue, evt)
	if progress {
		s.progressQueued++
	}
	s.cond.Signal()
	s.mu.Unlock()

	if droppedType != "" {
		s.logger().Warn(
			"subscriber backlog full, dropped oldest progress event",
			logging.String("subscriber", s.name),
			logging.String("event_type", droppedType),
			logging.Uint64("dropped_total", droppedTotal),
		)
	}
}

func (s *Subscription) logger() *slog.Logger {
	if s.bus != nil && s.bus.logger != nil {
		return s.bus.logger
	}
	return logging.NewNop()
}

func (s *Subscription) pump() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			close(s.ch)
			return
		}
		evt := s.queue[0]
		s.queue = s.queue[1:]
		if ClassOf(evt.Type) == ClassProgress {
			s.progressQueued--
		}
		s.mu.Unlock()

		select {
		case s.ch <- evt:
		case <-s.done:
			close(s.ch)
			return
		}
	}
}
