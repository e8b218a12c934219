package services

import (
	"sync"

	"github.com/netly/fleet/internal/domain"
	"github.com/netly/fleet/internal/infrastructure/logger"
)

// EventBus fans execution events out to subscribers. Every subscriber owns an
// unbounded FIFO mailbox drained by its own goroutine, so Publish never
// blocks and a slow subscriber only delays itself.
type EventBus struct {
	mu     sync.Mutex
	byExec map[string]map[uint64]*Subscription
	all    map[uint64]*Subscription
	nextID uint64
	logger *logger.Logger
}

func NewEventBus(log *logger.Logger) *EventBus {
	if log == nil {
		log = logger.NewNop()
	}
	return &EventBus{
		byExec: make(map[string]map[uint64]*Subscription),
		all:    make(map[uint64]*Subscription),
		logger: log,
	}
}

// Subscribe registers for the events of one execution. The channel is closed
// after the execution-completed event has been delivered or on Close.
func (b *EventBus) Subscribe(executionID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := b.newSubscription(executionID)
	subs := b.byExec[executionID]
	if subs == nil {
		subs = make(map[uint64]*Subscription)
		b.byExec[executionID] = subs
	}
	subs[sub.id] = sub
	return sub
}

// SubscribeAll registers for every event of every execution.
func (b *EventBus) SubscribeAll() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := b.newSubscription("")
	b.all[sub.id] = sub
	return sub
}

func (b *EventBus) newSubscription(executionID string) *Subscription {
	b.nextID++
	sub := &Subscription{
		id:          b.nextID,
		executionID: executionID,
		bus:         b,
		out:         make(chan domain.ExecutionEvent),
		notify:      make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	go sub.pump()
	return sub
}

func (b *EventBus) Publish(ev domain.ExecutionEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.byExec[ev.ExecutionID] {
		sub.enqueue(ev)
	}
	for _, sub := range b.all {
		sub.enqueue(ev)
	}
	if ev.IsFinal() {
		delete(b.byExec, ev.ExecutionID)
	}
}

// SubscriberCount returns the number of live subscriptions for an execution.
func (b *EventBus) SubscriberCount(executionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.byExec[executionID])
}

func (b *EventBus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if sub.executionID == "" {
		delete(b.all, sub.id)
		return
	}
	if subs := b.byExec[sub.executionID]; subs != nil {
		delete(subs, sub.id)
		if len(subs) == 0 {
			delete(b.byExec, sub.executionID)
		}
	}
}

type Subscription struct {
	id          uint64
	executionID string
	bus         *EventBus

	mu       sync.Mutex
	queue    []domain.ExecutionEvent
	finished bool

	out       chan domain.ExecutionEvent
	notify    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func (s *Subscription) C() <-chan domain.ExecutionEvent {
	return s.out
}

// Close stops delivery and releases the subscription. Safe to call twice.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.bus.remove(s)
		close(s.done)
	})
}

func (s *Subscription) enqueue(ev domain.ExecutionEvent) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	if ev.IsFinal() && s.executionID != "" {
		s.finished = true
	}
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			finished := s.finished
			s.mu.Unlock()
			if finished {
				return
			}
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}
		ev := s.queue[0]
		s.queue[0] = domain.ExecutionEvent{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
}
