// Package eventbus implements component I: per-task pub/sub over persisted
// interactions and status transitions (spec §4.7). A subscriber that falls
// more than bufferSize events behind (NewMemoryBus) is dropped with a kSubscriberLagged
// signal rather than being allowed to block publish; all subscribers of a
// deleted task receive a terminal task_deleted event.
package eventbus

import (
	"sync"
	"time"

	"github.com/phillipcheng/claude-task-automation-server/internal/domain"
)

// Kind distinguishes the payload carried by an Event.
type Kind string

const (
	KindInteraction      Kind = "interaction"
	KindStatusChange     Kind = "status_change"
	KindSubscriberLagged Kind = "subscriber_lagged"
	KindTaskDeleted      Kind = "task_deleted"
)

// Event is the unit delivered to subscribers (spec §4.7: "{ interaction |
// status_change }", plus the two terminal/control signals this package adds
// to carry kSubscriberLagged and task_deleted without a sentinel value).
type Event struct {
	Kind        Kind
	TaskID      string
	Interaction *domain.Interaction
	Status      domain.Status
	Timestamp   time.Time
}

// Subscription is a live stream of Events for one task, starting at the
// moment of subscription — there is no back-fill (spec §4.7: clients call
// the transcript query to hydrate before subscribing).
type Subscription interface {
	Events() <-chan Event
	Unsubscribe()
}

// Bus is component I's dependency surface: the executor (J) publishes after
// every persisted interaction and status transition; the control surface (K)
// subscribes on behalf of connected clients.
type Bus interface {
	Subscribe(taskID string) Subscription
	PublishInteraction(taskID string, interaction *domain.Interaction)
	PublishStatusChange(taskID string, status domain.Status)
	// CloseTask sends a terminal task_deleted event to every subscriber of
	// taskID and tears down its subscriber list (spec §4.7).
	CloseTask(taskID string)
	Close()
}

type subscription struct {
	bus    *MemoryBus
	taskID string
	ch     chan Event

	mu     sync.Mutex
	active bool
}

func (s *subscription) Events() <-chan Event { return s.ch }

func (s *subscription) Unsubscribe() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	s.mu.Unlock()

	s.bus.remove(s.taskID, s)
	close(s.ch)
}

// MemoryBus implements Bus with one bounded channel per subscriber,
// mirroring the teacher's per-subject subscriber-list shape
// (events/bus/memory.go's MemoryEventBus) but replacing its
// unbounded-goroutine-per-delivery fan-out with bounded, non-blocking sends:
// spec §4.7 requires slow subscribers to be dropped, not to apply backpressure
// to the executor. Dropping uses the same non-blocking-send idiom the teacher
// already applies elsewhere (lifecycle/manager.go's publishEvent/sendUpdate:
// `select { case ch <- x: default: ... }`).
type MemoryBus struct {
	bufferSize int

	mu   sync.RWMutex
	subs map[string][]*subscription
}

var _ Bus = (*MemoryBus)(nil)

// NewMemoryBus creates an in-memory Bus. bufferSize is the per-subscriber
// channel capacity before a subscriber is considered lagged (spec §4.7
// default: 64).
func NewMemoryBus(bufferSize int) *MemoryBus {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &MemoryBus{bufferSize: bufferSize, subs: make(map[string][]*subscription)}
}

func (b *MemoryBus) Subscribe(taskID string) Subscription {
	sub := &subscription{bus: b, taskID: taskID, ch: make(chan Event, b.bufferSize), active: true}
	b.mu.Lock()
	b.subs[taskID] = append(b.subs[taskID], sub)
	b.mu.Unlock()
	return sub
}

func (b *MemoryBus) PublishInteraction(taskID string, interaction *domain.Interaction) {
	b.publish(Event{Kind: KindInteraction, TaskID: taskID, Interaction: interaction, Timestamp: interaction.Timestamp})
}

func (b *MemoryBus) PublishStatusChange(taskID string, status domain.Status) {
	b.publish(Event{Kind: KindStatusChange, TaskID: taskID, Status: status, Timestamp: time.Now()})
}

func (b *MemoryBus) publish(ev Event) {
	b.mu.RLock()
	subs := append([]*subscription(nil), b.subs[ev.TaskID]...)
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.ch <- ev:
		default:
			b.dropLagged(ev.TaskID, sub)
		}
	}
}

// dropLagged removes a subscriber that could not keep up and, off the
// publishing goroutine, hands it a terminal kSubscriberLagged event before
// closing its channel.
func (b *MemoryBus) dropLagged(taskID string, sub *subscription) {
	sub.mu.Lock()
	if !sub.active {
		sub.mu.Unlock()
		return
	}
	sub.active = false
	sub.mu.Unlock()

	b.remove(taskID, sub)

	go func() {
		select {
		case sub.ch <- Event{Kind: KindSubscriberLagged, TaskID: taskID, Timestamp: time.Now()}:
		case <-time.After(time.Second):
		}
		close(sub.ch)
	}()
}

func (b *MemoryBus) remove(taskID string, target *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[taskID]
	for i, s := range subs {
		if s == target {
			b.subs[taskID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[taskID]) == 0 {
		delete(b.subs, taskID)
	}
}

// CloseTask sends every live subscriber of taskID a terminal task_deleted
// event, then tears them all down (spec §4.7).
func (b *MemoryBus) CloseTask(taskID string) {
	b.mu.Lock()
	subs := b.subs[taskID]
	delete(b.subs, taskID)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.mu.Lock()
		sub.active = false
		sub.mu.Unlock()

		go func(s *subscription) {
			select {
			case s.ch <- Event{Kind: KindTaskDeleted, TaskID: taskID, Timestamp: time.Now()}:
			case <-time.After(time.Second):
			}
			close(s.ch)
		}(sub)
	}
}

// Close tears down every task's subscribers without a terminal event; used
// on process shutdown, not on task deletion.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	all := b.subs
	b.subs = make(map[string][]*subscription)
	b.mu.Unlock()

	for _, subs := range all {
		for _, sub := range subs {
			sub.mu.Lock()
			sub.active = false
			sub.mu.Unlock()
			close(sub.ch)
		}
	}
}
