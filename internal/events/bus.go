package events

import (
	"slices"
	"sync"
)

// Listener is called synchronously for every delivered event.
type Listener func(Event)

// Bus fans events out to subscribed listeners. While suspended it queues
// events and delivers them in order on the matching Resume. Events published
// while the queue drains join the end of the queue.
type Bus struct {
	mu        sync.Mutex
	listeners map[int]Listener
	order     []int
	nextID    int
	suspended int
	draining  bool
	queue     []Event
}

// NewBus creates a bus without listeners.
func NewBus() *Bus {
	return &Bus{listeners: make(map[int]Listener)}
}

// Subscribe registers l and returns a function that removes it.
func (b *Bus) Subscribe(l Listener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.listeners[id] = l
	b.order = append(b.order, id)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.listeners, id)
		b.order = slices.DeleteFunc(b.order, func(other int) bool { return other == id })
	}
}

// Publish delivers e, or queues it while the bus is suspended.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	if b.suspended > 0 || b.draining {
		b.queue = append(b.queue, e)
		b.mu.Unlock()
		return
	}
	listeners := b.snapshot()
	b.mu.Unlock()

	for _, l := range listeners {
		l(e)
	}
}

// Suspend holds back delivery. Calls nest.
func (b *Bus) Suspend() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.suspended++
}

// Resume undoes one Suspend. The last Resume delivers the queued events.
func (b *Bus) Resume() {
	b.mu.Lock()
	if b.suspended == 0 {
		b.mu.Unlock()
		return
	}
	b.suspended--
	if b.suspended > 0 || b.draining {
		b.mu.Unlock()
		return
	}
	b.draining = true
	b.mu.Unlock()

	for {
		b.mu.Lock()
		if b.suspended > 0 || len(b.queue) == 0 {
			b.draining = false
			b.mu.Unlock()
			return
		}
		queued := b.queue
		b.queue = nil
		listeners := b.snapshot()
		b.mu.Unlock()

		for _, e := range queued {
			for _, l := range listeners {
				l(e)
			}
		}
	}
}

// Suspended reports whether delivery is held back.
func (b *Bus) Suspended() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.suspended > 0
}

func (b *Bus) snapshot() []Listener {
	out := make([]Listener, 0, len(b.order))
	for _, id := range b.order {
		out = append(out, b.listeners[id])
	}
	return out
}

// Recorder collects the events of one task.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Publish records e.
func (r *Recorder) Publish(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

// FlushTo publishes the recorded events to sink and clears the recorder.
func (r *Recorder) FlushTo(sink Sink) {
	r.mu.Lock()
	events := r.events
	r.events = nil
	r.mu.Unlock()

	for _, e := range events {
		sink.Publish(e)
	}
}
