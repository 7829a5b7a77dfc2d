package events

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/isometry/ldapsync/internal/model"
)

func kinds(events []Event) []Kind {
	out := make([]Kind, len(events))
	for i, e := range events {
		out[i] = e.Kind
	}
	return out
}

func TestBus_DeliversInSubscriptionOrder(t *testing.T) {
	bus := NewBus()
	var calls []string

	bus.Subscribe(func(Event) { calls = append(calls, "first") })
	unsubscribe := bus.Subscribe(func(Event) { calls = append(calls, "second") })
	bus.Subscribe(func(Event) { calls = append(calls, "third") })

	bus.Publish(Event{Kind: EntryAdded})
	assert.Equal(t, []string{"first", "second", "third"}, calls)

	calls = nil
	unsubscribe()
	bus.Publish(Event{Kind: EntryAdded})
	assert.Equal(t, []string{"first", "third"}, calls)
}

func TestBus_SuspendQueuesUntilLastResume(t *testing.T) {
	bus := NewBus()
	var got []Event
	bus.Subscribe(func(e Event) { got = append(got, e) })

	bus.Suspend()
	bus.Suspend()
	assert.True(t, bus.Suspended())

	bus.Publish(Event{Kind: EntryDeleted})
	bus.Publish(Event{Kind: SearchUpdated})
	bus.Resume()
	assert.Empty(t, got)

	bus.Resume()
	assert.False(t, bus.Suspended())
	assert.Equal(t, []Kind{EntryDeleted, SearchUpdated}, kinds(got))

	// Unbalanced Resume is ignored.
	bus.Resume()
	bus.Publish(Event{Kind: EntryAdded})
	assert.Len(t, got, 3)
}

func TestBus_PublishDuringResumeIsQueuedBehindBacklog(t *testing.T) {
	bus := NewBus()
	started := make(chan struct{})
	release := make(chan struct{})

	var mu sync.Mutex
	var got []Kind
	bus.Subscribe(func(e Event) {
		if e.Kind == EntryAdded {
			close(started)
			<-release
		}
		mu.Lock()
		got = append(got, e.Kind)
		mu.Unlock()
	})

	bus.Suspend()
	bus.Publish(Event{Kind: EntryAdded})

	resumed := make(chan struct{})
	go func() {
		defer close(resumed)
		bus.Resume()
	}()

	<-started
	bus.Publish(Event{Kind: EntryDeleted})
	close(release)
	<-resumed

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Kind{EntryAdded, EntryDeleted}, got)
}

func TestBus_ListenerPublishingDuringResume(t *testing.T) {
	bus := NewBus()
	var got []Kind
	bus.Subscribe(func(e Event) {
		got = append(got, e.Kind)
		if e.Kind == EntryRenamed {
			bus.Publish(Event{Kind: SearchUpdated})
		}
	})

	bus.Suspend()
	bus.Publish(Event{Kind: EntryRenamed})
	bus.Publish(Event{Kind: EntryMoved})
	bus.Resume()

	assert.Equal(t, []Kind{EntryRenamed, EntryMoved, SearchUpdated}, got)
	assert.False(t, bus.Suspended())
}

func TestRecorder_FlushTo(t *testing.T) {
	entry := model.NewEntry(model.MustParseDN("cn=a,dc=x"), model.KindEntry)
	oldDN := model.MustParseDN("cn=old,dc=x")

	r := NewRecorder()
	r.Publish(Added(entry))
	r.Publish(Renamed(oldDN, entry))
	r.Publish(Updated(model.NewSearch(model.SearchSpec{})))

	recorded := r.Events()
	assert.Equal(t, []Kind{EntryAdded, EntryRenamed, SearchUpdated}, kinds(recorded))
	assert.Equal(t, "cn=old,dc=x", recorded[1].OldDN.String())

	sink := NewRecorder()
	r.FlushTo(sink)
	assert.Empty(t, r.Events())
	assert.Len(t, sink.Events(), 3)

	Discard.Publish(Added(entry))
}

func TestKind_String(t *testing.T) {
	assert.Equal(t, "entry_moved", EntryMoved.String())
	assert.Equal(t, "children_initialized", ChildrenInitialized.String())
	assert.Equal(t, "unknown", Kind(99).String())
}
