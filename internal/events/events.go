// Package events carries change notifications from the synchronization
// engine to whoever observes the directory model.
//
// Jobs publish into a per-task Recorder. When a task finishes, the scheduler
// flushes the recorder into the shared Bus, so listeners see a task's events
// together and in task completion order.
package events

import (
	"time"

	"github.com/isometry/ldapsync/internal/model"
)

// Kind identifies what changed.
type Kind int

const (
	EntryAdded Kind = iota
	EntryDeleted
	EntryRenamed
	EntryMoved
	AttributesInitialized
	ChildrenInitialized
	SearchUpdated
)

func (k Kind) String() string {
	switch k {
	case EntryAdded:
		return "entry_added"
	case EntryDeleted:
		return "entry_deleted"
	case EntryRenamed:
		return "entry_renamed"
	case EntryMoved:
		return "entry_moved"
	case AttributesInitialized:
		return "attributes_initialized"
	case ChildrenInitialized:
		return "children_initialized"
	case SearchUpdated:
		return "search_updated"
	default:
		return "unknown"
	}
}

// Event is a single change notification.
type Event struct {
	Kind Kind
	Time time.Time

	// DN is the entry the event is about. For renames and moves it is the
	// new DN and OldDN holds the previous one.
	DN    model.DN
	OldDN model.DN

	Entry  *model.Entry
	Search *model.Search
}

// Sink receives events.
type Sink interface {
	Publish(Event)
}

// Discard is a Sink that drops every event.
var Discard Sink = discard{}

type discard struct{}

func (discard) Publish(Event) {}

// Added builds an EntryAdded event.
func Added(e *model.Entry) Event {
	return Event{Kind: EntryAdded, Time: time.Now(), DN: e.DN(), Entry: e}
}

// Deleted builds an EntryDeleted event. The entry is already evicted.
func Deleted(e *model.Entry) Event {
	return Event{Kind: EntryDeleted, Time: time.Now(), DN: e.DN(), Entry: e}
}

// Renamed builds an EntryRenamed event.
func Renamed(oldDN model.DN, e *model.Entry) Event {
	return Event{Kind: EntryRenamed, Time: time.Now(), DN: e.DN(), OldDN: oldDN, Entry: e}
}

// Moved builds an EntryMoved event.
func Moved(oldDN model.DN, e *model.Entry) Event {
	return Event{Kind: EntryMoved, Time: time.Now(), DN: e.DN(), OldDN: oldDN, Entry: e}
}

// AttributesLoaded builds an AttributesInitialized event.
func AttributesLoaded(e *model.Entry) Event {
	return Event{Kind: AttributesInitialized, Time: time.Now(), DN: e.DN(), Entry: e}
}

// ChildrenLoaded builds a ChildrenInitialized event.
func ChildrenLoaded(e *model.Entry) Event {
	return Event{Kind: ChildrenInitialized, Time: time.Now(), DN: e.DN(), Entry: e}
}

// Updated builds a SearchUpdated event.
func Updated(s *model.Search) Event {
	return Event{Kind: SearchUpdated, Time: time.Now(), Search: s}
}
