package registry

import (
	"github.com/bytevault-io/go-uploader/task"
)

// EventKind ...
type EventKind int

// Event kinds.
const (
	EventAdded EventKind = iota
	EventProgress
	EventStateChanged
	// EventWarning follows EventStateChanged when a task completed without confirmation of the merge.
	EventWarning
	EventRemoved
)

var eventKindNames = map[EventKind]string{
	EventAdded:        "added",
	EventProgress:     "progress",
	EventStateChanged: "state_changed",
	EventWarning:      "warning",
	EventRemoved:      "removed",
}

func (k EventKind) String() string {
	if name, ok := eventKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Event is a change of one task.
type Event struct {
	TaskID   string
	Kind     EventKind
	Snapshot task.Snapshot
}

const defaultEventBuffer = 64

// Subscribe returns a channel of task events and a function that ends the subscription.
// Events are dropped for a subscriber whose buffer is full; uploads never wait for subscribers.
func (r *Registry) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, r.eventBuffer)

	r.subMu.Lock()
	r.nextSub++
	id := r.nextSub
	r.subs[id] = ch
	r.subMu.Unlock()

	var once bool
	return ch, func() {
		r.subMu.Lock()
		defer r.subMu.Unlock()
		if once {
			return
		}
		once = true
		delete(r.subs, id)
		close(ch)
	}
}

func (r *Registry) publish(kind EventKind, snapshot task.Snapshot) {
	event := Event{TaskID: snapshot.ID, Kind: kind, Snapshot: snapshot}

	r.subMu.Lock()
	defer r.subMu.Unlock()

	for _, ch := range r.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

func (r *Registry) observe(t *task.Task, change task.Change) {
	snapshot := t.Snapshot()
	switch change {
	case task.ChangeProgress:
		r.publish(EventProgress, snapshot)
	case task.ChangeState:
		r.publish(EventStateChanged, snapshot)
		if snapshot.State == task.Completed && snapshot.Warning != nil {
			r.publish(EventWarning, snapshot)
		}
	}
}
