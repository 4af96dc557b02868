package task

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned when an operation is not valid in the task's current state.
var ErrInvalidTransition = errors.New("invalid state transition")

// State ...
type State int

// Task states. Completed and Failed end a pass; only Failed can be activated again.
const (
	Created State = iota
	Uploading
	Paused
	Completed
	Failed
)

var stateNames = map[State]string{
	Created:   "created",
	Uploading: "uploading",
	Paused:    "paused",
	Completed: "completed",
	Failed:    "failed",
}

var stateLabels = map[State]string{
	Created:   "Waiting",
	Uploading: "Uploading",
	Paused:    "Paused",
	Completed: "Completed",
	Failed:    "Upload failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Label returns the text shown to users for the state.
func (s State) Label() string {
	if label, ok := stateLabels[s]; ok {
		return label
	}
	return "Unknown"
}

// Terminal reports whether the current pass of a task in this state is over.
func (s State) Terminal() bool {
	return s == Completed || s == Failed
}

// Activatable reports whether a new scheduling pass may start from this state.
func (s State) Activatable() bool {
	return s == Created || s == Paused || s == Failed
}

func transitionError(op string, from State) error {
	return fmt.Errorf("%s from %s: %w", op, from, ErrInvalidTransition)
}
