// Package intake turns inbound chat events into draft, submission and reply operations.
package intake

import (
	"context"
	"fmt"
)

// State is the session state of one user, derived from their open draft.
type State string

// Session states.
const (
	StateIdle       State = "idle"
	StateCollecting State = "collecting"
	StateReplying   State = "replying"
)

// EventKind is the kind of an inbound chat event.
type EventKind string

// Inbound event kinds.
const (
	EventStartFeedback EventKind = "start_feedback"
	EventStartReply    EventKind = "start_reply"
	EventMessage       EventKind = "message"
	EventSubmit        EventKind = "submit"
	EventCancel        EventKind = "cancel"
)

// ParseEventKind validates an event kind.
func ParseEventKind(raw string) (EventKind, error) {
	switch k := EventKind(raw); k {
	case EventStartFeedback, EventStartReply, EventMessage, EventSubmit, EventCancel:
		return k, nil
	}
	return "", fmt.Errorf("unknown event kind %q", raw)
}

// Event is one inbound chat event.
type Event struct {
	UserID       int64     `json:"user_id"`
	Username     string    `json:"username"`
	Kind         EventKind `json:"kind"`
	Text         string    `json:"text"`
	Attachments  []string  `json:"attachments"`
	SubmissionID uint      `json:"submission_id"`
}

type action func(d *Dispatcher, ctx context.Context, ev Event) (Response, error)

type transition struct {
	action action
	next   State
}

// transitions is the session table: state x event -> (action, next state). When an action
// fails the session stays where the draft leaves it, not at next.
var transitions = map[State]map[EventKind]transition{
	StateIdle: {
		EventStartFeedback: {(*Dispatcher).startFeedback, StateCollecting},
		EventStartReply:    {(*Dispatcher).startReply, StateReplying},
		EventMessage:       {(*Dispatcher).idleMessage, StateIdle},
		EventSubmit:        {(*Dispatcher).nothingOpen, StateIdle},
		EventCancel:        {(*Dispatcher).nothingOpen, StateIdle},
	},
	StateCollecting: {
		EventStartFeedback: {(*Dispatcher).startFeedback, StateCollecting},
		EventStartReply:    {(*Dispatcher).startReply, StateReplying},
		EventMessage:       {(*Dispatcher).appendDraft, StateCollecting},
		EventSubmit:        {(*Dispatcher).submitFeedback, StateIdle},
		EventCancel:        {(*Dispatcher).cancelDraft, StateIdle},
	},
	StateReplying: {
		EventStartFeedback: {(*Dispatcher).startFeedback, StateCollecting},
		EventStartReply:    {(*Dispatcher).startReply, StateReplying},
		EventMessage:       {(*Dispatcher).appendDraft, StateReplying},
		EventSubmit:        {(*Dispatcher).submitReply, StateIdle},
		EventCancel:        {(*Dispatcher).cancelDraft, StateIdle},
	},
}

// Next returns the state the table moves to from state on kind.
func Next(state State, kind EventKind) (State, bool) {
	t, ok := transitions[state][kind]
	if !ok {
		return "", false
	}
	return t.next, true
}
