package watcher

import (
	"fmt"
	"strings"
	"time"
)

// EventType is a single kind of file system event. Combined with | it is used as an event mask.
type EventType uint8

const (
	// EventCreated is emitted when a path comes into existence.
	EventCreated EventType = 1 << iota
	// EventModified is emitted when a file's content or metadata changes.
	EventModified
	// EventDeleted is emitted when a path disappears.
	EventDeleted
	// EventRenamedFrom is the old half of a rename. RelatedPath is the new name when known.
	EventRenamedFrom
	// EventRenamedTo is the new half of a rename. RelatedPath is the old name when known.
	EventRenamedTo
	// EventError reports a per-path watch failure. It is delivered regardless of masks.
	EventError
)

// EventAll is the mask matching every change event.
const EventAll = EventCreated | EventModified | EventDeleted | EventRenamedFrom | EventRenamedTo

var eventNames = []struct {
	t    EventType
	name string
}{
	{EventCreated, "created"},
	{EventModified, "modified"},
	{EventDeleted, "deleted"},
	{EventRenamedFrom, "renamed_from"},
	{EventRenamedTo, "renamed_to"},
	{EventError, "error"},
}

// String returns the string representation of the event type. Masks render as "a|b".
func (t EventType) String() string {
	if t == 0 {
		return "none"
	}
	var parts []string
	for _, n := range eventNames {
		if t&n.t != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "unknown"
	}
	return strings.Join(parts, "|")
}

// Has reports whether the mask includes t. Errors always match.
func (t EventType) Has(e EventType) bool {
	if e == EventError {
		return true
	}
	return t.normalize()&e != 0
}

// normalize turns the zero mask into EventAll and strips bits that are not change events.
func (t EventType) normalize() EventType {
	if t&EventAll == 0 {
		return EventAll
	}
	return t & EventAll
}

// ParseEventMask parses a comma or | separated list of event names.
func ParseEventMask(s string) (EventType, error) {
	var mask EventType
	for _, field := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == '|' }) {
		field = strings.ToLower(strings.TrimSpace(field))
		if field == "all" {
			mask |= EventAll
			continue
		}
		found := false
		for _, n := range eventNames {
			if n.name == field && n.t != EventError {
				mask |= n.t
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("unknown event type %q", field)
		}
	}
	return mask, nil
}

// Event is one detected change. Events are immutable and delivered by value.
type Event struct {
	Time        time.Time `json:"time"`
	Err         error     `json:"-"`
	Path        string    `json:"path"`
	RelatedPath string    `json:"related_path,omitempty"`
	Type        EventType `json:"type"`
}

// String renders the event for logs and the CLI.
func (e Event) String() string {
	switch {
	case e.Type == EventError && e.Err != nil:
		return fmt.Sprintf("%s %s: %v", e.Type, e.Path, e.Err)
	case e.RelatedPath != "" && e.Type == EventRenamedFrom:
		return fmt.Sprintf("%s %s -> %s", e.Type, e.Path, e.RelatedPath)
	case e.RelatedPath != "":
		return fmt.Sprintf("%s %s <- %s", e.Type, e.Path, e.RelatedPath)
	default:
		return fmt.Sprintf("%s %s", e.Type, e.Path)
	}
}
