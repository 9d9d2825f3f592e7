package domain

import "time"

// Event is one calendar event mirrored from the CalDAV server.
// ETag is always the version last confirmed by the server for Raw.
type Event struct {
	Filename           string // stable CalDAV object name (xxx.ics), primary key
	ETag               string
	StartTime          time.Time
	VolunteersRequired *int // derived from a "<N>P" category, nil when absent
	Raw                string
}

// Attendee is an event attendee keyed by email. UserID is the resolved
// Slack user id; nil means the email could not be resolved (the negative
// result is cached so we don't look it up again on every sync).
type Attendee struct {
	Email  string
	UserID *string
}

// Resolved returns true if the attendee has a known Slack identity.
func (a Attendee) Resolved() bool {
	return a.UserID != nil
}

// ParsedEvent is an Event enriched with its associations and the
// registration state of the requesting user.
type ParsedEvent struct {
	Event
	Categories       []string
	Attendees        []string // resolved Slack user ids
	UnknownAttendees int      // attendees without a Slack identity
	IsRegistered     bool
}

// DefaultEventPageSize bounds filtered event listings; Slack caps the
// number of blocks we can render on a single page.
const DefaultEventPageSize = 20

// EventFilter narrows a paginated event listing. Page indexes start at 1.
type EventFilter struct {
	Categories     []string
	MyEventsOnly   bool
	NeedVolunteers bool
	UserID         string // required when MyEventsOnly is set
	Page           int
	PageSize       int // 0 means DefaultEventPageSize
}
