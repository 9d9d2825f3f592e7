package caldav

import "errors"

// ErrConflict is returned by UpdateEvent when the server rejects the
// conditional write because the supplied ETag is stale (HTTP 412).
var ErrConflict = errors.New("caldav: precondition failed")

// Calendar describes a calendar collection found during discovery.
type Calendar struct {
	Path        string
	DisplayName string
}

// RemoteEvent is one calendar object as returned by the server.
type RemoteEvent struct {
	Filename string // object name, last path segment of the href
	ETag     string
	Raw      string // serialized iCalendar content
}
