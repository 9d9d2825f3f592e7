package agenda

import "errors"

var (
	// ErrEventNotFound means the event is absent from the local mirror,
	// usually because it was deleted remotely and synced away.
	ErrEventNotFound = errors.New("agenda: event not found")

	// ErrEventUpdateFailed means a registration write conflicted twice in
	// a row. The caller should tell the user to try again; we never retry
	// more than once to keep worst-case latency bounded.
	ErrEventUpdateFailed = errors.New("agenda: event update failed")
)
