package agenda

import (
	"context"
	"errors"
	"fmt"

	"github.com/zwpdev/agendabot/internal/clients/caldav"
	"github.com/zwpdev/agendabot/internal/domain"
)

// UpdateResult distinguishes a registration that changed the event from
// one that found the desired state already in place.
type UpdateResult int

const (
	UpdateApplied UpdateResult = iota
	UpdateNoOp
)

// UpdateAttendee registers or unregisters an attendee on an event. The
// write to the remote calendar is guarded by the mirrored ETag; on a
// conflict the mirror is reconciled and the write retried exactly once.
// A second conflict surfaces as ErrEventUpdateFailed.
//
// On success the attendee's reminder is created or cancelled and the
// mirror row is refreshed, using the returned ETag when the server sent
// one and a single-event re-fetch when it did not.
func (a *Agenda) UpdateAttendee(ctx context.Context, filename, email string, register bool, displayName, userID string) (UpdateResult, error) {
	outcome, err := a.writeAttendance(ctx, filename, email, register, displayName, true)
	if errors.Is(err, caldav.ErrConflict) {
		a.log.Info("registration conflicted, reconciling and retrying", "filename", filename, "email", email)
		if _, err := a.CheckAgenda(ctx); err != nil {
			return UpdateNoOp, fmt.Errorf("reconcile after conflict: %w", err)
		}
		outcome, err = a.writeAttendance(ctx, filename, email, register, displayName, false)
		if errors.Is(err, caldav.ErrConflict) {
			return UpdateNoOp, ErrEventUpdateFailed
		}
	}
	if err != nil {
		return UpdateNoOp, err
	}
	if outcome.noop {
		return UpdateNoOp, nil
	}

	if userID != "" {
		if register {
			existing, err := a.store.GetReminder(filename, userID)
			if err != nil {
				a.log.Error("failed to check reminder", "filename", filename, "user", userID, "error", err)
			} else if existing == nil {
				a.scheduleReminder(outcome.parsed, filename, userID)
			}
		} else {
			if r, err := a.store.GetReminder(filename, userID); err != nil {
				a.log.Error("failed to check reminder", "filename", filename, "user", userID, "error", err)
			} else if r != nil {
				if err := a.notifier.DeleteScheduledMessage(userID, r.ID); err != nil {
					a.log.Warn("failed to cancel reminder", "filename", filename, "user", userID, "error", err)
				}
				if err := a.store.DeleteReminder(filename, userID); err != nil {
					a.log.Error("failed to delete reminder row", "filename", filename, "user", userID, "error", err)
				}
			}
		}
	}

	// Refresh the mirror row. With a fresh ETag the serialized content we
	// just wrote is authoritative; without one only the server knows the
	// current state of this event.
	if outcome.newETag != "" {
		return UpdateApplied, a.upsertRemoteEvent(caldav.RemoteEvent{
			Filename: filename,
			ETag:     outcome.newETag,
			Raw:      outcome.raw,
		})
	}
	fetched, err := a.calendar.FetchEvents(ctx, []string{filename})
	if err != nil {
		return UpdateApplied, fmt.Errorf("re-fetch %s: %w", filename, err)
	}
	if len(fetched) == 0 {
		a.log.Warn("event vanished right after update", "filename", filename)
		return UpdateApplied, nil
	}
	return UpdateApplied, a.upsertRemoteEvent(fetched[0])
}

// writeOutcome carries what a successful conditional write learned.
type writeOutcome struct {
	noop    bool
	newETag string
	raw     string
	parsed  *parsedICS
}

// writeAttendance mutates the mirrored copy of the event and writes it
// back under the mirrored ETag. Desired-state-already-met returns a noop
// outcome without touching the server. An attendee who declined through
// another calendar client is treated as absent: the stale entry is
// replaced on registration.
func (a *Agenda) writeAttendance(ctx context.Context, filename, email string, register bool, displayName string, quietConflict bool) (*writeOutcome, error) {
	ev, err := a.store.GetEvent(filename)
	if err != nil {
		return nil, fmt.Errorf("read event %s: %w", filename, err)
	}
	if ev == nil {
		return nil, ErrEventNotFound
	}

	parsed, err := parseICS(ev.Raw)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", filename, err)
	}

	existing := parsed.findAttendee(email)
	if register {
		if existing != nil {
			if !declined(existing) {
				return &writeOutcome{noop: true}, nil
			}
			parsed.removeAttendee(email)
		}
		parsed.addAttendee(email, displayName)
	} else {
		if existing == nil {
			return &writeOutcome{noop: true}, nil
		}
		parsed.removeAttendee(email)
	}

	raw, err := parsed.encode()
	if err != nil {
		return nil, err
	}
	newETag, err := a.calendar.UpdateEvent(ctx, filename, ev.ETag, raw, quietConflict)
	if err != nil {
		return nil, err
	}
	return &writeOutcome{newETag: newETag, raw: raw, parsed: parsed}, nil
}

// === Reads ===

// EventsFiltered returns one page of upcoming events matching the filter
// plus the total page count, each event enriched with its categories and
// registration state for the requesting user.
func (a *Agenda) EventsFiltered(filter domain.EventFilter) ([]*domain.ParsedEvent, int, error) {
	events, pages, err := a.store.ListEventsFiltered(filter, a.now())
	if err != nil {
		return nil, 0, err
	}
	parsed := make([]*domain.ParsedEvent, 0, len(events))
	for _, ev := range events {
		pe, err := a.parsedEvent(ev, filter.UserID)
		if err != nil {
			return nil, 0, err
		}
		parsed = append(parsed, pe)
	}
	return parsed, pages, nil
}

// GetParsedEvent returns one mirrored event with its associations, or
// ErrEventNotFound.
func (a *Agenda) GetParsedEvent(filename, userID string) (*domain.ParsedEvent, error) {
	ev, err := a.store.GetEvent(filename)
	if err != nil {
		return nil, err
	}
	if ev == nil {
		return nil, ErrEventNotFound
	}
	return a.parsedEvent(ev, userID)
}

// UpcomingEvents returns every mirrored event that has not started yet.
func (a *Agenda) UpcomingEvents() ([]*domain.Event, error) {
	return a.store.UpcomingEvents(a.now())
}

func (a *Agenda) parsedEvent(ev *domain.Event, userID string) (*domain.ParsedEvent, error) {
	categories, err := a.store.EventCategories(ev.Filename)
	if err != nil {
		return nil, err
	}
	attendees, err := a.store.EventAttendees(ev.Filename)
	if err != nil {
		return nil, err
	}

	pe := &domain.ParsedEvent{Event: *ev, Categories: categories}
	for _, att := range attendees {
		if !att.Resolved() {
			pe.UnknownAttendees++
			continue
		}
		pe.Attendees = append(pe.Attendees, *att.UserID)
		if userID != "" && *att.UserID == userID {
			pe.IsRegistered = true
		}
	}
	return pe, nil
}
