package agenda

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/zwpdev/agendabot/internal/clients/caldav"
	"github.com/zwpdev/agendabot/internal/clients/slack"
	"github.com/zwpdev/agendabot/internal/domain"
)

// reminderLead is how far before an event start its reminder fires.
const reminderLead = 24 * time.Hour

// CalDAVClient is the remote calendar surface the agenda consumes.
type CalDAVClient interface {
	GetCTag(ctx context.Context) (string, error)
	GetETags(ctx context.Context, notBefore, notAfter *time.Time) (map[string]string, error)
	FetchEvents(ctx context.Context, filenames []string) ([]caldav.RemoteEvent, error)
	UpdateEvent(ctx context.Context, filename, etag, raw string, quiet412 bool) (string, error)
}

// Notifier resolves attendee identities and delivers reminders and
// notifications.
type Notifier interface {
	LookupUserByEmail(email string) (*slack.User, error)
	ScheduleMessage(userID, text string, postAt time.Time) (string, error)
	DeleteScheduledMessage(userID, scheduledMessageID string) error
	PostMessage(userID, text string) error
}

// Store is the mirror surface the agenda consumes.
type Store interface {
	GetCTag() (string, error)
	SetCTag(ctag string) error
	GetEvent(filename string) (*domain.Event, error)
	GetETags(filenames []string) (map[string]string, error)
	AllEvents() ([]*domain.Event, error)
	UpcomingEvents(since time.Time) ([]*domain.Event, error)
	ListEventsFiltered(f domain.EventFilter, since time.Time) ([]*domain.Event, int, error)
	UpsertEvent(ev *domain.Event, categories []string, attendees []domain.Attendee) (*time.Time, error)
	DeleteEvent(filename string) error
	EventAttendees(filename string) ([]domain.Attendee, error)
	EventCategories(filename string) ([]string, error)
	KnownAttendees(emails []string) (map[string]domain.Attendee, error)
	AddReminder(r *domain.Reminder) error
	GetReminder(filename, userID string) (*domain.Reminder, error)
	EventReminders(filename string) ([]*domain.Reminder, error)
	DeleteReminder(filename, userID string) error
}

// Agenda keeps the local mirror consistent with the remote calendar and
// mediates attendee registration against both.
type Agenda struct {
	store    Store
	calendar CalDAVClient
	notifier Notifier
	log      *slog.Logger
	now      func() time.Time
}

// New creates an Agenda.
func New(store Store, calendar CalDAVClient, notifier Notifier, log *slog.Logger) *Agenda {
	if log == nil {
		log = slog.Default()
	}
	return &Agenda{
		store:    store,
		calendar: calendar,
		notifier: notifier,
		log:      log,
		now:      time.Now,
	}
}

// === Reconciliation ===

// CheckAgenda compares the remote collection tag against the mirror and,
// when they differ, pulls changed events, removes vanished ones, and
// persists the new tag. It returns true when the mirror changed. The tag
// is written last: a crash mid-sync repeats the same diff on the next
// run instead of silently skipping it.
func (a *Agenda) CheckAgenda(ctx context.Context) (bool, error) {
	remoteCTag, err := a.calendar.GetCTag(ctx)
	if err != nil {
		return false, fmt.Errorf("get remote ctag: %w", err)
	}
	localCTag, err := a.store.GetCTag()
	if err != nil {
		return false, fmt.Errorf("get local ctag: %w", err)
	}
	if remoteCTag == localCTag {
		a.log.Debug("agenda up to date", "ctag", localCTag)
		return false, nil
	}
	a.log.Info("agenda changed", "local", localCTag, "remote", remoteCTag)

	// Past events are intentionally excluded from the mirror.
	dayStart := a.startOfToday()
	remoteETags, err := a.calendar.GetETags(ctx, &dayStart, nil)
	if err != nil {
		return false, fmt.Errorf("get remote etags: %w", err)
	}

	if err := a.update(ctx, remoteETags); err != nil {
		return false, err
	}

	if err := a.store.SetCTag(remoteCTag); err != nil {
		return false, fmt.Errorf("persist ctag: %w", err)
	}
	return true, nil
}

func (a *Agenda) startOfToday() time.Time {
	now := a.now()
	year, month, day := now.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, now.Location())
}

// update applies the remote etag map to the mirror: fetch and upsert
// changed events, then drop local events the server no longer reports.
// A failing event does not stop the rest of the batch, but any failure
// keeps the collection tag unpersisted so the diff runs again.
func (a *Agenda) update(ctx context.Context, remoteETags map[string]string) error {
	filenames := make([]string, 0, len(remoteETags))
	for filename := range remoteETags {
		filenames = append(filenames, filename)
	}
	localETags, err := a.store.GetETags(filenames)
	if err != nil {
		return fmt.Errorf("get local etags: %w", err)
	}

	var changed []string
	for filename, remoteETag := range remoteETags {
		if localETag, ok := localETags[filename]; !ok || localETag != remoteETag {
			changed = append(changed, filename)
		}
	}
	sort.Strings(changed)

	var firstErr error
	if len(changed) > 0 {
		a.log.Info("fetching changed events", "count", len(changed))
		events, err := a.calendar.FetchEvents(ctx, changed)
		if err != nil {
			return fmt.Errorf("fetch events: %w", err)
		}
		for _, remote := range events {
			if err := a.upsertRemoteEvent(remote); err != nil {
				a.log.Error("failed to apply remote event", "filename", remote.Filename, "error", err)
				if firstErr == nil {
					firstErr = err
				}
			}
		}
	}

	local, err := a.store.AllEvents()
	if err != nil {
		return fmt.Errorf("list local events: %w", err)
	}
	for _, ev := range local {
		if _, ok := remoteETags[ev.Filename]; ok {
			continue
		}
		if err := a.removeDeletedEvent(ev); err != nil {
			a.log.Error("failed to remove deleted event", "filename", ev.Filename, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// upsertRemoteEvent parses one remote event and writes it to the mirror
// in a single transaction. When the start time of an existing event
// moved, every scheduled reminder is moved with it after the commit.
func (a *Agenda) upsertRemoteEvent(remote caldav.RemoteEvent) error {
	parsed, err := parseICS(remote.Raw)
	if err != nil {
		return fmt.Errorf("parse %s: %w", remote.Filename, err)
	}

	attendees, err := a.resolveAttendees(parsed.emails)
	if err != nil {
		return err
	}

	ev := &domain.Event{
		Filename:           remote.Filename,
		ETag:               remote.ETag,
		StartTime:          parsed.start,
		VolunteersRequired: parsed.volunteers,
		Raw:                remote.Raw,
	}
	prevStart, err := a.store.UpsertEvent(ev, parsed.categories, attendees)
	if err != nil {
		return err
	}
	a.log.Info("event stored", "filename", remote.Filename, "start", parsed.start, "new", prevStart == nil)

	if prevStart != nil && !prevStart.Equal(parsed.start) {
		a.migrateReminders(parsed, remote.Filename)
	}
	return nil
}

// resolveAttendees maps attendee emails to platform identities, going to
// the identity collaborator only for emails never seen before. Unresolved
// emails are recorded with a nil identity so they are not re-queried on
// every sync.
func (a *Agenda) resolveAttendees(emails []string) ([]domain.Attendee, error) {
	known, err := a.store.KnownAttendees(emails)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(emails))
	attendees := make([]domain.Attendee, 0, len(emails))
	for _, email := range emails {
		if seen[email] {
			continue
		}
		seen[email] = true

		if att, ok := known[email]; ok {
			attendees = append(attendees, att)
			continue
		}
		user, err := a.notifier.LookupUserByEmail(email)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", email, err)
		}
		att := domain.Attendee{Email: email}
		if user != nil {
			att.UserID = &user.ID
		} else {
			a.log.Info("attendee email has no platform identity", "email", email)
		}
		attendees = append(attendees, att)
	}
	return attendees, nil
}

// migrateReminders reschedules every reminder of an event after its
// start time changed. Runs outside the upsert transaction because each
// step has an external side effect.
func (a *Agenda) migrateReminders(parsed *parsedICS, filename string) {
	reminders, err := a.store.EventReminders(filename)
	if err != nil {
		a.log.Error("failed to list reminders for migration", "filename", filename, "error", err)
		return
	}
	for _, r := range reminders {
		if err := a.notifier.DeleteScheduledMessage(r.UserID, r.ID); err != nil {
			a.log.Warn("failed to cancel reminder", "filename", filename, "user", r.UserID, "error", err)
		}
		if err := a.store.DeleteReminder(filename, r.UserID); err != nil {
			a.log.Error("failed to delete reminder row", "filename", filename, "user", r.UserID, "error", err)
			continue
		}
		a.scheduleReminder(parsed, filename, r.UserID)
	}
}

// scheduleReminder schedules a reminder one day before the event start,
// unless that point is already in the past.
func (a *Agenda) scheduleReminder(parsed *parsedICS, filename, userID string) {
	remindAt := parsed.start.Add(-reminderLead)
	if !remindAt.After(a.now()) {
		a.log.Debug("skipping reminder in the past", "filename", filename, "user", userID)
		return
	}
	text := fmt.Sprintf("Reminder: %q starts on %s.", parsed.summary, parsed.start.Format("Mon, 02 Jan 2006 at 15:04"))
	id, err := a.notifier.ScheduleMessage(userID, text, remindAt)
	if err != nil {
		a.log.Error("failed to schedule reminder", "filename", filename, "user", userID, "error", err)
		return
	}
	if err := a.store.AddReminder(&domain.Reminder{ID: id, Filename: filename, UserID: userID}); err != nil {
		a.log.Error("failed to store reminder", "filename", filename, "user", userID, "error", err)
	}
}

// removeDeletedEvent drops an event the server no longer reports.
// Reminders are cancelled remotely first since the notification system
// has no cascade, and attendees with a known identity are told about the
// cancellation when the event was still ahead. Notification is best
// effort; the deletion proceeds regardless.
func (a *Agenda) removeDeletedEvent(ev *domain.Event) error {
	a.log.Info("removing deleted event", "filename", ev.Filename, "start", ev.StartTime)

	reminders, err := a.store.EventReminders(ev.Filename)
	if err != nil {
		return fmt.Errorf("list reminders: %w", err)
	}
	for _, r := range reminders {
		if err := a.notifier.DeleteScheduledMessage(r.UserID, r.ID); err != nil {
			a.log.Warn("failed to cancel reminder", "filename", ev.Filename, "user", r.UserID, "error", err)
		}
	}

	if ev.StartTime.After(a.now()) {
		summary := ev.Filename
		if parsed, err := parseICS(ev.Raw); err == nil {
			summary = parsed.summary
		}
		attendees, err := a.store.EventAttendees(ev.Filename)
		if err != nil {
			return fmt.Errorf("list attendees: %w", err)
		}
		text := fmt.Sprintf("The event %q on %s was cancelled.", summary, ev.StartTime.Format("Mon, 02 Jan 2006 at 15:04"))
		for _, att := range attendees {
			if !att.Resolved() {
				continue
			}
			if err := a.notifier.PostMessage(*att.UserID, text); err != nil {
				a.log.Warn("failed to notify attendee", "filename", ev.Filename, "user", *att.UserID, "error", err)
			}
		}
	}

	return a.store.DeleteEvent(ev.Filename)
}
