package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/zwpdev/agendabot/internal/domain"
)

// === Events ===

const eventColumns = "filename, etag, start_time, volunteers_required, raw"

func scanEvent(row interface{ Scan(...any) error }) (*domain.Event, error) {
	var ev domain.Event
	var volunteers sql.NullInt64
	if err := row.Scan(&ev.Filename, &ev.ETag, &ev.StartTime, &volunteers, &ev.Raw); err != nil {
		return nil, err
	}
	if volunteers.Valid {
		n := int(volunteers.Int64)
		ev.VolunteersRequired = &n
	}
	return &ev, nil
}

func volunteersParam(ev *domain.Event) any {
	if ev.VolunteersRequired == nil {
		return nil
	}
	return *ev.VolunteersRequired
}

// GetEvent returns the mirrored event, or (nil, nil) if unknown.
func (s *Store) GetEvent(filename string) (*domain.Event, error) {
	row := s.db.QueryRow(s.q(`SELECT `+eventColumns+` FROM {p}events WHERE filename = ?`), filename)
	ev, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get event %s: %w", filename, err)
	}
	return ev, nil
}

// GetETags returns filename => etag for the given filenames. Filenames
// not present in the mirror are simply absent from the map.
func (s *Store) GetETags(filenames []string) (map[string]string, error) {
	etags := make(map[string]string, len(filenames))
	if len(filenames) == 0 {
		return etags, nil
	}

	placeholders := strings.Repeat("?,", len(filenames))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(filenames))
	for i, name := range filenames {
		args[i] = name
	}

	rows, err := s.db.Query(s.q(`SELECT filename, etag FROM {p}events WHERE filename IN (`+placeholders+`)`), args...)
	if err != nil {
		return nil, fmt.Errorf("get etags: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var filename, etag string
		if err := rows.Scan(&filename, &etag); err != nil {
			return nil, err
		}
		etags[filename] = etag
	}
	return etags, rows.Err()
}

// AllEvents returns every mirrored event ordered by start time.
func (s *Store) AllEvents() ([]*domain.Event, error) {
	return s.queryEvents(`SELECT ` + eventColumns + ` FROM {p}events ORDER BY start_time`)
}

// UpcomingEvents returns events starting after the given instant.
func (s *Store) UpcomingEvents(since time.Time) ([]*domain.Event, error) {
	return s.queryEvents(`SELECT `+eventColumns+` FROM {p}events WHERE start_time > ? ORDER BY start_time`, since)
}

func (s *Store) queryEvents(query string, args ...any) ([]*domain.Event, error) {
	rows, err := s.db.Query(s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []*domain.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// ListEventsFiltered returns one page of upcoming events matching the
// filter, plus the total page count. Events must carry every requested
// category to match. The count query only runs when the page came back
// full; a short page is by definition the last one.
func (s *Store) ListEventsFiltered(f domain.EventFilter, since time.Time) ([]*domain.Event, int, error) {
	page := f.Page
	if page < 1 {
		page = 1
	}
	pageSize := f.PageSize
	if pageSize <= 0 {
		pageSize = domain.DefaultEventPageSize
	}

	basis := ` FROM {p}events event`
	var args []any

	if len(f.Categories) > 0 {
		basis += ` INNER JOIN {p}events_categories ec ON ec.filename = event.filename
			INNER JOIN {p}categories cat ON ec.category_id = cat.id`
	}
	if f.MyEventsOnly {
		basis += ` INNER JOIN {p}events_attendees ea ON ea.filename = event.filename
			INNER JOIN {p}attendees att ON ea.email = att.email`
	}

	basis += ` WHERE event.start_time > ?`
	args = append(args, since)

	if f.NeedVolunteers {
		basis += ` AND event.volunteers_required IS NOT NULL`
	}
	if f.MyEventsOnly {
		basis += ` AND att.user_id = ?`
		args = append(args, f.UserID)
	}
	if len(f.Categories) > 0 {
		placeholders := strings.Repeat("?,", len(f.Categories))
		basis += ` AND cat.name IN (` + placeholders[:len(placeholders)-1] + `)`
		for _, cat := range f.Categories {
			args = append(args, cat)
		}
		basis += ` GROUP BY event.filename, event.etag, event.start_time, event.volunteers_required, event.raw
			HAVING COUNT(DISTINCT cat.id) = ?`
		args = append(args, len(f.Categories))
	}

	pageArgs := append(append([]any{}, args...), pageSize, (page-1)*pageSize)
	events, err := s.queryEvents(
		`SELECT event.filename, event.etag, event.start_time, event.volunteers_required, event.raw`+
			basis+` ORDER BY event.start_time LIMIT ? OFFSET ?`, pageArgs...)
	if err != nil {
		return nil, 0, err
	}

	// A short page is the last one, so the page count is already known.
	if len(events) < pageSize {
		return events, page, nil
	}

	var total int
	err = s.db.QueryRow(s.q(`SELECT COUNT(*) FROM (SELECT event.filename`+basis+`) matching`), args...).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count events: %w", err)
	}
	pages := (total + pageSize - 1) / pageSize
	return events, pages, nil
}

// UpsertEvent writes an event with its categories and attendees in one
// transaction and returns the previously stored start time, or nil when
// the event is new. Existing rows are updated in place rather than
// replaced: a delete would cascade into the reminders table and silently
// cancel nothing while losing the reminder bookkeeping.
func (s *Store) UpsertEvent(ev *domain.Event, categories []string, attendees []domain.Attendee) (*time.Time, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback()

	var prevStart *time.Time
	var stored time.Time
	err = tx.QueryRow(s.q(`SELECT start_time FROM {p}events WHERE filename = ?`), ev.Filename).Scan(&stored)
	switch err {
	case nil:
		prevStart = &stored
	case sql.ErrNoRows:
	default:
		return nil, fmt.Errorf("read previous start: %w", err)
	}

	if prevStart == nil {
		_, err = tx.Exec(s.q(`INSERT INTO {p}events (`+eventColumns+`) VALUES (?, ?, ?, ?, ?)`),
			ev.Filename, ev.ETag, ev.StartTime, volunteersParam(ev), ev.Raw)
	} else {
		_, err = tx.Exec(s.q(`UPDATE {p}events SET etag = ?, start_time = ?, volunteers_required = ?, raw = ?
			WHERE filename = ?`),
			ev.ETag, ev.StartTime, volunteersParam(ev), ev.Raw, ev.Filename)
		if err == nil {
			_, err = tx.Exec(s.q(`DELETE FROM {p}events_categories WHERE filename = ?`), ev.Filename)
		}
		if err == nil {
			_, err = tx.Exec(s.q(`DELETE FROM {p}events_attendees WHERE filename = ?`), ev.Filename)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("write event %s: %w", ev.Filename, err)
	}

	for _, att := range attendees {
		// Insert-ignore keeps an already cached user_id, including a
		// cached NULL for emails that failed to resolve before.
		_, err = tx.Exec(s.q(s.dialect.insertIgnorePrefix()+
			` INTO {p}attendees (email, user_id) VALUES (?, ?)`+
			s.dialect.insertIgnoreSuffix()),
			att.Email, att.UserID)
		if err != nil {
			return nil, fmt.Errorf("store attendee %s: %w", att.Email, err)
		}
		_, err = tx.Exec(s.q(`INSERT INTO {p}events_attendees (filename, email) VALUES (?, ?)`),
			ev.Filename, att.Email)
		if err != nil {
			return nil, fmt.Errorf("link attendee %s: %w", att.Email, err)
		}
	}

	for _, name := range categories {
		_, err = tx.Exec(s.q(s.dialect.insertIgnorePrefix()+
			` INTO {p}categories (name) VALUES (?)`+
			s.dialect.insertIgnoreSuffix()), name)
		if err != nil {
			return nil, fmt.Errorf("store category %s: %w", name, err)
		}
		var categoryID int64
		if err := tx.QueryRow(s.q(`SELECT id FROM {p}categories WHERE name = ?`), name).Scan(&categoryID); err != nil {
			return nil, fmt.Errorf("resolve category %s: %w", name, err)
		}
		_, err = tx.Exec(s.q(`INSERT INTO {p}events_categories (category_id, filename) VALUES (?, ?)`),
			categoryID, ev.Filename)
		if err != nil {
			return nil, fmt.Errorf("link category %s: %w", name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit upsert: %w", err)
	}
	return prevStart, nil
}

// DeleteEvent removes an event; associations and reminder rows go with
// it via the cascading foreign keys.
func (s *Store) DeleteEvent(filename string) error {
	_, err := s.db.Exec(s.q(`DELETE FROM {p}events WHERE filename = ?`), filename)
	if err != nil {
		return fmt.Errorf("delete event %s: %w", filename, err)
	}
	return nil
}

// === Attendees and categories ===

// EventAttendees returns the attendees of an event with their cached
// Slack identities.
func (s *Store) EventAttendees(filename string) ([]domain.Attendee, error) {
	rows, err := s.db.Query(s.q(`SELECT att.email, att.user_id
		FROM {p}attendees att
		INNER JOIN {p}events_attendees ea ON ea.email = att.email
		WHERE ea.filename = ?`), filename)
	if err != nil {
		return nil, fmt.Errorf("event attendees: %w", err)
	}
	defer rows.Close()

	var attendees []domain.Attendee
	for rows.Next() {
		var att domain.Attendee
		var userID sql.NullString
		if err := rows.Scan(&att.Email, &userID); err != nil {
			return nil, err
		}
		if userID.Valid {
			att.UserID = &userID.String
		}
		attendees = append(attendees, att)
	}
	return attendees, rows.Err()
}

// EventCategories returns the category names of an event.
func (s *Store) EventCategories(filename string) ([]string, error) {
	rows, err := s.db.Query(s.q(`SELECT cat.name
		FROM {p}categories cat
		INNER JOIN {p}events_categories ec ON ec.category_id = cat.id
		WHERE ec.filename = ?
		ORDER BY cat.name`), filename)
	if err != nil {
		return nil, fmt.Errorf("event categories: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// KnownAttendees returns the cached attendee rows for the given emails,
// keyed by email. A present key with a nil UserID is a cached negative
// lookup; a missing key means the email was never looked up.
func (s *Store) KnownAttendees(emails []string) (map[string]domain.Attendee, error) {
	known := make(map[string]domain.Attendee, len(emails))
	if len(emails) == 0 {
		return known, nil
	}

	placeholders := strings.Repeat("?,", len(emails))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(emails))
	for i, email := range emails {
		args[i] = email
	}

	rows, err := s.db.Query(s.q(`SELECT email, user_id FROM {p}attendees WHERE email IN (`+placeholders+`)`), args...)
	if err != nil {
		return nil, fmt.Errorf("known attendees: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var att domain.Attendee
		var userID sql.NullString
		if err := rows.Scan(&att.Email, &userID); err != nil {
			return nil, err
		}
		if userID.Valid {
			att.UserID = &userID.String
		}
		known[att.Email] = att
	}
	return known, rows.Err()
}

// === Reminders ===

// AddReminder records a scheduled reminder message.
func (s *Store) AddReminder(r *domain.Reminder) error {
	_, err := s.db.Exec(s.q(`INSERT INTO {p}reminders (id, filename, user_id) VALUES (?, ?, ?)`),
		r.ID, r.Filename, r.UserID)
	if err != nil {
		return fmt.Errorf("add reminder: %w", err)
	}
	return nil
}

// GetReminder returns the reminder for a user on an event, or (nil, nil)
// if none was scheduled.
func (s *Store) GetReminder(filename, userID string) (*domain.Reminder, error) {
	var r domain.Reminder
	err := s.db.QueryRow(s.q(`SELECT id, filename, user_id FROM {p}reminders
		WHERE filename = ? AND user_id = ?`), filename, userID).
		Scan(&r.ID, &r.Filename, &r.UserID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get reminder: %w", err)
	}
	return &r, nil
}

// EventReminders returns every reminder scheduled for an event.
func (s *Store) EventReminders(filename string) ([]*domain.Reminder, error) {
	rows, err := s.db.Query(s.q(`SELECT id, filename, user_id FROM {p}reminders WHERE filename = ?`), filename)
	if err != nil {
		return nil, fmt.Errorf("event reminders: %w", err)
	}
	defer rows.Close()

	var reminders []*domain.Reminder
	for rows.Next() {
		var r domain.Reminder
		if err := rows.Scan(&r.ID, &r.Filename, &r.UserID); err != nil {
			return nil, err
		}
		reminders = append(reminders, &r)
	}
	return reminders, rows.Err()
}

// DeleteReminder removes the reminder row for a user on an event.
func (s *Store) DeleteReminder(filename, userID string) error {
	_, err := s.db.Exec(s.q(`DELETE FROM {p}reminders WHERE filename = ? AND user_id = ?`), filename, userID)
	if err != nil {
		return fmt.Errorf("delete reminder: %w", err)
	}
	return nil
}
