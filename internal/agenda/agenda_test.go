package agenda

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/zwpdev/agendabot/internal/clients/caldav"
	"github.com/zwpdev/agendabot/internal/clients/slack"
	"github.com/zwpdev/agendabot/internal/domain"
	"github.com/zwpdev/agendabot/internal/storage"
)

var testNow = time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

// === Mocks ===

type mockCalDAV struct {
	mock.Mock
}

func (m *mockCalDAV) GetCTag(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *mockCalDAV) GetETags(ctx context.Context, notBefore, notAfter *time.Time) (map[string]string, error) {
	args := m.Called(ctx, notBefore, notAfter)
	etags, _ := args.Get(0).(map[string]string)
	return etags, args.Error(1)
}

func (m *mockCalDAV) FetchEvents(ctx context.Context, filenames []string) ([]caldav.RemoteEvent, error) {
	args := m.Called(ctx, filenames)
	events, _ := args.Get(0).([]caldav.RemoteEvent)
	return events, args.Error(1)
}

func (m *mockCalDAV) UpdateEvent(ctx context.Context, filename, etag, raw string, quiet412 bool) (string, error) {
	args := m.Called(ctx, filename, etag, raw, quiet412)
	return args.String(0), args.Error(1)
}

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) LookupUserByEmail(email string) (*slack.User, error) {
	args := m.Called(email)
	user, _ := args.Get(0).(*slack.User)
	return user, args.Error(1)
}

func (m *mockNotifier) ScheduleMessage(userID, text string, postAt time.Time) (string, error) {
	args := m.Called(userID, text, postAt)
	return args.String(0), args.Error(1)
}

func (m *mockNotifier) DeleteScheduledMessage(userID, scheduledMessageID string) error {
	return m.Called(userID, scheduledMessageID).Error(0)
}

func (m *mockNotifier) PostMessage(userID, text string) error {
	return m.Called(userID, text).Error(0)
}

func newTestAgenda(t *testing.T) (*Agenda, *storage.Store, *mockCalDAV, *mockNotifier) {
	t.Helper()
	store, err := storage.New(storage.Config{DSN: filepath.Join(t.TempDir(), "test.db")}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.CreateTables())

	calendar := &mockCalDAV{}
	notifier := &mockNotifier{}
	a := New(store, calendar, notifier, slog.New(slog.NewTextHandler(io.Discard, nil)))
	a.now = func() time.Time { return testNow }
	return a, store, calendar, notifier
}

func seedEvent(t *testing.T, store *storage.Store, filename, etag, raw string, categories []string, attendees []domain.Attendee) {
	t.Helper()
	parsed, err := parseICS(raw)
	require.NoError(t, err)
	_, err = store.UpsertEvent(&domain.Event{
		Filename:           filename,
		ETag:               etag,
		StartTime:          parsed.start,
		VolunteersRequired: parsed.volunteers,
		Raw:                raw,
	}, categories, attendees)
	require.NoError(t, err)
}

func userIDPtr(id string) *string { return &id }

// === Reconciliation ===

func TestCheckAgendaNoChange(t *testing.T) {
	a, store, calendar, _ := newTestAgenda(t)
	require.NoError(t, store.SetCTag("v1"))
	calendar.On("GetCTag", mock.Anything).Return("v1", nil).Once()

	changed, err := a.CheckAgenda(context.Background())
	require.NoError(t, err)
	assert.False(t, changed)
	calendar.AssertNotCalled(t, "GetETags", mock.Anything, mock.Anything, mock.Anything)
}

func TestCheckAgendaSyncsNewEvent(t *testing.T) {
	a, _, calendar, notifier := newTestAgenda(t)
	start := testNow.Add(72 * time.Hour)
	raw := buildICS("Street fair", start, []string{"A", "B", "C", "2P"},
		"ATTENDEE;PARTSTAT=ACCEPTED:mailto:alice@example.org",
		"ATTENDEE;PARTSTAT=ACCEPTED:mailto:ghost@example.org",
	)

	calendar.On("GetCTag", mock.Anything).Return("v1", nil)
	calendar.On("GetETags", mock.Anything, mock.Anything, mock.Anything).
		Return(map[string]string{"fair.ics": "e1"}, nil).Once()
	calendar.On("FetchEvents", mock.Anything, []string{"fair.ics"}).
		Return([]caldav.RemoteEvent{{Filename: "fair.ics", ETag: "e1", Raw: raw}}, nil).Once()
	notifier.On("LookupUserByEmail", "alice@example.org").Return(&slack.User{ID: "U0001"}, nil).Once()
	notifier.On("LookupUserByEmail", "ghost@example.org").Return(nil, nil).Once()

	changed, err := a.CheckAgenda(context.Background())
	require.NoError(t, err)
	assert.True(t, changed)

	pe, err := a.GetParsedEvent("fair.ics", "U0001")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"A", "B", "C"}, pe.Categories)
	assert.Equal(t, []string{"U0001"}, pe.Attendees)
	assert.Equal(t, 1, pe.UnknownAttendees)
	assert.True(t, pe.IsRegistered)
	require.NotNil(t, pe.VolunteersRequired)
	assert.Equal(t, 2, *pe.VolunteersRequired)

	// Second run with an unchanged collection tag must be a no-op.
	changed, err = a.CheckAgenda(context.Background())
	require.NoError(t, err)
	assert.False(t, changed)
	calendar.AssertExpectations(t)
	notifier.AssertExpectations(t)
}

func TestCheckAgendaUnchangedEventNotRefetched(t *testing.T) {
	a, store, calendar, _ := newTestAgenda(t)
	raw := buildICS("Picnic", testNow.Add(24*time.Hour), nil)
	seedEvent(t, store, "picnic.ics", "e1", raw, nil, nil)
	require.NoError(t, store.SetCTag("v1"))

	calendar.On("GetCTag", mock.Anything).Return("v2", nil).Once()
	calendar.On("GetETags", mock.Anything, mock.Anything, mock.Anything).
		Return(map[string]string{"picnic.ics": "e1"}, nil).Once()

	changed, err := a.CheckAgenda(context.Background())
	require.NoError(t, err)
	assert.True(t, changed)
	calendar.AssertNotCalled(t, "FetchEvents", mock.Anything, mock.Anything)

	ctag, err := store.GetCTag()
	require.NoError(t, err)
	assert.Equal(t, "v2", ctag)
}

func TestCheckAgendaRemovesDeletedFutureEvent(t *testing.T) {
	a, store, calendar, notifier := newTestAgenda(t)
	raw := buildICS("Concert", testNow.Add(48*time.Hour), nil,
		"ATTENDEE;PARTSTAT=ACCEPTED:mailto:alice@example.org")
	seedEvent(t, store, "concert.ics", "e1", raw, nil, []domain.Attendee{
		{Email: "alice@example.org", UserID: userIDPtr("U0001")},
	})
	require.NoError(t, store.AddReminder(&domain.Reminder{ID: "Q1", Filename: "concert.ics", UserID: "U0001"}))

	calendar.On("GetCTag", mock.Anything).Return("v2", nil).Once()
	calendar.On("GetETags", mock.Anything, mock.Anything, mock.Anything).
		Return(map[string]string{}, nil).Once()
	notifier.On("DeleteScheduledMessage", "U0001", "Q1").Return(nil).Once()
	notifier.On("PostMessage", "U0001", mock.Anything).Return(nil).Once()

	changed, err := a.CheckAgenda(context.Background())
	require.NoError(t, err)
	assert.True(t, changed)

	ev, err := store.GetEvent("concert.ics")
	require.NoError(t, err)
	assert.Nil(t, ev)
	notifier.AssertExpectations(t)
}

func TestCheckAgendaRemovesDeletedPastEventQuietly(t *testing.T) {
	a, store, calendar, notifier := newTestAgenda(t)
	raw := buildICS("Old concert", testNow.Add(-48*time.Hour), nil,
		"ATTENDEE;PARTSTAT=ACCEPTED:mailto:alice@example.org")
	seedEvent(t, store, "old.ics", "e1", raw, nil, []domain.Attendee{
		{Email: "alice@example.org", UserID: userIDPtr("U0001")},
	})
	require.NoError(t, store.AddReminder(&domain.Reminder{ID: "Q1", Filename: "old.ics", UserID: "U0001"}))

	calendar.On("GetCTag", mock.Anything).Return("v2", nil).Once()
	calendar.On("GetETags", mock.Anything, mock.Anything, mock.Anything).
		Return(map[string]string{}, nil).Once()
	notifier.On("DeleteScheduledMessage", "U0001", "Q1").Return(nil).Once()

	changed, err := a.CheckAgenda(context.Background())
	require.NoError(t, err)
	assert.True(t, changed)

	notifier.AssertNotCalled(t, "PostMessage", mock.Anything, mock.Anything)
	notifier.AssertExpectations(t)
}

func TestCheckAgendaMigratesReminderOnStartChange(t *testing.T) {
	a, store, calendar, notifier := newTestAgenda(t)
	oldStart := testNow.Add(48 * time.Hour)
	newStart := testNow.Add(96 * time.Hour)
	oldRaw := buildICS("Concert", oldStart, nil, "ATTENDEE;PARTSTAT=ACCEPTED:mailto:alice@example.org")
	newRaw := buildICS("Concert", newStart, nil, "ATTENDEE;PARTSTAT=ACCEPTED:mailto:alice@example.org")
	seedEvent(t, store, "concert.ics", "e1", oldRaw, nil, []domain.Attendee{
		{Email: "alice@example.org", UserID: userIDPtr("U0001")},
	})
	require.NoError(t, store.AddReminder(&domain.Reminder{ID: "Q1", Filename: "concert.ics", UserID: "U0001"}))

	calendar.On("GetCTag", mock.Anything).Return("v2", nil).Once()
	calendar.On("GetETags", mock.Anything, mock.Anything, mock.Anything).
		Return(map[string]string{"concert.ics": "e2"}, nil).Once()
	calendar.On("FetchEvents", mock.Anything, []string{"concert.ics"}).
		Return([]caldav.RemoteEvent{{Filename: "concert.ics", ETag: "e2", Raw: newRaw}}, nil).Once()
	notifier.On("DeleteScheduledMessage", "U0001", "Q1").Return(nil).Once()
	notifier.On("ScheduleMessage", "U0001", mock.Anything, newStart.Add(-24*time.Hour)).Return("Q2", nil).Once()

	changed, err := a.CheckAgenda(context.Background())
	require.NoError(t, err)
	assert.True(t, changed)

	r, err := store.GetReminder("concert.ics", "U0001")
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, "Q2", r.ID)
	notifier.AssertExpectations(t)
}

func TestCheckAgendaSkipsReminderAlreadyInPast(t *testing.T) {
	a, store, calendar, notifier := newTestAgenda(t)
	oldStart := testNow.Add(72 * time.Hour)
	newStart := testNow.Add(12 * time.Hour) // reminder point already behind us
	oldRaw := buildICS("Concert", oldStart, nil, "ATTENDEE;PARTSTAT=ACCEPTED:mailto:alice@example.org")
	newRaw := buildICS("Concert", newStart, nil, "ATTENDEE;PARTSTAT=ACCEPTED:mailto:alice@example.org")
	seedEvent(t, store, "concert.ics", "e1", oldRaw, nil, []domain.Attendee{
		{Email: "alice@example.org", UserID: userIDPtr("U0001")},
	})
	require.NoError(t, store.AddReminder(&domain.Reminder{ID: "Q1", Filename: "concert.ics", UserID: "U0001"}))

	calendar.On("GetCTag", mock.Anything).Return("v2", nil).Once()
	calendar.On("GetETags", mock.Anything, mock.Anything, mock.Anything).
		Return(map[string]string{"concert.ics": "e2"}, nil).Once()
	calendar.On("FetchEvents", mock.Anything, []string{"concert.ics"}).
		Return([]caldav.RemoteEvent{{Filename: "concert.ics", ETag: "e2", Raw: newRaw}}, nil).Once()
	notifier.On("DeleteScheduledMessage", "U0001", "Q1").Return(nil).Once()

	_, err := a.CheckAgenda(context.Background())
	require.NoError(t, err)

	r, err := store.GetReminder("concert.ics", "U0001")
	require.NoError(t, err)
	assert.Nil(t, r, "no replacement reminder may exist for a reminder point in the past")
	notifier.AssertNotCalled(t, "ScheduleMessage", mock.Anything, mock.Anything, mock.Anything)
}

// === Registration ===

func TestUpdateAttendeeRegister(t *testing.T) {
	a, store, calendar, notifier := newTestAgenda(t)
	start := testNow.Add(72 * time.Hour)
	raw := buildICS("Concert", start, []string{"Music"})
	seedEvent(t, store, "concert.ics", "e1", raw, []string{"Music"}, nil)

	calendar.On("UpdateEvent", mock.Anything, "concert.ics", "e1", mock.Anything, true).
		Return("e2", nil).Once()
	notifier.On("ScheduleMessage", "U0001", mock.Anything, start.Add(-24*time.Hour)).Return("Q1", nil).Once()
	notifier.On("LookupUserByEmail", "alice@example.org").Return(&slack.User{ID: "U0001"}, nil).Once()

	result, err := a.UpdateAttendee(context.Background(), "concert.ics", "alice@example.org", true, "Alice", "U0001")
	require.NoError(t, err)
	assert.Equal(t, UpdateApplied, result)

	pe, err := a.GetParsedEvent("concert.ics", "U0001")
	require.NoError(t, err)
	assert.Equal(t, "e2", pe.ETag)
	assert.True(t, pe.IsRegistered)

	r, err := store.GetReminder("concert.ics", "U0001")
	require.NoError(t, err)
	require.NotNil(t, r)
	assert.Equal(t, "Q1", r.ID)
	calendar.AssertExpectations(t)
	notifier.AssertExpectations(t)
}

func TestUpdateAttendeeRegisterAlreadyRegisteredIsNoOp(t *testing.T) {
	a, store, calendar, notifier := newTestAgenda(t)
	raw := buildICS("Concert", testNow.Add(72*time.Hour), nil,
		"ATTENDEE;PARTSTAT=ACCEPTED:mailto:alice@example.org")
	seedEvent(t, store, "concert.ics", "e1", raw, nil, []domain.Attendee{
		{Email: "alice@example.org", UserID: userIDPtr("U0001")},
	})

	result, err := a.UpdateAttendee(context.Background(), "concert.ics", "alice@example.org", true, "Alice", "U0001")
	require.NoError(t, err)
	assert.Equal(t, UpdateNoOp, result)
	calendar.AssertNotCalled(t, "UpdateEvent", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	notifier.AssertNotCalled(t, "ScheduleMessage", mock.Anything, mock.Anything, mock.Anything)
}

func TestUpdateAttendeeUnregisterUnknownIsNoOp(t *testing.T) {
	a, store, calendar, _ := newTestAgenda(t)
	raw := buildICS("Concert", testNow.Add(72*time.Hour), nil)
	seedEvent(t, store, "concert.ics", "e1", raw, nil, nil)

	result, err := a.UpdateAttendee(context.Background(), "concert.ics", "alice@example.org", false, "", "U0001")
	require.NoError(t, err)
	assert.Equal(t, UpdateNoOp, result)
	calendar.AssertNotCalled(t, "UpdateEvent", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestUpdateAttendeeReplacesDeclinedEntry(t *testing.T) {
	a, store, calendar, notifier := newTestAgenda(t)
	start := testNow.Add(72 * time.Hour)
	raw := buildICS("Concert", start, nil, "ATTENDEE;PARTSTAT=DECLINED:mailto:alice@example.org")
	seedEvent(t, store, "concert.ics", "e1", raw, nil, nil)

	var written string
	calendar.On("UpdateEvent", mock.Anything, "concert.ics", "e1", mock.Anything, true).
		Run(func(args mock.Arguments) { written = args.String(3) }).
		Return("e2", nil).Once()
	notifier.On("ScheduleMessage", "U0001", mock.Anything, mock.Anything).Return("Q1", nil).Once()
	notifier.On("LookupUserByEmail", "alice@example.org").Return(&slack.User{ID: "U0001"}, nil).Once()

	result, err := a.UpdateAttendee(context.Background(), "concert.ics", "alice@example.org", true, "Alice", "U0001")
	require.NoError(t, err)
	assert.Equal(t, UpdateApplied, result)

	parsed, err := parseICS(written)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice@example.org"}, parsed.emails, "the stale declined entry must be replaced, not duplicated")
	assert.False(t, declined(parsed.findAttendee("alice@example.org")))
}

func TestUpdateAttendeeUnregisterCancelsReminder(t *testing.T) {
	a, store, calendar, notifier := newTestAgenda(t)
	start := testNow.Add(72 * time.Hour)
	raw := buildICS("Concert", start, nil, "ATTENDEE;PARTSTAT=ACCEPTED:mailto:alice@example.org")
	rawWithout := buildICS("Concert", start, nil)
	seedEvent(t, store, "concert.ics", "e1", raw, nil, []domain.Attendee{
		{Email: "alice@example.org", UserID: userIDPtr("U0001")},
	})
	require.NoError(t, store.AddReminder(&domain.Reminder{ID: "Q1", Filename: "concert.ics", UserID: "U0001"}))

	// The server sends no ETag back, forcing a single-event re-fetch.
	calendar.On("UpdateEvent", mock.Anything, "concert.ics", "e1", mock.Anything, true).
		Return("", nil).Once()
	calendar.On("FetchEvents", mock.Anything, []string{"concert.ics"}).
		Return([]caldav.RemoteEvent{{Filename: "concert.ics", ETag: "e2", Raw: rawWithout}}, nil).Once()
	notifier.On("DeleteScheduledMessage", "U0001", "Q1").Return(nil).Once()

	result, err := a.UpdateAttendee(context.Background(), "concert.ics", "alice@example.org", false, "", "U0001")
	require.NoError(t, err)
	assert.Equal(t, UpdateApplied, result)

	r, err := store.GetReminder("concert.ics", "U0001")
	require.NoError(t, err)
	assert.Nil(t, r)

	pe, err := a.GetParsedEvent("concert.ics", "U0001")
	require.NoError(t, err)
	assert.Equal(t, "e2", pe.ETag)
	assert.False(t, pe.IsRegistered)
	calendar.AssertExpectations(t)
	notifier.AssertExpectations(t)
}

func TestUpdateAttendeeUnknownEvent(t *testing.T) {
	a, _, _, _ := newTestAgenda(t)

	_, err := a.UpdateAttendee(context.Background(), "missing.ics", "alice@example.org", true, "Alice", "U0001")
	assert.ErrorIs(t, err, ErrEventNotFound)
}

func TestUpdateAttendeeConflictRecovered(t *testing.T) {
	a, store, calendar, notifier := newTestAgenda(t)
	start := testNow.Add(72 * time.Hour)
	raw := buildICS("Concert", start, nil)
	rawWithBob := buildICS("Concert", start, nil, "ATTENDEE;PARTSTAT=ACCEPTED:mailto:bob@example.org")
	seedEvent(t, store, "concert.ics", "e1", raw, nil, nil)
	require.NoError(t, store.SetCTag("v1"))

	// First write loses the race against bob's registration.
	calendar.On("UpdateEvent", mock.Anything, "concert.ics", "e1", mock.Anything, true).
		Return("", caldav.ErrConflict).Once()
	// The reconciliation pulls bob's version with a fresh etag.
	calendar.On("GetCTag", mock.Anything).Return("v2", nil).Once()
	calendar.On("GetETags", mock.Anything, mock.Anything, mock.Anything).
		Return(map[string]string{"concert.ics": "e2"}, nil).Once()
	calendar.On("FetchEvents", mock.Anything, []string{"concert.ics"}).
		Return([]caldav.RemoteEvent{{Filename: "concert.ics", ETag: "e2", Raw: rawWithBob}}, nil).Once()
	notifier.On("LookupUserByEmail", "bob@example.org").Return(&slack.User{ID: "U0002"}, nil).Once()
	// The retry runs against the reconciled etag and succeeds.
	calendar.On("UpdateEvent", mock.Anything, "concert.ics", "e2", mock.Anything, false).
		Return("e3", nil).Once()
	notifier.On("ScheduleMessage", "U0001", mock.Anything, start.Add(-24*time.Hour)).Return("Q1", nil).Once()
	notifier.On("LookupUserByEmail", "alice@example.org").Return(&slack.User{ID: "U0001"}, nil).Once()

	result, err := a.UpdateAttendee(context.Background(), "concert.ics", "alice@example.org", true, "Alice", "U0001")
	require.NoError(t, err)
	assert.Equal(t, UpdateApplied, result)

	pe, err := a.GetParsedEvent("concert.ics", "U0001")
	require.NoError(t, err)
	assert.Equal(t, "e3", pe.ETag)
	assert.True(t, pe.IsRegistered)
	assert.ElementsMatch(t, []string{"U0001", "U0002"}, pe.Attendees)

	r, err := store.GetReminder("concert.ics", "U0001")
	require.NoError(t, err)
	require.NotNil(t, r)
	calendar.AssertExpectations(t)
	notifier.AssertExpectations(t)
}

func TestUpdateAttendeeDoubleConflict(t *testing.T) {
	a, store, calendar, notifier := newTestAgenda(t)
	start := testNow.Add(72 * time.Hour)
	raw := buildICS("Concert", start, nil)
	seedEvent(t, store, "concert.ics", "e1", raw, nil, nil)
	require.NoError(t, store.SetCTag("v1"))

	calendar.On("UpdateEvent", mock.Anything, "concert.ics", "e1", mock.Anything, true).
		Return("", caldav.ErrConflict).Once()
	calendar.On("GetCTag", mock.Anything).Return("v2", nil).Once()
	calendar.On("GetETags", mock.Anything, mock.Anything, mock.Anything).
		Return(map[string]string{"concert.ics": "e2"}, nil).Once()
	calendar.On("FetchEvents", mock.Anything, []string{"concert.ics"}).
		Return([]caldav.RemoteEvent{{Filename: "concert.ics", ETag: "e2", Raw: raw}}, nil).Once()
	calendar.On("UpdateEvent", mock.Anything, "concert.ics", "e2", mock.Anything, false).
		Return("", caldav.ErrConflict).Once()

	_, err := a.UpdateAttendee(context.Background(), "concert.ics", "alice@example.org", true, "Alice", "U0001")
	assert.ErrorIs(t, err, ErrEventUpdateFailed)
	notifier.AssertNotCalled(t, "ScheduleMessage", mock.Anything, mock.Anything, mock.Anything)
	calendar.AssertExpectations(t)
}

// === Filtered reads ===

func TestEventsFiltered(t *testing.T) {
	a, store, _, _ := newTestAgenda(t)
	raw1 := buildICS("Concert", testNow.Add(24*time.Hour), []string{"Music", "2P"},
		"ATTENDEE;PARTSTAT=ACCEPTED:mailto:alice@example.org")
	raw2 := buildICS("Market", testNow.Add(48*time.Hour), []string{"Outdoor"})
	seedEvent(t, store, "concert.ics", "e1", raw1, []string{"Music"}, []domain.Attendee{
		{Email: "alice@example.org", UserID: userIDPtr("U0001")},
	})
	seedEvent(t, store, "market.ics", "e2", raw2, []string{"Outdoor"}, nil)

	events, pages, err := a.EventsFiltered(domain.EventFilter{UserID: "U0001", Page: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, pages)
	require.Len(t, events, 2)
	assert.Equal(t, "concert.ics", events[0].Filename)
	assert.True(t, events[0].IsRegistered)
	assert.False(t, events[1].IsRegistered)

	events, _, err = a.EventsFiltered(domain.EventFilter{NeedVolunteers: true, Page: 1})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "concert.ics", events[0].Filename)
}
