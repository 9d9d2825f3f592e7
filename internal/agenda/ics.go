package agenda

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-ical"
)

// Categories like "4P" are not real categories: they encode how many
// volunteers the event needs.
var volunteerCountRe = regexp.MustCompile(`^(\d+)P$`)

// parsedICS wraps a decoded VEVENT together with the fields the agenda
// cares about. The underlying calendar object is kept so registration
// changes can be serialized back without losing unrelated properties.
type parsedICS struct {
	cal        *ical.Calendar
	event      *ical.Component
	summary    string
	start      time.Time
	categories []string
	volunteers *int
	emails     []string
}

func parseICS(raw string) (*parsedICS, error) {
	cal, err := ical.NewDecoder(strings.NewReader(raw)).Decode()
	if err != nil {
		return nil, fmt.Errorf("decode calendar object: %w", err)
	}

	var event *ical.Component
	for _, child := range cal.Children {
		if child.Name == ical.CompEvent {
			event = child
			break
		}
	}
	if event == nil {
		return nil, fmt.Errorf("calendar object has no VEVENT")
	}

	startProp := event.Props.Get(ical.PropDateTimeStart)
	if startProp == nil {
		return nil, fmt.Errorf("event has no DTSTART")
	}
	start, err := startProp.DateTime(time.UTC)
	if err != nil {
		return nil, fmt.Errorf("parse DTSTART: %w", err)
	}

	p := &parsedICS{cal: cal, event: event, start: start}
	if s := event.Props.Get(ical.PropSummary); s != nil {
		p.summary = s.Value
	}

	for _, prop := range event.Props.Values(ical.PropCategories) {
		names, err := prop.TextList()
		if err != nil {
			return nil, fmt.Errorf("parse CATEGORIES: %w", err)
		}
		for _, name := range names {
			if m := volunteerCountRe.FindStringSubmatch(name); m != nil {
				// First count tag wins; later ones are dropped entirely.
				if p.volunteers == nil {
					n, _ := strconv.Atoi(m[1])
					p.volunteers = &n
				}
				continue
			}
			p.categories = append(p.categories, name)
		}
	}

	for _, prop := range event.Props.Values(ical.PropAttendee) {
		p.emails = append(p.emails, attendeeEmail(prop.Value))
	}

	return p, nil
}

func attendeeEmail(value string) string {
	if len(value) >= 7 && strings.EqualFold(value[:7], "mailto:") {
		return value[7:]
	}
	return value
}

// findAttendee returns the ATTENDEE property for the given email, or nil.
func (p *parsedICS) findAttendee(email string) *ical.Prop {
	for i, prop := range p.event.Props[ical.PropAttendee] {
		if strings.EqualFold(attendeeEmail(prop.Value), email) {
			return &p.event.Props[ical.PropAttendee][i]
		}
	}
	return nil
}

func declined(prop *ical.Prop) bool {
	return strings.EqualFold(prop.Params.Get(ical.ParamParticipationStatus), "DECLINED")
}

func (p *parsedICS) addAttendee(email, displayName string) {
	prop := ical.NewProp(ical.PropAttendee)
	prop.Value = "mailto:" + email
	if displayName != "" {
		prop.Params.Set(ical.ParamCommonName, displayName)
	}
	prop.Params.Set(ical.ParamParticipationStatus, "ACCEPTED")
	p.event.Props.Add(prop)
}

func (p *parsedICS) removeAttendee(email string) {
	props := p.event.Props[ical.PropAttendee]
	kept := props[:0]
	for _, prop := range props {
		if !strings.EqualFold(attendeeEmail(prop.Value), email) {
			kept = append(kept, prop)
		}
	}
	if len(kept) == 0 {
		delete(p.event.Props, ical.PropAttendee)
	} else {
		p.event.Props[ical.PropAttendee] = kept
	}
}

// encode serializes the calendar object back to iCalendar text.
func (p *parsedICS) encode() (string, error) {
	var buf strings.Builder
	if err := ical.NewEncoder(&buf).Encode(p.cal); err != nil {
		return "", fmt.Errorf("encode calendar object: %w", err)
	}
	return buf.String(), nil
}
