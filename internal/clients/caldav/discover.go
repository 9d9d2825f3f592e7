package caldav

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/emersion/go-webdav/caldav"
)

// DiscoverCalendars walks principal -> calendar-home-set -> calendars on
// serverURL and returns the collections found. It is a setup helper: the
// sync engine itself always talks to one configured collection.
func DiscoverCalendars(ctx context.Context, serverURL, username, password string) ([]Calendar, error) {
	httpClient := &http.Client{
		Transport: &basicAuthTransport{username: username, password: password},
		Timeout:   30 * time.Second,
	}

	client, err := caldav.NewClient(httpClient, serverURL)
	if err != nil {
		return nil, fmt.Errorf("connect to CalDAV: %w", err)
	}

	principal, err := client.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return nil, fmt.Errorf("find principal: %w", err)
	}

	homeSet, err := client.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return nil, fmt.Errorf("find home set: %w", err)
	}

	cals, err := client.FindCalendars(ctx, homeSet)
	if err != nil {
		return nil, fmt.Errorf("find calendars: %w", err)
	}

	var result []Calendar
	for _, cal := range cals {
		result = append(result, Calendar{
			Path:        cal.Path,
			DisplayName: cal.Name,
		})
	}
	return result, nil
}
