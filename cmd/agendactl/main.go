package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/emersion/go-ical"
	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/zwpdev/agendabot/config"
	"github.com/zwpdev/agendabot/internal/agenda"
	"github.com/zwpdev/agendabot/internal/clients/caldav"
	"github.com/zwpdev/agendabot/internal/clients/slack"
	"github.com/zwpdev/agendabot/internal/domain"
	"github.com/zwpdev/agendabot/internal/storage"
)

func main() {
	app := &cli.App{
		Name:  "agendactl",
		Usage: "maintenance commands for the agenda mirror",
		Commands: []*cli.Command{
			{
				Name:   "init-db",
				Usage:  "create the mirror tables",
				Action: runInitDB,
			},
			{
				Name:   "sync",
				Usage:  "run one reconciliation against the remote calendar",
				Action: runSync,
			},
			{
				Name:   "truncate",
				Usage:  "empty the mirror, forcing a full re-sync on the next run",
				Action: runTruncate,
			},
			{
				Name:   "clean-orphans",
				Usage:  "remove categories and attendees no event references",
				Action: runCleanOrphans,
			},
			{
				Name:   "discover",
				Usage:  "list the calendar collections available on the server",
				Action: runDiscover,
			},
			{
				Name:  "list",
				Usage: "list upcoming events from the mirror",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "page", Value: 1},
					&cli.StringSliceFlag{Name: "category"},
					&cli.BoolFlag{Name: "need-volunteers"},
				},
				Action: runList,
			},
			{
				Name:  "create-event",
				Usage: "create a new event on the remote calendar",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "summary", Required: true},
					&cli.TimestampFlag{Name: "start", Layout: time.RFC3339, Required: true},
					&cli.DurationFlag{Name: "duration", Value: 2 * time.Hour},
					&cli.StringSliceFlag{Name: "category"},
					&cli.IntFlag{Name: "volunteers", Usage: "number of volunteers needed"},
				},
				Action: runCreateEvent,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func openStore(cfg *config.Config) (*storage.Store, error) {
	return storage.New(storage.Config{
		Driver:      cfg.DBDriver,
		DSN:         cfg.DatabaseDSN,
		TablePrefix: cfg.TablePrefix,
	}, slog.Default())
}

func buildAgenda(cfg *config.Config) (*agenda.Agenda, *storage.Store, error) {
	store, err := openStore(cfg)
	if err != nil {
		return nil, nil, err
	}
	logger := slog.Default()
	calendar := caldav.NewClient(cfg.CalDAVURL, cfg.CalDAVUsername, cfg.CalDAVPassword, logger)
	notifier := slack.NewClient(cfg.SlackBotToken, logger)
	return agenda.New(store, calendar, notifier, logger), store, nil
}

func runInitDB(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.CreateTables(); err != nil {
		return err
	}
	fmt.Println("Tables created")
	return nil
}

func runSync(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ag, store, err := buildAgenda(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	changed, err := ag.CheckAgenda(c.Context)
	if err != nil {
		return err
	}
	if changed {
		fmt.Println("Mirror updated")
	} else {
		fmt.Println("Already up to date")
	}
	return nil
}

func runTruncate(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.TruncateTables(); err != nil {
		return err
	}
	fmt.Println("Mirror emptied")
	return nil
}

func runCleanOrphans(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	categories, err := store.CleanOrphanCategories()
	if err != nil {
		return err
	}
	attendees, err := store.CleanOrphanAttendees()
	if err != nil {
		return err
	}
	fmt.Printf("Removed %d orphan categories, %d orphan attendees\n", len(categories), len(attendees))
	return nil
}

func runDiscover(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(c.Context, 30*time.Second)
	defer cancel()

	calendars, err := caldav.DiscoverCalendars(ctx, cfg.CalDAVURL, cfg.CalDAVUsername, cfg.CalDAVPassword)
	if err != nil {
		return err
	}
	for _, cal := range calendars {
		fmt.Printf("%s\t%s\n", cal.Path, cal.DisplayName)
	}
	return nil
}

func runList(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ag, store, err := buildAgenda(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	events, pages, err := ag.EventsFiltered(domain.EventFilter{
		Categories:     c.StringSlice("category"),
		NeedVolunteers: c.Bool("need-volunteers"),
		Page:           c.Int("page"),
	})
	if err != nil {
		return err
	}
	for _, ev := range events {
		line := fmt.Sprintf("%s\t%s", ev.StartTime.In(cfg.Timezone).Format("2006-01-02 15:04"), ev.Filename)
		if len(ev.Categories) > 0 {
			line += "\t[" + strings.Join(ev.Categories, ", ") + "]"
		}
		if ev.VolunteersRequired != nil {
			line += fmt.Sprintf("\t%d volunteers needed", *ev.VolunteersRequired)
		}
		fmt.Println(line)
	}
	fmt.Printf("Page %d of %d\n", c.Int("page"), pages)
	return nil
}

func runCreateEvent(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	start := c.Timestamp("start").UTC()
	categories := c.StringSlice("category")
	if n := c.Int("volunteers"); n > 0 {
		categories = append(categories, fmt.Sprintf("%dP", n))
	}

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//zwpdev//agendabot//EN")

	vevent := ical.NewEvent()
	vevent.Props.SetText(ical.PropUID, uuid.NewString())
	vevent.Props.SetText(ical.PropSummary, c.String("summary"))
	vevent.Props.SetDateTime(ical.PropDateTimeStart, start)
	vevent.Props.SetDateTime(ical.PropDateTimeEnd, start.Add(c.Duration("duration")))
	vevent.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())
	if len(categories) > 0 {
		prop := ical.NewProp(ical.PropCategories)
		prop.Value = strings.Join(categories, ",")
		vevent.Props.Add(prop)
	}
	cal.Children = append(cal.Children, vevent.Component)

	var buf strings.Builder
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	ctx, cancel := context.WithTimeout(c.Context, 30*time.Second)
	defer cancel()

	filename := uuid.NewString() + ".ics"
	client := caldav.NewClient(cfg.CalDAVURL, cfg.CalDAVUsername, cfg.CalDAVPassword, slog.Default())
	if err := client.CreateEvent(ctx, filename, buf.String()); err != nil {
		return err
	}
	fmt.Println("Created", filename)
	return nil
}
