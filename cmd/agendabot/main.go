package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zwpdev/agendabot/config"
	"github.com/zwpdev/agendabot/internal/agenda"
	"github.com/zwpdev/agendabot/internal/clients/caldav"
	"github.com/zwpdev/agendabot/internal/clients/slack"
	"github.com/zwpdev/agendabot/internal/scheduler"
	"github.com/zwpdev/agendabot/internal/storage"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	store, err := storage.New(storage.Config{
		Driver:      cfg.DBDriver,
		DSN:         cfg.DatabaseDSN,
		TablePrefix: cfg.TablePrefix,
	}, logger)
	if err != nil {
		log.Fatalf("Failed to init storage: %v", err)
	}
	defer store.Close()

	if err := store.CreateTables(); err != nil {
		log.Fatalf("Failed to create tables: %v", err)
	}

	calendar := caldav.NewClient(cfg.CalDAVURL, cfg.CalDAVUsername, cfg.CalDAVPassword, logger)
	notifier := slack.NewClient(cfg.SlackBotToken, logger)
	ag := agenda.New(store, calendar, notifier, logger)

	// Initial sync so the mirror is warm before the first tick.
	syncCtx, syncCancel := context.WithTimeout(context.Background(), 2*time.Minute)
	if _, err := ag.CheckAgenda(syncCtx); err != nil {
		log.Printf("Initial sync failed: %v", err)
	}
	syncCancel()

	sched := scheduler.New(cfg, ag, store)
	if err := sched.Start(); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}

	log.Println("AgendaBot started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down...")
	sched.Stop()
}
