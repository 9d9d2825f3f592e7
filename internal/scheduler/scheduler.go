package scheduler

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/zwpdev/agendabot/config"
	"github.com/zwpdev/agendabot/internal/agenda"
	"github.com/zwpdev/agendabot/internal/storage"
)

// Scheduler triggers the periodic calendar sync and the weekly cleanup
// of orphaned categories and attendees. The reconciliation itself owns
// its consistency; overlapping runs across processes are safe.
type Scheduler struct {
	cron    *cron.Cron
	cfg     *config.Config
	agenda  *agenda.Agenda
	storage *storage.Store
}

func New(cfg *config.Config, ag *agenda.Agenda, store *storage.Store) *Scheduler {
	c := cron.New(cron.WithLocation(cfg.Timezone))

	return &Scheduler{
		cron:    c,
		cfg:     cfg,
		agenda:  ag,
		storage: store,
	}
}

func (s *Scheduler) Start() error {
	syncSpec := fmt.Sprintf("@every %s", s.cfg.SyncInterval)
	if _, err := s.cron.AddFunc(syncSpec, s.syncAgenda); err != nil {
		return fmt.Errorf("add agenda sync: %w", err)
	}

	// Weekly orphan cleanup, Sunday night
	if _, err := s.cron.AddFunc("0 4 * * 0", s.cleanOrphans); err != nil {
		return fmt.Errorf("add orphan cleanup: %w", err)
	}

	s.cron.Start()
	return nil
}

func (s *Scheduler) Stop() {
	s.cron.Stop()
}

func (s *Scheduler) syncAgenda() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	changed, err := s.agenda.CheckAgenda(ctx)
	if err != nil {
		log.Printf("Error syncing agenda: %v", err)
		return
	}
	if changed {
		log.Println("Agenda synced with remote changes")
	}
}

func (s *Scheduler) cleanOrphans() {
	categories, err := s.storage.CleanOrphanCategories()
	if err != nil {
		log.Printf("Error cleaning orphan categories: %v", err)
	} else if len(categories) > 0 {
		log.Printf("Removed %d orphan categories: %v", len(categories), categories)
	}

	attendees, err := s.storage.CleanOrphanAttendees()
	if err != nil {
		log.Printf("Error cleaning orphan attendees: %v", err)
	} else if len(attendees) > 0 {
		log.Printf("Removed %d orphan attendees", len(attendees))
	}
}
