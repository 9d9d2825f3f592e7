package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	CalDAVURL      string
	CalDAVUsername string
	CalDAVPassword string
	SlackBotToken  string
	DBDriver       string
	DatabaseDSN    string
	TablePrefix    string
	Timezone       *time.Location
	SyncInterval   time.Duration
}

func Load() (*Config, error) {
	// A missing .env file is fine; real deployments set the environment
	// directly.
	_ = godotenv.Load()

	calURL := os.Getenv("CALDAV_URL")
	if calURL == "" {
		return nil, fmt.Errorf("CALDAV_URL is required")
	}
	calUser := os.Getenv("CALDAV_USERNAME")
	if calUser == "" {
		return nil, fmt.Errorf("CALDAV_USERNAME is required")
	}
	calPassword := os.Getenv("CALDAV_PASSWORD")
	if calPassword == "" {
		return nil, fmt.Errorf("CALDAV_PASSWORD is required")
	}

	slackToken := os.Getenv("SLACK_BOT_TOKEN")
	if slackToken == "" {
		return nil, fmt.Errorf("SLACK_BOT_TOKEN is required")
	}

	dbDriver := os.Getenv("DB_DRIVER")
	if dbDriver == "" {
		dbDriver = "sqlite3"
	}

	dsn := os.Getenv("DATABASE_DSN")
	if dsn == "" {
		if dbDriver != "sqlite3" {
			return nil, fmt.Errorf("DATABASE_DSN is required for driver %q", dbDriver)
		}
		dsn = "./data/agendabot.db"
	}

	tzName := os.Getenv("TIMEZONE")
	if tzName == "" {
		tzName = "UTC"
	}
	tz, err := time.LoadLocation(tzName)
	if err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE: %w", err)
	}

	syncMinutes := 5
	if m := os.Getenv("SYNC_INTERVAL_MINUTES"); m != "" {
		syncMinutes, err = strconv.Atoi(m)
		if err != nil || syncMinutes < 1 {
			return nil, fmt.Errorf("SYNC_INTERVAL_MINUTES must be a positive number")
		}
	}

	return &Config{
		CalDAVURL:      calURL,
		CalDAVUsername: calUser,
		CalDAVPassword: calPassword,
		SlackBotToken:  slackToken,
		DBDriver:       dbDriver,
		DatabaseDSN:    dsn,
		TablePrefix:    os.Getenv("TABLE_PREFIX"),
		Timezone:       tz,
		SyncInterval:   time.Duration(syncMinutes) * time.Minute,
	}, nil
}
