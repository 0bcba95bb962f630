package main

import (
	"database/sql"
	"fmt"
	"strings"

	"gakuenhub-backend/internal/db"
	"gakuenhub-backend/services/push"
)

type DatabaseConfig struct {
	File      string `json:"file"`
	Url       string `json:"url"`
	AuthToken string `json:"auth_token"`
}

// open prefers a remote libsql url and falls back to a local sqlite
// file, then applies the schema.
func (c DatabaseConfig) open() (*sql.DB, error) {
	var (
		database *sql.DB
		err      error
	)
	if c.Url != "" {
		url := c.Url
		if c.AuthToken != "" {
			url = fmt.Sprintf("%s?authToken=%s", url, c.AuthToken)
		}
		database, err = sql.Open("libsql", url)
	} else {
		database, err = sql.Open("sqlite", fmt.Sprintf("file:%s", c.File))
	}
	if err != nil {
		return nil, err
	}

	_, err = database.Exec(db.Schema)
	if err != nil && !strings.Contains(err.Error(), "already exists") {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return database, nil
}

type ClassroomConfig struct {
	ClientId     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

type WindowConfig struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

type PushConfig struct {
	// push gateway to deliver payloads through, log-only when empty
	WebhookUrl string                  `json:"webhook_url"`
	Windows    map[string]WindowConfig `json:"windows"`
}

func (c PushConfig) windows() map[string]push.Window {
	if len(c.Windows) == 0 {
		return nil
	}
	out := map[string]push.Window{}
	for pool, window := range c.Windows {
		out[pool] = push.Window(window)
	}
	return out
}

type Config struct {
	PortalUrl string          `json:"portal_url"`
	Port      int             `json:"port"`
	Database  DatabaseConfig  `json:"database"`
	Classroom ClassroomConfig `json:"classroom"`
	Push      PushConfig      `json:"push"`
}
