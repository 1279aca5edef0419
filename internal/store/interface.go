package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// EventType classifies a device event
type EventType string

const (
	EventStateChange EventType = "state_change"
	EventReboot      EventType = "reboot"
	EventRecovery    EventType = "recovery"
	EventWipe        EventType = "wipe"
	EventAllocation  EventType = "allocation"
	EventRelease     EventType = "release"
)

// Event is one recorded thing that happened to a device
type Event struct {
	ID        string    `json:"id"`
	Serial    string    `json:"serial"`
	Type      EventType `json:"type"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
}

// Store persists device events.
// The memory, SQLite and PostgreSQL stores implement this interface.
type Store interface {
	// RecordEvent stores ev, assigning an ID and timestamp when missing
	RecordEvent(ctx context.Context, ev *Event) error
	// ListEvents returns the newest events for serial, newest first; limit <= 0 means all
	ListEvents(ctx context.Context, serial string, limit int) ([]*Event, error)

	Close() error
	HealthCheck(ctx context.Context) error
}

// Config holds database configuration
type Config struct {
	Type string `yaml:"type" mapstructure:"type"` // "memory", "sqlite" or "postgres"
	DSN  string `yaml:"dsn" mapstructure:"dsn"`   // connection string or SQLite path

	MaxOpenConns    int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
}

var (
	ErrUnsupportedDatabase = errors.New("unsupported database type")
)

// NewStore creates a store based on configuration
func NewStore(config Config) (Store, error) {
	switch config.Type {
	case "memory", "":
		return NewMemoryStore(), nil
	case "sqlite", "sqlite3":
		path := config.DSN
		if path == "" {
			path = "devicectl.db"
		}
		return NewSQLiteStore(path)
	case "postgres", "postgresql":
		return NewPostgreSQLStore(config)
	default:
		return nil, ErrUnsupportedDatabase
	}
}

// prepare fills the generated fields of ev
func prepare(ev *Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
}
