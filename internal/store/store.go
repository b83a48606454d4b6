// Package store provides a persistence layer that abstracts database operations,
// validating status transitions and recording them in the event log.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/lherron/ingest/internal/db"
	"github.com/lherron/ingest/internal/events"
)

// timeFormat sorts lexically in chronological order
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// Store is the root store that provides access to domain-specific stores.
type Store struct {
	db    *db.DB
	clock clockwork.Clock

	// Domain-specific stores
	Ingests    *IngestStore
	Tasks      *TaskStore
	Containers *ContainerStore
	Items      *ItemStore
	UIDs       *UIDStore
	Errors     *ErrorStore
}

// New creates a new Store wrapping the given database connection.
func New(database *db.DB) *Store {
	return NewWithClock(database, clockwork.NewRealClock())
}

// NewWithClock creates a Store that timestamps records with clock.
func NewWithClock(database *db.DB, clock clockwork.Clock) *Store {
	s := &Store{db: database, clock: clock}
	s.Ingests = &IngestStore{store: s}
	s.Tasks = &TaskStore{store: s}
	s.Containers = &ContainerStore{store: s}
	s.Items = &ItemStore{store: s}
	s.UIDs = &UIDStore{store: s}
	s.Errors = &ErrorStore{store: s}
	return s
}

// DB returns the underlying database connection (for read-only queries).
func (s *Store) DB() *db.DB {
	return s.db
}

func (s *Store) now() string {
	return s.clock.Now().UTC().Format(timeFormat)
}

// withTx executes fn within a transaction. If fn returns nil, the transaction
// is committed; otherwise it is rolled back.
func (s *Store) withTx(fn func(tx *sql.Tx, ew *events.Writer) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	ew := events.NewWriter(s.db.DB, s.clock)
	if err := fn(tx, ew); err != nil {
		return err
	}

	return tx.Commit()
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeFormat, s)
	return t
}

func toJSON(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal json: %w", err)
	}
	return string(data), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
