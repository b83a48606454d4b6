package events

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/lherron/ingest/internal/domain"
)

// EventStatusChanged is logged for every persisted status transition
const EventStatusChanged = "status.changed"

// Writer handles writing events to the event log
type Writer struct {
	db    *sql.DB
	clock clockwork.Clock
}

// NewWriter creates a new event writer
func NewWriter(db *sql.DB, clock clockwork.Clock) *Writer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Writer{db: db, clock: clock}
}

// LogEvent writes an event to the event log
func (w *Writer) LogEvent(tx *sql.Tx, event *domain.Event) error {
	query := `
		INSERT INTO event_log (timestamp, resource_type, resource_id, event_type, payload)
		VALUES (?, ?, ?, ?, ?)
	`

	ts := event.Timestamp
	if ts.IsZero() {
		ts = w.clock.Now()
	}

	executor := w.getExecutor(tx)
	_, err := executor.Exec(query, ts.UTC().Format(time.RFC3339Nano), event.ResourceType, event.ResourceID, event.EventType, event.Payload)
	if err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}

	return nil
}

// LogStatusChange logs a status transition of an ingest or task
func (w *Writer) LogStatusChange(tx *sql.Tx, resourceType, resourceID, from, to string) error {
	payload, err := json.Marshal(map[string]string{
		"from": from,
		"to":   to,
	})
	if err != nil {
		return err
	}

	payloadStr := string(payload)
	return w.LogEvent(tx, &domain.Event{
		ResourceType: resourceType,
		ResourceID:   resourceID,
		EventType:    EventStatusChanged,
		Payload:      &payloadStr,
	})
}

// History returns the ordered status transitions of a resource
func History(q interface {
	Query(query string, args ...interface{}) (*sql.Rows, error)
}, resourceID string) ([]domain.StatusChange, error) {
	rows, err := q.Query(`
		SELECT timestamp, payload FROM event_log
		WHERE resource_id = ? AND event_type = ?
		ORDER BY id
	`, resourceID, EventStatusChanged)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var history []domain.StatusChange
	for rows.Next() {
		var ts string
		var payload sql.NullString
		if err := rows.Scan(&ts, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		var change domain.StatusChange
		if payload.Valid {
			if err := json.Unmarshal([]byte(payload.String), &change); err != nil {
				return nil, fmt.Errorf("failed to parse history payload: %w", err)
			}
		}
		change.At, _ = time.Parse(time.RFC3339Nano, ts)
		history = append(history, change)
	}
	return history, rows.Err()
}

// getExecutor returns the appropriate executor (tx or db)
func (w *Writer) getExecutor(tx *sql.Tx) interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
} {
	if tx != nil {
		return tx
	}
	return w.db
}
