package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/lherron/ingest/internal/domain"
	"github.com/lherron/ingest/internal/events"
)

// IngestStore handles ingest persistence operations.
type IngestStore struct {
	store *Store
}

// IngestCreateParams contains parameters for creating a new ingest.
type IngestCreateParams struct {
	Src      string
	Template string
	Config   domain.IngestConfig
}

// Create creates a new ingest in the created status.
func (is *IngestStore) Create(params IngestCreateParams) (*domain.Ingest, error) {
	cfgJSON, err := toJSON(params.Config)
	if err != nil {
		return nil, err
	}
	if err := domain.IngestMachine.ValidateTransition(domain.IngestUnstarted, domain.IngestCreated); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	now := is.store.now()

	err = is.store.withTx(func(tx *sql.Tx, ew *events.Writer) error {
		_, err := tx.Exec(`
			INSERT INTO ingests (id, src, template, status, config, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, id, params.Src, params.Template, domain.IngestCreated, cfgJSON, now, now)
		if err != nil {
			return fmt.Errorf("failed to create ingest: %w", err)
		}
		return ew.LogStatusChange(tx, "ingest", id, string(domain.IngestUnstarted), string(domain.IngestCreated))
	})
	if err != nil {
		return nil, err
	}

	return is.Get(id)
}

// Get returns an ingest with its status history.
func (is *IngestStore) Get(id string) (*domain.Ingest, error) {
	var ing domain.Ingest
	var status, cfgJSON, createdAt, updatedAt string
	err := is.store.db.QueryRow(`
		SELECT id, src, template, status, config, created_at, updated_at
		FROM ingests WHERE id = ?
	`, id).Scan(&ing.ID, &ing.Src, &ing.Template, &status, &cfgJSON, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("ingest %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get ingest: %w", err)
	}
	ing.Status = domain.IngestStatus(status)
	ing.CreatedAt = parseTime(createdAt)
	ing.UpdatedAt = parseTime(updatedAt)
	if err := json.Unmarshal([]byte(cfgJSON), &ing.Config); err != nil {
		return nil, fmt.Errorf("failed to parse ingest config: %w", err)
	}

	history, err := events.History(is.store.db, id)
	if err != nil {
		return nil, err
	}
	ing.History = history
	return &ing, nil
}

// Status returns only the current status of an ingest.
func (is *IngestStore) Status(id string) (domain.IngestStatus, error) {
	var status string
	err := is.store.db.QueryRow("SELECT status FROM ingests WHERE id = ?", id).Scan(&status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("ingest %s: %w", id, domain.ErrNotFound)
		}
		return "", fmt.Errorf("failed to get ingest status: %w", err)
	}
	return domain.IngestStatus(status), nil
}

// SetStatus validates and applies a status transition, returning the
// previous status. A rejected transition returns *domain.InvalidTransitionError.
func (is *IngestStore) SetStatus(id string, to domain.IngestStatus) (domain.IngestStatus, error) {
	var from domain.IngestStatus

	err := is.store.withTx(func(tx *sql.Tx, ew *events.Writer) error {
		var current string
		err := tx.QueryRow("SELECT status FROM ingests WHERE id = ?", id).Scan(&current)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("ingest %s: %w", id, domain.ErrNotFound)
			}
			return fmt.Errorf("failed to get ingest status: %w", err)
		}
		from = domain.IngestStatus(current)

		if err := domain.IngestMachine.ValidateTransition(from, to); err != nil {
			return err
		}

		_, err = tx.Exec("UPDATE ingests SET status = ?, updated_at = ? WHERE id = ?", to, is.store.now(), id)
		if err != nil {
			return fmt.Errorf("failed to update ingest status: %w", err)
		}

		return ew.LogStatusChange(tx, "ingest", id, string(from), string(to))
	})

	return from, err
}

// List returns all ingests, newest first, without history.
func (is *IngestStore) List() ([]domain.Ingest, error) {
	rows, err := is.store.db.Query(`
		SELECT id, src, status, config, created_at, updated_at
		FROM ingests ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list ingests: %w", err)
	}
	defer rows.Close()

	var out []domain.Ingest
	for rows.Next() {
		var ing domain.Ingest
		var status, cfgJSON, createdAt, updatedAt string
		if err := rows.Scan(&ing.ID, &ing.Src, &status, &cfgJSON, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ingest: %w", err)
		}
		ing.Status = domain.IngestStatus(status)
		ing.CreatedAt = parseTime(createdAt)
		ing.UpdatedAt = parseTime(updatedAt)
		_ = json.Unmarshal([]byte(cfgJSON), &ing.Config)
		out = append(out, ing)
	}
	return out, rows.Err()
}
