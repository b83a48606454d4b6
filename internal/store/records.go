package store

import (
	"database/sql"
	"fmt"

	"github.com/lherron/ingest/internal/domain"
	"github.com/lherron/ingest/internal/events"
)

// UIDStore handles uid association records.
type UIDStore struct {
	store *Store
}

// InsertBatch inserts uid associations in one transaction. An association
// already recorded for the item is left as is.
func (us *UIDStore) InsertBatch(uids []*domain.UID) error {
	if len(uids) == 0 {
		return nil
	}
	return us.store.withTx(func(tx *sql.Tx, _ *events.Writer) error {
		stmt, err := tx.Prepare(`
			INSERT OR IGNORE INTO uids (ingest_id, item_id, uid, session_container_id, acquisition_container_id)
			VALUES (?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare uid insert: %w", err)
		}
		defer stmt.Close()

		for _, u := range uids {
			if _, err := stmt.Exec(u.IngestID, u.ItemID, u.UID, u.SessionContainerID, u.AcquisitionContainerID); err != nil {
				return fmt.Errorf("failed to insert uid %s: %w", u.UID, err)
			}
		}
		return nil
	})
}

// Conflict is a uid that was filed under more than one session or
// acquisition container.
type Conflict struct {
	UID     string
	ItemIDs []string
}

// Conflicts returns uids linked to more than one session or acquisition.
func (us *UIDStore) Conflicts(ingestID string) ([]Conflict, error) {
	rows, err := us.store.db.Query(`
		SELECT u.uid, u.item_id FROM uids u
		WHERE u.ingest_id = ? AND u.uid IN (
			SELECT uid FROM uids WHERE ingest_id = ?
			GROUP BY uid
			HAVING COUNT(DISTINCT session_container_id) > 1
				OR COUNT(DISTINCT acquisition_container_id) > 1
		)
		ORDER BY u.uid, u.id
	`, ingestID, ingestID)
	if err != nil {
		return nil, fmt.Errorf("failed to query uid conflicts: %w", err)
	}
	defer rows.Close()

	var out []Conflict
	for rows.Next() {
		var uid, itemID string
		if err := rows.Scan(&uid, &itemID); err != nil {
			return nil, err
		}
		if len(out) == 0 || out[len(out)-1].UID != uid {
			out = append(out, Conflict{UID: uid})
		}
		last := &out[len(out)-1]
		if len(last.ItemIDs) == 0 || last.ItemIDs[len(last.ItemIDs)-1] != itemID {
			last.ItemIDs = append(last.ItemIDs, itemID)
		}
	}
	return out, rows.Err()
}

// ErrorStore handles operator facing error records.
type ErrorStore struct {
	store *Store
}

// Add inserts a single error record.
func (es *ErrorStore) Add(e *domain.Error) error {
	return es.InsertBatch([]*domain.Error{e})
}

// InsertBatch inserts error records in one transaction. A record identical
// to one already stored is skipped and keeps a zero ID.
func (es *ErrorStore) InsertBatch(errs []*domain.Error) error {
	if len(errs) == 0 {
		return nil
	}
	return es.store.withTx(func(tx *sql.Tx, _ *events.Writer) error {
		stmt, err := tx.Prepare(`
			INSERT OR IGNORE INTO errors (ingest_id, task_id, item_id, code, message) VALUES (?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare error insert: %w", err)
		}
		defer stmt.Close()

		for _, e := range errs {
			res, err := stmt.Exec(e.IngestID, e.TaskID, e.ItemID, e.Code, e.Message)
			if err != nil {
				return fmt.Errorf("failed to insert error: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 1 {
				e.ID, _ = res.LastInsertId()
			}
		}
		return nil
	})
}

// List returns the errors of an ingest, optionally filtered by code.
func (es *ErrorStore) List(ingestID, code string) ([]domain.Error, error) {
	query := "SELECT id, ingest_id, task_id, item_id, code, message FROM errors WHERE ingest_id = ?"
	args := []interface{}{ingestID}
	if code != "" {
		query += " AND code = ?"
		args = append(args, code)
	}
	query += " ORDER BY id"

	rows, err := es.store.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list errors: %w", err)
	}
	defer rows.Close()

	var out []domain.Error
	for rows.Next() {
		var e domain.Error
		if err := rows.Scan(&e.ID, &e.IngestID, &e.TaskID, &e.ItemID, &e.Code, &e.Message); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Summary returns error counts per code with up to samples messages each.
func (es *ErrorStore) Summary(ingestID string, samples int) ([]domain.ErrorSummary, error) {
	errs, err := es.List(ingestID, "")
	if err != nil {
		return nil, err
	}

	var out []domain.ErrorSummary
	index := make(map[string]int)
	for _, e := range errs {
		i, ok := index[e.Code]
		if !ok {
			i = len(out)
			index[e.Code] = i
			out = append(out, domain.ErrorSummary{Code: e.Code})
		}
		out[i].Count++
		if len(out[i].Samples) < samples {
			out[i].Samples = append(out[i].Samples, e.Message)
		}
	}
	return out, nil
}
