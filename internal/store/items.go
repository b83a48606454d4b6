package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lherron/ingest/internal/domain"
	"github.com/lherron/ingest/internal/events"
)

// ItemStore handles item persistence operations.
type ItemStore struct {
	store *Store
}

const itemColumns = `i.id, i.ingest_id, i.dir, i.type, i.files, i.files_cnt, i.bytes_sum, i.context,
	i.container_id, i.filename, i.uids, i.existing, i.skipped`

// InsertBatch inserts items in one transaction.
func (is *ItemStore) InsertBatch(items []*domain.Item) error {
	if len(items) == 0 {
		return nil
	}
	return is.store.withTx(func(tx *sql.Tx, _ *events.Writer) error {
		stmt, err := tx.Prepare(`
			INSERT INTO items (id, ingest_id, dir, type, files, files_cnt, bytes_sum, context,
				container_id, filename, uids, existing, skipped)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare item insert: %w", err)
		}
		defer stmt.Close()

		for _, it := range items {
			if err := domain.ValidateItemType(string(it.Type)); err != nil {
				return err
			}
			files, err := toJSON(nonNil(it.Files))
			if err != nil {
				return err
			}
			ctx, err := toJSON(it.Context)
			if err != nil {
				return err
			}
			uids, err := toJSON(nonNil(it.UIDs))
			if err != nil {
				return err
			}
			_, err = stmt.Exec(it.ID, it.IngestID, it.Dir, it.Type, files, it.FilesCnt, it.BytesSum, ctx,
				it.ContainerID, it.Filename, uids, boolInt(it.Existing), boolInt(it.Skipped))
			if err != nil {
				return fmt.Errorf("failed to insert item %s: %w", it.Dir, err)
			}
		}
		return nil
	})
}

// UpdateBatch writes the resolution fields of items.
func (is *ItemStore) UpdateBatch(items []*domain.Item) error {
	if len(items) == 0 {
		return nil
	}
	return is.store.withTx(func(tx *sql.Tx, _ *events.Writer) error {
		stmt, err := tx.Prepare(`
			UPDATE items SET container_id = ?, filename = ?, existing = ?, skipped = ?
			WHERE id = ?
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare item update: %w", err)
		}
		defer stmt.Close()

		for _, it := range items {
			if _, err := stmt.Exec(it.ContainerID, it.Filename, boolInt(it.Existing), boolInt(it.Skipped), it.ID); err != nil {
				return fmt.Errorf("failed to update item %s: %w", it.ID, err)
			}
		}
		return nil
	})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

type scanner interface{ Scan(...interface{}) error }

func scanItem(row scanner, extra ...interface{}) (*domain.Item, error) {
	var it domain.Item
	var typ, files, ctx, uids string
	var existing, skipped int
	dest := []interface{}{&it.ID, &it.IngestID, &it.Dir, &typ, &files, &it.FilesCnt, &it.BytesSum, &ctx,
		&it.ContainerID, &it.Filename, &uids, &existing, &skipped}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	it.Type = domain.ItemType(typ)
	if err := json.Unmarshal([]byte(files), &it.Files); err != nil {
		return nil, fmt.Errorf("failed to parse item files: %w", err)
	}
	if err := json.Unmarshal([]byte(ctx), &it.Context); err != nil {
		return nil, fmt.Errorf("failed to parse item context: %w", err)
	}
	if err := json.Unmarshal([]byte(uids), &it.UIDs); err != nil {
		return nil, fmt.Errorf("failed to parse item uids: %w", err)
	}
	it.Existing = existing != 0
	it.Skipped = skipped != 0
	return &it, nil
}

// Get returns an item by id.
func (is *ItemStore) Get(id string) (*domain.Item, error) {
	it, err := scanItem(is.store.db.QueryRow("SELECT "+itemColumns+" FROM items i WHERE i.id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("item %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get item: %w", err)
	}
	return it, nil
}

// Each calls fn for every item of an ingest in insertion order.
func (is *ItemStore) Each(ingestID string, pageSize int, fn func(*domain.Item) error) error {
	var after int64
	for {
		rows, err := is.store.db.Query(`
			SELECT `+itemColumns+`, i.rowid FROM items i
			WHERE i.ingest_id = ? AND i.rowid > ?
			ORDER BY i.rowid LIMIT ?
		`, ingestID, after, pageSize)
		if err != nil {
			return fmt.Errorf("failed to list items: %w", err)
		}
		var page []*domain.Item
		for rows.Next() {
			var rowID int64
			it, err := scanItem(rows, &rowID)
			if err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan item: %w", err)
			}
			page = append(page, it)
			after = rowID
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return err
		}

		for _, it := range page {
			if err := fn(it); err != nil {
				return err
			}
		}
		if len(page) < pageSize {
			return nil
		}
	}
}

// EachWithErrors calls fn for every item of an ingest together with its
// error count, the path of its container and whether that container or one
// of its ancestors is errored.
func (is *ItemStore) EachWithErrors(ingestID string, pageSize int, fn func(*domain.ItemWithErrors) error) error {
	var after int64
	for {
		rows, err := is.store.db.Query(`
			SELECT `+itemColumns+`, i.rowid,
				(SELECT COUNT(*) FROM errors e WHERE e.item_id = i.id),
				COALESCE(c.path, ''),
				EXISTS (SELECT 1 FROM containers a
					WHERE a.ingest_id = i.ingest_id AND a.error = 1 AND c.path IS NOT NULL
					AND (a.path = c.path OR substr(c.path, 1, length(a.path) + 1) = a.path || '/'))
			FROM items i
			LEFT JOIN containers c ON c.id = i.container_id
			WHERE i.ingest_id = ? AND i.rowid > ?
			ORDER BY i.rowid LIMIT ?
		`, ingestID, after, pageSize)
		if err != nil {
			return fmt.Errorf("failed to list items: %w", err)
		}
		var page []*domain.ItemWithErrors
		for rows.Next() {
			var rowID int64
			var iwe domain.ItemWithErrors
			var cErr int
			it, err := scanItem(rows, &rowID, &iwe.ErrorCount, &iwe.ContainerPath, &cErr)
			if err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan item: %w", err)
			}
			iwe.Item = *it
			iwe.ContainerError = cErr != 0
			page = append(page, &iwe)
			after = rowID
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return err
		}

		for _, it := range page {
			if err := fn(it); err != nil {
				return err
			}
		}
		if len(page) < pageSize {
			return nil
		}
	}
}

// ItemStats summarizes the items of an ingest.
type ItemStats struct {
	Items    int   `json:"items"`
	Files    int   `json:"files"`
	Bytes    int64 `json:"bytes"`
	Resolved int   `json:"resolved"`
	Existing int   `json:"existing"`
	Skipped  int   `json:"skipped"`
}

// Stats returns item counters for an ingest.
func (is *ItemStore) Stats(ingestID string) (ItemStats, error) {
	var st ItemStats
	err := is.store.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(files_cnt), 0), COALESCE(SUM(bytes_sum), 0),
			COALESCE(SUM(container_id IS NOT NULL), 0), COALESCE(SUM(existing), 0), COALESCE(SUM(skipped), 0)
		FROM items WHERE ingest_id = ?
	`, ingestID).Scan(&st.Items, &st.Files, &st.Bytes, &st.Resolved, &st.Existing, &st.Skipped)
	if err != nil {
		return st, fmt.Errorf("failed to get item stats: %w", err)
	}
	return st, nil
}

// FilenameDuplicate is an item whose container and filename were already
// claimed by an earlier item of the same ingest.
type FilenameDuplicate struct {
	ItemID      string
	FirstItemID string
	Filename    string
}

// DuplicateFilenames returns every item that shares its container and
// filename with an earlier item.
func (is *ItemStore) DuplicateFilenames(ingestID string) ([]FilenameDuplicate, error) {
	rows, err := is.store.db.Query(`
		SELECT i.id, f.id, i.filename FROM items i
		JOIN items f ON f.ingest_id = i.ingest_id
			AND f.container_id = i.container_id
			AND f.filename = i.filename
			AND f.rowid = (
				SELECT MIN(x.rowid) FROM items x
				WHERE x.ingest_id = i.ingest_id AND x.container_id = i.container_id AND x.filename = i.filename
			)
		WHERE i.ingest_id = ? AND i.container_id IS NOT NULL AND i.filename != '' AND i.rowid != f.rowid
		ORDER BY i.rowid
	`, ingestID)
	if err != nil {
		return nil, fmt.Errorf("failed to query duplicate filenames: %w", err)
	}
	defer rows.Close()

	var out []FilenameDuplicate
	for rows.Next() {
		var d FilenameDuplicate
		if err := rows.Scan(&d.ItemID, &d.FirstItemID, &d.Filename); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
