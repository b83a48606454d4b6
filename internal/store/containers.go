package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lherron/ingest/internal/domain"
	"github.com/lherron/ingest/internal/events"
)

// ContainerStore handles container persistence operations.
type ContainerStore struct {
	store *Store
}

const containerColumns = `id, ingest_id, parent_id, path, level, src_context, dst_context, dst_path, existing, error`

// InsertBatch inserts containers in one transaction. Parents must precede
// their children in the slice or already be stored.
func (cs *ContainerStore) InsertBatch(containers []*domain.Container) error {
	if len(containers) == 0 {
		return nil
	}
	return cs.store.withTx(func(tx *sql.Tx, _ *events.Writer) error {
		stmt, err := tx.Prepare(`
			INSERT INTO containers (` + containerColumns + `)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare container insert: %w", err)
		}
		defer stmt.Close()

		for _, c := range containers {
			src, err := toJSON(c.SrcContext)
			if err != nil {
				return err
			}
			dst, err := dstJSON(c.DstContext)
			if err != nil {
				return err
			}
			_, err = stmt.Exec(c.ID, c.IngestID, c.ParentID, c.Path, c.Level.String(), src, dst,
				c.DstPath, boolInt(c.Existing), boolInt(c.Error))
			if err != nil {
				return fmt.Errorf("failed to insert container %s: %w", c.Path, err)
			}
		}
		return nil
	})
}

// UpdateBatch writes the remote identity and flags of containers.
func (cs *ContainerStore) UpdateBatch(containers []*domain.Container) error {
	if len(containers) == 0 {
		return nil
	}
	return cs.store.withTx(func(tx *sql.Tx, _ *events.Writer) error {
		stmt, err := tx.Prepare(`
			UPDATE containers SET dst_context = ?, dst_path = ?, existing = ?, error = ?
			WHERE id = ?
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare container update: %w", err)
		}
		defer stmt.Close()

		for _, c := range containers {
			dst, err := dstJSON(c.DstContext)
			if err != nil {
				return err
			}
			if _, err := stmt.Exec(dst, c.DstPath, boolInt(c.Existing), boolInt(c.Error), c.ID); err != nil {
				return fmt.Errorf("failed to update container %s: %w", c.Path, err)
			}
		}
		return nil
	})
}

func dstJSON(d *domain.DstContext) (*string, error) {
	if d == nil {
		return nil, nil
	}
	s, err := toJSON(d)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func scanContainer(row interface{ Scan(...interface{}) error }) (*domain.Container, error) {
	var c domain.Container
	var level, src string
	var dst sql.NullString
	var existing, errFlag int
	if err := row.Scan(&c.ID, &c.IngestID, &c.ParentID, &c.Path, &level, &src, &dst, &c.DstPath, &existing, &errFlag); err != nil {
		return nil, err
	}
	parsed, err := domain.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	c.Level = parsed
	if err := json.Unmarshal([]byte(src), &c.SrcContext); err != nil {
		return nil, fmt.Errorf("failed to parse src_context: %w", err)
	}
	if dst.Valid {
		c.DstContext = &domain.DstContext{}
		if err := json.Unmarshal([]byte(dst.String), c.DstContext); err != nil {
			return nil, fmt.Errorf("failed to parse dst_context: %w", err)
		}
	}
	c.Existing = existing != 0
	c.Error = errFlag != 0
	return &c, nil
}

// Get returns a container by id.
func (cs *ContainerStore) Get(id string) (*domain.Container, error) {
	c, err := scanContainer(cs.store.db.QueryRow("SELECT "+containerColumns+" FROM containers WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("container %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get container: %w", err)
	}
	return c, nil
}

// GetByPath returns the container of an ingest at path.
func (cs *ContainerStore) GetByPath(ingestID, path string) (*domain.Container, error) {
	c, err := scanContainer(cs.store.db.QueryRow(
		"SELECT "+containerColumns+" FROM containers WHERE ingest_id = ? AND path = ?", ingestID, path))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("container %s: %w", path, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get container: %w", err)
	}
	return c, nil
}

// Page returns up to limit containers sorted by path, strictly after afterPath.
func (cs *ContainerStore) Page(ingestID, afterPath string, limit int) ([]*domain.Container, error) {
	rows, err := cs.store.db.Query(`
		SELECT `+containerColumns+` FROM containers
		WHERE ingest_id = ? AND path > ?
		ORDER BY path LIMIT ?
	`, ingestID, afterPath, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}
	defer rows.Close()

	var out []*domain.Container
	for rows.Next() {
		c, err := scanContainer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan container: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Each calls fn for every container of an ingest in path order. Pages are
// read one at a time so fn may write to the store.
func (cs *ContainerStore) Each(ingestID string, pageSize int, fn func(*domain.Container) error) error {
	after := ""
	for {
		page, err := cs.Page(ingestID, after, pageSize)
		if err != nil {
			return err
		}
		for _, c := range page {
			if err := fn(c); err != nil {
				return err
			}
		}
		if len(page) < pageSize {
			return nil
		}
		after = page[len(page)-1].Path
	}
}

// Count returns the number of containers of an ingest.
func (cs *ContainerStore) Count(ingestID string) (int, error) {
	var n int
	if err := cs.store.db.QueryRow("SELECT COUNT(*) FROM containers WHERE ingest_id = ?", ingestID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count containers: %w", err)
	}
	return n, nil
}
