// Package sqlite stores identity metadata in one SQLite file per site.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kozaktomas/face-attendance/internal/database"
	"github.com/kozaktomas/face-attendance/internal/faceindex"
	"github.com/kozaktomas/face-attendance/internal/facematch"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS identities (
	id              TEXT PRIMARY KEY,
	display_name    TEXT NOT NULL DEFAULT '',
	normalized_name TEXT NOT NULL DEFAULT '',
	enrolled_count  INTEGER NOT NULL DEFAULT 0,
	created_at      TIMESTAMP NOT NULL,
	updated_at      TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS identities_normalized_name_idx ON identities(normalized_name);
CREATE TABLE IF NOT EXISTS identity_images (
	slot        INTEGER PRIMARY KEY,
	identity_id TEXT NOT NULL REFERENCES identities(id),
	file_name   TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS identity_images_identity_idx ON identity_images(identity_id);
`

// Store is a database.IdentityWriter over per-site SQLite files named
// <dir>/<site>_faces.db. Files are opened on first use and kept open.
type Store struct {
	dir string

	mu  sync.Mutex
	dbs map[string]*sql.DB
}

var _ database.IdentityWriter = (*Store)(nil)

// Open creates the directory if needed and returns a store rooted at dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating identity directory: %w", err)
	}
	return &Store{dir: dir, dbs: make(map[string]*sql.DB)}, nil
}

// Path returns the database file of a site.
func (s *Store) Path(site string) string {
	return filepath.Join(s.dir, site+"_faces.db")
}

func (s *Store) db(ctx context.Context, site string) (*sql.DB, error) {
	if err := faceindex.ValidateSite(site); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if db, ok := s.dbs[site]; ok {
		return db, nil
	}

	db, err := sql.Open("sqlite", s.Path(site))
	if err != nil {
		return nil, fmt.Errorf("failed to open identity database for %s: %w", site, err)
	}
	// A single connection serializes writers and keeps pragmas in effect.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("pragma failed: %w", err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating identity schema for %s: %w", site, err)
	}

	s.dbs[site] = db
	return db, nil
}

// Close closes every opened site database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for site, db := range s.dbs {
		if err := db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", site, err))
		}
		delete(s.dbs, site)
	}
	return errors.Join(errs...)
}

const identityColumns = `id, display_name, enrolled_count, created_at, updated_at`

func scanIdentities(site string, rows *sql.Rows) ([]database.Identity, error) {
	var out []database.Identity
	for rows.Next() {
		id := database.Identity{Site: site}
		if err := rows.Scan(&id.ID, &id.DisplayName, &id.EnrolledCount, &id.CreatedAt, &id.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate identities: %w", err)
	}
	return out, nil
}

// GetIdentity returns an identity, or nil if it is not enrolled.
func (s *Store) GetIdentity(ctx context.Context, site, identityID string) (*database.Identity, error) {
	db, err := s.db(ctx, site)
	if err != nil {
		return nil, err
	}

	id := database.Identity{Site: site}
	err = db.QueryRowContext(ctx, `SELECT `+identityColumns+` FROM identities WHERE id = ?`, identityID).
		Scan(&id.ID, &id.DisplayName, &id.EnrolledCount, &id.CreatedAt, &id.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get identity: %w", err)
	}
	return &id, nil
}

// ListIdentities returns all identities of a site.
func (s *Store) ListIdentities(ctx context.Context, site string) ([]database.Identity, error) {
	db, err := s.db(ctx, site)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT `+identityColumns+` FROM identities ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	defer rows.Close()
	return scanIdentities(site, rows)
}

// FindByDisplayName returns identities whose normalized display name equals the normalized name.
func (s *Store) FindByDisplayName(ctx context.Context, site, name string) ([]database.Identity, error) {
	db, err := s.db(ctx, site)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE normalized_name = ? ORDER BY id`,
		facematch.NormalizeDisplayName(name))
	if err != nil {
		return nil, fmt.Errorf("find identities by name: %w", err)
	}
	defer rows.Close()
	return scanIdentities(site, rows)
}

// RecordEnrollment upserts the identity and appends its image rows in one transaction.
func (s *Store) RecordEnrollment(ctx context.Context, site string, e database.Enrollment) error {
	if e.IdentityID == "" {
		return errors.New("record enrollment: empty identity id")
	}
	db, err := s.db(ctx, site)
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO identities (id, display_name, normalized_name, enrolled_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			display_name    = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE identities.display_name END,
			normalized_name = CASE WHEN excluded.display_name != '' THEN excluded.normalized_name ELSE identities.normalized_name END,
			enrolled_count  = identities.enrolled_count + excluded.enrolled_count,
			updated_at      = excluded.updated_at`,
		e.IdentityID, e.DisplayName, facematch.NormalizeDisplayName(e.DisplayName), len(e.Images), now, now)
	if err != nil {
		return fmt.Errorf("upsert identity: %w", err)
	}

	for _, img := range e.Images {
		created := img.CreatedAt
		if created.IsZero() {
			created = now
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO identity_images (slot, identity_id, file_name, created_at) VALUES (?, ?, ?, ?)`,
			img.Slot, e.IdentityID, img.FileName, created); err != nil {
			return fmt.Errorf("insert image for slot %d: %w", img.Slot, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit enrollment: %w", err)
	}
	return nil
}

// RevertEnrollment removes the image rows for slots and decrements the count.
func (s *Store) RevertEnrollment(ctx context.Context, site, identityID string, slots []int) error {
	if len(slots) == 0 {
		return nil
	}
	db, err := s.db(ctx, site)
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	removed := 0
	for _, slot := range slots {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM identity_images WHERE slot = ? AND identity_id = ?`, slot, identityID)
		if err != nil {
			return fmt.Errorf("delete image for slot %d: %w", slot, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		removed += int(n)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE identities SET enrolled_count = MAX(enrolled_count - ?, 0), updated_at = ? WHERE id = ?`,
		removed, time.Now().UTC(), identityID)
	if err != nil {
		return fmt.Errorf("decrement enrolled count: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("revert enrollment of %s: %w", identityID, database.ErrIdentityNotFound)
	}

	// An identity whose first enrollment was reverted has nothing left.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM identities WHERE id = ? AND enrolled_count = 0`, identityID); err != nil {
		return fmt.Errorf("delete empty identity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit revert: %w", err)
	}
	return nil
}

// ReconcileSlots deletes image rows at or beyond slot n and recounts their identities.
func (s *Store) ReconcileSlots(ctx context.Context, site string, n int) (int, error) {
	db, err := s.db(ctx, site)
	if err != nil {
		return 0, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT DISTINCT identity_id FROM identity_images WHERE slot >= ?`, n)
	if err != nil {
		return 0, fmt.Errorf("query orphaned images: %w", err)
	}
	var owners []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan identity id: %w", err)
		}
		owners = append(owners, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate orphaned images: %w", err)
	}
	if len(owners) == 0 {
		return 0, nil
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM identity_images WHERE slot >= ?`, n)
	if err != nil {
		return 0, fmt.Errorf("delete orphaned images: %w", err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}

	now := time.Now().UTC()
	for _, id := range owners {
		if _, err := tx.ExecContext(ctx, `
			UPDATE identities SET
				enrolled_count = (SELECT COUNT(*) FROM identity_images WHERE identity_id = identities.id),
				updated_at = ?
			WHERE id = ?`, now, id); err != nil {
			return 0, fmt.Errorf("recount %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM identities WHERE id = ? AND enrolled_count = 0`, id); err != nil {
			return 0, fmt.Errorf("delete empty identity: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit reconcile: %w", err)
	}
	return int(removed), nil
}
