package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kozaktomas/face-attendance/internal/faceindex"
	"github.com/pgvector/pgvector-go"
)

// SnapshotStore is a faceindex.Store in PostgreSQL. Slots are append-only:
// a save inserts the slots past the stored vector_count and advances it in the
// same transaction, so a load always sees a committed prefix.
type SnapshotStore struct {
	pool *Pool
	dim  int
}

var _ faceindex.Store = (*SnapshotStore)(nil)

// NewSnapshotStore creates a snapshot store for dim-dimensional embeddings.
func NewSnapshotStore(pool *Pool, dim int) *SnapshotStore {
	return &SnapshotStore{pool: pool, dim: dim}
}

// Load returns the committed snapshot of site, or an empty one if none exists.
func (s *SnapshotStore) Load(ctx context.Context, site string) (*faceindex.Snapshot, error) {
	if err := faceindex.ValidateSite(site); err != nil {
		return nil, err
	}

	var dim, count int
	err := s.pool.QueryRow(ctx,
		`SELECT dim, vector_count FROM site_snapshots WHERE site = $1`, site).Scan(&dim, &count)
	if errors.Is(err, sql.ErrNoRows) {
		return faceindex.NewSnapshot(site, s.dim), nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: loading site %s: %v", faceindex.ErrIO, site, err)
	}
	if dim != s.dim {
		return nil, fmt.Errorf("%w: site %s has dimension %d, want %d", faceindex.ErrCorruptState, site, dim, s.dim)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT slot, identity_id, embedding FROM snapshot_slots
		WHERE site = $1 AND slot < $2
		ORDER BY slot`, site, count)
	if err != nil {
		return nil, fmt.Errorf("%w: loading slots of %s: %v", faceindex.ErrIO, site, err)
	}
	defer rows.Close()

	snap := faceindex.NewSnapshot(site, s.dim)
	for rows.Next() {
		var (
			slot       int
			identityID string
			vec        pgvector.Vector
		)
		if err := rows.Scan(&slot, &identityID, &vec); err != nil {
			return nil, fmt.Errorf("%w: scanning slot: %v", faceindex.ErrIO, err)
		}
		if slot != snap.Len() {
			return nil, fmt.Errorf("%w: site %s is missing slot %d", faceindex.ErrCorruptState, site, snap.Len())
		}
		if _, err := snap.Append(identityID, vec.Slice()); err != nil {
			return nil, fmt.Errorf("%w: slot %d: %v", faceindex.ErrCorruptState, slot, err)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating slots: %v", faceindex.ErrIO, err)
	}

	if snap.Len() != count {
		return nil, fmt.Errorf("%w: site %s records %d vectors, found %d",
			faceindex.ErrCorruptState, site, count, snap.Len())
	}
	return snap, nil
}

// Save appends the slots of snap that are not stored yet.
func (s *SnapshotStore) Save(ctx context.Context, site string, snap *faceindex.Snapshot) error {
	if err := faceindex.ValidateSite(site); err != nil {
		return err
	}
	if err := snap.Validate(); err != nil {
		return err
	}

	tx, err := s.pool.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", faceindex.ErrIO, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO site_snapshots (site, dim) VALUES ($1, $2)
		ON CONFLICT (site) DO NOTHING`, site, s.dim); err != nil {
		return fmt.Errorf("%w: creating site row: %v", faceindex.ErrIO, err)
	}

	var stored int
	if err := tx.QueryRowContext(ctx,
		`SELECT vector_count FROM site_snapshots WHERE site = $1 FOR UPDATE`, site).Scan(&stored); err != nil {
		return fmt.Errorf("%w: locking site row: %v", faceindex.ErrIO, err)
	}
	if stored > snap.Len() {
		return fmt.Errorf("%w: site %s has %d stored vectors but snapshot has %d",
			faceindex.ErrCorruptState, site, stored, snap.Len())
	}
	if stored == snap.Len() {
		return nil
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO snapshot_slots (site, slot, identity_id, embedding) VALUES ($1, $2, $3, $4)
		ON CONFLICT (site, slot) DO UPDATE SET identity_id = EXCLUDED.identity_id, embedding = EXCLUDED.embedding`)
	if err != nil {
		return fmt.Errorf("%w: preparing slot insert: %v", faceindex.ErrIO, err)
	}
	defer stmt.Close()

	for slot := stored; slot < snap.Len(); slot++ {
		identityID, _ := snap.IdentityOf(slot)
		vec := pgvector.NewVector(snap.Index.Vector(slot))
		if _, err := stmt.ExecContext(ctx, site, slot, identityID, vec); err != nil {
			return fmt.Errorf("%w: inserting slot %d: %v", faceindex.ErrIO, slot, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE site_snapshots SET vector_count = $2, saved_at = NOW() WHERE site = $1`,
		site, snap.Len()); err != nil {
		return fmt.Errorf("%w: advancing vector count: %v", faceindex.ErrIO, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", faceindex.ErrIO, err)
	}
	return nil
}

// Sites lists sites with a stored snapshot.
func (s *SnapshotStore) Sites(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT site FROM site_snapshots ORDER BY site`)
	if err != nil {
		return nil, fmt.Errorf("list snapshot sites: %w", err)
	}
	defer rows.Close()

	var sites []string
	for rows.Next() {
		var site string
		if err := rows.Scan(&site); err != nil {
			return nil, fmt.Errorf("scan site: %w", err)
		}
		sites = append(sites, site)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sites: %w", err)
	}
	return sites, nil
}
