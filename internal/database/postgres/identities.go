package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kozaktomas/face-attendance/internal/database"
	"github.com/kozaktomas/face-attendance/internal/facematch"
	"github.com/lib/pq"
)

// IdentityRepository provides PostgreSQL-backed identity metadata for all sites.
type IdentityRepository struct {
	pool *Pool
}

var _ database.IdentityWriter = (*IdentityRepository)(nil)

// NewIdentityRepository creates a new PostgreSQL identity repository.
func NewIdentityRepository(pool *Pool) *IdentityRepository {
	return &IdentityRepository{pool: pool}
}

const identityColumns = `site, id, display_name, enrolled_count, created_at, updated_at`

func scanIdentity(row interface{ Scan(...any) error }) (database.Identity, error) {
	var id database.Identity
	err := row.Scan(&id.Site, &id.ID, &id.DisplayName, &id.EnrolledCount, &id.CreatedAt, &id.UpdatedAt)
	return id, err
}

func scanIdentities(rows *sql.Rows) ([]database.Identity, error) {
	var out []database.Identity
	for rows.Next() {
		id, err := scanIdentity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate identities: %w", err)
	}
	return out, nil
}

// GetIdentity returns an identity, or nil if it is not enrolled at site.
func (r *IdentityRepository) GetIdentity(ctx context.Context, site, identityID string) (*database.Identity, error) {
	id, err := scanIdentity(r.pool.QueryRow(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE site = $1 AND id = $2`, site, identityID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get identity: %w", err)
	}
	return &id, nil
}

// ListIdentities returns all identities of a site.
func (r *IdentityRepository) ListIdentities(ctx context.Context, site string) ([]database.Identity, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE site = $1 ORDER BY id`, site)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	defer rows.Close()
	return scanIdentities(rows)
}

// FindByDisplayName matches on the normalized name column, filled in Go so the
// comparison does not depend on the unaccent extension.
func (r *IdentityRepository) FindByDisplayName(ctx context.Context, site, name string) ([]database.Identity, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+identityColumns+` FROM identities WHERE site = $1 AND normalized_name = $2 ORDER BY id`,
		site, facematch.NormalizeDisplayName(name))
	if err != nil {
		return nil, fmt.Errorf("find identities by name: %w", err)
	}
	defer rows.Close()
	return scanIdentities(rows)
}

// RecordEnrollment upserts the identity and appends its image rows in one transaction.
func (r *IdentityRepository) RecordEnrollment(ctx context.Context, site string, e database.Enrollment) error {
	if e.IdentityID == "" {
		return errors.New("record enrollment: empty identity id")
	}

	return r.pool.InTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO identities (site, id, display_name, normalized_name, enrolled_count)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (site, id) DO UPDATE SET
				display_name    = CASE WHEN EXCLUDED.display_name <> '' THEN EXCLUDED.display_name ELSE identities.display_name END,
				normalized_name = CASE WHEN EXCLUDED.display_name <> '' THEN EXCLUDED.normalized_name ELSE identities.normalized_name END,
				enrolled_count  = identities.enrolled_count + EXCLUDED.enrolled_count,
				updated_at      = NOW()`,
			site, e.IdentityID, e.DisplayName, facematch.NormalizeDisplayName(e.DisplayName), len(e.Images))
		if err != nil {
			return fmt.Errorf("upsert identity: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO identity_images (site, slot, identity_id, file_name, created_at)
			VALUES ($1, $2, $3, $4, COALESCE($5, NOW()))`)
		if err != nil {
			return fmt.Errorf("prepare image insert: %w", err)
		}
		defer stmt.Close()

		for _, img := range e.Images {
			var created sql.NullTime
			if !img.CreatedAt.IsZero() {
				created = sql.NullTime{Time: img.CreatedAt, Valid: true}
			}
			if _, err := stmt.ExecContext(ctx, site, img.Slot, e.IdentityID, img.FileName, created); err != nil {
				return fmt.Errorf("insert image for slot %d: %w", img.Slot, err)
			}
		}
		return nil
	})
}

// RevertEnrollment removes the image rows for slots and decrements the count.
// An identity left with no images is deleted.
func (r *IdentityRepository) RevertEnrollment(ctx context.Context, site, identityID string, slots []int) error {
	if len(slots) == 0 {
		return nil
	}
	slots64 := make([]int64, len(slots))
	for i, s := range slots {
		slots64[i] = int64(s)
	}

	return r.pool.InTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM identity_images WHERE site = $1 AND identity_id = $2 AND slot = ANY($3)`,
			site, identityID, pq.Array(slots64))
		if err != nil {
			return fmt.Errorf("delete images: %w", err)
		}
		removed, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}

		res, err = tx.ExecContext(ctx, `
			UPDATE identities SET enrolled_count = GREATEST(enrolled_count - $3, 0), updated_at = NOW()
			WHERE site = $1 AND id = $2`, site, identityID, removed)
		if err != nil {
			return fmt.Errorf("decrement enrolled count: %w", err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("revert enrollment of %s: %w", identityID, database.ErrIdentityNotFound)
		}
		return deleteEmptyIdentities(ctx, tx, site, []string{identityID})
	})
}

// ReconcileSlots deletes image rows at or beyond slot n and recounts their identities.
func (r *IdentityRepository) ReconcileSlots(ctx context.Context, site string, n int) (int, error) {
	removed := 0
	err := r.pool.InTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `
			DELETE FROM identity_images WHERE site = $1 AND slot >= $2
			RETURNING identity_id`, site, n)
		if err != nil {
			return fmt.Errorf("delete orphaned images: %w", err)
		}
		owners := make(map[string]bool)
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan identity id: %w", err)
			}
			owners[id] = true
			removed++
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate orphaned images: %w", err)
		}
		if removed == 0 {
			return nil
		}

		ids := make([]string, 0, len(owners))
		for id := range owners {
			ids = append(ids, id)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE identities i SET
				enrolled_count = (SELECT COUNT(*) FROM identity_images m WHERE m.site = i.site AND m.identity_id = i.id),
				updated_at = NOW()
			WHERE i.site = $1 AND i.id = ANY($2)`, site, pq.Array(ids)); err != nil {
			return fmt.Errorf("recount identities: %w", err)
		}
		return deleteEmptyIdentities(ctx, tx, site, ids)
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// deleteEmptyIdentities removes identities of ids whose enrolled count dropped to zero.
func deleteEmptyIdentities(ctx context.Context, tx *sql.Tx, site string, ids []string) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM identities WHERE site = $1 AND id = ANY($2) AND enrolled_count = 0`,
		site, pq.Array(ids)); err != nil {
		return fmt.Errorf("delete empty identities: %w", err)
	}
	return nil
}
