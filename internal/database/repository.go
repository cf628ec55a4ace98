package database

import (
	"context"
	"errors"
)

// ErrIdentityNotFound is returned by writers asked to revert an unknown identity.
var ErrIdentityNotFound = errors.New("identity not found")

// IdentityReader provides read-only access to enrolled identities
type IdentityReader interface {
	// GetIdentity returns an identity, or nil if it is not enrolled at site
	GetIdentity(ctx context.Context, site, identityID string) (*Identity, error)
	// ListIdentities returns all identities of a site ordered by id
	ListIdentities(ctx context.Context, site string) ([]Identity, error)
	// FindByDisplayName returns identities whose display name matches name.
	// Names are compared after facematch.NormalizeDisplayName.
	FindByDisplayName(ctx context.Context, site, name string) ([]Identity, error)
}

// IdentityWriter provides write access to identity metadata
type IdentityWriter interface {
	IdentityReader

	// RecordEnrollment upserts the identity, stores one image row per slot and
	// increments the enrolled count, all in one transaction.
	// An empty DisplayName keeps the stored one.
	RecordEnrollment(ctx context.Context, site string, e Enrollment) error

	// RevertEnrollment removes the image rows for slots and decrements the
	// enrolled count. It undoes a RecordEnrollment whose vectors never got persisted.
	RevertEnrollment(ctx context.Context, site, identityID string, slots []int) error

	// ReconcileSlots deletes image rows for slots >= n, the persisted snapshot
	// length, and recomputes the enrolled counts of the identities that owned
	// them. Identities left without images are deleted. It returns the number
	// of removed rows and is a no-op when the metadata matches the snapshot.
	ReconcileSlots(ctx context.Context, site string, n int) (int, error)
}

// DisplayNamer resolves an identity id to a human-readable name from an
// external directory, such as the ERP employee table.
type DisplayNamer interface {
	DisplayName(ctx context.Context, identityID string) (string, error)
}
