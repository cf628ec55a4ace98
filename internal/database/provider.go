package database

import (
	"context"
	"fmt"

	"github.com/kozaktomas/face-attendance/internal/faceindex"
)

var (
	postgresIdentityWriter func() IdentityWriter
	postgresSnapshotStore  func() faceindex.Store
	postgresInitialized    bool
)

// RegisterPostgresBackend registers PostgreSQL repository constructors.
// This is called by the postgres package to avoid import cycles.
func RegisterPostgresBackend(identities func() IdentityWriter, snapshots func() faceindex.Store) {
	postgresIdentityWriter = identities
	postgresSnapshotStore = snapshots
	postgresInitialized = true
}

// IsInitialized returns whether the PostgreSQL backend has been initialized.
func IsInitialized() bool {
	return postgresInitialized
}

// GetIdentityWriter returns an IdentityWriter from the PostgreSQL backend
func GetIdentityWriter(ctx context.Context) (IdentityWriter, error) {
	if !postgresInitialized {
		return nil, fmt.Errorf("PostgreSQL backend not initialized: DATABASE_URL is required")
	}
	if postgresIdentityWriter == nil {
		return nil, fmt.Errorf("PostgreSQL identity writer not registered")
	}
	return postgresIdentityWriter(), nil
}

// GetSnapshotStore returns the PostgreSQL snapshot store
func GetSnapshotStore(ctx context.Context) (faceindex.Store, error) {
	if !postgresInitialized {
		return nil, fmt.Errorf("PostgreSQL backend not initialized: DATABASE_URL is required")
	}
	if postgresSnapshotStore == nil {
		return nil, fmt.Errorf("PostgreSQL snapshot store not registered")
	}
	return postgresSnapshotStore(), nil
}
