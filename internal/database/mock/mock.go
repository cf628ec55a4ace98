// Package mock provides mock implementations of database interfaces for testing.
package mock

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/kozaktomas/face-attendance/internal/database"
	"github.com/kozaktomas/face-attendance/internal/facematch"
)

// MockIdentityWriter is a mock implementation of database.IdentityWriter
type MockIdentityWriter struct {
	mu         sync.RWMutex
	identities map[string]map[string]*database.Identity // site -> id -> identity
	images     map[string]map[int]database.EnrollmentImage
	owners     map[string]map[int]string // site -> slot -> identity id

	// Error injection
	GetError       error
	ListError      error
	FindError      error
	RecordError    error
	RevertError    error
	ReconcileError error

	// RevertCalls records every RevertEnrollment call as "site/identity:slots".
	RevertCalls []string
}

var _ database.IdentityWriter = (*MockIdentityWriter)(nil)

// NewMockIdentityWriter creates a new mock identity writer
func NewMockIdentityWriter() *MockIdentityWriter {
	return &MockIdentityWriter{
		identities: make(map[string]map[string]*database.Identity),
		images:     make(map[string]map[int]database.EnrollmentImage),
		owners:     make(map[string]map[int]string),
	}
}

// GetIdentity returns a copy of the identity, or nil
func (m *MockIdentityWriter) GetIdentity(ctx context.Context, site, identityID string) (*database.Identity, error) {
	if m.GetError != nil {
		return nil, m.GetError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.identities[site][identityID]
	if !ok {
		return nil, nil
	}
	cp := *id
	return &cp, nil
}

// ListIdentities returns all identities of a site ordered by id
func (m *MockIdentityWriter) ListIdentities(ctx context.Context, site string) ([]database.Identity, error) {
	if m.ListError != nil {
		return nil, m.ListError
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sorted(site, func(*database.Identity) bool { return true }), nil
}

// FindByDisplayName matches normalized display names
func (m *MockIdentityWriter) FindByDisplayName(ctx context.Context, site, name string) ([]database.Identity, error) {
	if m.FindError != nil {
		return nil, m.FindError
	}
	want := facematch.NormalizeDisplayName(name)
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sorted(site, func(id *database.Identity) bool {
		return facematch.NormalizeDisplayName(id.DisplayName) == want
	}), nil
}

func (m *MockIdentityWriter) sorted(site string, keep func(*database.Identity) bool) []database.Identity {
	var out []database.Identity
	for _, id := range m.identities[site] {
		if keep(id) {
			out = append(out, *id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RecordEnrollment upserts the identity and stores image rows; duplicate slots fail
// without changing anything
func (m *MockIdentityWriter) RecordEnrollment(ctx context.Context, site string, e database.Enrollment) error {
	if m.RecordError != nil {
		return m.RecordError
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.owners[site] == nil {
		m.owners[site] = make(map[int]string)
		m.images[site] = make(map[int]database.EnrollmentImage)
		m.identities[site] = make(map[string]*database.Identity)
	}
	for _, img := range e.Images {
		if _, taken := m.owners[site][img.Slot]; taken {
			return fmt.Errorf("slot %d already recorded", img.Slot)
		}
	}

	now := time.Now()
	id, ok := m.identities[site][e.IdentityID]
	if !ok {
		id = &database.Identity{Site: site, ID: e.IdentityID, CreatedAt: now}
		m.identities[site][e.IdentityID] = id
	}
	if e.DisplayName != "" {
		id.DisplayName = e.DisplayName
	}
	id.EnrolledCount += len(e.Images)
	id.UpdatedAt = now

	for _, img := range e.Images {
		m.owners[site][img.Slot] = e.IdentityID
		m.images[site][img.Slot] = img
	}
	return nil
}

// RevertEnrollment removes the slots and decrements the count
func (m *MockIdentityWriter) RevertEnrollment(ctx context.Context, site, identityID string, slots []int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.RevertCalls = append(m.RevertCalls, fmt.Sprintf("%s/%s:%v", site, identityID, slots))
	if m.RevertError != nil {
		return m.RevertError
	}

	id, ok := m.identities[site][identityID]
	if !ok {
		return fmt.Errorf("revert enrollment of %s: %w", identityID, database.ErrIdentityNotFound)
	}
	for _, slot := range slots {
		if m.owners[site][slot] == identityID {
			delete(m.owners[site], slot)
			delete(m.images[site], slot)
			id.EnrolledCount--
		}
	}
	if id.EnrolledCount <= 0 {
		delete(m.identities[site], identityID)
	}
	return nil
}

// ReconcileSlots drops slots >= n and recounts their owners
func (m *MockIdentityWriter) ReconcileSlots(ctx context.Context, site string, n int) (int, error) {
	if m.ReconcileError != nil {
		return 0, m.ReconcileError
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for slot, owner := range m.owners[site] {
		if slot < n {
			continue
		}
		delete(m.owners[site], slot)
		delete(m.images[site], slot)
		removed++
		if id, ok := m.identities[site][owner]; ok {
			id.EnrolledCount--
			if id.EnrolledCount <= 0 {
				delete(m.identities[site], owner)
			}
		}
	}
	return removed, nil
}

// Slots returns the recorded slots of an identity in ascending order
func (m *MockIdentityWriter) Slots(site, identityID string) []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []int
	for slot, owner := range m.owners[site] {
		if owner == identityID {
			out = append(out, slot)
		}
	}
	slices.Sort(out)
	return out
}

// Image returns the recorded metadata of a slot
func (m *MockIdentityWriter) Image(site string, slot int) (database.EnrollmentImage, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	img, ok := m.images[site][slot]
	return img, ok
}

// MockDisplayNamer is a mock implementation of database.DisplayNamer
type MockDisplayNamer struct {
	Names map[string]string
	Error error
}

// DisplayName returns the configured name, or an empty string
func (m *MockDisplayNamer) DisplayName(ctx context.Context, identityID string) (string, error) {
	if m.Error != nil {
		return "", m.Error
	}
	return m.Names[identityID], nil
}
