package faceindex

import (
	"fmt"
	"regexp"
)

// SlotEntry maps an index slot to the identity it was enrolled for.
type SlotEntry struct {
	Slot       int    `json:"slot"`
	IdentityID string `json:"identity_id"`
}

// Snapshot is the live state of one site: the index plus its slot mapping.
// Invariant: Index.Len() == len(Mapping) and Mapping[i].Slot == i.
type Snapshot struct {
	Site    string
	Index   *Index
	Mapping []SlotEntry
}

var siteIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidateSite checks that a site identifier is safe to use as a storage key.
func ValidateSite(site string) error {
	if !siteIDPattern.MatchString(site) {
		return fmt.Errorf("%w: %q", ErrInvalidSite, site)
	}
	return nil
}

// NewSnapshot returns an empty snapshot for site.
func NewSnapshot(site string, dim int) *Snapshot {
	return &Snapshot{
		Site:  site,
		Index: NewIndex(dim),
	}
}

// Len returns the number of enrolled vectors.
func (s *Snapshot) Len() int {
	return len(s.Mapping)
}

// Append adds vectors for one identity and returns their slots.
func (s *Snapshot) Append(identityID string, vectors ...[]float32) ([]int, error) {
	if identityID == "" {
		return nil, fmt.Errorf("append: empty identity id")
	}
	first, err := s.Index.Add(vectors...)
	if err != nil {
		return nil, fmt.Errorf("append: %w", err)
	}
	slots := make([]int, len(vectors))
	for i := range vectors {
		slots[i] = first + i
		s.Mapping = append(s.Mapping, SlotEntry{Slot: first + i, IdentityID: identityID})
	}
	return slots, nil
}

// Truncate rolls the snapshot back to n slots.
func (s *Snapshot) Truncate(n int) {
	if n < 0 || n >= len(s.Mapping) {
		return
	}
	s.Index.Truncate(n)
	s.Mapping = s.Mapping[:n]
}

// IdentityOf returns the identity enrolled at slot.
func (s *Snapshot) IdentityOf(slot int) (string, bool) {
	if slot < 0 || slot >= len(s.Mapping) {
		return "", false
	}
	return s.Mapping[slot].IdentityID, true
}

// SlotCount returns how many slots belong to identityID.
func (s *Snapshot) SlotCount(identityID string) int {
	n := 0
	for _, e := range s.Mapping {
		if e.IdentityID == identityID {
			n++
		}
	}
	return n
}

// IdentityCounts returns the slot count per identity.
func (s *Snapshot) IdentityCounts() map[string]int {
	counts := make(map[string]int)
	for _, e := range s.Mapping {
		counts[e.IdentityID]++
	}
	return counts
}

// Validate checks the count invariant and slot density.
func (s *Snapshot) Validate() error {
	if s.Index == nil {
		return fmt.Errorf("%w: missing index", ErrCorruptState)
	}
	if s.Index.Len() != len(s.Mapping) {
		return fmt.Errorf("%w: index has %d vectors, mapping has %d entries",
			ErrCorruptState, s.Index.Len(), len(s.Mapping))
	}
	for i, e := range s.Mapping {
		if e.Slot != i {
			return fmt.Errorf("%w: mapping entry %d has slot %d", ErrCorruptState, i, e.Slot)
		}
		if e.IdentityID == "" {
			return fmt.Errorf("%w: slot %d has no identity", ErrCorruptState, i)
		}
	}
	return nil
}
