// Package facematch resolves a query embedding to an enrolled identity and
// normalizes display names for lookups.
package facematch

import (
	"fmt"

	"github.com/kozaktomas/face-attendance/internal/faceindex"
)

// Reason explains why a query did not resolve to an identity.
type Reason string

const (
	ReasonNoEnrollments Reason = "no_enrollments"
	ReasonLowConfidence Reason = "low_confidence"
)

// Candidate is one identity seen among the nearest slots, scored by its best slot.
type Candidate struct {
	IdentityID string  `json:"identity_id"`
	Score      float32 `json:"score"`
	Slot       int     `json:"slot"`
}

// Outcome is the result of Resolve. When Matched is false, Reason is set and
// Score carries the best score seen (zero for ReasonNoEnrollments).
type Outcome struct {
	Matched    bool        `json:"matched"`
	IdentityID string      `json:"identity_id,omitempty"`
	Score      float32     `json:"score"`
	Reason     Reason      `json:"reason,omitempty"`
	Candidates []Candidate `json:"candidates,omitempty"`
}

// Resolve searches the topK nearest slots of snap and picks the identity with
// the highest per-identity maximum score. A best score equal to threshold is
// accepted. Identities with equal scores are ranked by their best slot's
// position in the search result.
func Resolve(snap *faceindex.Snapshot, query []float32, topK int, threshold float32) (Outcome, error) {
	if snap == nil || snap.Len() == 0 {
		return Outcome{Reason: ReasonNoEnrollments}, nil
	}
	if topK < 1 {
		topK = 1
	}

	hits, err := snap.Index.Search(query, topK)
	if err != nil {
		return Outcome{}, fmt.Errorf("searching site %s: %w", snap.Site, err)
	}

	candidates, err := rankCandidates(snap, hits)
	if err != nil {
		return Outcome{}, err
	}

	best := candidates[0]
	if best.Score < threshold {
		return Outcome{
			Reason:     ReasonLowConfidence,
			Score:      best.Score,
			Candidates: candidates,
		}, nil
	}
	return Outcome{
		Matched:    true,
		IdentityID: best.IdentityID,
		Score:      best.Score,
		Candidates: candidates,
	}, nil
}

// rankCandidates collapses hits to one candidate per identity. Hits arrive
// sorted, so the first hit seen for an identity is its maximum.
func rankCandidates(snap *faceindex.Snapshot, hits []faceindex.Hit) ([]Candidate, error) {
	seen := make(map[string]bool, len(hits))
	candidates := make([]Candidate, 0, len(hits))
	for _, h := range hits {
		id, ok := snap.IdentityOf(h.Slot)
		if !ok {
			return nil, fmt.Errorf("%w: slot %d has no mapping entry", faceindex.ErrCorruptState, h.Slot)
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		candidates = append(candidates, Candidate{IdentityID: id, Score: h.Score, Slot: h.Slot})
	}
	return candidates, nil
}
