package service

import (
	"slices"

	"github.com/pesio-ai/be-qa-gaps/internal/repository"
)

// VisibilityPolicy decides who may see a gap and which status transitions a
// viewer may apply. It is pure: all inputs are passed in, nothing is loaded.
type VisibilityPolicy struct{}

// IsVisible reports whether the viewer may see the gap. Cancelled gaps are
// hidden from everyone except the declarant, the report's involved users and
// administrators; every other status is visible to all.
func (VisibilityPolicy) IsVisible(gap *repository.GapDetail, involvedUserIDs []int64, viewer *repository.User) bool {
	if gap.Status != repository.StatusCancelled {
		return true
	}
	if viewer.IsAdmin() {
		return true
	}
	if viewer.ID == gap.DeclaredBy {
		return true
	}
	return slices.Contains(involvedUserIDs, viewer.ID)
}

// AllowedStatuses returns the statuses the viewer may select for the gap, in
// display order. The current status is always in the set (selecting it is a
// no-op); a single-element result means the viewer is read-only.
func (VisibilityPolicy) AllowedStatuses(gap *repository.GapDetail, viewer *repository.User) []repository.GapStatus {
	var allowed []repository.GapStatus

	switch {
	case viewer.IsAdmin():
		allowed = slices.Clone(repository.AllStatuses)

	case viewer.ID == gap.DeclaredBy && gap.Status == repository.StatusDeclared:
		allowed = []repository.GapStatus{repository.StatusDeclared, repository.StatusCancelled}

	default:
		// Declarant after the gap left "declared", and everyone else:
		// read-only.
		allowed = []repository.GapStatus{gap.Status}
	}

	// Event types that are not true gaps never escalate: their reachable
	// set is declared/cancelled, plus the current status as a no-op.
	if !gap.TypeIsGap {
		allowed = slices.DeleteFunc(allowed, func(s repository.GapStatus) bool {
			return s != repository.StatusDeclared &&
				s != repository.StatusCancelled &&
				s != gap.Status
		})
	}

	return allowed
}

// CanTransition reports whether the viewer may move the gap to newStatus.
func (p VisibilityPolicy) CanTransition(gap *repository.GapDetail, viewer *repository.User, newStatus repository.GapStatus) bool {
	return slices.Contains(p.AllowedStatuses(gap, viewer), newStatus)
}
