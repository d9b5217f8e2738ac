// Package model defines the core domain types for abtree.
//
// Types correspond directly to database tables and API payloads. Strong
// typing throughout (UUIDs, time.Time, enums); interface{} is avoided.
package model

import (
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// ExperimentStatus is the lifecycle state of an experiment.
//
// Transitions are administrative actions performed through the admin API;
// the serving path only reads the current state. Draft is the initial state,
// completed is terminal in practice, but live ⇄ draft flips are permitted.
type ExperimentStatus string

const (
	StatusDraft     ExperimentStatus = "draft"
	StatusLive      ExperimentStatus = "live"
	StatusCompleted ExperimentStatus = "completed"
)

// Valid reports whether s is a known lifecycle state.
func (s ExperimentStatus) Valid() bool {
	switch s {
	case StatusDraft, StatusLive, StatusCompleted:
		return true
	}
	return false
}

// Experiment is a controlled A/B test over a control page and an ordered
// list of alternative pages.
type Experiment struct {
	ID            uuid.UUID        `json:"id"`
	Slug          string           `json:"slug"`
	Status        ExperimentStatus `json:"status"`
	ControlPageID uuid.UUID        `json:"control_page_id"`
	// AlternativeIDs is ordered; assignment index 1..N maps to
	// AlternativeIDs[0..N-1]. Index 0 is always the control.
	AlternativeIDs []uuid.UUID `json:"alternative_ids"`
	// WinningPageID is set when Status is completed. It must reference the
	// control or one of the alternatives.
	WinningPageID *uuid.UUID `json:"winning_page_id,omitempty"`
	// GoalPageID optionally names a page whose serving counts as the
	// completion signal for this experiment (e.g. a signup-complete page).
	GoalPageID *uuid.UUID `json:"goal_page_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// VariationCount returns the number of assignable variations including the
// control.
func (e Experiment) VariationCount() int {
	return len(e.AlternativeIDs) + 1
}

// VariationPageID maps an assignment index to a page ID.
// Index 0 is the control; 1..N are the alternatives in order.
func (e Experiment) VariationPageID(index int) (uuid.UUID, error) {
	if index == 0 {
		return e.ControlPageID, nil
	}
	if index < 0 || index > len(e.AlternativeIDs) {
		return uuid.Nil, fmt.Errorf("model: variation index %d out of range [0, %d]", index, len(e.AlternativeIDs))
	}
	return e.AlternativeIDs[index-1], nil
}

// HasVariation reports whether pageID is the control or one of the alternatives.
func (e Experiment) HasVariation(pageID uuid.UUID) bool {
	if pageID == e.ControlPageID {
		return true
	}
	for _, id := range e.AlternativeIDs {
		if id == pageID {
			return true
		}
	}
	return false
}

// Validate checks structural invariants. A completed experiment must carry a
// winning variation drawn from its own variation set.
func (e Experiment) Validate() error {
	if !ValidSlug(e.Slug) {
		return fmt.Errorf("model: invalid experiment slug %q", e.Slug)
	}
	if !e.Status.Valid() {
		return fmt.Errorf("model: invalid experiment status %q", e.Status)
	}
	if e.ControlPageID == uuid.Nil {
		return fmt.Errorf("model: experiment %q has no control page", e.Slug)
	}
	for _, id := range e.AlternativeIDs {
		if id == e.ControlPageID {
			return fmt.Errorf("model: experiment %q lists its control page as an alternative", e.Slug)
		}
	}
	if e.Status == StatusCompleted {
		if e.WinningPageID == nil {
			return fmt.Errorf("model: completed experiment %q has no winning variation", e.Slug)
		}
		if !e.HasVariation(*e.WinningPageID) {
			return fmt.Errorf("model: winning variation of %q is not in its variation set", e.Slug)
		}
	}
	return nil
}

// ExperimentHistory is one ledger row: cumulative participation and
// completion counts for a single (experiment, variation) pair.
//
// Rows are created lazily on first participant and mutated only through
// atomic increments at the storage layer.
type ExperimentHistory struct {
	ExperimentID     uuid.UUID `json:"experiment_id"`
	VariationPageID  uuid.UUID `json:"variation_page_id"`
	ParticipantCount int64     `json:"participant_count"`
	CompletionCount  int64     `json:"completion_count"`
}

// Assignment records which variation was served to a visitor for an
// experiment, so a later completion signal finds the correct ledger row
// without re-running assignment. Completed flips to true at most once.
type Assignment struct {
	ExperimentID    uuid.UUID `json:"experiment_id"`
	VisitorToken    string    `json:"visitor_token"`
	VariationPageID uuid.UUID `json:"variation_page_id"`
	Completed       bool      `json:"completed"`
	ServedAt        time.Time `json:"served_at"`
}

// Page is a content-tree page as abtree sees it: enough metadata to resolve
// experiments and present variations, none of the rendering machinery.
type Page struct {
	ID    uuid.UUID `json:"id"`
	Path  string    `json:"path"`
	Title string    `json:"title"`
	// Breadcrumb is the page's tree-position label as shown in navigation.
	Breadcrumb string    `json:"breadcrumb"`
	Body       string    `json:"body"`
	CreatedAt  time.Time `json:"created_at"`
}

// PresentedPage is the document returned to the renderer: the served page's
// content under the control page's visual identity.
type PresentedPage struct {
	ID         uuid.UUID `json:"id"`
	Path       string    `json:"path"`
	Title      string    `json:"title"`
	Breadcrumb string    `json:"breadcrumb"`
	Body       string    `json:"body"`
	// ExperimentSlug is set when the page was resolved through a live or
	// completed experiment.
	ExperimentSlug string `json:"experiment_slug,omitempty"`
}

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)

// MaxSlugLen bounds experiment slugs; they appear in URLs and hash inputs.
const MaxSlugLen = 120

// ValidSlug reports whether s is a well-formed experiment slug:
// lowercase alphanumerics separated by single hyphens.
func ValidSlug(s string) bool {
	return s != "" && len(s) <= MaxSlugLen && slugPattern.MatchString(s)
}
