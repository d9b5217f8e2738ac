// Package resolver implements the end-to-end experiment resolution contract:
// decide which variation of a requested page a visitor sees, keep the
// ledger of participants and completions, and preserve the control page's
// visual identity on served alternatives.
//
// Both the HTTP API and embedding consumers delegate to this service. The
// storage collaborators are interfaces so the serving logic tests without a
// database.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/abtree/abtree/internal/assign"
	"github.com/abtree/abtree/internal/model"
	"github.com/abtree/abtree/internal/present"
	"github.com/abtree/abtree/internal/storage"
	"github.com/abtree/abtree/internal/telemetry"
)

// PageStore looks up pages and their metadata.
type PageStore interface {
	GetPageByID(ctx context.Context, id uuid.UUID) (model.Page, error)
	GetPageByPath(ctx context.Context, path string) (model.Page, error)
	GetPagePaths(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]string, error)
}

// ExperimentStore looks up experiment configuration.
type ExperimentStore interface {
	GetExperimentBySlug(ctx context.Context, slug string) (model.Experiment, error)
	GetExperimentByControlPage(ctx context.Context, pageID uuid.UUID) (model.Experiment, error)
	GetLiveExperimentByGoalPage(ctx context.Context, pageID uuid.UUID) (model.Experiment, error)
}

// Ledger is the durable participation/completion counter store. Increments
// must be atomic with respect to concurrent increments on the same key.
type Ledger interface {
	IncrementParticipant(ctx context.Context, experimentID, variationPageID uuid.UUID) (int64, error)
	IncrementCompletion(ctx context.Context, experimentID, variationPageID uuid.UUID) (int64, error)
	GetHistory(ctx context.Context, experimentID uuid.UUID) ([]model.ExperimentHistory, error)
}

// AssignmentStore remembers which variation each visitor was served.
type AssignmentStore interface {
	RecordAssignment(ctx context.Context, a model.Assignment) error
	GetAssignment(ctx context.Context, experimentID uuid.UUID, visitorToken string) (model.Assignment, error)
	MarkAssignmentCompleted(ctx context.Context, experimentID uuid.UUID, visitorToken string) (bool, error)
}

// Store is the full collaborator surface the resolver needs.
// *storage.DB satisfies it.
type Store interface {
	PageStore
	ExperimentStore
	Ledger
	AssignmentStore
}

// Service orchestrates assignment, lifecycle gating, the ledger, and
// presentation.
type Service struct {
	store  Store
	cache  *LookupCache
	logger *slog.Logger

	participants metric.Int64Counter
	completions  metric.Int64Counter
}

// New creates a resolver Service. cache may be nil to disable negative
// caching of control-page lookups.
func New(store Store, cache *LookupCache, logger *slog.Logger) *Service {
	meter := telemetry.Meter("abtree/resolver")
	participants, _ := meter.Int64Counter("abtree.participants.recorded",
		metric.WithDescription("Participant increments written to the ledger"))
	completions, _ := meter.Int64Counter("abtree.completions.recorded",
		metric.WithDescription("Completion increments written to the ledger"))

	return &Service{
		store:        store,
		cache:        cache,
		logger:       logger,
		participants: participants,
		completions:  completions,
	}
}

// Resolve returns the page document to render for one visit.
//
// Pages not under any experiment pass through unchanged. For a control page
// the experiment's lifecycle state gates behavior: draft serves the control
// and writes nothing; live assigns a variation, records a participant, and
// stores the assignment for later completion signals; completed serves the
// winning variation and writes nothing. Storage failures on the live path
// degrade to serving the control with no ledger writes — resolution itself
// only fails when the requested page does not exist.
func (s *Service) Resolve(ctx context.Context, path, visitorToken string) (model.PresentedPage, error) {
	page, err := s.store.GetPageByPath(ctx, path)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.PresentedPage{}, fmt.Errorf("resolver: page %q: %w", path, err)
		}
		return model.PresentedPage{}, fmt.Errorf("resolver: look up page %q: %w", path, err)
	}

	// Serving a goal page is itself a completion signal for any live
	// experiment configured with it. Best effort: a failure here must not
	// affect the page being served.
	s.recordGoalVisit(ctx, page.ID, visitorToken)

	exp, err := s.experimentFor(ctx, page.ID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("resolver: experiment lookup failed, serving page as-is",
				"path", path, "error", err)
		}
		return present.Passthrough(page), nil
	}

	switch exp.Status {
	case model.StatusDraft:
		return present.Passthrough(page), nil

	case model.StatusLive:
		return s.resolveLive(ctx, exp, page, visitorToken), nil

	case model.StatusCompleted:
		return s.resolveCompleted(ctx, exp, page), nil

	default:
		// Unknown status gates closed: behave like draft.
		s.logger.Warn("resolver: unknown experiment status", "slug", exp.Slug, "status", exp.Status)
		return present.Passthrough(page), nil
	}
}

// resolveLive assigns the visitor a variation, counts the visit, and
// presents the served page under the control's identity.
func (s *Service) resolveLive(ctx context.Context, exp model.Experiment, control model.Page, visitorToken string) model.PresentedPage {
	index := assign.Variation(visitorToken, exp.Slug, len(exp.AlternativeIDs))
	servedID, err := exp.VariationPageID(index)
	if err != nil {
		s.logger.Error("resolver: assignment out of range", "slug", exp.Slug, "error", err)
		return present.Passthrough(control)
	}

	served := control
	if servedID != control.ID {
		served, err = s.store.GetPageByID(ctx, servedID)
		if err != nil {
			s.logger.Warn("resolver: variation page unavailable, serving control",
				"slug", exp.Slug, "variation", servedID, "error", err)
			return present.Passthrough(control)
		}
	}

	if err := s.store.RecordAssignment(ctx, model.Assignment{
		ExperimentID:    exp.ID,
		VisitorToken:    visitorToken,
		VariationPageID: servedID,
	}); err != nil {
		s.logger.Warn("resolver: record assignment failed, serving control uncounted",
			"slug", exp.Slug, "error", err)
		return present.Passthrough(control)
	}

	if _, err := s.store.IncrementParticipant(ctx, exp.ID, servedID); err != nil {
		s.logger.Warn("resolver: participant increment failed",
			"slug", exp.Slug, "variation", servedID, "error", err)
	} else {
		s.participants.Add(ctx, 1)
	}

	return present.Page(control, served, exp.Slug)
}

// resolveCompleted serves the winning variation to everyone. The experiment
// is frozen: no assignment, no ledger writes.
func (s *Service) resolveCompleted(ctx context.Context, exp model.Experiment, control model.Page) model.PresentedPage {
	if exp.WinningPageID == nil {
		// Completed without a winner violates the model invariant; the
		// safe rendering is the control.
		s.logger.Error("resolver: completed experiment has no winner", "slug", exp.Slug)
		return present.Passthrough(control)
	}

	winner := control
	if *exp.WinningPageID != control.ID {
		var err error
		winner, err = s.store.GetPageByID(ctx, *exp.WinningPageID)
		if err != nil {
			s.logger.Warn("resolver: winning page unavailable, serving control",
				"slug", exp.Slug, "error", err)
			return present.Passthrough(control)
		}
	}
	return present.Page(control, winner, exp.Slug)
}

// SignalCompletion records that a visitor reached an experiment's goal. The
// visitor's prior assignment names the ledger row; assignment is never
// re-run here. No-ops (not errors): unknown experiment, experiment not
// live, visitor never participated, completion already recorded.
func (s *Service) SignalCompletion(ctx context.Context, slug, visitorToken string) error {
	exp, err := s.store.GetExperimentBySlug(ctx, slug)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("resolver: look up experiment %q: %w", slug, err)
	}
	return s.completeFor(ctx, exp, visitorToken)
}

// recordGoalVisit treats serving pageID as a completion signal when it is a
// live experiment's goal page.
func (s *Service) recordGoalVisit(ctx context.Context, pageID uuid.UUID, visitorToken string) {
	exp, err := s.store.GetLiveExperimentByGoalPage(ctx, pageID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("resolver: goal page lookup failed", "page", pageID, "error", err)
		}
		return
	}
	if err := s.completeFor(ctx, exp, visitorToken); err != nil {
		s.logger.Warn("resolver: goal completion failed", "slug", exp.Slug, "error", err)
	}
}

func (s *Service) completeFor(ctx context.Context, exp model.Experiment, visitorToken string) error {
	if exp.Status != model.StatusLive {
		return nil
	}

	a, err := s.store.GetAssignment(ctx, exp.ID, visitorToken)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("resolver: look up assignment: %w", err)
	}

	flipped, err := s.store.MarkAssignmentCompleted(ctx, exp.ID, visitorToken)
	if err != nil {
		return fmt.Errorf("resolver: mark completion: %w", err)
	}
	if !flipped {
		return nil
	}

	if _, err := s.store.IncrementCompletion(ctx, exp.ID, a.VariationPageID); err != nil {
		return fmt.Errorf("resolver: completion increment: %w", err)
	}
	s.completions.Add(ctx, 1)
	return nil
}

// Report builds the per-variation participation report for an experiment.
// Every configured variation appears, including ones never served.
func (s *Service) Report(ctx context.Context, slug string) (model.ExperimentReport, error) {
	exp, err := s.store.GetExperimentBySlug(ctx, slug)
	if err != nil {
		return model.ExperimentReport{}, fmt.Errorf("resolver: look up experiment %q: %w", slug, err)
	}

	history, err := s.store.GetHistory(ctx, exp.ID)
	if err != nil {
		return model.ExperimentReport{}, fmt.Errorf("resolver: load history for %q: %w", slug, err)
	}
	counts := make(map[uuid.UUID]model.ExperimentHistory, len(history))
	for _, h := range history {
		counts[h.VariationPageID] = h
	}

	variationIDs := append([]uuid.UUID{exp.ControlPageID}, exp.AlternativeIDs...)
	paths, err := s.store.GetPagePaths(ctx, variationIDs)
	if err != nil {
		return model.ExperimentReport{}, fmt.Errorf("resolver: load variation paths for %q: %w", slug, err)
	}

	report := model.ExperimentReport{Slug: exp.Slug, Status: exp.Status}
	for _, id := range variationIDs {
		h := counts[id]
		row := model.VariationReport{
			VariationPageID:  id,
			Path:             paths[id],
			IsControl:        id == exp.ControlPageID,
			IsWinner:         exp.WinningPageID != nil && *exp.WinningPageID == id,
			ParticipantCount: h.ParticipantCount,
			CompletionCount:  h.CompletionCount,
		}
		if h.ParticipantCount > 0 {
			row.ConversionRate = float64(h.CompletionCount) / float64(h.ParticipantCount)
		}
		report.Variations = append(report.Variations, row)
	}
	return report, nil
}

// experimentFor resolves the experiment whose control is pageID, consulting
// the negative-result cache first. Positive lookups always hit storage so
// lifecycle gating sees status changes immediately.
func (s *Service) experimentFor(ctx context.Context, pageID uuid.UUID) (model.Experiment, error) {
	if s.cache == nil {
		return s.store.GetExperimentByControlPage(ctx, pageID)
	}
	return s.cache.ExperimentFor(ctx, pageID, s.store.GetExperimentByControlPage)
}
