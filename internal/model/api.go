package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Field length limits for caller-supplied page metadata. These bound what
// ends up in Postgres TEXT columns; the body limit also caps resolve
// response sizes.
const (
	MaxTitleLen      = 500
	MaxBreadcrumbLen = 500
	MaxPathLen       = 1000
	MaxBodyLen       = 512 * 1024 // 512 KB
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
)

// AuthTokenRequest is the request body for POST /auth/token.
type AuthTokenRequest struct {
	APIKey string `json:"api_key"`
}

// AuthTokenResponse is the response body for POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// CreateExperimentRequest is the request body for POST /v1/experiments.
// Experiments are created in draft; status changes go through the status
// endpoint.
type CreateExperimentRequest struct {
	Slug           string      `json:"slug"`
	ControlPageID  uuid.UUID   `json:"control_page_id"`
	AlternativeIDs []uuid.UUID `json:"alternative_ids"`
	GoalPageID     *uuid.UUID  `json:"goal_page_id,omitempty"`
}

// Validate checks the request before it reaches storage.
func (r CreateExperimentRequest) Validate() error {
	if !ValidSlug(r.Slug) {
		return fmt.Errorf("slug must be lowercase alphanumerics and hyphens (max %d chars)", MaxSlugLen)
	}
	if r.ControlPageID == uuid.Nil {
		return fmt.Errorf("control_page_id is required")
	}
	seen := map[uuid.UUID]bool{r.ControlPageID: true}
	for _, id := range r.AlternativeIDs {
		if id == uuid.Nil {
			return fmt.Errorf("alternative_ids must not contain the nil UUID")
		}
		if seen[id] {
			return fmt.Errorf("variation %s appears more than once", id)
		}
		seen[id] = true
	}
	return nil
}

// UpdateStatusRequest is the request body for PATCH /v1/experiments/{slug}/status.
// WinningPageID is required when moving to completed and rejected otherwise.
type UpdateStatusRequest struct {
	Status        ExperimentStatus `json:"status"`
	WinningPageID *uuid.UUID       `json:"winning_page_id,omitempty"`
}

// CreatePageRequest is the request body for POST /v1/pages.
type CreatePageRequest struct {
	Path       string `json:"path"`
	Title      string `json:"title"`
	Breadcrumb string `json:"breadcrumb"`
	Body       string `json:"body"`
}

// Validate checks per-field limits and path shape.
func (r CreatePageRequest) Validate() error {
	if r.Path == "" || r.Path[0] != '/' {
		return fmt.Errorf("path must start with /")
	}
	if len(r.Path) > MaxPathLen {
		return fmt.Errorf("path exceeds maximum length of %d characters", MaxPathLen)
	}
	if r.Title == "" {
		return fmt.Errorf("title is required")
	}
	if len(r.Title) > MaxTitleLen {
		return fmt.Errorf("title exceeds maximum length of %d characters", MaxTitleLen)
	}
	if len(r.Breadcrumb) > MaxBreadcrumbLen {
		return fmt.Errorf("breadcrumb exceeds maximum length of %d characters", MaxBreadcrumbLen)
	}
	if len(r.Body) > MaxBodyLen {
		return fmt.Errorf("body exceeds maximum length of %d bytes", MaxBodyLen)
	}
	return nil
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres"`
	Uptime   int64  `json:"uptime_seconds"`
}

// VariationReport is one row of an experiment report.
type VariationReport struct {
	VariationPageID  uuid.UUID `json:"variation_page_id"`
	Path             string    `json:"path"`
	IsControl        bool      `json:"is_control"`
	IsWinner         bool      `json:"is_winner"`
	ParticipantCount int64     `json:"participant_count"`
	CompletionCount  int64     `json:"completion_count"`
	// ConversionRate is CompletionCount / ParticipantCount, 0 when no
	// participants have been recorded.
	ConversionRate float64 `json:"conversion_rate"`
}

// ExperimentReport is the response body for GET /v1/experiments/{slug}/report.
type ExperimentReport struct {
	Slug       string            `json:"slug"`
	Status     ExperimentStatus  `json:"status"`
	Variations []VariationReport `json:"variations"`
}
