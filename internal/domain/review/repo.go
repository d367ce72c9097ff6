package review

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrNotFound marks a review id that does not exist.
var ErrNotFound = errors.New("review not found")

// Queue is the review-queue persistence contract. Submission from the
// identity service is best-effort: a failed Submit is logged by the caller
// and never aborts the business operation that triggered it.
type Queue interface {
	// Submit persists a new review.
	Submit(ctx context.Context, r *PersonReview) error
	// Exists reports whether an open review with the same description
	// already references the given identity. Used to deduplicate repeated
	// EID-conflict escalations.
	Exists(ctx context.Context, description string, personOID uuid.UUID) (bool, error)
	// Get returns the open reviews for one domain.
	Get(ctx context.Context, domain string) ([]*PersonReview, error)
	// GetAll returns every open review.
	GetAll(ctx context.Context) ([]*PersonReview, error)
	// GetSystem returns reviews not tied to any domain.
	GetSystem(ctx context.Context) ([]*PersonReview, error)
	// Delete removes a resolved review.
	Delete(ctx context.Context, id uuid.UUID) error
}
