// Package review holds the human review queue: ambiguous matches and EID
// conflicts are escalated here as first-class outcomes instead of being
// silently resolved.
package review

import (
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
)

// PersonReview is one queued request to a human reviewer.
type PersonReview struct {
	ID          uuid.UUID   `json:"id"`
	PersonOIDs  []uuid.UUID `json:"person_oids"`
	Description string      `json:"description"`
	// Domain is the assigning-authority domain the review concerns; empty
	// marks a system-level review.
	Domain      string    `json:"domain,omitempty"`
	SubmittedBy string    `json:"submitted_by,omitempty"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
}

func (r *PersonReview) Validate() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.PersonOIDs, validation.Required),
		validation.Field(&r.Description, validation.Required, validation.Length(1, 2000)),
	)
}
