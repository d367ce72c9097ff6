package person

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrInvalidPerson marks a Person that fails structural validation.
	ErrInvalidPerson = errors.New("invalid person")
	// ErrNotFound marks a lookup that matched nothing.
	ErrNotFound = errors.New("person not found")
	// ErrConflict marks a store-detected concurrency conflict during merge
	// or split re-parenting. Callers may retry; generic store errors are
	// not retried.
	ErrConflict = errors.New("concurrent modification conflict")
)

// StoreError wraps a storage-level failure with the operation that caused it.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("person store: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// Cursor is a lazy, single-pass, forward-only sequence of Persons backed by
// an open store cursor. Callers must call Close on every exit path,
// including exceptions and early abort; Close is safe to call more than
// once.
type Cursor interface {
	// Next advances to the next Person, reporting false at the end of the
	// sequence or on error.
	Next() bool
	// Person returns the current Person. Valid only after Next reports true.
	Person() *Person
	// Err returns the first error encountered during iteration.
	Err() error
	// Close releases the underlying store resources.
	Close() error
}

// Store is the persistence contract consumed by the correlation engine and
// the identity-resolution service.
type Store interface {
	// Query runs the filter and materializes all matching Persons.
	Query(ctx context.Context, f *SearchFilter) ([]*Person, error)
	// QueryIterator runs the filter and returns a lazy cursor over the
	// matching Persons. The cursor holds store resources until closed.
	QueryIterator(ctx context.Context, f *SearchFilter) (Cursor, error)

	// GetByOID fetches one identity by its internal OID.
	GetByOID(ctx context.Context, oid uuid.UUID) (*Person, error)
	// GetByCorpID fetches the identity carrying the given corporate ID in
	// the given assigning-authority domain.
	GetByCorpID(ctx context.Context, domain, corpID string) (*Person, error)

	// AddPerson persists a brand-new identity: the person row, its document
	// headers, and all denormalized attribute rows, atomically.
	AddPerson(ctx context.Context, p *Person) (uuid.UUID, error)
	// AddPersonInfo attaches the Person's headers and attribute rows to an
	// existing identity (alias attach). p.OID names the existing identity.
	AddPersonInfo(ctx context.Context, p *Person) (uuid.UUID, error)
	// UpdatePerson rewrites the singular attributes of an identity.
	UpdatePerson(ctx context.Context, p *Person) error

	// MergePersons absorbs persons[1:] into persons[0]. For each absorbed
	// identity, Identifiers[0] is the identifier that triggered the merge;
	// the headers owning every other identifier are re-parented to the
	// survivor and the absorbed identity row is deleted, transactionally
	// per absorbed identity.
	MergePersons(ctx context.Context, persons []*Person) (*Person, error)
	// SplitPerson creates a new identity inheriting orig's singular
	// attributes and re-parents the given headers onto it. All named
	// headers must move or the operation fails.
	SplitPerson(ctx context.Context, orig *Person, headers []DocumentHeader) (uuid.UUID, error)
	// RemovePerson deletes an identity and everything attached to it.
	RemovePerson(ctx context.Context, oid uuid.UUID) error

	// UpdateEID re-versions a local ID and enterprise ID within one
	// (authority, facility) domain, returning the number of identifier
	// rows updated.
	UpdateEID(ctx context.Context, domain, facility, oldLocalID, newLocalID, oldEID, newEID string) (int64, error)
}
