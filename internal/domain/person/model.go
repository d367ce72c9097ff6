// Package person defines the Person identity aggregate and the PersonStore
// contract the correlation and identity-resolution layers are built on.
package person

import (
	"fmt"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/google/uuid"
)

// DomainIdentifier names an assigning authority or facility.
type DomainIdentifier struct {
	NamespaceID     string `json:"namespace_id"`
	UniversalID     string `json:"universal_id,omitempty"`
	UniversalIDType string `json:"universal_id_type,omitempty"`
}

// Valid reports whether the identifier can participate in exact-match search.
func (d DomainIdentifier) Valid() bool {
	return d.NamespaceID != ""
}

// Equal compares by namespace ID alone, case-insensitive. Universal ID and
// type deliberately do not participate: exact-PID matching and merge
// correctness depend on this equality today, so any widening must be a
// deliberate change (see DESIGN.md).
func (d DomainIdentifier) Equal(o DomainIdentifier) bool {
	return strings.EqualFold(d.NamespaceID, o.NamespaceID)
}

// PersonIdentifier is a source-system-local identifier plus its assigning
// domains and optional enterprise (corporate) IDs.
type PersonIdentifier struct {
	ID                 string           `json:"id"`
	AssigningAuthority DomainIdentifier `json:"assigning_authority"`
	AssigningFacility  DomainIdentifier `json:"assigning_facility"`
	TypeCode           string           `json:"type_code,omitempty"`
	CorpID             string           `json:"corp_id,omitempty"`
	UpdatedCorpID      string           `json:"updated_corp_id,omitempty"`
}

// Equal defines identifier identity: (id, assigning authority, assigning
// facility). Corporate IDs are versioning metadata, not identity.
func (p PersonIdentifier) Equal(o PersonIdentifier) bool {
	return strings.EqualFold(p.ID, o.ID) &&
		p.AssigningAuthority.Equal(o.AssigningAuthority) &&
		p.AssigningFacility.Equal(o.AssigningFacility)
}

// Searchable reports whether the identifier is usable in exact-match search:
// both domains must be valid.
func (p PersonIdentifier) Searchable() bool {
	return p.ID != "" && p.AssigningAuthority.Valid() && p.AssigningFacility.Valid()
}

// VirtualEID is the effective enterprise identifier: the updated corporate
// ID when a re-versioning has been applied, else the original corporate ID.
func (p PersonIdentifier) VirtualEID() string {
	if p.UpdatedCorpID != "" {
		return p.UpdatedCorpID
	}
	return p.CorpID
}

// PersonName is one name instance (primary, alias, or historical).
type PersonName struct {
	First  string `json:"first,omitempty"`
	Second string `json:"second,omitempty"`
	Last   string `json:"last,omitempty"`
	Suffix string `json:"suffix,omitempty"`
	Prefix string `json:"prefix,omitempty"`
	// SearchKey is the precomputed fuzzy key persisted with the name and
	// matched against SearchRange filters during candidate retrieval.
	SearchKey string `json:"search_key,omitempty"`
}

// Full concatenates the scored name components (first, second, last,
// suffix) into the string the name comparator operates on.
func (n PersonName) Full() string {
	parts := make([]string, 0, 4)
	for _, s := range []string{n.First, n.Second, n.Last, n.Suffix} {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, " ")
}

// Empty reports whether no scored component is populated.
func (n PersonName) Empty() bool {
	return n.First == "" && n.Second == "" && n.Last == "" && n.Suffix == ""
}

// Address is one postal address instance.
type Address struct {
	Street string `json:"street,omitempty"`
	City   string `json:"city,omitempty"`
	State  string `json:"state,omitempty"`
	Zip    string `json:"zip,omitempty"`
}

// Phone is one telephone number instance, decomposed the way the phone
// comparator scores it.
type Phone struct {
	AreaCode  string `json:"area_code,omitempty"`
	Number    string `json:"number,omitempty"`
	Extension string `json:"extension,omitempty"`
}

// DriversLicense is one driver's license instance.
type DriversLicense struct {
	Number string `json:"number"`
	State  string `json:"state,omitempty"`
}

// CodedKind tags a CodedAttribute value.
type CodedKind string

const (
	KindGender        CodedKind = "gender"
	KindRace          CodedKind = "race"
	KindReligion      CodedKind = "religion"
	KindMaritalStatus CodedKind = "marital_status"
	KindEthnicGroup   CodedKind = "ethnic_group"
)

// CodedAttribute is a tagged demographic code value. A single variant type
// replaces per-kind subclassing: gender, race, religion, marital status and
// ethnic group all share this shape.
type CodedAttribute struct {
	Kind    CodedKind `json:"kind"`
	Value   string    `json:"value"`
	Expired bool      `json:"expired,omitempty"`
}

// DocumentHeader records the provenance of the attribute instances attached
// under it: which source system sent them and in which message.
type DocumentHeader struct {
	ID                   uuid.UUID `json:"id"`
	PersonOID            uuid.UUID `json:"person_oid"`
	SendingApplication   string    `json:"sending_application,omitempty"`
	SendingFacility      string    `json:"sending_facility,omitempty"`
	ReceivingApplication string    `json:"receiving_application,omitempty"`
	ReceivingFacility    string    `json:"receiving_facility,omitempty"`
	MessageType          string    `json:"message_type,omitempty"`
	MessageControlID     string    `json:"message_control_id,omitempty"`
	EventTime            time.Time `json:"event_time,omitempty"`
}

// SameDomain reports whether two headers come from the same source domain
// (sending facility + sending application).
func (h DocumentHeader) SameDomain(o DocumentHeader) bool {
	return strings.EqualFold(h.SendingFacility, o.SendingFacility) &&
		strings.EqualFold(h.SendingApplication, o.SendingApplication)
}

// Person is one identity record: repeatable demographic attributes plus
// singular attributes, with one or more DocumentHeaders recording the
// provenance of the attached instances.
type Person struct {
	OID uuid.UUID `json:"oid"`

	Names           []PersonName       `json:"names,omitempty"`
	Addresses       []Address          `json:"addresses,omitempty"`
	SSNs            []string           `json:"ssns,omitempty"`
	DatesOfBirth    []string           `json:"dates_of_birth,omitempty"` // normalized YYYYMMDD
	Coded           []CodedAttribute   `json:"coded,omitempty"`
	Phones          []Phone            `json:"phones,omitempty"`
	Emails          []string           `json:"emails,omitempty"`
	DriversLicenses []DriversLicense   `json:"drivers_licenses,omitempty"`
	Identifiers     []PersonIdentifier `json:"identifiers,omitempty"`
	AccountNumbers  []string           `json:"account_numbers,omitempty"`

	Nationality     string `json:"nationality,omitempty"`
	PrimaryLanguage string `json:"primary_language,omitempty"`
	Birthplace      string `json:"birthplace,omitempty"`
	MaidenName      string `json:"maiden_name,omitempty"`
	Expired         bool   `json:"expired,omitempty"`
	IsProvider      bool   `json:"is_provider,omitempty"`

	DocumentHeaders []DocumentHeader `json:"document_headers,omitempty"`

	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Validate enforces the minimum shape of a usable Person: at least one
// identifier, one name, and one document header. Malformed Persons fail
// fast, before any store call.
func (p *Person) Validate() error {
	err := validation.ValidateStruct(p,
		validation.Field(&p.Identifiers, validation.Required),
		validation.Field(&p.Names, validation.Required),
		validation.Field(&p.DocumentHeaders, validation.Required),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPerson, err)
	}
	return nil
}

// CodedValues returns the values of one coded-attribute kind.
func (p *Person) CodedValues(kind CodedKind) []string {
	var out []string
	for _, c := range p.Coded {
		if c.Kind == kind && c.Value != "" {
			out = append(out, c.Value)
		}
	}
	return out
}

// SearchableIdentifiers returns identifiers usable in exact-match search.
func (p *Person) SearchableIdentifiers() []PersonIdentifier {
	var out []PersonIdentifier
	for _, id := range p.Identifiers {
		if id.Searchable() {
			out = append(out, id)
		}
	}
	return out
}

// ClearTransient drops the repeatable attribute lists. The identity service
// calls this on a no-op duplicate so a caller holding the record cannot
// mistake the transient lists for persisted state.
func (p *Person) ClearTransient() {
	p.Names = nil
	p.Addresses = nil
	p.SSNs = nil
	p.DatesOfBirth = nil
	p.Coded = nil
	p.Phones = nil
	p.Emails = nil
	p.DriversLicenses = nil
	p.AccountNumbers = nil
}

// NormalizeDOB converts a date-of-birth string into canonical YYYYMMDD
// digits. ISO dates (YYYY-MM-DD) and bare 8-digit MMDDYYYY strings are
// recognized; anything else is returned with non-digits stripped.
func NormalizeDOB(raw string) string {
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t.Format("20060102")
	}
	digits := digitsOnly(raw)
	if len(digits) == 8 {
		// MMDDYYYY unless the leading pair is a plausible century, which
		// marks an already-canonical YYYYMMDD value.
		if digits[:2] != "19" && digits[:2] != "20" {
			return digits[4:] + digits[:2] + digits[2:4]
		}
	}
	return digits
}

// SplitDOB decomposes a canonical YYYYMMDD string.
func SplitDOB(dob string) (year, month, day int, ok bool) {
	if len(dob) != 8 {
		return 0, 0, 0, false
	}
	t, err := time.Parse("20060102", dob)
	if err != nil {
		return 0, 0, 0, false
	}
	return t.Year(), int(t.Month()), t.Day(), true
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
