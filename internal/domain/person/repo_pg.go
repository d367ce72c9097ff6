package person

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/empi/empi/internal/platform/db"
)

type queryable interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgStore struct {
	pool *pgxpool.Pool
}

// NewPGStore returns a Store backed by PostgreSQL.
func NewPGStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

func (s *pgStore) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return s.pool
}

// selectPerson reconstructs the full aggregate in a single round trip: one
// row per person, with the repeatable attribute lists folded into JSON
// columns whose keys line up with the Go struct tags.
const selectPerson = `
SELECT
    p.oid, p.nationality, p.primary_language, p.birthplace, p.maiden_name,
    p.expired, p.is_provider, p.created_at, p.updated_at,
    (SELECT COALESCE(json_agg(json_build_object(
        'first', n.first_name, 'second', n.second_name, 'last', n.last_name,
        'suffix', n.suffix, 'prefix', n.prefix, 'search_key', n.search_key)), '[]')
       FROM person_name n WHERE n.person_oid = p.oid) AS names,
    (SELECT COALESCE(json_agg(json_build_object(
        'street', a.street, 'city', a.city, 'state', a.state, 'zip', a.zip)), '[]')
       FROM person_address a WHERE a.person_oid = p.oid) AS addresses,
    (SELECT COALESCE(json_agg(v.value), '[]')
       FROM person_attr v WHERE v.person_oid = p.oid AND v.kind = 'ssn') AS ssns,
    (SELECT COALESCE(json_agg(v.value), '[]')
       FROM person_attr v WHERE v.person_oid = p.oid AND v.kind = 'dob') AS dobs,
    (SELECT COALESCE(json_agg(json_build_object(
        'kind', v.kind, 'value', v.value, 'expired', v.expired)), '[]')
       FROM person_attr v WHERE v.person_oid = p.oid
        AND v.kind IN ('gender','race','religion','marital_status','ethnic_group')) AS coded,
    (SELECT COALESCE(json_agg(json_build_object(
        'area_code', ph.area_code, 'number', ph.number, 'extension', ph.extension)), '[]')
       FROM person_phone ph WHERE ph.person_oid = p.oid) AS phones,
    (SELECT COALESCE(json_agg(v.value), '[]')
       FROM person_attr v WHERE v.person_oid = p.oid AND v.kind = 'email') AS emails,
    (SELECT COALESCE(json_agg(json_build_object(
        'number', dl.number, 'state', dl.state)), '[]')
       FROM person_license dl WHERE dl.person_oid = p.oid) AS licenses,
    (SELECT COALESCE(json_agg(json_build_object(
        'id', i.local_id,
        'assigning_authority', json_build_object(
            'namespace_id', i.authority_ns, 'universal_id', i.authority_uid,
            'universal_id_type', i.authority_uid_type),
        'assigning_facility', json_build_object(
            'namespace_id', i.facility_ns, 'universal_id', i.facility_uid,
            'universal_id_type', i.facility_uid_type),
        'type_code', i.type_code, 'corp_id', i.corp_id,
        'updated_corp_id', i.updated_corp_id)), '[]')
       FROM person_identifier i WHERE i.person_oid = p.oid) AS identifiers,
    (SELECT COALESCE(json_agg(v.value), '[]')
       FROM person_attr v WHERE v.person_oid = p.oid AND v.kind = 'account') AS accounts,
    (SELECT COALESCE(json_agg(json_build_object(
        'id', h.id, 'person_oid', h.person_oid,
        'sending_application', h.sending_application,
        'sending_facility', h.sending_facility,
        'receiving_application', h.receiving_application,
        'receiving_facility', h.receiving_facility,
        'message_type', h.message_type,
        'message_control_id', h.message_control_id,
        'event_time', h.event_time)), '[]')
       FROM document_header h WHERE h.person_oid = p.oid) AS headers
FROM person p`

func scanPerson(row pgx.Row) (*Person, error) {
	var (
		p        Person
		names    []byte
		addrs    []byte
		ssns     []byte
		dobs     []byte
		coded    []byte
		phones   []byte
		emails   []byte
		licenses []byte
		ids      []byte
		accounts []byte
		headers  []byte
	)
	err := row.Scan(
		&p.OID, &p.Nationality, &p.PrimaryLanguage, &p.Birthplace, &p.MaidenName,
		&p.Expired, &p.IsProvider, &p.CreatedAt, &p.UpdatedAt,
		&names, &addrs, &ssns, &dobs, &coded, &phones, &emails, &licenses,
		&ids, &accounts, &headers,
	)
	if err != nil {
		return nil, err
	}
	for _, col := range []struct {
		raw []byte
		dst any
	}{
		{names, &p.Names},
		{addrs, &p.Addresses},
		{ssns, &p.SSNs},
		{dobs, &p.DatesOfBirth},
		{coded, &p.Coded},
		{phones, &p.Phones},
		{emails, &p.Emails},
		{licenses, &p.DriversLicenses},
		{ids, &p.Identifiers},
		{accounts, &p.AccountNumbers},
		{headers, &p.DocumentHeaders},
	} {
		if err := json.Unmarshal(col.raw, col.dst); err != nil {
			return nil, fmt.Errorf("decode aggregate column: %w", err)
		}
	}
	return &p, nil
}

// buildWhere translates a SearchFilter into a WHERE clause over the
// attribute tables. Each populated category contributes one EXISTS (or
// direct) clause; the clauses are AND'd together.
func buildWhere(f *SearchFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(f.OIDs) > 0 {
		clauses = append(clauses, "p.oid = ANY("+arg(f.OIDs)+")")
	}
	if len(f.Identifiers) > 0 {
		var alts []string
		for _, id := range f.Identifiers {
			alts = append(alts, fmt.Sprintf(
				"(LOWER(i.local_id) = %s AND LOWER(i.authority_ns) = %s AND LOWER(i.facility_ns) = %s)",
				arg(strings.ToLower(id.ID)),
				arg(strings.ToLower(id.AssigningAuthority.NamespaceID)),
				arg(strings.ToLower(id.AssigningFacility.NamespaceID))))
		}
		clauses = append(clauses,
			"EXISTS (SELECT 1 FROM person_identifier i WHERE i.person_oid = p.oid AND ("+
				strings.Join(alts, " OR ")+"))")
	}
	if len(f.NameRanges) > 0 {
		var alts []string
		for _, r := range f.NameRanges {
			alts = append(alts, fmt.Sprintf("(n.search_key >= %s AND n.search_key <= %s)",
				arg(r.Start), arg(r.End)))
		}
		clauses = append(clauses,
			"EXISTS (SELECT 1 FROM person_name n WHERE n.person_oid = p.oid AND ("+
				strings.Join(alts, " OR ")+"))")
	}
	if len(f.NameExacts) > 0 {
		var alts []string
		for _, nm := range f.NameExacts {
			alts = append(alts, fmt.Sprintf(
				"(LOWER(n.last_name) = %s AND LOWER(n.first_name) = %s)",
				arg(strings.ToLower(nm.Last)), arg(strings.ToLower(nm.First))))
		}
		clauses = append(clauses,
			"EXISTS (SELECT 1 FROM person_name n WHERE n.person_oid = p.oid AND ("+
				strings.Join(alts, " OR ")+"))")
	}
	if f.NamePrefix != nil {
		clauses = append(clauses, fmt.Sprintf(
			"EXISTS (SELECT 1 FROM person_name n WHERE n.person_oid = p.oid"+
				" AND LOWER(n.last_name) LIKE %s || '%%' AND LOWER(n.first_name) LIKE %s || '%%')",
			arg(strings.ToLower(f.NamePrefix.Last)), arg(strings.ToLower(f.NamePrefix.First))))
	}

	attr := func(kind string, values []string) {
		clauses = append(clauses,
			"EXISTS (SELECT 1 FROM person_attr v WHERE v.person_oid = p.oid AND v.kind = '"+
				kind+"' AND LOWER(v.value) = ANY("+arg(lowerAll(values))+"))")
	}
	if len(f.SSNs) > 0 {
		attr("ssn", f.SSNs)
	}
	if len(f.DOBs) > 0 {
		attr("dob", f.DOBs)
	}
	if len(f.Genders) > 0 {
		attr("gender", f.Genders)
	}
	if len(f.AccountNumbers) > 0 {
		attr("account", f.AccountNumbers)
	}

	addr := func(column string, values []string) {
		clauses = append(clauses,
			"EXISTS (SELECT 1 FROM person_address a WHERE a.person_oid = p.oid AND LOWER(a."+
				column+") = ANY("+arg(lowerAll(values))+"))")
	}
	if len(f.Streets) > 0 {
		addr("street", f.Streets)
	}
	if len(f.Cities) > 0 {
		addr("city", f.Cities)
	}
	if len(f.States) > 0 {
		addr("state", f.States)
	}
	if len(f.Zips) > 0 {
		addr("zip", f.Zips)
	}

	if len(f.PhoneNumbers) > 0 {
		clauses = append(clauses,
			"EXISTS (SELECT 1 FROM person_phone ph WHERE ph.person_oid = p.oid AND LOWER(ph.number) = ANY("+
				arg(lowerAll(f.PhoneNumbers))+"))")
	}
	if len(f.LicenseNumbers) > 0 {
		clauses = append(clauses,
			"EXISTS (SELECT 1 FROM person_license dl WHERE dl.person_oid = p.oid AND LOWER(dl.number) = ANY("+
				arg(lowerAll(f.LicenseNumbers))+"))")
	}
	if f.CorpID != "" {
		cl := "EXISTS (SELECT 1 FROM person_identifier i WHERE i.person_oid = p.oid" +
			" AND LOWER(COALESCE(NULLIF(i.updated_corp_id, ''), i.corp_id)) = " +
			arg(strings.ToLower(f.CorpID))
		if f.CorpIDDomain != "" {
			cl += " AND LOWER(i.authority_ns) = " + arg(strings.ToLower(f.CorpIDDomain))
		}
		clauses = append(clauses, cl+")")
	}

	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}

func filterSQL(f *SearchFilter) (string, []any) {
	where, args := buildWhere(f)
	q := selectPerson + where + " ORDER BY p.created_at, p.oid"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return q, args
}

func (s *pgStore) Query(ctx context.Context, f *SearchFilter) ([]*Person, error) {
	cur, err := s.QueryIterator(ctx, f)
	if err != nil {
		return nil, err
	}
	defer cur.Close()

	var out []*Person
	for cur.Next() {
		out = append(out, cur.Person())
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *pgStore) QueryIterator(ctx context.Context, f *SearchFilter) (Cursor, error) {
	q, args := filterSQL(f)
	rows, err := s.conn(ctx).Query(ctx, q, args...)
	if err != nil {
		return nil, &StoreError{Op: "query", Err: err}
	}
	return &pgCursor{rows: rows}, nil
}

// pgCursor streams persons off an open pgx.Rows. The connection is held
// until Close; Close is idempotent.
type pgCursor struct {
	rows    pgx.Rows
	current *Person
	err     error
	closed  bool
}

func (c *pgCursor) Next() bool {
	if c.err != nil || c.closed {
		return false
	}
	if !c.rows.Next() {
		if err := c.rows.Err(); err != nil {
			c.err = &StoreError{Op: "query iterate", Err: err}
		}
		return false
	}
	p, err := scanPerson(c.rows)
	if err != nil {
		c.err = &StoreError{Op: "query scan", Err: err}
		return false
	}
	c.current = p
	return true
}

func (c *pgCursor) Person() *Person { return c.current }

func (c *pgCursor) Err() error { return c.err }

func (c *pgCursor) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.rows.Close()
	return nil
}

func (s *pgStore) GetByOID(ctx context.Context, oid uuid.UUID) (*Person, error) {
	persons, err := s.Query(ctx, &SearchFilter{OIDs: []uuid.UUID{oid}})
	if err != nil {
		return nil, err
	}
	if len(persons) == 0 {
		return nil, ErrNotFound
	}
	return persons[0], nil
}

func (s *pgStore) GetByCorpID(ctx context.Context, domain, corpID string) (*Person, error) {
	persons, err := s.Query(ctx, &SearchFilter{CorpID: corpID, CorpIDDomain: domain, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(persons) == 0 {
		return nil, ErrNotFound
	}
	return persons[0], nil
}

func (s *pgStore) AddPerson(ctx context.Context, p *Person) (uuid.UUID, error) {
	if p.OID == uuid.Nil {
		p.OID = uuid.New()
	}
	err := db.WithTx(ctx, s.pool, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO person
    (oid, nationality, primary_language, birthplace, maiden_name, expired, is_provider)
    VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			p.OID, p.Nationality, p.PrimaryLanguage, p.Birthplace, p.MaidenName,
			p.Expired, p.IsProvider)
		if err != nil {
			return err
		}
		return s.insertDocument(ctx, tx, p.OID, p)
	})
	if err != nil {
		return uuid.Nil, &StoreError{Op: "add person", Err: err}
	}
	return p.OID, nil
}

func (s *pgStore) AddPersonInfo(ctx context.Context, p *Person) (uuid.UUID, error) {
	err := db.WithTx(ctx, s.pool, func(ctx context.Context, tx pgx.Tx) error {
		var exists bool
		err := tx.QueryRow(ctx,
			`SELECT TRUE FROM person WHERE oid = $1 FOR UPDATE`, p.OID).Scan(&exists)
		if err == pgx.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if err := s.insertDocument(ctx, tx, p.OID, p); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `UPDATE person SET updated_at = NOW() WHERE oid = $1`, p.OID)
		return err
	})
	if err != nil {
		if err == ErrNotFound {
			return uuid.Nil, err
		}
		return uuid.Nil, &StoreError{Op: "add person info", Err: err}
	}
	return p.OID, nil
}

// insertDocument writes the document headers and the attribute instances
// they carry. Attribute rows are attached to the first header, the one for
// the message that delivered them.
func (s *pgStore) insertDocument(ctx context.Context, tx pgx.Tx, oid uuid.UUID, p *Person) error {
	headerID := uuid.Nil
	for i := range p.DocumentHeaders {
		h := &p.DocumentHeaders[i]
		if h.ID == uuid.Nil {
			h.ID = uuid.New()
		}
		h.PersonOID = oid
		if i == 0 {
			headerID = h.ID
		}
		_, err := tx.Exec(ctx, `INSERT INTO document_header
    (id, person_oid, sending_application, sending_facility,
     receiving_application, receiving_facility, message_type,
     message_control_id, event_time)
    VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			h.ID, oid, h.SendingApplication, h.SendingFacility,
			h.ReceivingApplication, h.ReceivingFacility, h.MessageType,
			h.MessageControlID, h.EventTime)
		if err != nil {
			return err
		}
	}
	if headerID == uuid.Nil {
		return fmt.Errorf("person has no document header")
	}

	for _, n := range p.Names {
		key := n.SearchKey
		if key == "" && n.Last != "" {
			key = searchKeyFor(n.Last)
		}
		_, err := tx.Exec(ctx, `INSERT INTO person_name
    (person_oid, header_id, first_name, second_name, last_name, suffix, prefix, search_key)
    VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			oid, headerID, n.First, n.Second, n.Last, n.Suffix, n.Prefix, key)
		if err != nil {
			return err
		}
	}
	for _, a := range p.Addresses {
		_, err := tx.Exec(ctx, `INSERT INTO person_address
    (person_oid, header_id, street, city, state, zip)
    VALUES ($1, $2, $3, $4, $5, $6)`,
			oid, headerID, a.Street, a.City, a.State, a.Zip)
		if err != nil {
			return err
		}
	}
	for _, ph := range p.Phones {
		_, err := tx.Exec(ctx, `INSERT INTO person_phone
    (person_oid, header_id, area_code, number, extension)
    VALUES ($1, $2, $3, $4, $5)`,
			oid, headerID, ph.AreaCode, ph.Number, ph.Extension)
		if err != nil {
			return err
		}
	}
	for _, dl := range p.DriversLicenses {
		_, err := tx.Exec(ctx, `INSERT INTO person_license
    (person_oid, header_id, number, state)
    VALUES ($1, $2, $3, $4)`,
			oid, headerID, dl.Number, dl.State)
		if err != nil {
			return err
		}
	}
	for _, id := range p.Identifiers {
		_, err := tx.Exec(ctx, `INSERT INTO person_identifier
    (person_oid, header_id, local_id,
     authority_ns, authority_uid, authority_uid_type,
     facility_ns, facility_uid, facility_uid_type,
     type_code, corp_id, updated_corp_id)
    VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			oid, headerID, id.ID,
			id.AssigningAuthority.NamespaceID, id.AssigningAuthority.UniversalID,
			id.AssigningAuthority.UniversalIDType,
			id.AssigningFacility.NamespaceID, id.AssigningFacility.UniversalID,
			id.AssigningFacility.UniversalIDType,
			id.TypeCode, id.CorpID, id.UpdatedCorpID)
		if err != nil {
			return err
		}
	}

	insertAttr := func(kind string, values []string) error {
		for _, v := range values {
			if v == "" {
				continue
			}
			_, err := tx.Exec(ctx, `INSERT INTO person_attr
    (person_oid, header_id, kind, value) VALUES ($1, $2, $3, $4)`,
				oid, headerID, kind, v)
			if err != nil {
				return err
			}
		}
		return nil
	}
	if err := insertAttr("ssn", p.SSNs); err != nil {
		return err
	}
	if err := insertAttr("dob", p.DatesOfBirth); err != nil {
		return err
	}
	if err := insertAttr("email", p.Emails); err != nil {
		return err
	}
	if err := insertAttr("account", p.AccountNumbers); err != nil {
		return err
	}
	for _, c := range p.Coded {
		if c.Value == "" {
			continue
		}
		_, err := tx.Exec(ctx, `INSERT INTO person_attr
    (person_oid, header_id, kind, value, expired) VALUES ($1, $2, $3, $4, $5)`,
			oid, headerID, string(c.Kind), c.Value, c.Expired)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *pgStore) UpdatePerson(ctx context.Context, p *Person) error {
	tag, err := s.conn(ctx).Exec(ctx, `UPDATE person SET
    nationality = $2, primary_language = $3, birthplace = $4,
    maiden_name = $5, expired = $6, is_provider = $7, updated_at = NOW()
    WHERE oid = $1`,
		p.OID, p.Nationality, p.PrimaryLanguage, p.Birthplace, p.MaidenName,
		p.Expired, p.IsProvider)
	if err != nil {
		return &StoreError{Op: "update person", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgStore) MergePersons(ctx context.Context, persons []*Person) (*Person, error) {
	if len(persons) < 2 {
		return nil, &StoreError{Op: "merge", Err: fmt.Errorf("need a survivor and at least one absorbed person")}
	}
	survivor := persons[0]

	for _, absorbed := range persons[1:] {
		abs := absorbed
		err := db.WithTx(ctx, s.pool, func(ctx context.Context, tx pgx.Tx) error {
			return s.absorb(ctx, tx, survivor.OID, abs)
		})
		if err != nil {
			if err == ErrConflict {
				return nil, err
			}
			return nil, &StoreError{Op: "merge", Err: err}
		}
	}
	return s.GetByOID(ctx, survivor.OID)
}

// absorb folds one absorbed identity into the survivor. The absorbed
// person's Identifiers[0] is the identifier that triggered the merge; the
// document headers owning every other identifier move to the survivor, then
// the absorbed identity row is deleted and cascade removes what is left.
func (s *pgStore) absorb(ctx context.Context, tx pgx.Tx, survivorOID uuid.UUID, absorbed *Person) error {
	// Lock both identity rows in a fixed order. A missing row means a
	// concurrent merge or delete got there first.
	for _, oid := range orderedOIDs(survivorOID, absorbed.OID) {
		var locked bool
		err := tx.QueryRow(ctx,
			`SELECT TRUE FROM person WHERE oid = $1 FOR UPDATE`, oid).Scan(&locked)
		if err == pgx.ErrNoRows {
			return ErrConflict
		}
		if err != nil {
			return err
		}
	}

	if len(absorbed.Identifiers) == 0 {
		return fmt.Errorf("absorbed person %s has no identifiers", absorbed.OID)
	}
	trigger := absorbed.Identifiers[0]

	rows, err := tx.Query(ctx, `SELECT DISTINCT header_id FROM person_identifier
    WHERE person_oid = $1
      AND NOT (LOWER(local_id) = $2 AND LOWER(authority_ns) = $3 AND LOWER(facility_ns) = $4)`,
		absorbed.OID,
		strings.ToLower(trigger.ID),
		strings.ToLower(trigger.AssigningAuthority.NamespaceID),
		strings.ToLower(trigger.AssigningFacility.NamespaceID))
	if err != nil {
		return err
	}
	var headerIDs []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		headerIDs = append(headerIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	if len(headerIDs) > 0 {
		if err := reparentHeaders(ctx, tx, headerIDs, absorbed.OID, survivorOID); err != nil {
			return err
		}
	}

	_, err = tx.Exec(ctx, `DELETE FROM person WHERE oid = $1`, absorbed.OID)
	return err
}

func (s *pgStore) SplitPerson(ctx context.Context, orig *Person, headers []DocumentHeader) (uuid.UUID, error) {
	if len(headers) == 0 {
		return uuid.Nil, &StoreError{Op: "split", Err: fmt.Errorf("no document headers to split off")}
	}
	newOID := uuid.New()

	err := db.WithTx(ctx, s.pool, func(ctx context.Context, tx pgx.Tx) error {
		var locked bool
		err := tx.QueryRow(ctx,
			`SELECT TRUE FROM person WHERE oid = $1 FOR UPDATE`, orig.OID).Scan(&locked)
		if err == pgx.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `INSERT INTO person
    (oid, nationality, primary_language, birthplace, maiden_name, expired, is_provider)
    SELECT $1, nationality, primary_language, birthplace, maiden_name, expired, is_provider
    FROM person WHERE oid = $2`, newOID, orig.OID)
		if err != nil {
			return err
		}

		ids := make([]uuid.UUID, len(headers))
		for i, h := range headers {
			ids[i] = h.ID
		}
		tag, err := tx.Exec(ctx, `UPDATE document_header SET person_oid = $1
    WHERE id = ANY($2) AND person_oid = $3`, newOID, ids, orig.OID)
		if err != nil {
			return err
		}
		// Every named header must still belong to the original identity;
		// anything less means it changed underneath us.
		if tag.RowsAffected() != int64(len(ids)) {
			return ErrConflict
		}
		return reparentChildren(ctx, tx, ids, orig.OID, newOID)
	})
	if err != nil {
		if err == ErrNotFound || err == ErrConflict {
			return uuid.Nil, err
		}
		return uuid.Nil, &StoreError{Op: "split", Err: err}
	}
	return newOID, nil
}

func reparentHeaders(ctx context.Context, tx pgx.Tx, headerIDs []uuid.UUID, from, to uuid.UUID) error {
	_, err := tx.Exec(ctx, `UPDATE document_header SET person_oid = $1
    WHERE id = ANY($2) AND person_oid = $3`, to, headerIDs, from)
	if err != nil {
		return err
	}
	return reparentChildren(ctx, tx, headerIDs, from, to)
}

func reparentChildren(ctx context.Context, tx pgx.Tx, headerIDs []uuid.UUID, from, to uuid.UUID) error {
	for _, table := range []string{
		"person_name", "person_address", "person_phone",
		"person_license", "person_identifier", "person_attr",
	} {
		_, err := tx.Exec(ctx,
			"UPDATE "+table+" SET person_oid = $1 WHERE header_id = ANY($2) AND person_oid = $3",
			to, headerIDs, from)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *pgStore) RemovePerson(ctx context.Context, oid uuid.UUID) error {
	tag, err := s.conn(ctx).Exec(ctx, `DELETE FROM person WHERE oid = $1`, oid)
	if err != nil {
		return &StoreError{Op: "remove person", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgStore) UpdateEID(ctx context.Context, domain, facility, oldLocalID, newLocalID, oldEID, newEID string) (int64, error) {
	tag, err := s.conn(ctx).Exec(ctx, `UPDATE person_identifier
    SET local_id = $1, updated_corp_id = $2
    WHERE LOWER(authority_ns) = $3 AND LOWER(facility_ns) = $4
      AND LOWER(local_id) = $5
      AND LOWER(COALESCE(NULLIF(updated_corp_id, ''), corp_id)) = $6`,
		newLocalID, newEID,
		strings.ToLower(domain), strings.ToLower(facility),
		strings.ToLower(oldLocalID), strings.ToLower(oldEID))
	if err != nil {
		return 0, &StoreError{Op: "update eid", Err: err}
	}
	return tag.RowsAffected(), nil
}

func orderedOIDs(a, b uuid.UUID) []uuid.UUID {
	if strings.Compare(a.String(), b.String()) <= 0 {
		return []uuid.UUID{a, b}
	}
	return []uuid.UUID{b, a}
}
