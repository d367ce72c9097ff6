package correlate

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/empi/empi/internal/domain/person"
)

var (
	// ErrSessionNotFound marks a lookup session id that is unknown, expired,
	// or already ended.
	ErrSessionNotFound = errors.New("lookup session not found")
	// ErrSessionEnded marks a Next call against a session that has been
	// released.
	ErrSessionEnded = errors.New("lookup session ended")
)

// Engine answers "does this person already exist, and if so who". It
// composes candidate retrieval with fast-path matching and vector scoring,
// and exposes both one-shot and paged lookup.
type Engine struct {
	retriever *Retriever
	builder   *VectorBuilder
	agg       *Aggregator
	log       zerolog.Logger

	idleTimeout time.Duration

	mu       sync.Mutex
	sessions map[string]*session
}

// NewEngine wires an Engine from its parts. idleTimeout bounds how long an
// abandoned paged-lookup session may pin a store cursor before the reaper
// force-releases it.
func NewEngine(retriever *Retriever, builder *VectorBuilder, agg *Aggregator, idleTimeout time.Duration, log zerolog.Logger) *Engine {
	return &Engine{
		retriever:   retriever,
		builder:     builder,
		agg:         agg,
		log:         log,
		idleTimeout: idleTimeout,
		sessions:    make(map[string]*session),
	}
}

// Lookup retrieves candidates for the query and returns those accepted by
// the fast-match rules or scoring at or above confidence, capped at
// maxMatches (zero means uncapped). Confidence zero accepts all candidates
// unscored. Matches come back in candidate-retrieval order; they are not
// re-ranked by score, so callers wanting best-match-first must sort.
func (e *Engine) Lookup(ctx context.Context, query *person.Person, confidence float64, maxMatches int) ([]*person.Person, error) {
	cur, err := e.retriever.Search(ctx, query)
	if err != nil {
		return nil, err
	}
	defer cur.Close()

	var matches []*person.Person
	for cur.Next() {
		cand := cur.Person()
		if e.accept(query, cand, confidence) {
			matches = append(matches, cand)
			if maxMatches > 0 && len(matches) >= maxMatches {
				break
			}
		}
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return matches, nil
}

// Match applies the demographic fast-path rules only (the shared-identifier
// rule excluded). The identity service uses it to decide whether an inbound
// record is a duplicate requiring an alias attach.
func (e *Engine) Match(a, b *person.Person) bool {
	return e.agg.DemographicMatch(a, b)
}

func (e *Engine) accept(query, cand *person.Person, confidence float64) bool {
	if e.agg.FastMatch(query, cand) {
		return true
	}
	if confidence <= 0 {
		return true
	}
	return e.agg.Aggregate(e.builder.Build(query, cand)) >= confidence
}

type sessionState int

const (
	stateStarted sessionState = iota
	stateDraining
	stateEnded
)

// session is one open paged lookup: a live store cursor plus the query it
// is being scored against and the idle reaper timer.
type session struct {
	id         string
	mu         sync.Mutex
	state      sessionState
	cursor     person.Cursor
	query      *person.Person
	confidence float64
	timer      *time.Timer
}

// LookupStart opens a candidate cursor for the query and registers a paged
// lookup session. The caller pages with LookupNext and must release the
// session with LookupEnd; an abandoned session is force-released by the
// idle reaper after the inactivity window.
func (e *Engine) LookupStart(ctx context.Context, query *person.Person, confidence float64) (string, error) {
	cur, err := e.retriever.Search(ctx, query)
	if err != nil {
		return "", err
	}

	s := &session{
		id:         uuid.NewString(),
		state:      stateStarted,
		cursor:     cur,
		query:      query,
		confidence: confidence,
	}
	if e.idleTimeout > 0 {
		s.timer = time.AfterFunc(e.idleTimeout, func() { e.reap(s.id) })
	}

	e.mu.Lock()
	e.sessions[s.id] = s
	e.mu.Unlock()

	return s.id, nil
}

// LookupNext pulls up to n further matches from the session. An exhausted
// session returns an empty page; the caller still owns the End call. Each
// successful Next resets the idle reaper timer.
func (e *Engine) LookupNext(ctx context.Context, sessionID string, n int) ([]*person.Person, error) {
	e.mu.Lock()
	s, ok := e.sessions[sessionID]
	e.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateEnded {
		return nil, ErrSessionEnded
	}
	s.state = stateDraining

	if n <= 0 {
		n = 1
	}
	var matches []*person.Person
	for len(matches) < n && s.cursor.Next() {
		cand := s.cursor.Person()
		if e.accept(s.query, cand, s.confidence) {
			matches = append(matches, cand)
		}
	}
	if err := s.cursor.Err(); err != nil {
		// The session stays registered so End can still release the cursor.
		return nil, err
	}

	if s.timer != nil {
		s.timer.Reset(e.idleTimeout)
	}
	return matches, nil
}

// LookupEnd releases the session's cursor and unregisters it. Ending an
// unknown or already-ended session is a no-op; End must be reachable from
// any state, including after an error during Next.
func (e *Engine) LookupEnd(sessionID string) error {
	e.mu.Lock()
	s, ok := e.sessions[sessionID]
	delete(e.sessions, sessionID)
	e.mu.Unlock()
	if !ok {
		return nil
	}
	return e.end(s)
}

func (e *Engine) end(s *session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateEnded {
		return nil
	}
	s.state = stateEnded
	if s.timer != nil {
		s.timer.Stop()
	}
	return s.cursor.Close()
}

func (e *Engine) reap(sessionID string) {
	e.mu.Lock()
	s, ok := e.sessions[sessionID]
	delete(e.sessions, sessionID)
	e.mu.Unlock()
	if !ok {
		return
	}
	e.log.Warn().Str("session_id", sessionID).Msg("reaping abandoned lookup session")
	if err := e.end(s); err != nil {
		e.log.Error().Err(err).Str("session_id", sessionID).Msg("failed to release reaped session")
	}
}

// Shutdown releases every open session. Called on server stop.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	open := make([]*session, 0, len(e.sessions))
	for _, s := range e.sessions {
		open = append(open, s)
	}
	e.sessions = make(map[string]*session)
	e.mu.Unlock()

	for _, s := range open {
		if err := e.end(s); err != nil {
			e.log.Error().Err(err).Str("session_id", s.id).Msg("failed to release session during shutdown")
		}
	}
}
