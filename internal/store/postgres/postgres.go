// Package postgres provides the PostgreSQL-backed implementation of
// [store.Store].
//
// All operations share a single [pgxpool.Pool]. [NewStore] runs [Migrate] to
// ensure the required tables exist.
//
// Usage:
//
//	st, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	sess, _ := st.Create(ctx)
//	_, _ = st.AppendTranscript(ctx, sess.Code, seg)
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/versecast/versecast/internal/store"
)

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// ─────────────────────────────────────────────────────────────────────────────
// DDL
// ─────────────────────────────────────────────────────────────────────────────

const ddlSessions = `
CREATE TABLE IF NOT EXISTS sessions (
    id           TEXT         PRIMARY KEY,
    code         TEXT         NOT NULL UNIQUE,
    status       TEXT         NOT NULL DEFAULT 'new',
    is_recording BOOLEAN      NOT NULL DEFAULT FALSE,
    is_paused    BOOLEAN      NOT NULL DEFAULT FALSE,
    created_at   TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions (status);
`

const ddlTranscripts = `
CREATE TABLE IF NOT EXISTS transcript_segments (
    id          TEXT         PRIMARY KEY,
    session_id  TEXT         NOT NULL REFERENCES sessions (id) ON DELETE CASCADE,
    text        TEXT         NOT NULL,
    timestamp   TIMESTAMPTZ  NOT NULL DEFAULT now(),
    confidence  DOUBLE PRECISION NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_transcript_segments_session_timestamp
    ON transcript_segments (session_id, timestamp);
`

const ddlScriptures = `
CREATE TABLE IF NOT EXISTS scripture_references (
    id                    TEXT         PRIMARY KEY,
    session_id            TEXT         NOT NULL REFERENCES sessions (id) ON DELETE CASCADE,
    book                  TEXT         NOT NULL,
    chapter               INT          NOT NULL DEFAULT 0,
    verse                 INT          NOT NULL DEFAULT 0,
    version               TEXT         NOT NULL DEFAULT '',
    text                  TEXT         NOT NULL DEFAULT '',
    confidence            DOUBLE PRECISION NOT NULL DEFAULT 0,
    transcript_segment_id TEXT         NOT NULL DEFAULT '',
    created_at            TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_scripture_references_session
    ON scripture_references (session_id, created_at);
`

// Store is the PostgreSQL-backed session state store.
// All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore establishes a connection pool to the database at dsn and runs
// [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: connect: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates all required tables and indexes if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, ddl := range []string{ddlSessions, ddlTranscripts, ddlScriptures} {
		if _, err := s.pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("postgres store: migrate: %w", err)
		}
	}
	return nil
}

// Ping verifies database connectivity. Used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Create implements [store.Store.Create].
func (s *Store) Create(ctx context.Context) (store.Session, error) {
	id, err := store.NewID()
	if err != nil {
		return store.Session{}, err
	}

	// Retry on the unlikely event of a code collision.
	for attempt := 0; attempt < 5; attempt++ {
		code, err := store.NewCode()
		if err != nil {
			return store.Session{}, err
		}

		const q = `
			INSERT INTO sessions (id, code, status)
			VALUES ($1, $2, 'new')
			ON CONFLICT (code) DO NOTHING
			RETURNING created_at, updated_at`

		var sess store.Session
		err = s.pool.QueryRow(ctx, q, id, code).Scan(&sess.CreatedAt, &sess.UpdatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return store.Session{}, fmt.Errorf("postgres store: create session: %w", err)
		}

		sess.ID = id
		sess.Code = code
		sess.Status = store.StatusNew
		return sess, nil
	}
	return store.Session{}, fmt.Errorf("postgres store: create session: code space exhausted")
}

// Get implements [store.Store.Get].
func (s *Store) Get(ctx context.Context, code string) (store.Session, error) {
	const q = `
		SELECT id, code, status, is_recording, is_paused, created_at, updated_at
		FROM   sessions
		WHERE  code = $1`

	var sess store.Session
	err := s.pool.QueryRow(ctx, q, code).Scan(
		&sess.ID,
		&sess.Code,
		&sess.Status,
		&sess.IsRecording,
		&sess.IsPaused,
		&sess.CreatedAt,
		&sess.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Session{}, store.ErrNotFound
	}
	if err != nil {
		return store.Session{}, fmt.Errorf("postgres store: get session: %w", err)
	}
	return sess, nil
}

// Update implements [store.Store.Update]. The lifecycle check and the write
// happen in one statement so concurrent updates cannot skip a transition.
func (s *Store) Update(ctx context.Context, session store.Session) error {
	cur, err := s.Get(ctx, session.Code)
	if err != nil {
		return err
	}
	if cur.Status == store.StatusEnded {
		return store.ErrSessionEnded
	}
	if !cur.Status.CanTransition(session.Status) {
		return fmt.Errorf("%w: %s → %s", store.ErrInvalidTransition, cur.Status, session.Status)
	}

	const q = `
		UPDATE sessions
		SET    status = $2, is_recording = $3, is_paused = $4, updated_at = now()
		WHERE  code = $1 AND status <> 'ended'`

	tag, err := s.pool.Exec(ctx, q, session.Code, session.Status, session.IsRecording, session.IsPaused)
	if err != nil {
		return fmt.Errorf("postgres store: update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrSessionEnded
	}
	return nil
}

// End implements [store.Store.End].
func (s *Store) End(ctx context.Context, code string) error {
	const q = `
		UPDATE sessions
		SET    status = 'ended', is_recording = FALSE, is_paused = FALSE, updated_at = now()
		WHERE  code = $1`

	tag, err := s.pool.Exec(ctx, q, code)
	if err != nil {
		return fmt.Errorf("postgres store: end session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// AppendTranscript implements [store.Store.AppendTranscript].
func (s *Store) AppendTranscript(ctx context.Context, code string, seg store.TranscriptSegment) (store.TranscriptSegment, error) {
	id, err := store.NewID()
	if err != nil {
		return store.TranscriptSegment{}, err
	}

	// The INSERT only succeeds when the owning session is not ended; the
	// subquery makes the check and the append atomic.
	const q = `
		INSERT INTO transcript_segments (id, session_id, text, timestamp, confidence)
		SELECT $1, s.id, $3, COALESCE($4, now()), $5
		FROM   sessions s
		WHERE  s.code = $2 AND s.status <> 'ended'
		RETURNING session_id, timestamp`

	var args []any
	if seg.Timestamp.IsZero() {
		args = []any{id, code, seg.Text, nil, seg.Confidence}
	} else {
		args = []any{id, code, seg.Text, seg.Timestamp, seg.Confidence}
	}

	err = s.pool.QueryRow(ctx, q, args...).Scan(&seg.SessionID, &seg.Timestamp)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.TranscriptSegment{}, s.appendRefusal(ctx, code)
	}
	if err != nil {
		return store.TranscriptSegment{}, fmt.Errorf("postgres store: append transcript: %w", err)
	}
	seg.ID = id
	return seg, nil
}

// AppendScripture implements [store.Store.AppendScripture].
func (s *Store) AppendScripture(ctx context.Context, code string, ref store.ScriptureReference) (store.ScriptureReference, error) {
	id, err := store.NewID()
	if err != nil {
		return store.ScriptureReference{}, err
	}

	const q = `
		INSERT INTO scripture_references
		    (id, session_id, book, chapter, verse, version, text, confidence, transcript_segment_id)
		SELECT $1, s.id, $3, $4, $5, $6, $7, $8, $9
		FROM   sessions s
		WHERE  s.code = $2 AND s.status <> 'ended'
		RETURNING session_id`

	err = s.pool.QueryRow(ctx, q,
		id, code,
		ref.Book, ref.Chapter, ref.Verse,
		ref.Version, ref.Text, ref.Confidence,
		ref.TranscriptSegmentID,
	).Scan(&ref.SessionID)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ScriptureReference{}, s.appendRefusal(ctx, code)
	}
	if err != nil {
		return store.ScriptureReference{}, fmt.Errorf("postgres store: append scripture: %w", err)
	}
	ref.ID = id
	return ref, nil
}

// appendRefusal distinguishes "session missing" from "session ended" after a
// gated INSERT matched no rows.
func (s *Store) appendRefusal(ctx context.Context, code string) error {
	if _, err := s.Get(ctx, code); errors.Is(err, store.ErrNotFound) {
		return store.ErrNotFound
	}
	return store.ErrSessionEnded
}

// Transcripts implements [store.Store.Transcripts]. An unknown code is
// ErrNotFound, never an empty history.
func (s *Store) Transcripts(ctx context.Context, code string) ([]store.TranscriptSegment, error) {
	if _, err := s.Get(ctx, code); err != nil {
		return nil, err
	}

	const q = `
		SELECT t.id, t.session_id, t.text, t.timestamp, t.confidence
		FROM   transcript_segments t
		JOIN   sessions s ON s.id = t.session_id
		WHERE  s.code = $1
		ORDER  BY t.timestamp`

	rows, err := s.pool.Query(ctx, q, code)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list transcripts: %w", err)
	}

	segs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.TranscriptSegment, error) {
		var seg store.TranscriptSegment
		err := row.Scan(&seg.ID, &seg.SessionID, &seg.Text, &seg.Timestamp, &seg.Confidence)
		return seg, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan transcripts: %w", err)
	}
	if segs == nil {
		segs = []store.TranscriptSegment{}
	}
	return segs, nil
}

// Scriptures implements [store.Store.Scriptures]. An unknown code is
// ErrNotFound, never an empty history.
func (s *Store) Scriptures(ctx context.Context, code string) ([]store.ScriptureReference, error) {
	if _, err := s.Get(ctx, code); err != nil {
		return nil, err
	}

	const q = `
		SELECT r.id, r.session_id, r.book, r.chapter, r.verse,
		       r.version, r.text, r.confidence, r.transcript_segment_id
		FROM   scripture_references r
		JOIN   sessions s ON s.id = r.session_id
		WHERE  s.code = $1
		ORDER  BY r.created_at`

	rows, err := s.pool.Query(ctx, q, code)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list scriptures: %w", err)
	}

	refs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.ScriptureReference, error) {
		var ref store.ScriptureReference
		err := row.Scan(
			&ref.ID, &ref.SessionID, &ref.Book, &ref.Chapter, &ref.Verse,
			&ref.Version, &ref.Text, &ref.Confidence, &ref.TranscriptSegmentID,
		)
		return ref, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan scriptures: %w", err)
	}
	if refs == nil {
		refs = []store.ScriptureReference{}
	}
	return refs, nil
}
