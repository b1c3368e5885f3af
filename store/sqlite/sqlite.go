/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Owns the schema and implements approval.TxStore. Domain tables (degrees,
  programs, branches, subjects, faculty, structure specs, derived periods)
  are created here too; the hierarchy package reads and mutates them through
  the transaction handed out by WithTx.

KEY TABLES:
  approval_requests:     one row per request, status-bearing
  approval_votes:        append-only (triggers refuse UPDATE/DELETE)
  policy_documents:      JSON policy per (scope, namespace)
  approver_assignments:  explicit grants with activation audit
  structure_specs:       (years, terms_per_year) per governed scope
  derived_periods:       fully rebuildable, never hand-edited

INDEXES:
  - idx_requests_one_open: at most one open request per
    (object_type, object_id, action)
  - approval_votes UNIQUE(request_id, voter): no double voting

CONCURRENCY:
  Connections are capped at one and write transactions begin IMMEDIATE, so
  decisions are serialized by SQLite itself. UpdateStatus is additionally
  guarded on the current status.

USAGE:
  store, err := sqlite.New("./data/academic.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - approval/store.go: Interface definitions
  - approval/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	sqlite3 "github.com/mattn/go-sqlite3"
	"github.com/warp/academic-engine/approval"
)

// Store implements approval.TxStore using SQLite.
type Store struct {
	queries
	db *sqlx.DB
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sqlx.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: keeps ":memory:" a single database and serializes writers.
	db.SetMaxOpenConns(1)

	store := NewWithDB(db)
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// NewWithDB wraps an existing handle without migrating it.
func NewWithDB(db *sqlx.DB) *Store {
	return &Store{queries: queries{q: db}, db: db}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the handle for read paths outside a transaction.
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Approval requests
	CREATE TABLE IF NOT EXISTS approval_requests (
		id TEXT PRIMARY KEY,
		object_type TEXT NOT NULL,
		object_id TEXT NOT NULL,
		action TEXT NOT NULL,
		scope TEXT NOT NULL DEFAULT '',
		requester TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL DEFAULT '{}',
		reason_note TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending'
			CHECK (status IN ('pending', 'under_review', 'approved', 'rejected')),
		created_at TEXT NOT NULL,
		decided_by TEXT,
		decided_at TEXT,
		version INTEGER NOT NULL DEFAULT 1
	);

	CREATE INDEX IF NOT EXISTS idx_requests_status
		ON approval_requests(status);

	-- At most one open request per governed triple
	CREATE UNIQUE INDEX IF NOT EXISTS idx_requests_one_open
		ON approval_requests(object_type, object_id, action)
		WHERE status IN ('pending', 'under_review');

	-- Votes (append-only)
	CREATE TABLE IF NOT EXISTS approval_votes (
		id TEXT PRIMARY KEY,
		request_id TEXT NOT NULL REFERENCES approval_requests(id),
		voter TEXT NOT NULL,
		voter_roles TEXT NOT NULL DEFAULT '[]',
		decision TEXT NOT NULL CHECK (decision IN ('approve', 'reject')),
		note TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		UNIQUE(request_id, voter)
	);

	CREATE TRIGGER IF NOT EXISTS trg_votes_no_update
		BEFORE UPDATE ON approval_votes
		BEGIN SELECT RAISE(ABORT, 'approval votes are append-only'); END;

	CREATE TRIGGER IF NOT EXISTS trg_votes_no_delete
		BEFORE DELETE ON approval_votes
		BEGIN SELECT RAISE(ABORT, 'approval votes are append-only'); END;

	-- Policy documents
	CREATE TABLE IF NOT EXISTS policy_documents (
		scope TEXT NOT NULL,
		namespace TEXT NOT NULL,
		document TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (scope, namespace)
	);

	-- Explicit approver grants
	CREATE TABLE IF NOT EXISTS approver_assignments (
		id TEXT PRIMARY KEY,
		person_id TEXT NOT NULL,
		object_type TEXT NOT NULL,
		action TEXT NOT NULL,
		scope TEXT NOT NULL DEFAULT '*',
		active INTEGER NOT NULL DEFAULT 1,
		activated_by TEXT NOT NULL,
		activated_at TEXT NOT NULL,
		deactivated_by TEXT,
		deactivated_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_approver_assignments_key
		ON approver_assignments(object_type, action, scope, active);

	-- Hierarchy
	CREATE TABLE IF NOT EXISTS degrees (
		code TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		binding_mode TEXT NOT NULL DEFAULT 'degree'
			CHECK (binding_mode IN ('degree', 'program', 'branch')),
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS programs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		degree_code TEXT NOT NULL REFERENCES degrees(code),
		code TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		total_credits TEXT NOT NULL DEFAULT '0',
		active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS branches (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		program_id INTEGER NOT NULL REFERENCES programs(id),
		code TEXT NOT NULL,
		name TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		UNIQUE(program_id, code)
	);

	CREATE TABLE IF NOT EXISTS subjects (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		program_id INTEGER NOT NULL REFERENCES programs(id),
		branch_id INTEGER REFERENCES branches(id),
		code TEXT NOT NULL,
		name TEXT NOT NULL,
		credits TEXT NOT NULL DEFAULT '0',
		created_at TEXT NOT NULL,
		UNIQUE(program_id, code)
	);

	-- Personnel
	CREATE TABLE IF NOT EXISTS faculty (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT NOT NULL DEFAULT '',
		designation TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS faculty_assignments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		faculty_id TEXT NOT NULL REFERENCES faculty(id),
		program_id INTEGER NOT NULL REFERENCES programs(id),
		branch_id INTEGER REFERENCES branches(id),
		role TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	-- Structure
	CREATE TABLE IF NOT EXISTS structure_specs (
		scope_type TEXT NOT NULL CHECK (scope_type IN ('degree', 'program', 'branch')),
		scope_key TEXT NOT NULL,
		degree_code TEXT NOT NULL REFERENCES degrees(code),
		program_id INTEGER REFERENCES programs(id),
		branch_id INTEGER REFERENCES branches(id),
		years INTEGER NOT NULL,
		terms_per_year INTEGER NOT NULL,
		label_mode TEXT NOT NULL DEFAULT 'year_term'
			CHECK (label_mode IN ('year_term', 'sequential')),
		updated_at TEXT NOT NULL,
		PRIMARY KEY (scope_type, scope_key)
	);

	CREATE TABLE IF NOT EXISTS derived_periods (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		degree_code TEXT NOT NULL REFERENCES degrees(code),
		program_id INTEGER REFERENCES programs(id),
		branch_id INTEGER REFERENCES branches(id),
		scope_type TEXT NOT NULL,
		scope_key TEXT NOT NULL,
		year INTEGER NOT NULL,
		term INTEGER NOT NULL,
		seq INTEGER NOT NULL,
		label TEXT NOT NULL,
		UNIQUE(scope_type, scope_key, year, term)
	);

	CREATE INDEX IF NOT EXISTS idx_derived_periods_degree
		ON derived_periods(degree_code, scope_type, scope_key, seq);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (approval.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx approval.Tx) error) error {
	sqlTx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{queries: queries{q: sqlTx}, tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type txStore struct {
	queries
	tx *sqlx.Tx
}

func (ts *txStore) Querier() sqlx.ExtContext {
	return ts.tx
}

// Reset deletes every row. Used by demo scenarios.
func (s *Store) Reset(ctx context.Context) error {
	tables := []string{
		"approval_votes", "approval_requests", "approver_assignments", "policy_documents",
		"derived_periods", "structure_specs", "faculty_assignments", "faculty",
		"subjects", "branches", "programs", "degrees",
	}

	err := s.WithTx(ctx, func(tx approval.Tx) error {
		q := tx.Querier()
		// Votes are append-only; the trigger is recreated by migrate below.
		if _, err := q.ExecContext(ctx, "DROP TRIGGER IF EXISTS trg_votes_no_delete"); err != nil {
			return err
		}
		for _, t := range tables {
			if _, err := q.ExecContext(ctx, "DELETE FROM "+t); err != nil {
				return fmt.Errorf("failed to reset %s: %w", t, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	return s.migrate()
}

// =============================================================================
// QUERIES - shared by the store and its transactions
// =============================================================================

type queries struct {
	q sqlx.ExtContext
}

const requestColumns = `id, object_type, object_id, action, scope, requester, payload,
	reason_note, status, created_at, decided_by, decided_at`

type requestRow struct {
	ID         string         `db:"id"`
	ObjectType string         `db:"object_type"`
	ObjectID   string         `db:"object_id"`
	Action     string         `db:"action"`
	Scope      string         `db:"scope"`
	Requester  string         `db:"requester"`
	Payload    string         `db:"payload"`
	ReasonNote string         `db:"reason_note"`
	Status     string         `db:"status"`
	CreatedAt  string         `db:"created_at"`
	DecidedBy  sql.NullString `db:"decided_by"`
	DecidedAt  sql.NullString `db:"decided_at"`
}

func (r requestRow) toRequest() approval.Request {
	req := approval.Request{
		ID:         approval.RequestID(r.ID),
		ObjectType: approval.ObjectType(r.ObjectType),
		ObjectID:   r.ObjectID,
		Action:     approval.Action(r.Action),
		Scope:      r.Scope,
		Requester:  r.Requester,
		Payload:    json.RawMessage(r.Payload),
		ReasonNote: r.ReasonNote,
		Status:     approval.Status(r.Status),
		CreatedAt:  parseTime(r.CreatedAt),
		DecidedBy:  r.DecidedBy.String,
	}
	if r.DecidedAt.Valid {
		t := parseTime(r.DecidedAt.String)
		req.DecidedAt = &t
	}
	return req
}

func (qs queries) CreateRequest(ctx context.Context, r approval.Request) error {
	payload := string(r.Payload)
	if payload == "" {
		payload = "{}"
	}

	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO approval_requests
		(id, object_type, object_id, action, scope, requester, payload, reason_note, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ObjectType, r.ObjectID, r.Action, r.Scope, r.Requester,
		payload, r.ReasonNote, r.Status, formatTime(r.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: %s %s", approval.ErrDuplicateRequest, r.Key(), r.ObjectID)
		}
		return fmt.Errorf("failed to create request: %w", err)
	}
	return nil
}

func (qs queries) GetRequest(ctx context.Context, id approval.RequestID) (*approval.Request, error) {
	var row requestRow
	err := sqlx.GetContext(ctx, qs.q, &row,
		"SELECT "+requestColumns+" FROM approval_requests WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get request: %w", err)
	}
	req := row.toRequest()
	return &req, nil
}

func (qs queries) ListRequests(ctx context.Context, statuses ...approval.Status) ([]approval.Request, error) {
	query := "SELECT " + requestColumns + " FROM approval_requests"
	var args []any
	if len(statuses) > 0 {
		q, a, err := sqlx.In(query+" WHERE status IN (?)", statusStrings(statuses))
		if err != nil {
			return nil, err
		}
		query, args = q, a
	}
	query += " ORDER BY created_at ASC, id ASC"

	var rows []requestRow
	if err := sqlx.SelectContext(ctx, qs.q, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}

	out := make([]approval.Request, len(rows))
	for i, r := range rows {
		out[i] = r.toRequest()
	}
	return out, nil
}

func (qs queries) FindOpenRequest(ctx context.Context, key approval.ActionKey, objectID string) (*approval.Request, error) {
	var row requestRow
	err := sqlx.GetContext(ctx, qs.q, &row, `
		SELECT `+requestColumns+` FROM approval_requests
		WHERE object_type = ? AND object_id = ? AND action = ?
		  AND status IN ('pending', 'under_review')
		LIMIT 1`,
		key.ObjectType, objectID, key.Action)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find open request: %w", err)
	}
	req := row.toRequest()
	return &req, nil
}

// UpdateStatus moves a request only if its status is still in from.
func (qs queries) UpdateStatus(ctx context.Context, id approval.RequestID, from []approval.Status, to approval.Status, decidedBy string, decidedAt *time.Time) error {
	var at sql.NullString
	if decidedAt != nil {
		at = sql.NullString{String: formatTime(*decidedAt), Valid: true}
	}

	query, args, err := sqlx.In(`
		UPDATE approval_requests
		SET status = ?, decided_by = COALESCE(?, decided_by), decided_at = COALESCE(?, decided_at),
		    version = version + 1
		WHERE id = ? AND status IN (?)`,
		string(to), nullString(decidedBy), at, string(id), statusStrings(from))
	if err != nil {
		return err
	}

	res, err := qs.q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update request status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if n == 0 {
		return approval.ErrConcurrentModification
	}
	return nil
}

type voteRow struct {
	ID         string `db:"id"`
	RequestID  string `db:"request_id"`
	Voter      string `db:"voter"`
	VoterRoles string `db:"voter_roles"`
	Decision   string `db:"decision"`
	Note       string `db:"note"`
	CreatedAt  string `db:"created_at"`
}

func (qs queries) InsertVote(ctx context.Context, v approval.Vote) error {
	roles, err := json.Marshal(v.VoterRoles)
	if err != nil {
		return err
	}
	if v.VoterRoles == nil {
		roles = []byte("[]")
	}

	_, err = qs.q.ExecContext(ctx, `
		INSERT INTO approval_votes (id, request_id, voter, voter_roles, decision, note, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.RequestID, v.Voter, string(roles), v.Decision, v.Note, formatTime(v.CreatedAt))
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: %s on %s", approval.ErrDuplicateVote, v.Voter, v.RequestID)
		}
		return fmt.Errorf("failed to insert vote: %w", err)
	}
	return nil
}

func (qs queries) ListVotes(ctx context.Context, id approval.RequestID) ([]approval.Vote, error) {
	var rows []voteRow
	err := sqlx.SelectContext(ctx, qs.q, &rows, `
		SELECT id, request_id, voter, voter_roles, decision, note, created_at
		FROM approval_votes WHERE request_id = ? ORDER BY created_at ASC, id ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to list votes: %w", err)
	}

	votes := make([]approval.Vote, len(rows))
	for i, r := range rows {
		var roles []string
		if err := json.Unmarshal([]byte(r.VoterRoles), &roles); err != nil {
			return nil, fmt.Errorf("failed to decode roles of vote %s: %w", r.ID, err)
		}
		votes[i] = approval.Vote{
			ID:         r.ID,
			RequestID:  approval.RequestID(r.RequestID),
			Voter:      r.Voter,
			VoterRoles: roles,
			Decision:   approval.Decision(r.Decision),
			Note:       r.Note,
			CreatedAt:  parseTime(r.CreatedAt),
		}
	}
	return votes, nil
}

// =============================================================================
// POLICY DOCUMENTS
// =============================================================================

func (qs queries) LoadPolicyDocument(ctx context.Context, scope, namespace string) ([]byte, bool, error) {
	var doc string
	err := sqlx.GetContext(ctx, qs.q, &doc,
		"SELECT document FROM policy_documents WHERE scope = ? AND namespace = ?", scope, namespace)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load policy document: %w", err)
	}
	return []byte(doc), true, nil
}

func (qs queries) SavePolicyDocument(ctx context.Context, scope, namespace string, doc []byte) error {
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO policy_documents (scope, namespace, document, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(scope, namespace) DO UPDATE SET
			document = excluded.document,
			updated_at = excluded.updated_at`,
		scope, namespace, string(doc), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to save policy document: %w", err)
	}
	return nil
}

// =============================================================================
// APPROVER ASSIGNMENTS
// =============================================================================

type assignmentRow struct {
	ID            string         `db:"id"`
	PersonID      string         `db:"person_id"`
	ObjectType    string         `db:"object_type"`
	Action        string         `db:"action"`
	Scope         string         `db:"scope"`
	Active        bool           `db:"active"`
	ActivatedBy   string         `db:"activated_by"`
	ActivatedAt   string         `db:"activated_at"`
	DeactivatedBy sql.NullString `db:"deactivated_by"`
	DeactivatedAt sql.NullString `db:"deactivated_at"`
}

func (qs queries) SaveApproverAssignment(ctx context.Context, a approval.ApproverAssignment) error {
	var deactivatedAt sql.NullString
	if a.DeactivatedAt != nil {
		deactivatedAt = sql.NullString{String: formatTime(*a.DeactivatedAt), Valid: true}
	}

	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO approver_assignments
		(id, person_id, object_type, action, scope, active, activated_by, activated_at, deactivated_by, deactivated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.PersonID, a.ObjectType, a.Action, a.Scope, a.Active,
		a.ActivatedBy, formatTime(a.ActivatedAt), nullString(a.DeactivatedBy), deactivatedAt)
	if err != nil {
		return fmt.Errorf("failed to save approver assignment: %w", err)
	}
	return nil
}

func (qs queries) DeactivateApproverAssignment(ctx context.Context, id, by string, at time.Time) error {
	res, err := qs.q.ExecContext(ctx, `
		UPDATE approver_assignments
		SET active = 0, deactivated_by = ?, deactivated_at = ?
		WHERE id = ? AND active = 1`,
		by, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("failed to deactivate approver assignment: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: approver assignment %s", approval.ErrObjectNotFound, id)
	}
	return nil
}

func (qs queries) ListActiveApprovers(ctx context.Context, key approval.ActionKey, scope string) ([]approval.ApproverAssignment, error) {
	var rows []assignmentRow
	err := sqlx.SelectContext(ctx, qs.q, &rows, `
		SELECT id, person_id, object_type, action, scope, active, activated_by, activated_at,
		       deactivated_by, deactivated_at
		FROM approver_assignments
		WHERE object_type = ? AND action = ? AND active = 1 AND scope IN (?, '*')
		ORDER BY person_id`,
		key.ObjectType, key.Action, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to list approvers: %w", err)
	}

	out := make([]approval.ApproverAssignment, len(rows))
	for i, r := range rows {
		a := approval.ApproverAssignment{
			ID:            r.ID,
			PersonID:      r.PersonID,
			ObjectType:    approval.ObjectType(r.ObjectType),
			Action:        approval.Action(r.Action),
			Scope:         r.Scope,
			Active:        r.Active,
			ActivatedBy:   r.ActivatedBy,
			ActivatedAt:   parseTime(r.ActivatedAt),
			DeactivatedBy: r.DeactivatedBy.String,
		}
		if r.DeactivatedAt.Valid {
			t := parseTime(r.DeactivatedAt.String)
			a.DeactivatedAt = &t
		}
		out[i] = a
	}
	return out, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// timeLayout is fixed width so ORDER BY on the text column is chronological.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func statusStrings(statuses []approval.Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.ExtendedCode == sqlite3.ErrConstraintUnique ||
		se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}
