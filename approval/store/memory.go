// Package store provides approval.Store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/warp/academic-engine/approval"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps approval state in maps. WithTx snapshots the state and
// restores it if fn fails, which gives tests real rollback semantics.
type Memory struct {
	mu    sync.Mutex
	state state
}

type state struct {
	requests map[approval.RequestID]approval.Request
	votes    map[approval.RequestID][]approval.Vote
	docs     map[docKey][]byte
	grants   map[string]approval.ApproverAssignment
}

type docKey struct {
	Scope     string
	Namespace string
}

func NewMemory() *Memory {
	return &Memory{state: state{
		requests: make(map[approval.RequestID]approval.Request),
		votes:    make(map[approval.RequestID][]approval.Vote),
		docs:     make(map[docKey][]byte),
		grants:   make(map[string]approval.ApproverAssignment),
	}}
}

// WithTx runs fn against the store with the lock held.
func (m *Memory) WithTx(ctx context.Context, fn func(tx approval.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()
	if err := fn(&memTx{s: &m.state}); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

func (m *Memory) locked() (*state, func()) {
	m.mu.Lock()
	return &m.state, m.mu.Unlock
}

func (m *Memory) CreateRequest(ctx context.Context, r approval.Request) error {
	s, unlock := m.locked()
	defer unlock()
	return s.createRequest(r)
}

func (m *Memory) GetRequest(ctx context.Context, id approval.RequestID) (*approval.Request, error) {
	s, unlock := m.locked()
	defer unlock()
	return s.getRequest(id), nil
}

func (m *Memory) ListRequests(ctx context.Context, statuses ...approval.Status) ([]approval.Request, error) {
	s, unlock := m.locked()
	defer unlock()
	return s.listRequests(statuses), nil
}

func (m *Memory) FindOpenRequest(ctx context.Context, key approval.ActionKey, objectID string) (*approval.Request, error) {
	s, unlock := m.locked()
	defer unlock()
	return s.findOpen(key, objectID), nil
}

func (m *Memory) UpdateStatus(ctx context.Context, id approval.RequestID, from []approval.Status, to approval.Status, decidedBy string, decidedAt *time.Time) error {
	s, unlock := m.locked()
	defer unlock()
	return s.updateStatus(id, from, to, decidedBy, decidedAt)
}

func (m *Memory) InsertVote(ctx context.Context, v approval.Vote) error {
	s, unlock := m.locked()
	defer unlock()
	return s.insertVote(v)
}

func (m *Memory) ListVotes(ctx context.Context, id approval.RequestID) ([]approval.Vote, error) {
	s, unlock := m.locked()
	defer unlock()
	return append([]approval.Vote(nil), s.votes[id]...), nil
}

func (m *Memory) LoadPolicyDocument(ctx context.Context, scope, namespace string) ([]byte, bool, error) {
	s, unlock := m.locked()
	defer unlock()
	doc, ok := s.docs[docKey{scope, namespace}]
	return doc, ok, nil
}

func (m *Memory) SavePolicyDocument(ctx context.Context, scope, namespace string, doc []byte) error {
	s, unlock := m.locked()
	defer unlock()
	s.docs[docKey{scope, namespace}] = append([]byte(nil), doc...)
	return nil
}

func (m *Memory) SaveApproverAssignment(ctx context.Context, a approval.ApproverAssignment) error {
	s, unlock := m.locked()
	defer unlock()
	s.grants[a.ID] = a
	return nil
}

func (m *Memory) DeactivateApproverAssignment(ctx context.Context, id, by string, at time.Time) error {
	s, unlock := m.locked()
	defer unlock()
	return s.deactivate(id, by, at)
}

func (m *Memory) ListActiveApprovers(ctx context.Context, key approval.ActionKey, scope string) ([]approval.ApproverAssignment, error) {
	s, unlock := m.locked()
	defer unlock()
	return s.activeApprovers(key, scope), nil
}

// =============================================================================
// TRANSACTION VIEW - lock already held by WithTx
// =============================================================================

type memTx struct {
	s *state
}

func (t *memTx) Querier() sqlx.ExtContext { return nil }

func (t *memTx) CreateRequest(ctx context.Context, r approval.Request) error {
	return t.s.createRequest(r)
}

func (t *memTx) GetRequest(ctx context.Context, id approval.RequestID) (*approval.Request, error) {
	return t.s.getRequest(id), nil
}

func (t *memTx) ListRequests(ctx context.Context, statuses ...approval.Status) ([]approval.Request, error) {
	return t.s.listRequests(statuses), nil
}

func (t *memTx) FindOpenRequest(ctx context.Context, key approval.ActionKey, objectID string) (*approval.Request, error) {
	return t.s.findOpen(key, objectID), nil
}

func (t *memTx) UpdateStatus(ctx context.Context, id approval.RequestID, from []approval.Status, to approval.Status, decidedBy string, decidedAt *time.Time) error {
	return t.s.updateStatus(id, from, to, decidedBy, decidedAt)
}

func (t *memTx) InsertVote(ctx context.Context, v approval.Vote) error {
	return t.s.insertVote(v)
}

func (t *memTx) ListVotes(ctx context.Context, id approval.RequestID) ([]approval.Vote, error) {
	return append([]approval.Vote(nil), t.s.votes[id]...), nil
}

func (t *memTx) LoadPolicyDocument(ctx context.Context, scope, namespace string) ([]byte, bool, error) {
	doc, ok := t.s.docs[docKey{scope, namespace}]
	return doc, ok, nil
}

func (t *memTx) SavePolicyDocument(ctx context.Context, scope, namespace string, doc []byte) error {
	t.s.docs[docKey{scope, namespace}] = append([]byte(nil), doc...)
	return nil
}

func (t *memTx) SaveApproverAssignment(ctx context.Context, a approval.ApproverAssignment) error {
	t.s.grants[a.ID] = a
	return nil
}

func (t *memTx) DeactivateApproverAssignment(ctx context.Context, id, by string, at time.Time) error {
	return t.s.deactivate(id, by, at)
}

func (t *memTx) ListActiveApprovers(ctx context.Context, key approval.ActionKey, scope string) ([]approval.ApproverAssignment, error) {
	return t.s.activeApprovers(key, scope), nil
}

// =============================================================================
// STATE OPERATIONS
// =============================================================================

func (s *state) clone() state {
	c := state{
		requests: make(map[approval.RequestID]approval.Request, len(s.requests)),
		votes:    make(map[approval.RequestID][]approval.Vote, len(s.votes)),
		docs:     make(map[docKey][]byte, len(s.docs)),
		grants:   make(map[string]approval.ApproverAssignment, len(s.grants)),
	}
	for k, v := range s.requests {
		c.requests[k] = v
	}
	for k, v := range s.votes {
		c.votes[k] = append([]approval.Vote(nil), v...)
	}
	for k, v := range s.docs {
		c.docs[k] = v
	}
	for k, v := range s.grants {
		c.grants[k] = v
	}
	return c
}

func (s *state) createRequest(r approval.Request) error {
	if _, exists := s.requests[r.ID]; exists {
		return approval.ErrDuplicateRequest
	}
	if r.Status == approval.StatusPending || r.Status == approval.StatusUnderReview {
		if open := s.findOpen(r.Key(), r.ObjectID); open != nil {
			return &approval.DuplicateRequestError{Existing: open.ID, Key: r.Key(), ObjectID: r.ObjectID}
		}
	}
	s.requests[r.ID] = r
	return nil
}

func (s *state) getRequest(id approval.RequestID) *approval.Request {
	r, ok := s.requests[id]
	if !ok {
		return nil
	}
	return &r
}

func (s *state) listRequests(statuses []approval.Status) []approval.Request {
	var out []approval.Request
	for _, r := range s.requests {
		if len(statuses) == 0 || hasStatus(statuses, r.Status) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (s *state) findOpen(key approval.ActionKey, objectID string) *approval.Request {
	for _, r := range s.requests {
		if r.Key() == key && r.ObjectID == objectID && !r.Status.IsTerminal() {
			r := r
			return &r
		}
	}
	return nil
}

func (s *state) updateStatus(id approval.RequestID, from []approval.Status, to approval.Status, decidedBy string, decidedAt *time.Time) error {
	r, ok := s.requests[id]
	if !ok || !hasStatus(from, r.Status) {
		return approval.ErrConcurrentModification
	}
	r.Status = to
	if to.IsTerminal() {
		r.DecidedBy = decidedBy
		r.DecidedAt = decidedAt
	}
	s.requests[id] = r
	return nil
}

func (s *state) insertVote(v approval.Vote) error {
	for _, existing := range s.votes[v.RequestID] {
		if existing.Voter == v.Voter {
			return approval.ErrDuplicateVote
		}
	}
	s.votes[v.RequestID] = append(s.votes[v.RequestID], v)
	return nil
}

func (s *state) deactivate(id, by string, at time.Time) error {
	g, ok := s.grants[id]
	if !ok || !g.Active {
		return approval.ErrObjectNotFound
	}
	g.Active = false
	g.DeactivatedBy = by
	g.DeactivatedAt = &at
	s.grants[id] = g
	return nil
}

func (s *state) activeApprovers(key approval.ActionKey, scope string) []approval.ApproverAssignment {
	var out []approval.ApproverAssignment
	for _, g := range s.grants {
		if !g.Active || g.Key() != key {
			continue
		}
		if g.Scope == approval.WildcardScope || g.Scope == scope {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PersonID < out[j].PersonID })
	return out
}

func hasStatus(statuses []approval.Status, s approval.Status) bool {
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}
