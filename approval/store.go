/*
store.go - Persistence interface for requests, votes and policy data

KEY INTERFACES:
  Store:   request/vote/policy/grant persistence
  Tx:      a Store bound to one open transaction, plus raw SQL access for
           handlers that mutate domain tables
  TxStore: a Store that can open transactions

APPEND-ONLY VOTES:
  InsertVote is the only vote write. A second vote by the same voter on
  the same request returns ErrDuplicateVote.

STATUS GUARD:
  UpdateStatus only moves a request whose current status is one of `from`.
  If no row matched it returns ErrConcurrentModification. This is what keeps
  two concurrent decisions from both writing a terminal state.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: production SQLite
  - approval/store/memory.go: in-memory for tests
*/
package approval

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
)

// Store handles persistence of approval state.
type Store interface {
	CreateRequest(ctx context.Context, r Request) error

	// GetRequest returns nil, nil when the request does not exist.
	GetRequest(ctx context.Context, id RequestID) (*Request, error)

	// ListRequests returns requests in any of statuses, oldest first.
	ListRequests(ctx context.Context, statuses ...Status) ([]Request, error)

	// FindOpenRequest returns the non-terminal request for the triple, if any.
	FindOpenRequest(ctx context.Context, key ActionKey, objectID string) (*Request, error)

	UpdateStatus(ctx context.Context, id RequestID, from []Status, to Status, decidedBy string, decidedAt *time.Time) error

	InsertVote(ctx context.Context, v Vote) error
	ListVotes(ctx context.Context, id RequestID) ([]Vote, error)

	// LoadPolicyDocument returns the raw document and whether it exists.
	LoadPolicyDocument(ctx context.Context, scope, namespace string) ([]byte, bool, error)
	SavePolicyDocument(ctx context.Context, scope, namespace string, doc []byte) error

	SaveApproverAssignment(ctx context.Context, a ApproverAssignment) error
	DeactivateApproverAssignment(ctx context.Context, id, by string, at time.Time) error

	// ListActiveApprovers returns active grants for key at scope or "*".
	ListActiveApprovers(ctx context.Context, key ActionKey, scope string) ([]ApproverAssignment, error)
}

// Tx is a Store bound to an open transaction.
type Tx interface {
	Store

	// Querier exposes the transaction to handlers that mutate domain tables.
	// In-memory stores return nil.
	Querier() sqlx.ExtContext
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}
