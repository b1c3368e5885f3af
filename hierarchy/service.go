package hierarchy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	"github.com/warp/academic-engine/approval"
)

// =============================================================================
// SCOPE RESOLVER
// =============================================================================

// ScopeResolver answers approval.ScopeResolver from the hierarchy tables: an
// object's scope is the code of the degree it belongs to. Faculty are not
// degree-bound and resolve to the empty scope. Prefixed and numeric ids
// collapse to the canonical id Locate reports.
type ScopeResolver struct {
	DB sqlx.QueryerContext
}

func (r ScopeResolver) Resolve(ctx context.Context, objectType approval.ObjectType, objectID string) (approval.ObjectRef, error) {
	t, err := Locate(ctx, r.DB, objectType, objectID)
	if err != nil {
		return approval.ObjectRef{}, err
	}
	return approval.ObjectRef{ObjectID: t.ObjectID, Scope: t.DegreeCode}, nil
}

// =============================================================================
// SUBMISSION PATHS
// =============================================================================

// Service is the entry point for structure and binding changes.
type Service struct {
	Store     approval.TxStore
	DB        sqlx.QueryerContext
	Approvals *approval.Service
	Logger    *slog.Logger
}

// errScopeLive aborts the direct-apply transaction when the scope already
// has derived periods.
var errScopeLive = errors.New("scope has live periods")

// StructureEdit is a proposed (years, terms_per_year) change for one scope.
type StructureEdit struct {
	ObjectType approval.ObjectType
	ObjectID   string
	Requester  string
	ReasonNote string
	Payload    approval.StructurePayload
}

// StructureResult says whether an edit was applied or queued.
type StructureResult struct {
	Applied   bool               `json:"applied"`
	RequestID approval.RequestID `json:"request_id,omitempty"`
}

// EditStructure applies the edit directly when the scope has no derived
// periods yet, otherwise it submits an edit_structure request.
func (s *Service) EditStructure(ctx context.Context, in StructureEdit) (StructureResult, error) {
	scopeType, ok := ScopeTypeFor(in.ObjectType)
	if !ok {
		return StructureResult{}, &approval.ValidationError{Field: "object_type", Message: fmt.Sprintf("%s has no structure", in.ObjectType)}
	}
	// Refuse bad bounds up front so they are never queued.
	spec := StructureSpec{Years: in.Payload.Years, TermsPerYear: in.Payload.TermsPerYear, LabelMode: LabelMode(in.Payload.LabelMode)}
	if err := spec.Validate(); err != nil {
		return StructureResult{}, err
	}
	target, err := Locate(ctx, s.DB, in.ObjectType, in.ObjectID)
	if err != nil {
		return StructureResult{}, err
	}

	// The live check and the direct apply share one transaction so two
	// edits on an empty scope cannot both skip approval.
	var live int
	err = s.Store.WithTx(ctx, func(tx approval.Tx) error {
		q, err := querier(tx)
		if err != nil {
			return err
		}
		live, err = CountScopePeriods(ctx, q, scopeType, target.ObjectID)
		if err != nil {
			return err
		}
		if live > 0 {
			return errScopeLive
		}
		return applyStructure(ctx, s.logger(), q, in.ObjectType, target.ObjectID, in.Payload)
	})
	if err == nil {
		return StructureResult{Applied: true}, nil
	}
	if !errors.Is(err, errScopeLive) {
		return StructureResult{}, err
	}

	raw, err := json.Marshal(in.Payload)
	if err != nil {
		return StructureResult{}, err
	}
	id, err := s.Approvals.Submit(ctx, approval.SubmitInput{
		ObjectType: in.ObjectType,
		Action:     approval.ActionEditStructure,
		ObjectID:   target.ObjectID,
		Requester:  in.Requester,
		ReasonNote: in.ReasonNote,
		Payload:    raw,
	})
	if err != nil {
		return StructureResult{}, err
	}

	s.logger().InfoContext(ctx, "structure edit queued for approval",
		slog.String("request_id", string(id)),
		slog.String("scope_type", string(scopeType)),
		slog.String("scope_key", target.ObjectID),
		slog.Int("live_periods", live))
	return StructureResult{RequestID: id}, nil
}

// ChangeBinding always goes through approval.
func (s *Service) ChangeBinding(ctx context.Context, degreeCode, requester, reason string, p approval.BindingPayload) (approval.RequestID, error) {
	if _, err := ParseBindingMode(p.Binding); err != nil {
		return "", err
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return s.Approvals.Submit(ctx, approval.SubmitInput{
		ObjectType: approval.ObjectDegree,
		Action:     approval.ActionEditBinding,
		ObjectID:   degreeCode,
		Requester:  requester,
		ReasonNote: reason,
		Payload:    raw,
	})
}

// Periods lists a degree's derived periods.
func (s *Service) Periods(ctx context.Context, degreeCode string) ([]DerivedPeriod, error) {
	d, err := GetDegree(ctx, s.DB, degreeCode)
	if err != nil {
		return nil, err
	}
	if d == nil {
		return nil, fmt.Errorf("%w: degree %s", approval.ErrObjectNotFound, degreeCode)
	}
	return ListDerivedPeriods(ctx, s.DB, degreeCode)
}

// Rebuild regenerates a degree's periods outside the approval flow. It is
// an operator command, used after restoring data.
func (s *Service) Rebuild(ctx context.Context, degreeCode string) (int, error) {
	var n int
	err := s.Store.WithTx(ctx, func(tx approval.Tx) error {
		q, err := querier(tx)
		if err != nil {
			return err
		}
		n, err = RebuildDegree(ctx, q, degreeCode)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("rebuild %s: %w", degreeCode, err)
	}
	s.logger().InfoContext(ctx, "degree rebuilt",
		slog.String("degree", degreeCode),
		slog.Int("periods", n))
	return n, nil
}

func (s *Service) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}
