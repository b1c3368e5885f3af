/*
handlers.go - Effects of approved requests

Every handler runs inside the decision transaction. A returned error rolls
back the handler's writes together with the vote and status change.

  *.delete               cascade-gated delete
  *.edit                 allow-listed field edit
  *.edit_structure       upsert StructureSpec, optionally rebuild the scope
  degree.edit_binding    change binding mode, rebuild or clear the degree
*/
package hierarchy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"
	"github.com/warp/academic-engine/approval"
)

var errNoQuerier = errors.New("hierarchy handlers require a SQL transaction")

// Handlers returns one handler per catalog key, ready for
// approval.NewDispatcher.
func Handlers(logger *slog.Logger) map[approval.ActionKey]approval.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &handlers{logger: logger}

	table := make(map[approval.ActionKey]approval.Handler)
	for key, kind := range approval.Catalog {
		switch kind {
		case approval.KindDelete:
			table[key] = approval.HandlerFunc(h.delete)
		case approval.KindFieldEdit:
			table[key] = approval.HandlerFunc(h.editFields)
		case approval.KindStructure:
			table[key] = approval.HandlerFunc(h.editStructure)
		case approval.KindBinding:
			table[key] = approval.HandlerFunc(h.editBinding)
		}
	}
	return table
}

type handlers struct {
	logger *slog.Logger
}

func querier(tx approval.Tx) (sqlx.ExtContext, error) {
	q := tx.Querier()
	if q == nil {
		return nil, errNoQuerier
	}
	return q, nil
}

func (h *handlers) delete(ctx context.Context, tx approval.Tx, d approval.Dispatch) error {
	p, ok := d.Payload.(approval.DeletePayload)
	if !ok {
		return fmt.Errorf("unexpected payload %T for %s", d.Payload, d.Key)
	}
	q, err := querier(tx)
	if err != nil {
		return err
	}

	target, err := Locate(ctx, q, d.Key.ObjectType, d.ObjectID)
	if err != nil {
		return err
	}

	counts, err := CountDependents(ctx, q, target)
	if err != nil {
		return err
	}
	if len(counts) > 0 && !p.Cascade {
		return &approval.DependencyConflictError{
			ObjectType: target.Type,
			ObjectID:   target.ObjectID,
			Counts:     counts,
		}
	}

	if err := DeleteCascade(ctx, q, target); err != nil {
		return err
	}

	h.logger.InfoContext(ctx, "object deleted",
		slog.String("request_id", string(d.RequestID)),
		slog.String("object_type", string(target.Type)),
		slog.String("object_id", target.ObjectID),
		slog.String("dependents", approval.FormatCounts(counts)))
	return nil
}

func (h *handlers) editFields(ctx context.Context, tx approval.Tx, d approval.Dispatch) error {
	p, ok := d.Payload.(approval.FieldEditPayload)
	if !ok {
		return fmt.Errorf("unexpected payload %T for %s", d.Payload, d.Key)
	}
	q, err := querier(tx)
	if err != nil {
		return err
	}

	target, err := Locate(ctx, q, d.Key.ObjectType, d.ObjectID)
	if err != nil {
		return err
	}

	fields, dropped, err := FilterFields(target.Type, p.Fields)
	if err != nil {
		return err
	}
	logDropped(ctx, h.logger, target, dropped)
	if len(fields) == 0 {
		return &approval.ValidationError{Field: "fields", Message: fmt.Sprintf("no editable fields for %s (allowed: %v)", target.Type, AllowedFields(target.Type))}
	}

	if err := applyFields(ctx, q, target, fields); err != nil {
		return err
	}

	h.logger.InfoContext(ctx, "fields updated",
		slog.String("request_id", string(d.RequestID)),
		slog.String("object_type", string(target.Type)),
		slog.String("object_id", target.ObjectID),
		slog.Int("fields", len(fields)))
	return nil
}

func (h *handlers) editStructure(ctx context.Context, tx approval.Tx, d approval.Dispatch) error {
	p, ok := d.Payload.(approval.StructurePayload)
	if !ok {
		return fmt.Errorf("unexpected payload %T for %s", d.Payload, d.Key)
	}
	q, err := querier(tx)
	if err != nil {
		return err
	}
	return applyStructure(ctx, h.logger, q, d.Key.ObjectType, d.ObjectID, p)
}

// applyStructure is shared by the approved path and the direct path taken
// when a scope has no derived periods yet.
func applyStructure(ctx context.Context, logger *slog.Logger, q sqlx.ExtContext, objectType approval.ObjectType, objectID string, p approval.StructurePayload) error {
	scopeType, ok := ScopeTypeFor(objectType)
	if !ok {
		return &approval.ValidationError{Field: "object_type", Message: fmt.Sprintf("%s has no structure", objectType)}
	}
	mode, err := ParseLabelMode(p.LabelMode)
	if err != nil {
		return err
	}
	spec := StructureSpec{ScopeType: scopeType, Years: p.Years, TermsPerYear: p.TermsPerYear, LabelMode: mode}
	if err := spec.Validate(); err != nil {
		return err
	}

	target, err := Locate(ctx, q, objectType, objectID)
	if err != nil {
		return err
	}
	if err := saveStructureSpec(ctx, q, target, scopeType, p.Years, p.TermsPerYear, mode); err != nil {
		return err
	}

	attrs := []any{
		slog.String("scope_type", string(scopeType)),
		slog.String("scope_key", target.ObjectID),
		slog.Int("years", p.Years),
		slog.Int("terms_per_year", p.TermsPerYear),
	}
	if !p.AutoRebuild {
		logger.InfoContext(ctx, "structure spec saved", attrs...)
		return nil
	}

	degree, err := GetDegree(ctx, q, target.DegreeCode)
	if err != nil {
		return err
	}
	if degree == nil || degree.BindingMode != scopeType {
		// The spec is kept but does not own periods under the current binding.
		logger.InfoContext(ctx, "structure spec saved, rebuild skipped for unbound scope", attrs...)
		return nil
	}

	n, err := RebuildScope(ctx, q, scopeType, target.ObjectID)
	if err != nil {
		return err
	}
	logger.InfoContext(ctx, "structure spec saved and rebuilt", append(attrs, slog.Int("periods", n))...)
	return nil
}

func (h *handlers) editBinding(ctx context.Context, tx approval.Tx, d approval.Dispatch) error {
	p, ok := d.Payload.(approval.BindingPayload)
	if !ok {
		return fmt.Errorf("unexpected payload %T for %s", d.Payload, d.Key)
	}
	mode, err := ParseBindingMode(p.Binding)
	if err != nil {
		return err
	}
	q, err := querier(tx)
	if err != nil {
		return err
	}

	target, err := Locate(ctx, q, approval.ObjectDegree, d.ObjectID)
	if err != nil {
		return err
	}
	if err := setBindingMode(ctx, q, target.DegreeCode, mode); err != nil {
		return err
	}

	if !p.AutoRebuild {
		// Existing periods describe the old binding.
		if err := ClearDegreePeriods(ctx, q, target.DegreeCode); err != nil {
			return err
		}
		h.logger.InfoContext(ctx, "binding changed, derived periods cleared",
			slog.String("degree", target.DegreeCode),
			slog.String("binding", string(mode)))
		return nil
	}

	n, err := RebuildDegree(ctx, q, target.DegreeCode)
	if err != nil {
		return err
	}
	h.logger.InfoContext(ctx, "binding changed and degree rebuilt",
		slog.String("degree", target.DegreeCode),
		slog.String("binding", string(mode)),
		slog.Int("periods", n))
	return nil
}
