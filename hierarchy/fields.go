package hierarchy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/warp/academic-engine/approval"
)

// =============================================================================
// FIELD ALLOW-LISTS
// =============================================================================

type fieldKind int

const (
	fieldText fieldKind = iota
	fieldRequiredText
	fieldDecimal
	fieldBool
)

// editable is the complete set of columns a field edit may touch, per
// object type. Anything else in a payload is dropped.
var editable = map[approval.ObjectType]map[string]fieldKind{
	approval.ObjectDegree: {
		"name": fieldRequiredText,
	},
	approval.ObjectProgram: {
		"name":          fieldRequiredText,
		"total_credits": fieldDecimal,
		"active":        fieldBool,
	},
	approval.ObjectBranch: {
		"name":   fieldRequiredText,
		"active": fieldBool,
	},
	approval.ObjectSubject: {
		"name":    fieldRequiredText,
		"credits": fieldDecimal,
	},
	approval.ObjectFaculty: {
		"name":        fieldRequiredText,
		"email":       fieldText,
		"designation": fieldText,
	},
}

// AllowedFields returns the editable fields of t, sorted.
func AllowedFields(t approval.ObjectType) []string {
	var names []string
	for name := range editable[t] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FilterFields keeps only allow-listed fields and coerces their values to
// column values. It also returns the names it dropped.
func FilterFields(t approval.ObjectType, fields map[string]any) (map[string]any, []string, error) {
	allowed := editable[t]
	kept := make(map[string]any)
	var dropped []string

	for name, raw := range fields {
		kind, ok := allowed[name]
		if !ok {
			dropped = append(dropped, name)
			continue
		}
		v, err := coerce(name, kind, raw)
		if err != nil {
			return nil, nil, err
		}
		kept[name] = v
	}
	sort.Strings(dropped)
	return kept, dropped, nil
}

func coerce(name string, kind fieldKind, raw any) (any, error) {
	invalid := func(msg string) error {
		return &approval.ValidationError{Field: name, Message: msg}
	}

	switch kind {
	case fieldText, fieldRequiredText:
		s, ok := raw.(string)
		if !ok {
			return nil, invalid("must be a string")
		}
		s = strings.TrimSpace(s)
		if kind == fieldRequiredText && s == "" {
			return nil, invalid("must not be empty")
		}
		return s, nil

	case fieldDecimal:
		var (
			d   decimal.Decimal
			err error
		)
		switch v := raw.(type) {
		case json.Number:
			d, err = decimal.NewFromString(v.String())
		case string:
			d, err = decimal.NewFromString(strings.TrimSpace(v))
		case float64:
			d = decimal.NewFromFloat(v)
		default:
			return nil, invalid("must be a number")
		}
		if err != nil {
			return nil, invalid("must be a decimal number")
		}
		if d.IsNegative() {
			return nil, invalid("must not be negative")
		}
		return d.String(), nil

	case fieldBool:
		b, ok := raw.(bool)
		if !ok {
			return nil, invalid("must be true or false")
		}
		return b, nil
	}
	return nil, invalid("unsupported field")
}

// applyFields writes an already filtered field set to t's row.
func applyFields(ctx context.Context, q sqlx.ExecerContext, t Target, fields map[string]any) error {
	p, ok := parents[t.Type]
	if !ok {
		return fmt.Errorf("no table for %s", t.Type)
	}

	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	sets := make([]string, len(names))
	args := make([]any, 0, len(names)+1)
	for i, name := range names {
		sets[i] = name + " = ?"
		args = append(args, fields[name])
	}
	args = append(args, t.key())

	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s", p.Table, strings.Join(sets, ", "), p.Where)
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update %s %s: %w", t.Type, t.ObjectID, err)
	}
	return nil
}

func logDropped(ctx context.Context, logger *slog.Logger, t Target, dropped []string) {
	if len(dropped) == 0 {
		return
	}
	logger.WarnContext(ctx, "dropped fields outside allow-list",
		slog.String("object_type", string(t.Type)),
		slog.String("object_id", t.ObjectID),
		slog.Any("fields", dropped))
}
