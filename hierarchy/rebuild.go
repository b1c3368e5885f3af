/*
rebuild.go - Structural rebuild engine

Derived periods are regenerated wholesale: delete every row of the scope,
then insert years × terms_per_year rows ordered by year, then term.

  years=3 terms=2 year_term   Year 1 • Term 1, Year 1 • Term 2, ... Year 3 • Term 2
  years=3 terms=2 sequential  Period 1, Period 2, ... Period 6

A scope without a StructureSpec produces zero periods; that is a partially
configured hierarchy, not an error.
*/
package hierarchy

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/warp/academic-engine/approval"
	"github.com/warp/academic-engine/metrics"
)

// Period is one generated row before it is bound to a scope.
type Period struct {
	Year  int
	Term  int
	Seq   int
	Label string
}

// GeneratePeriods is deterministic: same inputs, same slice.
func GeneratePeriods(years, termsPerYear int, mode LabelMode) []Period {
	if years <= 0 || termsPerYear <= 0 {
		return nil
	}

	out := make([]Period, 0, years*termsPerYear)
	seq := 0
	for y := 1; y <= years; y++ {
		for t := 1; t <= termsPerYear; t++ {
			seq++
			label := fmt.Sprintf("Year %d • Term %d", y, t)
			if mode == LabelSequential {
				label = fmt.Sprintf("Period %d", seq)
			}
			out = append(out, Period{Year: y, Term: t, Seq: seq, Label: label})
		}
	}
	return out
}

// RebuildScope replaces the derived periods of one scope from its spec and
// returns how many rows it generated.
func RebuildScope(ctx context.Context, q sqlx.ExtContext, scopeType BindingMode, scopeKey string) (int, error) {
	if _, err := q.ExecContext(ctx,
		"DELETE FROM derived_periods WHERE scope_type = ? AND scope_key = ?", scopeType, scopeKey); err != nil {
		return 0, fmt.Errorf("failed to clear derived periods: %w", err)
	}

	spec, err := getSpecRow(ctx, q, scopeType, scopeKey)
	if err != nil {
		return 0, err
	}
	if spec == nil {
		return 0, nil
	}

	periods := GeneratePeriods(spec.Years, spec.TermsPerYear, LabelMode(spec.LabelMode))
	for _, p := range periods {
		_, err := q.ExecContext(ctx, `
			INSERT INTO derived_periods
			(degree_code, program_id, branch_id, scope_type, scope_key, year, term, seq, label)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			spec.DegreeCode, spec.ProgramID, spec.BranchID, scopeType, scopeKey,
			p.Year, p.Term, p.Seq, p.Label)
		if err != nil {
			return 0, fmt.Errorf("failed to insert derived period: %w", err)
		}
	}

	metrics.RecordPeriodsRebuilt(string(scopeType), len(periods))
	return len(periods), nil
}

// RebuildDegree clears every derived period of the degree and regenerates
// them for each scope its binding mode owns.
func RebuildDegree(ctx context.Context, q sqlx.ExtContext, degreeCode string) (int, error) {
	degree, err := GetDegree(ctx, q, degreeCode)
	if err != nil {
		return 0, err
	}
	if degree == nil {
		return 0, fmt.Errorf("%w: degree %s", approval.ErrObjectNotFound, degreeCode)
	}

	if err := ClearDegreePeriods(ctx, q, degreeCode); err != nil {
		return 0, err
	}

	scopes, err := bindingScopes(ctx, q, *degree)
	if err != nil {
		return 0, err
	}

	total := 0
	for _, key := range scopes {
		n, err := RebuildScope(ctx, q, degree.BindingMode, key)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// ClearDegreePeriods deletes every derived period of the degree.
func ClearDegreePeriods(ctx context.Context, q sqlx.ExecerContext, degreeCode string) error {
	if _, err := q.ExecContext(ctx, "DELETE FROM derived_periods WHERE degree_code = ?", degreeCode); err != nil {
		return fmt.Errorf("failed to clear derived periods: %w", err)
	}
	return nil
}

// bindingScopes lists the scope keys that own a spec under d's binding.
func bindingScopes(ctx context.Context, q sqlx.QueryerContext, d Degree) ([]string, error) {
	var (
		keys []string
		err  error
	)
	switch d.BindingMode {
	case BindDegree:
		keys = []string{d.Code}
	case BindProgram:
		err = sqlx.SelectContext(ctx, q, &keys,
			"SELECT code FROM programs WHERE degree_code = ? ORDER BY code", d.Code)
	case BindBranch:
		err = sqlx.SelectContext(ctx, q, &keys, `
			SELECT p.code || '/' || b.code FROM branches b
			JOIN programs p ON p.id = b.program_id
			WHERE p.degree_code = ? ORDER BY p.code, b.code`, d.Code)
	default:
		return nil, fmt.Errorf("degree %s has unknown binding mode %q", d.Code, d.BindingMode)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list binding scopes: %w", err)
	}
	return keys, nil
}
