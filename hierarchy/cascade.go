/*
cascade.go - Dependency counting and cascade deletes

PURPOSE:
  Before a parent row is deleted we count everything that references it.
  The relationships are a static catalog (the schema is fixed and versioned
  with this code), listed most-dependent first so the same order works for
  both counting and deleting: no DELETE ever removes a row that a
  not-yet-deleted row still references.

CATALOG:
  degree   subjects, faculty_assignments, derived_periods, structure_specs,
           branches, programs
  program  subjects, faculty_assignments, derived_periods, structure_specs,
           branches
  branch   subjects, faculty_assignments, derived_periods, structure_specs
  faculty  faculty_assignments
  subject  (none)
*/
package hierarchy

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/warp/academic-engine/approval"
)

type dependency struct {
	Table string
	Where string // single placeholder bound to the parent key
}

const programsOfDegree = "program_id IN (SELECT id FROM programs WHERE degree_code = ?)"

var dependencies = map[approval.ObjectType][]dependency{
	approval.ObjectDegree: {
		{"subjects", programsOfDegree},
		{"faculty_assignments", programsOfDegree},
		{"derived_periods", "degree_code = ?"},
		{"structure_specs", "degree_code = ?"},
		{"branches", programsOfDegree},
		{"programs", "degree_code = ?"},
	},
	approval.ObjectProgram: {
		{"subjects", "program_id = ?"},
		{"faculty_assignments", "program_id = ?"},
		{"derived_periods", "program_id = ?"},
		{"structure_specs", "program_id = ?"},
		{"branches", "program_id = ?"},
	},
	approval.ObjectBranch: {
		{"subjects", "branch_id = ?"},
		{"faculty_assignments", "branch_id = ?"},
		{"derived_periods", "branch_id = ?"},
		{"structure_specs", "branch_id = ?"},
	},
	approval.ObjectFaculty: {
		{"faculty_assignments", "faculty_id = ?"},
	},
	approval.ObjectSubject: nil,
}

var parents = map[approval.ObjectType]dependency{
	approval.ObjectDegree:  {"degrees", "code = ?"},
	approval.ObjectProgram: {"programs", "id = ?"},
	approval.ObjectBranch:  {"branches", "id = ?"},
	approval.ObjectSubject: {"subjects", "id = ?"},
	approval.ObjectFaculty: {"faculty", "id = ?"},
}

// key is the value bound to every placeholder in t's catalog entries.
func (t Target) key() any {
	switch t.Type {
	case approval.ObjectDegree:
		return t.DegreeCode
	case approval.ObjectProgram:
		return t.ProgramID
	case approval.ObjectBranch:
		return t.BranchID
	case approval.ObjectSubject:
		return t.SubjectID
	default:
		return t.FacultyID
	}
}

// CountDependents returns table → row count for every dependent table with
// at least one row. An empty map means the parent can be deleted directly.
func CountDependents(ctx context.Context, q sqlx.QueryerContext, t Target) (map[string]int, error) {
	counts := make(map[string]int)
	for _, dep := range dependencies[t.Type] {
		var n int
		query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", dep.Table, dep.Where)
		if err := sqlx.GetContext(ctx, q, &n, query, t.key()); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", dep.Table, err)
		}
		if n > 0 {
			counts[dep.Table] = n
		}
	}
	return counts, nil
}

// DeleteCascade deletes every dependent of t in catalog order, then t.
func DeleteCascade(ctx context.Context, q sqlx.ExecerContext, t Target) error {
	for _, dep := range dependencies[t.Type] {
		query := fmt.Sprintf("DELETE FROM %s WHERE %s", dep.Table, dep.Where)
		if _, err := q.ExecContext(ctx, query, t.key()); err != nil {
			return fmt.Errorf("failed to delete from %s: %w", dep.Table, err)
		}
	}
	return deleteParent(ctx, q, t)
}

func deleteParent(ctx context.Context, q sqlx.ExecerContext, t Target) error {
	p, ok := parents[t.Type]
	if !ok {
		return fmt.Errorf("no parent table for %s", t.Type)
	}

	res, err := q.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s", p.Table, p.Where), t.key())
	if err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", t.Type, t.ObjectID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s %s", approval.ErrObjectNotFound, t.Type, t.ObjectID)
	}
	return nil
}
