package hierarchy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/warp/academic-engine/approval"
)

// All functions here take a sqlx handle so they run the same way against
// the database or inside a decision transaction.

// =============================================================================
// LOOKUP
// =============================================================================

// Locate finds a governed object by its id. Unknown objects wrap
// approval.ErrObjectNotFound.
func Locate(ctx context.Context, q sqlx.QueryerContext, t approval.ObjectType, objectID string) (Target, error) {
	id := normalizeObjectID(t, objectID)
	if id == "" {
		return Target{}, &approval.ValidationError{Field: "object_id", Message: "required"}
	}

	tg := Target{Type: t, ObjectID: id}
	var err error
	switch t {
	case approval.ObjectDegree:
		err = q.QueryRowxContext(ctx, "SELECT code FROM degrees WHERE code = ?", id).
			Scan(&tg.DegreeCode)

	case approval.ObjectProgram:
		// Accept the numeric id too ("program:42").
		err = q.QueryRowxContext(ctx, `
			SELECT id, degree_code, code FROM programs
			WHERE code = ? OR CAST(id AS TEXT) = ?
			ORDER BY code = ? DESC LIMIT 1`, id, id, id).
			Scan(&tg.ProgramID, &tg.DegreeCode, &tg.ObjectID)

	case approval.ObjectBranch:
		prog, code, perr := splitPair(t, id)
		if perr != nil {
			return Target{}, perr
		}
		err = q.QueryRowxContext(ctx, `
			SELECT b.id, p.id, p.degree_code FROM branches b
			JOIN programs p ON p.id = b.program_id
			WHERE p.code = ? AND b.code = ?`, prog, code).
			Scan(&tg.BranchID, &tg.ProgramID, &tg.DegreeCode)

	case approval.ObjectSubject:
		prog, code, perr := splitPair(t, id)
		if perr != nil {
			return Target{}, perr
		}
		err = q.QueryRowxContext(ctx, `
			SELECT s.id, p.id, p.degree_code, COALESCE(s.branch_id, 0) FROM subjects s
			JOIN programs p ON p.id = s.program_id
			WHERE p.code = ? AND s.code = ?`, prog, code).
			Scan(&tg.SubjectID, &tg.ProgramID, &tg.DegreeCode, &tg.BranchID)

	case approval.ObjectFaculty:
		err = q.QueryRowxContext(ctx, "SELECT id FROM faculty WHERE id = ?", id).
			Scan(&tg.FacultyID)

	default:
		return Target{}, &approval.ValidationError{Field: "object_type", Message: fmt.Sprintf("unknown object type %q", t)}
	}

	if errors.Is(err, sql.ErrNoRows) {
		return Target{}, fmt.Errorf("%w: %s %s", approval.ErrObjectNotFound, t, id)
	}
	if err != nil {
		return Target{}, fmt.Errorf("failed to locate %s %s: %w", t, id, err)
	}
	return tg, nil
}

// GetDegree returns nil, nil when the degree does not exist.
func GetDegree(ctx context.Context, q sqlx.QueryerContext, code string) (*Degree, error) {
	var d Degree
	err := sqlx.GetContext(ctx, q, &d, "SELECT code, name, binding_mode FROM degrees WHERE code = ?", code)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get degree: %w", err)
	}
	return &d, nil
}

// =============================================================================
// WRITES (seeding and direct edits)
// =============================================================================

func SaveDegree(ctx context.Context, q sqlx.ExecerContext, d Degree) error {
	if d.BindingMode == "" {
		d.BindingMode = BindDegree
	}
	if _, err := ParseBindingMode(string(d.BindingMode)); err != nil {
		return err
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO degrees (code, name, binding_mode, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(code) DO UPDATE SET
			name = excluded.name,
			binding_mode = excluded.binding_mode`,
		d.Code, d.Name, d.BindingMode, stamp())
	if err != nil {
		return fmt.Errorf("failed to save degree: %w", err)
	}
	return nil
}

func SaveProgram(ctx context.Context, q sqlx.ExecerContext, p Program) (int64, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO programs (degree_code, code, name, total_credits, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.DegreeCode, p.Code, p.Name, p.TotalCredits.String(), p.Active, stamp())
	if err != nil {
		return 0, fmt.Errorf("failed to save program: %w", err)
	}
	return res.LastInsertId()
}

func SaveBranch(ctx context.Context, q sqlx.ExtContext, b Branch) (int64, error) {
	prog, err := Locate(ctx, q, approval.ObjectProgram, b.ProgramCode)
	if err != nil {
		return 0, err
	}

	res, err := q.ExecContext(ctx, `
		INSERT INTO branches (program_id, code, name, active, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		prog.ProgramID, b.Code, b.Name, b.Active, stamp())
	if err != nil {
		return 0, fmt.Errorf("failed to save branch: %w", err)
	}
	return res.LastInsertId()
}

func SaveSubject(ctx context.Context, q sqlx.ExtContext, s Subject) (int64, error) {
	prog, err := Locate(ctx, q, approval.ObjectProgram, s.ProgramCode)
	if err != nil {
		return 0, err
	}
	var branchID sql.NullInt64
	if s.BranchCode != "" {
		br, err := Locate(ctx, q, approval.ObjectBranch, s.ProgramCode+"/"+s.BranchCode)
		if err != nil {
			return 0, err
		}
		branchID = sql.NullInt64{Int64: br.BranchID, Valid: true}
	}

	res, err := q.ExecContext(ctx, `
		INSERT INTO subjects (program_id, branch_id, code, name, credits, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		prog.ProgramID, branchID, s.Code, s.Name, s.Credits.String(), stamp())
	if err != nil {
		return 0, fmt.Errorf("failed to save subject: %w", err)
	}
	return res.LastInsertId()
}

func SaveFaculty(ctx context.Context, q sqlx.ExecerContext, f Faculty) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO faculty (id, name, email, designation, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			designation = excluded.designation`,
		f.ID, f.Name, f.Email, f.Designation, stamp())
	if err != nil {
		return fmt.Errorf("failed to save faculty: %w", err)
	}
	return nil
}

func AssignFaculty(ctx context.Context, q sqlx.ExtContext, a FacultyAssignment) error {
	target, err := Locate(ctx, q, approval.ObjectProgram, a.ProgramCode)
	if err != nil {
		return err
	}
	var branchID sql.NullInt64
	if a.BranchCode != "" {
		br, err := Locate(ctx, q, approval.ObjectBranch, a.ProgramCode+"/"+a.BranchCode)
		if err != nil {
			return err
		}
		branchID = sql.NullInt64{Int64: br.BranchID, Valid: true}
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO faculty_assignments (faculty_id, program_id, branch_id, role, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		a.FacultyID, target.ProgramID, branchID, a.Role, stamp())
	if err != nil {
		return fmt.Errorf("failed to assign faculty: %w", err)
	}
	return nil
}

// =============================================================================
// STRUCTURE
// =============================================================================

type specRow struct {
	ScopeType    string        `db:"scope_type"`
	ScopeKey     string        `db:"scope_key"`
	DegreeCode   string        `db:"degree_code"`
	ProgramID    sql.NullInt64 `db:"program_id"`
	BranchID     sql.NullInt64 `db:"branch_id"`
	Years        int           `db:"years"`
	TermsPerYear int           `db:"terms_per_year"`
	LabelMode    string        `db:"label_mode"`
	UpdatedAt    string        `db:"updated_at"`
}

func (r specRow) toSpec() StructureSpec {
	updated, _ := time.Parse(time.RFC3339Nano, r.UpdatedAt)
	return StructureSpec{
		ScopeType:    BindingMode(r.ScopeType),
		ScopeKey:     r.ScopeKey,
		DegreeCode:   r.DegreeCode,
		Years:        r.Years,
		TermsPerYear: r.TermsPerYear,
		LabelMode:    LabelMode(r.LabelMode),
		UpdatedAt:    updated,
	}
}

func getSpecRow(ctx context.Context, q sqlx.QueryerContext, scopeType BindingMode, scopeKey string) (*specRow, error) {
	var row specRow
	err := sqlx.GetContext(ctx, q, &row, `
		SELECT scope_type, scope_key, degree_code, program_id, branch_id,
		       years, terms_per_year, label_mode, updated_at
		FROM structure_specs WHERE scope_type = ? AND scope_key = ?`, scopeType, scopeKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load structure spec: %w", err)
	}
	return &row, nil
}

// GetStructureSpec returns nil, nil when the scope has no spec yet.
func GetStructureSpec(ctx context.Context, q sqlx.QueryerContext, scopeType BindingMode, scopeKey string) (*StructureSpec, error) {
	row, err := getSpecRow(ctx, q, scopeType, scopeKey)
	if err != nil || row == nil {
		return nil, err
	}
	spec := row.toSpec()
	return &spec, nil
}

// saveStructureSpec upserts the spec for the scope t stands for.
func saveStructureSpec(ctx context.Context, q sqlx.ExecerContext, t Target, scopeType BindingMode, years, terms int, mode LabelMode) error {
	var programID, branchID sql.NullInt64
	if t.ProgramID != 0 {
		programID = sql.NullInt64{Int64: t.ProgramID, Valid: true}
	}
	if t.BranchID != 0 {
		branchID = sql.NullInt64{Int64: t.BranchID, Valid: true}
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO structure_specs
		(scope_type, scope_key, degree_code, program_id, branch_id, years, terms_per_year, label_mode, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(scope_type, scope_key) DO UPDATE SET
			years = excluded.years,
			terms_per_year = excluded.terms_per_year,
			label_mode = excluded.label_mode,
			updated_at = excluded.updated_at`,
		scopeType, t.ObjectID, t.DegreeCode, programID, branchID, years, terms, mode, stamp())
	if err != nil {
		return fmt.Errorf("failed to save structure spec: %w", err)
	}
	return nil
}

func setBindingMode(ctx context.Context, q sqlx.ExecerContext, degreeCode string, mode BindingMode) error {
	_, err := q.ExecContext(ctx, "UPDATE degrees SET binding_mode = ? WHERE code = ?", mode, degreeCode)
	if err != nil {
		return fmt.Errorf("failed to update binding mode: %w", err)
	}
	return nil
}

// =============================================================================
// DERIVED PERIODS
// =============================================================================

// ListDerivedPeriods returns a degree's periods ordered by scope then seq.
func ListDerivedPeriods(ctx context.Context, q sqlx.QueryerContext, degreeCode string) ([]DerivedPeriod, error) {
	var periods []DerivedPeriod
	err := sqlx.SelectContext(ctx, q, &periods, `
		SELECT degree_code, scope_type, scope_key, year, term, seq, label
		FROM derived_periods WHERE degree_code = ?
		ORDER BY scope_type, scope_key, seq`, degreeCode)
	if err != nil {
		return nil, fmt.Errorf("failed to list derived periods: %w", err)
	}
	return periods, nil
}

// CountScopePeriods counts the derived periods of one scope.
func CountScopePeriods(ctx context.Context, q sqlx.QueryerContext, scopeType BindingMode, scopeKey string) (int, error) {
	var n int
	err := sqlx.GetContext(ctx, q, &n,
		"SELECT COUNT(*) FROM derived_periods WHERE scope_type = ? AND scope_key = ?", scopeType, scopeKey)
	if err != nil {
		return 0, fmt.Errorf("failed to count derived periods: %w", err)
	}
	return n, nil
}

func stamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
