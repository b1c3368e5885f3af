/*
Package hierarchy implements the institution side of governance: the
degree → program → branch tree, subjects and faculty, the structure specs
that decide how many periods a scope has, and the handlers that apply
approved requests to all of it.

HIERARCHY:
  ┌──────────┐      ┌──────────┐      ┌──────────┐
  │  Degree  │ 1──* │ Program  │ 1──* │  Branch  │
  └──────────┘      └──────────┘      └──────────┘
                         │ 1              │ 0..1
                         *                *
                    ┌──────────┐     ┌────────────────────┐
                    │ Subject  │     │ FacultyAssignment  │──* Faculty
                    └──────────┘     └────────────────────┘

BINDING:
  A degree's binding mode says which level owns the StructureSpec:
    degree  - one spec for the whole degree
    program - one spec per program
    branch  - one spec per branch
  Derived periods are generated per owning scope and are never edited by
  hand; they are rebuilt wholesale.

OBJECT IDS:
  degree   BTECH
  program  CS           (program codes are unique across degrees)
  branch   CS/AI
  subject  CS/CS101
  faculty  F-001
  A leading "<object_type>:" is accepted and stripped.
*/
package hierarchy

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/academic-engine/approval"
)

// =============================================================================
// ENUMERATIONS
// =============================================================================

// BindingMode is the hierarchy level that owns the structure spec.
type BindingMode string

const (
	BindDegree  BindingMode = "degree"
	BindProgram BindingMode = "program"
	BindBranch  BindingMode = "branch"
)

// ParseBindingMode validates s.
func ParseBindingMode(s string) (BindingMode, error) {
	switch m := BindingMode(strings.TrimSpace(s)); m {
	case BindDegree, BindProgram, BindBranch:
		return m, nil
	}
	return "", &approval.ValidationError{Field: "binding", Message: fmt.Sprintf("%q must be one of degree, program, branch", s)}
}

// LabelMode controls how derived periods are labeled.
type LabelMode string

const (
	LabelYearTerm   LabelMode = "year_term"
	LabelSequential LabelMode = "sequential"
)

// ParseLabelMode validates s. Empty means year_term.
func ParseLabelMode(s string) (LabelMode, error) {
	switch m := LabelMode(strings.TrimSpace(s)); m {
	case "":
		return LabelYearTerm, nil
	case LabelYearTerm, LabelSequential:
		return m, nil
	}
	return "", &approval.ValidationError{Field: "label_mode", Message: fmt.Sprintf("%q must be year_term or sequential", s)}
}

// Structural bounds.
const (
	MinYears        = 1
	MaxYears        = 10
	MinTermsPerYear = 1
	MaxTermsPerYear = 6
)

// ScopeTypeFor maps a structure-bearing object type to its binding level.
func ScopeTypeFor(t approval.ObjectType) (BindingMode, bool) {
	switch t {
	case approval.ObjectDegree:
		return BindDegree, true
	case approval.ObjectProgram:
		return BindProgram, true
	case approval.ObjectBranch:
		return BindBranch, true
	}
	return "", false
}

// =============================================================================
// ENTITIES
// =============================================================================

type Degree struct {
	Code        string      `json:"code" db:"code"`
	Name        string      `json:"name" db:"name"`
	BindingMode BindingMode `json:"binding_mode" db:"binding_mode"`
}

type Program struct {
	ID           int64           `json:"id"`
	DegreeCode   string          `json:"degree_code"`
	Code         string          `json:"code"`
	Name         string          `json:"name"`
	TotalCredits decimal.Decimal `json:"total_credits"`
	Active       bool            `json:"active"`
}

type Branch struct {
	ID          int64  `json:"id"`
	ProgramCode string `json:"program_code"`
	Code        string `json:"code"`
	Name        string `json:"name"`
	Active      bool   `json:"active"`
}

type Subject struct {
	ID          int64           `json:"id"`
	ProgramCode string          `json:"program_code"`
	BranchCode  string          `json:"branch_code,omitempty"`
	Code        string          `json:"code"`
	Name        string          `json:"name"`
	Credits     decimal.Decimal `json:"credits"`
}

type Faculty struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Email       string `json:"email"`
	Designation string `json:"designation"`
}

// FacultyAssignment places a faculty member in a program, optionally in
// one of its branches.
type FacultyAssignment struct {
	FacultyID   string `json:"faculty_id"`
	ProgramCode string `json:"program_code"`
	BranchCode  string `json:"branch_code,omitempty"`
	Role        string `json:"role"`
}

// StructureSpec is the (years, terms_per_year) pair of one scope.
type StructureSpec struct {
	ScopeType    BindingMode `json:"scope_type"`
	ScopeKey     string      `json:"scope_key"`
	DegreeCode   string      `json:"degree_code"`
	Years        int         `json:"years"`
	TermsPerYear int         `json:"terms_per_year"`
	LabelMode    LabelMode   `json:"label_mode"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// Validate checks the structural bounds and label mode.
func (s StructureSpec) Validate() error {
	if s.Years < MinYears || s.Years > MaxYears {
		return &approval.ValidationError{Field: "years", Message: fmt.Sprintf("must be between %d and %d, got %d", MinYears, MaxYears, s.Years)}
	}
	if s.TermsPerYear < MinTermsPerYear || s.TermsPerYear > MaxTermsPerYear {
		return &approval.ValidationError{Field: "terms_per_year", Message: fmt.Sprintf("must be between %d and %d, got %d", MinTermsPerYear, MaxTermsPerYear, s.TermsPerYear)}
	}
	if _, err := ParseLabelMode(string(s.LabelMode)); err != nil {
		return err
	}
	return nil
}

// DerivedPeriod is one generated (year, term) row of a scope.
type DerivedPeriod struct {
	DegreeCode string      `json:"degree_code" db:"degree_code"`
	ScopeType  BindingMode `json:"scope_type" db:"scope_type"`
	ScopeKey   string      `json:"scope_key" db:"scope_key"`
	Year       int         `json:"year" db:"year"`
	Term       int         `json:"term" db:"term"`
	Seq        int         `json:"seq" db:"seq"`
	Label      string      `json:"label" db:"label"`
}

// =============================================================================
// OBJECT REFERENCES
// =============================================================================

// Target is a governed object located in the database.
type Target struct {
	Type       approval.ObjectType
	ObjectID   string // canonical form, see package doc
	DegreeCode string
	ProgramID  int64
	BranchID   int64
	SubjectID  int64
	FacultyID  string
}

// normalizeObjectID strips an optional "<type>:" prefix.
func normalizeObjectID(t approval.ObjectType, id string) string {
	id = strings.TrimSpace(id)
	return strings.TrimPrefix(id, string(t)+":")
}

// splitPair parses "PARENT/CHILD".
func splitPair(t approval.ObjectType, id string) (string, string, error) {
	parent, child, ok := strings.Cut(id, "/")
	if !ok || parent == "" || child == "" {
		return "", "", &approval.ValidationError{Field: "object_id", Message: fmt.Sprintf("%s id must look like PROGRAM/CODE, got %q", t, id)}
	}
	return parent, child, nil
}
