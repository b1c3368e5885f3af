/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built institutions that populate the database with
	realistic data for demos. Each scenario seeds a hierarchy, applies a
	structure, and leaves one or more requests waiting for a decision.

AVAILABLE SCENARIOS:

	degree-bound:      BTECH with one structure for the whole degree and a
	                   pending program delete blocked by dependents
	program-bound:     MBA with a structure per program and a pending
	                   binding change to branch level
	faculty-offboard:  Faculty with assignments, a global policy requiring
	                   admin and hr together, and a pending faculty delete

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Seed degrees, programs, branches, subjects, faculty
 3. Apply structure edits (direct, since no periods exist yet)
 4. Submit the requests the scenario demonstrates

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "degree-bound"}

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: the endpoints the seeded requests are decided through
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/warp/academic-engine/approval"
	"github.com/warp/academic-engine/hierarchy"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "degree-bound",
		Name:        "Degree-Bound Structure",
		Description: "BTECH, 4 years × 2 terms for the whole degree, with a pending program delete that has dependents",
	},
	{
		ID:          "program-bound",
		Name:        "Program-Bound Structure",
		Description: "MBA with a structure per program and a pending switch to branch-level binding",
	},
	{
		ID:          "faculty-offboard",
		Name:        "Faculty Offboarding",
		Description: "Faculty delete needing both admin and hr under a global policy document",
	},
}

// seeder is the system principal scenario requests are submitted as.
const seeder = "scenario-loader"

var seedAdmin = approval.Actor{ID: seeder, Roles: []string{approval.RoleAdmin}}

// ListScenarios returns all available demo scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	if current == "" {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, ScenarioDTO{ID: current, Name: current})
}

// LoadScenario resets the database and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var loader func(context.Context) error
	switch req.ScenarioID {
	case "degree-bound":
		loader = h.loadDegreeBoundScenario
	case "program-bound":
		loader = h.loadProgramBoundScenario
	case "faculty-offboard":
		loader = h.loadFacultyOffboardScenario
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", fmt.Errorf("scenario %q", req.ScenarioID))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ctx := r.Context()
	h.currentScenario = ""
	if err := h.Store.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	if err := loader(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to load scenario", err)
		return
	}
	h.currentScenario = req.ScenarioID

	h.Logger.InfoContext(ctx, "scenario loaded", "scenario", req.ScenarioID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "scenario": req.ScenarioID})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadDegreeBoundScenario(ctx context.Context) error {
	db := h.Store.DB()

	if err := hierarchy.SaveDegree(ctx, db, hierarchy.Degree{Code: "BTECH", Name: "Bachelor of Technology", BindingMode: hierarchy.BindDegree}); err != nil {
		return err
	}
	if err := seedProgram(ctx, h, "BTECH", "CS", "Computer Science", "160", "AI", "DS"); err != nil {
		return err
	}
	if err := seedProgram(ctx, h, "BTECH", "EE", "Electrical Engineering", "164"); err != nil {
		return err
	}
	for _, s := range []hierarchy.Subject{
		{ProgramCode: "CS", Code: "CS101", Name: "Programming I", Credits: decimal.RequireFromString("4")},
		{ProgramCode: "CS", BranchCode: "AI", Code: "AI201", Name: "Machine Learning", Credits: decimal.RequireFromString("3.5")},
		{ProgramCode: "EE", Code: "EE101", Name: "Circuits", Credits: decimal.RequireFromString("4")},
	} {
		if _, err := hierarchy.SaveSubject(ctx, db, s); err != nil {
			return err
		}
	}

	if _, err := h.Hierarchy.EditStructure(ctx, hierarchy.StructureEdit{
		ObjectType: approval.ObjectDegree,
		ObjectID:   "BTECH",
		Requester:  seeder,
		Payload:    approval.StructurePayload{Years: 4, TermsPerYear: 2, AutoRebuild: true},
	}); err != nil {
		return err
	}

	_, err := h.Approvals.Submit(ctx, approval.SubmitInput{
		ObjectType: approval.ObjectProgram,
		Action:     approval.ActionDelete,
		ObjectID:   "CS",
		Requester:  "staff-1",
		ReasonNote: "Program discontinued from next intake",
		Payload:    json.RawMessage(`{"cascade": false}`),
	})
	return err
}

func (h *Handler) loadProgramBoundScenario(ctx context.Context) error {
	db := h.Store.DB()

	if err := hierarchy.SaveDegree(ctx, db, hierarchy.Degree{Code: "MBA", Name: "Master of Business Administration", BindingMode: hierarchy.BindProgram}); err != nil {
		return err
	}
	if err := seedProgram(ctx, h, "MBA", "FIN", "Finance", "96", "FINTECH"); err != nil {
		return err
	}
	if err := seedProgram(ctx, h, "MBA", "EXEC", "Executive MBA", "60"); err != nil {
		return err
	}

	for _, p := range []struct {
		code   string
		years  int
		terms  int
		labels string
	}{
		{"FIN", 2, 2, string(hierarchy.LabelYearTerm)},
		{"EXEC", 1, 4, string(hierarchy.LabelSequential)},
	} {
		if _, err := h.Hierarchy.EditStructure(ctx, hierarchy.StructureEdit{
			ObjectType: approval.ObjectProgram,
			ObjectID:   p.code,
			Requester:  seeder,
			Payload:    approval.StructurePayload{Years: p.years, TermsPerYear: p.terms, LabelMode: p.labels, AutoRebuild: true},
		}); err != nil {
			return err
		}
	}

	_, err := h.Hierarchy.ChangeBinding(ctx, "MBA", "registrar-1", "Specialisations run on their own calendars",
		approval.BindingPayload{Binding: string(hierarchy.BindBranch), AutoRebuild: false})
	return err
}

func (h *Handler) loadFacultyOffboardScenario(ctx context.Context) error {
	db := h.Store.DB()

	if err := hierarchy.SaveDegree(ctx, db, hierarchy.Degree{Code: "BSC", Name: "Bachelor of Science"}); err != nil {
		return err
	}
	if err := seedProgram(ctx, h, "BSC", "PHY", "Physics", "120", "ASTRO"); err != nil {
		return err
	}

	for _, f := range []hierarchy.Faculty{
		{ID: "F-100", Name: "Asha Rao", Email: "asha.rao@example.edu", Designation: "Professor"},
		{ID: "F-101", Name: "Imran Qureshi", Email: "imran.q@example.edu", Designation: "Lecturer"},
	} {
		if err := hierarchy.SaveFaculty(ctx, db, f); err != nil {
			return err
		}
	}
	for _, a := range []hierarchy.FacultyAssignment{
		{FacultyID: "F-100", ProgramCode: "PHY", Role: "coordinator"},
		{FacultyID: "F-101", ProgramCode: "PHY", BranchCode: "ASTRO", Role: "instructor"},
	} {
		if err := hierarchy.AssignFaculty(ctx, db, a); err != nil {
			return err
		}
	}

	doc := []byte(`{
		"faculty.delete": {
			"approver_roles": ["admin", "hr"],
			"rule": "all",
			"requires_reason": true,
			"min_approvers": 2
		}
	}`)
	if err := h.Approvals.SavePolicyDocument(ctx, seedAdmin, approval.WildcardScope, doc); err != nil {
		return err
	}

	_, err := h.Approvals.Submit(ctx, approval.SubmitInput{
		ObjectType: approval.ObjectFaculty,
		Action:     approval.ActionDelete,
		ObjectID:   "F-101",
		Requester:  "hod-physics",
		ReasonNote: "Contract ended",
		Payload:    json.RawMessage(`{"cascade": true}`),
	})
	return err
}

// seedProgram creates a program under degree with the given branches.
func seedProgram(ctx context.Context, h *Handler, degree, code, name, credits string, branches ...string) error {
	db := h.Store.DB()
	if _, err := hierarchy.SaveProgram(ctx, db, hierarchy.Program{
		DegreeCode: degree, Code: code, Name: name,
		TotalCredits: decimal.RequireFromString(credits), Active: true,
	}); err != nil {
		return err
	}
	for _, b := range branches {
		if _, err := hierarchy.SaveBranch(ctx, db, hierarchy.Branch{ProgramCode: code, Code: b, Name: b, Active: true}); err != nil {
			return err
		}
	}
	return nil
}
