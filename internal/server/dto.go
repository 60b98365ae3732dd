package server

import (
	"fmt"
	"strings"

	"github.com/JahaganapathiSugumar/SACL-CONSULTANCY-Proj-sub003/internal/domain"
	"github.com/JahaganapathiSugumar/SACL-CONSULTANCY-Proj-sub003/internal/engine"
	"github.com/JahaganapathiSugumar/SACL-CONSULTANCY-Proj-sub003/internal/reports"
)

type CreateTrialRequest struct {
	CardNo      string `json:"card_no" example:"TC-2024-0117"`
	PatternCode string `json:"pattern_code" example:"PTRN-88"`
	PartName    string `json:"part_name,omitempty" example:"Impeller housing"`
	TrialType   string `json:"trial_type" example:"REGULAR"`
	Subtype     string `json:"subtype,omitempty"`
}

type CreateAccountRequest struct {
	Username     string `json:"username" example:"mach.op1"`
	DisplayName  string `json:"display_name,omitempty"`
	Email        string `json:"email,omitempty" format:"email"`
	DepartmentID string `json:"department_id" example:"MACHINING"`
	Role         string `json:"role" enum:"USER,HOD"`
	Subtype      string `json:"subtype,omitempty" example:"NPD"`
}

type TransitionResponse struct {
	Outcome            string                `json:"outcome" enum:"advanced,completed,escalated,already_processed"`
	Trial              domain.Trial          `json:"trial"`
	Entry              *domain.ProgressEntry `json:"entry,omitempty"`
	Assignee           *domain.Account       `json:"assignee,omitempty"`
	TrialReport        *reports.ArtifactRef  `json:"trial_report,omitempty"`
	ConsolidatedReport *reports.ArtifactRef  `json:"consolidated_report,omitempty"`
}

func transitionResponse(res engine.TransitionResult) TransitionResponse {
	return TransitionResponse{
		Outcome:            res.Outcome,
		Trial:              res.Trial,
		Entry:              res.Entry,
		Assignee:           res.Assignee,
		TrialReport:        res.TrialReport,
		ConsolidatedReport: res.ConsolidatedReport,
	}
}

type ProgressResponse struct {
	Trial   domain.Trial           `json:"trial"`
	Entries []domain.ProgressEntry `json:"entries"`
}

type paginatedTrials struct {
	Items      []domain.Trial `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type paginatedAudit struct {
	Items      []domain.AuditRecord `json:"items"`
	NextCursor string               `json:"next_cursor,omitempty"`
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}

func actorOrDefault(actor string) string {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return "anonymous"
	}
	return actor
}
