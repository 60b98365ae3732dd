package domain

// Trial statuses. A trial never moves backward.
const (
	TrialCreated    = "CREATED"
	TrialInProgress = "IN_PROGRESS"
	TrialClosed     = "CLOSED"
)

// Progress entry statuses.
const (
	EntryPending  = "pending"
	EntryApproved = "approved"
)

// Account roles within a department.
const (
	RoleUser = "USER"
	RoleHOD  = "HOD"
)

// Trial types recognised by the routing strategies.
const (
	TrialTypeRegular     = "REGULAR"
	TrialTypeNPD         = "NPD"
	TrialTypeCustomerEnd = "CUSTOMER END"
)

// RemarkHODPending is stamped on a pending entry when it is escalated.
const RemarkHODPending = "HOD approval pending"

type Trial struct {
	ID                  string  `json:"id"`
	CardNo              string  `json:"card_no"`
	PatternCode         string  `json:"pattern_code"`
	PartName            string  `json:"part_name,omitempty"`
	TrialType           string  `json:"trial_type"`
	Subtype             string  `json:"subtype,omitempty"`
	CurrentDepartmentID string  `json:"current_department_id"`
	Status              string  `json:"status" enum:"CREATED,IN_PROGRESS,CLOSED"`
	CreatedBy           string  `json:"created_by"`
	CreatedAt           string  `json:"created_at" format:"date-time"`
	UpdatedAt           string  `json:"updated_at" format:"date-time"`
	ClosedAt            *string `json:"closed_at,omitempty" format:"date-time"`
}

type ProgressEntry struct {
	ID               string  `json:"id"`
	TrialID          string  `json:"trial_id"`
	DepartmentID     string  `json:"department_id"`
	AssigneeUsername string  `json:"assignee_username"`
	Status           string  `json:"status" enum:"pending,approved"`
	Remarks          string  `json:"remarks,omitempty"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
	CompletedAt      *string `json:"completed_at,omitempty" format:"date-time"`
}

type Account struct {
	Username     string `json:"username"`
	DisplayName  string `json:"display_name,omitempty"`
	Email        string `json:"email,omitempty"`
	DepartmentID string `json:"department_id"`
	Role         string `json:"role" enum:"USER,HOD"`
	Subtype      string `json:"subtype,omitempty"`
	Active       bool   `json:"active"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

// AuditRecord is an append-only trace fact. The routing engine writes it on
// every transition and never reads it back.
type AuditRecord struct {
	ID           int64  `json:"id"`
	TS           string `json:"ts" format:"date-time"`
	Action       string `json:"action"`
	TrialID      string `json:"trial_id,omitempty"`
	DepartmentID string `json:"department_id,omitempty"`
	Actor        string `json:"actor"`
	Remarks      string `json:"remarks,omitempty"`
	Payload      string `json:"payload_json"`
}
