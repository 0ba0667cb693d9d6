package domain

import "time"

type ReviewKind string

const (
	ReviewTerminalConflict ReviewKind = "TERMINAL_CONFLICT"
	ReviewApprovalConflict ReviewKind = "APPROVAL_AFTER_TERMINAL"
	ReviewUnknownStatus    ReviewKind = "UNKNOWN_STATUS"
	ReviewRefundedApproved ReviewKind = "REFUNDED_WITH_APPROVAL"
	ReviewProcessedPending ReviewKind = "PROCESSED_WHILE_PENDING"
)

type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// ReviewItem is an entry on the manual-review list. Items are raised by the
// state machine and by reconciliation and are only closed by an operator.
type ReviewItem struct {
	ID            string     `json:"id"`
	Kind          ReviewKind `json:"kind"`
	TransactionID string     `json:"transaction_id,omitempty"`
	ExternalID    string     `json:"external_id,omitempty"`
	Severity      Severity   `json:"severity"`
	Description   string     `json:"description"`
	DetectedAt    time.Time  `json:"detected_at"`
	ResolvedAt    *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy    string     `json:"resolved_by,omitempty"`
}
