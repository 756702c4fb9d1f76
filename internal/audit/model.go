package audit

import (
	"time"

	"github.com/google/uuid"
)

// Actions recorded in the audit trail.
const (
	ActionRuleCreate    = "rule.create"
	ActionRuleUpdate    = "rule.update"
	ActionRuleDelete    = "rule.delete"
	ActionEventCancel   = "event.cancel"
	ActionExportStart   = "export.start"
	ActionRangeDispatch = "range.dispatch"
)

const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Entry is one operator action against the router.
type Entry struct {
	ID        uuid.UUID `json:"id"`
	Action    string    `json:"action"`
	TargetID  string    `json:"target_id"`
	Actor     string    `json:"actor,omitempty"`
	Result    string    `json:"result"`
	Reason    string    `json:"reason,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	ClientIP  string    `json:"client_ip,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
