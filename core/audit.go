/*
audit.go - Administrative audit trail

PURPOSE:
  Every mutating command performed by an admin appends exactly one AuditEntry
  to the aggregate it touched. This is enforced structurally: services route
  all mutations through a single apply funnel that calls AppendAudit, so
  individual handlers cannot forget the trail.

  The trail is embedded in the aggregate document and committed in the same
  atomic write as the mutation it records.
*/
package core

import "time"

// AuditEntry records an administrative mutation on an aggregate.
type AuditEntry struct {
	AdminID   UserID         `json:"adminId"`
	Action    string         `json:"action"`
	Changes   map[string]any `json:"changes,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// AppendAudit appends one entry when the actor is an admin. Non-admin actors
// (students, writers) mutate through role-specific guards and leave no admin
// trail.
func AppendAudit(entries []AuditEntry, actor Actor, action string, changes map[string]any, at time.Time) []AuditEntry {
	if !actor.IsAdmin() {
		return entries
	}
	return append(entries, AuditEntry{
		AdminID:   actor.ID,
		Action:    action,
		Changes:   changes,
		Timestamp: at,
	})
}
