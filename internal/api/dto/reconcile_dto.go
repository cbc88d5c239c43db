package dto

// TriggerReconcileRequest names the entity type to sweep. "all" fans out to
// every supported entity type.
type TriggerReconcileRequest struct {
	EntityType string `json:"entity_type" binding:"required"`
}

type TriggerReconcileResponse struct {
	EntityType string `json:"entity_type"`
	Status     string `json:"status"`
}

type ReconcileStatusResponse struct {
	States []ReconcileStateDTO `json:"states"`
}

type ReconcileStateDTO struct {
	EntityType   string `json:"entity_type"`
	LastSweepAt  string `json:"last_sweep_at,omitempty"`
	LastCursor   string `json:"last_cursor,omitempty"`
	LastEnqueued int    `json:"last_enqueued"`
	LastError    string `json:"last_error,omitempty"`
	UpdatedAt    string `json:"updated_at,omitempty"`
}
