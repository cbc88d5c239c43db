package dto

import "encoding/json"

// LocalRecordDTO is the host-application view of one local commerce record.
// Payload is returned as-is; the store keeps it in canonical form.
type LocalRecordDTO struct {
	EntityType string          `json:"entity_type"`
	LocalRef   string          `json:"local_ref"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  string          `json:"created_at"`
	UpdatedAt  string          `json:"updated_at"`
}

type UpsertLocalRecordResponse struct {
	EntityType string `json:"entity_type"`
	LocalRef   string `json:"local_ref"`
	Status     string `json:"status"`
}
