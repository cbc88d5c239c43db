package dto

// WebhookAck is the only success body a webhook sender ever sees. The
// contract is "we received it", not "we finished processing it": downstream
// failures surface through the operator job listing, never to the sender.
type WebhookAck struct {
	Status    string `json:"status"`
	JobID     string `json:"job_id,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
}
