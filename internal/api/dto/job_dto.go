package dto

// ListJobsRequest carries the operator job-listing filters. terminal_only
// narrows the listing to permanently failed jobs, the set that needs manual
// remediation.
type ListJobsRequest struct {
	Status       string `form:"status"`
	EntityType   string `form:"entity_type"`
	Operation    string `form:"operation"`
	Origin       string `form:"origin"`
	TerminalOnly bool   `form:"terminal_only"`
	PageSize     int    `form:"page_size"`
	Cursor       string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	JobID      string `json:"job_id"`
	EntityType string `json:"entity_type"`
	Operation  string `json:"operation"`
	Direction  string `json:"direction"`
	LocalRef   string `json:"local_ref,omitempty"`
	RemoteRef  string `json:"remote_ref,omitempty"`
	Payload    string `json:"payload,omitempty"`
	Origin     string `json:"origin"`
	Priority   int    `json:"priority"`
	Status     string `json:"status"`
	RetryCount int    `json:"retry_count"`
	MaxRetries int    `json:"max_retries"`
	LastError  string `json:"last_error,omitempty"`
	RunAfter   string `json:"run_after,omitempty"`
	CreatedAt  string `json:"created_at"`
	UpdatedAt  string `json:"updated_at"`
}

type JobStatsResponse struct {
	Counts map[string]int `json:"counts"`
}

type RetryJobResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}
