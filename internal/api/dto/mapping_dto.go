package dto

type ListMappingsRequest struct {
	EntityType      string `form:"entity_type"`
	IncludeArchived bool   `form:"include_archived"`
	PageSize        int    `form:"page_size"`
	Cursor          string `form:"cursor"`
}

type ListMappingsResponse struct {
	Mappings   []MappingDTO `json:"mappings"`
	NextCursor string       `json:"next_cursor,omitempty"`
}

type MappingDTO struct {
	EntityType   string `json:"entity_type"`
	LocalRef     string `json:"local_ref"`
	RemoteRef    string `json:"remote_ref"`
	ContentHash  string `json:"content_hash,omitempty"`
	LastSyncedAt string `json:"last_synced_at,omitempty"`
	ArchivedAt   string `json:"archived_at,omitempty"`
	CreatedAt    string `json:"created_at"`
	UpdatedAt    string `json:"updated_at"`
}
