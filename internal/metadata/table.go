package metadata

import "time"

// Table is one user-defined table in a workspace.
type Table struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspace_id"`
	Name        string `json:"name"`
}

// Row is one record of a table. Data is schema-less storage keyed by field id;
// every write path re-validates it against the live field set.
type Row struct {
	ID               string         `json:"id"`
	TableID          string         `json:"table_id"`
	Data             map[string]any `json:"data"`
	OrderKey         float64        `json:"order_key"`
	SourceEntityID   string         `json:"source_entity_id,omitempty"`
	SourceEntityType string         `json:"source_entity_type,omitempty"`
	SyncMode         string         `json:"sync_mode,omitempty"`
	CreatedAt        time.Time      `json:"created_at,omitempty"`
	UpdatedAt        time.Time      `json:"updated_at,omitempty"`
}
