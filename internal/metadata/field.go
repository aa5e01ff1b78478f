package metadata

// FieldType enumerates the supported column types.
type FieldType string

const (
	FieldText           FieldType = "text"
	FieldLongText       FieldType = "long_text"
	FieldNumber         FieldType = "number"
	FieldCheckbox       FieldType = "checkbox"
	FieldDate           FieldType = "date"
	FieldSelect         FieldType = "select"
	FieldMultiSelect    FieldType = "multi_select"
	FieldURL            FieldType = "url"
	FieldEmail          FieldType = "email"
	FieldRelation       FieldType = "relation"
	FieldFormula        FieldType = "formula"
	FieldRollup         FieldType = "rollup"
	FieldCreatedTime    FieldType = "created_time"
	FieldLastEditedTime FieldType = "last_edited_time"
	FieldCreatedBy      FieldType = "created_by"
	FieldLastEditedBy   FieldType = "last_edited_by"
)

// ReadOnly reports whether cells of this type reject direct writes.
// Their values are produced by the engine, never by the client.
func (t FieldType) ReadOnly() bool {
	switch t {
	case FieldRollup, FieldFormula, FieldCreatedTime, FieldLastEditedTime, FieldCreatedBy, FieldLastEditedBy:
		return true
	}
	return false
}

// Computed reports whether cells of this type are recomputed by the dispatcher.
func (t FieldType) Computed() bool {
	return t == FieldFormula || t == FieldRollup
}

// Field is one column of a table. Config carries the type-specific settings;
// only the keys relevant to the field's type are populated.
type Field struct {
	ID       string      `json:"id"`
	TableID  string      `json:"table_id"`
	Name     string      `json:"name"`
	Type     FieldType   `json:"type"`
	OrderKey float64     `json:"order_key"`
	Primary  bool        `json:"primary"`
	Config   FieldConfig `json:"config"`
}

type FieldConfig struct {
	// formula
	Formula      string   `json:"formula,omitempty"`
	ReturnType   string   `json:"return_type,omitempty"` // number, boolean, date, text
	Dependencies []string `json:"dependencies,omitempty"`

	// rollup
	RelationFieldID string        `json:"relation_field_id,omitempty"`
	TargetFieldID   string        `json:"target_field_id,omitempty"`
	Aggregation     string        `json:"aggregation,omitempty"`
	Filter          *RollupFilter `json:"filter,omitempty"`

	// relation
	RelatedTableID string `json:"related_table_id,omitempty"`
	AllowMultiple  bool   `json:"allow_multiple,omitempty"`
	Bidirectional  bool   `json:"bidirectional,omitempty"`
	ReverseFieldID string `json:"reverse_field_id,omitempty"`
	DisplayFieldID string `json:"display_field_id,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

// RollupFilter is the single-condition predicate applied to related rows
// before the target values are aggregated.
type RollupFilter struct {
	FieldID  string `json:"field_id"`
	Operator string `json:"operator"` // equals, not_equals, contains, not_contains, greater_than, less_than, greater_or_equal, less_or_equal, is_empty, is_not_empty
	Value    any    `json:"value,omitempty"`
}

// DependsOn reports whether a formula field must be recomputed when the
// given field changes. An empty dependency list means the extraction could
// not narrow the inputs, so every change recomputes it.
func (f *Field) DependsOn(fieldID string) bool {
	if f.Type != FieldFormula {
		return false
	}
	if len(f.Config.Dependencies) == 0 {
		return true
	}
	for _, dep := range f.Config.Dependencies {
		if dep == fieldID {
			return true
		}
	}
	return false
}
