package grid

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/pythagonacci/trakgrid/internal/instrument"
	"github.com/pythagonacci/trakgrid/internal/metadata"
	"github.com/pythagonacci/trakgrid/internal/store"
)

// FieldInput is the payload for creating or updating a field.
type FieldInput struct {
	Name    string                `json:"name"`
	Type    metadata.FieldType    `json:"type"`
	Primary bool                  `json:"primary"`
	Config  *metadata.FieldConfig `json:"config"`
}

var knownFieldTypes = map[metadata.FieldType]bool{
	metadata.FieldText: true, metadata.FieldLongText: true, metadata.FieldNumber: true,
	metadata.FieldCheckbox: true, metadata.FieldDate: true, metadata.FieldSelect: true,
	metadata.FieldMultiSelect: true, metadata.FieldURL: true, metadata.FieldEmail: true,
	metadata.FieldRelation: true, metadata.FieldFormula: true, metadata.FieldRollup: true,
	metadata.FieldCreatedTime: true, metadata.FieldLastEditedTime: true,
	metadata.FieldCreatedBy: true, metadata.FieldLastEditedBy: true,
}

// CreateTable registers a new empty table in the workspace.
func (e *Engine) CreateTable(ctx context.Context, workspaceID, name string) (*metadata.Table, error) {
	if name == "" {
		return nil, ValidationError([]ErrorDetail{{Field: "name", Message: "name is required"}})
	}
	table := &metadata.Table{ID: uuid.NewString(), WorkspaceID: workspaceID, Name: name}
	pb := e.store.Dialect.NewParamBuilder()
	stmt := fmt.Sprintf("INSERT INTO _tables (id, workspace_id, name) VALUES (%s, %s, %s)",
		pb.Add(table.ID), pb.Add(table.WorkspaceID), pb.Add(table.Name))
	if _, err := store.Exec(ctx, e.store.DB, stmt, pb.Params()...); err != nil {
		return nil, fmt.Errorf("create table: %w", store.MapError(e.store.Dialect, err))
	}
	if err := metadata.Reload(ctx, e.store, e.registry); err != nil {
		return nil, err
	}
	return table, nil
}

// DeleteTable drops a table with its fields, rows, and every edge touching
// its rows. Paired reverse fields on other tables are removed too so no
// relation is left half-configured.
func (e *Engine) DeleteTable(ctx context.Context, tableID string) error {
	if e.registry.GetTable(tableID) == nil {
		return UnknownTableError(tableID)
	}
	for _, f := range e.registry.RelationFields(tableID) {
		if f.Config.ReverseFieldID != "" {
			if rev := e.registry.GetField(f.Config.ReverseFieldID); rev != nil && rev.TableID != tableID {
				if err := e.deleteFieldRecord(ctx, rev.ID); err != nil {
					return err
				}
			}
		}
	}
	pb := e.store.Dialect.NewParamBuilder()
	linkStmt := fmt.Sprintf("DELETE FROM _row_links WHERE from_table = %s OR to_table = %s",
		pb.Add(tableID), pb.Add(tableID))
	if _, err := store.Exec(ctx, e.store.DB, linkStmt, pb.Params()...); err != nil {
		return fmt.Errorf("delete table links: %w", err)
	}
	pb = e.store.Dialect.NewParamBuilder()
	rowStmt := fmt.Sprintf("DELETE FROM _rows WHERE table_id = %s", pb.Add(tableID))
	if _, err := store.Exec(ctx, e.store.DB, rowStmt, pb.Params()...); err != nil {
		return fmt.Errorf("delete table rows: %w", err)
	}
	pb = e.store.Dialect.NewParamBuilder()
	tblStmt := fmt.Sprintf("DELETE FROM _tables WHERE id = %s", pb.Add(tableID))
	if _, err := store.Exec(ctx, e.store.DB, tblStmt, pb.Params()...); err != nil {
		return fmt.Errorf("delete table: %w", err)
	}
	return metadata.Reload(ctx, e.store, e.registry)
}

// CreateField adds a column. Formula dependencies are extracted at creation
// time; bidirectional relations provision their reverse field on the related
// table; computed fields trigger a full recompute of the table's rows.
func (e *Engine) CreateField(ctx context.Context, access *Access, tableID string, input FieldInput) (*metadata.Field, error) {
	_, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "engine", "fields", "field.create")
	defer span.End()
	span.SetEntity(tableID, "")

	if input.Name == "" {
		return nil, ValidationError([]ErrorDetail{{Field: "name", Message: "name is required"}})
	}
	if !knownFieldTypes[input.Type] {
		return nil, ValidationError([]ErrorDetail{{Field: "type", Message: fmt.Sprintf("unknown field type %q", input.Type)}})
	}

	field := &metadata.Field{
		ID:      uuid.NewString(),
		TableID: tableID,
		Name:    input.Name,
		Type:    input.Type,
		Primary: input.Primary,
	}
	if input.Config != nil {
		field.Config = *input.Config
	}
	for _, f := range e.registry.FieldsForTable(tableID) {
		if f.OrderKey >= field.OrderKey {
			field.OrderKey = f.OrderKey + 1
		}
	}

	if appErr := e.prepareFieldConfig(field); appErr != nil {
		span.SetStatus("error")
		return nil, appErr
	}

	if err := e.insertFieldRecord(ctx, field); err != nil {
		span.SetStatus("error")
		return nil, err
	}

	// pair the reverse side before the registry reload so both halves load
	if field.Type == metadata.FieldRelation && field.Config.Bidirectional && field.Config.ReverseFieldID == "" {
		reverse, err := e.provisionReverseField(ctx, field)
		if err != nil {
			span.SetStatus("error")
			return nil, err
		}
		field.Config.ReverseFieldID = reverse.ID
		if err := e.updateFieldRecord(ctx, field); err != nil {
			span.SetStatus("error")
			return nil, err
		}
	}

	if err := metadata.Reload(ctx, e.store, e.registry); err != nil {
		span.SetStatus("error")
		return nil, err
	}

	if field.Type.Computed() {
		if err := e.recomputeTable(ctx, tableID); err != nil {
			span.SetStatus("error")
			return nil, err
		}
	}
	return field, nil
}

// UpdateField patches a field's name or config. Changing a formula's text
// re-extracts its dependency list; computed fields recompute across the
// table afterwards.
func (e *Engine) UpdateField(ctx context.Context, access *Access, fieldID string, input FieldInput) (*metadata.Field, error) {
	_, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "engine", "fields", "field.update")
	defer span.End()

	existing := e.registry.GetField(fieldID)
	if existing == nil {
		return nil, NotFoundError("field", fieldID)
	}
	span.SetEntity(existing.TableID, fieldID)

	field := *existing
	if input.Name != "" {
		field.Name = input.Name
	}
	if input.Config != nil {
		field.Config = *input.Config
	}
	if appErr := e.prepareFieldConfig(&field); appErr != nil {
		span.SetStatus("error")
		return nil, appErr
	}

	if err := e.updateFieldRecord(ctx, &field); err != nil {
		span.SetStatus("error")
		return nil, err
	}
	if err := metadata.Reload(ctx, e.store, e.registry); err != nil {
		span.SetStatus("error")
		return nil, err
	}

	if field.Type.Computed() {
		if err := e.recomputeTable(ctx, field.TableID); err != nil {
			span.SetStatus("error")
			return nil, err
		}
	}
	return &field, nil
}

// DeleteField removes a column, scrubs its key (and timestamp key) out of
// every row, and for relations drops the edges plus the paired reverse
// field. Rollups left pointing at a dead relation surface the error sentinel
// on their next recompute.
func (e *Engine) DeleteField(ctx context.Context, access *Access, fieldID string) error {
	_, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "engine", "fields", "field.delete")
	defer span.End()

	field := e.registry.GetField(fieldID)
	if field == nil {
		return NotFoundError("field", fieldID)
	}
	span.SetEntity(field.TableID, fieldID)

	if field.Type == metadata.FieldRelation {
		pb := e.store.Dialect.NewParamBuilder()
		fieldIDs := []any{fieldID}
		if field.Config.ReverseFieldID != "" {
			fieldIDs = append(fieldIDs, field.Config.ReverseFieldID)
		}
		stmt := fmt.Sprintf("DELETE FROM _row_links WHERE %s", e.store.Dialect.InExpr("from_field", pb, fieldIDs))
		if _, err := store.Exec(ctx, e.store.DB, stmt, pb.Params()...); err != nil {
			span.SetStatus("error")
			return fmt.Errorf("delete relation edges: %w", err)
		}
		if field.Config.ReverseFieldID != "" {
			if err := e.scrubFieldFromRows(ctx, field.Config.RelatedTableID, field.Config.ReverseFieldID); err != nil {
				span.SetStatus("error")
				return err
			}
			if err := e.deleteFieldRecord(ctx, field.Config.ReverseFieldID); err != nil {
				span.SetStatus("error")
				return err
			}
		}
	}

	// rollups reading through a deleted relation go stale; recompute them
	// after the reload so their cells show the evaluation error right away
	staleRollups := len(e.registry.RollupsUsingRelation(field.TableID, fieldID)) > 0

	if err := e.scrubFieldFromRows(ctx, field.TableID, fieldID); err != nil {
		span.SetStatus("error")
		return err
	}
	if err := e.deleteFieldRecord(ctx, fieldID); err != nil {
		span.SetStatus("error")
		return err
	}
	if err := metadata.Reload(ctx, e.store, e.registry); err != nil {
		return err
	}
	if staleRollups {
		return e.recomputeTable(ctx, field.TableID)
	}
	return nil
}

// prepareFieldConfig validates type-specific config and fills derived values.
func (e *Engine) prepareFieldConfig(field *metadata.Field) *AppError {
	switch field.Type {
	case metadata.FieldFormula:
		if field.Config.Formula == "" {
			return ValidationError([]ErrorDetail{{Field: "config.formula", Message: "formula expression is required"}})
		}
		fields := e.registry.FieldsForTable(field.TableID)
		field.Config.Dependencies = e.eval.ExtractDependencies(field.Config.Formula, fields)
	case metadata.FieldRollup:
		rel := e.registry.GetField(field.Config.RelationFieldID)
		if rel == nil || rel.Type != metadata.FieldRelation || rel.TableID != field.TableID {
			return ValidationError([]ErrorDetail{{Field: "config.relation_field_id", Message: "rollup requires a relation field on the same table"}})
		}
		if field.Config.Aggregation == "" {
			return ValidationError([]ErrorDetail{{Field: "config.aggregation", Message: "aggregation is required"}})
		}
	case metadata.FieldRelation:
		if field.Config.RelatedTableID == "" {
			return ValidationError([]ErrorDetail{{Field: "config.related_table_id", Message: "related_table_id is required"}})
		}
		if e.registry.GetTable(field.Config.RelatedTableID) == nil {
			return UnknownTableError(field.Config.RelatedTableID)
		}
	}
	return nil
}

// provisionReverseField creates the paired relation on the related table.
func (e *Engine) provisionReverseField(ctx context.Context, field *metadata.Field) (*metadata.Field, error) {
	table := e.registry.GetTable(field.TableID)
	name := "Related rows"
	if table != nil {
		name = table.Name
	}
	reverse := &metadata.Field{
		ID:      uuid.NewString(),
		TableID: field.Config.RelatedTableID,
		Name:    name,
		Type:    metadata.FieldRelation,
		Config: metadata.FieldConfig{
			RelatedTableID: field.TableID,
			AllowMultiple:  true,
			Bidirectional:  true,
			ReverseFieldID: field.ID,
		},
	}
	for _, f := range e.registry.FieldsForTable(reverse.TableID) {
		if f.OrderKey >= reverse.OrderKey {
			reverse.OrderKey = f.OrderKey + 1
		}
	}
	if err := e.insertFieldRecord(ctx, reverse); err != nil {
		return nil, err
	}
	return reverse, nil
}

// recomputeTable runs a full pass over every row of a table.
func (e *Engine) recomputeTable(ctx context.Context, tableID string) error {
	pb := e.store.Dialect.NewParamBuilder()
	stmt := fmt.Sprintf("SELECT id FROM _rows WHERE table_id = %s", pb.Add(tableID))
	records, err := store.QueryRows(ctx, e.store.DB, stmt, pb.Params()...)
	if err != nil {
		return fmt.Errorf("list rows for recompute: %w", err)
	}
	ids := make([]string, 0, len(records))
	for _, rec := range records {
		ids = append(ids, asString(rec["id"]))
	}
	return e.dispatchAll(ctx, tableID, ids, "")
}

// scrubFieldFromRows deletes a field's value from every row of a table.
// The `_computed_at` companion is historical metadata and stays behind,
// same as sanitization keeps it for ids no longer in the field set.
func (e *Engine) scrubFieldFromRows(ctx context.Context, tableID, fieldID string) error {
	rows, err := e.GetRows(ctx, nil, tableID)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if _, hasValue := row.Data[fieldID]; !hasValue {
			continue
		}
		unlock := e.locks.Lock(row.ID)
		fresh, err := e.loadRow(ctx, e.store.DB, row.ID)
		if err != nil {
			unlock()
			return err
		}
		delete(fresh.Data, fieldID)
		err = e.saveRowData(ctx, e.store.DB, fresh)
		unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// --- persistence ---

func (e *Engine) insertFieldRecord(ctx context.Context, field *metadata.Field) error {
	blob, err := marshalFieldConfig(field.Config)
	if err != nil {
		return err
	}
	pb := e.store.Dialect.NewParamBuilder()
	stmt := fmt.Sprintf(
		"INSERT INTO _fields (id, table_id, name, type, config, order_key, is_primary) VALUES (%s, %s, %s, %s, %s, %s, %s)",
		pb.Add(field.ID), pb.Add(field.TableID), pb.Add(field.Name), pb.Add(string(field.Type)),
		pb.Add(blob), pb.Add(field.OrderKey), pb.Add(field.Primary))
	if _, err := store.Exec(ctx, e.store.DB, stmt, pb.Params()...); err != nil {
		return fmt.Errorf("insert field %s: %w", field.Name, store.MapError(e.store.Dialect, err))
	}
	return nil
}

func (e *Engine) updateFieldRecord(ctx context.Context, field *metadata.Field) error {
	blob, err := marshalFieldConfig(field.Config)
	if err != nil {
		return err
	}
	pb := e.store.Dialect.NewParamBuilder()
	stmt := fmt.Sprintf("UPDATE _fields SET name = %s, config = %s, updated_at = %s WHERE id = %s",
		pb.Add(field.Name), pb.Add(blob), e.store.Dialect.NowExpr(), pb.Add(field.ID))
	if _, err := store.Exec(ctx, e.store.DB, stmt, pb.Params()...); err != nil {
		return fmt.Errorf("update field %s: %w", field.ID, err)
	}
	return nil
}

func (e *Engine) deleteFieldRecord(ctx context.Context, fieldID string) error {
	pb := e.store.Dialect.NewParamBuilder()
	stmt := fmt.Sprintf("DELETE FROM _fields WHERE id = %s", pb.Add(fieldID))
	if _, err := store.Exec(ctx, e.store.DB, stmt, pb.Params()...); err != nil {
		return fmt.Errorf("delete field %s: %w", fieldID, err)
	}
	return nil
}

func marshalFieldConfig(cfg metadata.FieldConfig) (string, error) {
	blob, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("marshal field config: %w", err)
	}
	return string(blob), nil
}
