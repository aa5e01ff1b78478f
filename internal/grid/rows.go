package grid

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/pythagonacci/trakgrid/internal/instrument"
	"github.com/pythagonacci/trakgrid/internal/metadata"
	"github.com/pythagonacci/trakgrid/internal/store"
)

const rowColumns = "id, table_id, data, order_key, source_entity_id, source_entity_type, sync_mode"

// CreateRow inserts one row. Read-only keys are stripped from the payload,
// auto fields are stamped, and a full recompute pass runs for the new row.
func (e *Engine) CreateRow(ctx context.Context, access *Access, tableID string, data map[string]any) (*metadata.Row, error) {
	_, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "engine", "rows", "row.create")
	defer span.End()
	span.SetEntity(tableID, "")

	fields := e.registry.FieldsForTable(tableID)
	cleaned := SanitizeRowData(stripReadOnly(data, fields), e.registry.ValidFieldIDs(tableID))
	stampAutoFields(cleaned, fields, access.UserID, true)

	maxOrder, err := e.maxOrderKey(ctx, tableID)
	if err != nil {
		span.SetStatus("error")
		return nil, err
	}

	row := &metadata.Row{
		ID:       uuid.NewString(),
		TableID:  tableID,
		Data:     cleaned,
		OrderKey: maxOrder + 1,
	}
	if err := e.insertRow(ctx, e.store.DB, row); err != nil {
		span.SetStatus("error")
		return nil, err
	}
	span.SetEntity(tableID, row.ID)

	// initial computed pass covers every formula and rollup on the new row
	if err := e.Dispatch(ctx, tableID, row.ID, ""); err != nil {
		return nil, err
	}
	return e.loadRow(ctx, e.store.DB, row.ID)
}

// GetRows lists a table's rows ordered by order key.
func (e *Engine) GetRows(ctx context.Context, access *Access, tableID string) ([]*metadata.Row, error) {
	pb := e.store.Dialect.NewParamBuilder()
	stmt := fmt.Sprintf("SELECT %s FROM _rows WHERE table_id = %s ORDER BY order_key", rowColumns, pb.Add(tableID))
	records, err := store.QueryRows(ctx, e.store.DB, stmt, pb.Params()...)
	if err != nil {
		return nil, fmt.Errorf("list rows for %s: %w", tableID, err)
	}
	rows := make([]*metadata.Row, 0, len(records))
	for _, rec := range records {
		rows = append(rows, rowFromRecord(rec))
	}
	return rows, nil
}

// GetRow fetches one row by id.
func (e *Engine) GetRow(ctx context.Context, access *Access, tableID, rowID string) (*metadata.Row, error) {
	row, err := e.loadRow(ctx, e.store.DB, rowID)
	if err != nil {
		return nil, err
	}
	if row.TableID != tableID {
		return nil, store.ErrNotFound
	}
	return row, nil
}

// UpdateCell writes one cell. Read-only fields are rejected outright;
// relation fields route through the relation graph sync; everything else is
// merged into the sanitized data blob. The recompute dispatcher runs after
// the write.
func (e *Engine) UpdateCell(ctx context.Context, access *Access, tableID, rowID, fieldID string, value any) (*metadata.Row, error) {
	_, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "engine", "rows", "cell.update")
	defer span.End()
	span.SetEntity(tableID, rowID)

	field := e.registry.GetField(fieldID)
	if field == nil || field.TableID != tableID {
		span.SetStatus("error")
		return nil, NotFoundError("field", fieldID)
	}
	if field.Type.ReadOnly() {
		span.SetStatus("error")
		return nil, ReadOnlyFieldError(field.Name)
	}

	if field.Type == metadata.FieldRelation {
		result, err := e.SyncRelationLinks(ctx, access, rowID, fieldID, toStringSlice(value))
		if err != nil {
			span.SetStatus("error")
			return nil, err
		}
		if err := e.Dispatch(ctx, tableID, rowID, fieldID); err != nil {
			return nil, err
		}
		// the far side's rollups read through the paired reverse field
		if result.ReverseFieldID != "" {
			for _, relatedID := range append(result.Added, result.Removed...) {
				if err := e.Dispatch(ctx, result.RelatedTableID, relatedID, result.ReverseFieldID); err != nil {
					return nil, err
				}
			}
		}
		return e.loadRow(ctx, e.store.DB, rowID)
	}

	unlock := e.locks.Lock(rowID)
	row, err := e.loadRow(ctx, e.store.DB, rowID)
	if err != nil {
		unlock()
		span.SetStatus("error")
		return nil, err
	}
	if row.TableID != tableID {
		unlock()
		span.SetStatus("error")
		return nil, NotFoundError("row", rowID)
	}

	fields := e.registry.FieldsForTable(tableID)
	row.Data = SanitizeRowData(row.Data, e.registry.ValidFieldIDs(tableID))
	row.Data[fieldID] = value
	stampAutoFields(row.Data, fields, access.UserID, false)

	err = e.saveRowData(ctx, e.store.DB, row)
	unlock()
	if err != nil {
		span.SetStatus("error")
		return nil, err
	}

	if err := e.Dispatch(ctx, tableID, rowID, fieldID); err != nil {
		return nil, err
	}
	return e.loadRow(ctx, e.store.DB, rowID)
}

// --- persistence helpers ---

func (e *Engine) loadRow(ctx context.Context, q store.Querier, rowID string) (*metadata.Row, error) {
	pb := e.store.Dialect.NewParamBuilder()
	stmt := fmt.Sprintf("SELECT %s FROM _rows WHERE id = %s", rowColumns, pb.Add(rowID))
	rec, err := store.QueryRow(ctx, q, stmt, pb.Params()...)
	if err != nil {
		return nil, err
	}
	return rowFromRecord(rec), nil
}

func (e *Engine) loadRowsByIDs(ctx context.Context, q store.Querier, tableID string, ids []string) ([]*metadata.Row, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pb := e.store.Dialect.NewParamBuilder()
	inExpr := e.store.Dialect.InExpr("id", pb, toAnySlice(ids))
	stmt := fmt.Sprintf("SELECT %s FROM _rows WHERE table_id = %s AND %s", rowColumns, pb.Add(tableID), inExpr)
	records, err := store.QueryRows(ctx, q, stmt, pb.Params()...)
	if err != nil {
		return nil, fmt.Errorf("load rows: %w", err)
	}
	rows := make([]*metadata.Row, 0, len(records))
	for _, rec := range records {
		rows = append(rows, rowFromRecord(rec))
	}
	return rows, nil
}

func (e *Engine) insertRow(ctx context.Context, q store.Querier, row *metadata.Row) error {
	blob, err := json.Marshal(row.Data)
	if err != nil {
		return fmt.Errorf("marshal row data: %w", err)
	}
	pb := e.store.Dialect.NewParamBuilder()
	stmt := fmt.Sprintf(
		"INSERT INTO _rows (id, table_id, data, order_key, source_entity_id, source_entity_type, sync_mode) VALUES (%s, %s, %s, %s, %s, %s, %s)",
		pb.Add(row.ID), pb.Add(row.TableID), pb.Add(string(blob)), pb.Add(row.OrderKey),
		pb.Add(nullable(row.SourceEntityID)), pb.Add(nullable(row.SourceEntityType)), pb.Add(nullable(row.SyncMode)))
	if _, err := store.Exec(ctx, q, stmt, pb.Params()...); err != nil {
		return fmt.Errorf("insert row %s: %w", row.ID, store.MapError(e.store.Dialect, err))
	}
	return nil
}

func (e *Engine) saveRowData(ctx context.Context, q store.Querier, row *metadata.Row) error {
	blob, err := json.Marshal(row.Data)
	if err != nil {
		return fmt.Errorf("marshal row data: %w", err)
	}
	pb := e.store.Dialect.NewParamBuilder()
	stmt := fmt.Sprintf("UPDATE _rows SET data = %s, updated_at = %s WHERE id = %s",
		pb.Add(string(blob)), e.store.Dialect.NowExpr(), pb.Add(row.ID))
	if _, err := store.Exec(ctx, q, stmt, pb.Params()...); err != nil {
		return fmt.Errorf("save row %s: %w", row.ID, err)
	}
	return nil
}

func (e *Engine) maxOrderKey(ctx context.Context, tableID string) (float64, error) {
	pb := e.store.Dialect.NewParamBuilder()
	stmt := fmt.Sprintf("SELECT COALESCE(MAX(order_key), 0) AS max_order FROM _rows WHERE table_id = %s", pb.Add(tableID))
	rec, err := store.QueryRow(ctx, e.store.DB, stmt, pb.Params()...)
	if err != nil {
		return 0, fmt.Errorf("max order key: %w", err)
	}
	if n, ok := toFloat64(rec["max_order"]); ok {
		return n, nil
	}
	return 0, nil
}

func rowFromRecord(rec map[string]any) *metadata.Row {
	row := &metadata.Row{
		ID:      asString(rec["id"]),
		TableID: asString(rec["table_id"]),
		Data:    map[string]any{},
	}
	if blob := asString(rec["data"]); blob != "" {
		if err := json.Unmarshal([]byte(blob), &row.Data); err != nil {
			row.Data = map[string]any{}
		}
	}
	if n, ok := toFloat64(rec["order_key"]); ok {
		row.OrderKey = n
	}
	row.SourceEntityID = asString(rec["source_entity_id"])
	row.SourceEntityType = asString(rec["source_entity_type"])
	row.SyncMode = asString(rec["sync_mode"])
	return row
}

// stampAutoFields writes engine-managed values: creation/edit timestamps and
// acting-user fields.
func stampAutoFields(data map[string]any, fields []*metadata.Field, userID string, isCreate bool) {
	now := time.Now().UTC().Format(time.RFC3339)
	for _, f := range fields {
		switch f.Type {
		case metadata.FieldCreatedTime:
			if isCreate {
				data[f.ID] = now
			}
		case metadata.FieldLastEditedTime:
			data[f.ID] = now
		case metadata.FieldCreatedBy:
			if isCreate {
				data[f.ID] = userID
			}
		case metadata.FieldLastEditedBy:
			data[f.ID] = userID
		}
	}
}

// stripReadOnly silently drops read-only keys from an incoming payload.
// The single-cell path rejects them loudly instead; bulk paths use this.
func stripReadOnly(data map[string]any, fields []*metadata.Field) map[string]any {
	readOnly := make(map[string]bool)
	for _, f := range fields {
		if f.Type.ReadOnly() {
			readOnly[f.ID] = true
		}
	}
	cleaned := make(map[string]any, len(data))
	for k, v := range data {
		if !readOnly[k] {
			cleaned[k] = v
		}
	}
	return cleaned
}

func toStringSlice(v any) []string {
	switch val := v.(type) {
	case nil:
		return nil
	case []string:
		return val
	case []any:
		out := make([]string, 0, len(val))
		for _, item := range val {
			out = append(out, asString(item))
		}
		return out
	case string:
		if val == "" {
			return nil
		}
		return []string{val}
	}
	return nil
}

func toAnySlice(ids []string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}
