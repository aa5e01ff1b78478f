package grid

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/pythagonacci/trakgrid/internal/instrument"
	"github.com/pythagonacci/trakgrid/internal/metadata"
	"github.com/pythagonacci/trakgrid/internal/store"
)

// SyncResult reports the delta applied by one relation sync.
type SyncResult struct {
	Added          []string `json:"added"`
	Removed        []string `json:"removed"`
	RelatedTableID string   `json:"related_table_id"`
	ReverseFieldID string   `json:"reverse_field_id,omitempty"`
}

// SyncRelationLinks reconciles the edge set for (rowID, fieldID) against the
// desired target list. The edge table is the source of truth; the cached id
// array on the row is re-derived after the sync. Bidirectional fields mirror
// every change onto the paired reverse field.
func (e *Engine) SyncRelationLinks(ctx context.Context, access *Access, rowID, fieldID string, desired []string) (*SyncResult, error) {
	_, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "engine", "relations", "relation.sync")
	defer span.End()

	field := e.registry.GetField(fieldID)
	if field == nil || field.Type != metadata.FieldRelation {
		span.SetStatus("error")
		return nil, NotFoundError("relation field", fieldID)
	}
	span.SetEntity(field.TableID, rowID)
	cfg := field.Config
	if cfg.RelatedTableID == "" {
		span.SetStatus("error")
		return nil, ValidationError([]ErrorDetail{{
			Field: field.Name, Rule: "relation", Message: "relation field has no related table configured",
		}})
	}

	// keep only ids that exist in the related table, preserving input order
	valid, err := e.filterExistingRows(ctx, cfg.RelatedTableID, dedupe(desired))
	if err != nil {
		span.SetStatus("error")
		return nil, err
	}

	// cap the target count
	if !cfg.AllowMultiple && len(valid) > 1 {
		valid = valid[:1]
	}
	limit := cfg.Limit
	if limit == 0 {
		limit = e.cfg.RelationDefaultLimit
	}
	if limit > 0 && len(valid) > limit {
		valid = valid[:limit]
	}

	current, err := e.linkedRowIDs(ctx, e.store.DB, rowID, fieldID)
	if err != nil {
		span.SetStatus("error")
		return nil, err
	}

	currentSet := toSet(current)
	desiredSet := toSet(valid)
	var toAdd, toRemove []string
	for _, id := range valid {
		if !currentSet[id] {
			toAdd = append(toAdd, id)
		}
	}
	for _, id := range current {
		if !desiredSet[id] {
			toRemove = append(toRemove, id)
		}
	}

	unlock := e.locks.Lock(rowID)
	defer unlock()

	row, err := e.loadRow(ctx, e.store.DB, rowID)
	if err != nil {
		span.SetStatus("error")
		return nil, err
	}

	for _, targetID := range toAdd {
		if err := e.insertLink(ctx, row.TableID, fieldID, rowID, cfg.RelatedTableID, targetID); err != nil {
			span.SetStatus("error")
			return nil, err
		}
		if cfg.Bidirectional && cfg.ReverseFieldID != "" {
			if err := e.insertLink(ctx, cfg.RelatedTableID, cfg.ReverseFieldID, targetID, row.TableID, rowID); err != nil {
				span.SetStatus("error")
				return nil, err
			}
		}
	}
	for _, targetID := range toRemove {
		if err := e.deleteLink(ctx, fieldID, rowID, targetID); err != nil {
			span.SetStatus("error")
			return nil, err
		}
		if cfg.Bidirectional && cfg.ReverseFieldID != "" {
			if err := e.deleteLink(ctx, cfg.ReverseFieldID, targetID, rowID); err != nil {
				span.SetStatus("error")
				return nil, err
			}
		}
	}

	// re-derive the cached array from the edge table
	finalIDs, err := e.linkedRowIDs(ctx, e.store.DB, rowID, fieldID)
	if err != nil {
		span.SetStatus("error")
		return nil, err
	}
	row.Data = SanitizeRowData(row.Data, e.registry.ValidFieldIDs(row.TableID))
	row.Data[fieldID] = toAnySlice(finalIDs)
	if err := e.saveRowData(ctx, e.store.DB, row); err != nil {
		span.SetStatus("error")
		return nil, err
	}

	// mirror the cached arrays on every touched related row
	if cfg.Bidirectional && cfg.ReverseFieldID != "" {
		for _, targetID := range append(append([]string{}, toAdd...), toRemove...) {
			if err := e.refreshCachedLinks(ctx, cfg.RelatedTableID, targetID, cfg.ReverseFieldID); err != nil {
				span.SetStatus("error")
				return nil, err
			}
		}
	}

	span.SetMetadata("added", len(toAdd))
	span.SetMetadata("removed", len(toRemove))
	return &SyncResult{
		Added:          toAdd,
		Removed:        toRemove,
		RelatedTableID: cfg.RelatedTableID,
		ReverseFieldID: cfg.ReverseFieldID,
	}, nil
}

// GetRelatedRows returns the rows linked through (rowID, relationFieldID),
// ordered by the target table's order key.
func (e *Engine) GetRelatedRows(ctx context.Context, access *Access, rowID, relationFieldID string) ([]*metadata.Row, error) {
	field := e.registry.GetField(relationFieldID)
	if field == nil || field.Type != metadata.FieldRelation {
		return nil, NotFoundError("relation field", relationFieldID)
	}
	ids, err := e.linkedRowIDs(ctx, e.store.DB, rowID, relationFieldID)
	if err != nil {
		return nil, err
	}
	rows, err := e.loadRowsByIDs(ctx, e.store.DB, field.Config.RelatedTableID, ids)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].OrderKey < rows[j].OrderKey })
	return rows, nil
}

// ResolveDisplayField picks the field shown for linked rows. The fallback
// order is fixed: configured display field, primary field, first text field,
// first long_text field, first field of any type, none.
func ResolveDisplayField(fields []*metadata.Field, cfg metadata.FieldConfig) *metadata.Field {
	if cfg.DisplayFieldID != "" {
		for _, f := range fields {
			if f.ID == cfg.DisplayFieldID {
				return f
			}
		}
	}
	for _, f := range fields {
		if f.Primary {
			return f
		}
	}
	for _, f := range fields {
		if f.Type == metadata.FieldText {
			return f
		}
	}
	for _, f := range fields {
		if f.Type == metadata.FieldLongText {
			return f
		}
	}
	if len(fields) > 0 {
		return fields[0]
	}
	return nil
}

// --- edge table access ---

type inboundLink struct {
	FromTable string
	FromField string
	FromRow   string
}

func (e *Engine) linkedRowIDs(ctx context.Context, q store.Querier, rowID, fieldID string) ([]string, error) {
	pb := e.store.Dialect.NewParamBuilder()
	stmt := fmt.Sprintf("SELECT to_row FROM _row_links WHERE from_row = %s AND from_field = %s ORDER BY created_at, to_row",
		pb.Add(rowID), pb.Add(fieldID))
	records, err := store.QueryRows(ctx, q, stmt, pb.Params()...)
	if err != nil {
		return nil, fmt.Errorf("load links: %w", err)
	}
	ids := make([]string, 0, len(records))
	for _, rec := range records {
		ids = append(ids, asString(rec["to_row"]))
	}
	return ids, nil
}

// inboundLinks finds every edge pointing at one of the given rows, grouped
// by the referencing (row, field) pair.
func (e *Engine) inboundLinks(ctx context.Context, q store.Querier, rowIDs []string) ([]inboundLink, error) {
	if len(rowIDs) == 0 {
		return nil, nil
	}
	pb := e.store.Dialect.NewParamBuilder()
	inExpr := e.store.Dialect.InExpr("to_row", pb, toAnySlice(rowIDs))
	stmt := fmt.Sprintf("SELECT DISTINCT from_table, from_field, from_row FROM _row_links WHERE %s", inExpr)
	records, err := store.QueryRows(ctx, q, stmt, pb.Params()...)
	if err != nil {
		return nil, fmt.Errorf("load inbound links: %w", err)
	}
	links := make([]inboundLink, 0, len(records))
	for _, rec := range records {
		links = append(links, inboundLink{
			FromTable: asString(rec["from_table"]),
			FromField: asString(rec["from_field"]),
			FromRow:   asString(rec["from_row"]),
		})
	}
	return links, nil
}

func (e *Engine) insertLink(ctx context.Context, fromTable, fromField, fromRow, toTable, toRow string) error {
	pb := e.store.Dialect.NewParamBuilder()
	stmt := fmt.Sprintf("INSERT INTO _row_links (id, from_table, from_field, from_row, to_table, to_row) VALUES (%s, %s, %s, %s, %s, %s)",
		pb.Add(uuid.NewString()), pb.Add(fromTable), pb.Add(fromField), pb.Add(fromRow), pb.Add(toTable), pb.Add(toRow))
	if _, err := store.Exec(ctx, e.store.DB, stmt, pb.Params()...); err != nil {
		// a concurrent sync may have inserted the same edge; the unique
		// index makes the second insert a no-op failure
		if errors.Is(store.MapError(e.store.Dialect, err), store.ErrUniqueViolation) {
			return nil
		}
		return fmt.Errorf("insert link: %w", err)
	}
	return nil
}

func (e *Engine) deleteLink(ctx context.Context, fromField, fromRow, toRow string) error {
	pb := e.store.Dialect.NewParamBuilder()
	stmt := fmt.Sprintf("DELETE FROM _row_links WHERE from_field = %s AND from_row = %s AND to_row = %s",
		pb.Add(fromField), pb.Add(fromRow), pb.Add(toRow))
	if _, err := store.Exec(ctx, e.store.DB, stmt, pb.Params()...); err != nil {
		return fmt.Errorf("delete link: %w", err)
	}
	return nil
}

// refreshCachedLinks re-derives a row's cached id array from the edge table.
func (e *Engine) refreshCachedLinks(ctx context.Context, tableID, rowID, fieldID string) error {
	unlock := e.locks.Lock(rowID)
	defer unlock()

	row, err := e.loadRow(ctx, e.store.DB, rowID)
	if err != nil {
		return err
	}
	ids, err := e.linkedRowIDs(ctx, e.store.DB, rowID, fieldID)
	if err != nil {
		return err
	}
	row.Data = SanitizeRowData(row.Data, e.registry.ValidFieldIDs(tableID))
	row.Data[fieldID] = toAnySlice(ids)
	return e.saveRowData(ctx, e.store.DB, row)
}

// filterExistingRows keeps the ids that exist in the given table, preserving
// input order.
func (e *Engine) filterExistingRows(ctx context.Context, tableID string, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	pb := e.store.Dialect.NewParamBuilder()
	inExpr := e.store.Dialect.InExpr("id", pb, toAnySlice(ids))
	stmt := fmt.Sprintf("SELECT id FROM _rows WHERE table_id = %s AND %s", pb.Add(tableID), inExpr)
	records, err := store.QueryRows(ctx, e.store.DB, stmt, pb.Params()...)
	if err != nil {
		return nil, fmt.Errorf("validate relation targets: %w", err)
	}
	existing := make(map[string]bool, len(records))
	for _, rec := range records {
		existing[asString(rec["id"])] = true
	}
	var valid []string
	for _, id := range ids {
		if existing[id] {
			valid = append(valid, id)
		}
	}
	return valid, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	var out []string
	for _, id := range ids {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
