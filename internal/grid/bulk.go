package grid

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/pythagonacci/trakgrid/internal/instrument"
	"github.com/pythagonacci/trakgrid/internal/metadata"
	"github.com/pythagonacci/trakgrid/internal/store"
)

// BulkOperationStrategy persists one batch of row mutations. The engine
// chunks the workload; a strategy sees at most ChunkSize rows per call.
type BulkOperationStrategy interface {
	UpsertRows(ctx context.Context, tableID string, rows []*metadata.Row) error
	DeleteRows(ctx context.Context, tableID string, rowIDs []string) error
}

// BulkResult reports what a bulk call actually committed. Chunks are applied
// in order; on a mid-stream failure earlier chunks stay committed and the
// error names the failing chunk.
type BulkResult struct {
	RowIDs    []string `json:"row_ids"`
	Committed int      `json:"committed"`
}

// RowUpdate is one entry of a bulk update payload.
type RowUpdate struct {
	RowID string         `json:"row_id"`
	Data  map[string]any `json:"data"`
}

// RemoteProcedureStrategy pushes a whole batch through the grid_bulk_rows
// stored procedure in a single round trip. Postgres only.
type RemoteProcedureStrategy struct {
	store *store.Store
}

func (s *RemoteProcedureStrategy) UpsertRows(ctx context.Context, tableID string, rows []*metadata.Row) error {
	payload := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		payload = append(payload, map[string]any{
			"id":        row.ID,
			"data":      row.Data,
			"order_key": row.OrderKey,
		})
	}
	return s.call(ctx, "upsert", tableID, payload)
}

func (s *RemoteProcedureStrategy) DeleteRows(ctx context.Context, tableID string, rowIDs []string) error {
	return s.call(ctx, "delete", tableID, rowIDs)
}

func (s *RemoteProcedureStrategy) call(ctx context.Context, op, tableID string, payload any) error {
	blob, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal bulk payload: %w", err)
	}
	if _, err := store.QueryRow(ctx, s.store.DB, s.store.Dialect.BulkRPCSQL(), op, tableID, string(blob)); err != nil {
		return fmt.Errorf("bulk rpc %s: %w", op, err)
	}
	return nil
}

// LocalStrategy applies a batch statement by statement against the Querier.
// It is the fallback when the RPC path is off or fails, and the only path on
// sqlite.
type LocalStrategy struct {
	store   *store.Store
	querier store.Querier
}

func (s *LocalStrategy) db() store.Querier {
	if s.querier != nil {
		return s.querier
	}
	return s.store.DB
}

// UpsertRows writes one batch of rows. Each batch commits atomically so a
// failed batch leaves no partial rows behind, same as the stored procedure.
func (s *LocalStrategy) UpsertRows(ctx context.Context, tableID string, rows []*metadata.Row) error {
	if s.querier != nil {
		return s.upsertRows(ctx, s.querier, tableID, rows)
	}
	tx, err := s.store.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("begin bulk upsert: %w", err)
	}
	if err := s.upsertRows(ctx, tx, tableID, rows); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *LocalStrategy) upsertRows(ctx context.Context, q store.Querier, tableID string, rows []*metadata.Row) error {
	for _, row := range rows {
		blob, err := json.Marshal(row.Data)
		if err != nil {
			return fmt.Errorf("marshal row data: %w", err)
		}
		pb := s.store.Dialect.NewParamBuilder()
		stmt := fmt.Sprintf(
			"INSERT INTO _rows (id, table_id, data, order_key) VALUES (%s, %s, %s, %s) "+
				"ON CONFLICT (id) DO UPDATE SET data = excluded.data, order_key = excluded.order_key, updated_at = %s",
			pb.Add(row.ID), pb.Add(tableID), pb.Add(string(blob)), pb.Add(row.OrderKey), s.store.Dialect.NowExpr())
		if _, err := store.Exec(ctx, q, stmt, pb.Params()...); err != nil {
			return fmt.Errorf("upsert row %s: %w", row.ID, store.MapError(s.store.Dialect, err))
		}
	}
	return nil
}

func (s *LocalStrategy) DeleteRows(ctx context.Context, tableID string, rowIDs []string) error {
	if len(rowIDs) == 0 {
		return nil
	}
	pb := s.store.Dialect.NewParamBuilder()
	inExpr := s.store.Dialect.InExpr("id", pb, toAnySlice(rowIDs))
	stmt := fmt.Sprintf("DELETE FROM _rows WHERE table_id = %s AND %s", pb.Add(tableID), inExpr)
	if _, err := store.Exec(ctx, s.db(), stmt, pb.Params()...); err != nil {
		return fmt.Errorf("delete rows: %w", err)
	}
	return nil
}

// persistChunk tries the RPC fast path first and falls back to the local
// strategy when the procedure is unavailable or errors.
func (e *Engine) persistChunk(ctx context.Context, tableID string, rows []*metadata.Row) error {
	if e.remote != nil {
		err := e.remote.UpsertRows(ctx, tableID, rows)
		if err == nil {
			return nil
		}
		log.Printf("WARN: bulk rpc upsert failed, falling back to local: %v", err)
	}
	return e.local.UpsertRows(ctx, tableID, rows)
}

func (e *Engine) deleteChunk(ctx context.Context, tableID string, rowIDs []string) error {
	if e.remote != nil {
		err := e.remote.DeleteRows(ctx, tableID, rowIDs)
		if err == nil {
			return nil
		}
		log.Printf("WARN: bulk rpc delete failed, falling back to local: %v", err)
	}
	return e.local.DeleteRows(ctx, tableID, rowIDs)
}

// BulkInsertRows inserts many rows in ChunkSize batches. Read-only and
// unknown keys are silently dropped from each payload. Recompute runs
// concurrently per committed row after persistence.
func (e *Engine) BulkInsertRows(ctx context.Context, access *Access, tableID string, payloads []map[string]any) (*BulkResult, error) {
	_, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "engine", "bulk", "bulk.insert")
	defer span.End()
	span.SetEntity(tableID, "")
	span.SetMetadata("count", len(payloads))

	fields := e.registry.FieldsForTable(tableID)
	validIDs := e.registry.ValidFieldIDs(tableID)

	maxOrder, err := e.maxOrderKey(ctx, tableID)
	if err != nil {
		span.SetStatus("error")
		return nil, err
	}

	rows := make([]*metadata.Row, 0, len(payloads))
	for i, payload := range payloads {
		cleaned := SanitizeRowData(stripReadOnly(payload, fields), validIDs)
		stampAutoFields(cleaned, fields, access.UserID, true)
		rows = append(rows, &metadata.Row{
			ID:       uuid.NewString(),
			TableID:  tableID,
			Data:     cleaned,
			OrderKey: maxOrder + float64(i) + 1,
		})
	}

	result := &BulkResult{}
	for start := 0; start < len(rows); start += e.cfg.ChunkSize {
		end := min(start+e.cfg.ChunkSize, len(rows))
		if err := e.persistChunk(ctx, tableID, rows[start:end]); err != nil {
			span.SetStatus("error")
			return result, fmt.Errorf("bulk insert chunk %d: %w", start/e.cfg.ChunkSize, err)
		}
		for _, row := range rows[start:end] {
			result.RowIDs = append(result.RowIDs, row.ID)
		}
		result.Committed = end
	}

	if err := e.dispatchAll(ctx, tableID, result.RowIDs, ""); err != nil {
		span.SetStatus("error")
		return result, err
	}
	return result, nil
}

// BulkUpdateRows merges per-row patches. Read-only keys in a patch are
// dropped, not rejected; relation keys route through the relation graph sync
// after the data merge so cached arrays stay derived from the edge table.
func (e *Engine) BulkUpdateRows(ctx context.Context, access *Access, tableID string, updates []RowUpdate) (*BulkResult, error) {
	_, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "engine", "bulk", "bulk.update")
	defer span.End()
	span.SetEntity(tableID, "")
	span.SetMetadata("count", len(updates))

	fields := e.registry.FieldsForTable(tableID)
	validIDs := e.registry.ValidFieldIDs(tableID)
	relationKeys := make(map[string]bool)
	for _, f := range fields {
		if f.Type == metadata.FieldRelation {
			relationKeys[f.ID] = true
		}
	}

	type pendingSync struct {
		rowID   string
		fieldID string
		ids     []string
	}

	result := &BulkResult{}
	var syncs []pendingSync
	changedBy := make(map[string]string)

	for start := 0; start < len(updates); start += e.cfg.ChunkSize {
		end := min(start+e.cfg.ChunkSize, len(updates))
		chunk := make([]*metadata.Row, 0, end-start)

		for _, upd := range updates[start:end] {
			patch := SanitizeRowData(stripReadOnly(upd.Data, fields), validIDs)

			unlock := e.locks.Lock(upd.RowID)
			row, err := e.loadRow(ctx, e.store.DB, upd.RowID)
			if err != nil {
				unlock()
				span.SetStatus("error")
				return result, fmt.Errorf("bulk update row %s: %w", upd.RowID, err)
			}
			if row.TableID != tableID {
				unlock()
				span.SetStatus("error")
				return result, NotFoundError("row", upd.RowID)
			}

			row.Data = SanitizeRowData(row.Data, validIDs)
			changedField := ""
			plainKeys := 0
			for k, v := range patch {
				if relationKeys[k] {
					syncs = append(syncs, pendingSync{rowID: upd.RowID, fieldID: k, ids: toStringSlice(v)})
					continue
				}
				row.Data[k] = v
				changedField = k
				plainKeys++
			}
			if plainKeys > 1 {
				changedField = ""
			}
			stampAutoFields(row.Data, fields, access.UserID, false)
			unlock()

			chunk = append(chunk, row)
			changedBy[row.ID] = changedField
		}

		if err := e.persistChunk(ctx, tableID, chunk); err != nil {
			span.SetStatus("error")
			return result, fmt.Errorf("bulk update chunk %d: %w", start/e.cfg.ChunkSize, err)
		}
		for _, row := range chunk {
			result.RowIDs = append(result.RowIDs, row.ID)
		}
		result.Committed = end
	}

	for _, sync := range syncs {
		res, err := e.SyncRelationLinks(ctx, access, sync.rowID, sync.fieldID, sync.ids)
		if err != nil {
			span.SetStatus("error")
			return result, err
		}
		if err := e.Dispatch(ctx, tableID, sync.rowID, sync.fieldID); err != nil {
			return result, err
		}
		if res.ReverseFieldID != "" {
			for _, relatedID := range append(res.Added, res.Removed...) {
				if err := e.Dispatch(ctx, res.RelatedTableID, relatedID, res.ReverseFieldID); err != nil {
					return result, err
				}
			}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, rowID := range result.RowIDs {
		g.Go(func() error {
			return e.Dispatch(gctx, tableID, rowID, changedBy[rowID])
		})
	}
	if err := g.Wait(); err != nil {
		span.SetStatus("error")
		return result, err
	}
	return result, nil
}

// BulkDeleteRows removes rows and their relation edges, then refreshes the
// rows that pointed at them. Inbound edges are captured before the delete so
// the cascade still knows who referenced the victims.
func (e *Engine) BulkDeleteRows(ctx context.Context, access *Access, tableID string, rowIDs []string) (*BulkResult, error) {
	_, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "engine", "bulk", "bulk.delete")
	defer span.End()
	span.SetEntity(tableID, "")
	span.SetMetadata("count", len(rowIDs))

	rowIDs = dedupe(rowIDs)
	links, err := e.inboundLinks(ctx, e.store.DB, rowIDs)
	if err != nil {
		span.SetStatus("error")
		return nil, err
	}

	if err := e.purgeLinks(ctx, rowIDs); err != nil {
		span.SetStatus("error")
		return nil, err
	}

	result := &BulkResult{}
	for start := 0; start < len(rowIDs); start += e.cfg.ChunkSize {
		end := min(start+e.cfg.ChunkSize, len(rowIDs))
		if err := e.deleteChunk(ctx, tableID, rowIDs[start:end]); err != nil {
			span.SetStatus("error")
			return result, fmt.Errorf("bulk delete chunk %d: %w", start/e.cfg.ChunkSize, err)
		}
		result.RowIDs = append(result.RowIDs, rowIDs[start:end]...)
		result.Committed = end
	}

	deleted := toSet(result.RowIDs)
	seen := make(map[string]bool)
	for _, link := range links {
		if deleted[link.FromRow] {
			continue
		}
		key := link.FromRow + "|" + link.FromField
		if seen[key] {
			continue
		}
		seen[key] = true
		if err := e.refreshCachedLinks(ctx, link.FromTable, link.FromRow, link.FromField); err != nil {
			span.SetStatus("error")
			return result, err
		}
		if err := e.Dispatch(ctx, link.FromTable, link.FromRow, link.FromField); err != nil {
			return result, err
		}
	}
	return result, nil
}

// BulkDuplicateRows clones rows with their data verbatim, computed values
// included. Clones slot just after their source in display order.
func (e *Engine) BulkDuplicateRows(ctx context.Context, access *Access, tableID string, rowIDs []string) (*BulkResult, error) {
	_, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "engine", "bulk", "bulk.duplicate")
	defer span.End()
	span.SetEntity(tableID, "")
	span.SetMetadata("count", len(rowIDs))

	sources, err := e.loadRowsByIDs(ctx, e.store.DB, tableID, rowIDs)
	if err != nil {
		span.SetStatus("error")
		return nil, err
	}
	sort.SliceStable(sources, func(i, j int) bool { return sources[i].OrderKey < sources[j].OrderKey })

	clones := make([]*metadata.Row, 0, len(sources))
	for i, src := range sources {
		data := make(map[string]any, len(src.Data))
		for k, v := range src.Data {
			data[k] = v
		}
		clones = append(clones, &metadata.Row{
			ID:       uuid.NewString(),
			TableID:  tableID,
			Data:     data,
			OrderKey: src.OrderKey + 0.001*float64(i+1),
		})
	}

	result := &BulkResult{}
	for start := 0; start < len(clones); start += e.cfg.ChunkSize {
		end := min(start+e.cfg.ChunkSize, len(clones))
		if err := e.persistChunk(ctx, tableID, clones[start:end]); err != nil {
			span.SetStatus("error")
			return result, fmt.Errorf("bulk duplicate chunk %d: %w", start/e.cfg.ChunkSize, err)
		}
		for _, row := range clones[start:end] {
			result.RowIDs = append(result.RowIDs, row.ID)
		}
		result.Committed = end
	}

	// No recompute pass: relation edges are not cloned, so computed cells
	// keep the snapshot carried over from the source row.
	return result, nil
}

// dispatchAll runs the recompute pass for a set of rows with bounded
// concurrency.
func (e *Engine) dispatchAll(ctx context.Context, tableID string, rowIDs []string, changedFieldID string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, rowID := range rowIDs {
		g.Go(func() error {
			return e.Dispatch(gctx, tableID, rowID, changedFieldID)
		})
	}
	return g.Wait()
}

// purgeLinks drops every edge touching the given rows, on either end.
func (e *Engine) purgeLinks(ctx context.Context, rowIDs []string) error {
	if len(rowIDs) == 0 {
		return nil
	}
	pb := e.store.Dialect.NewParamBuilder()
	fromExpr := e.store.Dialect.InExpr("from_row", pb, toAnySlice(rowIDs))
	toExpr := e.store.Dialect.InExpr("to_row", pb, toAnySlice(rowIDs))
	stmt := fmt.Sprintf("DELETE FROM _row_links WHERE %s OR %s", fromExpr, toExpr)
	if _, err := store.Exec(ctx, e.store.DB, stmt, pb.Params()...); err != nil {
		return fmt.Errorf("purge links: %w", err)
	}
	return nil
}
