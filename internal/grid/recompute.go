package grid

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/pythagonacci/trakgrid/internal/instrument"
	"github.com/pythagonacci/trakgrid/internal/metadata"
)

// recomputeItem is one unit of work for the dispatcher: a row whose computed
// fields may be stale because changedFieldID (or, when empty, anything) changed.
type recomputeItem struct {
	tableID        string
	rowID          string
	changedFieldID string
	// rollupOnly marks reverse-propagated work: only rollups reading through
	// changedFieldID are refreshed, and relation sync is never re-triggered.
	rollupOnly bool
	// targetFieldID bounds reverse fan-out to rollups aggregating the field
	// that actually changed on the far side.
	targetFieldID string
}

// Dispatch decides which formula and rollup cells are dirty after a write to
// (tableID, rowID, changedFieldID) and recomputes them, then walks the
// relation graph breadth-first to refresh rollups on referencing rows in
// other tables. A visited set and a depth cap guarantee termination even on
// relation cycles. An empty changedFieldID means the row was structurally
// affected and every computed field is recomputed.
//
// Evaluation failures never escape: they land in the cell as "#ERROR" values
// and the pass continues.
func (e *Engine) Dispatch(ctx context.Context, tableID, rowID, changedFieldID string) error {
	_, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "engine", "recompute", "recompute.dispatch")
	defer span.End()
	span.SetEntity(tableID, rowID)

	queue := []recomputeItem{{tableID: tableID, rowID: rowID, changedFieldID: changedFieldID}}
	visited := map[string]bool{}

	for depth := 0; depth <= e.cfg.MaxPropagationDepth && len(queue) > 0; depth++ {
		var next []recomputeItem
		for _, item := range queue {
			key := item.rowID + "|" + item.changedFieldID + "|" + item.targetFieldID
			if visited[key] {
				continue
			}
			visited[key] = true

			changed, err := e.recomputeRow(ctx, item)
			if err != nil {
				span.SetStatus("error")
				return err
			}

			// the original edit propagates too, not only computed results
			if !item.rollupOnly && item.changedFieldID != "" {
				changed = append(changed, item.changedFieldID)
			}
			if len(changed) == 0 && !(item.changedFieldID == "" && !item.rollupOnly) {
				continue
			}

			links, err := e.inboundLinks(ctx, e.store.DB, []string{item.rowID})
			if err != nil {
				span.SetStatus("error")
				return err
			}
			for _, link := range links {
				if item.changedFieldID == "" && !item.rollupOnly {
					// structural change: far side re-aggregates everything
					// visible through its relation field
					next = append(next, recomputeItem{
						tableID:        link.FromTable,
						rowID:          link.FromRow,
						changedFieldID: link.FromField,
						rollupOnly:     true,
					})
					continue
				}
				for _, fieldID := range changed {
					next = append(next, recomputeItem{
						tableID:        link.FromTable,
						rowID:          link.FromRow,
						changedFieldID: link.FromField,
						rollupOnly:     true,
						targetFieldID:  fieldID,
					})
				}
			}
		}
		queue = next
	}

	if len(queue) > 0 {
		log.Printf("WARN: recompute propagation capped at depth %d for row %s", e.cfg.MaxPropagationDepth, rowID)
	}
	return nil
}

// recomputeRow refreshes the dirty computed cells of one row and returns the
// ids of fields whose values actually changed. Formulas run before rollups.
func (e *Engine) recomputeRow(ctx context.Context, item recomputeItem) ([]string, error) {
	unlock := e.locks.Lock(item.rowID)
	defer unlock()

	row, err := e.loadRow(ctx, e.store.DB, item.rowID)
	if err != nil {
		return nil, fmt.Errorf("recompute row %s: %w", item.rowID, err)
	}

	fields := e.registry.FieldsForTable(item.tableID)
	row.Data = SanitizeRowData(row.Data, e.registry.ValidFieldIDs(item.tableID))

	var changed []string
	dirty := false

	if !item.rollupOnly {
		for _, f := range e.selectFormulas(item, fields) {
			before := row.Data[f.ID]
			e.computeFormula(row, f)
			dirty = true
			if !looseSame(before, row.Data[f.ID]) {
				changed = append(changed, f.ID)
			}
		}
	}

	for _, f := range e.selectRollups(item, fields) {
		before := row.Data[f.ID]
		e.computeRollup(ctx, row, f)
		dirty = true
		if !looseSame(before, row.Data[f.ID]) {
			changed = append(changed, f.ID)
		}
	}

	if dirty {
		if err := e.saveRowData(ctx, e.store.DB, row); err != nil {
			return nil, err
		}
	}
	return changed, nil
}

// selectFormulas gates formula recompute on the static dependency list.
// Empty dependencies are treated as unknown and always recompute.
func (e *Engine) selectFormulas(item recomputeItem, fields []*metadata.Field) []*metadata.Field {
	var selected []*metadata.Field
	for _, f := range fields {
		if f.Type != metadata.FieldFormula {
			continue
		}
		if item.changedFieldID == "" || f.DependsOn(item.changedFieldID) {
			selected = append(selected, f)
		}
	}
	return selected
}

// selectRollups scopes rollup recompute to the relation that changed; a
// structural change refreshes all of them. Reverse-propagated items are
// additionally narrowed to rollups targeting the far-side field that changed.
func (e *Engine) selectRollups(item recomputeItem, fields []*metadata.Field) []*metadata.Field {
	var selected []*metadata.Field
	for _, f := range fields {
		if f.Type != metadata.FieldRollup {
			continue
		}
		switch {
		case item.changedFieldID == "":
			selected = append(selected, f)
		case f.Config.RelationFieldID != item.changedFieldID:
			// reads through a different relation, unaffected
		case item.rollupOnly && item.targetFieldID != "" && f.Config.TargetFieldID != "" && f.Config.TargetFieldID != item.targetFieldID:
			// far-side change to a field this rollup does not aggregate
		default:
			selected = append(selected, f)
		}
	}
	return selected
}

// computeFormula evaluates one formula cell in place. Failures are row-local:
// the cell gets the error sentinel and no timestamp update.
func (e *Engine) computeFormula(row *metadata.Row, f *metadata.Field) {
	fields := e.registry.FieldsForTable(row.TableID)
	val, err := e.eval.Evaluate(f.Config.Formula, row.Data, fields)
	if err != nil {
		row.Data[f.ID] = errorSentinel(err)
		return
	}
	row.Data[f.ID] = CoerceReturnType(val, f.Config.ReturnType)
	row.Data[f.ID+ComputedAtSuffix] = time.Now().UTC().Format(time.RFC3339)
}

// computeRollup aggregates one rollup cell in place. Fetch or config errors
// become the error sentinel; the surrounding pass continues.
func (e *Engine) computeRollup(ctx context.Context, row *metadata.Row, f *metadata.Field) {
	value, err := e.rollupValue(ctx, row, f)
	if err != nil {
		row.Data[f.ID] = errorSentinel(err)
		return
	}
	row.Data[f.ID] = value
	row.Data[f.ID+ComputedAtSuffix] = time.Now().UTC().Format(time.RFC3339)
}

func (e *Engine) rollupValue(ctx context.Context, row *metadata.Row, f *metadata.Field) (any, error) {
	cfg := f.Config
	relField := e.registry.GetField(cfg.RelationFieldID)
	if relField == nil || relField.Type != metadata.FieldRelation {
		return nil, fmt.Errorf("rollup %s: relation field %s not found", f.Name, cfg.RelationFieldID)
	}

	ids, err := e.linkedRowIDs(ctx, e.store.DB, row.ID, relField.ID)
	if err != nil {
		return nil, err
	}
	related, err := e.loadRowsByIDs(ctx, e.store.DB, relField.Config.RelatedTableID, ids)
	if err != nil {
		return nil, err
	}

	values := make([]any, 0, len(related))
	for _, rel := range related {
		if cfg.Filter != nil && !MatchesFilter(rel.Data[cfg.Filter.FieldID], cfg.Filter) {
			continue
		}
		values = append(values, rel.Data[cfg.TargetFieldID])
	}
	return Aggregate(values, AggregationKind(cfg.Aggregation)), nil
}

func looseSame(a, b any) bool {
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}
