package grid

import (
	"context"
	"fmt"
	"testing"

	"github.com/pythagonacci/trakgrid/internal/config"
	"github.com/pythagonacci/trakgrid/internal/metadata"
)

// countingStrategy records how many batch calls reach the persistence layer.
type countingStrategy struct {
	inner   BulkOperationStrategy
	upserts int
	deletes int
	sizes   []int
}

func (c *countingStrategy) UpsertRows(ctx context.Context, tableID string, rows []*metadata.Row) error {
	c.upserts++
	c.sizes = append(c.sizes, len(rows))
	return c.inner.UpsertRows(ctx, tableID, rows)
}

func (c *countingStrategy) DeleteRows(ctx context.Context, tableID string, rowIDs []string) error {
	c.deletes++
	c.sizes = append(c.sizes, len(rowIDs))
	return c.inner.DeleteRows(ctx, tableID, rowIDs)
}

func TestBulkInsertRows_Chunking(t *testing.T) {
	engine, access := newTestEngine(t, config.GridConfig{ChunkSize: 100})
	ctx := context.Background()

	table := mustCreateTable(t, engine, "Inventory")
	name := mustCreateField(t, engine, access, table.ID, FieldInput{Name: "Name", Type: metadata.FieldText})

	counter := &countingStrategy{inner: engine.local}
	engine.local = counter

	payloads := make([]map[string]any, 250)
	for i := range payloads {
		payloads[i] = map[string]any{name.ID: fmt.Sprintf("item %d", i)}
	}

	result, err := engine.BulkInsertRows(ctx, access, table.ID, payloads)
	if err != nil {
		t.Fatalf("bulk insert: %v", err)
	}
	if result.Committed != 250 || len(result.RowIDs) != 250 {
		t.Fatalf("expected 250 committed, got %+v", result)
	}
	if counter.upserts != 3 {
		t.Fatalf("expected 3 chunks, got %d (%v)", counter.upserts, counter.sizes)
	}
	if counter.sizes[0] != 100 || counter.sizes[1] != 100 || counter.sizes[2] != 50 {
		t.Fatalf("chunk sizes wrong: %v", counter.sizes)
	}

	rows, err := engine.GetRows(ctx, access, table.ID)
	if err != nil {
		t.Fatalf("list rows: %v", err)
	}
	if len(rows) != 250 {
		t.Fatalf("expected 250 rows persisted, got %d", len(rows))
	}
	// assigned order keys must be strictly increasing in payload order
	for i := 1; i < len(rows); i++ {
		if rows[i].OrderKey <= rows[i-1].OrderKey {
			t.Fatalf("order keys not increasing at %d", i)
		}
	}
}

func TestBulkInsertRows_StripsReadOnlyAndUnknownKeys(t *testing.T) {
	engine, access := newTestEngine(t, config.GridConfig{})
	ctx := context.Background()

	table := mustCreateTable(t, engine, "Orders")
	price := mustCreateField(t, engine, access, table.ID, FieldInput{Name: "Price", Type: metadata.FieldNumber})
	total := mustCreateField(t, engine, access, table.ID, FieldInput{
		Name: "Total", Type: metadata.FieldFormula,
		Config: &metadata.FieldConfig{Formula: "Price * 2", ReturnType: "number"},
	})

	result, err := engine.BulkInsertRows(ctx, access, table.ID, []map[string]any{
		{price.ID: 5.0, total.ID: "forged", "no-such-field": true},
	})
	if err != nil {
		t.Fatalf("bulk insert: %v", err)
	}

	row := reloadRow(t, engine, result.RowIDs[0])
	// the forged computed value is dropped and replaced by a real pass
	if row.Data[total.ID] != 10.0 {
		t.Fatalf("expected recomputed 10, got %v", row.Data[total.ID])
	}
	if _, ok := row.Data["no-such-field"]; ok {
		t.Fatal("unknown key survived bulk insert")
	}
}

func TestBulkUpdateRows_MergesPatchesAndRecomputes(t *testing.T) {
	engine, access := newTestEngine(t, config.GridConfig{})
	ctx := context.Background()

	table := mustCreateTable(t, engine, "Orders")
	price := mustCreateField(t, engine, access, table.ID, FieldInput{Name: "Price", Type: metadata.FieldNumber})
	note := mustCreateField(t, engine, access, table.ID, FieldInput{Name: "Note", Type: metadata.FieldText})
	total := mustCreateField(t, engine, access, table.ID, FieldInput{
		Name: "Total", Type: metadata.FieldFormula,
		Config: &metadata.FieldConfig{Formula: "Price * 2", ReturnType: "number"},
	})

	r1 := mustCreateRow(t, engine, access, table.ID, map[string]any{price.ID: 1.0, note.ID: "keep me"})
	r2 := mustCreateRow(t, engine, access, table.ID, map[string]any{price.ID: 2.0})

	result, err := engine.BulkUpdateRows(ctx, access, table.ID, []RowUpdate{
		{RowID: r1.ID, Data: map[string]any{price.ID: 10.0}},
		{RowID: r2.ID, Data: map[string]any{price.ID: 20.0, note.ID: "added"}},
	})
	if err != nil {
		t.Fatalf("bulk update: %v", err)
	}
	if result.Committed != 2 {
		t.Fatalf("expected 2 committed, got %+v", result)
	}

	u1 := reloadRow(t, engine, r1.ID)
	if u1.Data[price.ID] != 10.0 || u1.Data[note.ID] != "keep me" {
		t.Fatalf("patch merge wrong: %v", u1.Data)
	}
	if u1.Data[total.ID] != 20.0 {
		t.Fatalf("formula not recomputed: %v", u1.Data[total.ID])
	}
	u2 := reloadRow(t, engine, r2.ID)
	if u2.Data[note.ID] != "added" || u2.Data[total.ID] != 40.0 {
		t.Fatalf("second patch wrong: %v", u2.Data)
	}
}

func TestBulkDuplicateRows_OrderAndData(t *testing.T) {
	engine, access := newTestEngine(t, config.GridConfig{})
	ctx := context.Background()

	table := mustCreateTable(t, engine, "Orders")
	name := mustCreateField(t, engine, access, table.ID, FieldInput{Name: "Name", Type: metadata.FieldText})

	src1 := mustCreateRow(t, engine, access, table.ID, map[string]any{name.ID: "alpha"})
	src2 := mustCreateRow(t, engine, access, table.ID, map[string]any{name.ID: "beta"})

	result, err := engine.BulkDuplicateRows(ctx, access, table.ID, []string{src1.ID, src2.ID})
	if err != nil {
		t.Fatalf("duplicate: %v", err)
	}
	if len(result.RowIDs) != 2 {
		t.Fatalf("expected 2 clones, got %+v", result)
	}

	c1 := reloadRow(t, engine, result.RowIDs[0])
	if c1.Data[name.ID] != "alpha" {
		t.Fatalf("clone data not copied: %v", c1.Data)
	}
	if c1.ID == src1.ID {
		t.Fatal("clone kept source id")
	}
	// clones slot just after their source, before the next whole order key
	if c1.OrderKey <= src1.OrderKey || c1.OrderKey >= src2.OrderKey {
		t.Fatalf("clone order key %v not between %v and %v", c1.OrderKey, src1.OrderKey, src2.OrderKey)
	}
}

func TestBulkDuplicateRows_KeepsComputedSnapshot(t *testing.T) {
	fx := newRelationFixture(t, config.GridConfig{})
	ctx := context.Background()

	rollup := mustCreateField(t, fx.engine, fx.access, fx.projects.ID, FieldInput{
		Name: "Task total", Type: metadata.FieldRollup,
		Config: &metadata.FieldConfig{
			RelationFieldID: fx.tasksRel.ID,
			TargetFieldID:   fx.amount.ID,
			Aggregation:     string(AggSum),
		},
	})

	project := mustCreateRow(t, fx.engine, fx.access, fx.projects.ID, nil)
	t1 := fx.taskRow(t, "one", 10)
	t2 := fx.taskRow(t, "two", 5)
	if _, err := fx.engine.UpdateCell(ctx, fx.access, fx.projects.ID, project.ID, fx.tasksRel.ID, []string{t1.ID, t2.ID}); err != nil {
		t.Fatalf("link tasks: %v", err)
	}
	if got := reloadRow(t, fx.engine, project.ID).Data[rollup.ID]; got != 15.0 {
		t.Fatalf("precondition: expected rollup 15, got %v", got)
	}

	result, err := fx.engine.BulkDuplicateRows(ctx, fx.access, fx.projects.ID, []string{project.ID})
	if err != nil {
		t.Fatalf("duplicate: %v", err)
	}
	if len(result.RowIDs) != 1 {
		t.Fatalf("expected 1 clone, got %+v", result)
	}

	// relation edges are not cloned, so a recompute would zero the rollup.
	// The clone must keep the value carried over from the source instead.
	clone := reloadRow(t, fx.engine, result.RowIDs[0])
	if got := clone.Data[rollup.ID]; got != 15.0 {
		t.Fatalf("expected snapshot 15, got %v", got)
	}
	if got := reloadRow(t, fx.engine, project.ID).Data[rollup.ID]; got != 15.0 {
		t.Fatalf("source rollup disturbed: %v", got)
	}
}

func TestBulkDeleteRows_PrunesEdgesAndRecomputesRollups(t *testing.T) {
	fx := newRelationFixture(t, config.GridConfig{})
	ctx := context.Background()

	rollup := mustCreateField(t, fx.engine, fx.access, fx.projects.ID, FieldInput{
		Name: "Task count", Type: metadata.FieldRollup,
		Config: &metadata.FieldConfig{
			RelationFieldID: fx.tasksRel.ID,
			Aggregation:     string(AggCount),
		},
	})

	project := mustCreateRow(t, fx.engine, fx.access, fx.projects.ID, nil)
	t1 := fx.taskRow(t, "doomed", 1)
	t2 := fx.taskRow(t, "survivor", 2)
	if _, err := fx.engine.UpdateCell(ctx, fx.access, fx.projects.ID, project.ID, fx.tasksRel.ID, []string{t1.ID, t2.ID}); err != nil {
		t.Fatalf("link: %v", err)
	}
	if got := reloadRow(t, fx.engine, project.ID).Data[rollup.ID]; got != 2.0 {
		t.Fatalf("precondition: expected count 2, got %v", got)
	}

	taskAccess := &Access{UserID: fx.access.UserID, Table: fx.tasks, Role: fx.access.Role}
	result, err := fx.engine.BulkDeleteRows(ctx, taskAccess, fx.tasks.ID, []string{t1.ID})
	if err != nil {
		t.Fatalf("bulk delete: %v", err)
	}
	if len(result.RowIDs) != 1 {
		t.Fatalf("expected 1 deleted, got %+v", result)
	}

	after := reloadRow(t, fx.engine, project.ID)
	cached := cachedIDs(after, fx.tasksRel.ID)
	if len(cached) != 1 || cached[0] != t2.ID {
		t.Fatalf("cached array not pruned: %v", cached)
	}
	if after.Data[rollup.ID] != 1.0 {
		t.Fatalf("rollup not recomputed after delete: %v", after.Data[rollup.ID])
	}
}
