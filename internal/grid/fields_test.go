package grid

import (
	"context"
	"testing"

	"github.com/pythagonacci/trakgrid/internal/config"
	"github.com/pythagonacci/trakgrid/internal/metadata"
)

func TestCreateField_ValidatesConfig(t *testing.T) {
	engine, access := newTestEngine(t, config.GridConfig{})
	ctx := context.Background()
	table := mustCreateTable(t, engine, "Things")

	cases := []struct {
		name  string
		input FieldInput
	}{
		{"missing name", FieldInput{Type: metadata.FieldText}},
		{"unknown type", FieldInput{Name: "X", Type: metadata.FieldType("hologram")}},
		{"formula without expression", FieldInput{Name: "X", Type: metadata.FieldFormula}},
		{"rollup without relation", FieldInput{Name: "X", Type: metadata.FieldRollup, Config: &metadata.FieldConfig{Aggregation: "count"}}},
		{"relation without target", FieldInput{Name: "X", Type: metadata.FieldRelation}},
	}
	for _, tc := range cases {
		if _, err := engine.CreateField(ctx, access, table.ID, tc.input); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}

func TestCreateField_FormulaBackfillsExistingRows(t *testing.T) {
	engine, access := newTestEngine(t, config.GridConfig{})

	table := mustCreateTable(t, engine, "Orders")
	price := mustCreateField(t, engine, access, table.ID, FieldInput{Name: "Price", Type: metadata.FieldNumber})
	row := mustCreateRow(t, engine, access, table.ID, map[string]any{price.ID: 4.0})

	total := mustCreateField(t, engine, access, table.ID, FieldInput{
		Name: "Total", Type: metadata.FieldFormula,
		Config: &metadata.FieldConfig{Formula: "Price * 3", ReturnType: "number"},
	})

	if got := reloadRow(t, engine, row.ID).Data[total.ID]; got != 12.0 {
		t.Fatalf("existing row not backfilled, got %v", got)
	}
}

func TestUpdateField_FormulaChangeReextractsAndRecomputes(t *testing.T) {
	engine, access := newTestEngine(t, config.GridConfig{})
	ctx := context.Background()

	table := mustCreateTable(t, engine, "Orders")
	price := mustCreateField(t, engine, access, table.ID, FieldInput{Name: "Price", Type: metadata.FieldNumber})
	qty := mustCreateField(t, engine, access, table.ID, FieldInput{Name: "Qty", Type: metadata.FieldNumber})
	total := mustCreateField(t, engine, access, table.ID, FieldInput{
		Name: "Total", Type: metadata.FieldFormula,
		Config: &metadata.FieldConfig{Formula: "Price", ReturnType: "number"},
	})

	row := mustCreateRow(t, engine, access, table.ID, map[string]any{price.ID: 2.0, qty.ID: 5.0})

	if _, err := engine.UpdateField(ctx, access, total.ID, FieldInput{
		Config: &metadata.FieldConfig{Formula: "Price * Qty", ReturnType: "number"},
	}); err != nil {
		t.Fatalf("update field: %v", err)
	}

	fresh := engine.Registry().GetField(total.ID)
	if len(fresh.Config.Dependencies) != 2 {
		t.Fatalf("dependencies not re-extracted: %v", fresh.Config.Dependencies)
	}
	if got := reloadRow(t, engine, row.ID).Data[total.ID]; got != 10.0 {
		t.Fatalf("rows not recomputed after formula change, got %v", got)
	}
}

func TestDeleteField_ScrubsRowData(t *testing.T) {
	engine, access := newTestEngine(t, config.GridConfig{})
	ctx := context.Background()

	table := mustCreateTable(t, engine, "Orders")
	price := mustCreateField(t, engine, access, table.ID, FieldInput{Name: "Price", Type: metadata.FieldNumber})
	total := mustCreateField(t, engine, access, table.ID, FieldInput{
		Name: "Total", Type: metadata.FieldFormula,
		Config: &metadata.FieldConfig{Formula: "Price * 2", ReturnType: "number"},
	})

	row := mustCreateRow(t, engine, access, table.ID, map[string]any{price.ID: 1.0})
	if _, ok := reloadRow(t, engine, row.ID).Data[total.ID+ComputedAtSuffix]; !ok {
		t.Fatal("precondition: computed timestamp missing")
	}

	if err := engine.DeleteField(ctx, access, total.ID); err != nil {
		t.Fatalf("delete field: %v", err)
	}

	after := reloadRow(t, engine, row.ID)
	if _, ok := after.Data[total.ID]; ok {
		t.Fatal("deleted field value still in row data")
	}
	// the companion timestamp is historical metadata and survives the scrub
	if _, ok := after.Data[total.ID+ComputedAtSuffix]; !ok {
		t.Fatal("computed timestamp should survive field deletion")
	}
	if engine.Registry().GetField(total.ID) != nil {
		t.Fatal("field still in registry")
	}
}

func TestDeleteField_RelationRemovesReverseAndEdges(t *testing.T) {
	fx := newRelationFixture(t, config.GridConfig{})
	ctx := context.Background()

	project := mustCreateRow(t, fx.engine, fx.access, fx.projects.ID, nil)
	task := fx.taskRow(t, "linked", 1)
	if _, err := fx.engine.SyncRelationLinks(ctx, fx.access, project.ID, fx.tasksRel.ID, []string{task.ID}); err != nil {
		t.Fatalf("link: %v", err)
	}

	reverseID := fx.tasksRel.Config.ReverseFieldID
	if err := fx.engine.DeleteField(ctx, fx.access, fx.tasksRel.ID); err != nil {
		t.Fatalf("delete relation: %v", err)
	}

	if fx.engine.Registry().GetField(reverseID) != nil {
		t.Fatal("reverse field survived relation delete")
	}
	if _, ok := reloadRow(t, fx.engine, task.ID).Data[reverseID]; ok {
		t.Fatal("reverse cached array survived relation delete")
	}
	links, err := fx.engine.inboundLinks(ctx, fx.engine.store.DB, []string{task.ID, project.ID})
	if err != nil {
		t.Fatalf("inbound links: %v", err)
	}
	if len(links) != 0 {
		t.Fatalf("edges survived relation delete: %v", links)
	}
}

func TestDeleteField_RelationMarksDependentRollupsStale(t *testing.T) {
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
	task := fx.taskRow(t, "only", 15)
	if _, err := fx.engine.UpdateCell(ctx, fx.access, fx.projects.ID, project.ID, fx.tasksRel.ID, []string{task.ID}); err != nil {
		t.Fatalf("link: %v", err)
	}
	if got := reloadRow(t, fx.engine, project.ID).Data[rollup.ID]; got != 15.0 {
		t.Fatalf("precondition: expected 15, got %v", got)
	}

	if err := fx.engine.DeleteField(ctx, fx.access, fx.tasksRel.ID); err != nil {
		t.Fatalf("delete relation: %v", err)
	}

	// the rollup now reads through a missing relation and must surface
	// the evaluation error instead of a stale number
	after := reloadRow(t, fx.engine, project.ID)
	if !IsErrorSentinel(after.Data[rollup.ID]) {
		t.Fatalf("expected sentinel after relation delete, got %v", after.Data[rollup.ID])
	}
}
