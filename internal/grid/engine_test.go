package grid

import (
	"context"
	"testing"

	"github.com/pythagonacci/trakgrid/internal/config"
	"github.com/pythagonacci/trakgrid/internal/metadata"
	"github.com/pythagonacci/trakgrid/internal/store"
)

// newTestEngine boots an in-memory sqlite store with the system tables and
// returns an engine plus an access grant for the seeded admin user.
func newTestEngine(t *testing.T, cfg config.GridConfig) (*Engine, *Access) {
	t.Helper()
	ctx := context.Background()

	s, err := store.New(ctx, config.DatabaseConfig{Driver: "sqlite", Name: ":memory:"})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(s.Close)

	if err := s.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	reg := metadata.NewRegistry()
	if err := metadata.LoadAll(ctx, s, reg); err != nil {
		t.Fatalf("load metadata: %v", err)
	}

	engine := NewEngine(s, reg, NewExprEvaluator(), cfg)

	user, err := store.QueryRow(ctx, s.DB, "SELECT id FROM _users LIMIT 1")
	if err != nil {
		t.Fatalf("seeded user missing: %v", err)
	}
	return engine, &Access{UserID: user["id"].(string), Role: "owner"}
}

func testWorkspaceID(t *testing.T, e *Engine) string {
	t.Helper()
	ws, err := store.QueryRow(context.Background(), e.store.DB, "SELECT id FROM _workspaces LIMIT 1")
	if err != nil {
		t.Fatalf("seeded workspace missing: %v", err)
	}
	return ws["id"].(string)
}

func mustCreateTable(t *testing.T, e *Engine, name string) *metadata.Table {
	t.Helper()
	table, err := e.CreateTable(context.Background(), testWorkspaceID(t, e), name)
	if err != nil {
		t.Fatalf("create table %s: %v", name, err)
	}
	return table
}

func mustCreateField(t *testing.T, e *Engine, access *Access, tableID string, input FieldInput) *metadata.Field {
	t.Helper()
	field, err := e.CreateField(context.Background(), access, tableID, input)
	if err != nil {
		t.Fatalf("create field %s: %v", input.Name, err)
	}
	return field
}

func mustCreateRow(t *testing.T, e *Engine, access *Access, tableID string, data map[string]any) *metadata.Row {
	t.Helper()
	row, err := e.CreateRow(context.Background(), access, tableID, data)
	if err != nil {
		t.Fatalf("create row: %v", err)
	}
	return row
}

// rawSetCell writes a cell value directly, bypassing the recompute pass.
// Tests use it to plant marker values and observe whether a pass touches them.
func rawSetCell(t *testing.T, e *Engine, rowID, fieldID string, value any) {
	t.Helper()
	ctx := context.Background()
	row, err := e.loadRow(ctx, e.store.DB, rowID)
	if err != nil {
		t.Fatalf("load row: %v", err)
	}
	row.Data[fieldID] = value
	if err := e.saveRowData(ctx, e.store.DB, row); err != nil {
		t.Fatalf("save row: %v", err)
	}
}

func reloadRow(t *testing.T, e *Engine, rowID string) *metadata.Row {
	t.Helper()
	row, err := e.loadRow(context.Background(), e.store.DB, rowID)
	if err != nil {
		t.Fatalf("reload row: %v", err)
	}
	return row
}
