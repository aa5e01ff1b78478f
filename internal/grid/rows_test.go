package grid

import (
	"context"
	"testing"

	"github.com/pythagonacci/trakgrid/internal/config"
	"github.com/pythagonacci/trakgrid/internal/metadata"
)

func TestUpdateCell_RejectsReadOnlyFields(t *testing.T) {
	engine, access := newTestEngine(t, config.GridConfig{})
	ctx := context.Background()

	table := mustCreateTable(t, engine, "Orders")
	mustCreateField(t, engine, access, table.ID, FieldInput{Name: "Price", Type: metadata.FieldNumber})
	created := mustCreateField(t, engine, access, table.ID, FieldInput{Name: "Created", Type: metadata.FieldCreatedTime})
	total := mustCreateField(t, engine, access, table.ID, FieldInput{
		Name: "Total", Type: metadata.FieldFormula,
		Config: &metadata.FieldConfig{Formula: "Price", ReturnType: "number"},
	})

	row := mustCreateRow(t, engine, access, table.ID, nil)

	for _, fieldID := range []string{created.ID, total.ID} {
		_, err := engine.UpdateCell(ctx, access, table.ID, row.ID, fieldID, "forged")
		appErr, ok := err.(*AppError)
		if !ok || appErr.Code != "READ_ONLY_FIELD" {
			t.Fatalf("expected READ_ONLY_FIELD for %s, got %v", fieldID, err)
		}
	}
}

func TestCreateRow_StampsAutoFields(t *testing.T) {
	engine, access := newTestEngine(t, config.GridConfig{})

	table := mustCreateTable(t, engine, "Orders")
	created := mustCreateField(t, engine, access, table.ID, FieldInput{Name: "Created", Type: metadata.FieldCreatedTime})
	createdBy := mustCreateField(t, engine, access, table.ID, FieldInput{Name: "Author", Type: metadata.FieldCreatedBy})
	edited := mustCreateField(t, engine, access, table.ID, FieldInput{Name: "Edited", Type: metadata.FieldLastEditedTime})

	row := mustCreateRow(t, engine, access, table.ID, nil)

	if row.Data[created.ID] == nil || row.Data[edited.ID] == nil {
		t.Fatalf("timestamps not stamped: %v", row.Data)
	}
	if row.Data[createdBy.ID] != access.UserID {
		t.Fatalf("created_by expected %s, got %v", access.UserID, row.Data[createdBy.ID])
	}
}

func TestUpdateCell_KeepsCreatedStampRefreshesEdited(t *testing.T) {
	engine, access := newTestEngine(t, config.GridConfig{})
	ctx := context.Background()

	table := mustCreateTable(t, engine, "Orders")
	price := mustCreateField(t, engine, access, table.ID, FieldInput{Name: "Price", Type: metadata.FieldNumber})
	created := mustCreateField(t, engine, access, table.ID, FieldInput{Name: "Created", Type: metadata.FieldCreatedTime})
	editedBy := mustCreateField(t, engine, access, table.ID, FieldInput{Name: "Editor", Type: metadata.FieldLastEditedBy})

	row := mustCreateRow(t, engine, access, table.ID, nil)
	stamp := row.Data[created.ID]

	other := &Access{UserID: "second-user", Table: access.Table, Role: "member"}
	updated, err := engine.UpdateCell(ctx, other, table.ID, row.ID, price.ID, 1.0)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Data[created.ID] != stamp {
		t.Fatalf("created stamp changed on edit: %v -> %v", stamp, updated.Data[created.ID])
	}
	if updated.Data[editedBy.ID] != "second-user" {
		t.Fatalf("last_edited_by not refreshed: %v", updated.Data[editedBy.ID])
	}
}

func TestGetRow_WrongTableIsNotFound(t *testing.T) {
	engine, access := newTestEngine(t, config.GridConfig{})
	ctx := context.Background()

	a := mustCreateTable(t, engine, "A")
	b := mustCreateTable(t, engine, "B")
	mustCreateField(t, engine, access, a.ID, FieldInput{Name: "Name", Type: metadata.FieldText})

	row := mustCreateRow(t, engine, access, a.ID, nil)
	if _, err := engine.GetRow(ctx, access, b.ID, row.ID); err == nil {
		t.Fatal("expected not found for row fetched via wrong table")
	}
}
