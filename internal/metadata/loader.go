package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/pythagonacci/trakgrid/internal/store"
)

// LoadAll reads all tables and fields from the database and populates the registry.
func LoadAll(ctx context.Context, s *store.Store, reg *Registry) error {
	tables, err := loadTables(ctx, s)
	if err != nil {
		return fmt.Errorf("load tables: %w", err)
	}

	fields, err := loadFields(ctx, s)
	if err != nil {
		return fmt.Errorf("load fields: %w", err)
	}

	reg.Load(tables, fields)
	log.Printf("Loaded %d tables, %d fields into registry", len(tables), len(fields))
	return nil
}

// Reload is an alias for LoadAll, called after field mutations.
func Reload(ctx context.Context, s *store.Store, reg *Registry) error {
	return LoadAll(ctx, s, reg)
}

func loadTables(ctx context.Context, s *store.Store) ([]*Table, error) {
	rows, err := store.QueryRows(ctx, s.DB, "SELECT id, workspace_id, name FROM _tables ORDER BY name")
	if err != nil {
		return nil, err
	}

	tables := make([]*Table, 0, len(rows))
	for _, row := range rows {
		tables = append(tables, &Table{
			ID:          asString(row["id"]),
			WorkspaceID: asString(row["workspace_id"]),
			Name:        asString(row["name"]),
		})
	}
	return tables, nil
}

func loadFields(ctx context.Context, s *store.Store) ([]*Field, error) {
	rows, err := store.QueryRows(ctx, s.DB,
		"SELECT id, table_id, name, type, config, order_key, is_primary FROM _fields ORDER BY table_id, order_key")
	if err != nil {
		return nil, err
	}
	store.NormalizeBooleans(s.Dialect, rows, []string{"is_primary"})

	fields := make([]*Field, 0, len(rows))
	for _, row := range rows {
		f := &Field{
			ID:      asString(row["id"]),
			TableID: asString(row["table_id"]),
			Name:    asString(row["name"]),
			Type:    FieldType(asString(row["type"])),
		}
		if v, ok := row["order_key"].(float64); ok {
			f.OrderKey = v
		}
		if v, ok := row["is_primary"].(bool); ok {
			f.Primary = v
		}
		if err := json.Unmarshal([]byte(asString(row["config"])), &f.Config); err != nil {
			log.Printf("WARN: skipping field %s (invalid config JSON): %v", f.ID, err)
			continue
		}
		fields = append(fields, f)
	}
	return fields, nil
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
