package store

import (
	"fmt"
	"strings"
)

// PostgresDialect implements Dialect for PostgreSQL via pgx/stdlib.
type PostgresDialect struct{}

func (d *PostgresDialect) Name() string       { return "postgres" }
func (d *PostgresDialect) DriverName() string { return "pgx" }

func (d *PostgresDialect) Placeholder(index int) string {
	return fmt.Sprintf("$%d", index)
}

func (d *PostgresDialect) NewParamBuilder() ParamBuilder {
	return &pgParamBuilder{}
}

func (d *PostgresDialect) NowExpr() string       { return "now()" }
func (d *PostgresDialect) NeedsBoolFix() bool    { return false }
func (d *PostgresDialect) SupportsBulkRPC() bool { return true }

func (d *PostgresDialect) BulkRPCSQL() string {
	return "SELECT grid_bulk_rows($1, $2, $3) AS result"
}

func (d *PostgresDialect) InExpr(field string, pb ParamBuilder, values []any) string {
	ph := pb.Add(values)
	return fmt.Sprintf("%s = ANY(%s)", field, ph)
}

func (d *PostgresDialect) IntervalDeleteExpr(createdAtCol string, pb ParamBuilder, days string) string {
	ph := pb.Add(days)
	return fmt.Sprintf("%s < now() - (%s || ' days')::interval", createdAtCol, ph)
}

func (d *PostgresDialect) MapError(err error) error {
	if err == nil {
		return nil
	}
	// With pgx/stdlib, the underlying error message includes the PG code
	errStr := err.Error()
	if strings.Contains(errStr, "23505") || strings.Contains(errStr, "unique constraint") || strings.Contains(errStr, "duplicate key") {
		return fmt.Errorf("%w: %w", ErrUniqueViolation, err)
	}
	return err
}

func (d *PostgresDialect) SystemTablesSQL() string {
	return pgSystemTablesSQL + pgBulkProcedureSQL
}

const pgSystemTablesSQL = `
CREATE TABLE IF NOT EXISTS _workspaces (
    id          UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    name        TEXT NOT NULL,
    created_at  TIMESTAMPTZ DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS _users (
    id            UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    email         TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL,
    active        BOOLEAN DEFAULT true,
    created_at    TIMESTAMPTZ DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS _workspace_members (
    workspace_id UUID NOT NULL REFERENCES _workspaces(id) ON DELETE CASCADE,
    user_id      UUID NOT NULL REFERENCES _users(id) ON DELETE CASCADE,
    role         TEXT NOT NULL DEFAULT 'member',
    created_at   TIMESTAMPTZ DEFAULT NOW(),
    PRIMARY KEY (workspace_id, user_id)
);

CREATE TABLE IF NOT EXISTS _tables (
    id           UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    workspace_id UUID NOT NULL REFERENCES _workspaces(id) ON DELETE CASCADE,
    name         TEXT NOT NULL,
    created_at   TIMESTAMPTZ DEFAULT NOW(),
    updated_at   TIMESTAMPTZ DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS _fields (
    id          UUID PRIMARY KEY DEFAULT gen_random_uuid(),
    table_id    UUID NOT NULL REFERENCES _tables(id) ON DELETE CASCADE,
    name        TEXT NOT NULL,
    type        TEXT NOT NULL,
    config      JSONB NOT NULL DEFAULT '{}',
    order_key   DOUBLE PRECISION NOT NULL DEFAULT 0,
    is_primary  BOOLEAN NOT NULL DEFAULT false,
    created_at  TIMESTAMPTZ DEFAULT NOW(),
    updated_at  TIMESTAMPTZ DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_fields_table ON _fields(table_id);

CREATE TABLE IF NOT EXISTS _rows (
    id                 UUID PRIMARY KEY,
    table_id           UUID NOT NULL REFERENCES _tables(id) ON DELETE CASCADE,
    data               JSONB NOT NULL DEFAULT '{}',
    order_key          DOUBLE PRECISION NOT NULL DEFAULT 0,
    source_entity_id   TEXT,
    source_entity_type TEXT,
    sync_mode          TEXT,
    created_at         TIMESTAMPTZ DEFAULT NOW(),
    updated_at         TIMESTAMPTZ DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_rows_table ON _rows(table_id, order_key);

CREATE TABLE IF NOT EXISTS _row_links (
    id         UUID PRIMARY KEY,
    from_table UUID NOT NULL,
    from_field UUID NOT NULL,
    from_row   UUID NOT NULL,
    to_table   UUID NOT NULL,
    to_row     UUID NOT NULL,
    created_at TIMESTAMPTZ DEFAULT NOW()
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_row_links_edge ON _row_links(from_field, from_row, to_row);
CREATE INDEX IF NOT EXISTS idx_row_links_to ON _row_links(to_row);

CREATE TABLE IF NOT EXISTS _events (
    id             BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
    trace_id       TEXT,
    span_id        TEXT,
    parent_span_id TEXT,
    event_type     TEXT,
    source         TEXT,
    component      TEXT,
    action         TEXT,
    entity         TEXT,
    record_id      TEXT,
    user_id        TEXT,
    duration_ms    DOUBLE PRECISION,
    status         TEXT,
    metadata       JSONB,
    created_at     TIMESTAMPTZ DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_events_created ON _events(created_at);
`

// pgBulkProcedureSQL installs the atomic bulk fast path. The local strategy
// must produce the same end state when this procedure is unavailable.
const pgBulkProcedureSQL = `
CREATE OR REPLACE FUNCTION grid_bulk_rows(op TEXT, tbl UUID, payload JSONB)
RETURNS JSONB AS $fn$
DECLARE
    affected INT := 0;
BEGIN
    IF op = 'upsert' THEN
        INSERT INTO _rows (id, table_id, data, order_key)
        SELECT (r->>'id')::uuid, tbl, COALESCE(r->'data', '{}'::jsonb), COALESCE((r->>'order_key')::float8, 0)
        FROM jsonb_array_elements(payload) AS r
        ON CONFLICT (id) DO UPDATE
            SET data = EXCLUDED.data,
                order_key = EXCLUDED.order_key,
                updated_at = NOW();
        GET DIAGNOSTICS affected = ROW_COUNT;
    ELSIF op = 'delete' THEN
        DELETE FROM _row_links
        WHERE to_row IN (SELECT (jsonb_array_elements_text(payload))::uuid)
           OR from_row IN (SELECT (jsonb_array_elements_text(payload))::uuid);
        DELETE FROM _rows
        WHERE table_id = tbl
          AND id IN (SELECT (jsonb_array_elements_text(payload))::uuid);
        GET DIAGNOSTICS affected = ROW_COUNT;
    ELSE
        RAISE EXCEPTION 'grid_bulk_rows: unknown op %', op;
    END IF;
    RETURN jsonb_build_object('affected', affected);
END;
$fn$ LANGUAGE plpgsql;
`
