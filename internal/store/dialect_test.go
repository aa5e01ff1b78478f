package store

import (
	"strings"
	"testing"
)

func TestParamBuilders(t *testing.T) {
	pg := (&PostgresDialect{}).NewParamBuilder()
	if ph := pg.Add("a"); ph != "$1" {
		t.Fatalf("postgres first placeholder: %s", ph)
	}
	if ph := pg.Add("b"); ph != "$2" {
		t.Fatalf("postgres second placeholder: %s", ph)
	}
	if pg.Count() != 2 || len(pg.Params()) != 2 {
		t.Fatalf("postgres param accounting: count=%d params=%v", pg.Count(), pg.Params())
	}

	lite := (&SQLiteDialect{}).NewParamBuilder()
	if ph := lite.Add("a"); ph != "?1" {
		t.Fatalf("sqlite first placeholder: %s", ph)
	}
	if ph := lite.Add("b"); ph != "?2" {
		t.Fatalf("sqlite second placeholder: %s", ph)
	}
}

func TestInExpr(t *testing.T) {
	pg := &PostgresDialect{}
	pb := pg.NewParamBuilder()
	expr := pg.InExpr("id", pb, []any{"x", "y"})
	if !strings.Contains(expr, "ANY") {
		t.Fatalf("postgres should use ANY, got %s", expr)
	}
	// the slice travels as one array parameter
	if pb.Count() != 1 {
		t.Fatalf("expected 1 array param, got %d", pb.Count())
	}

	lite := &SQLiteDialect{}
	pb = lite.NewParamBuilder()
	expr = lite.InExpr("id", pb, []any{"x", "y"})
	if expr != "id IN (?1, ?2)" {
		t.Fatalf("sqlite expansion wrong: %s", expr)
	}
	if pb.Count() != 2 {
		t.Fatalf("expected 2 params, got %d", pb.Count())
	}

	pb = lite.NewParamBuilder()
	if expr := lite.InExpr("id", pb, nil); expr != "1=0" {
		t.Fatalf("empty IN should be always-false, got %s", expr)
	}
}

func TestNewDialect(t *testing.T) {
	if got := NewDialect("postgres").Name(); got != "postgres" {
		t.Fatalf("postgres dialect: %s", got)
	}
	if got := NewDialect("sqlite").Name(); got != "sqlite" {
		t.Fatalf("sqlite dialect: %s", got)
	}
	// unknown drivers fall back to postgres
	if got := NewDialect("oracle").Name(); got != "postgres" {
		t.Fatalf("fallback dialect: %s", got)
	}
}

func TestSupportsBulkRPC(t *testing.T) {
	if !(&PostgresDialect{}).SupportsBulkRPC() {
		t.Fatal("postgres carries the bulk procedure")
	}
	if (&SQLiteDialect{}).SupportsBulkRPC() {
		t.Fatal("sqlite has no bulk procedure")
	}
}
