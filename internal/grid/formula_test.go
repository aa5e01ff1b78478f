package grid

import (
	"testing"

	"github.com/pythagonacci/trakgrid/internal/metadata"
)

func testFields() []*metadata.Field {
	return []*metadata.Field{
		{ID: "f-price", Name: "Price", Type: metadata.FieldNumber, OrderKey: 1},
		{ID: "f-qty", Name: "Qty", Type: metadata.FieldNumber, OrderKey: 2},
		{ID: "f-name", Name: "Name", Type: metadata.FieldText, OrderKey: 3},
	}
}

func TestEvaluate_BindsByFieldName(t *testing.T) {
	eval := NewExprEvaluator()
	row := map[string]any{"f-price": 2.5, "f-qty": 4.0}

	got, err := eval.Evaluate("Price * Qty", row, testFields())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if got != 10.0 {
		t.Fatalf("expected 10, got %v", got)
	}
}

func TestEvaluate_UndefinedVariablesAreNil(t *testing.T) {
	eval := NewExprEvaluator()

	got, err := eval.Evaluate("Missing == nil", map[string]any{}, testFields())
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if got != true {
		t.Fatalf("undefined variable should bind nil, got %v", got)
	}
}

func TestEvaluate_CompileError(t *testing.T) {
	eval := NewExprEvaluator()

	if _, err := eval.Evaluate("Price *", map[string]any{}, testFields()); err == nil {
		t.Fatal("expected compile error")
	}
}

func TestExtractDependencies(t *testing.T) {
	eval := NewExprEvaluator()

	deps := eval.ExtractDependencies("Qty > 0 ? Price * Qty : 0", testFields())
	// returned in field order, not appearance order
	if len(deps) != 2 || deps[0] != "f-price" || deps[1] != "f-qty" {
		t.Fatalf("expected [f-price f-qty], got %v", deps)
	}
}

func TestExtractDependencies_ParseFailureYieldsNil(t *testing.T) {
	eval := NewExprEvaluator()

	if deps := eval.ExtractDependencies("((", testFields()); deps != nil {
		t.Fatalf("expected nil for unparseable expression, got %v", deps)
	}
}

func TestDependsOn_EmptyMeansAlways(t *testing.T) {
	f := &metadata.Field{Type: metadata.FieldFormula}
	if !f.DependsOn("anything") {
		t.Fatal("empty dependency list must recompute on every change")
	}

	f.Config.Dependencies = []string{"f-price"}
	if !f.DependsOn("f-price") {
		t.Fatal("expected dependency hit")
	}
	if f.DependsOn("f-name") {
		t.Fatal("expected dependency miss")
	}
}

func TestCoerceReturnType(t *testing.T) {
	if got := CoerceReturnType("12.5", "number"); got != 12.5 {
		t.Fatalf("number coercion: got %v", got)
	}
	if got := CoerceReturnType("not a number", "number"); got != nil {
		t.Fatalf("bad number should coerce to nil, got %v", got)
	}
	if got := CoerceReturnType(0.0, "boolean"); got != false {
		t.Fatalf("zero should be falsy, got %v", got)
	}
	if got := CoerceReturnType("x", "boolean"); got != true {
		t.Fatalf("non-empty string should be truthy, got %v", got)
	}
	if got := CoerceReturnType("2026-03-01", "date"); got != "2026-03-01T00:00:00Z" {
		t.Fatalf("date coercion: got %v", got)
	}
	if got := CoerceReturnType("never", "date"); got != nil {
		t.Fatalf("bad date should coerce to nil, got %v", got)
	}
	if got := CoerceReturnType([]any{1}, "text"); got == nil {
		t.Fatal("unknown return type should pass value through")
	}
}

func TestErrorSentinel(t *testing.T) {
	if !IsErrorSentinel("#ERROR") {
		t.Fatal("bare sentinel not recognized")
	}
	if !IsErrorSentinel("#ERROR: division by zero") {
		t.Fatal("sentinel with message not recognized")
	}
	if IsErrorSentinel("no error here") {
		t.Fatal("plain string misclassified")
	}
	if IsErrorSentinel(nil) {
		t.Fatal("nil misclassified")
	}
}
