package grid

import (
	"testing"

	"github.com/pythagonacci/trakgrid/internal/metadata"
)

func TestAggregate_NumericKinds(t *testing.T) {
	values := []any{2.0, 4.0, nil, "6", "x"}

	cases := []struct {
		kind AggregationKind
		want any
	}{
		{AggSum, 12.0},
		{AggAverage, 4.0},
		{AggCount, 5.0},
		{AggCountValues, 4.0},
		{AggCountEmpty, 1.0},
		{AggMin, 2.0},
		{AggMax, 6.0},
		{AggRange, 4.0},
	}
	for _, tc := range cases {
		got := Aggregate(values, tc.kind)
		if got != tc.want {
			t.Fatalf("%s: expected %v, got %v", tc.kind, tc.want, got)
		}
	}
}

func TestAggregate_EmptyInput(t *testing.T) {
	if got := Aggregate(nil, AggSum); got != 0.0 {
		t.Fatalf("sum of nothing should be 0, got %v", got)
	}
	for _, kind := range []AggregationKind{AggAverage, AggMedian, AggMin, AggMax, AggRange} {
		if got := Aggregate(nil, kind); got != nil {
			t.Fatalf("%s of nothing should be nil, got %v", kind, got)
		}
	}
	if got := Aggregate(nil, AggPercentEmpty); got != 0.0 {
		t.Fatalf("percent_empty of nothing should be 0, got %v", got)
	}
}

func TestAggregate_PercentKindsRound(t *testing.T) {
	values := []any{nil, 1.0, 2.0, nil}
	if got := Aggregate(values, AggPercentEmpty); got != 50.0 {
		t.Fatalf("percent_empty: expected 50, got %v", got)
	}
	if got := Aggregate(values, AggPercentNotEmpty); got != 50.0 {
		t.Fatalf("percent_not_empty: expected 50, got %v", got)
	}

	// 1 of 3 empty rounds to the nearest integer
	values = []any{nil, 1.0, 2.0}
	if got := Aggregate(values, AggPercentEmpty); got != 33.0 {
		t.Fatalf("percent_empty: expected 33, got %v", got)
	}
}

func TestAggregate_Median(t *testing.T) {
	if got := Aggregate([]any{5.0, 1.0, 3.0}, AggMedian); got != 3.0 {
		t.Fatalf("odd median: expected 3, got %v", got)
	}
	// even count averages the middle pair
	if got := Aggregate([]any{1.0, 2.0, 3.0, 10.0}, AggMedian); got != 2.5 {
		t.Fatalf("even median: expected 2.5, got %v", got)
	}
}

func TestAggregate_CheckboxKinds(t *testing.T) {
	values := []any{true, false, nil, true}

	if got := Aggregate(values, AggChecked); got != 2.0 {
		t.Fatalf("checked: expected 2, got %v", got)
	}
	// unchecked counts explicit false and empty cells alike
	if got := Aggregate(values, AggUnchecked); got != 2.0 {
		t.Fatalf("unchecked: expected 2, got %v", got)
	}
	if got := Aggregate(values, AggPercentChecked); got != 50.0 {
		t.Fatalf("percent_checked: expected 50, got %v", got)
	}
}

func TestAggregate_DateKinds(t *testing.T) {
	values := []any{"2026-03-10", "2026-03-01", nil, "2026-03-05"}

	if got := Aggregate(values, AggEarliestDate); got != "2026-03-01T00:00:00Z" {
		t.Fatalf("earliest_date: expected 2026-03-01T00:00:00Z, got %v", got)
	}
	if got := Aggregate(values, AggLatestDate); got != "2026-03-10T00:00:00Z" {
		t.Fatalf("latest_date: expected 2026-03-10T00:00:00Z, got %v", got)
	}
	if got := Aggregate(values, AggDateRange); got != 9.0 {
		t.Fatalf("date_range: expected 9 days, got %v", got)
	}
}

func TestAggregate_ShowKinds(t *testing.T) {
	values := []any{"a", "b", nil, "a", 3.0}

	if got := Aggregate(values, AggShowOriginal); got != "a, b, a, 3" {
		t.Fatalf("show_original: got %v", got)
	}
	if got := Aggregate(values, AggShowUnique); got != "a, b, 3" {
		t.Fatalf("show_unique: got %v", got)
	}
	if got := Aggregate(values, AggCountUnique); got != 3.0 {
		t.Fatalf("count_unique: expected 3, got %v", got)
	}
}

func TestAggregate_UnknownKind(t *testing.T) {
	if got := Aggregate([]any{1.0}, AggregationKind("bogus")); got != nil {
		t.Fatalf("unknown kind should yield nil, got %v", got)
	}
}

func TestMatchesFilter(t *testing.T) {
	cases := []struct {
		name   string
		value  any
		filter metadata.RollupFilter
		want   bool
	}{
		{"equals hit", "done", metadata.RollupFilter{Operator: "equals", Value: "done"}, true},
		{"equals numeric string", "5", metadata.RollupFilter{Operator: "equals", Value: 5.0}, true},
		{"not_equals", "open", metadata.RollupFilter{Operator: "not_equals", Value: "done"}, true},
		{"contains", "hello world", metadata.RollupFilter{Operator: "contains", Value: "world"}, true},
		{"not_contains miss", "hello", metadata.RollupFilter{Operator: "not_contains", Value: "hello"}, false},
		{"greater_than", 10.0, metadata.RollupFilter{Operator: "greater_than", Value: 5.0}, true},
		{"less_than equal boundary", 5.0, metadata.RollupFilter{Operator: "less_than", Value: 5.0}, false},
		{"greater_or_equal boundary", 5.0, metadata.RollupFilter{Operator: "greater_or_equal", Value: 5.0}, true},
		{"is_empty nil", nil, metadata.RollupFilter{Operator: "is_empty"}, true},
		{"is_empty blank string", "", metadata.RollupFilter{Operator: "is_empty"}, true},
		{"is_not_empty", "x", metadata.RollupFilter{Operator: "is_not_empty"}, true},
	}
	for _, tc := range cases {
		if got := MatchesFilter(tc.value, &tc.filter); got != tc.want {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
	}
}

func TestStringifyValue_IntegralFloats(t *testing.T) {
	if got := stringifyValue(3.0); got != "3" {
		t.Fatalf("expected 3, got %s", got)
	}
	if got := stringifyValue(3.5); got != "3.5" {
		t.Fatalf("expected 3.5, got %s", got)
	}
}
