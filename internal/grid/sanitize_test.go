package grid

import "testing"

func TestSanitizeRowData_DropsUnknownKeys(t *testing.T) {
	valid := map[string]bool{"f1": true, "f2": true}
	data := map[string]any{
		"f1":      "keep",
		"f2":      42.0,
		"f3":      "stale column",
		"__proto": "junk",
	}

	cleaned := SanitizeRowData(data, valid)
	if len(cleaned) != 2 {
		t.Fatalf("expected 2 keys, got %d: %v", len(cleaned), cleaned)
	}
	if cleaned["f1"] != "keep" || cleaned["f2"] != 42.0 {
		t.Fatalf("valid keys mangled: %v", cleaned)
	}
}

func TestSanitizeRowData_KeepsComputedTimestamps(t *testing.T) {
	valid := map[string]bool{"f1": true}
	data := map[string]any{
		"f1":              10.0,
		"f1_computed_at":  "2026-01-01T00:00:00Z",
		"f99_computed_at": "2026-01-01T00:00:00Z",
		"f99":             "dropped",
	}

	cleaned := SanitizeRowData(data, valid)
	if _, ok := cleaned["f1_computed_at"]; !ok {
		t.Fatal("timestamp key for valid field dropped")
	}
	// timestamp keys survive even when their field is gone; the scrub on
	// field delete removes them explicitly
	if _, ok := cleaned["f99_computed_at"]; !ok {
		t.Fatal("timestamp suffix keys must be preserved")
	}
	if _, ok := cleaned["f99"]; ok {
		t.Fatal("unknown field survived sanitize")
	}
}

func TestSanitizeRowData_NilInput(t *testing.T) {
	cleaned := SanitizeRowData(nil, map[string]bool{"f1": true})
	if cleaned == nil {
		t.Fatal("expected empty map for nil input")
	}
	if len(cleaned) != 0 {
		t.Fatalf("expected empty map, got %v", cleaned)
	}
}
