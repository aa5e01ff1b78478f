package metadata

import "testing"

func seedRegistry() *Registry {
	reg := NewRegistry()
	reg.Load(
		[]*Table{{ID: "t1", Name: "Projects"}, {ID: "t2", Name: "Tasks"}},
		[]*Field{
			{ID: "f-b", TableID: "t1", Name: "B", Type: FieldNumber, OrderKey: 2},
			{ID: "f-a", TableID: "t1", Name: "A", Type: FieldText, OrderKey: 1},
			{ID: "f-rel", TableID: "t1", Name: "Tasks", Type: FieldRelation, OrderKey: 3,
				Config: FieldConfig{RelatedTableID: "t2"}},
			{ID: "f-roll", TableID: "t1", Name: "Sum", Type: FieldRollup, OrderKey: 4,
				Config: FieldConfig{RelationFieldID: "f-rel", Aggregation: "sum"}},
			{ID: "f-other", TableID: "t2", Name: "X", Type: FieldText, OrderKey: 1},
		},
	)
	return reg
}

func TestFieldsForTable_SortedByOrderKey(t *testing.T) {
	reg := seedRegistry()
	fields := reg.FieldsForTable("t1")
	if len(fields) != 4 {
		t.Fatalf("expected 4 fields, got %d", len(fields))
	}
	if fields[0].ID != "f-a" || fields[1].ID != "f-b" {
		t.Fatalf("fields not sorted by order key: %v %v", fields[0].ID, fields[1].ID)
	}
}

func TestValidFieldIDs(t *testing.T) {
	reg := seedRegistry()
	ids := reg.ValidFieldIDs("t1")
	if !ids["f-a"] || ids["f-other"] {
		t.Fatalf("valid id set wrong: %v", ids)
	}
}

func TestRollupsUsingRelation(t *testing.T) {
	reg := seedRegistry()
	rollups := reg.RollupsUsingRelation("t1", "f-rel")
	if len(rollups) != 1 || rollups[0].ID != "f-roll" {
		t.Fatalf("expected f-roll, got %v", rollups)
	}
	if got := reg.RollupsUsingRelation("t1", "f-a"); len(got) != 0 {
		t.Fatalf("non-relation field should match nothing, got %v", got)
	}
}

func TestFieldTypeReadOnly(t *testing.T) {
	readOnly := []FieldType{FieldRollup, FieldFormula, FieldCreatedTime, FieldLastEditedTime, FieldCreatedBy, FieldLastEditedBy}
	for _, ft := range readOnly {
		if !ft.ReadOnly() {
			t.Fatalf("%s should be read-only", ft)
		}
	}
	for _, ft := range []FieldType{FieldText, FieldNumber, FieldRelation, FieldCheckbox} {
		if ft.ReadOnly() {
			t.Fatalf("%s should be writable", ft)
		}
	}
}
