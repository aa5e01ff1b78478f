package metadata

import (
	"sort"
	"sync"
)

// Registry is the in-memory view of workspace tables and their fields.
// Loaded at startup and reloaded after field mutations.
type Registry struct {
	mu            sync.RWMutex
	tables        map[string]*Table
	fieldsByTable map[string][]*Field
	fieldsByID    map[string]*Field
}

func NewRegistry() *Registry {
	return &Registry{
		tables:        make(map[string]*Table),
		fieldsByTable: make(map[string][]*Field),
		fieldsByID:    make(map[string]*Field),
	}
}

// GetTable returns the table with the given id, or nil.
func (r *Registry) GetTable(id string) *Table {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tables[id]
}

// GetField returns the field with the given id, or nil.
func (r *Registry) GetField(id string) *Field {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fieldsByID[id]
}

// FieldsForTable returns the fields of a table ordered by order key.
func (r *Registry) FieldsForTable(tableID string) []*Field {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fieldsByTable[tableID]
}

// ValidFieldIDs returns the set of live field ids for a table.
func (r *Registry) ValidFieldIDs(tableID string) map[string]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make(map[string]bool, len(r.fieldsByTable[tableID]))
	for _, f := range r.fieldsByTable[tableID] {
		ids[f.ID] = true
	}
	return ids
}

// RelationFields returns all relation fields of a table.
func (r *Registry) RelationFields(tableID string) []*Field {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var fields []*Field
	for _, f := range r.fieldsByTable[tableID] {
		if f.Type == FieldRelation {
			fields = append(fields, f)
		}
	}
	return fields
}

// RollupsUsingRelation returns the rollup fields of a table that read through
// the given relation field.
func (r *Registry) RollupsUsingRelation(tableID, relationFieldID string) []*Field {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var fields []*Field
	for _, f := range r.fieldsByTable[tableID] {
		if f.Type == FieldRollup && f.Config.RelationFieldID == relationFieldID {
			fields = append(fields, f)
		}
	}
	return fields
}

// AllTables returns all registered tables.
func (r *Registry) AllTables() []*Table {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tables := make([]*Table, 0, len(r.tables))
	for _, t := range r.tables {
		tables = append(tables, t)
	}
	return tables
}

// Load replaces all tables and fields in the registry.
func (r *Registry) Load(tables []*Table, fields []*Field) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tables = make(map[string]*Table, len(tables))
	for _, t := range tables {
		r.tables[t.ID] = t
	}

	r.fieldsByTable = make(map[string][]*Field)
	r.fieldsByID = make(map[string]*Field, len(fields))
	for _, f := range fields {
		r.fieldsByID[f.ID] = f
		r.fieldsByTable[f.TableID] = append(r.fieldsByTable[f.TableID], f)
	}
	for _, tableFields := range r.fieldsByTable {
		sort.SliceStable(tableFields, func(i, j int) bool {
			return tableFields[i].OrderKey < tableFields[j].OrderKey
		})
	}
}
