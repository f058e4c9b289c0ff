// Copyright (C) 2024 Livetable Authors.
// See LICENSE for copying information.

package resource

import (
	"encoding/json"
	"sort"
)

// Relation declares a relation to another resource, loadable with the
// include parameter.
type Relation struct {
	// Resource is the related resource name.
	Resource string
	// LocalField holds the related record's primary key.
	LocalField string
}

// Schema declares a resource: its field names and kinds, the designated
// primary-key field and the backing SQL table.
type Schema struct {
	Name       string
	Table      string
	PrimaryKey string
	Fields     map[string]Kind

	// FilterableFields is an allow-list for filter expressions. Empty means
	// every declared field may be filtered on.
	FilterableFields []string

	// Relations maps include names to related resources.
	Relations map[string]Relation
}

// HasField reports whether the schema declares the field.
func (schema *Schema) HasField(name string) bool {
	_, ok := schema.Fields[name]
	return ok
}

// FieldKind returns the declared kind of the field.
func (schema *Schema) FieldKind(name string) (Kind, bool) {
	kind, ok := schema.Fields[name]
	return kind, ok
}

// Filterable reports whether filter expressions may reference the field.
func (schema *Schema) Filterable(name string) bool {
	if !schema.HasField(name) {
		return false
	}
	if len(schema.FilterableFields) == 0 {
		return true
	}
	for _, allowed := range schema.FilterableFields {
		if allowed == name {
			return true
		}
	}
	return false
}

// FieldNames returns the declared field names in stable order.
func (schema *Schema) FieldNames() []string {
	names := make([]string, 0, len(schema.Fields))
	for name := range schema.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Record is a mapping from field name to scalar value.
type Record map[string]Value

// ID returns the record's primary key as its opaque string form.
func (record Record) ID(schema *Schema) string {
	return record[schema.PrimaryKey].Text()
}

// Clone returns a copy of the record.
func (record Record) Clone() Record {
	if record == nil {
		return nil
	}
	out := make(Record, len(record))
	for name, value := range record {
		out[name] = value
	}
	return out
}

// DecodeRecord converts a decoded JSON object into a Record, coercing values
// to the schema's declared kinds and rejecting undeclared fields.
func DecodeRecord(schema *Schema, raw map[string]interface{}) (Record, error) {
	record := make(Record, len(raw))
	for name, rawValue := range raw {
		kind, ok := schema.FieldKind(name)
		if !ok {
			return nil, Error.New("unknown field %q on resource %q", name, schema.Name)
		}
		value, err := FromInterface(rawValue)
		if err != nil {
			return nil, err
		}
		record[name] = value.Coerce(kind)
	}
	return record, nil
}

// DecodeRecordJSON parses a JSON object into a Record.
func DecodeRecordJSON(schema *Schema, data []byte) (Record, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, Error.Wrap(err)
	}
	return DecodeRecord(schema, raw)
}
