// Copyright (C) 2024 Livetable Authors.
// See LICENSE for copying information.

package resource

import (
	"sort"
	"strings"
)

// ParseCatalog builds a catalog from decoded configuration, typically the
// resources section of the config file:
//
//	resources:
//	  tasks:
//	    table: tasks
//	    primaryKey: id
//	    fields:
//	      id: string
//	      score: number
//	    filterable: [score]
//	    relations:
//	      assignee: {resource: users, localField: assignee}
func ParseCatalog(raw map[string]interface{}) (*Catalog, error) {
	catalog := NewCatalog()

	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		section, ok := raw[name].(map[string]interface{})
		if !ok {
			return nil, Error.New("resource %q: expected a mapping", name)
		}
		schema, err := parseSchema(name, section)
		if err != nil {
			return nil, err
		}
		catalog.Add(schema)
	}
	return catalog, nil
}

func parseSchema(name string, section map[string]interface{}) (*Schema, error) {
	schema := &Schema{
		Name:   name,
		Table:  name,
		Fields: map[string]Kind{},
	}
	if table, ok := section["table"].(string); ok {
		schema.Table = table
	}

	primaryKey, ok := section["primarykey"].(string)
	if !ok {
		// viper lowercases keys, but plain yaml decoding does not
		primaryKey, ok = section["primaryKey"].(string)
	}
	if !ok {
		return nil, Error.New("resource %q: primaryKey is required", name)
	}
	schema.PrimaryKey = primaryKey

	fields, ok := section["fields"].(map[string]interface{})
	if !ok {
		return nil, Error.New("resource %q: fields is required", name)
	}
	for fieldName, rawKind := range fields {
		kindName, ok := rawKind.(string)
		if !ok {
			return nil, Error.New("resource %q: field %q: expected a kind name", name, fieldName)
		}
		kind, err := KindFromString(strings.ToLower(kindName))
		if err != nil {
			return nil, Error.New("resource %q: field %q: %v", name, fieldName, err)
		}
		schema.Fields[fieldName] = kind
	}
	if !schema.HasField(schema.PrimaryKey) {
		return nil, Error.New("resource %q: primary key %q is not a field", name, schema.PrimaryKey)
	}

	if rawFilterable, ok := section["filterable"].([]interface{}); ok {
		for _, rawField := range rawFilterable {
			fieldName, ok := rawField.(string)
			if !ok || !schema.HasField(fieldName) {
				return nil, Error.New("resource %q: filterable field %v is not declared", name, rawField)
			}
			schema.FilterableFields = append(schema.FilterableFields, fieldName)
		}
	}

	if rawRelations, ok := section["relations"].(map[string]interface{}); ok {
		schema.Relations = map[string]Relation{}
		for relName, rawRelation := range rawRelations {
			relSection, ok := rawRelation.(map[string]interface{})
			if !ok {
				return nil, Error.New("resource %q: relation %q: expected a mapping", name, relName)
			}
			relation := Relation{}
			relation.Resource, _ = relSection["resource"].(string)
			relation.LocalField, ok = relSection["localfield"].(string)
			if !ok {
				relation.LocalField, _ = relSection["localField"].(string)
			}
			if relation.Resource == "" || relation.LocalField == "" {
				return nil, Error.New("resource %q: relation %q needs resource and localField", name, relName)
			}
			if !schema.HasField(relation.LocalField) {
				return nil, Error.New("resource %q: relation %q: local field %q is not declared",
					name, relName, relation.LocalField)
			}
			schema.Relations[relName] = relation
		}
	}

	return schema, nil
}
