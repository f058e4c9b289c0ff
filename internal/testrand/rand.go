// Copyright (C) 2024 Livetable Authors.
// See LICENSE for copying information.

package testrand

import (
	"math/rand"
	"time"

	"github.com/livetable/livetable/pkg/resource"
)

// Int63n returns, as an int64, a non-negative pseudo-random number in [0,n).
func Int63n(n int64) int64 {
	return rand.Int63n(n)
}

// Intn returns, as an int, a non-negative pseudo-random number in [0,n).
func Intn(n int) int {
	return rand.Intn(n)
}

const alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// String generates a random alphanumeric string of length n.
func String(n int) string {
	data := make([]byte, n)
	for i := range data {
		data[i] = alphabet[rand.Intn(len(alphabet))]
	}
	return string(data)
}

// Value generates a random scalar value of the given kind.
func Value(kind resource.Kind) resource.Value {
	switch kind {
	case resource.KindString:
		return resource.StringValue(String(1 + rand.Intn(12)))
	case resource.KindNumber:
		return resource.NumberValue(float64(rand.Intn(200)) - 100)
	case resource.KindBool:
		return resource.BoolValue(rand.Intn(2) == 0)
	case resource.KindTime:
		base := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
		return resource.TimeValue(base.Add(time.Duration(rand.Int63n(int64(365 * 24 * time.Hour)))))
	default:
		return resource.NullValue()
	}
}

// Record generates a random record matching the schema, with the given id.
// Roughly one in ten field values is null.
func Record(schema *resource.Schema, id string) resource.Record {
	record := resource.Record{schema.PrimaryKey: resource.StringValue(id)}
	for name, kind := range schema.Fields {
		if name == schema.PrimaryKey {
			continue
		}
		if rand.Intn(10) == 0 {
			record[name] = resource.NullValue()
			continue
		}
		record[name] = Value(kind)
	}
	return record
}
