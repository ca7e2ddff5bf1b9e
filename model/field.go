// Package model implements spec.md component C8: the declarative field
// model ConflictFreeUpdate caches and merges by. Grounded on
// original_source/phonon/fields.py's Field/SumField/DiffField/
// ListAppendField/SetAppendField hierarchy, replacing its operation-bound,
// subclass-per-behavior design with a small Field interface implemented by
// value types — idiomatic Go favors composition of concrete strategies over
// an inheritance chain for what's fundamentally four merge functions.
//
// Every field is cached into the resource's hash under
// "<field-name>" (or "<field-name>.<subfield>" for map-valued fields,
// matching ConflictFreeUpdate.cache()'s dotted-key flattening) rather than
// through Redis's native list/set types, so the field model stays within
// store.Store's existing hash primitives instead of widening that contract.
package model

import (
	"encoding/json"
	"sort"
)

// Field describes one piece of a ConflictFreeUpdate's document: how two
// observations of it combine (Merge) and, for list/set-shaped fields, how
// their cached wire representation parses back into a Go value.
type Field interface {
	// Name is the attribute name this field represents within a document.
	Name() string
	// Merge combines a freshly observed value with a previously cached one,
	// returning the field's new value. ConflictFreeUpdate never serializes
	// merges through a lock, so concurrent callers may apply them in any
	// order. Sum and SetAppend merges are commutative and associative; Diff,
	// ListAppend, WindowedList and ID results depend on which argument is
	// observed and which is cached.
	Merge(observed, cached any) any
	// Encode renders a value as the string stored in the resource hash.
	Encode(value any) (string, error)
	// Decode parses a hash value back into the field's Go representation.
	Decode(raw string) (any, error)
}

// Sum implements spec.md's Sum field: cached and merged by addition. Grounded
// on fields.py's SumField (operation=hincrby, merge=a+b).
type Sum struct{ FieldName string }

func (f Sum) Name() string { return f.FieldName }

func (f Sum) Merge(observed, cached any) any {
	return toInt64(observed) + toInt64(cached)
}

func (f Sum) Encode(value any) (string, error) { return encodeInt(value), nil }
func (f Sum) Decode(raw string) (any, error)   { return decodeInt(raw) }

// Diff implements spec.md's Diff field: cached and merged by subtraction.
// Grounded on fields.py's DiffField.
type Diff struct{ FieldName string }

func (f Diff) Name() string { return f.FieldName }

func (f Diff) Merge(observed, cached any) any {
	return toInt64(observed) - toInt64(cached)
}

func (f Diff) Encode(value any) (string, error) { return encodeInt(value), nil }
func (f Diff) Decode(raw string) (any, error)   { return decodeInt(raw) }

// ListAppend implements spec.md's ListAppend field: merge concatenates.
// Grounded on fields.py's ListAppendField (operation=rpush, merge=a+b).
type ListAppend struct{ FieldName string }

func (f ListAppend) Name() string { return f.FieldName }

func (f ListAppend) Merge(observed, cached any) any {
	return append(toSlice(cached), toSlice(observed)...)
}

func (f ListAppend) Encode(value any) (string, error) {
	b, err := json.Marshal(toSlice(value))
	return string(b), err
}

func (f ListAppend) Decode(raw string) (any, error) {
	if raw == "" {
		return []any{}, nil
	}
	var out []any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// SetAppend implements spec.md's SetAppend field: merge is set union.
// Grounded on fields.py's SetAppendField (operation=sadd, merge=union).
type SetAppend struct{ FieldName string }

func (f SetAppend) Name() string { return f.FieldName }

func (f SetAppend) Merge(observed, cached any) any {
	seen := map[string]struct{}{}
	var out []any
	for _, v := range append(toSlice(cached), toSlice(observed)...) {
		k := toStringKey(v)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return toStringKey(out[i]) < toStringKey(out[j]) })
	return out
}

func (f SetAppend) Encode(value any) (string, error) {
	b, err := json.Marshal(toSlice(value))
	return string(b), err
}

func (f SetAppend) Decode(raw string) (any, error) {
	if raw == "" {
		return []any{}, nil
	}
	var out []any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// WindowedList is a supplemented field (not present in fields.py): a
// bounded-length ListAppend variant, keeping only the most recent Max
// entries. Grounded on the same cache/merge shape as ListAppend, with
// truncation applied after merge — useful for "last N events" fields that
// would otherwise grow without bound across a long-lived aggregate.
type WindowedList struct {
	FieldName string
	Max       int
}

func (f WindowedList) Name() string { return f.FieldName }

func (f WindowedList) Merge(observed, cached any) any {
	merged := append(toSlice(cached), toSlice(observed)...)
	if f.Max > 0 && len(merged) > f.Max {
		merged = merged[len(merged)-f.Max:]
	}
	return merged
}

func (f WindowedList) Encode(value any) (string, error) {
	b, err := json.Marshal(toSlice(value))
	return string(b), err
}

func (f WindowedList) Decode(raw string) (any, error) {
	if raw == "" {
		return []any{}, nil
	}
	var out []any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ID is a supplemented field (not present in fields.py): a pass-through,
// last-write-wins field for attributes that identify a record rather than
// aggregate it (e.g. a denormalized display name). Merge always prefers the
// freshly observed value when present.
type ID struct{ FieldName string }

func (f ID) Name() string { return f.FieldName }

func (f ID) Merge(observed, cached any) any {
	if s, ok := observed.(string); ok && s != "" {
		return observed
	}
	return cached
}

func (f ID) Encode(value any) (string, error) {
	s, _ := value.(string)
	return s, nil
}

func (f ID) Decode(raw string) (any, error) { return raw, nil }
