package store

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/SileNt525/NMOS-Controller/api/schemas"
	"github.com/SileNt525/NMOS-Controller/internal/observability"
)

const subscriptionGroup = "subscription"

type skippedField struct {
	field  string
	reason string
}

// patchable is the kind-independent face of a collection.
type patchable interface {
	has(id string) bool
	patch(id string, fields map[string]any) (applied []string, created bool, skipped []skippedField)
	carry(from patchable, id, field string) error
}

// collection is one ordered member set, keyed by ID.
type collection[T any] struct {
	kind   schemas.ResourceKind
	order  []string
	items  map[string]T
	idOf   func(T) string
	fields map[string]struct{}
}

func newCollection[T any](kind schemas.ResourceKind, idOf func(T) string) *collection[T] {
	var zero T
	return &collection[T]{
		kind:   kind,
		items:  make(map[string]T),
		idOf:   idOf,
		fields: jsonFieldNames(reflect.TypeOf(zero)),
	}
}

// loadCollection fills c from snapshot records. A repeated ID replaces the
// earlier record in its original position; records without an ID are dropped.
func loadCollection[T any](c *collection[T], records []T, log *zap.Logger) *collection[T] {
	for _, rec := range records {
		id := c.idOf(rec)
		if id == "" {
			log.Warn("Dropping snapshot record without id", observability.Kind(c.kind))
			continue
		}
		if _, dup := c.items[id]; dup {
			log.Debug("Duplicate id in snapshot, keeping the last record",
				observability.Kind(c.kind), zap.String("id", id))
		}
		c.put(id, rec)
	}
	return c
}

func (c *collection[T]) has(id string) bool {
	_, ok := c.items[id]
	return ok
}

func (c *collection[T]) get(id string) (T, bool) {
	rec, ok := c.items[id]
	return rec, ok
}

// put stores rec, appending id to the order only when it is new.
func (c *collection[T]) put(id string, rec T) {
	if _, ok := c.items[id]; !ok {
		c.order = append(c.order, id)
	}
	c.items[id] = rec
}

func (c *collection[T]) list() []T {
	out := make([]T, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.items[id])
	}
	return out
}

func (c *collection[T]) patch(id string, fields map[string]any) ([]string, bool, []skippedField) {
	rec, exists := c.items[id]
	base := map[string]any{"id": id}
	if exists {
		var err error
		if base, err = toMap(rec); err != nil {
			return nil, false, []skippedField{{field: "*", reason: err.Error()}}
		}
	}

	var applied []string
	var skipped []skippedField
	for _, key := range sortedKeys(fields) {
		if key == "id" {
			continue
		}
		if _, known := c.fields[key]; !known {
			skipped = append(skipped, skippedField{field: key, reason: "unknown field"})
			continue
		}
		candidate := cloneMap(base)
		setField(candidate, key, fields[key])
		var probe T
		if err := fromMap(candidate, &probe); err != nil {
			skipped = append(skipped, skippedField{field: key, reason: err.Error()})
			continue
		}
		base = candidate
		applied = append(applied, key)
	}

	if len(applied) == 0 && exists {
		return nil, false, skipped
	}
	var out T
	if err := fromMap(base, &out); err != nil {
		return nil, false, append(skipped, skippedField{field: "*", reason: err.Error()})
	}
	c.put(id, out)
	return applied, !exists, skipped
}

// carry copies one top-level field of record id from another collection of
// the same kind into this one.
func (c *collection[T]) carry(from patchable, id, field string) error {
	src, ok := from.(*collection[T])
	if !ok {
		return fmt.Errorf("collection kind mismatch")
	}
	old, ok := src.items[id]
	if !ok {
		return fmt.Errorf("%s %s not in previous state", c.kind, id)
	}
	cur, ok := c.items[id]
	if !ok {
		return fmt.Errorf("%s %s not in snapshot", c.kind, id)
	}

	oldMap, err := toMap(old)
	if err != nil {
		return err
	}
	curMap, err := toMap(cur)
	if err != nil {
		return err
	}
	if v, present := oldMap[field]; present {
		curMap[field] = v
	} else {
		delete(curMap, field)
	}

	var out T
	if err := fromMap(curMap, &out); err != nil {
		return err
	}
	c.items[id] = out
	return nil
}

// setField writes value under key. Nil clears the field; a map merges into an
// existing map one level deep so a partial subscription keeps its other keys.
func setField(m map[string]any, key string, value any) {
	if value == nil {
		delete(m, key)
		return
	}
	incoming, isMap := value.(map[string]any)
	existing, hadMap := m[key].(map[string]any)
	if !isMap || !hadMap {
		m[key] = value
		return
	}
	merged := cloneMap(existing)
	for k, v := range incoming {
		if v == nil {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}
	m[key] = merged
}

func toMap(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func fromMap(m map[string]any, out any) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// jsonFieldNames lists the JSON names of the exported fields of a struct type.
func jsonFieldNames(t reflect.Type) map[string]struct{} {
	names := make(map[string]struct{})
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name := f.Name
		if tag, ok := f.Tag.Lookup("json"); ok {
			if tag == "-" {
				continue
			}
			if n := strings.Split(tag, ",")[0]; n != "" {
				name = n
			}
		}
		names[name] = struct{}{}
	}
	return names
}
