// Package merge reconciles a stored entity with a freshly scraped version of
// the same entity. The rules are commutative and idempotent so concurrent
// drivers observing the same relationship from both ends converge on the same
// end state regardless of write order, and a partial scrape never regresses a
// richer stored record.
package merge

import (
	"fmt"
	"reflect"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ListKey configures element correlation for a list-of-object field.
type ListKey struct {
	Primary  string
	Fallback string
}

// Options tunes merging for a particular entity type.
type Options struct {
	// SkipFields are never merged (bookkeeping fields owned by the pipeline).
	SkipFields []string
	// ListKeys maps list-of-object field names to their correlation keys.
	// Matched elements have sub-fields unioned non-empty-wins; unmatched
	// incoming elements are appended; existing elements are never removed.
	ListKeys map[string]ListKey
}

func (o Options) skipped(field string) bool {
	if field == "_id" {
		return true
	}
	for _, f := range o.SkipFields {
		if f == field {
			return true
		}
	}
	return false
}

// Merge computes the update set that reconciles existing with incoming.
// Incoming values win only when non-empty; an empty incoming value never
// overwrites a populated existing one. Returns nil when nothing would change,
// which callers use to skip the write entirely.
func Merge(existing, incoming bson.M, opts Options) (bson.M, error) {
	incoming, err := normalize(incoming)
	if err != nil {
		return nil, err
	}
	if len(existing) == 0 {
		updates := bson.M{}
		for field, value := range incoming {
			if !opts.skipped(field) {
				updates[field] = value
			}
		}
		if len(updates) == 0 {
			return nil, nil
		}
		return updates, nil
	}
	existing, err = normalize(existing)
	if err != nil {
		return nil, err
	}

	updates := bson.M{}
	for field, value := range incoming {
		if opts.skipped(field) {
			continue
		}
		if key, keyed := opts.ListKeys[field]; keyed {
			merged, changed := mergeKeyedList(existing[field], value, key)
			if changed {
				updates[field] = merged
			}
			continue
		}
		if isEmpty(value) {
			continue
		}
		if !reflect.DeepEqual(existing[field], value) {
			updates[field] = value
		}
	}
	if len(updates) == 0 {
		return nil, nil
	}
	return updates, nil
}

// mergeKeyedList unions two lists of documents by correlation key. Existing
// element order is preserved; new elements append in incoming order.
func mergeKeyedList(existingVal, incomingVal any, key ListKey) (primitive.A, bool) {
	existingList := asDocList(existingVal)
	incomingList := asDocList(incomingVal)

	merged := make(primitive.A, 0, len(existingList)+len(incomingList))
	index := make(map[string]bson.M, len(existingList))
	for _, elem := range existingList {
		cp := bson.M{}
		for k, v := range elem {
			cp[k] = v
		}
		merged = append(merged, cp)
		if k := elemKey(cp, key); k != "" {
			index[k] = cp
		}
	}

	for _, elem := range incomingList {
		k := elemKey(elem, key)
		if k == "" {
			continue
		}
		target, ok := index[k]
		if !ok {
			cp := bson.M{}
			for fk, fv := range elem {
				cp[fk] = fv
			}
			merged = append(merged, cp)
			index[k] = cp
			continue
		}
		for fk, fv := range elem {
			if isEmpty(fv) {
				continue
			}
			if !reflect.DeepEqual(target[fk], fv) {
				target[fk] = fv
			}
		}
	}

	changed := !reflect.DeepEqual(asComparable(existingVal), asComparable(merged)) ||
		(existingVal == nil && incomingVal != nil)
	return merged, changed
}

func elemKey(elem bson.M, key ListKey) string {
	if v, ok := elem[key.Primary].(string); ok && v != "" {
		return v
	}
	if key.Fallback != "" {
		if v, ok := elem[key.Fallback].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func asDocList(v any) []bson.M {
	arr, ok := v.(primitive.A)
	if !ok {
		return nil
	}
	out := make([]bson.M, 0, len(arr))
	for _, item := range arr {
		if m, ok := item.(bson.M); ok {
			out = append(out, m)
		}
	}
	return out
}

func asComparable(v any) primitive.A {
	if v == nil {
		return primitive.A{}
	}
	if arr, ok := v.(primitive.A); ok {
		return arr
	}
	return primitive.A{}
}

// isEmpty reports whether a value carries no information: nil, empty string,
// or zero-length list. Zero numbers are deliberately not empty; a scraped
// zero count is a real observation.
func isEmpty(v any) bool {
	switch tv := v.(type) {
	case nil:
		return true
	case string:
		return tv == ""
	case primitive.A:
		return len(tv) == 0
	case bson.M:
		return len(tv) == 0
	}
	return false
}

// normalize round-trips a document through bson so both sides of a merge use
// identical value representations (primitive.A lists, bson.M sub-documents).
func normalize(doc bson.M) (bson.M, error) {
	if doc == nil {
		return nil, nil
	}
	raw, err := bson.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("normalize document: %w", err)
	}
	var out bson.M
	if err := bson.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("normalize document: %w", err)
	}
	return out, nil
}

// ToDoc converts a typed entity into the map form Merge operates on.
func ToDoc(entity any) (bson.M, error) {
	raw, err := bson.Marshal(entity)
	if err != nil {
		return nil, fmt.Errorf("encode entity: %w", err)
	}
	var out bson.M
	if err := bson.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode entity: %w", err)
	}
	return out, nil
}
