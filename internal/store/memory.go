package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// MemoryStore is an in-process Store with the same semantics as the Mongo
// implementation: unique-key inserts, operator filters/updates, and an atomic
// FindOneAndUpdate. It backs tests and single-process development runs.
type MemoryStore struct {
	mu    sync.Mutex
	colls map[string]*memoryCollection
}

// NewMemory constructs an empty MemoryStore with the standard unique indexes.
func NewMemory() *MemoryStore {
	return &MemoryStore{colls: make(map[string]*memoryCollection)}
}

// Collection returns the named collection, creating it on first use.
func (s *MemoryStore) Collection(name string) Collection {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.colls[name]
	if !ok {
		c = &memoryCollection{uniqueKey: UniqueKeys[name]}
		s.colls[name] = c
	}
	return c
}

// Ping always succeeds for the in-memory store.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close(context.Context) error { return nil }

type memoryCollection struct {
	mu        sync.Mutex
	docs      []bson.M
	uniqueKey string
	seq       int64
}

const seqField = "_seq"

func (c *memoryCollection) InsertOne(_ context.Context, doc any) error {
	m, err := toBsonM(doc)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.insertLocked(m)
}

func (c *memoryCollection) insertLocked(m bson.M) error {
	if c.uniqueKey != "" {
		key := m[c.uniqueKey]
		for _, existing := range c.docs {
			if equalValues(existing[c.uniqueKey], key) {
				return ErrDuplicate
			}
		}
	}
	c.seq++
	m[seqField] = c.seq
	c.docs = append(c.docs, m)
	return nil
}

func (c *memoryCollection) UpsertOne(_ context.Context, filter M, update M) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, doc := range c.docs {
		if matches(doc, filter) {
			applyUpdate(doc, update, false)
			return nil
		}
	}
	fresh := bson.M{}
	for k, v := range filter {
		if !strings.HasPrefix(k, "$") {
			if _, op := v.(M); !op {
				fresh[k] = canonValue(v)
			}
		}
	}
	applyUpdate(fresh, update, true)
	return c.insertLocked(fresh)
}

func (c *memoryCollection) UpdateOne(_ context.Context, filter M, update M) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, doc := range c.docs {
		if matches(doc, filter) {
			return applyUpdate(doc, update, false), nil
		}
	}
	return false, nil
}

func (c *memoryCollection) FindOne(_ context.Context, filter M, out any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, doc := range c.docs {
		if matches(doc, filter) {
			return decodeDoc(doc, out)
		}
	}
	return ErrNotFound
}

func (c *memoryCollection) FindOneAndUpdate(_ context.Context, filter M, update M, sortBy []SortField, out any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	candidates := c.matchingLocked(filter)
	if len(candidates) == 0 {
		return ErrNotFound
	}
	sortBsonDocs(candidates, sortBy)
	applyUpdate(candidates[0], update, false)
	return decodeDoc(candidates[0], out)
}

func (c *memoryCollection) Find(_ context.Context, filter M, sortBy []SortField, limit int64, out any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	candidates := c.matchingLocked(filter)
	sortBsonDocs(candidates, sortBy)
	if limit > 0 && int64(len(candidates)) > limit {
		candidates = candidates[:limit]
	}
	stripped := make([]bson.M, 0, len(candidates))
	for _, doc := range candidates {
		cp := bson.M{}
		for k, v := range doc {
			if k != seqField {
				cp[k] = v
			}
		}
		stripped = append(stripped, cp)
	}
	raw, err := bson.Marshal(bson.M{"docs": stripped})
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}
	var wrapper struct {
		Docs bson.RawValue `bson:"docs"`
	}
	if err := bson.Unmarshal(raw, &wrapper); err != nil {
		return fmt.Errorf("unmarshal results: %w", err)
	}
	if err := wrapper.Docs.Unmarshal(out); err != nil {
		return fmt.Errorf("decode results: %w", err)
	}
	return nil
}

func (c *memoryCollection) DeleteOne(_ context.Context, filter M) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, doc := range c.docs {
		if matches(doc, filter) {
			c.docs = append(c.docs[:i], c.docs[i+1:]...)
			return 1, nil
		}
	}
	return 0, nil
}

func (c *memoryCollection) DeleteMany(_ context.Context, filter M) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.docs[:0]
	var deleted int64
	for _, doc := range c.docs {
		if matches(doc, filter) {
			deleted++
			continue
		}
		kept = append(kept, doc)
	}
	c.docs = kept
	return deleted, nil
}

func (c *memoryCollection) Count(_ context.Context, filter M) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int64(len(c.matchingLocked(filter))), nil
}

func (c *memoryCollection) matchingLocked(filter M) []bson.M {
	var out []bson.M
	for _, doc := range c.docs {
		if matches(doc, filter) {
			out = append(out, doc)
		}
	}
	return out
}

// toBsonM round-trips an arbitrary document through bson so field names and
// value types match what the Mongo implementation would persist.
func toBsonM(doc any) (bson.M, error) {
	raw, err := bson.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	var m bson.M
	if err := bson.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("unmarshal document: %w", err)
	}
	return m, nil
}

func decodeDoc(doc bson.M, out any) error {
	cp := bson.M{}
	for k, v := range doc {
		if k != seqField {
			cp[k] = v
		}
	}
	raw, err := bson.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	if err := bson.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	return nil
}

func matches(doc bson.M, filter M) bool {
	for field, cond := range filter {
		if !matchField(doc[field], cond) {
			return false
		}
	}
	return true
}

func matchField(value any, cond any) bool {
	ops, ok := operatorDoc(cond)
	if !ok {
		return equalValues(value, cond)
	}
	for op, arg := range ops {
		switch op {
		case "$lt":
			if !lessThan(value, arg) {
				return false
			}
		case "$lte":
			if !(lessThan(value, arg) || equalValues(value, arg)) {
				return false
			}
		case "$gt":
			if !lessThan(arg, value) {
				return false
			}
		case "$gte":
			if !(lessThan(arg, value) || equalValues(value, arg)) {
				return false
			}
		case "$ne":
			if equalValues(value, arg) {
				return false
			}
		case "$in":
			if !inValues(value, arg) {
				return false
			}
		case "$exists":
			want, _ := arg.(bool)
			if (value != nil) != want {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func operatorDoc(cond any) (map[string]any, bool) {
	var m map[string]any
	switch v := cond.(type) {
	case M:
		m = v
	case bson.M:
		m = v
	default:
		return nil, false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return nil, false
		}
	}
	return m, len(m) > 0
}

func inValues(value any, arg any) bool {
	switch list := arg.(type) {
	case []any:
		for _, item := range list {
			if equalValues(value, item) {
				return true
			}
		}
	case []string:
		for _, item := range list {
			if equalValues(value, item) {
				return true
			}
		}
	case primitive.A:
		for _, item := range list {
			if equalValues(value, item) {
				return true
			}
		}
	}
	return false
}

// applyUpdate mutates doc in place and reports whether anything changed.
func applyUpdate(doc bson.M, update M, inserting bool) bool {
	changed := false
	for op, fieldsAny := range update {
		fields, ok := asMap(fieldsAny)
		if !ok {
			continue
		}
		switch op {
		case "$set":
			for k, v := range fields {
				cv := canonValue(v)
				if !equalValues(doc[k], cv) {
					doc[k] = cv
					changed = true
				}
			}
		case "$setOnInsert":
			if inserting {
				for k, v := range fields {
					doc[k] = canonValue(v)
					changed = true
				}
			}
		case "$inc":
			for k, v := range fields {
				doc[k] = toFloat(doc[k]) + toFloat(v)
				changed = true
			}
		case "$unset":
			for k := range fields {
				if _, present := doc[k]; present {
					delete(doc, k)
					changed = true
				}
			}
		}
	}
	return changed
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case M:
		return m, true
	case bson.M:
		return m, true
	}
	return nil, false
}

// canonValue normalizes a value to the representation a bson round trip would
// produce, so filter comparisons behave identically in memory and in Mongo.
func canonValue(v any) any {
	switch tv := v.(type) {
	case time.Time:
		return primitive.NewDateTimeFromTime(tv)
	case *time.Time:
		if tv == nil {
			return nil
		}
		return primitive.NewDateTimeFromTime(*tv)
	case nil, string, bool, int, int32, int64, float64, primitive.DateTime:
		return v
	default:
		m, err := toBsonM(bson.M{"v": v})
		if err != nil {
			return v
		}
		return m["v"]
	}
}

func equalValues(a, b any) bool {
	a, b = canonValue(a), canonValue(b)
	if na, ok := numeric(a); ok {
		nb, okb := numeric(b)
		return okb && na == nb
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b) && (a == nil) == (b == nil)
}

func lessThan(a, b any) bool {
	a, b = canonValue(a), canonValue(b)
	if na, ok := numeric(a); ok {
		if nb, okb := numeric(b); okb {
			return na < nb
		}
		return false
	}
	sa, aok := a.(string)
	sb, bok := b.(string)
	return aok && bok && sa < sb
}

func numeric(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case primitive.DateTime:
		return float64(n), true
	}
	return 0, false
}

func toFloat(v any) float64 {
	n, _ := numeric(canonValue(v))
	return n
}

func sortBsonDocs(docs []bson.M, sortBy []SortField) {
	sort.SliceStable(docs, func(i, j int) bool {
		for _, f := range sortBy {
			a, b := docs[i][f.Field], docs[j][f.Field]
			if equalValues(a, b) {
				continue
			}
			if f.Desc {
				return lessThan(b, a)
			}
			return lessThan(a, b)
		}
		// Insertion order tiebreak, mirroring Mongo's _id ordering.
		return toFloat(docs[i][seqField]) < toFloat(docs[j][seqField])
	})
}
