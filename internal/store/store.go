package store

import (
	"fmt"
	"os"
	"reflect"
	"sync"
	"time"

	"github.com/bep/debounce"
	"github.com/fsnotify/fsnotify"
	"github.com/goccy/go-json"

	"github.com/r3e-network/siterun/internal/apierr"
	"github.com/r3e-network/siterun/internal/logging"
)

// Store is a named collection of records persisted to a single JSON file.
// All mutation goes through a single owning goroutine's lock.
type Store struct {
	path   string
	logger *logging.Logger

	mu   sync.RWMutex
	tree map[string]interface{} // collection name -> []interface{}
	meta metaConfig

	dirty       bool
	debounce    func(func())
	persistOnce sync.Once

	watchInhibit bool
	watcher      *fsnotify.Watcher
	closeWatch   chan struct{}
}

// Open loads path (if it exists) and arms the external-change watcher.
// A missing file starts the store with an empty tree — callers that need
// "load failure at startup is fatal" should check os.Stat first.
func Open(path string, logger *logging.Logger) (*Store, error) {
	s := &Store{
		path:     path,
		logger:   logger,
		tree:     map[string]interface{}{},
		closeWatch: make(chan struct{}),
	}
	if err := s.Load(); err != nil {
		return nil, err
	}
	if err := s.startWatch(); err != nil {
		// Watching is best-effort: a platform without inotify shouldn't
		// make the whole site fail to start.
		logger.Warn("store watch unavailable", map[string]interface{}{"path": path, "err": err.Error()})
	}
	s.debounce = debounce.New(s.writeDebounceWindow())
	return s, nil
}

func (s *Store) writeDebounceWindow() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.meta.WriteDebounceMS > 0 {
		return time.Duration(s.meta.WriteDebounceMS) * time.Millisecond
	}
	return time.Second
}

// Load reads the file into memory, replacing the tree atomically and
// resetting cfg from the reserved "_" node.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("store: load %s: %w", s.path, err)
	}

	var tree map[string]interface{}
	if err := json.Unmarshal(data, &tree); err != nil {
		return fmt.Errorf("store: parse %s: %w", s.path, err)
	}

	var meta metaConfig
	if raw, ok := tree["_"]; ok {
		b, _ := json.Marshal(raw)
		_ = json.Unmarshal(b, &meta)
	}

	s.mu.Lock()
	s.tree = tree
	s.meta = meta
	s.mu.Unlock()
	return nil
}

// Lookup finds a recipe by name in the "recipes" collection.
func (s *Store) Lookup(name string) (*Recipe, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recipes, _ := s.tree["recipes"].([]interface{})
	for _, r := range recipes {
		rec, err := toRecipe(r)
		if err == nil && rec.Name == name {
			return rec, true
		}
	}
	return nil, false
}

func toRecipe(v interface{}) (*Recipe, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var r Recipe
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// snapshot returns the current tree for read-only use; callers must not
// mutate it.
func (s *Store) snapshot() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree
}

// Dirty reports whether the store has unpersisted changes pending the next
// debounced write.
func (s *Store) Dirty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dirty
}

// Query evaluates recipe.expression against the store with bindings, applies
// limit/header, deep-copies, and falls back to recipe.defaults on any error.
func (s *Store) Query(recipe *Recipe, bindings map[string]interface{}) interface{} {
	tree := s.snapshot()
	result, err := evalExpression(tree, recipe.Expression, bindings)
	if err != nil {
		return s.queryFallback(recipe, err)
	}
	result = applyLimit(result, recipe.Limit)
	result, err = applyHeader(result, recipe.Header)
	if err != nil {
		return s.queryFallback(recipe, err)
	}
	result = filterValue(result, recipe.Filter)
	return deepCopy(result)
}

func (s *Store) queryFallback(recipe *Recipe, err error) interface{} {
	if s.logger != nil {
		s.logger.Warn("recipe query failed, returning defaults", map[string]interface{}{
			"recipe": recipe.Name, "err": err.Error(),
		})
	}
	if len(recipe.Defaults) > 0 {
		var v interface{}
		if json.Unmarshal(recipe.Defaults, &v) == nil {
			return deepCopy(v)
		}
	}
	return map[string]interface{}{}
}

// Modify applies a batch of {ref, record} entries against recipe.collection.
// Entries are processed in order; the returned ops slice is the same length
// and order as entries.
func (s *Store) Modify(recipe *Recipe, entries []ModifyRequest) ([]ModifyOp, error) {
	if recipe.Collection == "" {
		return nil, apierr.BadRequest("recipe has no collection to modify")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	coll, _ := s.tree[recipe.Collection].([]interface{})
	ops := make([]ModifyOp, 0, len(entries))
	changed := false

	for _, entry := range entries {
		op, newColl, didChange := s.modifyOne(recipe, coll, entry)
		coll = newColl
		ops = append(ops, op)
		changed = changed || didChange
	}

	if changed {
		s.tree[recipe.Collection] = coll
		s.markDirtyLocked()
	}
	return ops, nil
}

func (s *Store) modifyOne(recipe *Recipe, coll []interface{}, entry ModifyRequest) (ModifyOp, []interface{}, bool) {
	hasRecord := len(entry.Record) > 0 && string(entry.Record) != "null"

	if entry.Ref == nil && !hasRecord {
		return ModifyOp{Op: "bad", Ref: nil, Index: nil}, coll, false
	}

	idx, existing := s.resolveReference(recipe, coll, entry.Ref)

	if hasRecord {
		var incoming map[string]interface{}
		if err := json.Unmarshal(entry.Record, &incoming); err != nil {
			return ModifyOp{Op: "bad", Ref: entry.Ref, Index: nil}, coll, false
		}

		var defaults map[string]interface{}
		if len(recipe.Defaults) > 0 {
			_ = json.Unmarshal(recipe.Defaults, &defaults)
		}

		merged := deepMerge(deepMergeMapCopy(defaults), existing, incoming)

		if idx < 0 {
			var uniqueValue interface{}
			if recipe.Unique != "" {
				key, value, err := s.evalUnique(recipe, entry.Ref)
				if err != nil {
					return ModifyOp{Op: "bad", Ref: entry.Ref, Index: nil}, coll, false
				}
				if key != "" {
					for _, item := range coll {
						if m, ok := item.(map[string]interface{}); ok {
							if cur, has := m[key]; has && reflect.DeepEqual(cur, value) {
								return ModifyOp{Op: "bad", Ref: entry.Ref, Index: nil}, coll, false
							}
						}
					}
					if merged == nil {
						merged = map[string]interface{}{}
					}
					merged[key] = value
					uniqueValue = value
				}
			}
			coll = append(coll, merged)
			newIdx := len(coll) - 1
			return ModifyOp{Op: "add", Ref: uniqueValue, Index: newIdx}, coll, true
		}

		coll[idx] = merged
		return ModifyOp{Op: "change", Ref: entry.Ref, Index: idx}, coll, true
	}

	// record == nil: delete
	if idx < 0 {
		return ModifyOp{Op: "nop", Ref: entry.Ref, Index: nil}, coll, false
	}
	coll = append(coll[:idx], coll[idx+1:]...)
	return ModifyOp{Op: "delete", Ref: entry.Ref, Index: idx}, coll, true
}

// resolveReference evaluates recipe.reference with ref bound, returning the
// matching index (-1 if none) and the existing record (nil map if none).
func (s *Store) resolveReference(recipe *Recipe, coll []interface{}, ref interface{}) (int, map[string]interface{}) {
	if recipe.Reference == "" || ref == nil {
		return -1, nil
	}
	tree := map[string]interface{}{recipe.Collection: coll}
	result, err := evalExpression(tree, recipe.Reference, map[string]interface{}{"ref": ref})
	if err != nil {
		return -1, nil
	}
	idx, rec := parseReferenceResult(result)
	if idx < 0 && rec != nil {
		// A bare record carries no index; locate it in coll.
		for i, item := range coll {
			if reflect.DeepEqual(item, interface{}(rec)) {
				return i, rec
			}
		}
	}
	return idx, rec
}

// parseReferenceResult accepts either a {index,record} object or a bare
// record/array-of-one result from the reference expression, since query
// engines commonly return a 1-element array for a filtered path.
func parseReferenceResult(v interface{}) (int, map[string]interface{}) {
	switch t := v.(type) {
	case map[string]interface{}:
		if idxRaw, ok := t["index"]; ok {
			idx := toInt(idxRaw)
			rec, _ := t["record"].(map[string]interface{})
			return idx, rec
		}
		return -1, t
	case []interface{}:
		if len(t) == 1 {
			return parseReferenceResult(t[0])
		}
	}
	return -1, nil
}

func toInt(v interface{}) int {
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return -1
	}
}

// evalUnique implements "evaluate optional recipe.unique
// producing {key, value}". Unlike recipe.expression/reference, recipe.unique
// is a JSON object template rather than a jsonpath query — it constructs a
// literal, it doesn't select from the tree — so bindings are substituted the
// same way and the result is parsed directly as JSON instead of being
// evaluated as a path.
func (s *Store) evalUnique(recipe *Recipe, ref interface{}) (string, interface{}, error) {
	resolved, err := substituteBindingsJSON(recipe.Unique, map[string]interface{}{"ref": ref})
	if err != nil {
		return "", nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(resolved), &m); err != nil {
		return "", nil, apierr.BadRequest("recipe.unique did not yield {key,value}")
	}
	key, _ := m["key"].(string)
	return key, m["value"], nil
}

func deepMergeMapCopy(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	b, _ := json.Marshal(m)
	var out map[string]interface{}
	_ = json.Unmarshal(b, &out)
	return out
}

func (s *Store) markDirtyLocked() {
	s.dirty = true
	if s.debounce != nil {
		s.debounce(s.schedulePersist)
	}
}

func (s *Store) schedulePersist() {
	s.mu.Lock()
	if !s.dirty {
		s.mu.Unlock()
		return
	}
	s.watchInhibit = true
	tree := s.tree
	s.dirty = false
	s.mu.Unlock()

	if err := s.writeTree(tree); err != nil && s.logger != nil {
		s.logger.Error("store persist failed", err, map[string]interface{}{"path": s.path})
	}

	s.mu.Lock()
	s.watchInhibit = false
	s.mu.Unlock()
}

func (s *Store) writeTree(tree map[string]interface{}) error {
	data, err := json.MarshalIndent(tree, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Close stops the external-change watcher.
func (s *Store) Close() error {
	if s.watcher != nil {
		close(s.closeWatch)
		return s.watcher.Close()
	}
	return nil
}
