package interp

import (
	"sort"
	"strings"

	"github.com/algoviz/engine/internal/domain"
)

// sortedKeys returns a dict's keys in a deterministic total order.
func sortedKeys(d *dict) []any {
	keys := make([]any, 0, len(d.items))
	for k := range d.items {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keyString(keys[i]) < keyString(keys[j])
	})
	return keys
}

// snapshotValue converts a runtime value into an immutable export value.
// Containers are copied element by element; nodes are exported as arena
// references so cycles terminate. seen guards against self-referential
// containers, which render as a bare reference on revisit.
func (m *Machine) snapshotValue(v any, seen map[int]bool) domain.Value {
	switch x := v.(type) {
	case nil:
		return domain.Value{Kind: domain.KindScalar}
	case bool, int64, float64, string:
		return domain.Value{Kind: domain.KindScalar, Scalar: x}
	case *list:
		if seen == nil {
			seen = make(map[int]bool)
		}
		if seen[x.id] {
			return domain.Value{Kind: domain.KindSequence, Ref: x.id}
		}
		seen[x.id] = true
		out := domain.Value{Kind: domain.KindSequence, Ref: x.id, Elems: make([]domain.Value, len(x.elems))}
		for i, e := range x.elems {
			out.Elems[i] = m.snapshotValue(e, seen)
		}
		delete(seen, x.id)
		return out
	case *dict:
		if seen == nil {
			seen = make(map[int]bool)
		}
		if seen[x.id] {
			return domain.Value{Kind: domain.KindMapping, Ref: x.id}
		}
		seen[x.id] = true
		keys := sortedKeys(x)
		out := domain.Value{Kind: domain.KindMapping, Ref: x.id, Entries: make([]domain.MapEntry, len(keys))}
		for i, k := range keys {
			out.Entries[i] = domain.MapEntry{Key: guestString(k), Value: m.snapshotValue(x.items[k], seen)}
		}
		delete(seen, x.id)
		return out
	case *node:
		return domain.Value{Kind: x.kind, Node: x.id}
	case rangeObj:
		return domain.Value{Kind: domain.KindScalar, Scalar: guestString(x)}
	}
	return domain.Value{Kind: domain.KindScalar, Scalar: guestString(v)}
}

// snapshotVars captures every binding visible from the current scope,
// innermost shadowing outermost. Function objects and internal temporaries
// (names beginning with ".") are not user data and are skipped.
func (m *Machine) snapshotVars() map[string]domain.Value {
	out := make(map[string]domain.Value)
	for s := m.scope; s != nil; s = s.parent {
		for name, val := range s.vars {
			if strings.HasPrefix(name, ".") {
				continue
			}
			if _, shadowed := out[name]; shadowed {
				continue
			}
			switch val.(type) {
			case *funcObj, builtinFunc:
				continue
			}
			out[name] = m.snapshotValue(val, nil)
		}
	}
	return out
}

// snapshotArena exports every allocated tree and graph node with its
// adjacency list, in allocation order.
func (m *Machine) snapshotArena() []domain.NodeSnapshot {
	if len(m.arena) == 0 {
		return nil
	}
	out := make([]domain.NodeSnapshot, len(m.arena))
	for i, n := range m.arena {
		snap := domain.NodeSnapshot{
			ID:    n.id,
			Value: m.snapshotValue(n.val, nil),
			Label: guestString(n.val),
		}
		if len(n.adj) > 0 {
			snap.Neighbors = append([]int(nil), n.adj...)
		}
		out[i] = snap
	}
	return out
}
