// Package domain defines the data model shared across the trace engine:
// guest values, steps, traces, and session lifecycle states.
package domain

import (
	"fmt"
	"sort"
	"strings"
)

// ValueKind tags a guest value with its semantic kind. The set is closed so
// consumers never need guest-language type information.
type ValueKind string

const (
	KindScalar    ValueKind = "scalar"
	KindSequence  ValueKind = "sequence"
	KindMapping   ValueKind = "mapping"
	KindTreeNode  ValueKind = "tree_node"
	KindGraphNode ValueKind = "graph_node"
)

// Value is an immutable snapshot of one guest value.
//
// Scalar holds bool, int64, float64, string, or nil. Sequences carry their
// elements plus a stable container ref so consumers can correlate indexed
// accesses with the container they touched. Mappings store entries sorted by
// key, which keeps serialized snapshots byte-identical across runs. Tree and
// graph nodes are represented by a stable node identifier into the step's
// node table, never by live references.
type Value struct {
	Kind    ValueKind  `json:"kind"`
	Scalar  any        `json:"value,omitempty"`
	Elems   []Value    `json:"elems,omitempty"`
	Entries []MapEntry `json:"entries,omitempty"`
	Ref     int        `json:"ref,omitempty"`
	Node    int        `json:"node,omitempty"`
}

// MapEntry is one key/value pair of a mapping snapshot. Keys are rendered to
// strings so entries have a total order.
type MapEntry struct {
	Key   string `json:"key"`
	Value Value  `json:"value"`
}

// NodeSnapshot is one arena node of a tree or graph structure, exported as a
// stable identifier plus adjacency so snapshots stay serializable even with
// back-edges.
type NodeSnapshot struct {
	ID        int    `json:"id"`
	Value     Value  `json:"value"`
	Neighbors []int  `json:"neighbors,omitempty"`
	Label     string `json:"label,omitempty"`
}

// Scalar constructs a scalar Value.
func ScalarValue(v any) Value {
	return Value{Kind: KindScalar, Scalar: v}
}

// SortEntries orders mapping entries by key. Snapshot builders call this
// before a Value is committed to a step.
func SortEntries(entries []MapEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Key < entries[j].Key
	})
}

// String renders the value for log lines and fault messages.
func (v Value) String() string {
	switch v.Kind {
	case KindScalar:
		if v.Scalar == nil {
			return "None"
		}
		if s, ok := v.Scalar.(string); ok {
			return fmt.Sprintf("%q", s)
		}
		return fmt.Sprintf("%v", v.Scalar)
	case KindSequence:
		parts := make([]string, len(v.Elems))
		for i, e := range v.Elems {
			parts[i] = e.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case KindMapping:
		parts := make([]string, len(v.Entries))
		for i, e := range v.Entries {
			parts[i] = e.Key + ": " + e.Value.String()
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case KindTreeNode, KindGraphNode:
		return fmt.Sprintf("node#%d", v.Node)
	}
	return string(v.Kind)
}

// Equal reports deep equality of two value snapshots.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind || v.Ref != o.Ref || v.Node != o.Node {
		return false
	}
	if v.Scalar != o.Scalar {
		return false
	}
	if len(v.Elems) != len(o.Elems) || len(v.Entries) != len(o.Entries) {
		return false
	}
	for i := range v.Elems {
		if !v.Elems[i].Equal(o.Elems[i]) {
			return false
		}
	}
	for i := range v.Entries {
		if v.Entries[i].Key != o.Entries[i].Key {
			return false
		}
		if !v.Entries[i].Value.Equal(o.Entries[i].Value) {
			return false
		}
	}
	return true
}
