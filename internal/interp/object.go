// Package interp executes compiled guest programs one primitive operation
// at a time, emitting a state snapshot after each one. The machine is an
// explicit resumable state machine — program counter, operand stack, call
// frames, and bindings live in the Machine struct — so pausing, cancelling,
// and resuming are first-class operations.
package interp

import (
	"fmt"
	"strconv"

	"github.com/algoviz/engine/internal/domain"
	"github.com/algoviz/engine/internal/lang"
)

// Runtime values are nil, bool, int64, float64, string, or one of the
// reference objects below. Reference objects carry stable identities
// assigned in allocation order, which keeps snapshots deterministic.

type list struct {
	id    int
	elems []any
}

type dict struct {
	id    int
	items map[any]any
}

// node is an arena-allocated tree or graph node. Snapshots export nodes as
// stable identifiers plus adjacency, never as live references, so cyclic
// structures stay serializable.
type node struct {
	id   int
	kind domain.ValueKind
	val  any
	adj  []int
}

type funcObj struct {
	fn *lang.Function
}

type builtinFunc struct {
	name string
	fn   func(m *Machine, args []any) (any, error)
}

// rangeObj is the lazy result of range(); it is iterated without being
// materialized.
type rangeObj struct {
	start, stop, step int64
}

func (r rangeObj) length() int64 {
	if r.step > 0 {
		if r.stop <= r.start {
			return 0
		}
		return (r.stop - r.start + r.step - 1) / r.step
	}
	if r.start <= r.stop {
		return 0
	}
	return (r.start - r.stop - r.step - 1) / (-r.step)
}

type listIter struct {
	l *list
	i int
}

type sliceIter struct {
	elems []any
	i     int
}

type rangeIter struct {
	r rangeObj
	i int64
}

// next advances an iterator, reporting exhaustion.
func iterNext(it any) (any, bool) {
	switch v := it.(type) {
	case *listIter:
		if v.i >= len(v.l.elems) {
			return nil, false
		}
		elem := v.l.elems[v.i]
		v.i++
		return elem, true
	case *sliceIter:
		if v.i >= len(v.elems) {
			return nil, false
		}
		elem := v.elems[v.i]
		v.i++
		return elem, true
	case *rangeIter:
		if v.i >= v.r.length() {
			return nil, false
		}
		elem := v.r.start + v.i*v.r.step
		v.i++
		return elem, true
	}
	return nil, false
}

// truthy implements guest truthiness.
func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case int64:
		return x != 0
	case float64:
		return x != 0
	case string:
		return x != ""
	case *list:
		return len(x.elems) > 0
	case *dict:
		return len(x.items) > 0
	case rangeObj:
		return x.length() > 0
	}
	return true
}

// typeName names a runtime value's guest-level type for fault messages.
func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "None"
	case bool:
		return "bool"
	case int64:
		return "int"
	case float64:
		return "float"
	case string:
		return "str"
	case *list:
		return "list"
	case *dict:
		return "dict"
	case *node:
		return "node"
	case *funcObj, builtinFunc:
		return "function"
	case rangeObj:
		return "range"
	}
	return fmt.Sprintf("%T", v)
}

// guestString renders a value the way the guest's print sees it.
func guestString(v any) string {
	switch x := v.(type) {
	case nil:
		return "None"
	case bool:
		if x {
			return "True"
		}
		return "False"
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case string:
		return x
	case *list:
		s := "["
		for i, e := range x.elems {
			if i > 0 {
				s += ", "
			}
			s += guestRepr(e)
		}
		return s + "]"
	case *dict:
		s := "{"
		for i, k := range sortedKeys(x) {
			if i > 0 {
				s += ", "
			}
			s += guestRepr(k) + ": " + guestRepr(x.items[k])
		}
		return s + "}"
	case *node:
		return fmt.Sprintf("node#%d", x.id)
	case *funcObj:
		return fmt.Sprintf("<function %s>", x.fn.Name)
	case builtinFunc:
		return fmt.Sprintf("<builtin %s>", x.name)
	case rangeObj:
		return fmt.Sprintf("range(%d, %d, %d)", x.start, x.stop, x.step)
	}
	return fmt.Sprintf("%v", v)
}

func guestRepr(v any) string {
	if s, ok := v.(string); ok {
		return strconv.Quote(s)
	}
	return guestString(v)
}

// keyString gives dict keys a total order for deterministic snapshots and
// iteration.
func keyString(k any) string {
	switch x := k.(type) {
	case string:
		return "s:" + x
	case int64:
		return "i:" + fmt.Sprintf("%020d", x)
	case bool:
		return "b:" + strconv.FormatBool(x)
	case float64:
		return "f:" + strconv.FormatFloat(x, 'g', -1, 64)
	}
	return fmt.Sprintf("?:%v", k)
}
