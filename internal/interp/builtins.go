package interp

import (
	"fmt"
	"strings"

	"github.com/algoviz/engine/internal/domain"
)

// builtins are resolved after the scope chain, so guests can shadow them.
// None of them emit steps directly; observable effects (console output,
// node allocation) appear in the snapshot of the next emitted step. now()
// is a logical clock derived from the step counter, never wall time, so
// traces replay identically.
var builtins = map[string]builtinFunc{
	"len":   {name: "len", fn: builtinLen},
	"range": {name: "range", fn: builtinRange},
	"print": {name: "print", fn: builtinPrint},
	"abs":   {name: "abs", fn: builtinAbs},
	"min":   {name: "min", fn: builtinMin},
	"max":   {name: "max", fn: builtinMax},
	"sum":   {name: "sum", fn: builtinSum},
	"now":   {name: "now", fn: builtinNow},
	"node":  {name: "node", fn: builtinNode},
	"tree":  {name: "tree", fn: builtinTree},
	"link":  {name: "link", fn: builtinLink},
}

func builtinLen(m *Machine, args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("len() takes 1 argument, got %d", len(args))
	}
	switch v := args[0].(type) {
	case string:
		return int64(len(v)), nil
	case *list:
		return int64(len(v.elems)), nil
	case *dict:
		return int64(len(v.items)), nil
	case rangeObj:
		return v.length(), nil
	}
	return nil, fmt.Errorf("object of type %q has no len()", typeName(args[0]))
}

func builtinRange(m *Machine, args []any) (any, error) {
	if len(args) < 1 || len(args) > 3 {
		return nil, fmt.Errorf("range() takes 1 to 3 arguments, got %d", len(args))
	}
	nums := make([]int64, len(args))
	for i, a := range args {
		n, ok := asInt(a)
		if !ok {
			return nil, fmt.Errorf("range() argument must be an int, got %q", typeName(a))
		}
		nums[i] = n
	}
	switch len(nums) {
	case 1:
		return rangeObj{start: 0, stop: nums[0], step: 1}, nil
	case 2:
		return rangeObj{start: nums[0], stop: nums[1], step: 1}, nil
	default:
		if nums[2] == 0 {
			return nil, fmt.Errorf("range() step must not be zero")
		}
		return rangeObj{start: nums[0], stop: nums[1], step: nums[2]}, nil
	}
}

func builtinPrint(m *Machine, args []any) (any, error) {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = guestString(a)
	}
	fmt.Fprintln(m.console, strings.Join(parts, " "))
	return nil, nil
}

func builtinAbs(m *Machine, args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("abs() takes 1 argument, got %d", len(args))
	}
	switch v := args[0].(type) {
	case int64:
		if v < 0 {
			return -v, nil
		}
		return v, nil
	case float64:
		if v < 0 {
			return -v, nil
		}
		return v, nil
	}
	return nil, fmt.Errorf("bad operand type for abs(): %q", typeName(args[0]))
}

func builtinMin(m *Machine, args []any) (any, error) {
	return extreme("min", args, func(cand, best float64) bool { return cand < best })
}

func builtinMax(m *Machine, args []any) (any, error) {
	return extreme("max", args, func(cand, best float64) bool { return cand > best })
}

func extreme(name string, args []any, better func(cand, best float64) bool) (any, error) {
	elems := args
	if len(args) == 1 {
		l, ok := args[0].(*list)
		if !ok {
			return nil, fmt.Errorf("%s() with a single argument requires a list", name)
		}
		elems = l.elems
	}
	if len(elems) == 0 {
		return nil, fmt.Errorf("%s() arg is an empty sequence", name)
	}
	best := elems[0]
	bestF, ok := asFloat(best)
	if !ok {
		return nil, fmt.Errorf("%s() requires numbers, got %q", name, typeName(best))
	}
	for _, e := range elems[1:] {
		f, ok := asFloat(e)
		if !ok {
			return nil, fmt.Errorf("%s() requires numbers, got %q", name, typeName(e))
		}
		if better(f, bestF) {
			best, bestF = e, f
		}
	}
	return best, nil
}

func builtinSum(m *Machine, args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("sum() takes 1 argument, got %d", len(args))
	}
	l, ok := args[0].(*list)
	if !ok {
		return nil, fmt.Errorf("sum() requires a list, got %q", typeName(args[0]))
	}
	var total int64
	var totalF float64
	isFloat := false
	for _, e := range l.elems {
		switch v := e.(type) {
		case int64:
			total += v
			totalF += float64(v)
		case float64:
			isFloat = true
			totalF += v
		default:
			return nil, fmt.Errorf("sum() requires numbers, got %q", typeName(e))
		}
	}
	if isFloat {
		return totalF, nil
	}
	return total, nil
}

func builtinNow(m *Machine, args []any) (any, error) {
	if len(args) != 0 {
		return nil, fmt.Errorf("now() takes no arguments")
	}
	return int64(m.seq), nil
}

func builtinNode(m *Machine, args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("node() takes 1 argument, got %d", len(args))
	}
	return m.newNode(domain.KindGraphNode, args[0]), nil
}

func builtinTree(m *Machine, args []any) (any, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("tree() takes 1 argument, got %d", len(args))
	}
	return m.newNode(domain.KindTreeNode, args[0]), nil
}

// link adds a directed edge between two nodes; the new adjacency shows up
// in the node table of the next step.
func builtinLink(m *Machine, args []any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("link() takes 2 arguments, got %d", len(args))
	}
	from, ok := args[0].(*node)
	if !ok {
		return nil, fmt.Errorf("link() requires nodes, got %q", typeName(args[0]))
	}
	to, ok := args[1].(*node)
	if !ok {
		return nil, fmt.Errorf("link() requires nodes, got %q", typeName(args[1]))
	}
	from.adj = append(from.adj, to.id)
	return nil, nil
}

// callMethod dispatches the allowlisted container methods. Mutating list
// methods return a fully built write step; read-only methods stay quiet
// except dict get, which records a map read.
func (m *Machine) callMethod(recv any, name string, args []any, line int32) (any, *domain.Step, error) {
	switch c := recv.(type) {
	case *list:
		return m.callListMethod(c, name, args, line)
	case *dict:
		return m.callDictMethod(c, name, args, line)
	}
	return nil, nil, fmt.Errorf("%q object has no method %q", typeName(recv), name)
}

func (m *Machine) callListMethod(l *list, name string, args []any, line int32) (any, *domain.Step, error) {
	switch name {
	case "append":
		if len(args) != 1 {
			return nil, nil, fmt.Errorf("append() takes 1 argument, got %d", len(args))
		}
		idx := int64(len(l.elems))
		l.elems = append(l.elems, args[0])
		after := m.snapshotValue(args[0], nil)
		step := m.newStep(domain.StepArrayWrite, line)
		step.Access = &domain.AccessDetail{
			Container: l.id,
			Index:     domain.ScalarValue(idx),
			After:     &after,
		}
		return nil, step, nil

	case "pop":
		i := len(l.elems) - 1
		if len(args) == 1 {
			n, ok := normIndex(args[0], len(l.elems))
			if !ok {
				return nil, nil, fmt.Errorf("pop index out of range")
			}
			i = n
		} else if len(args) > 1 {
			return nil, nil, fmt.Errorf("pop() takes at most 1 argument, got %d", len(args))
		}
		if i < 0 {
			return nil, nil, fmt.Errorf("pop from empty list")
		}
		removed := l.elems[i]
		before := m.snapshotValue(removed, nil)
		l.elems = append(l.elems[:i], l.elems[i+1:]...)
		step := m.newStep(domain.StepArrayWrite, line)
		step.Access = &domain.AccessDetail{
			Container: l.id,
			Index:     domain.ScalarValue(int64(i)),
			Before:    &before,
		}
		return removed, step, nil

	case "insert":
		if len(args) != 2 {
			return nil, nil, fmt.Errorf("insert() takes 2 arguments, got %d", len(args))
		}
		n, ok := asInt(args[0])
		if !ok {
			return nil, nil, fmt.Errorf("insert() index must be an int, got %q", typeName(args[0]))
		}
		// Insert clamps like the guest language instead of faulting.
		if n < 0 {
			n += int64(len(l.elems))
			if n < 0 {
				n = 0
			}
		}
		if n > int64(len(l.elems)) {
			n = int64(len(l.elems))
		}
		l.elems = append(l.elems, nil)
		copy(l.elems[n+1:], l.elems[n:])
		l.elems[n] = args[1]
		after := m.snapshotValue(args[1], nil)
		step := m.newStep(domain.StepArrayWrite, line)
		step.Access = &domain.AccessDetail{
			Container: l.id,
			Index:     domain.ScalarValue(n),
			After:     &after,
		}
		return nil, step, nil

	case "remove":
		if len(args) != 1 {
			return nil, nil, fmt.Errorf("remove() takes 1 argument, got %d", len(args))
		}
		for i, e := range l.elems {
			if valueEqual(e, args[0]) {
				before := m.snapshotValue(e, nil)
				l.elems = append(l.elems[:i], l.elems[i+1:]...)
				step := m.newStep(domain.StepArrayWrite, line)
				step.Access = &domain.AccessDetail{
					Container: l.id,
					Index:     domain.ScalarValue(int64(i)),
					Before:    &before,
				}
				return nil, step, nil
			}
		}
		return nil, nil, fmt.Errorf("remove(): value not in list")
	}
	return nil, nil, fmt.Errorf("list object has no method %q", name)
}

func (m *Machine) callDictMethod(d *dict, name string, args []any, line int32) (any, *domain.Step, error) {
	switch name {
	case "keys":
		out := m.newList(len(d.items))
		out.elems = append(out.elems, sortedKeys(d)...)
		return out, nil, nil

	case "values":
		out := m.newList(len(d.items))
		for _, k := range sortedKeys(d) {
			out.elems = append(out.elems, d.items[k])
		}
		return out, nil, nil

	case "get":
		if len(args) < 1 || len(args) > 2 {
			return nil, nil, fmt.Errorf("get() takes 1 or 2 arguments, got %d", len(args))
		}
		if !hashable(args[0]) {
			return nil, nil, fmt.Errorf("unhashable type: %q", typeName(args[0]))
		}
		step := m.newStep(domain.StepMapRead, line)
		step.Access = &domain.AccessDetail{
			Container: d.id,
			Index:     domain.ScalarValue(guestString(args[0])),
		}
		val, ok := d.items[args[0]]
		if !ok {
			if len(args) == 2 {
				val = args[1]
			} else {
				val = nil
			}
			return val, step, nil
		}
		snap := m.snapshotValue(val, nil)
		step.Access.Before = &snap
		return val, step, nil
	}
	return nil, nil, fmt.Errorf("dict object has no method %q", name)
}
