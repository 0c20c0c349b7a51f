package interp

import (
	"errors"
	"fmt"

	"github.com/algoviz/engine/internal/domain"
	"github.com/algoviz/engine/internal/lang"
)

// ErrFinished is returned by Step after execution has terminated.
var ErrFinished = errors.New("execution already finished")

// Step executes bytecode until exactly one step is emitted and returns it.
// The returned step is complete and self-describing; the caller owns
// committing it. A non-nil error means an engine fault: the trace it belongs
// to is no longer trustworthy. Guest faults are not errors; they surface as
// a terminal fault step.
func (m *Machine) Step() (*domain.Step, error) {
	if m.done {
		return nil, ErrFinished
	}

	for ops := 0; ops < maxSilentOps; ops++ {
		if m.ip < 0 || m.ip >= len(m.fn.Code) {
			return nil, fmt.Errorf("instruction pointer %d out of range in %q", m.ip, m.fn.Name)
		}
		op := m.fn.Code[m.ip]
		line := m.fn.Line(m.ip)
		opIP := m.ip
		m.ip++

		switch op & 0xff {
		case lang.OpLoadConst:
			m.push(m.fn.Constants[op.Arg()])

		case lang.OpLoadVar:
			name := m.fn.Constants[op.Arg()].(string)
			if v, ok := m.scope.get(name); ok {
				m.push(v)
			} else if b, ok := builtins[name]; ok {
				m.push(b)
			} else {
				return m.fail(line, "name %q is not defined", name), nil
			}

		case lang.OpStoreVar:
			name := m.fn.Constants[op.Arg()].(string)
			val := m.pop()
			var before *domain.Value
			if prev, ok := m.scope.get(name); ok {
				b := m.snapshotValue(prev, nil)
				before = &b
			}
			m.scope.def(name, val)
			after := m.snapshotValue(val, nil)
			step := m.newStep(domain.StepAssign, line)
			step.Delta = &domain.Delta{Name: name, Before: before, After: after}
			return step, nil

		case lang.OpStoreVarQuiet:
			name := m.fn.Constants[op.Arg()].(string)
			m.scope.def(name, m.pop())

		case lang.OpPop:
			m.drop(1)

		case lang.OpDup:
			m.push(m.peek())

		case lang.OpDup2:
			if m.sp < 2 {
				return nil, fmt.Errorf("stack underflow on dup2 in %q", m.fn.Name)
			}
			a, b := m.stack[m.sp-2], m.stack[m.sp-1]
			m.push(a)
			m.push(b)

		case lang.OpJump:
			m.ip += op.SignedArg()

		case lang.OpJumpFalse:
			if !truthy(m.pop()) {
				m.ip += op.SignedArg()
			}

		case lang.OpBranchFalse:
			cond := truthy(m.pop())
			step := m.newStep(domain.StepBranch, line)
			if m.lastCmp != nil && m.lastCmpIP == opIP-1 {
				step.Compare = &domain.CompareDetail{
					Left:       m.snapshotValue(m.lastCmp.left, nil),
					Comparator: m.lastCmp.op.String(),
					Right:      m.snapshotValue(m.lastCmp.right, nil),
					Result:     m.lastCmp.result,
				}
			} else {
				step.Compare = &domain.CompareDetail{
					Left:   domain.ScalarValue(cond),
					Result: cond,
				}
			}
			if cond {
				step.Compare.Taken = "then"
			} else {
				step.Compare.Taken = "else"
				m.ip += op.SignedArg()
			}
			return step, nil

		case lang.OpCmp:
			right := m.pop()
			left := m.pop()
			cmpOp := lang.CmpOp(op.Arg())
			res, err := compareValues(cmpOp, left, right)
			if err != nil {
				return m.fail(line, "%s", err.Error()), nil
			}
			m.push(res)
			step := m.newStep(domain.StepCompare, line)
			step.Compare = &domain.CompareDetail{
				Left:       m.snapshotValue(left, nil),
				Comparator: cmpOp.String(),
				Right:      m.snapshotValue(right, nil),
				Result:     res,
			}
			return step, nil

		case lang.OpCmpQuiet:
			right := m.pop()
			left := m.pop()
			cmpOp := lang.CmpOp(op.Arg())
			res, err := compareValues(cmpOp, left, right)
			if err != nil {
				return m.fail(line, "%s", err.Error()), nil
			}
			m.push(res)
			m.lastCmp = &cmpRecord{left: left, right: right, op: cmpOp, result: res}
			m.lastCmpIP = opIP

		case lang.OpAdd, lang.OpSub, lang.OpMul, lang.OpDiv,
			lang.OpFloorDiv, lang.OpMod, lang.OpPow:
			right := m.pop()
			left := m.pop()
			res, err := m.binaryOp(op&0xff, left, right)
			if err != nil {
				return m.fail(line, "%s", err.Error()), nil
			}
			m.push(res)

		case lang.OpNeg:
			switch v := m.pop().(type) {
			case int64:
				m.push(-v)
			case float64:
				m.push(-v)
			default:
				return m.fail(line, "bad operand type for unary -: %q", typeName(v)), nil
			}

		case lang.OpNot:
			m.push(!truthy(m.pop()))

		case lang.OpMakeList:
			n := op.Arg()
			l := m.newList(n)
			l.elems = append(l.elems, m.stack[m.sp-n:m.sp]...)
			m.drop(n)
			m.push(l)

		case lang.OpMakeMap:
			n := op.Arg()
			d := m.newDict()
			base := m.sp - 2*n
			for i := 0; i < n; i++ {
				key := m.stack[base+2*i]
				if !hashable(key) {
					return m.fail(line, "unhashable type: %q", typeName(key)), nil
				}
				d.items[key] = m.stack[base+2*i+1]
			}
			m.drop(2 * n)
			m.push(d)

		case lang.OpGetIndex:
			idx := m.pop()
			cont := m.pop()
			val, step, ferr := m.getIndex(cont, idx, line)
			if ferr != nil {
				return m.fail(line, "%s", ferr.Error()), nil
			}
			m.push(val)
			if step != nil {
				return step, nil
			}

		case lang.OpSetIndex:
			val := m.pop()
			idx := m.pop()
			cont := m.pop()
			step, ferr := m.setIndex(cont, idx, val, line)
			if ferr != nil {
				return m.fail(line, "%s", ferr.Error()), nil
			}
			return step, nil

		case lang.OpGetIter:
			v := m.pop()
			it, ferr := m.makeIter(v)
			if ferr != nil {
				return m.fail(line, "%s", ferr.Error()), nil
			}
			m.push(it)

		case lang.OpNextIter:
			elem, ok := iterNext(m.peek())
			if ok {
				m.push(elem)
			} else {
				m.drop(1)
				m.ip += op.SignedArg()
			}

		case lang.OpLoopReset:
			if m.loops == nil {
				m.loops = make(map[int]int)
			}
			m.loops[op.Arg()] = 0

		case lang.OpLoopIter:
			nameIdx, loopID := op.PairArgs()
			n := m.loops[loopID]
			m.loops[loopID] = n + 1
			step := m.newStep(domain.StepLoopIter, line)
			step.Loop = &domain.LoopDetail{Iteration: n}
			if name := m.fn.Constants[nameIdx].(string); name != "" {
				step.Loop.Variable = name
				if v, ok := m.scope.get(name); ok {
					snap := m.snapshotValue(v, nil)
					step.Loop.Value = &snap
				}
			}
			return step, nil

		case lang.OpUnpack:
			n := op.Arg()
			v := m.pop()
			l, ok := v.(*list)
			if !ok {
				return m.fail(line, "cannot unpack %q value", typeName(v)), nil
			}
			if len(l.elems) != n {
				return m.fail(line, "expected %d values to unpack, got %d", n, len(l.elems)), nil
			}
			for i := n - 1; i >= 0; i-- {
				m.push(l.elems[i])
			}

		case lang.OpMakeFunc:
			fn := m.fn.Constants[op.Arg()].(*lang.Function)
			m.push(&funcObj{fn: fn})

		case lang.OpCall:
			argc := op.Arg()
			args := append([]any(nil), m.stack[m.sp-argc:m.sp]...)
			m.drop(argc)
			callee := m.pop()

			switch f := callee.(type) {
			case builtinFunc:
				res, err := f.fn(m, args)
				if err != nil {
					return m.fail(line, "%s", err.Error()), nil
				}
				m.push(res)

			case *funcObj:
				if len(args) != len(f.fn.ParamNames) {
					return m.fail(line, "%s() takes %d arguments, got %d",
						f.fn.Name, len(f.fn.ParamNames), len(args)), nil
				}
				if len(m.frames) >= maxCallDepth {
					return m.fail(line, "maximum call depth exceeded"), nil
				}
				m.frames = append(m.frames, frame{
					fn:       m.fn,
					returnIP: m.ip,
					scope:    m.scope,
					baseSP:   m.sp,
					loops:    m.loops,
					lastLine: line,
				})
				scope := newEnv(m.module)
				params := make(map[string]domain.Value, len(args))
				for i, name := range f.fn.ParamNames {
					scope.def(name, args[i])
					params[name] = m.snapshotValue(args[i], nil)
				}
				m.fn = f.fn
				m.ip = 0
				m.scope = scope
				m.loops = nil
				step := m.newStep(domain.StepCallEnter, line)
				step.Call = &domain.CallDetail{Function: f.fn.Name, Params: params}
				return step, nil

			default:
				return m.fail(line, "%q object is not callable", typeName(callee)), nil
			}

		case lang.OpCallMethod:
			nameIdx, argc := op.PairArgs()
			name := m.fn.Constants[nameIdx].(string)
			args := append([]any(nil), m.stack[m.sp-argc:m.sp]...)
			m.drop(argc)
			recv := m.pop()
			res, step, ferr := m.callMethod(recv, name, args, line)
			if ferr != nil {
				return m.fail(line, "%s", ferr.Error()), nil
			}
			m.push(res)
			if step != nil {
				return step, nil
			}

		case lang.OpReturn:
			result := m.pop()
			if len(m.frames) == 0 {
				m.done = true
				m.result = result
				snap := m.snapshotValue(result, nil)
				step := m.newStep(domain.StepReturn, line)
				step.Result = &snap
				return step, nil
			}
			returned := m.fn.Name
			f := m.frames[len(m.frames)-1]
			m.frames = m.frames[:len(m.frames)-1]
			m.fn = f.fn
			m.ip = f.returnIP
			m.scope = f.scope
			m.loops = f.loops
			m.drop(m.sp - f.baseSP)
			m.push(result)
			snap := m.snapshotValue(result, nil)
			step := m.newStep(domain.StepCallExit, line)
			step.Call = &domain.CallDetail{Function: returned, Return: &snap}
			return step, nil

		default:
			return nil, fmt.Errorf("unknown opcode %d at ip %d in %q", op&0xff, opIP, m.fn.Name)
		}
	}
	return nil, fmt.Errorf("no step emitted after %d instructions in %q", maxSilentOps, m.fn.Name)
}

func (m *Machine) newStep(op domain.StepKind, line int32) *domain.Step {
	step := &domain.Step{
		Sequence:  m.seq,
		Line:      line,
		Op:        op,
		Depth:     len(m.frames),
		Variables: m.snapshotVars(),
		Nodes:     m.snapshotArena(),
	}
	m.seq++
	return step
}

// fail terminates execution with a guest fault and returns the terminal
// fault step.
func (m *Machine) fail(line int32, format string, args ...any) *domain.Step {
	m.done = true
	m.fault = &domain.FaultDetail{Message: fmt.Sprintf(format, args...), Line: line}
	step := m.newStep(domain.StepFault, line)
	step.Fault = m.fault
	return step
}

func (m *Machine) getIndex(cont, idx any, line int32) (any, *domain.Step, error) {
	switch c := cont.(type) {
	case *list:
		i, ok := normIndex(idx, len(c.elems))
		if !ok {
			return nil, nil, fmt.Errorf("list index out of range")
		}
		val := c.elems[i]
		snap := m.snapshotValue(val, nil)
		step := m.newStep(domain.StepArrayRead, line)
		step.Access = &domain.AccessDetail{
			Container: c.id,
			Index:     domain.ScalarValue(int64(i)),
			Before:    &snap,
		}
		return val, step, nil

	case *dict:
		if !hashable(idx) {
			return nil, nil, fmt.Errorf("unhashable type: %q", typeName(idx))
		}
		val, ok := c.items[idx]
		if !ok {
			return nil, nil, fmt.Errorf("key not found: %s", guestRepr(idx))
		}
		snap := m.snapshotValue(val, nil)
		step := m.newStep(domain.StepMapRead, line)
		step.Access = &domain.AccessDetail{
			Container: c.id,
			Index:     domain.ScalarValue(guestString(idx)),
			Before:    &snap,
		}
		return val, step, nil

	case string:
		i, ok := normIndex(idx, len(c))
		if !ok {
			return nil, nil, fmt.Errorf("string index out of range")
		}
		// String indexing reads a scalar, not a container; it stays quiet.
		return string(c[i]), nil, nil
	}
	return nil, nil, fmt.Errorf("%q object is not subscriptable", typeName(cont))
}

func (m *Machine) setIndex(cont, idx, val any, line int32) (*domain.Step, error) {
	switch c := cont.(type) {
	case *list:
		i, ok := normIndex(idx, len(c.elems))
		if !ok {
			return nil, fmt.Errorf("list assignment index out of range")
		}
		before := m.snapshotValue(c.elems[i], nil)
		c.elems[i] = val
		after := m.snapshotValue(val, nil)
		step := m.newStep(domain.StepArrayWrite, line)
		step.Access = &domain.AccessDetail{
			Container: c.id,
			Index:     domain.ScalarValue(int64(i)),
			Before:    &before,
			After:     &after,
		}
		return step, nil

	case *dict:
		if !hashable(idx) {
			return nil, fmt.Errorf("unhashable type: %q", typeName(idx))
		}
		var before *domain.Value
		if prev, ok := c.items[idx]; ok {
			b := m.snapshotValue(prev, nil)
			before = &b
		}
		c.items[idx] = val
		after := m.snapshotValue(val, nil)
		step := m.newStep(domain.StepMapWrite, line)
		step.Access = &domain.AccessDetail{
			Container: c.id,
			Index:     domain.ScalarValue(guestString(idx)),
			Before:    before,
			After:     &after,
		}
		return step, nil
	}
	return nil, fmt.Errorf("%q object does not support item assignment", typeName(cont))
}

// makeIter builds an iterator for the for-loop protocol. Dict iteration
// walks keys in their deterministic sorted order.
func (m *Machine) makeIter(v any) (any, error) {
	switch c := v.(type) {
	case *list:
		return &listIter{l: c}, nil
	case *dict:
		return &sliceIter{elems: sortedKeys(c)}, nil
	case rangeObj:
		return &rangeIter{r: c}, nil
	case string:
		elems := make([]any, 0, len(c))
		for _, r := range c {
			elems = append(elems, string(r))
		}
		return &sliceIter{elems: elems}, nil
	}
	return nil, fmt.Errorf("%q object is not iterable", typeName(v))
}

// normIndex converts a guest index to a non-negative position, applying
// negative indexing.
func normIndex(idx any, length int) (int, bool) {
	n, ok := idx.(int64)
	if !ok {
		if b, isBool := idx.(bool); isBool {
			if b {
				n = 1
			}
		} else {
			return 0, false
		}
	}
	if n < 0 {
		n += int64(length)
	}
	if n < 0 || n >= int64(length) {
		return 0, false
	}
	return int(n), true
}

func hashable(v any) bool {
	switch v.(type) {
	case nil, bool, int64, float64, string:
		return true
	}
	return false
}
