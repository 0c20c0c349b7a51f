package interp

import (
	"fmt"
	"math"
	"strings"

	"github.com/algoviz/engine/internal/lang"
)

// binaryOp applies an arithmetic opcode. Errors are guest faults.
func (m *Machine) binaryOp(op lang.OpCode, left, right any) (any, error) {
	switch op {
	case lang.OpAdd:
		if ls, ok := left.(string); ok {
			if rs, ok := right.(string); ok {
				return ls + rs, nil
			}
		}
		if ll, ok := left.(*list); ok {
			if rl, ok := right.(*list); ok {
				out := m.newList(len(ll.elems) + len(rl.elems))
				out.elems = append(out.elems, ll.elems...)
				out.elems = append(out.elems, rl.elems...)
				return out, nil
			}
		}
		return numericOp(op, left, right)

	case lang.OpMul:
		if s, n, ok := repeatOperands(left, right); ok {
			if ls, isStr := s.(string); isStr {
				if n <= 0 {
					return "", nil
				}
				return strings.Repeat(ls, int(n)), nil
			}
			ll := s.(*list)
			out := m.newList(len(ll.elems) * int(max64(n, 0)))
			for i := int64(0); i < n; i++ {
				out.elems = append(out.elems, ll.elems...)
			}
			return out, nil
		}
		return numericOp(op, left, right)

	default:
		return numericOp(op, left, right)
	}
}

// repeatOperands detects str*int and list*int in either operand order.
func repeatOperands(left, right any) (seq any, n int64, ok bool) {
	if isSeq(left) {
		if c, isInt := right.(int64); isInt {
			return left, c, true
		}
	}
	if isSeq(right) {
		if c, isInt := left.(int64); isInt {
			return right, c, true
		}
	}
	return nil, 0, false
}

func isSeq(v any) bool {
	switch v.(type) {
	case string, *list:
		return true
	}
	return false
}

func numericOp(op lang.OpCode, left, right any) (any, error) {
	li, lInt := asInt(left)
	ri, rInt := asInt(right)
	if lInt && rInt {
		switch op {
		case lang.OpAdd:
			return li + ri, nil
		case lang.OpSub:
			return li - ri, nil
		case lang.OpMul:
			return li * ri, nil
		case lang.OpDiv:
			if ri == 0 {
				return nil, fmt.Errorf("division by zero")
			}
			return float64(li) / float64(ri), nil
		case lang.OpFloorDiv:
			if ri == 0 {
				return nil, fmt.Errorf("integer division by zero")
			}
			return floorDivInt(li, ri), nil
		case lang.OpMod:
			if ri == 0 {
				return nil, fmt.Errorf("integer modulo by zero")
			}
			return modInt(li, ri), nil
		case lang.OpPow:
			if ri < 0 {
				return math.Pow(float64(li), float64(ri)), nil
			}
			return powInt(li, ri), nil
		}
	}

	lf, lNum := asFloat(left)
	rf, rNum := asFloat(right)
	if !lNum || !rNum {
		return nil, fmt.Errorf("unsupported operand types: %q and %q", typeName(left), typeName(right))
	}
	switch op {
	case lang.OpAdd:
		return lf + rf, nil
	case lang.OpSub:
		return lf - rf, nil
	case lang.OpMul:
		return lf * rf, nil
	case lang.OpDiv:
		if rf == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return lf / rf, nil
	case lang.OpFloorDiv:
		if rf == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return math.Floor(lf / rf), nil
	case lang.OpMod:
		if rf == 0 {
			return nil, fmt.Errorf("modulo by zero")
		}
		r := math.Mod(lf, rf)
		if r != 0 && (r < 0) != (rf < 0) {
			r += rf
		}
		return r, nil
	case lang.OpPow:
		return math.Pow(lf, rf), nil
	}
	return nil, fmt.Errorf("unsupported arithmetic opcode %d", op)
}

// floorDivInt rounds toward negative infinity, matching the guest language.
func floorDivInt(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

// modInt yields a result with the sign of the divisor.
func modInt(a, b int64) int64 {
	r := a % b
	if r != 0 && (r < 0) != (b < 0) {
		r += b
	}
	return r
}

func powInt(base, exp int64) int64 {
	var result int64 = 1
	for exp > 0 {
		if exp&1 == 1 {
			result *= base
		}
		base *= base
		exp >>= 1
	}
	return result
}

func asInt(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int64:
		return float64(x), true
	case float64:
		return x, true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// compareValues evaluates a guest comparison. Errors are guest faults.
func compareValues(op lang.CmpOp, left, right any) (bool, error) {
	switch op {
	case lang.CmpEq:
		return valueEqual(left, right), nil
	case lang.CmpNe:
		return !valueEqual(left, right), nil
	case lang.CmpIn, lang.CmpNotIn:
		found, err := contains(right, left)
		if err != nil {
			return false, err
		}
		if op == lang.CmpNotIn {
			return !found, nil
		}
		return found, nil
	}

	if ls, lok := left.(string); lok {
		if rs, rok := right.(string); rok {
			return orderResult(op, strings.Compare(ls, rs)), nil
		}
	}
	lf, lNum := asFloat(left)
	rf, rNum := asFloat(right)
	if lNum && rNum {
		switch {
		case lf < rf:
			return orderResult(op, -1), nil
		case lf > rf:
			return orderResult(op, 1), nil
		default:
			return orderResult(op, 0), nil
		}
	}
	return false, fmt.Errorf("%q not supported between %q and %q",
		op.String(), typeName(left), typeName(right))
}

func orderResult(op lang.CmpOp, cmp int) bool {
	switch op {
	case lang.CmpLt:
		return cmp < 0
	case lang.CmpLe:
		return cmp <= 0
	case lang.CmpGt:
		return cmp > 0
	case lang.CmpGe:
		return cmp >= 0
	}
	return false
}

// contains implements the membership operator: list elements, dict keys,
// or substring.
func contains(container, needle any) (bool, error) {
	switch c := container.(type) {
	case *list:
		for _, e := range c.elems {
			if valueEqual(e, needle) {
				return true, nil
			}
		}
		return false, nil
	case *dict:
		if !hashable(needle) {
			return false, fmt.Errorf("unhashable type: %q", typeName(needle))
		}
		_, ok := c.items[needle]
		return ok, nil
	case string:
		s, ok := needle.(string)
		if !ok {
			return false, fmt.Errorf("membership on a string requires a string, got %q", typeName(needle))
		}
		return strings.Contains(c, s), nil
	}
	return false, fmt.Errorf("membership test not supported on %q", typeName(container))
}

// valueEqual implements guest equality: numbers compare across int and
// float, containers compare structurally, nodes by identity.
func valueEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if ab, ok := a.(bool); ok {
		bb, ok := b.(bool)
		return ok && ab == bb
	}
	if _, ok := b.(bool); ok {
		return false
	}
	if af, aNum := asFloat(a); aNum {
		bf, bNum := asFloat(b)
		return bNum && af == bf
	}
	switch av := a.(type) {
	case string:
		bs, ok := b.(string)
		return ok && av == bs
	case *list:
		bl, ok := b.(*list)
		if !ok || len(av.elems) != len(bl.elems) {
			return false
		}
		for i := range av.elems {
			if !valueEqual(av.elems[i], bl.elems[i]) {
				return false
			}
		}
		return true
	case *dict:
		bd, ok := b.(*dict)
		if !ok || len(av.items) != len(bd.items) {
			return false
		}
		for k, v := range av.items {
			bv, present := bd.items[k]
			if !present || !valueEqual(v, bv) {
				return false
			}
		}
		return true
	case *node:
		bn, ok := b.(*node)
		return ok && av == bn
	}
	return false
}
