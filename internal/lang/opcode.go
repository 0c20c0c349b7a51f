// Package lang is the guest-language front-end: it parses the restricted
// Python-like subset with go.starlark.net/syntax, checks it against the
// security policy, and compiles it to the bytecode executed by the
// instrumented interpreter.
package lang

// OpCode packs an operation in the low 8 bits and its argument in the upper
// 24 bits.
type OpCode uint32

const (
	OpLoadConst OpCode = iota + 8
	OpLoadVar
	OpStoreVar      // assignment to a named variable; emits an assign step
	OpStoreVarQuiet // internal binding (loop variables); no step
	OpPop
	OpDup
	OpDup2
	OpJump
	OpJumpFalse   // short-circuit plumbing; no step
	OpBranchFalse // conditional jump; emits a branch step
	OpCmp         // comparison; emits a compare step
	OpCmpQuiet    // comparison fused into a following OpBranchFalse
	OpAdd
	OpSub
	OpMul
	OpDiv
	OpFloorDiv
	OpMod
	OpPow
	OpNeg
	OpNot
	OpMakeList
	OpMakeMap
	OpGetIndex // emits array_read / map_read
	OpSetIndex // emits array_write / map_write
	OpGetIter
	OpNextIter
	OpLoopReset
	OpLoopIter // emits a loop_iter step at iteration-body entry
	OpUnpack
	OpMakeFunc
	OpCall       // user functions emit call_enter; builtins are silent
	OpCallMethod // allowlisted container methods; mutators emit write steps
	OpReturn     // emits call_exit, or the terminal return step at top level
)

// With packs an argument into the opcode.
func (o OpCode) With(arg int) OpCode {
	return o | (OpCode(arg) << 8)
}

// WithPair packs two small arguments: hi in bits 16+, lo in bits 8-15.
// Used by OpCallMethod (name index / argc) and OpLoopIter (name index /
// loop id).
func (o OpCode) WithPair(hi, lo int) OpCode {
	return o | (OpCode(lo&0xff) << 8) | (OpCode(hi) << 16)
}

// Arg extracts the packed single argument.
func (o OpCode) Arg() int {
	return int(o >> 8)
}

// SignedArg extracts the packed argument as a signed jump offset.
func (o OpCode) SignedArg() int {
	return int(int32(o) >> 8)
}

// PairArgs extracts arguments packed with WithPair.
func (o OpCode) PairArgs() (hi, lo int) {
	return int(o >> 16), int((o >> 8) & 0xff)
}

// CmpOp identifies a comparator; it is the argument of OpCmp/OpCmpQuiet.
type CmpOp int

const (
	CmpEq CmpOp = iota
	CmpNe
	CmpLt
	CmpLe
	CmpGt
	CmpGe
	CmpIn
	CmpNotIn
)

// String returns the guest-level comparator spelling.
func (c CmpOp) String() string {
	switch c {
	case CmpEq:
		return "=="
	case CmpNe:
		return "!="
	case CmpLt:
		return "<"
	case CmpLe:
		return "<="
	case CmpGt:
		return ">"
	case CmpGe:
		return ">="
	case CmpIn:
		return "in"
	case CmpNotIn:
		return "not in"
	}
	return "?"
}
