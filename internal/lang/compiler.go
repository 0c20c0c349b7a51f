package lang

import (
	"fmt"

	"go.starlark.net/syntax"
)

type compiler struct {
	name      string
	code      []OpCode
	lines     []int32
	line      int32
	constants []any
	constMap  map[any]int
	loops     []*loopContext
	numLoops  int
}

type loopContext struct {
	continueIP int
	breakIPs   []int
	isFor      bool
}

func newCompiler(name string) *compiler {
	return &compiler{
		name:     name,
		constMap: make(map[any]int),
	}
}

func (c *compiler) toFunction() *Function {
	return &Function{
		Name:      c.name,
		Code:      c.code,
		Lines:     c.lines,
		Constants: c.constants,
	}
}

func (c *compiler) addConst(val any) int {
	if isComparable(val) {
		if idx, ok := c.constMap[val]; ok {
			return idx
		}
	}
	idx := len(c.constants)
	c.constants = append(c.constants, val)
	if isComparable(val) {
		c.constMap[val] = idx
	}
	return idx
}

func isComparable(v any) bool {
	switch v.(type) {
	case int64, float64, string, bool, nil:
		return true
	}
	return false
}

func (c *compiler) emit(op OpCode) {
	c.code = append(c.code, op)
	c.lines = append(c.lines, c.line)
}

func (c *compiler) setPos(node syntax.Node) {
	start, _ := node.Span()
	c.line = start.Line
}

func (c *compiler) currentIP() int {
	return len(c.code)
}

func (c *compiler) patchJump(ip, target int) {
	offset := target - ip - 1
	op := c.code[ip] & 0xff
	c.code[ip] = op.With(offset)
}

func (c *compiler) newLoopID() int {
	id := c.numLoops
	c.numLoops++
	return id
}

func (c *compiler) compileStmts(stmts []syntax.Stmt) error {
	for _, stmt := range stmts {
		if err := c.compileStmt(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (c *compiler) compileStmt(stmt syntax.Stmt) error {
	c.setPos(stmt)
	switch s := stmt.(type) {
	case *syntax.ExprStmt:
		if err := c.compileExpr(s.X); err != nil {
			return err
		}
		c.emit(OpPop)
		return nil
	case *syntax.AssignStmt:
		return c.compileAssign(s)
	case *syntax.DefStmt:
		return c.compileDef(s)
	case *syntax.ReturnStmt:
		if s.Result != nil {
			if err := c.compileExpr(s.Result); err != nil {
				return err
			}
		} else {
			c.emit(OpLoadConst.With(c.addConst(nil)))
		}
		c.setPos(s)
		c.emit(OpReturn)
		return nil
	case *syntax.IfStmt:
		return c.compileIf(s)
	case *syntax.WhileStmt:
		return c.compileWhile(s)
	case *syntax.ForStmt:
		return c.compileFor(s)
	case *syntax.BranchStmt:
		return c.compileBranch(s)
	default:
		// The policy pass rejects everything else first.
		return fmt.Errorf("unsupported statement type: %T", stmt)
	}
}

func (c *compiler) compileAssign(s *syntax.AssignStmt) error {
	if s.Op == syntax.EQ {
		return c.compileSimpleAssign(s.LHS, s.RHS)
	}
	return c.compileAugmentedAssign(s)
}

func (c *compiler) compileSimpleAssign(lhs, rhs syntax.Expr) error {
	switch node := unparen(lhs).(type) {
	case *syntax.Ident:
		if err := c.compileExpr(rhs); err != nil {
			return err
		}
		c.setPos(lhs)
		c.emit(OpStoreVar.With(c.addConst(node.Name)))
		return nil

	case *syntax.TupleExpr:
		return c.compileUnpackAssign(node.List, rhs)
	case *syntax.ListExpr:
		return c.compileUnpackAssign(node.List, rhs)

	case *syntax.IndexExpr:
		if err := c.compileExpr(node.X); err != nil {
			return err
		}
		if err := c.compileExpr(node.Y); err != nil {
			return err
		}
		if err := c.compileExpr(rhs); err != nil {
			return err
		}
		c.setPos(lhs)
		c.emit(OpSetIndex)
		return nil

	default:
		return fmt.Errorf("unsupported assignment target: %T", lhs)
	}
}

// compileUnpackAssign handles `a, b = expr`. The unpacked elements are
// pushed so the leftmost target is stored first; each store emits its own
// assign step.
func (c *compiler) compileUnpackAssign(targets []syntax.Expr, rhs syntax.Expr) error {
	if err := c.compileExpr(rhs); err != nil {
		return err
	}
	c.emit(OpUnpack.With(len(targets)))
	for _, target := range targets {
		ident := unparen(target).(*syntax.Ident)
		c.setPos(target)
		c.emit(OpStoreVar.With(c.addConst(ident.Name)))
	}
	return nil
}

func (c *compiler) compileAugmentedAssign(s *syntax.AssignStmt) error {
	var op OpCode
	switch s.Op {
	case syntax.PLUS_EQ:
		op = OpAdd
	case syntax.MINUS_EQ:
		op = OpSub
	case syntax.STAR_EQ:
		op = OpMul
	case syntax.SLASH_EQ:
		op = OpDiv
	case syntax.SLASHSLASH_EQ:
		op = OpFloorDiv
	case syntax.PERCENT_EQ:
		op = OpMod
	default:
		return fmt.Errorf("augmented assignment op %s not supported", s.Op)
	}

	switch lhs := unparen(s.LHS).(type) {
	case *syntax.Ident:
		c.emit(OpLoadVar.With(c.addConst(lhs.Name)))
		if err := c.compileExpr(s.RHS); err != nil {
			return err
		}
		c.emit(op)
		c.setPos(s)
		c.emit(OpStoreVar.With(c.addConst(lhs.Name)))
		return nil

	case *syntax.IndexExpr:
		if err := c.compileExpr(lhs.X); err != nil {
			return err
		}
		if err := c.compileExpr(lhs.Y); err != nil {
			return err
		}
		c.emit(OpDup2)
		c.emit(OpGetIndex)
		if err := c.compileExpr(s.RHS); err != nil {
			return err
		}
		c.emit(op)
		c.setPos(s)
		c.emit(OpSetIndex)
		return nil

	default:
		return fmt.Errorf("unsupported augmented assignment target: %T", s.LHS)
	}
}

func (c *compiler) compileBranch(s *syntax.BranchStmt) error {
	if s.Token == syntax.PASS {
		return nil
	}
	if len(c.loops) == 0 {
		return fmt.Errorf("%s outside loop", s.Token)
	}
	loop := c.loops[len(c.loops)-1]

	switch s.Token {
	case syntax.BREAK:
		loop.breakIPs = append(loop.breakIPs, c.currentIP())
		c.emit(OpJump)
	case syntax.CONTINUE:
		ip := c.currentIP()
		c.emit(OpJump)
		c.patchJump(ip, loop.continueIP)
	}
	return nil
}

func (c *compiler) compileIf(s *syntax.IfStmt) error {
	c.setPos(s.Cond)
	jumpFalseIP, err := c.compileCondition(s.Cond)
	if err != nil {
		return err
	}

	if err := c.compileStmts(s.True); err != nil {
		return err
	}

	if len(s.False) == 0 {
		c.patchJump(jumpFalseIP, c.currentIP())
		return nil
	}

	jumpEndIP := c.currentIP()
	c.emit(OpJump)
	c.patchJump(jumpFalseIP, c.currentIP())
	if err := c.compileStmts(s.False); err != nil {
		return err
	}
	c.patchJump(jumpEndIP, c.currentIP())
	return nil
}

// compileCondition compiles a conditional jump that emits a branch step.
// When the condition is a bare comparison it is fused: the comparison runs
// quiet and the branch step carries its operands, comparator, and result.
// Returns the IP of the OpBranchFalse to patch.
func (c *compiler) compileCondition(cond syntax.Expr) (int, error) {
	if bin, ok := unparen(cond).(*syntax.BinaryExpr); ok {
		if cmp, ok := comparatorFor(bin.Op); ok {
			if err := c.compileExpr(bin.X); err != nil {
				return 0, err
			}
			if err := c.compileExpr(bin.Y); err != nil {
				return 0, err
			}
			c.setPos(cond)
			c.emit(OpCmpQuiet.With(int(cmp)))
			ip := c.currentIP()
			c.emit(OpBranchFalse)
			return ip, nil
		}
	}
	if err := c.compileExpr(cond); err != nil {
		return 0, err
	}
	c.setPos(cond)
	ip := c.currentIP()
	c.emit(OpBranchFalse)
	return ip, nil
}

func (c *compiler) compileWhile(s *syntax.WhileStmt) error {
	loopID := c.newLoopID()
	c.emit(OpLoopReset.With(loopID))

	startIP := c.currentIP()
	loop := &loopContext{continueIP: startIP}
	c.loops = append(c.loops, loop)

	c.setPos(s.Cond)
	jumpExitIP, err := c.compileCondition(s.Cond)
	if err != nil {
		return err
	}

	c.emit(OpLoopIter.WithPair(c.addConst(""), loopID))

	if err := c.compileStmts(s.Body); err != nil {
		return err
	}

	jumpBackIP := c.currentIP()
	c.emit(OpJump)
	c.patchJump(jumpBackIP, startIP)

	c.patchJump(jumpExitIP, c.currentIP())
	for _, ip := range loop.breakIPs {
		c.patchJump(ip, c.currentIP())
	}
	c.loops = c.loops[:len(c.loops)-1]
	return nil
}

func (c *compiler) compileFor(s *syntax.ForStmt) error {
	if err := c.compileExpr(s.X); err != nil {
		return err
	}
	c.setPos(s)
	c.emit(OpGetIter)

	loopID := c.newLoopID()
	c.emit(OpLoopReset.With(loopID))

	headIP := c.currentIP()
	loop := &loopContext{continueIP: headIP, isFor: true}
	c.loops = append(c.loops, loop)

	nextIterIP := c.currentIP()
	c.emit(OpNextIter)

	ident := s.Vars.(*syntax.Ident)
	nameIdx := c.addConst(ident.Name)
	c.emit(OpStoreVarQuiet.With(nameIdx))
	c.emit(OpLoopIter.WithPair(nameIdx, loopID))

	if err := c.compileStmts(s.Body); err != nil {
		return err
	}

	jumpBackIP := c.currentIP()
	c.emit(OpJump)
	c.patchJump(jumpBackIP, headIP)

	// Breaks jump here and discard the iterator before leaving the loop.
	if len(loop.breakIPs) > 0 {
		breakIP := c.currentIP()
		c.emit(OpPop)
		for _, ip := range loop.breakIPs {
			c.patchJump(ip, breakIP)
		}
	}

	c.patchJump(nextIterIP, c.currentIP())
	c.loops = c.loops[:len(c.loops)-1]
	return nil
}

func (c *compiler) compileDef(s *syntax.DefStmt) error {
	sub := newCompiler(s.Name.Name)
	sub.setPos(s)
	if err := sub.compileStmts(s.Body); err != nil {
		return err
	}
	sub.emit(OpLoadConst.With(sub.addConst(nil)))
	sub.emit(OpReturn)

	fn := sub.toFunction()
	fn.ParamNames = make([]string, len(s.Params))
	for i, p := range s.Params {
		fn.ParamNames[i] = p.(*syntax.Ident).Name
	}

	c.emit(OpMakeFunc.With(c.addConst(fn)))
	// Function definition is a declaration, not a traced assignment.
	c.emit(OpStoreVarQuiet.With(c.addConst(s.Name.Name)))
	return nil
}

func (c *compiler) compileExpr(expr syntax.Expr) error {
	switch e := expr.(type) {
	case *syntax.Literal:
		c.setPos(e)
		c.emit(OpLoadConst.With(c.addConst(e.Value)))
		return nil
	case *syntax.Ident:
		c.setPos(e)
		switch e.Name {
		case "True":
			c.emit(OpLoadConst.With(c.addConst(true)))
		case "False":
			c.emit(OpLoadConst.With(c.addConst(false)))
		case "None":
			c.emit(OpLoadConst.With(c.addConst(nil)))
		default:
			c.emit(OpLoadVar.With(c.addConst(e.Name)))
		}
		return nil
	case *syntax.ParenExpr:
		return c.compileExpr(e.X)
	case *syntax.UnaryExpr:
		return c.compileUnaryExpr(e)
	case *syntax.BinaryExpr:
		return c.compileBinaryExpr(e)
	case *syntax.CallExpr:
		return c.compileCallExpr(e)
	case *syntax.ListExpr:
		for _, elem := range e.List {
			if err := c.compileExpr(elem); err != nil {
				return err
			}
		}
		c.setPos(e)
		c.emit(OpMakeList.With(len(e.List)))
		return nil
	case *syntax.TupleExpr:
		for _, elem := range e.List {
			if err := c.compileExpr(elem); err != nil {
				return err
			}
		}
		c.setPos(e)
		c.emit(OpMakeList.With(len(e.List)))
		return nil
	case *syntax.DictExpr:
		for _, entry := range e.List {
			de := entry.(*syntax.DictEntry)
			if err := c.compileExpr(de.Key); err != nil {
				return err
			}
			if err := c.compileExpr(de.Value); err != nil {
				return err
			}
		}
		c.setPos(e)
		c.emit(OpMakeMap.With(len(e.List)))
		return nil
	case *syntax.IndexExpr:
		if err := c.compileExpr(e.X); err != nil {
			return err
		}
		if err := c.compileExpr(e.Y); err != nil {
			return err
		}
		c.setPos(e)
		c.emit(OpGetIndex)
		return nil
	case *syntax.CondExpr:
		return c.compileCondExpr(e)
	default:
		return fmt.Errorf("unsupported expression: %T", expr)
	}
}

func (c *compiler) compileUnaryExpr(e *syntax.UnaryExpr) error {
	switch e.Op {
	case syntax.PLUS:
		return c.compileExpr(e.X)
	case syntax.MINUS:
		if err := c.compileExpr(e.X); err != nil {
			return err
		}
		c.setPos(e)
		c.emit(OpNeg)
		return nil
	case syntax.NOT:
		if err := c.compileExpr(e.X); err != nil {
			return err
		}
		c.setPos(e)
		c.emit(OpNot)
		return nil
	default:
		return fmt.Errorf("unsupported unary op: %v", e.Op)
	}
}

func comparatorFor(op syntax.Token) (CmpOp, bool) {
	switch op {
	case syntax.EQL:
		return CmpEq, true
	case syntax.NEQ:
		return CmpNe, true
	case syntax.LT:
		return CmpLt, true
	case syntax.LE:
		return CmpLe, true
	case syntax.GT:
		return CmpGt, true
	case syntax.GE:
		return CmpGe, true
	case syntax.IN:
		return CmpIn, true
	case syntax.NOT_IN:
		return CmpNotIn, true
	}
	return 0, false
}

func (c *compiler) compileBinaryExpr(e *syntax.BinaryExpr) error {
	// Short-circuit operators compile to quiet jumps.
	if e.Op == syntax.AND {
		if err := c.compileExpr(e.X); err != nil {
			return err
		}
		c.emit(OpDup)
		jumpFalseIP := c.currentIP()
		c.emit(OpJumpFalse)
		c.emit(OpPop)
		if err := c.compileExpr(e.Y); err != nil {
			return err
		}
		c.patchJump(jumpFalseIP, c.currentIP())
		return nil
	}
	if e.Op == syntax.OR {
		if err := c.compileExpr(e.X); err != nil {
			return err
		}
		c.emit(OpDup)
		jumpFalseIP := c.currentIP()
		c.emit(OpJumpFalse)
		jumpEndIP := c.currentIP()
		c.emit(OpJump)
		c.patchJump(jumpFalseIP, c.currentIP())
		c.emit(OpPop)
		if err := c.compileExpr(e.Y); err != nil {
			return err
		}
		c.patchJump(jumpEndIP, c.currentIP())
		return nil
	}

	if err := c.compileExpr(e.X); err != nil {
		return err
	}
	if err := c.compileExpr(e.Y); err != nil {
		return err
	}
	c.setPos(e)

	if cmp, ok := comparatorFor(e.Op); ok {
		// Standalone comparison: emits a compare step.
		c.emit(OpCmp.With(int(cmp)))
		return nil
	}

	switch e.Op {
	case syntax.PLUS:
		c.emit(OpAdd)
	case syntax.MINUS:
		c.emit(OpSub)
	case syntax.STAR:
		c.emit(OpMul)
	case syntax.SLASH:
		c.emit(OpDiv)
	case syntax.SLASHSLASH:
		c.emit(OpFloorDiv)
	case syntax.PERCENT:
		c.emit(OpMod)
	case syntax.STARSTAR:
		c.emit(OpPow)
	default:
		return fmt.Errorf("unsupported binary op: %v", e.Op)
	}
	return nil
}

func (c *compiler) compileCallExpr(e *syntax.CallExpr) error {
	switch fn := e.Fn.(type) {
	case *syntax.Ident:
		c.setPos(e)
		c.emit(OpLoadVar.With(c.addConst(fn.Name)))
		for _, arg := range e.Args {
			if err := c.compileExpr(arg); err != nil {
				return err
			}
		}
		c.setPos(e)
		c.emit(OpCall.With(len(e.Args)))
		return nil
	case *syntax.DotExpr:
		if err := c.compileExpr(fn.X); err != nil {
			return err
		}
		for _, arg := range e.Args {
			if err := c.compileExpr(arg); err != nil {
				return err
			}
		}
		c.setPos(e)
		c.emit(OpCallMethod.WithPair(c.addConst(fn.Name.Name), len(e.Args)))
		return nil
	default:
		return fmt.Errorf("unsupported call target: %T", e.Fn)
	}
}

// Ternaries stay quiet: they are expressions, not control-flow statements,
// so they do not emit branch steps.
func (c *compiler) compileCondExpr(e *syntax.CondExpr) error {
	if err := c.compileExpr(e.Cond); err != nil {
		return err
	}
	jumpFalseIP := c.currentIP()
	c.emit(OpJumpFalse)
	if err := c.compileExpr(e.True); err != nil {
		return err
	}
	jumpEndIP := c.currentIP()
	c.emit(OpJump)
	c.patchJump(jumpFalseIP, c.currentIP())
	if err := c.compileExpr(e.False); err != nil {
		return err
	}
	c.patchJump(jumpEndIP, c.currentIP())
	return nil
}

func unparen(e syntax.Expr) syntax.Expr {
	for {
		p, ok := e.(*syntax.ParenExpr)
		if !ok {
			return e
		}
		e = p.X
	}
}
