package lang

import (
	"fmt"

	"go.starlark.net/syntax"
)

// PolicyError reports a security-policy violation found before execution
// starts. Sessions rejected this way never reach Running and never emit a
// step.
type PolicyError struct {
	Line    int32
	Message string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Message)
}

// allowedMethods is the closed set of container methods guest code may call.
var allowedMethods = map[string]bool{
	"append": true,
	"pop":    true,
	"insert": true,
	"remove": true,
	"keys":   true,
	"values": true,
	"get":    true,
}

func policyViolation(node syntax.Node, format string, args ...any) error {
	start, _ := node.Span()
	return &PolicyError{Line: start.Line, Message: fmt.Sprintf(format, args...)}
}

// checkPolicy walks the parsed file and rejects every construct outside the
// restricted imperative subset: module loading, lambdas, comprehensions,
// slices, bare attribute access, starred or keyword arguments, and method
// calls outside the allowlist. There is no ambient I/O to deny because the
// interpreter exposes none.
func checkPolicy(file *syntax.File) error {
	for _, stmt := range file.Stmts {
		if err := checkStmt(stmt); err != nil {
			return err
		}
	}
	return nil
}

func checkStmt(stmt syntax.Stmt) error {
	switch s := stmt.(type) {
	case *syntax.ExprStmt:
		return checkExpr(s.X)
	case *syntax.AssignStmt:
		if err := checkAssignTarget(s.LHS, s.Op == syntax.EQ); err != nil {
			return err
		}
		return checkExpr(s.RHS)
	case *syntax.DefStmt:
		for _, p := range s.Params {
			if _, ok := p.(*syntax.Ident); !ok {
				return policyViolation(p, "function parameters must be plain names")
			}
		}
		return checkStmts(s.Body)
	case *syntax.ReturnStmt:
		if s.Result != nil {
			return checkExpr(s.Result)
		}
		return nil
	case *syntax.IfStmt:
		if err := checkExpr(s.Cond); err != nil {
			return err
		}
		if err := checkStmts(s.True); err != nil {
			return err
		}
		return checkStmts(s.False)
	case *syntax.WhileStmt:
		if err := checkExpr(s.Cond); err != nil {
			return err
		}
		return checkStmts(s.Body)
	case *syntax.ForStmt:
		if _, ok := s.Vars.(*syntax.Ident); !ok {
			return policyViolation(s.Vars, "loop variable must be a single name")
		}
		if err := checkExpr(s.X); err != nil {
			return err
		}
		return checkStmts(s.Body)
	case *syntax.BranchStmt:
		return nil
	case *syntax.LoadStmt:
		return policyViolation(s, "load statements are not permitted")
	default:
		return policyViolation(stmt, "unsupported statement: %T", stmt)
	}
}

func checkStmts(stmts []syntax.Stmt) error {
	for _, stmt := range stmts {
		if err := checkStmt(stmt); err != nil {
			return err
		}
	}
	return nil
}

func checkAssignTarget(lhs syntax.Expr, simple bool) error {
	switch node := lhs.(type) {
	case *syntax.Ident:
		return nil
	case *syntax.ParenExpr:
		return checkAssignTarget(node.X, simple)
	case *syntax.IndexExpr:
		if err := checkExpr(node.X); err != nil {
			return err
		}
		return checkExpr(node.Y)
	case *syntax.TupleExpr:
		if !simple {
			return policyViolation(lhs, "augmented assignment target must be a name or index")
		}
		for _, elem := range node.List {
			if _, ok := elem.(*syntax.Ident); !ok {
				return policyViolation(elem, "unpacking targets must be plain names")
			}
		}
		return nil
	case *syntax.ListExpr:
		if !simple {
			return policyViolation(lhs, "augmented assignment target must be a name or index")
		}
		for _, elem := range node.List {
			if _, ok := elem.(*syntax.Ident); !ok {
				return policyViolation(elem, "unpacking targets must be plain names")
			}
		}
		return nil
	default:
		return policyViolation(lhs, "unsupported assignment target: %T", lhs)
	}
}

func checkExpr(expr syntax.Expr) error {
	switch e := expr.(type) {
	case *syntax.Literal:
		if e.Token == syntax.INT {
			if _, ok := e.Value.(int64); !ok {
				return policyViolation(e, "integer literal too large")
			}
		}
		return nil
	case *syntax.Ident:
		return nil
	case *syntax.ParenExpr:
		return checkExpr(e.X)
	case *syntax.UnaryExpr:
		if e.Op == syntax.STAR || e.Op == syntax.STARSTAR {
			return policyViolation(e, "starred expressions are not permitted")
		}
		return checkExpr(e.X)
	case *syntax.BinaryExpr:
		if err := checkExpr(e.X); err != nil {
			return err
		}
		return checkExpr(e.Y)
	case *syntax.CallExpr:
		return checkCall(e)
	case *syntax.ListExpr:
		for _, elem := range e.List {
			if err := checkExpr(elem); err != nil {
				return err
			}
		}
		return nil
	case *syntax.DictExpr:
		for _, entry := range e.List {
			de := entry.(*syntax.DictEntry)
			if err := checkExpr(de.Key); err != nil {
				return err
			}
			if err := checkExpr(de.Value); err != nil {
				return err
			}
		}
		return nil
	case *syntax.IndexExpr:
		if err := checkExpr(e.X); err != nil {
			return err
		}
		return checkExpr(e.Y)
	case *syntax.TupleExpr:
		for _, elem := range e.List {
			if err := checkExpr(elem); err != nil {
				return err
			}
		}
		return nil
	case *syntax.CondExpr:
		if err := checkExpr(e.Cond); err != nil {
			return err
		}
		if err := checkExpr(e.True); err != nil {
			return err
		}
		return checkExpr(e.False)
	case *syntax.DotExpr:
		return policyViolation(e, "attribute access is not permitted")
	case *syntax.LambdaExpr:
		return policyViolation(e, "lambda expressions are not permitted")
	case *syntax.Comprehension:
		return policyViolation(e, "comprehensions are not permitted")
	case *syntax.SliceExpr:
		return policyViolation(e, "slice expressions are not permitted")
	default:
		return policyViolation(expr, "unsupported expression: %T", expr)
	}
}

func checkCall(e *syntax.CallExpr) error {
	switch fn := e.Fn.(type) {
	case *syntax.Ident:
		// User function or builtin; resolved at runtime.
	case *syntax.DotExpr:
		if !allowedMethods[fn.Name.Name] {
			return policyViolation(fn, "method %q is not permitted", fn.Name.Name)
		}
		if err := checkExpr(fn.X); err != nil {
			return err
		}
	default:
		return policyViolation(e.Fn, "call target must be a name or a container method")
	}
	for _, arg := range e.Args {
		if bin, ok := arg.(*syntax.BinaryExpr); ok && bin.Op == syntax.EQ {
			return policyViolation(arg, "keyword arguments are not permitted")
		}
		if u, ok := arg.(*syntax.UnaryExpr); ok && (u.Op == syntax.STAR || u.Op == syntax.STARSTAR) {
			return policyViolation(arg, "starred arguments are not permitted")
		}
		if err := checkExpr(arg); err != nil {
			return err
		}
	}
	return nil
}
