package lang

import (
	"go.starlark.net/syntax"
)

var fileOptions = &syntax.FileOptions{
	Set:             true,
	While:           true,
	TopLevelControl: true,
	GlobalReassign:  true,
}

// Compile parses guest source, checks it against the security policy, and
// compiles it to a module-level Function. Policy violations are returned as
// *PolicyError before any code is produced.
func Compile(name string, source []byte) (*Function, error) {
	file, err := fileOptions.Parse(name, source, 0)
	if err != nil {
		return nil, err
	}

	if err := checkPolicy(file); err != nil {
		return nil, err
	}

	c := newCompiler(name)
	if err := c.compileStmts(file.Stmts); err != nil {
		return nil, err
	}
	// Implicit return at end of module: the terminal return step.
	c.emit(OpLoadConst.With(c.addConst(nil)))
	c.emit(OpReturn)

	return c.toFunction(), nil
}
