package interp

// env is one lexical scope. Function calls get a fresh env whose parent is
// the module scope, so guest functions see globals but not enclosing locals.
type env struct {
	parent *env
	vars   map[string]any
}

func newEnv(parent *env) *env {
	return &env{parent: parent}
}

func (e *env) get(name string) (any, bool) {
	for s := e; s != nil; s = s.parent {
		if v, ok := s.vars[name]; ok {
			return v, true
		}
	}
	return nil, false
}

// def binds name in this scope, shadowing outer bindings.
func (e *env) def(name string, val any) {
	if e.vars == nil {
		e.vars = make(map[string]any)
	}
	e.vars[name] = val
}
