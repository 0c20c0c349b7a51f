package lang

// Function is one compiled code object: the module body or a user-defined
// function. Lines parallels Code, mapping each instruction back to its
// source line for step records.
type Function struct {
	Name       string
	Code       []OpCode
	Lines      []int32
	Constants  []any
	ParamNames []string
}

// Line returns the source line of the instruction at ip.
func (f *Function) Line(ip int) int32 {
	if ip < 0 || ip >= len(f.Lines) {
		return 0
	}
	return f.Lines[ip]
}
