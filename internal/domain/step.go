package domain

// StepKind enumerates the primitive operations a step can record.
type StepKind string

const (
	StepAssign     StepKind = "assign"
	StepArrayRead  StepKind = "array_read"
	StepArrayWrite StepKind = "array_write"
	StepMapRead    StepKind = "map_read"
	StepMapWrite   StepKind = "map_write"
	StepCompare    StepKind = "compare"
	StepBranch     StepKind = "branch"
	StepLoopIter   StepKind = "loop_iter"
	StepCallEnter  StepKind = "call_enter"
	StepCallExit   StepKind = "call_exit"
	StepReturn     StepKind = "return"
	StepFault      StepKind = "fault"
)

// Step is the immutable record of one primitive operation's effect.
// Sequence numbers are assigned by the interpreter, start at 0, and increase
// by exactly 1 within a trace. A step is either fully committed to the trace
// store or not visible at all.
type Step struct {
	Sequence uint64   `json:"sequence"`
	Line     int32    `json:"line"`
	Op       StepKind `json:"operation"`
	Depth    int      `json:"depth"`

	// Variables snapshots everything reachable at this point, innermost
	// scope winning on shadowing. encoding/json sorts map keys, so the
	// serialized form is deterministic.
	Variables map[string]Value `json:"variables"`

	// Nodes is the arena adjacency table, present only when the guest has
	// allocated tree or graph nodes.
	Nodes []NodeSnapshot `json:"nodes,omitempty"`

	// Delta names the single variable changed by an assign step so consumers
	// can avoid full-state diffing.
	Delta *Delta `json:"delta,omitempty"`

	Compare *CompareDetail `json:"compare,omitempty"`
	Access  *AccessDetail  `json:"access,omitempty"`
	Loop    *LoopDetail    `json:"loop,omitempty"`
	Call    *CallDetail    `json:"call,omitempty"`
	Result  *Value         `json:"result,omitempty"`
	Fault   *FaultDetail   `json:"fault,omitempty"`
}

// Delta summarizes what an assignment changed.
type Delta struct {
	Name   string `json:"name"`
	Before *Value `json:"before,omitempty"`
	After  Value  `json:"after"`
}

// CompareDetail records both operands, the comparator, and the result of a
// comparison. On branch steps Taken reports which way control flow went.
type CompareDetail struct {
	Left       Value  `json:"left"`
	Comparator string `json:"comparator"`
	Right      Value  `json:"right"`
	Result     bool   `json:"result"`
	Taken      string `json:"taken,omitempty"`
}

// AccessDetail records an indexed container access. Container is the stable
// object ref of the container; Before/After carry the element value around a
// write (Before only for reads).
type AccessDetail struct {
	Container int    `json:"container"`
	Index     Value  `json:"index"`
	Before    *Value `json:"before,omitempty"`
	After     *Value `json:"after,omitempty"`
}

// LoopDetail marks an iteration-body entry. Iteration counts from 0 so
// consumers can collapse repetitive iterations.
type LoopDetail struct {
	Iteration int    `json:"iteration"`
	Variable  string `json:"variable,omitempty"`
	Value     *Value `json:"value,omitempty"`
}

// CallDetail records a call boundary: parameter bindings on entry, the
// return value on exit.
type CallDetail struct {
	Function string           `json:"function"`
	Params   map[string]Value `json:"params,omitempty"`
	Return   *Value           `json:"return,omitempty"`
}

// FaultDetail annotates the terminal step of a failed execution with a
// human-readable position and message. Guest faults are data, not engine
// errors.
type FaultDetail struct {
	Message string `json:"message"`
	Line    int32  `json:"line"`
}
