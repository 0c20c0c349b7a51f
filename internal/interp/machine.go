package interp

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/algoviz/engine/internal/domain"
	"github.com/algoviz/engine/internal/lang"
)

const (
	// maxCallDepth bounds guest recursion.
	maxCallDepth = 200
	// maxSilentOps bounds the bytecode executed between two emitted steps;
	// exceeding it is an engine fault, not a guest fault, because every
	// loop iteration emits at least one step by construction.
	maxSilentOps = 100000
)

// Machine executes one compiled guest program. It is owned by exactly one
// session supervisor and is not safe for concurrent use; all suspension,
// cancellation, and pacing happens between Step calls.
type Machine struct {
	fn     *lang.Function
	ip     int
	stack  []any
	sp     int
	frames []frame
	scope  *env
	module *env
	loops  map[int]int

	lastCmp   *cmpRecord
	lastCmpIP int

	seq     uint64
	console *Console

	// objects registers every allocated container for the memory estimate;
	// arena holds tree/graph nodes for snapshot adjacency tables.
	objects []any
	arena   []*node

	done   bool
	result any
	fault  *domain.FaultDetail
}

type frame struct {
	fn       *lang.Function
	returnIP int
	scope    *env
	baseSP   int
	loops    map[int]int
	lastLine int32
}

type cmpRecord struct {
	left, right any
	op          lang.CmpOp
	result      bool
}

// New creates a machine for the compiled program.
func New(fn *lang.Function) *Machine {
	module := newEnv(nil)
	return &Machine{
		fn:      fn,
		scope:   module,
		module:  module,
		stack:   make([]any, 0, 64),
		console: NewConsole(32 * 1024),
	}
}

// SetInput binds the declared test input (a JSON value) to the guest global
// "input". Containers are allocated through the machine so their identities
// stay deterministic.
func (m *Machine) SetInput(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("decode input: %w", err)
	}
	val, err := m.fromJSON(raw)
	if err != nil {
		return err
	}
	m.module.def("input", val)
	return nil
}

func (m *Machine) fromJSON(raw any) (any, error) {
	switch v := raw.(type) {
	case nil, bool, string:
		return v, nil
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n, nil
		}
		f, err := v.Float64()
		if err != nil {
			return nil, fmt.Errorf("parse input number %q: %w", v.String(), err)
		}
		return f, nil
	case []any:
		l := m.newList(len(v))
		for _, elem := range v {
			conv, err := m.fromJSON(elem)
			if err != nil {
				return nil, err
			}
			l.elems = append(l.elems, conv)
		}
		return l, nil
	case map[string]any:
		d := m.newDict()
		for k, elem := range v {
			conv, err := m.fromJSON(elem)
			if err != nil {
				return nil, err
			}
			d.items[k] = conv
		}
		return d, nil
	}
	return nil, fmt.Errorf("unsupported input value: %T", raw)
}

// Done reports whether execution has terminated.
func (m *Machine) Done() bool {
	return m.done
}

// Outcome returns the terminal state once Done: Failed when a guest fault
// occurred, Completed otherwise.
func (m *Machine) Outcome() domain.SessionState {
	if m.fault != nil {
		return domain.StateFailed
	}
	return domain.StateCompleted
}

// Fault returns the guest fault annotation, if any.
func (m *Machine) Fault() *domain.FaultDetail {
	return m.fault
}

// Result returns the final return value snapshot once Done.
func (m *Machine) Result() *domain.Value {
	if m.fault != nil {
		return nil
	}
	v := m.snapshotValue(m.result, nil)
	return &v
}

// Console returns the captured guest print output.
func (m *Machine) Console() string {
	return m.console.String()
}

// StepsEmitted returns the number of steps produced so far; it doubles as
// the guest's monotonic logical clock.
func (m *Machine) StepsEmitted() uint64 {
	return m.seq
}

// MemoryEstimate approximates the guest's live data size in bytes. It is
// computed from container lengths only, so it is deterministic for a given
// program and input. The estimate is conservative: released containers keep
// counting until the session ends.
func (m *Machine) MemoryEstimate() uint64 {
	var total uint64 = 1024
	for _, obj := range m.objects {
		switch o := obj.(type) {
		case *list:
			total += 32 + 16*uint64(len(o.elems))
			for _, e := range o.elems {
				if s, ok := e.(string); ok {
					total += uint64(len(s))
				}
			}
		case *dict:
			total += 64 + 48*uint64(len(o.items))
		}
	}
	total += 64 * uint64(len(m.arena))
	total += uint64(m.console.Len())
	return total
}

func (m *Machine) newList(capacity int) *list {
	l := &list{id: m.nextID(), elems: make([]any, 0, capacity)}
	m.objects = append(m.objects, l)
	return l
}

func (m *Machine) newDict() *dict {
	d := &dict{id: m.nextID(), items: make(map[any]any)}
	m.objects = append(m.objects, d)
	return d
}

func (m *Machine) newNode(kind domain.ValueKind, val any) *node {
	n := &node{id: len(m.arena), kind: kind, val: val}
	m.arena = append(m.arena, n)
	return n
}

func (m *Machine) nextID() int {
	return len(m.objects) + 1
}

func (m *Machine) push(v any) {
	if m.sp < len(m.stack) {
		m.stack[m.sp] = v
	} else {
		m.stack = append(m.stack, v)
	}
	m.sp++
}

func (m *Machine) pop() any {
	if m.sp == 0 {
		return nil
	}
	m.sp--
	v := m.stack[m.sp]
	m.stack[m.sp] = nil
	return v
}

func (m *Machine) peek() any {
	if m.sp == 0 {
		return nil
	}
	return m.stack[m.sp-1]
}

func (m *Machine) drop(n int) {
	if n > m.sp {
		n = m.sp
	}
	for i := m.sp - n; i < m.sp; i++ {
		m.stack[i] = nil
	}
	m.sp -= n
}
