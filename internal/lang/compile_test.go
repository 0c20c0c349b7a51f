package lang

import (
	"errors"
	"strings"
	"testing"
)

func TestCompileValidProgram(t *testing.T) {
	src := `x = 1
def double(n):
    return n * 2
for v in [1, 2, 3]:
    x = x + double(v)
`
	fn, err := Compile("test", []byte(src))
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	if fn.Name != "test" {
		t.Errorf("Expected function name test, got %q", fn.Name)
	}
	if len(fn.Code) == 0 {
		t.Fatal("Expected compiled code")
	}
	if len(fn.Code) != len(fn.Lines) {
		t.Errorf("Expected line table to parallel code: %d vs %d", len(fn.Code), len(fn.Lines))
	}
	// Module body ends with an implicit return.
	if fn.Code[len(fn.Code)-1]&0xff != OpReturn {
		t.Error("Expected implicit trailing return")
	}
}

func TestCompileSyntaxError(t *testing.T) {
	if _, err := Compile("test", []byte("if x\n")); err == nil {
		t.Error("Expected syntax error")
	}
}

func TestPolicyRejections(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"lambda", "f = lambda x: x\n", "lambda"},
		{"comprehension", "xs = [v for v in [1]]\n", "comprehension"},
		{"slice", "xs = [1, 2, 3]\ny = xs[0:1]\n", "slice"},
		{"attribute access", "y = xs.field\n", "attribute access"},
		{"load", "load(\"module\", \"name\")\n", "load"},
		{"disallowed method", "xs = [1]\nxs.extend([2])\n", "not permitted"},
		{"starred arg", "f(*xs)\n", "starred"},
		{"huge int literal", "x = 99999999999999999999999999\n", "too large"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile("test", []byte(tt.src))
			if err == nil {
				t.Fatal("Expected policy rejection")
			}
			var policyErr *PolicyError
			if !errors.As(err, &policyErr) {
				t.Fatalf("Expected *PolicyError, got %T: %v", err, err)
			}
			if !strings.Contains(policyErr.Message, tt.want) {
				t.Errorf("Expected message containing %q, got %q", tt.want, policyErr.Message)
			}
		})
	}
}

func TestPolicyErrorCarriesLine(t *testing.T) {
	_, err := Compile("test", []byte("x = 1\ny = a.b\n"))
	var policyErr *PolicyError
	if !errors.As(err, &policyErr) {
		t.Fatalf("Expected *PolicyError, got %v", err)
	}
	if policyErr.Line != 2 {
		t.Errorf("Expected line 2, got %d", policyErr.Line)
	}
}

func TestAllowedMethodsCompile(t *testing.T) {
	src := `xs = [1]
xs.append(2)
xs.insert(0, 0)
xs.remove(1)
xs.pop()
d = {"k": 1}
ks = d.keys()
vs = d.values()
v = d.get("k", 0)
`
	if _, err := Compile("test", []byte(src)); err != nil {
		t.Fatalf("Expected allowlisted methods to compile, got %v", err)
	}
}

func TestBreakOutsideLoopFails(t *testing.T) {
	if _, err := Compile("test", []byte("break\n")); err == nil {
		t.Error("Expected break outside loop to fail")
	}
}

func TestOpCodePacking(t *testing.T) {
	op := OpJump.With(-5)
	if op&0xff != OpJump {
		t.Errorf("Expected opcode preserved, got %d", op&0xff)
	}
	if op.SignedArg() != -5 {
		t.Errorf("Expected signed arg -5, got %d", op.SignedArg())
	}

	pair := OpCallMethod.WithPair(300, 2)
	hi, lo := pair.PairArgs()
	if hi != 300 || lo != 2 {
		t.Errorf("Expected pair (300, 2), got (%d, %d)", hi, lo)
	}
}
