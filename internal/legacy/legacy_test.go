package legacy

import (
	"os"
	"path/filepath"
	"testing"

	"engined/internal/accel"
	"engined/internal/accel/sim"
	"engined/internal/engine"
	"engined/internal/netdesc/netdesctest"
)

func withDefaults(t *testing.T, o Options) {
	t.Helper()
	prev := Defaults
	Defaults = o
	t.Cleanup(func() { Defaults = prev })
}

func TestCompileCodes(t *testing.T) {
	withDefaults(t, Options{Backend: sim.New(sim.Options{}), Precision: accel.Full})
	dir := t.TempDir()
	model := netdesctest.WriteModel(t, "net.netdesc", netdesctest.Classifier("input", "output", []int{8}, 8, 4, 1))
	corrupt := filepath.Join(dir, "corrupt.netdesc")
	if err := os.WriteFile(corrupt, []byte("garbage"), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		model string
		out   string
		batch int
		want  int
	}{
		{"ok", model, filepath.Join(dir, "ok.engine"), 1, OK},
		{"missing", filepath.Join(dir, "missing.netdesc"), filepath.Join(dir, "a.engine"), 1, CodeNotFound},
		{"corrupt", corrupt, filepath.Join(dir, "b.engine"), 1, CodeParse},
		{"bad batch", model, filepath.Join(dir, "c.engine"), 0, CodeBuild},
		{"unwritable", model, filepath.Join(dir, "no", "such", "d.engine"), 1, CodeSerialize},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Compile(tc.model, tc.out, tc.batch); got != tc.want {
				t.Fatalf("Compile = %d, want %d", got, tc.want)
			}
			if tc.want != OK {
				if _, err := os.Stat(tc.out); !os.IsNotExist(err) {
					t.Fatalf("no engine file expected after failure, stat err=%v", err)
				}
			}
		})
	}
}

func TestBuilderInitCode(t *testing.T) {
	withDefaults(t, Options{Backend: sim.New(sim.Options{FailBuilder: true})})
	model := netdesctest.WriteModel(t, "net.netdesc", netdesctest.Regressor("x", "y", 4, 1))
	if got := Compile(model, filepath.Join(t.TempDir(), "x.engine"), 1); got != CodeBuilderInit {
		t.Fatalf("Compile = %d, want %d", got, CodeBuilderInit)
	}
}

func TestScenario(t *testing.T) {
	b := sim.New(sim.Options{})
	withDefaults(t, Options{Backend: b})
	model := netdesctest.WriteModel(t, "net.netdesc", netdesctest.Classifier("input", "output", []int{3, 8, 8}, 8, 10, 3))
	out := filepath.Join(t.TempDir(), "net.engine")
	if code := Compile(model, out, 1); code != OK {
		t.Fatalf("compile code %d", code)
	}
	h := Load(out)
	if h == nil {
		t.Fatalf("load returned nil")
	}
	x := netdesctest.Input(3*8*8, 1)
	y := make([]float32, 10)
	Infer(h, "input", "output", x, y, len(x), len(y))
	var sum float32
	for _, v := range y {
		sum += v
	}
	if sum < 0.999 || sum > 1.001 {
		t.Fatalf("output is not a distribution: sum=%v", sum)
	}

	// Unknown names are logged, not fatal.
	Infer(h, "data", "output", x, y, len(x), len(y))

	Release(h)
	Release(h)
	Release(nil)
	if st := b.SimDevice().Stats(); st.Allocs != st.Frees {
		t.Fatalf("leaked device buffers: %+v", st)
	}
}

func TestLoadNilOnFailure(t *testing.T) {
	withDefaults(t, Options{Backend: sim.New(sim.Options{})})
	if h := Load(filepath.Join(t.TempDir(), "missing.engine")); h != nil {
		t.Fatalf("expected nil handle")
	}
	bad := filepath.Join(t.TempDir(), "bad.engine")
	if err := os.WriteFile(bad, []byte("nope"), 0o644); err != nil {
		t.Fatal(err)
	}
	if h := Load(bad); h != nil {
		t.Fatalf("expected nil handle")
	}
}

func TestInferPanicsOnArity(t *testing.T) {
	withDefaults(t, Options{Backend: sim.New(sim.Options{})})
	m := netdesctest.Classifier("input", "output", []int{4}, 4, 2, 1)
	m.Graph.Outputs = []string{"fc1", "output"}
	model := netdesctest.WriteModel(t, "two.netdesc", m)
	out := filepath.Join(t.TempDir(), "two.engine")
	if code := Compile(model, out, 1); code != OK {
		t.Fatalf("compile code %d", code)
	}
	h := Load(out)
	if h == nil {
		t.Fatalf("load returned nil")
	}
	defer Release(h)

	defer func() {
		r := recover()
		err, ok := r.(error)
		if !ok || !engine.IsKind(err, engine.KindContractViolation) {
			t.Fatalf("expected contract violation panic, got %v", r)
		}
	}()
	Infer(h, "input", "output", make([]float32, 4), make([]float32, 2), 4, 2)
}

func TestStatusCode(t *testing.T) {
	if StatusCode(nil) != OK {
		t.Fatalf("nil error must map to OK")
	}
	if got := StatusCode(os.ErrClosed); got != CodeBuild {
		t.Fatalf("foreign error mapped to %d", got)
	}
}
