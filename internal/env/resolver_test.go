package env

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/nbkernel/kernelbridge/internal/kernelspec"
)

type stubActivation struct {
	env map[string]string
}

func (s *stubActivation) ActivationEnv(_ context.Context, _ kernelspec.Interpreter) (map[string]string, error) {
	return s.env, nil
}

func sep() string { return string(os.PathListSeparator) }

func newTestResolver(activation ActivationProvider, custom, base map[string]string) *Resolver {
	r := NewResolver(activation, custom, nil)
	r.base = func() map[string]string { return base }
	return r
}

func TestResolveNoInterpreterReturnsRawSpecEnv(t *testing.T) {
	r := newTestResolver(nil, nil, map[string]string{"HOME": "/home/x"})
	spec := &kernelspec.Spec{Env: map[string]string{"FOO": "bar"}}

	got, err := r.Resolve(context.Background(), "", nil, spec)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if len(got) != 1 || got["FOO"] != "bar" {
		t.Errorf("expected raw spec env, got %v", got)
	}
}

func TestResolveNoInterpreterNoSpecEnv(t *testing.T) {
	r := newTestResolver(nil, nil, map[string]string{})
	got, err := r.Resolve(context.Background(), "", nil, &kernelspec.Spec{})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil env, got %v", got)
	}
}

func TestResolveCustomWinsOverSpec(t *testing.T) {
	interp := &kernelspec.Interpreter{Path: "/opt/py/bin/python"}
	spec := &kernelspec.Spec{Env: map[string]string{"WHO": "spec", "ONLY_SPEC": "1"}}
	r := newTestResolver(nil, map[string]string{"WHO": "custom"}, map[string]string{"WHO": "process"})

	got, err := r.Resolve(context.Background(), "", interp, spec)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got["WHO"] != "custom" {
		t.Errorf("expected custom override to win, got %q", got["WHO"])
	}
	if got["ONLY_SPEC"] != "1" {
		t.Errorf("spec-only variable lost: %v", got)
	}
}

func TestResolvePathSegmentMerge(t *testing.T) {
	interp := &kernelspec.Interpreter{Path: "/opt/py/bin/python"}
	base := map[string]string{"PATH": "/usr/bin" + sep() + "/bin"}
	activation := &stubActivation{env: map[string]string{"PATH": "/opt/py/bin" + sep() + "/opt/py/bin"}}
	spec := &kernelspec.Spec{Env: map[string]string{"PATH": "/spec/bin"}}

	r := newTestResolver(activation, nil, base)
	got, err := r.Resolve(context.Background(), "", interp, spec)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	// Winning layer (spec) leads after the interpreter bin dir; lower layers
	// follow in ascending precedence order with intra-layer duplicates kept.
	want := strings.Join([]string{
		"/opt/py/bin",           // interpreter bin dir, always prepended
		"/spec/bin",             // winning layer
		"/usr/bin", "/bin",      // process layer
		"/opt/py/bin", "/opt/py/bin", // activation layer, duplicates preserved
	}, sep())
	if got["PATH"] != want {
		t.Errorf("PATH merge mismatch:\n got  %q\n want %q", got["PATH"], want)
	}
}

func TestResolvePythonPathMerge(t *testing.T) {
	interp := &kernelspec.Interpreter{Path: "/opt/py/bin/python"}
	base := map[string]string{"PYTHONPATH": "/base/lib"}
	spec := &kernelspec.Spec{Env: map[string]string{"PYTHONPATH": "/spec/lib"}}

	r := newTestResolver(nil, nil, base)
	got, err := r.Resolve(context.Background(), "", interp, spec)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	want := "/spec/lib" + sep() + "/base/lib"
	if got["PYTHONPATH"] != want {
		t.Errorf("PYTHONPATH merge mismatch: got %q want %q", got["PYTHONPATH"], want)
	}
}

func TestResolveIsolatedInterpreter(t *testing.T) {
	interp := &kernelspec.Interpreter{Path: "/envs/proj/bin/python", Isolated: true}
	r := newTestResolver(nil, nil, map[string]string{})

	got, err := r.Resolve(context.Background(), "", interp, &kernelspec.Spec{})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if got["PYTHONNOUSERSITE"] != "1" {
		t.Errorf("expected PYTHONNOUSERSITE=1 for isolated interpreter, got %v", got)
	}
}

func TestResolveBinDirAlwaysLeadsPath(t *testing.T) {
	interp := &kernelspec.Interpreter{Path: "/envs/proj/bin/python"}
	r := newTestResolver(nil, nil, map[string]string{"PATH": "/usr/bin"})

	got, err := r.Resolve(context.Background(), "", interp, &kernelspec.Spec{})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if !strings.HasPrefix(got["PATH"], "/envs/proj/bin") {
		t.Errorf("interpreter bin dir must lead PATH, got %q", got["PATH"])
	}
}
