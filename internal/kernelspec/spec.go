package kernelspec

import (
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
)

// ConnectionFilePlaceholder is the token kernelspec argv uses where the
// connection file path belongs.
const ConnectionFilePlaceholder = "{connection_file}"

// Interrupt modes a kernelspec may declare.
const (
	InterruptModeSignal  = "signal"
	InterruptModeMessage = "message"
)

// Spec describes one kind of launchable kernel: its command-line template,
// language and declared environment.
type Spec struct {
	Name          string            `json:"name"`
	DisplayName   string            `json:"display_name"`
	Language      string            `json:"language"`
	Argv          []string          `json:"argv"`
	Env           map[string]string `json:"env,omitempty"`
	InterruptMode string            `json:"interrupt_mode,omitempty"`

	// Path is the kernel.json location on disk, empty for synthesized specs.
	Path string `json:"-"`
}

// Interpreter identifies a Python interpreter a kernel may run under.
type Interpreter struct {
	Path string
	// Isolated marks managed environments (venv, conda) whose kernels must
	// not see user-site packages.
	Isolated bool
}

// BinDir returns the directory holding the interpreter binary.
func (i Interpreter) BinDir() string {
	return filepath.Dir(i.Path)
}

// Kind discriminates how a kernel connection is established.
type Kind string

const (
	// KindLocalSpec launches a local kernelspec, optionally under a known
	// interpreter.
	KindLocalSpec Kind = "local-kernelspec"
	// KindInterpreter launches a bare Python interpreter with a synthesized
	// ipykernel spec.
	KindInterpreter Kind = "python-interpreter"
	// KindLiveRemote attaches to a kernel that already exists on a remote
	// Jupyter server.
	KindLiveRemote Kind = "live-remote"
	// KindRemoteSpec starts a fresh kernel on a remote Jupyter server.
	KindRemoteSpec Kind = "remote-kernelspec"
)

// ConnectionMetadata is the tagged union describing how to reach a kernel.
// The ID is stable and used for equality and caching; a session holds exactly
// one metadata value at a time and swaps it atomically on kernel switch.
type ConnectionMetadata struct {
	ID   string
	Kind Kind

	Spec        *Spec
	Interpreter *Interpreter

	// Remote fields, set for KindLiveRemote and KindRemoteSpec.
	BaseURL      string
	LiveKernelID string
}

// NewLocalSpec builds metadata for launching a local kernelspec.
func NewLocalSpec(spec *Spec, interp *Interpreter) ConnectionMetadata {
	id := spec.Name
	if interp != nil {
		id = fmt.Sprintf("%s.%s", spec.Name, interp.Path)
	}
	return ConnectionMetadata{
		ID:          id,
		Kind:        KindLocalSpec,
		Spec:        spec,
		Interpreter: interp,
	}
}

// NewInterpreter builds metadata for a bare interpreter, synthesizing an
// ipykernel spec around it.
func NewInterpreter(interp Interpreter) ConnectionMetadata {
	spec := &Spec{
		Name:        fmt.Sprintf("python-%s", uuid.NewString()[:8]),
		DisplayName: "Python",
		Language:    "python",
		Argv: []string{
			interp.Path, "-m", "ipykernel_launcher", "-f", ConnectionFilePlaceholder,
		},
		InterruptMode: InterruptModeSignal,
	}
	return ConnectionMetadata{
		ID:          interp.Path,
		Kind:        KindInterpreter,
		Spec:        spec,
		Interpreter: &interp,
	}
}

// NewLiveRemote builds metadata attaching to an existing remote kernel.
func NewLiveRemote(baseURL, kernelID string) ConnectionMetadata {
	return ConnectionMetadata{
		ID:           fmt.Sprintf("%s#%s", baseURL, kernelID),
		Kind:         KindLiveRemote,
		BaseURL:      baseURL,
		LiveKernelID: kernelID,
	}
}

// NewRemoteSpec builds metadata starting a named kernelspec on a remote
// server.
func NewRemoteSpec(baseURL string, spec *Spec) ConnectionMetadata {
	return ConnectionMetadata{
		ID:      fmt.Sprintf("%s#%s", baseURL, spec.Name),
		Kind:    KindRemoteSpec,
		BaseURL: baseURL,
		Spec:    spec,
	}
}

// IsLocal reports whether the kernel runs as a subprocess of this service.
func (m ConnectionMetadata) IsLocal() bool {
	return m.Kind == KindLocalSpec || m.Kind == KindInterpreter
}

// IsPythonFamily reports whether the kernel command line is synthesized
// in-process, which changes connection-argument handling.
func (m ConnectionMetadata) IsPythonFamily() bool {
	if m.Kind == KindInterpreter {
		return true
	}
	return m.Spec != nil && m.Spec.Language == "python" && m.Interpreter != nil
}

// Equal compares metadata by stable id.
func (m ConnectionMetadata) Equal(other ConnectionMetadata) bool {
	return m.ID == other.ID
}
