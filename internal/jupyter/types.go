package jupyter

import (
	"github.com/nbkernel/kernelbridge/internal/kernelspec"
)

// KernelModel mirrors the server's kernel resource.
type KernelModel struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	LastActivity   string `json:"last_activity,omitempty"`
	ExecutionState string `json:"execution_state,omitempty"`
	Connections    int    `json:"connections,omitempty"`
}

// SessionModel mirrors the server's session resource.
type SessionModel struct {
	ID     string      `json:"id"`
	Path   string      `json:"path"`
	Name   string      `json:"name"`
	Type   string      `json:"type"`
	Kernel KernelModel `json:"kernel"`
}

// CreateSessionRequest is the body for POST /api/sessions.
type CreateSessionRequest struct {
	Path   string            `json:"path"`
	Name   string            `json:"name,omitempty"`
	Type   string            `json:"type"`
	Kernel SessionKernelSpec `json:"kernel"`
}

// SessionKernelSpec names the kernel for a new session: an existing id or a
// spec name for the server to launch.
type SessionKernelSpec struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

// KernelSpecsModel is the GET /api/kernelspecs response.
type KernelSpecsModel struct {
	Default     string                     `json:"default"`
	KernelSpecs map[string]KernelSpecEntry `json:"kernelspecs"`
}

// KernelSpecEntry wraps one installed spec.
type KernelSpecEntry struct {
	Name     string         `json:"name"`
	Resource KernelSpecInfo `json:"spec"`
}

// KernelSpecInfo is the spec payload inside a kernelspecs entry.
type KernelSpecInfo struct {
	DisplayName   string            `json:"display_name"`
	Language      string            `json:"language"`
	Argv          []string          `json:"argv"`
	Env           map[string]string `json:"env,omitempty"`
	InterruptMode string            `json:"interrupt_mode,omitempty"`
}

// Spec converts a server entry into the local spec shape.
func (e KernelSpecEntry) Spec() *kernelspec.Spec {
	return &kernelspec.Spec{
		Name:          e.Name,
		DisplayName:   e.Resource.DisplayName,
		Language:      e.Resource.Language,
		Argv:          e.Resource.Argv,
		Env:           e.Resource.Env,
		InterruptMode: e.Resource.InterruptMode,
	}
}
