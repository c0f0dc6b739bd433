// Package http implements the REST surface: kernel session lifecycle,
// kernelspec discovery and synchronous execution.
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/nbkernel/kernelbridge/internal/infrastructure/logging"
	"github.com/nbkernel/kernelbridge/internal/kernelspec"
	"github.com/nbkernel/kernelbridge/internal/launcher"
	"github.com/nbkernel/kernelbridge/internal/protocol"
	"github.com/nbkernel/kernelbridge/internal/provider"
	"github.com/nbkernel/kernelbridge/internal/session"
)

// Handlers serves the kernel REST API.
type Handlers struct {
	sessions  *session.Manager
	launcher  *launcher.Launcher
	registry  *kernelspec.Registry
	notebooks *provider.Notebooks
	logger    *logging.Logger
	started   time.Time
}

// NewHandlers wires the API against its collaborators.
func NewHandlers(sessions *session.Manager, l *launcher.Launcher, registry *kernelspec.Registry, notebooks *provider.Notebooks, logger *logging.Logger) *Handlers {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Handlers{
		sessions:  sessions,
		launcher:  l,
		registry:  registry,
		notebooks: notebooks,
		logger:    logger.Named("api"),
		started:   time.Now(),
	}
}

// Root describes the service.
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "kernelbridge",
		"version": "1.0",
	})
}

// Health reports liveness and session counts.
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "healthy",
		"sessions": h.sessions.Count(),
		"uptime":   time.Since(h.started).String(),
	})
}

// ListKernelSpecs returns locally installed kernelspecs.
func (h *Handlers) ListKernelSpecs(c *gin.Context) {
	specs, err := h.registry.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}

	out := make([]gin.H, 0, len(specs))
	for _, spec := range specs {
		out = append(out, gin.H{
			"name":         spec.Name,
			"display_name": spec.DisplayName,
			"language":     spec.Language,
			"argv":         spec.Argv,
		})
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "kernelspecs": out})
}

// startRequest selects exactly one way to reach a kernel.
type startRequest struct {
	// KernelName launches an installed kernelspec.
	KernelName string `json:"kernel_name,omitempty"`
	// PythonPath launches a bare interpreter with a synthesized spec.
	PythonPath string `json:"python_path,omitempty"`
	Isolated   bool   `json:"isolated,omitempty"`
	// BaseURL plus KernelID attaches to a live remote kernel; BaseURL plus
	// KernelName starts one on the server.
	BaseURL  string `json:"base_url,omitempty"`
	KernelID string `json:"kernel_id,omitempty"`

	Resource    string `json:"resource,omitempty"`
	WorkingDir  string `json:"working_dir,omitempty"`
	SessionType string `json:"session_type,omitempty"`
}

func (h *Handlers) resolveMetadata(c *gin.Context, req startRequest) (kernelspec.ConnectionMetadata, bool) {
	switch {
	case req.BaseURL != "" && req.KernelID != "":
		return kernelspec.NewLiveRemote(req.BaseURL, req.KernelID), true
	case req.BaseURL != "" && req.KernelName != "":
		return kernelspec.NewRemoteSpec(req.BaseURL, &kernelspec.Spec{Name: req.KernelName}), true
	case req.PythonPath != "":
		return kernelspec.NewInterpreter(kernelspec.Interpreter{Path: req.PythonPath, Isolated: req.Isolated}), true
	case req.KernelName != "":
		meta, err := h.registry.Find(c.Request.Context(), req.KernelName)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "error": err.Error()})
			return kernelspec.ConnectionMetadata{}, false
		}
		return meta, true
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "one of kernel_name, python_path or base_url is required",
		})
		return kernelspec.ConnectionMetadata{}, false
	}
}

// StartKernel creates and starts a session.
func (h *Handlers) StartKernel(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid request: " + err.Error()})
		return
	}

	meta, ok := h.resolveMetadata(c, req)
	if !ok {
		return
	}

	sessionType := session.TypeNotebook
	if req.SessionType == string(session.TypeInteractive) {
		sessionType = session.TypeInteractive
	}

	start := func(ctx context.Context) (session.Session, error) {
		return h.launcher.Start(ctx, launcher.StartRequest{
			Meta:        meta,
			Resource:    req.Resource,
			WorkingDir:  req.WorkingDir,
			SessionType: sessionType,
		})
	}

	var s session.Session
	var err error
	if req.Resource != "" && h.notebooks != nil {
		// Concurrent starts for the same notebook share one kernel.
		var nb *provider.Notebook
		nb, err = h.notebooks.Create(c.Request.Context(), req.Resource, start)
		if err == nil {
			s = nb.Session
		}
	} else {
		s, err = start(c.Request.Context())
	}
	if err != nil {
		h.logger.Error("Kernel start failed", zap.String("kernel", meta.ID), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"success": false, "error": err.Error()})
		return
	}
	h.sessions.Add(s)

	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"session": sessionView(s),
	})
}

// ListKernels returns all live sessions.
func (h *Handlers) ListKernels(c *gin.Context) {
	sessions := h.sessions.List()
	out := make([]gin.H, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionView(s))
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "sessions": out})
}

// GetKernel returns one session.
func (h *Handlers) GetKernel(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "session": sessionView(s)})
}

// InterruptKernel stops the running cell.
func (h *Handlers) InterruptKernel(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	if err := s.Interrupt(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// RestartKernel replaces the kernel behind the session.
func (h *Handlers) RestartKernel(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}
	if err := s.Restart(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "session": sessionView(s)})
}

// StopKernel shuts the session down and removes it.
func (h *Handlers) StopKernel(c *gin.Context) {
	id := c.Param("id")
	if err := h.sessions.Remove(c.Request.Context(), id); err != nil {
		status := http.StatusInternalServerError
		if err == session.ErrUnknownSession {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// executeRequest is the body for synchronous execution.
type executeRequest struct {
	Code    string        `json:"code" binding:"required"`
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Execute runs code and waits for the reply, returning collected outputs.
// Long-running or streaming work should use the channels websocket instead.
func (h *Handlers) Execute(c *gin.Context) {
	s, ok := h.session(c)
	if !ok {
		return
	}

	var req executeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid request: " + err.Error()})
		return
	}
	if req.Timeout <= 0 {
		req.Timeout = 60 * time.Second
	}

	exec, err := s.Execute(c.Request.Context(), req.Code)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"success": false, "error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), req.Timeout)
	defer cancel()
	reply, err := exec.Wait(ctx)
	if err != nil {
		c.JSON(http.StatusGatewayTimeout, gin.H{"success": false, "error": err.Error()})
		return
	}

	outputs := make([]*protocol.Message, 0, 8)
	for msg := range exec.Output {
		if msg.Header.MsgType == protocol.MsgTypeStatus {
			continue
		}
		outputs = append(outputs, msg)
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"msg_id":  exec.Request.Header.MsgID,
		"reply":   reply,
		"outputs": outputs,
	})
}

func (h *Handlers) session(c *gin.Context) (session.Session, bool) {
	s, err := h.sessions.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": err.Error()})
		return nil, false
	}
	return s, true
}

func sessionView(s session.Session) gin.H {
	meta := s.Metadata()
	view := gin.H{
		"id":     s.ID(),
		"kernel": meta.ID,
		"kind":   string(meta.Kind),
		"type":   string(s.SessionType()),
		"status": s.Status().String(),
	}
	if meta.Spec != nil {
		view["kernel_name"] = meta.Spec.Name
		view["language"] = meta.Spec.Language
	}
	return view
}
