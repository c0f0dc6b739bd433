package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nbkernel/kernelbridge/internal/infrastructure/logging"
	"github.com/nbkernel/kernelbridge/internal/infrastructure/monitoring"
	"github.com/nbkernel/kernelbridge/internal/session"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// clientMessage is what a websocket client may send.
type clientMessage struct {
	Type string `json:"type"`
	Code string `json:"code,omitempty"`
}

// Handler streams kernel traffic to websocket clients: iopub messages and
// status changes flow out, execute and interrupt requests flow in.
type Handler struct {
	sessions *session.Manager
	logger   *logging.Logger
	metrics  *monitoring.Metrics
}

// NewHandler creates the websocket handler. metrics may be nil.
func NewHandler(sessions *session.Manager, logger *logging.Logger, metrics *monitoring.Metrics) *Handler {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Handler{
		sessions: sessions,
		logger:   logger.Named("ws"),
		metrics:  metrics,
	}
}

// conn serializes writes; gorilla allows one concurrent writer.
type conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn) send(data any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(data)
}

// HandleConnection upgrades GET /kernels/:id/channels and bridges the
// session until either side disconnects.
func (h *Handler) HandleConnection(c *gin.Context) {
	id := c.Param("id")
	s, err := h.sessions.Get(id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown session"})
		return
	}

	wsRaw, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	cn := &conn{ws: wsRaw}
	defer wsRaw.Close()

	if h.metrics != nil {
		h.metrics.WSConnections.Inc()
		defer h.metrics.WSConnections.Dec()
	}
	h.logger.Info("Channel stream opened", zap.String("session", id))

	cn.send(map[string]any{
		"type":    "connected",
		"session": id,
		"status":  s.Status().String(),
	})

	sub, cancelSub := s.Subscribe(256)
	defer cancelSub()
	cancelStatus := s.OnStatus(func(st session.Status) {
		cn.send(map[string]any{"type": "status", "status": st.String()})
	})
	defer cancelStatus()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range sub {
			if h.metrics != nil {
				h.metrics.WSMessages.WithLabelValues("out", msg.Header.MsgType).Inc()
			}
			if err := cn.send(map[string]any{"type": "iopub", "message": msg}); err != nil {
				return
			}
		}
	}()

	h.readLoop(c.Request.Context(), cn, s)
	cancelSub()
	_ = wsRaw.Close()
	<-done
}

func (h *Handler) readLoop(ctx context.Context, cn *conn, s session.Session) {
	for {
		var msg clientMessage
		if err := cn.ws.ReadJSON(&msg); err != nil {
			return
		}
		if h.metrics != nil {
			h.metrics.WSMessages.WithLabelValues("in", msg.Type).Inc()
		}

		switch msg.Type {
		case "execute":
			h.handleExecute(ctx, cn, s, msg.Code)
		case "interrupt":
			if err := s.Interrupt(ctx); err != nil {
				h.sendError(cn, err)
			}
		case "ping":
			cn.send(map[string]any{"type": "pong"})
		default:
			cn.send(map[string]any{"type": "error", "message": "unknown message type"})
		}
	}
}

func (h *Handler) handleExecute(ctx context.Context, cn *conn, s session.Session, code string) {
	exec, err := s.Execute(ctx, code)
	if err != nil {
		h.sendError(cn, err)
		return
	}
	cn.send(map[string]any{
		"type":   "execute_submitted",
		"msg_id": exec.Request.Header.MsgID,
	})

	// Outputs reach the client through the iopub subscription; only the
	// final reply needs forwarding here.
	go func() {
		waitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		reply, err := exec.Wait(waitCtx)
		if err != nil {
			h.sendError(cn, err)
			return
		}
		cn.send(map[string]any{
			"type":    "execute_reply",
			"msg_id":  exec.Request.Header.MsgID,
			"message": reply,
		})
	}()
}

func (h *Handler) sendError(cn *conn, err error) {
	cn.send(map[string]any{
		"type":    "error",
		"message": err.Error(),
	})
}
