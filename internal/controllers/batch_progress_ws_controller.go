package controllers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/osvaldoandrade/markerq/internal/services"
	"github.com/osvaldoandrade/markerq/pkg/domain"
)

const wsWriteWait = 10 * time.Second

type batchProgressController struct {
	svc      services.StatusService
	interval time.Duration
	timeout  time.Duration
	upgrader websocket.Upgrader
}

// NewBatchProgressController streams batch views over a websocket until the
// task is terminal or timeout passes. A view is sent only when it changes.
func NewBatchProgressController(svc services.StatusService, interval, timeout time.Duration, allowedOrigins []string) *batchProgressController {
	if interval <= 0 {
		interval = time.Second
	}
	if timeout <= 0 {
		timeout = 600 * time.Second
	}
	return &batchProgressController{
		svc:      svc,
		interval: interval,
		timeout:  timeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range allowed {
			if o == "*" || strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}

func (h *batchProgressController) Handle(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	log := requestLogger(c).With("task_id", id)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	// The client never sends; reading only surfaces its close frame.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	last := ""
	for {
		view, err := h.svc.Poll(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn("progress poll failed", "err", err)
		} else {
			key := viewKey(view)
			if key != last {
				_, body := batchView(view)
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteJSON(body); err != nil {
					log.Info("websocket client gone", "err", err)
					return
				}
				last = key
			}
			if view.State != domain.PollProcessing {
				closeNormally(conn)
				return
			}
		}

		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				_ = conn.WriteJSON(gin.H{"task_id": id, "status": domain.PollTimeout, "message": services.TimeoutMessage})
				closeNormally(conn)
			}
			return
		case <-ticker.C:
		}
	}
}

func viewKey(view *domain.TaskView) string {
	key := string(view.State)
	if view.Progress != nil {
		key += " " + view.Progress.String()
	}
	return key
}

func closeNormally(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "done")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
}
