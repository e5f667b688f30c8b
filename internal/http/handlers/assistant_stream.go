package handlers

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	types "github.com/yungbote/askpdf-backend/internal/domain"
	"github.com/yungbote/askpdf-backend/internal/modules/answer"
	"github.com/yungbote/askpdf-backend/internal/platform/apierr"
)

const (
	wsWriteWait    = 10 * time.Second
	wsFirstFrame   = 30 * time.Second
	wsMaxFrameSize = 1 << 20
)

type wsFrame struct {
	Type    string     `json:"type"`
	Delta   string     `json:"delta,omitempty"`
	Usage   *usageView `json:"usage,omitempty"`
	Message any        `json:"message,omitempty"`
}

// wsConn serializes writes; gorilla allows one concurrent writer.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsConn) send(f wsFrame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return w.conn.WriteJSON(f)
}

func (w *wsConn) close(code int, reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
}

func (h *ChatHandler) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || len(h.origins) == 0 || h.origins[origin]
		},
	}
}

// GET /api/chats/:id/assistant/stream (WebSocket)
//
// The first client frame carries the ask payload. The server replies with
// delta and usage frames, then message (or error), then done, and closes
// with 1000 for ok or stopped answers and 1011 otherwise. Closing the socket
// early stops generation and keeps the partial answer.
func (h *ChatHandler) AskStream(c *gin.Context) {
	userID, ok := requireUser(c)
	if !ok {
		return
	}
	threadID, ok := pathID(c, "id")
	if !ok {
		return
	}
	raw, err := h.upgrader().Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Debug("WebSocket upgrade failed", "error", err)
		return
	}
	defer raw.Close()
	conn := &wsConn{conn: raw}
	raw.SetReadLimit(wsMaxFrameSize)

	var body askReq
	_ = raw.SetReadDeadline(time.Now().Add(wsFirstFrame))
	if err := raw.ReadJSON(&body); err != nil {
		_ = conn.send(wsFrame{Type: "error", Message: "invalid request payload"})
		conn.close(websocket.CloseUnsupportedData, "invalid payload")
		return
	}
	_ = raw.SetReadDeadline(time.Time{})

	req, err := body.toRequest(userID, threadID)
	if err != nil {
		h.finishWithError(conn, err.Error())
		return
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	go func() {
		// Any read error, including a close frame, means the client left.
		for {
			if _, _, err := raw.NextReader(); err != nil {
				cancel()
				return
			}
		}
	}()

	sink := answer.SinkFunc(func(ev answer.Event) error {
		switch ev.Type {
		case answer.EventDelta:
			return conn.send(wsFrame{Type: "delta", Delta: ev.Delta})
		case answer.EventUsage:
			u := toUsageView(ev.Usage)
			return conn.send(wsFrame{Type: "usage", Usage: &u})
		case answer.EventError:
			return conn.send(wsFrame{Type: "error", Message: ev.Error})
		case answer.EventMessage:
			return conn.send(wsFrame{Type: "message", Message: toMessageView(ev.Message)})
		}
		return nil
	})

	msg, err := h.answers.Stream(ctx, req, sink)
	if err != nil {
		if ae := apierr.From(err); ae != nil && ae.Status < http.StatusInternalServerError {
			h.finishWithError(conn, err.Error())
		} else {
			h.log.Error("Answer stream failed", "thread_id", threadID, "error", err)
			h.finishWithError(conn, "internal error")
		}
		return
	}
	switch msg.Status {
	case types.MessageStopped:
		// The client is usually gone; these writes are best-effort.
		_ = conn.send(wsFrame{Type: "done"})
		conn.close(websocket.CloseNormalClosure, "stopped")
	case types.MessageError:
		_ = conn.send(wsFrame{Type: "done"})
		conn.close(websocket.CloseInternalServerErr, "error")
	default:
		_ = conn.send(wsFrame{Type: "done"})
		conn.close(websocket.CloseNormalClosure, "ok")
	}
}

func (h *ChatHandler) finishWithError(conn *wsConn, text string) {
	if err := conn.send(wsFrame{Type: "error", Message: text}); err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		h.log.Debug("WebSocket error frame not delivered", "error", err)
	}
	_ = conn.send(wsFrame{Type: "done"})
	conn.close(websocket.CloseInternalServerErr, "error")
}
