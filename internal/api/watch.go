package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// buildUpgrader validates the Origin header against allowedOrigins. An empty list permits all
// origins.
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// watch streams the joined student's state over a websocket. The current snapshot is sent first,
// then one message per change. Browsers cannot set headers on upgrade requests, so the client id
// may also arrive as the client query parameter.
func (a *API) watch(c *gin.Context) {
	co, st, ok := self(c)
	if !ok {
		return
	}

	conn, err := a.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.WarnContext(c.Request.Context(), "api: websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.WithoutCancel(c.Request.Context()))
	defer cancel()

	w, err := co.WatchStudent(ctx)
	if err != nil {
		writeClose(conn, websocket.ClosePolicyViolation, err.Error())
		return
	}
	defer w.Close()

	log := slog.With("pin", st.TestPin, "username", st.Username)
	log.DebugContext(ctx, "api: watcher connected")

	// The reader only detects the peer closing.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.WarnContext(ctx, "api: watcher closed unexpectedly", "error", err)
				}
				return
			}
		}
	}()

	if s := co.Student(); s != nil {
		if sess := co.Session(); sess != nil {
			if err := writeJSON(conn, Update{Student: fromStudent(*s), Session: fromSession(*sess)}); err != nil {
				return
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			writeClose(conn, websocket.CloseNormalClosure, "")
			return
		case u, ok := <-w.C:
			if !ok {
				writeClose(conn, websocket.CloseNormalClosure, "")
				return
			}
			if err := writeJSON(conn, fromUpdate(u)); err != nil {
				log.DebugContext(ctx, "api: watcher write failed", "error", err)
				return
			}
		}
	}
}

func writeJSON(conn *websocket.Conn, v any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(v)
}

func writeClose(conn *websocket.Conn, code int, text string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
}
