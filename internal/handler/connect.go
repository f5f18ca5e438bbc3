package handler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/rcarmo/rdp-netdiag/internal/diagnostics"
	"github.com/rcarmo/rdp-netdiag/internal/target"
)

const (
	webSocketReadBufferSize  = 1024
	webSocketWriteBufferSize = 8192
	writeWait                = 10 * time.Second
)

// completeMessage is the final websocket frame of a run.
type completeMessage struct {
	Type    diagnostics.EventKind `json:"type"`
	RunID   string                `json:"runId"`
	Results *diagnostics.Results  `json:"results"`
}

// Diagnostics upgrades to a websocket and streams a diagnosis of the target
// named by the host, port and protocol query parameters. Every event is
// sent as a JSON text frame; the last one has type "complete" and carries
// the full results. Closing the socket cancels the run.
func (h *Handler) Diagnostics(w http.ResponseWriter, r *http.Request) {
	if h.opts.Diagnostics == nil {
		writeError(w, http.StatusNotImplemented, errors.New("diagnostics not configured"))
		return
	}

	t, err := targetFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  webSocketReadBufferSize,
		WriteBufferSize: webSocketWriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			return isAllowedOrigin(r.Header.Get("Origin"), h.opts.AllowedOrigins)
		},
	}
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("upgrade websocket", zap.Error(err))
		return
	}
	defer func() {
		if err := wsConn.Close(); err != nil {
			h.log.Debug("error closing websocket", zap.Error(err))
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go readUntilClosed(wsConn, cancel)

	var writeErr error
	send := func(v any) {
		if writeErr != nil {
			return
		}
		_ = wsConn.SetWriteDeadline(time.Now().Add(writeWait))
		if writeErr = wsConn.WriteJSON(v); writeErr != nil {
			h.log.Debug("failed sending message to ws", zap.Error(writeErr))
			cancel()
		}
	}

	log := h.log.With(zap.String("target", t.Address()))
	log.Info("diagnosis requested", zap.String("remote", r.RemoteAddr))

	res := h.opts.Diagnostics.Run(ctx, t, diagnostics.WithObserver(func(ev diagnostics.Event) {
		if ev.Kind == diagnostics.KindComplete {
			res, _ := ev.Result.(*diagnostics.Results)
			send(completeMessage{Type: diagnostics.KindComplete, RunID: ev.RunID, Results: res})
			return
		}
		send(ev)
	}))

	log.Info("diagnosis finished",
		zap.String("run", res.RunID),
		zap.Bool("cancelled", res.Cancelled),
		zap.Duration("elapsed", res.FinishedAt.Sub(res.StartedAt)))

	if writeErr == nil {
		_ = wsConn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "diagnosis complete"),
			time.Now().Add(writeWait))
	}
}

// readUntilClosed discards client frames and cancels once the peer goes away.
func readUntilClosed(wsConn *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	for {
		if _, _, err := wsConn.ReadMessage(); err != nil {
			return
		}
	}
}

func targetFromQuery(r *http.Request) (target.Target, error) {
	q := r.URL.Query()

	protocol := target.ProtocolRDP
	if raw := q.Get("protocol"); raw != "" {
		p, err := target.ParseProtocol(raw)
		if err != nil {
			return target.Target{}, err
		}
		protocol = p
	}

	t := target.New(q.Get("host"), protocol)
	if raw := q.Get("port"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil {
			return target.Target{}, fmt.Errorf("get port: %w", err)
		}
		t.Port = port
	}
	t.TLS.ServerName = q.Get("serverName")
	if exit := q.Get("expectedExitIp"); exit != "" {
		t.Tunnel.ExpectedExitIP = exit
	}

	if err := t.Validate(); err != nil {
		return target.Target{}, err
	}
	return t, nil
}

// isAllowedOrigin accepts requests without an Origin header (non-browser
// clients), localhost origins, and entries of allowed with or without a
// scheme.
func isAllowedOrigin(origin string, allowed []string) bool {
	if origin == "" {
		return true
	}

	normalized := strings.TrimPrefix(strings.TrimPrefix(origin, "http://"), "https://")
	normalized = strings.TrimSuffix(normalized, "/")

	if u, err := url.Parse(origin); err == nil {
		switch u.Hostname() {
		case "localhost", "127.0.0.1", "::1":
			return true
		}
	}

	for _, entry := range allowed {
		candidate := strings.TrimSpace(entry)
		if candidate == "" {
			continue
		}
		if candidate == "*" || candidate == origin || candidate == normalized {
			return true
		}
		if strings.TrimPrefix(candidate, "http://") == normalized || strings.TrimPrefix(candidate, "https://") == normalized {
			return true
		}
	}
	return false
}
