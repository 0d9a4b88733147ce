package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lkarlslund/llmrelay/pkg/credentials"
	"github.com/lkarlslund/llmrelay/pkg/relay"
)

const (
	wsHandshakeTimeout = 30 * time.Second
	wsPongWait         = 60 * time.Second
	wsPingInterval     = 25 * time.Second
	wsWriteWait        = 10 * time.Second
)

// wsRequest is the first client message. Browsers cannot attach custom
// headers to a websocket handshake, so the access password travels here.
type wsRequest struct {
	AccessPassword string              `json:"accessPassword"`
	Config         *credentials.Bundle `json:"config"`
	Messages       json.RawMessage     `json:"messages"`
}

type wsFrame struct {
	Content string `json:"content,omitempty"`
	Done    bool   `json:"done,omitempty"`
	Error   string `json:"error,omitempty"`
	Status  int    `json:"status,omitempty"`
}

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(req *http.Request) bool {
		origin := strings.TrimSpace(req.Header.Get("Origin"))
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return strings.EqualFold(u.Host, req.Host)
	},
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxRequestBodyBytes)

	_ = conn.SetReadDeadline(time.Now().Add(wsHandshakeTimeout))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		s.logger.Debug("websocket closed before request", "err", err, "client", remoteHost(r))
		return
	}
	var req wsRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		s.closeWithError(r, conn, credentials.BadRequest(msgInvalidJSON))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	started, err := s.startStream(ctx, req.AccessPassword, streamRequest{Config: req.Config, Messages: req.Messages})
	if err != nil {
		s.closeWithError(r, conn, err)
		return
	}

	// The reader only watches for the peer going away; clients send nothing
	// after the request.
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		t := time.NewTicker(wsPingInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(wsWriteWait)); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	outcome := s.pump(started, transportWebSocket, cancel, func(ev relay.Event) error {
		frame := wsFrame{}
		switch ev.Kind {
		case relay.KindContent:
			frame.Content = ev.Content
		case relay.KindDone:
			frame.Done = true
		default:
			frame.Error = ev.Err
		}
		return writeWSJSON(conn, frame)
	})
	s.stats.Add(outcome)

	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
	cancel()
	// Unblock the reader so the goroutines finish before the handler returns.
	_ = conn.SetReadDeadline(time.Now())
	wg.Wait()
}

func (s *Server) closeWithError(r *http.Request, conn *websocket.Conn, err error) {
	s.logRejected(r, "ws", err)
	_ = writeWSJSON(conn, wsFrame{Error: err.Error(), Status: credentials.StatusOf(err)})
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, ""), time.Now().Add(wsWriteWait))
}

func writeWSJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteMessage(websocket.TextMessage, b)
}
