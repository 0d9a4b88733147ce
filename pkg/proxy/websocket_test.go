package proxy

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lkarlslund/llmrelay/pkg/config"
	"github.com/lkarlslund/llmrelay/pkg/credentials"
	"github.com/lkarlslund/llmrelay/pkg/provider"
)

func dialWS(t *testing.T, s *Server) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/llm/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("unexpected handshake status %d", resp.StatusCode)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readFrames(t *testing.T, conn *websocket.Conn) []wsFrame {
	t.Helper()
	var frames []wsFrame
	for {
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.ClosePolicyViolation) {
				t.Fatalf("unexpected read error: %v", err)
			}
			return frames
		}
		var f wsFrame
		if err := json.Unmarshal(payload, &f); err != nil {
			t.Fatalf("decode frame %q: %v", payload, err)
		}
		frames = append(frames, f)
	}
}

func TestWebsocketPasswordModeStreams(t *testing.T) {
	p := &scriptedProvider{chunks: []string{"He", "llo"}}
	s := newTestServer(t, testServerConfig("secret", config.LLMConfig{Type: "scripted", APIKey: "k"}), map[string]provider.Provider{"scripted": p})
	conn := dialWS(t, s)

	if err := conn.WriteJSON(map[string]any{
		"accessPassword": "secret",
		"messages":       []map[string]string{{"role": "user", "content": "hi"}},
	}); err != nil {
		t.Fatalf("write: %v", err)
	}
	frames := readFrames(t, conn)
	want := []wsFrame{{Content: "He"}, {Content: "llo"}, {Done: true}}
	if len(frames) != len(want) {
		t.Fatalf("got %+v, want %+v", frames, want)
	}
	for i := range want {
		if frames[i] != want[i] {
			t.Fatalf("frame %d = %+v, want %+v", i, frames[i], want[i])
		}
	}
}

func TestWebsocketRejectsWrongPassword(t *testing.T) {
	p := &scriptedProvider{chunks: []string{"x"}}
	s := newTestServer(t, testServerConfig("secret", config.LLMConfig{Type: "scripted", APIKey: "k"}), map[string]provider.Provider{"scripted": p})
	conn := dialWS(t, s)

	if err := conn.WriteJSON(map[string]any{"accessPassword": "nope", "messages": []any{}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	frames := readFrames(t, conn)
	if len(frames) != 1 {
		t.Fatalf("expected a single error frame, got %+v", frames)
	}
	if frames[0].Error != credentials.MsgPasswordMismatch || frames[0].Status != http.StatusUnauthorized {
		t.Fatalf("unexpected frame %+v", frames[0])
	}
	if p.opened.Load() != 0 {
		t.Fatal("upstream must not be opened")
	}
}

func TestWebsocketInvalidJSON(t *testing.T) {
	s := newTestServer(t, testServerConfig("", config.LLMConfig{}), nil)
	conn := dialWS(t, s)
	if err := conn.WriteMessage(websocket.TextMessage, []byte("{nope")); err != nil {
		t.Fatalf("write: %v", err)
	}
	frames := readFrames(t, conn)
	if len(frames) != 1 || frames[0].Error != msgInvalidJSON || frames[0].Status != http.StatusBadRequest {
		t.Fatalf("unexpected frames %+v", frames)
	}
}

func TestWebsocketRejectsForeignOrigin(t *testing.T) {
	s := newTestServer(t, testServerConfig("", config.LLMConfig{}), nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/llm/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": []string{"https://evil.example"}})
	if err == nil {
		t.Fatal("expected handshake to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %+v", resp)
	}
}
