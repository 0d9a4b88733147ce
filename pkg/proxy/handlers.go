package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/lkarlslund/llmrelay/pkg/credentials"
	"github.com/lkarlslund/llmrelay/pkg/llm"
	"github.com/lkarlslund/llmrelay/pkg/relay"
	"github.com/lkarlslund/llmrelay/pkg/sse"
)

const (
	modePassword = "password"
	modeBYOK     = "byok"

	transportSSE       = "sse"
	transportWebSocket = "websocket"

	msgInvalidJSON     = "Invalid JSON body"
	msgInvalidMessages = "Invalid messages: each message needs string role and content"
	msgBodyTooLarge    = "Request body too large"
)

type streamRequest struct {
	Config   *credentials.Bundle `json:"config"`
	Messages json.RawMessage     `json:"messages"`
}

type configResponse struct {
	Success bool                      `json:"success"`
	Config  *credentials.PublicBundle `json:"config,omitempty"`
	Error   string                    `json:"error,omitempty"`
}

type contentFrame struct {
	Content string `json:"content"`
}

type errorFrame struct {
	Error string `json:"error"`
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	pub, err := s.resolver.Disclose(credentials.TokenFromHeader(r.Header))
	if err != nil {
		s.logRejected(r, "config", err)
		writeJSON(w, credentials.StatusOf(err), configResponse{Success: false, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, configResponse{Success: true, Config: &pub})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	var req streamRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		s.logRejected(r, "stream", err)
		writeJSON(w, credentials.StatusOf(err), errorBody{Error: err.Error()})
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	token := credentials.TokenFromHeader(r.Header)
	started, err := s.startStream(ctx, token, req)
	if err != nil {
		s.logRejected(r, "stream", err)
		writeJSON(w, credentials.StatusOf(err), errorBody{Error: err.Error()})
		return
	}

	sse.SetHeaders(w.Header())
	w.WriteHeader(http.StatusOK)
	sw := sse.NewWriter(w)
	if err := sw.Flush(); err != nil {
		cancel()
	}
	outcome := s.pump(started, transportSSE, cancel, func(ev relay.Event) error {
		switch ev.Kind {
		case relay.KindContent:
			return sw.WriteJSON(contentFrame{Content: ev.Content})
		case relay.KindDone:
			return sw.WriteDone()
		default:
			return sw.WriteJSON(errorFrame{Error: ev.Err})
		}
	})
	s.stats.Add(outcome)
}

type startedStream struct {
	events  <-chan relay.Event
	bundle  credentials.Bundle
	mode    string
	started time.Time
}

// startStream runs every pre-stream check in order: messages, then access
// mode, then the relay's own input validation. Any error it returns is a
// classified credentials error suitable for a JSON reply.
func (s *Server) startStream(ctx context.Context, token string, req streamRequest) (startedStream, error) {
	messages, err := decodeMessages(req.Messages)
	if err != nil {
		return startedStream{}, err
	}
	mode := modeBYOK
	if token != "" {
		mode = modePassword
	}
	bundle, err := s.resolver.Resolve(token, req.Config)
	if err != nil {
		return startedStream{}, err
	}
	events, err := s.relay.Stream(ctx, bundle, messages)
	if err != nil {
		return startedStream{}, err
	}
	return startedStream{events: events, bundle: bundle, mode: mode, started: time.Now()}, nil
}

// pump forwards every relay event to write until the channel closes. A
// failed write cancels the relay; the remaining events are discarded.
func (s *Server) pump(st startedStream, transport string, cancel context.CancelFunc, write func(relay.Event) error) StreamOutcome {
	outcome := StreamOutcome{
		Timestamp: st.started,
		Provider:  st.bundle.Type,
		Model:     st.bundle.Model,
		Mode:      st.mode,
		Transport: transport,
		Abandoned: true,
	}
	writeFailed := false
	for ev := range st.events {
		if writeFailed {
			continue
		}
		switch ev.Kind {
		case relay.KindContent:
			if outcome.Chunks == 0 {
				outcome.FirstChunkMS = time.Since(st.started).Milliseconds()
			}
			outcome.Chunks++
		case relay.KindDone:
			outcome.Abandoned = false
		case relay.KindError:
			outcome.Abandoned = false
			outcome.Failed = true
		}
		if err := write(ev); err != nil {
			s.logger.Debug("client write failed", "transport", transport, "err", err)
			writeFailed = true
			outcome.Abandoned = true
			cancel()
		}
	}
	outcome.LatencyMS = time.Since(st.started).Milliseconds()
	return outcome
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if err := s.resolver.Authorize(credentials.TokenFromHeader(r.Header)); err != nil {
		s.logRejected(r, "stats", err)
		writeJSON(w, credentials.StatusOf(err), errorBody{Error: err.Error()})
		return
	}
	period := time.Hour
	if raw := r.URL.Query().Get("period"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid period"})
			return
		}
		period = d
	}
	writeJSON(w, http.StatusOK, s.stats.Summary(period))
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	body := http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	defer body.Close()
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return &credentials.Error{Kind: credentials.ErrBadRequest, Status: http.StatusRequestEntityTooLarge, Message: msgBodyTooLarge}
		}
		return credentials.BadRequest(msgInvalidJSON)
	}
	return nil
}

// decodeMessages requires a JSON array. An empty array is valid.
func decodeMessages(raw json.RawMessage) ([]llm.Message, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, credentials.BadRequest(credentials.MsgMissingMessages)
	}
	messages := []llm.Message{}
	if err := json.Unmarshal(trimmed, &messages); err != nil {
		return nil, credentials.BadRequest(msgInvalidMessages)
	}
	return messages, nil
}

func (s *Server) logRejected(r *http.Request, endpoint string, err error) {
	status := credentials.StatusOf(err)
	fields := []any{"endpoint", endpoint, "status", status, "err", err, "client", remoteHost(r)}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request rejected", fields...)
		return
	}
	s.logger.Warn("request rejected", fields...)
}
