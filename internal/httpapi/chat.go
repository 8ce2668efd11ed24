package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/chatrelay/internal/pipeline"
	"github.com/antoniostano/chatrelay/internal/protocol"
	"github.com/antoniostano/chatrelay/internal/summarize"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsIdleTimeout  = 120 * time.Second
	wsPingInterval = 45 * time.Second
)

func turnRequest(userID string, msg protocol.ChatTurn) pipeline.TurnRequest {
	return pipeline.TurnRequest{
		UserID:       userID,
		Message:      msg.Message,
		Model:        msg.Model,
		SystemPrompt: msg.SystemPrompt,
		Params: pipeline.GenerationParams{
			MaxTokens:     msg.MaxTokens,
			Temperature:   msg.Temperature,
			TopP:          msg.TopP,
			ContextWindow: msg.ContextWindow,
		},
	}
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	var req protocol.ChatTurn
	if err := decodeJSON(r, &req); err != nil {
		if errors.Is(err, errEmptyBody) {
			respondError(w, http.StatusBadRequest, "empty_message", "request body is empty")
			return
		}
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	res, err := s.conversations.ProcessTurn(r.Context(), turnRequest(userID, req))
	if err != nil {
		status, body := turnError(err)
		if status >= http.StatusInternalServerError {
			s.logger.Warn("chat turn failed", "request_id", requestIDFrom(r.Context()), "user_id", userID, "status", status, "error", err)
		}
		respondJSON(w, status, body)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// handleChatWS runs chat turns over a websocket. Frames are handled in
// order; a turn's reply is written before the next frame is processed.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.contextEvent("ws_connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan any, 16)
	outbound := make(chan any, 16)

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		defer close(outbound)
		s.runTurns(ctx, userID, inbound, outbound)
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeFrames(ctx, cancel, conn, outbound)
	}()

	outbound <- protocol.SystemEvent{Type: protocol.TypeSystemEvent, Code: "connected"}

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsIdleTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		var frame any
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			frame = protocol.ErrorEvent{
				Type:   protocol.TypeErrorEvent,
				Code:   "invalid_client_message",
				Detail: err.Error(),
			}
		} else {
			frame = parsed
			if t, ok := messageTypeOf(parsed); ok {
				s.countWS("inbound", t)
			}
		}
		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- frame:
		}
	}

	cancel()
	close(inbound)
	<-workerDone
	<-writerDone
	s.contextEvent("ws_disconnected")
}

// frameConn is the write side of a websocket connection.
type frameConn interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteJSON(v any) error
	Close() error
}

// writeFrames sends outbound frames and keepalive pings until ctx is done
// or outbound is closed. When it stops because of ctx or a failed write it
// closes conn, which unblocks the handler's pending read.
func (s *Server) writeFrames(ctx context.Context, cancel context.CancelFunc, conn frameConn, outbound <-chan any) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	abort := func() {
		cancel()
		_ = conn.Close()
	}
	for {
		select {
		case <-ctx.Done():
			abort()
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				abort()
				return
			}
		case msg, ok := <-outbound:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				s.logger.Debug("websocket write failed", "error", err)
				abort()
				return
			}
			if t, ok := messageTypeOf(msg); ok {
				s.countWS("outbound", t)
			}
		}
	}
}

// runTurns processes inbound frames one at a time. Parse failures arrive
// as ready-made ErrorEvents and are passed through.
func (s *Server) runTurns(ctx context.Context, userID string, inbound <-chan any, outbound chan<- any) {
	send := func(v any) bool {
		select {
		case <-ctx.Done():
			return false
		case outbound <- v:
			return true
		}
	}
	for frame := range inbound {
		var reply any
		switch msg := frame.(type) {
		case protocol.ChatTurn:
			reply = s.wsTurn(ctx, userID, msg)
		case protocol.ClientControl:
			reply = s.wsControl(ctx, userID, msg)
		case protocol.ErrorEvent:
			reply = msg
		default:
			continue
		}
		if !send(reply) {
			return
		}
	}
}

func (s *Server) wsTurn(ctx context.Context, userID string, msg protocol.ChatTurn) any {
	res, err := s.conversations.ProcessTurn(ctx, turnRequest(userID, msg))
	if err != nil {
		_, body := turnError(err)
		return protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			RequestID: msg.RequestID,
			Code:      body.Code,
			Retryable: body.Retryable,
			Detail:    body.Error,
		}
	}
	return protocol.AssistantReply{
		Type:      protocol.TypeAssistantReply,
		RequestID: msg.RequestID,
		TurnID:    res.TurnID,
		Reply:     res.Reply,
		Model:     res.Model,
		Usage: protocol.Usage{
			PromptTokens:     res.Usage.PromptTokens,
			CompletionTokens: res.Usage.CompletionTokens,
			TotalTokens:      res.Usage.TotalTokens,
		},
		Summarized: res.Summarization == summarize.OutcomeSummarized,
	}
}

func (s *Server) wsControl(ctx context.Context, userID string, msg protocol.ClientControl) any {
	switch strings.TrimSpace(msg.Action) {
	case protocol.ActionClear:
		if _, err := s.conversations.ClearContext(ctx, userID); err != nil {
			_, body := turnError(err)
			return protocol.ErrorEvent{Type: protocol.TypeErrorEvent, RequestID: msg.RequestID, Code: body.Code, Detail: body.Error}
		}
		return protocol.SystemEvent{Type: protocol.TypeSystemEvent, RequestID: msg.RequestID, Code: "context_cleared"}
	default:
		return protocol.SystemEvent{Type: protocol.TypeSystemEvent, RequestID: msg.RequestID, Code: "pong"}
	}
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ChatTurn:
		return m.Type, true
	case protocol.ClientControl:
		return m.Type, true
	case protocol.AssistantReply:
		return m.Type, true
	case protocol.SystemEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}

func (s *Server) countWS(direction string, t protocol.MessageType) {
	if s.metrics != nil {
		s.metrics.WSMessages.WithLabelValues(direction, string(t)).Inc()
	}
}

func (s *Server) contextEvent(event string) {
	if s.metrics != nil {
		s.metrics.ContextEvents.WithLabelValues(event).Inc()
	}
}
