package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/c360/mesgateway/errors"
	"github.com/c360/mesgateway/gateway"
	"github.com/c360/mesgateway/pkg/timestamp"
)

const writeWait = 10 * time.Second

// Control sub-protocol commands, sent as plain text or as {"command": ...}.
const (
	wsPing      = "ping"
	wsGetTime   = "get_time"
	wsGetStatus = "get_status"
)

// wsReply is the JSON shape of every non-envelope reply.
type wsReply struct {
	Type      string `json:"type"`
	Message   string `json:"message,omitempty"`
	Code      string `json:"code,omitempty"`
	Time      string `json:"time,omitempty"`
	Bytes     int    `json:"bytes,omitempty"`
	Status    any    `json:"status,omitempty"`
	Timestamp string `json:"timestamp"`
}

// wsCommand matches JSON text frames that are not envelopes.
type wsCommand struct {
	ServiceName string `json:"serviceName"`
	Command     string `json:"command"`
	Type        string `json:"type"`
}

// handleWebSocket authenticates the upgrade request and then serves the
// connection. The upgrade carries the session credentials: the API key and
// a signature over an empty body with X-Timestamp.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	clientIP := clientAddr(r)
	if sec := s.authorize(r, nil); !sec.Authorized() {
		s.reject(w, r, nil, sec.Result.Err())
		return
	}
	if res := s.governor.CheckRate(clientIP); !res.Allowed {
		s.reject(w, r, nil, res.Err())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "client_ip", clientIP, "error", err)
		if s.core != nil {
			s.core.RecordError("gateway", "websocket_upgrade")
		}
		return
	}
	conn.SetReadLimit(s.governor.Config().MaxBytes())

	connID := s.registry.Add(clientIP, gateway.RequestTypeWebSocket)

	// running is re-checked and the WaitGroup grown under s.mu so that
	// stopListener cannot be waiting already.
	s.mu.Lock()
	shutdown, wg, running := s.shutdown, s.wg, s.running
	stopped := !running && shutdown != nil
	if running {
		wg.Add(1)
	}
	if !stopped {
		s.addClient(conn, connID)
	}
	s.mu.Unlock()

	switch {
	case stopped:
		s.registry.Remove(connID)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), time.Now().Add(time.Second))
		_ = conn.Close()
	case running:
		go func() {
			defer wg.Done()
			s.handleClient(r.Context(), conn, connID, clientIP, shutdown)
		}()
	default:
		// served through Handler() without Start; close with the request
		s.handleClient(r.Context(), conn, connID, clientIP, nil)
	}
}

// handleClient reads frames until the peer closes, the idle deadline
// passes or the server shuts down.
func (s *Server) handleClient(ctx context.Context, conn *websocket.Conn, connID, clientIP string, shutdown <-chan struct{}) {
	defer s.removeClient(conn, connID)

	// hijacked connections outlive the request context
	ctx = context.WithoutCancel(ctx)

	var limiter *rate.Limiter
	if s.cfg.MessagesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), s.cfg.MessageBurst)
	}

	idle := s.cfg.IdleTimeout
	conn.SetPongHandler(func(string) error {
		s.registry.Touch(connID, "")
		return conn.SetReadDeadline(time.Now().Add(idle))
	})

	for {
		select {
		case <-shutdown:
			return
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(idle))
		kind, data, err := conn.ReadMessage()
		if err == websocket.ErrReadLimit {
			limit := s.governor.Config().MaxBytes()
			s.refusal(clientIP, connID, nil, errors.NewCodeError(errors.CodePayloadTooLarge,
				fmt.Sprintf("frame exceeds %d bytes", limit)))
			s.logger.Warn("websocket frame too large", "connection_id", connID, "client_ip", clientIP, "limit", limit)
			return
		}
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warn("websocket read failed", "connection_id", connID, "client_ip", clientIP, "error", err)
			}
			return
		}
		s.registry.Touch(connID, "")

		if limiter != nil && !limiter.Allow() {
			if err := s.writeReply(conn, wsReply{Type: "error", Code: errors.CodeRateExceeded, Message: "message rate exceeded"}); err != nil {
				return
			}
			continue
		}

		switch kind {
		case websocket.BinaryMessage:
			s.stats.RecordWebSocket(true, len(data))
			s.recordFrame("binary")
			err = s.writeReply(conn, wsReply{Type: "ack", Bytes: len(data)})
		case websocket.TextMessage:
			s.stats.RecordWebSocket(false, len(data))
			s.recordFrame("text")
			err = s.handleText(ctx, conn, connID, clientIP, data)
		}
		if err != nil {
			s.logger.Warn("websocket write failed", "connection_id", connID, "error", err)
			return
		}
	}
}

func (s *Server) handleText(ctx context.Context, conn *websocket.Conn, connID, clientIP string, data []byte) error {
	text := strings.TrimSpace(string(data))
	if reply, ok := s.control(text); ok {
		return s.writeReply(conn, reply)
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' || !json.Valid(trimmed) {
		return s.writeText(conn, data)
	}

	var cmd wsCommand
	_ = json.Unmarshal(trimmed, &cmd)
	switch {
	case strings.TrimSpace(cmd.ServiceName) != "":
		return s.handleEnvelopeFrame(ctx, conn, connID, clientIP, cmd.ServiceName, trimmed)
	case cmd.Command != "" || cmd.Type != "":
		name := cmd.Command
		if name == "" {
			name = cmd.Type
		}
		if reply, ok := s.control(name); ok {
			return s.writeReply(conn, reply)
		}
		return s.writeReply(conn, wsReply{Type: "error", Message: "unknown command: " + name})
	default:
		return s.writeReply(conn, wsReply{Type: "error", Message: "unrecognized message: missing serviceName or command"})
	}
}

// handleEnvelopeFrame admits an envelope frame through the governor and
// dispatches it. The slot is held until the reply is written.
func (s *Server) handleEnvelopeFrame(ctx context.Context, conn *websocket.Conn, connID, clientIP, serviceName string, body []byte) error {
	perf := s.governor.Validate(ctx, clientIP, body)
	defer perf.Release.Release()
	if !perf.Allowed {
		return s.writeJSONFrame(conn, s.refusal(clientIP, connID, body, perf.Err()))
	}

	s.registry.Touch(connID, serviceName)
	resp := s.dispatcher.DispatchBytes(ctx, body)
	s.events.Publish(gateway.Event{
		Type:         gateway.EventMessageReceived,
		ConnectionID: connID,
		ClientIP:     clientIP,
		ServiceName:  resp.ServiceName,
		RequestID:    resp.RequestID,
		StatusCode:   resp.StatusCode,
		Message:      resp.Message,
	})
	return s.writeJSONFrame(conn, resp)
}

// control answers the plain-text control commands.
func (s *Server) control(name string) (wsReply, bool) {
	switch strings.ToLower(name) {
	case wsPing:
		return wsReply{Type: "pong"}, true
	case wsGetTime:
		return wsReply{Type: "time", Time: timestamp.Envelope(time.Now())}, true
	case wsGetStatus:
		return wsReply{Type: "status", Status: s.stats.Snapshot(s.registry.Count())}, true
	default:
		return wsReply{}, false
	}
}

func (s *Server) recordFrame(kind string) {
	if s.core != nil {
		s.core.RecordWebSocketMessage(kind)
	}
}

func (s *Server) writeReply(conn *websocket.Conn, reply wsReply) error {
	reply.Timestamp = timestamp.Envelope(time.Now())
	return s.writeJSONFrame(conn, reply)
}

func (s *Server) writeJSONFrame(conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.writeText(conn, data)
}

func (s *Server) writeText(conn *websocket.Conn, data []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Server) addClient(conn *websocket.Conn, connID string) {
	s.clientsMu.Lock()
	s.clients[conn] = connID
	count := len(s.clients)
	s.clientsMu.Unlock()
	if s.core != nil {
		s.core.WebSocketClients.Set(float64(count))
	}
}

func (s *Server) removeClient(conn *websocket.Conn, connID string) {
	s.clientsMu.Lock()
	delete(s.clients, conn)
	count := len(s.clients)
	s.clientsMu.Unlock()
	if s.core != nil {
		s.core.WebSocketClients.Set(float64(count))
	}
	s.registry.Remove(connID)
	_ = conn.Close()
}

// closeClients sends a close frame to every client and closes the socket,
// which unblocks their pending reads.
func (s *Server) closeClients() {
	s.clientsMu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.clients))
	for c := range s.clients {
		conns = append(conns, c)
	}
	s.clientsMu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
	for _, c := range conns {
		_ = c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = c.Close()
	}
}
