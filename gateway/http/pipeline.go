package http

import (
	"bytes"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/c360/mesgateway/dispatcher"
	"github.com/c360/mesgateway/envelope"
	"github.com/c360/mesgateway/errors"
	"github.com/c360/mesgateway/gateway"
	"github.com/c360/mesgateway/pkg/security"
	"github.com/c360/mesgateway/pkg/timestamp"
)

const contentTypeJSON = "application/json; charset=utf-8"

type legacyRoute struct {
	method  string
	path    string
	command string
}

// legacyRoutes are fixed paths kept for callers that predate /api/mes.
var legacyRoutes = []legacyRoute{
	{http.MethodPost, "/api/in-material", dispatcher.InMaterial},
	{http.MethodPost, "/api/out-material", dispatcher.OutMaterial},
	{http.MethodPost, "/api/operationclamp", dispatcher.OperationClamp},
	{http.MethodPost, "/api/changespeed", dispatcher.ChangeSpeed},
	{http.MethodPost, "/api/getlocationbystorage", dispatcher.GetLocationByStorage},
	{http.MethodPost, "/api/getlocationbypin", dispatcher.GetLocationByPin},
	{http.MethodGet, "/api/out-getpins", dispatcher.OutGetPins},
}

// rejection is the body written when a request is refused before dispatch.
type rejection struct {
	Success           bool   `json:"success"`
	StatusCode        int    `json:"statusCode"`
	Code              string `json:"code"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retryAfterSeconds,omitempty"`
	RequestID         string `json:"requestId,omitempty"`
	Timestamp         string `json:"timestamp"`
}

// parseFunc turns an admitted body into a request envelope.
type parseFunc func(body []byte) (*envelope.Request, error)

func (s *Server) handleEnvelope(w http.ResponseWriter, r *http.Request) {
	s.serveEnvelope(w, r, envelope.Parse)
}

func (s *Server) legacyHandler(command string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.serveEnvelope(w, r, func(body []byte) (*envelope.Request, error) {
			return legacyRequest(body, command)
		})
	}
}

// serveEnvelope runs governor, security and dispatch for one request.
func (s *Server) serveEnvelope(w http.ResponseWriter, r *http.Request, parse parseFunc) {
	clientIP := clientAddr(r)
	connID := s.registry.Add(clientIP, "HTTP")
	defer s.registry.Remove(connID)

	body, release, ok := s.admit(w, r)
	defer release()
	if !ok {
		return
	}

	req, err := parse(body)
	if err != nil {
		s.writeEnvelope(w, envelope.BadRequest(req, err.Error()), len(body))
		return
	}
	s.registry.Touch(connID, req.ServiceName)

	resp := s.dispatcher.Dispatch(r.Context(), req)
	s.events.Publish(gateway.Event{
		Type:         gateway.EventMessageReceived,
		ConnectionID: connID,
		ClientIP:     clientIP,
		ServiceName:  req.ServiceName,
		RequestID:    req.RequestID,
		StatusCode:   resp.StatusCode,
		Message:      resp.Message,
	})
	s.writeEnvelope(w, resp, len(body))
}

// admit reads the body and applies the governor then the security checks.
// On rejection the response is already written and ok is false. release
// must be called on every path.
func (s *Server) admit(w http.ResponseWriter, r *http.Request) (body []byte, release func(), ok bool) {
	release = func() {}
	clientIP := clientAddr(r)

	body, err := s.readBody(r)
	if err != nil {
		s.logger.Warn("read request body failed", "client_ip", clientIP, "error", err)
		s.writeEnvelope(w, envelope.BadRequest(nil, "failed to read request body"), 0)
		return nil, release, false
	}

	perf := s.governor.Validate(r.Context(), clientIP, body)
	release = perf.Release.Release
	if !perf.Allowed {
		s.reject(w, r, body, perf.Err())
		return body, release, false
	}

	if sec := s.authorize(r, body); !sec.Authorized() {
		s.reject(w, r, body, sec.Result.Err())
		return body, release, false
	}
	return body, release, true
}

// authorize runs the security checks against the request headers and body.
func (s *Server) authorize(r *http.Request, body []byte) security.Context {
	return s.validator.ValidateRequest(security.RequestInfo{
		ClientIP:      clientAddr(r),
		Authorization: r.Header.Get(security.HeaderAuthorization),
		Signature:     r.Header.Get(security.HeaderSignature),
		Timestamp:     r.Header.Get(security.HeaderTimestamp),
		Body:          body,
	})
}

// readBody reads at most one byte past the governor's size limit so an
// oversized body is still seen as oversized.
func (s *Server) readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	limit := s.governor.Config().MaxBytes() + 1
	return io.ReadAll(io.LimitReader(r.Body, limit))
}

func (s *Server) reject(w http.ResponseWriter, r *http.Request, body []byte, err error) {
	rej := s.refusal(clientAddr(r), "", body, err)
	if rej.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(rej.RetryAfterSeconds))
	}
	out := writeJSON(w, rej.StatusCode, rej)
	s.stats.RecordRequest(rej.StatusCode, len(body), out)
}

// refusal builds the rejection body for err and reports it as a rejected
// request. connID is empty for plain HTTP requests.
func (s *Server) refusal(clientIP, connID string, body []byte, err error) rejection {
	ce, ok := errors.AsCodeError(err)
	if !ok {
		ce = errors.NewCodeError("GATEWAY_ERROR", err.Error())
	}
	h, _ := envelope.Peek(body)

	if s.core != nil {
		s.core.RecordRejection(ce.Code)
	}
	s.events.Publish(gateway.Event{
		Type:         gateway.EventRequestRejected,
		ConnectionID: connID,
		ClientIP:     clientIP,
		RequestID:    h.RequestID,
		StatusCode:   ce.HTTPStatus,
		Code:         ce.Code,
		Message:      ce.Message,
	})
	return rejection{
		StatusCode:        ce.HTTPStatus,
		Code:              ce.Code,
		Message:           ce.Message,
		RetryAfterSeconds: ce.RetryAfter,
		RequestID:         h.RequestID,
		Timestamp:         timestamp.Envelope(time.Now()),
	}
}

// writeEnvelope writes resp with its statusCode as the HTTP status.
func (s *Server) writeEnvelope(w http.ResponseWriter, resp *envelope.Response, in int) {
	out := writeJSON(w, resp.StatusCode, resp)
	s.stats.RecordRequest(resp.StatusCode, in, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) int {
	data, err := json.Marshal(v)
	if err != nil {
		status = http.StatusInternalServerError
		data = []byte(`{"success":false,"statusCode":500,"message":"response encoding failed"}`)
	}
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	n, _ := w.Write(data)
	return n
}

// legacyRequest builds an envelope for a fixed route. The body may be a
// full envelope, a bare data array, a single data object or empty. The
// route's command always wins over any serviceName in the body.
func legacyRequest(body []byte, command string) (*envelope.Request, error) {
	trimmed := bytes.TrimSpace(body)
	req := &envelope.Request{RequestID: uuid.NewString(), ServiceName: command}

	switch {
	case len(trimmed) == 0:
		return req, nil
	case trimmed[0] == '[':
		if !json.Valid(trimmed) {
			return req, errors.WrapInvalid(errors.ErrMalformedJSON, "http", "legacyRequest", "decode body")
		}
		req.Data = json.RawMessage(trimmed)
		return req, nil
	case trimmed[0] != '{':
		return req, errors.WrapInvalid(errors.ErrMalformedJSON, "http", "legacyRequest", "decode body")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return req, errors.WrapInvalid(errors.ErrMalformedJSON, "http", "legacyRequest", "decode body")
	}
	_, hasData := fields["data"]
	_, hasService := fields["serviceName"]
	if !hasData && !hasService {
		req.Data = json.RawMessage("[" + string(trimmed) + "]")
		return req, nil
	}

	if err := json.Unmarshal(trimmed, req); err != nil {
		return req, errors.WrapInvalid(errors.ErrMalformedJSON, "http", "legacyRequest", "decode envelope")
	}
	req.ServiceName = command
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	return req, nil
}

// clientAddr returns the peer IP without port.
func clientAddr(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return strings.Trim(r.RemoteAddr, "[]")
}
