package envelope

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/c360/mesgateway/pkg/timestamp"
)

// Response is the envelope returned for every request.
type Response struct {
	ResponseID  string
	RequestID   string
	ServiceName string
	Timestamp   string
	StatusCode  int
	Message     string
	// Data is marshaled as-is. Decoded responses hold a json.RawMessage.
	Data       any
	ExtendData json.RawMessage
}

// Success reports whether the response represents a successful call.
func (r *Response) Success() bool {
	return r.StatusCode == StatusOK
}

// wireResponse is the JSON shape. success, isSuccess and statusMessage are
// compatibility fields written from StatusCode and Message.
type wireResponse struct {
	ResponseID    string          `json:"responseId"`
	RequestID     string          `json:"requestId"`
	ServiceName   string          `json:"serviceName"`
	Timestamp     string          `json:"timestamp"`
	StatusCode    int             `json:"statusCode"`
	Message       string          `json:"message"`
	StatusMessage string          `json:"statusMessage"`
	Success       bool            `json:"success"`
	IsSuccess     bool            `json:"isSuccess"`
	Data          any             `json:"data"`
	ExtendData    json.RawMessage `json:"extendData,omitempty"`
}

// MarshalJSON writes the response with derived compatibility fields.
func (r Response) MarshalJSON() ([]byte, error) {
	ok := r.Success()
	return json.Marshal(wireResponse{
		ResponseID:    r.ResponseID,
		RequestID:     r.RequestID,
		ServiceName:   r.ServiceName,
		Timestamp:     r.Timestamp,
		StatusCode:    r.StatusCode,
		Message:       r.Message,
		StatusMessage: r.Message,
		Success:       ok,
		IsSuccess:     ok,
		Data:          r.Data,
		ExtendData:    r.ExtendData,
	})
}

// UnmarshalJSON reads a response. The compatibility booleans are ignored;
// success is always derived from statusCode.
func (r *Response) UnmarshalJSON(b []byte) error {
	var w struct {
		ResponseID    string          `json:"responseId"`
		RequestID     string          `json:"requestId"`
		ServiceName   string          `json:"serviceName"`
		Timestamp     string          `json:"timestamp"`
		StatusCode    int             `json:"statusCode"`
		Message       string          `json:"message"`
		StatusMessage string          `json:"statusMessage"`
		Data          json.RawMessage `json:"data"`
		ExtendData    json.RawMessage `json:"extendData"`
	}
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*r = Response{
		ResponseID:  w.ResponseID,
		RequestID:   w.RequestID,
		ServiceName: w.ServiceName,
		Timestamp:   w.Timestamp,
		StatusCode:  w.StatusCode,
		Message:     w.Message,
		ExtendData:  w.ExtendData,
	}
	if r.Message == "" {
		r.Message = w.StatusMessage
	}
	if !isNull(w.Data) {
		r.Data = w.Data
	}
	return nil
}

// DecodeData decodes Data into v. It works for both freshly built responses
// and decoded ones.
func (r *Response) DecodeData(v any) error {
	var raw []byte
	switch d := r.Data.(type) {
	case nil:
		return nil
	case json.RawMessage:
		raw = d
	default:
		b, err := json.Marshal(d)
		if err != nil {
			return err
		}
		raw = b
	}
	return json.Unmarshal(raw, v)
}

// BuildResponse creates a response with a fresh responseId and the current
// timestamp.
func BuildResponse(requestID, serviceName string, status int, message string, data any) *Response {
	return &Response{
		ResponseID:  uuid.NewString(),
		RequestID:   requestID,
		ServiceName: serviceName,
		Timestamp:   timestamp.Envelope(time.Now()),
		StatusCode:  status,
		Message:     message,
		Data:        data,
	}
}

// Success builds a 200 response.
func Success(req *Request, message string, data any) *Response {
	id, svc := routing(req)
	return BuildResponse(id, svc, http.StatusOK, message, data)
}

// BadRequest builds a 400 response.
func BadRequest(req *Request, message string) *Response {
	id, svc := routing(req)
	return BuildResponse(id, svc, http.StatusBadRequest, message, nil)
}

// ServerError builds a 500 response.
func ServerError(req *Request, message string) *Response {
	id, svc := routing(req)
	return BuildResponse(id, svc, http.StatusInternalServerError, message, nil)
}

func routing(req *Request) (string, string) {
	if req == nil {
		return "", ""
	}
	return req.RequestID, req.ServiceName
}
