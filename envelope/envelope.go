// Package envelope implements the JSON request and response envelopes
// exchanged with the MES system.
//
// Requests are decoded in two phases. Parse decodes the routing fields and
// keeps "data" raw; the handler chosen by serviceName then calls DecodeData
// with its own payload type.
//
// Responses store a single status code. The success flag and the legacy
// compatibility fields are derived from it when the response is marshaled,
// so they cannot disagree.
package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/c360/mesgateway/errors"
	"github.com/c360/mesgateway/pkg/timestamp"
)

// Header holds the fields needed to route a request.
type Header struct {
	RequestID   string `json:"requestId"`
	ServiceName string `json:"serviceName"`
}

// Request is an inbound or outbound command envelope.
type Request struct {
	RequestID   string          `json:"requestId"`
	ServiceName string          `json:"serviceName"`
	Timestamp   string          `json:"timestamp"`
	DevCode     string          `json:"devCode"`
	Operator    string          `json:"operator"`
	Data        json.RawMessage `json:"data,omitempty"`
	ExtendData  json.RawMessage `json:"extendData,omitempty"`
}

// Peek decodes only the routing header.
func Peek(b []byte) (Header, error) {
	var h Header
	if err := json.Unmarshal(b, &h); err != nil {
		return Header{}, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrMalformedJSON, err), "envelope", "Peek", "decode header")
	}
	if strings.TrimSpace(h.ServiceName) == "" {
		return h, errors.WrapInvalid(errors.ErrMissingServiceName, "envelope", "Peek", "read serviceName")
	}
	return h, nil
}

// Parse decodes a request envelope, leaving data for a later DecodeData call.
// It fails with ErrMalformedJSON on syntax errors and ErrMissingServiceName
// when serviceName is absent or blank.
func Parse(b []byte) (*Request, error) {
	var r Request
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrMalformedJSON, err), "envelope", "Parse", "decode request")
	}
	r.ServiceName = strings.TrimSpace(r.ServiceName)
	if r.ServiceName == "" {
		return &r, errors.WrapInvalid(errors.ErrMissingServiceName, "envelope", "Parse", "read serviceName")
	}
	return &r, nil
}

// DecodeData decodes the data field into v, typically a pointer to a slice.
// An absent or null data field leaves v untouched.
func (r *Request) DecodeData(v any) error {
	if isNull(r.Data) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(r.Data))
	if err := dec.Decode(v); err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidData, err), "envelope", "DecodeData", "decode "+r.ServiceName+" data")
	}
	return nil
}

// HasData reports whether the request carries a non-null data field.
func (r *Request) HasData() bool {
	return !isNull(r.Data)
}

// NewRequest builds an outbound request with a fresh requestId and the
// current timestamp. data is marshaled into the data field.
func NewRequest(serviceName, devCode, operator string, data any) (*Request, error) {
	r := &Request{
		RequestID:   uuid.NewString(),
		ServiceName: serviceName,
		Timestamp:   timestamp.Envelope(time.Now()),
		DevCode:     devCode,
		Operator:    operator,
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, errors.WrapInvalid(err, "envelope", "NewRequest", "marshal data")
		}
		r.Data = raw
	}
	return r, nil
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// StatusOK is the only status code treated as success.
const StatusOK = http.StatusOK
