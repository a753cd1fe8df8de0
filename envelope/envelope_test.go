package envelope

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gwerrors "github.com/c360/mesgateway/errors"
)

type messageItem struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr error
		service string
	}{
		{
			name:    "valid",
			body:    `{"requestId":"r1","serviceName":"SEND_MESSAGE_COMMAND","data":[{"level":"info","message":"hi"}]}`,
			service: "SEND_MESSAGE_COMMAND",
		},
		{
			name:    "trims service name",
			body:    `{"requestId":"r1","serviceName":"  DATE_MESSAGE_COMMAND "}`,
			service: "DATE_MESSAGE_COMMAND",
		},
		{
			name:    "syntax error",
			body:    `{"requestId":`,
			wantErr: gwerrors.ErrMalformedJSON,
		},
		{
			name:    "missing service",
			body:    `{"requestId":"r1"}`,
			wantErr: gwerrors.ErrMissingServiceName,
		},
		{
			name:    "blank service",
			body:    `{"requestId":"r1","serviceName":"   "}`,
			wantErr: gwerrors.ErrMissingServiceName,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := Parse([]byte(tt.body))
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.ErrorIs(t, err, tt.wantErr)
				assert.True(t, gwerrors.IsInvalid(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.service, req.ServiceName)
			assert.Equal(t, "r1", req.RequestID)
		})
	}
}

func TestPeek(t *testing.T) {
	h, err := Peek([]byte(`{"requestId":"abc","serviceName":"X","data":{"ignored":true}}`))
	require.NoError(t, err)
	assert.Equal(t, Header{RequestID: "abc", ServiceName: "X"}, h)

	_, err = Peek([]byte(`not json`))
	assert.ErrorIs(t, err, gwerrors.ErrMalformedJSON)
}

func TestRequest_DecodeData(t *testing.T) {
	req, err := Parse([]byte(`{"requestId":"r1","serviceName":"S","data":[{"level":"warn","message":"low ink"}]}`))
	require.NoError(t, err)
	require.True(t, req.HasData())

	var items []messageItem
	require.NoError(t, req.DecodeData(&items))
	if diff := cmp.Diff([]messageItem{{Level: "warn", Message: "low ink"}}, items); diff != "" {
		t.Errorf("data mismatch (-want +got):\n%s", diff)
	}

	t.Run("null data", func(t *testing.T) {
		req := &Request{ServiceName: "S", Data: json.RawMessage("null")}
		var items []messageItem
		assert.NoError(t, req.DecodeData(&items))
		assert.Empty(t, items)
		assert.False(t, req.HasData())
	})

	t.Run("wrong shape", func(t *testing.T) {
		req := &Request{ServiceName: "S", Data: json.RawMessage(`{"level":1}`)}
		var items []messageItem
		err := req.DecodeData(&items)
		assert.ErrorIs(t, err, gwerrors.ErrInvalidData)
	})
}

func TestNewRequest(t *testing.T) {
	req, err := NewRequest("MACHINE_STATUS_REPORT_COMMAND", "DEV01", "op", []map[string]string{{"status": "RUN"}})
	require.NoError(t, err)

	assert.NotEmpty(t, req.RequestID)
	assert.Len(t, req.Timestamp, len("2006-01-02 15:04:05"))
	assert.Equal(t, "DEV01", req.DevCode)
	assert.JSONEq(t, `[{"status":"RUN"}]`, string(req.Data))

	other, err := NewRequest("X", "", "", nil)
	require.NoError(t, err)
	assert.NotEqual(t, req.RequestID, other.RequestID)
	assert.Nil(t, other.Data)
}

func TestBuildResponse_SuccessConsistency(t *testing.T) {
	for _, status := range []int{200, 201, 400, 401, 429, 500} {
		resp := BuildResponse("r1", "S", status, "m", nil)
		assert.Equal(t, status == http.StatusOK, resp.Success(), "status %d", status)

		b, err := json.Marshal(resp)
		require.NoError(t, err)

		var wire map[string]any
		require.NoError(t, json.Unmarshal(b, &wire))
		assert.Equal(t, status == http.StatusOK, wire["success"])
		assert.Equal(t, wire["success"], wire["isSuccess"])
		assert.Equal(t, float64(status), wire["statusCode"])
		assert.Equal(t, "m", wire["statusMessage"])
	}
}

func TestResponse_UnmarshalIgnoresLegacyFlags(t *testing.T) {
	body := `{"responseId":"x","requestId":"r1","statusCode":500,"success":true,"isSuccess":true,"statusMessage":"failed","data":{"n":1}}`

	var resp Response
	require.NoError(t, json.Unmarshal([]byte(body), &resp))
	assert.False(t, resp.Success())
	assert.Equal(t, "failed", resp.Message)

	var data struct {
		N int `json:"n"`
	}
	require.NoError(t, resp.DecodeData(&data))
	assert.Equal(t, 1, data.N)
}

func TestResponseBuilders(t *testing.T) {
	req := &Request{RequestID: "r9", ServiceName: "S"}

	ok := Success(req, "done", []int{1})
	assert.Equal(t, http.StatusOK, ok.StatusCode)
	assert.Equal(t, "r9", ok.RequestID)
	assert.NotEmpty(t, ok.ResponseID)

	var got []int
	require.NoError(t, ok.DecodeData(&got))
	assert.Equal(t, []int{1}, got)

	assert.Equal(t, http.StatusBadRequest, BadRequest(req, "bad").StatusCode)
	assert.Equal(t, http.StatusInternalServerError, ServerError(nil, "boom").StatusCode)
	assert.NotEqual(t, ok.ResponseID, Success(req, "", nil).ResponseID)
}
