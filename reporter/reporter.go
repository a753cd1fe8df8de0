// Package reporter pushes machine reports to the remote MES.
//
// Each report is wrapped in a request envelope, signed with the shared
// secret and POSTed to a fixed path per report kind. A Send is a single
// attempt; callers that need retries (the Heartbeat job) wrap it with
// pkg/retry.
package reporter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/c360/mesgateway/dispatcher"
	"github.com/c360/mesgateway/envelope"
	"github.com/c360/mesgateway/errors"
	"github.com/c360/mesgateway/metric"
	"github.com/c360/mesgateway/pkg/security"
	"github.com/c360/mesgateway/pkg/tlsutil"
)

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 4 << 20

// Kind selects the endpoint and service name of a report.
type Kind string

// Report kinds.
const (
	KindToolOutput    Kind = "tool_output"
	KindError         Kind = "error"
	KindMachineStatus Kind = "machine_status"
	KindDrillHistory  Kind = "drill_history"
)

// Service names the MES expects for each report kind.
const (
	ServiceToolOutput    = "TOOL_OUTPUT_REPORT_COMMAND"
	ServiceErrorReport   = "ERROR_REPORT_COMMAND"
	ServiceMachineStatus = "MACHINE_STATUS_REPORT_COMMAND"
	ServiceDrillHistory  = "TOOL_TRACE_HISTORY_REPORT_COMMAND"
)

type route struct {
	path    string
	service string
}

var routes = map[Kind]route{
	KindToolOutput:    {"/api/mes/tool-output", ServiceToolOutput},
	KindError:         {"/api/mes/error-report", ServiceErrorReport},
	KindMachineStatus: {"/api/mes/machine-status", ServiceMachineStatus},
	KindDrillHistory:  {"/api/mes/drill-history", ServiceDrillHistory},
}

// Path returns the endpoint path for k, or "" when k is unknown.
func (k Kind) Path() string { return routes[k].path }

// ToolOutput reports produced parts for a tool.
type ToolOutput struct {
	ToolID      string `json:"toolId"`
	WorkOrderID string `json:"workOrderId,omitempty"`
	Quantity    int    `json:"quantity"`
	Timestamp   string `json:"timestamp"`
}

// ErrorReport reports a machine fault.
type ErrorReport struct {
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
	Level        string `json:"level,omitempty"`
	Timestamp    string `json:"timestamp"`
}

// MachineStatus is the periodic machine state report.
type MachineStatus struct {
	DevCode    string `json:"devCode"`
	State      string `json:"state"`
	Speed      int    `json:"speed"`
	Recipe     string `json:"recipe,omitempty"`
	WorkOrders int    `json:"workOrders"`
	Time       string `json:"time"`
}

// Result is the outcome of one report.
type Result struct {
	Success    bool
	StatusCode int
	Message    string
	Elapsed    time.Duration
	// Response is the parsed response envelope when the body was one.
	Response *envelope.Response
}

// Err returns nil on success and a transient error otherwise.
func (r Result) Err() error {
	if r.Success {
		return nil
	}
	return errors.WrapTransient(fmt.Errorf("%w: %s", errors.ErrInvalidData, r.Message),
		"Reporter", "Send", fmt.Sprintf("report (status %d)", r.StatusCode))
}

// Reporter sends signed report envelopes to the MES.
type Reporter struct {
	cfg     Config
	signer  *security.Signer
	client  *http.Client
	tls     *security.ClientTLSConfig
	logger  *slog.Logger
	metrics *reporterMetrics
}

// Option configures a Reporter.
type Option func(*Reporter)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reporter) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithHTTPClient replaces the HTTP client. The config timeout and TLS
// settings are not applied to it.
func WithHTTPClient(client *http.Client) Option {
	return func(r *Reporter) { r.client = client }
}

// WithTLS configures the outbound TLS client.
func WithTLS(cfg security.ClientTLSConfig) Option {
	return func(r *Reporter) { r.tls = &cfg }
}

// WithMetrics registers report metrics with registrar.
func WithMetrics(registrar metric.MetricsRegistrar) Option {
	return func(r *Reporter) {
		if registrar == nil {
			return
		}
		m, err := newReporterMetrics(registrar)
		if err != nil {
			r.logger.Warn("reporter metrics disabled", "error", err)
			return
		}
		r.metrics = m
	}
}

// New creates a reporter. A nil signer signs with cfg.APIKey and cfg.Secret.
func New(cfg Config, signer *security.Signer, opts ...Option) (*Reporter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if signer == nil {
		signer = security.NewSigner(cfg.APIKey, cfg.Secret)
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	r := &Reporter{
		cfg:    cfg,
		signer: signer,
		logger: slog.Default().With("component", "reporter"),
	}
	for _, opt := range opts {
		opt(r)
	}

	if r.client == nil {
		r.client = &http.Client{Timeout: cfg.Timeout}
		if r.tls != nil {
			tlsConfig, err := tlsutil.ClientConfig(*r.tls)
			if err != nil {
				return nil, errors.WrapFatal(err, "Reporter", "New", "load client TLS config")
			}
			r.client.Transport = &http.Transport{TLSClientConfig: tlsConfig}
		}
	}
	return r, nil
}

// Send posts payload as the data of a new request envelope to the endpoint
// for kind. An empty serviceName uses the kind's default. Any transport
// failure or non-2xx status yields a failed Result; Send never retries.
func (r *Reporter) Send(ctx context.Context, kind Kind, serviceName string, payload any) Result {
	start := time.Now()
	res := r.send(ctx, kind, serviceName, payload)
	res.Elapsed = time.Since(start)

	if r.metrics != nil {
		r.metrics.record(kind, res)
	}
	if res.Success {
		r.logger.Debug("report sent", "kind", kind, "status", res.StatusCode, "elapsed", res.Elapsed)
	} else {
		r.logger.Warn("report failed", "kind", kind, "status", res.StatusCode, "message", res.Message)
	}
	return res
}

func (r *Reporter) send(ctx context.Context, kind Kind, serviceName string, payload any) Result {
	rt, ok := routes[kind]
	if !ok {
		return Result{Message: fmt.Sprintf("unknown report kind %q", kind)}
	}
	if serviceName == "" {
		serviceName = rt.service
	}

	req, err := envelope.NewRequest(serviceName, r.cfg.DevCode, r.cfg.Operator, payload)
	if err != nil {
		return Result{Message: err.Error()}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return Result{Message: fmt.Sprintf("encode request: %v", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.BaseURL+rt.path, bytes.NewReader(body))
	if err != nil {
		return Result{Message: err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json; charset=utf-8")
	r.signer.Apply(httpReq, body)

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return Result{Message: err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Result{StatusCode: resp.StatusCode, Message: fmt.Sprintf("read response: %v", err)}
	}

	res := Result{StatusCode: resp.StatusCode}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		res.Message = fmt.Sprintf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
		return res
	}

	res.Success = true
	res.Message = http.StatusText(resp.StatusCode)
	var env envelope.Response
	if len(bytes.TrimSpace(respBody)) > 0 && json.Unmarshal(respBody, &env) == nil && env.StatusCode != 0 {
		res.Response = &env
		res.Message = env.Message
		if !env.Success() {
			res.Success = false
		}
	}
	return res
}

// ReportToolOutput sends produced-part counts.
func (r *Reporter) ReportToolOutput(ctx context.Context, outputs []ToolOutput) Result {
	return r.Send(ctx, KindToolOutput, "", outputs)
}

// ReportError sends machine faults.
func (r *Reporter) ReportError(ctx context.Context, reports []ErrorReport) Result {
	return r.Send(ctx, KindError, "", reports)
}

// ReportMachineStatus sends one machine state report.
func (r *Reporter) ReportMachineStatus(ctx context.Context, status MachineStatus) Result {
	return r.Send(ctx, KindMachineStatus, "", []MachineStatus{status})
}

// ReportDrillHistory sends tool usage records.
func (r *Reporter) ReportDrillHistory(ctx context.Context, records []dispatcher.ToolTraceRecord) Result {
	return r.Send(ctx, KindDrillHistory, "", records)
}
