// Package dispatcher routes parsed request envelopes to command handlers
// and turns every outcome into a response envelope.
//
// Handlers validate the payload shape, decode the typed data and call the
// injected business capability. Invalid input becomes a 400 response and
// any other failure, including a panic, becomes a 500 response. Errors never
// cross the dispatcher boundary.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/c360/mesgateway/envelope"
	"github.com/c360/mesgateway/errors"
	"github.com/c360/mesgateway/metric"
)

// Command names accepted on /api/mes.
const (
	SendMessage            = "SEND_MESSAGE_COMMAND"
	CreateNeedleWorkOrder  = "CREATE_NEEDLE_WORKORDER_COMMAND"
	DateMessage            = "DATE_MESSAGE_COMMAND"
	SwitchRecipe           = "SWITCH_RECIPE_COMMAND"
	DeviceControlCmd       = "DEVICE_CONTROL_COMMAND"
	WarehouseResourceQuery = "WAREHOUSE_RESOURCE_QUERY_COMMAND"
	ToolTraceHistoryQuery  = "TOOL_TRACE_HISTORY_QUERY_COMMAND"
	ToolTraceHistoryReport = "TOOL_TRACE_HISTORY_REPORT_COMMAND"
)

// Commands behind the fixed legacy routes.
const (
	InMaterial           = "IN_MATERIAL_COMMAND"
	OutMaterial          = "OUT_MATERIAL_COMMAND"
	OperationClamp       = "OPERATION_CLAMP_COMMAND"
	ChangeSpeed          = "CHANGE_SPEED_COMMAND"
	GetLocationByStorage = "GET_LOCATION_BY_STORAGE_COMMAND"
	GetLocationByPin     = "GET_LOCATION_BY_PIN_COMMAND"
	OutGetPins           = "OUT_GET_PINS_COMMAND"
)

// DefaultCallTimeout bounds a single business capability call.
const DefaultCallTimeout = 30 * time.Second

// Outcome is what a handler produces on success.
type Outcome struct {
	Message string
	Data    any
}

// Handler executes one command. Returning an error classified as invalid
// yields a 400 response; any other error yields 500.
type Handler func(ctx context.Context, req *envelope.Request) (Outcome, error)

// Dispatcher maps serviceName to Handler.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[string]Handler

	services    Services
	schemas     schemaSet
	callTimeout time.Duration
	logger      *slog.Logger
	metrics     *dispatchMetrics
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithCallTimeout bounds each handler invocation.
func WithCallTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.callTimeout = timeout
		}
	}
}

// WithMetrics registers dispatch metrics with registrar.
func WithMetrics(registrar metric.MetricsRegistrar) Option {
	return func(d *Dispatcher) {
		if registrar == nil {
			return
		}
		m, err := newDispatchMetrics(registrar)
		if err != nil {
			d.logger.Warn("dispatcher metrics disabled", "error", err)
			return
		}
		d.metrics = m
	}
}

// New creates a dispatcher with the built-in command table. Every business
// capability in services must be set.
func New(services Services, opts ...Option) (*Dispatcher, error) {
	if missing := services.missing(); len(missing) > 0 {
		return nil, errors.WrapFatal(fmt.Errorf("%w: %s", errors.ErrMissingCapabilities, strings.Join(missing, ", ")),
			"dispatcher", "New", "check services")
	}
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}

	d := &Dispatcher{
		handlers:    make(map[string]Handler),
		services:    services,
		schemas:     schemas,
		callTimeout: DefaultCallTimeout,
		logger:      slog.Default().With("component", "dispatcher"),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.registerBuiltins()
	return d, nil
}

// Register adds or replaces the handler for serviceName.
func (d *Dispatcher) Register(serviceName string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[serviceName] = h
}

// Supported returns the registered command names in sorted order.
func (d *Dispatcher) Supported() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Supports reports whether serviceName has a handler.
func (d *Dispatcher) Supports(serviceName string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.handlers[serviceName]
	return ok
}

// DispatchBytes parses body and dispatches it. Parse failures produce a
// 400 response that still echoes requestId when it could be read.
func (d *Dispatcher) DispatchBytes(ctx context.Context, body []byte) *envelope.Response {
	req, err := envelope.Parse(body)
	if err != nil {
		d.record("", http.StatusBadRequest, 0)
		return envelope.BadRequest(req, err.Error())
	}
	return d.Dispatch(ctx, req)
}

// Dispatch runs the handler for req.ServiceName.
func (d *Dispatcher) Dispatch(ctx context.Context, req *envelope.Request) (resp *envelope.Response) {
	start := time.Now()

	d.mu.RLock()
	h, ok := d.handlers[req.ServiceName]
	d.mu.RUnlock()
	if !ok {
		d.record(req.ServiceName, http.StatusBadRequest, time.Since(start))
		return envelope.BadRequest(req, fmt.Sprintf("%s: %s", errors.ErrUnsupportedService, req.ServiceName))
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panic", "service", req.ServiceName, "request_id", req.RequestID,
				"panic", r, "stack", string(debug.Stack()))
			resp = envelope.ServerError(req, fmt.Sprintf("internal error: %v", r))
		}
		d.record(req.ServiceName, resp.StatusCode, time.Since(start))
	}()

	callCtx, cancel := context.WithTimeout(ctx, d.callTimeout)
	defer cancel()

	if err := d.schemas.check(req.ServiceName, req.Data); err != nil {
		d.logger.Debug("payload rejected", "service", req.ServiceName, "request_id", req.RequestID, "error", err)
		return envelope.BadRequest(req, err.Error())
	}

	out, err := h(callCtx, req)
	switch {
	case err == nil:
		if out.Message == "" {
			out.Message = "success"
		}
		return envelope.Success(req, out.Message, out.Data)
	case errors.IsInvalid(err):
		d.logger.Debug("command rejected", "service", req.ServiceName, "request_id", req.RequestID, "error", err)
		return envelope.BadRequest(req, err.Error())
	default:
		d.logger.Error("command failed", "service", req.ServiceName, "request_id", req.RequestID, "error", err)
		return envelope.ServerError(req, err.Error())
	}
}

func (d *Dispatcher) record(service string, status int, elapsed time.Duration) {
	if d.metrics == nil {
		return
	}
	if service == "" || !d.Supports(service) {
		service = "unknown"
	}
	d.metrics.dispatched.WithLabelValues(service, fmt.Sprint(status)).Inc()
	d.metrics.duration.WithLabelValues(service).Observe(elapsed.Seconds())
}
