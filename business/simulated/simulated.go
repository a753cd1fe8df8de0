// Package simulated provides in-memory business capabilities so the gateway
// can run without a machine attached. State lives for the process lifetime.
package simulated

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360/mesgateway/dispatcher"
	"github.com/c360/mesgateway/errors"
	"github.com/c360/mesgateway/pkg/timestamp"
)

// Machine is a simulated needle placement cell with a small warehouse.
type Machine struct {
	mu sync.Mutex

	devCode     string
	clockOffset time.Duration
	state       string
	speed       int
	recipe      dispatcher.RecipeSwitch
	clamps      map[string]string
	workOrders  map[string]dispatcher.WorkOrder
	messages    []dispatcher.OperatorMessage
	history     []dispatcher.ToolTraceRecord
	stock       map[string]*dispatcher.Resource
	locations   []dispatcher.Location
	pinsOut     []string

	logger *slog.Logger
}

// Option configures a Machine.
type Option func(*Machine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Machine) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// New creates a machine with a seeded warehouse.
func New(devCode string, opts ...Option) *Machine {
	m := &Machine{
		devCode:    devCode,
		state:      "idle",
		speed:      100,
		clamps:     make(map[string]string),
		workOrders: make(map[string]dispatcher.WorkOrder),
		stock:      make(map[string]*dispatcher.Resource),
		logger:     slog.Default().With("component", "simulated-machine"),
	}
	for _, opt := range opts {
		opt(m)
	}

	for row := 1; row <= 2; row++ {
		for col := 1; col <= 3; col++ {
			storage := fmt.Sprintf("S-%02d", (row-1)*3+col)
			pin := fmt.Sprintf("PIN-%d%d", row, col)
			m.locations = append(m.locations, dispatcher.Location{
				StorageID: storage, Pin: pin, Slot: fmt.Sprintf("%c%d", 'A'+row-1, col), Row: row, Column: col,
			})
			m.stock[pin] = &dispatcher.Resource{
				ResourceID: pin, ResourceType: "needle", Location: storage, Quantity: 50, Status: "available",
			}
		}
	}
	return m
}

// Services returns the machine as every business capability.
func (m *Machine) Services() dispatcher.Services {
	return dispatcher.Services{Warehouse: m, Workflow: m, Database: m, GlobalConfig: m, Utility: m}
}

// QueryResources matches by type and, when given, id.
func (m *Machine) QueryResources(_ context.Context, queries []dispatcher.ResourceQuery) ([]dispatcher.Resource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []dispatcher.Resource
	seen := make(map[string]bool)
	for _, q := range queries {
		for id, r := range m.stock {
			if seen[id] || !strings.EqualFold(r.ResourceType, q.ResourceType) {
				continue
			}
			if q.ResourceID != "" && q.ResourceID != id {
				continue
			}
			seen[id] = true
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResourceID < out[j].ResourceID })
	return out, nil
}

// InMaterial adds stock.
func (m *Machine) InMaterial(_ context.Context, moves []dispatcher.MaterialMove) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mv := range moves {
		r, ok := m.stock[mv.Pin]
		if !ok {
			r = &dispatcher.Resource{ResourceID: mv.Pin, ResourceType: "needle", Status: "available"}
			m.stock[mv.Pin] = r
		}
		r.Location = mv.StorageID
		r.Quantity += mv.Quantity
	}
	return nil
}

// OutMaterial removes stock. It fails without changes when any move would
// go below zero.
func (m *Machine) OutMaterial(_ context.Context, moves []dispatcher.MaterialMove) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	need := make(map[string]int)
	for _, mv := range moves {
		need[mv.Pin] += mv.Quantity
	}
	for pin, qty := range need {
		r, ok := m.stock[pin]
		if !ok || r.Quantity < qty {
			return fmt.Errorf("insufficient stock for %s", pin)
		}
	}
	for pin, qty := range need {
		m.stock[pin].Quantity -= qty
		if !containsString(m.pinsOut, pin) {
			m.pinsOut = append(m.pinsOut, pin)
		}
	}
	return nil
}

// LocationByStorage returns the cells of a storage id.
func (m *Machine) LocationByStorage(_ context.Context, storageID string) ([]dispatcher.Location, error) {
	return m.findLocations(func(l dispatcher.Location) bool { return l.StorageID == storageID }), nil
}

// LocationByPin returns the cells holding a pin.
func (m *Machine) LocationByPin(_ context.Context, pin string) ([]dispatcher.Location, error) {
	return m.findLocations(func(l dispatcher.Location) bool { return l.Pin == pin }), nil
}

func (m *Machine) findLocations(match func(dispatcher.Location) bool) []dispatcher.Location {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []dispatcher.Location
	for _, l := range m.locations {
		if match(l) {
			out = append(out, l)
		}
	}
	return out
}

// OutPins lists pins that have been taken out of storage.
func (m *Machine) OutPins(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]string(nil), m.pinsOut...)
	sort.Strings(out)
	return out, nil
}

// ShowMessages logs operator messages and keeps the latest 100.
func (m *Machine) ShowMessages(_ context.Context, msgs []dispatcher.OperatorMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range msgs {
		m.logger.Info("operator message", "level", msg.Level, "title", msg.Title, "message", msg.Message)
	}
	m.messages = append(m.messages, msgs...)
	if n := len(m.messages); n > 100 {
		m.messages = m.messages[n-100:]
	}
	return nil
}

// CreateWorkOrders stores work orders. Duplicate ids are rejected.
func (m *Machine) CreateWorkOrders(_ context.Context, orders []dispatcher.WorkOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range orders {
		if _, dup := m.workOrders[o.WorkOrderID]; dup {
			return fmt.Errorf("work order %s already exists", o.WorkOrderID)
		}
	}
	for _, o := range orders {
		m.workOrders[o.WorkOrderID] = o
	}
	return nil
}

// SwitchRecipe changes the active recipe while the machine is not running.
func (m *Machine) SwitchRecipe(_ context.Context, sw dispatcher.RecipeSwitch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == "running" {
		return fmt.Errorf("cannot switch recipe while running")
	}
	m.recipe = sw
	return nil
}

// ControlDevice applies a state transition.
func (m *Machine) ControlDevice(_ context.Context, ctl dispatcher.DeviceControl) (dispatcher.DeviceStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next, ok := transitions[m.state][ctl.Action]
	if !ok {
		return dispatcher.DeviceStatus{State: m.state},
			fmt.Errorf("action %s not allowed in state %s", ctl.Action, m.state)
	}
	m.logger.Info("device state change", "from", m.state, "to", next, "reason", ctl.Reason)
	m.state = next
	return dispatcher.DeviceStatus{State: next, Message: "ok"}, nil
}

var transitions = map[string]map[string]string{
	"idle":    {dispatcher.ActionStart: "running", dispatcher.ActionReset: "idle", dispatcher.ActionStop: "idle"},
	"running": {dispatcher.ActionStop: "idle", dispatcher.ActionPause: "paused"},
	"paused":  {dispatcher.ActionResume: "running", dispatcher.ActionStop: "idle"},
	"fault":   {dispatcher.ActionReset: "idle"},
}

// OperateClamps records the clamp positions.
func (m *Machine) OperateClamps(_ context.Context, ops []dispatcher.ClampOperation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, op := range ops {
		m.clamps[op.ClampID] = op.Action
	}
	return nil
}

// ChangeSpeed sets the speed percentage.
func (m *Machine) ChangeSpeed(_ context.Context, sc dispatcher.SpeedChange) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.speed = sc.Speed
	return nil
}

// QueryToolHistory filters recorded history by tool and time range.
func (m *Machine) QueryToolHistory(_ context.Context, q dispatcher.ToolHistoryQuery) ([]dispatcher.ToolTraceRecord, error) {
	var from, to time.Time
	var err error
	if q.StartTime != "" {
		if from, err = timestamp.ParseEnvelope(q.StartTime); err != nil {
			return nil, errors.WrapInvalid(err, "simulated", "QueryToolHistory", "parse startTime")
		}
	}
	if q.EndTime != "" {
		if to, err = timestamp.ParseEnvelope(q.EndTime); err != nil {
			return nil, errors.WrapInvalid(err, "simulated", "QueryToolHistory", "parse endTime")
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	var out []dispatcher.ToolTraceRecord
	for _, r := range m.history {
		if r.ToolID != q.ToolID {
			continue
		}
		at, err := timestamp.ParseEnvelope(r.Timestamp)
		if err != nil {
			continue
		}
		if (!from.IsZero() && at.Before(from)) || (!to.IsZero() && at.After(to)) {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}

// SaveToolHistory appends records and returns how many were stored.
func (m *Machine) SaveToolHistory(_ context.Context, records []dispatcher.ToolTraceRecord) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, records...)
	return len(records), nil
}

// DeviceCode returns the configured device code.
func (m *Machine) DeviceCode() string { return m.devCode }

// SetSystemTime records the offset between MES time and the local clock.
// The host clock itself is left alone.
func (m *Machine) SetSystemTime(_ context.Context, t time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clockOffset = time.Until(t)
	m.logger.Info("clock synchronized", "offset", m.clockOffset.Round(time.Millisecond))
	return nil
}

// Now returns the local clock adjusted by the last synchronization.
func (m *Machine) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return time.Now().Add(m.clockOffset)
}

// NewID returns a work order id.
func (m *Machine) NewID() string {
	return "WO-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
}

// Snapshot is the state reported by the heartbeat.
type Snapshot struct {
	DevCode    string `json:"devCode"`
	State      string `json:"state"`
	Speed      int    `json:"speed"`
	Recipe     string `json:"recipe,omitempty"`
	WorkOrders int    `json:"workOrders"`
	Time       string `json:"time"`
}

// Snapshot returns the current machine state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Snapshot{
		DevCode:    m.devCode,
		State:      m.state,
		Speed:      m.speed,
		Recipe:     m.recipe.RecipeName,
		WorkOrders: len(m.workOrders),
		Time:       timestamp.Envelope(time.Now().Add(m.clockOffset)),
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
