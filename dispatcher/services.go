package dispatcher

import (
	"context"
	"time"
)

// OperatorMessage is shown on the machine HMI.
type OperatorMessage struct {
	Level   string `json:"level"`
	Title   string `json:"title,omitempty"`
	Message string `json:"message"`
}

// WorkOrder is a needle placement job pushed by the MES.
type WorkOrder struct {
	WorkOrderID string `json:"workOrderId"`
	ProductCode string `json:"productCode"`
	RecipeName  string `json:"recipeName"`
	Quantity    int    `json:"quantity"`
	NeedleSpec  string `json:"needleSpec,omitempty"`
	Priority    int    `json:"priority,omitempty"`
	DueDate     string `json:"dueDate,omitempty"`
}

// DateSync carries the MES wall clock in the envelope timestamp layout.
type DateSync struct {
	Time string `json:"time"`
}

// RecipeSwitch selects the active recipe.
type RecipeSwitch struct {
	RecipeName    string `json:"recipeName"`
	RecipeVersion string `json:"recipeVersion,omitempty"`
	WorkOrderID   string `json:"workOrderId,omitempty"`
}

// DeviceControl is a machine state change request.
type DeviceControl struct {
	Action string `json:"action"`
	Reason string `json:"reason,omitempty"`
}

// Device control actions.
const (
	ActionStart  = "start"
	ActionStop   = "stop"
	ActionPause  = "pause"
	ActionResume = "resume"
	ActionReset  = "reset"
)

// DeviceStatus is returned after a control action.
type DeviceStatus struct {
	State   string `json:"state"`
	Message string `json:"message,omitempty"`
}

// ResourceQuery selects warehouse resources.
type ResourceQuery struct {
	ResourceType string `json:"resourceType"`
	ResourceID   string `json:"resourceId,omitempty"`
}

// Resource is a warehouse stock entry.
type Resource struct {
	ResourceID   string `json:"resourceId"`
	ResourceType string `json:"resourceType"`
	Location     string `json:"location"`
	Quantity     int    `json:"quantity"`
	Status       string `json:"status"`
}

// ToolHistoryQuery selects tool trace records in a time range. Times use
// the envelope timestamp layout; empty bounds are open.
type ToolHistoryQuery struct {
	ToolID    string `json:"toolId"`
	StartTime string `json:"startTime,omitempty"`
	EndTime   string `json:"endTime,omitempty"`
}

// ToolTraceRecord is one tool usage record.
type ToolTraceRecord struct {
	ToolID      string `json:"toolId"`
	WorkOrderID string `json:"workOrderId,omitempty"`
	DrillCount  int    `json:"drillCount"`
	Position    string `json:"position,omitempty"`
	Operator    string `json:"operator,omitempty"`
	Timestamp   string `json:"timestamp"`
}

// MaterialMove moves pins into or out of a storage cell.
type MaterialMove struct {
	Pin       string `json:"pin"`
	StorageID string `json:"storageId"`
	Quantity  int    `json:"quantity"`
}

// ClampOperation opens or closes a clamp.
type ClampOperation struct {
	ClampID string `json:"clampId"`
	Action  string `json:"action"`
}

// SpeedChange sets the machine speed in percent of nominal.
type SpeedChange struct {
	Speed int `json:"speed"`
}

// LocationQuery looks up storage locations by storage id or pin.
type LocationQuery struct {
	StorageID string `json:"storageId,omitempty"`
	Pin       string `json:"pin,omitempty"`
}

// Location is a storage cell.
type Location struct {
	StorageID string `json:"storageId"`
	Pin       string `json:"pin"`
	Slot      string `json:"slot"`
	Row       int    `json:"row"`
	Column    int    `json:"column"`
}

// Warehouse answers stock and location queries and moves material.
type Warehouse interface {
	QueryResources(ctx context.Context, queries []ResourceQuery) ([]Resource, error)
	InMaterial(ctx context.Context, moves []MaterialMove) error
	OutMaterial(ctx context.Context, moves []MaterialMove) error
	LocationByStorage(ctx context.Context, storageID string) ([]Location, error)
	LocationByPin(ctx context.Context, pin string) ([]Location, error)
	OutPins(ctx context.Context) ([]string, error)
}

// Workflow drives the machine: messages, work orders, recipes and motion.
type Workflow interface {
	ShowMessages(ctx context.Context, msgs []OperatorMessage) error
	CreateWorkOrders(ctx context.Context, orders []WorkOrder) error
	SwitchRecipe(ctx context.Context, sw RecipeSwitch) error
	ControlDevice(ctx context.Context, ctl DeviceControl) (DeviceStatus, error)
	OperateClamps(ctx context.Context, ops []ClampOperation) error
	ChangeSpeed(ctx context.Context, sc SpeedChange) error
}

// Database stores and queries tool trace history.
type Database interface {
	QueryToolHistory(ctx context.Context, q ToolHistoryQuery) ([]ToolTraceRecord, error)
	SaveToolHistory(ctx context.Context, records []ToolTraceRecord) (int, error)
}

// GlobalConfig exposes machine-wide settings.
type GlobalConfig interface {
	DeviceCode() string
	SetSystemTime(ctx context.Context, t time.Time) error
}

// Utility provides identifiers for records created by the gateway.
type Utility interface {
	NewID() string
}

// Services bundles the business capabilities. Every field is required.
type Services struct {
	Warehouse    Warehouse
	Workflow     Workflow
	Database     Database
	GlobalConfig GlobalConfig
	Utility      Utility
}

func (s Services) missing() []string {
	var out []string
	if s.Warehouse == nil {
		out = append(out, "Warehouse")
	}
	if s.Workflow == nil {
		out = append(out, "Workflow")
	}
	if s.Database == nil {
		out = append(out, "Database")
	}
	if s.GlobalConfig == nil {
		out = append(out, "GlobalConfig")
	}
	if s.Utility == nil {
		out = append(out, "Utility")
	}
	return out
}
