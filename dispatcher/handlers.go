package dispatcher

import (
	"context"
	"fmt"
	"strings"

	"github.com/c360/mesgateway/envelope"
	"github.com/c360/mesgateway/errors"
	"github.com/c360/mesgateway/pkg/timestamp"
)

func (d *Dispatcher) registerBuiltins() {
	builtins := map[string]Handler{
		SendMessage:            d.handleSendMessage,
		CreateNeedleWorkOrder:  d.handleCreateWorkOrder,
		DateMessage:            d.handleDateMessage,
		SwitchRecipe:           d.handleSwitchRecipe,
		DeviceControlCmd:       d.handleDeviceControl,
		WarehouseResourceQuery: d.handleWarehouseQuery,
		ToolTraceHistoryQuery:  d.handleToolHistoryQuery,
		ToolTraceHistoryReport: d.handleToolHistoryReport,
		InMaterial:             d.handleInMaterial,
		OutMaterial:            d.handleOutMaterial,
		OperationClamp:         d.handleOperationClamp,
		ChangeSpeed:            d.handleChangeSpeed,
		GetLocationByStorage:   d.handleLocationByStorage,
		GetLocationByPin:       d.handleLocationByPin,
		OutGetPins:             d.handleOutGetPins,
	}
	for name, h := range builtins {
		d.Register(name, h)
	}
}

// decodeItems decodes the request data into a non-empty typed slice.
func decodeItems[T any](req *envelope.Request) ([]T, error) {
	var items []T
	if err := req.DecodeData(&items); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, invalid(req.ServiceName, "data must contain at least one item")
	}
	return items, nil
}

func firstItem[T any](req *envelope.Request) (T, error) {
	items, err := decodeItems[T](req)
	if err != nil {
		var zero T
		return zero, err
	}
	return items[0], nil
}

func invalid(service, format string, args ...any) error {
	return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrValidationFailed, fmt.Sprintf(format, args...)),
		"dispatcher", service, "validate payload")
}

// business marks a capability failure so it is reported as 500 even when
// the capability returned an input-classified error.
func business(err error, service, action string) error {
	return errors.WrapTransient(err, "dispatcher", service, action)
}

func (d *Dispatcher) handleSendMessage(ctx context.Context, req *envelope.Request) (Outcome, error) {
	msgs, err := decodeItems[OperatorMessage](req)
	if err != nil {
		return Outcome{}, err
	}
	for i := range msgs {
		if msgs[i].Level == "" {
			msgs[i].Level = "info"
		}
	}
	if err := d.services.Workflow.ShowMessages(ctx, msgs); err != nil {
		return Outcome{}, business(err, req.ServiceName, "show messages")
	}
	return Outcome{Message: "message received", Data: map[string]int{"count": len(msgs)}}, nil
}

func (d *Dispatcher) handleCreateWorkOrder(ctx context.Context, req *envelope.Request) (Outcome, error) {
	orders, err := decodeItems[WorkOrder](req)
	if err != nil {
		return Outcome{}, err
	}
	ids := make([]string, len(orders))
	for i := range orders {
		if orders[i].DueDate != "" {
			if _, err := timestamp.ParseEnvelope(orders[i].DueDate); err != nil {
				return Outcome{}, invalid(req.ServiceName, "item %d: dueDate must use %q", i, timestamp.EnvelopeLayout)
			}
		}
		if orders[i].WorkOrderID == "" {
			orders[i].WorkOrderID = d.services.Utility.NewID()
		}
		ids[i] = orders[i].WorkOrderID
	}
	if err := d.services.Workflow.CreateWorkOrders(ctx, orders); err != nil {
		return Outcome{}, business(err, req.ServiceName, "create work orders")
	}
	return Outcome{Message: "work orders created", Data: map[string][]string{"workOrderIds": ids}}, nil
}

func (d *Dispatcher) handleDateMessage(ctx context.Context, req *envelope.Request) (Outcome, error) {
	ds, err := firstItem[DateSync](req)
	if err != nil {
		return Outcome{}, err
	}
	t, err := timestamp.ParseEnvelope(ds.Time)
	if err != nil {
		return Outcome{}, invalid(req.ServiceName, "time must use %q", timestamp.EnvelopeLayout)
	}
	if err := d.services.GlobalConfig.SetSystemTime(ctx, t); err != nil {
		return Outcome{}, business(err, req.ServiceName, "set system time")
	}
	return Outcome{Message: "time synchronized", Data: map[string]string{"time": timestamp.Envelope(t)}}, nil
}

func (d *Dispatcher) handleSwitchRecipe(ctx context.Context, req *envelope.Request) (Outcome, error) {
	sw, err := firstItem[RecipeSwitch](req)
	if err != nil {
		return Outcome{}, err
	}
	sw.RecipeName = strings.TrimSpace(sw.RecipeName)
	if sw.RecipeName == "" {
		return Outcome{}, invalid(req.ServiceName, "recipeName is required")
	}
	if err := d.services.Workflow.SwitchRecipe(ctx, sw); err != nil {
		return Outcome{}, business(err, req.ServiceName, "switch recipe")
	}
	return Outcome{Message: "recipe switched", Data: sw}, nil
}

func (d *Dispatcher) handleDeviceControl(ctx context.Context, req *envelope.Request) (Outcome, error) {
	ctl, err := firstItem[DeviceControl](req)
	if err != nil {
		return Outcome{}, err
	}
	ctl.Action = strings.ToLower(strings.TrimSpace(ctl.Action))
	switch ctl.Action {
	case ActionStart, ActionStop, ActionPause, ActionResume, ActionReset:
	default:
		return Outcome{}, invalid(req.ServiceName, "unknown action %q", ctl.Action)
	}
	status, err := d.services.Workflow.ControlDevice(ctx, ctl)
	if err != nil {
		return Outcome{}, business(err, req.ServiceName, "control device")
	}
	return Outcome{Message: "device " + ctl.Action + " accepted", Data: status}, nil
}

func (d *Dispatcher) handleWarehouseQuery(ctx context.Context, req *envelope.Request) (Outcome, error) {
	queries, err := decodeItems[ResourceQuery](req)
	if err != nil {
		return Outcome{}, err
	}
	resources, err := d.services.Warehouse.QueryResources(ctx, queries)
	if err != nil {
		return Outcome{}, business(err, req.ServiceName, "query resources")
	}
	if resources == nil {
		resources = []Resource{}
	}
	return Outcome{Message: fmt.Sprintf("%d resources found", len(resources)), Data: resources}, nil
}

func (d *Dispatcher) handleToolHistoryQuery(ctx context.Context, req *envelope.Request) (Outcome, error) {
	q, err := firstItem[ToolHistoryQuery](req)
	if err != nil {
		return Outcome{}, err
	}
	var bounds [2]int64
	for i, s := range []string{q.StartTime, q.EndTime} {
		if s == "" {
			continue
		}
		t, err := timestamp.ParseEnvelope(s)
		if err != nil {
			return Outcome{}, invalid(req.ServiceName, "time range must use %q", timestamp.EnvelopeLayout)
		}
		bounds[i] = t.Unix()
	}
	if bounds[0] != 0 && bounds[1] != 0 && bounds[0] > bounds[1] {
		return Outcome{}, invalid(req.ServiceName, "startTime is after endTime")
	}
	records, err := d.services.Database.QueryToolHistory(ctx, q)
	if err != nil {
		return Outcome{}, business(err, req.ServiceName, "query tool history")
	}
	if records == nil {
		records = []ToolTraceRecord{}
	}
	return Outcome{Message: fmt.Sprintf("%d records found", len(records)), Data: records}, nil
}

func (d *Dispatcher) handleToolHistoryReport(ctx context.Context, req *envelope.Request) (Outcome, error) {
	records, err := decodeItems[ToolTraceRecord](req)
	if err != nil {
		return Outcome{}, err
	}
	for i, r := range records {
		if _, err := timestamp.ParseEnvelope(r.Timestamp); err != nil {
			return Outcome{}, invalid(req.ServiceName, "item %d: timestamp must use %q", i, timestamp.EnvelopeLayout)
		}
	}
	saved, err := d.services.Database.SaveToolHistory(ctx, records)
	if err != nil {
		return Outcome{}, business(err, req.ServiceName, "save tool history")
	}
	return Outcome{Message: "tool history recorded", Data: map[string]int{"saved": saved}}, nil
}

func (d *Dispatcher) handleInMaterial(ctx context.Context, req *envelope.Request) (Outcome, error) {
	moves, err := decodeItems[MaterialMove](req)
	if err != nil {
		return Outcome{}, err
	}
	if err := d.services.Warehouse.InMaterial(ctx, moves); err != nil {
		return Outcome{}, business(err, req.ServiceName, "store material")
	}
	return Outcome{Message: "material stored", Data: map[string]int{"count": len(moves)}}, nil
}

func (d *Dispatcher) handleOutMaterial(ctx context.Context, req *envelope.Request) (Outcome, error) {
	moves, err := decodeItems[MaterialMove](req)
	if err != nil {
		return Outcome{}, err
	}
	if err := d.services.Warehouse.OutMaterial(ctx, moves); err != nil {
		return Outcome{}, business(err, req.ServiceName, "retrieve material")
	}
	return Outcome{Message: "material retrieved", Data: map[string]int{"count": len(moves)}}, nil
}

func (d *Dispatcher) handleOperationClamp(ctx context.Context, req *envelope.Request) (Outcome, error) {
	ops, err := decodeItems[ClampOperation](req)
	if err != nil {
		return Outcome{}, err
	}
	if err := d.services.Workflow.OperateClamps(ctx, ops); err != nil {
		return Outcome{}, business(err, req.ServiceName, "operate clamps")
	}
	return Outcome{Message: "clamp operation completed", Data: ops}, nil
}

func (d *Dispatcher) handleChangeSpeed(ctx context.Context, req *envelope.Request) (Outcome, error) {
	sc, err := firstItem[SpeedChange](req)
	if err != nil {
		return Outcome{}, err
	}
	if err := d.services.Workflow.ChangeSpeed(ctx, sc); err != nil {
		return Outcome{}, business(err, req.ServiceName, "change speed")
	}
	return Outcome{Message: fmt.Sprintf("speed set to %d%%", sc.Speed), Data: sc}, nil
}

func (d *Dispatcher) handleLocationByStorage(ctx context.Context, req *envelope.Request) (Outcome, error) {
	q, err := firstItem[LocationQuery](req)
	if err != nil {
		return Outcome{}, err
	}
	locs, err := d.services.Warehouse.LocationByStorage(ctx, q.StorageID)
	if err != nil {
		return Outcome{}, business(err, req.ServiceName, "look up storage")
	}
	return locationOutcome(locs), nil
}

func (d *Dispatcher) handleLocationByPin(ctx context.Context, req *envelope.Request) (Outcome, error) {
	q, err := firstItem[LocationQuery](req)
	if err != nil {
		return Outcome{}, err
	}
	locs, err := d.services.Warehouse.LocationByPin(ctx, q.Pin)
	if err != nil {
		return Outcome{}, business(err, req.ServiceName, "look up pin")
	}
	return locationOutcome(locs), nil
}

func locationOutcome(locs []Location) Outcome {
	if locs == nil {
		locs = []Location{}
	}
	return Outcome{Message: fmt.Sprintf("%d locations found", len(locs)), Data: locs}
}

func (d *Dispatcher) handleOutGetPins(ctx context.Context, req *envelope.Request) (Outcome, error) {
	pins, err := d.services.Warehouse.OutPins(ctx)
	if err != nil {
		return Outcome{}, business(err, req.ServiceName, "list pins")
	}
	if pins == nil {
		pins = []string{}
	}
	return Outcome{Message: fmt.Sprintf("%d pins ready", len(pins)), Data: pins}, nil
}
