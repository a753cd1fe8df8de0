package dispatcher

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/c360/mesgateway/errors"
)

// itemsSchema builds a draft-07 schema for a non-empty array of objects
// with the given required properties and property schemas.
func itemsSchema(required []string, props string) string {
	req := `"` + strings.Join(required, `","`) + `"`
	if len(required) == 0 {
		req = ""
	}
	return fmt.Sprintf(`{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "array",
  "minItems": 1,
  "items": {
    "type": "object",
    "required": [%s],
    "properties": {%s}
  }
}`, req, props)
}

// payloadSchemas holds the data shape for each command that carries data.
var payloadSchemas = map[string]string{
	SendMessage: itemsSchema([]string{"message"}, `
      "level": {"type": "string"},
      "title": {"type": "string"},
      "message": {"type": "string", "minLength": 1}`),
	CreateNeedleWorkOrder: itemsSchema([]string{"productCode", "recipeName", "quantity"}, `
      "workOrderId": {"type": "string"},
      "productCode": {"type": "string", "minLength": 1},
      "recipeName": {"type": "string", "minLength": 1},
      "quantity": {"type": "integer", "minimum": 1},
      "priority": {"type": "integer", "minimum": 0}`),
	DateMessage: itemsSchema([]string{"time"}, `
      "time": {"type": "string", "minLength": 1}`),
	SwitchRecipe: itemsSchema([]string{"recipeName"}, `
      "recipeName": {"type": "string", "minLength": 1},
      "recipeVersion": {"type": "string"}`),
	DeviceControlCmd: itemsSchema([]string{"action"}, `
      "action": {"type": "string", "enum": ["start", "stop", "pause", "resume", "reset"]}`),
	WarehouseResourceQuery: itemsSchema([]string{"resourceType"}, `
      "resourceType": {"type": "string", "minLength": 1},
      "resourceId": {"type": "string"}`),
	ToolTraceHistoryQuery: itemsSchema([]string{"toolId"}, `
      "toolId": {"type": "string", "minLength": 1},
      "startTime": {"type": "string"},
      "endTime": {"type": "string"}`),
	ToolTraceHistoryReport: itemsSchema([]string{"toolId", "drillCount", "timestamp"}, `
      "toolId": {"type": "string", "minLength": 1},
      "drillCount": {"type": "integer", "minimum": 0},
      "timestamp": {"type": "string", "minLength": 1}`),
	InMaterial: itemsSchema([]string{"pin", "storageId", "quantity"}, `
      "pin": {"type": "string", "minLength": 1},
      "storageId": {"type": "string", "minLength": 1},
      "quantity": {"type": "integer", "minimum": 1}`),
	OutMaterial: itemsSchema([]string{"pin", "storageId", "quantity"}, `
      "pin": {"type": "string", "minLength": 1},
      "storageId": {"type": "string", "minLength": 1},
      "quantity": {"type": "integer", "minimum": 1}`),
	OperationClamp: itemsSchema([]string{"clampId", "action"}, `
      "clampId": {"type": "string", "minLength": 1},
      "action": {"type": "string", "enum": ["open", "close"]}`),
	ChangeSpeed: itemsSchema([]string{"speed"}, `
      "speed": {"type": "integer", "minimum": 1, "maximum": 100}`),
	GetLocationByStorage: itemsSchema([]string{"storageId"}, `
      "storageId": {"type": "string", "minLength": 1}`),
	GetLocationByPin: itemsSchema([]string{"pin"}, `
      "pin": {"type": "string", "minLength": 1}`),
}

// schemaSet is the compiled form of payloadSchemas.
type schemaSet map[string]*gojsonschema.Schema

func compileSchemas() (schemaSet, error) {
	set := make(schemaSet, len(payloadSchemas))
	for name, src := range payloadSchemas {
		s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
		if err != nil {
			return nil, errors.WrapFatal(err, "dispatcher", "compileSchemas", "compile "+name+" schema")
		}
		set[name] = s
	}
	return set, nil
}

// check validates raw data against the schema for serviceName. Commands
// without a schema accept any data.
func (s schemaSet) check(serviceName string, raw []byte) error {
	schema, ok := s[serviceName]
	if !ok {
		return nil
	}
	if len(raw) == 0 {
		raw = []byte("null")
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrInvalidData, err), "dispatcher", "check", "validate "+serviceName)
	}
	if result.Valid() {
		return nil
	}
	parts := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		parts = append(parts, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
	}
	return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrValidationFailed, strings.Join(parts, "; ")),
		"dispatcher", "check", "validate "+serviceName)
}
