package ws

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/agent-racer/interactive/pkg/protocol"
)

// Parameter schemas of the methods a game client may call. Methods without
// an entry take no parameters.
var methodSchemas = map[string]string{
	protocol.MethodHello: `{
		"type": "object",
		"required": ["authorization", "protocolVersion", "versionID"],
		"properties": {
			"authorization": {"type": "string"},
			"protocolVersion": {"type": "string"},
			"versionID": {"type": "string", "minLength": 1},
			"shareCode": {"type": "string"}
		}
	}`,
	protocol.MethodReady: `{
		"type": "object",
		"required": ["isReady"],
		"properties": {"isReady": {"type": "boolean"}}
	}`,
	protocol.MethodGetAllParticipants: `{
		"type": "object",
		"properties": {"from": {"type": "integer", "minimum": 0}}
	}`,
	protocol.MethodCreateGroups: groupsSchema,
	protocol.MethodUpdateGroups: groupsSchema,
	protocol.MethodDeleteGroup: `{
		"type": "object",
		"required": ["groupID"],
		"properties": {
			"groupID": {"type": "string", "minLength": 1},
			"reassignGroupID": {"type": "string"}
		}
	}`,
	protocol.MethodUpdateControls: `{
		"type": "object",
		"required": ["sceneID", "controls"],
		"properties": {
			"sceneID": {"type": "string", "minLength": 1},
			"priority": {"type": "integer"},
			"controls": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["controlID"],
					"properties": {
						"controlID": {"type": "string", "minLength": 1},
						"cooldown": {"type": "integer", "minimum": 0},
						"disabled": {"type": "boolean"}
					}
				}
			}
		}
	}`,
	protocol.MethodUpdateParticipants: `{
		"type": "object",
		"required": ["participants"],
		"properties": {
			"priority": {"type": "integer"},
			"participants": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["sessionID", "groupID"],
					"properties": {
						"sessionID": {"type": "string", "minLength": 1},
						"groupID": {"type": "string", "minLength": 1}
					}
				}
			}
		}
	}`,
	protocol.MethodCapture: `{
		"type": "object",
		"required": ["transactionID"],
		"properties": {"transactionID": {"type": "string", "minLength": 1}}
	}`,
	protocol.MethodSetBandwidthThrottle: `{
		"type": "object",
		"additionalProperties": {
			"type": "object",
			"required": ["capacity", "drainRate"],
			"properties": {
				"capacity": {"type": "integer", "minimum": 0},
				"drainRate": {"type": "integer", "minimum": 0}
			}
		}
	}`,
}

const groupsSchema = `{
	"type": "object",
	"required": ["groups"],
	"properties": {
		"groups": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["groupID"],
				"properties": {
					"groupID": {"type": "string", "minLength": 1},
					"sceneID": {"type": "string"}
				}
			}
		}
	}
}`

var (
	schemasOnce sync.Once
	schemas     map[string]*gojsonschema.Schema
	schemaErr   error
)

func compiledSchemas() (map[string]*gojsonschema.Schema, error) {
	schemasOnce.Do(func() {
		schemas = make(map[string]*gojsonschema.Schema, len(methodSchemas))
		for method, src := range methodSchemas {
			s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
			if err != nil {
				schemaErr = fmt.Errorf("schema %s: %w", method, err)
				return
			}
			schemas[method] = s
		}
	})
	return schemas, schemaErr
}

// validateParams checks params against the method schema. The returned
// error points at the first offending field.
func validateParams(method string, params json.RawMessage) *protocol.Error {
	all, err := compiledSchemas()
	if err != nil {
		return &protocol.Error{Code: protocol.CodeInvalidPayload, Message: err.Error()}
	}
	schema, ok := all[method]
	if !ok {
		return nil
	}
	if len(params) == 0 {
		params = json.RawMessage("null")
	}
	res, err := schema.Validate(gojsonschema.NewBytesLoader(params))
	if err != nil {
		return &protocol.Error{Code: protocol.CodeInvalidPayload, Message: err.Error()}
	}
	if res.Valid() {
		return nil
	}
	first := res.Errors()[0]
	return &protocol.Error{
		Code:    protocol.CodeInvalidArguments,
		Message: first.Description(),
		Path:    first.Field(),
	}
}
