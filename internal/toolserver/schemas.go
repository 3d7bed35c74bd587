package toolserver

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ToolDescriptor is what list_tools returns per tool: its name,
// human-readable summary, and the same JSON Schema enforced server-side,
// so the documented and enforced contracts cannot drift (§4.5).
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

var toolRawSchemas = map[string]string{
	"task_enqueue": `{
		"type": "object",
		"required": ["description", "source"],
		"properties": {
			"description": {"type": "string", "minLength": 1, "maxLength": 10000},
			"source": {"type": "string", "enum": ["human", "agent_requirements", "agent_planner", "agent_implementation"]},
			"summary": {"type": "string", "maxLength": 500},
			"agent_type": {"type": "string"},
			"base_priority": {"type": "number", "minimum": 0, "maximum": 10},
			"prerequisites": {"type": "array", "maxItems": 100, "items": {"type": "string", "format": "uuid"}},
			"parent_task_id": {"type": "string", "format": "uuid"},
			"deadline": {"type": "string", "format": "date-time"},
			"estimated_duration_seconds": {"type": "integer", "minimum": 0},
			"session_id": {"type": "string"},
			"input_data": {"type": "object"}
		},
		"additionalProperties": false
	}`,
	"task_get": `{
		"type": "object",
		"required": ["task_id"],
		"properties": {"task_id": {"type": "string", "format": "uuid"}},
		"additionalProperties": false
	}`,
	"task_list": `{
		"type": "object",
		"properties": {
			"status": {"type": "string", "enum": ["pending", "blocked", "ready", "running", "completed", "failed", "cancelled"]},
			"source": {"type": "string", "enum": ["human", "agent_requirements", "agent_planner", "agent_implementation"]},
			"agent_type": {"type": "string"},
			"limit": {"type": "integer", "minimum": 1, "maximum": 500}
		},
		"additionalProperties": false
	}`,
	"task_queue_status": `{"type": "object", "additionalProperties": false}`,
	"task_cancel": `{
		"type": "object",
		"required": ["task_id"],
		"properties": {"task_id": {"type": "string", "format": "uuid"}},
		"additionalProperties": false
	}`,
	"task_execution_plan": `{
		"type": "object",
		"required": ["task_ids"],
		"properties": {
			"task_ids": {"type": "array", "minItems": 1, "items": {"type": "string", "format": "uuid"}}
		},
		"additionalProperties": false
	}`,
	"list_tools": `{"type": "object", "additionalProperties": false}`,
}

var toolDescriptions = map[string]string{
	"task_enqueue":        "Submit a new task, optionally depending on existing tasks.",
	"task_get":            "Fetch the full record for one task by id.",
	"task_list":           "List tasks, optionally filtered by status/source/agent_type.",
	"task_queue_status":   "Return aggregate queue statistics.",
	"task_cancel":         "Cancel a task and cascade-cancel its dependents.",
	"task_execution_plan": "Compute a layered topological execution plan for a task-id set.",
	"list_tools":          "List every tool this server offers, each with its JSON Schema.",
}

var toolOrder = []string{
	"task_enqueue", "task_get", "task_list", "task_queue_status",
	"task_cancel", "task_execution_plan", "list_tools",
}

// schemaSet holds the compiled validators for every tool, built once at
// ToolServer construction.
type schemaSet struct {
	compiled map[string]*jsonschema.Schema
}

func newSchemaSet() (*schemaSet, error) {
	compiler := jsonschema.NewCompiler()
	for name, raw := range toolRawSchemas {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
		if err != nil {
			return nil, fmt.Errorf("unmarshal schema for %s: %w", name, err)
		}
		if err := compiler.AddResource(name+".json", doc); err != nil {
			return nil, fmt.Errorf("add schema resource for %s: %w", name, err)
		}
	}
	compiled := make(map[string]*jsonschema.Schema, len(toolRawSchemas))
	for name := range toolRawSchemas {
		schema, err := compiler.Compile(name + ".json")
		if err != nil {
			return nil, fmt.Errorf("compile schema for %s: %w", name, err)
		}
		compiled[name] = schema
	}
	return &schemaSet{compiled: compiled}, nil
}

// Validate checks args (already decoded to Go values, e.g. via
// jsonschema.UnmarshalJSON for correct number handling) against tool's
// schema.
func (s *schemaSet) Validate(tool string, args any) error {
	schema, ok := s.compiled[tool]
	if !ok {
		return fmt.Errorf("unknown tool %q", tool)
	}
	return schema.Validate(args)
}

// Descriptors returns the list_tools payload in stable declaration order.
func Descriptors() []ToolDescriptor {
	out := make([]ToolDescriptor, 0, len(toolOrder))
	for _, name := range toolOrder {
		out = append(out, ToolDescriptor{
			Name:        name,
			Description: toolDescriptions[name],
			InputSchema: json.RawMessage(toolRawSchemas[name]),
		})
	}
	return out
}
