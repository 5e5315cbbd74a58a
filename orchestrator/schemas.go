package orchestrator

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Tool argument schemas, compiled once at service construction. Validation
// failures surface as schema_validation_failed before any handler runs, so
// handlers can assume well-formed arguments.
var toolSchemas = map[string]string{
	"start_browser_session": `{
		"type": "object",
		"required": ["room_name"],
		"properties": {
			"room_name": {"type": "string", "minLength": 1},
			"identity": {"type": "string"},
			"initial_url": {"type": "string"},
			"user_agent": {"type": "string"},
			"fps": {"type": "integer", "minimum": 1, "maximum": 60},
			"viewport": {
				"type": "object",
				"properties": {
					"width": {"type": "integer", "minimum": 1},
					"height": {"type": "integer", "minimum": 1}
				}
			}
		}
	}`,
	"pause_browser_session":   roomOnlySchema,
	"resume_browser_session":  roomOnlySchema,
	"close_browser_session":   roomOnlySchema,
	"recover_browser_session": roomOnlySchema,
	"get_browser_context":     roomOnlySchema,
	"get_screen_content":      roomOnlySchema,
	"find_form_fields":        roomOnlySchema,
	"execute_action": `{
		"type": "object",
		"required": ["room_name", "action_type"],
		"properties": {
			"room_name": {"type": "string", "minLength": 1},
			"action_type": {"type": "string", "minLength": 1},
			"params": {"type": "object"},
			"timeout_ms": {"type": "integer", "minimum": 0},
			"command_id": {"type": "string"}
		}
	}`,
	"start_knowledge_exploration": `{
		"type": "object",
		"required": ["source"],
		"properties": {
			"knowledge_id": {"type": "string"},
			"website_id": {"type": "string"},
			"source": {
				"type": "object",
				"required": ["type"],
				"properties": {
					"type": {"type": "string", "enum": ["documentation", "website", "video"]},
					"ref": {"type": "string"},
					"text": {"type": "string"},
					"pages": {
						"type": "array",
						"items": {
							"type": "object",
							"required": ["url", "text"],
							"properties": {
								"url": {"type": "string"},
								"title": {"type": "string"},
								"text": {"type": "string"}
							}
						}
					},
					"media": {"type": "string"},
					"media_name": {"type": "string"},
					"metadata": {"type": "object", "additionalProperties": {"type": "string"}}
				}
			}
		}
	}`,
	"get_exploration_status": jobOnlySchema,
	"pause_exploration": `{
		"type": "object",
		"required": ["job_id"],
		"properties": {
			"job_id": {"type": "string", "minLength": 1},
			"reason": {"type": "string"},
			"requested_by": {"type": "string"}
		}
	}`,
	"resume_exploration": `{
		"type": "object",
		"required": ["job_id"],
		"properties": {
			"job_id": {"type": "string", "minLength": 1},
			"requested_by": {"type": "string"}
		}
	}`,
	"cancel_exploration": `{
		"type": "object",
		"required": ["job_id"],
		"properties": {
			"job_id": {"type": "string", "minLength": 1},
			"reason": {"type": "string"},
			"requested_by": {"type": "string"}
		}
	}`,
	"get_knowledge_results": `{
		"type": "object",
		"properties": {
			"knowledge_id": {"type": "string"},
			"website_id": {"type": "string"}
		},
		"anyOf": [
			{"required": ["knowledge_id"]},
			{"required": ["website_id"]}
		]
	}`,
	"query_knowledge": `{
		"type": "object",
		"required": ["query_type"],
		"properties": {
			"query_type": {
				"type": "string",
				"enum": ["page", "search", "links", "sitemap_semantic", "sitemap_functional"]
			},
			"knowledge_id": {"type": "string"},
			"website_id": {"type": "string"},
			"url": {"type": "string"},
			"text": {"type": "string"},
			"query": {"type": "string"},
			"screen_id": {"type": "string"},
			"limit": {"type": "integer", "minimum": 1, "maximum": 100}
		},
		"anyOf": [
			{"required": ["knowledge_id"]},
			{"required": ["website_id"]}
		]
	}`,
}

const roomOnlySchema = `{
	"type": "object",
	"required": ["room_name"],
	"properties": {"room_name": {"type": "string", "minLength": 1}}
}`

const jobOnlySchema = `{
	"type": "object",
	"required": ["job_id"],
	"properties": {"job_id": {"type": "string", "minLength": 1}}
}`

// compileSchemas compiles every tool schema into one compiler so schema
// errors fail service construction, not the first request.
func compileSchemas() (map[string]*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	for name, src := range toolSchemas {
		var doc any
		if err := json.Unmarshal([]byte(src), &doc); err != nil {
			return nil, fmt.Errorf("tool %s: parse schema: %w", name, err)
		}
		if err := c.AddResource(name+".json", doc); err != nil {
			return nil, fmt.Errorf("tool %s: add schema: %w", name, err)
		}
	}
	out := make(map[string]*jsonschema.Schema, len(toolSchemas))
	for name := range toolSchemas {
		schema, err := c.Compile(name + ".json")
		if err != nil {
			return nil, fmt.Errorf("tool %s: compile schema: %w", name, err)
		}
		out[name] = schema
	}
	return out, nil
}
