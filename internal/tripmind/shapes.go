package tripmind

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Minimal shapes for structured replies. Models drift on optional fields, so
// only what the clients render is required.
var (
	planShape = mustCompileShape("plan", `{
		"type": "object",
		"required": ["options"],
		"properties": {
			"options": {
				"type": "array",
				"items": {
					"type": "object",
					"properties": {
						"segments": {"type": "array", "items": {"type": "object"}}
					}
				}
			},
			"localInfo": {"type": "object"}
		}
	}`)

	alertsShape = mustCompileShape("alerts", `{
		"type": "array",
		"items": {
			"type": "object",
			"required": ["title"],
			"properties": {
				"id": {"type": ["string", "number"]},
				"title": {"type": "string"},
				"desc": {"type": "string"}
			}
		}
	}`)

	guideShape = mustCompileShape("guide", `{
		"type": "array",
		"items": {
			"type": "object",
			"required": ["day", "activities"],
			"properties": {
				"day": {"type": "number"},
				"activities": {"type": "array", "items": {"type": "object"}}
			}
		}
	}`)

	packingShape = mustCompileShape("packing", `{
		"type": "array",
		"items": {"type": "string"}
	}`)
)

func mustCompileShape(name, schema string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://tripmind.local/shapes/%s.schema.json", name)
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		panic(fmt.Sprintf("shape %s: %v", name, err))
	}
	return c.MustCompile(url)
}
