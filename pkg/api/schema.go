package api

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Request body schemas, by handler.
var bodySchemas = map[string]string{
	"homefeed": `{
		"type": "object",
		"properties": {
			"cursor_score": {"type": "string"},
			"num": {"type": "integer", "minimum": 1, "maximum": 50},
			"note_index": {"type": "integer", "minimum": 0},
			"category": {"type": "string"}
		}
	}`,
	"search_notes": `{
		"type": "object",
		"required": ["keyword"],
		"properties": {
			"keyword": {"type": "string", "minLength": 1},
			"page": {"type": "integer", "minimum": 1},
			"page_size": {"type": "integer", "minimum": 1, "maximum": 50},
			"search_id": {"type": "string"},
			"sort": {"enum": ["general", "time_descending", "popularity_descending", "comment_descending", "collect_descending"]},
			"note_type": {"enum": [0, 1, 2]}
		}
	}`,
	"search_onebox": `{
		"type": "object",
		"required": ["keyword"],
		"properties": {
			"keyword": {"type": "string", "minLength": 1},
			"search_id": {"type": "string"}
		}
	}`,
	"search_user": `{
		"type": "object",
		"required": ["keyword"],
		"properties": {
			"keyword": {"type": "string", "minLength": 1},
			"search_id": {"type": "string"},
			"page": {"type": "integer", "minimum": 1},
			"page_size": {"type": "integer", "minimum": 1, "maximum": 50}
		}
	}`,
	"note_detail": `{
		"type": "object",
		"required": ["source_note_id", "xsec_token"],
		"properties": {
			"source_note_id": {"type": "string", "minLength": 1},
			"xsec_token": {"type": "string", "minLength": 1},
			"xsec_source": {"type": "string"},
			"image_formats": {"type": "array", "items": {"type": "string"}},
			"extra": {"type": "object"}
		}
	}`,
	"cookies": `{
		"type": "object",
		"properties": {
			"cookies": {"type": "object", "additionalProperties": {"type": "string"}, "minProperties": 1},
			"cookie": {"type": "string", "minLength": 1}
		},
		"anyOf": [{"required": ["cookies"]}, {"required": ["cookie"]}]
	}`,
}

// compileSchemas compiles every body schema.
func compileSchemas() (map[string]*jsonschema.Schema, error) {
	out := make(map[string]*jsonschema.Schema, len(bodySchemas))
	for name, src := range bodySchemas {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("https://xhs-gateway.local/schemas/%s.schema.json", name)
		if err := c.AddResource(url, strings.NewReader(src)); err != nil {
			return nil, fmt.Errorf("schema %s load failed: %w", name, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("schema %s compile failed: %w", name, err)
		}
		out[name] = compiled
	}
	return out, nil
}
