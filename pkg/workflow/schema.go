package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

type intent struct {
	Task        string `json:"task"`
	Screen      string `json:"screen"`
	Application string `json:"application"`
}

type feedback struct {
	YesNo        bool   `json:"yes_no"`
	RefinedQuery string `json:"refined_query"`
}

var (
	intentSchema = mustSchema(map[string]interface{}{
		"type":     "object",
		"required": []string{"task"},
		"properties": map[string]interface{}{
			"task":        map[string]interface{}{"type": "string", "minLength": 1},
			"screen":      map[string]interface{}{"type": []string{"string", "null"}},
			"application": map[string]interface{}{"type": []string{"string", "null"}},
		},
	})

	feedbackSchema = mustSchema(map[string]interface{}{
		"type":     "object",
		"required": []string{"yes_no"},
		"properties": map[string]interface{}{
			"yes_no":        map[string]interface{}{"type": "boolean"},
			"refined_query": map[string]interface{}{"type": []string{"string", "null"}},
		},
	})
)

func mustSchema(def map[string]interface{}) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(def))
	if err != nil {
		panic(err)
	}
	return schema
}

// decodeStructured extracts the JSON object from a model reply, validates it
// against schema and decodes it into out.
func decodeStructured(reply string, schema *gojsonschema.Schema, out interface{}) error {
	raw := extractJSON(reply)
	if raw == "" {
		return errors.New("no JSON object in reply")
	}

	result, err := schema.Validate(gojsonschema.NewStringLoader(raw))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("validation errors: %s", strings.Join(msgs, "; "))
	}

	return json.Unmarshal([]byte(raw), out)
}

func extractJSON(reply string) string {
	s := strings.TrimSpace(reply)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimPrefix(s, "json")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return ""
	}
	return s[start : end+1]
}
