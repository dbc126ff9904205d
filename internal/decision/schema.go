package decision

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// decisionSchema is the part of the decide response the pipeline relies on.
var decisionSchema = map[string]any{
	"type":     "object",
	"required": []any{"data"},
	"properties": map[string]any{
		"data": map[string]any{
			"type":     "object",
			"required": []any{"average_risk_score", "credit_limit"},
			"properties": map[string]any{
				"average_risk_score": map[string]any{"type": "number"},
				"credit_limit":       map[string]any{"type": "number"},
				"risk_tier":          map[string]any{"type": []any{"string", "null"}},
			},
		},
		"metadata": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"decision_id": map[string]any{"type": "string"},
			},
		},
	},
}

// acceptedSchema is the 202 body that carries the id to poll.
var acceptedSchema = map[string]any{
	"type":     "object",
	"required": []any{"metadata"},
	"properties": map[string]any{
		"metadata": map[string]any{
			"type":     "object",
			"required": []any{"decision_id"},
			"properties": map[string]any{
				"decision_id": map[string]any{"type": "string", "minLength": 1},
			},
		},
	},
}

var (
	compileOnce sync.Once
	compiled    map[string]*jsonschema.Schema
	compileErr  error
)

func schemas() (map[string]*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiled = make(map[string]*jsonschema.Schema, 2)
		for name, m := range map[string]map[string]any{
			"decision.json": decisionSchema,
			"accepted.json": acceptedSchema,
		} {
			s, err := compileSchema(name, m)
			if err != nil {
				compileErr = err
				return
			}
			compiled[name] = s
		}
	})
	return compiled, compileErr
}

func compileSchema(name string, schemaMap map[string]any) (*jsonschema.Schema, error) {
	b, err := json.Marshal(schemaMap)
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, bytes.NewReader(b)); err != nil {
		return nil, fmt.Errorf("add schema: %w", err)
	}
	s, err := compiler.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return s, nil
}

// validate checks data against the named response schema.
func validate(name string, data []byte) error {
	all, err := schemas()
	if err != nil {
		return err
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("unmarshal data: %w", err)
	}
	if err := all[name].Validate(v); err != nil {
		return fmt.Errorf("json does not match schema: %w", err)
	}
	return nil
}
