package converter

import "testing"

func TestCleanJSONSchema(t *testing.T) {
	schema := map[string]interface{}{
		"$schema":              "http://json-schema.org/draft-07/schema#",
		"type":                 "OBJECT",
		"additionalProperties": false,
		"properties": map[string]interface{}{
			"name": map[string]interface{}{
				"type":      []interface{}{"string", "null"},
				"minLength": 1,
				"format":    "hostname",
			},
			"items": map[string]interface{}{
				"type": "array",
				"items": map[string]interface{}{
					"type":    "integer",
					"minimum": 0,
				},
			},
		},
		"anyOf": []interface{}{
			map[string]interface{}{"type": "string", "pattern": "^a"},
		},
	}

	CleanJSONSchema(schema)

	if _, has := schema["$schema"]; has {
		t.Errorf("$schema must be removed")
	}
	if _, has := schema["additionalProperties"]; has {
		t.Errorf("additionalProperties must be removed")
	}
	if schema["type"] != "object" {
		t.Errorf("type = %v, want lowercase object", schema["type"])
	}

	name := schema["properties"].(map[string]interface{})["name"].(map[string]interface{})
	if name["type"] != "string" {
		t.Errorf("union type must collapse to first non-null member, got %v", name["type"])
	}
	if _, has := name["minLength"]; has {
		t.Errorf("nested minLength must be removed")
	}
	if _, has := name["format"]; has {
		t.Errorf("nested format must be removed")
	}

	inner := schema["properties"].(map[string]interface{})["items"].(map[string]interface{})["items"].(map[string]interface{})
	if _, has := inner["minimum"]; has {
		t.Errorf("array item schema must be cleaned")
	}

	anyOf := schema["anyOf"].([]interface{})[0].(map[string]interface{})
	if _, has := anyOf["pattern"]; has {
		t.Errorf("anyOf members must be cleaned")
	}
}

func TestDeepCopyMap(t *testing.T) {
	src := map[string]interface{}{
		"scalar": 1,
		"nested": map[string]interface{}{"key": "value"},
		"list":   []interface{}{map[string]interface{}{"inner": true}},
	}

	dst := DeepCopyMap(src)
	dst["nested"].(map[string]interface{})["key"] = "changed"
	dst["list"].([]interface{})[0].(map[string]interface{})["inner"] = false

	if src["nested"].(map[string]interface{})["key"] != "value" {
		t.Errorf("nested map must be copied, not shared")
	}
	if src["list"].([]interface{})[0].(map[string]interface{})["inner"] != true {
		t.Errorf("nested slice elements must be copied, not shared")
	}

	if DeepCopyMap(nil) != nil {
		t.Errorf("nil input must stay nil")
	}
}
