package dispatch

import (
	"github.com/tidwall/gjson"
	"taskengine/internal/models"
)

// fieldRule is an expected top-level field of an executor's output
type fieldRule struct {
	path     string
	kind     string // "string" or "array"
	optional bool
}

// outputShapes lists the executors whose callback output is checked
var outputShapes = map[string][]fieldRule{
	"claw:research": {
		{path: "summary", kind: "string"},
		{path: "findings", kind: "array"},
		{path: "sources", kind: "array", optional: true},
	},
}

// ValidateOutput checks a callback output against the expected shape of the executor and returns
// one message per problem. Executors without a known shape always pass.
func ValidateOutput(executorID string, output models.JSON) []string {
	rules, ok := outputShapes[executorID]
	if !ok {
		return nil
	}
	if output.IsNull() {
		return []string{"output is empty"}
	}
	if !gjson.ValidBytes(output) {
		return []string{"output is not valid JSON"}
	}
	doc := gjson.ParseBytes(output)
	if !doc.IsObject() {
		return []string{"output is not a JSON object"}
	}

	var problems []string
	for _, rule := range rules {
		field := doc.Get(rule.path)
		if !field.Exists() {
			if !rule.optional {
				problems = append(problems, "missing field "+rule.path)
			}
			continue
		}
		switch rule.kind {
		case "string":
			if field.Type != gjson.String {
				problems = append(problems, rule.path+" must be a string")
			}
		case "array":
			if !field.IsArray() {
				problems = append(problems, rule.path+" must be an array")
			}
		}
	}
	return problems
}
