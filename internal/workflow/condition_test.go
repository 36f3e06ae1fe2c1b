package workflow

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/BTreeMap/ConvoPipe/internal/models"
)

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name    string
		value   any
		op      Operator
		operand any
		want    bool
	}{
		{"equals strings", "yes", OpEquals, "yes", true},
		{"equals bool and string", true, OpEquals, "true", true},
		{"equals bool and bool", true, OpEquals, true, true},
		{"equals number renderings", 3.0, OpEquals, "3", true},
		{"equals mismatch", "no", OpEquals, "yes", false},
		{"equals nil value", nil, OpEquals, "x", false},
		{"equals nil both", nil, OpEquals, nil, true},
		{"contains substring", "premium haircut", OpContains, "hair", true},
		{"contains missing", "premium", OpContains, "basic", false},
		{"contains nil value", nil, OpContains, "x", false},
		{"greater_than numbers", 10, OpGreaterThan, 5, true},
		{"greater_than numeric strings", "10.5", OpGreaterThan, "10", true},
		{"greater_than equal", 5, OpGreaterThan, 5, false},
		{"greater_than json number", json.Number("7"), OpGreaterThan, 6.5, true},
		{"greater_than non numeric value", "abc", OpGreaterThan, 1, false},
		{"greater_than non numeric operand", 3, OpGreaterThan, "x", false},
		{"greater_than nil", nil, OpGreaterThan, 1, false},
		{"greater_than NaN string", "NaN", OpGreaterThan, 1, false},
		{"exists present", "", OpExists, nil, true},
		{"exists false value", false, OpExists, nil, true},
		{"exists nil", nil, OpExists, nil, false},
		{"unknown operator", "a", Operator("less_than"), "b", false},
		{"empty operator", "a", Operator(""), "a", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Evaluate(tt.value, tt.op, tt.operand))
		})
	}
}

func TestInterpolate(t *testing.T) {
	vars := models.Variables{"name": "Ana", "count": 3, "nested.key": "ok"}
	assert.Equal(t, "Hi Ana, you have 3 items", Interpolate("Hi {{name}}, you have {{ count }} items", vars))
	assert.Equal(t, "Hello !", Interpolate("Hello {{unknown}}!", vars))
	assert.Equal(t, "ok", Interpolate("{{nested.key}}", vars))
	assert.Equal(t, "no placeholders", Interpolate("no placeholders", nil))
}
