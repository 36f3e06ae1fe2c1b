package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/BTreeMap/ConvoPipe/internal/models"
)

func TestParseRules(t *testing.T) {
	cfg := models.StepConfig{"validation": map[string]any{
		"required":   true,
		"min_length": float64(2),
		"max_length": "10",
		"pattern":    "^[a-z]+$",
		"format":     "EMAIL",
	}}
	r := ParseRules(cfg)
	assert.Equal(t, Rules{Required: true, MinLength: 2, MaxLength: 10, Pattern: "^[a-z]+$", Format: FormatEmail}, r)
	assert.Equal(t, Rules{}, ParseRules(models.StepConfig{}))
}

func TestValidatorCheck(t *testing.T) {
	v := NewValidator()
	tests := []struct {
		name   string
		answer string
		rules  Rules
		valid  bool
	}{
		{"empty optional", "", Rules{}, true},
		{"empty required", "", Rules{Required: true}, false},
		{"min length ok", "abc", Rules{MinLength: 3}, true},
		{"min length short", "ab", Rules{MinLength: 3}, false},
		{"max length long", "abcdef", Rules{MaxLength: 5}, false},
		{"pattern match", "abc", Rules{Pattern: "^[a-c]+$"}, true},
		{"pattern mismatch", "abd", Rules{Pattern: "^[a-c]+$"}, false},
		{"broken pattern accepts", "anything", Rules{Pattern: "("}, true},
		{"email ok", "a@b.com", Rules{Format: FormatEmail}, true},
		{"email bad", "not-an-email", Rules{Format: FormatEmail}, false},
		{"number ok", "42", Rules{Format: FormatNumber}, true},
		{"number bad", "forty", Rules{Format: FormatNumber}, false},
		{"phone ok", "+1 (555) 123-4567", Rules{Format: FormatPhone}, true},
		{"phone bad", "call me", Rules{Format: FormatPhone}, false},
		{"url ok", "https://example.com/x", Rules{Format: FormatURL}, true},
		{"url bad", "example", Rules{Format: FormatURL}, false},
		{"unknown format ignored", "x", Rules{Format: "color"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Check(tt.answer, tt.rules)
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidAnswer)
			}
		})
	}
}
