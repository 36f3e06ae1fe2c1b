package workflow

import (
	"regexp"

	"github.com/BTreeMap/ConvoPipe/internal/models"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

// Interpolate replaces {{name}} placeholders with session variables. Unknown
// variables render as the empty string.
func Interpolate(text string, vars models.Variables) string {
	return placeholderPattern.ReplaceAllStringFunc(text, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]
		value, _ := vars.String(name)
		return value
	})
}
