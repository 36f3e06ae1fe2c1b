package decision

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/BTreeMap/ConvoPipe/internal/models"
)

var (
	ErrEmptyOutput     = errors.New("model returned empty output")
	ErrMissingState    = errors.New("decision has no state")
	ErrMissingMessage  = errors.New("decision has no message")
	ErrInvalidLanguage = errors.New("decision language is not a valid tag")
)

var (
	fencePattern    = regexp.MustCompile("(?s)^```[a-zA-Z]*\\s*(.*?)\\s*```$")
	languagePattern = regexp.MustCompile(`^[A-Za-z]{2,8}(-[A-Za-z0-9]{1,8})*$`)
)

// Parse decodes and validates raw model output.
func Parse(raw string) (models.AIDecision, error) {
	var d models.AIDecision
	body := stripFences(raw)
	if body == "" {
		return d, ErrEmptyOutput
	}
	if err := json.Unmarshal([]byte(extractObject(body)), &d); err != nil {
		return models.AIDecision{}, fmt.Errorf("failed to decode decision: %w", err)
	}
	d.State = strings.TrimSpace(d.State)
	d.Language = strings.ToLower(strings.TrimSpace(d.Language))
	d.Message = strings.TrimSpace(d.Message)
	d.CustomerName = strings.TrimSpace(d.CustomerName)
	d.CustomerEmail = strings.TrimSpace(d.CustomerEmail)
	d.SelectedServiceID = strings.TrimSpace(d.SelectedServiceID)
	if err := Validate(d); err != nil {
		return models.AIDecision{}, err
	}
	return d, nil
}

// Validate checks that state, language and message are present and well formed.
func Validate(d models.AIDecision) error {
	if d.State == "" {
		return ErrMissingState
	}
	if !languagePattern.MatchString(d.Language) {
		return fmt.Errorf("%w: %q", ErrInvalidLanguage, d.Language)
	}
	if d.Message == "" {
		return ErrMissingMessage
	}
	return nil
}

func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if m := fencePattern.FindStringSubmatch(s); m != nil {
		s = strings.TrimSpace(m[1])
	}
	return s
}

// extractObject trims any prose around the outermost JSON object.
func extractObject(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return s
	}
	return s[start : end+1]
}
