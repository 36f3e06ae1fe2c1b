package workflow

import (
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/BTreeMap/ConvoPipe/internal/models"
)

// Answer formats accepted by question validation.
const (
	FormatEmail  = "email"
	FormatNumber = "number"
	FormatPhone  = "phone"
	FormatURL    = "url"
)

// ErrInvalidAnswer is wrapped by every validation failure.
var ErrInvalidAnswer = errors.New("invalid answer")

var phonePattern = regexp.MustCompile(`^\+?[0-9][0-9\s\-().]{5,19}$`)

// Rules are the validation settings of a question step.
type Rules struct {
	Required  bool
	MinLength int
	MaxLength int
	Pattern   string
	Format    string
}

// ParseRules reads the "validation" map of a question step's config.
func ParseRules(cfg models.StepConfig) Rules {
	v := cfg.Map("validation")
	r := Rules{
		Required: v.Bool("required"),
		Pattern:  v.String("pattern"),
		Format:   strings.ToLower(v.String("format")),
	}
	r.MinLength, _ = v.Int("min_length")
	r.MaxLength, _ = v.Int("max_length")
	return r
}

// Validator checks question answers. It is safe for concurrent use.
type Validator struct {
	validate *validator.Validate

	mu       sync.Mutex
	patterns map[string]*regexp.Regexp
}

// NewValidator creates a Validator with the phone format registered.
func NewValidator() *Validator {
	v := validator.New()
	if err := v.RegisterValidation(FormatPhone, func(fl validator.FieldLevel) bool {
		return phonePattern.MatchString(fl.Field().String())
	}); err != nil {
		panic(fmt.Sprintf("register phone validation: %v", err))
	}
	return &Validator{validate: v, patterns: make(map[string]*regexp.Regexp)}
}

// Check validates answer against rules. An empty answer passes unless it is
// required.
func (v *Validator) Check(answer string, rules Rules) error {
	if answer == "" {
		if rules.Required {
			return fmt.Errorf("%w: an answer is required", ErrInvalidAnswer)
		}
		return nil
	}

	var tags []string
	if rules.MinLength > 0 {
		tags = append(tags, fmt.Sprintf("min=%d", rules.MinLength))
	}
	if rules.MaxLength > 0 {
		tags = append(tags, fmt.Sprintf("max=%d", rules.MaxLength))
	}
	switch rules.Format {
	case "":
	case FormatEmail:
		tags = append(tags, "email")
	case FormatNumber:
		tags = append(tags, "numeric")
	case FormatPhone:
		tags = append(tags, FormatPhone)
	case FormatURL:
		tags = append(tags, "url")
	default:
		slog.Warn("Validator.Check: unknown format ignored", "format", rules.Format)
	}
	if len(tags) > 0 {
		if err := v.validate.Var(answer, strings.Join(tags, ",")); err != nil {
			var verrs validator.ValidationErrors
			if errors.As(err, &verrs) && len(verrs) > 0 {
				return fmt.Errorf("%w: failed %s", ErrInvalidAnswer, verrs[0].Tag())
			}
			return fmt.Errorf("%w: %v", ErrInvalidAnswer, err)
		}
	}

	if rules.Pattern != "" {
		re, err := v.compile(rules.Pattern)
		if err != nil {
			// A broken pattern is a configuration error; the answer is accepted.
			slog.Warn("Validator.Check: invalid pattern ignored", "pattern", rules.Pattern, "error", err)
			return nil
		}
		if !re.MatchString(answer) {
			return fmt.Errorf("%w: does not match pattern", ErrInvalidAnswer)
		}
	}
	return nil
}

func (v *Validator) compile(pattern string) (*regexp.Regexp, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if re, ok := v.patterns[pattern]; ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	v.patterns[pattern] = re
	return re, nil
}
