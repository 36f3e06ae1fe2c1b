package decision

import (
	"strings"

	"github.com/BTreeMap/ConvoPipe/internal/models"
)

// DefaultLanguage is used for fallbacks when the session language is unknown.
const DefaultLanguage = "en"

var fallbackMessages = map[string]string{
	"en": "Sorry, something went wrong on our side. A member of our team will contact you shortly.",
	"es": "Lo sentimos, ocurrió un error de nuestro lado. Un miembro de nuestro equipo se comunicará contigo en breve.",
}

// FallbackMessage returns the fixed apology text for lang, or for
// DefaultLanguage when lang has no translation.
func FallbackMessage(lang string) string {
	if msg, ok := fallbackMessages[baseLanguage(lang)]; ok {
		return msg
	}
	return fallbackMessages[DefaultLanguage]
}

// SupportsLanguage reports whether a fallback translation exists for lang.
func SupportsLanguage(lang string) bool {
	_, ok := fallbackMessages[baseLanguage(lang)]
	return ok
}

// Fallback returns the decision used when the model output cannot be used.
// It routes the conversation to human support.
func Fallback(lang string) models.AIDecision {
	l := baseLanguage(lang)
	if !SupportsLanguage(l) {
		l = DefaultLanguage
	}
	return models.AIDecision{
		State:    models.NewState(models.PhaseSupportEscalation).String(),
		Language: l,
		Message:  fallbackMessages[l],
		Fallback: true,
	}
}

// baseLanguage reduces a tag like "es-MX" to "es".
func baseLanguage(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}
	return lang
}
