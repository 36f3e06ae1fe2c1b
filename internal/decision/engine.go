// Package decision asks a generative model what to say next when no workflow
// step owns the turn, and turns its answer into a validated AIDecision.
package decision

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/ConvoPipe/internal/genai"
	"github.com/BTreeMap/ConvoPipe/internal/models"
)

// Defaults for Engine.
const (
	DefaultHistoryWindow = 10
	DefaultTimeout       = 20 * time.Second
)

// Completer produces a model completion.
type Completer interface {
	Complete(ctx context.Context, req genai.Request) (string, error)
}

// CatalogReader lists the offerings embedded in the prompt.
type CatalogReader interface {
	ListActiveOfferings(ctx context.Context) ([]models.Offering, error)
}

// SessionContext is what the engine knows about the conversation.
type SessionContext struct {
	State     models.State
	Language  string
	History   []models.HistoryEntry
	Variables models.Variables
}

// ContextFromSession builds a SessionContext from a session.
func ContextFromSession(s *models.Session) SessionContext {
	if s == nil {
		return SessionContext{}
	}
	return SessionContext{
		State:     s.State,
		Language:  s.Language,
		History:   s.History,
		Variables: s.Variables,
	}
}

// Engine produces AI decisions.
type Engine struct {
	completer     Completer
	catalog       CatalogReader
	historyWindow int
	timeout       time.Duration
	businessName  string
}

// Option configures an Engine.
type Option func(*Engine)

// WithHistoryWindow sets how many history entries are sent to the model.
func WithHistoryWindow(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.historyWindow = n
		}
	}
}

// WithTimeout bounds each model call.
func WithTimeout(timeout time.Duration) Option {
	return func(e *Engine) {
		if timeout > 0 {
			e.timeout = timeout
		}
	}
}

// WithBusinessName names the business in the prompt.
func WithBusinessName(name string) Option {
	return func(e *Engine) { e.businessName = name }
}

// NewEngine creates an Engine. catalog may be nil.
func NewEngine(completer Completer, catalog CatalogReader, opts ...Option) *Engine {
	e := &Engine{
		completer:     completer,
		catalog:       catalog,
		historyWindow: DefaultHistoryWindow,
		timeout:       DefaultTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Decide returns the model's decision for inboundText. Every failure yields
// Fallback in the session language.
func (e *Engine) Decide(ctx context.Context, inboundText string, sc SessionContext) models.AIDecision {
	if e.completer == nil {
		slog.Warn("Engine.Decide: no model configured, using fallback")
		return Fallback(sc.Language)
	}

	var offerings []models.Offering
	if e.catalog != nil {
		var err error
		offerings, err = e.catalog.ListActiveOfferings(ctx)
		if err != nil {
			// The model can still answer without the catalog.
			slog.Warn("Engine.Decide: failed to list offerings", "error", err)
			offerings = nil
		}
	}

	req := genai.Request{
		System:     buildSystemPrompt(e.businessName, offerings, sc),
		Messages:   buildMessages(sc.History, e.historyWindow, inboundText),
		JSONOutput: true,
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	start := time.Now()
	raw, err := e.completer.Complete(callCtx, req)
	if err != nil {
		slog.Error("Engine.Decide: model call failed", "error", err, "elapsed", time.Since(start))
		return Fallback(sc.Language)
	}

	d, err := Parse(raw)
	if err != nil {
		slog.Warn("Engine.Decide: rejected model output", "error", err, "output_len", len(raw))
		return Fallback(sc.Language)
	}
	slog.Debug("Engine.Decide: decision accepted", "state", d.State, "language", d.Language, "elapsed", time.Since(start))
	return d
}
