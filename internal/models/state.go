package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"strings"
)

// Phase enumerates the conversation phases the engine reasons about directly.
// PhaseExtension marks a state name that came from configuration or the model
// and is not one of the built-in phases.
type Phase int

const (
	PhaseExtension Phase = iota
	PhaseGreeting
	PhaseLanguageSelection
	PhaseGeneralQuestion
	PhaseShowOfferings
	PhaseOfferingSelected
	PhaseCollectName
	PhaseCollectEmail
	PhasePayment
	PhaseCompleted
	PhaseSupportEscalation
)

var phaseNames = map[Phase]string{
	PhaseGreeting:          "greeting",
	PhaseLanguageSelection: "language_selection",
	PhaseGeneralQuestion:   "general_question",
	PhaseShowOfferings:     "show_offerings",
	PhaseOfferingSelected:  "offering_selected",
	PhaseCollectName:       "collect_name",
	PhaseCollectEmail:      "collect_email",
	PhasePayment:           "payment",
	PhaseCompleted:         "completed",
	PhaseSupportEscalation: "support_escalation",
}

var phasesByName = func() map[string]Phase {
	m := make(map[string]Phase, len(phaseNames))
	for p, name := range phaseNames {
		m[name] = p
	}
	return m
}()

// String returns the canonical name of a built-in phase, or "extension".
func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return "extension"
}

// State is the conversation phase shared by the workflow engine and the AI
// engine. Known names map to a Phase; anything else is carried verbatim so it
// round-trips through storage and back to whoever wrote it.
type State struct {
	phase Phase
	raw   string
}

// NewState returns the State for a built-in phase.
func NewState(p Phase) State {
	return State{phase: p}
}

// ParseState classifies a state name. Matching against built-in phases ignores
// case and treats '-' and ' ' like '_'.
func ParseState(s string) State {
	trimmed := strings.TrimSpace(s)
	key := strings.ToLower(trimmed)
	key = strings.NewReplacer("-", "_", " ", "_").Replace(key)
	if p, ok := phasesByName[key]; ok {
		return State{phase: p}
	}
	return State{phase: PhaseExtension, raw: trimmed}
}

// Phase returns the built-in phase, or PhaseExtension.
func (s State) Phase() Phase { return s.phase }

// IsKnown reports whether the state is one of the built-in phases.
func (s State) IsKnown() bool { return s.phase != PhaseExtension }

// IsZero reports whether no state has been set.
func (s State) IsZero() bool { return s.phase == PhaseExtension && s.raw == "" }

func (s State) String() string {
	if s.phase == PhaseExtension {
		return s.raw
	}
	return s.phase.String()
}

// Equal compares states by their string form.
func (s State) Equal(o State) bool { return s.String() == o.String() }

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("state must be a string: %w", err)
	}
	*s = ParseState(raw)
	return nil
}

// Value implements driver.Valuer.
func (s State) Value() (driver.Value, error) {
	return s.String(), nil
}

// Scan implements sql.Scanner.
func (s *State) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*s = State{}
	case string:
		*s = ParseState(v)
	case []byte:
		*s = ParseState(string(v))
	default:
		return fmt.Errorf("cannot scan %T into State", src)
	}
	return nil
}
