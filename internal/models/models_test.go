package models

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestParseStateKnownAndExtension(t *testing.T) {
	tests := []struct {
		in      string
		phase   Phase
		str     string
		isKnown bool
	}{
		{"payment", PhasePayment, "payment", true},
		{"Support-Escalation", PhaseSupportEscalation, "support_escalation", true},
		{"collect name", PhaseCollectName, "collect_name", true},
		{"vip_upsell", PhaseExtension, "vip_upsell", false},
		{"  Custom Phase ", PhaseExtension, "Custom Phase", false},
		{"", PhaseExtension, "", false},
	}
	for _, tt := range tests {
		s := ParseState(tt.in)
		if s.Phase() != tt.phase {
			t.Errorf("ParseState(%q).Phase() = %v, want %v", tt.in, s.Phase(), tt.phase)
		}
		if s.String() != tt.str {
			t.Errorf("ParseState(%q).String() = %q, want %q", tt.in, s.String(), tt.str)
		}
		if s.IsKnown() != tt.isKnown {
			t.Errorf("ParseState(%q).IsKnown() = %v, want %v", tt.in, s.IsKnown(), tt.isKnown)
		}
	}
}

func TestStateRoundTripsExtensionThroughJSONAndSQL(t *testing.T) {
	orig := ParseState("Awaiting-Deposit")
	data, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `"Awaiting-Deposit"` {
		t.Fatalf("unexpected JSON %s", data)
	}
	var back State
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !back.Equal(orig) {
		t.Errorf("JSON round trip lost state: %q", back)
	}

	v, err := orig.Value()
	if err != nil {
		t.Fatalf("Value: %v", err)
	}
	var scanned State
	if err := scanned.Scan([]byte(v.(string))); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if scanned.String() != "Awaiting-Deposit" {
		t.Errorf("SQL round trip gave %q", scanned)
	}
	if err := scanned.Scan(42); err == nil {
		t.Error("expected error scanning int")
	}
}

func TestSessionAppendHistoryEvictsOldest(t *testing.T) {
	s := &Session{}
	now := time.Now()
	for i := 0; i < 5; i++ {
		s.AppendHistory(RoleUser, string(rune('a'+i)), now, 3)
	}
	if len(s.History) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(s.History))
	}
	if s.History[0].Text != "c" || s.History[2].Text != "e" {
		t.Errorf("unexpected retained history: %+v", s.History)
	}
	if got := s.RecentHistory(2); len(got) != 2 || got[0].Text != "d" {
		t.Errorf("RecentHistory(2) = %+v", got)
	}
}

func TestSessionExpiredAndClone(t *testing.T) {
	now := time.Now()
	s := &Session{Variables: Variables{"a": 1}}
	s.Touch(now, time.Hour)
	if s.Expired(now.Add(30 * time.Minute)) {
		t.Error("session should not be expired yet")
	}
	if !s.Expired(now.Add(time.Hour)) {
		t.Error("session should be expired at its expiry time")
	}

	c := s.Clone()
	c.Variables["a"] = 2
	c.AppendHistory(RoleUser, "x", now, 10)
	if s.Variables["a"] != 1 || len(s.History) != 0 {
		t.Error("clone shares state with original")
	}
}

func TestWorkflowDefinitionValidate(t *testing.T) {
	valid := WorkflowDefinition{Name: "booking", Steps: []WorkflowStep{
		{Key: "greet", Type: StepTypeMessage},
		{Key: "ask", Type: StepTypeQuestion},
	}}
	if err := valid.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	dup := WorkflowDefinition{Name: "dup", Steps: []WorkflowStep{
		{Key: "a", Type: StepTypeMessage},
		{Key: "a", Type: StepTypeMessage},
	}}
	if err := dup.Validate(); !errors.Is(err, ErrDuplicateStepKey) {
		t.Errorf("expected ErrDuplicateStepKey, got %v", err)
	}

	bad := WorkflowDefinition{Name: "bad", Steps: []WorkflowStep{{Key: "a", Type: "loop"}}}
	if err := bad.Validate(); !errors.Is(err, ErrInvalidStepType) {
		t.Errorf("expected ErrInvalidStepType, got %v", err)
	}

	empty := WorkflowDefinition{Name: "empty"}
	if err := empty.Validate(); !errors.Is(err, ErrNoWorkflowSteps) {
		t.Errorf("expected ErrNoWorkflowSteps, got %v", err)
	}
}

func TestWorkflowNextByPosition(t *testing.T) {
	def := WorkflowDefinition{Steps: []WorkflowStep{
		{Key: "c", Position: 30},
		{Key: "a", Position: 10},
		{Key: "b1", Position: 20},
		{Key: "b2", Position: 20},
	}}
	first, ok := def.FirstStep()
	if !ok || first.Key != "a" {
		t.Fatalf("FirstStep = %v", first)
	}
	order := []string{"a"}
	cur := first
	for {
		next, ok := def.NextByPosition(cur)
		if !ok {
			break
		}
		order = append(order, next.Key)
		cur = next
	}
	want := []string{"a", "b1", "b2", "c"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestStepConfigAccessors(t *testing.T) {
	cfg := StepConfig{
		"min":    float64(3),
		"max":    "12",
		"req":    true,
		"nested": map[string]any{"k": "v"},
	}
	if n, ok := cfg.Int("min"); !ok || n != 3 {
		t.Errorf("Int(min) = %d, %v", n, ok)
	}
	if n, ok := cfg.Int("max"); !ok || n != 12 {
		t.Errorf("Int(max) = %d, %v", n, ok)
	}
	if !cfg.Bool("req") {
		t.Error("Bool(req) = false")
	}
	if cfg.Map("nested").String("k") != "v" {
		t.Error("nested map lookup failed")
	}
	if cfg.String("missing") != "" {
		t.Error("missing key should be empty")
	}
}

func TestAIDecisionExtractedVariables(t *testing.T) {
	yes := true
	d := AIDecision{
		CustomerName:      "Ana",
		SelectedServiceID: "svc-1",
		NeedsEmail:        &yes,
		Metadata:          map[string]any{"source": "ad"},
	}
	vars := d.ExtractedVariables()
	if vars[VarCustomerName] != "Ana" || vars[VarSelectedServiceID] != "svc-1" {
		t.Errorf("unexpected vars %v", vars)
	}
	if vars[VarNeedsEmail] != true {
		t.Errorf("needs_email not extracted: %v", vars)
	}
	if _, ok := vars[VarCustomerEmail]; ok {
		t.Error("empty email should not be extracted")
	}
	if vars["meta_source"] != "ad" {
		t.Errorf("metadata not prefixed: %v", vars)
	}
}
