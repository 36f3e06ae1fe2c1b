package models

// AIDecision is the structured output of the AI decision engine for one turn.
// It is folded into the session and never stored on its own.
type AIDecision struct {
	State             string         `json:"state"`
	Language          string         `json:"language"`
	Message           string         `json:"message"`
	SelectedServiceID string         `json:"selected_service_id,omitempty"`
	CustomerName      string         `json:"customer_name,omitempty"`
	CustomerEmail     string         `json:"customer_email,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	// NeedsName and NeedsEmail are nil when the model did not say.
	NeedsName  *bool `json:"needs_name,omitempty"`
	NeedsEmail *bool `json:"needs_email,omitempty"`

	// Fallback is set on the fixed decision used when the model output was unusable.
	Fallback bool `json:"-"`
}

// Session variable names written from AI decisions and read back into prompts.
const (
	VarCustomerName      = "customer_name"
	VarCustomerEmail     = "customer_email"
	VarSelectedServiceID = "selected_service_id"
	VarSelectedTimeSlot  = "selected_time_slot"
	VarNeedsName         = "needs_name"
	VarNeedsEmail        = "needs_email"
)

// ExtractedVariables returns the fields of the decision that should be merged
// into the session variables.
func (d AIDecision) ExtractedVariables() Variables {
	vars := Variables{}
	if d.CustomerName != "" {
		vars[VarCustomerName] = d.CustomerName
	}
	if d.CustomerEmail != "" {
		vars[VarCustomerEmail] = d.CustomerEmail
	}
	if d.SelectedServiceID != "" {
		vars[VarSelectedServiceID] = d.SelectedServiceID
	}
	if d.NeedsName != nil {
		vars[VarNeedsName] = *d.NeedsName
	}
	if d.NeedsEmail != nil {
		vars[VarNeedsEmail] = *d.NeedsEmail
	}
	for k, v := range d.Metadata {
		vars["meta_"+k] = v
	}
	return vars
}
