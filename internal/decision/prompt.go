package decision

import (
	"fmt"
	"sort"
	"strings"

	"github.com/BTreeMap/ConvoPipe/internal/genai"
	"github.com/BTreeMap/ConvoPipe/internal/models"
)

const outputContract = `Respond with a single JSON object and nothing else:
{
  "state": "<one of: %s>",
  "language": "<language tag of your reply, e.g. en or es>",
  "message": "<the reply to send to the customer>",
  "selected_service_id": "<service id, only if the customer chose one>",
  "customer_name": "<only if the customer just told you>",
  "customer_email": "<only if the customer just told you>",
  "needs_name": <true|false>,
  "needs_email": <true|false>,
  "metadata": {}
}
"state", "language" and "message" are required.`

// knownStates lists the conversation phases offered to the model.
var knownStates = []models.Phase{
	models.PhaseGreeting,
	models.PhaseLanguageSelection,
	models.PhaseGeneralQuestion,
	models.PhaseShowOfferings,
	models.PhaseOfferingSelected,
	models.PhaseCollectName,
	models.PhaseCollectEmail,
	models.PhasePayment,
	models.PhaseCompleted,
	models.PhaseSupportEscalation,
}

// buildSystemPrompt assembles the instructions, catalog and known fields.
func buildSystemPrompt(businessName string, offerings []models.Offering, sc SessionContext) string {
	var b strings.Builder
	if businessName != "" {
		fmt.Fprintf(&b, "You are the booking assistant for %s, chatting with a customer over messaging.\n", businessName)
	} else {
		b.WriteString("You are a booking assistant chatting with a customer over messaging.\n")
	}
	b.WriteString("Keep replies short and friendly. Answer in the customer's language.\n\n")

	b.WriteString("Available services:\n")
	if len(offerings) == 0 {
		b.WriteString("(none at the moment)\n")
	}
	lang := sc.Language
	if lang == "" {
		lang = DefaultLanguage
	}
	for _, o := range offerings {
		fmt.Fprintf(&b, "- id=%s name=%q price=%.2f %s", o.ID, o.DisplayName(lang), o.Price, o.Currency)
		if o.DurationMinutes != nil {
			fmt.Fprintf(&b, " duration=%dmin", *o.DurationMinutes)
		}
		if o.Type != "" {
			fmt.Fprintf(&b, " type=%s", o.Type)
		}
		b.WriteString("\n")
	}

	b.WriteString("\nCurrent conversation state: ")
	if sc.State.IsZero() {
		b.WriteString("(new conversation)")
	} else {
		b.WriteString(sc.State.String())
	}
	b.WriteString("\n")

	known := knownFields(sc)
	if len(known) > 0 {
		b.WriteString("\nAlready known about the customer (do not ask for these again):\n")
		for _, line := range known {
			b.WriteString("- ")
			b.WriteString(line)
			b.WriteString("\n")
		}
	}

	if needs := contactNeeds(sc); len(needs) > 0 {
		b.WriteString("\nContact details:\n")
		for _, line := range needs {
			b.WriteString("- ")
			b.WriteString(line)
			b.WriteString("\n")
		}
	}

	names := make([]string, len(knownStates))
	for i, p := range knownStates {
		names[i] = p.String()
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, outputContract, strings.Join(names, ", "))
	return b.String()
}

func knownFields(sc SessionContext) []string {
	var out []string
	if sc.Language != "" {
		out = append(out, "language: "+sc.Language)
	}
	keys := []string{models.VarCustomerName, models.VarCustomerEmail, models.VarSelectedServiceID, models.VarSelectedTimeSlot}
	for _, k := range keys {
		if v, ok := sc.Variables.String(k); ok && v != "" {
			out = append(out, k+": "+v)
		}
	}
	sort.Strings(out)
	return out
}

// contactNeeds turns the needs_name and needs_email flags from earlier
// decisions into instructions, so a satisfied detail is not asked again.
func contactNeeds(sc SessionContext) []string {
	flags := []struct{ key, label string }{
		{models.VarNeedsName, "name"},
		{models.VarNeedsEmail, "email"},
	}
	var out []string
	for _, f := range flags {
		need, ok := sc.Variables.Bool(f.key)
		switch {
		case !ok:
		case need:
			out = append(out, f.label+": still needed, ask for it when the booking requires it")
		default:
			out = append(out, f.label+": already satisfied, do not ask")
		}
	}
	return out
}

// buildMessages returns the recent history followed by the inbound text.
// The inbound text is skipped when history already ends with it.
func buildMessages(history []models.HistoryEntry, window int, inbound string) []genai.Message {
	if window > 0 && len(history) > window {
		history = history[len(history)-window:]
	}
	msgs := make([]genai.Message, 0, len(history)+1)
	for _, h := range history {
		msgs = append(msgs, genai.Message{Role: h.Role, Content: h.Text})
	}
	n := len(history)
	if n == 0 || history[n-1].Role != models.RoleUser || history[n-1].Text != inbound {
		msgs = append(msgs, genai.Message{Role: models.RoleUser, Content: inbound})
	}
	return msgs
}
