package services

import (
	"context"
	"fmt"
	"strings"

	"github.com/applianceworks/partsassist-backend/internal/capability"
	"github.com/applianceworks/partsassist-backend/internal/domain/chat"
	"github.com/applianceworks/partsassist-backend/internal/pkg/logger"
	"github.com/applianceworks/partsassist-backend/internal/platform/openai"
)

const supportPhone = "1-888-944-1394"

// Decision is one reasoning step: either a batch of capability calls to
// execute, or the final answer text. Never both; an empty decision is a
// reasoner bug surfaced by the orchestrator.
type Decision struct {
	Calls  []capability.Call
	Answer string
}

// Evidence is the rendered outcome of one capability call, fed back into
// the next reasoning round.
type Evidence struct {
	Call capability.Call
	Text string
}

// DecisionInput is everything a reasoning round may look at: the bounded
// session history, the customer's message, and the evidence gathered so
// far this turn.
type DecisionInput struct {
	History  []*chat.Message
	Query    string
	Evidence []Evidence
}

// Reasoner decides, per round, whether the turn needs more lookups or is
// ready to answer.
type Reasoner interface {
	Decide(ctx context.Context, in DecisionInput) (Decision, error)
}

type openaiReasoner struct {
	log   *logger.Logger
	ai    openai.Client
	specs []capability.Spec
}

func NewOpenAIReasoner(log *logger.Logger, ai openai.Client, specs []capability.Spec) (Reasoner, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	if ai == nil {
		return nil, fmt.Errorf("openai client required")
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("no capability specs")
	}
	return &openaiReasoner{
		log:   log.With("service", "Reasoner"),
		ai:    ai,
		specs: specs,
	}, nil
}

const reasonerSystemPrompt = `You are a customer support assistant for PartSelect, an online retailer of appliance replacement parts. You help customers find dishwasher and refrigerator parts, check compatibility with their appliance model, and troubleshoot common problems.

Scope rules:
- You only assist with dishwashers and refrigerators. For any other appliance or unrelated topic, politely say you can only help with dishwasher and refrigerator parts.
- Ground every factual claim about parts, models, compatibility, or repairs in tool results from this conversation. Never invent part numbers, prices, or compatibility verdicts.
- If a lookup found nothing, say so and suggest the customer double-check the number or call customer support at ` + supportPhone + `.
- Part numbers look like PS11752778. Model numbers look like WDT780SAEM1.
- Be concise and friendly. Include relevant links from tool results when they help the customer.

On each round, either request tool calls (leave answer empty) or give the final answer (leave calls empty). Request a tool call only when its result is not already available in the evidence above. When the evidence already covers the question, answer directly.`

var decisionSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"calls": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"name":         map[string]any{"type": "string"},
					"appliance":    map[string]any{"type": "string"},
					"query":        map[string]any{"type": "string"},
					"part_number":  map[string]any{"type": "string"},
					"model_number": map[string]any{"type": "string"},
				},
				"required":             []string{"name", "appliance", "query", "part_number", "model_number"},
				"additionalProperties": false,
			},
		},
		"answer": map[string]any{"type": "string"},
	},
	"required":             []string{"calls", "answer"},
	"additionalProperties": false,
}

func (r *openaiReasoner) Decide(ctx context.Context, in DecisionInput) (Decision, error) {
	out, err := r.ai.GenerateJSON(ctx, r.systemPrompt(), renderDecisionInput(in), "assistant_decision", decisionSchema)
	if err != nil {
		return Decision{}, fmt.Errorf("reasoning step: %w", err)
	}
	return parseDecision(out)
}

func (r *openaiReasoner) systemPrompt() string {
	var b strings.Builder
	b.WriteString(reasonerSystemPrompt)
	b.WriteString("\n\nAvailable tools:\n")
	for _, s := range r.specs {
		fmt.Fprintf(&b, "- %s(%s): %s\n", s.Name, strings.Join(s.Required, ", "), s.Description)
	}
	b.WriteString(`
Unused arguments must be empty strings. "appliance" is "dishwasher" or "refrigerator".`)
	return b.String()
}

func renderDecisionInput(in DecisionInput) string {
	var b strings.Builder
	if len(in.History) > 0 {
		b.WriteString("Conversation so far:\n")
		for _, m := range in.History {
			fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Customer message:\n%s\n", in.Query)
	if len(in.Evidence) > 0 {
		b.WriteString("\nTool results this turn:\n")
		for _, ev := range in.Evidence {
			fmt.Fprintf(&b, "\n[%s]\n%s\n", ev.Call.Key(), ev.Text)
		}
	}
	return b.String()
}

func parseDecision(out map[string]any) (Decision, error) {
	var d Decision
	if s, ok := out["answer"].(string); ok {
		d.Answer = strings.TrimSpace(s)
	}
	rawCalls, _ := out["calls"].([]any)
	for _, raw := range rawCalls {
		obj, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		name, _ := obj["name"].(string)
		call, err := capability.ParseCall(name, obj)
		if err != nil {
			return Decision{}, fmt.Errorf("reasoning step returned bad call: %w", err)
		}
		d.Calls = append(d.Calls, call)
	}
	if len(d.Calls) == 0 && d.Answer == "" {
		return Decision{}, fmt.Errorf("reasoning step returned neither calls nor answer")
	}
	// An answer alongside calls means the model jumped ahead; run the
	// calls first and let the next round answer with evidence in hand.
	if len(d.Calls) > 0 {
		d.Answer = ""
	}
	return d, nil
}
