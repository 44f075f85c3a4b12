package tree

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/elysia-ai/elysia/internal/llm"
	"github.com/elysia-ai/elysia/internal/tool"
)

const (
	tasksPromptBudget = 8_000
	envPromptBudget   = 16_000
)

// selectorMessages asks the model to pick the next child at a decision
// node. Children are rendered with their kind; tool children carry the
// registry description so the model knows what each does. feedback is
// non-empty on the retry after an unknown choice.
func selectorMessages(d *tool.Data, node *Node, children []childOption, tasks *TasksCompleted, feedback string) []llm.Message {
	var sb strings.Builder
	sb.WriteString("You choose the next action in a decision tree that answers a user's question against their data collections.\n")
	if d.AgentDescription != "" {
		sb.WriteString("Agent: " + d.AgentDescription + "\n")
	}
	if node.Instruction != "" {
		sb.WriteString("Decision point: " + node.Instruction + "\n")
	}
	sb.WriteString("\nAvailable choices:\n")
	body, _ := json.MarshalIndent(children, "", "  ")
	sb.Write(body)
	sb.WriteString("\n\nWork already done this conversation:\n")
	sb.WriteString(tasks.Render(tasksPromptBudget))
	if !d.Env.IsEmpty() {
		sb.WriteString("\nData already retrieved:\n")
		sb.WriteString(d.Env.Render(envPromptBudget))
	}
	sb.WriteString("\nReply with JSON only: {\"choice\": \"<id>\", \"reasoning\": \"<one sentence>\"}. The choice must be one of the listed ids.")
	if feedback != "" {
		sb.WriteString("\n" + feedback)
	}

	return []llm.Message{
		{Role: "system", Content: sb.String()},
		{Role: "user", Content: d.Prompt},
	}
}

// childOption is the selector's view of one child node.
type childOption struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Description string `json:"description,omitempty"`
	Terminal    bool   `json:"terminal,omitempty"`
}

// inputMessages asks the model to fill a tool's declared inputs.
func inputMessages(d *tool.Data, t tool.Tool, reasoning string) []llm.Message {
	type fieldDoc struct {
		Type        string `json:"type"`
		Required    bool   `json:"required"`
		Default     any    `json:"default,omitempty"`
		Description string `json:"description,omitempty"`
	}
	docs := map[string]fieldDoc{}
	for name, field := range t.Inputs() {
		docs[name] = fieldDoc{
			Type:        field.Type.String(),
			Required:    field.Required,
			Default:     field.Default,
			Description: field.Description,
		}
	}
	schema, _ := json.MarshalIndent(docs, "", "  ")

	var sb strings.Builder
	fmt.Fprintf(&sb, "Derive the inputs for the %q tool (%s) from the user's prompt.\n", t.Name(), t.Description())
	if reasoning != "" {
		sb.WriteString("The tool was chosen because: " + reasoning + "\n")
	}
	if len(d.CollectionNames) > 0 {
		sb.WriteString("Collections in play: " + strings.Join(d.CollectionNames, ", ") + "\n")
	}
	sb.WriteString("\nInput schema:\n")
	sb.Write(schema)
	sb.WriteString("\nReply with a JSON object of input values only. Omit inputs you cannot derive.")

	return []llm.Message{
		{Role: "system", Content: sb.String()},
		{Role: "user", Content: d.Prompt},
	}
}

// endGoalMessages asks whether the configured end goal has been met.
func endGoalMessages(d *tool.Data, tasks *TasksCompleted) []llm.Message {
	var sb strings.Builder
	sb.WriteString("Judge whether the goal below has been satisfied for the user's latest prompt.\n")
	sb.WriteString("Goal: " + d.EndGoal + "\n")
	sb.WriteString("\nWork done so far:\n")
	sb.WriteString(tasks.Render(tasksPromptBudget))
	sb.WriteString("\nReply with JSON only: {\"satisfied\": true|false, \"reasoning\": \"<one sentence>\"}.")

	return []llm.Message{
		{Role: "system", Content: sb.String()},
		{Role: "user", Content: d.Prompt},
	}
}

// titleMessages asks for a short conversation title on the first
// prompt.
func titleMessages(prompt string) []llm.Message {
	return []llm.Message{
		{Role: "system", Content: "Write a title for a conversation opening with the user message below. At most six words, no quotes. Reply with the title only."},
		{Role: "user", Content: prompt},
	}
}

// nerMessages asks for the named entities in the first prompt.
func nerMessages(prompt string) []llm.Message {
	return []llm.Message{
		{Role: "system", Content: "List the named entities in the user message below. Reply with JSON only: {\"entities\": [\"...\"]}. An empty list is fine."},
		{Role: "user", Content: prompt},
	}
}

// chatJSON runs a model call expected to return a JSON object,
// retrying transient failures and repairing sloppy output.
func chatJSON(ctx context.Context, p llm.Provider, messages []llm.Message) (map[string]any, error) {
	resp, err := llm.RetryDo(ctx, llm.DefaultRetryConfig(), func() (*llm.ChatResponse, error) {
		return p.Chat(ctx, llm.ChatRequest{Messages: messages})
	})
	if err != nil {
		return nil, err
	}
	return llm.ExtractJSON(resp.Content)
}
