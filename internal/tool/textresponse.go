package tool

import (
	"context"
	"strings"

	"github.com/elysia-ai/elysia/internal/llm"
)

const environmentPromptBudget = 24_000

// TextResponseTool is the terminal answer tool: it synthesizes a reply
// from the conversation and whatever the run retrieved, streaming the
// text as it is generated.
type TextResponseTool struct{}

func NewTextResponseTool() *TextResponseTool { return &TextResponseTool{} }

func (t *TextResponseTool) Name() string { return "text_response" }

func (t *TextResponseTool) Description() string {
	return "Write the final reply to the user from the conversation and any retrieved data. Always available; ends the run."
}

func (t *TextResponseTool) Status() string { return "Writing response" }

func (t *TextResponseTool) Terminal() bool { return true }

func (t *TextResponseTool) Inputs() Schema { return Schema{} }

func (t *TextResponseTool) Available(context.Context, *Data) bool { return true }

func (t *TextResponseTool) Call(ctx context.Context, args CallArgs) <-chan Yield {
	return stream(ctx, func(emit func(Yield) bool) {
		if args.Base == nil {
			emit(Errorf("no base model configured"))
			return
		}
		messages := synthesisMessages(args.Data)
		full, ok := streamChat(ctx, args.Base, messages, emit)
		if !ok {
			return
		}
		if !emit(Response(full)) {
			return
		}
		emit(Completed())
	})
}

// streamChat drives a streaming completion, emitting each chunk as a
// Text yield. It returns the full text and whether the stream finished
// cleanly.
func streamChat(ctx context.Context, p llm.Provider, messages []llm.Message, emit func(Yield) bool) (string, bool) {
	aborted := false
	resp, err := p.ChatStream(ctx, llm.ChatRequest{Messages: messages}, func(chunk llm.StreamChunk) {
		if aborted || chunk.Content == "" {
			return
		}
		if !emit(Text(chunk.Content)) {
			aborted = true
		}
	})
	if err != nil {
		emit(Errorf("model call failed: %v", err))
		return "", false
	}
	if aborted {
		return "", false
	}
	return resp.Content, true
}

func synthesisMessages(d *Data) []llm.Message {
	var sys strings.Builder
	sys.WriteString("You are the assistant for a data-backed conversation service.")
	if d.AgentDescription != "" {
		sys.WriteString(" ")
		sys.WriteString(d.AgentDescription)
	}
	if d.Style != "" {
		sys.WriteString("\nWriting style: ")
		sys.WriteString(d.Style)
	}
	if d.Env != nil && !d.Env.IsEmpty() {
		sys.WriteString("\n\nData retrieved this conversation (tool/variant[index]: records):\n")
		sys.WriteString(d.Env.Render(environmentPromptBudget))
		sys.WriteString("\nAnswer from this data where relevant; say so when it does not cover the question.")
	} else {
		sys.WriteString("\n\nNo data has been retrieved; answer from the conversation alone.")
	}

	messages := make([]llm.Message, 0, len(d.History)+2)
	messages = append(messages, llm.Message{Role: "system", Content: sys.String()})
	messages = append(messages, d.History...)
	messages = append(messages, llm.Message{Role: "user", Content: d.Prompt})
	return messages
}
