package tool

import (
	"context"
	"strings"

	"github.com/elysia-ai/elysia/internal/llm"
)

// SummarizeTool is a terminal tool that condenses everything retrieved
// this conversation into a prose summary, using the complex model.
type SummarizeTool struct{}

func NewSummarizeTool() *SummarizeTool { return &SummarizeTool{} }

func (t *SummarizeTool) Name() string { return "summarize" }

func (t *SummarizeTool) Description() string {
	return "Summarize the data retrieved so far into a prose answer. Use when the user asks for an overview of many records; ends the run."
}

func (t *SummarizeTool) Status() string { return "Summarizing retrieved data" }

func (t *SummarizeTool) Terminal() bool { return true }

func (t *SummarizeTool) Inputs() Schema {
	return Schema{
		"focus": {
			Type:        Scalar(KindString),
			Description: "Aspect of the data the summary should concentrate on, if any.",
		},
	}
}

func (t *SummarizeTool) Available(_ context.Context, d *Data) bool {
	return d.Env != nil && !d.Env.IsEmpty()
}

func (t *SummarizeTool) Call(ctx context.Context, args CallArgs) <-chan Yield {
	return stream(ctx, func(emit func(Yield) bool) {
		provider := args.Complex
		if provider == nil {
			provider = args.Base
		}
		if provider == nil {
			emit(Errorf("no model configured"))
			return
		}

		var sys strings.Builder
		sys.WriteString("Summarize the retrieved records below for the user. Be faithful to the data; do not invent records.")
		if focus := StringInput(args.Inputs, "focus"); focus != "" {
			sys.WriteString(" Concentrate on: ")
			sys.WriteString(focus)
		}
		if args.Data.Style != "" {
			sys.WriteString("\nWriting style: ")
			sys.WriteString(args.Data.Style)
		}
		sys.WriteString("\n\nRecords (tool/variant[index]: records):\n")
		sys.WriteString(args.Data.Env.Render(environmentPromptBudget))

		messages := []llm.Message{
			{Role: "system", Content: sys.String()},
			{Role: "user", Content: args.Data.Prompt},
		}
		full, ok := streamChat(ctx, provider, messages, emit)
		if !ok {
			return
		}
		if !emit(Response(full)) {
			return
		}
		emit(Completed())
	})
}
