package tool

import (
	"context"
	"fmt"

	"github.com/elysia-ai/elysia/internal/llm"
)

// ReduceTool compacts one environment slot: it reads every invocation
// under a (tool, variant) pair, asks the model for a single condensed
// record, and overwrites the slot with it. Compaction is an ordinary
// tool the selector can pick when the environment grows large; nothing
// in the run loop is privileged about it.
type ReduceTool struct{}

func NewReduceTool() *ReduceTool { return &ReduceTool{} }

func (t *ReduceTool) Name() string { return "reduce" }

func (t *ReduceTool) Description() string {
	return "Condense an overgrown environment slot into a single summary record, freeing prompt budget for later steps."
}

func (t *ReduceTool) Status() string { return "Compacting environment" }

func (t *ReduceTool) Terminal() bool { return false }

func (t *ReduceTool) Inputs() Schema {
	return Schema{
		"tool_name": {
			Type:        Scalar(KindString),
			Required:    true,
			Description: "Tool whose output slot to compact.",
		},
		"variant_name": {
			Type:        Scalar(KindString),
			Required:    true,
			Description: "Variant (e.g. collection name) within the tool's output.",
		},
	}
}

func (t *ReduceTool) Available(_ context.Context, d *Data) bool {
	return d.Env != nil && !d.Env.IsEmpty()
}

func (t *ReduceTool) Call(ctx context.Context, args CallArgs) <-chan Yield {
	return stream(ctx, func(emit func(Yield) bool) {
		provider := args.Base
		if provider == nil {
			emit(Errorf("no base model configured"))
			return
		}
		toolName := StringInput(args.Inputs, "tool_name")
		variant := StringInput(args.Inputs, "variant_name")

		slot := args.Data.Env.Find(toolName, variant)
		if len(slot) == 0 {
			emit(Errorf("nothing to compact under %s/%s", toolName, variant))
			return
		}
		if !emit(Status("Compacting %s/%s (%d invocations)", toolName, variant, len(slot))) {
			return
		}

		var objects int
		rendered := ""
		for i, inv := range slot {
			objects += len(inv.Objects)
			rendered += fmt.Sprintf("invocation %d: %v\n", i, inv.Objects)
		}
		resp, err := llm.RetryDo(ctx, llm.DefaultRetryConfig(), func() (*llm.ChatResponse, error) {
			return provider.Chat(ctx, llm.ChatRequest{Messages: []llm.Message{
				{Role: "system", Content: "Condense the records below into one short faithful summary. Reply with the summary text only."},
				{Role: "user", Content: rendered},
			}})
		})
		if err != nil {
			emit(Errorf("compaction model call failed: %v", err))
			return
		}

		args.Data.Env.Replace(toolName, variant, Invocation{
			Metadata: map[string]any{
				"compacted":            true,
				"replaced_invocations": len(slot),
				"replaced_objects":     objects,
			},
			Objects: []map[string]any{{"summary": resp.Content}},
		})

		if !emit(Update("compaction", map[string]any{
			"tool":                 toolName,
			"variant":              variant,
			"replaced_invocations": len(slot),
		})) {
			return
		}
		emit(Completed())
	})
}
