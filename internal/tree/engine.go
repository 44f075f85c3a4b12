package tree

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/elysia-ai/elysia/internal/llm"
	"github.com/elysia-ai/elysia/internal/tool"
	"github.com/elysia-ai/elysia/internal/vectordb"
	"github.com/elysia-ai/elysia/pkg/protocol"
)

// MaxSteps caps tool invocations per run; hitting it forces a final
// text_response after a warning.
const MaxSteps = 10

// yieldPacing is the minimal delay between streamed frames so one run
// cannot starve other sessions sharing the transport.
const yieldPacing = 2 * time.Millisecond

// Engine drives one prompt through a tree: selector and input-builder
// model calls, tool invocation, environment commits and the streamed
// frame output.
type Engine struct {
	Registry *tool.Registry
	Base     llm.Provider
	Complex  llm.Provider
	Pool     *vectordb.Pool

	limiter *rate.Limiter
}

func NewEngine(registry *tool.Registry, base, complex llm.Provider, pool *vectordb.Pool) *Engine {
	return &Engine{
		Registry: registry,
		Base:     base,
		Complex:  complex,
		Pool:     pool,
		limiter:  rate.NewLimiter(rate.Every(yieldPacing), 1),
	}
}

// RunRequest is one prompt dispatched to a tree.
type RunRequest struct {
	Prompt          string
	QueryID         string
	CollectionNames []string

	// TrainingRoute, when non-empty, is a "/"-joined path of node ids
	// that bypasses the selector until exhausted.
	TrainingRoute string
}

// Run takes the tree's completion latch and starts the run goroutine.
// The returned channel closes when the run ends; exactly one completed
// frame is emitted iff the run succeeds.
func (e *Engine) Run(ctx context.Context, t *Tree, req RunRequest) (<-chan protocol.Frame, error) {
	if err := t.Acquire(ctx); err != nil {
		return nil, err
	}
	out := make(chan protocol.Frame, 64)
	go func() {
		defer close(out)
		defer t.Release()
		e.run(ctx, t, req, out)
	}()
	return out, nil
}

func (e *Engine) run(ctx context.Context, t *Tree, req RunRequest, out chan<- protocol.Frame) {
	t.Touch()
	send := func(kind string, payload any) bool {
		if err := e.limiter.Wait(ctx); err != nil {
			return false
		}
		select {
		case out <- protocol.NewFrame(kind, t.UserID, t.ConversationID, req.QueryID, payload):
			return true
		case <-ctx.Done():
			return false
		}
	}

	firstPrompt := t.History.Len() == 0
	t.History.Add("user", req.Prompt)
	t.Tasks.Begin(req.Prompt)
	d := t.Data(req.Prompt, req.QueryID, req.CollectionNames)

	if firstPrompt {
		e.describeConversation(ctx, t, req.Prompt, send)
	}

	route := splitRoute(req.TrainingRoute)
	node := t.Graph.Root()
	steps := 0
	var responseText string

	for {
		if ctx.Err() != nil {
			return
		}

		children, byID := e.childOptions(ctx, d, node)
		if len(children) == 0 {
			// Childless decision point: fall back to the terminal
			// answer tool.
			if resp, ok := e.forceTextResponse(ctx, t, d, send); ok {
				responseText = resp
			} else {
				return
			}
			break
		}

		child, reasoning, ok := e.selectChild(ctx, d, node, children, byID, t.Tasks, &route, send)
		if !ok {
			return
		}
		if child == nil {
			// Selector failed twice; answer with what we have.
			if resp, done := e.forceTextResponse(ctx, t, d, send); done {
				responseText = resp
			} else {
				return
			}
			break
		}

		if child.Kind == NodeBranch {
			node = child
			continue
		}

		tl, err := e.Registry.Get(child.ID)
		if err != nil {
			slog.Warn("tree references unregistered tool", "tool", child.ID, "conversation", t.ConversationID)
			t.Tasks.AddStep(TaskStep{Name: child.ID, Reasoning: reasoning, Error: err.Error()})
			node = t.Graph.Root()
			continue
		}

		outcome := e.invoke(ctx, t, d, tl, reasoning, send)
		steps++
		if outcome.cancelled {
			return
		}
		if outcome.fatal {
			return
		}
		if outcome.responseText != "" {
			responseText = outcome.responseText
		}

		if outcome.errText != "" {
			// Local failure: the selector sees it in the ledger and
			// re-decides at the same branch.
			if steps >= MaxSteps {
				if !send(protocol.KindWarning, protocol.TextPayload{
					Text: "Reached the step limit for this prompt; answering with what has been gathered.",
				}) {
					return
				}
				if resp, done := e.forceTextResponse(ctx, t, d, send); done {
					responseText = resp
				} else {
					return
				}
				break
			}
			continue
		}

		if tl.Terminal() {
			break
		}
		if steps >= MaxSteps {
			if !send(protocol.KindWarning, protocol.TextPayload{
				Text: "Reached the step limit for this prompt; answering with what has been gathered.",
			}) {
				return
			}
			if resp, done := e.forceTextResponse(ctx, t, d, send); done {
				responseText = resp
			} else {
				return
			}
			break
		}
		if e.endGoalSatisfied(ctx, d, t) {
			// Non-terminal exits still owe the user an answer.
			if resp, done := e.forceTextResponse(ctx, t, d, send); done {
				responseText = resp
			} else {
				return
			}
			break
		}

		if len(child.Children()) > 0 {
			node = child
		} else {
			node = t.Graph.Root()
		}
	}

	if responseText != "" {
		t.History.Add("assistant", responseText)
	}
	if !send(protocol.KindCompleted, protocol.CompletedPayload{}) {
		return
	}
	t.markCompleted()
	t.Touch()
}

// describeConversation emits the one-off title and entity frames for a
// conversation's first prompt. Both are best-effort.
func (e *Engine) describeConversation(ctx context.Context, t *Tree, prompt string, send func(string, any) bool) {
	resp, err := e.Base.Chat(ctx, llm.ChatRequest{Messages: titleMessages(prompt)})
	if err != nil {
		slog.Warn("title generation failed", "conversation", t.ConversationID, "error", err)
	} else {
		title := strings.Trim(strings.TrimSpace(resp.Content), `"`)
		t.SetTitle(title)
		if !send(protocol.KindTitle, protocol.TitlePayload{Title: t.Title()}) {
			return
		}
	}

	entities, err := chatJSON(ctx, e.Base, nerMessages(prompt))
	if err != nil {
		slog.Warn("entity extraction failed", "conversation", t.ConversationID, "error", err)
		return
	}
	var names []string
	if list, ok := entities["entities"].([]any); ok {
		for _, item := range list {
			if s, ok := item.(string); ok && s != "" {
				names = append(names, s)
			}
		}
	}
	send(protocol.KindNER, protocol.NERPayload{Entities: names})
}

// childOptions renders the selectable children of a decision point,
// filtered to tools that are currently available.
func (e *Engine) childOptions(ctx context.Context, d *tool.Data, node *Node) ([]childOption, map[string]*Node) {
	var options []childOption
	byID := map[string]*Node{}
	for _, child := range node.Children() {
		switch child.Kind {
		case NodeBranch:
			options = append(options, childOption{
				ID:          child.ID,
				Kind:        "branch",
				Description: child.Instruction,
			})
			byID[child.ID] = child
		case NodeTool:
			tl, err := e.Registry.Get(child.ID)
			if err != nil || !tl.Available(ctx, d) {
				continue
			}
			options = append(options, childOption{
				ID:          child.ID,
				Kind:        "tool",
				Description: tl.Description(),
				Terminal:    tl.Terminal(),
			})
			byID[child.ID] = child
		}
	}
	return options, byID
}

// selectChild picks the next node: from the training route while it
// lasts, otherwise by a selector model call with one retry on an
// unknown id. A nil node with ok=true means both attempts failed and
// the caller should fall back.
func (e *Engine) selectChild(ctx context.Context, d *tool.Data, node *Node, children []childOption, byID map[string]*Node, tasks *TasksCompleted, route *[]string, send func(string, any) bool) (*Node, string, bool) {
	if len(*route) > 0 {
		id := (*route)[0]
		*route = (*route)[1:]
		if child := byID[id]; child != nil {
			return child, "training route", true
		}
		slog.Warn("training route names unknown child", "id", id, "at", node.ID)
		// Fall through to the selector for this level.
	}

	feedback := ""
	for attempt := 0; attempt < 2; attempt++ {
		decision, err := chatJSON(ctx, e.Base, selectorMessages(d, node, children, tasks, feedback))
		if err != nil {
			if ctx.Err() != nil {
				return nil, "", false
			}
			send(protocol.KindError, protocol.ErrorPayload{Text: "decision model call failed: " + err.Error()})
			return nil, "", false
		}
		choice := llm.JSONString(decision, "choice")
		if child := byID[choice]; child != nil {
			return child, llm.JSONString(decision, "reasoning"), true
		}
		feedback = "Your previous choice " + choice + " is not one of the listed ids. Pick one of them."
	}
	return nil, "", true
}

type invokeOutcome struct {
	errText      string
	responseText string
	cancelled    bool
	fatal        bool
}

// invoke derives inputs, runs the tool and streams its yields as
// frames, committing Result yields to the environment as they arrive.
func (e *Engine) invoke(ctx context.Context, t *Tree, d *tool.Data, tl tool.Tool, reasoning string, send func(string, any) bool) invokeOutcome {
	inputs := map[string]any{}
	if len(tl.Inputs()) > 0 {
		raw, err := chatJSON(ctx, e.Base, inputMessages(d, tl, reasoning))
		if err != nil {
			if ctx.Err() != nil {
				return invokeOutcome{cancelled: true}
			}
			send(protocol.KindError, protocol.ErrorPayload{Text: "input derivation failed: " + err.Error()})
			return invokeOutcome{fatal: true}
		}
		inputs, err = tl.Inputs().Validate(raw)
		if err != nil {
			t.Tasks.AddStep(TaskStep{Name: tl.Name(), Reasoning: reasoning, Error: err.Error()})
			send(protocol.KindError, protocol.ErrorPayload{Text: err.Error()})
			return invokeOutcome{errText: err.Error()}
		}
	}

	if !send(protocol.KindStatus, protocol.TextPayload{Text: tl.Status()}) {
		return invokeOutcome{cancelled: true}
	}

	var outcome invokeOutcome
	var summary strings.Builder
	yields := tl.Call(ctx, tool.CallArgs{
		Data:    d,
		Inputs:  inputs,
		Base:    e.Base,
		Complex: e.Complex,
		Pool:    e.Pool,
	})
	for y := range yields {
		if ctx.Err() != nil {
			outcome.cancelled = true
			return outcome
		}
		switch y.Kind {
		case tool.YieldStatus:
			if !send(protocol.KindStatus, protocol.TextPayload{Text: y.Text}) {
				outcome.cancelled = true
				return outcome
			}
		case tool.YieldUpdate:
			if !send(protocol.KindUpdate, protocol.UpdatePayload{Kind: y.UpdateKind, Payload: y.Payload}) {
				outcome.cancelled = true
				return outcome
			}
		case tool.YieldResult:
			name := y.Name
			if name == "" {
				name = tl.Name()
			}
			variant := y.Variant
			if variant == "" {
				variant = "default"
			}
			t.Env.Append(name, variant, tool.Invocation{Metadata: y.Metadata, Objects: y.Objects})
			if y.LLMMessage != "" {
				summary.WriteString(y.LLMMessage)
				summary.WriteString(" ")
			}
			if !send(protocol.KindResult, protocol.ResultPayload{
				Name:     name,
				Variant:  variant,
				Objects:  y.Objects,
				Metadata: y.Metadata,
			}) {
				outcome.cancelled = true
				return outcome
			}
		case tool.YieldText:
			if !send(protocol.KindText, protocol.TextPayload{Text: y.Text}) {
				outcome.cancelled = true
				return outcome
			}
		case tool.YieldResponse:
			outcome.responseText = y.Text
			if !send(protocol.KindResponse, protocol.TextPayload{Text: y.Text}) {
				outcome.cancelled = true
				return outcome
			}
		case tool.YieldWarning:
			if !send(protocol.KindWarning, protocol.TextPayload{Text: y.Text}) {
				outcome.cancelled = true
				return outcome
			}
		case tool.YieldError:
			outcome.errText = y.Text
			if !send(protocol.KindError, protocol.ErrorPayload{Text: y.Text}) {
				outcome.cancelled = true
				return outcome
			}
		case tool.YieldCompleted:
			// Tool-level end marker; the run emits its own completed
			// frame.
		}
	}
	if ctx.Err() != nil {
		outcome.cancelled = true
		return outcome
	}

	step := TaskStep{
		Name:          tl.Name(),
		Reasoning:     reasoning,
		Inputs:        inputs,
		OutputSummary: strings.TrimSpace(summary.String()),
	}
	if outcome.responseText != "" && step.OutputSummary == "" {
		step.OutputSummary = "Responded to the user."
	}
	if outcome.errText != "" {
		step.Error = outcome.errText
	}
	t.Tasks.AddStep(step)
	return outcome
}

// forceTextResponse runs the terminal answer tool outside normal
// selection: step-limit overflow, dead-end branches and selector
// failures all end here.
func (e *Engine) forceTextResponse(ctx context.Context, t *Tree, d *tool.Data, send func(string, any) bool) (string, bool) {
	tl, err := e.Registry.Get("text_response")
	if err != nil {
		send(protocol.KindError, protocol.ErrorPayload{Text: "no terminal answer tool registered"})
		return "", false
	}
	outcome := e.invoke(ctx, t, d, tl, "forced terminal response", send)
	if outcome.cancelled || outcome.fatal || outcome.errText != "" {
		return "", false
	}
	return outcome.responseText, true
}

// endGoalSatisfied asks the evaluator whether the run can stop. Errors
// count as unsatisfied so the run keeps working.
func (e *Engine) endGoalSatisfied(ctx context.Context, d *tool.Data, t *Tree) bool {
	if d.EndGoal == "" {
		return false
	}
	verdict, err := chatJSON(ctx, e.Base, endGoalMessages(d, t.Tasks))
	if err != nil {
		slog.Debug("end goal evaluation failed", "conversation", t.ConversationID, "error", err)
		return false
	}
	return llm.JSONBool(verdict, "satisfied")
}

func splitRoute(route string) []string {
	if route == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(route, "/") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
