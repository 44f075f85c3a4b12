package tool

import (
	"context"
	"fmt"

	"github.com/elysia-ai/elysia/internal/llm"
	"github.com/elysia-ai/elysia/internal/vectordb"
)

// YieldKind discriminates the values a tool streams while it runs.
type YieldKind string

const (
	YieldStatus    YieldKind = "status"
	YieldUpdate    YieldKind = "update"
	YieldResult    YieldKind = "result"
	YieldText      YieldKind = "text"
	YieldResponse  YieldKind = "response"
	YieldWarning   YieldKind = "warning"
	YieldError     YieldKind = "error"
	YieldCompleted YieldKind = "completed"
)

// Yield is one streamed value from a running tool. Which fields are
// set depends on Kind. An Error yield is a local recoverable failure:
// the run loop records it as a failed step and keeps going.
type Yield struct {
	Kind YieldKind

	// Text carries status, text, response, warning and error content.
	Text string

	// Update fields.
	UpdateKind string
	Payload    map[string]any

	// Result fields. Name and Variant route the objects into the
	// environment; an empty Name defaults to the tool's own name.
	Objects    []map[string]any
	Metadata   map[string]any
	LLMMessage string
	Name       string
	Variant    string
}

func Status(format string, args ...any) Yield {
	return Yield{Kind: YieldStatus, Text: fmt.Sprintf(format, args...)}
}

func Update(kind string, payload map[string]any) Yield {
	return Yield{Kind: YieldUpdate, UpdateKind: kind, Payload: payload}
}

func Result(objects []map[string]any, metadata map[string]any, llmMessage string) Yield {
	return Yield{Kind: YieldResult, Objects: objects, Metadata: metadata, LLMMessage: llmMessage}
}

func Text(chunk string) Yield {
	return Yield{Kind: YieldText, Text: chunk}
}

func Response(full string) Yield {
	return Yield{Kind: YieldResponse, Text: full}
}

func Warning(format string, args ...any) Yield {
	return Yield{Kind: YieldWarning, Text: fmt.Sprintf(format, args...)}
}

func Errorf(format string, args ...any) Yield {
	return Yield{Kind: YieldError, Text: fmt.Sprintf(format, args...)}
}

func Completed() Yield {
	return Yield{Kind: YieldCompleted}
}

// WithRoute sets the environment routing for a Result yield.
func (y Yield) WithRoute(name, variant string) Yield {
	y.Name = name
	y.Variant = variant
	return y
}

// Data is the read view of a tree handed to tools: the live prompt,
// conversation context and the accumulated environment. Tools read it;
// only the reduce tool writes back, through Env.Replace.
type Data struct {
	UserID          string
	ConversationID  string
	QueryID         string
	Prompt          string
	CollectionNames []string

	AgentDescription string
	Style            string
	EndGoal          string

	Env     *Environment
	History []llm.Message
}

// CallArgs bundles everything a tool invocation receives.
type CallArgs struct {
	Data    *Data
	Inputs  map[string]any
	Base    llm.Provider
	Complex llm.Provider
	Pool    *vectordb.Pool
}

// Tool is the capability contract leaves of a decision tree satisfy.
// Call returns a channel the tool's goroutine writes to and closes
// when done; a cancelled context stops it between yields.
type Tool interface {
	Name() string
	Description() string
	Status() string
	Inputs() Schema
	Terminal() bool
	Available(ctx context.Context, d *Data) bool
	Call(ctx context.Context, args CallArgs) <-chan Yield
}

// stream runs fn in a goroutine, handing it an emit func that honors
// context cancellation. The returned channel closes when fn returns.
func stream(ctx context.Context, fn func(emit func(Yield) bool)) <-chan Yield {
	ch := make(chan Yield, 8)
	emit := func(y Yield) bool {
		select {
		case ch <- y:
			return true
		case <-ctx.Done():
			return false
		}
	}
	go func() {
		defer close(ch)
		fn(emit)
	}()
	return ch
}
