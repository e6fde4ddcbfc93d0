// Package llmsession defines the seam between internal/spawner and the LLM
// runtime adapter. The adapter itself (a CLI subprocess wrapper invoking the
// butler's model of choice) is explicitly out of scope: this package only
// fixes the contract a Runtime must satisfy and ships an in-memory fake used
// by tests and local development.
package llmsession

import (
	"context"
	"time"

	"github.com/codeready-toolchain/butlerfleet/internal/db"
)

// Request is the combined payload a Runtime receives: system prompt,
// accumulated context (e.g. route inbox args, history hydration text), and
// the triggering prompt itself.
type Request struct {
	SystemPrompt string
	Context      string
	Prompt       string
	Butler       string
	TraceID      string
}

// Response is what a Runtime returns on successful completion.
type Response struct {
	Model        string
	InputTokens  int
	OutputTokens int
	ToolCalls    []db.ToolCall
	Cost         db.SessionCost
	FinalText    string
}

// Runtime is implemented by the out-of-scope LLM adapter. Spawner.Trigger
// invokes it for every dispatched session.
type Runtime interface {
	Run(ctx context.Context, req Request) (Response, error)
}

// FakeRuntime is an in-memory Runtime used by tests: it echoes the prompt
// back as FinalText after an optional configured delay, with no tool calls.
type FakeRuntime struct {
	Delay    time.Duration
	Response Response
	Err      error
}

// Run implements Runtime.
func (f *FakeRuntime) Run(ctx context.Context, req Request) (Response, error) {
	if f.Delay > 0 {
		select {
		case <-time.After(f.Delay):
		case <-ctx.Done():
			return Response{}, ctx.Err()
		}
	}
	if f.Err != nil {
		return Response{}, f.Err
	}
	if f.Response.FinalText == "" && f.Response.Model == "" {
		return Response{Model: "fake", FinalText: req.Prompt}, nil
	}
	return f.Response, nil
}
