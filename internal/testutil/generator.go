package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/tjfontaine/autonomic-gateway/internal/core/ports"
	"github.com/tjfontaine/autonomic-gateway/internal/prompt"
)

// Caller identifies which stage made a model call. ScriptedGenerator tells
// them apart by system prompt.
type Caller string

const (
	CallerAgent       Caller = "agent"
	CallerAuditor     Caller = "auditor"
	CallerRefiner     Caller = "refiner"
	CallerPerformance Caller = "performance"
	CallerCompliance  Caller = "compliance"
)

// CallerOf classifies a request.
func CallerOf(req ports.GenerateRequest) Caller {
	switch req.SystemPrompt {
	case prompt.AuditorSystem:
		return CallerAuditor
	case prompt.RefinerSystem:
		return CallerRefiner
	case prompt.PerformanceSystem:
		return CallerPerformance
	case prompt.ComplianceSystem:
		return CallerCompliance
	}
	return CallerAgent
}

// Response is one scripted answer.
type Response struct {
	Text string
	Err  error
	Cost float64
}

// Reply answers with text.
func Reply(text string) Response { return Response{Text: text} }

// Fail answers with err.
func Fail(err error) Response { return Response{Err: err} }

// Verdict answers with a judge verdict object.
func Verdict(verdict, reason, priority string) Response {
	obj := map[string]string{"verdict": verdict, "reason": reason}
	if priority != "" {
		obj["priority"] = priority
	}
	data, _ := json.Marshal(obj)
	return Response{Text: string(data)}
}

// Pass is a PASS verdict.
func Pass() Response { return Verdict("PASS", "meets every rule", "") }

// Rewrite answers with a refiner rewrite that replaces the operational
// guidelines.
func Rewrite(guidelines ...string) Response {
	data, _ := json.Marshal(map[string]any{"operational_guidelines": guidelines})
	return Response{Text: string(data)}
}

// ScriptedGenerator is a ports.Generator that plays back queued responses per
// caller. When a caller's queue is empty it answers with the caller's
// default: a canned reply for the agent, PASS for the judges, and an error
// for the refiner.
type ScriptedGenerator struct {
	mu       sync.Mutex
	queues   map[Caller][]Response
	defaults map[Caller]Response
	calls    map[Caller][]ports.GenerateRequest
}

var _ ports.Generator = (*ScriptedGenerator)(nil)

// NewScriptedGenerator returns a generator with the default answers.
func NewScriptedGenerator() *ScriptedGenerator {
	return &ScriptedGenerator{
		queues: make(map[Caller][]Response),
		defaults: map[Caller]Response{
			CallerAgent:       Reply("Model Y is available now. What email should I send the details to?"),
			CallerAuditor:     Pass(),
			CallerPerformance: Pass(),
			CallerCompliance:  Pass(),
		},
		calls: make(map[Caller][]ports.GenerateRequest),
	}
}

// Push queues responses for caller.
func (g *ScriptedGenerator) Push(caller Caller, responses ...Response) *ScriptedGenerator {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queues[caller] = append(g.queues[caller], responses...)
	return g
}

// SetDefault replaces the answer used once caller's queue is empty.
func (g *ScriptedGenerator) SetDefault(caller Caller, r Response) *ScriptedGenerator {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.defaults[caller] = r
	return g
}

// Calls returns the requests made by caller.
func (g *ScriptedGenerator) Calls(caller Caller) []ports.GenerateRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]ports.GenerateRequest(nil), g.calls[caller]...)
}

func (g *ScriptedGenerator) Generate(ctx context.Context, req ports.GenerateRequest) (*ports.GenerationResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	caller := CallerOf(req)

	g.mu.Lock()
	g.calls[caller] = append(g.calls[caller], req)
	var (
		resp Response
		ok   bool
	)
	if q := g.queues[caller]; len(q) > 0 {
		resp, g.queues[caller], ok = q[0], q[1:], true
	} else {
		resp, ok = g.defaults[caller]
	}
	g.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("scripted generator: no response for %s", caller)
	}
	if resp.Err != nil {
		return nil, resp.Err
	}
	model := req.ModelID
	if model == "" {
		model = "scripted"
	}
	return &ports.GenerationResult{
		Text:          resp.Text,
		Model:         model,
		InputTokens:   len(strings.Fields(req.SystemPrompt + " " + req.UserInput)),
		OutputTokens:  len(strings.Fields(resp.Text)),
		LatencyMs:     5,
		EstimatedCost: resp.Cost,
	}, nil
}
