package evaluator_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/autonomic-gateway/internal/auditor"
	"github.com/tjfontaine/autonomic-gateway/internal/core/domain"
	"github.com/tjfontaine/autonomic-gateway/internal/evaluator"
	"github.com/tjfontaine/autonomic-gateway/internal/gateway"
	"github.com/tjfontaine/autonomic-gateway/internal/pipeline/pipelinetest"
	"github.com/tjfontaine/autonomic-gateway/internal/refiner"
	"github.com/tjfontaine/autonomic-gateway/internal/seed"
	tu "github.com/tjfontaine/autonomic-gateway/internal/testutil"
)

const acmeSeed = `
families:
  - family_id: acme
    metadata:
      name: Acme Concierge
    model_settings:
      model_id: gemini-2.5-flash
      temperature: 0.2
      max_output_tokens: 400
    prompt_spec:
      persona:
        role: Sales Assistant
        tone: Friendly
      objectives:
        - Sell anvils.
      operational_guidelines:
        - Be polite.
    resources:
      knowledge_base_text: "INVENTORY: Anvil (3 in stock)."
    rules:
      compliance_rules:
        - "FAIL if the agent does not ask for an email address."
      quality_rubric:
        - "Was the response concise?"
`

type workflow struct {
	h       *pipelinetest.Harness
	gateway *gateway.Service
}

func newWorkflow(t *testing.T) *workflow {
	t.Helper()
	h := pipelinetest.New(t)
	doc, err := seed.Parse([]byte(acmeSeed))
	require.NoError(t, err)
	require.NoError(t, doc.Apply(context.Background(), h.Store, pipelinetest.Epoch))

	a, err := auditor.New(h.Deps)
	require.NoError(t, err)
	r, err := refiner.New(h.Deps)
	require.NoError(t, err)
	e, err := evaluator.New(h.Deps)
	require.NoError(t, err)
	h.Start(a, r, e)

	gw, err := gateway.New(h.Deps)
	require.NoError(t, err)
	return &workflow{h: h, gateway: gw}
}

func (w *workflow) turn(t *testing.T, chatID, msg string) *gateway.TurnResponse {
	t.Helper()
	resp, err := w.gateway.HandleTurn(context.Background(), gateway.TurnRequest{
		ChatID: chatID, AgentFamilyID: "acme", UserMessage: msg,
	})
	require.NoError(t, err)
	w.h.Drain()
	return resp
}

func (w *workflow) states(t *testing.T) map[int]domain.DeploymentState {
	t.Helper()
	versions, err := w.h.Store.ListAgentVersions(context.Background(), "acme")
	require.NoError(t, err)
	out := make(map[int]domain.DeploymentState, len(versions))
	for _, v := range versions {
		out[v.Version] = v.DeploymentState
	}
	return out
}

func (w *workflow) pointer(t *testing.T) *domain.VersionPointer {
	t.Helper()
	ptr, err := w.h.Store.GetPointer(context.Background(), "acme")
	require.NoError(t, err)
	return ptr
}

func TestWorkflow_SecondRefinementIsPromoted(t *testing.T) {
	w := newWorkflow(t)
	gen := w.h.Gen
	gen.Push(tu.CallerAgent, tu.Reply("We have anvils!"))
	gen.Push(tu.CallerAuditor, tu.Verdict("FAIL", "missing email ask", "HIGH"))
	gen.Push(tu.CallerRefiner,
		tu.Rewrite("Be polite.", "Mention stock levels."),
		tu.Rewrite("Be polite.", "Always ask for the customer's email address."),
	)
	gen.Push(tu.CallerPerformance,
		tu.Verdict("FAIL", "replay still lacks an email ask", ""),
		tu.Pass(),
	)

	resp := w.turn(t, "chat-acme", "Do you sell anvils?")
	assert.Equal(t, "acme_v1", resp.ConfigID)

	ptr := w.pointer(t)
	assert.Equal(t, "acme_v3", ptr.ActiveConfigID)
	assert.Equal(t, 3, ptr.CurrentVersion)
	assert.Equal(t, map[int]domain.DeploymentState{
		1: domain.DeploymentArchived,
		2: domain.DeploymentTestCandidate,
		3: domain.DeploymentActive,
	}, w.states(t))

	refines := gen.Calls(tu.CallerRefiner)
	require.Len(t, refines, 2)
	assert.Contains(t, refines[0].UserInput, "missing email ask")
	assert.Contains(t, refines[1].UserInput, "Performance Check Failed: replay still lacks an email ask",
		"the retry targets the evaluator's reason")

	v3, err := w.h.Store.GetAgent(context.Background(), "acme_v3")
	require.NoError(t, err)
	assert.Equal(t, []string{"FAIL if the agent does not ask for an email address."}, v3.Rules.ComplianceRules)

	next := w.turn(t, "chat-new", "Do you sell anvils?")
	assert.Equal(t, "acme_v3", next.ConfigID, "the gateway serves the promoted version")
}

func TestWorkflow_GivesUpAtDepthBound(t *testing.T) {
	w := newWorkflow(t)
	gen := w.h.Gen
	gen.Push(tu.CallerAuditor, tu.Verdict("FAIL", "missing email ask", "HIGH"))
	gen.SetDefault(tu.CallerRefiner, tu.Rewrite("Try harder."))
	gen.SetDefault(tu.CallerPerformance, tu.Verdict("FAIL", "still no email ask", ""))

	w.turn(t, "chat-stuck", "Do you sell anvils?")

	assert.Equal(t, "acme_v1", w.pointer(t).ActiveConfigID, "nothing is promoted")
	assert.Equal(t, map[int]domain.DeploymentState{
		1: domain.DeploymentActive,
		2: domain.DeploymentTestCandidate,
		3: domain.DeploymentTestCandidate,
	}, w.states(t))
	assert.Len(t, gen.Calls(tu.CallerRefiner), 2, "a failure at depth 1 is sent to the refiner, which stops at the bound")

	var loop *domain.WorkflowEvent
	for _, ev := range w.h.Events("chat-stuck") {
		if ev.Level == domain.LevelCritical && ev.Metadata["alert_kind"] == string(domain.AlertLoopDetected) {
			loop = ev
		}
		if ev.Component == domain.ComponentEvaluator && ev.State == domain.StateRefining {
			assert.LessOrEqual(t, ev.Depth, domain.MaxRefinementDepth)
		}
	}
	require.NotNil(t, loop, "the loop alert is raised")
	assert.Equal(t, "missing email ask", loop.Metadata["audit_reason"])
	assert.Equal(t, "Performance Check Failed: still no email ask", loop.Metadata["evaluator_reason"])

	// The chat stays audit-suppressed until someone resolves it.
	resp, err := w.gateway.HandleTurn(context.Background(), gateway.TurnRequest{
		ChatID: "chat-stuck", AgentFamilyID: "acme", UserMessage: "Hello?",
	})
	require.NoError(t, err)
	assert.False(t, resp.AuditQueued)
	assert.Len(t, gen.Calls(tu.CallerAuditor), 1)
}

func TestWorkflow_PassingAuditEndsTheFlow(t *testing.T) {
	w := newWorkflow(t)

	w.turn(t, "chat-ok", "Do you sell anvils?")

	assert.Len(t, w.h.Gen.Calls(tu.CallerAuditor), 1)
	assert.Empty(t, w.h.Gen.Calls(tu.CallerRefiner))
	assert.Equal(t, "acme_v1", w.pointer(t).ActiveConfigID)
}
