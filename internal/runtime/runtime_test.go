package runtime

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tjfontaine/autonomic-gateway/internal/adapters/events/direct"
	"github.com/tjfontaine/autonomic-gateway/internal/core/domain"
	"github.com/tjfontaine/autonomic-gateway/internal/gateway"
	"github.com/tjfontaine/autonomic-gateway/internal/pkg/config"
	"github.com/tjfontaine/autonomic-gateway/internal/seed"
	"github.com/tjfontaine/autonomic-gateway/internal/server"
	"github.com/tjfontaine/autonomic-gateway/internal/testutil"
)

// stubConfig serves a fixed config and forwards whatever is sent on updates
// to the watcher.
type stubConfig struct {
	cfg     *config.Config
	updates chan *config.Config
}

func newStubConfig(t *testing.T, roles ...string) *stubConfig {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	cfg.Storage.Type = "memory"
	cfg.Events.Type = "direct"
	if len(roles) > 0 {
		cfg.Roles = roles
	}
	return &stubConfig{cfg: cfg, updates: make(chan *config.Config, 1)}
}

func (s *stubConfig) Load(context.Context) (*config.Config, error) { return s.cfg, nil }

func (s *stubConfig) Watch(ctx context.Context, onChange func(*config.Config)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cfg := <-s.updates:
			onChange(cfg)
		}
	}
}

func (s *stubConfig) Close() error { return nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startRuntime(t *testing.T, opts ...Option) *Runtime {
	t.Helper()
	rt, err := New(append([]Option{WithLogger(discardLogger()), WithoutListener()}, opts...)...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { _ = rt.Shutdown(context.Background()) })
	return rt
}

func TestNew_RequiresConfigProvider(t *testing.T) {
	_, err := New()
	if err == nil {
		t.Fatal("Expected error without config provider")
	}
	if err.Error() != "config provider required (use WithFileConfig or WithConfigProvider)" {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestStart_SeedsEmptyStore(t *testing.T) {
	rt := startRuntime(t, WithConfigProvider(newStubConfig(t)), WithGenerator(testutil.NewScriptedGenerator()))

	ptr, err := rt.Deps().Store.GetPointer(context.Background(), seed.DefaultFamily)
	if err != nil {
		t.Fatalf("GetPointer failed: %v", err)
	}
	if ptr.ActiveConfigID != "carsalesman101_v1" {
		t.Errorf("ActiveConfigID = %q, want carsalesman101_v1", ptr.ActiveConfigID)
	}
}

func TestStart_RolesOverride(t *testing.T) {
	rt := startRuntime(t,
		WithConfigProvider(newStubConfig(t)),
		WithGenerator(testutil.NewScriptedGenerator()),
		WithRoles("auditor", "refiner"),
	)

	rec := httptest.NewRecorder()
	rt.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/chat",
		strings.NewReader(`{"chat_id":"c","agent_id":"carsalesman101","user_message":"hi"}`)))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("chat on a worker-only process: status %d, want 503", rec.Code)
	}

	rec = httptest.NewRecorder()
	rt.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	var health server.HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if strings.Join(health.Roles, ",") != "auditor,refiner" {
		t.Errorf("roles = %v", health.Roles)
	}
}

func TestStart_RejectsUnknownRole(t *testing.T) {
	rt, err := New(WithLogger(discardLogger()), WithoutListener(),
		WithConfigProvider(newStubConfig(t)),
		WithGenerator(testutil.NewScriptedGenerator()),
		WithRoles("janitor"))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := rt.Start(context.Background()); err == nil {
		t.Error("Expected unknown role to fail Start")
	}
}

// TestRuntime_SelfHeals drives one failing turn through every role in a
// single process and checks that the fix is live afterwards.
func TestRuntime_SelfHeals(t *testing.T) {
	gen := testutil.NewScriptedGenerator()
	gen.Push(testutil.CallerAgent, testutil.Reply("We have cars."))
	gen.Push(testutil.CallerAuditor, testutil.Verdict("FAIL", "did not ask for contact details", "HIGH"))
	gen.Push(testutil.CallerRefiner, testutil.Rewrite("PROTOCOL 1: Always be polite.", "PROTOCOL 2: Always ask for an email address."))
	bus := direct.New(direct.WithRedeliveryDelay(time.Millisecond))

	stub := newStubConfig(t)
	stub.cfg.Generation.JudgeModel = "gemini-2.5-pro"
	rt := startRuntime(t, WithConfigProvider(stub), WithGenerator(gen), WithEventBus(bus))

	rec := httptest.NewRecorder()
	rt.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/chat",
		strings.NewReader(`{"chat_id":"chat-rt","agent_id":"carsalesman101","user_message":"Is Model Y available?"}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("chat status %d: %s", rec.Code, rec.Body.String())
	}
	var resp gateway.TurnResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ConfigID != "carsalesman101_v1" || !resp.AuditQueued {
		t.Errorf("response = %+v", resp)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := bus.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}

	store := rt.Deps().Store
	ptr, err := store.GetPointer(context.Background(), seed.DefaultFamily)
	if err != nil {
		t.Fatalf("GetPointer failed: %v", err)
	}
	if ptr.ActiveConfigID != "carsalesman101_v2" {
		t.Fatalf("ActiveConfigID = %q, want carsalesman101_v2", ptr.ActiveConfigID)
	}
	v2, err := store.GetAgent(context.Background(), "carsalesman101_v2")
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}
	if v2.DeploymentState != domain.DeploymentActive {
		t.Errorf("v2 state = %s, want ACTIVE", v2.DeploymentState)
	}

	for _, caller := range []testutil.Caller{testutil.CallerAuditor, testutil.CallerRefiner, testutil.CallerPerformance, testutil.CallerCompliance} {
		calls := gen.Calls(caller)
		if len(calls) == 0 {
			t.Errorf("no %s calls", caller)
			continue
		}
		if calls[0].ModelID != "gemini-2.5-pro" {
			t.Errorf("%s model = %q, want the judge model", caller, calls[0].ModelID)
		}
	}
	for _, call := range gen.Calls(testutil.CallerAgent) {
		if call.ModelID != "gemini-2.5-flash" {
			t.Errorf("agent model = %q, want the config's model", call.ModelID)
		}
	}
}

func TestRuntime_ReloadUpdatesPricing(t *testing.T) {
	stub := newStubConfig(t)
	stub.cfg.Generation.Pricing = []config.PricingConfig{{Model: "gemini-2.5-flash", InputPerMillion: 1, OutputPerMillion: 2}}
	rt := startRuntime(t, WithConfigProvider(stub))

	if got := rt.pricing.Lookup("gemini-2.5-flash").InputPerMillion; got != 1 {
		t.Fatalf("initial input price = %v, want 1", got)
	}

	next := *stub.cfg
	next.Generation.Pricing = []config.PricingConfig{{Model: "gemini-2.5-flash", InputPerMillion: 3, OutputPerMillion: 4}}
	stub.updates <- &next

	deadline := time.Now().Add(5 * time.Second)
	for rt.pricing.Lookup("gemini-2.5-flash").InputPerMillion != 3 {
		if time.Now().After(deadline) {
			t.Fatal("pricing was not reloaded")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if roles := rt.Config().Roles; len(roles) != 1 || roles[0] != config.RoleAll {
		t.Errorf("roles after reload = %v", roles)
	}
}
