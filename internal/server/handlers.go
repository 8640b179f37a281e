package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/autonomic-gateway/internal/core/domain"
	"github.com/tjfontaine/autonomic-gateway/internal/feedback"
	"github.com/tjfontaine/autonomic-gateway/internal/gateway"
	"github.com/tjfontaine/autonomic-gateway/internal/pipeline"
	"github.com/tjfontaine/autonomic-gateway/internal/seed"
)

// TurnHandler serves chat turns.
type TurnHandler interface {
	HandleTurn(ctx context.Context, req gateway.TurnRequest) (*gateway.TurnResponse, error)
}

// API is what the HTTP handlers call into.
type API struct {
	// Gateway is nil when this process does not run the gateway role.
	Gateway TurnHandler
	Deps    *pipeline.Deps
	// Seed is re-applied by /admin/reset.
	Seed  *seed.Document
	Roles []string
}

func (a *API) handleChat(w http.ResponseWriter, r *http.Request) {
	if a.Gateway == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorBody{Error: ErrorDetail{
			Type: "unavailable", Message: "gateway role is not enabled", RequestID: GetRequestID(r.Context()),
		}})
		return
	}
	var req gateway.TurnRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	AddLogField(r.Context(), "chat_id", req.ChatID)
	AddLogField(r.Context(), "agent_id", req.AgentFamilyID)

	resp, err := a.Gateway.HandleTurn(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	AddLogField(r.Context(), "config_id", resp.ConfigID)
	SetUsage(r.Context(), &UsageInfo{
		ConfigID:    resp.ConfigID,
		Version:     resp.Version,
		LatencyMs:   resp.LatencyMs,
		CostUSD:     resp.Cost,
		AuditQueued: resp.AuditQueued,
	})
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var job domain.FeedbackJob
	if err := decodeJSON(w, r, &job); err != nil {
		writeError(w, r, err)
		return
	}
	AddLogField(r.Context(), "chat_id", job.ChatID)
	if err := feedback.Submit(r.Context(), a.Deps, job); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (a *API) handleGetChat(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	chat, err := a.Deps.Store.GetChat(r.Context(), chatID)
	if err != nil {
		writeError(w, r, notFound(err, "chat %q not found", chatID))
		return
	}
	writeJSON(w, http.StatusOK, chat)
}

// EventsResponse lists a chat's workflow events, oldest first.
type EventsResponse struct {
	ChatID string                  `json:"chat_id"`
	Events []*domain.WorkflowEvent `json:"events"`
}

func (a *API) handleChatEvents(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	events, err := a.Deps.Store.ListWorkflowEvents(r.Context(), chatID)
	if err != nil {
		writeError(w, r, fmt.Errorf("list events of %s: %w", chatID, err))
		return
	}
	if events == nil {
		events = []*domain.WorkflowEvent{}
	}
	writeJSON(w, http.StatusOK, EventsResponse{ChatID: chatID, Events: events})
}

// AgentVersion is one stored version with its feedback counters.
type AgentVersion struct {
	*domain.AgentConfig
	Stats *domain.AgentStats `json:"stats,omitempty"`
}

// AgentResponse describes a family: where its pointer is and every version.
type AgentResponse struct {
	Pointer  *domain.VersionPointer `json:"pointer"`
	Versions []AgentVersion         `json:"versions"`
}

func (a *API) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	familyID := chi.URLParam(r, "familyID")

	ptr, err := a.Deps.Store.GetPointer(ctx, familyID)
	if err != nil {
		writeError(w, r, notFound(err, "agent family %q not found", familyID))
		return
	}
	versions, err := a.Deps.Store.ListAgentVersions(ctx, familyID)
	if err != nil {
		writeError(w, r, fmt.Errorf("list versions of %s: %w", familyID, err))
		return
	}

	resp := AgentResponse{Pointer: ptr, Versions: make([]AgentVersion, 0, len(versions))}
	for _, v := range versions {
		stats, err := a.Deps.Store.GetAgentStats(ctx, v.ConfigID)
		if err != nil {
			a.Deps.Log().Warn("could not read agent stats",
				slog.String("config_id", v.ConfigID),
				slog.String("error", err.Error()))
			stats = nil
		}
		resp.Versions = append(resp.Versions, AgentVersion{AgentConfig: v, Stats: stats})
	}
	writeJSON(w, http.StatusOK, resp)
}

// ResetResponse reports what /admin/reset did.
type ResetResponse struct {
	Status       string   `json:"status"`
	DocsDeleted  int      `json:"docs_deleted"`
	SeededFamily []string `json:"seeded_families"`
}

func (a *API) handleReset(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	a.Deps.Log().Warn("resetting store", slog.String("request_id", GetRequestID(ctx)))

	doc := a.Seed
	if doc == nil {
		doc = seed.Default()
	}
	deleted, err := doc.Reset(ctx, a.Deps.Store, a.Deps.Now())
	if err != nil {
		writeError(w, r, fmt.Errorf("reset: %w", err))
		return
	}

	families := make([]string, 0, len(doc.Families))
	for _, f := range doc.Families {
		families = append(families, f.FamilyID)
	}
	a.Deps.Record(ctx, pipeline.Event(string(domain.ComponentSystem), domain.ComponentSystem, domain.LevelSuccess,
		fmt.Sprintf("reset complete: deleted %d records and re-seeded", deleted)))
	writeJSON(w, http.StatusOK, ResetResponse{Status: "success", DocsDeleted: deleted, SeededFamily: families})
}

// HealthResponse is the /healthz body.
type HealthResponse struct {
	Status string   `json:"status"`
	Roles  []string `json:"roles"`
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	roles := a.Roles
	if roles == nil {
		roles = []string{}
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Roles: roles})
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, domain.ErrNotFound) {
		return domain.ErrMissing(fmt.Sprintf(format, args...))
	}
	return err
}
