// Package ports defines the interfaces the workflow stages depend on.
// Adapters under internal/adapters and internal/storage implement them.
package ports

import (
	"context"

	"github.com/tjfontaine/autonomic-gateway/internal/core/domain"
)

// AgentStore holds versioned agent configs keyed by config id.
type AgentStore interface {
	// GetAgent returns the config or an error wrapping domain.ErrNotFound.
	GetAgent(ctx context.Context, configID string) (*domain.AgentConfig, error)

	// CreateAgent stores a new version. It fails with domain.ErrAlreadyExists
	// when the config id is taken, which keeps versions unique per family.
	CreateAgent(ctx context.Context, cfg *domain.AgentConfig) error

	// SetDeploymentState flips the lifecycle flag of an existing version.
	SetDeploymentState(ctx context.Context, configID string, state domain.DeploymentState) error

	// ListAgentVersions returns every version of a family, oldest first.
	ListAgentVersions(ctx context.Context, familyID string) ([]*domain.AgentConfig, error)

	// MaxVersion returns the highest stored version of a family, or 0.
	MaxVersion(ctx context.Context, familyID string) (int, error)
}

// PointerStore holds the active-version pointer of each family.
type PointerStore interface {
	GetPointer(ctx context.Context, familyID string) (*domain.VersionPointer, error)

	// SetPointer unconditionally writes a pointer. Used by seeding.
	SetPointer(ctx context.Context, ptr *domain.VersionPointer) error

	// PromotePointer moves the pointer to next in a single write. When
	// expectedVersion is non-zero the write only applies if the stored
	// current version still equals it, otherwise domain.ErrConflict is
	// returned. Zero means last writer wins.
	PromotePointer(ctx context.Context, next *domain.VersionPointer, expectedVersion int) error
}

// ChatStore holds chat sessions.
type ChatStore interface {
	GetChat(ctx context.Context, chatID string) (*domain.ChatSession, error)

	// AppendTurns atomically appends turns to the history, creating the
	// session if needed and refreshing its metadata. Concurrent appends never
	// lose turns.
	AppendTurns(ctx context.Context, chatID string, meta domain.ChatMetadata, turns ...domain.Turn) error

	// SetAuditResult overwrites the latest verdict of a chat.
	SetAuditResult(ctx context.Context, chatID string, result *domain.AuditResult) error
}

// EventStore keeps the per-chat workflow event log.
type EventStore interface {
	AppendWorkflowEvent(ctx context.Context, event *domain.WorkflowEvent) error
	ListWorkflowEvents(ctx context.Context, chatID string) ([]*domain.WorkflowEvent, error)
}

// FeedbackStore records end-user ratings.
type FeedbackStore interface {
	// RecordFeedback stores the rating and updates the per-version counters.
	// A rating whose ID is already stored changes nothing and returns
	// domain.ErrAlreadyExists.
	RecordFeedback(ctx context.Context, fb *domain.Feedback) error
	GetAgentStats(ctx context.Context, configID string) (*domain.AgentStats, error)
}

// StorageProvider is the full persistence surface.
type StorageProvider interface {
	AgentStore
	PointerStore
	ChatStore
	EventStore
	FeedbackStore

	// Reset deletes every record and returns how many were removed.
	Reset(ctx context.Context) (int, error)

	Close() error
}
