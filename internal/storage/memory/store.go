// Package memory is an in-process implementation of the storage ports with
// the same semantics as the SQL store. Values are copied on the way in and
// out so callers never share state with the store.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tjfontaine/autonomic-gateway/internal/core/domain"
	"github.com/tjfontaine/autonomic-gateway/internal/core/ports"
)

// Store is an in-memory implementation of ports.StorageProvider.
type Store struct {
	mu       sync.RWMutex
	agents   map[string]*domain.AgentConfig
	pointers map[string]domain.VersionPointer
	chats    map[string]*domain.ChatSession
	events   map[string][]domain.WorkflowEvent
	feedback []domain.Feedback
	stats    map[string]domain.AgentStats
	now      func() time.Time
}

var _ ports.StorageProvider = (*Store)(nil)

// New creates a new in-memory store.
func New() *Store {
	s := &Store{now: func() time.Time { return time.Now().UTC() }}
	s.clear()
	return s
}

func (s *Store) clear() {
	s.agents = make(map[string]*domain.AgentConfig)
	s.pointers = make(map[string]domain.VersionPointer)
	s.chats = make(map[string]*domain.ChatSession)
	s.events = make(map[string][]domain.WorkflowEvent)
	s.feedback = nil
	s.stats = make(map[string]domain.AgentStats)
}

func (s *Store) GetAgent(ctx context.Context, configID string) (*domain.AgentConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cfg, ok := s.agents[configID]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", configID, domain.ErrNotFound)
	}
	return cfg.Clone(), nil
}

func (s *Store) CreateAgent(ctx context.Context, cfg *domain.AgentConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.agents[cfg.ConfigID]; exists {
		return fmt.Errorf("agent %s: %w", cfg.ConfigID, domain.ErrAlreadyExists)
	}
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = s.now()
	}
	s.agents[cfg.ConfigID] = cfg.Clone()
	return nil
}

func (s *Store) SetDeploymentState(ctx context.Context, configID string, state domain.DeploymentState) error {
	if !state.Valid() {
		return fmt.Errorf("unknown deployment state %q", state)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cfg, ok := s.agents[configID]
	if !ok {
		return fmt.Errorf("agent %s: %w", configID, domain.ErrNotFound)
	}
	cfg.DeploymentState = state
	return nil
}

func (s *Store) ListAgentVersions(ctx context.Context, familyID string) ([]*domain.AgentConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.AgentConfig
	for _, cfg := range s.agents {
		if cfg.AgentFamilyID == familyID {
			out = append(out, cfg.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (s *Store) MaxVersion(ctx context.Context, familyID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	max := 0
	for _, cfg := range s.agents {
		if cfg.AgentFamilyID == familyID && cfg.Version > max {
			max = cfg.Version
		}
	}
	return max, nil
}

func (s *Store) GetPointer(ctx context.Context, familyID string) (*domain.VersionPointer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ptr, ok := s.pointers[familyID]
	if !ok {
		return nil, fmt.Errorf("pointer %s: %w", familyID, domain.ErrNotFound)
	}
	return &ptr, nil
}

func (s *Store) SetPointer(ctx context.Context, ptr *domain.VersionPointer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ptr.LastUpdated.IsZero() {
		ptr.LastUpdated = s.now()
	}
	s.pointers[ptr.FamilyID] = *ptr
	return nil
}

func (s *Store) PromotePointer(ctx context.Context, next *domain.VersionPointer, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.pointers[next.FamilyID]
	if !ok {
		if expectedVersion > 0 {
			return fmt.Errorf("pointer %s moved from version %d: %w", next.FamilyID, expectedVersion, domain.ErrConflict)
		}
		return fmt.Errorf("pointer %s: %w", next.FamilyID, domain.ErrNotFound)
	}
	if expectedVersion > 0 && cur.CurrentVersion != expectedVersion {
		return fmt.Errorf("pointer %s moved from version %d: %w", next.FamilyID, expectedVersion, domain.ErrConflict)
	}
	if next.LastUpdated.IsZero() {
		next.LastUpdated = s.now()
	}
	s.pointers[next.FamilyID] = *next
	return nil
}

func (s *Store) GetChat(ctx context.Context, chatID string) (*domain.ChatSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chat, ok := s.chats[chatID]
	if !ok {
		return nil, fmt.Errorf("chat %s: %w", chatID, domain.ErrNotFound)
	}
	return copyChat(chat), nil
}

func (s *Store) AppendTurns(ctx context.Context, chatID string, meta domain.ChatMetadata, turns ...domain.Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if meta.LastActive.IsZero() {
		meta.LastActive = now
	}
	chat, ok := s.chats[chatID]
	if !ok {
		chat = &domain.ChatSession{ChatID: chatID}
		s.chats[chatID] = chat
	}
	chat.Metadata = meta
	for _, turn := range turns {
		if turn.Timestamp.IsZero() {
			turn.Timestamp = now
		}
		if turn.Metrics != nil {
			m := *turn.Metrics
			turn.Metrics = &m
		}
		chat.History = append(chat.History, turn)
	}
	return nil
}

func (s *Store) SetAuditResult(ctx context.Context, chatID string, result *domain.AuditResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	chat, ok := s.chats[chatID]
	if !ok {
		return fmt.Errorf("chat %s: %w", chatID, domain.ErrNotFound)
	}
	if result.Timestamp.IsZero() {
		result.Timestamp = s.now()
	}
	r := *result
	chat.AuditResult = &r
	return nil
}

func (s *Store) AppendWorkflowEvent(ctx context.Context, event *domain.WorkflowEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = s.now()
	}
	ev := *event
	if event.Metadata != nil {
		ev.Metadata = make(map[string]string, len(event.Metadata))
		for k, v := range event.Metadata {
			ev.Metadata[k] = v
		}
	}
	s.events[event.ChatID] = append(s.events[event.ChatID], ev)
	return nil
}

func (s *Store) ListWorkflowEvents(ctx context.Context, chatID string) ([]*domain.WorkflowEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.events[chatID]
	out := make([]*domain.WorkflowEvent, 0, len(stored))
	for i := range stored {
		ev := stored[i]
		out = append(out, &ev)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) RecordFeedback(ctx context.Context, fb *domain.Feedback) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, stored := range s.feedback {
		if stored.ID == fb.ID {
			return fmt.Errorf("feedback %s: %w", fb.ID, domain.ErrAlreadyExists)
		}
	}
	if fb.CreatedAt.IsZero() {
		fb.CreatedAt = s.now()
	}
	s.feedback = append(s.feedback, *fb)

	stats := s.stats[fb.AgentVersionID]
	stats.ConfigID = fb.AgentVersionID
	switch {
	case fb.Positive():
		stats.Likes++
	case fb.Negative():
		stats.Dislikes++
	default:
		return nil
	}
	s.stats[fb.AgentVersionID] = stats
	return nil
}

func (s *Store) GetAgentStats(ctx context.Context, configID string) (*domain.AgentStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := s.stats[configID]
	stats.ConfigID = configID
	return &stats, nil
}

// Reset removes every record and returns how many were removed. Chat turns
// count individually.
func (s *Store) Reset(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.agents) + len(s.pointers) + len(s.feedback) + len(s.stats)
	for _, chat := range s.chats {
		n += 1 + len(chat.History)
	}
	for _, evs := range s.events {
		n += len(evs)
	}
	s.clear()
	return n, nil
}

func (s *Store) Close() error {
	return nil
}

func copyChat(c *domain.ChatSession) *domain.ChatSession {
	out := &domain.ChatSession{
		ChatID:   c.ChatID,
		Metadata: c.Metadata,
		History:  make([]domain.Turn, len(c.History)),
	}
	copy(out.History, c.History)
	if c.AuditResult != nil {
		r := *c.AuditResult
		out.AuditResult = &r
	}
	return out
}
