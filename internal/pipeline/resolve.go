package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/tjfontaine/autonomic-gateway/internal/core/domain"
	"github.com/tjfontaine/autonomic-gateway/internal/core/ports"
)

// ConfigReader is the part of the store resolution needs.
type ConfigReader interface {
	ports.AgentStore
	ports.PointerStore
}

// ResolveActive follows the family's pointer to the config it names. A
// missing pointer or config is a resolution error; other store failures are
// returned as they are so the caller can retry.
func ResolveActive(ctx context.Context, store ConfigReader, familyID string) (*domain.VersionPointer, *domain.AgentConfig, error) {
	ptr, err := store.GetPointer(ctx, familyID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil, domain.ErrResolution(fmt.Sprintf("no version pointer for agent family %q", familyID), err)
		}
		return nil, nil, fmt.Errorf("read pointer %s: %w", familyID, err)
	}

	cfg, err := store.GetAgent(ctx, ptr.ActiveConfigID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil, domain.ErrResolution(
				fmt.Sprintf("pointer %s names missing config %q", familyID, ptr.ActiveConfigID), err)
		}
		return nil, nil, fmt.Errorf("read config %s: %w", ptr.ActiveConfigID, err)
	}
	return ptr, cfg, nil
}

// ResolveAgent loads the config an agent id names. A config id such as
// "carsalesman101_v2" is loaded directly; a bare family id goes through the
// pointer.
func ResolveAgent(ctx context.Context, store ConfigReader, agentID string) (*domain.AgentConfig, error) {
	if _, _, ok := domain.ParseConfigID(agentID); ok {
		cfg, err := store.GetAgent(ctx, agentID)
		if err == nil {
			return cfg, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("read config %s: %w", agentID, err)
		}
		return nil, domain.ErrResolution(fmt.Sprintf("config %q does not exist", agentID), err)
	}

	_, cfg, err := ResolveActive(ctx, store, agentID)
	return cfg, err
}

// LoadChat reads a chat. A missing chat is a resolution error.
func LoadChat(ctx context.Context, store ports.ChatStore, chatID string) (*domain.ChatSession, error) {
	chat, err := store.GetChat(ctx, chatID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, domain.ErrResolution(fmt.Sprintf("chat %q not found", chatID), err)
		}
		return nil, fmt.Errorf("read chat %s: %w", chatID, err)
	}
	return chat, nil
}
