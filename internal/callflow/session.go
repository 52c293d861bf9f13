package callflow

import (
	"context"
	"fmt"
)

// RoleSource reads the persisted role flag for a user.
type RoleSource interface {
	RoleFor(ctx context.Context, userID string) (Role, error)
}

// Open reads the user's role once and creates a coordinator for it. Any Role already set
// in cfg is overwritten.
func Open(ctx context.Context, roles RoleSource, userID string, cfg Config) (*Coordinator, error) {
	role, err := roles.RoleFor(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("read role for %s: %w", userID, err)
	}
	cfg.Role = role
	return NewCoordinator(cfg)
}
