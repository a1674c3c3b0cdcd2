package syncer

import (
	"context"

	"github.com/apiary-io/apiary/pkg/types"
)

// Adapter lands pulled changes of one entity type in local storage.
type Adapter interface {
	EntityType() types.EntityType
	Apply(ctx context.Context, entry *types.ChangeLogEntry) error
}

type funcAdapter struct {
	entityType types.EntityType
	apply      func(ctx context.Context, entry *types.ChangeLogEntry) error
}

// NewAdapter binds an entity type to an apply function, usually a
// registry's ApplyChange method.
func NewAdapter(entityType types.EntityType, apply func(ctx context.Context, entry *types.ChangeLogEntry) error) Adapter {
	return &funcAdapter{entityType: entityType, apply: apply}
}

func (a *funcAdapter) EntityType() types.EntityType {
	return a.entityType
}

func (a *funcAdapter) Apply(ctx context.Context, entry *types.ChangeLogEntry) error {
	return a.apply(ctx, entry)
}
