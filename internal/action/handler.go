package action

import (
	"context"

	"github.com/scrivanolabs/scrivano/internal/record"
)

// Handler executes one capability on behalf of claimed actions. Handlers
// should be idempotent with respect to their params where the external
// system allows it. Where it does not, such as sending a message, a retry
// after an ambiguous failure may duplicate the side effect.
type Handler interface {
	// Type returns the action type this handler serves.
	Type() Type

	// Execute performs the capability against the record using the
	// already materialized params. The returned payload is persisted as
	// the action's result on success. The context carries the per
	// execution timeout.
	Execute(ctx context.Context, rec record.Record,
		params map[string]string) (map[string]any, error)
}

// Registry maps action types to their handlers.
type Registry map[Type]Handler

// NewRegistry builds a registry from the passed handlers.
func NewRegistry(handlers ...Handler) Registry {
	reg := make(Registry, len(handlers))
	for _, h := range handlers {
		reg[h.Type()] = h
	}

	return reg
}
