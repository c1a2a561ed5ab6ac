package procadapter

import (
	"context"

	"github.com/brennhill/devhostd/internal/errs"
	"github.com/brennhill/devhostd/internal/types"
)

// Router dispatches Spawn to the native or container backend by
// Spec.Backend, so the Supervisor can hold a single Adapter regardless
// of which backend a given session picked.
type Router struct {
	Native    Adapter
	Container Adapter // nil if the container backend could not be constructed (no Docker engine reachable)
}

// Spawn implements Adapter.
func (r *Router) Spawn(ctx context.Context, spec Spec) (Handle, *errs.Error) {
	switch spec.Backend {
	case types.BackendContainer:
		if r.Container == nil {
			return nil, errs.New(errs.KindSpawnError, "container backend unavailable").
				WithSub(errs.SubExecutableNotFound)
		}
		return r.Container.Spawn(ctx, spec)
	default:
		return r.Native.Spawn(ctx, spec)
	}
}
