// Package cancel maps request ids to cancel handles for in-flight calls.
package cancel

import (
	"context"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/pario-ai/cupid/pkg/apierr"
)

// Handle is the cancel handle of one in-flight request. Its context is the
// one the request must run under.
type Handle struct {
	id     string
	ctx    context.Context
	cancel context.CancelCauseFunc
}

// ID returns the request id the handle is registered under.
func (h *Handle) ID() string { return h.id }

// Context is done once the request is cancelled or released.
func (h *Handle) Context() context.Context { return h.ctx }

// Registry is the arena of live handles keyed by request id.
type Registry struct {
	handles *xsync.Map[string, *Handle]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handles: xsync.NewMap[string, *Handle]()}
}

// Create registers a handle derived from parent. An empty id is replaced by a
// generated one. Registering an id that is still live cancels the previous
// handle and takes its slot.
func (r *Registry) Create(parent context.Context, id string) *Handle {
	if id == "" {
		id = uuid.NewString()
	}
	ctx, cancel := context.WithCancelCause(parent)
	h := &Handle{id: id, ctx: ctx, cancel: cancel}
	r.handles.Compute(id, func(old *Handle, loaded bool) (*Handle, xsync.ComputeOp) {
		if loaded {
			old.cancel(apierr.ErrCancelled)
		}
		return h, xsync.UpdateOp
	})
	return h
}

// Cancel aborts the request registered under id. It returns false when no
// live request has that id, so a second call is a no-op.
func (r *Registry) Cancel(id string) bool {
	cancelled := false
	r.handles.Compute(id, func(old *Handle, loaded bool) (*Handle, xsync.ComputeOp) {
		if !loaded {
			return old, xsync.CancelOp
		}
		old.cancel(apierr.ErrCancelled)
		cancelled = true
		return old, xsync.DeleteOp
	})
	return cancelled
}

// Cleanup releases h once its request has terminated. The slot is only freed
// if it still holds h, so a newer handle under the same id is left alone.
func (r *Registry) Cleanup(h *Handle) {
	if h == nil {
		return
	}
	r.handles.Compute(h.id, func(cur *Handle, loaded bool) (*Handle, xsync.ComputeOp) {
		if loaded && cur == h {
			return cur, xsync.DeleteOp
		}
		return cur, xsync.CancelOp
	})
	h.cancel(context.Canceled)
}

// CancelAll aborts every live request and returns how many were cancelled.
func (r *Registry) CancelAll() int {
	var ids []string
	r.handles.Range(func(id string, _ *Handle) bool {
		ids = append(ids, id)
		return true
	})
	n := 0
	for _, id := range ids {
		if r.Cancel(id) {
			n++
		}
	}
	return n
}

// Len returns the number of live handles.
func (r *Registry) Len() int { return r.handles.Size() }
