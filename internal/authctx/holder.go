// Package authctx binds the authenticated principal to a single request. The holder lives
// in the request's context.Context and gin context only; nothing is stored globally.
package authctx

import (
	"context"
	"errors"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/turtacn/atlas/internal/domain/models"
	"github.com/turtacn/atlas/pkg/constants"
)

// ErrAlreadySet is returned when a second principal is bound to the same request.
var ErrAlreadySet = errors.New("authctx: principal already set for this request")

// Holder carries at most one principal for the lifetime of a request.
type Holder struct {
	mu        sync.RWMutex
	principal *models.Principal
	cleared   bool
}

// NewHolder creates an empty holder.
func NewHolder() *Holder {
	return &Holder{}
}

// Set binds p. It may succeed once; later calls return ErrAlreadySet, also after Clear.
func (h *Holder) Set(p *models.Principal) error {
	if p == nil {
		return errors.New("authctx: nil principal")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.principal != nil || h.cleared {
		return ErrAlreadySet
	}
	h.principal = p
	return nil
}

// Get returns the bound principal.
func (h *Holder) Get() (*models.Principal, bool) {
	if h == nil {
		return nil, false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.principal, h.principal != nil
}

// Clear drops the principal.
func (h *Holder) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.principal = nil
	h.cleared = true
}

// NewContext returns a copy of ctx carrying h.
func NewContext(ctx context.Context, h *Holder) context.Context {
	return context.WithValue(ctx, constants.ContextKeyAuthHolder, h)
}

// FromContext returns the holder bound to ctx.
func FromContext(ctx context.Context) (*Holder, bool) {
	h, ok := ctx.Value(constants.ContextKeyAuthHolder).(*Holder)
	return h, ok && h != nil
}

// PrincipalFromContext returns the principal bound to ctx, if any.
func PrincipalFromContext(ctx context.Context) (*models.Principal, bool) {
	h, ok := FromContext(ctx)
	if !ok {
		return nil, false
	}
	return h.Get()
}

// Scope creates a holder for the request, binds it into both the gin context and the
// request context, and returns a guard that clears it. Callers defer the guard so the
// principal is dropped on success, on error and on panic.
func Scope(c *gin.Context) (*Holder, func()) {
	h := NewHolder()
	c.Set(constants.GinKeyAuthHolder, h)
	c.Request = c.Request.WithContext(NewContext(c.Request.Context(), h))
	return h, func() {
		h.Clear()
	}
}

// FromGin returns the holder bound by Scope.
func FromGin(c *gin.Context) (*Holder, bool) {
	v, ok := c.Get(constants.GinKeyAuthHolder)
	if !ok {
		return nil, false
	}
	h, ok := v.(*Holder)
	return h, ok
}

// Principal returns the principal bound to the gin request, if any.
func Principal(c *gin.Context) (*models.Principal, bool) {
	h, ok := FromGin(c)
	if !ok {
		return nil, false
	}
	return h.Get()
}
