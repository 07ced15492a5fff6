package middleware

import (
	"sync/atomic"

	"github.com/GoPolymarket/shieldgate/internal/model"
	"github.com/GoPolymarket/shieldgate/internal/pkg/apperrors"
)

// ReadOnlyGuard is the maintenance switch. It can be flipped at runtime by config reload.
type ReadOnlyGuard struct {
	enabled atomic.Bool
}

func NewReadOnlyGuard(enabled bool) *ReadOnlyGuard {
	g := &ReadOnlyGuard{}
	g.enabled.Store(enabled)
	return g
}

func (g *ReadOnlyGuard) Set(enabled bool) {
	g.enabled.Store(enabled)
}

func (g *ReadOnlyGuard) Enabled() bool {
	return g != nil && g.enabled.Load()
}

// Check rejects mutating methods while read-only mode is on.
func (g *ReadOnlyGuard) Check(method string) error {
	if !g.Enabled() || model.IsReadOnlyMethod(method) {
		return nil
	}
	return apperrors.New(apperrors.ErrReadOnly, "read-only mode enabled", nil)
}
