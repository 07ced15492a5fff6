package middleware

import (
	"github.com/GoPolymarket/shieldgate/internal/config"
	"github.com/GoPolymarket/shieldgate/internal/model"
	"github.com/GoPolymarket/shieldgate/internal/pkg/apperrors"
)

const RoleAdmin = "admin"

// AccessPolicy decides, after credential resolution, whether the caller may reach the route.
type AccessPolicy struct {
	public []string
	admin  []string
}

func NewAccessPolicy(cfg config.SecurityConfig) *AccessPolicy {
	return &AccessPolicy{public: cfg.PublicPaths, admin: cfg.AdminPaths}
}

func (a *AccessPolicy) IsPublic(path string) bool {
	return model.PathMatches(path, a.public)
}

func (a *AccessPolicy) IsAdmin(path string) bool {
	return model.PathMatches(path, a.admin)
}

// Authorize applies the route rules to a resolution result. Bad credentials on a public route
// fall back to anonymous access; account-state violations are always surfaced.
func (a *AccessPolicy) Authorize(rc *model.RequestContext, resolveErr error) error {
	public := a.IsPublic(rc.Path)
	if resolveErr != nil {
		if public && apperrors.Is(resolveErr, apperrors.ErrUnauthenticated) {
			return nil
		}
		return resolveErr
	}
	if rc.Identity == nil {
		if public {
			return nil
		}
		return apperrors.New(apperrors.ErrUnauthenticated, "", nil).WithDetail("reason", "missing_credentials")
	}
	if a.IsAdmin(rc.Path) && !rc.Identity.HasRole(RoleAdmin) {
		return apperrors.NewInsufficientPrivilege(RoleAdmin)
	}
	return nil
}
